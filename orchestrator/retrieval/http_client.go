// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"quorum/shared/logger"
)

// retrieveRequest is the wire request to the retrieval service.
type retrieveRequest struct {
	Query       string `json:"query"`
	TokenBudget int    `json:"token_budget"`
}

// retrieveResponse is the wire response from the retrieval service.
type retrieveResponse struct {
	Chunks []Chunk `json:"chunks"`
}

// HTTPClient talks to the external retrieval service over HTTP.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	log        *logger.Logger
}

// NewHTTPClient creates a retrieval client for the given endpoint.
func NewHTTPClient(endpoint string, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		log:        logger.New("retrieval"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClientOption configures the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithTransport overrides the underlying http.Client.
func WithTransport(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// Retrieve implements Client.
func (c *HTTPClient) Retrieve(ctx context.Context, query string, tokenBudget int) ([]Chunk, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, TokenBudget: tokenBudget})
	if err != nil {
		return nil, fmt.Errorf("encode retrieval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Cause: err}
		}
		return nil, fmt.Errorf("retrieval call failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service returned status %d", httpResp.StatusCode)
	}

	var wire retrieveResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("malformed retrieval response: %w", err)
	}

	// The budget is enforced here regardless of what the service sent,
	// so callers never have to re-truncate.
	return FitBudget(wire.Chunks, tokenBudget), nil
}
