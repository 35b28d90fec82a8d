// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"quorum/shared/logger"

	"quorum/orchestrator/model"
)

// generateRequest is the wire request sent to a backend. The backend
// protocol is deliberately narrow: send a prompt, receive text or a
// failure. Anything richer belongs to the backend manager.
type generateRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// generateResponse is the wire response from a backend.
type generateResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Error            string `json:"error,omitempty"`
}

// HTTPClient is the production Client talking to local inference
// servers over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	maxTokens  int
	log        *logger.Logger
}

// HTTPClientOption configures the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPTransport overrides the underlying http.Client.
func WithHTTPTransport(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) {
		h.httpClient = c
	}
}

// WithMaxTokens caps completion length on every request.
func WithMaxTokens(n int) HTTPClientOption {
	return func(h *HTTPClient) {
		h.maxTokens = n
	}
}

// NewHTTPClient creates an inference client for HTTP backends.
func NewHTTPClient(opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		// No client-level timeout: deadlines come from the request
		// context so each mode controls its own budget.
		httpClient: &http.Client{},
		log:        logger.New("inference"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Generate implements Client. It always returns a ModelResponse; the
// Outcome field carries the failure classification.
func (c *HTTPClient) Generate(ctx context.Context, m model.Model, prompt string) ModelResponse {
	start := time.Now()

	resp := ModelResponse{ModelID: m.ID}

	body, err := json.Marshal(generateRequest{Prompt: prompt, MaxTokens: c.maxTokens})
	if err != nil {
		resp.Latency = time.Since(start)
		resp.Outcome = OutcomeError
		resp.Error = fmt.Sprintf("encode request: %v", err)
		return resp
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		resp.Latency = time.Since(start)
		resp.Outcome = OutcomeError
		resp.Error = fmt.Sprintf("build request: %v", err)
		return resp
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		resp.Latency = time.Since(start)
		resp.Outcome = classifyTransportError(ctx, err)
		resp.Error = err.Error()
		return resp
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	resp.Latency = time.Since(start)
	if err != nil {
		resp.Outcome = classifyTransportError(ctx, err)
		resp.Error = fmt.Sprintf("read response: %v", err)
		return resp
	}

	if httpResp.StatusCode != http.StatusOK {
		resp.Outcome = OutcomeError
		resp.Error = fmt.Sprintf("backend returned status %d", httpResp.StatusCode)
		return resp
	}

	var wire generateResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		resp.Outcome = OutcomeError
		resp.Error = fmt.Sprintf("malformed response: %v", err)
		return resp
	}
	if wire.Error != "" {
		resp.Outcome = OutcomeError
		resp.Error = wire.Error
		return resp
	}

	resp.Outcome = OutcomeOK
	resp.Text = wire.Text
	resp.Usage = UsageStats{
		PromptTokens:     wire.PromptTokens,
		CompletionTokens: wire.CompletionTokens,
		TotalTokens:      wire.PromptTokens + wire.CompletionTokens,
	}
	return resp
}

// classifyTransportError maps a transport failure to an outcome,
// distinguishing deadline expiry from backend faults.
func classifyTransportError(ctx context.Context, err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		// An abandoned call counts as a timeout from the caller's view.
		return OutcomeTimeout
	}
	return OutcomeError
}
