// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRetrieve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/retrieve", r.URL.Path)

		var req retrieveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bridges", req.Query)
		assert.Equal(t, 100, req.TokenBudget)

		_ = json.NewEncoder(w).Encode(retrieveResponse{Chunks: []Chunk{
			{Source: "a", Score: 0.9, Text: "suspension", Tokens: 60},
			{Source: "b", Score: 0.4, Text: "arch", Tokens: 60},
		}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	chunks, err := c.Retrieve(context.Background(), "bridges", 100)
	require.NoError(t, err)

	// Budget enforcement happens client-side even when the service
	// over-returns.
	require.Len(t, chunks, 1)
	assert.Equal(t, "a", chunks[0].Source)
}

func TestHTTPRetrieveTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and
		// cancels r.Context() when the client disconnects; otherwise
		// the handler never unblocks and srv.Close hangs.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewHTTPClient(srv.URL)
	_, err := c.Retrieve(ctx, "slow", 100)

	var timeoutErr *TimeoutError
	assert.True(t, errors.As(err, &timeoutErr), "expected TimeoutError, got %v", err)
}

func TestHTTPRetrieveServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.Retrieve(context.Background(), "q", 100)
	require.Error(t, err)

	var timeoutErr *TimeoutError
	assert.False(t, errors.As(err, &timeoutErr), "server error must not classify as timeout")
}
