// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package retrieval is the orchestrator-side contract to the external
// contextual-retrieval subsystem. Retrieval is an optimization, never a
// dependency: on timeout the caller proceeds with an empty context set.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Chunk is one ranked piece of grounding context.
type Chunk struct {
	// Source identifies the document the chunk came from.
	Source string `json:"source"`

	// Score is the relevance score, higher is more relevant.
	Score float64 `json:"score"`

	// Text is the chunk content.
	Text string `json:"text"`

	// Tokens is the token count of Text as reported by the index.
	Tokens int `json:"tokens"`
}

// Client retrieves ranked context chunks for a query. The returned
// sequence is relevance-descending and fits tokenBudget in aggregate;
// truncating the low-relevance tail is the client's job, not the
// caller's. Deadlines come from the context; expiry yields a
// *TimeoutError.
type Client interface {
	Retrieve(ctx context.Context, query string, tokenBudget int) ([]Chunk, error)
}

// TimeoutError indicates the retrieval subsystem missed its deadline.
type TimeoutError struct {
	Cause error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retrieval timed out: %v", e.Cause)
	}
	return "retrieval timed out"
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// FitBudget sorts chunks relevance-descending and drops the tail so the
// aggregate token count stays within budget. A budget of zero or less
// returns no chunks.
func FitBudget(chunks []Chunk, tokenBudget int) []Chunk {
	if tokenBudget <= 0 {
		return nil
	}

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var kept []Chunk
	used := 0
	for _, c := range sorted {
		if used+c.Tokens > tokenBudget {
			continue
		}
		kept = append(kept, c)
		used += c.Tokens
	}
	return kept
}

// RenderContext formats chunks into a prompt section. Empty input
// renders to an empty string so prompts stay clean without context.
func RenderContext(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant context:\n")
	for i, c := range chunks {
		b.WriteString(fmt.Sprintf("[%d] (%s)\n%s\n", i+1, c.Source, c.Text))
	}
	return b.String()
}
