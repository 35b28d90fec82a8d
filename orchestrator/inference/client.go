// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package inference issues generation requests to individual model
// backends. A call is exactly one attempt against one backend: retry
// policy belongs to the mode executors, which know their budgets.
package inference

import (
	"context"
	"time"

	"quorum/orchestrator/model"
)

// Outcome classifies how a generation call ended.
type Outcome string

const (
	// OutcomeOK means the backend returned a usable response.
	OutcomeOK Outcome = "ok"

	// OutcomeTimeout means the call deadline elapsed first.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeError means the backend failed (connection refused,
	// malformed response, non-2xx status).
	OutcomeError Outcome = "error"
)

// UsageStats tracks token usage reported by the backend.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelResponse is the result of one generation call. It is always
// produced, even on failure: transient faults are data, not errors, so
// they never interrupt sibling calls in a fan-out.
type ModelResponse struct {
	// ModelID identifies the backend that was called.
	ModelID string `json:"model_id"`

	// Text is the generated output. Empty unless Outcome is ok.
	Text string `json:"text"`

	// Latency is the wall time of the call.
	Latency time.Duration `json:"latency_ms"`

	// Usage contains token counts when the backend reports them.
	Usage UsageStats `json:"usage"`

	// Outcome classifies the call result.
	Outcome Outcome `json:"outcome"`

	// Error holds the failure detail for timeout/error outcomes.
	Error string `json:"error,omitempty"`
}

// OK reports whether the call produced a usable response.
func (r ModelResponse) OK() bool {
	return r.Outcome == OutcomeOK
}

// Client issues a single generation request to one backend.
// Implementations must be safe for concurrent use and must honor the
// context deadline: when it elapses the returned response carries
// Outcome "timeout".
type Client interface {
	Generate(ctx context.Context, m model.Model, prompt string) ModelResponse
}
