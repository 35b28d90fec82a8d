// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator coordinates query execution across the model
// registry, the retrieval subsystem, and the inference clients. It owns
// the query modes, the per-request state machine, and the deadline
// budget that every downstream call inherits.
package orchestrator

import (
	"time"

	"quorum/orchestrator/inference"
	"quorum/orchestrator/model"
	"quorum/orchestrator/synthesis"
)

// Mode names a query execution strategy.
type Mode string

const (
	// ModeSimple routes the query to a single model.
	ModeSimple Mode = "simple"

	// ModeTwoStage drafts on a fast model, then refines on a stronger
	// one with the draft and retrieval context.
	ModeTwoStage Mode = "two_stage"

	// ModeConsensus fans out to a council and synthesizes agreement.
	ModeConsensus Mode = "consensus"

	// ModeDebate runs council revision rounds before synthesis.
	ModeDebate Mode = "debate"

	// ModeBenchmark sends the same prompt to every selectable model
	// and reports per-model results without synthesis.
	ModeBenchmark Mode = "benchmark"
)

// ParseMode validates a wire-format mode string. Empty input is not a
// valid mode; callers substitute the configured default first.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeSimple, ModeTwoStage, ModeConsensus, ModeDebate, ModeBenchmark:
		return Mode(s), true
	}
	return "", false
}

// State is a phase of request execution. States advance monotonically;
// a request never re-enters an earlier state.
type State string

const (
	StateReceived         State = "received"
	StateContextGathering State = "context_gathering"
	StateDispatch         State = "dispatch"
	StateAggregating      State = "aggregating"
	StateSynthesized      State = "synthesized"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// QueryRequest is a single query submitted to the orchestrator.
type QueryRequest struct {
	// Query is the user's question. Required.
	Query string `json:"query"`

	// Mode selects the execution strategy. Empty uses the configured
	// default mode.
	Mode Mode `json:"mode,omitempty"`

	// UseContext enables retrieval augmentation for modes that accept
	// it. Retrieval failure never fails the query.
	UseContext bool `json:"use_context,omitempty"`

	// ModelID pins execution to one model, bypassing tier selection.
	// Only meaningful for simple mode.
	ModelID string `json:"model_id,omitempty"`

	// Tier overrides the mode's default tier for model selection.
	Tier model.Tier `json:"tier,omitempty"`

	// Deadline overrides the configured per-request time budget.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// StageTiming records one completed execution stage for the result
// trace. Name is a model ID for inference stages or a fixed stage
// label such as "retrieval" or "synthesis".
type StageTiming struct {
	Name    string        `json:"name"`
	Latency time.Duration `json:"latency"`
}

// QueryResult is the outcome of a completed query.
type QueryResult struct {
	// RequestID identifies the request across logs and audit rows.
	RequestID string `json:"request_id"`

	// Answer is the final text returned to the caller. Empty only
	// when the request failed.
	Answer string `json:"answer"`

	// Mode is the mode that actually executed, after defaulting.
	Mode Mode `json:"mode"`

	// Path records how the answer was produced for council modes.
	Path synthesis.Path `json:"path,omitempty"`

	// Responses holds every per-model response gathered during
	// execution, in the order the models were dispatched. Benchmark
	// mode sorts by latency ascending instead.
	Responses []inference.ModelResponse `json:"responses,omitempty"`

	// Stages traces the stages executed, in order.
	Stages []StageTiming `json:"stages,omitempty"`

	// ContextUsed reports whether retrieval context reached a prompt.
	ContextUsed bool `json:"context_used"`

	// TotalLatency is wall time from receipt to completion.
	TotalLatency time.Duration `json:"total_latency"`
}
