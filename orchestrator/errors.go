// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"errors"
	"fmt"

	"quorum/orchestrator/inference"
)

// Error codes carried by QueryError. Handlers map these to HTTP status
// codes; callers should branch on Code, not on message text.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeModelUnavailable = "model_unavailable"
	CodeRetrievalTimeout = "retrieval_timeout"
	CodeInferenceTimeout = "inference_timeout"
	CodeInferenceError   = "inference_error"
	CodeSynthesisFailure = "synthesis_failure"
	CodeAllModelsFailed  = "all_models_failed"
	CodeDeadlineExceeded = "deadline_exceeded"
)

// QueryError is a structured execution failure. It carries the mode,
// the state the request was in when it failed, and every per-model
// response gathered before the failure, so a caller can tell "no
// models available" from "all models timed out".
type QueryError struct {
	Code      string
	Mode      Mode
	State     State
	Message   string
	Responses []inference.ModelResponse
	Err       error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (mode=%s state=%s): %s: %v", e.Code, e.Mode, e.State, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (mode=%s state=%s): %s", e.Code, e.Mode, e.State, e.Message)
}

func (e *QueryError) Unwrap() error { return e.Err }

// AsQueryError extracts a QueryError from an error chain.
func AsQueryError(err error) (*QueryError, bool) {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
