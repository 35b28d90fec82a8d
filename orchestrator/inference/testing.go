// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package inference

import (
	"context"
	"sync"
	"time"

	"quorum/orchestrator/model"
)

// Script describes a deterministic backend behavior for tests.
type Script struct {
	// Text is the response returned on ok outcomes.
	Text string

	// Outcome forces the call result. Empty means ok.
	Outcome Outcome

	// Latency is reported on the response and, when Sleep is set,
	// actually waited (subject to the context deadline).
	Latency time.Duration

	// Sleep makes the call block for Latency before returning.
	Sleep bool
}

// ScriptedClient is a deterministic in-memory Client for tests.
// Each model id maps to an ordered list of scripts consumed one call at
// a time; the last script repeats once the list is exhausted.
type ScriptedClient struct {
	mu      sync.Mutex
	scripts map[string][]Script
	cursor  map[string]int
	calls   []Call
}

// Call records one Generate invocation for assertions.
type Call struct {
	ModelID  string
	Prompt   string
	Deadline time.Time
	HasDL    bool
}

// NewScriptedClient creates an empty scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		scripts: make(map[string][]Script),
		cursor:  make(map[string]int),
	}
}

// Script appends behaviors for a model id.
func (c *ScriptedClient) Script(modelID string, scripts ...Script) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[modelID] = append(c.scripts[modelID], scripts...)
	return c
}

// Generate implements Client.
func (c *ScriptedClient) Generate(ctx context.Context, m model.Model, prompt string) ModelResponse {
	c.mu.Lock()
	dl, hasDL := ctx.Deadline()
	c.calls = append(c.calls, Call{ModelID: m.ID, Prompt: prompt, Deadline: dl, HasDL: hasDL})

	list := c.scripts[m.ID]
	var s Script
	if len(list) > 0 {
		i := c.cursor[m.ID]
		if i >= len(list) {
			i = len(list) - 1
		}
		s = list[i]
		c.cursor[m.ID]++
	} else {
		s = Script{Text: "scripted response from " + m.ID}
	}
	c.mu.Unlock()

	if s.Sleep && s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return ModelResponse{
				ModelID: m.ID,
				Latency: s.Latency,
				Outcome: OutcomeTimeout,
				Error:   ctx.Err().Error(),
			}
		}
	}

	outcome := s.Outcome
	if outcome == "" {
		outcome = OutcomeOK
	}

	resp := ModelResponse{ModelID: m.ID, Latency: s.Latency, Outcome: outcome}
	switch outcome {
	case OutcomeOK:
		resp.Text = s.Text
		resp.Usage = UsageStats{PromptTokens: len(prompt) / 4, CompletionTokens: len(s.Text) / 4}
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	case OutcomeTimeout:
		resp.Error = "deadline exceeded"
	case OutcomeError:
		resp.Error = "backend error"
	}
	return resp
}

// Calls returns a copy of every recorded invocation.
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsFor returns recorded invocations for one model id.
func (c *ScriptedClient) CallsFor(modelID string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.ModelID == modelID {
			out = append(out, call)
		}
	}
	return out
}

// CallCount returns the total number of Generate invocations.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
