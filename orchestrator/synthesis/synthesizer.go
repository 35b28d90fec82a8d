// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package synthesis merges multiple model outputs into one final
// answer. Synthesis failure is never fatal: it degrades to the best
// individual response.
package synthesis

import (
	"context"
	"fmt"
	"strings"

	"quorum/orchestrator/inference"
	"quorum/orchestrator/model"
	"quorum/shared/logger"
)

// Path records which synthesis route produced the answer.
type Path string

const (
	// PathSingle means exactly one ok response existed and passed
	// through without a synthesis call.
	PathSingle Path = "single"

	// PathFastPath means a near-duplicate majority short-circuited the
	// synthesis call.
	PathFastPath Path = "fast_path"

	// PathSynthesized means a synthesis model call combined the
	// responses.
	PathSynthesized Path = "synthesized"

	// PathFallback means the synthesis call failed and the best
	// individual response was used instead.
	PathFallback Path = "fallback"
)

// Result is the outcome of a synthesis decision.
type Result struct {
	// Answer is the final text.
	Answer string

	// Path records how the answer was produced.
	Path Path

	// SynthesisResponse is the synthesis model's response when a call
	// was issued (paths synthesized and fallback), nil otherwise.
	SynthesisResponse *inference.ModelResponse
}

// Synthesizer issues synthesis calls through an inference client.
type Synthesizer struct {
	client inference.Client
	log    *logger.Logger
}

// New creates a Synthesizer.
func New(client inference.Client) *Synthesizer {
	return &Synthesizer{
		client: client,
		log:    logger.New("synthesis"),
	}
}

// Consensus merges parallel independent answers. With one ok response
// it passes through; with a near-duplicate pair at or above threshold
// it returns that text without a model call; otherwise it issues one
// synthesis call to synthModel.
func (s *Synthesizer) Consensus(ctx context.Context, requestID string, synthModel model.Model, query string, responses []inference.ModelResponse, threshold float64) Result {
	ok := successful(responses)

	switch {
	case len(ok) == 0:
		return Result{Path: PathFallback}
	case len(ok) == 1:
		return Result{Answer: ok[0].Text, Path: PathSingle}
	}

	if text, found := nearDuplicate(ok, threshold); found {
		s.log.Debug(requestID, "consensus fast path", map[string]interface{}{
			"responses": len(ok),
		})
		return Result{Answer: text, Path: PathFastPath}
	}

	return s.synthesize(ctx, requestID, synthModel, buildConsensusPrompt(query, ok), ok)
}

// Debate always issues a closing synthesis call over the final round's
// answers, using a fixed synthesizer role prompt.
func (s *Synthesizer) Debate(ctx context.Context, requestID string, synthModel model.Model, query string, responses []inference.ModelResponse) Result {
	ok := successful(responses)
	if len(ok) == 0 {
		return Result{Path: PathFallback}
	}

	return s.synthesize(ctx, requestID, synthModel, buildDebatePrompt(query, ok), ok)
}

// synthesize issues the model call and degrades to the best individual
// response when it fails.
func (s *Synthesizer) synthesize(ctx context.Context, requestID string, synthModel model.Model, prompt string, ok []inference.ModelResponse) Result {
	resp := s.client.Generate(ctx, synthModel, prompt)
	if resp.OK() && strings.TrimSpace(resp.Text) != "" {
		return Result{Answer: resp.Text, Path: PathSynthesized, SynthesisResponse: &resp}
	}

	s.log.Warn(requestID, "synthesis call failed, degrading to best response", map[string]interface{}{
		"model":   synthModel.ID,
		"outcome": string(resp.Outcome),
	})
	return Result{Answer: bestResponse(ok), Path: PathFallback, SynthesisResponse: &resp}
}

// successful filters ok responses preserving order.
func successful(responses []inference.ModelResponse) []inference.ModelResponse {
	var ok []inference.ModelResponse
	for _, r := range responses {
		if r.OK() {
			ok = append(ok, r)
		}
	}
	return ok
}

// nearDuplicate looks for any pair of responses whose similarity meets
// the threshold and returns the earlier one's text.
func nearDuplicate(responses []inference.ModelResponse, threshold float64) (string, bool) {
	for i := 0; i < len(responses); i++ {
		for j := i + 1; j < len(responses); j++ {
			if Similarity(responses[i].Text, responses[j].Text) >= threshold {
				return responses[i].Text, true
			}
		}
	}
	return "", false
}

// Similarity computes token-set Jaccard similarity of two texts after
// lowercasing and stripping punctuation. Identical texts score 1.
func Similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		set[tok] = true
	}
	return set
}

// bestResponse picks the longest non-empty response text.
func bestResponse(responses []inference.ModelResponse) string {
	best := ""
	for _, r := range responses {
		if len(r.Text) > len(best) {
			best = r.Text
		}
	}
	return best
}

func buildConsensusPrompt(query string, responses []inference.ModelResponse) string {
	var b strings.Builder
	b.WriteString("You are a synthesis model. Several models answered the same question independently.\n\n")
	b.WriteString(fmt.Sprintf("Question: %s\n\n", query))
	writeResponses(&b, responses)
	b.WriteString("Produce the single best combined answer. Reconcile conflicts, ")
	b.WriteString("keep what the answers agree on, and answer the question directly.")
	return b.String()
}

func buildDebatePrompt(query string, responses []inference.ModelResponse) string {
	var b strings.Builder
	b.WriteString("You are the synthesizer closing a panel debate. ")
	b.WriteString("The panelists have exchanged and revised their answers; below is the final round.\n\n")
	b.WriteString(fmt.Sprintf("Question: %s\n\n", query))
	writeResponses(&b, responses)
	b.WriteString("Write the final answer the panel converged on. ")
	b.WriteString("Where panelists still disagree, pick the better-supported position.")
	return b.String()
}

func writeResponses(b *strings.Builder, responses []inference.ModelResponse) {
	for i, r := range responses {
		b.WriteString(fmt.Sprintf("Answer %d:\n%s\n\n", i+1, r.Text))
	}
}
