// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package council runs multi-model rounds shared by the consensus and
// debate query modes: fan-out with a common deadline, partial-result
// tolerance, and anonymized cross-model visibility.
package council

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"quorum/orchestrator/inference"
	"quorum/orchestrator/model"
	"quorum/shared/logger"
)

// OutcomeRecorder receives per-call outcomes, typically the model
// registry maintaining latency averages and the degraded policy.
type OutcomeRecorder interface {
	RecordOutcome(id string, latency time.Duration, ok, timedOut bool)
}

// Coordinator orchestrates rounds of parallel model calls.
type Coordinator struct {
	client   inference.Client
	recorder OutcomeRecorder
	log      *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithRecorder wires per-call outcome recording.
func WithRecorder(r OutcomeRecorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithRandSource seeds label shuffling, used by tests for determinism.
func WithRandSource(src rand.Source) Option {
	return func(c *Coordinator) {
		c.rng = rand.New(src)
	}
}

// New creates a Coordinator issuing calls through client.
func New(client inference.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		client: client,
		log:    logger.New("council"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Round holds the settled responses of one fan-out, in participant
// order. A round settles only when every call has returned; failures
// are recorded as response outcomes, never as missing entries.
type Round struct {
	Responses []inference.ModelResponse
}

// Successful returns the ok responses in participant order.
func (r Round) Successful() []inference.ModelResponse {
	var ok []inference.ModelResponse
	for _, resp := range r.Responses {
		if resp.OK() {
			ok = append(ok, resp)
		}
	}
	return ok
}

// AllFailed reports whether no participant produced an ok response.
func (r Round) AllFailed() bool {
	return len(r.Successful()) == 0
}

// AllFailedError is the structural failure of a full round: every
// participant errored or timed out.
type AllFailedError struct {
	RoundIndex int
	Round      Round
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("round %d: all %d participants failed", e.RoundIndex, len(e.Round.Responses))
}

// Dispatch fans the same prompt out to every participant and waits for
// the set to settle. The context carries the common round deadline; a
// participant past it comes back with a timeout outcome rather than
// being awaited further.
func (c *Coordinator) Dispatch(ctx context.Context, requestID string, participants []model.Model, prompt string) Round {
	responses := make([]inference.ModelResponse, len(participants))

	var wg sync.WaitGroup
	for i, m := range participants {
		wg.Add(1)
		go func(idx int, m model.Model) {
			defer wg.Done()
			resp := c.client.Generate(ctx, m, prompt)
			responses[idx] = resp
			if c.recorder != nil {
				c.recorder.RecordOutcome(m.ID, resp.Latency, resp.OK(), resp.Outcome == inference.OutcomeTimeout)
			}
		}(i, m)
	}
	wg.Wait()

	round := Round{Responses: responses}
	c.log.Debug(requestID, "round settled", map[string]interface{}{
		"participants": len(participants),
		"ok":           len(round.Successful()),
	})
	return round
}

// RunConsensus executes a single parallel round. It fails structurally
// only when every participant fails.
func (c *Coordinator) RunConsensus(ctx context.Context, requestID string, participants []model.Model, prompt string) (Round, error) {
	round := c.Dispatch(ctx, requestID, participants, prompt)
	if round.AllFailed() {
		return round, &AllFailedError{Round: round}
	}
	return round, nil
}

// RunDebate executes round 0 plus extraRounds revision rounds. Round
// inputs are frozen before dispatch: a model only ever sees prior-round
// answers, never same-round peers. When perRound is positive each round
// runs under its own derived deadline. The returned round is the final
// one; earlier rounds are discarded once their answers have been shown.
func (c *Coordinator) RunDebate(ctx context.Context, requestID string, participants []model.Model, prompt string, extraRounds int, perRound time.Duration) (Round, error) {
	labels := c.assignLabels(participants)

	roundContext := func() (context.Context, context.CancelFunc) {
		if perRound > 0 {
			return context.WithTimeout(ctx, perRound)
		}
		return ctx, func() {}
	}

	roundCtx, cancel := roundContext()
	round := c.Dispatch(roundCtx, requestID, participants, prompt)
	cancel()
	if round.AllFailed() {
		return round, &AllFailedError{RoundIndex: 0, Round: round}
	}

	for r := 1; r <= extraRounds; r++ {
		// Inputs for this round are frozen here, before dispatch.
		prior := round
		roundCtx, cancel := roundContext()

		responses := make([]inference.ModelResponse, len(participants))
		var wg sync.WaitGroup
		for i, m := range participants {
			wg.Add(1)
			go func(idx int, m model.Model) {
				defer wg.Done()
				revision := buildRevisionPrompt(prompt, m.ID, prior, labels)
				resp := c.client.Generate(roundCtx, m, revision)
				responses[idx] = resp
				if c.recorder != nil {
					c.recorder.RecordOutcome(m.ID, resp.Latency, resp.OK(), resp.Outcome == inference.OutcomeTimeout)
				}
			}(i, m)
		}
		wg.Wait()
		cancel()

		round = Round{Responses: responses}
		c.log.Debug(requestID, "debate round settled", map[string]interface{}{
			"round": r,
			"ok":    len(round.Successful()),
		})

		if round.AllFailed() {
			return round, &AllFailedError{RoundIndex: r, Round: round}
		}
	}

	return round, nil
}

// assignLabels maps participant ids to "Model A/B/C..." in a shuffled,
// per-request-stable permutation so models cannot identify themselves
// or each other across rounds.
func (c *Coordinator) assignLabels(participants []model.Model) map[string]string {
	perm := make([]int, len(participants))
	for i := range perm {
		perm[i] = i
	}

	c.mu.Lock()
	c.rng.Shuffle(len(perm), func(i, j int) {
		perm[i], perm[j] = perm[j], perm[i]
	})
	c.mu.Unlock()

	labels := make(map[string]string, len(participants))
	for pos, idx := range perm {
		labels[participants[idx].ID] = fmt.Sprintf("Model %c", 'A'+pos)
	}
	return labels
}

// Anonymize relabels ok responses for presentation outside the round,
// using the same label scheme as debate revisions.
func Anonymize(responses []inference.ModelResponse, labels map[string]string) string {
	var b strings.Builder
	for _, resp := range responses {
		if !resp.OK() {
			continue
		}
		label, ok := labels[resp.ModelID]
		if !ok {
			label = "Model ?"
		}
		b.WriteString(fmt.Sprintf("%s:\n%s\n\n", label, resp.Text))
	}
	return b.String()
}

// buildRevisionPrompt appends the anonymized prior-round answers of the
// other participants to the original prompt.
func buildRevisionPrompt(original, selfID string, prior Round, labels map[string]string) string {
	var others []inference.ModelResponse
	for _, resp := range prior.Responses {
		if resp.ModelID != selfID && resp.OK() {
			others = append(others, resp)
		}
	}

	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nOther panelists answered the question as follows:\n\n")
	b.WriteString(Anonymize(others, labels))
	b.WriteString("Considering their answers, produce your revised answer. ")
	b.WriteString("Keep what you believe is correct and fix what is not.")
	return b.String()
}
