// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package council

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/orchestrator/inference"
	"quorum/orchestrator/model"
)

func participants(ids ...string) []model.Model {
	ms := make([]model.Model, len(ids))
	for i, id := range ids {
		ms[i] = model.Model{ID: id, Tier: model.TierBalanced, Status: model.StatusRunning}
	}
	return ms
}

func TestDispatchSettlesAllParticipants(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Text: "alpha"}).
		Script("b", inference.Script{Outcome: inference.OutcomeTimeout}).
		Script("c", inference.Script{Outcome: inference.OutcomeError})

	c := New(client)
	round := c.Dispatch(context.Background(), "req-1", participants("a", "b", "c"), "q")

	require.Len(t, round.Responses, 3)
	// Responses stay in participant order regardless of completion order.
	assert.Equal(t, "a", round.Responses[0].ModelID)
	assert.Equal(t, "b", round.Responses[1].ModelID)
	assert.Equal(t, "c", round.Responses[2].ModelID)

	ok := round.Successful()
	require.Len(t, ok, 1)
	assert.Equal(t, "alpha", ok[0].Text)
	assert.False(t, round.AllFailed())
}

func TestRunConsensusAllFailed(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Outcome: inference.OutcomeTimeout}).
		Script("b", inference.Script{Outcome: inference.OutcomeError})

	c := New(client)
	round, err := c.RunConsensus(context.Background(), "req-1", participants("a", "b"), "q")

	var allFailed *AllFailedError
	require.True(t, errors.As(err, &allFailed))
	assert.Len(t, round.Responses, 2, "failed round still carries every outcome")
}

func TestRunConsensusPartialFailureTolerated(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Outcome: inference.OutcomeError}).
		Script("b", inference.Script{Text: "fine"})

	c := New(client)
	round, err := c.RunConsensus(context.Background(), "req-1", participants("a", "b"), "q")
	require.NoError(t, err)
	assert.Len(t, round.Successful(), 1)
}

// recorderSpy captures outcome recordings.
type recorderSpy struct {
	mu      sync.Mutex
	records map[string][]bool
}

func (r *recorderSpy) RecordOutcome(id string, latency time.Duration, ok, timedOut bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records == nil {
		r.records = make(map[string][]bool)
	}
	r.records[id] = append(r.records[id], ok)
}

func TestDispatchRecordsOutcomes(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Text: "x"}).
		Script("b", inference.Script{Outcome: inference.OutcomeTimeout})

	spy := &recorderSpy{}
	c := New(client, WithRecorder(spy))
	c.Dispatch(context.Background(), "req-1", participants("a", "b"), "q")

	assert.Equal(t, []bool{true}, spy.records["a"])
	assert.Equal(t, []bool{false}, spy.records["b"])
}

func TestRunDebateCallCounts(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Text: "a0"}, inference.Script{Text: "a1"}).
		Script("b", inference.Script{Text: "b0"}, inference.Script{Text: "b1"}).
		Script("c", inference.Script{Text: "c0"}, inference.Script{Text: "c1"})

	c := New(client, WithRandSource(rand.NewSource(7)))
	round, err := c.RunDebate(context.Background(), "req-1", participants("a", "b", "c"), "q", 1, 0)
	require.NoError(t, err)

	// debate_rounds=1 means exactly 2 rounds of calls per model.
	assert.Equal(t, 6, client.CallCount())
	require.Len(t, round.Responses, 3)
	assert.Equal(t, "a1", round.Responses[0].Text, "final round carries revised answers")
}

func TestRunDebateRevisionPromptsExcludeSelf(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Text: "answer-from-a"}, inference.Script{Text: "a-rev"}).
		Script("b", inference.Script{Text: "answer-from-b"}, inference.Script{Text: "b-rev"})

	c := New(client, WithRandSource(rand.NewSource(1)))
	_, err := c.RunDebate(context.Background(), "req-1", participants("a", "b"), "the question", 1, 0)
	require.NoError(t, err)

	aCalls := client.CallsFor("a")
	require.Len(t, aCalls, 2)

	revision := aCalls[1].Prompt
	assert.Contains(t, revision, "the question")
	assert.Contains(t, revision, "answer-from-b", "peer answers must be visible")
	assert.NotContains(t, revision, "answer-from-a", "own answer must not echo back")

	// Anonymization: model ids never appear, labels do.
	assert.NotContains(t, revision, `"b"`)
	assert.Contains(t, revision, "Model ")
}

func TestRunDebateLabelsStableAcrossRounds(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Text: "a0"}, inference.Script{Text: "a1"}, inference.Script{Text: "a2"}).
		Script("b", inference.Script{Text: "b0"}, inference.Script{Text: "b1"}, inference.Script{Text: "b2"})

	c := New(client, WithRandSource(rand.NewSource(3)))
	_, err := c.RunDebate(context.Background(), "req-1", participants("a", "b"), "q", 2, 0)
	require.NoError(t, err)

	aCalls := client.CallsFor("a")
	require.Len(t, aCalls, 3)

	labelOf := func(prompt string) string {
		i := strings.Index(prompt, "Model ")
		require.GreaterOrEqual(t, i, 0)
		return prompt[i : i+7]
	}
	assert.Equal(t, labelOf(aCalls[1].Prompt), labelOf(aCalls[2].Prompt))
}

func TestRunDebateSkipsFailedPeersInRevision(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Text: "a0"}, inference.Script{Text: "a1"}).
		Script("b", inference.Script{Outcome: inference.OutcomeTimeout}, inference.Script{Text: "b1"}).
		Script("c", inference.Script{Text: "c0"}, inference.Script{Text: "c1"})

	c := New(client, WithRandSource(rand.NewSource(5)))
	_, err := c.RunDebate(context.Background(), "req-1", participants("a", "b", "c"), "q", 1, 0)
	require.NoError(t, err)

	aRevision := client.CallsFor("a")[1].Prompt
	assert.Contains(t, aRevision, "c0")
	assert.NotContains(t, aRevision, "b0", "timed-out peer has no answer to show")
}

func TestRunDebateRoundZeroStructuralFailure(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Outcome: inference.OutcomeError}).
		Script("b", inference.Script{Outcome: inference.OutcomeTimeout})

	c := New(client)
	_, err := c.RunDebate(context.Background(), "req-1", participants("a", "b"), "q", 1, 0)

	var allFailed *AllFailedError
	require.True(t, errors.As(err, &allFailed))
	assert.Equal(t, 0, allFailed.RoundIndex)
	// No revision round runs after a structural failure.
	assert.Equal(t, 2, client.CallCount())
}

func TestRunDebatePerRoundDeadline(t *testing.T) {
	client := inference.NewScriptedClient().
		Script("a", inference.Script{Text: "fast", Latency: time.Millisecond, Sleep: true}).
		Script("b", inference.Script{Text: "slow", Latency: 500 * time.Millisecond, Sleep: true})

	c := New(client)
	start := time.Now()
	round, err := c.RunDebate(context.Background(), "req-1", participants("a", "b"), "q", 0, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 400*time.Millisecond, "round must settle at its deadline")
	require.Len(t, round.Successful(), 1)
	assert.Equal(t, "fast", round.Successful()[0].Text)
	assert.Equal(t, inference.OutcomeTimeout, round.Responses[1].Outcome)
}
