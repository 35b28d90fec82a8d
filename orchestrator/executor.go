// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"quorum/orchestrator/council"
	"quorum/orchestrator/inference"
	"quorum/orchestrator/model"
	"quorum/orchestrator/retrieval"
	"quorum/orchestrator/synthesis"
	"quorum/shared/logger"
)

// ExecutorConfig holds the request-time tunables of the executor. All
// fields are read-only once the executor is constructed.
type ExecutorConfig struct {
	DefaultMode                  Mode
	ContextTokenBudget           int
	PerRequestDeadline           time.Duration
	DebateRounds                 int
	ConsensusSimilarityThreshold float64
	SynthesisTier                model.Tier
	StageSafetyMargin            time.Duration
}

func (c *ExecutorConfig) applyDefaults() {
	if c.DefaultMode == "" {
		c.DefaultMode = ModeSimple
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = 2048
	}
	if c.PerRequestDeadline <= 0 {
		c.PerRequestDeadline = 60 * time.Second
	}
	if c.ConsensusSimilarityThreshold <= 0 {
		c.ConsensusSimilarityThreshold = 0.9
	}
	if c.SynthesisTier == "" {
		c.SynthesisTier = model.TierBalanced
	}
	if c.StageSafetyMargin <= 0 {
		c.StageSafetyMargin = 250 * time.Millisecond
	}
}

// Executor runs queries against the registry through one of the five
// query modes. It owns the per-request state machine and the deadline
// budget every downstream call inherits.
type Executor struct {
	cfg       ExecutorConfig
	registry  *model.Registry
	client    inference.Client
	retriever retrieval.Client
	council   *council.Coordinator
	synth     *synthesis.Synthesizer
	audit     *AuditLog
	log       *logger.Logger

	councilOpts []council.Option
}

// ExecutorOption configures optional executor collaborators.
type ExecutorOption func(*Executor)

// WithRetriever wires the retrieval subsystem client. Without it,
// context gathering is skipped and prompts carry the raw query.
func WithRetriever(c retrieval.Client) ExecutorOption {
	return func(e *Executor) { e.retriever = c }
}

// WithAuditLog wires the audit writer. Nil disables auditing.
func WithAuditLog(a *AuditLog) ExecutorOption {
	return func(e *Executor) { e.audit = a }
}

// WithCouncilRand seeds the council's anonymization shuffle. Tests use
// this for deterministic labels.
func WithCouncilRand(src rand.Source) ExecutorOption {
	return func(e *Executor) {
		e.councilOpts = append(e.councilOpts, council.WithRandSource(src))
	}
}

// NewExecutor builds an executor over the given registry and inference
// client.
func NewExecutor(cfg ExecutorConfig, reg *model.Registry, client inference.Client, opts ...ExecutorOption) *Executor {
	cfg.applyDefaults()

	e := &Executor{
		cfg:      cfg,
		registry: reg,
		client:   client,
		log:      logger.New("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}

	councilOpts := append([]council.Option{council.WithRecorder(reg)}, e.councilOpts...)
	e.council = council.New(client, councilOpts...)
	e.synth = synthesis.New(client)
	return e
}

// stateRank orders states for forward-only transitions. Two-stage runs
// its draft call during context gathering, so helpers must never move
// the request backwards.
var stateRank = map[State]int{
	StateReceived:         0,
	StateContextGathering: 1,
	StateDispatch:         2,
	StateAggregating:      3,
	StateSynthesized:      4,
	StateDone:             5,
	StateFailed:           5,
}

// execution is the per-request bookkeeping for one Execute call.
type execution struct {
	requestID string
	req       QueryRequest
	mode      Mode
	start     time.Time
	deadline  time.Time
	margin    time.Duration

	state       State
	stages      []StageTiming
	responses   []inference.ModelResponse
	contextUsed bool
}

func (ex *execution) advance(s State) {
	if stateRank[s] > stateRank[ex.state] {
		ex.state = s
	}
}

func (ex *execution) addStage(name string, latency time.Duration) {
	ex.stages = append(ex.stages, StageTiming{Name: name, Latency: latency})
}

// stageContext derives a sub-deadline from the remaining request
// budget, reserving the safety margin once per stage still to run
// after this one. Returns an error when the budget is exhausted.
func (ex *execution) stageContext(ctx context.Context, stagesAfter int) (context.Context, context.CancelFunc, error) {
	remaining := time.Until(ex.deadline)
	sub := remaining - ex.margin*time.Duration(stagesAfter)
	if sub <= 0 {
		return nil, nil, ex.fail(CodeDeadlineExceeded, "request budget exhausted", context.DeadlineExceeded)
	}
	sctx, cancel := context.WithTimeout(ctx, sub)
	return sctx, cancel, nil
}

func (ex *execution) fail(code, msg string, err error) *QueryError {
	ex.state = StateFailed
	return &QueryError{
		Code:      code,
		Mode:      ex.mode,
		State:     ex.state,
		Message:   msg,
		Responses: ex.responses,
		Err:       err,
	}
}

func (ex *execution) result(answer string, path synthesis.Path) QueryResult {
	ex.advance(StateDone)
	return QueryResult{
		RequestID:    ex.requestID,
		Answer:       answer,
		Mode:         ex.mode,
		Path:         path,
		Responses:    ex.responses,
		Stages:       ex.stages,
		ContextUsed:  ex.contextUsed,
		TotalLatency: time.Since(ex.start),
	}
}

// Execute runs one query to completion. The returned error is always a
// *QueryError when non-nil.
func (e *Executor) Execute(ctx context.Context, req QueryRequest) (QueryResult, error) {
	ex := &execution{
		requestID: uuid.NewString(),
		req:       req,
		mode:      req.Mode,
		start:     time.Now(),
		margin:    e.cfg.StageSafetyMargin,
		state:     StateReceived,
	}
	if ex.mode == "" {
		ex.mode = e.cfg.DefaultMode
	}

	if _, ok := ParseMode(string(ex.mode)); !ok {
		return QueryResult{}, ex.fail(CodeInvalidRequest, fmt.Sprintf("unknown mode %q", ex.mode), nil)
	}
	if strings.TrimSpace(req.Query) == "" {
		return QueryResult{}, ex.fail(CodeInvalidRequest, "query is required", nil)
	}
	if req.Tier != "" {
		if _, terr := model.ParseTier(string(req.Tier)); terr != nil {
			return QueryResult{}, ex.fail(CodeInvalidRequest, fmt.Sprintf("unknown tier %q", req.Tier), terr)
		}
	}

	budget := req.Deadline
	if budget <= 0 {
		budget = e.cfg.PerRequestDeadline
	}
	ex.deadline = ex.start.Add(budget)

	ctx, cancel := context.WithDeadline(ctx, ex.deadline)
	defer cancel()

	e.log.Info(ex.requestID, "query received", map[string]interface{}{
		"mode":        string(ex.mode),
		"use_context": req.UseContext,
		"budget_ms":   budget.Milliseconds(),
	})

	var res QueryResult
	var err error
	switch ex.mode {
	case ModeSimple:
		res, err = e.runSimple(ctx, ex)
	case ModeTwoStage:
		res, err = e.runTwoStage(ctx, ex)
	case ModeConsensus:
		res, err = e.runConsensus(ctx, ex)
	case ModeDebate:
		res, err = e.runDebate(ctx, ex)
	case ModeBenchmark:
		res, err = e.runBenchmark(ctx, ex)
	}

	elapsed := time.Since(ex.start)
	promQueryDuration.WithLabelValues(string(ex.mode)).Observe(float64(elapsed.Milliseconds()))

	if err != nil {
		promQueriesTotal.WithLabelValues(string(ex.mode), "failed").Inc()
		e.log.ErrorWithErr(ex.requestID, "query failed", err, map[string]interface{}{
			"mode":  string(ex.mode),
			"state": string(ex.state),
		})
		e.recordAudit(ex, QueryResult{}, err)
		return QueryResult{}, err
	}

	promQueriesTotal.WithLabelValues(string(ex.mode), "ok").Inc()
	e.log.InfoWithDuration(ex.requestID, "query completed", float64(elapsed.Milliseconds()), map[string]interface{}{
		"mode":   string(ex.mode),
		"path":   string(res.Path),
		"models": len(res.Responses),
	})
	e.recordAudit(ex, res, nil)
	return res, nil
}

func (e *Executor) recordAudit(ex *execution, res QueryResult, err error) {
	if e.audit == nil {
		return
	}
	e.audit.Record(newQueryAudit(ex, res, err))
}

// recordCall updates the registry latency/degraded bookkeeping and the
// per-model call metrics for one response.
func (e *Executor) recordCall(resp inference.ModelResponse) {
	e.registry.RecordOutcome(resp.ModelID, resp.Latency, resp.OK(), resp.Outcome == inference.OutcomeTimeout)
	promModelCalls.WithLabelValues(resp.ModelID, string(resp.Outcome)).Inc()
}

// recordRound updates metrics for responses the council already fed
// through the registry recorder.
func recordRoundMetrics(responses []inference.ModelResponse) {
	for _, resp := range responses {
		promModelCalls.WithLabelValues(resp.ModelID, string(resp.Outcome)).Inc()
	}
}

// gatherContext fetches and renders retrieval context. Retrieval is an
// optimization: every failure degrades to an empty context.
func (e *Executor) gatherContext(ctx context.Context, ex *execution, query string, stagesAfter int) string {
	if e.retriever == nil {
		return ""
	}
	ex.advance(StateContextGathering)

	sctx, cancel, err := ex.stageContext(ctx, stagesAfter)
	if err != nil {
		return ""
	}
	defer cancel()

	stageStart := time.Now()
	chunks, err := e.retriever.Retrieve(sctx, query, e.cfg.ContextTokenBudget)
	ex.addStage("retrieval", time.Since(stageStart))

	if err != nil {
		outcome := "error"
		var te *retrieval.TimeoutError
		if errors.As(err, &te) {
			outcome = "timeout"
		}
		promRetrievalCalls.WithLabelValues(outcome).Inc()
		e.log.Warn(ex.requestID, "retrieval failed, continuing without context", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}

	promRetrievalCalls.WithLabelValues("ok").Inc()
	if len(chunks) == 0 {
		return ""
	}
	ex.contextUsed = true
	return retrieval.RenderContext(chunks)
}

// dispatchOne issues a single inference call under a derived
// sub-deadline and records its outcome.
func (e *Executor) dispatchOne(ctx context.Context, ex *execution, m model.Model, prompt string, stagesAfter int) (inference.ModelResponse, *QueryError) {
	sctx, cancel, err := ex.stageContext(ctx, stagesAfter)
	if err != nil {
		qe, _ := AsQueryError(err)
		return inference.ModelResponse{}, qe
	}
	defer cancel()

	resp := e.client.Generate(sctx, m, prompt)
	e.recordCall(resp)
	ex.addStage(m.ID, resp.Latency)
	ex.responses = append(ex.responses, resp)
	return resp, nil
}

func (e *Executor) runSimple(ctx context.Context, ex *execution) (QueryResult, error) {
	m, qerr := e.selectSimpleModel(ex)
	if qerr != nil {
		return QueryResult{}, qerr
	}

	prompt := ex.req.Query
	if ex.req.UseContext {
		if ctxText := e.gatherContext(ctx, ex, ex.req.Query, 1); ctxText != "" {
			prompt = promptWithContext(ex.req.Query, ctxText)
		}
	}

	ex.advance(StateDispatch)
	resp, qerr := e.dispatchOne(ctx, ex, m, prompt, 0)
	if qerr != nil {
		return QueryResult{}, qerr
	}
	if !resp.OK() {
		return QueryResult{}, ex.fail(failureCode(resp), fmt.Sprintf("model %s: %s", m.ID, resp.Error), nil)
	}

	return ex.result(resp.Text, ""), nil
}

func (e *Executor) selectSimpleModel(ex *execution) (model.Model, *QueryError) {
	if id := ex.req.ModelID; id != "" {
		m, err := e.registry.Get(id)
		if err != nil {
			return model.Model{}, ex.fail(CodeModelUnavailable, fmt.Sprintf("model %s not registered", id), err)
		}
		// Pinning a model skips tier selection and the degraded
		// exclusion, but the model still has to be running.
		if !m.Available() {
			return model.Model{}, ex.fail(CodeModelUnavailable, fmt.Sprintf("model %s is %s", id, m.Status), nil)
		}
		return m, nil
	}

	tier := ex.req.Tier
	if tier == "" {
		tier = model.TierFast
	}
	m, err := e.registry.Select(tier)
	if err != nil {
		return model.Model{}, ex.fail(CodeModelUnavailable, fmt.Sprintf("no selectable model in tier %s", tier), err)
	}
	return m, nil
}

func (e *Executor) runTwoStage(ctx context.Context, ex *execution) (QueryResult, error) {
	// The draft call and retrieval both serve context gathering for
	// the final call.
	ex.advance(StateContextGathering)

	var draft string
	retrievalQuery := ex.req.Query
	if fast, err := e.registry.Select(model.TierFast); err == nil {
		sctx, cancel, serr := ex.stageContext(ctx, 2)
		if serr != nil {
			qe, _ := AsQueryError(serr)
			return QueryResult{}, qe
		}
		resp := e.client.Generate(sctx, fast, promptDraft(ex.req.Query))
		cancel()
		e.recordCall(resp)
		ex.addStage(fast.ID, resp.Latency)
		ex.responses = append(ex.responses, resp)
		if resp.OK() {
			draft = resp.Text
			retrievalQuery = resp.Text
		}
	} else {
		e.log.Warn(ex.requestID, "no fast model for draft stage, refining raw query", nil)
	}

	ctxText := e.gatherContext(ctx, ex, retrievalQuery, 1)

	final, err := e.registry.Select(model.TierBalanced)
	if err != nil {
		final, err = e.registry.Select(model.TierPowerful)
	}
	if ex.req.Tier != "" {
		final, err = e.registry.Select(ex.req.Tier)
	}
	if err != nil {
		return QueryResult{}, ex.fail(CodeModelUnavailable, "no selectable model for refinement stage", err)
	}

	ex.advance(StateDispatch)
	resp, qerr := e.dispatchOne(ctx, ex, final, promptRefine(ex.req.Query, draft, ctxText), 0)
	if qerr != nil {
		return QueryResult{}, qerr
	}
	if !resp.OK() {
		return QueryResult{}, ex.fail(failureCode(resp), fmt.Sprintf("refinement model %s: %s", final.ID, resp.Error), nil)
	}

	return ex.result(resp.Text, ""), nil
}

func (e *Executor) runConsensus(ctx context.Context, ex *execution) (QueryResult, error) {
	participants := e.registry.Selectable(ex.req.Tier)
	if len(participants) == 0 {
		return QueryResult{}, ex.fail(CodeModelUnavailable, "no selectable council participants", nil)
	}

	prompt := ex.req.Query
	if ex.req.UseContext {
		if ctxText := e.gatherContext(ctx, ex, ex.req.Query, 2); ctxText != "" {
			prompt = promptWithContext(ex.req.Query, ctxText)
		}
	}

	ex.advance(StateDispatch)
	rctx, cancel, err := ex.stageContext(ctx, 1)
	if err != nil {
		return QueryResult{}, err
	}
	roundStart := time.Now()
	round := e.council.Dispatch(rctx, ex.requestID, participants, prompt)
	cancel()
	ex.addStage("council", time.Since(roundStart))
	ex.responses = append(ex.responses, round.Responses...)
	recordRoundMetrics(round.Responses)

	if round.AllFailed() {
		return QueryResult{}, ex.fail(CodeAllModelsFailed, "every council participant failed",
			&council.AllFailedError{Round: round})
	}

	ex.advance(StateAggregating)
	result := e.synthesizeConsensus(ctx, ex, round)
	ex.advance(StateSynthesized)

	return ex.result(result.Answer, result.Path), nil
}

func (e *Executor) synthesizeConsensus(ctx context.Context, ex *execution, round council.Round) synthesis.Result {
	sctx := ctx
	if derived, cancel, err := ex.stageContext(ctx, 0); err == nil {
		defer cancel()
		sctx = derived
	}

	// A missing synthesis-tier model degrades like a failed synthesis
	// call: the zero model makes the call fail and the synthesizer
	// falls back to the best individual response.
	synthModel, _ := e.registry.Select(e.cfg.SynthesisTier)

	stageStart := time.Now()
	result := e.synth.Consensus(sctx, ex.requestID, synthModel, ex.req.Query, round.Responses, e.cfg.ConsensusSimilarityThreshold)
	e.finishSynthesis(ex, result, stageStart)
	return result
}

func (e *Executor) finishSynthesis(ex *execution, result synthesis.Result, stageStart time.Time) {
	promSynthesisPath.WithLabelValues(string(result.Path)).Inc()
	if result.SynthesisResponse != nil {
		e.recordCall(*result.SynthesisResponse)
		ex.addStage("synthesis", time.Since(stageStart))
	}
}

func (e *Executor) runDebate(ctx context.Context, ex *execution) (QueryResult, error) {
	participants := e.registry.Selectable(ex.req.Tier)
	if len(participants) == 0 {
		return QueryResult{}, ex.fail(CodeModelUnavailable, "no selectable council participants", nil)
	}

	prompt := ex.req.Query
	totalRounds := 1 + e.cfg.DebateRounds
	if ex.req.UseContext {
		if ctxText := e.gatherContext(ctx, ex, ex.req.Query, totalRounds+1); ctxText != "" {
			prompt = promptWithContext(ex.req.Query, ctxText)
		}
	}

	// Split the remaining budget evenly across rounds, reserving the
	// margin for each round plus the synthesis call.
	remaining := time.Until(ex.deadline)
	usable := remaining - ex.margin*time.Duration(totalRounds+1)
	if usable <= 0 {
		return QueryResult{}, ex.fail(CodeDeadlineExceeded, "request budget exhausted", context.DeadlineExceeded)
	}
	perRound := usable / time.Duration(totalRounds)

	ex.advance(StateDispatch)
	roundStart := time.Now()
	final, err := e.council.RunDebate(ctx, ex.requestID, participants, prompt, e.cfg.DebateRounds, perRound)
	ex.addStage("council", time.Since(roundStart))
	ex.responses = append(ex.responses, final.Responses...)
	recordRoundMetrics(final.Responses)
	if err != nil {
		return QueryResult{}, ex.fail(CodeAllModelsFailed, "every debate participant failed", err)
	}

	ex.advance(StateAggregating)
	sctx := ctx
	if derived, cancel, serr := ex.stageContext(ctx, 0); serr == nil {
		defer cancel()
		sctx = derived
	}
	synthModel, _ := e.registry.Select(e.cfg.SynthesisTier)
	stageStart := time.Now()
	result := e.synth.Debate(sctx, ex.requestID, synthModel, ex.req.Query, final.Responses)
	e.finishSynthesis(ex, result, stageStart)
	ex.advance(StateSynthesized)

	return ex.result(result.Answer, result.Path), nil
}

func (e *Executor) runBenchmark(ctx context.Context, ex *execution) (QueryResult, error) {
	participants := e.registry.Selectable(ex.req.Tier)
	if len(participants) == 0 {
		return QueryResult{}, ex.fail(CodeModelUnavailable, "no selectable benchmark participants", nil)
	}

	ex.advance(StateDispatch)
	rctx, cancel, err := ex.stageContext(ctx, 0)
	if err != nil {
		return QueryResult{}, err
	}
	defer cancel()

	round := e.council.Dispatch(rctx, ex.requestID, participants, ex.req.Query)
	recordRoundMetrics(round.Responses)

	if round.AllFailed() {
		ex.responses = round.Responses
		return QueryResult{}, ex.fail(CodeAllModelsFailed, "every benchmark participant failed",
			&council.AllFailedError{Round: round})
	}

	sorted := make([]inference.ModelResponse, len(round.Responses))
	copy(sorted, round.Responses)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Latency < sorted[j].Latency
	})
	ex.responses = sorted
	for _, resp := range sorted {
		ex.addStage(resp.ModelID, resp.Latency)
	}

	ex.advance(StateAggregating)
	// Benchmark reports raw per-model results with no designated
	// answer.
	return ex.result("", ""), nil
}

func failureCode(resp inference.ModelResponse) string {
	if resp.Outcome == inference.OutcomeTimeout {
		return CodeInferenceTimeout
	}
	return CodeInferenceError
}
