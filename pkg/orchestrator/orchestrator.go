// Package orchestrator runs the four-stage query pipeline: analyze,
// route, plan, execute. Each stage is bounded by a sub-deadline drawn
// from the overall query deadline; the execute stage streams progress
// through the fabric and always ends the stream with exactly one
// terminal event.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/pkg/agents"
	"github.com/meridianhq/meridian/pkg/cache"
	"github.com/meridianhq/meridian/pkg/confidence"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/model"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/plan"
	"github.com/meridianhq/meridian/pkg/retrieval"
	"github.com/meridianhq/meridian/pkg/store"
	"github.com/meridianhq/meridian/pkg/stream"
)

// Request is one inbound user turn.
type Request struct {
	// ConversationID continues an existing thread; empty starts a new one.
	ConversationID string `json:"conversation_id,omitempty"`

	UserText string `json:"user_text"`

	// Profile names a delivery profile; empty uses the configured default.
	Profile string `json:"profile,omitempty"`
}

// TurnHandle identifies a started turn. The caller subscribes to the
// query's stream to observe progress and the terminal event.
type TurnHandle struct {
	QueryID        string `json:"query_id"`
	ConversationID string `json:"conversation_id"`
}

// Deps are the orchestrator's collaborators, built by the runtime.
// Retrieval and Embedder may be nil; those paths degrade gracefully.
type Deps struct {
	Models    *model.Registry
	Pool      *agents.Pool
	Retrieval *retrieval.Engine
	Embedder  model.Embedder
	Estimator *confidence.Estimator
	Caches    *cache.Set
	Fabric    *stream.Fabric
	Store     *store.Store
}

// Orchestrator coordinates query turns end to end.
type Orchestrator struct {
	cfg       *config.Config
	models    *model.Registry
	pool      *agents.Pool
	engine    *retrieval.Engine
	embedder  model.Embedder
	estimator *confidence.Estimator
	caches    *cache.Set
	fabric    *stream.Fabric
	store     *store.Store
}

// New builds an orchestrator over its dependencies.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		models:    deps.Models,
		pool:      deps.Pool,
		engine:    deps.Retrieval,
		embedder:  deps.Embedder,
		estimator: deps.Estimator,
		caches:    deps.Caches,
		fabric:    deps.Fabric,
		store:     deps.Store,
	}
}

// StartTurn validates the request, opens the query's stream topic, and
// runs the pipeline in the background. The turn's lifetime is bound to
// the query deadline, not to the caller's context: a subscriber
// disconnect never cancels the query.
func (o *Orchestrator) StartTurn(ctx context.Context, req Request) (*TurnHandle, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, NewError(CodeInvalidInput, "user text must not be empty")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := o.store.CreateConversation(ctx, truncate(req.UserText, 80))
		if err != nil {
			return nil, &Error{Code: CodeInternal, Message: "failed to create conversation", Err: err}
		}
		conversationID = conv.ID
	} else if _, err := o.store.GetConversation(ctx, conversationID); err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: fmt.Sprintf("unknown conversation '%s'", conversationID), Err: err}
	}

	queryID := uuid.NewString()

	deadline := time.Duration(o.cfg.Query.DeadlineMS) * time.Millisecond
	turnCtx, cancel := context.WithTimeout(context.Background(), deadline)

	if err := o.fabric.CreateTopic(queryID, cancel); err != nil {
		cancel()
		return nil, &Error{Code: CodeInternal, Message: "failed to open stream", Err: err}
	}

	o.fabric.Publish(queryID, stream.Event{Kind: stream.KindStarted})

	go o.runTurn(turnCtx, cancel, queryID, conversationID, req)

	return &TurnHandle{QueryID: queryID, ConversationID: conversationID}, nil
}

// Cancel fires the query's cancel signal. The running turn observes it
// and emits the cancelled terminal event; Cancel itself emits nothing.
func (o *Orchestrator) Cancel(queryID string) bool {
	return o.fabric.Cancel(queryID)
}

// Subscribe attaches to a query's event stream from a cursor.
func (o *Orchestrator) Subscribe(queryID string, afterSeq uint64) (*stream.Subscription, error) {
	return o.fabric.Subscribe(queryID, afterSeq)
}

// turnState carries the pipeline's accumulating context through one run.
type turnState struct {
	queryID        string
	conversationID string
	req            Request
	startedAt      time.Time

	analysis    Analysis
	evidence    []string
	sources     []string
	degraded    bool
	queryVector []float32
}

func (o *Orchestrator) runTurn(ctx context.Context, cancel context.CancelFunc, queryID, conversationID string, req Request) {
	defer cancel()

	state := &turnState{
		queryID:        queryID,
		conversationID: conversationID,
		req:            req,
		startedAt:      time.Now(),
	}

	if err := o.store.AppendMessage(ctx, conversationID, &store.Message{
		Role:    "user",
		Content: req.UserText,
		QueryID: queryID,
	}); err != nil {
		slog.Warn("Failed to persist user message", "query_id", queryID, "error", err)
	}

	// L1: exact answer cache before any model work.
	l1Key := cache.Key(req.UserText)
	if answer, ok := o.caches.LookupExact(ctx, l1Key); ok {
		slog.Debug("Serving from exact cache", "query_id", queryID)
		o.deliverCached(ctx, state, answer)
		return
	}

	// Stage 1: analyze. Never fails; bounded by its own sub-deadline.
	stageStart := time.Now()
	analyzeCtx, cancelAnalyze := context.WithTimeout(ctx, time.Duration(o.cfg.Query.AnalyzeTimeoutMS)*time.Millisecond)
	state.analysis = o.analyze(analyzeCtx, req.UserText)
	cancelAnalyze()
	observability.GetGlobalMetrics().RecordStage(ctx, "analyze", time.Since(stageStart), nil)

	o.fabric.Publish(queryID, stream.Event{
		Kind:  stream.KindStage,
		Stage: "analyze",
		Data: map[string]any{
			"intent":     state.analysis.Intent,
			"complexity": state.analysis.Complexity,
			"domains":    state.analysis.Domains,
			"rule_based": state.analysis.RuleBased,
		},
	})

	if ctx.Err() != nil {
		o.finishAborted(ctx, state, nil)
		return
	}

	// L2: semantic answer cache, once we can embed the query.
	if o.embedder != nil {
		if vectors, err := o.embedder.Embed(ctx, []string{req.UserText}); err == nil {
			state.queryVector = vectors[0]
			if answer, sim, ok := o.caches.LookupSemantic(ctx, state.queryVector); ok {
				slog.Debug("Serving from semantic cache", "query_id", queryID, "similarity", sim)
				o.deliverCached(ctx, state, answer)
				return
			}
		}
	}

	// Stage 2: route. Deterministic over the configured pool.
	stageStart = time.Now()
	r := route(state.analysis, o.cfg.Agents)
	observability.GetGlobalMetrics().RecordStage(ctx, "route", time.Since(stageStart), nil)

	if r.Primary == "" {
		o.finishError(ctx, state, NewError(CodeInternal, "no agents configured"))
		return
	}

	o.fabric.Publish(queryID, stream.Event{
		Kind:  stream.KindStage,
		Stage: "route",
		Data: map[string]any{
			"primary":    r.Primary,
			"fallbacks":  r.Fallbacks,
			"strategy":   r.Strategy,
			"confidence": r.Confidence,
		},
	})

	// Retrieval feeds evidence into the plan's root steps. A failed round
	// degrades the turn instead of ending it.
	if o.engine != nil {
		results, err := o.engine.Retrieve(ctx, req.UserText, nil)
		switch {
		case err != nil:
			slog.Warn("Retrieval failed, continuing without evidence", "query_id", queryID, "error", err)
			state.degraded = true
		default:
			state.degraded = state.degraded || results.Degraded
			for _, doc := range results.Documents {
				state.evidence = append(state.evidence, doc.Content)
				state.sources = append(state.sources, doc.ID)
			}
		}
	}

	// Stage 3: plan.
	stageStart = time.Now()
	p := buildPlan(req.UserText, state.analysis, r, state.evidence, o.cfg)
	err := p.Validate(o.cfg.Plan.MaxSteps)
	observability.GetGlobalMetrics().RecordStage(ctx, "plan", time.Since(stageStart), err)
	if err != nil {
		o.finishError(ctx, state, err)
		return
	}

	planSteps := make([]map[string]any, 0, len(p.Steps))
	for _, step := range p.Steps {
		entry := map[string]any{"id": step.ID, "agent": step.Agent}
		if step.Tool != "" {
			entry["tool"] = step.Tool
		}
		planSteps = append(planSteps, entry)
	}
	o.fabric.Publish(queryID, stream.Event{
		Kind:  stream.KindStage,
		Stage: "plan",
		Data: map[string]any{
			"plan_id":  p.ID,
			"strategy": r.Strategy,
			"steps":    planSteps,
			"summary":  planSummary(p),
		},
	})

	// Stage 4: execute.
	stageStart = time.Now()
	budget := agents.NewBudget(o.cfg.Query.TokenBudget, o.cfg.Query.ToolCallBudget)
	executor := plan.NewExecutor(o.pool, &o.cfg.Plan, &progressBridge{fabric: o.fabric, queryID: queryID})

	outcome, err := executor.Execute(ctx, p, budget)
	observability.GetGlobalMetrics().RecordStage(ctx, "execute", time.Since(stageStart), err)
	if err != nil {
		o.finishError(ctx, state, err)
		return
	}

	if outcome.Cancelled {
		o.finishAborted(ctx, state, outcome)
		return
	}

	o.finishAnswer(ctx, state, p, outcome)
}

// deliverCached ends the turn with a cached answer.
func (o *Orchestrator) deliverCached(ctx context.Context, state *turnState, answer cache.Answer) {
	o.persistAssistant(ctx, state, answer.Text, answer.Confidence, answer.Bucket)
	o.recordOutcome(ctx, state, "completed", 0, answer.Confidence)

	o.publishMetrics(ctx, state, "completed", 0, answer.Confidence, answer.Bucket)
	o.fabric.Publish(state.queryID, stream.Event{
		Kind:    stream.KindFinalContent,
		Content: answer.Text,
		Data:    map[string]any{"cached": true, "bucket": answer.Bucket},
	})
}

// finishAnswer runs confidence estimation and delivery shaping on the
// plan outcome, persists everything, and emits the terminal event. The
// answer is never empty: a failed or empty final step yields the
// structured fallback.
func (o *Orchestrator) finishAnswer(ctx context.Context, state *turnState, p *plan.Plan, outcome *plan.Outcome) {
	answer := outcome.Answer
	fallback := false

	if answer == "" || outcome.PartialFailure {
		fallback = true
		reason := "the plan did not complete"
		if result, ok := outcome.Results[p.Final()]; ok && result.Error != "" {
			reason = result.Error
		}
		slog.Warn("Empty result, producing fallback",
			"query_id", state.queryID,
			"final_step", p.Final(),
			"reason", reason,
			"elapsed", time.Since(state.startedAt))
		answer = fallbackAnswer(reason, state.sources)
	}

	var logProbs []float64
	if result, ok := outcome.Results[p.Final()]; ok {
		logProbs = result.LogProbs
	}

	// detachedCtx: estimation and persistence still run when the query
	// deadline expired right after execution finished.
	detachedCtx := context.WithoutCancel(ctx)

	input := confidence.Input{
		Query:    state.req.UserText,
		Answer:   answer,
		LogProbs: logProbs,
		Evidence: state.evidence,
	}
	if o.embedder != nil {
		if len(state.queryVector) == 0 {
			if vectors, err := o.embedder.Embed(detachedCtx, []string{state.req.UserText}); err == nil {
				state.queryVector = vectors[0]
			}
		}
		if vectors, err := o.embedder.Embed(detachedCtx, []string{answer}); err == nil && len(state.queryVector) > 0 {
			input.QueryVector = state.queryVector
			input.AnswerVector = vectors[0]
		}
	}

	assessment := o.estimator.Estimate(detachedCtx, input)

	delivery := confidence.ShapeDelivery(answer, assessment, state.evidence, o.profileFor(state.req.Profile))

	o.persistAssistant(detachedCtx, state, delivery.Text, assessment.Calibrated, string(assessment.Bucket))
	o.persistAnalysis(detachedCtx, state, planSummary(p))
	o.recordOutcome(detachedCtx, state, "completed", outcome.TokensUsed, assessment.Calibrated)

	if !fallback && !state.degraded && assessment.Bucket != confidence.BucketVeryLow {
		cached := cache.Answer{
			Text:       delivery.Text,
			Confidence: assessment.Calibrated,
			Bucket:     string(assessment.Bucket),
			Intent:     state.analysis.Intent,
			CreatedAt:  time.Now(),
		}
		if len(state.analysis.Domains) > 0 {
			cached.Domain = state.analysis.Domains[0]
		}
		o.caches.StoreExact(cache.Key(state.req.UserText), cached)
		if len(state.queryVector) > 0 {
			o.caches.StoreSemantic(state.queryVector, cached)
		}
	}

	o.publishMetrics(detachedCtx, state, "completed", outcome.TokensUsed, assessment.Calibrated, string(assessment.Bucket))

	data := map[string]any{
		"bucket":     string(assessment.Bucket),
		"confidence": assessment.Calibrated,
	}
	if fallback {
		data["fallback"] = true
	}
	if state.degraded {
		data["degraded"] = true
	}
	if len(delivery.Evidence) > 0 {
		data["evidence"] = delivery.Evidence
	}
	if len(delivery.Alternatives) > 0 {
		data["alternatives"] = delivery.Alternatives
	}

	o.fabric.Publish(state.queryID, stream.Event{
		Kind:    stream.KindFinalContent,
		Content: delivery.Text,
		Data:    data,
	})
}

// finishAborted ends a turn whose context fired: explicit cancel gets a
// cancelled terminal, deadline expiry a timeout fallback or error.
func (o *Orchestrator) finishAborted(ctx context.Context, state *turnState, outcome *plan.Outcome) {
	detachedCtx := context.WithoutCancel(ctx)
	tokens := 0
	if outcome != nil {
		tokens = outcome.TokensUsed
	}

	if ctx.Err() == context.Canceled {
		slog.Info("Query cancelled", "query_id", state.queryID, "elapsed", time.Since(state.startedAt))
		o.recordOutcome(detachedCtx, state, "cancelled", tokens, 0)
		o.publishMetrics(detachedCtx, state, "cancelled", tokens, 0, "")
		o.fabric.Publish(state.queryID, stream.Event{Kind: stream.KindCancelled})
		return
	}

	// Deadline expiry. Salvage a fallback answer when retrieval produced
	// anything useful; otherwise report the timeout.
	slog.Warn("Query deadline exceeded", "query_id", state.queryID, "elapsed", time.Since(state.startedAt))
	o.recordOutcome(detachedCtx, state, "error", tokens, 0)

	if len(state.sources) > 0 {
		answer := fallbackAnswer("the query deadline was exceeded", state.sources)
		o.persistAssistant(detachedCtx, state, answer, 0, string(confidence.BucketVeryLow))
		o.publishMetrics(detachedCtx, state, "timeout", tokens, 0, string(confidence.BucketVeryLow))
		o.fabric.Publish(state.queryID, stream.Event{
			Kind:    stream.KindFinalContent,
			Content: answer,
			Data:    map[string]any{"fallback": true, "reason": string(CodeTimeout)},
		})
		return
	}

	o.publishMetrics(detachedCtx, state, "timeout", tokens, 0, "")
	o.fabric.Publish(state.queryID, stream.Event{
		Kind: stream.KindError,
		Data: map[string]any{
			"code":    string(CodeTimeout),
			"message": "the query did not finish within its deadline",
		},
	})
}

// finishError ends a turn with an error terminal event. The payload
// carries the taxonomy code and message only.
func (o *Orchestrator) finishError(ctx context.Context, state *turnState, err error) {
	code := CodeOf(err)
	slog.Error("Query failed", "query_id", state.queryID, "code", string(code), "error", err)

	detachedCtx := context.WithoutCancel(ctx)
	o.recordOutcome(detachedCtx, state, "error", 0, 0)
	o.publishMetrics(detachedCtx, state, "error", 0, 0, "")

	message := "the query could not be completed"
	var oerr *Error
	if errors.As(err, &oerr) {
		message = oerr.Message
	}

	o.fabric.Publish(state.queryID, stream.Event{
		Kind: stream.KindError,
		Data: map[string]any{
			"code":    string(code),
			"message": message,
		},
	})
}

func (o *Orchestrator) publishMetrics(ctx context.Context, state *turnState, outcome string, tokens int, calibrated float64, bucket string) {
	elapsed := time.Since(state.startedAt)

	domain := ""
	if len(state.analysis.Domains) > 0 {
		domain = state.analysis.Domains[0]
	}
	observability.GetGlobalMetrics().RecordQuery(ctx, domain, state.analysis.Intent, outcome, elapsed, tokens)

	data := map[string]any{
		"elapsed_ms": elapsed.Milliseconds(),
		"tokens":     tokens,
	}
	if bucket != "" {
		data["bucket"] = bucket
		data["confidence"] = calibrated
	}
	o.fabric.Publish(state.queryID, stream.Event{Kind: stream.KindMetrics, Data: data})
}

func (o *Orchestrator) persistAssistant(ctx context.Context, state *turnState, text string, calibrated float64, bucket string) {
	err := o.store.AppendMessage(ctx, state.conversationID, &store.Message{
		Role:       "assistant",
		Content:    text,
		QueryID:    state.queryID,
		Confidence: calibrated,
		Bucket:     bucket,
	})
	if err != nil {
		slog.Warn("Failed to persist assistant message", "query_id", state.queryID, "error", err)
	}
}

func (o *Orchestrator) persistAnalysis(ctx context.Context, state *turnState, summary string) {
	err := o.store.RecordAnalysis(ctx, &store.Analysis{
		QueryID:     state.queryID,
		Intent:      state.analysis.Intent,
		Domains:     state.analysis.Domains,
		Complexity:  state.analysis.Complexity,
		PlanSummary: summary,
		Confidence:  state.analysis.Confidence,
	})
	if err != nil {
		slog.Warn("Failed to persist analysis", "query_id", state.queryID, "error", err)
	}
}

func (o *Orchestrator) recordOutcome(ctx context.Context, state *turnState, outcome string, tokens int, calibrated float64) {
	if err := o.store.RecordQueryOutcome(ctx, time.Now(), outcome, tokens, calibrated); err != nil {
		slog.Warn("Failed to record query outcome", "query_id", state.queryID, "error", err)
	}
}

func (o *Orchestrator) profileFor(name string) *config.DeliveryProfileConfig {
	if name == "" {
		name = o.cfg.DefaultProfile
	}
	if profile, ok := o.cfg.Profiles[name]; ok {
		return profile
	}
	return o.cfg.Profiles[o.cfg.DefaultProfile]
}

// fallbackAnswer is the never-empty response for failed or timed-out
// turns.
func fallbackAnswer(reason string, sources []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "I couldn't complete this due to %s.", reason)
	if len(sources) > 0 {
		sb.WriteString(" These sources may help:\n")
		for _, source := range sources {
			fmt.Fprintf(&sb, "- %s\n", source)
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// progressBridge forwards executor step events onto the query's stream.
type progressBridge struct {
	fabric  *stream.Fabric
	queryID string
}

func (b *progressBridge) StepStarted(stepID, agent string) {
	b.fabric.Publish(b.queryID, stream.Event{
		Kind:   stream.KindStepStarted,
		StepID: stepID,
		Agent:  agent,
	})
}

func (b *progressBridge) StepDelta(stepID, text string) {
	b.fabric.Publish(b.queryID, stream.Event{
		Kind:    stream.KindPartialContent,
		StepID:  stepID,
		Content: text,
	})
}

func (b *progressBridge) StepFinished(result plan.StepResult) {
	data := map[string]any{
		"status":   string(result.Status),
		"attempts": result.Attempts,
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	b.fabric.Publish(b.queryID, stream.Event{
		Kind:   stream.KindStepEnded,
		StepID: result.StepID,
		Data:   data,
	})
}
