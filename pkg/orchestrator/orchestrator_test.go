package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/agents"
	"github.com/meridianhq/meridian/pkg/cache"
	"github.com/meridianhq/meridian/pkg/confidence"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/model"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/plan"
	"github.com/meridianhq/meridian/pkg/store"
	"github.com/meridianhq/meridian/pkg/stream"
	"github.com/meridianhq/meridian/pkg/tools"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Models:       map[string]*config.ModelProviderConfig{"mock": {Type: "mock", Model: "mock"}},
		DefaultModel: "mock",
		Agents: map[string]*config.AgentConfig{
			"writer":      {Kind: "writing", Capabilities: []string{"chat"}},
			"researcher":  {Kind: "research", Capabilities: []string{"research", "local"}, Tools: []string{"web_search"}},
			"synthesizer": {Kind: "synthesis"},
		},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", MaxConns: 1, MaxIdle: 1},
	}
	cfg.SetDefaults()
	cfg.Database.MaxConns = 1
	return cfg
}

func stubToolRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	err := reg.Register(tools.Descriptor{
		Name:            "web_search",
		Description:     "stub search",
		ParameterSchema: json.RawMessage(`{"type": "object"}`),
		TimeoutMS:       2000,
	}, tools.ToolFunc(func(ctx context.Context, params map[string]any) (tools.Result, error) {
		return tools.Result{ToolName: "web_search", Content: "gathered facts about the request"}, nil
	}))
	require.NoError(t, err)
	return reg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, provider model.Provider) *Orchestrator {
	t.Helper()

	models := model.NewRegistry()
	require.NoError(t, models.Register(cfg.DefaultModel, provider))

	toolReg := stubToolRegistry(t)
	pool := agents.NewPool(cfg.Agents, func(name string, acfg *config.AgentConfig) (agents.Agent, error) {
		return agents.NewWorker(name, agents.Kind(acfg.Kind), provider, toolReg, acfg.Tools)
	})
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return New(cfg, Deps{
		Models:    models,
		Pool:      pool,
		Estimator: confidence.NewEstimator(&cfg.Confidence),
		Caches:    cache.NewSet(&cfg.Cache),
		Fabric:    stream.NewFabric(&cfg.Stream),
		Store:     s,
	})
}

// collectEvents drains a subscription until the stream closes.
func collectEvents(t *testing.T, sub *stream.Subscription) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(events))
		}
	}
}

func kindsOf(events []stream.Event) []stream.EventKind {
	kinds := make([]stream.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func terminalCount(events []stream.Event) int {
	n := 0
	for _, e := range events {
		if e.Kind.Terminal() {
			n++
		}
	}
	return n
}

func TestStartTurn_EmptyText(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), model.NewMockProvider("mock"))

	_, err := o.StartTurn(context.Background(), Request{UserText: "   "})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}

func TestStartTurn_UnknownConversation(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), model.NewMockProvider("mock"))

	_, err := o.StartTurn(context.Background(), Request{UserText: "hi", ConversationID: "missing"})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}

func TestTurn_SimpleChat(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), model.NewMockProvider("mock"))
	ctx := context.Background()

	handle, err := o.StartTurn(ctx, Request{UserText: "Hello there, how are you doing"})
	require.NoError(t, err)
	require.NotEmpty(t, handle.QueryID)
	require.NotEmpty(t, handle.ConversationID)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)
	events := collectEvents(t, sub)

	require.NotEmpty(t, events)
	assert.Equal(t, 1, terminalCount(events))

	last := events[len(events)-1]
	assert.Equal(t, stream.KindFinalContent, last.Kind)
	assert.NotEmpty(t, last.Content)

	kinds := kindsOf(events)
	assert.Contains(t, kinds, stream.KindStarted)
	assert.Contains(t, kinds, stream.KindStage)
	assert.Contains(t, kinds, stream.KindStepStarted)
	assert.Contains(t, kinds, stream.KindStepEnded)
	assert.Contains(t, kinds, stream.KindMetrics)

	// Seq is gapless and strictly increasing for one subscriber.
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}

	messages, err := o.store.ListMessages(ctx, handle.ConversationID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.NotEmpty(t, messages[1].Bucket)

	analysis, err := o.store.GetAnalysis(ctx, handle.QueryID)
	require.NoError(t, err)
	assert.Equal(t, IntentChat, analysis.Intent)
}

func TestTurn_StructuredAnalysis(t *testing.T) {
	provider := model.NewMockProvider("mock").Script(model.Result{
		Text: `{"intent": "chat", "complexity": 1, "domains": ["chat"]}`,
	})
	o := newTestOrchestrator(t, testConfig(), provider)

	handle, err := o.StartTurn(context.Background(), Request{UserText: "Good morning"})
	require.NoError(t, err)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)
	events := collectEvents(t, sub)

	var analyzeStage *stream.Event
	for i := range events {
		if events[i].Kind == stream.KindStage && events[i].Stage == "analyze" {
			analyzeStage = &events[i]
		}
	}
	require.NotNil(t, analyzeStage)
	assert.Equal(t, false, analyzeStage.Data["rule_based"])
	assert.Equal(t, "chat", analyzeStage.Data["intent"])
}

func TestTurn_MultiStepResearch(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), model.NewMockProvider("mock"))

	text := "Find and compare the latest prices for electric bikes near 94103 and then summarize the results also include warranty details"
	handle, err := o.StartTurn(context.Background(), Request{UserText: text})
	require.NoError(t, err)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)
	events := collectEvents(t, sub)

	var started []string
	for _, e := range events {
		if e.Kind == stream.KindStepStarted {
			started = append(started, e.StepID)
		}
	}
	assert.Equal(t, []string{"gather", "synthesize"}, started)

	last := events[len(events)-1]
	require.Equal(t, stream.KindFinalContent, last.Kind)
	assert.Contains(t, last.Content, "gathered facts", "tool output flows to the synthesis step as evidence")
}

func TestTurn_StreamsPartialContent(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), model.NewMockProvider("mock"))

	handle, err := o.StartTurn(context.Background(), Request{UserText: "Hello there, how are you doing"})
	require.NoError(t, err)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)
	events := collectEvents(t, sub)

	var partial strings.Builder
	for _, e := range events {
		if e.Kind == stream.KindPartialContent {
			partial.WriteString(e.Content)
		}
	}
	require.NotEmpty(t, partial.String(), "the final step streams progressive output")

	last := events[len(events)-1]
	require.Equal(t, stream.KindFinalContent, last.Kind)
	assert.Contains(t, last.Content, partial.String(), "deltas reassemble into the final answer")
}

func TestTurn_PlanStagePayload(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), model.NewMockProvider("mock"))

	text := "Find and compare the latest prices for electric bikes near 94103 and then summarize the results also include warranty details"
	handle, err := o.StartTurn(context.Background(), Request{UserText: text})
	require.NoError(t, err)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)
	events := collectEvents(t, sub)

	// The stream opens with started, before any stage work.
	require.NotEmpty(t, events)
	assert.Equal(t, stream.KindStarted, events[0].Kind)

	var planStage *stream.Event
	for i := range events {
		if events[i].Kind == stream.KindStage && events[i].Stage == "plan" {
			planStage = &events[i]
		}
	}
	require.NotNil(t, planStage)
	assert.Equal(t, StrategyGraph, planStage.Data["strategy"])

	steps, ok := planStage.Data["steps"].([]map[string]any)
	require.True(t, ok, "plan stage carries the step list")
	require.Len(t, steps, 2)
	assert.Equal(t, "gather", steps[0]["id"])
	assert.Equal(t, "web_search", steps[0]["tool"])
	assert.Equal(t, "synthesize", steps[1]["id"])
}

func TestTurn_Cancellation(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), &slowProvider{delay: 200 * time.Millisecond})

	handle, err := o.StartTurn(context.Background(), Request{UserText: "Hello"})
	require.NoError(t, err)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)

	// Cancel once the first step is in flight.
	var events []stream.Event
	for event := range sub.C() {
		events = append(events, event)
		if event.Kind == stream.KindStepStarted {
			require.True(t, o.Cancel(handle.QueryID))
		}
	}

	require.Equal(t, 1, terminalCount(events))
	last := events[len(events)-1]
	assert.Equal(t, stream.KindCancelled, last.Kind)

	for _, e := range events {
		if e.Kind == stream.KindStepEnded {
			assert.Equal(t, string(plan.StatusCancelled), e.Data["status"])
		}
	}
}

func TestTurn_MetricsRecordActualOutcome(t *testing.T) {
	metrics := &captureMetrics{}
	observability.SetGlobalMetrics(metrics)
	t.Cleanup(func() { observability.SetGlobalMetrics((*observability.PrometheusMetrics)(nil)) })

	o := newTestOrchestrator(t, testConfig(), &slowProvider{delay: 200 * time.Millisecond})

	handle, err := o.StartTurn(context.Background(), Request{UserText: "Hello"})
	require.NoError(t, err)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)
	for event := range sub.C() {
		if event.Kind == stream.KindStepStarted {
			require.True(t, o.Cancel(handle.QueryID))
		}
	}

	outcomes := metrics.recorded()
	require.NotEmpty(t, outcomes)
	assert.Contains(t, outcomes, "cancelled")
	assert.NotContains(t, outcomes, "completed")
}

func TestTurn_DeadlineTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Query.DeadlineMS = 200

	o := newTestOrchestrator(t, cfg, &slowProvider{delay: 10 * time.Second})

	handle, err := o.StartTurn(context.Background(), Request{UserText: "Hello"})
	require.NoError(t, err)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)
	events := collectEvents(t, sub)

	require.Equal(t, 1, terminalCount(events))
	last := events[len(events)-1]
	require.Equal(t, stream.KindError, last.Kind)
	assert.Equal(t, string(CodeTimeout), last.Data["code"])
}

func TestTurn_NeverEmptyFallback(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), &failingProvider{})

	handle, err := o.StartTurn(context.Background(), Request{UserText: "Hello"})
	require.NoError(t, err)

	sub, err := o.Subscribe(handle.QueryID, 0)
	require.NoError(t, err)
	events := collectEvents(t, sub)

	require.Equal(t, 1, terminalCount(events))
	last := events[len(events)-1]
	require.Equal(t, stream.KindFinalContent, last.Kind)
	assert.NotEmpty(t, last.Content, "terminal success content is never empty")
	assert.Contains(t, last.Content, "I couldn't complete this due to")
	assert.Equal(t, true, last.Data["fallback"])
}

func TestTurn_ExactCacheHit(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.L1.Enabled = true

	o := newTestOrchestrator(t, cfg, model.NewMockProvider("mock"))
	ctx := context.Background()

	first, err := o.StartTurn(ctx, Request{UserText: "Hello there, how are you doing"})
	require.NoError(t, err)
	sub, err := o.Subscribe(first.QueryID, 0)
	require.NoError(t, err)
	collectEvents(t, sub)

	second, err := o.StartTurn(ctx, Request{UserText: "Hello there, how are you doing"})
	require.NoError(t, err)
	sub, err = o.Subscribe(second.QueryID, 0)
	require.NoError(t, err)
	events := collectEvents(t, sub)

	last := events[len(events)-1]
	require.Equal(t, stream.KindFinalContent, last.Kind)
	assert.Equal(t, true, last.Data["cached"])
	assert.NotContains(t, kindsOf(events), stream.KindStepStarted, "cached turns skip execution")
}

func TestRuleClassify(t *testing.T) {
	tests := []struct {
		text           string
		intent         string
		businessSearch bool
		urgency        bool
	}{
		{"Hello there", IntentChat, false, false},
		{"find the latest price of copper", IntentResearch, false, false},
		{"find plumbers near 94103", IntentResearch, true, false},
		{"fix the bug in this function", IntentCode, false, false},
		{"what is the average of this csv column", IntentData, false, false},
		{"extract all fields from this document", IntentExtraction, false, false},
		{"I need this urgent, asap", IntentChat, false, true},
	}

	for _, tt := range tests {
		analysis := ruleClassify(tt.text)
		assert.Equal(t, tt.intent, analysis.Intent, tt.text)
		assert.Equal(t, tt.businessSearch, analysis.BusinessSearch, tt.text)
		assert.Equal(t, tt.urgency, analysis.Urgency, tt.text)
		assert.True(t, analysis.RuleBased)
		assert.GreaterOrEqual(t, analysis.Complexity, 1)
		assert.LessOrEqual(t, analysis.Complexity, 10)
		assert.NotEmpty(t, analysis.Domains)
	}
}

func TestRoute_Deterministic(t *testing.T) {
	cfg := testConfig()

	analysis := Analysis{Intent: IntentResearch, Domains: []string{"research"}, Complexity: 5}
	r1 := route(analysis, cfg.Agents)
	r2 := route(analysis, cfg.Agents)

	assert.Equal(t, "researcher", r1.Primary)
	assert.Equal(t, r1, r2, "routing is stable run to run")
	assert.Equal(t, StrategyGraph, r1.Strategy)
	assert.Greater(t, r1.Confidence, 0.5)
}

func TestRoute_ChatPrefersWriting(t *testing.T) {
	cfg := testConfig()

	r := route(Analysis{Intent: IntentChat, Domains: []string{"chat"}, Complexity: 1}, cfg.Agents)
	assert.Equal(t, "writer", r.Primary)
	assert.Equal(t, StrategySequential, r.Strategy)
}

func TestBuildPlan_LowComplexity(t *testing.T) {
	cfg := testConfig()
	analysis := Analysis{Intent: IntentChat, Domains: []string{"chat"}, Complexity: 2}
	r := route(analysis, cfg.Agents)

	p := buildPlan("hi", analysis, r, []string{"a passage"}, cfg)
	require.NoError(t, p.Validate(cfg.Plan.MaxSteps))
	require.Len(t, p.Steps, 1)
	assert.Equal(t, r.Primary, p.Steps[0].Agent)
	assert.Equal(t, []string{"a passage"}, p.Steps[0].Evidence)
	assert.True(t, p.Steps[0].Required)
}

func TestBuildPlan_ResearchDecomposes(t *testing.T) {
	cfg := testConfig()
	analysis := Analysis{Intent: IntentResearch, Domains: []string{"research"}, Complexity: 6}
	r := route(analysis, cfg.Agents)

	p := buildPlan("find things", analysis, r, nil, cfg)
	require.NoError(t, p.Validate(cfg.Plan.MaxSteps))
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "web_search", p.Steps[0].Tool)
	assert.Equal(t, []string{"gather"}, p.Steps[1].DependsOn)
	assert.Equal(t, "synthesize", p.Final())
}

func TestBuildPlan_NoToolAgentCollapses(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Agents, "researcher")

	analysis := Analysis{Intent: IntentResearch, Domains: []string{"research"}, Complexity: 6}
	r := route(analysis, cfg.Agents)

	p := buildPlan("find things", analysis, r, nil, cfg)
	require.Len(t, p.Steps, 1, "no agent can run the tool, plan collapses to one step")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeCancelled, CodeOf(context.Canceled))
	assert.Equal(t, CodeInvalidPlan, CodeOf(plan.ErrInvalidPlan))
	assert.Equal(t, CodePoolExhausted, CodeOf(agents.ErrPoolExhausted))
	assert.Equal(t, CodeProviderError, CodeOf(model.ErrRateLimited))
	assert.Equal(t, CodeInvalidInput, CodeOf(NewError(CodeInvalidInput, "bad")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("mystery")))

	wrapped := tools.NewError("web_search", tools.KindUpstreamError, "upstream down", nil)
	assert.Equal(t, CodeUpstreamError, CodeOf(wrapped))
}

func TestFallbackAnswer(t *testing.T) {
	text := fallbackAnswer("the provider was unavailable", []string{"doc-1", "doc-2"})
	assert.True(t, strings.HasPrefix(text, "I couldn't complete this due to"))
	assert.Contains(t, text, "doc-1")
	assert.Contains(t, text, "doc-2")

	bare := fallbackAnswer("a timeout", nil)
	assert.NotEmpty(t, bare)
	assert.NotContains(t, bare, "sources")
}

// captureMetrics records query outcomes; everything else inherits the
// nil-safe no-op behavior of the embedded recorder.
type captureMetrics struct {
	*observability.PrometheusMetrics
	mu       sync.Mutex
	outcomes []string
}

func (m *captureMetrics) RecordQuery(ctx context.Context, domain, intent, outcome string, duration time.Duration, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *captureMetrics) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

// slowProvider delays every generation, honoring cancellation.
type slowProvider struct {
	delay time.Duration
}

func (p *slowProvider) ModelName() string { return "slow" }
func (p *slowProvider) Close() error      { return nil }

func (p *slowProvider) Generate(ctx context.Context, messages []model.Message, params *model.Params) (*model.Result, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.Result{Text: "slow answer", FinishReason: "stop", Usage: model.Usage{TotalTokens: 3}}, nil
}

func (p *slowProvider) GenerateStream(ctx context.Context, messages []model.Message, params *model.Params) (<-chan model.Chunk, error) {
	result, err := p.Generate(ctx, messages, params)
	if err != nil {
		return nil, err
	}
	out := make(chan model.Chunk, 2)
	out <- model.Chunk{Type: model.ChunkText, Text: result.Text}
	out <- model.Chunk{Type: model.ChunkDone, Usage: result.Usage}
	close(out)
	return out, nil
}

// failingProvider fails every generation with a fatal provider error.
type failingProvider struct{}

func (p *failingProvider) ModelName() string { return "failing" }
func (p *failingProvider) Close() error      { return nil }

func (p *failingProvider) Generate(ctx context.Context, messages []model.Message, params *model.Params) (*model.Result, error) {
	return nil, model.ErrInvalidRequest
}

func (p *failingProvider) GenerateStream(ctx context.Context, messages []model.Message, params *model.Params) (<-chan model.Chunk, error) {
	return nil, model.ErrInvalidRequest
}
