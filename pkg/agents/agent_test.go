package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/model"
	"github.com/meridianhq/meridian/pkg/tools"
)

func TestWorker_Execute(t *testing.T) {
	provider := model.NewMockProvider("mock").Script(model.Result{Text: "the answer"})
	agent, err := NewWorker("synth", KindSynthesis, provider, nil, nil)
	require.NoError(t, err)

	result, err := agent.Execute(context.Background(), Task{
		Kind:   KindSynthesis,
		Prompt: "summarize the findings",
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Output)
	assert.Equal(t, 1, provider.Calls())
}

func TestWorker_EvidenceInPrompt(t *testing.T) {
	provider := model.NewMockProvider("mock")
	agent, err := NewWorker("research", KindResearch, provider, nil, nil)
	require.NoError(t, err)

	// The mock echoes the last user message, so the evidence block must
	// show up in the output.
	result, err := agent.Execute(context.Background(), Task{
		Kind:     KindResearch,
		Prompt:   "what is the refund window",
		Evidence: []string{"refunds are accepted for 30 days"},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "refunds are accepted for 30 days")
	assert.Contains(t, result.Output, "what is the refund window")
}

func TestWorker_ToolInvocation(t *testing.T) {
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(tools.Descriptor{Name: "lookup"}, tools.ToolFunc(
		func(ctx context.Context, params map[string]any) (tools.Result, error) {
			return tools.Result{Content: "tool says 42"}, nil
		})))

	provider := model.NewMockProvider("mock")
	agent, err := NewWorker("operator", KindToolUse, provider, registry, []string{"lookup"})
	require.NoError(t, err)

	result, err := agent.Execute(context.Background(), Task{Kind: KindToolUse, Tool: "lookup"})
	require.NoError(t, err)
	assert.Equal(t, "tool says 42", result.Output)
	require.NotNil(t, result.ToolOutput)
	assert.Zero(t, provider.Calls(), "tool-use agents skip the model for pure tool tasks")
}

func TestWorker_ToolOutputFeedsModel(t *testing.T) {
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(tools.Descriptor{Name: "lookup"}, tools.ToolFunc(
		func(ctx context.Context, params map[string]any) (tools.Result, error) {
			return tools.Result{Content: "observed value 42"}, nil
		})))

	provider := model.NewMockProvider("mock")
	agent, err := NewWorker("research", KindResearch, provider, registry, []string{"lookup"})
	require.NoError(t, err)

	result, err := agent.Execute(context.Background(), Task{
		Kind:   KindResearch,
		Prompt: "report the value",
		Tool:   "lookup",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "observed value 42")
	assert.Equal(t, 1, provider.Calls())
}

func TestWorker_StreamsDeltas(t *testing.T) {
	provider := model.NewMockProvider("mock")
	agent, err := NewWorker("synth", KindSynthesis, provider, nil, nil)
	require.NoError(t, err)

	var deltas []string
	result, err := agent.Execute(context.Background(), Task{
		Kind:    KindSynthesis,
		Prompt:  "please restate this fairly long prompt back to me verbatim",
		OnDelta: func(text string) { deltas = append(deltas, text) },
	})
	require.NoError(t, err)

	require.NotEmpty(t, deltas)
	assert.Greater(t, len(deltas), 1, "the mock splits long output into chunks")
	assert.Equal(t, result.Output, strings.Join(deltas, ""), "deltas reassemble to the full output")
}

func TestWorker_EstimatesUsageWhenProviderReportsNone(t *testing.T) {
	// Scripted results carry no usage; the worker fills it in from local
	// token counts so budgets stay meaningful.
	provider := model.NewMockProvider("mock").Script(model.Result{Text: "a reasonably long answer about refund windows"})
	agent, err := NewWorker("synth", KindSynthesis, provider, nil, nil)
	require.NoError(t, err)

	result, err := agent.Execute(context.Background(), Task{
		Kind:   KindSynthesis,
		Prompt: "what is the refund window",
	})
	require.NoError(t, err)

	assert.Greater(t, result.Usage.InputTokens, 0)
	assert.Greater(t, result.Usage.OutputTokens, 0)
	assert.Equal(t, result.Usage.InputTokens+result.Usage.OutputTokens, result.Usage.TotalTokens)
}

func TestWorker_ToolNotPermitted(t *testing.T) {
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(tools.Descriptor{Name: "secret"}, tools.ToolFunc(
		func(ctx context.Context, params map[string]any) (tools.Result, error) {
			return tools.Result{}, nil
		})))

	agent, err := NewWorker("restricted", KindToolUse, model.NewMockProvider("mock"), registry, nil)
	require.NoError(t, err)

	_, err = agent.Execute(context.Background(), Task{Kind: KindToolUse, Tool: "secret"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not permitted")
}

func TestNewWorker_RequiresProvider(t *testing.T) {
	_, err := NewWorker("x", KindSynthesis, nil, nil, nil)
	assert.Error(t, err)
}
