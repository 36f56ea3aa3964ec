// Package agents provides the typed worker abstraction and the bounded
// pool the plan executor leases workers from.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/pkg/model"
	"github.com/meridianhq/meridian/pkg/tools"
	"github.com/meridianhq/meridian/pkg/utils"
)

// Kind is the task specialization an agent handles.
type Kind string

const (
	KindAnalysis  Kind = "analysis"
	KindResearch  Kind = "research"
	KindSynthesis Kind = "synthesis"
	KindCode      Kind = "code"
	KindData      Kind = "data"
	KindWriting   Kind = "writing"
	KindToolUse   Kind = "tooluse"
)

// Task is one unit of work handed to a leased agent.
type Task struct {
	Kind   Kind
	Prompt string

	// Tool, when set, names a registered tool the agent invokes before
	// (or instead of) the model call. ToolParams feed the invocation.
	Tool       string
	ToolParams map[string]any

	// Evidence carries retrieved passages the agent should ground on.
	Evidence []string

	// History carries prior conversation turns for context.
	History []model.Message

	// OnDelta, when set, receives output fragments as the provider
	// streams them. The full output still arrives in the TaskResult.
	OnDelta func(text string)
}

// TaskResult is what an agent produced for one task.
type TaskResult struct {
	Output   string
	Usage    model.Usage
	LogProbs []float64

	// ToolOutput is set when the task invoked a tool.
	ToolOutput *tools.Result
}

// Agent is a named worker bound to one specialization.
type Agent interface {
	Name() string
	Kind() Kind

	Execute(ctx context.Context, task Task) (TaskResult, error)

	// HealthCheck is a cheap liveness probe the pool runs before handing
	// an instance out.
	HealthCheck(ctx context.Context) error

	Close() error
}

// worker is the standard agent implementation: a system prompt shaped by
// the specialization, a model provider, and an allowed-tool set.
type worker struct {
	name     string
	kind     Kind
	provider model.Provider
	registry *tools.Registry
	allowed  map[string]bool
	params   model.Params
	counter  *utils.TokenCounter
}

// NewWorker builds an agent. allowedTools restricts which registry tools
// the agent may invoke; empty means none.
func NewWorker(name string, kind Kind, provider model.Provider, registry *tools.Registry, allowedTools []string) (Agent, error) {
	if provider == nil {
		return nil, fmt.Errorf("agent '%s': model provider is required", name)
	}

	allowed := make(map[string]bool, len(allowedTools))
	for _, t := range allowedTools {
		allowed[t] = true
	}

	// A nil counter is safe and falls back to rough estimates.
	counter, _ := utils.NewTokenCounter(provider.ModelName())

	return &worker{
		name:     name,
		kind:     kind,
		provider: provider,
		registry: registry,
		allowed:  allowed,
		params:   paramsFor(kind),
		counter:  counter,
	}, nil
}

func (w *worker) Name() string { return w.name }
func (w *worker) Kind() Kind   { return w.kind }

func (w *worker) Execute(ctx context.Context, task Task) (TaskResult, error) {
	var result TaskResult

	if task.Tool != "" {
		toolResult, err := w.invokeTool(ctx, task)
		if err != nil {
			return TaskResult{}, err
		}
		result.ToolOutput = &toolResult

		// Tool-use agents return the tool output directly; other kinds
		// feed it to the model as additional evidence.
		if w.kind == KindToolUse || task.Prompt == "" {
			result.Output = toolResult.Content
			return result, nil
		}
		task.Evidence = append(task.Evidence, toolResult.Content)
	}

	messages := w.buildMessages(task)
	params := w.params
	generated, err := w.generate(ctx, task, messages, &params)
	if err != nil {
		return TaskResult{}, fmt.Errorf("agent '%s': model call failed: %w", w.name, err)
	}
	if generated.Text == "" {
		return TaskResult{}, fmt.Errorf("agent '%s': model returned no output", w.name)
	}

	result.Output = generated.Text
	result.Usage = generated.Usage
	result.LogProbs = generated.LogProbs
	if result.Usage.TotalTokens == 0 {
		result.Usage = w.estimateUsage(messages, generated.Text)
	}
	return result, nil
}

// generate runs the model call, streaming when the task asked for deltas.
func (w *worker) generate(ctx context.Context, task Task, messages []model.Message, params *model.Params) (*model.Result, error) {
	if task.OnDelta == nil {
		return w.provider.Generate(ctx, messages, params)
	}

	chunks, err := w.provider.GenerateStream(ctx, messages, params)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	result := &model.Result{FinishReason: "stop"}
	for chunk := range chunks {
		switch chunk.Type {
		case model.ChunkText:
			sb.WriteString(chunk.Text)
			task.OnDelta(chunk.Text)
		case model.ChunkDone:
			result.Usage = chunk.Usage
		case model.ChunkError:
			return nil, chunk.Err
		}
	}
	result.Text = sb.String()
	return result, nil
}

// estimateUsage fills in token accounting for providers that report none,
// so budgets and usage metrics stay meaningful.
func (w *worker) estimateUsage(messages []model.Message, output string) model.Usage {
	counted := make([]utils.Message, len(messages))
	for i, m := range messages {
		counted[i] = utils.Message{Role: m.Role, Content: m.Content}
	}
	usage := model.Usage{
		InputTokens:  w.counter.CountMessages(counted),
		OutputTokens: w.counter.Count(output),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

func (w *worker) invokeTool(ctx context.Context, task Task) (tools.Result, error) {
	if w.registry == nil {
		return tools.Result{}, fmt.Errorf("agent '%s': no tool registry configured", w.name)
	}
	if !w.allowed[task.Tool] {
		return tools.Result{}, fmt.Errorf("agent '%s': tool '%s' is not permitted", w.name, task.Tool)
	}
	return w.registry.Invoke(ctx, task.Tool, task.ToolParams)
}

func (w *worker) buildMessages(task Task) []model.Message {
	messages := make([]model.Message, 0, len(task.History)+2)
	messages = append(messages, model.Message{Role: model.RoleSystem, Content: systemPrompt(w.kind)})
	messages = append(messages, task.History...)

	prompt := task.Prompt
	if len(task.Evidence) > 0 {
		var sb strings.Builder
		sb.WriteString("Context:\n")
		for _, ev := range task.Evidence {
			sb.WriteString("- ")
			sb.WriteString(ev)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
		sb.WriteString(prompt)
		prompt = sb.String()
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})
	return messages
}

func (w *worker) HealthCheck(ctx context.Context) error {
	if w.provider == nil {
		return fmt.Errorf("agent '%s': provider is gone", w.name)
	}
	return nil
}

func (w *worker) Close() error { return nil }

// paramsFor tunes generation per specialization. Code and data tasks run
// near-deterministic; writing gets headroom.
func paramsFor(kind Kind) model.Params {
	temp := 0.7
	switch kind {
	case KindCode, KindData, KindAnalysis:
		temp = 0.1
	case KindWriting:
		temp = 0.9
	}
	return model.Params{Temperature: &temp, LogProbs: true}
}

func systemPrompt(kind Kind) string {
	switch kind {
	case KindAnalysis:
		return "You are an analysis specialist. Break the request into its parts, identify intent and entities, and answer precisely. Do not speculate."
	case KindResearch:
		return "You are a research specialist. Ground every claim in the provided context; cite sources inline as [n]. Say when the context does not cover the question."
	case KindSynthesis:
		return "You are a synthesis specialist. Combine the provided context and prior step outputs into one coherent, direct answer."
	case KindCode:
		return "You are a software engineering specialist. Produce correct, idiomatic code with brief explanations."
	case KindData:
		return "You are a data specialist. Reason carefully over structured data; show intermediate values for any computation."
	case KindWriting:
		return "You are a writing specialist. Produce clear, well-structured prose in the requested register."
	case KindToolUse:
		return "You are a tool operator. Use the provided tool output faithfully; never invent results."
	default:
		return "You are a helpful assistant."
	}
}
