package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/agents"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/model"
)

type scriptedAgent struct {
	name string
	run  func(ctx context.Context, task agents.Task) (agents.TaskResult, error)
}

func (a *scriptedAgent) Name() string      { return a.name }
func (a *scriptedAgent) Kind() agents.Kind { return agents.KindSynthesis }
func (a *scriptedAgent) Execute(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
	return a.run(ctx, task)
}
func (a *scriptedAgent) HealthCheck(ctx context.Context) error { return nil }
func (a *scriptedAgent) Close() error                          { return nil }

type behaviors map[string]func(ctx context.Context, task agents.Task) (agents.TaskResult, error)

func testPool(b behaviors) *agents.Pool {
	cfgs := make(map[string]*config.AgentConfig, len(b))
	for name := range b {
		cfgs[name] = &config.AgentConfig{
			Kind:          "synthesis",
			MaxConcurrent: 4,
			LeaseWaitMS:   1000,
		}
	}
	return agents.NewPool(cfgs, func(name string, cfg *config.AgentConfig) (agents.Agent, error) {
		return &scriptedAgent{name: name, run: b[name]}, nil
	})
}

func okAgent(output string) func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
	return func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
		return agents.TaskResult{Output: output, Usage: model.Usage{TotalTokens: 10}}, nil
	}
}

func planConfig() *config.PlanConfig {
	cfg := &config.PlanConfig{}
	cfg.SetDefaults()
	return cfg
}

type recordingSink struct {
	mu       sync.Mutex
	started  []string
	deltas   []string
	finished []StepResult
}

func (s *recordingSink) StepStarted(stepID, agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, stepID)
}

func (s *recordingSink) StepDelta(stepID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, text)
}

func (s *recordingSink) StepFinished(result StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, result)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
	}{
		{"empty", Plan{}},
		{"duplicate id", Plan{Steps: []Step{
			{ID: "a", Agent: "x"}, {ID: "a", Agent: "x"},
		}}},
		{"unknown dependency", Plan{Steps: []Step{
			{ID: "a", Agent: "x", DependsOn: []string{"ghost"}},
		}}},
		{"self dependency", Plan{Steps: []Step{
			{ID: "a", Agent: "x", DependsOn: []string{"a"}},
		}}},
		{"cycle", Plan{Steps: []Step{
			{ID: "a", Agent: "x", DependsOn: []string{"b"}},
			{ID: "b", Agent: "x", DependsOn: []string{"a"}},
		}}},
		{"missing agent", Plan{Steps: []Step{{ID: "a"}}}},
		{"bad final step", Plan{
			Steps:     []Step{{ID: "a", Agent: "x"}},
			FinalStep: "ghost",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate(12)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPlan))
		})
	}

	valid := Plan{Steps: []Step{
		{ID: "a", Agent: "x"},
		{ID: "b", Agent: "x", DependsOn: []string{"a"}},
	}}
	assert.NoError(t, valid.Validate(12))
	assert.Error(t, valid.Validate(1), "step count over the limit")
}

func TestExecute_LinearPlan(t *testing.T) {
	pool := testPool(behaviors{
		"research": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			return agents.TaskResult{Output: "fact: 30 days", Usage: model.Usage{TotalTokens: 5}}, nil
		},
		"synth": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			// Dependency output arrives as evidence.
			assert.Contains(t, task.Evidence, "fact: 30 days")
			return agents.TaskResult{Output: "final answer", Usage: model.Usage{TotalTokens: 7}}, nil
		},
	})
	defer func() { _ = pool.Close() }()

	sink := &recordingSink{}
	exec := NewExecutor(pool, planConfig(), sink)

	outcome, err := exec.Execute(context.Background(), &Plan{
		ID: "p1",
		Steps: []Step{
			{ID: "gather", Agent: "research", Prompt: "find facts", Required: true},
			{ID: "answer", Agent: "synth", Prompt: "compose", DependsOn: []string{"gather"}, Required: true},
		},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "final answer", outcome.Answer)
	assert.Equal(t, map[string]string{"gather": "fact: 30 days"}, outcome.Attachments)
	assert.False(t, outcome.PartialFailure)
	assert.False(t, outcome.Cancelled)
	assert.Equal(t, 12, outcome.TokensUsed)
	assert.Equal(t, []string{"gather", "answer"}, sink.started)
	assert.Len(t, sink.finished, 2)
}

func TestExecute_ParallelSteps(t *testing.T) {
	pool := testPool(behaviors{
		"worker": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			time.Sleep(50 * time.Millisecond)
			return agents.TaskResult{Output: "ok"}, nil
		},
	})
	defer func() { _ = pool.Close() }()

	exec := NewExecutor(pool, planConfig(), nil)
	steps := []Step{
		{ID: "a", Agent: "worker"},
		{ID: "b", Agent: "worker"},
		{ID: "c", Agent: "worker"},
	}

	start := time.Now()
	outcome, err := exec.Execute(context.Background(), &Plan{ID: "p", Steps: steps}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 140*time.Millisecond, "independent steps run in parallel")
	assert.Len(t, outcome.Results, 3)
}

func TestExecute_RetriesTransient(t *testing.T) {
	attempts := 0
	pool := testPool(behaviors{
		"flaky": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			attempts++
			if attempts == 1 {
				return agents.TaskResult{}, fmt.Errorf("model call failed: %w", model.ErrRateLimited)
			}
			return agents.TaskResult{Output: "recovered"}, nil
		},
	})
	defer func() { _ = pool.Close() }()

	exec := NewExecutor(pool, planConfig(), nil)
	outcome, err := exec.Execute(context.Background(), &Plan{
		ID:    "p",
		Steps: []Step{{ID: "s", Agent: "flaky", Retries: 2}},
	}, nil)
	require.NoError(t, err)

	result := outcome.Results["s"]
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, "recovered", outcome.Answer)
}

func TestExecute_TimeoutSurfacesEveryAttempt(t *testing.T) {
	pool := testPool(behaviors{
		"stall": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			<-ctx.Done()
			return agents.TaskResult{}, ctx.Err()
		},
	})
	defer func() { _ = pool.Close() }()

	sink := &recordingSink{}
	exec := NewExecutor(pool, planConfig(), sink)

	outcome, err := exec.Execute(context.Background(), &Plan{
		ID:    "p",
		Steps: []Step{{ID: "s", Agent: "stall", TimeoutMS: 50, Retries: 1}},
	}, nil)
	require.NoError(t, err)

	result := outcome.Results["s"]
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Equal(t, FailureTimeout, result.Failure)
	assert.Equal(t, 2, result.Attempts)

	// Each attempt gets its own started/finished pair, all timing out.
	assert.Equal(t, []string{"s", "s"}, sink.started)
	require.Len(t, sink.finished, 2)
	assert.Equal(t, 1, sink.finished[0].Attempts)
	assert.Equal(t, 2, sink.finished[1].Attempts)
	for _, finished := range sink.finished {
		assert.Equal(t, StatusTimeout, finished.Status)
	}
}

func TestExecute_StreamsMarkedStep(t *testing.T) {
	pool := testPool(behaviors{
		"talker": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			if task.OnDelta != nil {
				task.OnDelta("first ")
				task.OnDelta("second")
			}
			return agents.TaskResult{Output: "first second"}, nil
		},
	})
	defer func() { _ = pool.Close() }()

	sink := &recordingSink{}
	exec := NewExecutor(pool, planConfig(), sink)

	outcome, err := exec.Execute(context.Background(), &Plan{
		ID: "p",
		Steps: []Step{
			{ID: "quiet", Agent: "talker"},
			{ID: "final", Agent: "talker", Stream: true, DependsOn: []string{"quiet"}},
		},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "first second", outcome.Answer)
	assert.Equal(t, []string{"first ", "second"}, sink.deltas, "only the streaming step forwards deltas")
}

func TestExecute_FatalDoesNotRetry(t *testing.T) {
	attempts := 0
	pool := testPool(behaviors{
		"broken": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			attempts++
			return agents.TaskResult{}, fmt.Errorf("model call failed: %w", model.ErrInvalidRequest)
		},
	})
	defer func() { _ = pool.Close() }()

	exec := NewExecutor(pool, planConfig(), nil)
	outcome, err := exec.Execute(context.Background(), &Plan{
		ID:    "p",
		Steps: []Step{{ID: "s", Agent: "broken", Retries: 3, Required: true}},
	}, nil)
	require.NoError(t, err)

	result := outcome.Results["s"]
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, FailureFatal, result.Failure)
	assert.Equal(t, 1, attempts, "fatal failures are not retried")
	assert.True(t, outcome.PartialFailure)
}

func TestExecute_SkipsDependentsOfFailedStep(t *testing.T) {
	pool := testPool(behaviors{
		"broken": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			return agents.TaskResult{}, fmt.Errorf("bad request: %w", model.ErrInvalidRequest)
		},
		"synth": okAgent("never runs"),
	})
	defer func() { _ = pool.Close() }()

	exec := NewExecutor(pool, planConfig(), nil)
	outcome, err := exec.Execute(context.Background(), &Plan{
		ID: "p",
		Steps: []Step{
			{ID: "root", Agent: "broken"},
			{ID: "mid", Agent: "synth", DependsOn: []string{"root"}},
			{ID: "leaf", Agent: "synth", DependsOn: []string{"mid"}},
		},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, outcome.Results["root"].Status)
	assert.Equal(t, StatusSkipped, outcome.Results["mid"].Status)
	assert.Equal(t, StatusSkipped, outcome.Results["leaf"].Status)
	assert.Empty(t, outcome.Answer)
}

func TestExecute_Cancellation(t *testing.T) {
	started := make(chan struct{})
	pool := testPool(behaviors{
		"slow": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			close(started)
			<-ctx.Done()
			return agents.TaskResult{}, ctx.Err()
		},
		"synth": okAgent("x"),
	})
	defer func() { _ = pool.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	exec := NewExecutor(pool, planConfig(), nil)
	outcome, err := exec.Execute(ctx, &Plan{
		ID: "p",
		Steps: []Step{
			{ID: "first", Agent: "slow"},
			{ID: "second", Agent: "synth", DependsOn: []string{"first"}},
		},
	}, nil)
	require.NoError(t, err)

	assert.True(t, outcome.Cancelled)
	assert.Equal(t, StatusCancelled, outcome.Results["first"].Status)
	// The dependent never started.
	assert.Contains(t, []Status{StatusCancelled, StatusSkipped}, outcome.Results["second"].Status)
}

func TestExecute_DeadlineClampsStepTimeout(t *testing.T) {
	pool := testPool(behaviors{
		"slow": func(ctx context.Context, task agents.Task) (agents.TaskResult, error) {
			select {
			case <-time.After(5 * time.Second):
				return agents.TaskResult{Output: "too late"}, nil
			case <-ctx.Done():
				return agents.TaskResult{}, ctx.Err()
			}
		},
	})
	defer func() { _ = pool.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	exec := NewExecutor(pool, planConfig(), nil)
	start := time.Now()
	outcome, err := exec.Execute(ctx, &Plan{
		ID:    "p",
		Steps: []Step{{ID: "s", Agent: "slow", TimeoutMS: 60000, Retries: 3}},
	}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, outcome.Cancelled)
	assert.Equal(t, StatusCancelled, outcome.Results["s"].Status)
}

func TestExecute_ToolCallBudget(t *testing.T) {
	pool := testPool(behaviors{
		"operator": okAgent("tool ran"),
	})
	defer func() { _ = pool.Close() }()

	exec := NewExecutor(pool, planConfig(), nil)
	budget := agents.NewBudget(0, 1)

	outcome, err := exec.Execute(context.Background(), &Plan{
		ID: "p",
		Steps: []Step{
			{ID: "first", Agent: "operator", Tool: "web_search"},
			{ID: "second", Agent: "operator", Tool: "web_search", DependsOn: []string{"first"}},
		},
	}, budget)
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, outcome.Results["first"].Status)
	second := outcome.Results["second"]
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, FailureFatal, second.Failure)
	assert.Contains(t, second.Error, "tool call budget")
}

func TestFinal(t *testing.T) {
	p := &Plan{Steps: []Step{{ID: "a", Agent: "x"}, {ID: "b", Agent: "x"}}}
	assert.Equal(t, "b", p.Final(), "defaults to the last step")

	p.FinalStep = "a"
	assert.Equal(t, "a", p.Final())
}
