package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianhq/meridian/pkg/agents"
	"github.com/meridianhq/meridian/pkg/config"
)

// minRetryHeadroom is the remaining-deadline floor below which a retry
// is pointless and skipped.
const minRetryHeadroom = 100 * time.Millisecond

// ProgressSink receives step lifecycle events during execution.
// Implementations must not block; the executor calls them inline.
// StepStarted and StepFinished fire once per attempt; the last
// StepFinished for a step carries its committed result. StepDelta
// forwards output fragments from steps marked Stream.
type ProgressSink interface {
	StepStarted(stepID, agent string)
	StepDelta(stepID, text string)
	StepFinished(result StepResult)
}

// Outcome aggregates the committed StepResults of one plan run.
type Outcome struct {
	Results map[string]StepResult

	// Answer is the final step's output; empty when it did not succeed.
	Answer string

	// Attachments holds outputs of other succeeded steps by step id.
	Attachments map[string]string

	// PartialFailure is set when a required step failed fatally.
	PartialFailure bool

	// Cancelled is set when execution stopped on cancellation or the
	// query deadline.
	Cancelled bool

	TokensUsed int
}

// Executor schedules plan steps over the agent pool, respecting the DAG,
// per-step timeouts, and the query deadline carried by ctx.
type Executor struct {
	pool *agents.Pool
	cfg  *config.PlanConfig
	sink ProgressSink
}

// NewExecutor builds an executor. sink may be nil.
func NewExecutor(pool *agents.Pool, cfg *config.PlanConfig, sink ProgressSink) *Executor {
	return &Executor{pool: pool, cfg: cfg, sink: sink}
}

// Execute runs the plan to completion, cancellation, or deadline.
// Independent steps run in parallel; dependents observe committed
// results of their dependencies.
func (e *Executor) Execute(ctx context.Context, p *Plan, budget *agents.Budget) (*Outcome, error) {
	if err := p.Validate(e.cfg.MaxSteps); err != nil {
		return nil, err
	}
	if budget == nil {
		budget = agents.NewBudget(0, 0)
	}

	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		indegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	ready := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}

	type completion struct {
		id     string
		result StepResult
	}
	done := make(chan completion)

	outcome := &Outcome{
		Results:     make(map[string]StepResult, len(p.Steps)),
		Attachments: make(map[string]string),
	}
	running := 0
	cancelled := false

	// markSkipped commits a skipped result and cascades to dependents.
	var markSkipped func(id, cause string)
	markSkipped = func(id, cause string) {
		if _, exists := outcome.Results[id]; exists {
			return
		}
		result := StepResult{
			StepID: id,
			Status: StatusSkipped,
			Error:  fmt.Sprintf("dependency '%s' did not succeed", cause),
		}
		outcome.Results[id] = result
		e.stepFinished(result)
		for _, next := range dependents[id] {
			markSkipped(next, id)
		}
	}

	commit := func(c completion) {
		outcome.Results[c.id] = c.result
		e.stepFinished(c.result)
		outcome.TokensUsed += c.result.Tokens

		step := p.step(c.id)
		switch c.result.Status {
		case StatusSucceeded:
			for _, next := range dependents[c.id] {
				indegree[next]--
				if indegree[next] == 0 {
					ready = append(ready, next)
				}
			}
		default:
			if step.Required && c.result.Failure == FailureFatal {
				outcome.PartialFailure = true
			}
			for _, next := range dependents[c.id] {
				markSkipped(next, c.id)
			}
		}
	}

	for {
		if !cancelled {
			for _, id := range ready {
				if _, exists := outcome.Results[id]; exists {
					continue
				}
				step := p.step(id)
				running++
				go func(step *Step, evidence []string) {
					done <- completion{id: step.ID, result: e.runStep(ctx, step, evidence, budget)}
				}(step, e.evidenceFor(step, outcome.Results))
			}
			ready = ready[:0]
		}

		if running == 0 {
			if cancelled || len(ready) == 0 {
				break
			}
			continue
		}

		if cancelled {
			// In-flight steps share ctx and will complete as cancelled;
			// drain their results.
			c := <-done
			running--
			commit(c)
			continue
		}

		select {
		case c := <-done:
			running--
			commit(c)
		case <-ctx.Done():
			cancelled = true
		}
	}

	// A cancelled step result can arrive on done before the select sees
	// ctx.Done; the context is the source of truth.
	if ctx.Err() != nil {
		cancelled = true
	}

	if cancelled {
		outcome.Cancelled = true
		for _, step := range p.Steps {
			if _, exists := outcome.Results[step.ID]; !exists {
				result := StepResult{StepID: step.ID, Status: StatusCancelled, Error: "query cancelled"}
				outcome.Results[step.ID] = result
				e.stepFinished(result)
			}
		}
	}

	finalID := p.Final()
	for id, result := range outcome.Results {
		if result.Status != StatusSucceeded {
			continue
		}
		if id == finalID {
			outcome.Answer = result.Output
		} else {
			outcome.Attachments[id] = result.Output
		}
	}

	return outcome, nil
}

// evidenceFor collects committed dependency outputs for a step.
func (e *Executor) evidenceFor(step *Step, results map[string]StepResult) []string {
	evidence := make([]string, 0, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		if result, ok := results[dep]; ok && result.Output != "" {
			evidence = append(evidence, result.Output)
		}
	}
	return evidence
}

// runStep executes one step with retries. Each attempt is bounded by
// min(step timeout, remaining query deadline); retries stop when fewer
// than 100ms remain. Every attempt surfaces its own started/finished
// pair on the sink; the final attempt's finished event is the committed
// result, emitted by the scheduler.
func (e *Executor) runStep(ctx context.Context, step *Step, evidence []string, budget *agents.Budget) StepResult {
	start := time.Now()
	result := StepResult{StepID: step.ID}

	stepTimeout := time.Duration(step.TimeoutMS) * time.Millisecond
	if stepTimeout <= 0 {
		stepTimeout = time.Duration(e.cfg.StepDefaultTimeoutMS) * time.Millisecond
	}

	maxAttempts := step.Retries + 1
	var lastErr error
	var lastClass FailureClass

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		e.stepStarted(step)

		timeout := stepTimeout
		if remaining := remainingDeadline(ctx); remaining < timeout {
			timeout = remaining
		}

		taskResult, err := e.attempt(ctx, step, evidence, budget, timeout)
		if err == nil {
			result.Status = StatusSucceeded
			result.Output = taskResult.Output
			result.Tokens = taskResult.Usage.TotalTokens
			result.LogProbs = taskResult.LogProbs
			result.Duration = time.Since(start)
			return result
		}

		if ctx.Err() != nil {
			result.Status = StatusCancelled
			result.Error = err.Error()
			result.Duration = time.Since(start)
			return result
		}

		lastErr = err
		lastClass = classifyFailure(err)
		if !lastClass.retryable() || attempt >= maxAttempts {
			break
		}
		if remainingDeadline(ctx) < minRetryHeadroom {
			slog.Debug("Skipping retry, deadline nearly exhausted", "step", step.ID, "attempt", attempt+1)
			break
		}

		e.stepFinished(StepResult{
			StepID:   step.ID,
			Status:   lastClass.status(),
			Error:    err.Error(),
			Failure:  lastClass,
			Attempts: attempt,
			Duration: time.Since(start),
		})
		slog.Warn("Step attempt failed, retrying", "step", step.ID, "attempt", attempt, "class", lastClass, "error", err)
	}

	result.Status = lastClass.status()
	result.Failure = lastClass
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) attempt(ctx context.Context, step *Step, evidence []string, budget *agents.Budget, timeout time.Duration) (agents.TaskResult, error) {
	if step.Tool != "" && !budget.ConsumeToolCall() {
		return agents.TaskResult{}, errBudget{"tool call budget exhausted"}
	}
	if budget.TokensRemaining() == 0 {
		return agents.TaskResult{}, errBudget{"token budget exhausted"}
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lease, err := e.pool.Lease(stepCtx, step.Agent, budget)
	if err != nil {
		return agents.TaskResult{}, err
	}
	defer e.pool.Return(lease)

	kind, _ := e.pool.Kind(step.Agent)
	task := agents.Task{
		Kind:       kind,
		Prompt:     step.Prompt,
		Tool:       step.Tool,
		ToolParams: step.ToolParams,
		Evidence:   append(append([]string{}, step.Evidence...), evidence...),
	}
	if step.Stream && e.sink != nil {
		task.OnDelta = func(text string) { e.sink.StepDelta(step.ID, text) }
	}

	taskResult, err := lease.Execute(stepCtx, task)
	if err != nil {
		return agents.TaskResult{}, err
	}

	budget.ConsumeTokens(taskResult.Usage.TotalTokens)
	return taskResult, nil
}

func (e *Executor) stepStarted(step *Step) {
	if e.sink != nil {
		e.sink.StepStarted(step.ID, step.Agent)
	}
}

func (e *Executor) stepFinished(result StepResult) {
	if e.sink != nil {
		e.sink.StepFinished(result)
	}
}

func remainingDeadline(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Duration(1<<62 - 1)
	}
	return time.Until(deadline)
}

// errBudget marks budget exhaustion; always fatal, never retried.
type errBudget struct{ msg string }

func (e errBudget) Error() string { return e.msg }
