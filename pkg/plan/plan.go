// Package plan defines execution plans and the DAG executor that runs
// them against the agent pool.
package plan

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPlan marks structural plan defects: duplicate or unknown
// step ids, cycles, or an out-of-range step count.
var ErrInvalidPlan = errors.New("invalid plan")

// Step is one unit of plan work bound to a named agent.
type Step struct {
	ID    string `json:"id"`
	Agent string `json:"agent"`

	Prompt     string         `json:"prompt,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`

	// Evidence seeds the step with retrieved passages; dependency
	// outputs are appended at execution time.
	Evidence []string `json:"evidence,omitempty"`

	// DependsOn lists step ids whose committed results this step needs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Stream forwards the step's generated output incrementally through
	// the progress sink as it arrives from the provider.
	Stream bool `json:"stream,omitempty"`

	TimeoutMS int `json:"timeout_ms,omitempty"`
	Retries   int `json:"retries,omitempty"`

	// Required steps mark the plan partial-failure when they fail
	// fatally; optional steps just record their failure.
	Required bool `json:"required"`
}

// Plan is a DAG of steps with one designated final step whose output is
// the user-visible response.
type Plan struct {
	ID    string `json:"id"`
	Steps []Step `json:"steps"`

	// FinalStep names the step that produces the response. Empty means
	// the last step.
	FinalStep string `json:"final_step,omitempty"`
}

// Status is a step's terminal state.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// StepResult is the committed outcome of one step.
type StepResult struct {
	StepID   string        `json:"step_id"`
	Status   Status        `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Failure  FailureClass  `json:"failure,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Tokens   int           `json:"tokens,omitempty"`

	// LogProbs carries the model's token log probabilities when the
	// provider exposed them; confidence estimation consumes them.
	LogProbs []float64 `json:"-"`
}

// Validate checks the plan's structure. Execution refuses plans that do
// not pass.
func (p *Plan) Validate(maxSteps int) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	if maxSteps > 0 && len(p.Steps) > maxSteps {
		return fmt.Errorf("%w: %d steps exceeds limit %d", ErrInvalidPlan, len(p.Steps), maxSteps)
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step with empty id", ErrInvalidPlan)
		}
		if ids[step.ID] {
			return fmt.Errorf("%w: duplicate step id '%s'", ErrInvalidPlan, step.ID)
		}
		if step.Agent == "" {
			return fmt.Errorf("%w: step '%s' names no agent", ErrInvalidPlan, step.ID)
		}
		ids[step.ID] = true
	}

	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: step '%s' depends on unknown step '%s'", ErrInvalidPlan, step.ID, dep)
			}
			if dep == step.ID {
				return fmt.Errorf("%w: step '%s' depends on itself", ErrInvalidPlan, step.ID)
			}
		}
	}

	if p.FinalStep != "" && !ids[p.FinalStep] {
		return fmt.Errorf("%w: final step '%s' does not exist", ErrInvalidPlan, p.FinalStep)
	}

	if err := p.checkAcyclic(); err != nil {
		return err
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm; leftover nodes mean a cycle.
func (p *Plan) checkAcyclic() error {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	queue := make([]string, 0, len(p.Steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(p.Steps) {
		return fmt.Errorf("%w: dependency cycle", ErrInvalidPlan)
	}
	return nil
}

// Final resolves the step whose output is the user-visible response.
func (p *Plan) Final() string {
	if p.FinalStep != "" {
		return p.FinalStep
	}
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[len(p.Steps)-1].ID
}

func (p *Plan) step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
