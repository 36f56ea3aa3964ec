package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/plan"
)

// toolFor is the deterministic (domain, intent) to tool mapping used when
// a plan decomposes into a gathering step. Empty means no tool: the step
// runs as a pure model call.
func toolFor(domains []string, analysis Analysis) string {
	if analysis.BusinessSearch {
		return "web_search"
	}
	for _, domain := range domains {
		switch domain {
		case "local", "research":
			return "web_search"
		}
	}
	if analysis.Intent == IntentResearch {
		return "web_search"
	}
	return ""
}

// buildPlan turns an analysis and route into an executable plan.
// Complexity at or below 3 yields a single step on the primary agent;
// higher complexity decomposes into a gathering step feeding a synthesis
// step. Evidence seeds the root steps; the response-producing step
// streams its output.
func buildPlan(userText string, analysis Analysis, r Route, evidence []string, cfg *config.Config) *plan.Plan {
	p := &plan.Plan{ID: uuid.NewString()}

	stepTimeout := cfg.Plan.StepDefaultTimeoutMS
	retries := cfg.Plan.MaxRetries

	if analysis.Complexity <= 3 || r.Strategy == StrategySequential {
		p.Steps = []plan.Step{{
			ID:        "respond",
			Agent:     r.Primary,
			Prompt:    userText,
			Evidence:  evidence,
			Stream:    true,
			TimeoutMS: stepTimeout,
			Retries:   retries,
			Required:  true,
		}}
		return p
	}

	tool := toolFor(analysis.Domains, analysis)

	gatherer := pickAgentByKind("research", r, cfg.Agents)
	if gatherer == "" {
		gatherer = pickAgentByKind("tooluse", r, cfg.Agents)
	}
	if gatherer == "" || tool == "" || !agentAllowsTool(cfg.Agents[gatherer], tool) {
		// No agent can run the gathering tool; collapse to a single step
		// rather than planning something the pool cannot execute.
		p.Steps = []plan.Step{{
			ID:        "respond",
			Agent:     r.Primary,
			Prompt:    userText,
			Evidence:  evidence,
			Stream:    true,
			TimeoutMS: stepTimeout,
			Retries:   retries,
			Required:  true,
		}}
		return p
	}

	p.Steps = []plan.Step{
		{
			ID:    "gather",
			Agent: gatherer,
			Tool:  tool,
			ToolParams: map[string]any{
				"query": userText,
			},
			Evidence:  evidence,
			TimeoutMS: stepTimeout,
			Retries:   retries,
		},
		{
			ID:        "synthesize",
			Agent:     r.Primary,
			Prompt:    fmt.Sprintf("Answer the user's request using the gathered context.\n\nRequest: %s", userText),
			DependsOn: []string{"gather"},
			Stream:    true,
			TimeoutMS: stepTimeout,
			Retries:   retries,
			Required:  true,
		},
	}
	p.FinalStep = "synthesize"
	return p
}

func agentAllowsTool(cfg *config.AgentConfig, tool string) bool {
	if cfg == nil {
		return false
	}
	for _, t := range cfg.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// planSummary is the short human-readable form recorded with the analysis
// and attached to the plan stage event.
func planSummary(p *plan.Plan) string {
	if len(p.Steps) == 1 {
		return fmt.Sprintf("1 step on %s", p.Steps[0].Agent)
	}
	return fmt.Sprintf("%d steps, final '%s'", len(p.Steps), p.Final())
}
