package orchestrator

import (
	"sort"

	"github.com/meridianhq/meridian/pkg/config"
)

// Route is the committed output of the route stage: one primary agent,
// ordered fallbacks, and the execution strategy the planner should use.
type Route struct {
	Primary    string   `json:"primary"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
	Strategy   string   `json:"strategy"`
	Confidence float64  `json:"confidence"`
}

const (
	StrategySequential = "sequential"
	StrategyGraph      = "graph"
)

// kindForIntent maps analysis intents to preferred agent kinds, most
// preferred first.
func kindForIntent(intent string) []string {
	switch intent {
	case IntentResearch:
		return []string{"research", "synthesis"}
	case IntentCode:
		return []string{"code", "synthesis"}
	case IntentData:
		return []string{"data", "analysis"}
	case IntentExtraction:
		return []string{"analysis", "data"}
	default:
		return []string{"writing", "synthesis"}
	}
}

// route selects agents deterministically from the configured pool:
// kind match against the intent scores highest, then capability overlap
// with the inferred domains. Ties break on name so the choice is stable
// run to run.
func route(analysis Analysis, agentCfgs map[string]*config.AgentConfig) Route {
	kinds := kindForIntent(analysis.Intent)

	type scored struct {
		name  string
		score int
	}
	candidates := make([]scored, 0, len(agentCfgs))

	for name, cfg := range agentCfgs {
		if cfg == nil {
			continue
		}
		score := 0
		for rank, kind := range kinds {
			if cfg.Kind == kind {
				score += 6 - 2*rank
				break
			}
		}
		for _, capability := range cfg.Capabilities {
			for _, domain := range analysis.Domains {
				if capability == domain {
					score += 2
				}
			}
		}
		candidates = append(candidates, scored{name: name, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].name < candidates[j].name
	})

	r := Route{Strategy: StrategySequential}
	if len(candidates) == 0 {
		return r
	}

	r.Primary = candidates[0].name
	for _, c := range candidates[1:] {
		if c.score > 0 && len(r.Fallbacks) < 2 {
			r.Fallbacks = append(r.Fallbacks, c.name)
		}
	}

	if analysis.Complexity > 3 {
		r.Strategy = StrategyGraph
	}

	// Routing confidence reflects how decisive the top score was.
	best := candidates[0].score
	switch {
	case best >= 6:
		r.Confidence = 0.9
	case best >= 2:
		r.Confidence = 0.6
	default:
		r.Confidence = 0.3
	}
	return r
}

// pickAgentByKind finds a configured agent of the given kind, preferring
// the routed primary and fallbacks before the rest of the pool.
func pickAgentByKind(kind string, r Route, agentCfgs map[string]*config.AgentConfig) string {
	ordered := append([]string{r.Primary}, r.Fallbacks...)
	for _, name := range ordered {
		if cfg := agentCfgs[name]; cfg != nil && cfg.Kind == kind {
			return name
		}
	}

	names := make([]string, 0, len(agentCfgs))
	for name := range agentCfgs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if agentCfgs[name].Kind == kind {
			return name
		}
	}
	return ""
}
