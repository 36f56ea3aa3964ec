package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/meridianhq/meridian/pkg/model"
)

// Analysis is the committed output of the analyze stage. It always
// exists: structured model output when available, rule-based otherwise.
type Analysis struct {
	Intent         string   `json:"intent"`
	Entities       []string `json:"entities,omitempty"`
	Complexity     int      `json:"complexity"`
	Domains        []string `json:"domains"`
	Urgency        bool     `json:"urgency,omitempty"`
	BusinessSearch bool     `json:"business_search,omitempty"`
	Confidence     float64  `json:"confidence"`

	// RuleBased is set when the model path failed and the keyword
	// classifier produced this analysis.
	RuleBased bool `json:"rule_based,omitempty"`
}

const (
	IntentChat       = "chat"
	IntentResearch   = "research"
	IntentCode       = "code"
	IntentData       = "data"
	IntentExtraction = "extraction"
)

var analysisSchema = map[string]any{
	"name": "query_analysis",
	"schema": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{
				"type": "string",
				"enum": []string{IntentChat, IntentResearch, IntentCode, IntentData, IntentExtraction},
			},
			"entities":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"complexity":      map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
			"domains":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"urgency":         map[string]any{"type": "boolean"},
			"business_search": map[string]any{"type": "boolean"},
		},
		"required": []string{"intent", "complexity", "domains"},
	},
}

const analysisPrompt = `Classify the user query. Return JSON with:
intent (chat|research|code|data|extraction), entities (proper nouns,
places, identifiers), complexity (1-10, where 1 is a single-fact reply
and 10 needs multi-step work), domains (topical areas), urgency
(explicit time pressure), business_search (looking for local businesses
or services).

Query: %s`

// analyze classifies the query. The model path uses constrained JSON
// decoding; any failure falls back to the rule classifier. This stage
// never fails the request.
func (o *Orchestrator) analyze(ctx context.Context, userText string) Analysis {
	provider, err := o.models.GetProvider(o.cfg.DefaultModel)
	if err == nil {
		analysis, aerr := analyzeWithModel(ctx, provider, userText)
		if aerr == nil {
			return analysis
		}
		slog.Warn("Model analysis failed, using rule classifier", "error", aerr)
	}
	return ruleClassify(userText)
}

func analyzeWithModel(ctx context.Context, provider model.Provider, userText string) (Analysis, error) {
	temp := 0.0
	result, err := provider.Generate(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "You classify user queries into structured analyses."},
		{Role: model.RoleUser, Content: fmt.Sprintf(analysisPrompt, userText)},
	}, &model.Params{Temperature: &temp, JSONSchema: analysisSchema})
	if err != nil {
		return Analysis{}, err
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(result.Text), &analysis); err != nil {
		return Analysis{}, fmt.Errorf("unparseable analysis: %w", err)
	}
	if analysis.Intent == "" || analysis.Complexity < 1 || analysis.Complexity > 10 || len(analysis.Domains) == 0 {
		return Analysis{}, fmt.Errorf("analysis out of range: intent=%q complexity=%d", analysis.Intent, analysis.Complexity)
	}
	analysis.Confidence = 0.9
	return analysis, nil
}

var (
	zipPattern    = regexp.MustCompile(`\b\d{5}\b`)
	entityPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]+\b|\b\d{3,}\b`)
)

var intentKeywords = map[string][]string{
	IntentResearch:   {"find", "search", "look up", "near", "nearby", "cost", "price", "compare", "latest", "who is", "where"},
	IntentCode:       {"code", "function", "implement", "bug", "compile", "refactor", "golang", "python", "api"},
	IntentData:       {"average", "sum", "csv", "spreadsheet", "dataset", "statistics", "chart", "percentage"},
	IntentExtraction: {"extract", "parse", "list all", "pull out", "fields"},
}

var urgencyKeywords = []string{"urgent", "asap", "immediately", "right away", "today"}

// ruleClassify is the keyword fallback classifier. Deterministic and
// total: every input yields a valid analysis.
func ruleClassify(userText string) Analysis {
	lower := strings.ToLower(userText)

	intent := IntentChat
	bestHits := 0
	// Stable iteration so ties resolve the same way every time.
	for _, candidate := range []string{IntentResearch, IntentCode, IntentData, IntentExtraction} {
		hits := 0
		for _, kw := range intentKeywords[candidate] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			intent = candidate
		}
	}

	entities := entityPattern.FindAllString(userText, 8)
	businessSearch := zipPattern.MatchString(userText) ||
		(intent == IntentResearch && strings.Contains(lower, "near"))

	urgency := false
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			urgency = true
			break
		}
	}

	domains := []string{intent}
	if businessSearch {
		domains = append(domains, "local")
	}

	return Analysis{
		Intent:         intent,
		Entities:       entities,
		Complexity:     estimateComplexity(userText, intent),
		Domains:        domains,
		Urgency:        urgency,
		BusinessSearch: businessSearch,
		Confidence:     0.5,
		RuleBased:      true,
	}
}

// estimateComplexity scores 1-10 from length and structural signals.
func estimateComplexity(userText, intent string) int {
	words := len(strings.Fields(userText))

	complexity := 1
	switch {
	case words > 60:
		complexity = 5
	case words > 30:
		complexity = 4
	case words > 15:
		complexity = 3
	case words > 8:
		complexity = 2
	}

	lower := strings.ToLower(userText)
	for _, marker := range []string{" and ", " then ", " also ", "; "} {
		if strings.Contains(lower, marker) {
			complexity++
		}
	}
	if intent == IntentResearch || intent == IntentData {
		complexity += 2
	}

	if complexity > 10 {
		complexity = 10
	}
	return complexity
}
