package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Analysis is the committed result of the analyze stage for one query.
type Analysis struct {
	QueryID     string    `json:"query_id"`
	Intent      string    `json:"intent"`
	Domains     []string  `json:"domains"`
	Complexity  int       `json:"complexity"`
	PlanSummary string    `json:"plan_summary,omitempty"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
}

// analysisPayload is the current on-disk shape.
type analysisPayload struct {
	Intent      string   `json:"intent"`
	Domains     []string `json:"domains"`
	Complexity  int      `json:"complexity"`
	PlanSummary string   `json:"plan_summary,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// legacyAnalysisPayload is the prior flat shape: domains as one
// comma-separated string. Reads support both; writes use current only.
type legacyAnalysisPayload struct {
	Intent     string  `json:"intent"`
	Domains    string  `json:"domains"`
	Complexity int     `json:"complexity"`
	Confidence float64 `json:"confidence"`
}

// RecordAnalysis persists an analysis. Idempotent on queryId: a second
// write for the same query is a no-op.
func (s *Store) RecordAnalysis(ctx context.Context, analysis *Analysis) error {
	payload, err := json.Marshal(analysisPayload{
		Intent:      analysis.Intent,
		Domains:     analysis.Domains,
		Complexity:  analysis.Complexity,
		PlanSummary: analysis.PlanSummary,
		Confidence:  analysis.Confidence,
	})
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	createdAt := analysis.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT query_id FROM analyses WHERE query_id = ?`), analysis.QueryID).Scan(&existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check analysis: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO analyses (query_id, payload, confidence, created_at) VALUES (?, ?, ?, ?)`),
		analysis.QueryID, string(payload), analysis.Confidence, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return tx.Commit()
}

// GetAnalysis reads the analysis for a query, accepting both the current
// structured payload and the prior flat shape.
func (s *Store) GetAnalysis(ctx context.Context, queryID string) (*Analysis, error) {
	var payload string
	var confidence sql.NullFloat64
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT payload, confidence, created_at FROM analyses WHERE query_id = ?`), queryID).
		Scan(&payload, &confidence, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis for query '%s': %w", queryID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis: %w", err)
	}

	analysis, err := decodeAnalysis([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("analysis for query '%s': %w", queryID, err)
	}
	analysis.QueryID = queryID
	analysis.CreatedAt = createdAt
	if analysis.Confidence == 0 {
		analysis.Confidence = confidence.Float64
	}
	return analysis, nil
}

// decodeAnalysis detects the payload shape by the domains field type.
func decodeAnalysis(payload []byte) (*Analysis, error) {
	var probe struct {
		Domains json.RawMessage `json:"domains"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("malformed analysis payload: %w", err)
	}

	if len(probe.Domains) > 0 && probe.Domains[0] == '"' {
		var legacy legacyAnalysisPayload
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return nil, fmt.Errorf("malformed legacy analysis payload: %w", err)
		}
		var domains []string
		for _, d := range strings.Split(legacy.Domains, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		return &Analysis{
			Intent:     legacy.Intent,
			Domains:    domains,
			Complexity: legacy.Complexity,
			Confidence: legacy.Confidence,
		}, nil
	}

	var current analysisPayload
	if err := json.Unmarshal(payload, &current); err != nil {
		return nil, fmt.Errorf("malformed analysis payload: %w", err)
	}
	return &Analysis{
		Intent:      current.Intent,
		Domains:     current.Domains,
		Complexity:  current.Complexity,
		PlanSummary: current.PlanSummary,
		Confidence:  current.Confidence,
	}, nil
}
