// Package observability provides metrics recording for the runtime.
//
// A single Metrics interface covers query, stage, step, tool, model, lease,
// cache, and retrieval instrumentation. The Prometheus-backed implementation
// is registered globally at startup; callers fetch it with GetGlobalMetrics,
// which is nil-safe (a nil Metrics records nothing).
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// A typed nil *PrometheusMetrics is safe to call; every method checks
	// its receiver. This keeps call sites free of nil checks.
	globalMetrics Metrics = (*PrometheusMetrics)(nil)
	metricsMu     sync.RWMutex
)

// Metrics records runtime measurements. All methods must tolerate partial
// initialization and a nil receiver.
type Metrics interface {
	// RecordQuery records a finished query turn with its terminal outcome
	// (completed, error, cancelled, timeout).
	RecordQuery(ctx context.Context, domain, intent, outcome string, duration time.Duration, tokens int)

	// RecordStage records one pipeline stage (analyze, route, plan, execute).
	RecordStage(ctx context.Context, stage string, duration time.Duration, err error)

	// RecordStep records one plan step execution by agent kind.
	RecordStep(ctx context.Context, agentKind string, duration time.Duration, err error)

	// RecordToolCall records a tool invocation.
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordModelCall records a model provider request with token usage.
	RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)

	// RecordLeaseWait records time spent waiting for an agent lease and
	// whether the lease was acquired before the wait budget expired.
	RecordLeaseWait(ctx context.Context, agent string, wait time.Duration, acquired bool)

	// RecordCacheLookup records a cache hit or miss by cache layer name.
	RecordCacheLookup(ctx context.Context, cache string, hit bool)

	// RecordRetrieval records a retrieval round by mode (hybrid, semantic,
	// lexical, degraded).
	RecordRetrieval(ctx context.Context, mode string, duration time.Duration, results int)

	// RecordConfidence records a calibrated confidence score and its bucket.
	RecordConfidence(ctx context.Context, bucket string, score float64)
}

// PrometheusMetrics implements Metrics over OpenTelemetry instruments backed
// by a Prometheus exporter.
type PrometheusMetrics struct {
	queryDuration   metric.Float64Histogram
	queriesTotal    metric.Int64Counter
	queryTokens     metric.Int64Counter
	stageDuration   metric.Float64Histogram
	stageErrors     metric.Int64Counter
	stepDuration    metric.Float64Histogram
	stepErrors      metric.Int64Counter
	toolDuration    metric.Float64Histogram
	toolCalls       metric.Int64Counter
	toolErrors      metric.Int64Counter
	modelDuration   metric.Float64Histogram
	modelInTokens   metric.Int64Counter
	modelOutTokens  metric.Int64Counter
	modelErrors     metric.Int64Counter
	leaseWait       metric.Float64Histogram
	leaseTimeouts   metric.Int64Counter
	cacheLookups    metric.Int64Counter
	retrievalDur    metric.Float64Histogram
	retrievalHits   metric.Int64Counter
	confidenceScore metric.Float64Histogram
}

func (m *PrometheusMetrics) RecordQuery(ctx context.Context, domain, intent, outcome string, duration time.Duration, tokens int) {
	if m == nil || m.queryDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("domain", domain),
		attribute.String("intent", intent),
		attribute.String("outcome", outcome),
	}

	m.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.queriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if tokens > 0 {
		m.queryTokens.Add(ctx, int64(tokens), metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, err error) {
	if m == nil || m.stageDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage", stage),
	}

	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		m.stageErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordStep(ctx context.Context, agentKind string, duration time.Duration, err error) {
	if m == nil || m.stepDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("agent_kind", agentKind),
	}

	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		m.stepErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
	}

	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		m.toolErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.modelDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.modelDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.modelInTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.modelOutTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil {
		m.modelErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordLeaseWait(ctx context.Context, agent string, wait time.Duration, acquired bool) {
	if m == nil || m.leaseWait == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("agent", agent),
	}

	m.leaseWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attrs...))

	if !acquired {
		m.leaseTimeouts.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

func (m *PrometheusMetrics) RecordRetrieval(ctx context.Context, mode string, duration time.Duration, results int) {
	if m == nil || m.retrievalDur == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("mode", mode),
	}

	m.retrievalDur.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.retrievalHits.Add(ctx, int64(results), metric.WithAttributes(attrs...))
}

func (m *PrometheusMetrics) RecordConfidence(ctx context.Context, bucket string, score float64) {
	if m == nil || m.confidenceScore == nil {
		return
	}

	m.confidenceScore.Record(ctx, score, metric.WithAttributes(
		attribute.String("bucket", bucket),
	))
}

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics recorder. Always safe
// to call methods on the result, even before SetGlobalMetrics runs.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

var _ Metrics = (*PrometheusMetrics)(nil)
