package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the Prometheus-backed metrics recorder. When enabled is
// false, it returns an empty recorder whose methods are no-ops.
func InitMetrics(enabled bool) (*PrometheusMetrics, error) {
	if !enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("meridian")

	m := &PrometheusMetrics{}

	m.queryDuration, err = meter.Float64Histogram(
		"meridian_query_duration_seconds",
		metric.WithDescription("End-to-end query turn duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	m.queriesTotal, err = meter.Int64Counter(
		"meridian_queries_total",
		metric.WithDescription("Total query turns by terminal outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	m.queryTokens, err = meter.Int64Counter(
		"meridian_query_tokens_total",
		metric.WithDescription("Total tokens consumed by query turns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query tokens counter: %w", err)
	}

	m.stageDuration, err = meter.Float64Histogram(
		"meridian_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	m.stageErrors, err = meter.Int64Counter(
		"meridian_stage_errors_total",
		metric.WithDescription("Total pipeline stage errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage errors counter: %w", err)
	}

	m.stepDuration, err = meter.Float64Histogram(
		"meridian_step_duration_seconds",
		metric.WithDescription("Plan step execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}

	m.stepErrors, err = meter.Int64Counter(
		"meridian_step_errors_total",
		metric.WithDescription("Total plan step errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step errors counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"meridian_tool_invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	m.toolCalls, err = meter.Int64Counter(
		"meridian_tool_invocations_total",
		metric.WithDescription("Total tool invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	m.toolErrors, err = meter.Int64Counter(
		"meridian_tool_errors_total",
		metric.WithDescription("Total tool invocation errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	m.modelDuration, err = meter.Float64Histogram(
		"meridian_model_request_duration_seconds",
		metric.WithDescription("Model provider request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model duration histogram: %w", err)
	}

	m.modelInTokens, err = meter.Int64Counter(
		"meridian_model_tokens_input_total",
		metric.WithDescription("Total input tokens sent to model providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model input tokens counter: %w", err)
	}

	m.modelOutTokens, err = meter.Int64Counter(
		"meridian_model_tokens_output_total",
		metric.WithDescription("Total output tokens from model providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model output tokens counter: %w", err)
	}

	m.modelErrors, err = meter.Int64Counter(
		"meridian_model_errors_total",
		metric.WithDescription("Total model provider errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model errors counter: %w", err)
	}

	m.leaseWait, err = meter.Float64Histogram(
		"meridian_lease_wait_seconds",
		metric.WithDescription("Time spent waiting for an agent lease"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease wait histogram: %w", err)
	}

	m.leaseTimeouts, err = meter.Int64Counter(
		"meridian_lease_timeouts_total",
		metric.WithDescription("Total agent lease waits that expired unacquired"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease timeouts counter: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"meridian_cache_lookups_total",
		metric.WithDescription("Total cache lookups by layer and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	m.retrievalDur, err = meter.Float64Histogram(
		"meridian_retrieval_duration_seconds",
		metric.WithDescription("Retrieval round duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval duration histogram: %w", err)
	}

	m.retrievalHits, err = meter.Int64Counter(
		"meridian_retrieval_results_total",
		metric.WithDescription("Total retrieval results returned"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval results counter: %w", err)
	}

	m.confidenceScore, err = meter.Float64Histogram(
		"meridian_confidence_score",
		metric.WithDescription("Calibrated confidence scores by bucket"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create confidence histogram: %w", err)
	}

	return m, nil
}

// Handler returns the HTTP handler serving the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
