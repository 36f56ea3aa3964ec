package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/store"
	"github.com/meridianhq/meridian/pkg/stream"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Name: "runtime-test",
		Models: map[string]*config.ModelProviderConfig{
			"mock": {Type: "mock", Model: "mock"},
		},
		DefaultModel: "mock",
		Embedder:     config.EmbedderConfig{Type: "mock", Dimension: 8},
		Agents: map[string]*config.AgentConfig{
			"writer":      {Kind: "writing", Capabilities: []string{"chat"}},
			"synthesizer": {Kind: "synthesis"},
		},
		VectorStore: config.VectorStoreConfig{Type: "chromem"},
		Database:    config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
	}
	cfg.SetDefaults()
	cfg.Database.MaxConns = 1
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	r, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(r.close)
	return r
}

func TestRuntime_EndToEndTurn(t *testing.T) {
	r := newTestRuntime(t, testConfig(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/turns/sync", strings.NewReader(`{"user_text": "hello there"}`))
	rec := httptest.NewRecorder()
	r.Server().Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		QueryID string       `json:"query_id"`
		Event   stream.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.QueryID)
	assert.Equal(t, stream.KindFinalContent, resp.Event.Kind)
	assert.NotEmpty(t, resp.Event.Content)
}

func TestRuntime_Index(t *testing.T) {
	r := newTestRuntime(t, testConfig(t))

	err := r.Index(context.Background(), "doc-1", "the library opens at nine", map[string]any{"domain": "local"})
	require.NoError(t, err)
}

func TestRuntime_Reload(t *testing.T) {
	r := newTestRuntime(t, testConfig(t))
	before := r.core.Load()

	next := testConfig(t)
	next.Name = "runtime-test-v2"
	require.NoError(t, r.Reload(context.Background(), next))

	after := r.core.Load()
	assert.NotSame(t, before, after)
	assert.Equal(t, "runtime-test-v2", after.cfg.Name)

	// New turns run against the swapped core.
	req := httptest.NewRequest(http.MethodPost, "/v1/turns/sync", strings.NewReader(`{"user_text": "still working"}`))
	rec := httptest.NewRecorder()
	r.Server().Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRuntime_CalibratorWarmStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Confidence.CalibrationMinSamples = 2
	r := newTestRuntime(t, cfg)
	ctx := context.Background()

	conv, err := r.store.CreateConversation(ctx, "")
	require.NoError(t, err)
	for _, sample := range []struct {
		confidence float64
		rating     int
	}{{0.9, 1}, {0.4, -1}, {0.8, 1}} {
		msg := &store.Message{Role: "assistant", Content: "answer", Confidence: sample.confidence}
		require.NoError(t, r.store.AppendMessage(ctx, conv.ID, msg))
		require.NoError(t, r.store.RecordFeedback(ctx, msg.ID, sample.rating, ""))
	}

	require.False(t, r.estimator.Calibrator().Fitted())
	r.warmCalibrator(ctx)
	assert.True(t, r.estimator.Calibrator().Fitted())
}
