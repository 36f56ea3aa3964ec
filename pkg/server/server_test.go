package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/confidence"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/orchestrator"
	"github.com/meridianhq/meridian/pkg/store"
	"github.com/meridianhq/meridian/pkg/stream"
)

// stubPipeline drives a real fabric so SSE framing and replay behave as
// in production, without standing up the full orchestrator.
type stubPipeline struct {
	fabric *stream.Fabric

	// script is published to the topic as soon as a turn starts.
	script []stream.Event

	startErr  error
	cancelled []string
}

func newStubPipeline(script ...stream.Event) *stubPipeline {
	cfg := &config.StreamConfig{}
	cfg.SetDefaults()
	return &stubPipeline{fabric: stream.NewFabric(cfg), script: script}
}

func (p *stubPipeline) StartTurn(ctx context.Context, req orchestrator.Request) (*orchestrator.TurnHandle, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	if strings.TrimSpace(req.UserText) == "" {
		return nil, orchestrator.NewError(orchestrator.CodeInvalidInput, "user text must not be empty")
	}

	queryID := "q-test"
	if err := p.fabric.CreateTopic(queryID, func() {}); err != nil {
		return nil, err
	}
	p.fabric.Publish(queryID, stream.Event{Kind: stream.KindStarted})
	for _, event := range p.script {
		p.fabric.Publish(queryID, event)
	}
	return &orchestrator.TurnHandle{QueryID: queryID, ConversationID: "c-test"}, nil
}

func (p *stubPipeline) Cancel(queryID string) bool {
	if queryID != "q-test" {
		return false
	}
	p.cancelled = append(p.cancelled, queryID)
	return true
}

func (p *stubPipeline) Subscribe(queryID string, afterSeq uint64) (*stream.Subscription, error) {
	return p.fabric.Subscribe(queryID, afterSeq)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := &config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", MaxConns: 1, MaxIdle: 1}
	cfg.SetDefaults()
	cfg.MaxConns = 1

	s, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, pipe Pipeline) (*Server, *store.Store) {
	t.Helper()
	cfg := &config.ServerConfig{}
	cfg.SetDefaults()

	st := testStore(t)
	srv := New(cfg, pipe, st, confidence.NewCalibrator(2))
	return srv, st
}

func TestTurn_SSE(t *testing.T) {
	pipe := newStubPipeline(
		stream.Event{Kind: stream.KindStage, Stage: "analyze"},
		stream.Event{Kind: stream.KindFinalContent, Content: "hello"},
	)
	srv, _ := newTestServer(t, pipe)

	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{"user_text": "hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "q-test", rec.Header().Get("X-Query-Id"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: started")
	assert.Contains(t, body, "event: final_content")
	assert.Contains(t, body, `"content":"hello"`)

	// SSE ids carry the seq for Last-Event-ID reconnects.
	scanner := bufio.NewScanner(strings.NewReader(body))
	ids := 0
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "id: ") {
			ids++
		}
	}
	assert.Equal(t, 3, ids)
}

func TestTurn_EmptyTextRejected(t *testing.T) {
	srv, _ := newTestServer(t, newStubPipeline())

	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{"user_text": "  "}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var payload errorPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, string(orchestrator.CodeInvalidInput), payload.Error.Code)
}

func TestTurn_MalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, newStubPipeline())

	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{"user_text": 42`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTurnSync(t *testing.T) {
	pipe := newStubPipeline(
		stream.Event{Kind: stream.KindStepStarted, StepID: "respond"},
		stream.Event{Kind: stream.KindFinalContent, Content: "the answer"},
	)
	srv, _ := newTestServer(t, pipe)

	req := httptest.NewRequest(http.MethodPost, "/v1/turns/sync", strings.NewReader(`{"user_text": "hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp syncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "q-test", resp.QueryID)
	assert.Equal(t, stream.KindFinalContent, resp.Event.Kind)
	assert.Equal(t, "the answer", resp.Event.Content)
}

func TestEvents_ReplayFromCursor(t *testing.T) {
	pipe := newStubPipeline(
		stream.Event{Kind: stream.KindStage, Stage: "analyze"},
		stream.Event{Kind: stream.KindStage, Stage: "plan"},
		stream.Event{Kind: stream.KindFinalContent, Content: "done"},
	)
	srv, _ := newTestServer(t, pipe)

	// Start the turn so the topic exists.
	start := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{"user_text": "hi"}`))
	srv.Handler().ServeHTTP(httptest.NewRecorder(), start)

	req := httptest.NewRequest(http.MethodGet, "/v1/queries/q-test/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "id: 2\n", "events at or before the cursor are not replayed")
	assert.Contains(t, body, "id: 3\n")
	assert.Contains(t, body, "id: 4\n")
}

func TestEvents_UnknownQuery(t *testing.T) {
	srv, _ := newTestServer(t, newStubPipeline())

	req := httptest.NewRequest(http.MethodGet, "/v1/queries/nope/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	pipe := newStubPipeline(stream.Event{Kind: stream.KindFinalContent, Content: "x"})
	srv, _ := newTestServer(t, pipe)

	start := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{"user_text": "hi"}`))
	srv.Handler().ServeHTTP(httptest.NewRecorder(), start)

	req := httptest.NewRequest(http.MethodPost, "/v1/queries/q-test/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"q-test"}, pipe.cancelled)

	req = httptest.NewRequest(http.MethodPost, "/v1/queries/unknown/cancel", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeedback(t *testing.T) {
	srv, st := newTestServer(t, newStubPipeline())
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "")
	require.NoError(t, err)
	msg := &store.Message{Role: "assistant", Content: "answer", Confidence: 0.7}
	require.NoError(t, st.AppendMessage(ctx, conv.ID, msg))

	body := `{"message_id": "` + msg.ID + `", "rating": 1, "comment": "helpful"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	feedback, err := st.GetFeedbackForMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, 1, feedback[0].Rating)
}

func TestFeedback_Validation(t *testing.T) {
	srv, st := newTestServer(t, newStubPipeline())
	ctx := context.Background()

	// Unknown message.
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(`{"message_id": "missing", "rating": 1}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Rating out of range.
	conv, err := st.CreateConversation(ctx, "")
	require.NoError(t, err)
	msg := &store.Message{Role: "assistant", Content: "answer"}
	require.NoError(t, st.AppendMessage(ctx, conv.ID, msg))

	req = httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(`{"message_id": "`+msg.ID+`", "rating": 9}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, newStubPipeline())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(orchestrator.CodeInvalidInput))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(orchestrator.CodeInvalidPlan))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(orchestrator.CodeTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(orchestrator.CodePoolExhausted))
	assert.Equal(t, http.StatusBadGateway, statusFor(orchestrator.CodeProviderError))
	assert.Equal(t, http.StatusInternalServerError, statusFor(orchestrator.CodeInternal))
}

func TestShutdown_NoServer(t *testing.T) {
	srv, _ := newTestServer(t, newStubPipeline())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
