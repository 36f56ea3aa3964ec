package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/meridian/pkg/confidence"
	"github.com/meridianhq/meridian/pkg/orchestrator"
	"github.com/meridianhq/meridian/pkg/store"
	"github.com/meridianhq/meridian/pkg/stream"
)

const maxRequestBody = 1 << 20 // 1MB

// errorPayload is the wire shape for all error responses: a taxonomy
// code and a human-readable message, nothing else.
type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code orchestrator.Code, message string) {
	var payload errorPayload
	payload.Error.Code = string(code)
	payload.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps taxonomy codes to HTTP statuses.
func statusFor(code orchestrator.Code) int {
	switch code {
	case orchestrator.CodeInvalidInput:
		return http.StatusBadRequest
	case orchestrator.CodeInvalidPlan:
		return http.StatusUnprocessableEntity
	case orchestrator.CodeTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.CodePoolExhausted:
		return http.StatusServiceUnavailable
	case orchestrator.CodeProviderError, orchestrator.CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeCodedError(w http.ResponseWriter, err error) {
	code := orchestrator.CodeOf(err)
	message := "request failed"
	var oerr *orchestrator.Error
	if errors.As(err, &oerr) {
		message = oerr.Message
	}
	writeError(w, statusFor(code), code, message)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, orchestrator.CodeInvalidInput, fmt.Sprintf("malformed request body: %v", err))
		return false
	}
	return true
}

// handleTurn starts a turn and streams its events as SSE until the
// terminal event. Disconnecting does not cancel the query.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !decodeBody(w, r, &req) {
		return
	}

	handle, err := s.pipe.StartTurn(r.Context(), req)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	sub, err := s.pipe.Subscribe(handle.QueryID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, orchestrator.CodeInternal, "failed to attach to query stream")
		return
	}

	w.Header().Set("X-Query-Id", handle.QueryID)
	w.Header().Set("X-Conversation-Id", handle.ConversationID)
	s.streamSSE(w, r, sub)
}

// handleEvents re-attaches to a running (or recently finished) query's
// stream. The cursor comes from Last-Event-ID or the after query param.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")

	afterSeq := uint64(0)
	cursor := r.Header.Get("Last-Event-ID")
	if cursor == "" {
		cursor = r.URL.Query().Get("after")
	}
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, orchestrator.CodeInvalidInput, "cursor must be a sequence number")
			return
		}
		afterSeq = parsed
	}

	sub, err := s.pipe.Subscribe(queryID, afterSeq)
	if err != nil {
		writeError(w, http.StatusNotFound, orchestrator.CodeInvalidInput, fmt.Sprintf("unknown query '%s'", queryID))
		return
	}

	s.streamSSE(w, r, sub)
}

// streamSSE writes subscription events in SSE framing. The event seq
// doubles as the SSE id so Last-Event-ID reconnects resume cleanly.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, sub *stream.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sub.Close()
		writeError(w, http.StatusInternalServerError, orchestrator.CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-sub.C():
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Kind, data)
			flusher.Flush()
		case <-r.Context().Done():
			sub.Close()
			return
		}
	}
}

// syncResponse is the synchronous turn result: the terminal event only.
type syncResponse struct {
	QueryID        string       `json:"query_id"`
	ConversationID string       `json:"conversation_id"`
	Event          stream.Event `json:"event"`
}

// handleTurnSync starts a turn and blocks until its terminal event.
func (s *Server) handleTurnSync(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !decodeBody(w, r, &req) {
		return
	}

	handle, err := s.pipe.StartTurn(r.Context(), req)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	sub, err := s.pipe.Subscribe(handle.QueryID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, orchestrator.CodeInternal, "failed to attach to query stream")
		return
	}

	var terminal *stream.Event
	for {
		select {
		case event, open := <-sub.C():
			if !open {
				if terminal == nil {
					writeError(w, http.StatusInternalServerError, orchestrator.CodeInternal, "stream ended without a terminal event")
					return
				}
				writeJSON(w, http.StatusOK, syncResponse{
					QueryID:        handle.QueryID,
					ConversationID: handle.ConversationID,
					Event:          *terminal,
				})
				return
			}
			if event.Kind.Terminal() {
				event := event
				terminal = &event
			}
		case <-r.Context().Done():
			// The query keeps running; the client just stopped waiting.
			sub.Close()
			return
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	if !s.pipe.Cancel(queryID) {
		writeError(w, http.StatusNotFound, orchestrator.CodeInvalidInput, fmt.Sprintf("unknown query '%s'", queryID))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": true})
}

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

// handleFeedback records a rating against an assistant message and feeds
// the confidence calibrator.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, orchestrator.CodeInvalidInput, "message_id is required")
		return
	}

	msg, err := s.store.GetMessage(r.Context(), req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, orchestrator.CodeInvalidInput, fmt.Sprintf("unknown message '%s'", req.MessageID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, orchestrator.CodeInternal, "failed to read message")
		return
	}

	if err := s.store.RecordFeedback(r.Context(), req.MessageID, req.Rating, req.Comment); err != nil {
		writeError(w, http.StatusBadRequest, orchestrator.CodeInvalidInput, err.Error())
		return
	}

	if s.calibrator != nil && msg.Confidence > 0 {
		outcome := 0.0
		if req.Rating > 0 {
			outcome = 1.0
		}
		s.calibrator.Observe(confidence.Sample{Score: msg.Confidence, Outcome: outcome})
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"recorded": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "database": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
