// Package stream is the in-process streaming fabric: per-query topics
// with strictly ordered events, bounded replay for reconnects, and
// backpressure that coalesces progress without dropping boundaries.
package stream

import (
	"time"
)

// EventKind identifies the event types a query topic carries.
type EventKind string

const (
	KindStarted        EventKind = "started"
	KindStage          EventKind = "stage"
	KindStepStarted    EventKind = "step_started"
	KindStepProgress   EventKind = "step_progress"
	KindStepEnded      EventKind = "step_ended"
	KindPartialContent EventKind = "partial_content"
	KindFinalContent   EventKind = "final_content"
	KindMetrics        EventKind = "metrics"
	KindCancelled      EventKind = "cancelled"
	KindError          EventKind = "error"
)

// Terminal reports whether the kind ends the stream. Exactly one
// terminal event is published per query.
func (k EventKind) Terminal() bool {
	switch k {
	case KindFinalContent, KindCancelled, KindError:
		return true
	}
	return false
}

// Event is one entry in a query's ordered stream. Seq is assigned by the
// topic at publication and is gapless per query.
type Event struct {
	Seq     uint64    `json:"seq"`
	QueryID string    `json:"query_id"`
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`

	// Stage is set for stage events (analyze, route, plan, execute).
	Stage string `json:"stage,omitempty"`

	// StepID and Agent are set for step lifecycle events.
	StepID string `json:"step_id,omitempty"`
	Agent  string `json:"agent,omitempty"`

	// Content carries partial or final answer text.
	Content string `json:"content,omitempty"`

	// Data carries structured payloads (metrics, error details).
	Data map[string]any `json:"data,omitempty"`
}
