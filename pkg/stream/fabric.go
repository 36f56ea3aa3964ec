package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhq/meridian/pkg/config"
)

// Fabric manages per-query topics. Safe for concurrent use.
type Fabric struct {
	cfg *config.StreamConfig

	mu     sync.Mutex
	topics map[string]*topic
}

// NewFabric creates an empty fabric.
func NewFabric(cfg *config.StreamConfig) *Fabric {
	return &Fabric{
		cfg:    cfg,
		topics: make(map[string]*topic),
	}
}

// CreateTopic opens a topic for a query. cancel is the query's cancel
// function; Cancel(queryID) fires it exactly once.
func (f *Fabric) CreateTopic(queryID string, cancel context.CancelFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.topics[queryID]; exists {
		return fmt.Errorf("topic for query '%s' already exists", queryID)
	}
	f.sweepLocked()

	f.topics[queryID] = &topic{
		queryID: queryID,
		cfg:     f.cfg,
		cancel:  cancel,
		subs:    make(map[int]*Subscription),
	}
	return nil
}

// Publish appends an event to the query's stream. The topic assigns the
// sequence number; publication is serialized per topic. Events published
// after the terminal event are dropped.
func (f *Fabric) Publish(queryID string, event Event) {
	t := f.lookup(queryID)
	if t == nil {
		slog.Debug("Publish on unknown topic", "query_id", queryID, "kind", event.Kind)
		return
	}
	t.publish(event)
}

// Subscribe attaches to a query's stream from a cursor. Events with
// seq > afterSeq still inside the replay window are replayed first, then
// live events follow, in order and without gaps.
func (f *Fabric) Subscribe(queryID string, afterSeq uint64) (*Subscription, error) {
	t := f.lookup(queryID)
	if t == nil {
		return nil, fmt.Errorf("no topic for query '%s'", queryID)
	}
	return t.subscribe(afterSeq)
}

// Cancel fires the query's cancel signal. Idempotent; reports whether
// the topic exists. The orchestrator emits the cancelled terminal event.
func (f *Fabric) Cancel(queryID string) bool {
	t := f.lookup(queryID)
	if t == nil {
		return false
	}
	t.cancelOnce.Do(func() {
		slog.Info("Cancelling query", "query_id", queryID)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return true
}

// Remove drops a topic. Subscribers still attached see their streams
// closed.
func (f *Fabric) Remove(queryID string) {
	f.mu.Lock()
	t := f.topics[queryID]
	delete(f.topics, queryID)
	f.mu.Unlock()

	if t != nil {
		t.closeAll()
	}
}

func (f *Fabric) lookup(queryID string) *topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[queryID]
}

// sweepLocked removes topics whose terminal event has aged out of the
// replay window; reconnects past that point have nothing to replay.
func (f *Fabric) sweepLocked() {
	ttl := time.Duration(f.cfg.ReplayTTLMS) * time.Millisecond
	for id, t := range f.topics {
		if t.expired(ttl) {
			delete(f.topics, id)
			t.closeAll()
		}
	}
}

// topic is one query's ordered stream.
type topic struct {
	queryID    string
	cfg        *config.StreamConfig
	cancel     context.CancelFunc
	cancelOnce sync.Once

	mu         sync.Mutex
	seq        uint64
	ring       []Event
	subs       map[int]*Subscription
	nextSubID  int
	terminal   bool
	terminalAt time.Time
}

func (t *topic) publish(event Event) {
	t.mu.Lock()

	if t.terminal {
		t.mu.Unlock()
		slog.Debug("Dropping event after terminal", "query_id", t.queryID, "kind", event.Kind)
		return
	}

	t.seq++
	event.Seq = t.seq
	event.QueryID = t.queryID
	if event.At.IsZero() {
		event.At = time.Now()
	}

	t.ring = append(t.ring, event)
	if len(t.ring) > t.cfg.ReplayWindow {
		t.ring = t.ring[len(t.ring)-t.cfg.ReplayWindow:]
	}

	if event.Kind.Terminal() {
		t.terminal = true
		t.terminalAt = event.At
	}

	// Fan-out stays under the topic lock: concurrent publishers must not
	// interleave enqueues between subscribers once a seq is assigned.
	// enqueue takes only the subscriber lock, so the order is t.mu then
	// s.mu everywhere and no cycle exists.
	for _, s := range t.subs {
		s.enqueue(event)
		if event.Kind.Terminal() {
			s.finish()
		}
	}
	t.mu.Unlock()
}

func (t *topic) subscribe(afterSeq uint64) (*Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Subscription{
		events: make(chan Event),
		quit:   make(chan struct{}),
		buffer: t.cfg.SubscriberBuffer,
	}
	s.cond = sync.NewCond(&s.mu)

	// Replay the in-window tail past the cursor before going live.
	cutoff := time.Now().Add(-time.Duration(t.cfg.ReplayTTLMS) * time.Millisecond)
	for _, event := range t.ring {
		if event.Seq > afterSeq && event.At.After(cutoff) {
			s.queue = append(s.queue, event)
		}
	}

	if t.terminal {
		// Stream already ended; deliver the replay (terminal included)
		// and close.
		s.done = true
	} else {
		s.id = t.nextSubID
		t.nextSubID++
		t.subs[s.id] = s
		s.detach = func() { t.removeSub(s.id) }
	}

	go s.pump()
	return s, nil
}

func (t *topic) removeSub(id int) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

func (t *topic) closeAll() {
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[int]*Subscription)
	t.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

func (t *topic) expired(ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal && time.Since(t.terminalAt) > ttl
}

// Subscription is one reader's view of a topic. Events arrive on C in
// sequence order; C closes after the terminal event (or topic removal).
type Subscription struct {
	events   chan Event
	quit     chan struct{}
	quitOnce sync.Once
	buffer   int
	id       int
	detach   func()

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	done   bool
	closed bool
}

// C is the ordered event channel.
func (s *Subscription) C() <-chan Event { return s.events }

// Close detaches the subscription and stops delivery immediately.
// Detaching never cancels the query.
func (s *Subscription) Close() {
	if s.detach != nil {
		s.detach()
	}
	s.quitOnce.Do(func() { close(s.quit) })
	s.finish()
}

// enqueue adds an event to the subscriber queue. A slow subscriber over
// its buffer gets step_progress events coalesced away; boundary and
// terminal events are never dropped.
func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.queue) >= s.buffer {
		if event.Kind == KindStepProgress {
			return
		}
		s.dropOldestProgressLocked()
	}

	s.queue = append(s.queue, event)
	s.cond.Signal()
}

func (s *Subscription) dropOldestProgressLocked() {
	for i, queued := range s.queue {
		if queued.Kind == KindStepProgress {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// finish marks the queue complete: the pump drains what is left, then
// closes the channel.
func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done && s.closed {
		return
	}
	s.done = true
	s.cond.Signal()
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.closed = true
			s.mu.Unlock()
			close(s.events)
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- event:
		case <-s.quit:
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			close(s.events)
			return
		}
	}
}
