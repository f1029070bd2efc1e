package goSession

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	auditEventLoginSuccess    = "login_success"
	auditEventLoginFailure    = "login_failure"
	auditEventRegister        = "register"
	auditEventRefreshSuccess  = "refresh_success"
	auditEventRefreshFailure  = "refresh_failure"
	auditEventRefreshRejected = "refresh_rejected"
	auditEventSessionExpired  = "session_expired"
	auditEventLogout          = "logout"
	auditEventResume          = "resume"
)

// AuditEvent describes one session lifecycle transition. Token values are never included.
type AuditEvent struct {
	EventID   string            `json:"event_id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Username  string            `json:"username,omitempty"`
	Trigger   string            `json:"trigger,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a buffered channel, mostly for tests and UI bridges.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON document per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

func newAuditEvent(now time.Time, eventType string, err error) AuditEvent {
	ev := AuditEvent{
		EventID:   uuid.NewString(),
		Timestamp: now.UTC(),
		EventType: eventType,
		Success:   err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// auditDispatcher stamps session lifecycle events and delivers them to the sink from a single
// worker goroutine, in the order they were queued. A nil dispatcher (audit disabled) discards
// everything.
type auditDispatcher struct {
	sink  AuditSink
	clock Clock
	block bool

	mu     sync.RWMutex
	closed bool
	queue  chan AuditEvent

	drained chan struct{}
	dropped atomic.Uint64
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, clock Clock) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if clock == nil {
		clock = systemClock{}
	}

	d := &auditDispatcher{
		sink:    sink,
		clock:   clock,
		block:   !cfg.DropIfFull,
		queue:   make(chan AuditEvent, max(cfg.BufferSize, 1)),
		drained: make(chan struct{}),
	}
	go d.deliver()
	return d
}

func (d *auditDispatcher) deliver() {
	defer close(d.drained)
	for event := range d.queue {
		d.sink.Emit(context.Background(), event)
	}
}

// record queues an event of eventType stamped with the session clock. fill adds the
// event-specific fields.
func (d *auditDispatcher) record(ctx context.Context, eventType string, err error, fill func(*AuditEvent)) {
	if d == nil {
		return
	}
	event := newAuditEvent(d.clock.Now(), eventType, err)
	if fill != nil {
		fill(&event)
	}
	d.Emit(ctx, event)
}

// Emit queues event. With DropIfFull a full queue drops and counts it; otherwise Emit waits for
// room until ctx is done. Events emitted after Close are ignored.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if !d.block {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
	}
}

// Close stops accepting events and waits until the queued ones reached the sink.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.drained
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
