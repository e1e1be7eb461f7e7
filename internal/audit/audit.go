// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit is the engine's structured event sink. Emission is
// non-blocking with respect to the hot path: the channel is bounded and
// the sink drops the oldest buffered event rather than stall a caller, a
// dropped-event counter tracks how much was lost.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/logging"
	"aced.dev/ace/internal/notification"
	"aced.dev/ace/internal/state"
)

const bucketName = "audit"

// Category classifies an event's subject area.
type Category string

const (
	CategoryAuth    Category = "AUTH"
	CategorySession Category = "SESSION"
	CategoryBinding Category = "BINDING"
	CategoryRule    Category = "RULE"
	CategoryAnomaly Category = "ANOMALY"
	CategoryAdmin   Category = "ADMIN"
	CategorySystem  Category = "SYSTEM"
)

// Severity is the event's importance, mirroring the levels the
// notification dispatcher understands.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event is a single structured audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	Subjects  []string       `json:"subjects,omitempty"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink buffers events in a bounded channel, persists them to the state
// store, and escalates ERROR/CRITICAL events to the notification
// dispatcher. It must be started with Run before any event reaches
// storage.
type Sink struct {
	db    *state.SQLiteStore
	clock clock.Clock
	log   *logging.Logger
	notif *notification.Dispatcher

	events  chan Event
	dropped atomic.Uint64

	seq   atomic.Uint64
	mu    sync.Mutex
	stopC chan struct{}
	done  chan struct{}
}

// Option configures a Sink at construction time.
type Option func(*Sink)

// WithNotifier wires escalation of ERROR/CRITICAL events to d.
func WithNotifier(d *notification.Dispatcher) Option {
	return func(s *Sink) { s.notif = d }
}

// NewSink opens the audit bucket on db and prepares a Sink with the given
// buffer size (the spec's `audit.sinkBufferSize`).
func NewSink(db *state.SQLiteStore, clk clock.Clock, log *logging.Logger, bufferSize int, opts ...Option) (*Sink, error) {
	if clk == nil {
		clk = clock.System
	}
	if log == nil {
		log = logging.Default().WithComponent("audit")
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if err := db.CreateBucket(bucketName); err != nil && err != state.ErrBucketExists {
		return nil, err
	}
	s := &Sink{
		db:    db,
		clock: clk,
		log:   log,
		events: make(chan Event, bufferSize),
		stopC:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Emit queues an event. If the buffer is full, the oldest queued event is
// dropped to make room rather than blocking the caller; Emit itself never
// blocks.
func (s *Sink) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	select {
	case s.events <- e:
		return
	default:
	}
	// Buffer full: drop the oldest queued event, then try once more.
	select {
	case <-s.events:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the count of events dropped since startup.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Run drains the event channel until ctx is cancelled, persisting each
// event and escalating high-severity ones. It blocks until drained or
// cancelled, so callers run it in its own goroutine.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case e := <-s.events:
			s.persist(e)
			s.escalate(e)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// drain flushes whatever is left in the channel without blocking, giving
// shutdown a bounded window to persist in-flight events.
func (s *Sink) drain() {
	for {
		select {
		case e := <-s.events:
			s.persist(e)
		default:
			return
		}
	}
}

func (s *Sink) persist(e Event) {
	key := fmt.Sprintf("%020d", s.seq.Add(1))
	if err := s.db.SetJSON(bucketName, key, &e); err != nil {
		s.log.WithError(err).Error("failed to persist audit event", "category", e.Category)
	}
}

func (s *Sink) escalate(e Event) {
	if s.notif == nil {
		return
	}
	if e.Severity != SeverityError && e.Severity != SeverityCritical {
		return
	}
	severity := notification.SeverityWarn
	if e.Severity == SeverityCritical {
		severity = notification.SeverityCritical
	}
	s.notif.Send(notification.Alert{
		Category:  string(e.Category),
		Severity:  severity,
		Message:   e.Message,
		Subjects:  e.Subjects,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	})
}

// List returns every persisted event, oldest first. Intended for
// operator inspection and tests; not for the hot path.
func (s *Sink) List() ([]*Event, error) {
	raw, err := s.db.List(bucketName)
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(raw))
	for _, v := range raw {
		var e Event
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}
