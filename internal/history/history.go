package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventReady    EventType = "ready"
	EventConflict EventType = "conflict"
	EventStop     EventType = "stop"
	EventFailed   EventType = "failed"
	EventWarning  EventType = "warning"
)

// Record describes the server an event is about.
type Record struct {
	ServerID     string `json:"server_id"`
	Name         string `json:"name"`
	Workspace    string `json:"workspace"`
	Framework    string `json:"framework"`
	DesiredPort  int    `json:"desired_port"`
	ResolvedPort int    `json:"resolved_port"`
	PID          int    `json:"pid"`
	State        string `json:"state"`
	// Conflict events carry the occupant's ownership and the chosen action.
	Owner   string `json:"owner,omitempty"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkCloser is a Sink that holds a connection.
type SinkCloser interface {
	Sink
	Close() error
}

// Recorder fans events out to every configured sink. Sink failures are
// logged and never surface to the caller.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

const DefaultSendTimeout = 5 * time.Second

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), timeout: DefaultSendTimeout, logger: logger}
}

// SetSinks replaces the sink list. Passing no sinks clears it.
func (r *Recorder) SetSinks(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append([]Sink(nil), sinks...)
	r.mu.Unlock()
}

// Record stamps e with the current time when unset and sends it to every sink.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink send failed", "event", e.Type, "error", err)
		}
	}
}

// Close closes every sink that holds a connection.
func (r *Recorder) Close() error {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(SinkCloser); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory. Useful for tests and the HTTP API.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything received so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the received event types in order.
func (m *MemorySink) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}
