package manager

import (
	"time"

	"github.com/loykin/portpilot/internal/history"
	"github.com/loykin/portpilot/internal/metrics"
	"github.com/loykin/portpilot/internal/model"
	"github.com/loykin/portpilot/internal/process"
)

// Event is a lifecycle notification pushed to subscribers and history sinks.
type Event struct {
	Type   history.EventType `json:"type"`
	At     time.Time         `json:"at"`
	Server process.Info      `json:"server"`
	// Binding is the occupant of the desired port for conflict events.
	Binding *model.PortBinding `json:"binding,omitempty"`
	Action  string             `json:"action,omitempty"`
	Message string             `json:"message,omitempty"`
}

func (e Event) record() history.Event {
	s := e.Server
	r := history.Record{
		ServerID:     s.ID,
		Name:         s.Name,
		Workspace:    s.Workspace,
		Framework:    s.Framework,
		DesiredPort:  s.DesiredPort,
		ResolvedPort: s.ResolvedPort,
		PID:          s.PID,
		State:        s.State,
		Action:       e.Action,
		Message:      e.Message,
	}
	if e.Binding != nil {
		r.Owner = e.Binding.OwnerName
		if r.Owner == "" {
			r.Owner = e.Binding.Owner.String()
		}
	}
	return history.Event{Type: e.Type, OccurredAt: e.At.UTC(), Record: r}
}

func (m *Manager) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.events.Publish(e)
	m.recorder.Record(e.record())
}

// observe turns handle transitions into metrics and events.
func (m *Manager) observe(h *process.Handle, from, to process.State) {
	metrics.RecordStateTransition(from.String(), to.String())
	if to.Terminal() {
		m.registry.Release(h)
		m.untrack(h.ID)
	}
	metrics.SetActive(m.registry.Len())
	info := h.Snapshot()
	switch to {
	case process.Running:
		m.emit(Event{Type: history.EventReady, Server: info})
	case process.Stopped:
		m.emit(Event{Type: history.EventStop, Server: info})
	case process.Failed:
		m.emit(Event{Type: history.EventFailed, Server: info, Message: info.Error})
		m.logger.Warn("server failed", "name", h.Name, "port", info.ResolvedPort, "error", info.Error)
	}
}
