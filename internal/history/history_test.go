package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ closed bool }

func (f *failingSink) Send(context.Context, Event) error { return errors.New("unreachable") }
func (f *failingSink) Close() error                      { f.closed = true; return nil }

func TestRecorderFansOut(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a, b := &MemorySink{}, &MemorySink{}
	bad := &failingSink{}
	r := NewRecorder(logger, a, bad, b)

	r.Record(Event{Type: EventStart, Record: Record{Name: "web", DesiredPort: 3000}})
	r.Record(Event{Type: EventReady, Record: Record{Name: "web", ResolvedPort: 3001}})

	assert.Equal(t, []EventType{EventStart, EventReady}, a.Types())
	assert.Equal(t, a.Types(), b.Types())
	assert.False(t, a.Events()[0].OccurredAt.IsZero())
	assert.Contains(t, buf.String(), "history sink send failed")

	require.NoError(t, r.Close())
	assert.True(t, bad.closed)
	r.Record(Event{Type: EventStop})
	assert.Len(t, a.Events(), 2, "closed recorder has no sinks")
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(Event{Type: EventStart})
}

func TestSetSinks(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(Event{Type: EventStart})
	m := &MemorySink{}
	r.SetSinks(m)
	r.Record(Event{Type: EventConflict, Record: Record{Owner: "foreign", Action: "use_alternative"}})
	require.Len(t, m.Events(), 1)
	assert.Equal(t, "use_alternative", m.Events()[0].Record.Action)
	r.SetSinks()
	r.Record(Event{Type: EventStop})
	assert.Len(t, m.Events(), 1)
}
