package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/portpilot/internal/history"
)

func record() history.Record {
	return history.Record{
		ServerID: "8c2f", Name: "web", Workspace: "/ws", Framework: "next",
		DesiredPort: 3000, ResolvedPort: 3001, PID: 12345, State: "running",
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	rec := record()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Record: rec}))

	conflict := rec
	conflict.Owner, conflict.Action = "family", "use_alternative"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventConflict, OccurredAt: time.Now(), Record: conflict}))

	rec.State = "stopped"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: rec}))

	got, err := sink.Events(ctx, "8c2f")
	require.NoError(t, err)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventConflict, history.EventStop}, got)

	// Reopening keeps the data and the schema statement is idempotent.
	require.NoError(t, sink.Close())
	sink, err = New(dbPath)
	require.NoError(t, err)
	got, err = sink.Events(ctx, "8c2f")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventReady, OccurredAt: time.Now(), Record: record()}))
	got, err := sink.Events(context.Background(), "8c2f")
	require.NoError(t, err)
	assert.Equal(t, []history.EventType{history.EventReady}, got)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Record: record()}))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
