package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/portpilot/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start PostgreSQL container")
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	rec := history.Record{
		ServerID: "a1", Name: "web", Workspace: "/ws", Framework: "vite",
		DesiredPort: 5173, ResolvedPort: 5173, PID: 12345, State: "running",
	}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventReady, OccurredAt: time.Now(), Record: rec}))
	rec.State = "stopped"
	rec.Message = "port 5173 still bound after stopping pid 12345"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventWarning, OccurredAt: time.Now(), Record: rec}))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM server_history WHERE server_id = $1", "a1").Scan(&count))
	assert.Equal(t, 2, count)

	var msg string
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT message FROM server_history WHERE event = $1", "warning").Scan(&msg))
	assert.Contains(t, msg, "still bound")

	// second construction against the same database re-runs the schema
	again, err := New(connStr)
	require.NoError(t, err)
	_ = again.Close()
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
