package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/portpilot/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its native address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start ClickHouse container")

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "server_history")
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	rec := history.Record{
		ServerID: "c9", Name: "api", Workspace: "/ws", Framework: "generic",
		DesiredPort: 8080, ResolvedPort: 8081, PID: 4242, State: "starting",
	}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}))
	rec.Owner, rec.Action = "foreign", "use_alternative"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventConflict, OccurredAt: time.Now().UTC(), Record: rec}))

	var count uint64
	row := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM server_history WHERE server_id = ?", "c9")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, uint64(2), count)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, sink.Send(cancelled, history.Event{Type: history.EventStop, OccurredAt: time.Now().UTC(), Record: rec}))
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	_, err := New("invalid-host:9000", "test_table")
	assert.Error(t, err)
}

func TestClickHouseSink_RejectsBadTable(t *testing.T) {
	_, err := NewWithOptions(Options{Addr: "localhost:9000", Table: "x; DROP TABLE y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ClickHouse table name")
}
