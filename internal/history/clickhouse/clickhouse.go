package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/portpilot/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options selects the server, credentials, and target table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects with default credentials.
func New(addr, table string) (*Sink, error) {
	return NewWithOptions(Options{Addr: addr, Table: table})
}

func NewWithOptions(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "server_history"
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(6),
			server_id String,
			name String,
			workspace String,
			framework String,
			desired_port UInt16,
			resolved_port UInt16,
			pid UInt32,
			state String,
			owner String,
			action String,
			message String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, server_id)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, server_id, name, workspace, framework, desired_port, resolved_port, pid, state, owner, action, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		r.ServerID,
		r.Name,
		r.Workspace,
		r.Framework,
		uint16(r.DesiredPort),
		uint16(r.ResolvedPort),
		uint32(r.PID),
		r.State,
		r.Owner,
		r.Action,
		r.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
