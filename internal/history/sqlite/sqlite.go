package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/portpilot/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_history(
			timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			server_id TEXT NOT NULL,
			name TEXT NOT NULL,
			workspace TEXT NOT NULL,
			framework TEXT NOT NULL,
			desired_port INTEGER NOT NULL,
			resolved_port INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			owner TEXT,
			action TEXT,
			message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_history_server ON server_history(server_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_history(timestamp, event, server_id, name, workspace, framework,
			desired_port, resolved_port, pid, state, owner, action, message)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), r.ServerID, r.Name, r.Workspace, r.Framework,
		r.DesiredPort, r.ResolvedPort, r.PID, r.State, nullable(r.Owner), nullable(r.Action), nullable(r.Message))
	return err
}

// Events returns the stored event types for serverID, oldest first.
func (s *Sink) Events(ctx context.Context, serverID string) ([]history.EventType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM server_history WHERE server_id = ? ORDER BY rowid`, serverID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.EventType
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, history.EventType(t))
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
