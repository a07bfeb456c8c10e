// Package sqlsink stores lifecycle events in a database/sql table.
// Driver packages supply a Dialect and reuse the insert and query paths.
package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/cipherhost/internal/history"
)

// Table is the history table shared by every SQL dialect.
const Table = "backend_history"

var columns = []string{"occurred_at", "type", "pid", "state", "root", "platform", "outcome", "message", "error"}

// Dialect describes the driver-specific bits of the schema and queries.
type Dialect struct {
	Driver        string
	TimestampType string
	// Bind returns the placeholder for the n-th argument (1-based).
	Bind func(n int) string
}

// Sink writes events with one INSERT per event.
type Sink struct {
	db      *sql.DB
	dialect Dialect
	insert  string
}

// Open opens dsn with the dialect's driver and ensures the table exists.
func Open(d Dialect, dsn string, tune func(*sql.DB)) (*Sink, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s history: %w", d.Driver, err)
	}
	if tune != nil {
		tune(db)
	}
	s := &Sink{db: db, dialect: d, insert: insertStmt(d)}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s history table: %w", d.Driver, err)
	}
	return s, nil
}

func insertStmt(d Dialect) string {
	binds := make([]string, len(columns))
	for i := range columns {
		binds[i] = d.Bind(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s)", Table, strings.Join(columns, ", "), strings.Join(binds, ", "))
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
		occurred_at %s NOT NULL,
		type TEXT NOT NULL,
		pid INTEGER NOT NULL,
		state TEXT NOT NULL,
		root TEXT,
		platform TEXT,
		outcome TEXT,
		message TEXT,
		error TEXT
	)`, Table, s.dialect.TimestampType)
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(), string(e.Type), rec.PID, rec.State,
		nullable(rec.Root), nullable(rec.Platform), nullable(rec.Outcome),
		nullable(rec.Message), nullable(rec.Error))
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Type, err)
	}
	return nil
}

// Count returns the number of stored events of type t ("" for all).
func (s *Sink) Count(ctx context.Context, t history.EventType) (int, error) {
	q := "SELECT COUNT(*) FROM " + Table
	var args []any
	if t != "" {
		q += " WHERE type = " + s.dialect.Bind(1)
		args = append(args, string(t))
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY occurred_at DESC LIMIT %s",
		strings.Join(columns, ", "), Table, s.dialect.Bind(1))
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e                                         history.Event
			typ                                       string
			at                                        time.Time
			root, platform, outcome, message, errText sql.NullString
		)
		if scanErr := rows.Scan(&at, &typ, &e.Record.PID, &e.Record.State,
			&root, &platform, &outcome, &message, &errText); scanErr != nil {
			return nil, scanErr
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = at.UTC()
		e.Record.Root = root.String
		e.Record.Platform = platform.String
		e.Record.Outcome = outcome.String
		e.Record.Message = message.String
		e.Record.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
