package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/cipherhost/internal/history"
)

// DefaultTable is used when the DSN names no table.
const DefaultTable = "backend_history"

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options selects the server and destination table.
type Options struct {
	Addr     string // host:port, native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink appends lifecycle events to a MergeTree table.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the table if missing.
func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !identRE.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect ClickHouse %s: %w", opts.Addr, err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse %s: %w", opts.Addr, err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.conn.Exec(ctx, s.createStmt()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return s, nil
}

func (s *Sink) createStmt() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(6),
		type LowCardinality(String),
		pid Int64,
		state LowCardinality(String),
		root String,
		platform LowCardinality(String),
		outcome LowCardinality(String),
		message String,
		error String
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, type)`, s.table)
}

// Send appends one row through a single-row batch.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare ClickHouse batch: %w", err)
	}
	rec := e.Record
	if err := batch.Append(
		e.OccurredAt,
		string(e.Type),
		int64(rec.PID),
		rec.State,
		rec.Root,
		rec.Platform,
		rec.Outcome,
		rec.Message,
		rec.Error,
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert %s event into ClickHouse: %w", e.Type, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
