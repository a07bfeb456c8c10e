package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/cipherhost/internal/history/sqlsink"
)

var dialect = sqlsink.Dialect{
	Driver:        "sqlite",
	TimestampType: "DATETIME",
	Bind:          func(int) string { return "?" },
}

// Sink writes history events to a SQLite file or in-memory database.
type Sink struct {
	*sqlsink.Sink
}

// New opens a SQLite history sink. Accepted forms are "sqlite:///path.db",
// "sqlite://:memory:", a bare path and ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	s, err := sqlsink.Open(dialect, dsn, func(db *sql.DB) {
		// one connection keeps ":memory:" alive across statements
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &Sink{Sink: s}, nil
}
