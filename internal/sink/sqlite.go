// internal/sink/sqlite.go
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/gavinying/modpoll/internal/poller"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS samples (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	device TEXT    NOT NULL,
	name   TEXT    NOT NULL,
	ts     INTEGER NOT NULL,
	kind   TEXT    NOT NULL,
	value  TEXT,
	error  TEXT,
	unit   TEXT
);
CREATE INDEX IF NOT EXISTS samples_device_name_ts ON samples(device, name, ts);
`

// SQLite stores one row per reading. ts is unix milliseconds. All rows of
// one result are inserted in one transaction.
type SQLite struct {
	mu   sync.Mutex
	path string
	db   *sql.DB
}

// OpenSQLite opens (or creates) the database and its schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: sqlite open %s: %w", path, err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: sqlite schema: %w", err)
	}
	return &SQLite{path: path, db: db}, nil
}

func (s *SQLite) Name() string { return "sqlite:" + s.path }

func (s *SQLite) Write(ctx context.Context, res poller.PollResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples(device, name, ts, kind, value, error, unit) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	ts := res.At.UnixMilli()
	for _, rd := range res.Readings {
		var (
			kind  = rd.Value.Kind.String()
			value sql.NullString
			msg   sql.NullString
		)
		if rd.Err != nil {
			kind = "error"
			msg = sql.NullString{String: rd.Err.Error(), Valid: true}
		} else {
			value = sql.NullString{String: rd.Value.String(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, res.DeviceID, rd.Name, ts, kind, value, msg, rd.Unit); err != nil {
			return fmt.Errorf("insert %s: %w", rd.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
