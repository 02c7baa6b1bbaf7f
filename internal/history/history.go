// Package history persists finished measurement runs and traces in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindThroughput Kind = "throughput"
	KindTrace      Kind = "trace"
)

// Entry is one stored run. Detail holds the final published state as JSON.
type Entry struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Subject    string          `json:"subject"`
	Status     string          `json:"status"`
	Summary    string          `json:"summary"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	subject     TEXT NOT NULL,
	status      TEXT NOT NULL,
	summary     TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	detail      TEXT
);
CREATE INDEX IF NOT EXISTS runs_kind_finished ON runs (kind, finished_at DESC);
`

type Store struct {
	db    *sql.DB
	limit int
}

// Open opens or creates the database at path. ":memory:" keeps it in memory.
// limit bounds how many rows of each kind are retained; zero keeps all.
func Open(path string, limit int) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open history %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create history schema")
	}
	return &Store{db: db, limit: limit}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores entry, replacing any row with the same id, and prunes the
// oldest rows of the same kind past the retention limit.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		return errors.New("history entry id must not be empty")
	}
	var detail any
	if len(entry.Detail) > 0 {
		detail = string(entry.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, kind, subject, status, summary, started_at, finished_at, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Kind), entry.Subject, entry.Status, entry.Summary,
		entry.StartedAt.UnixMilli(), entry.FinishedAt.UnixMilli(), detail)
	if err != nil {
		return errors.Wrapf(err, "record %s run %s", entry.Kind, entry.ID)
	}
	if s.limit > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM runs WHERE kind = ? AND id NOT IN (
				SELECT id FROM runs WHERE kind = ? ORDER BY finished_at DESC LIMIT ?)`,
			string(entry.Kind), string(entry.Kind), s.limit)
		if err != nil {
			return errors.Wrap(err, "prune history")
		}
	}
	return nil
}

// List returns the newest entries first. An empty kind lists every kind.
func (s *Store) List(ctx context.Context, kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, kind, subject, status, summary, started_at, finished_at, detail FROM runs`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list history")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			entry             Entry
			kindText          string
			started, finished int64
			detail            sql.NullString
		)
		if err := rows.Scan(&entry.ID, &kindText, &entry.Subject, &entry.Status, &entry.Summary, &started, &finished, &detail); err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		entry.Kind = Kind(kindText)
		entry.StartedAt = time.UnixMilli(started)
		entry.FinishedAt = time.UnixMilli(finished)
		if detail.Valid {
			entry.Detail = json.RawMessage(detail.String)
		}
		entries = append(entries, entry)
	}
	return entries, errors.Wrap(rows.Err(), "iterate history")
}

// Get returns the entry with id, or false when absent.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, subject, status, summary, started_at, finished_at, detail FROM runs WHERE id = ?`, id)
	var (
		entry             Entry
		kindText          string
		started, finished int64
		detail            sql.NullString
	)
	err := row.Scan(&entry.ID, &kindText, &entry.Subject, &entry.Status, &entry.Summary, &started, &finished, &detail)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "get history")
	}
	entry.Kind = Kind(kindText)
	entry.StartedAt = time.UnixMilli(started)
	entry.FinishedAt = time.UnixMilli(finished)
	if detail.Valid {
		entry.Detail = json.RawMessage(detail.String)
	}
	return entry, true, nil
}
