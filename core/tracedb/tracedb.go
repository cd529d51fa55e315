// Package tracedb archives evaluation traces in a SQLite database.
package tracedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/lo"

	nickel "github.com/giacomocariello/nickel/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	id                  TEXT PRIMARY KEY,
	op                  TEXT NOT NULL,
	entry               TEXT NOT NULL,
	path                TEXT NOT NULL,
	result              TEXT,
	meta                TEXT,
	error               TEXT NOT NULL DEFAULT '',
	error_kind          TEXT NOT NULL DEFAULT '',
	thunk_evals         INTEGER NOT NULL,
	memo_hits           INTEGER NOT NULL,
	black_holes         INTEGER NOT NULL,
	contract_checks     INTEGER NOT NULL,
	contract_violations INTEGER NOT NULL,
	created_at          INTEGER NOT NULL,
	duration_us         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS traces_created_at ON traces(created_at);
`

// Store is a trace archive. It implements nickel.TraceSink.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trace db %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open trace db %q: %w", path, err)
	}
	// One connection: sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate trace db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func marshalOrNull(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// Save archives t. Saving the same trace ID twice replaces the row.
func (s *Store) Save(ctx context.Context, t *nickel.Trace) error {
	result, err := marshalOrNull(t.Result)
	if err != nil {
		return fmt.Errorf("save trace %s: result: %w", t.ID, err)
	}
	var meta sql.NullString
	if t.Meta != nil {
		if meta, err = marshalOrNull(t.Meta); err != nil {
			return fmt.Errorf("save trace %s: meta: %w", t.ID, err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO traces (
	id, op, entry, path, result, meta, error, error_kind,
	thunk_evals, memo_hits, black_holes, contract_checks, contract_violations,
	created_at, duration_us
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Op, t.Entry, strings.Join(t.Path, "."), result, meta, t.Error, t.ErrorKind,
		t.Stats.ThunkEvals, t.Stats.MemoHits, t.Stats.BlackHoles, t.Stats.ContractChecks, t.Stats.ContractViolations,
		t.Timestamp.UnixNano(), t.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("save trace %s: %w", t.ID, err)
	}
	return nil
}

// Recent returns up to n traces, oldest first.
func (s *Store) Recent(ctx context.Context, n int) ([]*nickel.Trace, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, op, entry, path, result, meta, error, error_kind,
	thunk_evals, memo_hits, black_holes, contract_checks, contract_violations,
	created_at, duration_us
FROM traces ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var out []*nickel.Trace
	for rows.Next() {
		var (
			t            nickel.Trace
			path         string
			result, meta sql.NullString
			created, dur int64
		)
		if err := rows.Scan(&t.ID, &t.Op, &t.Entry, &path, &result, &meta, &t.Error, &t.ErrorKind,
			&t.Stats.ThunkEvals, &t.Stats.MemoHits, &t.Stats.BlackHoles, &t.Stats.ContractChecks, &t.Stats.ContractViolations,
			&created, &dur); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if path != "" {
			t.Path = strings.Split(path, ".")
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
				return nil, fmt.Errorf("trace %s: result: %w", t.ID, err)
			}
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &t.Meta); err != nil {
				return nil, fmt.Errorf("trace %s: meta: %w", t.ID, err)
			}
		}
		t.Timestamp = time.Unix(0, created).UTC()
		t.Duration = time.Duration(dur) * time.Microsecond
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Chronological order.
	return lo.Reverse(out), nil
}

// Count returns the number of archived traces.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return n, nil
}

// Purge deletes every archived trace.
func (s *Store) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM traces`); err != nil {
		return fmt.Errorf("purge traces: %w", err)
	}
	return nil
}
