// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"

	berrors "github.com/jllopis/bastion/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteSink persists ledger entries in an append-only SQLite table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at path and returns a sink.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteSink(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSink wraps db and ensures the schema exists.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	if db == nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "db is nil", nil)
	}
	if err := ensureLedgerSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Record inserts a single entry.
func (s *SQLiteSink) Record(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			entry_id, run_id, iteration, kind, tool, success, security_validated, details_json, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.RunID,
		e.Iteration,
		string(e.Kind),
		e.Tool,
		e.Success,
		e.SecurityValidated,
		string(details),
		e.Timestamp.UTC(),
	)
	return err
}

// List returns entries matching the filter in insertion order.
func (s *SQLiteSink) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `
		SELECT entry_id, run_id, iteration, kind, tool, success, security_validated, details_json, recorded_at
		FROM ledger_entries
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if f.RunID != "" {
		addFilter("run_id = ?", f.RunID)
	}
	if f.Kind != "" {
		addFilter("kind = ?", string(f.Kind))
	}
	if f.Tool != "" {
		addFilter("tool = ?", f.Tool)
	}
	query += where + " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			details sql.NullString
			at      sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Iteration, &kind, &e.Tool, &e.Success, &e.SecurityValidated, &details, &at); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if details.Valid && details.String != "" && details.String != "null" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		if at.Valid {
			e.Timestamp = at.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func ensureLedgerSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL UNIQUE,
			run_id TEXT,
			iteration INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			tool TEXT,
			success BOOLEAN NOT NULL,
			security_validated BOOLEAN NOT NULL,
			details_json TEXT,
			recorded_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_run ON ledger_entries(run_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_kind ON ledger_entries(kind);
		CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
			BEFORE UPDATE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
		CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
			BEFORE DELETE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	`)
	return err
}
