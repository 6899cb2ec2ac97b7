// Package store keeps a local history of scan and delete runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"threadsweep/internal/batch"
	"threadsweep/internal/thread"
)

// Run summarizes one scan/delete run.
type Run struct {
	ID        string    `json:"runId"`
	Site      string    `json:"site"`
	ScannedAt time.Time `json:"scannedAt"`
	Threads   int       `json:"threads"`
	Deleted   int       `json:"deleted"`
	Failed    int       `json:"failed"`
}

// Outcome is one recorded delete attempt.
type Outcome struct {
	RunID    string    `json:"runId"`
	ThreadID string    `json:"threadId"`
	OK       bool      `json:"ok"`
	DryRun   bool      `json:"dryRun"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// SQLiteStore is the run ledger.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=5000")

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	site       TEXT NOT NULL DEFAULT '',
	scanned_at INTEGER NOT NULL,
	threads    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scanned_threads (
	run_id          TEXT NOT NULL,
	thread_id       TEXT NOT NULL,
	participants    TEXT NOT NULL DEFAULT '',
	is_group        INTEGER NOT NULL DEFAULT 0,
	unread          INTEGER NOT NULL DEFAULT 0,
	last_activity   INTEGER NOT NULL DEFAULT 0,
	snippet         TEXT NOT NULL DEFAULT '',
	has_attachments INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, thread_id)
);

CREATE TABLE IF NOT EXISTS outcomes (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	ok        INTEGER NOT NULL,
	dry_run   INTEGER NOT NULL DEFAULT 0,
	error     TEXT NOT NULL DEFAULT '',
	at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordScan stores the threads a scan found. Scanning the same run again
// replaces its thread rows.
func (s *SQLiteStore) RecordScan(ctx context.Context, runID, site string, recs []thread.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, site, scanned_at, threads) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			site       = excluded.site,
			scanned_at = excluded.scanned_at,
			threads    = excluded.threads
	`, runID, site, s.now().UnixMilli(), len(recs))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM scanned_threads WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("clear run threads: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scanned_threads
			(run_id, thread_id, participants, is_group, unread, last_activity, snippet, has_attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		var (
			last    int64
			snippet string
		)
		if r.LastActivityTs != nil {
			last = *r.LastActivityTs
		}
		if r.LastSnippet != nil {
			snippet = *r.LastSnippet
		}
		_, err := stmt.ExecContext(ctx, runID, r.ID, strings.Join(r.Participants, "; "),
			r.IsGroup, r.Unread, last, snippet, r.HasAttachments)
		if err != nil {
			return fmt.Errorf("record thread %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// RecordOutcome appends one delete attempt.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, runID string, p batch.Progress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (run_id, thread_id, ok, dry_run, error, at) VALUES (?, ?, ?, ?, ?, ?)
	`, runID, p.ID, p.OK, p.DryRun, p.Error, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Runs lists recent runs, newest first. limit <= 0 means all.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.site, r.scanned_at, r.threads,
			COALESCE(SUM(CASE WHEN o.ok = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN o.ok = 0 THEN 1 ELSE 0 END), 0)
		FROM runs r
		LEFT JOIN outcomes o ON o.run_id = r.run_id
		GROUP BY r.run_id
		ORDER BY r.scanned_at DESC, r.rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r  Run
			at int64
		)
		if err := rows.Scan(&r.ID, &r.Site, &at, &r.Threads, &r.Deleted, &r.Failed); err != nil {
			return nil, err
		}
		r.ScannedAt = time.UnixMilli(at)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Outcomes lists the delete attempts of one run in the order they finished.
func (s *SQLiteStore) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, thread_id, ok, dry_run, error, at FROM outcomes
		WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o  Outcome
			at int64
		)
		if err := rows.Scan(&o.RunID, &o.ThreadID, &o.OK, &o.DryRun, &o.Error, &at); err != nil {
			return nil, err
		}
		o.At = time.UnixMilli(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ThreadCount returns how many threads a run recorded.
func (s *SQLiteStore) ThreadCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scanned_threads WHERE run_id = ?", runID).Scan(&n)
	return n, err
}
