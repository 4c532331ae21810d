// Package history keeps an audit log of rule runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/joshsymonds/inboxrules/internal/rules"
	"github.com/joshsymonds/inboxrules/internal/runner"
)

// Store persists RunSummaries. It satisfies runner.Recorder.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has one writer; concurrent Record calls queue on this connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rule_runs (
	run_id          TEXT NOT NULL,
	rule_id         TEXT NOT NULL,
	rule_name       TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	dry_run         INTEGER NOT NULL,
	cancelled       INTEGER NOT NULL,
	truncated       INTEGER NOT NULL,
	scanned_count   INTEGER NOT NULL,
	matched_count   INTEGER NOT NULL,
	server_filter   TEXT NOT NULL DEFAULT '',
	actions_applied TEXT NOT NULL DEFAULT '{}',
	errors          TEXT NOT NULL DEFAULT '[]',
	warnings        TEXT NOT NULL DEFAULT '[]',
	started_at      TEXT NOT NULL,
	finished_at     TEXT NOT NULL,
	PRIMARY KEY (run_id, rule_id)
);

CREATE INDEX IF NOT EXISTS rule_runs_rule_finished ON rule_runs (rule_id, finished_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores s, replacing an earlier row for the same run and rule.
func (s *Store) Record(ctx context.Context, sum runner.RunSummary) error {
	actions, err := json.Marshal(sum.ActionsApplied)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	errs, err := json.Marshal(nonNil(sum.Errors))
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	warnings, err := json.Marshal(nonNil(sum.Warnings))
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_runs (run_id, rule_id, rule_name, state, dry_run, cancelled, truncated,
			scanned_count, matched_count, server_filter, actions_applied, errors, warnings, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, rule_id) DO UPDATE SET
			rule_name       = excluded.rule_name,
			state           = excluded.state,
			dry_run         = excluded.dry_run,
			cancelled       = excluded.cancelled,
			truncated       = excluded.truncated,
			scanned_count   = excluded.scanned_count,
			matched_count   = excluded.matched_count,
			server_filter   = excluded.server_filter,
			actions_applied = excluded.actions_applied,
			errors          = excluded.errors,
			warnings        = excluded.warnings,
			started_at      = excluded.started_at,
			finished_at     = excluded.finished_at
	`,
		sum.RunID, sum.RuleID, sum.RuleName, string(sum.State), sum.DryRun, sum.Cancelled, sum.Truncated,
		sum.ScannedCount, sum.MatchedCount, sum.ServerFilter, string(actions), string(errs), string(warnings),
		formatTime(sum.StartedAt), formatTime(sum.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run %s/%s: %w", sum.RunID, sum.RuleID, err)
	}
	return nil
}

// Recent returns up to limit summaries, newest first. An empty ruleID
// returns every rule.
func (s *Store) Recent(ctx context.Context, ruleID string, limit int) ([]runner.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, rule_id, rule_name, state, dry_run, cancelled, truncated, scanned_count, matched_count,
			server_filter, actions_applied, errors, warnings, started_at, finished_at
		FROM rule_runs
		WHERE ? = '' OR rule_id = ?
		ORDER BY finished_at DESC, rule_id
		LIMIT ?
	`, ruleID, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []runner.RunSummary
	for rows.Next() {
		var (
			sum                     runner.RunSummary
			state                   string
			actions, errs, warnings string
			startedAt, finishedAt   string
		)
		if err := rows.Scan(&sum.RunID, &sum.RuleID, &sum.RuleName, &state, &sum.DryRun, &sum.Cancelled,
			&sum.Truncated, &sum.ScannedCount, &sum.MatchedCount, &sum.ServerFilter,
			&actions, &errs, &warnings, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		sum.State = runner.State(state)
		sum.ActionsApplied = map[rules.ActionType]int{}
		if err := json.Unmarshal([]byte(actions), &sum.ActionsApplied); err != nil {
			return nil, fmt.Errorf("decode actions for %s: %w", sum.RuleID, err)
		}
		if err := json.Unmarshal([]byte(errs), &sum.Errors); err != nil {
			return nil, fmt.Errorf("decode errors for %s: %w", sum.RuleID, err)
		}
		if err := json.Unmarshal([]byte(warnings), &sum.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings for %s: %w", sum.RuleID, err)
		}
		if sum.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if sum.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Stored timestamps are fixed-width so that text ordering is time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ runner.Recorder = (*Store)(nil)
