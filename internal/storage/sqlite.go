package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the fixed-width UTC layout every timestamp column uses, so
// that string comparison in SQL orders the same way time does.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	// Conditional updates across processes rely on SQLite's file locks.
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// dsn applies pragmas per connection; a plain PRAGMA statement would only
// reach whichever pooled connection happened to run it.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// BootstrapSQLite creates tables, indexes and append-only triggers if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
  id                         TEXT PRIMARY KEY,
  account_id                 TEXT NOT NULL DEFAULT '',
  stage                      TEXT NOT NULL,
  stage_updated_at           TEXT NOT NULL,
  stage_locked_until         TEXT,
  promotion_mode             TEXT NOT NULL DEFAULT 'MANUAL',
  killed_at                  TEXT,
  kill_reason                TEXT,
  current_runner_instance_id TEXT,
  created_at                 TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS jobs (
  id                TEXT PRIMARY KEY,
  bot_id            TEXT NOT NULL REFERENCES bots(id),
  job_type          TEXT NOT NULL,
  status            TEXT NOT NULL,
  priority          INTEGER NOT NULL DEFAULT 0,
  payload           JSON,
  result            JSON,
  created_at        TEXT NOT NULL,
  started_at        TEXT,
  completed_at      TEXT,
  last_heartbeat_at TEXT,
  attempts          INTEGER NOT NULL DEFAULT 0,
  error_message     TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id            TEXT PRIMARY KEY,
  job_id        TEXT NOT NULL,
  bot_id        TEXT NOT NULL,
  job_type      TEXT NOT NULL,
  status        TEXT NOT NULL,
  attempts      INTEGER NOT NULL,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT NOT NULL,
  error_message TEXT
);`,
		`CREATE TABLE IF NOT EXISTS runner_instances (
  id                TEXT PRIMARY KEY,
  bot_id            TEXT NOT NULL REFERENCES bots(id),
  account_id        TEXT NOT NULL,
  execution_mode    TEXT NOT NULL,
  status            TEXT NOT NULL,
  is_primary        INTEGER NOT NULL DEFAULT 0,
  started_by        TEXT NOT NULL,
  started_at        TEXT NOT NULL,
  stopped_at        TEXT,
  stop_reason       TEXT,
  last_heartbeat_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS kill_events (
  id          TEXT PRIMARY KEY,
  bot_id      TEXT NOT NULL REFERENCES bots(id),
  type        TEXT NOT NULL,
  actor       TEXT NOT NULL,
  reason_code TEXT NOT NULL,
  trace_id    TEXT,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS governance_approvals (
  id                  TEXT PRIMARY KEY,
  bot_id              TEXT NOT NULL REFERENCES bots(id),
  action              TEXT NOT NULL,
  from_stage          TEXT NOT NULL,
  to_stage            TEXT NOT NULL,
  status              TEXT NOT NULL,
  requested_by        TEXT NOT NULL,
  reviewed_by         TEXT,
  request_reason      TEXT NOT NULL,
  review_reason       TEXT,
  evidence            JSON,
  created_at          TEXT NOT NULL,
  expires_at          TEXT NOT NULL,
  reviewed_at         TEXT,
  approval_token_hash TEXT,
  token_issued_at     TEXT,
  consumed_at         TEXT,
  CHECK (reviewed_by IS NULL OR reviewed_by <> requested_by)
);`,
		`CREATE TABLE IF NOT EXISTS bot_stage_changes (
  id           TEXT PRIMARY KEY,
  bot_id       TEXT NOT NULL REFERENCES bots(id),
  from_stage   TEXT NOT NULL,
  to_stage     TEXT NOT NULL,
  decision     TEXT NOT NULL,
  reason_codes JSON NOT NULL DEFAULT '[]',
  triggered_by TEXT NOT NULL,
  approval_id  TEXT,
  created_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS system_settings (
  key        TEXT PRIMARY KEY,
  value      JSON NOT NULL,
  updated_at TEXT NOT NULL,
  updated_by TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS loop_heartbeats (
  name         TEXT NOT NULL,
  instance     TEXT NOT NULL,
  last_tick_at TEXT NOT NULL,
  last_error   TEXT,
  PRIMARY KEY (name, instance)
);`,
		`CREATE TABLE IF NOT EXISTS autonomy_blockers (
  id          TEXT PRIMARY KEY,
  code        TEXT NOT NULL,
  severity    TEXT NOT NULL,
  detail      TEXT NOT NULL DEFAULT '',
  raised_by   TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  resolved_at TEXT,
  resolved_by TEXT
);`,
		`CREATE TABLE IF NOT EXISTS risk_selftest_runs (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  passed     INTEGER NOT NULL,
  detail     TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs(status, priority DESC, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS jobs_bot_type_status_idx ON jobs(bot_id, job_type, status);`,
		`CREATE INDEX IF NOT EXISTS job_log_completed_at_idx ON job_log(completed_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS runner_instances_one_primary_idx ON runner_instances(bot_id) WHERE is_primary = 1;`,
		`CREATE INDEX IF NOT EXISTS runner_instances_status_idx ON runner_instances(status);`,
		`CREATE INDEX IF NOT EXISTS kill_events_bot_idx ON kill_events(bot_id, created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS governance_one_pending_idx ON governance_approvals(bot_id) WHERE status = 'PENDING';`,
		`CREATE INDEX IF NOT EXISTS governance_token_hash_idx ON governance_approvals(approval_token_hash);`,
		`CREATE INDEX IF NOT EXISTS bot_stage_changes_bot_idx ON bot_stage_changes(bot_id, created_at);`,
	}
	for _, table := range []string{"kill_events", "bot_stage_changes"} {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_no_update BEFORE UPDATE ON %[1]s
BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END;`, table),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_no_delete BEFORE DELETE ON %[1]s
BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END;`, table),
		)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FormatTimePtr renders an optional time as a bind value (nil stays NULL).
func FormatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// ParseTime parses a stored timestamp. RFC3339 variants are accepted for rows
// written by hand.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseNullTime parses a nullable timestamp column. Unparseable values are
// treated as absent.
func ParseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// NullString returns a *string for a nullable text column.
func NullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
