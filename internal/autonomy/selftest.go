package autonomy

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/storage"
)

// SelfTestLog records risk-engine self-test outcomes and implements
// RiskSelfTest over them.
type SelfTestLog struct {
	db  *sql.DB
	now func() time.Time
}

func NewSelfTestLog(db *sql.DB) *SelfTestLog {
	return &SelfTestLog{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (l *SelfTestLog) Record(ctx context.Context, passed bool, detail string) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO risk_selftest_runs(passed, detail, created_at) VALUES(?, ?, ?);
`, passed, detail, storage.FormatTime(l.now()))
	if err != nil {
		return apperr.Fatal(err, "record self-test")
	}
	return nil
}

// ConsecutivePasses counts passing runs since the most recent failure.
func (l *SelfTestLog) ConsecutivePasses(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM risk_selftest_runs
WHERE passed = 1
  AND id > COALESCE((SELECT MAX(id) FROM risk_selftest_runs WHERE passed = 0), 0);
`).Scan(&n)
	if err != nil {
		return 0, apperr.Fatal(err, "count self-test passes")
	}
	return n, nil
}

// StaticIntegrations is an IntegrationRegistry backed by configuration.
type StaticIntegrations map[string]bool

func (s StaticIntegrations) IsConfigured(name string) bool {
	return s[name]
}
