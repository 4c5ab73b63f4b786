package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys of the system_settings rows.
const (
	SettingSystemPower    = "system_power"
	SettingResearchPaused = "research_paused"
)

// RowQuerier is satisfied by *sql.DB and *sql.Tx.
type RowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SystemPowerOn reads the durable power toggle through q. Power is on until
// first set. Called inside a write transaction it sees the latest committed
// value, since every transaction takes the write lock at BEGIN.
func SystemPowerOn(ctx context.Context, q RowQuerier) (bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = ?;`, SettingSystemPower).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read system power: %w", err)
	}
	var v struct {
		On bool `json:"on"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, fmt.Errorf("decode system power: %w", err)
	}
	return v.On, nil
}
