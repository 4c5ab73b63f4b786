package killswitch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/storage"
)

// RunnerStopper stops every active runner fleet-wide.
type RunnerStopper interface {
	StopAllActive(ctx context.Context, reason string) (int, error)
}

// Pauser is an autonomous research subsystem paused on power-off.
type Pauser interface {
	Name() string
	Pause(ctx context.Context) error
}

type PowerState struct {
	On        bool       `json:"on"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
}

// PowerChange is the outcome of SetSystemPower.
type PowerChange struct {
	PowerState
	Idempotent bool `json:"idempotent"`
}

type powerValue struct {
	On bool `json:"on"`
}

// Power is the process-wide toggle. The durable row in system_settings is the
// source of truth; each process keeps a short-lived cache that is reloaded on
// its own writes and after cacheTTL otherwise.
type Power struct {
	db       *sql.DB
	runners  RunnerStopper
	pausers  []Pauser
	cacheTTL time.Duration
	cascade  time.Duration
	logger   *slog.Logger
	events   events.Publisher
	now      func() time.Time

	mu       sync.Mutex
	cached   bool
	loadedAt time.Time
	loaded   bool

	wg sync.WaitGroup
}

type PowerOption func(*Power)

func WithPowerLogger(l *slog.Logger) PowerOption { return func(p *Power) { p.logger = l } }

func WithPowerPublisher(e events.Publisher) PowerOption { return func(p *Power) { p.events = e } }

func WithPowerNow(now func() time.Time) PowerOption { return func(p *Power) { p.now = now } }

// WithPausers registers research subsystems paused by the power-off cascade.
func WithPausers(ps ...Pauser) PowerOption {
	return func(p *Power) { p.pausers = append(p.pausers, ps...) }
}

// WithCascadeTimeout bounds the asynchronous power-off cascade.
func WithCascadeTimeout(d time.Duration) PowerOption { return func(p *Power) { p.cascade = d } }

func NewPower(db *sql.DB, runners RunnerStopper, cacheTTL time.Duration, opts ...PowerOption) *Power {
	p := &Power{
		db:       db,
		runners:  runners,
		cacheTTL: cacheTTL,
		cascade:  time.Minute,
		logger:   log.Get(),
		events:   events.Nop{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "power")
	return p
}

// IsOn reports whether system power is on. Power is on until first set.
func (p *Power) IsOn(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.loaded && p.now().Sub(p.loadedAt) < p.cacheTTL {
		on := p.cached
		p.mu.Unlock()
		return on, nil
	}
	p.mu.Unlock()

	st, err := p.Status(ctx)
	if err != nil {
		return false, err
	}
	p.remember(st.On)
	return st.On, nil
}

// Status reads the durable record, bypassing the cache.
func (p *Power) Status(ctx context.Context) (PowerState, error) {
	var (
		raw       string
		updatedAt string
		updatedBy string
	)
	err := p.db.QueryRowContext(ctx, `
SELECT value, updated_at, updated_by FROM system_settings WHERE key = ?;
`, storage.SettingSystemPower).Scan(&raw, &updatedAt, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return PowerState{On: true}, nil
	}
	if err != nil {
		return PowerState{}, apperr.Fatal(err, "read system power")
	}
	var v powerValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return PowerState{}, apperr.Fatal(err, "decode system power")
	}
	st := PowerState{On: v.On, UpdatedBy: updatedBy}
	if t, err := storage.ParseTime(updatedAt); err == nil {
		st.UpdatedAt = &t
	}
	return st, nil
}

// SetSystemPower persists the toggle. Switching off starts an asynchronous
// cascade that stops every active runner and pauses research subsystems;
// switching on resumes nothing.
func (p *Power) SetSystemPower(ctx context.Context, on bool, actor string) (PowerChange, error) {
	if strings.TrimSpace(actor) == "" {
		return PowerChange{}, apperr.Validation("actor is required")
	}
	value, err := json.Marshal(powerValue{On: on})
	if err != nil {
		return PowerChange{}, apperr.Fatal(err, "encode system power")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return PowerChange{}, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	prev := true
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = ?;`, storage.SettingSystemPower).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return PowerChange{}, apperr.Fatal(err, "read system power")
	default:
		var v powerValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return PowerChange{}, apperr.Fatal(err, "decode system power")
		}
		prev = v.On
	}

	now := p.now()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO system_settings(key, value, updated_at, updated_by)
VALUES(?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at,
  updated_by = excluded.updated_by;
`, storage.SettingSystemPower, string(value), storage.FormatTime(now), actor); err != nil {
		return PowerChange{}, apperr.Fatal(err, "write system power")
	}
	if err := tx.Commit(); err != nil {
		return PowerChange{}, apperr.Fatal(err, "commit tx")
	}
	p.remember(on)

	change := PowerChange{
		PowerState: PowerState{On: on, UpdatedAt: &now, UpdatedBy: actor},
		Idempotent: prev == on,
	}
	p.logger.Warn("system power set", "on", on, "actor", actor, "idempotent", change.Idempotent)
	p.events.Publish(events.SystemPower, change)

	// A repeated OFF still cascades: runners may have been started by another
	// process since the previous write.
	if !on {
		p.startCascade()
	}
	return change, nil
}

// Wait blocks until in-flight power-off cascades finish.
func (p *Power) Wait() { p.wg.Wait() }

func (p *Power) startCascade() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cascade)
		defer cancel()
		if err := p.cascadeOff(ctx); err != nil {
			p.logger.Error("power-off cascade incomplete", "error", err)
		}
	}()
}

func (p *Power) cascadeOff(ctx context.Context) error {
	// One failed step must not cancel the others.
	var g errgroup.Group
	if p.runners != nil {
		g.Go(func() error {
			n, err := p.runners.StopAllActive(ctx, runner.StopPowerOff)
			if err != nil {
				return err
			}
			p.logger.Info("power-off stopped runners", "count", n)
			return nil
		})
	}
	for _, ps := range p.pausers {
		g.Go(func() error {
			if err := ps.Pause(ctx); err != nil {
				p.logger.Error("pause failed", "subsystem", ps.Name(), "error", err)
				return err
			}
			p.logger.Info("paused subsystem", "subsystem", ps.Name())
			return nil
		})
	}
	return g.Wait()
}

func (p *Power) remember(on bool) {
	p.mu.Lock()
	p.cached = on
	p.loadedAt = p.now()
	p.loaded = true
	p.mu.Unlock()
}
