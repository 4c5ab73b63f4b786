// Package scheduler runs the orchestrator's independent periodic loops and
// records when each last ticked, so liveness can be judged across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Well-known loop names.
const (
	LoopTimeoutSupervisor = "timeout-supervisor"
	LoopSupervisor        = "supervisor"
	LoopGovernanceExpiry  = "governance-expiry"
)

// TickFunc performs one pass. Errors are logged and recorded; the loop keeps
// running.
type TickFunc func(ctx context.Context) error

// Recorder persists tick liveness.
type Recorder interface {
	RecordTick(ctx context.Context, name, instance string, at time.Time, tickErr error) error
}

// Loop runs a TickFunc on a fixed interval with an immediate first tick.
type Loop struct {
	name     string
	interval time.Duration
	jitter   time.Duration
	tick     TickFunc
	recorder Recorder
	instance string
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	ticks    atomic.Int64
}

type LoopOption func(*Loop)

func WithRecorder(r Recorder) LoopOption {
	return func(l *Loop) { l.recorder = r }
}

// WithInstance overrides the process instance id recorded with each tick.
func WithInstance(id string) LoopOption {
	return func(l *Loop) { l.instance = id }
}

// WithJitter delays the start of the loop by a random amount up to jitter so
// that several server instances do not tick in lockstep.
func WithJitter(jitter time.Duration) LoopOption {
	return func(l *Loop) { l.jitter = jitter }
}

func WithNow(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a loop. interval must be positive.
func NewLoop(name string, interval time.Duration, tick TickFunc, logger *slog.Logger, opts ...LoopOption) (*Loop, error) {
	if name == "" {
		return nil, errors.New("loop name is empty")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("loop %s: interval must be positive", name)
	}
	if tick == nil {
		return nil, fmt.Errorf("loop %s: tick func is nil", name)
	}
	l := &Loop{
		name:     name,
		interval: interval,
		tick:     tick,
		instance: DefaultInstanceID(),
		logger:   logger.With("component", "scheduler", "loop", name),
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Loop) Name() string { return l.name }

// Ticks returns the number of completed passes.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }

// Start runs the loop in a goroutine until Stop or ctx cancellation.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = l.run(ctx)
	}()
}

// Run blocks until Stop or ctx cancellation. It returns ctx.Err() when the
// context ended the loop and nil after Stop.
func (l *Loop) Run(ctx context.Context) error {
	l.wg.Add(1)
	defer l.wg.Done()
	return l.run(ctx)
}

// Stop ends the loop and waits for the in-flight tick to return.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	l.logger.Info("loop stopped", "ticks", l.Ticks())
}

func (l *Loop) run(ctx context.Context) error {
	l.logger.Info("loop starting", "interval", l.interval.String(), "instance", l.instance)

	if l.jitter > 0 {
		delay := time.Duration(rand.Int63n(l.jitter.Nanoseconds()))
		select {
		case <-time.After(delay):
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.runTick(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runTick(ctx)
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			l.logger.Debug("loop context cancelled")
			return ctx.Err()
		}
	}
}

// TickOnce runs a single pass synchronously, recording liveness as the loop
// would. Used by on-demand triggers (RunSupervisorTick, TimeoutSweep).
func (l *Loop) TickOnce(ctx context.Context) error {
	return l.runTick(ctx)
}

func (l *Loop) runTick(ctx context.Context) (err error) {
	started := l.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
		if err != nil {
			l.logger.Error("tick failed", "error", err)
		} else {
			l.logger.Debug("tick complete", "duration_ms", l.now().Sub(started).Milliseconds())
		}
		l.ticks.Add(1)
		if l.recorder != nil {
			if rerr := l.recorder.RecordTick(ctx, l.name, l.instance, l.now(), err); rerr != nil {
				l.logger.Error("failed to record loop liveness", "error", rerr)
			}
		}
	}()
	return l.tick(ctx)
}

// DefaultInstanceID identifies this process among several sharing a database.
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
