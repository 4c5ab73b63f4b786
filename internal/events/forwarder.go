package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sink is an external notification channel (chat, SMS, pager). Deliveries are
// best effort: an error is logged and the event is dropped.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Forwarder drains a hub subscription into a Sink, one event at a time.
type Forwarder struct {
	hub     *Hub
	sink    Sink
	timeout time.Duration
	filter  func(Event) bool
	logger  *slog.Logger
}

func NewForwarder(hub *Hub, sink Sink, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Forwarder{
		hub:     hub,
		sink:    sink,
		timeout: timeout,
		logger:  logger.With("component", "notify"),
	}
}

// OnlyTypes restricts forwarding to the listed event types.
func (f *Forwarder) OnlyTypes(types ...string) *Forwarder {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	f.filter = func(ev Event) bool {
		_, ok := allowed[ev.Type]
		return ok
	}
	return f
}

// Run forwards until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ch, cancel := f.hub.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if f.filter != nil && !f.filter(ev) {
				continue
			}
			if err := f.deliver(ctx, ev); err != nil {
				f.logger.Warn("notification delivery failed", "event_id", ev.ID, "type", ev.Type, "error", err)
			}
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	dctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.sink.Notify(dctx, ev)
}
