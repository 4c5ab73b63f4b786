package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/warden/internal/api"
	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/lock"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/tui/watch"
	"github.com/mattjoyce/warden/internal/webhook"
)

// EnvToken is read by commands that talk to the API.
const EnvToken = "WARDEN_TOKEN"

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	fingerprint, err := config.Fingerprint(cfg)
	if err != nil {
		logger.Error("failed to fingerprint config", "error", err)
		return 1
	}
	logger.Info("warden starting", "version", version, "config", *configPath,
		"instance", cfg.Service.Instance, "config_fingerprint", fingerprint)

	lockPath := lock.PathFor(cfg.State.Path)
	instanceLock, err := lock.Acquire(lockPath, cfg.Service.Instance)
	if err != nil {
		logger.Error("failed to acquire instance lock (another warden may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer func() { _ = instanceLock.Release() }()
	logger.Info("acquired instance lock", "path", lockPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := openComponents(ctx, cfg)
	if err != nil {
		logger.Error("failed to open orchestrator", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer func() { _ = c.Close() }()
	logger.Info("database opened", "path", cfg.State.Path)

	loops, err := c.loops(logger)
	if err != nil {
		logger.Error("failed to build loops", "error", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error {
			err := l.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	forwarder := events.NewForwarder(c.hub, notificationSink(cfg), cfg.Notify.DeliverTimeout, log.WithComponent("notify"))
	g.Go(func() error {
		err := forwarder.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.API.Enabled {
		server := api.New(apiConfig(cfg), c.services(), log.WithComponent("api"))
		g.Go(func() error {
			err := server.Start(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("warden running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("warden stopped")
	return 0
}

// notificationSink posts to the configured webhook, or logs each event when
// none is configured.
func notificationSink(cfg *config.Config) events.Sink {
	if cfg.Notify.WebhookURL != "" {
		return webhook.NewSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret)
	}
	logger := log.WithComponent("notify")
	return events.SinkFunc(func(_ context.Context, ev events.Event) error {
		logger.Info("notification", "event_id", ev.ID, "type", ev.Type, "data", string(ev.Data))
		return nil
	})
}

func runWatch(args []string) int {
	if hasHelpFlag(args) {
		fmt.Println("Usage: warden watch [--api-url URL] [--token TOKEN] [--bot IDS] [--type TYPES]")
		fmt.Println("Live fleet dashboard: health, per-bot activity and the event stream.")
		fmt.Println("The token needs system:ro and events:ro. Keys: q quits, up/down select a bot.")
		return 0
	}
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "warden API URL")
	token := fs.String("token", os.Getenv(EnvToken), "API bearer token (or "+EnvToken+")")
	botIDs := fs.String("bot", "", "Only events of these bots (comma-separated)")
	types := fs.String("type", "", "Only these event types; a trailing '.' matches a family, e.g. job.")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *token == "" {
		fmt.Fprintf(os.Stderr, "Error: API token required. Use --token or %s.\n", EnvToken)
		return 1
	}

	filter := events.ParseFilter(url.Values{"bot_id": {*botIDs}, "type": {*types}})
	p := tea.NewProgram(watch.New(*apiURL, *token, filter))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
