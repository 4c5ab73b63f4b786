package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// EnvActor names the operator for mutating commands when --actor is absent.
const EnvActor = "WARDEN_ACTOR"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			fmt.Println("Usage: warden start [--config PATH]")
			fmt.Println("Run the background loops and, when enabled, the API server in the foreground.")
			return 0
		}
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "bot":
		return runBotNoun(args)
	case "approval":
		return runApprovalNoun(args)
	case "job":
		return runJobNoun(args)
	case "runner":
		return runRunnerNoun(args)
	case "system":
		return runSystemNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `warden - lifecycle, safety and governance control plane for trading bots

Usage:
  warden <noun> <action> [flags]

Service:
  start                 Run loops and API server in the foreground
  watch                 Live fleet dashboard (reads the API)

Resources:
  bot        register, list, status, promote, demote, kill, resurrect, lock, unlock
  approval   request, list, approve, reject, withdraw, expire
  job        enqueue, show, stuck, sweep
  runner     start, stop, list
  system     status, power, research, supervise, blocker, selftest
  config     check

General:
  version [--json]      Show version information
  help                  Show this help message

Common flags:
  --config PATH   Config file or directory (default: discovered)
  --actor NAME    Operator recorded on mutating commands (default: $WARDEN_ACTOR, then $USER)
  --json          Machine-readable output where supported

Use 'warden <noun> help' for actions and flags.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}
	fmt.Printf("warden %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{Version: strings.TrimSpace(version), Commit: "unknown", BuildTime: "unknown"}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// --- shared flag handling ---

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// commonFlags are accepted by every resource command.
type commonFlags struct {
	config string
	actor  string
	json   bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	c := &commonFlags{}
	fs.StringVar(&c.config, "config", "", "Path to configuration file or directory")
	fs.StringVar(&c.actor, "actor", "", "Operator recorded on the change")
	fs.BoolVar(&c.json, "json", false, "Output as JSON")
	return fs, c
}

// parseArgs parses flags that may appear before, between or after positional
// arguments and returns the positionals in order.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func (c *commonFlags) resolveActor() (string, error) {
	for _, v := range []string{c.actor, os.Getenv(EnvActor), os.Getenv("USER")} {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no actor: pass --actor or set %s", EnvActor)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

// withComponents loads config, opens the state database and runs fn against
// the wired orchestrator. One-shot commands log warnings and above to stderr.
func withComponents(flags *commonFlags, fn func(ctx context.Context, c *components) int) int {
	cfg, err := loadConfig(flags.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter("warn", os.Stderr)

	ctx := context.Background()
	c, err := openComponents(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

// fail prints err with its code and hint and returns the exit code for its
// kind: 2 for rejected requests, 1 otherwise.
func fail(err error) int {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", styles.bad.Render("Error ["+string(ae.Code)+"]:"), ae.Message)
	if len(ae.Reasons) > 0 {
		fmt.Fprintf(os.Stderr, "  reasons: %s\n", strings.Join(ae.Reasons, ", "))
	}
	if ae.Hint != "" {
		fmt.Fprintf(os.Stderr, "  hint: %s\n", ae.Hint)
	}
	switch ae.Kind {
	case apperr.KindFatal, apperr.KindTransient:
		return 1
	default:
		return 2
	}
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func usageError(usage string) int {
	fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
	return 1
}
