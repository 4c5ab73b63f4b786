package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/warden/internal/runner"
)

func printRunnerNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: warden runner <action> [flags]

Actions:
  start <bot> [--account ID] [--mode MODE] [--reason TEXT]   Needs power on, autonomy allowed, bot not killed
  stop <instance-id>
  list                                                       Running instances
`)
}

func runRunnerNoun(args []string) int {
	if len(args) < 1 {
		printRunnerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRunnerNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		return runRunnerStart(actionArgs)
	case "stop":
		return runRunnerStop(actionArgs)
	case "list":
		return runRunnerList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown runner action: %s\n", action)
		return 1
	}
}

func runRunnerStart(args []string) int {
	fs, common := newFlagSet("runner start")
	account := fs.String("account", "", "Account id (default: the bot's)")
	mode := fs.String("mode", "", "Execution mode (default: the stage's)")
	reason := fs.String("reason", "", "Why the runner is started")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		return usageError("warden runner start <bot> [--account ID] [--mode MODE] [--reason TEXT]")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		inst, err := c.runners.Start(ctx, runner.StartRequest{
			BotID: pos[0], AccountID: *account, ExecutionMode: *mode, Actor: actor, Reason: *reason,
		})
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(inst)
		}
		fmt.Printf("Started runner %s for %s (%s, job %s)\n", inst.ID, inst.BotID, inst.ExecutionMode, inst.JobID)
		return 0
	})
}

func runRunnerStop(args []string) int {
	fs, common := newFlagSet("runner stop")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		return usageError("warden runner stop <instance-id>")
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		stopped, err := c.runners.Stop(ctx, pos[0], runner.StopManual)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"id": pos[0], "stopped": stopped, "idempotent": !stopped})
		}
		if !stopped {
			fmt.Printf("Runner %s was already stopped\n", pos[0])
			return 0
		}
		fmt.Printf("Stopped runner %s; the supervisor will not restart it\n", pos[0])
		return 0
	})
}

func runRunnerList(args []string) int {
	fs, common := newFlagSet("runner list")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		list, err := c.runners.ListActive(ctx)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"runners": list})
		}
		now := time.Now().UTC()
		rows := make([][]string, 0, len(list))
		for _, r := range list {
			seen := r.LastSignOfLife()
			primary := ""
			if r.IsPrimary {
				primary = "yes"
			}
			rows = append(rows, []string{r.ID, r.BotID, r.ExecutionMode, primary, ago(&seen, now)})
		}
		fmt.Print(table([]string{"INSTANCE", "BOT", "MODE", "PRIMARY", "LAST SIGN OF LIFE"}, rows))
		return 0
	})
}
