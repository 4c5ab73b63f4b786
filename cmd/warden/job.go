package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mattjoyce/warden/internal/queue"
)

func printJobNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: warden job <action> [flags]

Actions:
  enqueue <bot> --type TYPE [--priority N] [--force]   TYPE: BACKTESTER, EVOLVING, IMPROVING, RUNNER
  show <id>
  stuck [--threshold DURATION]                         RUNNING jobs without a recent sign of life
  sweep [--threshold DURATION]                         Time out stuck jobs now
`)
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "enqueue":
		return runJobEnqueue(actionArgs)
	case "show":
		return runJobShow(actionArgs)
	case "stuck":
		return runJobStuck(actionArgs, false)
	case "sweep":
		return runJobStuck(actionArgs, true)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runJobEnqueue(args []string) int {
	fs, common := newFlagSet("job enqueue")
	typ := fs.String("type", "", "Job type")
	priority := fs.Int("priority", 0, "Higher runs first")
	force := fs.Bool("force", false, "Skip the one-active-job-per-type guard")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || *typ == "" {
		return usageError("warden job enqueue <bot> --type TYPE [--priority N] [--force]")
	}
	jobType, err := queue.ParseJobType(*typ)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		id, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{BotID: pos[0], Type: jobType, Priority: *priority, Force: *force})
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"job_id": id, "bot_id": pos[0], "job_type": jobType})
		}
		fmt.Printf("Enqueued %s job %s for %s\n", jobType, id, pos[0])
		return 0
	})
}

func runJobShow(args []string) int {
	fs, common := newFlagSet("job show")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		return usageError("warden job show <id>")
	}
	return withComponents(common, func(ctx context.Context, c *components) int {
		job, err := c.queue.Get(ctx, pos[0])
		if err != nil {
			return fail(err)
		}
		return printJSON(job)
	})
}

// runJobStuck lists stuck jobs, or with sweep moves them to TIMEOUT.
func runJobStuck(args []string, sweep bool) int {
	name := "job stuck"
	if sweep {
		name = "job sweep"
	}
	fs, common := newFlagSet(name)
	threshold := fs.Duration("threshold", 0, "Silence before a job counts as stuck (default: jobs.timeout_threshold)")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		th := *threshold
		if th <= 0 {
			th = c.cfg.Jobs.TimeoutThreshold
		}
		var (
			jobs []*queue.Job
			err  error
		)
		if sweep {
			jobs, err = c.queue.TimeoutSweep(ctx, th)
		} else {
			jobs, err = c.queue.ScanStuck(ctx, th)
		}
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"threshold": th.String(), "jobs": jobs})
		}

		now := time.Now().UTC()
		rows := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			rows = append(rows, []string{j.ID, j.BotID, string(j.Type), strconv.Itoa(j.Attempts), ago(j.LastSignOfLife(), now)})
		}
		if sweep {
			fmt.Printf("Timed out %d job(s) silent for more than %s\n", len(jobs), th)
		}
		if len(rows) > 0 {
			fmt.Print(table([]string{"JOB", "BOT", "TYPE", "ATTEMPTS", "LAST SIGN OF LIFE"}, rows))
		} else if !sweep {
			fmt.Println("No stuck jobs")
		}
		return 0
	})
}
