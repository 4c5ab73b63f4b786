package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/scheduler"
)

func printSystemNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: warden system <action> [flags]

Actions:
  status                                     Power, research, autonomy, loops, queue and blockers
  power on|off                               Off stops every runner and pauses research
  research pause|resume                      Hold or release research job claims
  supervise                                  Run one supervisor reconciliation now
  blocker raise --code C --severity S [--detail TEXT]
  blocker resolve <id>
  blocker list
  selftest record --passed|--failed [--detail TEXT]
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "status":
		return runSystemStatus(actionArgs)
	case "power":
		return runSystemPower(actionArgs)
	case "research":
		return runSystemResearch(actionArgs)
	case "supervise":
		return runSystemSupervise(actionArgs)
	case "blocker":
		return runSystemBlocker(actionArgs)
	case "selftest":
		return runSystemSelfTest(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

type systemStatus struct {
	Power          killswitch.PowerState  `json:"power"`
	ResearchPaused bool                   `json:"research_paused"`
	QueueDepth     int                    `json:"queue_depth"`
	Autonomy       autonomy.Decision      `json:"autonomy"`
	Loops          []scheduler.LoopStatus `json:"loops"`
	Blockers       []autonomy.Blocker     `json:"blockers"`
}

func runSystemStatus(args []string) int {
	fs, common := newFlagSet("system status")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		var (
			st  systemStatus
			err error
		)
		if st.Power, err = c.power.Status(ctx); err != nil {
			return fail(err)
		}
		if st.ResearchPaused, err = c.queue.ResearchPaused(ctx); err != nil {
			return fail(err)
		}
		if st.QueueDepth, err = c.queue.Depth(ctx); err != nil {
			return fail(err)
		}
		for _, name := range []string{scheduler.LoopTimeoutSupervisor, scheduler.LoopGovernanceExpiry, scheduler.LoopSupervisor} {
			ls, err := c.liveness.Status(ctx, name)
			if err != nil {
				return fail(err)
			}
			st.Loops = append(st.Loops, ls)
		}
		if st.Blockers, err = c.blockers.OpenBlockers(ctx); err != nil {
			return fail(err)
		}
		st.Autonomy = c.autonomy.Evaluate(ctx)

		if common.json {
			return printJSON(st)
		}
		printSystemStatus(st, time.Now().UTC())
		return 0
	})
}

func printSystemStatus(st systemStatus, now time.Time) {
	fmt.Println(styles.title.Render("warden system status"))
	power := onOff(st.Power.On)
	if st.Power.UpdatedBy != "" {
		power += styles.dim.Render(fmt.Sprintf(" (set by %s, %s)", st.Power.UpdatedBy, ago(st.Power.UpdatedAt, now)))
	}
	fmt.Printf("  Power     : %s\n", power)
	research := styles.good.Render("running")
	if st.ResearchPaused {
		research = styles.warn.Render("paused")
	}
	fmt.Printf("  Research  : %s\n", research)
	fmt.Printf("  Queue     : %d job(s) queued or running\n", st.QueueDepth)
	fmt.Printf("  Autonomy  : %s", autonomyLabel(st.Autonomy.Status))
	if len(st.Autonomy.ReasonCodes) > 0 {
		fmt.Printf(" [%s]", strings.Join(st.Autonomy.ReasonCodes, ","))
	}
	fmt.Println()

	fmt.Println()
	fmt.Println(styles.header.Render("Checks"))
	for _, ch := range st.Autonomy.Checks {
		mark := styles.good.Render("ok  ")
		if !ch.OK {
			mark = styles.bad.Render("FAIL")
			if ch.Severity == autonomy.SeverityWarning {
				mark = styles.warn.Render("WARN")
			}
		}
		line := fmt.Sprintf("  %s %s", mark, ch.Name)
		if ch.Detail != "" {
			line += styles.dim.Render(": " + ch.Detail)
		}
		fmt.Println(line)
	}

	fmt.Println()
	fmt.Println(styles.header.Render("Loops"))
	rows := make([][]string, 0, len(st.Loops))
	for _, ls := range st.Loops {
		lastErr := ""
		if ls.LastError != nil {
			lastErr = styles.bad.Render(*ls.LastError)
		}
		rows = append(rows, []string{ls.Name, ago(ls.LastTickAt, now), fmt.Sprint(ls.Instances), lastErr})
	}
	fmt.Print(table([]string{"LOOP", "LAST TICK", "INSTANCES", "LAST ERROR"}, rows))

	if len(st.Blockers) > 0 {
		fmt.Println()
		fmt.Println(styles.header.Render("Open blockers"))
		fmt.Print(blockerTable(st.Blockers))
	}
}

func blockerTable(list []autonomy.Blocker) string {
	rows := make([][]string, 0, len(list))
	for _, b := range list {
		sev := styles.warn.Render(string(b.Severity))
		if b.Severity == autonomy.SeverityCritical {
			sev = styles.bad.Render(string(b.Severity))
		}
		rows = append(rows, []string{b.ID, b.Code, sev, b.RaisedBy, b.Detail})
	}
	return table([]string{"ID", "CODE", "SEVERITY", "RAISED BY", "DETAIL"}, rows)
}

func runSystemPower(args []string) int {
	fs, common := newFlagSet("system power")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || (pos[0] != "on" && pos[0] != "off") {
		return usageError("warden system power on|off")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	on := pos[0] == "on"

	return withComponents(common, func(ctx context.Context, c *components) int {
		change, err := c.power.SetSystemPower(ctx, on, actor)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(change)
		}
		if change.Idempotent {
			fmt.Printf("System power already %s\n", onOff(on))
			return 0
		}
		fmt.Printf("System power %s (by %s)\n", onOff(on), actor)
		if !on {
			fmt.Println("Stopping active runners and pausing research.")
		} else {
			fmt.Println("Nothing resumes automatically; the supervisor restarts runners once autonomy allows it.")
		}
		return 0
	})
}

func runSystemResearch(args []string) int {
	fs, common := newFlagSet("system research")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || (pos[0] != "pause" && pos[0] != "resume") {
		return usageError("warden system research pause|resume")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	paused := pos[0] == "pause"

	return withComponents(common, func(ctx context.Context, c *components) int {
		if err := c.queue.SetResearchPaused(ctx, paused, actor); err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"paused": paused, "updated_by": actor})
		}
		if paused {
			fmt.Println("Research paused: BACKTESTER, EVOLVING and IMPROVING jobs stay queued")
		} else {
			fmt.Println("Research resumed")
		}
		return 0
	})
}

func runSystemSupervise(args []string) int {
	fs, common := newFlagSet("system supervise")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		report, err := c.supervisor.Tick(ctx)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(report)
		}
		if report.PowerOff {
			fmt.Println("System power is off; nothing reconciled")
			return 0
		}
		fmt.Printf("Checked %d: %d healthy, %d restarted, %d skipped, %d held, %d failed\n",
			report.Checked, report.Healthy, report.Restarted, report.Skipped, report.Held, report.Failed)
		rows := make([][]string, 0, len(report.Outcomes))
		for _, o := range report.Outcomes {
			rows = append(rows, []string{o.BotID, stageLabel(o.Stage), string(o.Drift), string(o.Action), o.Reason})
		}
		if len(rows) > 0 {
			fmt.Print(table([]string{"BOT", "STAGE", "DRIFT", "ACTION", "REASON"}, rows))
		}
		return 0
	})
}

func runSystemBlocker(args []string) int {
	usage := "warden system blocker raise|resolve|list"
	if len(args) < 1 {
		return usageError(usage)
	}
	action, rest := args[0], args[1:]

	fs, common := newFlagSet("system blocker " + action)
	code := fs.String("code", "", "Blocker code")
	severity := fs.String("severity", string(autonomy.SeverityCritical), "critical or warning")
	detail := fs.String("detail", "", "Free-form detail")
	pos, err := parseArgs(fs, rest)
	if err != nil {
		return 1
	}

	switch action {
	case "list":
		return withComponents(common, func(ctx context.Context, c *components) int {
			list, err := c.blockers.OpenBlockers(ctx)
			if err != nil {
				return fail(err)
			}
			if common.json {
				return printJSON(map[string]any{"blockers": list})
			}
			if len(list) == 0 {
				fmt.Println("No open blockers")
				return 0
			}
			fmt.Print(blockerTable(list))
			return 0
		})
	case "raise", "resolve":
	default:
		return usageError(usage)
	}

	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if action == "raise" {
		if *code == "" {
			return usageError("warden system blocker raise --code C [--severity critical|warning] [--detail TEXT]")
		}
		return withComponents(common, func(ctx context.Context, c *components) int {
			b, err := c.blockers.Raise(ctx, *code, autonomy.Severity(strings.ToLower(*severity)), *detail, actor)
			if err != nil {
				return fail(err)
			}
			if common.json {
				return printJSON(b)
			}
			fmt.Printf("Raised %s blocker %s (%s)\n", b.Severity, b.ID, b.Code)
			return 0
		})
	}

	if len(pos) != 1 {
		return usageError("warden system blocker resolve <id>")
	}
	return withComponents(common, func(ctx context.Context, c *components) int {
		resolved, err := c.blockers.Resolve(ctx, pos[0], actor)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"id": pos[0], "resolved": resolved})
		}
		if !resolved {
			fmt.Printf("Blocker %s was already resolved\n", pos[0])
			return 0
		}
		fmt.Printf("Resolved blocker %s\n", pos[0])
		return 0
	})
}

func runSystemSelfTest(args []string) int {
	if len(args) < 1 || args[0] != "record" {
		return usageError("warden system selftest record --passed|--failed [--detail TEXT]")
	}
	fs, common := newFlagSet("system selftest record")
	passed := fs.Bool("passed", false, "The self-test passed")
	failed := fs.Bool("failed", false, "The self-test failed")
	detail := fs.String("detail", "", "Free-form detail")
	if _, err := parseArgs(fs, args[1:]); err != nil {
		return 1
	}
	if *passed == *failed {
		return usageError("warden system selftest record --passed|--failed [--detail TEXT]")
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		if err := c.selfTests.Record(ctx, *passed, *detail); err != nil {
			return fail(err)
		}
		n, err := c.selfTests.ConsecutivePasses(ctx)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"passed": *passed, "consecutive_passes": n})
		}
		fmt.Printf("Recorded self-test (%d consecutive pass(es))\n", n)
		return 0
	})
}
