package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/inspect"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/stage"
)

func printBotNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: warden bot <action> [flags]

Actions:
  register <id> --account ID [--mode AUTO|MANUAL]
  list [--stage STAGE] [--exclude-killed]
  status <id>                               Stage, lock, kill, runner, job and approval history
  promote <id> --to STAGE [--token T]       LIVE needs an approval token
  demote <id> --to STAGE --reason CODE [--confirm-live]
  kill <id> --reason CODE [--trace ID]
  resurrect <id> --reason TEXT
  lock <id>... --for DURATION               Block stage changes until now+DURATION
  unlock <id>...
`)
}

func runBotNoun(args []string) int {
	if len(args) < 1 {
		printBotNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBotNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "register":
		return runBotRegister(actionArgs)
	case "list":
		return runBotList(actionArgs)
	case "status":
		return runBotStatus(actionArgs)
	case "promote":
		return runBotPromote(actionArgs)
	case "demote":
		return runBotDemote(actionArgs)
	case "kill":
		return runBotKill(actionArgs)
	case "resurrect":
		return runBotResurrect(actionArgs)
	case "lock":
		return runBotLock(actionArgs, true)
	case "unlock":
		return runBotLock(actionArgs, false)
	default:
		fmt.Fprintf(os.Stderr, "Unknown bot action: %s\n", action)
		return 1
	}
}

func runBotRegister(args []string) int {
	fs, common := newFlagSet("bot register")
	account := fs.String("account", "", "Trading account id")
	mode := fs.String("mode", string(bots.PromotionManual), "Promotion mode: AUTO or MANUAL")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || *account == "" {
		return usageError("warden bot register <id> --account ID [--mode AUTO|MANUAL]")
	}
	pm, err := bots.ParsePromotionMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		b, err := c.bots.Register(ctx, pos[0], *account, pm)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(b)
		}
		fmt.Printf("Registered %s (account %s, %s, %s)\n", b.ID, b.AccountID, b.Stage, b.PromotionMode)
		return 0
	})
}

func runBotList(args []string) int {
	fs, common := newFlagSet("bot list")
	stageFlag := fs.String("stage", "", "Only bots in this stage")
	excludeKilled := fs.Bool("exclude-killed", false, "Hide killed bots")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}
	filter := bots.ListFilter{ExcludeKilled: *excludeKilled}
	if *stageFlag != "" {
		st, err := bots.ParseStage(*stageFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		filter.Stages = []bots.Stage{st}
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		list, err := c.bots.List(ctx, filter)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"bots": list})
		}
		now := time.Now().UTC()
		rows := make([][]string, 0, len(list))
		for _, b := range list {
			state := styles.good.Render("active")
			switch {
			case b.Killed():
				state = styles.bad.Render("KILLED")
			case b.Locked(now):
				state = styles.warn.Render("locked")
			}
			rows = append(rows, []string{b.ID, b.AccountID, stageLabel(b.Stage), string(b.PromotionMode), state})
		}
		fmt.Print(table([]string{"BOT", "ACCOUNT", "STAGE", "MODE", "STATE"}, rows))
		return 0
	})
}

func runBotStatus(args []string) int {
	fs, common := newFlagSet("bot status")
	jobs := fs.Int("jobs", 10, "Recent jobs to show")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		return usageError("warden bot status <id> [--jobs N] [--json]")
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		report, err := inspect.Gather(ctx, c.reportSources(), pos[0], inspect.Options{JobLimit: *jobs})
		if err != nil {
			return fail(err)
		}
		if common.json {
			out, err := report.JSON()
			if err != nil {
				return fail(err)
			}
			fmt.Println(out)
			return 0
		}
		fmt.Print(report.Text())
		return 0
	})
}

func runBotPromote(args []string) int {
	fs, common := newFlagSet("bot promote")
	to := fs.String("to", "", "Target stage")
	token := fs.String("token", "", "Approval token (LIVE only)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || *to == "" {
		return usageError("warden bot promote <id> --to STAGE [--token T]")
	}
	target, err := bots.ParseStage(*to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		res, err := c.stages.Promote(ctx, stage.PromoteRequest{
			BotID: pos[0], Target: target, TriggeredBy: actor, ApprovalToken: *token,
		})
		if err != nil {
			return fail(err)
		}
		if common.json {
			code := printJSON(res)
			if res.RequiresApproval {
				return 2
			}
			return code
		}
		if res.RequiresApproval {
			fmt.Fprintf(os.Stderr, "%s %s -> %s needs an approved governance token [%s]\n",
				styles.warn.Render("Approval required:"), res.From, res.To, strings.Join(res.ReasonCodes, ","))
			fmt.Fprintf(os.Stderr, "  hint: warden approval request %s, then have another operator approve it\n", pos[0])
			return 2
		}
		fmt.Printf("Promoted %s: %s -> %s\n", pos[0], res.From, stageLabel(res.To))
		return 0
	})
}

func runBotDemote(args []string) int {
	fs, common := newFlagSet("bot demote")
	to := fs.String("to", "", "Target stage")
	reason := fs.String("reason", "", "Reason code")
	confirmLive := fs.Bool("confirm-live", false, "Required to demote a LIVE bot")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || *to == "" || *reason == "" {
		return usageError("warden bot demote <id> --to STAGE --reason CODE [--confirm-live]")
	}
	target, err := bots.ParseStage(*to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		res, err := c.stages.Demote(ctx, stage.DemoteRequest{
			BotID: pos[0], Target: target, ReasonCode: *reason, TriggeredBy: actor, ConfirmLive: *confirmLive,
		})
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(res)
		}
		fmt.Printf("Demoted %s: %s -> %s\n", pos[0], stageLabel(res.From), res.To)
		return 0
	})
}

func runBotKill(args []string) int {
	fs, common := newFlagSet("bot kill")
	reason := fs.String("reason", "", "Reason code")
	trace := fs.String("trace", "", "Trace id to correlate the kill with")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || *reason == "" {
		return usageError("warden bot kill <id> --reason CODE [--trace ID]")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		res, err := c.kill.Kill(ctx, killswitch.KillRequest{BotID: pos[0], ReasonCode: *reason, Actor: actor, TraceID: *trace})
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(res)
		}
		if res.Idempotent {
			fmt.Printf("%s was already killed\n", pos[0])
			return 0
		}
		fmt.Printf("%s %s (stopped %d runner(s))\n", styles.bad.Render("Killed"), pos[0], len(res.StoppedRunners))
		return 0
	})
}

func runBotResurrect(args []string) int {
	fs, common := newFlagSet("bot resurrect")
	reason := fs.String("reason", "", "Why the bot may run again")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || *reason == "" {
		return usageError("warden bot resurrect <id> --reason TEXT")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		res, err := c.kill.Resurrect(ctx, killswitch.ResurrectRequest{BotID: pos[0], Actor: actor, Reason: *reason})
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(res)
		}
		if res.Idempotent {
			fmt.Printf("%s was not killed\n", pos[0])
			return 0
		}
		fmt.Printf("Resurrected %s. Runners are not restarted; start one explicitly.\n", pos[0])
		return 0
	})
}

func runBotLock(args []string, lockStages bool) int {
	name := "bot unlock"
	if lockStages {
		name = "bot lock"
	}
	fs, common := newFlagSet(name)
	dur := fs.Duration("for", 0, "Lock duration")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) == 0 || (lockStages && *dur <= 0) {
		if lockStages {
			return usageError("warden bot lock <id>... --for DURATION")
		}
		return usageError("warden bot unlock <id>...")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		var (
			n   int64
			err error
		)
		if lockStages {
			until := time.Now().UTC().Add(*dur)
			n, err = c.bots.LockStages(ctx, pos, until)
		} else {
			n, err = c.bots.UnlockStages(ctx, pos)
		}
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"updated": n, "actor": actor})
		}
		verb := "Unlocked"
		if lockStages {
			verb = "Locked"
		}
		fmt.Printf("%s %d bot(s) (by %s)\n", verb, n, actor)
		return 0
	})
}
