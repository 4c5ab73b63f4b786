package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/governance"
)

func printApprovalNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: warden approval <action> [flags]

Actions:
  request <bot> --justification TEXT [--notes TEXT]   Ask to take a CANARY bot LIVE
  list <bot> [--status STATUS]
  show <id>
  approve <id>                                        Reviewer must differ from requester; prints the token once
  reject <id> --reason TEXT
  withdraw <id>                                       Requester only
  expire                                              Expire stale pending requests now
`)
}

func runApprovalNoun(args []string) int {
	if len(args) < 1 {
		printApprovalNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printApprovalNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "request":
		return runApprovalRequest(actionArgs)
	case "list":
		return runApprovalList(actionArgs)
	case "show":
		return runApprovalShow(actionArgs)
	case "approve":
		return runApprovalApprove(actionArgs)
	case "reject":
		return runApprovalReject(actionArgs)
	case "withdraw":
		return runApprovalWithdraw(actionArgs)
	case "expire":
		return runApprovalExpire(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown approval action: %s\n", action)
		return 1
	}
}

func runApprovalRequest(args []string) int {
	fs, common := newFlagSet("approval request")
	justification := fs.String("justification", "", "Why the bot should go LIVE")
	notes := fs.String("notes", "", "Evidence notes")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || strings.TrimSpace(*justification) == "" {
		return usageError("warden approval request <bot> --justification TEXT [--notes TEXT]")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		in := governance.RequestInput{BotID: pos[0], RequestedBy: actor, Justification: *justification}
		if *notes != "" {
			in.Evidence = &governance.Evidence{Notes: *notes}
		}
		a, err := c.approvals.RequestApproval(ctx, in)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(a)
		}
		fmt.Printf("Requested approval %s for %s (%s -> %s), expires %s\n",
			a.ID, a.BotID, a.FromStage, a.ToStage, a.ExpiresAt.Format(time.RFC3339))
		return 0
	})
}

func runApprovalList(args []string) int {
	fs, common := newFlagSet("approval list")
	status := fs.String("status", "", "Only approvals in this status")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		return usageError("warden approval list <bot> [--status STATUS]")
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		list, err := c.approvals.List(ctx, pos[0], governance.Status(strings.ToUpper(*status)))
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"approvals": list})
		}
		rows := make([][]string, 0, len(list))
		for _, a := range list {
			reviewer := ""
			if a.ReviewedBy != nil {
				reviewer = *a.ReviewedBy
			}
			rows = append(rows, []string{a.ID, string(a.Status), a.RequestedBy, reviewer, a.CreatedAt.Format(time.RFC3339)})
		}
		fmt.Print(table([]string{"ID", "STATUS", "REQUESTED BY", "REVIEWED BY", "CREATED"}, rows))
		return 0
	})
}

func runApprovalShow(args []string) int {
	fs, common := newFlagSet("approval show")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		return usageError("warden approval show <id>")
	}
	return withComponents(common, func(ctx context.Context, c *components) int {
		a, err := c.approvals.Get(ctx, pos[0])
		if err != nil {
			return fail(err)
		}
		return printJSON(a)
	})
}

func runApprovalApprove(args []string) int {
	fs, common := newFlagSet("approval approve")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		return usageError("warden approval approve <id>")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		grant, err := c.approvals.Approve(ctx, pos[0], actor)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(grant)
		}
		fmt.Printf("%s %s for %s\n", styles.good.Render("Approved"), grant.Approval.ID, grant.Approval.BotID)
		fmt.Printf("Token (shown once, valid until %s):\n%s\n", grant.TokenExpiresAt.Format(time.RFC3339), grant.Token)
		return 0
	})
}

func runApprovalReject(args []string) int {
	fs, common := newFlagSet("approval reject")
	reason := fs.String("reason", "", "Why the request is rejected")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || strings.TrimSpace(*reason) == "" {
		return usageError("warden approval reject <id> --reason TEXT")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		a, err := c.approvals.Reject(ctx, pos[0], actor, *reason)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(a)
		}
		fmt.Printf("Rejected %s\n", a.ID)
		return 0
	})
}

func runApprovalWithdraw(args []string) int {
	fs, common := newFlagSet("approval withdraw")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		return usageError("warden approval withdraw <id>")
	}
	actor, err := common.resolveActor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withComponents(common, func(ctx context.Context, c *components) int {
		a, err := c.approvals.Withdraw(ctx, pos[0], actor)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(a)
		}
		fmt.Printf("Withdrew %s\n", a.ID)
		return 0
	})
}

func runApprovalExpire(args []string) int {
	fs, common := newFlagSet("approval expire")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}
	return withComponents(common, func(ctx context.Context, c *components) int {
		ids, err := c.approvals.ExpireStale(ctx)
		if err != nil {
			return fail(err)
		}
		if common.json {
			return printJSON(map[string]any{"expired": ids})
		}
		fmt.Printf("Expired %d approval(s)\n", len(ids))
		return 0
	})
}
