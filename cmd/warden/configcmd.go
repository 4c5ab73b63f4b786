package main

import (
	"fmt"
	"os"

	"github.com/mattjoyce/warden/internal/doctor"
)

func printConfigCheckHelp() {
	fmt.Println("Usage: warden config check [--config PATH] [--strict] [--json]")
	fmt.Println("Validate the configuration and print its fingerprint. --strict fails on warnings too.")
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden config check [--config PATH] [--strict] [--json]")
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigCheckHelp()
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs, common := newFlagSet("config check")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	cfg, err := loadConfig(common.config)
	if err != nil {
		if common.json {
			printJSON(&doctor.Result{Valid: false, Errors: []doctor.Issue{{Category: "load", Message: err.Error()}}})
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *strict && len(result.Warnings) > 0 {
		result.Valid = false
	}

	if common.json {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}
