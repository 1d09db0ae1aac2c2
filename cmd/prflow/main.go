package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/miller46/prflow/internal/prflow/commands"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `prflow — pull-request workflow scheduler

Usage:
  prflow run [--config path] [--once]            Run the controller loop (sync + dispatch per tick)
  prflow sync [--config path]                    Run a single sync pass
  prflow dispatch [--config path]                Run a single dispatch pass
  prflow get-open-prs --action <queue> [flags]   Print a PR action queue as JSON
  prflow get-open-issues [flags]                 Print the needs_dev issue queue as JSON
  prflow submit-pr --repo o/n --head b --title t [--base main] [--body text]
  prflow submit-pr-review --repo o/n --pr N --reviewer id --verdict v --body text
  prflow merge --repo o/n --pr N [--strategy merge|squash|rebase]
  prflow version

Flags:
  --config              Path to workflow config YAML (default: ~/.prflow/workflow.yaml)
  --repos               Comma-separated repo allowlist (exact names or glob patterns)
  --limit               Maximum items to return (queue commands)
  --include-dispatched  Include items already dispatched at the current head
  --include-claimed     Include items with an unexpired claim
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "run":
		err = commands.Run(rest)
	case "sync":
		err = commands.Sync(rest)
	case "dispatch":
		err = commands.Dispatch(rest)
	case "get-open-prs":
		err = commands.GetOpenPRs(rest)
	case "get-open-issues":
		err = commands.GetOpenIssues(rest)
	case "submit-pr":
		err = commands.SubmitPR(rest)
	case "submit-pr-review":
		err = commands.SubmitPRReview(rest)
	case "merge":
		err = commands.Merge(rest)
	case "version", "--version":
		fmt.Println("prflow " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		if !errors.Is(err, commands.ErrReported) {
			fmt.Fprintf(os.Stderr, "prflow %s: %v\n", subcmd, err)
		}
		os.Exit(1)
	}
}
