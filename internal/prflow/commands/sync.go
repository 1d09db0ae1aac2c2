package commands

import (
	"context"
	"flag"
	"time"

	"github.com/miller46/prflow/internal/prflow/errcode"
	syncengine "github.com/miller46/prflow/internal/prflow/sync"
)

// Sync runs a single sync pass and prints its summary as JSON.
func Sync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configFlag := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, database, err := setup(*configFlag)
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}
	defer database.Close()

	gh, err := defaultGithubClient()
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncengine.LockTTL)
	defer cancel()

	summary, err := syncengine.New(database, cfg, gh, newLogger()).Run(ctx)
	if err != nil {
		return printErrEnvelope(err, errcode.Upstream)
	}
	if summary.LockHeld {
		return printErrEnvelope(
			errcode.New(errcode.LockHeld, "another sync run holds the lock", true),
			errcode.LockHeld)
	}

	return printJSON(map[string]any{
		"startedAt":   summary.StartedAt.Format(time.RFC3339),
		"finishedAt":  summary.FinishedAt.Format(time.RFC3339),
		"itemsSynced": summary.ItemsSynced,
		"errors":      orEmptyStrings(summary.Errors),
	})
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
