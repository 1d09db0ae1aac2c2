package commands

import (
	"context"
	"flag"
	"time"

	"github.com/miller46/prflow/internal/prflow/credentials"
	"github.com/miller46/prflow/internal/prflow/dispatch"
	"github.com/miller46/prflow/internal/prflow/errcode"
	"github.com/miller46/prflow/internal/prflow/queue"
	"github.com/miller46/prflow/internal/prflow/spawn"
)

// Dispatch runs a single dispatch pass and prints its summary as JSON.
func Dispatch(args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
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
	store, err := credentials.Load(credentials.DefaultDir())
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}

	timeout := time.Duration(cfg.Spawn.RunTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	queries := queue.New(database, cfg)
	spawner := spawn.New(cfg.Spawn.GatewayURL)
	summary, err := dispatch.New(database, cfg, queries, spawner, gh, store, newLogger()).Run(ctx)
	if err != nil {
		return printErrEnvelope(err, errcode.Upstream)
	}

	return printJSON(map[string]any{
		"dispatched": summary.Dispatched,
		"failed":     summary.Failed,
	})
}
