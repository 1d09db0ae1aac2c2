package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miller46/prflow/internal/prflow/credentials"
	"github.com/miller46/prflow/internal/prflow/dispatch"
	"github.com/miller46/prflow/internal/prflow/queue"
	"github.com/miller46/prflow/internal/prflow/spawn"
	syncengine "github.com/miller46/prflow/internal/prflow/sync"
)

// Run starts the controller loop: a sync pass followed by a dispatch pass
// on every tick until interrupted.
func Run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFlag := addConfigFlag(fs)
	once := fs.Bool("once", false, "run a single sync+dispatch cycle and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, database, err := setup(*configFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	logger := newLogger()

	store, err := credentials.Load(credentials.DefaultDir())
	if err != nil {
		return err
	}
	profile, err := store.Default()
	if err != nil {
		return err
	}
	gh, err := githubClientFor(profile)
	if err != nil {
		return fmt.Errorf("creating GitHub client: %w", err)
	}

	spawner := spawn.New(cfg.Spawn.GatewayURL)
	queries := queue.New(database, cfg)
	syncer := syncengine.New(database, cfg, gh, logger)
	scheduler := dispatch.New(database, cfg, queries, spawner, gh, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := cfg.PollIntervalDuration()
	logger.Info("controller started",
		"repos", len(cfg.EnabledRepos()), "poll_interval", interval)

	cycle := func() {
		syncCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if _, err := syncer.Run(syncCtx); err != nil {
			logger.Error("sync pass failed", "error", err)
			return
		}
		if _, err := scheduler.Run(syncCtx); err != nil {
			logger.Error("dispatch pass failed", "error", err)
		}
	}

	cycle()
	if *once {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("controller stopping")
			return nil
		case <-ticker.C:
			cycle()
		}
	}
}
