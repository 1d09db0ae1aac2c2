// Package commands implements the prflow subcommands. Each command is a
// function taking raw args, parsing its own flag set, and returning an
// error for main to report.
package commands

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/miller46/prflow/internal/prflow/config"
	"github.com/miller46/prflow/internal/prflow/credentials"
	"github.com/miller46/prflow/internal/prflow/db"
	"github.com/miller46/prflow/internal/prflow/errcode"
	"github.com/miller46/prflow/internal/prflow/github"
)

// ErrReported signals that the command already printed a structured error
// envelope on stdout; main should exit nonzero without a second message.
var ErrReported = errors.New("error already reported")

// addConfigFlag registers the shared --config flag.
func addConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", config.DefaultPath(), "path to workflow config YAML")
}

// setup loads config and opens the workflow database.
func setup(configPath string) (config.Config, *db.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, database, nil
}

// newLogger builds the process logger. PRFLOW_LOG=debug raises verbosity.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("PRFLOW_LOG"), "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// githubClientFor builds a GitHub client from a credential profile.
// PRFLOW_GITHUB_URL overrides the API base URL (used in tests and for
// GitHub Enterprise).
func githubClientFor(p credentials.Profile) (*github.Client, error) {
	var opts []github.Option
	if base := os.Getenv("PRFLOW_GITHUB_URL"); base != "" {
		opts = append(opts, github.WithBaseURL(base+"/"))
	}
	if p.IsApp() {
		opts = append(opts, github.WithAppAuth(github.AppCredentials{
			ClientID:       p.AppClientID,
			InstallationID: p.InstallationID,
			PrivateKeyPath: p.PrivateKeyPath,
		}))
	}
	return github.New(p.Token, opts...)
}

// defaultGithubClient resolves the controller's own credential profile and
// builds a client for it.
func defaultGithubClient() (*github.Client, error) {
	store, err := credentials.Load(credentials.DefaultDir())
	if err != nil {
		return nil, err
	}
	profile, err := store.Default()
	if err != nil {
		return nil, err
	}
	return githubClientFor(profile)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printErrEnvelope writes the coded error envelope to stdout and returns
// ErrReported so main exits nonzero quietly.
func printErrEnvelope(err error, fallbackCode string) error {
	fmt.Println(string(errcode.MarshalEnvelope(errcode.From(err, fallbackCode))))
	return ErrReported
}

// splitList parses a comma-separated flag value into trimmed entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
