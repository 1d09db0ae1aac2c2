// Package config loads the workflow configuration file: the repo set with
// priorities, required reviewer rosters, approval rules, and scheduler
// tunables. Loaded once at process start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/miller46/prflow/internal/prflow/engine"
)

// Defaults applied when the config file omits a field.
const (
	DefaultAgent         = "backend-dev"
	DefaultMaxIterations = 5
	DefaultPollInterval  = 5 * time.Minute
	DefaultMergeStrategy = "merge"
	DefaultGithubTimeout = 60 * time.Second
	DefaultSpawnTimeout  = 600 * time.Second
)

// Reviewer is one required reviewer identity and the agent persona that
// acts as it.
type Reviewer struct {
	Login   string `yaml:"login"`
	Agent   string `yaml:"agent"`
	Enabled *bool  `yaml:"enabled"`
}

// IsEnabled returns true unless the reviewer is explicitly disabled.
func (r Reviewer) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RepoRule configures one repository.
type RepoRule struct {
	Enabled   *bool `yaml:"enabled"`
	Priority  int   `yaml:"priority"`
	MaxPerRun int   `yaml:"max_per_run"`
}

// IsEnabled returns true unless the repo is explicitly disabled.
func (r RepoRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ApprovalRules is the optional per-repo threshold policy. When absent the
// legacy rule applies (all required reviewers must approve).
type ApprovalRules struct {
	MinApprovals      *int     `yaml:"min_approvals"`
	RequiredReviewers []string `yaml:"required_reviewers"`
	VetoPowers        []string `yaml:"veto_powers"`
}

// Spawn configures the agent-spawn gateway transport.
type Spawn struct {
	GatewayURL        string `yaml:"gateway_url"`
	RunTimeoutSeconds int    `yaml:"run_timeout_seconds"`
	Cleanup           string `yaml:"cleanup"`
}

// Config is the full workflow configuration.
type Config struct {
	DBPath               string                     `yaml:"db_path"`
	DefaultAgent         string                     `yaml:"default_agent"`
	DefaultMaxIterations int                        `yaml:"default_max_iterations"`
	PollInterval         string                     `yaml:"poll_interval"`
	MergeStrategy        string                     `yaml:"merge_strategy"`
	GithubTimeoutSeconds int                        `yaml:"github_timeout_seconds"`
	Spawn                Spawn                      `yaml:"spawn"`
	Repos                map[string]RepoRule        `yaml:"repos"`
	Reviewers            []Reviewer                 `yaml:"reviewers"`
	RepoReviewers        map[string][]Reviewer      `yaml:"repo_reviewers"`
	ApprovalRules        map[string]ApprovalRules   `yaml:"approval_rules"`
}

// DefaultPath returns the default config file location (~/.prflow/workflow.yaml).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prflow", "workflow.yaml")
}

// Load reads the config file, merges defaults, and validates. A missing
// file yields a config of pure defaults (with no repos).
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if cfg.DBPath == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return Config{}, fmt.Errorf("getting home directory: %w", herr)
		}
		cfg.DBPath = filepath.Join(home, ".prflow", "workflow.db")
	}
	cfg.DBPath = expandHome(cfg.DBPath)

	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = DefaultAgent
	}
	if cfg.DefaultMaxIterations == 0 {
		cfg.DefaultMaxIterations = DefaultMaxIterations
	}
	if cfg.DefaultMaxIterations < 0 {
		return Config{}, fmt.Errorf("default_max_iterations must be positive, got %d", cfg.DefaultMaxIterations)
	}
	if cfg.MergeStrategy == "" {
		cfg.MergeStrategy = DefaultMergeStrategy
	}
	if !validStrategy(cfg.MergeStrategy) {
		return Config{}, fmt.Errorf("merge_strategy must be merge, squash, or rebase, got %q", cfg.MergeStrategy)
	}
	if cfg.PollInterval != "" {
		if _, err := time.ParseDuration(cfg.PollInterval); err != nil {
			return Config{}, fmt.Errorf("invalid poll_interval %q: %w", cfg.PollInterval, err)
		}
	}
	if cfg.Spawn.RunTimeoutSeconds == 0 {
		cfg.Spawn.RunTimeoutSeconds = int(DefaultSpawnTimeout / time.Second)
	}
	if cfg.Spawn.Cleanup == "" {
		cfg.Spawn.Cleanup = "keep"
	}
	if cfg.GithubTimeoutSeconds == 0 {
		cfg.GithubTimeoutSeconds = int(DefaultGithubTimeout / time.Second)
	}

	for repo := range cfg.Repos {
		if !strings.Contains(repo, "/") {
			return Config{}, fmt.Errorf("repo %q must be in owner/name format", repo)
		}
	}

	return cfg, nil
}

func validStrategy(s string) bool {
	return s == "merge" || s == "squash" || s == "rebase"
}

// PollIntervalDuration returns the parsed poll interval, or the default.
func (c Config) PollIntervalDuration() time.Duration {
	if c.PollInterval == "" {
		return DefaultPollInterval
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return DefaultPollInterval
	}
	return d
}

// GithubTimeout returns the per-call GitHub deadline.
func (c Config) GithubTimeout() time.Duration {
	return time.Duration(c.GithubTimeoutSeconds) * time.Second
}

// EnabledRepos returns the configured repos that are not disabled, sorted.
func (c Config) EnabledRepos() []string {
	var repos []string
	for repo, rule := range c.Repos {
		if rule.IsEnabled() {
			repos = append(repos, repo)
		}
	}
	sort.Strings(repos)
	return repos
}

// RepoPriority returns the configured priority for a repo (zero if unknown).
func (c Config) RepoPriority(repo string) int {
	return c.Repos[repo].Priority
}

// ReviewersFor returns the reviewer roster for a repo: the per-repo
// override when present, otherwise the global list.
func (c Config) ReviewersFor(repo string) []Reviewer {
	if rs, ok := c.RepoReviewers[repo]; ok && len(rs) > 0 {
		return rs
	}
	return c.Reviewers
}

// ReviewerLogins returns the enabled required reviewer logins for a repo.
func (c Config) ReviewerLogins(repo string) []string {
	var logins []string
	for _, r := range c.ReviewersFor(repo) {
		if r.IsEnabled() {
			logins = append(logins, r.Login)
		}
	}
	return logins
}

// PolicyFor returns the approval policy for a repo, or nil when the legacy
// all-must-approve rule applies.
func (c Config) PolicyFor(repo string) *engine.ApprovalPolicy {
	rules, ok := c.ApprovalRules[repo]
	if !ok {
		return nil
	}
	return &engine.ApprovalPolicy{
		MinApprovals:   rules.MinApprovals,
		RequiredLogins: rules.RequiredReviewers,
		VetoLogins:     rules.VetoPowers,
	}
}

// MatchRepos expands a list of repo patterns (exact names or doublestar
// globs like "miller46/*") against the enabled repos. With no patterns,
// all enabled repos are returned.
func (c Config) MatchRepos(patterns []string) []string {
	enabled := c.EnabledRepos()
	if len(patterns) == 0 {
		return enabled
	}

	seen := make(map[string]bool)
	var matched []string
	for _, repo := range enabled {
		for _, pattern := range patterns {
			ok, err := doublestar.Match(pattern, repo)
			if err != nil {
				// Bad pattern: fall back to exact comparison.
				ok = pattern == repo
			}
			if ok && !seen[repo] {
				seen[repo] = true
				matched = append(matched, repo)
			}
		}
	}
	return matched
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
