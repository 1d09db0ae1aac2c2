package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefaultAgent != "backend-dev" {
		t.Errorf("default agent = %q", cfg.DefaultAgent)
	}
	if cfg.DefaultMaxIterations != 5 {
		t.Errorf("default max iterations = %d", cfg.DefaultMaxIterations)
	}
	if cfg.MergeStrategy != "merge" {
		t.Errorf("merge strategy = %q", cfg.MergeStrategy)
	}
	if len(cfg.EnabledRepos()) != 0 {
		t.Errorf("expected no repos, got %v", cfg.EnabledRepos())
	}
	if cfg.PollIntervalDuration() != 5*time.Minute {
		t.Errorf("poll interval = %v", cfg.PollIntervalDuration())
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
default_agent: fullstack-dev
default_max_iterations: 3
poll_interval: 2m
merge_strategy: squash
spawn:
  gateway_url: http://localhost:7860
  run_timeout_seconds: 300
repos:
  miller46/jm-api:
    priority: 5
  miller46/jm-web:
    enabled: false
reviewers:
  - login: qa-bot
    agent: qa-reviewer
  - login: sec-bot
    agent: security-reviewer
    enabled: false
approval_rules:
  miller46/jm-api:
    min_approvals: 1
    veto_powers: [qa-bot]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	if cfg.DefaultAgent != "fullstack-dev" || cfg.DefaultMaxIterations != 3 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.PollIntervalDuration() != 2*time.Minute {
		t.Errorf("poll interval = %v", cfg.PollIntervalDuration())
	}
	if cfg.MergeStrategy != "squash" {
		t.Errorf("merge strategy = %q", cfg.MergeStrategy)
	}

	repos := cfg.EnabledRepos()
	if len(repos) != 1 || repos[0] != "miller46/jm-api" {
		t.Errorf("enabled repos = %v", repos)
	}
	if cfg.RepoPriority("miller46/jm-api") != 5 {
		t.Errorf("priority = %d", cfg.RepoPriority("miller46/jm-api"))
	}

	logins := cfg.ReviewerLogins("miller46/jm-api")
	if len(logins) != 1 || logins[0] != "qa-bot" {
		t.Errorf("disabled reviewer must be excluded: %v", logins)
	}

	policy := cfg.PolicyFor("miller46/jm-api")
	if policy == nil || policy.MinApprovals == nil || *policy.MinApprovals != 1 {
		t.Errorf("policy = %+v", policy)
	}
	if cfg.PolicyFor("miller46/other") != nil {
		t.Error("repos without rules get the legacy policy (nil)")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad merge strategy", "merge_strategy: fast-forward"},
		{"bad poll interval", "poll_interval: soon"},
		{"bad repo name", "repos:\n  not-a-repo:\n    priority: 1"},
		{"negative iterations", "default_max_iterations: -2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRepoReviewersOverride(t *testing.T) {
	path := writeConfig(t, `
reviewers:
  - login: global-bot
    agent: qa-reviewer
repo_reviewers:
  miller46/jm-api:
    - login: special-bot
      agent: arch-reviewer
repos:
  miller46/jm-api: {}
  miller46/jm-web: {}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	if got := cfg.ReviewerLogins("miller46/jm-api"); len(got) != 1 || got[0] != "special-bot" {
		t.Errorf("override not applied: %v", got)
	}
	if got := cfg.ReviewerLogins("miller46/jm-web"); len(got) != 1 || got[0] != "global-bot" {
		t.Errorf("global fallback broken: %v", got)
	}
}

func TestMatchRepos(t *testing.T) {
	path := writeConfig(t, `
repos:
  miller46/jm-api: {}
  miller46/jm-web: {}
  acme/tools: {}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	if got := cfg.MatchRepos(nil); len(got) != 3 {
		t.Errorf("no patterns should return all enabled: %v", got)
	}
	if got := cfg.MatchRepos([]string{"miller46/*"}); len(got) != 2 {
		t.Errorf("glob match = %v", got)
	}
	if got := cfg.MatchRepos([]string{"acme/tools"}); len(got) != 1 || got[0] != "acme/tools" {
		t.Errorf("exact match = %v", got)
	}
	if got := cfg.MatchRepos([]string{"nobody/*"}); len(got) != 0 {
		t.Errorf("non-matching pattern = %v", got)
	}
}
