package credentials

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writeCredentials(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "credentials.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("writing credentials: %v", err)
	}
	return dir
}

func TestLoadProfiles(t *testing.T) {
	dir := writeCredentials(t, `
default:
  token: ghp_controller
profiles:
  qa-reviewer:
    token: ghp_qa
  release-bot:
    app_client_id: Iv1.abc123
    installation_id: 987
    private_key_path: /keys/release.pem
`)
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	def, err := s.Default()
	if err != nil || def.Token != "ghp_controller" {
		t.Errorf("default = %+v (%v)", def, err)
	}

	qa, err := s.ForAgent("qa-reviewer")
	if err != nil || qa.Token != "ghp_qa" {
		t.Errorf("qa profile = %+v (%v)", qa, err)
	}

	bot, err := s.ForAgent("release-bot")
	if err != nil {
		t.Fatalf("app profile: %v", err)
	}
	if !bot.IsApp() || bot.InstallationID != 987 {
		t.Errorf("app profile = %+v", bot)
	}
}

func TestDefaultFallsBackToEnv(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GH_TOKEN", "ghp_ambient")

	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	def, err := s.Default()
	if err != nil || def.Token != "ghp_ambient" {
		t.Errorf("default = %+v (%v)", def, err)
	}
}

func TestDefaultMissingEverywhere(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GH_TOKEN", "")

	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if _, err := s.Default(); err == nil {
		t.Error("expected error with no credential anywhere")
	}
}

func TestForAgentHasNoFallback(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_ambient")
	dir := writeCredentials(t, "default:\n  token: ghp_controller\n")

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if _, err := s.ForAgent("unknown-agent"); err == nil {
		t.Error("unknown agent must be refused, not given the controller token")
	}
}

func TestValidate(t *testing.T) {
	if err := (Profile{Token: "ghp_x"}).Validate(); err != nil {
		t.Errorf("token profile: %v", err)
	}
	if err := (Profile{AppClientID: "Iv1.x", PrivateKeyPath: "/k.pem", InstallationID: 1}).Validate(); err != nil {
		t.Errorf("app profile: %v", err)
	}
	if err := (Profile{AppClientID: "Iv1.x", PrivateKeyPath: "/k.pem"}).Validate(); err == nil {
		t.Error("app profile without installation_id must fail")
	}
	if err := (Profile{}).Validate(); err == nil {
		t.Error("empty profile must fail")
	}
}

func TestAgentDir(t *testing.T) {
	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	dir, err := s.AgentDir("qa-reviewer")
	if err != nil {
		t.Fatalf("creating: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("stat %s: %v", dir, err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("perm = %o, want 0700", info.Mode().Perm())
	}

	for _, bad := range []string{"", "../escape", `a\b`} {
		if _, err := s.AgentDir(bad); err == nil {
			t.Errorf("AgentDir(%q) accepted", bad)
		}
	}
}

func TestAgentEnvIsolatesTokens(t *testing.T) {
	dir := writeCredentials(t, `
profiles:
  qa-reviewer:
    token: ghp_qa
`)
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	env, err := s.AgentEnv("qa-reviewer")
	if err != nil {
		t.Fatalf("building env: %v", err)
	}

	if !slices.Contains(env, "GITHUB_TOKEN=") {
		t.Errorf("GITHUB_TOKEN not cleared: %v", env)
	}
	if !slices.Contains(env, "GH_TOKEN=ghp_qa") {
		t.Errorf("agent token not set: %v", env)
	}
	var hasConfigDir bool
	seen := map[string]int{}
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		seen[key]++
		if key == "GH_CONFIG_DIR" && strings.Contains(kv, filepath.Join("agents", "qa-reviewer")) {
			hasConfigDir = true
		}
	}
	if !hasConfigDir {
		t.Errorf("per-agent config dir missing: %v", env)
	}
	// One entry per key: precedence must not depend on the consumer.
	for key, n := range seen {
		if n != 1 {
			t.Errorf("key %s appears %d times: %v", key, n, env)
		}
	}
}
