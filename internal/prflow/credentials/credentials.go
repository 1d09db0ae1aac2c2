// Package credentials resolves GitHub credentials per acting identity.
// Each agent persona gets its own credential directory so that every write
// to GitHub is attributable to the agent that made it, and the controller's
// ambient environment tokens are never inherited by agent contexts.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile holds one credential set: either a personal access token or
// GitHub App parameters.
type Profile struct {
	Token          string `yaml:"token"`
	AppClientID    string `yaml:"app_client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// IsApp reports whether the profile authenticates as a GitHub App.
func (p Profile) IsApp() bool {
	return p.AppClientID != "" && p.PrivateKeyPath != ""
}

// Validate checks that the profile carries a usable credential.
func (p Profile) Validate() error {
	if p.IsApp() {
		if p.InstallationID == 0 {
			return fmt.Errorf("app profile missing installation_id")
		}
		return nil
	}
	if p.Token == "" {
		return fmt.Errorf("profile has neither token nor app credentials")
	}
	return nil
}

// file is the on-disk shape of credentials.yaml.
type file struct {
	Default  Profile            `yaml:"default"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// Store resolves profiles for agent identities.
type Store struct {
	baseDir string
	f       file
}

// DefaultDir returns the default credential root (~/.prflow).
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prflow")
}

// Load reads credentials.yaml under baseDir. A missing file yields a store
// whose default profile comes from the controller environment.
func Load(baseDir string) (*Store, error) {
	s := &Store{baseDir: baseDir}

	data, err := os.ReadFile(filepath.Join(baseDir, "credentials.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &s.f); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	if s.f.Default.Token == "" && !s.f.Default.IsApp() {
		// Controller default may fall back to the ambient token. Agent
		// profiles never do.
		if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
			s.f.Default.Token = tok
		} else if tok := os.Getenv("GH_TOKEN"); tok != "" {
			s.f.Default.Token = tok
		}
	}
	return s, nil
}

// Default returns the controller's own credential profile.
func (s *Store) Default() (Profile, error) {
	if err := s.f.Default.Validate(); err != nil {
		return Profile{}, fmt.Errorf("default credentials: %w", err)
	}
	return s.f.Default, nil
}

// ForAgent returns the profile for an agent identity. Unknown agents get
// no fallback: a write under an unattributable identity is refused rather
// than silently performed as the controller.
func (s *Store) ForAgent(agentID string) (Profile, error) {
	p, ok := s.f.Profiles[agentID]
	if !ok {
		return Profile{}, fmt.Errorf("no credential profile for agent %q", agentID)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("credentials for agent %q: %w", agentID, err)
	}
	return p, nil
}

// AgentDir returns (creating if needed) the per-agent config directory,
// ~/.prflow/agents/<id>. Agent processes point their tooling config here so
// state never leaks across identities.
func (s *Store) AgentDir(agentID string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, "/\\") {
		return "", fmt.Errorf("invalid agent id %q", agentID)
	}
	dir := filepath.Join(s.baseDir, "agents", agentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating agent dir: %w", err)
	}
	return dir, nil
}

// AgentEnv returns the environment overlay for spawning an agent: its own
// config dir and token, with the controller's ambient GitHub tokens
// explicitly cleared so they cannot be inherited.
func (s *Store) AgentEnv(agentID string) ([]string, error) {
	p, err := s.ForAgent(agentID)
	if err != nil {
		return nil, err
	}
	dir, err := s.AgentDir(agentID)
	if err != nil {
		return nil, err
	}
	// Each key appears exactly once. GH_TOKEN is either the agent's own
	// token or explicitly empty for app profiles.
	return []string{
		"GITHUB_TOKEN=",
		"GH_TOKEN=" + p.Token,
		"GH_CONFIG_DIR=" + dir,
	}, nil
}
