package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider identifies the configured git hosting backend.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// Config represents the complete colsyncd configuration
type Config struct {
	Sync       SyncConfig            `yaml:"sync"`
	Paths      PathsConfig           `yaml:"paths"`
	Workspaces map[string]SyncConfig `yaml:"workspaces"`
	Serve      ServeConfig           `yaml:"serve"`
}

// SyncConfig configures the remote repository connection. A zero field in a
// workspace-level SyncConfig falls back to the global one.
type SyncConfig struct {
	Provider   Provider `yaml:"provider"`
	Repository string   `yaml:"repository"`
	Token      string   `yaml:"token"`
	Branch     string   `yaml:"branch"`
	BaseURL    string   `yaml:"base_url"`
	AutoSync   *bool    `yaml:"auto_sync"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
	Database string `yaml:"database"`
}

// ServeConfig configures the local API server
type ServeConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ListenAddr       string        `yaml:"listen_addr"`
	AutoSyncInterval time.Duration `yaml:"auto_sync_interval"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Sync.expandEnv()
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.Database = os.ExpandEnv(c.Paths.Database)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	for id, ws := range c.Workspaces {
		ws.expandEnv()
		c.Workspaces[id] = ws
	}
}

func (s *SyncConfig) expandEnv() {
	s.Repository = os.ExpandEnv(s.Repository)
	s.Token = os.ExpandEnv(s.Token)
	s.Branch = os.ExpandEnv(s.Branch)
	s.BaseURL = os.ExpandEnv(s.BaseURL)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Branch == "" {
		c.Sync.Branch = "main"
	}
	if c.Paths.Database == "" && c.Paths.StateDir != "" {
		c.Paths.Database = filepath.Join(c.Paths.StateDir, "colsyncd.db")
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:4780"
	}
	if c.Serve.AutoSyncInterval == 0 {
		c.Serve.AutoSyncInterval = 5 * time.Minute
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}
	for id := range c.Workspaces {
		resolved := c.Resolve(id)
		if err := resolved.validate(); err != nil {
			return fmt.Errorf("workspace %s: %w", id, err)
		}
	}

	return nil
}

func (s SyncConfig) validate() error {
	switch s.Provider {
	case "", ProviderGitHub, ProviderGitLab:
		// valid
	default:
		return fmt.Errorf("invalid sync.provider: %s (must be github or gitlab)", s.Provider)
	}
	if s.Repository != "" && !strings.Contains(s.Repository, "/") {
		return fmt.Errorf("sync.repository must be an owner/repo or group/project path: %s", s.Repository)
	}
	return nil
}

// Resolve returns the effective sync settings for a workspace, falling back
// to the global settings field by field. An empty workspace ID resolves to
// the global settings.
func (c *Config) Resolve(workspaceID string) SyncConfig {
	out := c.Sync
	if workspaceID == "" {
		return out
	}
	ws, ok := c.Workspaces[workspaceID]
	if !ok {
		return out
	}
	if ws.Provider != "" {
		out.Provider = ws.Provider
	}
	if ws.Repository != "" {
		out.Repository = ws.Repository
	}
	if ws.Token != "" {
		out.Token = ws.Token
	}
	if ws.Branch != "" {
		out.Branch = ws.Branch
	}
	if ws.BaseURL != "" {
		out.BaseURL = ws.BaseURL
	}
	if ws.AutoSync != nil {
		out.AutoSync = ws.AutoSync
	}
	return out
}

// IsConfigured reports whether the resolved settings are complete enough to
// talk to a remote host.
func (s SyncConfig) IsConfigured() bool {
	return s.Provider != "" && s.Repository != "" && s.Token != ""
}

// AutoSyncEnabled reports whether background sync is switched on. The flag
// is tri-state so a workspace can turn globally-enabled auto-sync off; unset
// means off.
func (s SyncConfig) AutoSyncEnabled() bool {
	return s.AutoSync != nil && *s.AutoSync
}

// StateFilePath returns the path of the file-state snapshot for a workspace.
func (c *Config) StateFilePath(workspaceID string) string {
	if workspaceID == "" {
		workspaceID = "default"
	}
	return filepath.Join(c.Paths.StateDir, "filestate-"+workspaceID+".json")
}
