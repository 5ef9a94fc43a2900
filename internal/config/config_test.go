package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
sync:
  provider: github
  repository: acme/collections
  token: tok
paths:
  state_dir: /var/lib/colsyncd
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Sync.Branch)
	assert.Equal(t, "/var/lib/colsyncd/colsyncd.db", cfg.Paths.Database)
	assert.Equal(t, "127.0.0.1:4780", cfg.Serve.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Serve.AutoSyncInterval)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("COLSYNC_TOKEN", "secret-token")
	t.Setenv("COLSYNC_STATE", "/var/lib/colsyncd")

	path := writeConfig(t, `
sync:
  provider: gitlab
  repository: group/project
  token: ${COLSYNC_TOKEN}
paths:
  state_dir: ${COLSYNC_STATE}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Sync.Token)
	assert.Equal(t, "/var/lib/colsyncd", cfg.Paths.StateDir)
}

func TestLoadRejectsInvalidProvider(t *testing.T) {
	path := writeConfig(t, `
sync:
  provider: bitbucket
  repository: acme/collections
  token: tok
paths:
  state_dir: /var/lib/colsyncd
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sync.provider")
}

func TestLoadRejectsRelativeStateDir(t *testing.T) {
	path := writeConfig(t, `
sync:
  provider: github
  repository: acme/collections
  token: tok
paths:
  state_dir: relative/dir
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute path")
}

func TestLoadRejectsRepositoryWithoutOwner(t *testing.T) {
	path := writeConfig(t, `
sync:
  provider: github
  repository: justaname
  token: tok
paths:
  state_dir: /var/lib/colsyncd
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner/repo")
}

func TestResolveFallsBackFieldByField(t *testing.T) {
	cfg := &Config{
		Sync: SyncConfig{
			Provider:   ProviderGitHub,
			Repository: "acme/collections",
			Token:      "global-token",
			Branch:     "main",
		},
		Workspaces: map[string]SyncConfig{
			"team-a": {Repository: "acme/team-a-collections", Branch: "sync"},
		},
	}

	resolved := cfg.Resolve("team-a")
	assert.Equal(t, ProviderGitHub, resolved.Provider)
	assert.Equal(t, "acme/team-a-collections", resolved.Repository)
	assert.Equal(t, "global-token", resolved.Token)
	assert.Equal(t, "sync", resolved.Branch)

	// Unknown and empty workspace IDs resolve to the global settings.
	assert.Equal(t, cfg.Sync, cfg.Resolve("unknown"))
	assert.Equal(t, cfg.Sync, cfg.Resolve(""))
}

func TestResolveWorkspaceDisablesAutoSync(t *testing.T) {
	path := writeConfig(t, `
sync:
  provider: github
  repository: acme/collections
  token: tok
  auto_sync: true
workspaces:
  team-off:
    auto_sync: false
  team-inherit:
    branch: sync
paths:
  state_dir: /var/lib/colsyncd
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Resolve("").AutoSyncEnabled())
	assert.False(t, cfg.Resolve("team-off").AutoSyncEnabled(), "an explicit false must override the global setting")
	assert.True(t, cfg.Resolve("team-inherit").AutoSyncEnabled(), "an unset flag inherits the global setting")
}

func TestIsConfigured(t *testing.T) {
	assert.False(t, SyncConfig{}.IsConfigured())
	assert.False(t, SyncConfig{Provider: ProviderGitHub, Repository: "a/b"}.IsConfigured())
	assert.True(t, SyncConfig{Provider: ProviderGitHub, Repository: "a/b", Token: "t"}.IsConfigured())
}

func TestStateFilePath(t *testing.T) {
	cfg := &Config{Paths: PathsConfig{StateDir: "/var/lib/colsyncd"}}
	assert.Equal(t, "/var/lib/colsyncd/filestate-default.json", cfg.StateFilePath(""))
	assert.Equal(t, "/var/lib/colsyncd/filestate-team-a.json", cfg.StateFilePath("team-a"))
}
