package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultsAreSaneStandaloneValues(t *testing.T) {
	d := Defaults()
	require.Equal(t, 2, d.DefaultNumSlots)
	require.Equal(t, 30.0, d.LockTimeout)
	require.Equal(t, 24, d.StaleLockHours)
	require.True(t, d.EnableMetrics)
	require.NotEmpty(t, d.WorkspacesDir)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoadParsesPoolsAndOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pools.yaml", `
workspaces_dir: /var/lib/repopool/workspaces
default_num_slots: 4
lock_timeout: 45
stale_lock_hours: 12
pools:
  - repo_name: demo
    repo_url: https://example.test/demo.git
    num_slots: 3
  - repo_name: other
    repo_url: https://example.test/other.git
    cleanup_options:
      fetch_on_allocate: true
      clean_on_release: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/repopool/workspaces", cfg.WorkspacesDir)
	require.Equal(t, 4, cfg.DefaultNumSlots)
	require.Equal(t, 45.0, cfg.LockTimeout)
	require.Equal(t, 12, cfg.StaleLockHours)
	require.Len(t, cfg.Pools, 2)
	require.Equal(t, "demo", cfg.Pools[0].RepoName)
	require.Equal(t, 3, cfg.Pools[0].NumSlots)
	require.NotNil(t, cfg.Pools[1].CleanupOptions.FetchOnAllocate)
	require.True(t, *cfg.Pools[1].CleanupOptions.FetchOnAllocate)
	require.Nil(t, cfg.Pools[1].CleanupOptions.WarmupEnabled)
}

func TestLoadRejectsPoolMissingRepoURL(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pools.yaml", `
pools:
  - repo_name: demo
`)
	_, err := Load(path)
	require.Error(t, err)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLoadRejectsPoolMissingRepoName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pools.yaml", `
pools:
  - repo_url: https://example.test/demo.git
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveLockTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pools.yaml", "lock_timeout: 0\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadOverlaysSiblingDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pools.yaml", "workspaces_dir: /default/workspaces\nlock_timeout: 30\n")
	writeFile(t, dir, ".env", "WORKSPACES_DIR=/override/workspaces\nLOCK_TIMEOUT=90\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/override/workspaces", cfg.WorkspacesDir)
	require.Equal(t, 90.0, cfg.LockTimeout)
}

func TestLoadWithoutDotEnvLeavesFileValuesIntact(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pools.yaml", "workspaces_dir: /default/workspaces\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/default/workspaces", cfg.WorkspacesDir)
}

func TestManagerConfigProjectsSecondsToDurations(t *testing.T) {
	cfg := Defaults()
	cfg.LockTimeout = 45
	cfg.CleanupTimeout = 120

	mc := cfg.ManagerConfig()
	require.Equal(t, 45e9, float64(mc.LockTimeout))
	require.Equal(t, 120e9, float64(mc.CleanupTimeout))
	require.Equal(t, cfg.DefaultNumSlots, mc.DefaultNumSlots)
	require.Equal(t, cfg.StaleLockHours, mc.StaleLockHours)
}

func TestPoolDefinitionsFallsBackToDefaultNumSlots(t *testing.T) {
	cfg := Defaults()
	cfg.DefaultNumSlots = 5
	cfg.Pools = []PoolDefinition{
		{RepoName: "demo", RepoURL: "https://example.test/demo.git"},
		{RepoName: "other", RepoURL: "https://example.test/other.git", NumSlots: 2},
	}

	defs := cfg.PoolDefinitions()
	require.Len(t, defs, 2)
	require.Equal(t, 5, defs[0].NumSlots)
	require.Equal(t, 2, defs[1].NumSlots)
}

func TestPoolDefinitionsDefaultsCleanupOptionsWhenOmitted(t *testing.T) {
	cfg := Defaults()
	cfg.Pools = []PoolDefinition{
		{RepoName: "demo", RepoURL: "https://example.test/demo.git"},
	}

	defs := cfg.PoolDefinitions()
	require.True(t, defs[0].CleanupOptions.FetchOnAllocate)
	require.True(t, defs[0].CleanupOptions.CleanOnRelease)
	require.True(t, defs[0].CleanupOptions.WarmupEnabled)
}

func TestPoolDefinitionsHonorsExplicitCleanupOptions(t *testing.T) {
	no := false
	cfg := Defaults()
	cfg.Pools = []PoolDefinition{
		{
			RepoName: "demo", RepoURL: "https://example.test/demo.git",
			CleanupOptions: CleanupOptions{CleanOnRelease: &no},
		},
	}

	defs := cfg.PoolDefinitions()
	require.True(t, defs[0].CleanupOptions.FetchOnAllocate)
	require.False(t, defs[0].CleanupOptions.CleanOnRelease)
	require.True(t, defs[0].CleanupOptions.WarmupEnabled)
}
