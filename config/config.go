// Package config loads pool definitions and tunables from a YAML file
// (spec §6's "Configuration options recognized"), with an optional
// .env overlay for local developer overrides, generalizing the
// teacher's core/env/env_manager.go godotenv usage.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/necrocode/repopool/pool"
	"github.com/necrocode/repopool/slotmodel"
)

// CleanupOptions are the per-pool cleanup toggles from spec §6. Pointer
// fields distinguish "omitted" from "explicitly false": a pool
// definition that carries no cleanup_options block at all defaults to
// every toggle on (slotmodel.DefaultCleanupOptions), matching the
// unconditional-cleanup behavior that predates these toggles.
type CleanupOptions struct {
	FetchOnAllocate *bool `yaml:"fetch_on_allocate"`
	CleanOnRelease  *bool `yaml:"clean_on_release"`
	WarmupEnabled   *bool `yaml:"warmup_enabled"`
}

func boolDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// resolve projects a YAML CleanupOptions (with its possibly-nil
// fields) down to slotmodel's concrete CleanupOptions.
func (c CleanupOptions) resolve() slotmodel.CleanupOptions {
	return slotmodel.CleanupOptions{
		FetchOnAllocate: boolDefault(c.FetchOnAllocate, true),
		CleanOnRelease:  boolDefault(c.CleanOnRelease, true),
		WarmupEnabled:   boolDefault(c.WarmupEnabled, true),
	}
}

// PoolDefinition is one entry under `pools:` in the YAML file.
type PoolDefinition struct {
	RepoName       string         `yaml:"repo_name"`
	RepoURL        string         `yaml:"repo_url"`
	NumSlots       int            `yaml:"num_slots"`
	CleanupOptions CleanupOptions `yaml:"cleanup_options"`
}

// Config is the full set of options spec §6 recognizes.
type Config struct {
	WorkspacesDir   string           `yaml:"workspaces_dir"`
	DefaultNumSlots int              `yaml:"default_num_slots"`
	LockTimeout     float64          `yaml:"lock_timeout"`
	CleanupTimeout  float64          `yaml:"cleanup_timeout"`
	StaleLockHours  int              `yaml:"stale_lock_hours"`
	EnableMetrics   bool             `yaml:"enable_metrics"`
	Pools           []PoolDefinition `yaml:"pools"`
}

// ConfigValidationError reports a malformed configuration file,
// carried forward from the original Python's config.py.
type ConfigValidationError struct {
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

func defaultWorkspacesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".necrocode/workspaces"
	}
	return filepath.Join(home, ".necrocode", "workspaces")
}

// Defaults returns the built-in defaults applied before the YAML file
// is merged in.
func Defaults() Config {
	return Config{
		WorkspacesDir:   defaultWorkspacesDir(),
		DefaultNumSlots: 2,
		LockTimeout:     30,
		CleanupTimeout:  300,
		StaleLockHours:  24,
		EnableMetrics:   true,
	}
}

// Load reads a YAML config file at path, applying Defaults() for any
// field the file omits, then overlays a sibling .env file (if present)
// on top of workspaces_dir/lock_timeout for local developer overrides,
// mirroring the teacher's env manager. Validates that every pool
// definition carries a repo_url and a slot_id-grammar-safe repo_name
// (original config.py's validation, spec §9).
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := overlayDotEnv(&cfg, filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return cfg, err
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func overlayDotEnv(cfg *Config, envPath string) error {
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	}
	envMap, err := godotenv.Read(envPath)
	if err != nil {
		return fmt.Errorf("reading .env overlay %s: %w", envPath, err)
	}
	if v, ok := envMap["WORKSPACES_DIR"]; ok && v != "" {
		cfg.WorkspacesDir = v
	}
	if v, ok := envMap["LOCK_TIMEOUT"]; ok && v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			cfg.LockTimeout = f
		}
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.DefaultNumSlots < 1 {
		return &ConfigValidationError{Reason: "default_num_slots must be >= 1"}
	}
	if cfg.LockTimeout <= 0 {
		return &ConfigValidationError{Reason: "lock_timeout must be > 0"}
	}
	for _, def := range cfg.Pools {
		if def.RepoName == "" {
			return &ConfigValidationError{Reason: "a pool definition is missing repo_name"}
		}
		if !slotmodel.ValidRepoName(def.RepoName) {
			return &ConfigValidationError{Reason: fmt.Sprintf("pool %q: repo_name is ambiguous with the slot_id grammar (contains -slot<digits>)", def.RepoName)}
		}
		if def.RepoURL == "" {
			return &ConfigValidationError{Reason: fmt.Sprintf("pool %q is missing repo_url", def.RepoName)}
		}
	}
	return nil
}

// ManagerConfig projects Config down to pool.Config's tunables.
func (c Config) ManagerConfig() pool.Config {
	return pool.Config{
		DefaultNumSlots: c.DefaultNumSlots,
		LockTimeout:     secondsToDuration(c.LockTimeout),
		CleanupTimeout:  secondsToDuration(c.CleanupTimeout),
		StaleLockHours:  c.StaleLockHours,
		EnableMetrics:   c.EnableMetrics,
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// PoolDefinitions projects Config's pool entries down to the minimal
// shape pool.Manager.ReloadConfig needs.
func (c Config) PoolDefinitions() []pool.PoolDefinition {
	defs := make([]pool.PoolDefinition, 0, len(c.Pools))
	for _, d := range c.Pools {
		numSlots := d.NumSlots
		if numSlots < 1 {
			numSlots = c.DefaultNumSlots
		}
		defs = append(defs, pool.PoolDefinition{
			RepoName:       d.RepoName,
			RepoURL:        d.RepoURL,
			NumSlots:       numSlots,
			CleanupOptions: d.CleanupOptions.resolve(),
		})
	}
	return defs
}
