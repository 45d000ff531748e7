// Package config loads vcslog settings.
//
// The file lives at $XDG_CONFIG_HOME/vcslog/config.yaml (~/.config/vcslog
// when unset). A missing file means defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thiagokokada/vcslog/internal/heavy"
	"github.com/thiagokokada/vcslog/internal/watch"
)

const appName = "vcslog"

type HeavyConfig struct {
	Debounce     time.Duration `yaml:"debounce,omitempty"`
	GraceDelay   time.Duration `yaml:"grace_delay,omitempty"`
	LongActivity time.Duration `yaml:"long_activity,omitempty"`
}

type WatchConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Debounce     time.Duration `yaml:"debounce,omitempty"`
	RefreshDelay time.Duration `yaml:"refresh_delay,omitempty"` // wait after heavy activity ended
	StaleLock    time.Duration `yaml:"stale_lock,omitempty"`    // lock files older than this stop counting as heavy
}

type Config struct {
	Roots       []string    `yaml:"roots,omitempty"`
	StorageDir  string      `yaml:"storage_dir,omitempty"` // empty keeps the index in memory
	MaxCommits  int         `yaml:"max_commits,omitempty"`
	PowerSave   bool        `yaml:"power_save,omitempty"`
	MetricsAddr string      `yaml:"metrics_addr,omitempty"`
	Heavy       HeavyConfig `yaml:"heavy,omitempty"`
	Watch       WatchConfig `yaml:"watch,omitempty"`
}

func Default() Config {
	gate := heavy.DefaultConfig()
	return Config{
		MaxCommits: 100_000,
		StorageDir: filepath.Join(stateDir(), "index"),
		Heavy: HeavyConfig{
			Debounce:     gate.Debounce,
			GraceDelay:   gate.GraceDelay,
			LongActivity: gate.LongActivity,
		},
		Watch: WatchConfig{
			Enabled:      true,
			Debounce:     watch.DefaultDebounce,
			RefreshDelay: time.Second,
			StaleLock:    watch.DefaultStaleLock,
		},
	}
}

// GateConfig converts the heavy section.
func (c Config) GateConfig() heavy.Config {
	return heavy.Config{
		Debounce:     c.Heavy.Debounce,
		GraceDelay:   c.Heavy.GraceDelay,
		LongActivity: c.Heavy.LongActivity,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxCommits < 0 {
		errs = append(errs, fmt.Errorf("max_commits must not be negative, got %d", c.MaxCommits))
	}
	for name, d := range map[string]time.Duration{
		"heavy.debounce":      c.Heavy.Debounce,
		"heavy.grace_delay":   c.Heavy.GraceDelay,
		"heavy.long_activity": c.Heavy.LongActivity,
		"watch.debounce":      c.Watch.Debounce,
		"watch.refresh_delay": c.Watch.RefreshDelay,
		"watch.stale_lock":    c.Watch.StaleLock,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName)
}

func stateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", appName)
}

// Path returns the default config file location, or "" when there is no
// home directory.
func Path() string {
	dir := configDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	for i := range cfg.Roots {
		cfg.Roots[i] = expandHome(cfg.Roots[i])
	}
	cfg.StorageDir = expandHome(cfg.StorageDir)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
