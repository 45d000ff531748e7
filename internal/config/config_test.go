package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/state")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "/state/vcslog/index", cfg.StorageDir)
	assert.Equal(t, time.Second, cfg.Heavy.Debounce)
	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Watch.StaleLock)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
roots:
  - ~/src/a
  - /srv/b
storage_dir: ~/index
max_commits: 500
power_save: true
metrics_addr: 127.0.0.1:9090
heavy:
  grace_delay: 250ms
watch:
  enabled: false
  refresh_delay: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(home, "src/a"), "/srv/b"}, cfg.Roots)
	assert.Equal(t, filepath.Join(home, "index"), cfg.StorageDir)
	assert.Equal(t, 500, cfg.MaxCommits)
	assert.True(t, cfg.PowerSave)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Heavy.GraceDelay)
	assert.Equal(t, time.Second, cfg.Heavy.Debounce, "unset keys keep defaults")
	assert.False(t, cfg.Watch.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Watch.RefreshDelay)

	gate := cfg.GateConfig()
	assert.Equal(t, 250*time.Millisecond, gate.GraceDelay)
	assert.Equal(t, time.Minute, gate.LongActivity)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_commits: -1\nheavy:\n  debounce: -1s\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_commits")
	assert.Contains(t, err.Error(), "heavy.debounce")

	require.NoError(t, os.WriteFile(path, []byte("roots: [unterminated"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parsing config")
}

func TestPathFollowsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/vcslog/config.yaml", Path())
}
