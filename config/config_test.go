package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex-tank-api/tankapi/config"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tankapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9999\"\ndisposable: true\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.True(t, cfg.Disposable)
	assert.Equal(t, config.Default().TestsDir, cfg.TestsDir)
}

func TestHeartbeatDuration(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultHeartbeatSeconds = 60
	assert.Equal(t, time.Minute, cfg.Heartbeat())
}
