package procconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hmrd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Verbosity)
	assert.Equal(t, "unix", cfg.Listen.CommandNetwork)
	assert.Equal(t, 3600, cfg.Telemetry.RingCapacity)
	assert.Equal(t, 8, cfg.Checkpoint.MaxPerModule)
	assert.Equal(t, 16*time.Millisecond, cfg.Loops.TickInterval)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeTempYAML(t, `
root: /var/lib/hmrd
verbosity: debug
listen:
  command_network: tcp
  command_address: 127.0.0.1:9091
loops:
  tick_interval: 8ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hmrd", cfg.Root)
	assert.Equal(t, "debug", cfg.Verbosity)
	assert.Equal(t, "tcp", cfg.Listen.CommandNetwork)
	assert.Equal(t, "127.0.0.1:9091", cfg.Listen.CommandAddress)
	assert.Equal(t, 8*time.Millisecond, cfg.Loops.TickInterval)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("HMRD_VERBOSITY", "warn")
	t.Setenv("HMRD_LISTEN_STATUS_ADDRESS", "0.0.0.0:9999")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Verbosity)
	assert.Equal(t, "0.0.0.0:9999", cfg.Listen.StatusAddress)
}

func TestLoadRejectsInvalidVerbosity(t *testing.T) {
	path := writeTempYAML(t, "verbosity: shout\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadToleratesAbsentConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
}
