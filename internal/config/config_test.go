package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.hujson"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadParsesJSONCWithCommentsAndOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avswipc.hujson")
	const body = `{
  // ring capacity for each direction
  "queue_capacity": 65536,
  "slave_path": "/opt/avsw/avsw-slave",
  "log_verbose": true,
}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(65536), cfg.QueueCapacity)
	require.Equal(t, "/opt/avsw/avsw-slave", cfg.SlavePath)
	require.True(t, cfg.LogVerbose)
	require.Equal(t, Default().HeapCapacity, cfg.HeapCapacity)
}

func TestLoadRejectsMalformedJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hujson")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyOverridesOnlyTouchesNonZeroFields(t *testing.T) {
	base := Config{QueueCapacity: 1024, HeapCapacity: 2048, SlavePath: "base-slave"}
	overrides := Config{SlavePath: "cli-slave"}

	got := ApplyOverrides(base, overrides)
	require.Equal(t, uint32(1024), got.QueueCapacity)
	require.Equal(t, uint32(2048), got.HeapCapacity)
	require.Equal(t, "cli-slave", got.SlavePath)
}

func TestLayoutConvertsConfig(t *testing.T) {
	cfg := Config{QueueCapacity: 4096, HeapCapacity: 8192}
	l := cfg.Layout()
	require.Equal(t, uint32(4096), l.QueueCapacity)
	require.Equal(t, uint32(8192), l.HeapCapacity)
}
