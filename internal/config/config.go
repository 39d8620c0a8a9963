// Package config loads the knobs cmd/avsw-master-demo and cmd/avsw-repl
// need to pick a segment size, ring capacities, slave binary path, and log
// verbosity: a JSONC file parsed with hujson, overridable from the command
// line with pflag.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/avsw/shmipc/internal/shm"
)

// DefaultFileName is the config file avsw-master-demo looks for in the
// working directory if -config is not given.
const DefaultFileName = "avswipc.hujson"

// Config holds everything needed to size a segment and spawn a slave.
type Config struct {
	QueueCapacity uint32 `json:"queue_capacity,omitempty"`
	HeapCapacity  uint32 `json:"heap_capacity,omitempty"`
	SlavePath     string `json:"slave_path,omitempty"`
	LogVerbose    bool   `json:"log_verbose,omitempty"`
}

// Default returns the configuration used when no file and no CLI overrides
// are given, sized the same way shm.DefaultLayout sizes an unconfigured
// segment.
func Default() Config {
	l := shm.DefaultLayout()
	return Config{
		QueueCapacity: l.QueueCapacity,
		HeapCapacity:  l.HeapCapacity,
		SlavePath:     "avsw-slave",
		LogVerbose:    false,
	}
}

// Layout converts the loaded configuration into a shm.Layout.
func (c Config) Layout() shm.Layout {
	return shm.Layout{QueueCapacity: c.QueueCapacity, HeapCapacity: c.HeapCapacity}
}

// Load reads path as JSONC (comments and trailing commas allowed) and
// merges it over Default, leaving any zero-valued field at its default.
// A missing file at path is not an error: Load returns Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	fileCfg, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return merge(cfg, fileCfg), nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.QueueCapacity != 0 {
		base.QueueCapacity = overlay.QueueCapacity
	}
	if overlay.HeapCapacity != 0 {
		base.HeapCapacity = overlay.HeapCapacity
	}
	if overlay.SlavePath != "" {
		base.SlavePath = overlay.SlavePath
	}
	if overlay.LogVerbose {
		base.LogVerbose = true
	}
	return base
}

// ApplyOverrides merges any non-zero override field over cfg, for CLI flags
// that were explicitly set (see cmd/avsw-master-demo's pflag wiring).
func ApplyOverrides(cfg, overrides Config) Config {
	return merge(cfg, overrides)
}
