// Package config loads the process-wide configuration snapshot: the
// recognized options of spec section 6.4 plus the ambient options every
// runnable service needs (listen addresses, log level/format).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved configuration snapshot. It is immutable once
// loaded; a fresh process restart is required to pick up changes, matching
// the teacher's "requires restart to take effect" convention for
// process-wide settings.
type Config struct {
	// ReservedSpace is the free-space fraction reserved for operations, in [0,1).
	ReservedSpace float64 `yaml:"reservedSpace"`

	// NodeBackendStatStaleTimeout is the stall threshold, a duration (e.g.
	// "120s" in YAML), compared at whole-second resolution.
	NodeBackendStatStaleTimeout time.Duration `yaml:"nodeBackendStatStaleTimeout"`

	// ForbiddenDHTGroups, if true, marks any group with more than one
	// backend BROKEN.
	ForbiddenDHTGroups bool `yaml:"forbiddenDhtGroups"`

	// ForbiddenUnmatchedGroupTotalSpace, if true, marks couples whose
	// member groups disagree on total_space BROKEN.
	ForbiddenUnmatchedGroupTotalSpace bool `yaml:"forbiddenUnmatchedGroupTotalSpace"`

	// RefreshInterval is the sleep between refresh cycles.
	RefreshInterval time.Duration `yaml:"refreshInterval"`

	// NodePollTimeout bounds a single node's poll RPC.
	NodePollTimeout time.Duration `yaml:"nodePollTimeout"`

	// DCCacheUpdatePeriod is the DC resolver's periodic reload cadence.
	DCCacheUpdatePeriod time.Duration `yaml:"dcCacheUpdatePeriod"`

	// DCCacheValidTime is the per-entry TTL enforced during reload.
	DCCacheValidTime time.Duration `yaml:"dcCacheValidTime"`

	// InventoryWorkerTimeout bounds a single external DC lookup call.
	InventoryWorkerTimeout time.Duration `yaml:"inventoryWorkerTimeout"`

	// AppName is used to compose the external lookup service name as
	// "<appName>-inventory".
	AppName string `yaml:"appName"`

	// Nodes lists the storage nodes to poll each cycle, "host:port:family"
	// per entry. Spec section 1 leaves node discovery out of scope for the
	// core; this is the module's static default for a runnable process.
	Nodes []string `yaml:"nodes"`

	// Metadata holds the persistent record store connection settings.
	Metadata MetadataConfig `yaml:"metadata"`

	// ListenAddr is the read-only query surface's listen address.
	ListenAddr string `yaml:"listenAddr"`

	// MetricsAddr is the prometheus /metrics listen address.
	MetricsAddr string `yaml:"metricsAddr"`

	// LogLevel and LogFormat configure internal/logger.
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// MetadataConfig holds the persistent record store connection settings
// named in spec section 6.4.
type MetadataConfig struct {
	URL              string `yaml:"url"`
	InventoryDB      string `yaml:"inventoryDb"`
	ConnectTimeoutMS int    `yaml:"connectTimeoutMs"`
	RecordStorePath  string `yaml:"recordStorePath"`
}

// Default returns a Config populated with the module's built-in defaults.
func Default() Config {
	return Config{
		ReservedSpace:                     0.05,
		NodeBackendStatStaleTimeout:       120 * time.Second,
		ForbiddenDHTGroups:                true,
		ForbiddenUnmatchedGroupTotalSpace: false,
		RefreshInterval:                   60 * time.Second,
		NodePollTimeout:                   5 * time.Second,
		DCCacheUpdatePeriod:               300 * time.Second,
		DCCacheValidTime:                  24 * time.Hour,
		InventoryWorkerTimeout:            2 * time.Second,
		AppName:                           "fleetmon",
		Metadata: MetadataConfig{
			ConnectTimeoutMS: 1000,
			RecordStorePath:  "/var/lib/fleetmon/dc-cache.db",
		},
		ListenAddr:  ":10025",
		MetricsAddr: ":10080",
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// Load reads a YAML config file at path, filling unset fields from Default,
// then applies a fixed allow-list of environment variable overrides
// (FLEETMON_<UPPER_SNAKE>), mirroring the teacher's env-override layer
// scaled down to this module's option set.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.ReservedSpace < 0 || cfg.ReservedSpace >= 1 {
		return Config{}, fmt.Errorf("config: reservedSpace must be in [0,1), got %v", cfg.ReservedSpace)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETMON_APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := os.Getenv("FLEETMON_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLEETMON_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("FLEETMON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLEETMON_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FLEETMON_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RefreshInterval = d
		}
	}
	if v := os.Getenv("FLEETMON_RESERVED_SPACE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ReservedSpace = f
		}
	}
}
