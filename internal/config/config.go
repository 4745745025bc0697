// Package config provides configuration management for agentpool.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Defaults.
const (
	DefaultListenPort = 4915
	DefaultBackend    = "opencode"
	DefaultHostname   = "127.0.0.1"
	DefaultBasePort   = 4096
	DefaultPortRange  = 100
	DefaultMaxPool    = 10
)

// Timing defaults. These mirror the backend's observed behavior; see the
// pool and session packages for where each one applies.
const (
	DefaultReadyTimeout    = 10 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	DefaultProbeTimeout    = 2 * time.Second
	DefaultMessageCacheTTL = 5 * time.Second
)

// Config holds agentpool configuration.
//
// The settings file is an open key-value document: the keys below are the
// subset this daemon validates and acts on. Everything else is preserved in
// Extra and passed through to spawned backend processes via their
// environment, since the file is user-editable and partially unknown in
// shape.
type Config struct {
	ListenPort      int           // control API port
	Backend         string        // backend executable name
	Hostname        string        // hostname backends bind to
	BasePort        int           // first port in the backend port range
	PortRange       int           // number of ports in the range
	MaxPool         int           // maximum pooled backend processes
	Model           string        // model id forwarded to backends
	PermissionMode  string        // permission flag forwarded to backends
	ReadyTimeout    time.Duration // spawn-to-listening deadline
	HealthInterval  time.Duration // per-record health probe tick
	ProbeTimeout    time.Duration // single health probe deadline
	MessageCacheTTL time.Duration // message cache staleness bound

	Extra map[string]string // opaque passthrough settings
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenPort:      DefaultListenPort,
		Backend:         DefaultBackend,
		Hostname:        DefaultHostname,
		BasePort:        DefaultBasePort,
		PortRange:       DefaultPortRange,
		MaxPool:         DefaultMaxPool,
		ReadyTimeout:    DefaultReadyTimeout,
		HealthInterval:  DefaultHealthInterval,
		ProbeTimeout:    DefaultProbeTimeout,
		MessageCacheTTL: DefaultMessageCacheTTL,
		Extra:           map[string]string{},
	}
}

// DataDir returns the agentpool data directory (~/.agentpool).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".agentpool")
}

// DBPath returns the session activity database path.
func DBPath() string {
	return filepath.Join(DataDir(), "agentpool.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// ProfilesPath returns the spawn profiles file path.
func ProfilesPath() string {
	return filepath.Join(DataDir(), "profiles.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if missing.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte("{}\n"), 0600)
}

// EnsureAll initializes the data directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads the settings file and returns the configuration. A missing or
// malformed file yields defaults, never an error the caller has to branch
// on: a broken settings file must not take the daemon down.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		return cfg, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, nil
	}

	for key, value := range raw {
		switch key {
		case "AGENTPOOL_LISTEN_PORT":
			if p := asInt(value); p > 0 {
				cfg.ListenPort = p
			}
		case "AGENTPOOL_BACKEND":
			if s := asString(value); s != "" {
				cfg.Backend = s
			}
		case "AGENTPOOL_HOSTNAME":
			if s := asString(value); s != "" {
				cfg.Hostname = s
			}
		case "AGENTPOOL_BASE_PORT":
			if p := asInt(value); p > 0 {
				cfg.BasePort = p
			}
		case "AGENTPOOL_PORT_RANGE":
			if n := asInt(value); n > 0 {
				cfg.PortRange = n
			}
		case "AGENTPOOL_MAX_POOL":
			if n := asInt(value); n > 0 {
				cfg.MaxPool = n
			}
		case "AGENTPOOL_MODEL":
			cfg.Model = asString(value)
		case "AGENTPOOL_PERMISSION_MODE":
			cfg.PermissionMode = asString(value)
		case "AGENTPOOL_CACHE_TTL_SECONDS":
			if n := asInt(value); n > 0 {
				cfg.MessageCacheTTL = time.Duration(n) * time.Second
			}
		case "AGENTPOOL_HEALTH_INTERVAL_SECONDS":
			if n := asInt(value); n > 0 {
				cfg.HealthInterval = time.Duration(n) * time.Second
			}
		default:
			// Unknown keys travel with the spawn environment untouched.
			cfg.Extra[key] = asString(value)
		}
	}

	return cfg, nil
}

// ListenPort returns the control API port for cfg, honoring the
// AGENTPOOL_LISTEN_PORT environment variable over the settings file.
func ListenPort(cfg *Config) int {
	if v := os.Getenv("AGENTPOOL_LISTEN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			return p
		}
	}
	return cfg.ListenPort
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
