package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/muxsh/mux/internal/experiments"
)

// Config is the main configuration structure for mux.
type Config struct {
	Version       int                    `yaml:"version"`
	Home          string                 `yaml:"home"`
	Logging       LoggingConfig          `yaml:"logging"`
	Observability ObservabilityConfig    `yaml:"observability"`
	Relay         RelayConfig            `yaml:"relay"`
	Provider      ProviderConfig         `yaml:"provider"`
	Runtime       RuntimeConfig          `yaml:"runtime"`
	Session       SessionConfig          `yaml:"session"`
	History       HistoryConfig          `yaml:"history"`
	Hooks         HooksConfig            `yaml:"hooks"`
	Skills        SkillsConfig           `yaml:"skills"`
	Agents        map[string]AgentConfig `yaml:"agents"`
	Experiments   experiments.Config     `yaml:"experiments"`
}

// Load reads, parses, and validates the configuration file.
// Both YAML (mux.yaml) and JSON5 (mux.json5) formats are supported, with
// ${ENV} expansion and $include resolution applied before decoding.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultHome returns the default mux home directory (~/.mux).
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mux"
	}
	return filepath.Join(home, ".mux")
}

// SessionsDir returns the directory holding per-workspace session state.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Home, "sessions")
}

// SkillsDir returns the skills root, honoring an explicit override.
func (c *Config) SkillsDir() string {
	if c.Skills.Dir != "" {
		return c.Skills.Dir
	}
	return filepath.Join(c.Home, "skills")
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Home == "" {
		cfg.Home = DefaultHome()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Relay.Host == "" {
		cfg.Relay.Host = "127.0.0.1"
	}
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = 7433
	}
	if cfg.Runtime.Type == "" {
		cfg.Runtime.Type = RuntimeLocal
	}
	if cfg.Session.EventBuffer == 0 {
		cfg.Session.EventBuffer = 256
	}
	if cfg.Session.AutoRetry.MaxAttempts == 0 {
		cfg.Session.AutoRetry.MaxAttempts = 3
	}
	if cfg.Session.AutoRetry.BaseDelay == 0 {
		cfg.Session.AutoRetry.BaseDelay = 2 * time.Second
	}
	if cfg.Session.AutoRetry.MaxDelay == 0 {
		cfg.Session.AutoRetry.MaxDelay = 30 * time.Second
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = HistoryBackendJSONL
	}
	if cfg.Hooks.PreTimeout == 0 {
		cfg.Hooks.PreTimeout = 10 * time.Second
	}
	if cfg.Hooks.PostTimeout == 0 {
		cfg.Hooks.PostTimeout = 30 * time.Second
	}
	if cfg.Hooks.SlowWarning == 0 {
		cfg.Hooks.SlowWarning = 5 * time.Second
	}
	if cfg.Hooks.InputSpillBytes == 0 {
		cfg.Hooks.InputSpillBytes = 32 * 1024
	}
	if cfg.Skills.CacheTTL == 0 {
		cfg.Skills.CacheTTL = 5 * time.Minute
	}
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	switch c.Runtime.Type {
	case RuntimeLocal:
		if len(c.Runtime.Wrapper) > 0 {
			return fmt.Errorf("runtime.wrapper requires runtime.type %q", RuntimeWrapped)
		}
	case RuntimeWrapped:
		if len(c.Runtime.Wrapper) == 0 {
			return fmt.Errorf("runtime.type %q requires a non-empty runtime.wrapper command", RuntimeWrapped)
		}
	default:
		return fmt.Errorf("runtime.type must be %q or %q, got %q", RuntimeLocal, RuntimeWrapped, c.Runtime.Type)
	}
	switch c.History.Backend {
	case HistoryBackendJSONL, HistoryBackendSQLite:
	default:
		return fmt.Errorf("history.backend must be %q or %q, got %q", HistoryBackendJSONL, HistoryBackendSQLite, c.History.Backend)
	}
	for id, agent := range c.Agents {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("agents: agent id must not be blank")
		}
		if err := agent.validate(id); err != nil {
			return err
		}
	}
	if c.Hooks.PreTimeout < 0 || c.Hooks.PostTimeout < 0 {
		return fmt.Errorf("hooks timeouts must not be negative")
	}
	return nil
}
