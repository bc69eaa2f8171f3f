package config

import "time"

// SessionConfig controls per-workspace session behavior.
type SessionConfig struct {
	// EventBuffer is the per-subscriber event channel buffer size.
	EventBuffer int `yaml:"event_buffer"`

	// AutoRetry configures startup auto-retry of interrupted user turns.
	AutoRetry AutoRetryConfig `yaml:"auto_retry"`
}

// AutoRetryConfig controls startup auto-retry behavior. A per-workspace
// auto-retry.json opt-out always takes precedence over these settings.
type AutoRetryConfig struct {
	// Enabled gates auto-retry globally. Nil means enabled.
	Enabled *bool `yaml:"enabled"`

	// MaxAttempts bounds retries of a single interrupted user tail.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the initial backoff between deferred retry checks.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// HooksConfig controls the external tool-hook protocol.
type HooksConfig struct {
	// PreTimeout is the hard budget for the pre phase (hook start until it
	// prints the ready token). Tool execution never counts toward it.
	PreTimeout time.Duration `yaml:"pre_timeout"`

	// PostTimeout is the hard budget for the post phase (result written to
	// hook stdin until hook exit).
	PostTimeout time.Duration `yaml:"post_timeout"`

	// SlowWarning logs a warning when a hook phase exceeds this threshold.
	SlowWarning time.Duration `yaml:"slow_warning"`

	// InputSpillBytes is the tool-input size above which the input is
	// written to a file and MUX_TOOL_INPUT carries the file sentinel.
	InputSpillBytes int `yaml:"input_spill_bytes"`
}

// SkillsConfig controls skill discovery and caching.
type SkillsConfig struct {
	// Dir overrides the skills root. Defaults to <home>/skills.
	Dir string `yaml:"dir"`

	// CacheTTL bounds how long parsed skills are served from cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}
