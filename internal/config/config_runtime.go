package config

// Runtime type identifiers.
const (
	RuntimeLocal   = "local"
	RuntimeWrapped = "wrapped"
)

// RuntimeConfig selects how workspace commands execute.
type RuntimeConfig struct {
	// Type is "local" (direct exec on this host) or "wrapped" (every
	// command is prefixed with Wrapper, e.g. ssh or devcontainer exec).
	Type string `yaml:"type"`

	// Wrapper is the command vector prepended to every exec when Type is
	// "wrapped". Wrapped runtimes always use POSIX path semantics.
	Wrapper []string `yaml:"wrapper"`

	// Niceness applies `nice -n <value>` to spawned commands when non-zero.
	Niceness int `yaml:"niceness"`

	// TempDir overrides the runtime temp directory used for background
	// process output. Defaults to the runtime's os temp dir.
	TempDir string `yaml:"temp_dir"`
}

// ProviderConfig selects the model provider subprocess. The command is
// spawned once per stream and speaks line-delimited JSON over stdio; model
// and credential handling stay inside it.
type ProviderConfig struct {
	// Command is the provider executable vector, e.g. ["mux-provider"].
	Command []string `yaml:"command"`

	// Env is merged over the daemon environment for the subprocess.
	Env map[string]string `yaml:"env"`
}

// RelayConfig configures the websocket event relay.
type RelayConfig struct {
	// Enabled starts the relay listener. The relay serves /ws for event
	// subscribers, /metrics for prometheus, and /healthz.
	Enabled bool `yaml:"enabled"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// History backend identifiers.
const (
	HistoryBackendJSONL  = "jsonl"
	HistoryBackendSQLite = "sqlite"
)

// HistoryConfig selects the message history backend.
type HistoryConfig struct {
	// Backend is "jsonl" (per-workspace history.jsonl under the session
	// directory) or "sqlite" (a shared history.db).
	Backend string `yaml:"backend"`

	// SQLitePath overrides the database location for the sqlite backend.
	// Defaults to <home>/history.db.
	SQLitePath string `yaml:"sqlite_path"`
}
