package experiments

// Config defines experiment flag configuration.
type Config struct {
	Flags []Flag `yaml:"flags"`
}

// Flag defines a single gated behavior.
type Flag struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Status      string `yaml:"status"`     // active | inactive
	Allocation  int    `yaml:"allocation"` // percentage 0-100
}

// Flag identifiers known to the runtime.
const (
	// ExecSubagentHardRestart lets exec-lineage subagents clear their
	// history and restart with a continuation notice when a stream exceeds
	// the context window even after dropping post-compaction attachments.
	ExecSubagentHardRestart = "exec_subagent_hard_restart"
)
