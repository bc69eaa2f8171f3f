package models

import (
	"time"
)

// ProcessStatus is the lifecycle state of a background process.
type ProcessStatus string

const (
	// ProcessRunning means the process group is alive.
	ProcessRunning ProcessStatus = "running"

	// ProcessExited means the leader exited on its own.
	ProcessExited ProcessStatus = "exited"

	// ProcessKilled means the runtime terminated the process group.
	ProcessKilled ProcessStatus = "killed"

	// ProcessFailed means the process could not be started.
	ProcessFailed ProcessStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ProcessStatus) Terminal() bool {
	return s != ProcessRunning
}

// Sentinel exit codes for outcomes that have no real process exit status.
// Real exit codes are >= 0; signal deaths are reported as 128+signal.
const (
	// ExitCodeTimeout marks a command killed by its own timeout.
	ExitCodeTimeout = -2

	// ExitCodeAborted marks a command killed by caller abort.
	ExitCodeAborted = -3
)

// BackgroundProcess describes one spawned background command. The process is
// the leader of its own process group, so PID doubles as the group id, and
// termination signals the whole group.
type BackgroundProcess struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	PID         int           `json:"pid"`
	Script      string        `json:"script"`
	DisplayName string        `json:"display_name,omitempty"`
	OutputDir   string        `json:"output_dir"`
	StartTime   time.Time     `json:"start_time"`
	Status      ProcessStatus `json:"status"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	ExitTime    *time.Time    `json:"exit_time,omitempty"`
}

// OutputLogName is the filename of a background process's combined
// stdout+stderr log inside its OutputDir.
const OutputLogName = "output.log"
