package models

import (
	"time"
)

// InitStatus is the lifecycle state of workspace initialization.
type InitStatus string

const (
	InitRunning InitStatus = "running"
	InitSuccess InitStatus = "success"
	InitError   InitStatus = "error"
)

// InitPhase distinguishes what the init sequence is currently doing.
type InitPhase string

const (
	// InitPhaseRuntimeSetup covers provisioning before the hook runs.
	InitPhaseRuntimeSetup InitPhase = "runtime_setup"

	// InitPhaseHook covers execution of the workspace init hook.
	InitPhaseHook InitPhase = "init_hook"
)

// TimedLine is one captured line of init output.
type TimedLine struct {
	Line      string    `json:"line"`
	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InitState is the observable state of a workspace init run. Lines is a
// bounded window of the most recent output; TruncatedLines counts lines
// dropped beyond the cap.
type InitState struct {
	Status         InitStatus  `json:"status"`
	Phase          InitPhase   `json:"phase"`
	HookPath       string      `json:"hook_path,omitempty"`
	StartTime      time.Time   `json:"start_time"`
	HookStartTime  *time.Time  `json:"hook_start_time,omitempty"`
	Lines          []TimedLine `json:"lines,omitempty"`
	TruncatedLines int         `json:"truncated_lines,omitempty"`
	ExitCode       *int        `json:"exit_code,omitempty"`
	EndTime        *time.Time  `json:"end_time,omitempty"`
}

// Done reports whether init reached a terminal status.
func (s *InitState) Done() bool {
	return s.Status != InitRunning
}
