// Package runtime abstracts where workspace commands run: directly on this
// host (Local) or through a command-prefix transport such as ssh or
// devcontainer exec (Wrapped). Tools and the background process manager
// only ever touch files and processes through a Runtime, so a workspace can
// move between hosts without the callers changing.
//
// Path handling is part of the contract: NormalizePath and ResolvePath use
// the runtime's own path semantics, not the host's. A wrapped runtime is
// always POSIX even when muxd runs elsewhere.
package runtime

import (
	"context"
	"io"
	"io/fs"
	"sync"
	"time"
)

// Signal names a POSIX signal portably across runtimes. Wrapped runtimes
// pass the name to kill(1) on the remote side.
type Signal string

const (
	SignalTerm Signal = "TERM"
	SignalKill Signal = "KILL"
	SignalInt  Signal = "INT"
)

// ExecOptions controls a foreground execution.
type ExecOptions struct {
	// Cwd is the working directory, in the runtime's path semantics.
	Cwd string

	// Env is merged over the runtime's base environment; caller values win.
	Env map[string]string

	// Timeout kills the process group and resolves the exit code to
	// models.ExitCodeTimeout when positive and exceeded.
	Timeout time.Duration

	// Niceness applies `nice -n <value>` when non-zero.
	Niceness int
}

// SpawnOptions controls a detached background execution.
type SpawnOptions struct {
	Cwd      string
	Env      map[string]string
	Niceness int

	// OutputDir must exist before the spawn; the process redirects its own
	// combined output to <OutputDir>/output.log and writes
	// <OutputDir>/exit_code on exit, so both survive a muxd restart.
	OutputDir string
}

// FileInfo is the subset of stat results tools rely on.
type FileInfo struct {
	Size  int64
	IsDir bool
	Mode  fs.FileMode
}

// Runtime is the capability surface workspaces execute against.
//
// Stat and ReadFile report missing paths with an error satisfying
// errors.Is(err, fs.ErrNotExist) on every implementation.
type Runtime interface {
	// Name identifies the runtime kind ("local", "wrapped") for logs.
	Name() string

	// Exec starts script under /bin/bash -c and returns its streams. The
	// caller must consume Stdout and Stderr concurrently with ExitCode;
	// draining them sequentially deadlocks on stderr backpressure.
	// Canceling ctx kills the process group and resolves the exit code to
	// models.ExitCodeAborted.
	Exec(ctx context.Context, script string, opts ExecOptions) (*ExecStream, error)

	// SpawnBackground starts script detached in a fresh process group whose
	// leader pid equals the pgid, so one signal tears down the whole tree.
	// It returns the leader pid.
	SpawnBackground(ctx context.Context, script string, opts SpawnOptions) (int, error)

	// SignalGroup delivers sig to the process group led by pgid.
	SignalGroup(ctx context.Context, pgid int, sig Signal) error

	// Alive reports whether pid still exists.
	Alive(ctx context.Context, pid int) bool

	Stat(ctx context.Context, path string) (*FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces path atomically (write-temp + rename).
	WriteFile(ctx context.Context, path string, data []byte) error

	// MkdirAll creates path and any missing parents.
	MkdirAll(ctx context.Context, path string) error

	// NormalizePath resolves p against base using the runtime's path
	// semantics and returns a cleaned absolute path.
	NormalizePath(p, base string) string

	// ResolvePath joins and cleans path elements in the runtime's semantics.
	ResolvePath(elem ...string) string

	// TempDir returns the runtime's temp directory.
	TempDir() string
}

// ExecStream is a running foreground process. Stdout and Stderr are the
// raw pipes; ExitCode blocks until the process (or its killer) resolves.
type ExecStream struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	once sync.Once
	done chan struct{}
	code int
}

func newExecStream(stdin io.WriteCloser, stdout, stderr io.Reader) *ExecStream {
	return &ExecStream{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		done:   make(chan struct{}),
	}
}

// resolve records the exit code exactly once.
func (s *ExecStream) resolve(code int) {
	s.once.Do(func() {
		s.code = code
		close(s.done)
	})
}

// Done is closed once the exit code is available.
func (s *ExecStream) Done() <-chan struct{} { return s.done }

// ExitCode blocks until the process exits (or is killed for timeout/abort)
// and returns the final code. Sentinel codes models.ExitCodeTimeout and
// models.ExitCodeAborted mark non-process outcomes; signal deaths report
// 128+signal.
func (s *ExecStream) ExitCode() int {
	<-s.done
	return s.code
}
