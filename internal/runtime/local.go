package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/muxsh/mux/pkg/models"
)

// Local runs everything directly on this host.
type Local struct {
	logger  *slog.Logger
	tempDir string
}

// NewLocal creates a local runtime. tempDir overrides os.TempDir when set.
func NewLocal(logger *slog.Logger, tempDir string) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		logger:  logger.With("component", "runtime", "runtime", "local"),
		tempDir: tempDir,
	}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Exec(ctx context.Context, script string, opts ExecOptions) (*ExecStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := bashArgv(script, opts.Niceness)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(opts.Env)
	// New process group so timeout/abort can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdin: %w", err)
	}
	// os.Pipe instead of StdoutPipe: Wait must be free to run while the
	// caller is still draining, and EOF must track the last fd holder in
	// the child tree, not our Wait call.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting script: %w", err)
	}
	// The child holds its own copies now.
	stdoutW.Close()
	stderrW.Close()

	stream := newExecStream(stdin, stdoutR, stderrR)
	go l.supervise(ctx, cmd, stream, opts.Timeout)
	return stream, nil
}

// supervise resolves the stream exit code, killing the process group when
// the context is canceled or the timeout elapses.
func (l *Local) supervise(ctx context.Context, cmd *exec.Cmd, stream *ExecStream, timeout time.Duration) {
	waitCh := make(chan int, 1)
	go func() { waitCh <- exitCodeFromWait(cmd.Wait()) }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case code := <-waitCh:
		stream.resolve(code)
	case <-ctx.Done():
		// The process may have finished in the same instant; prefer the
		// real code when it already exists.
		select {
		case code := <-waitCh:
			stream.resolve(code)
			return
		default:
		}
		l.killGroup(cmd)
		<-waitCh
		stream.resolve(models.ExitCodeAborted)
	case <-timer:
		select {
		case code := <-waitCh:
			stream.resolve(code)
			return
		default:
		}
		l.killGroup(cmd)
		<-waitCh
		stream.resolve(models.ExitCodeTimeout)
	}
}

func (l *Local) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Fall back to the single process if the group is already gone.
		_ = cmd.Process.Kill()
	}
}

func (l *Local) SpawnBackground(ctx context.Context, script string, opts SpawnOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	wrapper := backgroundScript(script, opts.Cwd, opts.OutputDir, l)
	argv := bashArgv(wrapper, opts.Niceness)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = mergeEnv(opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning background script: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the leader so it never lingers as a zombie. Exit status is
	// durable in <OutputDir>/exit_code, written by the script itself.
	go func() { _ = cmd.Wait() }()

	l.logger.Debug("spawned background process", "pid", pid, "output_dir", opts.OutputDir)
	return pid, nil
}

func (l *Local) SignalGroup(_ context.Context, pgid int, sig Signal) error {
	sysSig, err := sysSignal(sig)
	if err != nil {
		return err
	}
	if err := syscall.Kill(-pgid, sysSig); err != nil {
		return fmt.Errorf("signaling process group %d: %w", pgid, err)
	}
	return nil
}

func (l *Local) Alive(_ context.Context, pid int) bool {
	err := syscall.Kill(pid, 0)
	// EPERM means the pid exists but belongs to another user.
	return err == nil || err == syscall.EPERM
}

func (l *Local) Stat(_ context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &FileInfo{Size: info.Size(), IsDir: info.IsDir(), Mode: info.Mode()}, nil
}

func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (l *Local) WriteFile(_ context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mux-write-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	mode := fs0644(path)
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// fs0644 preserves the existing mode when the target already exists.
func fs0644(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

func (l *Local) MkdirAll(_ context.Context, path string) error {
	return os.MkdirAll(path, 0o755)
}

func (l *Local) NormalizePath(p, base string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(base, p))
}

func (l *Local) ResolvePath(elem ...string) string {
	return filepath.Clean(filepath.Join(elem...))
}

func (l *Local) TempDir() string {
	if l.tempDir != "" {
		return l.tempDir
	}
	return os.TempDir()
}

// bashArgv builds the argv for a script, applying niceness when requested.
func bashArgv(script string, niceness int) []string {
	argv := []string{"/bin/bash", "-c", script}
	if niceness != 0 {
		argv = append([]string{"nice", "-n", strconv.Itoa(niceness)}, argv...)
	}
	return argv
}

// mergeEnv merges caller variables over the parent environment. Caller
// values win; later duplicates take precedence in os/exec.
func mergeEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil // inherit as-is
	}
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func sysSignal(sig Signal) (syscall.Signal, error) {
	switch sig {
	case SignalTerm:
		return syscall.SIGTERM, nil
	case SignalKill:
		return syscall.SIGKILL, nil
	case SignalInt:
		return syscall.SIGINT, nil
	default:
		return 0, fmt.Errorf("unknown signal %q", sig)
	}
}

// exitCodeFromWait derives the reported exit code from cmd.Wait: the real
// code for normal exits, 128+signal for signal deaths, -1 otherwise.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}
