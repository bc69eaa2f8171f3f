package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/muxsh/mux/pkg/models"
)

// Wrapped runs every command through a wrapper vector such as
// ["ssh", "-T", "host"] or ["devcontainer", "exec", "--workspace-folder", d].
// The remote side is assumed to be a POSIX host with bash; all path
// handling uses POSIX semantics regardless of the local GOOS.
type Wrapped struct {
	logger  *slog.Logger
	wrapper []string
	tempDir string
}

// NewWrapped creates a wrapped runtime. wrapper must be non-empty; tempDir
// defaults to /tmp on the remote side.
func NewWrapped(logger *slog.Logger, wrapper []string, tempDir string) (*Wrapped, error) {
	if len(wrapper) == 0 {
		return nil, fmt.Errorf("wrapped runtime requires a wrapper command")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapped{
		logger:  logger.With("component", "runtime", "runtime", "wrapped"),
		wrapper: append([]string(nil), wrapper...),
		tempDir: tempDir,
	}, nil
}

func (w *Wrapped) Name() string { return "wrapped" }

// command builds the local exec.Cmd that runs remote on the other side of
// the wrapper.
func (w *Wrapped) command(remote string) *exec.Cmd {
	argv := append(append([]string(nil), w.wrapper...), remote)
	return exec.Command(argv[0], argv[1:]...)
}

func (w *Wrapped) Exec(ctx context.Context, script string, opts ExecOptions) (*ExecStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// setsid gives the remote command its own process group; killing the
	// transport alone would orphan the remote tree otherwise.
	cmd := w.command("setsid " + remoteCommand(script, opts))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting wrapper: %w", err)
	}

	stream := newExecStream(stdin, stdout, stderr)
	go w.supervise(ctx, cmd, stream, opts.Timeout)
	return stream, nil
}

func (w *Wrapped) supervise(ctx context.Context, cmd *exec.Cmd, stream *ExecStream, timeout time.Duration) {
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
		select {
		case code := <-waitCh:
			stream.resolve(code)
			return
		default:
		}
		_ = cmd.Process.Kill()
		<-waitCh
		stream.resolve(models.ExitCodeAborted)
	case <-timer:
		select {
		case code := <-waitCh:
			stream.resolve(code)
			return
		default:
		}
		_ = cmd.Process.Kill()
		<-waitCh
		stream.resolve(models.ExitCodeTimeout)
	}
}

func (w *Wrapped) SpawnBackground(ctx context.Context, script string, opts SpawnOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	wrapper := backgroundScript(script, opts.Cwd, opts.OutputDir, w)
	var env strings.Builder
	for k, v := range opts.Env {
		env.WriteString("export " + k + "=" + shellQuote(v) + "\n")
	}
	inner := env.String() + wrapper
	if opts.Niceness != 0 {
		inner = fmt.Sprintf("renice -n %d -p $$ >/dev/null 2>&1\n", opts.Niceness) + inner
	}
	// setsid + echo of the new leader pid: the remote shell prints its own
	// pid (== pgid after setsid) before exec'ing into the script.
	remote := "setsid /bin/bash -c " + shellQuote("echo $$\nexec /bin/bash -c "+shellQuote(inner)+" </dev/null >/dev/null 2>&1") + " < /dev/null"

	out, err := w.run(ctx, remote)
	if err != nil {
		return 0, fmt.Errorf("spawning background script: %w", err)
	}
	pidLine := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	pid, err := strconv.Atoi(pidLine)
	if err != nil {
		return 0, fmt.Errorf("parsing background pid %q: %w", pidLine, err)
	}
	w.logger.Debug("spawned background process", "pid", pid, "output_dir", opts.OutputDir)
	return pid, nil
}

func (w *Wrapped) SignalGroup(ctx context.Context, pgid int, sig Signal) error {
	_, err := w.run(ctx, fmt.Sprintf("kill -%s -- -%d", sig, pgid))
	if err != nil {
		return fmt.Errorf("signaling process group %d: %w", pgid, err)
	}
	return nil
}

func (w *Wrapped) Alive(ctx context.Context, pid int) bool {
	_, err := w.run(ctx, fmt.Sprintf("kill -0 %d 2>/dev/null", pid))
	return err == nil
}

func (w *Wrapped) Stat(ctx context.Context, p string) (*FileInfo, error) {
	// %s size, %F type, %a octal mode. A missing path maps to fs.ErrNotExist.
	out, err := w.run(ctx, "stat -c '%s %F %a' -- "+shellQuote(p))
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected stat output %q for %s", out, p)
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing stat size for %s: %w", p, err)
	}
	mode64, err := strconv.ParseUint(fields[len(fields)-1], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing stat mode for %s: %w", p, err)
	}
	isDir := strings.Contains(out, "directory")
	mode := fs.FileMode(mode64)
	if isDir {
		mode |= fs.ModeDir
	}
	return &FileInfo{Size: size, IsDir: isDir, Mode: mode}, nil
}

func (w *Wrapped) ReadFile(ctx context.Context, p string) ([]byte, error) {
	cmd := w.command("cat -- " + shellQuote(p))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := runWithContext(ctx, cmd); err != nil {
		if strings.Contains(stderr.String(), "No such file") {
			return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
		}
		return nil, fmt.Errorf("reading %s: %s: %w", p, strings.TrimSpace(stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

func (w *Wrapped) WriteFile(ctx context.Context, p string, data []byte) error {
	tmp := p + ".mux-write-tmp"
	cmd := w.command("cat > " + shellQuote(tmp) + " && mv -- " + shellQuote(tmp) + " " + shellQuote(p))
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := runWithContext(ctx, cmd); err != nil {
		return fmt.Errorf("writing %s: %s: %w", p, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func (w *Wrapped) MkdirAll(ctx context.Context, p string) error {
	if _, err := w.run(ctx, "mkdir -p -- "+shellQuote(p)); err != nil {
		return fmt.Errorf("creating %s: %w", p, err)
	}
	return nil
}

// NormalizePath always uses POSIX rules; the remote host defines the path
// semantics, not the machine muxd happens to run on.
func (w *Wrapped) NormalizePath(p, base string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Clean(path.Join(base, p))
}

func (w *Wrapped) ResolvePath(elem ...string) string {
	return path.Clean(path.Join(elem...))
}

func (w *Wrapped) TempDir() string {
	if w.tempDir != "" {
		return w.tempDir
	}
	return "/tmp"
}

// run executes a short remote command and returns its stdout.
func (w *Wrapped) run(ctx context.Context, remote string) (string, error) {
	cmd := w.command(remote)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := runWithContext(ctx, cmd); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %w", msg, err)
		}
		return "", err
	}
	return stdout.String(), nil
}

// runWithContext runs cmd to completion, killing it on ctx cancellation.
// exec.CommandContext is not used because the cmd is built before the ctx
// is known at every call site.
func runWithContext(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}
