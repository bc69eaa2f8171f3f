package hooks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muxsh/mux/internal/config"
)

// Protocol environment variables.
const (
	EnvTool       = "MUX_TOOL"
	EnvToolInput  = "MUX_TOOL_INPUT"
	EnvInputPath  = "MUX_TOOL_INPUT_PATH"
	EnvResultPath = "MUX_TOOL_RESULT_PATH"
	EnvExec       = "MUX_EXEC"
	EnvWorkspace  = "MUX_WORKSPACE_ID"
	EnvProjectDir = "MUX_PROJECT_DIR"

	// InputFileSentinel replaces MUX_TOOL_INPUT when the input was spilled
	// to the file named by MUX_TOOL_INPUT_PATH.
	InputFileSentinel = "__MUX_TOOL_INPUT_FILE__"
)

// Phase timeout errors. A pre timeout means the tool was never executed; a
// post timeout means the tool result is valid and only the hook failed.
var (
	ErrPreTimeout  = errors.New("hook_timeout_pre")
	ErrPostTimeout = errors.New("hook_timeout_post")
)

// Defaults applied for zero config values.
const (
	defaultPhaseTimeout    = 10 * time.Second
	defaultSlowWarning     = 2 * time.Second
	defaultInputSpillBytes = 32 << 10
)

// Invocation describes the tool call the hooks wrap.
type Invocation struct {
	ProjectDir  string
	WorkspaceID string
	Tool        string
	Input       []byte

	// Env is merged over the protocol defaults; caller values win.
	Env map[string]string
}

// Outcome is the result of a hooked execution. HookErr reports a post-phase
// hook failure; Result is valid regardless.
type Outcome struct {
	Result  string
	HookErr error
}

// Runner drives the external hook protocol around tool executions.
type Runner struct {
	discovery *Discovery
	cfg       config.HooksConfig
	logger    *slog.Logger
}

// NewRunner creates a hook runner.
func NewRunner(discovery *Discovery, cfg config.HooksConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PreTimeout <= 0 {
		cfg.PreTimeout = defaultPhaseTimeout
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = defaultPhaseTimeout
	}
	if cfg.SlowWarning <= 0 {
		cfg.SlowWarning = defaultSlowWarning
	}
	if cfg.InputSpillBytes <= 0 {
		cfg.InputSpillBytes = defaultInputSpillBytes
	}
	return &Runner{discovery: discovery, cfg: cfg, logger: logger.With("component", "hooks")}
}

// Around runs the hook protocol: the tool_pre gate and tool_hook coroutine
// start count against the pre budget, execute runs untimed, and result
// delivery plus the tool_post gate count against the post budget.
//
// A nil-outcome error means the tool was not executed.
func (r *Runner) Around(ctx context.Context, inv Invocation, execute func(context.Context) (string, error)) (*Outcome, error) {
	hooks := r.discovery.Lookup(inv.ProjectDir)
	if hooks.Empty() {
		result, err := execute(ctx)
		if err != nil {
			return nil, err
		}
		return &Outcome{Result: result}, nil
	}

	env, cleanupEnv, err := r.protocolEnv(inv)
	if err != nil {
		return nil, fmt.Errorf("preparing hook environment: %w", err)
	}
	defer cleanupEnv()

	if hooks.Pre != "" {
		if err := r.runGate(ctx, hooks.Pre, env, r.cfg.PreTimeout, "pre"); err != nil {
			return nil, err
		}
	}

	var co *coroutine
	if hooks.ToolHook != "" {
		co, err = r.startCoroutine(ctx, hooks.ToolHook, env)
		if err != nil {
			return nil, err
		}
	}

	result, execErr := execute(ctx)
	if execErr != nil {
		if co != nil {
			co.abandon()
		}
		return nil, execErr
	}

	var hookErr error
	if co != nil {
		hookErr = co.complete(result, r.cfg.PostTimeout)
	}
	if hooks.Post != "" {
		postEnv := append(env, "MUX_TOOL_RESULT="+result)
		if err := r.runGate(ctx, hooks.Post, postEnv, r.cfg.PostTimeout, "post"); err != nil && hookErr == nil {
			hookErr = err
		}
	}
	if hookErr != nil {
		r.logger.Warn("post-phase hook failed", "tool", inv.Tool, "workspace", inv.WorkspaceID, "error", hookErr)
	}
	return &Outcome{Result: result, HookErr: hookErr}, nil
}

// protocolEnv builds the hook environment, spilling large inputs to a file
// so the env-var channel stays bounded.
func (r *Runner) protocolEnv(inv Invocation) ([]string, func(), error) {
	env := os.Environ()
	var tempFiles []string
	cleanup := func() {
		for _, f := range tempFiles {
			os.Remove(f)
		}
	}

	env = append(env,
		EnvTool+"="+inv.Tool,
		EnvWorkspace+"="+inv.WorkspaceID,
		EnvProjectDir+"="+inv.ProjectDir,
	)
	if len(inv.Input) > r.cfg.InputSpillBytes {
		spill, err := os.CreateTemp("", "mux-hook-input-*.json")
		if err != nil {
			return nil, cleanup, err
		}
		tempFiles = append(tempFiles, spill.Name())
		if _, err := spill.Write(inv.Input); err != nil {
			spill.Close()
			return nil, cleanup, err
		}
		spill.Close()
		env = append(env, EnvToolInput+"="+InputFileSentinel, EnvInputPath+"="+spill.Name())
	} else {
		env = append(env, EnvToolInput+"="+string(inv.Input))
	}
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}
	return env, cleanup, nil
}

// runGate executes a one-shot pre/post hook to completion.
func (r *Runner) runGate(ctx context.Context, path string, env []string, timeout time.Duration, phase string) error {
	gateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slow := time.AfterFunc(r.cfg.SlowWarning, func() {
		r.logger.Warn("slow hook", "hook", path, "phase", phase, "threshold", r.cfg.SlowWarning)
	})
	defer slow.Stop()

	cmd := exec.CommandContext(gateCtx, path)
	cmd.Env = env
	output, err := cmd.CombinedOutput()
	if gateCtx.Err() == context.DeadlineExceeded {
		if phase == "pre" {
			return ErrPreTimeout
		}
		return ErrPostTimeout
	}
	if err != nil {
		return fmt.Errorf("tool_%s hook failed: %w: %s", phase, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// coroutine is a started tool_hook process waiting for the tool result.
type coroutine struct {
	cmd        *exec.Cmd
	stdin      *os.File
	resultPath string
	logger     *slog.Logger
}

// startCoroutine spawns tool_hook and waits for it to print the ready
// token. The wait counts against the pre budget.
func (r *Runner) startCoroutine(ctx context.Context, path string, env []string) (*coroutine, error) {
	token := uuid.NewString()
	resultFile, err := os.CreateTemp("", "mux-hook-result-*.json")
	if err != nil {
		return nil, fmt.Errorf("creating hook result file: %w", err)
	}
	resultPath := resultFile.Name()
	resultFile.Close()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		os.Remove(resultPath)
		return nil, err
	}

	cmd := exec.Command(path)
	cmd.Env = append(append([]string(nil), env...), EnvExec+"="+token, EnvResultPath+"="+resultPath)
	cmd.Stdin = stdinR
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		os.Remove(resultPath)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		os.Remove(resultPath)
		return nil, fmt.Errorf("starting tool_hook: %w", err)
	}
	stdinR.Close()

	ready := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == token {
				close(ready)
				break
			}
		}
		// Keep draining so the hook never blocks on stdout.
		for scanner.Scan() {
		}
	}()

	slow := time.AfterFunc(r.cfg.SlowWarning, func() {
		r.logger.Warn("slow hook", "hook", path, "phase", "pre", "threshold", r.cfg.SlowWarning)
	})
	defer slow.Stop()

	select {
	case <-ready:
		return &coroutine{cmd: cmd, stdin: stdinW, resultPath: resultPath, logger: r.logger}, nil
	case <-time.After(r.cfg.PreTimeout):
		cmd.Process.Kill()
		cmd.Wait()
		stdinW.Close()
		os.Remove(resultPath)
		return nil, ErrPreTimeout
	case <-ctx.Done():
		cmd.Process.Kill()
		cmd.Wait()
		stdinW.Close()
		os.Remove(resultPath)
		return nil, ctx.Err()
	}
}

// complete delivers the tool result and waits for the hook to exit within
// the post budget.
func (c *coroutine) complete(result string, timeout time.Duration) error {
	defer os.Remove(c.resultPath)

	if err := os.WriteFile(c.resultPath, []byte(result), 0o600); err != nil {
		c.logger.Warn("writing hook result file failed", "error", err)
	}
	// Best effort: the hook may have closed stdin already.
	c.stdin.WriteString(result + "\n")
	c.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("tool_hook exited: %w", err)
		}
		return nil
	case <-time.After(timeout):
		c.cmd.Process.Kill()
		<-done
		return ErrPostTimeout
	}
}

// abandon kills the coroutine when the tool itself failed.
func (c *coroutine) abandon() {
	c.stdin.Close()
	c.cmd.Process.Kill()
	go c.cmd.Wait()
	os.Remove(c.resultPath)
}
