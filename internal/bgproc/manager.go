// Package bgproc manages long-lived background shell processes: spawn with
// a fresh process group, durable output capture under the runtime temp dir,
// serialized incremental reads, and group termination with escalation.
//
// Output is a single interleaved output.log per process. An internal cursor
// tracks the byte offset GetOutput has returned; concatenating the results
// of any interleaving of GetOutput calls yields a prefix of output.log with
// every byte appearing exactly once. PeekOutput never moves the cursor.
package bgproc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxsh/mux/internal/observability"
	"github.com/muxsh/mux/internal/runtime"
	"github.com/muxsh/mux/pkg/models"
)

const (
	// terminateGrace is how long Terminate waits after SIGTERM before
	// escalating to SIGKILL.
	terminateGrace = 2 * time.Second

	// pollInterval paces blocking GetOutput waits.
	pollInterval = 50 * time.Millisecond

	// pollNoteThreshold is the consecutive-unfiltered-read count at which
	// GetOutput attaches the polling note.
	pollNoteThreshold = 3

	// MetaFileName holds the serialized process record in the output dir.
	MetaFileName = "meta.json"

	// ExitCodeFileName is written by the process wrapper on exit.
	ExitCodeFileName = "exit_code"
)

// ErrProcessNotFound is returned for unknown process ids.
var ErrProcessNotFound = errors.New("background process not found")

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	Cwd         string
	Secrets     map[string]string
	Niceness    int
	DisplayName string

	// AutoTerminateAfter kills the process group when positive and
	// exceeded. This is bash's repurposed timeout_secs: it bounds the
	// process lifetime, it never makes the spawn wait.
	AutoTerminateAfter time.Duration
}

// GetOutputOptions configures GetOutput.
type GetOutputOptions struct {
	// Filter is a regex applied to complete lines.
	Filter string

	// FilterExclude keeps lines that do NOT match Filter. Invalid
	// without Filter.
	FilterExclude bool

	// Timeout blocks the read waiting for new content or exit when
	// positive.
	Timeout time.Duration
}

// Output is the result of a GetOutput or PeekOutput call.
type Output struct {
	Content    string
	Status     models.ProcessStatus
	ExitCode   *int
	Note       string
	NextOffset int64
}

type proc struct {
	// readMu serializes GetOutput per process so two concurrent reads
	// cannot return overlapping ranges.
	readMu sync.Mutex

	mu      sync.Mutex
	record  models.BackgroundProcess
	cursor  int64
	partial []byte

	// poll heuristic counters
	unfilteredReads int
	filteredReads   int

	autoTerminate *time.Timer
}

func (p *proc) snapshot() models.BackgroundProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}

// Manager owns all background processes spawned by this muxd.
type Manager struct {
	rt      runtime.Runtime
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	procs map[string]*proc
}

// NewManager creates a background process manager on the given runtime.
func NewManager(rt runtime.Runtime, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rt:      rt,
		logger:  logger.With("component", "bgproc"),
		metrics: metrics,
		procs:   make(map[string]*proc),
	}
}

// outputDir computes the per-process directory under the runtime temp dir.
func (m *Manager) outputDir(workspaceID, processID string) string {
	return m.rt.ResolvePath(m.rt.TempDir(), "mux-bashes", workspaceID, processID)
}

// Spawn starts script detached and returns its process record. meta.json is
// written before Spawn returns so the record survives a restart.
func (m *Manager) Spawn(ctx context.Context, workspaceID, script string, opts SpawnOptions) (*models.BackgroundProcess, error) {
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("script must not be empty")
	}
	id := opts.DisplayName
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.procs[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("background process id %q already in use", id)
	}
	// Reserve the id before the slow spawn path.
	m.procs[id] = nil
	m.mu.Unlock()

	cleanupReservation := func() {
		m.mu.Lock()
		if m.procs[id] == nil {
			delete(m.procs, id)
		}
		m.mu.Unlock()
	}

	outputDir := m.outputDir(workspaceID, id)
	if err := m.rt.MkdirAll(ctx, outputDir); err != nil {
		cleanupReservation()
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	pid, err := m.rt.SpawnBackground(ctx, script, runtime.SpawnOptions{
		Cwd:       opts.Cwd,
		Env:       opts.Secrets,
		Niceness:  opts.Niceness,
		OutputDir: outputDir,
	})
	if err != nil {
		cleanupReservation()
		return nil, fmt.Errorf("spawning background process: %w", err)
	}

	record := models.BackgroundProcess{
		ID:          id,
		WorkspaceID: workspaceID,
		PID:         pid,
		Script:      script,
		DisplayName: opts.DisplayName,
		OutputDir:   outputDir,
		StartTime:   time.Now().UTC(),
		Status:      models.ProcessRunning,
	}
	p := &proc{record: record}

	if err := m.writeMeta(ctx, &record); err != nil {
		// The process is alive but unrecorded on disk; surface the error
		// after stopping it so nothing leaks.
		_ = m.rt.SignalGroup(ctx, pid, runtime.SignalKill)
		cleanupReservation()
		return nil, fmt.Errorf("writing process meta: %w", err)
	}

	if opts.AutoTerminateAfter > 0 {
		p.autoTerminate = time.AfterFunc(opts.AutoTerminateAfter, func() {
			if err := m.Terminate(context.Background(), id); err != nil && !errors.Is(err, ErrProcessNotFound) {
				m.logger.Warn("auto-termination failed", "process_id", id, "error", err)
			}
		})
	}

	m.mu.Lock()
	m.procs[id] = p
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ProcessStarted()
	}
	m.logger.Info("background process spawned",
		"process_id", id, "workspace_id", workspaceID, "pid", pid)
	out := record
	return &out, nil
}

func (m *Manager) writeMeta(ctx context.Context, record *models.BackgroundProcess) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return m.rt.WriteFile(ctx, m.rt.ResolvePath(record.OutputDir, MetaFileName), data)
}

func (m *Manager) lookup(processID string) (*proc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[processID]
	return p, ok && p != nil
}

// GetProcess returns the process record, refreshing a running status
// opportunistically.
func (m *Manager) GetProcess(ctx context.Context, processID string) (*models.BackgroundProcess, bool) {
	p, ok := m.lookup(processID)
	if !ok {
		return nil, false
	}
	m.refresh(ctx, p)
	record := p.snapshot()
	return &record, true
}

// List returns processes, optionally filtered to one workspace, refreshing
// statuses first.
func (m *Manager) List(ctx context.Context, workspaceID string) []models.BackgroundProcess {
	m.mu.RLock()
	procs := make([]*proc, 0, len(m.procs))
	for _, p := range m.procs {
		if p != nil {
			procs = append(procs, p)
		}
	}
	m.mu.RUnlock()

	var out []models.BackgroundProcess
	for _, p := range procs {
		m.refresh(ctx, p)
		record := p.snapshot()
		if workspaceID == "" || record.WorkspaceID == workspaceID {
			out = append(out, record)
		}
	}
	return out
}

// refresh re-derives the status of a running process from the exit_code
// file and process liveness.
func (m *Manager) refresh(ctx context.Context, p *proc) {
	p.mu.Lock()
	record := p.record
	p.mu.Unlock()
	if record.Status != models.ProcessRunning {
		return
	}

	exitPath := m.rt.ResolvePath(record.OutputDir, ExitCodeFileName)
	if data, err := m.rt.ReadFile(ctx, exitPath); err == nil {
		code, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil {
			m.markExited(ctx, p, models.ProcessExited, code)
			return
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return // transient read failure; stay running
	}

	if !m.rt.Alive(ctx, record.PID) {
		// Dead without an exit_code record: the wrapper itself was killed.
		m.markExited(ctx, p, models.ProcessFailed, -1)
	}
}

func (m *Manager) markExited(ctx context.Context, p *proc, status models.ProcessStatus, code int) {
	p.mu.Lock()
	if p.record.Status != models.ProcessRunning {
		p.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	p.record.Status = status
	p.record.ExitCode = &code
	p.record.ExitTime = &now
	record := p.record
	if p.autoTerminate != nil {
		p.autoTerminate.Stop()
		p.autoTerminate = nil
	}
	p.mu.Unlock()

	if err := m.writeMeta(ctx, &record); err != nil {
		m.logger.Warn("updating process meta failed", "process_id", record.ID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.ProcessEnded()
	}
	m.logger.Info("background process ended",
		"process_id", record.ID, "status", status, "exit_code", code)
}

// readNew returns the bytes of output.log past the cursor without moving it.
func (m *Manager) readNew(ctx context.Context, p *proc) ([]byte, error) {
	p.mu.Lock()
	logPath := m.rt.ResolvePath(p.record.OutputDir, models.OutputLogName)
	cursor := p.cursor
	p.mu.Unlock()

	data, err := m.rt.ReadFile(ctx, logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil // the process has not produced output yet
	}
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= cursor {
		return nil, nil
	}
	return data[cursor:], nil
}

// GetOutput returns new output since the previous GetOutput, advancing the
// internal cursor. Reads are serialized per process. With a positive
// Timeout the call blocks until non-excluded content arrives, the process
// exits, or ctx aborts; an exited process with fully-excluded output
// returns promptly with empty content and the final status.
func (m *Manager) GetOutput(ctx context.Context, processID string, opts GetOutputOptions) (*Output, error) {
	p, ok := m.lookup(processID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	if opts.FilterExclude && opts.Filter == "" {
		return nil, fmt.Errorf("filter_exclude requires filter")
	}
	var filter *regexp.Regexp
	if opts.Filter != "" {
		var err error
		filter, err = regexp.Compile(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid filter: %w", err)
		}
	}

	p.readMu.Lock()
	defer p.readMu.Unlock()

	note := m.pollNote(p, opts)

	deadline := time.Now().Add(opts.Timeout)
	for {
		m.refresh(ctx, p)
		record := p.snapshot()

		data, err := m.readNew(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("reading output: %w", err)
		}

		content := m.consume(p, data, filter, opts.FilterExclude, record.Status.Terminal())
		if m.metrics != nil && len(data) > 0 {
			m.metrics.RecordProcessOutput(len(data))
		}

		done := record.Status.Terminal()
		if content != "" || done || opts.Timeout <= 0 || time.Now().After(deadline) {
			p.mu.Lock()
			next := p.cursor
			p.mu.Unlock()
			return &Output{
				Content:    content,
				Status:     record.Status,
				ExitCode:   record.ExitCode,
				Note:       note,
				NextOffset: next,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// consume advances the cursor over data, folds the carried partial line in,
// and returns the filtered complete lines. flushPartial forces any trailing
// partial line out (used once the process has exited).
func (m *Manager) consume(p *proc, data []byte, filter *regexp.Regexp, exclude, flushPartial bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cursor += int64(len(data))
	buf := append(p.partial, data...)
	p.partial = nil

	var lines []string
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(buf[:idx]))
		buf = buf[idx+1:]
	}
	if len(buf) > 0 {
		if flushPartial {
			lines = append(lines, string(buf))
		} else {
			p.partial = append([]byte(nil), buf...)
		}
	}

	var sb strings.Builder
	for _, line := range lines {
		if filter != nil {
			matched := filter.MatchString(line)
			if matched == exclude {
				continue
			}
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// pollNote implements the polling-antipattern heuristic. Repeated reads of
// a still-running process without an exclude filter earn a note on the
// third call; repeated reads with a filter earn the narrower variant.
func (m *Manager) pollNote(p *proc, opts GetOutputOptions) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.record.Status.Terminal() {
		p.unfilteredReads = 0
		p.filteredReads = 0
		return ""
	}
	if opts.FilterExclude {
		p.filteredReads++
		p.unfilteredReads = 0
		if p.filteredReads >= pollNoteThreshold {
			return "note: repeated filtered reads of a running process; consider a single blocking read with a longer timeout instead of polling"
		}
		return ""
	}
	p.unfilteredReads++
	p.filteredReads = 0
	if p.unfilteredReads >= pollNoteThreshold {
		return "note: repeated reads of a running process look like polling; pass a filter_exclude pattern or a longer timeout to block until meaningful output arrives"
	}
	return ""
}

// PeekOutput reads output from the given byte offset without advancing the
// internal cursor.
func (m *Manager) PeekOutput(ctx context.Context, processID string, fromOffset int64) (*Output, error) {
	p, ok := m.lookup(processID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	m.refresh(ctx, p)
	record := p.snapshot()

	logPath := m.rt.ResolvePath(record.OutputDir, models.OutputLogName)
	data, err := m.rt.ReadFile(ctx, logPath)
	if errors.Is(err, fs.ErrNotExist) {
		data = nil
	} else if err != nil {
		return nil, fmt.Errorf("reading output: %w", err)
	}
	if fromOffset < 0 || fromOffset > int64(len(data)) {
		fromOffset = int64(len(data))
	}
	return &Output{
		Content:    string(data[fromOffset:]),
		Status:     record.Status,
		ExitCode:   record.ExitCode,
		NextOffset: int64(len(data)),
	}, nil
}

// Terminate stops the process group: SIGTERM to the leader pgid, a short
// grace, then SIGKILL. Idempotent; terminating a finished process is a
// no-op. The output directory is preserved on disk.
func (m *Manager) Terminate(ctx context.Context, processID string) error {
	p, ok := m.lookup(processID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	m.refresh(ctx, p)

	p.mu.Lock()
	record := p.record
	if p.autoTerminate != nil {
		p.autoTerminate.Stop()
		p.autoTerminate = nil
	}
	p.mu.Unlock()

	if record.Status.Terminal() {
		return nil
	}

	if err := m.rt.SignalGroup(ctx, record.PID, runtime.SignalTerm); err != nil {
		m.logger.Debug("SIGTERM delivery failed", "process_id", processID, "error", err)
	}

	deadline := time.Now().Add(terminateGrace)
	for time.Now().Before(deadline) {
		if !m.rt.Alive(ctx, record.PID) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if m.rt.Alive(ctx, record.PID) {
		if err := m.rt.SignalGroup(ctx, record.PID, runtime.SignalKill); err != nil {
			m.logger.Debug("SIGKILL delivery failed", "process_id", processID, "error", err)
		}
		// Give the kernel a beat to reap before deriving the final status.
		for i := 0; i < 20 && m.rt.Alive(ctx, record.PID); i++ {
			time.Sleep(pollInterval)
		}
	}

	// Prefer the real exit_code record if the process won the race and
	// exited on its own; synthesize 128+SIGTERM otherwise.
	code := 128 + 15
	exitPath := m.rt.ResolvePath(record.OutputDir, ExitCodeFileName)
	if data, err := m.rt.ReadFile(ctx, exitPath); err == nil {
		if parsed, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil {
			m.markExited(ctx, p, models.ProcessExited, parsed)
			return nil
		}
	}
	m.markExited(ctx, p, models.ProcessKilled, code)
	return nil
}

// TerminateAll stops every tracked process. Used at shutdown.
func (m *Manager) TerminateAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.procs))
	for id, p := range m.procs {
		if p != nil {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil && !errors.Is(err, ErrProcessNotFound) {
			m.logger.Warn("terminate at shutdown failed", "process_id", id, "error", err)
		}
	}
}

// Cleanup terminates and forgets every process of a workspace.
func (m *Manager) Cleanup(ctx context.Context, workspaceID string) {
	m.mu.Lock()
	var ids []string
	for id, p := range m.procs {
		if p != nil && p.snapshot().WorkspaceID == workspaceID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil && !errors.Is(err, ErrProcessNotFound) {
			m.logger.Warn("cleanup terminate failed", "process_id", id, "error", err)
		}
		m.mu.Lock()
		delete(m.procs, id)
		m.mu.Unlock()
	}
}
