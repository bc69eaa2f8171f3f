package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muxsh/mux/internal/agents"
	"github.com/muxsh/mux/internal/bgproc"
	"github.com/muxsh/mux/internal/bridge"
	"github.com/muxsh/mux/internal/config"
	"github.com/muxsh/mux/internal/experiments"
	"github.com/muxsh/mux/internal/history"
	"github.com/muxsh/mux/internal/hooks"
	"github.com/muxsh/mux/internal/initstate"
	"github.com/muxsh/mux/internal/observability"
	"github.com/muxsh/mux/internal/provider"
	"github.com/muxsh/mux/internal/relay"
	"github.com/muxsh/mux/internal/runtime"
	"github.com/muxsh/mux/internal/session"
	"github.com/muxsh/mux/internal/skills"
	"github.com/muxsh/mux/internal/tools"
	"github.com/muxsh/mux/internal/tools/bash"
	"github.com/muxsh/mux/internal/tools/files"
	"github.com/muxsh/mux/internal/tools/question"
	"github.com/muxsh/mux/internal/tools/tasks"
	"github.com/muxsh/mux/internal/tools/todos"
	"github.com/muxsh/mux/internal/workspace"
	"github.com/muxsh/mux/pkg/models"
)

const shutdownGrace = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent session daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := obs.Slog()
	metrics := observability.NewMetrics()

	var tracerShutdown func(context.Context) error
	if cfg.Observability.Tracing.Enabled {
		_, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
			Environment:    cfg.Observability.Tracing.Environment,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			Attributes:     cfg.Observability.Tracing.Attributes,
			EnableInsecure: cfg.Observability.Tracing.Insecure,
		})
		tracerShutdown = shutdown
	}

	locker := workspace.NewLocker(10 * time.Second)

	var rt runtime.Runtime
	switch cfg.Runtime.Type {
	case config.RuntimeWrapped:
		wrapped, err := runtime.NewWrapped(logger, cfg.Runtime.Wrapper, cfg.Runtime.TempDir)
		if err != nil {
			return fmt.Errorf("runtime: %w", err)
		}
		rt = wrapped
	default:
		rt = runtime.NewLocal(logger, cfg.Runtime.TempDir)
	}

	var hist history.Service
	switch cfg.History.Backend {
	case config.HistoryBackendSQLite:
		path := cfg.History.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Home, "history.db")
		}
		store, err := history.NewSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer store.Close()
		hist = store
	default:
		hist = history.NewJSONLStore(cfg.Home, locker)
	}

	exps := experiments.NewManager(cfg.Experiments)
	agentReg, err := agents.NewRegistry(cfg.Agents)
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}

	prov, err := provider.NewStdio(cfg.Provider.Command, cfg.Provider.Env, logger)
	if err != nil {
		return fmt.Errorf("provider: %w (set provider.command in the config)", err)
	}

	workspaces, err := workspace.NewStore(cfg.Home, locker, logger)
	if err != nil {
		return err
	}

	// sessions is assigned below; the init emitter and tool closures only
	// run once streams are live.
	var sessions *session.Manager

	initMgr := initstate.NewManager(cfg.Home, locker, func(ev models.SessionEvent) {
		if sessions == nil {
			return
		}
		if s, ok := sessions.Find(ev.WorkspaceID); ok {
			s.Publish(ev)
		}
	}, metrics, logger)

	procs := bgproc.NewManager(rt, metrics, logger)
	hookRunner := hooks.NewRunner(hooks.NewDiscovery(logger), cfg.Hooks, logger)
	skillMgr := skills.NewManager(cfg.Home, cfg.SkillsDir(), cfg.Skills.CacheTTL, logger)
	questions := question.NewManager()
	todoStore := todos.NewStore(cfg.Home, locker)

	registry := tools.NewRegistry(metrics, logger)
	registry.MustRegister(bash.New(rt, procs, bash.Options{Logger: logger}))
	filesCfg := files.Config{Runtime: rt, PlanFilePath: workspace.PlanFile, Logger: logger}
	registry.MustRegister(files.NewReadTool(filesCfg))
	registry.MustRegister(files.NewWriteTool(filesCfg))
	registry.MustRegister(files.NewEditReplaceTool(filesCfg))
	registry.MustRegister(files.NewEditInsertTool(filesCfg))
	registry.MustRegister(question.NewTool(questions))
	registry.MustRegister(todos.NewWriteTool(todoStore))
	registry.MustRegister(todos.NewReadTool(todoStore))
	registry.MustRegister(skills.NewListTool(skillMgr))
	registry.MustRegister(skills.NewReadTool(skillMgr))
	registry.MustRegister(skills.NewWriteTool(skillMgr))
	registry.MustRegister(skills.NewDeleteTool(skillMgr))
	registry.MustRegister(tools.NewSwitchAgentTool(nil))
	registry.MustRegister(tools.NewNotifyTool(func(workspaceID, title, message string) {
		logger.Info("user notification", "workspace_id", workspaceID, "title", title, "message", message)
	}))

	sessions = session.NewManager(session.Deps{
		Provider:    prov,
		History:     hist,
		Registry:    registry,
		Agents:      agentReg,
		Init:        initMgr,
		Hooks:       hookRunner,
		Experiments: exps,
		Metrics:     metrics,
		Locker:      locker,
		Config:      cfg.Session,
		MuxHome:     cfg.Home,
		Logger:      logger,
	}, workspaces.Get)

	orch := tasks.NewOrchestrator(func(ctx context.Context, task *tasks.Task) (string, error) {
		return runAgentTask(ctx, workspaces, sessions, hist, task)
	}, procs, logger)
	registry.MustRegister(tasks.NewSpawnTool(orch))
	registry.MustRegister(tasks.NewAwaitTool(orch))

	registry.MustRegister(bridge.New(rt,
		func(ctx context.Context, workspaceID, parentCallID, tool string, input json.RawMessage) (string, error) {
			res, err := registry.Execute(ctx, tool, tools.Call{
				WorkspaceID: workspaceID,
				ToolCallID:  parentCallID,
				Input:       input,
			})
			if err != nil {
				return "", err
			}
			return res.RenderForModel(), nil
		},
		func(workspaceID, event string, data json.RawMessage) {
			// Script notifications ride the output event stream.
			if s, ok := sessions.Find(workspaceID); ok {
				ev := models.NewSessionEvent(models.EventBashOutput, workspaceID)
				ev.Bash = &models.BashPayload{ProcessID: "bridge/" + event, Chunk: string(data)}
				s.Publish(ev)
			}
		},
		bridge.Options{Logger: logger}))

	var recorder *observability.EventRecorder
	if cfg.Observability.Diagnostics.Enabled {
		recorder = observability.NewEventRecorder(observability.NewMemoryTimelineStore(0), obs)
	}

	// Kick crash recovery for every known workspace: pending follow-ups
	// first, then the interrupted-tail auto-retry check.
	for _, ws := range workspaces.List() {
		s := sessions.Get(ws)
		if recorder != nil {
			go recordTimeline(ctx, s, recorder)
		}
		s.ScheduleStartupRecovery(ctx)
	}

	errCh := make(chan error, 1)
	var relaySrv *relay.Server
	if cfg.Relay.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port)
		relaySrv = relay.New(addr, func(id string) (relay.EventSource, bool) {
			ws, ok := workspaces.Get(id)
			if !ok {
				return nil, false
			}
			return sessions.Get(ws), true
		}, relay.Options{Logger: logger, Metrics: metrics})
		go func() { errCh <- relaySrv.ListenAndServe() }()
	}

	logger.Info("muxd started",
		"home", cfg.Home,
		"runtime", cfg.Runtime.Type,
		"history", cfg.History.Backend,
		"workspaces", len(workspaces.List()),
		"relay", cfg.Relay.Enabled)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if relaySrv != nil {
		relaySrv.Shutdown(shutdownCtx)
	}
	procs.TerminateAll(shutdownCtx)
	sessions.Close()
	if tracerShutdown != nil {
		tracerShutdown(shutdownCtx)
	}
	return nil
}

// recordTimeline taps a session's event stream into the debug timeline.
// High-volume events (deltas, process output) are skipped.
func recordTimeline(ctx context.Context, s *session.Session, rec *observability.EventRecorder) {
	id, ch := s.Subscribe(ctx)
	defer s.Unsubscribe(id)
	for ev := range ch {
		typ := timelineType(ev.Type)
		if typ == "" {
			continue
		}
		rec.Record(observability.AddWorkspaceID(ctx, ev.WorkspaceID), typ, string(ev.Type), nil)
	}
}

func timelineType(t models.SessionEventType) observability.EventType {
	switch t {
	case models.EventStreamStart:
		return observability.EventTypeStreamStart
	case models.EventStreamEnd:
		return observability.EventTypeStreamEnd
	case models.EventStreamError:
		return observability.EventTypeStreamError
	case models.EventStreamAbort:
		return observability.EventTypeStreamAbort
	case models.EventToolCallStart:
		return observability.EventTypeToolStart
	case models.EventToolCallEnd:
		return observability.EventTypeToolEnd
	case models.EventInitStart:
		return observability.EventTypeInitStart
	case models.EventInitEnd:
		return observability.EventTypeInitEnd
	case models.EventAutoRetryScheduled:
		return observability.EventTypeRetryScheduled
	default:
		return ""
	}
}

// runAgentTask executes one spawned subagent task: a fresh child workspace
// under the spawner, one synchronous turn, and the last assistant message
// as the report.
func runAgentTask(ctx context.Context, store *workspace.Store, sessions *session.Manager, hist history.Service, task *tasks.Task) (string, error) {
	if len(task.Lineage) == 0 {
		return "", fmt.Errorf("task %s has no spawning workspace", task.ID)
	}
	parentID := task.Lineage[len(task.Lineage)-1]
	parent, ok := store.Get(parentID)
	if !ok {
		return "", fmt.Errorf("workspace %q does not exist", parentID)
	}
	child, err := store.Create(ctx, workspace.Workspace{
		ProjectPath: parent.ProjectPath,
		ParentID:    parent.ID,
		AgentID:     task.AgentID,
	})
	if err != nil {
		return "", err
	}
	s := sessions.Get(child)
	if err := s.SendMessage(ctx, task.Prompt, models.SendOptions{AgentID: task.AgentID}); err != nil {
		return "", err
	}
	msgs, err := hist.GetLastMessages(ctx, child.ID, 5)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i].Text(), nil
		}
	}
	return "", nil
}
