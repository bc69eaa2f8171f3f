package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxsh/mux/internal/agents"
	"github.com/muxsh/mux/internal/config"
	"github.com/muxsh/mux/internal/experiments"
	"github.com/muxsh/mux/internal/history"
	"github.com/muxsh/mux/internal/hooks"
	"github.com/muxsh/mux/internal/initstate"
	"github.com/muxsh/mux/internal/observability"
	"github.com/muxsh/mux/internal/tools"
	"github.com/muxsh/mux/internal/workspace"
	"github.com/muxsh/mux/pkg/models"
)

// TurnPhase is the cooperative turn state. A workspace runs at most one
// turn at a time; background work (process tails, init persistence, history
// reads) is not bound by it.
type TurnPhase string

const (
	PhaseIdle       TurnPhase = "idle"
	PhasePreparing  TurnPhase = "preparing"
	PhaseStreaming  TurnPhase = "streaming"
	PhaseCompleting TurnPhase = "completing"
)

// ErrTurnActive is returned when a send arrives while a turn is running.
var ErrTurnActive = errors.New("a turn is already active")

// SignalToolSwitchAgent stops the stream and requests a hand-off; the
// session performs the switch in the stream-end handler.
const SignalToolSwitchAgent = "switch_agent"

// maxSyntheticSwitches is the number of consecutive synthetic agent
// switches allowed without intervening user input.
const maxSyntheticSwitches = 3

// Deps carries the session's collaborators.
type Deps struct {
	Provider    Provider
	History     history.Service
	Registry    *tools.Registry
	Agents      *agents.Registry
	Init        *initstate.Manager
	Hooks       *hooks.Runner
	Experiments *experiments.Manager
	Metrics     *observability.Metrics
	Locker      *workspace.Locker
	Config      config.SessionConfig
	MuxHome     string
	Logger      *slog.Logger
}

// Session drives one workspace's conversation: the turn state machine, the
// streaming pipeline, agent switching, and the crash-safe follow-up and
// retry chores.
type Session struct {
	ws      workspace.Workspace
	lineage []string // agent ids of ancestor workspaces, orchestrator last

	provider    Provider
	history     history.Service
	registry    *tools.Registry
	agents      *agents.Registry
	init        *initstate.Manager
	hooks       *hooks.Runner
	experiments *experiments.Manager
	metrics     *observability.Metrics
	cfg         config.SessionConfig
	state       *stateFiles
	bus         *Bus
	logger      *slog.Logger

	mu                sync.Mutex
	phase             TurnPhase
	cancelStream      context.CancelFunc
	syntheticSwitches int
	lastRetryOptions  *models.SendOptions

	// failureHandled dedupes stream-error emission: once a stream failure
	// has been surfaced, synthetic re-dispatches of the same dead stream
	// stay silent. Set before any follow-up dispatch, cleared by the next
	// non-synthetic send.
	failureHandled bool

	startupMu   sync.Mutex
	startupDone chan struct{}
}

// New creates a session for the workspace. lineageAgentIDs are the agent
// ids of the workspace's ancestors, used by the exec-lineage predicate.
func New(ws workspace.Workspace, lineageAgentIDs []string, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "workspace_id", ws.ID)
	return &Session{
		ws:          ws,
		lineage:     append([]string(nil), lineageAgentIDs...),
		provider:    deps.Provider,
		history:     deps.History,
		registry:    deps.Registry,
		agents:      deps.Agents,
		init:        deps.Init,
		hooks:       deps.Hooks,
		experiments: deps.Experiments,
		metrics:     deps.Metrics,
		cfg:         deps.Config,
		state:       &stateFiles{muxHome: deps.MuxHome, locker: deps.Locker},
		bus:         NewBus(ws.ID, deps.Config.EventBuffer, logger),
		logger:      logger,
		phase:       PhaseIdle,
	}
}

// Workspace returns the workspace this session drives.
func (s *Session) Workspace() workspace.Workspace { return s.ws }

// Phase returns the current turn phase.
func (s *Session) Phase() TurnPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p TurnPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Publish forwards an externally produced event (process output, task
// lifecycle) onto this session's bus.
func (s *Session) Publish(ev models.SessionEvent) { s.bus.Publish(ev) }

// Subscribe attaches a subscriber: the init narrative is replayed first,
// then a caught-up marker, then live events in publish order.
func (s *Session) Subscribe(ctx context.Context) (uint64, <-chan models.SessionEvent) {
	return s.bus.Subscribe(func(emit func(models.SessionEvent)) {
		if s.init == nil {
			return
		}
		if _, err := s.init.Replay(ctx, s.ws.ID, initstate.Emitter(emit)); err != nil {
			s.logger.Warn("init replay failed", "error", err)
		}
	})
}

// Unsubscribe detaches a subscriber and closes its channel.
func (s *Session) Unsubscribe(id uint64) { s.bus.Unsubscribe(id) }

// Close drops all subscribers and aborts any active stream.
func (s *Session) Close() {
	s.Abort("session closed")
	s.bus.Close()
}

// Abort cancels the active stream, if any. The stream loop reports the
// abort to subscribers and discards the partial.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	cancel := s.cancelStream
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("aborting stream", "reason", reason)
		cancel()
	}
}

// SendMessage runs one user turn: append the message durably, stream the
// model response, execute tool calls, and settle follow-ups.
func (s *Session) SendMessage(ctx context.Context, text string, opts models.SendOptions) error {
	return s.send(ctx, text, opts, false)
}

func (s *Session) send(ctx context.Context, text string, opts models.SendOptions, synthetic bool) error {
	s.mu.Lock()
	// Synthetic dispatch happens from the stream-end handler of the
	// previous turn, which holds the completing phase.
	if s.phase != PhaseIdle && !(synthetic && s.phase == PhaseCompleting) {
		s.mu.Unlock()
		return ErrTurnActive
	}
	s.phase = PhasePreparing
	if !synthetic {
		s.syntheticSwitches = 0
		s.failureHandled = false
	}
	s.mu.Unlock()
	defer s.setPhase(PhaseIdle)

	if s.init != nil {
		s.init.WaitForInit(ctx, s.ws.ID)
	}

	opts = s.resolveOptions(opts)
	userMsg := models.Message{
		ID:    uuid.NewString(),
		Role:  models.RoleUser,
		Parts: []models.Part{models.TextPart(text)},
		Metadata: models.Metadata{
			Timestamp:        time.Now().UTC(),
			Synthetic:        synthetic,
			AgentID:          opts.AgentID,
			Model:            opts.Model,
			ToolPolicy:       opts.ToolPolicy,
			RetrySendOptions: &opts,
		},
	}
	if err := s.history.Append(ctx, s.ws.ID, userMsg); err != nil {
		return fmt.Errorf("appending user message: %w", err)
	}
	s.publishMessage(models.EventMessageAppended, userMsg)

	return s.streamWithHistory(ctx, opts, &userMsg)
}

// resolveOptions fills defaults from the workspace and the agent
// definition.
func (s *Session) resolveOptions(opts models.SendOptions) models.SendOptions {
	if opts.AgentID == "" {
		opts.AgentID = s.ws.AgentID
	}
	if opts.AgentID == "" {
		opts.AgentID = agents.AgentExec
	}
	if agent, ok := s.agents.Get(opts.AgentID); ok {
		if opts.Model == "" {
			opts.Model = agent.Model
		}
		if opts.ThinkingLevel == "" {
			opts.ThinkingLevel = agent.Thinking
		}
	}
	return opts
}

// streamWithHistory is the central pipeline: resolve the boundary slice,
// attach pending post-compaction content, stream, and apply the
// context-overflow and hand-off policies around the result.
func (s *Session) streamWithHistory(ctx context.Context, opts models.SendOptions, userMsg *models.Message) error {
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelStream = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelStream = nil
		s.mu.Unlock()
	}()

	msgs, err := s.history.GetFromLatestBoundary(streamCtx, s.ws.ID)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	startedAtBoundary := len(msgs) > 0 && msgs[0].IsCompactionBoundary()
	var attachments []Attachment
	if startedAtBoundary {
		pc, err := s.state.PostCompaction(s.ws.ID)
		if err != nil {
			s.logger.Warn("reading post-compaction state failed", "error", err)
		} else if pc != nil {
			attachments = pc.Diffs
		}
	}

	contextRetried := false
	hardRestarted := false
	for {
		outcome, err := s.runStream(streamCtx, msgs, opts, attachments)
		if err != nil {
			return err
		}
		if outcome.aborted {
			return nil
		}

		if outcome.errType == ErrorContextExceeded {
			if derr := s.history.DeletePartial(context.WithoutCancel(streamCtx), s.ws.ID); derr != nil {
				s.logger.Warn("discarding failed partial", "error", derr)
			}
			if !contextRetried {
				// One replay without the reinjected attachments.
				contextRetried = true
				attachments = nil
				continue
			}
			if !hardRestarted && s.hardRestartEligible() {
				hardRestarted = true
				msgs, opts, err = s.hardRestart(streamCtx, opts, userMsg)
				if err != nil {
					s.publishStreamError(ErrorContextExceeded, fmt.Sprintf("hard restart failed: %v", err))
					return nil
				}
				continue
			}
			s.publishStreamError(ErrorContextExceeded, outcome.errMsg)
			return nil
		}
		if outcome.errType != "" {
			s.mu.Lock()
			handled := s.failureHandled
			s.failureHandled = true
			s.mu.Unlock()
			if !handled {
				s.publishStreamError(outcome.errType, outcome.errMsg)
			}
			return nil
		}

		// Graceful end. A turn that started at a boundary consumed the
		// pending post-compaction state.
		if startedAtBoundary {
			if derr := s.state.DiscardPostCompaction(context.WithoutCancel(streamCtx), s.ws.ID); derr != nil {
				s.logger.Warn("discarding post-compaction state failed", "error", derr)
			}
		}
		if outcome.pendingSwitch != nil {
			s.setPhase(PhaseCompleting)
			// A lost hand-off must never look like silent success.
			if err := s.handleAgentSwitch(ctx, opts, *outcome.pendingSwitch); err != nil {
				s.publishStreamError("handoff", err.Error())
			}
		}
		return nil
	}
}

// switchRequest is a parsed switch_agent signal from the ended stream.
type switchRequest struct {
	target string
	prompt string
}

// streamOutcome summarizes one provider stream.
type streamOutcome struct {
	errType       string
	errMsg        string
	aborted       bool
	pendingSwitch *switchRequest
}

func (s *Session) runStream(ctx context.Context, msgs []models.Message, opts models.SendOptions, attachments []Attachment) (streamOutcome, error) {
	s.setPhase(PhaseStreaming)
	started := time.Now()

	partial := models.Message{
		ID:   uuid.NewString(),
		Role: models.RoleAssistant,
		Metadata: models.Metadata{
			Timestamp: started.UTC(),
			AgentID:   opts.AgentID,
			Model:     opts.Model,
			Partial:   true,
		},
	}

	ev := models.NewSessionEvent(models.EventStreamStart, s.ws.ID)
	ev.Stream = &models.StreamPayload{MessageID: partial.ID, Model: opts.Model, AgentID: opts.AgentID}
	s.bus.Publish(ev)
	if s.metrics != nil {
		s.metrics.StreamStarted()
	}

	events, err := s.provider.Stream(ctx, Request{
		WorkspaceID: s.ws.ID,
		Messages:    msgs,
		Options:     opts,
		Tools:       s.toolDecls(opts),
		Attachments: attachments,
	})
	if err != nil {
		s.streamEnded(opts.AgentID, "error", started)
		return streamOutcome{errType: ErrorRuntimeStartFailed, errMsg: err.Error()}, nil
	}

	var out streamOutcome
	for pe := range events {
		switch pe.Type {
		case ProviderDelta:
			s.appendDelta(ctx, &partial, pe.Delta)
		case ProviderToolCall:
			if pe.ToolCall == nil {
				continue
			}
			s.handleToolCall(ctx, &partial, opts, pe.ToolCall, &out)
		case ProviderError:
			if pe.Err != nil {
				out.errType, out.errMsg = pe.Err.Type, pe.Err.Message
			} else {
				out.errType, out.errMsg = "stream_failed", "provider stream failed"
			}
			s.streamEnded(opts.AgentID, "error", started)
			return out, nil
		case ProviderEnd:
			partial.Metadata.Partial = false
			if err := s.history.WritePartial(context.WithoutCancel(ctx), s.ws.ID, partial); err != nil {
				return out, fmt.Errorf("persisting final partial: %w", err)
			}
			if err := s.history.CommitPartial(context.WithoutCancel(ctx), s.ws.ID); err != nil {
				return out, fmt.Errorf("committing assistant message: %w", err)
			}
			s.publishMessage(models.EventMessageAppended, partial)
			end := models.NewSessionEvent(models.EventStreamEnd, s.ws.ID)
			end.Stream = &models.StreamPayload{MessageID: partial.ID}
			s.bus.Publish(end)
			s.streamEnded(opts.AgentID, "success", started)
			return out, nil
		}
	}

	// The channel closed without a terminal event.
	if ctx.Err() != nil {
		if derr := s.history.DeletePartial(context.WithoutCancel(ctx), s.ws.ID); derr != nil {
			s.logger.Warn("discarding aborted partial", "error", derr)
		}
		abort := models.NewSessionEvent(models.EventStreamAbort, s.ws.ID)
		abort.Stream = &models.StreamPayload{MessageID: partial.ID, Reason: "aborted"}
		s.bus.Publish(abort)
		s.streamEnded(opts.AgentID, "aborted", started)
		return streamOutcome{aborted: true}, nil
	}
	s.streamEnded(opts.AgentID, "error", started)
	return streamOutcome{errType: "stream_failed", errMsg: "provider stream closed unexpectedly"}, nil
}

func (s *Session) streamEnded(agentID, outcome string, started time.Time) {
	if s.metrics != nil {
		s.metrics.StreamEnded(agentID, outcome, time.Since(started).Seconds())
	}
}

func (s *Session) appendDelta(ctx context.Context, partial *models.Message, delta string) {
	if delta == "" {
		return
	}
	if n := len(partial.Parts); n > 0 && partial.Parts[n-1].Type == models.PartText {
		partial.Parts[n-1].Text += delta
	} else {
		partial.Parts = append(partial.Parts, models.TextPart(delta))
	}
	if err := s.history.WritePartial(ctx, s.ws.ID, *partial); err != nil {
		s.logger.Warn("persisting partial failed", "error", err)
	}
	ev := models.NewSessionEvent(models.EventStreamDelta, s.ws.ID)
	ev.Stream = &models.StreamPayload{MessageID: partial.ID, Delta: delta}
	s.bus.Publish(ev)
}

// handleToolCall executes one tool call through the hook protocol and the
// registry, records the result on the partial, and captures switch_agent
// signals for the stream-end handler.
func (s *Session) handleToolCall(ctx context.Context, partial *models.Message, opts models.SendOptions, tc *ProviderToolCallData, out *streamOutcome) {
	partial.Parts = append(partial.Parts, models.ToolPart(tc.ID, tc.Name, tc.Input))
	if err := s.history.WritePartial(ctx, s.ws.ID, *partial); err != nil {
		s.logger.Warn("persisting partial failed", "error", err)
	}
	startEv := models.NewSessionEvent(models.EventToolCallStart, s.ws.ID)
	startEv.Tool = &models.ToolPayload{CallID: tc.ID, Name: tc.Name, ArgsJSON: tc.Input}
	s.bus.Publish(startEv)

	started := time.Now()
	result := s.executeTool(ctx, opts, tc)

	if tc.Name == SignalToolSwitchAgent && result.Success {
		var input tools.SwitchAgentInput
		if err := json.Unmarshal(tc.Input, &input); err == nil && input.AgentID != "" {
			out.pendingSwitch = &switchRequest{target: input.AgentID, prompt: input.Prompt}
		}
	}

	if idx := partial.FindToolPart(tc.ID); idx >= 0 {
		state := models.ToolStateOutputAvailable
		if !result.Success {
			state = models.ToolStateOutputError
		}
		partial.Parts[idx].State = state
		partial.Parts[idx].Output = modelVisibleResult(result)
	}
	if err := s.history.WritePartial(ctx, s.ws.ID, *partial); err != nil {
		s.logger.Warn("persisting partial failed", "error", err)
	}

	endEv := models.NewSessionEvent(models.EventToolCallEnd, s.ws.ID)
	endEv.Tool = &models.ToolPayload{
		CallID:     tc.ID,
		Name:       tc.Name,
		Success:    result.Success,
		ResultJSON: fullResult(result),
		Elapsed:    time.Since(started),
	}
	s.bus.Publish(endEv)
}

func (s *Session) executeTool(ctx context.Context, opts models.SendOptions, tc *ProviderToolCallData) *tools.Result {
	call := tools.Call{
		WorkspaceID: s.ws.ID,
		ToolCallID:  tc.ID,
		AgentID:     opts.AgentID,
		PlanMode:    s.agents.Base(opts.AgentID) == agents.AgentPlan,
		Policy:      s.turnPolicy(opts),
		Input:       tc.Input,
	}

	var result *tools.Result
	run := func(ctx context.Context) (string, error) {
		res, err := s.registry.Execute(ctx, tc.Name, call)
		if err != nil {
			return "", err
		}
		result = res
		return res.RenderForModel(), nil
	}

	if s.hooks != nil {
		outcome, err := s.hooks.Around(ctx, hooks.Invocation{
			ProjectDir:  s.ws.ProjectPath,
			WorkspaceID: s.ws.ID,
			Tool:        tc.Name,
			Input:       tc.Input,
		}, run)
		if err != nil {
			return tools.Errorf("%v", err)
		}
		if outcome.HookErr != nil {
			s.logger.Warn("tool hook failed after execution", "tool", tc.Name, "error", outcome.HookErr)
		}
	} else if _, err := run(ctx); err != nil {
		return tools.Errorf("%v", err)
	}
	if result == nil {
		return tools.Errorf("tool produced no result")
	}
	return result
}

// turnPolicy layers the per-turn rules over the agent's own rules; the
// per-turn rules are evaluated first.
func (s *Session) turnPolicy(opts models.SendOptions) []models.ToolPolicyRule {
	policy := append([]models.ToolPolicyRule(nil), opts.ToolPolicy...)
	if agent, ok := s.agents.Get(opts.AgentID); ok {
		policy = append(policy, agent.ToolPolicy...)
	}
	return policy
}

func (s *Session) toolDecls(opts models.SendOptions) []ToolDecl {
	listed := s.registry.List(s.turnPolicy(opts))
	decls := make([]ToolDecl, 0, len(listed))
	for _, t := range listed {
		decls = append(decls, ToolDecl{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return decls
}

// modelVisibleResult renders the result for the transcript; ui_only never
// reaches the model.
func modelVisibleResult(r *tools.Result) json.RawMessage {
	safe := *r
	safe.UIOnly = nil
	raw, err := json.Marshal(safe)
	if err != nil {
		return json.RawMessage(`{"success":false,"error":"unrenderable tool result"}`)
	}
	return raw
}

func fullResult(r *tools.Result) []byte {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return raw
}

// hardRestartEligible implements the exec-lineage predicate: the workspace
// is a descendant subagent whose own or ancestor agent resolves to an
// exec-based agent, and the experiment is on.
func (s *Session) hardRestartEligible() bool {
	if s.ws.ParentID == "" || s.experiments == nil {
		return false
	}
	if !s.experiments.Enabled(experiments.ExecSubagentHardRestart, s.ws.ID) {
		return false
	}
	if s.agents.IsExecLike(s.ws.AgentID) {
		return true
	}
	for _, id := range s.lineage {
		if s.agents.IsExecLike(id) {
			return true
		}
	}
	return false
}

// hardRestart clears history, re-appends a visible restart notice and the
// last user snapshot, and returns the refreshed slice and options.
func (s *Session) hardRestart(ctx context.Context, opts models.SendOptions, userMsg *models.Message) ([]models.Message, models.SendOptions, error) {
	const notice = "The conversation was restarted because it repeatedly exceeded the context window. Earlier history was cleared; continue the task from the latest user message."

	if err := s.history.Clear(ctx, s.ws.ID); err != nil {
		return nil, opts, fmt.Errorf("clearing history: %w", err)
	}
	noticeMsg := models.Message{
		ID:    uuid.NewString(),
		Role:  models.RoleUser,
		Parts: []models.Part{models.TextPart(notice)},
		Metadata: models.Metadata{
			Timestamp: time.Now().UTC(),
			Synthetic: true,
			UIVisible: true,
		},
	}
	if err := s.history.Append(ctx, s.ws.ID, noticeMsg); err != nil {
		return nil, opts, fmt.Errorf("appending restart notice: %w", err)
	}
	s.publishMessage(models.EventMessageAppended, noticeMsg)

	if userMsg != nil {
		snapshot := *userMsg.Clone()
		if err := s.history.Append(ctx, s.ws.ID, snapshot); err != nil {
			return nil, opts, fmt.Errorf("re-appending user message: %w", err)
		}
		s.publishMessage(models.EventMessageAppended, snapshot)
	}

	if opts.AdditionalSystemInstructions != "" {
		opts.AdditionalSystemInstructions += "\n\n" + notice
	} else {
		opts.AdditionalSystemInstructions = notice
	}

	msgs, err := s.history.GetFromLatestBoundary(ctx, s.ws.ID)
	if err != nil {
		return nil, opts, fmt.Errorf("re-reading history: %w", err)
	}
	s.logger.Info("hard-restarted subagent history", "agent_id", opts.AgentID)
	return msgs, opts, nil
}

// handleAgentSwitch performs the hand-off requested by a switch_agent
// signal: loop guard, target validation with fallback, settings
// inheritance, then a synchronous synthetic dispatch.
func (s *Session) handleAgentSwitch(ctx context.Context, outgoing models.SendOptions, req switchRequest) error {
	s.mu.Lock()
	s.syntheticSwitches++
	count := s.syntheticSwitches
	s.mu.Unlock()
	if count > maxSyntheticSwitches {
		s.publishStreamError("agent_switch_loop", "Agent switch loop detected")
		return nil
	}

	target := req.target
	if err := s.agents.ValidateSwitchTarget(target); err != nil {
		fallback := agents.AgentExec
		if s.agents.ValidateSwitchTarget(outgoing.AgentID) == nil {
			fallback = outgoing.AgentID
		}
		notice := fmt.Sprintf("target %q is unavailable (%v); continuing as %q", target, err, fallback)
		noticeMsg := models.Message{
			ID:    uuid.NewString(),
			Role:  models.RoleUser,
			Parts: []models.Part{models.TextPart(notice)},
			Metadata: models.Metadata{
				Timestamp: time.Now().UTC(),
				Synthetic: true,
				UIVisible: true,
			},
		}
		if aerr := s.history.Append(ctx, s.ws.ID, noticeMsg); aerr != nil {
			return fmt.Errorf("recording unavailable-target notice: %w", aerr)
		}
		s.publishMessage(models.EventMessageAppended, noticeMsg)
		s.logger.Warn("switch target unavailable", "target", target, "fallback", fallback, "error", err)
		target = fallback
	}

	next := outgoing
	next.AgentID = target
	if agent, ok := s.agents.Get(target); ok {
		// The target's own settings win; otherwise the outgoing stream's
		// options carry over.
		if agent.Model != "" {
			next.Model = agent.Model
		}
		if agent.Thinking != "" {
			next.ThinkingLevel = agent.Thinking
		}
	}

	text := req.prompt
	if text == "" {
		text = "Continue the current task."
	}
	s.logger.Info("agent switch", "from", outgoing.AgentID, "to", target, "consecutive", count)
	return s.send(ctx, text, next, true)
}

func (s *Session) publishMessage(typ models.SessionEventType, msg models.Message) {
	ev := models.NewSessionEvent(typ, s.ws.ID)
	ev.Message = &models.MessagePayload{Message: &msg}
	s.bus.Publish(ev)
}

func (s *Session) publishStreamError(kind, message string) {
	ev := models.NewSessionEvent(models.EventStreamError, s.ws.ID)
	ev.Error = &models.ErrorPayload{Message: message, Kind: kind, Retriable: kind == ErrorRuntimeStartFailed}
	s.bus.Publish(ev)
	if s.metrics != nil {
		s.metrics.RecordError("session", kind)
	}
	s.logger.Error("stream error", "kind", kind, "message", message)
}
