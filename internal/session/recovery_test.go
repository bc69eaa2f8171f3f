package session

import (
	"context"
	"testing"
	"time"

	"github.com/muxsh/mux/internal/workspace"
	"github.com/muxsh/mux/pkg/models"
)

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("startup check never settled")
	}
}

func appendInterruptedTail(t *testing.T, deps Deps, ws workspace.Workspace) models.SendOptions {
	t.Helper()
	opts := models.SendOptions{
		Model:                  "anthropic:claude-sonnet-4-5",
		AgentID:                "exec",
		ToolPolicy:             []models.ToolPolicyRule{{RegexMatch: ".*", Action: "disable"}},
		DisableWorkspaceAgents: true,
	}
	msg := models.Message{
		ID:    "tail-1",
		Role:  models.RoleUser,
		Parts: []models.Part{models.TextPart("finish the refactor")},
		Metadata: models.Metadata{
			Timestamp:        time.Now().UTC(),
			ToolPolicy:       opts.ToolPolicy,
			RetrySendOptions: &opts,
		},
	}
	if err := deps.History.Append(context.Background(), ws.ID, msg); err != nil {
		t.Fatal(err)
	}
	return opts
}

func TestStartupAutoRetrySchedulesInterruptedTail(t *testing.T) {
	ws := workspace.Workspace{ID: "ws-r", ProjectPath: t.TempDir(), AgentID: "exec"}
	p := &fakeProvider{script: []streamScript{emitAll(delta("resumed"), endEvent())}}
	s, deps := newTestSession(t, ws, p)
	opts := appendInterruptedTail(t, deps, ws)
	ctx := context.Background()

	id, ch := s.Subscribe(ctx)
	defer s.Unsubscribe(id)

	waitDone(t, s.EnsureStartupAutoRetryCheck(ctx))

	scheduled := eventsOfType(drain(ch), models.EventAutoRetryScheduled)
	if len(scheduled) != 1 {
		t.Fatalf("auto-retry-scheduled events = %d, want 1", len(scheduled))
	}
	if scheduled[0].Retry.UserMessageID != "tail-1" {
		t.Errorf("retry message id = %q", scheduled[0].Retry.UserMessageID)
	}
	if got := scheduled[0].Retry.Options; got == nil || got.Model != opts.Model {
		t.Errorf("retry options = %+v", got)
	}

	armed := s.LastAutoRetryOptions()
	if armed == nil || armed.Model != opts.Model || !armed.DisableWorkspaceAgents {
		t.Errorf("armed options = %+v", armed)
	}

	reqs := p.requests()
	if len(reqs) != 1 {
		t.Fatalf("provider called %d times, want 1", len(reqs))
	}
	if reqs[0].Options.Model != opts.Model {
		t.Errorf("resumed stream model = %q", reqs[0].Options.Model)
	}
	// The resumed stream replays the existing tail without a new message.
	msgs, _ := deps.History.GetLastMessages(ctx, ws.ID, 10)
	var users int
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Errorf("user messages after resume = %d, want 1", users)
	}
}

func TestStartupChecksCoalesce(t *testing.T) {
	ws := workspace.Workspace{ID: "ws-r", ProjectPath: t.TempDir(), AgentID: "exec"}
	p := &fakeProvider{script: []streamScript{emitAll(delta("resumed"), endEvent())}}
	s, deps := newTestSession(t, ws, p)
	appendInterruptedTail(t, deps, ws)
	ctx := context.Background()

	id, ch := s.Subscribe(ctx)
	defer s.Unsubscribe(id)

	first := s.ScheduleStartupRecovery(ctx)
	second := s.EnsureStartupAutoRetryCheck(ctx)
	third := s.EnsureStartupAutoRetryCheck(ctx)
	if first != second || second != third {
		t.Error("startup checks did not coalesce onto one promise")
	}
	if s.StartupAutoRetryCheckDone() != first {
		t.Error("debug accessor returns a different promise")
	}
	waitDone(t, first)

	if got := len(eventsOfType(drain(ch), models.EventAutoRetryScheduled)); got != 1 {
		t.Errorf("auto-retry-scheduled events = %d, want 1", got)
	}
	if got := len(p.requests()); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
}

func TestAutoRetryHonorsOptOut(t *testing.T) {
	ws := workspace.Workspace{ID: "ws-r", ProjectPath: t.TempDir(), AgentID: "exec"}
	p := &fakeProvider{}
	s, deps := newTestSession(t, ws, p)
	appendInterruptedTail(t, deps, ws)
	ctx := context.Background()

	disabled := false
	sf := &stateFiles{muxHome: deps.MuxHome, locker: deps.Locker}
	if err := sf.writeJSON(ctx, ws.ID, workspace.AutoRetryFile, AutoRetryState{Enabled: &disabled}); err != nil {
		t.Fatal(err)
	}

	id, ch := s.Subscribe(ctx)
	defer s.Unsubscribe(id)
	waitDone(t, s.EnsureStartupAutoRetryCheck(ctx))

	if got := len(eventsOfType(drain(ch), models.EventAutoRetryScheduled)); got != 0 {
		t.Errorf("auto-retry fired despite opt-out: %d events", got)
	}
	if got := len(p.requests()); got != 0 {
		t.Errorf("provider called %d times, want 0", got)
	}
}

func TestAutoRetryNeverFiresAfterAbandon(t *testing.T) {
	ws := workspace.Workspace{ID: "ws-r", ProjectPath: t.TempDir(), AgentID: "exec"}
	p := &fakeProvider{}
	s, deps := newTestSession(t, ws, p)
	appendInterruptedTail(t, deps, ws)
	ctx := context.Background()

	sf := &stateFiles{muxHome: deps.MuxHome, locker: deps.Locker}
	if err := sf.RecordAbandon(ctx, ws.ID, AutoRetryAbandon{Reason: "runtime_not_ready", UserMessageID: "tail-1"}); err != nil {
		t.Fatal(err)
	}

	id, ch := s.Subscribe(ctx)
	defer s.Unsubscribe(id)
	waitDone(t, s.EnsureStartupAutoRetryCheck(ctx))

	if got := len(eventsOfType(drain(ch), models.EventAutoRetryScheduled)); got != 0 {
		t.Errorf("auto-retry fired after persisted abandon: %d events", got)
	}
	if got := len(p.requests()); got != 0 {
		t.Errorf("provider called %d times, want 0", got)
	}
}

func TestAutoRetrySuppressedByPendingQuestion(t *testing.T) {
	ws := workspace.Workspace{ID: "ws-r", ProjectPath: t.TempDir(), AgentID: "exec"}
	p := &fakeProvider{}
	s, deps := newTestSession(t, ws, p)
	appendInterruptedTail(t, deps, ws)
	ctx := context.Background()

	partial := models.Message{
		ID:   "p1",
		Role: models.RoleAssistant,
		Parts: []models.Part{
			models.ToolPart("q1", "ask_user_question", []byte(`{"questions":[{"question":"which db?"}]}`)),
		},
		Metadata: models.Metadata{Timestamp: time.Now().UTC(), Partial: true},
	}
	if err := deps.History.WritePartial(ctx, ws.ID, partial); err != nil {
		t.Fatal(err)
	}

	id, ch := s.Subscribe(ctx)
	defer s.Unsubscribe(id)
	waitDone(t, s.EnsureStartupAutoRetryCheck(ctx))

	if got := len(eventsOfType(drain(ch), models.EventAutoRetryScheduled)); got != 0 {
		t.Errorf("auto-retry spoke over a pending question: %d events", got)
	}
	if got := len(p.requests()); got != 0 {
		t.Errorf("provider called %d times, want 0", got)
	}
}

func TestAutoRetrySkipsAssistantTail(t *testing.T) {
	ws := workspace.Workspace{ID: "ws-r", ProjectPath: t.TempDir(), AgentID: "exec"}
	p := &fakeProvider{}
	s, deps := newTestSession(t, ws, p)
	ctx := context.Background()

	done := models.Message{
		ID:       "a1",
		Role:     models.RoleAssistant,
		Parts:    []models.Part{models.TextPart("all finished")},
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
	}
	if err := deps.History.Append(ctx, ws.ID, done); err != nil {
		t.Fatal(err)
	}

	waitDone(t, s.EnsureStartupAutoRetryCheck(ctx))
	if got := len(p.requests()); got != 0 {
		t.Errorf("provider called %d times for a settled transcript", got)
	}
}

func TestDispatchPendingFollowUpTranslatesLegacyMode(t *testing.T) {
	ws := workspace.Workspace{ID: "ws-r", ProjectPath: t.TempDir(), AgentID: "exec"}
	p := &fakeProvider{script: []streamScript{emitAll(delta("on it"), endEvent())}}
	s, deps := newTestSession(t, ws, p)
	ctx := context.Background()

	summary := models.Message{
		ID:    "sum-1",
		Role:  models.RoleAssistant,
		Parts: []models.Part{models.TextPart("compacted summary")},
		Metadata: models.Metadata{
			Timestamp: time.Now().UTC(),
			Mux: &models.MuxMetadata{
				Type: models.MetadataTypeCompactionSummary,
				PendingFollowUp: &models.PendingFollowUp{
					Text: "Implement the plan",
					Mode: "plan", // legacy field, pre-agentId payloads
				},
			},
		},
	}
	if err := deps.History.Append(ctx, ws.ID, summary); err != nil {
		t.Fatal(err)
	}

	if err := s.DispatchPendingFollowUp(ctx); err != nil {
		t.Fatal(err)
	}

	reqs := p.requests()
	if len(reqs) != 1 {
		t.Fatalf("provider called %d times, want 1", len(reqs))
	}
	if reqs[0].Options.AgentID != "plan" {
		t.Errorf("follow-up agent = %q, want plan (translated from mode)", reqs[0].Options.AgentID)
	}

	msgs, _ := deps.History.GetLastMessages(ctx, ws.ID, 10)
	var followUp *models.Message
	for i := range msgs {
		if msgs[i].Role == models.RoleUser && msgs[i].Metadata.Synthetic {
			followUp = &msgs[i]
		}
	}
	if followUp == nil || followUp.Text() != "Implement the plan" {
		t.Errorf("follow-up message = %+v", followUp)
	}
}

func TestDispatchPendingFollowUpNoSummaryIsNoOp(t *testing.T) {
	ws := workspace.Workspace{ID: "ws-r", ProjectPath: t.TempDir(), AgentID: "exec"}
	p := &fakeProvider{}
	s, _ := newTestSession(t, ws, p)
	if err := s.DispatchPendingFollowUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(p.requests()); got != 0 {
		t.Errorf("provider called %d times, want 0", got)
	}
}
