package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/muxsh/mux/pkg/models"
)

// followUpScanDepth bounds how far back DispatchPendingFollowUp looks for a
// compaction summary carrying a pending follow-up.
const followUpScanDepth = 50

// Startup check backoff defaults, overridable through SessionConfig.
const (
	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = 250 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
)

// ScheduleStartupRecovery runs the crash-recovery chores: dispatch a
// persisted pending follow-up, then the startup auto-retry check. Repeated
// calls (and calls to EnsureStartupAutoRetryCheck) coalesce into a single
// run; the returned channel closes when that run has settled.
func (s *Session) ScheduleStartupRecovery(ctx context.Context) <-chan struct{} {
	return s.ensureStartupCheck(ctx, true)
}

// EnsureStartupAutoRetryCheck runs only the auto-retry half of startup
// recovery, coalescing with any recovery already under way.
func (s *Session) EnsureStartupAutoRetryCheck(ctx context.Context) <-chan struct{} {
	return s.ensureStartupCheck(ctx, false)
}

// StartupAutoRetryCheckDone exposes the shared startup promise; nil when no
// check has been requested yet.
func (s *Session) StartupAutoRetryCheckDone() <-chan struct{} {
	s.startupMu.Lock()
	defer s.startupMu.Unlock()
	return s.startupDone
}

// LastAutoRetryOptions returns the options armed by the most recent
// scheduled auto-retry.
func (s *Session) LastAutoRetryOptions() *models.SendOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRetryOptions
}

func (s *Session) ensureStartupCheck(ctx context.Context, withFollowUp bool) <-chan struct{} {
	s.startupMu.Lock()
	defer s.startupMu.Unlock()
	if s.startupDone != nil {
		return s.startupDone
	}
	done := make(chan struct{})
	s.startupDone = done

	go func() {
		defer close(done)
		if withFollowUp {
			s.runWithBackoff(ctx, "pending follow-up", func() (bool, error) {
				err := s.DispatchPendingFollowUp(ctx)
				if errors.Is(err, ErrTurnActive) {
					return false, nil
				}
				return err == nil, err
			})
		}
		s.runWithBackoff(ctx, "startup auto-retry", func() (bool, error) {
			return s.tryStartupAutoRetry(ctx)
		})
	}()
	return done
}

// runWithBackoff retries a deferrable chore (busy phase, transient history
// failure) a bounded number of times.
func (s *Session) runWithBackoff(ctx context.Context, name string, step func() (settled bool, err error)) {
	attempts := s.cfg.AutoRetry.MaxAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	delay := s.cfg.AutoRetry.BaseDelay
	if delay <= 0 {
		delay = defaultRetryBaseDelay
	}
	maxDelay := s.cfg.AutoRetry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		settled, err := step()
		if err != nil {
			s.logger.Warn("startup chore failed", "chore", name, "attempt", attempt, "error", err)
		}
		if settled {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
	s.logger.Warn("startup chore gave up", "chore", name, "attempts", attempts)
}

// DispatchPendingFollowUp finds the most recent compaction summary carrying
// a pending follow-up and dispatches it as a synthetic turn. A failed
// history read is returned so the recovery loop retries it.
func (s *Session) DispatchPendingFollowUp(ctx context.Context) error {
	msgs, err := s.history.GetLastMessages(ctx, s.ws.ID, followUpScanDepth)
	if err != nil {
		return fmt.Errorf("reading history for pending follow-up: %w", err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if !m.IsCompactionSummary() || m.Metadata.Mux.PendingFollowUp == nil {
			continue
		}
		fu := m.Metadata.Mux.PendingFollowUp
		opts := models.SendOptions{}
		if fu.Options != nil {
			opts = *fu.Options
		}
		if fu.AgentID != "" {
			opts.AgentID = fu.AgentID
		} else if fu.Mode != "" {
			// Legacy field: mode values are agent ids.
			opts.AgentID = fu.Mode
		}
		s.logger.Info("dispatching pending follow-up", "message_id", m.ID, "agent_id", opts.AgentID)
		return s.send(ctx, fu.Text, opts, true)
	}
	return nil
}

// tryStartupAutoRetry replays an interrupted user tail once. It reports
// settled=false when the check should re-run later (busy turn, transient
// read failure, deferred resume).
func (s *Session) tryStartupAutoRetry(ctx context.Context) (bool, error) {
	if s.Phase() != PhaseIdle {
		return false, nil
	}

	msgs, err := s.history.GetLastMessages(ctx, s.ws.ID, 1)
	if err != nil {
		return false, fmt.Errorf("reading history tail: %w", err)
	}
	if len(msgs) == 0 {
		return true, nil
	}
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleUser {
		return true, nil
	}
	opts := last.Metadata.RetrySendOptions
	if opts == nil && len(last.Metadata.ToolPolicy) > 0 {
		opts = &models.SendOptions{
			Model:                  last.Metadata.Model,
			AgentID:                last.Metadata.AgentID,
			ToolPolicy:             last.Metadata.ToolPolicy,
			DisableWorkspaceAgents: last.Metadata.DisableWorkspaceAgents,
		}
	}
	if opts == nil {
		return true, nil
	}

	state, err := s.state.AutoRetry(s.ws.ID)
	if err != nil {
		s.logger.Warn("reading auto-retry state failed; skipping retry", "error", err)
		return true, nil
	}
	if state != nil {
		if state.Enabled != nil && !*state.Enabled {
			s.logger.Info("auto-retry disabled for workspace")
			s.recordRetryDecision("opt_out")
			return true, nil
		}
		if a := state.StartupAutoRetryAbandon; a != nil && (a.UserMessageID == "" || a.UserMessageID == last.ID) {
			s.logger.Info("auto-retry previously abandoned", "reason", a.Reason)
			s.recordRetryDecision("abandoned")
			return true, nil
		}
	}

	// Never speak over a pending question.
	if partial, perr := s.history.ReadPartial(ctx, s.ws.ID); perr == nil && partial != nil && hasPendingQuestion(partial) {
		s.logger.Info("auto-retry suppressed by pending question")
		s.recordRetryDecision("pending_question")
		return true, nil
	}

	retryOpts := *opts
	s.mu.Lock()
	s.lastRetryOptions = &retryOpts
	s.mu.Unlock()

	ev := models.NewSessionEvent(models.EventAutoRetryScheduled, s.ws.ID)
	ev.Retry = &models.RetryPayload{UserMessageID: last.ID, Options: &retryOpts}
	s.bus.Publish(ev)
	s.recordRetryDecision("scheduled")

	err = s.resumeStream(ctx, retryOpts)
	switch {
	case errors.Is(err, ErrTurnActive):
		// A user turn raced the retry; defer and re-check.
		return false, nil
	case errors.Is(err, context.Canceled):
		// A pre-stream abort is a durable abandon; never retry this tail
		// again.
		if werr := s.state.RecordAbandon(context.WithoutCancel(ctx), s.ws.ID, AutoRetryAbandon{
			Reason:        "aborted",
			UserMessageID: last.ID,
		}); werr != nil {
			s.logger.Warn("recording auto-retry abandon failed", "error", werr)
		}
		s.recordRetryDecision("abandoned")
		return true, nil
	case err != nil:
		return true, err
	}
	return true, nil
}

// resumeStream re-runs the stream over the existing history tail without
// appending a new user message.
func (s *Session) resumeStream(ctx context.Context, opts models.SendOptions) error {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrTurnActive
	}
	s.phase = PhasePreparing
	s.mu.Unlock()
	defer s.setPhase(PhaseIdle)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.init != nil {
		s.init.WaitForInit(ctx, s.ws.ID)
	}
	return s.streamWithHistory(ctx, s.resolveOptions(opts), nil)
}

func (s *Session) recordRetryDecision(decision string) {
	if s.metrics != nil {
		s.metrics.RecordAutoRetry(decision)
	}
}

func hasPendingQuestion(partial *models.Message) bool {
	for _, p := range partial.ToolParts() {
		if p.ToolName == "ask_user_question" {
			return true
		}
	}
	return false
}
