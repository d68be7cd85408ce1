package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	entdispatch "github.com/waveworks/wave/ent/dispatch"
	"github.com/waveworks/wave/ent/session"
	"github.com/waveworks/wave/ent/story"
	"github.com/waveworks/wave/pkg/budget"
	"github.com/waveworks/wave/pkg/checkpoint"
	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/contextcache"
	"github.com/waveworks/wave/pkg/dispatch"
	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/services"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/pkg/workspace"
)

// heartbeatInterval paces the driver's liveness updates; the orphan scan
// treats sessions quiet for several intervals as abandoned.
const heartbeatInterval = 15 * time.Second

// terminalSignalWait bounds how long the driver waits for its own
// published signals to come back through the subscription.
const terminalSignalWait = 10 * time.Second

// DispatchRunner is the slice of the dispatcher the driver needs.
type DispatchRunner interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error)
}

// Deps bundles the collaborators a Driver needs.
type Deps struct {
	Cfg         *config.Config
	Bus         *signalbus.Bus
	Checkpoints *checkpoint.Store
	Dispatcher  DispatchRunner
	Workspaces  *workspace.Provider
	Sessions    *services.SessionService
	Stories     *services.StoryService
	Dispatches  *services.DispatchService
	PodID       string
}

// Driver runs one session at a time: it rebuilds state from the latest
// checkpoint plus later signals, then loops decide/act/checkpoint until
// the session reaches a terminal status or the context is canceled.
type Driver struct {
	deps Deps
}

// NewDriver creates a session driver.
func NewDriver(deps Deps) *Driver {
	if deps.Cfg == nil || deps.Bus == nil || deps.Checkpoints == nil || deps.Dispatcher == nil ||
		deps.Workspaces == nil || deps.Sessions == nil || deps.Stories == nil || deps.Dispatches == nil {
		panic("NewDriver: all dependencies must be non-nil")
	}
	return &Driver{deps: deps}
}

// Run drives a session to a terminal status. A canceled context returns
// ctx.Err(); the session stays claimable for recovery. Three failures
// are settled here instead of being reported to the queue:
// infrastructure that stays down past the retry budget parks the session
// paused, while an unreadable checkpoint or a non-canonical gate
// transition aborts it for operator recovery.
func (d *Driver) Run(ctx context.Context, sessionID string) error {
	log := slog.With("session_id", sessionID, "pod_id", d.deps.PodID)

	err := d.run(ctx, sessionID, log)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var violation *gate.ErrViolation
	switch {
	case errors.Is(err, ErrInfraUnavailable):
		d.park(context.WithoutCancel(ctx), sessionID, err, log)
		return nil
	case errors.Is(err, checkpoint.ErrCorrupt):
		d.abortFlagged(context.WithoutCancel(ctx), sessionID, "corrupt checkpoint", err, log)
		return nil
	case errors.As(err, &violation):
		d.abortFlagged(context.WithoutCancel(ctx), sessionID, "gate violation", err, log)
		return nil
	default:
		return err
	}
}

// park records an infrastructure pause. The driver exits; the session
// sits paused until the orphan scan notices its stale heartbeat and
// requeues it, and replay resumes it from the last checkpoint. Writes
// here are best-effort: if the store is down too, the stale heartbeat
// alone gets the session requeued.
func (d *Driver) park(ctx context.Context, sessionID string, cause error, log *slog.Logger) {
	log.Error("Parking session until infrastructure recovers", "error", cause)
	if err := d.deps.Sessions.MarkPaused(ctx, sessionID, "infrastructure unavailable"); err != nil {
		log.Warn("Failed to record infrastructure pause", "error", err)
	}
	if _, err := d.deps.Bus.Publish(ctx, signalbus.Signal{
		SessionID: sessionID,
		Kind:      signalbus.KindInfraDegraded,
		Producer:  signalbus.ProducerOrchestrator,
		Payload:   map[string]any{"reason": cause.Error()},
	}); err != nil {
		log.Warn("Failed to publish infrastructure signal", "error", err)
	}
}

// abortFlagged handles programmer and storage errors the session cannot
// recover from on its own: it is aborted and an escalation is left in
// the signal log for operator recovery.
func (d *Driver) abortFlagged(ctx context.Context, sessionID, reason string, cause error, log *slog.Logger) {
	log.Error("Aborting session", "reason", reason, "error", cause)
	if err := d.deps.Sessions.MarkTerminal(ctx, sessionID, session.StatusAborted, cause.Error()); err != nil {
		log.Error("Failed to record abort", "error", err)
	}
	if _, err := d.deps.Bus.Publish(ctx, signalbus.Signal{
		SessionID: sessionID,
		Kind:      signalbus.KindEscalation,
		Producer:  signalbus.ProducerOrchestrator,
		Payload:   map[string]any{"reason": reason, "detail": cause.Error()},
	}); err != nil {
		log.Warn("Failed to publish escalation", "error", err)
	}
}

func (d *Driver) run(ctx context.Context, sessionID string, log *slog.Logger) error {
	sess, err := d.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	records, err := d.deps.Stories.Specs(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("session %s has no stories", sessionID)
	}

	state := NewState(sessionID, records)
	acct := budget.NewAccountant(d.deps.Cfg.Budget)
	cache := contextcache.New(d.deps.Cfg.Context.MaxTokens)

	snap, err := d.loadCheckpoint(ctx, sessionID, log)
	switch {
	case err == nil:
		d.restoreFromCheckpoint(ctx, state, snap, sess.ProjectPath, log)
		acct = budget.Restore(d.deps.Cfg.Budget, snap.BudgetLedger)
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
	default:
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	// Replay everything after the checkpoint so decisions pick up exactly
	// where the previous driver stopped.
	var replayed []signalbus.Signal
	if err := withInfraRetry(ctx, log, "replay signals", func() error {
		var err error
		replayed, err = d.deps.Bus.SignalsSince(ctx, sessionID, state.LastSeq)
		return err
	}); err != nil {
		return fmt.Errorf("failed to replay signals: %w", err)
	}
	for _, sig := range replayed {
		state.Apply(sig)
	}

	var (
		sub       <-chan signalbus.Signal
		cancelSub func()
	)
	if err := withInfraRetry(ctx, log, "subscribe", func() error {
		var err error
		sub, cancelSub, err = d.deps.Bus.Subscribe(ctx, sessionID, state.LastSeq)
		return err
	}); err != nil {
		return fmt.Errorf("failed to subscribe to session signals: %w", err)
	}
	defer cancelSub()

	if err := d.deps.Sessions.MarkRunning(ctx, sessionID, d.deps.PodID); err != nil {
		return err
	}
	log.Info("Session driver started", "stories", len(records), "from_seq", state.LastSeq)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	dbPaused := false

	for {
		if err := ctx.Err(); err != nil {
			d.saveCheckpoint(context.WithoutCancel(ctx), state, acct, cache, nil, log)
			return err
		}

		action := Decide(state, d.deps.Cfg.Retry.MaxAttempts)

		switch action.Type {
		case ActionWait:
			if state.Paused && !dbPaused {
				if err := d.deps.Sessions.MarkPaused(ctx, sessionID, action.Reason); err != nil {
					log.Error("Failed to record pause", "error", err)
				}
				dbPaused = true
				log.Info("Session paused", "reason", action.Reason)
			}
			select {
			case <-ctx.Done():
				continue
			case <-heartbeat.C:
				if err := d.deps.Sessions.Heartbeat(ctx, sessionID); err != nil {
					log.Warn("Heartbeat failed", "error", err)
				}
			case sig, ok := <-sub:
				if !ok {
					return fmt.Errorf("signal subscription closed for session %s", sessionID)
				}
				d.apply(ctx, state, sig)
			}
			if dbPaused && !state.Paused {
				if err := d.deps.Sessions.MarkRunning(ctx, sessionID, d.deps.PodID); err != nil {
					log.Error("Failed to record resume", "error", err)
				}
				dbPaused = false
				log.Info("Session resumed")
			}

		case ActionComplete:
			d.saveCheckpoint(ctx, state, acct, cache, nil, log)
			if err := d.deps.Sessions.MarkTerminal(ctx, sessionID, session.StatusCompleted, ""); err != nil {
				return err
			}
			log.Info("Session completed")
			return nil

		case ActionAbort:
			d.saveCheckpoint(ctx, state, acct, cache, nil, log)
			if err := d.deps.Sessions.MarkTerminal(ctx, sessionID, session.StatusAborted, action.Reason); err != nil {
				return err
			}
			log.Info("Session aborted", "reason", action.Reason)
			return nil

		case ActionAdvance:
			if err := d.advance(ctx, state, acct, cache, sub, action, log); err != nil {
				return err
			}

		case ActionMerge:
			if err := d.merge(ctx, state, acct, cache, sub, action, sess.ProjectPath, log); err != nil {
				return err
			}

		case ActionRetry:
			if err := d.requestRetry(ctx, state, acct, cache, sub, action, log); err != nil {
				return err
			}

		case ActionEscalate:
			if err := d.escalate(ctx, state, acct, cache, sub, action, log); err != nil {
				return err
			}

		case ActionDispatch:
			if err := d.runDispatch(ctx, state, acct, cache, sub, action, sess.ProjectPath, heartbeat, log); err != nil {
				return err
			}
		}
	}
}

// restoreFromCheckpoint overlays the snapshot onto the record-derived
// state and reclaims workspaces of dispatches that were in flight when
// the checkpoint was taken.
func (d *Driver) restoreFromCheckpoint(ctx context.Context, state *State, snap *checkpoint.Snapshot, projectPath string, log *slog.Logger) {
	state.LastSeq = snap.Seq
	for id, g := range snap.StoryGates {
		st := state.Stories[id]
		if st == nil || !gate.Valid(g) {
			continue
		}
		st.Gate = g
		if gate.IsTerminal(g) {
			st.Phase = PhaseDone
		}
	}
	for id, n := range snap.RetryCounts {
		if st := state.Stories[id]; st != nil {
			st.RetryCount = n
		}
	}

	for _, ref := range snap.OutstandingDispatches {
		st := state.Stories[ref.StoryID]
		if st == nil {
			continue
		}
		_, _, attempt, ok := workspace.ParseBranch(ref.Branch)
		if !ok {
			log.Warn("Unparseable outstanding dispatch branch", "branch", ref.Branch)
			continue
		}
		ws := d.deps.Workspaces.WorkspaceFor(&st.Spec, state.SessionID, attempt, d.deps.Cfg.Safety.GlobalForbiddenPaths)
		if err := d.deps.Workspaces.Reclaim(ctx, projectPath, ws); err != nil {
			log.Warn("Failed to reclaim suspect workspace", "branch", ref.Branch, "error", err)
		}
		log.Info("Reclaimed suspect dispatch", "dispatch_id", ref.DispatchID, "story_id", ref.StoryID, "gate", ref.Gate)
	}
	if n, err := d.deps.Dispatches.MarkOrphaned(ctx, state.SessionID); err != nil {
		log.Warn("Failed to mark orphaned dispatches", "error", err)
	} else if n > 0 {
		log.Info("Marked orphaned dispatches", "count", n)
	}
}

// advance completes a control-plane gate: no worker runs, the signal is
// the gate transition.
func (d *Driver) advance(ctx context.Context, state *State, acct *budget.Accountant, cache *contextcache.Governor, sub <-chan signalbus.Signal, action Action, log *slog.Logger) error {
	st := state.Stories[action.StoryID]
	if st.Gate != "" {
		// A non-canonical transition is a programmer error; the session
		// must not continue.
		if err := gate.Validate(st.Gate, action.Gate); err != nil {
			return err
		}
	}

	seq, err := d.publish(ctx, state.SessionID, action.StoryID, signalbus.KindGateCompleted, map[string]any{
		"gate":   string(action.Gate),
		"branch": st.Branch,
	})
	if err != nil {
		return err
	}
	if err := d.waitForSeq(ctx, state, sub, seq); err != nil {
		return err
	}

	if err := d.deps.Stories.SetGate(ctx, state.SessionID, action.StoryID, action.Gate); err != nil {
		return err
	}
	if gate.IsTerminal(action.Gate) {
		if err := d.deps.Stories.SetStatus(ctx, state.SessionID, action.StoryID, story.StatusCompleted); err != nil {
			return err
		}
		log.Info("Story finished", "story_id", action.StoryID)
	}
	d.saveCheckpoint(ctx, state, acct, cache, nil, log)
	return nil
}

// merge folds the story's approved branch into the integration branch and
// completes the Merged gate.
func (d *Driver) merge(ctx context.Context, state *State, acct *budget.Accountant, cache *contextcache.Governor, sub <-chan signalbus.Signal, action Action, projectPath string, log *slog.Logger) error {
	st := state.Stories[action.StoryID]
	_, _, attempt, ok := workspace.ParseBranch(st.Branch)
	if !ok {
		return fmt.Errorf("story %s reached merge without a workspace branch", action.StoryID)
	}
	ws := d.deps.Workspaces.WorkspaceFor(&st.Spec, state.SessionID, attempt, d.deps.Cfg.Safety.GlobalForbiddenPaths)

	if err := d.deps.Workspaces.Merge(ctx, projectPath, ws, d.deps.Cfg.Workspace.IntegrationBranch); err != nil {
		log.Error("Merge failed", "story_id", action.StoryID, "branch", st.Branch, "error", err)
		seq, pubErr := d.publish(ctx, state.SessionID, action.StoryID, signalbus.KindGateFailed, map[string]any{
			"gate":   string(action.Gate),
			"reason": "merge-failed",
		})
		if pubErr != nil {
			return pubErr
		}
		return d.waitForSeq(ctx, state, sub, seq)
	}

	seq, err := d.publish(ctx, state.SessionID, action.StoryID, signalbus.KindGateCompleted, map[string]any{
		"gate":   string(action.Gate),
		"branch": st.Branch,
	})
	if err != nil {
		return err
	}
	if err := d.waitForSeq(ctx, state, sub, seq); err != nil {
		return err
	}
	if err := d.deps.Stories.SetGate(ctx, state.SessionID, action.StoryID, action.Gate); err != nil {
		return err
	}
	log.Info("Story merged", "story_id", action.StoryID, "branch", st.Branch)
	d.saveCheckpoint(ctx, state, acct, cache, nil, log)
	return nil
}

// requestRetry records a fix attempt and queues the fix dispatch.
func (d *Driver) requestRetry(ctx context.Context, state *State, acct *budget.Accountant, cache *contextcache.Governor, sub <-chan signalbus.Signal, action Action, log *slog.Logger) error {
	st := state.Stories[action.StoryID]
	seq, err := d.publish(ctx, state.SessionID, action.StoryID, signalbus.KindRetryRequested, map[string]any{
		"gate":     string(action.Gate),
		"fix_role": action.Role,
		"attempt":  action.Attempt,
		"feedback": st.Feedback,
	})
	if err != nil {
		return err
	}
	if err := d.waitForSeq(ctx, state, sub, seq); err != nil {
		return err
	}
	if _, err := d.deps.Stories.IncrementRetry(ctx, state.SessionID, action.StoryID); err != nil {
		return err
	}
	log.Info("Fix dispatch queued", "story_id", action.StoryID, "attempt", action.Attempt, "fix_role", action.Role)
	d.saveCheckpoint(ctx, state, acct, cache, nil, log)
	return nil
}

// escalate hands a story to a human and freezes its progression.
func (d *Driver) escalate(ctx context.Context, state *State, acct *budget.Accountant, cache *contextcache.Governor, sub <-chan signalbus.Signal, action Action, log *slog.Logger) error {
	st := state.Stories[action.StoryID]
	seq, err := d.publish(ctx, state.SessionID, action.StoryID, signalbus.KindEscalation, map[string]any{
		"gate":        string(action.Gate),
		"retry_count": st.RetryCount,
		"feedback":    st.Feedback,
	})
	if err != nil {
		return err
	}
	if err := d.waitForSeq(ctx, state, sub, seq); err != nil {
		return err
	}
	if err := d.deps.Stories.SetStatus(ctx, state.SessionID, action.StoryID, story.StatusEscalated); err != nil {
		return err
	}
	log.Warn("Story escalated", "story_id", action.StoryID, "retry_count", st.RetryCount)
	d.saveCheckpoint(ctx, state, acct, cache, nil, log)
	return nil
}

// runDispatch invokes a worker for a gate. The outstanding dispatch is
// checkpointed first so a crash mid-dispatch is recoverable; while the
// worker runs, control signals keep flowing and an emergency stop or
// abort cancels the dispatch.
func (d *Driver) runDispatch(ctx context.Context, state *State, acct *budget.Accountant, cache *contextcache.Governor, sub <-chan signalbus.Signal, action Action, projectPath string, heartbeat *time.Ticker, log *slog.Logger) error {
	st := state.Stories[action.StoryID]
	dispatchID := uuid.New().String()
	branch := workspace.BranchName(state.SessionID, action.StoryID, action.Attempt)
	base := st.Branch
	if base == "" {
		base = d.deps.Cfg.Workspace.IntegrationBranch
	}

	d.saveCheckpoint(ctx, state, acct, cache, []checkpoint.DispatchRef{{
		DispatchID: dispatchID,
		StoryID:    action.StoryID,
		Role:       action.Role,
		Gate:       string(action.Gate),
		Branch:     branch,
	}}, log)
	if err := d.deps.Dispatches.Start(ctx, dispatchID, state.SessionID, action.StoryID, action.Role, action.Gate, branch); err != nil {
		return err
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type dispatchDone struct {
		res *dispatch.Result
		err error
	}
	done := make(chan dispatchDone, 1)
	go func() {
		res, err := d.deps.Dispatcher.Dispatch(dctx, &dispatch.Request{
			DispatchID:  dispatchID,
			SessionID:   state.SessionID,
			Story:       &st.Spec,
			Role:        action.Role,
			Gate:        action.Gate,
			Attempt:     action.Attempt,
			ProjectPath: projectPath,
			Base:        base,
			Feedback:    action.Feedback,
			Budget:      acct,
			Context:     cache,
		})
		done <- dispatchDone{res: res, err: err}
	}()

	var res *dispatch.Result
	var dispatchErr error
collect:
	for {
		select {
		case out := <-done:
			res, dispatchErr = out.res, out.err
			break collect
		case <-heartbeat.C:
			if err := d.deps.Sessions.Heartbeat(ctx, state.SessionID); err != nil {
				log.Warn("Heartbeat failed", "error", err)
			}
		case sig, ok := <-sub:
			if !ok {
				cancel()
				out := <-done
				res, dispatchErr = out.res, out.err
				break collect
			}
			d.apply(ctx, state, sig)
			if state.Stopped || state.Aborted {
				log.Warn("Cancelling in-flight dispatch", "dispatch_id", dispatchID)
				cancel()
			}
		}
	}

	if dispatchErr != nil {
		log.Error("Dispatch failed to run", "dispatch_id", dispatchID, "error", dispatchErr)
		if err := d.deps.Dispatches.Finish(ctx, dispatchID, entdispatch.StatusFailed, "dispatch-error", budget.Usage{}); err != nil {
			log.Warn("Failed to record dispatch failure", "error", err)
		}
		seq, err := d.publish(ctx, state.SessionID, action.StoryID, signalbus.KindGateFailed, map[string]any{
			"gate":   string(action.Gate),
			"reason": "dispatch-error",
		})
		if err != nil {
			return err
		}
		if err := d.waitForSeq(ctx, state, sub, seq); err != nil {
			return err
		}
		d.saveCheckpoint(ctx, state, acct, cache, nil, log)
		return nil
	}

	if err := d.deps.Dispatches.Finish(ctx, dispatchID, dispatchStatus(res.Outcome), res.Reason, res.Usage); err != nil {
		log.Warn("Failed to record dispatch finish", "error", err)
	}
	if err := d.deps.Stories.AddUsage(ctx, state.SessionID, action.StoryID, res.Usage.TokensIn, res.Usage.TokensOut, res.Usage.CostUSD); err != nil {
		log.Warn("Failed to roll up dispatch usage", "error", err)
	}
	if res.Branch != "" {
		if err := d.deps.Stories.SetWorkspaceBranch(ctx, state.SessionID, action.StoryID, res.Branch); err != nil {
			log.Warn("Failed to record workspace branch", "error", err)
		}
	}

	if res.Outcome == dispatch.OutcomeCompleted {
		if res.Workspace != nil {
			if err := d.deps.Workspaces.Release(ctx, projectPath, res.Workspace); err != nil {
				log.Warn("Failed to detach completed workspace", "error", err)
			}
		}
		if err := d.deps.Stories.SetGate(ctx, state.SessionID, action.StoryID, action.Gate); err != nil {
			return err
		}
		if action.Fix {
			seq, err := d.publish(ctx, state.SessionID, action.StoryID, signalbus.KindFixCompleted, map[string]any{
				"gate":    string(action.Gate),
				"attempt": action.Attempt,
			})
			if err != nil {
				// The gate itself is already recorded on the story row;
				// losing the audit signal is not worth killing the pass.
				log.Warn("Failed to publish fix completion", "error", err)
			} else {
				_ = d.waitForSeq(ctx, state, sub, seq)
			}
		}
	}

	// A stop or abort cancelled the worker mid-flight; its terminal signal
	// may have raced the cancellation and never persisted. The next decision
	// acts on the stop itself, so skip the wait.
	if state.Stopped || state.Aborted {
		d.saveCheckpoint(ctx, state, acct, cache, nil, log)
		return nil
	}

	// The dispatcher published the terminal signal; fold it in before the
	// next decision so the gate is not reissued.
	if err := d.waitForDispatchTerminal(ctx, state, sub, dispatchID); err != nil {
		return err
	}
	d.saveCheckpoint(ctx, state, acct, cache, nil, log)
	return nil
}

// apply folds a signal and acknowledges consumer progress.
func (d *Driver) apply(ctx context.Context, state *State, sig signalbus.Signal) {
	state.Apply(sig)
	if err := d.deps.Bus.Ack(ctx, state.SessionID, state.LastSeq); err != nil {
		slog.Warn("Failed to ack signal", "session_id", state.SessionID, "seq", state.LastSeq, "error", err)
	}
}

// waitForSeq drains the subscription until the given sequence is
// applied. A stalled live delivery falls back to one store catchup: the
// sequence was durably committed by the publish, so the store settles
// whether it exists before the driver gives up.
func (d *Driver) waitForSeq(ctx context.Context, state *State, sub <-chan signalbus.Signal, seq int64) error {
	deadline := time.NewTimer(terminalSignalWait)
	defer deadline.Stop()
	for state.LastSeq < seq {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			sigs, err := d.deps.Bus.SignalsSince(ctx, state.SessionID, state.LastSeq)
			if err != nil {
				return fmt.Errorf("catchup for signal seq %d: %w: %w", seq, ErrInfraUnavailable, err)
			}
			for _, sig := range sigs {
				state.Apply(sig)
			}
			if state.LastSeq < seq {
				return fmt.Errorf("timed out waiting for signal seq %d", seq)
			}
			return nil
		case sig, ok := <-sub:
			if !ok {
				return fmt.Errorf("signal subscription closed")
			}
			d.apply(ctx, state, sig)
		}
	}
	return nil
}

// waitForDispatchTerminal drains the subscription until the dispatch's
// terminal signal has been applied.
func (d *Driver) waitForDispatchTerminal(ctx context.Context, state *State, sub <-chan signalbus.Signal, dispatchID string) error {
	if sigs, err := d.deps.Bus.SignalsSince(ctx, state.SessionID, state.LastSeq); err == nil {
		for _, sig := range sigs {
			state.Apply(sig)
		}
		if seenDispatchTerminal(sigs, dispatchID) {
			return nil
		}
	}

	deadline := time.NewTimer(terminalSignalWait)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			sigs, err := d.deps.Bus.SignalsSince(ctx, state.SessionID, state.LastSeq)
			if err != nil {
				return fmt.Errorf("catchup for dispatch %s: %w: %w", dispatchID, ErrInfraUnavailable, err)
			}
			for _, sig := range sigs {
				state.Apply(sig)
			}
			if !seenDispatchTerminal(sigs, dispatchID) {
				return fmt.Errorf("timed out waiting for dispatch %s terminal signal", dispatchID)
			}
			return nil
		case sig, ok := <-sub:
			if !ok {
				return fmt.Errorf("signal subscription closed")
			}
			d.apply(ctx, state, sig)
			if isDispatchTerminal(sig, dispatchID) {
				return nil
			}
		}
	}
}

func seenDispatchTerminal(sigs []signalbus.Signal, dispatchID string) bool {
	for _, sig := range sigs {
		if isDispatchTerminal(sig, dispatchID) {
			return true
		}
	}
	return false
}

func isDispatchTerminal(sig signalbus.Signal, dispatchID string) bool {
	if payloadString(sig, "dispatch_id") != dispatchID {
		return false
	}
	switch sig.Kind {
	case signalbus.KindGateCompleted, signalbus.KindGateFailed, signalbus.KindQARejected,
		signalbus.KindTimeout, signalbus.KindEmergencyStop:
		return true
	}
	return false
}

// publish sends one orchestrator signal, retrying transient bus errors.
// An exhausted retry budget surfaces ErrInfraUnavailable, which parks
// the session rather than failing it.
func (d *Driver) publish(ctx context.Context, sessionID, storyID string, kind signalbus.Kind, payload map[string]any) (int64, error) {
	var seq int64
	err := withInfraRetry(ctx, slog.With("session_id", sessionID), "publish "+string(kind), func() error {
		var err error
		seq, err = d.deps.Bus.Publish(ctx, signalbus.Signal{
			SessionID: sessionID,
			StoryID:   storyID,
			Kind:      kind,
			Producer:  signalbus.ProducerOrchestrator,
			Payload:   payload,
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to publish %s: %w", kind, err)
	}
	return seq, nil
}

// loadCheckpoint fetches the latest snapshot with infra retry.
// ErrNoCheckpoint and ErrCorrupt pass through unretried: neither gets
// better by trying again.
func (d *Driver) loadCheckpoint(ctx context.Context, sessionID string, log *slog.Logger) (*checkpoint.Snapshot, error) {
	var snap *checkpoint.Snapshot
	var permanent error
	err := withInfraRetry(ctx, log, "load checkpoint", func() error {
		s, err := d.deps.Checkpoints.LoadLatest(ctx, sessionID)
		switch {
		case err == nil:
			snap = s
			return nil
		case errors.Is(err, checkpoint.ErrNoCheckpoint), errors.Is(err, checkpoint.ErrCorrupt):
			permanent = err
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	if permanent != nil {
		return nil, permanent
	}
	return snap, nil
}

// saveCheckpoint persists a recoverable snapshot of the current state.
func (d *Driver) saveCheckpoint(ctx context.Context, state *State, acct *budget.Accountant, cache *contextcache.Governor, outstanding []checkpoint.DispatchRef, log *slog.Logger) {
	snap := &checkpoint.Snapshot{
		SessionID:             state.SessionID,
		Gate:                  sessionGate(state),
		StoryGates:            make(map[string]gate.Gate, len(state.Stories)),
		RetryCounts:           make(map[string]int, len(state.Stories)),
		BudgetLedger:          acct.Snapshot(),
		OutstandingDispatches: outstanding,
		ContextSummary:        cache.Summary(),
	}
	for id, st := range state.Stories {
		snap.StoryGates[id] = st.Gate
		snap.RetryCounts[id] = st.RetryCount
	}

	seq, err := d.deps.Checkpoints.Save(ctx, snap)
	if err != nil {
		// A failed checkpoint is survivable: recovery falls back to the
		// previous one plus the signal log.
		log.Error("Failed to save checkpoint", "error", err)
		return
	}
	if state.LastSeq < seq {
		state.LastSeq = seq
	}
	log.Debug("Checkpoint saved", "seq", seq)
}

// sessionGate is the least gate reached across unfinished stories; a
// session with all stories done reports the terminal gate.
func sessionGate(state *State) gate.Gate {
	lowest := gate.Gate("")
	lowestIdx := len(gate.Order)
	for _, st := range state.Stories {
		idx := gate.Index(st.Gate)
		if idx < lowestIdx {
			lowestIdx = idx
			lowest = st.Gate
		}
	}
	return lowest
}

func dispatchStatus(outcome dispatch.Outcome) entdispatch.Status {
	switch outcome {
	case dispatch.OutcomeCompleted:
		return entdispatch.StatusCompleted
	case dispatch.OutcomeRejected:
		return entdispatch.StatusRejected
	case dispatch.OutcomeTimeout:
		return entdispatch.StatusTimedOut
	case dispatch.OutcomeStopped:
		return entdispatch.StatusStopped
	default:
		return entdispatch.StatusFailed
	}
}
