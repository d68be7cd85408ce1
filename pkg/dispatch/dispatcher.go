// Package dispatch runs one worker invocation per (story, role, gate)
// inside an isolated workspace. Every action the worker proposes is
// screened before it takes effect; spend is metered per turn; a stalled
// worker is killed after the story's timeout.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/waveworks/wave/pkg/budget"
	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/contextcache"
	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/models"
	"github.com/waveworks/wave/pkg/safety"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/pkg/worker"
	"github.com/waveworks/wave/pkg/workspace"
)

// Outcome is the terminal disposition of a dispatch.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeFailed    Outcome = "failed"
	OutcomeStopped   Outcome = "stopped"
)

// Rejection and failure reasons carried in gate.failed payloads.
const (
	ReasonDestructiveCommand  = "destructive-command"
	ReasonBoundaryViolation   = "boundary-violation"
	ReasonStopCondition       = "stop-condition"
	ReasonStoryBudgetExceeded = "story-budget-exceeded"
	ReasonQARejected          = "qa-rejected"
	ReasonSessionBudget       = "session-budget-exceeded"
	ReasonWorkerFailed        = "worker-failed"
	ReasonWorkerStopped       = "worker-stopped"
	ReasonCanceled            = "canceled"
	ReasonStalled             = "stalled"
	ReasonEmergencyStop       = "emergency-stop"
)

// defaultStallTimeout applies when a story declares no duration bound.
const defaultStallTimeout = 30 * time.Minute

// SignalPublisher is the slice of the signal bus the dispatcher needs.
type SignalPublisher interface {
	Publish(ctx context.Context, sig signalbus.Signal) (int64, error)
}

// CommandRunner executes an approved shell command inside a workspace
// directory and returns its combined output.
type CommandRunner func(ctx context.Context, dir, command string) (string, error)

// Request describes one dispatch: which story, which role, at which gate,
// and the per-session governors that bound it.
type Request struct {
	// DispatchID may be pre-assigned by the caller so the dispatch can be
	// checkpointed as outstanding before the worker is invoked. Left
	// empty, a fresh ID is generated.
	DispatchID  string
	SessionID   string
	Story       *models.StorySpec
	Role        string
	Gate        gate.Gate
	Attempt     int
	ProjectPath string
	// Base is the revision the workspace branches from: the integration
	// branch for a first attempt, the prior attempt's tip for a retry.
	Base string
	// Feedback carries the rejection payload into a fix dispatch.
	Feedback string

	Budget  *budget.Accountant
	Context *contextcache.Governor
}

// Result is what the orchestrator acts on after a dispatch returns.
type Result struct {
	DispatchID   string
	Outcome      Outcome
	Reason       string
	Summary      string
	Branch       string
	ChangedPaths []string
	Usage        budget.Usage

	// Workspace is non-nil only for completed dispatches; the orchestrator
	// merges or releases it once the gate decision is made.
	Workspace *workspace.Workspace
}

// Dispatcher screens and applies worker output. It holds no per-session
// state; budget and context governors arrive with each request.
type Dispatcher struct {
	worker     worker.Client
	evaluator  *safety.Evaluator
	workspaces *workspace.Provider
	signals    SignalPublisher
	cfg        *config.Config
	runCommand CommandRunner

	// stallOverride, when set, replaces the story-derived stall timeout.
	stallOverride time.Duration
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(workerClient worker.Client, evaluator *safety.Evaluator, workspaces *workspace.Provider, signals SignalPublisher, cfg *config.Config) *Dispatcher {
	if workerClient == nil || evaluator == nil || workspaces == nil || signals == nil || cfg == nil {
		panic("NewDispatcher: all dependencies must be non-nil")
	}
	return &Dispatcher{
		worker:     workerClient,
		evaluator:  evaluator,
		workspaces: workspaces,
		signals:    signals,
		cfg:        cfg,
		runCommand: shellRun,
	}
}

// SetCommandRunner overrides how approved shell commands are executed.
func (d *Dispatcher) SetCommandRunner(run CommandRunner) {
	d.runCommand = run
}

// Dispatch runs one worker turn sequence to a terminal outcome. The
// returned error is reserved for infrastructure failures; worker
// misbehavior is reported through Result.Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	dispatchID := req.DispatchID
	if dispatchID == "" {
		dispatchID = uuid.New().String()
	}
	log := slog.With(
		"dispatch_id", dispatchID,
		"session_id", req.SessionID,
		"story_id", req.Story.ID,
		"gate", string(req.Gate),
		"attempt", req.Attempt,
	)

	// The operator stop sentinel is honored before any workspace or worker
	// is engaged.
	if reason, stopped := d.workspaces.CheckStop(req.SessionID); stopped {
		log.Warn("Emergency stop sentinel present, refusing dispatch", "reason", reason)
		d.publishStopSentinel(ctx, req, dispatchID, reason)
		return &Result{DispatchID: dispatchID, Outcome: OutcomeStopped, Reason: ReasonEmergencyStop}, nil
	}

	ws, err := d.workspaces.Allocate(ctx, req.ProjectPath, req.Story, req.SessionID, req.Attempt, req.Base, d.cfg.Safety.GlobalForbiddenPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate workspace: %w", err)
	}

	d.preloadContext(req, ws, log)

	res := &Result{DispatchID: dispatchID, Branch: ws.Branch}
	d.publish(ctx, req, dispatchID, signalbus.KindGateStarted, map[string]any{
		"role":    req.Role,
		"attempt": req.Attempt,
		"branch":  ws.Branch,
	})

	input, err := d.invokeInput(dispatchID, req, ws)
	if err != nil {
		d.releaseQuietly(req.ProjectPath, ws, log)
		return nil, err
	}

	stream, err := d.worker.Invoke(ctx, input)
	if err != nil {
		d.releaseQuietly(req.ProjectPath, ws, log)
		return nil, fmt.Errorf("failed to invoke worker: %w", err)
	}

	outcome, reason, summary := d.consume(ctx, req, res, ws, stream, log)
	res.Outcome = outcome
	res.Reason = reason
	res.Summary = summary

	if outcome == OutcomeCompleted {
		if err := d.finalize(ctx, req, res, ws, log); err != nil {
			d.releaseQuietly(req.ProjectPath, ws, log)
			return nil, err
		}
	} else {
		// Snapshot whatever the worker produced so a retry can base itself
		// on this attempt's tip, then detach the worktree.
		d.snapshotQuietly(ctx, req, ws, log)
		d.releaseQuietly(req.ProjectPath, ws, log)
	}

	d.publishTerminal(ctx, req, res)
	log.Info("Dispatch finished", "outcome", string(res.Outcome), "reason", res.Reason)
	return res, nil
}

// consume drains the worker stream, screening every proposed action. It
// returns the outcome, rejection reason, and worker summary.
func (d *Dispatcher) consume(ctx context.Context, req *Request, res *Result, ws *workspace.Workspace, stream <-chan worker.Chunk, log *slog.Logger) (Outcome, string, string) {
	stall := stallTimeout(req.Story)
	if d.stallOverride > 0 {
		stall = d.stallOverride
	}
	timer := time.NewTimer(stall)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.kill(res.DispatchID, ReasonCanceled)
			return OutcomeStopped, ReasonCanceled, ""

		case <-timer.C:
			log.Warn("Dispatch stalled, killing worker", "stall_timeout", stall)
			d.kill(res.DispatchID, ReasonStalled)
			return OutcomeTimeout, ReasonStalled, ""

		case chunk, ok := <-stream:
			if !ok {
				return OutcomeFailed, ReasonWorkerFailed, "worker stream ended without a result"
			}
			timer.Reset(stall)

			// The operator stop sentinel is honored between worker turns,
			// before the next proposed action takes effect.
			if reason, stopped := d.workspaces.CheckStop(req.SessionID); stopped {
				log.Warn("Emergency stop sentinel present, killing worker", "reason", reason)
				d.kill(res.DispatchID, ReasonEmergencyStop)
				d.publishStopSentinel(ctx, req, res.DispatchID, reason)
				return OutcomeStopped, ReasonEmergencyStop, ""
			}

			switch c := chunk.(type) {
			case *worker.FileWriteChunk:
				if outcome, reason, ok := d.screenWrite(ctx, req, res, ws, c, log); !ok {
					return outcome, reason, ""
				}

			case *worker.CommandChunk:
				if outcome, reason, ok := d.screenCommand(ctx, req, res, ws, c, log); !ok {
					return outcome, reason, ""
				}

			case *worker.UsageChunk:
				if outcome, reason, ok := d.meter(ctx, req, res, c, log); !ok {
					return outcome, reason, ""
				}

			case *worker.LogChunk:
				log.Debug("Worker log", "text", c.Text)

			case *worker.ErrorChunk:
				log.Error("Worker error", "code", c.Code, "message", c.Message, "retryable", c.Retryable)
				return OutcomeFailed, ReasonWorkerFailed, c.Message

			case *worker.ResultChunk:
				switch c.Status {
				case worker.ResultCompleted:
					return OutcomeCompleted, "", c.Summary
				case worker.ResultStopped:
					return OutcomeStopped, ReasonWorkerStopped, c.Summary
				default:
					if req.Gate == gate.QAPassed {
						return OutcomeRejected, ReasonQARejected, c.Summary
					}
					return OutcomeFailed, ReasonWorkerFailed, c.Summary
				}
			}
		}
	}
}

// screenWrite scores a proposed file write, rejects boundary and safety
// violations, and applies approved writes to the workspace. ok is false
// when the dispatch must terminate.
func (d *Dispatcher) screenWrite(ctx context.Context, req *Request, res *Result, ws *workspace.Workspace, c *worker.FileWriteChunk, log *slog.Logger) (Outcome, string, bool) {
	if err := ws.Policy.Check(c.Path); err != nil {
		log.Warn("Write outside story boundary", "path", c.Path, "error", err)
		d.kill(res.DispatchID, ReasonBoundaryViolation)
		return OutcomeRejected, ReasonBoundaryViolation, false
	}

	verdict := d.evaluator.EvaluateWrite(c.Path, c.Content, req.Story)
	if verdict.Blocked() {
		return d.rejectBlocked(ctx, req, res, verdict, "write", c.Path, log), primaryReason(verdict), false
	}
	if verdict.Recommendation == safety.RecommendationWarn {
		log.Warn("Write allowed with warnings", "path", c.Path, "score", verdict.Score)
	}

	full := filepath.Join(ws.Dir, c.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		log.Error("Failed to create write directory", "path", c.Path, "error", err)
		d.kill(res.DispatchID, "write-failed")
		return OutcomeFailed, ReasonWorkerFailed, false
	}
	if err := os.WriteFile(full, []byte(c.Content), 0o644); err != nil {
		log.Error("Failed to apply write", "path", c.Path, "error", err)
		d.kill(res.DispatchID, "write-failed")
		return OutcomeFailed, ReasonWorkerFailed, false
	}
	return "", "", true
}

// screenCommand scores a proposed shell command and runs it in the
// workspace when approved.
func (d *Dispatcher) screenCommand(ctx context.Context, req *Request, res *Result, ws *workspace.Workspace, c *worker.CommandChunk, log *slog.Logger) (Outcome, string, bool) {
	verdict := d.evaluator.EvaluateCommand(c.Command, req.Story)
	if verdict.Blocked() {
		return d.rejectBlocked(ctx, req, res, verdict, "command", c.Command, log), primaryReason(verdict), false
	}
	if verdict.Recommendation == safety.RecommendationWarn {
		log.Warn("Command allowed with warnings", "command", c.Command, "score", verdict.Score)
	}

	if out, err := d.runCommand(ctx, ws.Dir, c.Command); err != nil {
		// Command failures are the worker's problem to react to; they do
		// not terminate the dispatch.
		log.Warn("Workspace command failed", "command", c.Command, "error", err, "output", truncate(out, 512))
	}
	return "", "", true
}

// rejectBlocked kills the worker and classifies the block. Stop-condition
// hits escalate to an emergency stop; everything else fails the gate.
func (d *Dispatcher) rejectBlocked(ctx context.Context, req *Request, res *Result, verdict safety.Verdict, kind, subject string, log *slog.Logger) Outcome {
	log.Warn("Safety block",
		"kind", kind,
		"subject", truncate(subject, 256),
		"score", verdict.Score,
		"reason", primaryReason(verdict),
	)
	d.kill(res.DispatchID, primaryReason(verdict))

	if hasStopCondition(verdict) {
		d.publish(ctx, req, res.DispatchID, signalbus.KindEmergencyStop, map[string]any{
			"reason":     ReasonStopCondition,
			"detail":     verdict.Violations[0].Detail,
			"score":      verdict.Score,
			"violations": verdict.Violations,
		})
		return OutcomeStopped
	}
	return OutcomeRejected
}

// meter charges one worker turn and enforces budget policy. ok is false
// when a cap terminated the dispatch.
func (d *Dispatcher) meter(ctx context.Context, req *Request, res *Result, c *worker.UsageChunk, log *slog.Logger) (Outcome, string, bool) {
	charge := req.Budget.Record(req.Story, d.cfg.ModelForRole(req.Role), c.InputTokens, c.OutputTokens)
	res.Usage.TokensIn += c.InputTokens
	res.Usage.TokensOut += c.OutputTokens
	res.Usage.CostUSD += charge.CostUSD

	for _, t := range charge.Crossed {
		kind := signalbus.KindBudgetWarning
		if t >= 1.0 {
			kind = signalbus.KindBudgetExceeded
		}
		d.publish(ctx, req, res.DispatchID, kind, map[string]any{
			"threshold": t,
			"fraction":  charge.SessionFraction,
		})
	}

	if charge.SessionExceeded {
		log.Warn("Session budget exhausted, killing worker", "fraction", charge.SessionFraction)
		d.kill(res.DispatchID, ReasonSessionBudget)
		return OutcomeFailed, ReasonSessionBudget, false
	}
	if charge.StoryOverBudget {
		log.Warn("Story budget exhausted, killing worker", "story_id", req.Story.ID)
		d.kill(res.DispatchID, ReasonStoryBudgetExceeded)
		return OutcomeFailed, ReasonStoryBudgetExceeded, false
	}
	return "", "", true
}

// finalize commits a completed dispatch and validates its whole change set
// against the story boundary. Shell commands can touch paths no file-write
// chunk ever proposed, so the exit check covers the full diff.
func (d *Dispatcher) finalize(ctx context.Context, req *Request, res *Result, ws *workspace.Workspace, log *slog.Logger) error {
	message := fmt.Sprintf("%s %s attempt %d", req.Gate, req.Story.ID, req.Attempt)
	if err := d.workspaces.Commit(ctx, ws, message); err != nil {
		return fmt.Errorf("failed to commit workspace: %w", err)
	}

	paths, err := d.workspaces.ChangedPaths(ctx, ws, req.Base)
	if err != nil {
		return fmt.Errorf("failed to list changed paths: %w", err)
	}
	res.ChangedPaths = paths

	for _, p := range paths {
		if err := ws.Policy.Check(p); err != nil {
			log.Warn("Change set violates story boundary", "path", p, "error", err)
			res.Outcome = OutcomeRejected
			res.Reason = ReasonBoundaryViolation
			d.releaseQuietly(req.ProjectPath, ws, log)
			return nil
		}
	}

	res.Workspace = ws
	return nil
}

// publishTerminal emits the signal matching the dispatch outcome.
func (d *Dispatcher) publishTerminal(ctx context.Context, req *Request, res *Result) {
	payload := map[string]any{
		"gate":    string(req.Gate),
		"role":    req.Role,
		"attempt": req.Attempt,
		"branch":  res.Branch,
		"summary": res.Summary,
	}
	if res.Reason != "" {
		payload["reason"] = res.Reason
	}

	switch res.Outcome {
	case OutcomeCompleted:
		payload["changed_paths"] = len(res.ChangedPaths)
		d.publish(ctx, req, res.DispatchID, signalbus.KindGateCompleted, payload)
	case OutcomeTimeout:
		d.publish(ctx, req, res.DispatchID, signalbus.KindTimeout, payload)
	case OutcomeFailed, OutcomeRejected:
		if res.Reason == ReasonQARejected {
			d.publish(ctx, req, res.DispatchID, signalbus.KindQARejected, payload)
			return
		}
		d.publish(ctx, req, res.DispatchID, signalbus.KindGateFailed, payload)
	case OutcomeStopped:
		if res.Reason == ReasonCanceled || res.Reason == ReasonWorkerStopped {
			d.publish(ctx, req, res.DispatchID, signalbus.KindGateFailed, payload)
		}
		// Stop-condition blocks and sentinel hits already published
		// emergency.stop.
	}
}

// preloadContext pins the story's read-first manifest into the context
// cache so every turn of the dispatch sees it.
func (d *Dispatcher) preloadContext(req *Request, ws *workspace.Workspace, log *slog.Logger) {
	for _, path := range req.Story.ReadFirst {
		content, err := os.ReadFile(filepath.Join(ws.Dir, path))
		if err != nil {
			log.Warn("Failed to preload context file", "path", path, "error", err)
			continue
		}
		if err := req.Context.Pin(path, string(content)); err != nil {
			if errors.Is(err, contextcache.ErrCapacityExceeded) {
				log.Warn("Context cache full, remaining manifest entries skipped", "path", path)
				return
			}
			log.Warn("Failed to pin context file", "path", path, "error", err)
		}
	}
}

// invokeInput assembles the worker request: story manifest plus the pinned
// context entries.
func (d *Dispatcher) invokeInput(dispatchID string, req *Request, ws *workspace.Workspace) (*worker.InvokeInput, error) {
	manifest, err := json.Marshal(req.Story)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal story manifest: %w", err)
	}

	var entries []worker.ContextEntry
	for _, path := range req.Story.ReadFirst {
		if content, ok := req.Context.Get(path); ok {
			entries = append(entries, worker.ContextEntry{Key: path, Content: content})
		}
	}

	return &worker.InvokeInput{
		DispatchID:    dispatchID,
		SessionID:     req.SessionID,
		StoryID:       req.Story.ID,
		Role:          req.Role,
		Gate:          string(req.Gate),
		Model:         d.cfg.ModelForRole(req.Role),
		WorkspaceDir:  ws.Dir,
		StoryManifest: string(manifest),
		Context:       entries,
		Feedback:      req.Feedback,
	}, nil
}

// publishStopSentinel emits emergency.stop on behalf of the stop sentinel.
// The producer marks it operator-origin so the orchestrator aborts the
// session instead of pausing it.
func (d *Dispatcher) publishStopSentinel(ctx context.Context, req *Request, dispatchID, reason string) {
	if reason == "" {
		reason = "emergency stop"
	}
	if _, err := d.signals.Publish(ctx, signalbus.Signal{
		SessionID: req.SessionID,
		StoryID:   req.Story.ID,
		Kind:      signalbus.KindEmergencyStop,
		Producer:  signalbus.ProducerStopFile,
		Payload: map[string]any{
			"dispatch_id": dispatchID,
			"gate":        string(req.Gate),
			"reason":      reason,
		},
	}); err != nil {
		slog.Error("Failed to publish emergency stop", "dispatch_id", dispatchID, "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, req *Request, dispatchID string, kind signalbus.Kind, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["dispatch_id"] = dispatchID
	if _, ok := payload["gate"]; !ok {
		payload["gate"] = string(req.Gate)
	}
	if _, err := d.signals.Publish(ctx, signalbus.Signal{
		SessionID: req.SessionID,
		StoryID:   req.Story.ID,
		Kind:      kind,
		Producer:  signalbus.ProducerDispatcher,
		Payload:   payload,
	}); err != nil {
		slog.Error("Failed to publish dispatch signal", "kind", string(kind), "error", err)
	}
}

// kill terminates the worker invocation on a fresh context; the dispatch
// context may already be canceled.
func (d *Dispatcher) kill(dispatchID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.worker.Kill(ctx, dispatchID, reason); err != nil {
		slog.Warn("Failed to kill worker", "dispatch_id", dispatchID, "error", err)
	}
}

func (d *Dispatcher) snapshotQuietly(ctx context.Context, req *Request, ws *workspace.Workspace, log *slog.Logger) {
	message := fmt.Sprintf("%s %s attempt %d (abandoned)", req.Gate, req.Story.ID, req.Attempt)
	if err := d.workspaces.Commit(ctx, ws, message); err != nil {
		log.Warn("Failed to snapshot abandoned workspace", "error", err)
	}
}

func (d *Dispatcher) releaseQuietly(projectPath string, ws *workspace.Workspace, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.workspaces.Release(ctx, projectPath, ws); err != nil {
		log.Warn("Failed to release workspace", "error", err)
	}
}

func stallTimeout(story *models.StorySpec) time.Duration {
	if story.Thresholds.MaxDurationMinutes > 0 {
		return time.Duration(story.Thresholds.MaxDurationMinutes) * time.Minute
	}
	return defaultStallTimeout
}

// primaryReason maps a blocking verdict to its payload reason. The first
// violation wins; stop conditions and boundary hits get stable names the
// orchestrator switches on.
func primaryReason(verdict safety.Verdict) string {
	if len(verdict.Violations) == 0 {
		return "blocked"
	}
	switch verdict.Violations[0].Rule {
	case "stop-condition":
		return ReasonStopCondition
	case "boundary-violation":
		return ReasonBoundaryViolation
	case "destructive-deletion", "destructive-sql", "sql-delete-without-where",
		"force-push", "device-overwrite", "fork-bomb", "world-writable-root":
		return ReasonDestructiveCommand
	default:
		return verdict.Violations[0].Rule
	}
}

func hasStopCondition(verdict safety.Verdict) bool {
	for _, v := range verdict.Violations {
		if v.Rule == "stop-condition" {
			return true
		}
	}
	return false
}

func shellRun(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
