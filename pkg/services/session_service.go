package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/ent/session"
	"github.com/waveworks/wave/ent/signal"
	"github.com/waveworks/wave/ent/story"
	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/models"
	"github.com/waveworks/wave/pkg/signalbus"
)

// SessionService handles session submission, queries, and the operator
// control surface. Control actions on live sessions go through the
// signal bus; the owning driver applies them at the next decision point.
type SessionService struct {
	client *ent.Client
	bus    *signalbus.Bus
	cfg    *config.Config
}

// NewSessionService creates a new SessionService.
func NewSessionService(client *ent.Client, bus *signalbus.Bus, cfg *config.Config) *SessionService {
	if client == nil {
		panic("NewSessionService: client must not be nil")
	}
	if bus == nil {
		panic("NewSessionService: bus must not be nil")
	}
	if cfg == nil {
		panic("NewSessionService: cfg must not be nil")
	}
	return &SessionService{client: client, bus: bus, cfg: cfg}
}

// CreateSession validates the submitted stories and creates the session
// with all its stories in one transaction. The session starts in
// "pending" status and is picked up by the driver pool.
func (s *SessionService) CreateSession(ctx context.Context, req *models.CreateSessionRequest) (*ent.Session, error) {
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "project id is required")
	}
	if req.ProjectPath == "" {
		return nil, NewValidationError("project_path", "project path is required")
	}
	if err := ValidateStories(req.Stories); err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// created_at is set by schema default; started_at is set by the
	// driver when it claims the session.
	sess, err := tx.Session.Create().
		SetID(sessionID).
		SetProjectID(req.ProjectID).
		SetProjectPath(req.ProjectPath).
		SetStatus(session.StatusPending).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	for i := range req.Stories {
		spec := &req.Stories[i]
		_, err := tx.Story.Create().
			SetID(storyRowID(sessionID, spec.ID)).
			SetSessionID(sessionID).
			SetTitle(spec.Title).
			SetDomain(spec.Domain).
			SetRole(spec.Role).
			SetWave(spec.Wave).
			SetObjective(map[string]string{
				"as_a":    spec.Objective.AsA,
				"i_want":  spec.Objective.IWant,
				"so_that": spec.Objective.SoThat,
			}).
			SetAcceptanceCriteria(spec.AcceptanceCriteria).
			SetFilesCreate(spec.Files.Create).
			SetFilesModify(spec.Files.Modify).
			SetFilesForbidden(spec.Files.Forbidden).
			SetStopConditions(spec.Safety.StopConditions).
			SetReadFirst(spec.ReadFirst).
			SetMaxTokens(spec.Thresholds.MaxTokens).
			SetMaxCostUsd(spec.Thresholds.MaxCostUSD).
			SetMaxDurationMinutes(spec.Thresholds.MaxDurationMinutes).
			SetMaxRetries(retriesFor(spec, s.cfg)).
			SetStatus(story.StatusPending).
			Save(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create story '%s': %w", spec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return sess, nil
}

// retriesFor resolves a story's fix-attempt bound: story override first,
// system default otherwise.
func retriesFor(spec *models.StorySpec, cfg *config.Config) int {
	if spec.Thresholds.MaxRetries > 0 {
		return spec.Thresholds.MaxRetries
	}
	return cfg.Retry.MaxAttempts
}

// Get loads the raw session row.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*ent.Session, error) {
	sess, err := s.client.Session.Get(ctx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// GetSessionDetail returns the full read-side view of a session.
func (s *SessionService) GetSessionDetail(ctx context.Context, sessionID string) (*models.SessionDetail, error) {
	sess, err := s.client.Session.Get(ctx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	stories, err := s.client.Story.Query().
		Where(story.SessionID(sessionID)).
		Order(ent.Asc(story.FieldWave), ent.Asc(story.FieldID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load stories: %w", err)
	}

	detail := &models.SessionDetail{
		SessionID: sess.ID,
		ProjectID: sess.ProjectID,
		Status:    string(sess.Status),
		Budget:    s.budgetSnapshot(sess),
		AckedSeq:  sess.AckedSeq,
		CreatedAt: sess.CreatedAt,
		StartedAt: sess.StartedAt,
	}
	if sess.PauseReason != nil {
		detail.PauseReason = *sess.PauseReason
	}
	if sess.ErrorMessage != nil {
		detail.ErrorMessage = *sess.ErrorMessage
	}
	detail.CompletedAt = sess.CompletedAt

	for _, st := range stories {
		detail.Stories = append(detail.Stories, models.StoryState{
			ID:         storySpecID(st.ID),
			Title:      st.Title,
			Domain:     st.Domain,
			Role:       st.Role,
			Wave:       st.Wave,
			Status:     string(st.Status),
			Gate:       st.Gate,
			RetryCount: st.RetryCount,
			TokensIn:   st.TokensIn,
			TokensOut:  st.TokensOut,
			CostUSD:    st.CostUsd,
		})
	}
	return detail, nil
}

func (s *SessionService) budgetSnapshot(sess *ent.Session) models.BudgetSnapshot {
	snap := models.BudgetSnapshot{
		TokensIn:   sess.TokensIn,
		TokensOut:  sess.TokensOut,
		CostUSD:    sess.CostUsd,
		CapTokens:  s.cfg.Budget.MaxTokens,
		CapCostUSD: s.cfg.Budget.MaxCostUSD,
	}
	var tokenFrac, costFrac float64
	if snap.CapTokens > 0 {
		tokenFrac = float64(snap.TokensIn+snap.TokensOut) / float64(snap.CapTokens)
	}
	if snap.CapCostUSD > 0 {
		costFrac = snap.CostUSD / snap.CapCostUSD
	}
	snap.Fraction = math.Max(tokenFrac, costFrac)
	return snap
}

// ListSessionsInput filters and paginates the session list.
type ListSessionsInput struct {
	Status   string
	Page     int // 1-based
	PageSize int
}

// ListSessions returns a page of sessions, newest first.
func (s *SessionService) ListSessions(ctx context.Context, input ListSessionsInput) (*models.SessionListResult, error) {
	page := input.Page
	if page < 1 {
		page = 1
	}
	pageSize := input.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.client.Session.Query()
	if input.Status != "" {
		status := session.Status(input.Status)
		if err := session.StatusValidator(status); err != nil {
			return nil, NewValidationError("status", fmt.Sprintf("unknown status '%s'", input.Status))
		}
		query = query.Where(session.StatusEQ(status))
	}

	total, err := query.Clone().Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	sessions, err := query.
		Order(ent.Desc(session.FieldCreatedAt)).
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	result := &models.SessionListResult{
		Sessions:   make([]models.SessionSummary, 0, len(sessions)),
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}
	for _, sess := range sessions {
		count, err := s.client.Story.Query().Where(story.SessionID(sess.ID)).Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count stories: %w", err)
		}
		result.Sessions = append(result.Sessions, models.SessionSummary{
			SessionID:   sess.ID,
			ProjectID:   sess.ProjectID,
			Status:      string(sess.Status),
			StoryCount:  count,
			CreatedAt:   sess.CreatedAt,
			CompletedAt: sess.CompletedAt,
		})
	}
	return result, nil
}

// Pause asks the owning driver to pause a running session at the next
// gate boundary.
func (s *SessionService) Pause(ctx context.Context, sessionID, reason, actor string) error {
	if err := s.requireStatus(ctx, sessionID, session.StatusRunning); err != nil {
		return err
	}
	return s.publishControl(ctx, sessionID, signalbus.KindPauseRequested, reason, actor)
}

// Resume asks the owning driver to continue a paused session.
func (s *SessionService) Resume(ctx context.Context, sessionID, actor string) error {
	if err := s.requireStatus(ctx, sessionID, session.StatusPaused); err != nil {
		return err
	}
	return s.publishControl(ctx, sessionID, signalbus.KindResumeRequested, "", actor)
}

// Abort terminates a session. Pending sessions abort immediately; live
// ones are signalled and wound down by their driver.
func (s *SessionService) Abort(ctx context.Context, sessionID, reason, actor string) error {
	sess, err := s.client.Session.Get(ctx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	switch sess.Status {
	case session.StatusPending:
		err := s.client.Session.UpdateOneID(sessionID).
			SetStatus(session.StatusAborted).
			SetErrorMessage(reason).
			SetCompletedAt(time.Now()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to abort pending session: %w", err)
		}
		return nil
	case session.StatusRunning, session.StatusPaused:
		return s.publishControl(ctx, sessionID, signalbus.KindAbortRequested, reason, actor)
	default:
		return fmt.Errorf("%w: session is %s", ErrInvalidState, sess.Status)
	}
}

// EmergencyStop halts all of a session's work immediately and marks the
// session aborted: in-flight worker turns are killed rather than allowed
// to finish. Repeat calls on an already-terminal session are no-ops, so
// at most one stop signal is ever emitted.
func (s *SessionService) EmergencyStop(ctx context.Context, sessionID, reason, actor string) error {
	if _, err := s.client.Session.Get(ctx, sessionID); err != nil {
		if ent.IsNotFound(err) {
			return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	// The conditional update is the idempotence gate: concurrent stop
	// calls collapse to one winner, and only the winner publishes.
	n, err := s.client.Session.Update().
		Where(
			session.ID(sessionID),
			session.StatusNotIn(session.StatusCompleted, session.StatusFailed, session.StatusAborted),
		).
		SetStatus(session.StatusAborted).
		SetErrorMessage(reason).
		SetCompletedAt(time.Now()).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to abort session: %w", err)
	}
	if n == 0 {
		return nil
	}
	return s.publishControl(ctx, sessionID, signalbus.KindEmergencyStop, reason, actor)
}

// CloseSession prunes a terminal session's signal log and marks it
// closed. Checkpoints and story records are kept for audit.
func (s *SessionService) CloseSession(ctx context.Context, sessionID string) error {
	sess, err := s.client.Session.Get(ctx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	switch sess.Status {
	case session.StatusCompleted, session.StatusFailed, session.StatusAborted:
	default:
		return fmt.Errorf("%w: cannot close a %s session", ErrInvalidState, sess.Status)
	}
	if sess.ClosedAt != nil {
		return nil // already closed
	}

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Signal.Delete().Where(signal.SessionID(sessionID)).Exec(ctx); err != nil {
		return fmt.Errorf("failed to prune signals: %w", err)
	}
	if err := tx.Session.UpdateOneID(sessionID).SetClosedAt(time.Now()).Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark session closed: %w", err)
	}
	return tx.Commit()
}

// MarkRunning records that a driver on the given pod owns the session.
// started_at is set on the first claim only; resumes keep the original.
func (s *SessionService) MarkRunning(ctx context.Context, sessionID, podID string) error {
	sess, err := s.client.Session.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	update := s.client.Session.UpdateOneID(sessionID).
		SetStatus(session.StatusRunning).
		SetPodID(podID).
		SetLastHeartbeatAt(time.Now()).
		ClearPauseReason()
	if sess.StartedAt == nil {
		update.SetStartedAt(time.Now())
	}
	if err := update.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark session running: %w", err)
	}
	return nil
}

// MarkPaused records that the driver suspended the session.
func (s *SessionService) MarkPaused(ctx context.Context, sessionID, reason string) error {
	err := s.client.Session.UpdateOneID(sessionID).
		SetStatus(session.StatusPaused).
		SetPauseReason(reason).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark session paused: %w", err)
	}
	return nil
}

// MarkTerminal moves the session to a terminal status.
func (s *SessionService) MarkTerminal(ctx context.Context, sessionID string, status session.Status, errorMessage string) error {
	update := s.client.Session.UpdateOneID(sessionID).
		SetStatus(status).
		SetCompletedAt(time.Now())
	if errorMessage != "" {
		update.SetErrorMessage(errorMessage)
	}
	if err := update.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark session %s: %w", status, err)
	}
	return nil
}

// Heartbeat refreshes the session's liveness timestamp for orphan
// detection across replicas.
func (s *SessionService) Heartbeat(ctx context.Context, sessionID string) error {
	err := s.client.Session.UpdateOneID(sessionID).
		SetLastHeartbeatAt(time.Now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to heartbeat session: %w", err)
	}
	return nil
}

func (s *SessionService) requireStatus(ctx context.Context, sessionID string, allowed ...session.Status) error {
	sess, err := s.client.Session.Get(ctx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	for _, st := range allowed {
		if sess.Status == st {
			return nil
		}
	}
	return fmt.Errorf("%w: session is %s", ErrInvalidState, sess.Status)
}

func (s *SessionService) publishControl(ctx context.Context, sessionID string, kind signalbus.Kind, reason, actor string) error {
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	if actor != "" {
		payload["actor"] = actor
	}
	_, err := s.bus.Publish(ctx, signalbus.Signal{
		SessionID: sessionID,
		Kind:      kind,
		Producer:  signalbus.ProducerAPI,
		Payload:   payload,
	})
	return err
}
