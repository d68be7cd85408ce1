// Package checkpoint persists recovery snapshots of session state. A
// checkpoint commits atomically with its audit signal and the session's
// head pointer, so recovery always sees either the complete checkpoint
// or none of it.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/waveworks/wave/pkg/budget"
	"github.com/waveworks/wave/pkg/contextcache"
	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/signalbus"
)

// Retention is the number of checkpoints kept per session; older ones
// are pruned on save.
const Retention = 5

// ErrNoCheckpoint indicates a session has no committed checkpoint yet.
var ErrNoCheckpoint = errors.New("no checkpoint for session")

// ErrCorrupt indicates a checkpoint row that cannot be decoded. Retrying
// does not help; the caller decides whether to abort or fall back.
var ErrCorrupt = errors.New("corrupt checkpoint")

// DispatchRef identifies a dispatch that was in flight when the
// checkpoint was taken. Recovery reconciles these against dispatch
// records to decide what to reissue.
type DispatchRef struct {
	DispatchID string `json:"dispatch_id"`
	StoryID    string `json:"story_id"`
	Role       string `json:"role"`
	Gate       string `json:"gate"`
	Branch     string `json:"branch"`
}

// Snapshot is one recoverable session state.
type Snapshot struct {
	SessionID             string
	Seq                   int64 // signal sequence the snapshot is current through
	Gate                  gate.Gate
	StoryGates            map[string]gate.Gate
	RetryCounts           map[string]int
	BudgetLedger          budget.Ledger
	OutstandingDispatches []DispatchRef
	ContextSummary        contextcache.Summary
	CreatedAt             time.Time
}

// Store reads and writes checkpoints.
type Store struct {
	db *sql.DB
}

// NewStore creates a checkpoint store. The db parameter should be the
// *sql.DB from database.Client.DB().
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save commits a snapshot in a single transaction: the audit signal is
// published, the checkpoint row is written at the assigned sequence, the
// session's head pointer advances, and checkpoints past the retention
// window are pruned. Returns the snapshot's sequence.
func (s *Store) Save(ctx context.Context, snap *Snapshot) (int64, error) {
	storyGates, err := json.Marshal(snap.StoryGates)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal story gates: %w", err)
	}
	retryCounts, err := json.Marshal(snap.RetryCounts)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal retry counts: %w", err)
	}
	ledger, err := json.Marshal(snap.BudgetLedger)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal budget ledger: %w", err)
	}
	outstanding, err := json.Marshal(snap.OutstandingDispatches)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outstanding dispatches: %w", err)
	}
	ctxSummary, err := json.Marshal(snap.ContextSummary)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal context summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The audit signal takes the next sequence under the same advisory
	// lock the publisher uses, so checkpoint sequences interleave
	// correctly with ordinary signals.
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))", snap.SessionID); err != nil {
		return 0, fmt.Errorf("failed to acquire sequence lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM signals WHERE session_id = $1`,
		snap.SessionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to assign checkpoint sequence: %w", err)
	}

	now := time.Now()
	auditPayload, err := json.Marshal(map[string]any{"gate": string(snap.Gate)})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO signals (session_id, kind, producer, seq, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.SessionID, string(signalbus.KindCheckpointSaved), signalbus.ProducerCheckpoint, seq, auditPayload, now,
	); err != nil {
		return 0, fmt.Errorf("failed to persist checkpoint audit signal: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, seq, gate, story_gates, retry_counts,
		                          budget_ledger, outstanding_dispatches, context_summary, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.SessionID, seq, string(snap.Gate), storyGates, retryCounts,
		ledger, outstanding, ctxSummary, now,
	); err != nil {
		return 0, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET head_checkpoint_seq = $2 WHERE session_id = $1`,
		snap.SessionID, seq,
	); err != nil {
		return 0, fmt.Errorf("failed to advance head checkpoint: %w", err)
	}

	// Prune beyond the retention window.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints
		 WHERE session_id = $1 AND seq NOT IN (
		   SELECT seq FROM checkpoints WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
		 )`,
		snap.SessionID, Retention,
	); err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	snap.Seq = seq
	snap.CreatedAt = now
	return seq, nil
}

// LoadLatest returns the session's most recent checkpoint, or
// ErrNoCheckpoint. A row that cannot be decoded returns ErrCorrupt.
func (s *Store) LoadLatest(ctx context.Context, sessionID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, seq, gate, story_gates, retry_counts,
		        budget_ledger, outstanding_dispatches, context_summary, created_at
		 FROM checkpoints WHERE session_id = $1 ORDER BY seq DESC LIMIT 1`,
		sessionID)
	return scanSnapshot(row)
}

// Count returns the number of retained checkpoints for a session.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return n, nil
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var snap Snapshot
	var gateStr string
	var storyGates, retryCounts, ledger, outstanding, ctxSummary []byte
	err := row.Scan(&snap.SessionID, &snap.Seq, &gateStr, &storyGates, &retryCounts,
		&ledger, &outstanding, &ctxSummary, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	snap.Gate = gate.Gate(gateStr)
	if !gate.Valid(snap.Gate) {
		return nil, fmt.Errorf("%w: unknown gate %q", ErrCorrupt, gateStr)
	}
	if err := json.Unmarshal(storyGates, &snap.StoryGates); err != nil {
		return nil, fmt.Errorf("%w: story gates: %w", ErrCorrupt, err)
	}
	if err := json.Unmarshal(retryCounts, &snap.RetryCounts); err != nil {
		return nil, fmt.Errorf("%w: retry counts: %w", ErrCorrupt, err)
	}
	if err := json.Unmarshal(ledger, &snap.BudgetLedger); err != nil {
		return nil, fmt.Errorf("%w: budget ledger: %w", ErrCorrupt, err)
	}
	if err := json.Unmarshal(outstanding, &snap.OutstandingDispatches); err != nil {
		return nil, fmt.Errorf("%w: outstanding dispatches: %w", ErrCorrupt, err)
	}
	if len(ctxSummary) > 0 {
		if err := json.Unmarshal(ctxSummary, &snap.ContextSummary); err != nil {
			return nil, fmt.Errorf("%w: context summary: %w", ErrCorrupt, err)
		}
	}
	return &snap, nil
}
