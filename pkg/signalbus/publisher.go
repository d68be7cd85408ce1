package signalbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher persists signals and broadcasts them via NOTIFY. Sequence
// assignment, the INSERT, and pg_notify happen in one transaction, so a
// broadcast signal is always already durable and sequence numbers are
// gapless per session.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher. The db parameter should be the
// *sql.DB from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish assigns the next sequence number for the session, persists the
// signal, and broadcasts it. Returns the assigned sequence.
func (p *Publisher) Publish(ctx context.Context, sig Signal) (int64, error) {
	payloadJSON, err := json.Marshal(sig.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin signal transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize sequence assignment per session. The advisory lock is
	// transaction-scoped and released at COMMIT, closing the window
	// between MAX(seq) and the INSERT.
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))", sig.SessionID); err != nil {
		return 0, fmt.Errorf("failed to acquire sequence lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM signals WHERE session_id = $1`,
		sig.SessionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to assign sequence: %w", err)
	}

	now := time.Now()
	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO signals (session_id, story_id, kind, producer, seq, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		sig.SessionID, nullable(sig.StoryID), string(sig.Kind), sig.Producer, seq, payloadJSON, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to persist signal: %w", err)
	}

	sig.ID = id
	sig.Seq = seq
	sig.CreatedAt = now
	notifyPayload, err := notifyEnvelope(sig)
	if err != nil {
		return 0, err
	}

	// pg_notify within the same transaction — held until COMMIT.
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_notify($1, $2)", SessionChannel(sig.SessionID), notifyPayload); err != nil {
		return 0, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit signal transaction: %w", err)
	}
	return seq, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// notifyEnvelope marshals a signal for NOTIFY delivery, truncating the
// payload when the result would exceed PostgreSQL's 8000-byte limit.
// Truncated deliveries keep the routing fields; subscribers fetch the
// full signal from the store by sequence.
func notifyEnvelope(sig Signal) (string, error) {
	full, err := json.Marshal(sig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal NOTIFY envelope: %w", err)
	}
	if len(full) <= 7900 {
		return string(full), nil
	}

	truncated := sig
	truncated.Payload = map[string]any{"truncated": true}
	out, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated NOTIFY envelope: %w", err)
	}
	return string(out), nil
}
