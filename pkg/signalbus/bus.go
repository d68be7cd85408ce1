package signalbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// subscriberBuffer bounds each subscription's delivery channel. A full
// buffer drops the live delivery; the visibility-timeout sweep redelivers
// anything unacked from the store.
const subscriberBuffer = 256

// Bus combines the publisher, the LISTEN connection, and the signal
// store into a subscribe/ack API. Delivery is at-least-once: subscribers
// deduplicate by sequence, and signals unacked past the visibility
// timeout are redelivered from the store.
type Bus struct {
	db                *sql.DB
	publisher         *Publisher
	listener          *Listener
	visibilityTimeout time.Duration

	mu     sync.Mutex
	subs   map[string]map[int]*subscription // sessionID -> subID -> sub
	nextID int

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

type subscription struct {
	sessionID string
	ch        chan Signal
	mu        sync.Mutex
	lastSeq   int64 // highest sequence delivered so far
}

// NewBus creates a Bus. connString is used for the dedicated LISTEN
// connection; db serves publishes and store reads.
func NewBus(db *sql.DB, connString string, visibilityTimeout time.Duration) *Bus {
	b := &Bus{
		db:                db,
		publisher:         NewPublisher(db),
		visibilityTimeout: visibilityTimeout,
		subs:              make(map[string]map[int]*subscription),
	}
	b.listener = NewListener(connString, b.onNotify)
	return b
}

// Start opens the LISTEN connection and begins the redelivery sweep.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.listener.Start(ctx); err != nil {
		return err
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	b.sweepCancel = cancel
	b.sweepDone = make(chan struct{})
	go func() {
		defer close(b.sweepDone)
		b.sweepLoop(sweepCtx)
	}()
	return nil
}

// Stop shuts down the sweep and the LISTEN connection.
func (b *Bus) Stop(ctx context.Context) {
	if b.sweepCancel != nil {
		b.sweepCancel()
		<-b.sweepDone
	}
	b.listener.Stop(ctx)
}

// Publish persists and broadcasts a signal, returning its sequence.
func (b *Bus) Publish(ctx context.Context, sig Signal) (int64, error) {
	return b.publisher.Publish(ctx, sig)
}

// Subscribe delivers the session's signals with sequence numbers greater
// than fromSeq: first a catchup from the store, then live deliveries,
// deduplicated by sequence. The returned cancel function releases the
// subscription.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, fromSeq int64) (<-chan Signal, func(), error) {
	sub := &subscription{
		sessionID: sessionID,
		ch:        make(chan Signal, subscriberBuffer),
		lastSeq:   fromSeq,
	}

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]*subscription)
	}
	b.nextID++
	id := b.nextID
	b.subs[sessionID][id] = sub
	b.mu.Unlock()

	if err := b.listener.Listen(ctx, SessionChannel(sessionID)); err != nil {
		b.removeSub(sessionID, id)
		return nil, nil, err
	}

	// Catchup after LISTEN is active: anything published in between is
	// seen twice at most and deduplicated by sequence.
	if err := b.catchUp(ctx, sub); err != nil {
		b.removeSub(sessionID, id)
		return nil, nil, err
	}

	cancel := func() {
		b.removeSub(sessionID, id)
	}
	return sub.ch, cancel, nil
}

// Ack marks every signal up to seq as processed. Acks are monotone; a
// stale ack is a no-op.
func (b *Bus) Ack(ctx context.Context, sessionID string, seq int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE sessions SET acked_seq = GREATEST(acked_seq, $2) WHERE session_id = $1`,
		sessionID, seq)
	if err != nil {
		return fmt.Errorf("failed to ack signal: %w", err)
	}
	return nil
}

// AckedSeq returns the session's highest acknowledged sequence.
func (b *Bus) AckedSeq(ctx context.Context, sessionID string) (int64, error) {
	var acked int64
	err := b.db.QueryRowContext(ctx,
		`SELECT acked_seq FROM sessions WHERE session_id = $1`, sessionID).Scan(&acked)
	if err != nil {
		return 0, fmt.Errorf("failed to read acked sequence: %w", err)
	}
	return acked, nil
}

// SignalsSince returns the session's persisted signals with sequence
// numbers greater than fromSeq, in order.
func (b *Bus) SignalsSince(ctx context.Context, sessionID string, fromSeq int64) ([]Signal, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, session_id, COALESCE(story_id, ''), kind, producer, seq, payload, created_at
		 FROM signals WHERE session_id = $1 AND seq > $2 ORDER BY seq`,
		sessionID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var sig Signal
		var payloadJSON []byte
		if err := rows.Scan(&sig.ID, &sig.SessionID, &sig.StoryID, &sig.Kind,
			&sig.Producer, &sig.Seq, &payloadJSON, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &sig.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal signal payload: %w", err)
			}
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// onNotify handles a raw NOTIFY delivery for a session channel.
func (b *Bus) onNotify(channel string, payload []byte) {
	sessionID, ok := strings.CutPrefix(channel, "signals:")
	if !ok {
		return
	}

	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		slog.Error("Failed to decode NOTIFY signal", "channel", channel, "error", err)
		return
	}

	// Oversized payloads arrive as a truncation envelope; refetch the
	// durable copy by sequence.
	if truncated, _ := sig.Payload["truncated"].(bool); truncated {
		full, err := b.signalAt(context.Background(), sessionID, sig.Seq)
		if err != nil {
			slog.Error("Failed to refetch truncated signal",
				"session_id", sessionID, "seq", sig.Seq, "error", err)
			return
		}
		sig = full
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs[sessionID]))
	for _, sub := range b.subs[sessionID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, sig)
	}
}

// deliver hands a signal to one subscription, filling any sequence gap
// from the store first. Duplicate sequences are dropped.
func (b *Bus) deliver(sub *subscription, sig Signal) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sig.Seq <= sub.lastSeq {
		return
	}
	if sig.Seq > sub.lastSeq+1 {
		missing, err := b.SignalsSince(context.Background(), sub.sessionID, sub.lastSeq)
		if err != nil {
			slog.Error("Failed to fill signal gap",
				"session_id", sub.sessionID, "from_seq", sub.lastSeq, "error", err)
			return
		}
		for _, m := range missing {
			if m.Seq >= sig.Seq {
				break
			}
			sub.sendLocked(m)
		}
	}
	sub.sendLocked(sig)
}

func (s *subscription) sendLocked(sig Signal) {
	if sig.Seq <= s.lastSeq {
		return
	}
	select {
	case s.ch <- sig:
		s.lastSeq = sig.Seq
	default:
		// Buffer full: drop and let the redelivery sweep catch the
		// subscriber up once it drains.
		slog.Warn("Signal subscriber buffer full, dropping delivery",
			"session_id", s.sessionID, "seq", sig.Seq)
	}
}

// catchUp replays persisted signals past the subscription's cursor.
func (b *Bus) catchUp(ctx context.Context, sub *subscription) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	signals, err := b.SignalsSince(ctx, sub.sessionID, sub.lastSeq)
	if err != nil {
		return err
	}
	for _, sig := range signals {
		sub.sendLocked(sig)
	}
	return nil
}

// sweepLoop periodically redelivers signals that stayed unacked past the
// visibility timeout, covering dropped deliveries and subscriber stalls.
func (b *Bus) sweepLoop(ctx context.Context) {
	if b.visibilityTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(b.visibilityTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce(ctx)
		}
	}
}

func (b *Bus) sweepOnce(ctx context.Context) {
	b.mu.Lock()
	sessions := make(map[string][]*subscription, len(b.subs))
	for sessionID, m := range b.subs {
		for _, sub := range m {
			sessions[sessionID] = append(sessions[sessionID], sub)
		}
	}
	b.mu.Unlock()

	for sessionID, subs := range sessions {
		acked, err := b.AckedSeq(ctx, sessionID)
		if err != nil {
			slog.Warn("Redelivery sweep failed to read ack cursor",
				"session_id", sessionID, "error", err)
			continue
		}
		for _, sub := range subs {
			sub.mu.Lock()
			stalled := sub.lastSeq > acked
			if stalled {
				// Rewind to the ack cursor; dedup on the consumer side
				// absorbs the repeats.
				sub.lastSeq = acked
			}
			sub.mu.Unlock()
			if stalled {
				if err := b.catchUp(ctx, sub); err != nil {
					slog.Warn("Redelivery sweep failed",
						"session_id", sessionID, "error", err)
				}
			}
		}
	}
}

// signalAt fetches one persisted signal by sequence.
func (b *Bus) signalAt(ctx context.Context, sessionID string, seq int64) (Signal, error) {
	signals, err := b.SignalsSince(ctx, sessionID, seq-1)
	if err != nil {
		return Signal{}, err
	}
	for _, sig := range signals {
		if sig.Seq == seq {
			return sig, nil
		}
	}
	return Signal{}, fmt.Errorf("signal %s/%d not found", sessionID, seq)
}

func (b *Bus) removeSub(sessionID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sessionID]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, sessionID)
		}
	}
}
