package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/waveworks/wave/pkg/worker"
)

// Token usage attached to every shorthand turn. Tests derive expected
// budget rollups from these, so keep them stable.
const (
	scriptTokensIn  = 1200
	scriptTokensOut = 300
)

// WorkerScriptEntry defines a single scripted worker turn.
type WorkerScriptEntry struct {
	// Response content (exactly one must be set)
	Chunks  []worker.Chunk // Pre-built chunks to stream
	Summary string         // Shorthand: UsageChunk + completed ResultChunk
	Fail    string         // Shorthand: UsageChunk + failed ResultChunk (summary becomes feedback)
	Error   error          // Return error from Invoke()

	// Test control
	BlockUntilCancelled bool            // Block the stream until ctx is cancelled or the dispatch is killed
	WaitCh              <-chan struct{} // Block Invoke() until closed, then return the normal response
	OnBlock             chan<- struct{} // Notified when Invoke() enters its blocking path (BlockUntilCancelled or WaitCh)
}

// KillRecord captures one Kill() call.
type KillRecord struct {
	DispatchID string
	Reason     string
}

// ScriptedWorker implements worker.Client with a dual-dispatch mock:
// sequential fallback for single-story sessions, plus story-aware routing
// for multi-story sessions where dispatch interleaving matters.
type ScriptedWorker struct {
	mu             sync.Mutex
	sequential     []WorkerScriptEntry // consumed in order for non-routed calls
	seqIndex       int
	routes         map[string][]WorkerScriptEntry // storyID → per-story script
	routeIndex     map[string]int                 // storyID → current index
	capturedInputs []*worker.InvokeInput
	kills          []KillRecord
	killCh         map[string]chan struct{} // dispatchID → closed on Kill()
}

// NewScriptedWorker creates a new ScriptedWorker.
func NewScriptedWorker() *ScriptedWorker {
	return &ScriptedWorker{
		routes:     make(map[string][]WorkerScriptEntry),
		routeIndex: make(map[string]int),
		killCh:     make(map[string]chan struct{}),
	}
}

// AddSequential adds an entry consumed in order for non-routed calls.
// Sufficient for single-story sessions, where dispatch order is total.
func (w *ScriptedWorker) AddSequential(entry WorkerScriptEntry) {
	w.sequential = append(w.sequential, entry)
}

// AddRouted adds an entry for a specific story ID. Used when several
// stories are in flight and per-story turn order is all that is fixed.
func (w *ScriptedWorker) AddRouted(storyID string, entry WorkerScriptEntry) {
	w.routes[storyID] = append(w.routes[storyID], entry)
}

// Invoke implements worker.Client.
func (w *ScriptedWorker) Invoke(ctx context.Context, input *worker.InvokeInput) (<-chan worker.Chunk, error) {
	w.mu.Lock()
	w.capturedInputs = append(w.capturedInputs, input)
	entry, err := w.nextEntry(input)
	killed := make(chan struct{})
	if err == nil {
		w.killCh[input.DispatchID] = killed
	}
	w.mu.Unlock()

	if err != nil {
		return nil, err
	}

	// Handle BlockUntilCancelled: hold the stream open until the dispatch
	// is cancelled or killed, then end it without a result.
	if entry.BlockUntilCancelled {
		ch := make(chan worker.Chunk)
		go func() {
			select {
			case <-ctx.Done():
			case <-killed:
			}
			close(ch)
		}()
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		return ch, nil
	}

	// Handle WaitCh: block until released, then continue with the normal
	// response.
	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
			// Released — fall through to send chunks normally
		case <-ctx.Done():
			ch := make(chan worker.Chunk)
			close(ch)
			return ch, nil
		}
	}

	// Handle error entries.
	if entry.Error != nil {
		return nil, entry.Error
	}

	// Build chunks from entry.
	chunks := entry.Chunks
	if len(chunks) == 0 {
		switch {
		case entry.Summary != "":
			chunks = []worker.Chunk{
				&worker.UsageChunk{InputTokens: scriptTokensIn, OutputTokens: scriptTokensOut},
				&worker.ResultChunk{Status: worker.ResultCompleted, Summary: entry.Summary},
			}
		case entry.Fail != "":
			chunks = []worker.Chunk{
				&worker.UsageChunk{InputTokens: scriptTokensIn, OutputTokens: scriptTokensOut},
				&worker.ResultChunk{Status: worker.ResultFailed, Summary: entry.Fail},
			}
		}
	}

	ch := make(chan worker.Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

// Kill implements worker.Client. It records the call and releases any
// blocked stream for the dispatch.
func (w *ScriptedWorker) Kill(ctx context.Context, dispatchID, reason string) error {
	w.mu.Lock()
	w.kills = append(w.kills, KillRecord{DispatchID: dispatchID, Reason: reason})
	ch, ok := w.killCh[dispatchID]
	if ok {
		delete(w.killCh, dispatchID)
	}
	w.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Close implements worker.Client.
func (w *ScriptedWorker) Close() error { return nil }

// CallCount returns the total number of Invoke() calls made.
func (w *ScriptedWorker) CallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.capturedInputs)
}

// CapturedInputs returns a copy of every Invoke() input seen so far.
func (w *ScriptedWorker) CapturedInputs() []*worker.InvokeInput {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*worker.InvokeInput, len(w.capturedInputs))
	copy(out, w.capturedInputs)
	return out
}

// Kills returns a copy of every Kill() call seen so far.
func (w *ScriptedWorker) Kills() []KillRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]KillRecord, len(w.kills))
	copy(out, w.kills)
	return out
}

// nextEntry selects the next script entry using dual dispatch.
// Must be called with w.mu held.
func (w *ScriptedWorker) nextEntry(input *worker.InvokeInput) (*WorkerScriptEntry, error) {
	// Try routed dispatch first. Dispatch inputs carry the story ID as a
	// typed field, so no prompt parsing is needed.
	if entries, ok := w.routes[input.StoryID]; ok {
		idx := w.routeIndex[input.StoryID]
		if idx < len(entries) {
			w.routeIndex[input.StoryID] = idx + 1
			return &entries[idx], nil
		}
	}

	// Fall back to sequential dispatch.
	if w.seqIndex < len(w.sequential) {
		entry := &w.sequential[w.seqIndex]
		w.seqIndex++
		return entry, nil
	}

	return nil, fmt.Errorf("ScriptedWorker: no more entries (story=%q, gate=%s, role=%s, sequential=%d/%d)",
		input.StoryID, input.Gate, input.Role, w.seqIndex, len(w.sequential))
}
