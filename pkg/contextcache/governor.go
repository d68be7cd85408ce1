// Package contextcache bounds the working context handed to agent
// dispatches. Entries are token-weighted; when the cap is reached the
// least recently used unpinned entries are evicted. Pinned entries
// (story manifests, architectural constraints) survive eviction and can
// only be removed explicitly.
package contextcache

import (
	"container/list"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/bmatcuk/doublestar"
)

// ErrCapacityExceeded indicates an entry cannot fit even after evicting
// every unpinned entry.
var ErrCapacityExceeded = errors.New("context capacity exceeded")

// EstimateTokens approximates the token cost of content. The heuristic is
// four characters per token, rounded up.
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

type entry struct {
	key     string
	content string
	tokens  int
	pinned  bool
}

// Governor is a token-capped LRU store. All methods are safe for
// concurrent use.
type Governor struct {
	mu       sync.Mutex
	cap      int
	used     int
	pinned   int
	elements map[string]*list.Element
	lru      *list.List // front is most recently used
}

// New returns a Governor with the given token capacity.
func New(capTokens int) *Governor {
	return &Governor{
		cap:      capTokens,
		elements: make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Put stores content under key as an evictable entry, evicting least
// recently used unpinned entries as needed. Replacing an existing key
// keeps its pinned flag.
func (g *Governor) Put(key, content string) error {
	return g.put(key, content, false)
}

// Pin stores content under key as a pinned entry. Pinned entries count
// against capacity but are never evicted.
func (g *Governor) Pin(key, content string) error {
	return g.put(key, content, true)
}

func (g *Governor) put(key, content string, pin bool) error {
	tokens := EstimateTokens(content)

	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.elements[key]; ok {
		e := el.Value.(*entry)
		pin = pin || e.pinned
		g.removeLocked(el)
	}

	if tokens > g.cap-g.pinned {
		return fmt.Errorf("%w: entry %q needs %d tokens, %d available past pinned entries",
			ErrCapacityExceeded, key, tokens, g.cap-g.pinned)
	}

	for g.used+tokens > g.cap {
		if !g.evictOldestLocked() {
			return fmt.Errorf("%w: entry %q needs %d tokens", ErrCapacityExceeded, key, tokens)
		}
	}

	e := &entry{key: key, content: content, tokens: tokens, pinned: pin}
	g.elements[key] = g.lru.PushFront(e)
	g.used += tokens
	if pin {
		g.pinned += tokens
	}
	return nil
}

// Get returns the content for key and marks it recently used.
func (g *Governor) Get(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	el, ok := g.elements[key]
	if !ok {
		return "", false
	}
	g.lru.MoveToFront(el)
	return el.Value.(*entry).content, true
}

// Retrieve returns a lazy iterator over entries whose key matches the
// glob pattern, most recently used first. Iteration does not affect
// recency. The snapshot is taken when iteration starts; entries removed
// mid-iteration are skipped.
func (g *Governor) Retrieve(pattern string) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		g.mu.Lock()
		keys := make([]string, 0, len(g.elements))
		for el := g.lru.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if ok, err := doublestar.Match(pattern, e.key); err == nil && ok {
				keys = append(keys, e.key)
			}
		}
		g.mu.Unlock()

		for _, key := range keys {
			g.mu.Lock()
			el, ok := g.elements[key]
			var content string
			if ok {
				content = el.Value.(*entry).content
			}
			g.mu.Unlock()
			if !ok {
				continue
			}
			if !yield(key, content) {
				return
			}
		}
	}
}

// Unpin makes a pinned entry evictable again.
func (g *Governor) Unpin(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.elements[key]; ok {
		e := el.Value.(*entry)
		if e.pinned {
			e.pinned = false
			g.pinned -= e.tokens
		}
	}
}

// Remove deletes an entry regardless of pinning.
func (g *Governor) Remove(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.elements[key]; ok {
		g.removeLocked(el)
	}
}

// EvictTo evicts least recently used unpinned entries until usage is at
// most limit, returning the tokens freed. Usage can stay above limit when
// pinned entries alone exceed it.
func (g *Governor) EvictTo(limit int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	freed := 0
	for g.used > limit {
		before := g.used
		if !g.evictOldestLocked() {
			break
		}
		freed += before - g.used
	}
	return freed
}

// Summary is a point-in-time description of cache occupancy. Checkpoints
// record it so recovery knows which manifest entries were pinned.
type Summary struct {
	Entries    int      `json:"entries"`
	TokensUsed int      `json:"tokens_used"`
	TokenCap   int      `json:"token_cap"`
	PinnedKeys []string `json:"pinned_keys,omitempty"`
}

// Summary reports current occupancy and the pinned key set, most recently
// used first.
func (g *Governor) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Summary{
		Entries:    len(g.elements),
		TokensUsed: g.used,
		TokenCap:   g.cap,
	}
	for el := g.lru.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); e.pinned {
			s.PinnedKeys = append(s.PinnedKeys, e.key)
		}
	}
	return s
}

// Used returns the current token usage.
func (g *Governor) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}

// Cap returns the token capacity.
func (g *Governor) Cap() int {
	return g.cap
}

// Len returns the number of stored entries.
func (g *Governor) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.elements)
}

func (g *Governor) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	g.lru.Remove(el)
	delete(g.elements, e.key)
	g.used -= e.tokens
	if e.pinned {
		g.pinned -= e.tokens
	}
}

// evictOldestLocked removes the least recently used unpinned entry.
// Returns false when only pinned entries remain.
func (g *Governor) evictOldestLocked() bool {
	for el := g.lru.Back(); el != nil; el = el.Prev() {
		if !el.Value.(*entry).pinned {
			g.removeLocked(el)
			return true
		}
	}
	return false
}
