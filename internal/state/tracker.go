// Package state holds the mutable crawl state for one run: the seen-set of
// already-persisted identifiers and the per-target pagination cursor. The
// tracker is a cache over the sink's contents, never authoritative; it
// exists to avoid a store round-trip per candidate item.
package state

import (
	"sync"

	"github.com/qepting91/reddit-harvester/internal/domain"
)

// Tracker is safe for concurrent use by the pipeline workers.
type Tracker struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	cursors map[string]domain.Cursor
}

// NewTracker seeds the seen-set with the identifiers already present in
// the sink.
func NewTracker(seed map[string]struct{}) *Tracker {
	seen := make(map[string]struct{}, len(seed))
	for id := range seed {
		seen[id] = struct{}{}
	}
	return &Tracker{
		seen:    seen,
		cursors: make(map[string]domain.Cursor),
	}
}

// IsNew reports whether an identifier has not been persisted yet.
func (t *Tracker) IsNew(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[id]
	return !ok
}

// MarkSeen records identifiers as persisted. Called after the sink commit,
// never before.
func (t *Tracker) MarkSeen(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.seen[id] = struct{}{}
	}
}

// SeenCount returns the current size of the seen-set.
func (t *Tracker) SeenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Cursor returns the last checkpointed cursor for a target.
func (t *Tracker) Cursor(target string) domain.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[target]
}

// Advance moves a target's cursor. The caller must have durably persisted
// the corresponding page first; cursor progress must never outrun data.
func (t *Tracker) Advance(target string, c domain.Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[target] = c
}
