package uiprotect

import (
	"sync"
	"time"
)

// ignoreTable is the short-lived set of (device-id, field-path) entries that
// suppress the websocket echo of self-initiated writes. Entries are consumed
// on first hit or expire after the TTL, whichever comes first.
type ignoreTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[ignoreKey]time.Time
	now     func() time.Time
}

type ignoreKey struct {
	id   string
	path string
}

func newIgnoreTable(ttl time.Duration) *ignoreTable {
	return &ignoreTable{
		ttl:     ttl,
		entries: make(map[ignoreKey]time.Time),
		now:     time.Now,
	}
}

func (t *ignoreTable) register(id string, paths []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry := t.now().Add(t.ttl)
	for _, p := range paths {
		t.entries[ignoreKey{id: id, path: p}] = expiry
	}
	// Opportunistic sweep; the table stays tiny (one save's worth of
	// fields), this just keeps abandoned entries from accreting.
	now := t.now()
	for k, exp := range t.entries {
		if now.After(exp) {
			delete(t.entries, k)
		}
	}
}

// consume reports whether the (id, path) pair is armed, removing it either
// way once matched.
func (t *ignoreTable) consume(id, path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := ignoreKey{id: id, path: path}
	exp, ok := t.entries[k]
	if !ok {
		return false
	}
	delete(t.entries, k)
	return t.now().Before(exp)
}

func (t *ignoreTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[ignoreKey]time.Time)
}
