package automation

import (
	"strings"
	"sync"
	"time"
)

// pruneFactor bounds how long a dedup entry outlives its window.
const pruneFactor = 4

// Clock supplies the current time. Tests substitute a controllable clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

type dedupEntry struct {
	firedAt time.Time
	window  time.Duration
}

// DedupTable suppresses repeated triggers of the same logical action.
//
// Invariant: no two fires for the same key within that key's window.
type DedupTable struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]dedupEntry
}

// NewDedupTable creates an empty DedupTable reading time from clock.
//
// Precondition: clock must be non-nil.
func NewDedupTable(clock Clock) *DedupTable {
	return &DedupTable{
		clock:   clock,
		entries: make(map[string]dedupEntry),
	}
}

// DedupKey joins an actor, a participant pair, and a mode into a dedup key.
func DedupKey(actor, sourceID, targetID, mode string) string {
	return strings.Join([]string{actor, sourceID, targetID, mode}, "|")
}

// ShouldFire reports whether key may fire now, recording the fire time when
// it may.
//
// Postcondition: Returns true at most once per window for key; a call made
// window or more after the last recorded fire returns true.
func (d *DedupTable) ShouldFire(key string, window time.Duration) bool {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)
	if e, ok := d.entries[key]; ok && now.Sub(e.firedAt) < window {
		return false
	}
	d.entries[key] = dedupEntry{firedAt: now, window: window}
	return true
}

// Len returns the number of retained entries.
func (d *DedupTable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Clear drops every entry.
func (d *DedupTable) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]dedupEntry)
}

func (d *DedupTable) pruneLocked(now time.Time) {
	for k, e := range d.entries {
		if now.Sub(e.firedAt) > pruneFactor*e.window {
			delete(d.entries, k)
		}
	}
}
