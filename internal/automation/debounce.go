package automation

import (
	"sync"
	"time"
)

type debounceEntry struct {
	timer *time.Timer
	gen   uint64
}

// Debouncer collapses bursts of calls under one key into a single delayed
// call carrying the latest function. It is safe for concurrent use.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*debounceEntry
	gen     uint64
}

// NewDebouncer creates an empty Debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{pending: make(map[string]*debounceEntry)}
}

// Debounce schedules fn to run after delay, replacing any call still
// pending under key. fn runs on its own goroutine.
//
// Precondition: delay > 0; fn must not be nil.
// Postcondition: Of all calls for key separated by less than delay, only the
// last one's fn runs.
func (d *Debouncer) Debounce(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}
	d.gen++
	gen := d.gen
	entry := &debounceEntry{gen: gen}
	entry.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		cur, ok := d.pending[key]
		// A replacement may have been scheduled between the timer firing
		// and this goroutine taking the lock.
		if !ok || cur.gen != gen {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()
		fn()
	})
	d.pending[key] = entry
}

// Cancel drops the call pending under key, if any.
//
// Postcondition: Pending(key) is false.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.pending[key]; ok {
		e.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending reports whether a call is scheduled under key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Len returns the number of scheduled calls.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Clear cancels every pending call. The Debouncer stays usable.
func (d *Debouncer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, k)
	}
}
