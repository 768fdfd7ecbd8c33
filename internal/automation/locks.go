package automation

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type lockKey struct {
	participant string
	operation   string
}

// LockTable holds advisory, non-blocking locks keyed by participant and
// operation name. A caller that finds its key held abandons instead of
// waiting.
//
// Invariant: at most one operation per key is in flight at any time.
type LockTable struct {
	mu     sync.Mutex
	held   map[lockKey]struct{}
	logger *zap.Logger
}

// NewLockTable creates an empty LockTable.
//
// Precondition: logger must be non-nil.
func NewLockTable(logger *zap.Logger) *LockTable {
	return &LockTable{
		held:   make(map[lockKey]struct{}),
		logger: logger,
	}
}

// WithLock runs op while holding (participantID, operation). If the key is
// already held, op is not run and WithLock returns false.
//
// An error returned by op is logged and never propagated; the lock is
// released whether op succeeds, fails, or panics.
//
// Postcondition: Returns true iff op was run.
func (t *LockTable) WithLock(ctx context.Context, participantID, operation string, op func(context.Context) error) bool {
	k := lockKey{participant: participantID, operation: operation}
	if !t.acquire(k) {
		t.logger.Debug("lock held, abandoning",
			zap.String("participant", participantID),
			zap.String("operation", operation),
		)
		return false
	}
	defer t.release(k)

	if err := op(ctx); err != nil {
		t.logger.Warn("locked operation failed",
			zap.String("participant", participantID),
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
	return true
}

// Held reports whether (participantID, operation) is currently locked.
func (t *LockTable) Held(participantID, operation string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[lockKey{participant: participantID, operation: operation}]
	return ok
}

// Len returns the number of held locks.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

// Clear drops every lock entry. Operations still running release into an
// empty table, which is a no-op.
func (t *LockTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held = make(map[lockKey]struct{})
}

func (t *LockTable) acquire(k lockKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[k]; ok {
		return false
	}
	t.held[k] = struct{}{}
	return true
}

func (t *LockTable) release(k lockKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, k)
}
