package automation

import (
	"sync"

	"go.uber.org/zap"
)

// PipelineState owns all runtime tables of the automation. None of it has
// authority over participant state, only over when the automation may act
// on it. Reset clears everything; it is called when automation is disabled.
type PipelineState struct {
	locks    *LockTable
	dedup    *DedupTable
	debounce *Debouncer

	mu     sync.Mutex
	claims map[claimKey]struct{}
	// defeated is the last-known defeated flag per participant.
	defeated map[string]bool
}

type claimKind int

const (
	// claimHandled: the engagement has been correlated to a pipeline.
	claimHandled claimKind = iota
	// claimResolved: the damage/report step has begun.
	claimResolved
	// claimReported: the summary has been emitted.
	claimReported
)

type claimKey struct {
	kind claimKind
	id   string
}

// NewPipelineState creates empty tables.
//
// Precondition: clock and logger must be non-nil.
func NewPipelineState(clock Clock, logger *zap.Logger) *PipelineState {
	return &PipelineState{
		locks:    NewLockTable(logger),
		dedup:    NewDedupTable(clock),
		debounce: NewDebouncer(),
		claims:   make(map[claimKey]struct{}),
		defeated: make(map[string]bool),
	}
}

// Locks returns the advisory lock table.
func (s *PipelineState) Locks() *LockTable { return s.locks }

// Dedup returns the dedup table.
func (s *PipelineState) Dedup() *DedupTable { return s.dedup }

// Debouncer returns the debounce table.
func (s *PipelineState) Debouncer() *Debouncer { return s.debounce }

// ClaimEngagement marks id as handled.
//
// Postcondition: Returns true for exactly one caller per id.
func (s *PipelineState) ClaimEngagement(id string) bool {
	return s.claim(claimHandled, id)
}

// ClaimResolution marks id's damage/report step as started.
//
// Postcondition: Returns true for exactly one caller per id.
func (s *PipelineState) ClaimResolution(id string) bool {
	return s.claim(claimResolved, id)
}

// ClaimReport marks id's summary as emitted. It is called before the
// summary is posted so a concurrent path cannot post twice.
//
// Postcondition: Returns true for exactly one caller per id.
func (s *PipelineState) ClaimReport(id string) bool {
	return s.claim(claimReported, id)
}

// Reported reports whether id's summary has been claimed.
func (s *PipelineState) Reported(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[claimKey{kind: claimReported, id: id}]
	return ok
}

// SwapDefeated records now as the defeated flag of participantID and
// returns the previously recorded value (false when unknown).
func (s *PipelineState) SwapDefeated(participantID string, now bool) (was bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was = s.defeated[participantID]
	s.defeated[participantID] = now
	return was
}

// SeedDefeated records the defeated flag of participantID without
// returning the previous value.
func (s *PipelineState) SeedDefeated(participantID string, defeated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defeated[participantID] = defeated
}

// Reset clears every table and cancels pending debounced calls.
func (s *PipelineState) Reset() {
	s.locks.Clear()
	s.dedup.Clear()
	s.debounce.Clear()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = make(map[claimKey]struct{})
	s.defeated = make(map[string]bool)
}

func (s *PipelineState) claim(kind claimKind, id string) bool {
	k := claimKey{kind: kind, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[k]; ok {
		return false
	}
	s.claims[k] = struct{}{}
	return true
}
