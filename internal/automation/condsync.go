package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opSyncCondition = "sync-condition"
	opSyncWounds    = "sync-wounds"
)

// ConditionSync keeps a participant's wound count and its defeated
// condition consistent in both directions.
//
// Wound record events converge the condition from the count; defeated
// condition changes converge the count from the condition. Both directions
// are debounced per participant and guarded by the advisory lock table, and
// both are idempotent, so their mutual re-triggering settles after one pass.
type ConditionSync struct {
	host      Host
	state     *PipelineState
	condition string
	delay     time.Duration
	logger    *zap.Logger

	mu  sync.Mutex
	ctx context.Context
}

// NewConditionSync creates a stopped ConditionSync that treats condition as
// the defeated flag and debounces bursts by delay.
//
// Precondition: host, state, and logger must be non-nil; condition must be non-empty.
func NewConditionSync(host Host, state *PipelineState, condition string, delay time.Duration, logger *zap.Logger) *ConditionSync {
	return &ConditionSync{
		host:      host,
		state:     state,
		condition: condition,
		delay:     delay,
		logger:    logger,
	}
}

// Start seeds the last-known defeated cache from the roster and enables
// debounced convergence under ctx.
func (s *ConditionSync) Start(ctx context.Context) {
	for _, id := range s.host.ParticipantIDs() {
		p, err := s.host.Participant(id)
		if err != nil {
			s.logger.Warn("seeding defeated cache", zap.String("participant", id), zap.Error(err))
			continue
		}
		s.state.SeedDefeated(id, p.HasCondition(s.condition))
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// Stop disables convergence. Debounced calls that fire afterwards are dropped.
func (s *ConditionSync) Stop() {
	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
}

// HandleEvent schedules convergence for wound and defeated-condition events.
func (s *ConditionSync) HandleEvent(ev Event) {
	if ev.ParticipantID == "" {
		return
	}
	pid := ev.ParticipantID
	switch {
	case ev.Kind.IsWound():
		s.state.Debouncer().Debounce("wounds:"+pid, s.delay, func() {
			if ctx := s.context(); ctx != nil {
				_ = s.SyncConditionFromWoundCount(ctx, pid)
			}
		})
	case ev.Kind == EventConditionChanged && ev.Condition == s.condition:
		s.state.Debouncer().Debounce("condition:"+pid, s.delay, func() {
			if ctx := s.context(); ctx != nil {
				_ = s.SyncWoundCountFromCondition(ctx, pid)
			}
		})
	}
}

func (s *ConditionSync) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// SyncConditionFromWoundCount sets or clears the defeated condition so it
// agrees with whether the wound count has reached the participant's
// threshold. Participants without a threshold, or not writable by this
// session, are left alone.
//
// Postcondition: A concurrent call for the same participant is dropped and
// returns nil.
func (s *ConditionSync) SyncConditionFromWoundCount(ctx context.Context, participantID string) error {
	var opErr error
	s.state.Locks().WithLock(ctx, participantID, opSyncCondition, func(ctx context.Context) error {
		opErr = s.syncCondition(ctx, participantID)
		return opErr
	})
	return opErr
}

func (s *ConditionSync) syncCondition(ctx context.Context, participantID string) error {
	p, err := s.host.Participant(participantID)
	if err != nil {
		return fmt.Errorf("reading %s: %w", participantID, err)
	}
	if p.WoundThreshold <= 0 || !s.host.CanModify(participantID) {
		return nil
	}

	should := p.Wounds >= p.WoundThreshold
	has := p.HasCondition(s.condition)
	switch {
	case should && !has:
		s.logger.Debug("wound threshold reached, applying condition",
			zap.String("participant", participantID),
			zap.Int("wounds", p.Wounds),
			zap.Int("threshold", p.WoundThreshold),
		)
		if err := s.host.AddCondition(ctx, participantID, s.condition); err != nil {
			return fmt.Errorf("adding %s to %s: %w", s.condition, participantID, err)
		}
	case !should && has:
		s.logger.Debug("below wound threshold, clearing condition",
			zap.String("participant", participantID),
			zap.Int("wounds", p.Wounds),
			zap.Int("threshold", p.WoundThreshold),
		)
		if err := s.host.RemoveCondition(ctx, participantID, s.condition); err != nil {
			return fmt.Errorf("removing %s from %s: %w", s.condition, participantID, err)
		}
	}
	return nil
}

// SyncWoundCountFromCondition reacts to the defeated condition changing
// since the last observation. Newly defeated participants below their
// threshold receive wound records up to it. Participants whose condition
// was cleared while still at or above the threshold lose wound records,
// untreated first, until they drop below it.
//
// Postcondition: The last-known defeated flag for participantID matches the
// live condition, unless the call was dropped by the lock table.
func (s *ConditionSync) SyncWoundCountFromCondition(ctx context.Context, participantID string) error {
	var opErr error
	s.state.Locks().WithLock(ctx, participantID, opSyncWounds, func(ctx context.Context) error {
		opErr = s.syncWounds(ctx, participantID)
		return opErr
	})
	return opErr
}

func (s *ConditionSync) syncWounds(ctx context.Context, participantID string) error {
	p, err := s.host.Participant(participantID)
	if err != nil {
		return fmt.Errorf("reading %s: %w", participantID, err)
	}
	now := p.HasCondition(s.condition)
	was := s.state.SwapDefeated(participantID, now)
	if now == was || p.WoundThreshold <= 0 || !s.host.CanModify(participantID) {
		return nil
	}
	if now {
		return s.fillWounds(ctx, participantID)
	}
	return s.drainWounds(ctx, participantID)
}

// fillWounds adds wounds one at a time up to the threshold, re-reading the
// live count before each addition.
func (s *ConditionSync) fillWounds(ctx context.Context, participantID string) error {
	for attempts := 0; ; attempts++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := s.host.Participant(participantID)
		if err != nil {
			return fmt.Errorf("reading %s: %w", participantID, err)
		}
		if p.Wounds >= p.WoundThreshold {
			return nil
		}
		if attempts >= p.WoundThreshold {
			return fmt.Errorf("wound count of %s stuck at %d below threshold %d", participantID, p.Wounds, p.WoundThreshold)
		}
		if _, err := addWound(ctx, s.host, s.logger, participantID); err != nil {
			return fmt.Errorf("adding wound to %s: %w", participantID, err)
		}
		s.logger.Debug("added wound for defeated condition",
			zap.String("participant", participantID),
			zap.Int("wounds", p.Wounds+1),
			zap.Int("threshold", p.WoundThreshold),
		)
	}
}

// drainWounds removes wounds one at a time, untreated first, while the
// count is still at or above the threshold. A count already reduced below
// the threshold by other means is left as it is.
func (s *ConditionSync) drainWounds(ctx context.Context, participantID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := s.host.Participant(participantID)
		if err != nil {
			return fmt.Errorf("reading %s: %w", participantID, err)
		}
		if p.Wounds < p.WoundThreshold {
			return nil
		}
		wounds, err := s.host.Wounds(participantID)
		if err != nil {
			return fmt.Errorf("listing wounds of %s: %w", participantID, err)
		}
		victim, ok := pickWound(wounds)
		if !ok {
			return nil
		}
		if err := s.host.DeleteWound(ctx, participantID, victim.ID); err != nil {
			return fmt.Errorf("removing wound %s from %s: %w", victim.ID, participantID, err)
		}
		s.logger.Debug("removed wound for cleared condition",
			zap.String("participant", participantID),
			zap.String("wound", victim.ID),
		)
	}
}

// pickWound prefers the most recent untreated wound, then the most recent
// treated one.
func pickWound(wounds []WoundRecord) (WoundRecord, bool) {
	for i := len(wounds) - 1; i >= 0; i-- {
		if !wounds[i].Treated {
			return wounds[i], true
		}
	}
	if len(wounds) == 0 {
		return WoundRecord{}, false
	}
	return wounds[len(wounds)-1], true
}
