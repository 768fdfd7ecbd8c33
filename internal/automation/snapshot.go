package automation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// WoundLabel is the diff label emitted when the wound count increased.
const WoundLabel = "Wound"

// Snapshot is an immutable read of a participant's wound count and active
// conditions at one instant.
type Snapshot struct {
	Wounds int
	// Conditions is in application order.
	Conditions []string
}

// Has reports whether condition is active in s.
func (s Snapshot) Has(condition string) bool {
	for _, c := range s.Conditions {
		if c == condition {
			return true
		}
	}
	return false
}

// Equal reports whether s and o hold the same wound count and the same
// condition set, ignoring order.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Wounds != o.Wounds || len(s.Conditions) != len(o.Conditions) {
		return false
	}
	for _, c := range s.Conditions {
		if !o.Has(c) {
			return false
		}
	}
	return true
}

// Capture reads the current snapshot of participantID. It performs no I/O
// beyond the roster query.
//
// Postcondition: Returns an error wrapping ErrMissingCapability when the
// participant cannot be read.
func Capture(r Roster, participantID string) (Snapshot, error) {
	p, err := r.Participant(participantID)
	if err != nil {
		return Snapshot{}, err
	}
	conds := make([]string, len(p.Conditions))
	copy(conds, p.Conditions)
	return Snapshot{Wounds: p.Wounds, Conditions: conds}, nil
}

// LabelFunc resolves a condition id to its display name.
type LabelFunc func(conditionID string) string

// Diff returns the de-duplicated labels describing what after gained over
// before: WoundLabel first when the wound count increased, then one label
// per newly active condition in after's order.
//
// Postcondition: No label appears twice.
func Diff(before, after Snapshot, label LabelFunc) []string {
	var labels []string
	seen := make(map[string]bool)
	add := func(l string) {
		if l == "" || seen[l] {
			return
		}
		seen[l] = true
		labels = append(labels, l)
	}

	if after.Wounds > before.Wounds {
		add(WoundLabel)
	}
	for _, c := range after.Conditions {
		if before.Has(c) {
			continue
		}
		if label != nil {
			add(label(c))
		} else {
			add(c)
		}
	}
	return labels
}

// Settler produces trustworthy "after" snapshots by polling until the
// participant stops changing.
type Settler struct {
	roster   Roster
	interval time.Duration
	quiet    time.Duration
	logger   *zap.Logger
}

// NewSettler creates a Settler sampling every interval and requiring quiet
// without change before returning.
//
// Precondition: roster and logger must be non-nil; 0 < interval <= quiet.
func NewSettler(roster Roster, interval, quiet time.Duration, logger *zap.Logger) *Settler {
	return &Settler{roster: roster, interval: interval, quiet: quiet, logger: logger}
}

// Settle samples participantID until no change has been observed for the
// quiet period or window elapses, and returns the last sample.
//
// If the last sample holds fewer wounds than baseline, the most recent
// sample that did not drop below baseline is returned instead (baseline
// itself when there is none).
//
// Postcondition: Returns an error only for ErrMissingCapability or ctx
// cancellation; other read errors are logged and sampling continues.
func (s *Settler) Settle(ctx context.Context, participantID string, baseline Snapshot, window time.Duration) (Snapshot, error) {
	start := time.Now()
	deadline := start.Add(window)

	last, err := Capture(s.roster, participantID)
	if err != nil {
		if isFatalToLoop(err) {
			return baseline, err
		}
		s.logger.Warn("settle: initial capture failed",
			zap.String("participant", participantID),
			zap.Error(err),
		)
		last = baseline
	}
	lastChange := start
	best := baseline
	if last.Wounds >= baseline.Wounds {
		best = last
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		now := time.Now()
		if now.Sub(lastChange) >= s.quiet || !now.Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return best, ctx.Err()
		case <-ticker.C:
		}

		cur, err := Capture(s.roster, participantID)
		if err != nil {
			if isFatalToLoop(err) {
				return best, err
			}
			s.logger.Warn("settle: capture failed",
				zap.String("participant", participantID),
				zap.Error(err),
			)
			continue
		}
		if !cur.Equal(last) {
			last = cur
			lastChange = time.Now()
		}
		if cur.Wounds >= baseline.Wounds {
			best = cur
		}
	}

	if last.Wounds < baseline.Wounds {
		s.logger.Debug("settle: wound count fell below baseline, keeping last increasing sample",
			zap.String("participant", participantID),
			zap.Int("baseline", baseline.Wounds),
			zap.Int("final", last.Wounds),
			zap.Int("kept", best.Wounds),
		)
		return best, nil
	}
	return last, nil
}
