package automation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DamageApplier wraps the rules engine's damage entry point.
//
// The engine's default add-wound step rolls the wound severity table, which
// fails when no table is configured. DamageApplier passes a substitute step
// for the duration of each call: roll the table when it is present, create a
// plain wound record when it is not. Every other effect of the engine, such
// as applying the defeated condition at the wound threshold, is preserved.
type DamageApplier struct {
	rules    Rules
	commands Commands
	logger   *zap.Logger
}

// NewDamageApplier creates a DamageApplier.
//
// Precondition: all arguments must be non-nil.
func NewDamageApplier(rules Rules, commands Commands, logger *zap.Logger) *DamageApplier {
	return &DamageApplier{rules: rules, commands: commands, logger: logger}
}

// Apply applies amount to participantID in the context of engagementID.
//
// Postcondition: A missing severity table never causes an error.
func (d *DamageApplier) Apply(ctx context.Context, participantID string, amount int, engagementID string) error {
	opts := DamageOptions{
		EngagementID: engagementID,
		AddWound:     d.woundStep(),
	}
	if err := d.rules.ApplyDamage(ctx, participantID, amount, opts); err != nil {
		return fmt.Errorf("applying %d damage to %s: %w", amount, participantID, err)
	}
	return nil
}

func (d *DamageApplier) woundStep() WoundStep {
	return func(ctx context.Context, participantID string) error {
		_, err := addWound(ctx, d.commands, d.logger, participantID)
		return err
	}
}

// addWound creates one wound record on participantID, rolling the severity
// table when it is configured and creating an unrolled record when not.
func addWound(ctx context.Context, commands Commands, logger *zap.Logger, participantID string) (WoundRecord, error) {
	w, err := commands.CreateWound(ctx, participantID, WoundOptions{RollSeverity: true})
	if err == nil || !errors.Is(err, ErrSeverityTableMissing) {
		return w, err
	}
	logger.Debug("severity table absent, adding unrolled wound",
		zap.String("participant", participantID),
	)
	return commands.CreateWound(ctx, participantID, WoundOptions{})
}
