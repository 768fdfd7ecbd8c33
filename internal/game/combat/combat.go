// Package combat is the rules engine behind the combat automation: it rolls
// attacks and defences, resolves opposed results into engagements, and
// applies damage as wound records with their follow-on effects.
package combat

import (
	"fmt"

	"github.com/cory-johannsen/skirmish/internal/game/dice"
)

// Outcome is the four-tier result of an opposed roll.
type Outcome int

const (
	CriticalHit Outcome = iota
	Hit
	Miss
	Fumble
)

// String returns the outcome label recorded on the engagement.
func (o Outcome) String() string {
	switch o {
	case CriticalHit:
		return "critical hit"
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Fumble:
		return "fumble"
	default:
		return "unknown"
	}
}

// Damaging reports whether o carries damage.
func (o Outcome) Damaging() bool { return o == CriticalHit || o == Hit }

// OutcomeFor maps an attack total minus a defence total to an outcome.
//
// Postcondition: margin >= 10 is CriticalHit, margin >= 0 is Hit, margin >=
// -10 is Miss, anything lower is Fumble.
func OutcomeFor(margin int) Outcome {
	switch {
	case margin >= 10:
		return CriticalHit
	case margin >= 0:
		return Hit
	case margin >= -10:
		return Miss
	default:
		return Fumble
	}
}

// DefaultDamage is used for participants with no damage expression.
const DefaultDamage = "1d4"

// Profile holds one participant's combat numbers.
type Profile struct {
	AttackBonus  int
	DefenceBonus int
	Damage       dice.Expression
}

// NewProfile builds a Profile, parsing damage; empty damage uses DefaultDamage.
func NewProfile(attackBonus, defenceBonus int, damage string) (Profile, error) {
	if damage == "" {
		damage = DefaultDamage
	}
	expr, err := dice.Parse(damage)
	if err != nil {
		return Profile{}, fmt.Errorf("damage %q: %w", damage, err)
	}
	return Profile{AttackBonus: attackBonus, DefenceBonus: defenceBonus, Damage: expr}, nil
}

// DefaultProfile returns the profile used for participants without one.
func DefaultProfile() Profile {
	return Profile{Damage: dice.MustParse(DefaultDamage)}
}
