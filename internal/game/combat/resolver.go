package combat

import "github.com/cory-johannsen/skirmish/internal/game/dice"

var d20 = dice.MustParse("1d20")

// Result is the resolved outcome of one engagement.
type Result struct {
	Outcome Outcome
	// Margin is the attack total minus the defence total.
	Margin int
	// Damage is nil unless Outcome is damaging.
	Damage     *int
	DamageRoll *dice.RollResult
}

// EffectiveDamage returns the damage dealt, doubling a critical hit.
//
// Postcondition: Returns >= 0; 0 for non-damaging outcomes.
func EffectiveDamage(o Outcome, base int) int {
	if base < 0 {
		base = 0
	}
	switch o {
	case CriticalHit:
		return base * 2
	case Hit:
		return base
	default:
		return 0
	}
}

// RollAttack rolls 1d20 plus the attack bonus.
func RollAttack(r *dice.Roller, p Profile) int {
	return r.Roll(d20).Total() + p.AttackBonus
}

// RollDefence rolls 1d20 plus the defence bonus.
func RollDefence(r *dice.Roller, p Profile) int {
	return r.Roll(d20).Total() + p.DefenceBonus
}

// Resolve turns an attack total and a defence total into a Result, rolling
// the attacker's damage for damaging outcomes.
//
// Precondition: r must be non-nil.
func Resolve(r *dice.Roller, attacker Profile, attackTotal, defenceTotal int) Result {
	margin := attackTotal - defenceTotal
	res := Result{Outcome: OutcomeFor(margin), Margin: margin}
	if !res.Outcome.Damaging() {
		return res
	}
	roll := r.Roll(attacker.Damage)
	dmg := EffectiveDamage(res.Outcome, roll.Total())
	res.Damage = &dmg
	res.DamageRoll = &roll
	return res
}
