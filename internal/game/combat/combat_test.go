package combat_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/dice"
)

// scriptedSource returns vals in order, cycling, so die faces are vals[i]+1.
type scriptedSource struct {
	mu   sync.Mutex
	vals []int
	i    int
}

func (s *scriptedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v % n
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		margin int
		want   combat.Outcome
	}{
		{15, combat.CriticalHit},
		{10, combat.CriticalHit},
		{9, combat.Hit},
		{0, combat.Hit},
		{-1, combat.Miss},
		{-10, combat.Miss},
		{-11, combat.Fumble},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, combat.OutcomeFor(tc.margin), "margin %d", tc.margin)
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "critical hit", combat.CriticalHit.String())
	assert.Equal(t, "hit", combat.Hit.String())
	assert.Equal(t, "miss", combat.Miss.String())
	assert.Equal(t, "fumble", combat.Fumble.String())
	assert.Equal(t, "unknown", combat.Outcome(42).String())
}

func TestEffectiveDamage(t *testing.T) {
	assert.Equal(t, 8, combat.EffectiveDamage(combat.CriticalHit, 4))
	assert.Equal(t, 4, combat.EffectiveDamage(combat.Hit, 4))
	assert.Equal(t, 0, combat.EffectiveDamage(combat.Miss, 4))
	assert.Equal(t, 0, combat.EffectiveDamage(combat.Hit, -3))
}

func TestEffectiveDamage_Property_NeverNegative(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		o := combat.Outcome(rapid.IntRange(0, 3).Draw(rt, "outcome"))
		base := rapid.IntRange(-20, 50).Draw(rt, "base")
		got := combat.EffectiveDamage(o, base)
		if got < 0 {
			rt.Fatalf("negative damage %d", got)
		}
		if !o.Damaging() && got != 0 {
			rt.Fatalf("%v dealt %d", o, got)
		}
	})
}

func TestNewProfile(t *testing.T) {
	p, err := combat.NewProfile(2, 1, "")
	require.NoError(t, err)
	assert.Equal(t, combat.DefaultDamage, p.Damage.Raw)

	p, err = combat.NewProfile(0, 0, "2d6+1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Damage.Min())

	_, err = combat.NewProfile(0, 0, "lots")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	r := dice.NewRoller(&scriptedSource{vals: []int{2}}, zaptest.NewLogger(t))
	p, err := combat.NewProfile(0, 0, "1d6")
	require.NoError(t, err)

	res := combat.Resolve(r, p, 15, 12)
	assert.Equal(t, combat.Hit, res.Outcome)
	assert.Equal(t, 3, res.Margin)
	require.NotNil(t, res.Damage)
	assert.Equal(t, 3, *res.Damage)

	res = combat.Resolve(r, p, 22, 12)
	assert.Equal(t, combat.CriticalHit, res.Outcome)
	require.NotNil(t, res.Damage)
	assert.Equal(t, 6, *res.Damage)

	res = combat.Resolve(r, p, 8, 12)
	assert.Equal(t, combat.Miss, res.Outcome)
	assert.Equal(t, -4, res.Margin)
	assert.Nil(t, res.Damage)
	assert.Nil(t, res.DamageRoll)
}

func TestRollAttackAndDefence_AddBonus(t *testing.T) {
	r := dice.NewRoller(&scriptedSource{vals: []int{9}}, zaptest.NewLogger(t))
	p := combat.Profile{AttackBonus: 3, DefenceBonus: -2}
	assert.Equal(t, 13, combat.RollAttack(r, p))
	assert.Equal(t, 8, combat.RollDefence(r, p))
}
