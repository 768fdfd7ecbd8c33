package automation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func titleLabel(id string) string {
	if id == "" {
		return ""
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

func TestDiff_WoundFirstThenConditions(t *testing.T) {
	before := Snapshot{Wounds: 2}
	after := Snapshot{Wounds: 3, Conditions: []string{"staggered"}}
	assert.Equal(t, []string{"Wound", "Staggered"}, Diff(before, after, titleLabel))
}

func TestDiff_IgnoresPreexistingAndRemovedConditions(t *testing.T) {
	before := Snapshot{Wounds: 3, Conditions: []string{"prone", "bleeding"}}
	after := Snapshot{Wounds: 3, Conditions: []string{"prone", "stunned"}}
	assert.Equal(t, []string{"Stunned"}, Diff(before, after, titleLabel))
}

func TestDiff_DeduplicatesLabels(t *testing.T) {
	same := func(string) string { return "Hurt" }
	after := Snapshot{Conditions: []string{"a", "b", "c"}}
	assert.Equal(t, []string{"Hurt"}, Diff(Snapshot{}, after, same))
}

func TestDiff_NilLabelUsesID(t *testing.T) {
	assert.Equal(t, []string{"stunned"}, Diff(Snapshot{}, Snapshot{Conditions: []string{"stunned"}}, nil))
}

func TestDiff_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		conds := rapid.SliceOfDistinct(rapid.SampledFrom([]string{"a", "b", "c", "d", "e"}), rapid.ID[string])
		before := Snapshot{
			Wounds:     rapid.IntRange(0, 5).Draw(rt, "before_wounds"),
			Conditions: conds.Draw(rt, "before_conds"),
		}
		after := Snapshot{
			Wounds:     rapid.IntRange(0, 5).Draw(rt, "after_wounds"),
			Conditions: conds.Draw(rt, "after_conds"),
		}
		labels := Diff(before, after, titleLabel)

		seen := map[string]bool{}
		for _, l := range labels {
			if seen[l] {
				rt.Fatalf("duplicate label %q in %v", l, labels)
			}
			seen[l] = true
		}
		if (after.Wounds > before.Wounds) != (len(labels) > 0 && labels[0] == WoundLabel) {
			rt.Fatalf("wound label mismatch: before %d after %d labels %v", before.Wounds, after.Wounds, labels)
		}
		if len(Diff(after, after, titleLabel)) != 0 {
			rt.Fatal("diff of a snapshot with itself must be empty")
		}
	})
}

func TestSnapshot_EqualIgnoresOrder(t *testing.T) {
	a := Snapshot{Wounds: 1, Conditions: []string{"x", "y"}}
	b := Snapshot{Wounds: 1, Conditions: []string{"y", "x"}}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(Snapshot{Wounds: 2, Conditions: []string{"x", "y"}}))
	assert.False(t, a.Equal(Snapshot{Wounds: 1, Conditions: []string{"x"}}))
}

func TestCapture_CopiesConditions(t *testing.T) {
	h := newFakeHost(t)
	h.addParticipant("p1", 3, "prone")
	snap, err := Capture(h, "p1")
	require.NoError(t, err)
	snap.Conditions[0] = "mutated"
	again, err := Capture(h, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"prone"}, again.Conditions)
}

func TestCapture_UnknownParticipant(t *testing.T) {
	h := newFakeHost(t)
	_, err := Capture(h, "ghost")
	assert.ErrorIs(t, err, ErrMissingCapability)
}

func TestSettler_WaitsForDelayedEffects(t *testing.T) {
	h := newFakeHost(t)
	h.addParticipant("p1", 0)
	baseline, err := Capture(h, "p1")
	require.NoError(t, err)

	go func() {
		_, _ = h.CreateWound(context.Background(), "p1", WoundOptions{})
		time.Sleep(25 * time.Millisecond)
		_ = h.AddCondition(context.Background(), "p1", "staggered")
	}()

	s := NewSettler(h, 10*time.Millisecond, 60*time.Millisecond, zaptest.NewLogger(t))
	after, err := s.Settle(context.Background(), "p1", baseline, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Wounds)
	assert.Equal(t, []string{"staggered"}, after.Conditions)
}

func TestSettler_KeepsIncreasingSampleWhenCountDrops(t *testing.T) {
	h := newFakeHost(t)
	h.addParticipant("p1", 0)
	h.setWounds("p1", WoundRecord{ID: "w1"}, WoundRecord{ID: "w2"})
	baseline, err := Capture(h, "p1")
	require.NoError(t, err)

	_, err = h.CreateWound(context.Background(), "p1", WoundOptions{})
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = h.DeleteWound(context.Background(), "p1", "w1")
		_ = h.DeleteWound(context.Background(), "p1", "w2")
	}()

	s := NewSettler(h, 10*time.Millisecond, 50*time.Millisecond, zaptest.NewLogger(t))
	after, err := s.Settle(context.Background(), "p1", baseline, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, after.Wounds, "the spuriously lower final sample is discarded")
}

func TestSettler_StopsAtWindow(t *testing.T) {
	h := newFakeHost(t)
	h.addParticipant("p1", 0)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				_, _ = h.CreateWound(context.Background(), "p1", WoundOptions{})
			}
		}
	}()

	s := NewSettler(h, 5*time.Millisecond, 100*time.Millisecond, zaptest.NewLogger(t))
	start := time.Now()
	_, err := s.Settle(context.Background(), "p1", Snapshot{}, 80*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
