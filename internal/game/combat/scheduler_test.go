package combat_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
)

func TestScheduler_Fires(t *testing.T) {
	s := combat.NewScheduler()
	defer s.Stop()
	var called atomic.Int32
	assert.True(t, s.After(10*time.Millisecond, func() { called.Add(1) }))
	assert.Eventually(t, func() bool { return called.Load() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestScheduler_StopCancelsPending(t *testing.T) {
	s := combat.NewScheduler()
	var called atomic.Int32
	s.After(50*time.Millisecond, func() { called.Add(1) })
	assert.Equal(t, 1, s.Pending())
	s.Stop()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), called.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_StopWaitsForRunning(t *testing.T) {
	s := combat.NewScheduler()
	var done atomic.Bool
	started := make(chan struct{})
	s.After(0, func() {
		close(started)
		time.Sleep(30 * time.Millisecond)
		done.Store(true)
	})
	<-started
	s.Stop()
	assert.True(t, done.Load())
}

func TestScheduler_AfterStopIsRejected(t *testing.T) {
	s := combat.NewScheduler()
	s.Stop()
	s.Stop()
	assert.False(t, s.After(time.Millisecond, func() { t.Error("ran after stop") }))
}
