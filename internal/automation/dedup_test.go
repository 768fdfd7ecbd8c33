package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDedupTable_WindowSemantics(t *testing.T) {
	clock := newFakeClock()
	d := NewDedupTable(clock)
	key := DedupKey("gm", "a", "b", "attack")

	first := d.ShouldFire(key, 700*time.Millisecond)
	clock.Advance(300 * time.Millisecond)
	second := d.ShouldFire(key, 700*time.Millisecond)
	assert.Equal(t, []bool{true, false}, []bool{first, second})

	clock.Advance(400 * time.Millisecond)
	assert.True(t, d.ShouldFire(key, 700*time.Millisecond), "fires again once the window has elapsed")
}

func TestDedupTable_KeysAreIndependent(t *testing.T) {
	d := NewDedupTable(newFakeClock())
	assert.True(t, d.ShouldFire(DedupKey("gm", "a", "b", "attack"), time.Second))
	assert.True(t, d.ShouldFire(DedupKey("gm", "a", "c", "attack"), time.Second))
	assert.True(t, d.ShouldFire(DedupKey("gm", "a", "b", "target"), time.Second))
	assert.True(t, d.ShouldFire(DedupKey("alice", "a", "b", "attack"), time.Second))
	assert.Equal(t, 4, d.Len())
}

func TestDedupTable_PrunesStaleEntries(t *testing.T) {
	clock := newFakeClock()
	d := NewDedupTable(clock)
	d.ShouldFire("old", 100*time.Millisecond)
	clock.Advance(pruneFactor*100*time.Millisecond + time.Millisecond)
	d.ShouldFire("new", 100*time.Millisecond)
	assert.Equal(t, 1, d.Len())
}

func TestDedupTable_Clear(t *testing.T) {
	d := NewDedupTable(newFakeClock())
	d.ShouldFire("k", time.Hour)
	d.Clear()
	assert.Equal(t, 0, d.Len())
	assert.True(t, d.ShouldFire("k", time.Hour))
}

func TestDedupTable_NeverFiresTwiceWithinWindow(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		window := time.Duration(rapid.IntRange(1, 1000).Draw(rt, "window_ms")) * time.Millisecond
		steps := rapid.SliceOfN(rapid.IntRange(0, 1500), 1, 30).Draw(rt, "steps_ms")

		clock := newFakeClock()
		d := NewDedupTable(clock)
		var last time.Time
		fired := false
		for _, s := range steps {
			clock.Advance(time.Duration(s) * time.Millisecond)
			now := clock.Now()
			got := d.ShouldFire("k", window)
			want := !fired || now.Sub(last) >= window
			if got != want {
				rt.Fatalf("at +%s: ShouldFire = %v, want %v", now.Sub(last), got, want)
			}
			if got {
				fired = true
				last = now
			}
		}
	})
}
