package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/skirmish/internal/automation"
	"github.com/cory-johannsen/skirmish/internal/game/session"
)

type recorder struct {
	mu     sync.Mutex
	events []automation.Event
}

func (r *recorder) handle(ev automation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []automation.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]automation.Event, len(r.events))
	copy(out, r.events)
	return out
}

func waitIdle(t testing.TB, b *session.Bus) {
	t.Helper()
	require.Eventually(t, b.Idle, time.Second, time.Millisecond)
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	b := session.NewBus(zaptest.NewLogger(t))
	defer b.Close()
	var rec recorder
	b.Subscribe(rec.handle)

	for i := 0; i < 50; i++ {
		b.Publish(automation.Event{Kind: automation.EventWoundCreated, ParticipantID: string(rune('a' + i%26))})
	}
	waitIdle(t, b)

	got := rec.snapshot()
	require.Len(t, got, 50)
	for i, ev := range got {
		assert.Equal(t, string(rune('a'+i%26)), ev.ParticipantID)
	}
}

func TestBus_SubscribersCalledInRegistrationOrder(t *testing.T) {
	b := session.NewBus(zaptest.NewLogger(t))
	defer b.Close()
	var mu sync.Mutex
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe(func(automation.Event) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		})
	}
	b.Publish(automation.Event{Kind: automation.EventEngagementCreated})
	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := session.NewBus(zaptest.NewLogger(t))
	defer b.Close()
	var rec recorder
	unsubscribe := b.Subscribe(rec.handle)

	b.Publish(automation.Event{Kind: automation.EventWoundCreated})
	waitIdle(t, b)
	unsubscribe()
	unsubscribe()
	b.Publish(automation.Event{Kind: automation.EventWoundDeleted})
	waitIdle(t, b)

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, automation.EventWoundCreated, got[0].Kind)
}

func TestBus_HandlerMayPublish(t *testing.T) {
	b := session.NewBus(zaptest.NewLogger(t))
	defer b.Close()
	var rec recorder
	b.Subscribe(func(ev automation.Event) {
		if ev.Kind == automation.EventWoundCreated {
			b.Publish(automation.Event{Kind: automation.EventConditionChanged})
		}
	})
	b.Subscribe(rec.handle)

	b.Publish(automation.Event{Kind: automation.EventWoundCreated})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, automation.EventWoundCreated, got[0].Kind)
	assert.Equal(t, automation.EventConditionChanged, got[1].Kind)
}

func TestBus_PanickingHandlerDoesNotStopDispatch(t *testing.T) {
	b := session.NewBus(zaptest.NewLogger(t))
	defer b.Close()
	var rec recorder
	b.Subscribe(func(automation.Event) { panic("boom") })
	b.Subscribe(rec.handle)

	b.Publish(automation.Event{Kind: automation.EventWoundCreated})
	b.Publish(automation.Event{Kind: automation.EventWoundDeleted})
	waitIdle(t, b)
	assert.Len(t, rec.snapshot(), 2)
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	b := session.NewBus(zaptest.NewLogger(t))
	var rec recorder
	b.Subscribe(rec.handle)
	b.Close()
	b.Close()
	b.Publish(automation.Event{Kind: automation.EventWoundCreated})
	assert.Empty(t, rec.snapshot())
}

func TestBus_Property_OrderPreserved(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kinds := rapid.SliceOfN(rapid.IntRange(0, int(automation.EventEngagementUpdated)), 1, 40).Draw(rt, "kinds")
		b := session.NewBus(zaptest.NewLogger(t))
		defer b.Close()
		var rec recorder
		b.Subscribe(rec.handle)
		for _, k := range kinds {
			b.Publish(automation.Event{Kind: automation.EventKind(k)})
		}
		waitIdle(t, b)
		got := rec.snapshot()
		if len(got) != len(kinds) {
			rt.Fatalf("delivered %d of %d events", len(got), len(kinds))
		}
		for i, k := range kinds {
			if got[i].Kind != automation.EventKind(k) {
				rt.Fatalf("event %d: got %v want %v", i, got[i].Kind, automation.EventKind(k))
			}
		}
	})
}
