package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/automation"
)

// Bus delivers session events to subscribers from a single dispatcher
// goroutine. Events are delivered in publish order; subscribers are called
// in registration order. Publish never blocks, so handlers may publish.
type Bus struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []automation.Event
	subs    []*subscriber
	closed  bool
	busy    bool
	stopped chan struct{}
}

type subscriber struct {
	h      automation.Handler
	active bool
}

// NewBus creates a Bus and starts its dispatcher.
//
// Postcondition: Close must be called to stop the dispatcher.
func NewBus(logger *zap.Logger) *Bus {
	b := &Bus{logger: logger, stopped: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe registers h and returns a function that unregisters it. After
// the unsubscribe function returns, h receives no further events except one
// already being delivered.
func (b *Bus) Subscribe(h automation.Handler) func() {
	s := &subscriber{h: h, active: true}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			s.active = false
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish enqueues ev. Events published after Close are dropped.
func (b *Bus) Publish(ev automation.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Debug("bus closed, dropping event", zap.Stringer("kind", ev.Kind))
		return
	}
	b.queue = append(b.queue, ev)
	b.cond.Signal()
}

// Idle reports whether no event is queued or being delivered.
func (b *Bus) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) == 0 && !b.busy
}

// Close stops the dispatcher after the event being delivered, dropping the
// rest of the queue. It is safe to call more than once but must not be
// called from a handler.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.queue = nil
		b.cond.Broadcast()
	}
	b.mu.Unlock()
	<-b.stopped
}

func (b *Bus) dispatch() {
	defer close(b.stopped)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		subs := make([]*subscriber, len(b.subs))
		copy(subs, b.subs)
		b.busy = true
		b.mu.Unlock()

		for _, s := range subs {
			b.mu.Lock()
			active := s.active
			b.mu.Unlock()
			if active {
				b.deliver(s, ev)
			}
		}

		b.mu.Lock()
		b.busy = false
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(s *subscriber, ev automation.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.Stringer("kind", ev.Kind),
				zap.Any("panic", r),
			)
		}
	}()
	s.h(ev)
}
