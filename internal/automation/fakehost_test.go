package automation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/skirmish/internal/config"
)

// fakeHost is an in-memory Host for package tests. Events are dispatched in
// order by a single goroutine, mirroring the session bus.
type fakeHost struct {
	mu           sync.Mutex
	participants map[string]*Participant
	order        []string
	wounds       map[string][]WoundRecord
	engagements  map[string]*Engagement
	denied       map[string]bool
	severity     bool
	nextID       int

	handlers    []*fakeHandler
	events      chan Event
	dispatchMu  sync.Mutex
	closeOnce   sync.Once
	dispatching sync.WaitGroup

	// autoEngage creates the engagement and links the defender when an
	// attack is initiated.
	autoEngage bool
	// result, when set, resolves an engagement after a defence roll.
	result      func(e *Engagement)
	resultDelay time.Duration

	notices      []string
	posts        []Message
	defenceRolls int
	attacks      int
}

type fakeHandler struct {
	h      Handler
	active bool
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{
		participants: make(map[string]*Participant),
		wounds:       make(map[string][]WoundRecord),
		engagements:  make(map[string]*Engagement),
		denied:       make(map[string]bool),
		events:       make(chan Event, 256),
	}
	h.dispatching.Add(1)
	go h.dispatch()
	t.Cleanup(h.close)
	return h
}

func (h *fakeHost) close() {
	h.closeOnce.Do(func() {
		close(h.events)
		h.dispatching.Wait()
	})
}

func (h *fakeHost) dispatch() {
	defer h.dispatching.Done()
	for ev := range h.events {
		h.dispatchMu.Lock()
		handlers := make([]*fakeHandler, len(h.handlers))
		copy(handlers, h.handlers)
		h.dispatchMu.Unlock()
		for _, fh := range handlers {
			h.dispatchMu.Lock()
			active := fh.active
			h.dispatchMu.Unlock()
			if active {
				fh.h(ev)
			}
		}
	}
}

func (h *fakeHost) emit(ev Event) {
	defer func() { _ = recover() }()
	h.events <- ev
}

func (h *fakeHost) addParticipant(id string, threshold int, conditions ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.participants[id] = &Participant{ID: id, Name: id, WoundThreshold: threshold, Conditions: conditions}
	h.order = append(h.order, id)
}

func (h *fakeHost) setWounds(id string, records ...WoundRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wounds[id] = records
	h.participants[id].Wounds = len(records)
}

func (h *fakeHost) createEngagement(attacker, defender string, link bool) string {
	h.mu.Lock()
	h.nextID++
	id := fmt.Sprintf("e%d", h.nextID)
	h.engagements[id] = &Engagement{ID: id, AttackerID: attacker, DefenderID: defender}
	if link {
		h.participants[defender].RespondingTo = id
	}
	h.mu.Unlock()
	h.emit(Event{Kind: EventEngagementCreated, EngagementID: id})
	return id
}

func (h *fakeHost) resolve(id string, fn func(e *Engagement)) {
	h.mu.Lock()
	e := h.engagements[id]
	fn(e)
	e.Computed = true
	h.mu.Unlock()
	h.emit(Event{Kind: EventEngagementUpdated, EngagementID: id})
}

func (h *fakeHost) Posts() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.posts))
	copy(out, h.posts)
	return out
}

func (h *fakeHost) Notices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.notices))
	copy(out, h.notices)
	return out
}

func (h *fakeHost) DefenceRolls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.defenceRolls
}

// Bus

func (h *fakeHost) Subscribe(handler Handler) func() {
	fh := &fakeHandler{h: handler, active: true}
	h.dispatchMu.Lock()
	h.handlers = append(h.handlers, fh)
	h.dispatchMu.Unlock()
	return func() {
		h.dispatchMu.Lock()
		fh.active = false
		h.dispatchMu.Unlock()
	}
}

// Roster

func (h *fakeHost) Participant(id string) (Participant, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.participants[id]
	if !ok {
		return Participant{}, fmt.Errorf("participant %q: %w", id, ErrMissingCapability)
	}
	out := *p
	out.Conditions = append([]string(nil), p.Conditions...)
	return out, nil
}

func (h *fakeHost) ParticipantIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func (h *fakeHost) Engagement(id string) (Engagement, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.engagements[id]
	if !ok {
		return Engagement{}, fmt.Errorf("engagement %q: %w", id, ErrMissingCapability)
	}
	return *e, nil
}

func (h *fakeHost) Wounds(id string) ([]WoundRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]WoundRecord(nil), h.wounds[id]...), nil
}

// Commands

func (h *fakeHost) AddCondition(_ context.Context, id, condition string) error {
	h.mu.Lock()
	p := h.participants[id]
	if p.HasCondition(condition) {
		h.mu.Unlock()
		return nil
	}
	p.Conditions = append(p.Conditions, condition)
	h.mu.Unlock()
	h.emit(Event{Kind: EventConditionChanged, ParticipantID: id, Condition: condition, Active: true})
	return nil
}

func (h *fakeHost) RemoveCondition(_ context.Context, id, condition string) error {
	h.mu.Lock()
	p := h.participants[id]
	kept := p.Conditions[:0]
	removed := false
	for _, c := range p.Conditions {
		if c == condition {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	p.Conditions = kept
	h.mu.Unlock()
	if removed {
		h.emit(Event{Kind: EventConditionChanged, ParticipantID: id, Condition: condition})
	}
	return nil
}

func (h *fakeHost) CreateWound(_ context.Context, id string, opts WoundOptions) (WoundRecord, error) {
	h.mu.Lock()
	if opts.RollSeverity && !h.severity {
		h.mu.Unlock()
		return WoundRecord{}, fmt.Errorf("rolling severity: %w", ErrSeverityTableMissing)
	}
	h.nextID++
	w := WoundRecord{ID: fmt.Sprintf("w%d", h.nextID)}
	if opts.RollSeverity {
		w.Severity = "minor"
	}
	h.wounds[id] = append(h.wounds[id], w)
	h.participants[id].Wounds = len(h.wounds[id])
	h.mu.Unlock()
	h.emit(Event{Kind: EventWoundCreated, ParticipantID: id})
	return w, nil
}

func (h *fakeHost) DeleteWound(_ context.Context, id, woundID string) error {
	h.mu.Lock()
	ws := h.wounds[id]
	for i, w := range ws {
		if w.ID == woundID {
			h.wounds[id] = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	h.participants[id].Wounds = len(h.wounds[id])
	h.mu.Unlock()
	h.emit(Event{Kind: EventWoundDeleted, ParticipantID: id})
	return nil
}

// Rules

func (h *fakeHost) InitiateAttack(_ context.Context, source, target string, _ bool) error {
	h.mu.Lock()
	h.attacks++
	_, ok := h.participants[target]
	auto := h.autoEngage
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("target %q: %w", target, ErrMissingCapability)
	}
	if auto {
		go h.createEngagement(source, target, true)
	}
	return nil
}

func (h *fakeHost) RollDefence(_ context.Context, defender, engagementID string, _ bool) error {
	h.mu.Lock()
	h.defenceRolls++
	result := h.result
	delay := h.resultDelay
	h.mu.Unlock()
	if result != nil {
		go func() {
			time.Sleep(delay)
			h.resolve(engagementID, result)
		}()
	}
	return nil
}

func (h *fakeHost) ApplyDamage(ctx context.Context, id string, amount int, opts DamageOptions) error {
	if amount <= 0 {
		return nil
	}
	step := opts.AddWound
	if step == nil {
		step = func(ctx context.Context, id string) error {
			_, err := h.CreateWound(ctx, id, WoundOptions{RollSeverity: true})
			return err
		}
	}
	if err := step(ctx, id); err != nil {
		return err
	}
	p, _ := h.Participant(id)
	if p.WoundThreshold > 0 && p.Wounds >= p.WoundThreshold {
		return h.AddCondition(ctx, id, "defeated")
	}
	return nil
}

func (h *fakeHost) MarkApplied(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engagements[id].Applied = true
	return nil
}

// Permissions, Notifier, Chat

func (h *fakeHost) CanModify(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.denied[id]
}

func (h *fakeHost) Notify(_ context.Context, _ NoticeLevel, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, msg)
}

func (h *fakeHost) Post(_ context.Context, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.posts = append(h.posts, msg)
	return nil
}

// testAutomationConfig shortens every wait so pipeline tests finish quickly.
func testAutomationConfig() config.AutomationConfig {
	cfg := config.Default().Automation
	cfg.EngagementListenerTTL = 500 * time.Millisecond
	cfg.ResultPollBudget = 2 * time.Second
	cfg.SettleInterval = 10 * time.Millisecond
	cfg.SettleQuiet = 30 * time.Millisecond
	cfg.SettleWindow = 200 * time.Millisecond
	cfg.WoundDebounce = 20 * time.Millisecond
	return cfg
}

func newTestState(t *testing.T, clock Clock) *PipelineState {
	t.Helper()
	if clock == nil {
		clock = SystemClock()
	}
	return NewPipelineState(clock, zaptest.NewLogger(t))
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
