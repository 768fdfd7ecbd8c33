// Package session is the in-memory shared session the combat automation
// runs against: participants, their wound records and conditions,
// engagements, ownership, the event bus, notices, and the chat log.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/automation"
	"github.com/cory-johannsen/skirmish/internal/game/condition"
	"github.com/cory-johannsen/skirmish/internal/game/dice"
)

// ParticipantSpec describes a participant joining the session.
type ParticipantSpec struct {
	ID    string
	Name  string
	Owner string
	// WoundThreshold is the wound count at which the participant is
	// defeated; 0 means no threshold.
	WoundThreshold int
	Conditions     []string
}

type participant struct {
	spec         ParticipantSpec
	conditions   *condition.Set
	wounds       []automation.WoundRecord
	respondingTo string
}

// Notice is one user-visible notice.
type Notice struct {
	Level   automation.NoticeLevel
	Message string
	At      time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSeverityTable enables severity rolls for new wound records.
func WithSeverityTable(t *dice.SeverityTable, r *dice.Roller) Option {
	return func(m *Manager) {
		m.severity = t
		m.roller = r
	}
}

// WithChatSink calls sink for every posted message, after it is recorded.
func WithChatSink(sink func(automation.Message)) Option {
	return func(m *Manager) { m.chatSink = sink }
}

// Manager holds the live session state. All methods are safe for
// concurrent use. Events are published after the state lock is released.
type Manager struct {
	actor    string
	logger   *zap.Logger
	severity *dice.SeverityTable
	roller   *dice.Roller
	chatSink func(automation.Message)
	bus      *Bus

	mu           sync.RWMutex
	participants map[string]*participant
	order        []string
	engagements  map[string]*automation.Engagement
	notices      []Notice
	chat         []automation.Message
}

// NewManager creates an empty session acting as actor. Participants owned
// by another user are not writable by this session.
//
// Postcondition: Close must be called to stop the event bus.
func NewManager(actor string, opts ...Option) *Manager {
	m := &Manager{
		actor:        actor,
		logger:       zap.NewNop(),
		participants: make(map[string]*participant),
		engagements:  make(map[string]*automation.Engagement),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bus = NewBus(m.logger)
	return m
}

// Close stops the event bus.
func (m *Manager) Close() { m.bus.Close() }

// Bus returns the session event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// Subscribe registers h on the session bus.
func (m *Manager) Subscribe(h automation.Handler) func() { return m.bus.Subscribe(h) }

// Actor returns the local user id.
func (m *Manager) Actor() string { return m.actor }

// AddParticipant adds a participant.
//
// Precondition: spec.ID must be non-empty and unused; spec.WoundThreshold >= 0.
func (m *Manager) AddParticipant(spec ParticipantSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("participant has no id")
	}
	if spec.WoundThreshold < 0 {
		return fmt.Errorf("participant %q: negative wound threshold", spec.ID)
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.participants[spec.ID]; exists {
		return fmt.Errorf("participant %q already present", spec.ID)
	}
	m.participants[spec.ID] = &participant{
		spec:       spec,
		conditions: condition.NewSet(spec.Conditions...),
	}
	m.order = append(m.order, spec.ID)
	return nil
}

// SetOwner transfers ownership of a participant.
func (m *Manager) SetOwner(participantID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(participantID)
	if err != nil {
		return err
	}
	p.spec.Owner = owner
	return nil
}

func (m *Manager) lookup(id string) (*participant, error) {
	p, ok := m.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %q: %w", id, automation.ErrMissingCapability)
	}
	return p, nil
}

// Participant returns the live view of id.
func (m *Manager) Participant(id string) (automation.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.lookup(id)
	if err != nil {
		return automation.Participant{}, err
	}
	return automation.Participant{
		ID:             p.spec.ID,
		Name:           p.spec.Name,
		Owner:          p.spec.Owner,
		Wounds:         len(p.wounds),
		WoundThreshold: p.spec.WoundThreshold,
		Conditions:     p.conditions.IDs(),
		RespondingTo:   p.respondingTo,
	}, nil
}

// ParticipantIDs returns every participant id in join order.
func (m *Manager) ParticipantIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Wounds returns the wound records of participantID, oldest first.
func (m *Manager) Wounds(participantID string) ([]automation.WoundRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.lookup(participantID)
	if err != nil {
		return nil, err
	}
	out := make([]automation.WoundRecord, len(p.wounds))
	copy(out, p.wounds)
	return out, nil
}

// CanModify reports whether this session may mutate participantID:
// unowned participants and those owned by the local actor are writable.
func (m *Manager) CanModify(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[participantID]
	if !ok {
		return false
	}
	return p.spec.Owner == "" || p.spec.Owner == m.actor
}

func (m *Manager) writable(id string) (*participant, error) {
	p, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if p.spec.Owner != "" && p.spec.Owner != m.actor {
		return nil, fmt.Errorf("participant %q owned by %q: %w", id, p.spec.Owner, automation.ErrPermissionDenied)
	}
	return p, nil
}

// AddCondition activates condition on participantID. Adding an active
// condition is a no-op and publishes nothing.
func (m *Manager) AddCondition(_ context.Context, participantID, cond string) error {
	m.mu.Lock()
	p, err := m.writable(participantID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	added := p.conditions.Add(cond)
	m.mu.Unlock()

	if added {
		m.logger.Debug("condition applied", zap.String("participant", participantID), zap.String("condition", cond))
		m.bus.Publish(automation.Event{Kind: automation.EventConditionChanged, ParticipantID: participantID, Condition: cond, Active: true})
	}
	return nil
}

// RemoveCondition deactivates condition on participantID. Removing an
// inactive condition is a no-op and publishes nothing.
func (m *Manager) RemoveCondition(_ context.Context, participantID, cond string) error {
	m.mu.Lock()
	p, err := m.writable(participantID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	removed := p.conditions.Remove(cond)
	m.mu.Unlock()

	if removed {
		m.logger.Debug("condition removed", zap.String("participant", participantID), zap.String("condition", cond))
		m.bus.Publish(automation.Event{Kind: automation.EventConditionChanged, ParticipantID: participantID, Condition: cond})
	}
	return nil
}

// CreateWound appends one wound record to participantID.
//
// Postcondition: With opts.RollSeverity and no severity table configured,
// returns an error wrapping automation.ErrSeverityTableMissing and creates
// nothing.
func (m *Manager) CreateWound(_ context.Context, participantID string, opts automation.WoundOptions) (automation.WoundRecord, error) {
	if opts.RollSeverity && m.severity == nil {
		return automation.WoundRecord{}, fmt.Errorf("wound for %q: %w", participantID, automation.ErrSeverityTableMissing)
	}
	w := automation.WoundRecord{ID: uuid.NewString()}
	if opts.RollSeverity {
		label, roll := m.severity.Roll(m.roller)
		w.Severity = label
		m.logger.Debug("wound severity rolled",
			zap.String("participant", participantID),
			zap.String("severity", label),
			zap.Int("roll", roll.Total()),
		)
	}

	m.mu.Lock()
	p, err := m.writable(participantID)
	if err != nil {
		m.mu.Unlock()
		return automation.WoundRecord{}, err
	}
	p.wounds = append(p.wounds, w)
	count := len(p.wounds)
	m.mu.Unlock()

	m.logger.Debug("wound created", zap.String("participant", participantID), zap.Int("wounds", count))
	m.bus.Publish(automation.Event{Kind: automation.EventWoundCreated, ParticipantID: participantID})
	return w, nil
}

// DeleteWound removes one wound record.
func (m *Manager) DeleteWound(_ context.Context, participantID, woundID string) error {
	m.mu.Lock()
	p, err := m.writable(participantID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	idx := -1
	for i, w := range p.wounds {
		if w.ID == woundID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("wound %q on %q not found", woundID, participantID)
	}
	p.wounds = append(p.wounds[:idx:idx], p.wounds[idx+1:]...)
	m.mu.Unlock()

	m.bus.Publish(automation.Event{Kind: automation.EventWoundDeleted, ParticipantID: participantID})
	return nil
}

// TreatWound marks one wound record treated.
func (m *Manager) TreatWound(_ context.Context, participantID, woundID string) error {
	m.mu.Lock()
	p, err := m.writable(participantID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	found := false
	for i := range p.wounds {
		if p.wounds[i].ID == woundID {
			p.wounds[i].Treated = true
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("wound %q on %q not found", woundID, participantID)
	}
	m.bus.Publish(automation.Event{Kind: automation.EventWoundUpdated, ParticipantID: participantID})
	return nil
}

// Engagement returns a copy of the engagement with id.
func (m *Manager) Engagement(id string) (automation.Engagement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engagements[id]
	if !ok {
		return automation.Engagement{}, fmt.Errorf("engagement %q: %w", id, automation.ErrMissingCapability)
	}
	out := *e
	if e.Damage != nil {
		d := *e.Damage
		out.Damage = &d
	}
	return out, nil
}

// CreateEngagement records a new engagement and publishes its creation.
func (m *Manager) CreateEngagement(attackerID, defenderID string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	if _, err := m.lookup(defenderID); err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.engagements[id] = &automation.Engagement{ID: id, AttackerID: attackerID, DefenderID: defenderID}
	m.mu.Unlock()

	m.bus.Publish(automation.Event{Kind: automation.EventEngagementCreated, EngagementID: id})
	return id, nil
}

// UpdateEngagement applies fn to the engagement and publishes the update.
func (m *Manager) UpdateEngagement(id string, fn func(e *automation.Engagement)) error {
	m.mu.Lock()
	e, ok := m.engagements[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("engagement %q: %w", id, automation.ErrMissingCapability)
	}
	fn(e)
	m.mu.Unlock()

	m.bus.Publish(automation.Event{Kind: automation.EventEngagementUpdated, EngagementID: id})
	return nil
}

// SetRespondingTo sets the engagement participantID is defending against;
// an empty engagementID clears it.
func (m *Manager) SetRespondingTo(participantID, engagementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(participantID)
	if err != nil {
		return err
	}
	p.respondingTo = engagementID
	return nil
}

// Notify records a user-visible notice.
func (m *Manager) Notify(_ context.Context, level automation.NoticeLevel, message string) {
	m.mu.Lock()
	m.notices = append(m.notices, Notice{Level: level, Message: message, At: time.Now()})
	m.mu.Unlock()
	m.logger.Warn("notice", zap.Int("level", int(level)), zap.String("message", message))
}

// Notices returns every recorded notice.
func (m *Manager) Notices() []Notice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Notice, len(m.notices))
	copy(out, m.notices)
	return out
}

// Post appends msg to the chat log.
func (m *Manager) Post(_ context.Context, msg automation.Message) error {
	m.mu.Lock()
	m.chat = append(m.chat, msg)
	m.mu.Unlock()
	if m.chatSink != nil {
		m.chatSink(msg)
	}
	return nil
}

// Chat returns the chat log.
func (m *Manager) Chat() []automation.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]automation.Message, len(m.chat))
	copy(out, m.chat)
	return out
}
