package automation

import "context"

// EventKind identifies a host bus notification.
type EventKind int

const (
	EventWoundCreated EventKind = iota
	EventWoundUpdated
	EventWoundDeleted
	EventConditionChanged
	EventEngagementCreated
	EventEngagementUpdated
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventWoundCreated:
		return "wound_created"
	case EventWoundUpdated:
		return "wound_updated"
	case EventWoundDeleted:
		return "wound_deleted"
	case EventConditionChanged:
		return "condition_changed"
	case EventEngagementCreated:
		return "engagement_created"
	case EventEngagementUpdated:
		return "engagement_updated"
	default:
		return "unknown"
	}
}

// IsWound reports whether k is one of the wound record notifications.
func (k EventKind) IsWound() bool {
	return k == EventWoundCreated || k == EventWoundUpdated || k == EventWoundDeleted
}

// Event is one notification delivered by the host bus. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind          EventKind
	ParticipantID string
	EngagementID  string
	// Condition and Active describe a condition change.
	Condition string
	Active    bool
}

// Handler receives bus events. Handlers must not block for long; the bus
// delivers events sequentially.
type Handler func(Event)

// Bus delivers host notifications in arrival order. Handlers registered
// earlier are invoked before handlers registered later.
type Bus interface {
	Subscribe(h Handler) (unsubscribe func())
}

// Participant is the live, authoritative view of a combat entity.
type Participant struct {
	ID    string
	Name  string
	Owner string
	// Wounds is the number of wound records currently on the participant.
	Wounds int
	// WoundThreshold is the wound count at which the participant is defeated.
	// Zero means the participant's type defines no threshold.
	WoundThreshold int
	// Conditions lists active condition ids in the order they were applied.
	Conditions []string
	// RespondingTo is the engagement id the participant is currently
	// defending against, or empty.
	RespondingTo string
}

// HasCondition reports whether id is active on p.
func (p Participant) HasCondition(id string) bool {
	for _, c := range p.Conditions {
		if c == id {
			return true
		}
	}
	return false
}

// Engagement is one attack-versus-defence pairing owned by the host.
type Engagement struct {
	ID         string
	AttackerID string
	DefenderID string
	// Computed is false until the rules engine finishes resolving.
	Computed bool
	Outcome  string
	Margin   int
	// Damage is nil when the result carries no damage.
	Damage  *int
	Applied bool
}

// WoundRecord is one embedded wound on a participant.
type WoundRecord struct {
	ID       string
	Treated  bool
	Severity string
}

// WoundOptions controls how a single wound record is created.
type WoundOptions struct {
	// RollSeverity asks the host to roll the wound severity table.
	RollSeverity bool
}

// Roster answers queries about live participant and engagement state.
type Roster interface {
	Participant(id string) (Participant, error)
	ParticipantIDs() []string
	Engagement(id string) (Engagement, error)
	Wounds(participantID string) ([]WoundRecord, error)
}

// Commands mutates participant state.
type Commands interface {
	AddCondition(ctx context.Context, participantID, condition string) error
	RemoveCondition(ctx context.Context, participantID, condition string) error
	CreateWound(ctx context.Context, participantID string, opts WoundOptions) (WoundRecord, error)
	DeleteWound(ctx context.Context, participantID, woundID string) error
}

// WoundStep is the add-wound step of damage application.
type WoundStep func(ctx context.Context, participantID string) error

// DamageOptions parameterises one damage application.
type DamageOptions struct {
	EngagementID string
	// AddWound replaces the rules engine's add-wound step for this call only.
	// Nil keeps the engine default.
	AddWound WoundStep
}

// Rules is the external rules engine.
type Rules interface {
	InitiateAttack(ctx context.Context, sourceID, targetID string, manual bool) error
	RollDefence(ctx context.Context, defenderID, engagementID string, manual bool) error
	ApplyDamage(ctx context.Context, participantID string, amount int, opts DamageOptions) error
	MarkApplied(ctx context.Context, engagementID string) error
}

// Permissions reports whether this session may mutate a participant.
type Permissions interface {
	CanModify(participantID string) bool
}

// NoticeLevel is the severity of a user-visible notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarn
	NoticeError
)

// Notifier shows user-visible notices.
type Notifier interface {
	Notify(ctx context.Context, level NoticeLevel, message string)
}

// Message is one chat message posted to the session.
type Message struct {
	EngagementID string
	Text         string
}

// Chat posts messages to the shared session log.
type Chat interface {
	Post(ctx context.Context, msg Message) error
}

// Host is everything the automation consumes from the shared session.
type Host interface {
	Bus
	Roster
	Commands
	Rules
	Permissions
	Notifier
	Chat
}
