package combat

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/automation"
	"github.com/cory-johannsen/skirmish/internal/game/condition"
	"github.com/cory-johannsen/skirmish/internal/game/dice"
	"github.com/cory-johannsen/skirmish/internal/game/session"
	"github.com/cory-johannsen/skirmish/internal/scripting"
)

// hookOnWound is called with the participant id and engagement id after a wound.
const hookOnWound = "on_wound"

// Config holds the engine timings and the conditions it applies itself.
type Config struct {
	// Tick is the delay between follow-on rule effects.
	Tick time.Duration
	// ResolveDelay is how long resolving an engagement takes after the
	// defence roll.
	ResolveDelay time.Duration
	// DefeatedCondition is applied when a wound reaches the threshold.
	DefeatedCondition string
	// CriticalCondition is applied to the defender after a critical hit.
	CriticalCondition string
	// FumbleCondition is applied to the attacker after a fumble.
	FumbleCondition string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Tick:              40 * time.Millisecond,
		ResolveDelay:      150 * time.Millisecond,
		DefeatedCondition: "defeated",
		CriticalCondition: "staggered",
		FumbleCondition:   "prone",
	}
}

// PromptFunc supplies a manually entered d20 result for participantID. It
// reports false to fall back to rolling.
type PromptFunc func(participantID, purpose string) (int, bool)

// Option configures an Engine.
type Option func(*Engine)

// WithScripts runs rule hooks from m and binds its engine.* modules to the session.
func WithScripts(m *scripting.Manager) Option {
	return func(e *Engine) { e.scripts = m }
}

// WithConditions enables on_apply hooks from the condition catalogue.
func WithConditions(r *condition.Registry) Option {
	return func(e *Engine) { e.conditions = r }
}

// WithPrompt sets the source of manual rolls.
func WithPrompt(p PromptFunc) Option {
	return func(e *Engine) { e.prompt = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

type pendingEngagement struct {
	attackerID  string
	defenderID  string
	attackTotal int
	defended    bool
	result      *Result
}

// Engine is the rules engine for one session. It implements the Rules part
// of automation.Host. All methods are safe for concurrent use.
type Engine struct {
	sess       *session.Manager
	roller     *dice.Roller
	cfg        Config
	scripts    *scripting.Manager
	conditions *condition.Registry
	prompt     PromptFunc
	logger     *zap.Logger
	sched      *Scheduler

	mu          sync.Mutex
	ctx         context.Context
	unsubscribe func()
	profiles    map[string]Profile
	engagements map[string]*pendingEngagement
}

// NewEngine creates an Engine over sess.
//
// Precondition: sess and roller must be non-nil.
func NewEngine(sess *session.Manager, roller *dice.Roller, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		sess:        sess,
		roller:      roller,
		cfg:         cfg,
		logger:      zap.NewNop(),
		sched:       NewScheduler(),
		ctx:         context.Background(),
		profiles:    make(map[string]Profile),
		engagements: make(map[string]*pendingEngagement),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.scripts != nil {
		e.bindScripts()
	}
	return e
}

func (e *Engine) bindScripts() {
	e.scripts.ApplyCondition = func(pid, cond string) error {
		return e.sess.AddCondition(e.context(), pid, cond)
	}
	e.scripts.RemoveCondition = func(pid, cond string) error {
		return e.sess.RemoveCondition(e.context(), pid, cond)
	}
	e.scripts.HasCondition = func(pid, cond string) bool {
		p, err := e.sess.Participant(pid)
		return err == nil && p.HasCondition(cond)
	}
	e.scripts.WoundCount = func(pid string) (int, error) {
		p, err := e.sess.Participant(pid)
		return p.Wounds, err
	}
	e.scripts.WoundThreshold = func(pid string) (int, error) {
		p, err := e.sess.Participant(pid)
		return p.WoundThreshold, err
	}
}

// SetProfile sets the combat numbers of participantID.
func (e *Engine) SetProfile(participantID string, p Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[participantID] = p
}

func (e *Engine) profile(participantID string) Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profiles[participantID]; ok {
		return p
	}
	return DefaultProfile()
}

// Start subscribes the engine to the session bus so condition on_apply
// hooks run, and uses ctx for every scheduled effect.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx = ctx
	if e.unsubscribe == nil {
		e.unsubscribe = e.sess.Subscribe(e.handleEvent)
	}
}

// Stop unsubscribes from the bus and cancels pending effects. A stopped
// engine schedules nothing further.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	e.sched.Stop()
}

// Busy reports whether rule effects are still scheduled.
func (e *Engine) Busy() bool { return e.sched.Pending() > 0 }

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Engine) d20(participantID, purpose string, manual bool, bonus int) int {
	if manual && e.prompt != nil {
		if v, ok := e.prompt(participantID, purpose); ok {
			e.logger.Debug("manual roll",
				zap.String("participant", participantID),
				zap.String("purpose", purpose),
				zap.Int("d20", v),
			)
			return v + bonus
		}
	}
	return e.roller.Roll(d20).Total() + bonus
}

// InitiateAttack rolls sourceID's attack against targetID. The engagement
// appears on the bus one tick later and the defender is linked to it on
// the tick after that.
//
// Postcondition: Returns an error wrapping automation.ErrMissingCapability
// when either participant is unknown.
func (e *Engine) InitiateAttack(_ context.Context, sourceID, targetID string, manual bool) error {
	if _, err := e.sess.Participant(sourceID); err != nil {
		return fmt.Errorf("attacker: %w", err)
	}
	if _, err := e.sess.Participant(targetID); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	total := e.d20(sourceID, "attack", manual, e.profile(sourceID).AttackBonus)
	e.logger.Debug("attack rolled",
		zap.String("source", sourceID),
		zap.String("target", targetID),
		zap.Int("total", total),
	)

	e.sched.After(e.cfg.Tick, func() {
		id, err := e.sess.CreateEngagement(sourceID, targetID)
		if err != nil {
			e.logger.Warn("creating engagement", zap.String("source", sourceID), zap.String("target", targetID), zap.Error(err))
			return
		}
		e.mu.Lock()
		e.engagements[id] = &pendingEngagement{attackerID: sourceID, defenderID: targetID, attackTotal: total}
		e.mu.Unlock()

		e.sched.After(e.cfg.Tick, func() {
			if err := e.sess.SetRespondingTo(targetID, id); err != nil {
				e.logger.Warn("linking defender", zap.String("engagement", id), zap.Error(err))
			}
		})
	})
	return nil
}

// RollDefence rolls defenderID's defence in engagementID. The engagement is
// marked computed after the resolve delay. Repeated calls for an
// engagement already defended are no-ops.
func (e *Engine) RollDefence(_ context.Context, defenderID, engagementID string, manual bool) error {
	e.mu.Lock()
	pe, ok := e.engagements[engagementID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engagement %q: %w", engagementID, automation.ErrMissingCapability)
	}
	if pe.defenderID != defenderID {
		e.mu.Unlock()
		return fmt.Errorf("%s is not the defender in engagement %s", defenderID, engagementID)
	}
	if pe.defended {
		e.mu.Unlock()
		return nil
	}
	pe.defended = true
	attackerID, attackTotal := pe.attackerID, pe.attackTotal
	e.mu.Unlock()

	defence := e.d20(defenderID, "defence", manual, e.profile(defenderID).DefenceBonus)
	res := Resolve(e.roller, e.profile(attackerID), attackTotal, defence)
	e.logger.Debug("defence rolled",
		zap.String("engagement", engagementID),
		zap.Int("attack", attackTotal),
		zap.Int("defence", defence),
		zap.Stringer("outcome", res.Outcome),
	)

	e.sched.After(e.cfg.ResolveDelay, func() { e.complete(engagementID, attackerID, defenderID, res) })
	return nil
}

func (e *Engine) complete(engagementID, attackerID, defenderID string, res Result) {
	ctx := e.context()
	e.mu.Lock()
	if pe, ok := e.engagements[engagementID]; ok {
		pe.result = &res
	}
	e.mu.Unlock()

	if res.Outcome == Fumble && e.cfg.FumbleCondition != "" && e.sess.CanModify(attackerID) {
		if err := e.sess.AddCondition(ctx, attackerID, e.cfg.FumbleCondition); err != nil {
			e.logger.Warn("applying fumble condition", zap.String("participant", attackerID), zap.Error(err))
		}
	}
	err := e.sess.UpdateEngagement(engagementID, func(eng *automation.Engagement) {
		eng.Computed = true
		eng.Outcome = res.Outcome.String()
		eng.Margin = res.Margin
		eng.Damage = res.Damage
	})
	if err != nil {
		e.logger.Warn("completing engagement", zap.String("engagement", engagementID), zap.Error(err))
		return
	}
	if err := e.sess.SetRespondingTo(defenderID, ""); err != nil {
		e.logger.Warn("unlinking defender", zap.String("engagement", engagementID), zap.Error(err))
	}
}

// ApplyDamage adds one wound record to participantID for a positive amount
// through opts.AddWound, or by rolling the severity table when it is nil.
// Reaching the wound threshold applies the defeated condition at once;
// critical-hit and on_wound effects follow one tick later.
func (e *Engine) ApplyDamage(ctx context.Context, participantID string, amount int, opts automation.DamageOptions) error {
	if amount <= 0 {
		return nil
	}
	step := opts.AddWound
	if step == nil {
		step = e.rollWound
	}
	if err := step(ctx, participantID); err != nil {
		return fmt.Errorf("adding wound to %s: %w", participantID, err)
	}

	p, err := e.sess.Participant(participantID)
	if err != nil {
		return err
	}
	if p.WoundThreshold > 0 && p.Wounds >= p.WoundThreshold && e.cfg.DefeatedCondition != "" {
		if err := e.sess.AddCondition(ctx, participantID, e.cfg.DefeatedCondition); err != nil {
			return fmt.Errorf("defeating %s: %w", participantID, err)
		}
	}

	critical := e.outcome(opts.EngagementID) == CriticalHit
	e.sched.After(e.cfg.Tick, func() {
		ctx := e.context()
		if critical && e.cfg.CriticalCondition != "" {
			if err := e.sess.AddCondition(ctx, participantID, e.cfg.CriticalCondition); err != nil {
				e.logger.Warn("applying critical condition", zap.String("participant", participantID), zap.Error(err))
			}
		}
		if e.scripts != nil {
			_, _ = e.scripts.CallHook(ctx, hookOnWound, lua.LString(participantID), lua.LString(opts.EngagementID))
		}
	})
	return nil
}

func (e *Engine) rollWound(ctx context.Context, participantID string) error {
	_, err := e.sess.CreateWound(ctx, participantID, automation.WoundOptions{RollSeverity: true})
	return err
}

func (e *Engine) outcome(engagementID string) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	pe, ok := e.engagements[engagementID]
	if !ok || pe.result == nil {
		return Miss
	}
	return pe.result.Outcome
}

// MarkApplied records that engagementID's damage has been applied.
func (e *Engine) MarkApplied(_ context.Context, engagementID string) error {
	return e.sess.UpdateEngagement(engagementID, func(eng *automation.Engagement) { eng.Applied = true })
}

// handleEvent runs a newly applied condition's on_apply hook one tick later.
func (e *Engine) handleEvent(ev automation.Event) {
	if ev.Kind != automation.EventConditionChanged || !ev.Active || e.scripts == nil || e.conditions == nil {
		return
	}
	def, ok := e.conditions.Get(ev.Condition)
	if !ok || def.OnApply == "" {
		return
	}
	pid, hook := ev.ParticipantID, def.OnApply
	e.sched.After(e.cfg.Tick, func() {
		_, _ = e.scripts.CallHook(e.context(), hook, lua.LString(pid), lua.LString(ev.Condition))
	})
}
