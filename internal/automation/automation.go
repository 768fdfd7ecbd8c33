// Package automation drives combat engagements between participants of a
// shared session: attack, defence, damage, and summary, exactly once per
// engagement, plus convergence of the wound count and the defeated
// condition.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/config"
)

const tracerName = "github.com/cory-johannsen/skirmish/internal/automation"

// Dedup modes.
const (
	modeAttack  = "attack"
	modeDefence = "defence"
	modeTarget  = "target"
)

// Subscription is the handle returned by Enable and consumed by Disable.
type Subscription struct {
	id          string
	unsubscribe func()
	cancel      context.CancelFunc
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// AttackOptions parameterises Attack.
type AttackOptions struct {
	TargetID string
	// Manual asks the rules engine to prompt for the roll instead of rolling.
	Manual bool
	// Actor overrides the acting user for dedup; empty uses the configured actor.
	Actor string
}

// DefenceOptions parameterises Defence.
type DefenceOptions struct {
	Manual bool
	Actor  string
}

// Option configures an Automation.
type Option func(*Automation)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(a *Automation) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock sets the clock used by the dedup table.
func WithClock(c Clock) Option {
	return func(a *Automation) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLabels sets the condition display-name lookup used in summaries.
func WithLabels(f LabelFunc) Option {
	return func(a *Automation) { a.labels = f }
}

// WithTracer sets the tracer for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Automation) {
		if t != nil {
			a.tracer = t
		}
	}
}

// WithActor sets the local user id used in dedup keys.
func WithActor(actor string) Option {
	return func(a *Automation) { a.actor = actor }
}

// Automation is the entry point used by the UI layer.
type Automation struct {
	host   Host
	cfg    config.AutomationConfig
	actor  string
	logger *zap.Logger
	clock  Clock
	labels LabelFunc
	tracer trace.Tracer

	state   *PipelineState
	watcher *Watcher
	sync    *ConditionSync

	mu  sync.Mutex
	sub *Subscription
}

// New creates a disabled Automation over host.
//
// Precondition: host must be non-nil; cfg must be valid.
func New(host Host, cfg config.AutomationConfig, opts ...Option) *Automation {
	a := &Automation{
		host:   host,
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  SystemClock(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.state = NewPipelineState(a.clock, a.logger)
	a.watcher = NewWatcher(host, a.state, cfg, a.labels, a.logger, a.tracer)
	a.sync = NewConditionSync(host, a.state, cfg.DefeatedCondition, cfg.WoundDebounce, a.logger)
	return a
}

// Enable installs the bus subscription and starts the watcher and the
// condition synchronizer under ctx.
//
// Postcondition: Returns ErrAlreadyEnabled if a subscription is active.
func (a *Automation) Enable(ctx context.Context) (*Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return nil, ErrAlreadyEnabled
	}

	ctx, cancel := context.WithCancel(ctx)
	a.watcher.Start(ctx)
	a.sync.Start(ctx)
	sub := &Subscription{
		id:          uuid.NewString(),
		unsubscribe: a.host.Subscribe(a.handle),
		cancel:      cancel,
	}
	a.sub = sub
	a.logger.Info("combat automation enabled", zap.String("subscription", sub.id))
	return sub, nil
}

// Disable removes the subscription returned by Enable, stops in-flight
// pipelines, and clears every runtime table.
//
// Postcondition: Returns an error wrapping ErrDisabled when sub is not the
// active subscription.
func (a *Automation) Disable(sub *Subscription) error {
	a.mu.Lock()
	if a.sub == nil || sub != a.sub {
		a.mu.Unlock()
		return fmt.Errorf("disabling subscription: %w", ErrDisabled)
	}
	a.sub = nil
	a.mu.Unlock()

	sub.unsubscribe()
	a.sync.Stop()
	a.watcher.Stop()
	sub.cancel()
	a.state.Reset()
	a.logger.Info("combat automation disabled", zap.String("subscription", sub.id))
	return nil
}

// Enabled reports whether a subscription is active.
func (a *Automation) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sub != nil
}

func (a *Automation) handle(ev Event) {
	a.watcher.HandleEvent(ev)
	a.sync.HandleEvent(ev)
}

// Attack initiates an attack by sourceID and arms the pipeline that
// completes it. A repeat of the same attack within the dedup window is
// dropped and reported as StageIdle with a nil error.
//
// Precondition: opts.TargetID must be non-empty.
// Postcondition: On success the returned stage is StageAwaitingEngagement.
func (a *Automation) Attack(ctx context.Context, sourceID string, opts AttackOptions) (Stage, error) {
	if !a.Enabled() {
		return StageIdle, ErrDisabled
	}
	if opts.TargetID == "" {
		return StageIdle, fmt.Errorf("attack by %s: no target", sourceID)
	}
	if err := a.checkWritable(ctx, sourceID, "attack with"); err != nil {
		return StageIdle, err
	}
	key := DedupKey(a.actorOr(opts.Actor), sourceID, opts.TargetID, modeAttack)
	if !a.state.Dedup().ShouldFire(key, a.cfg.AttackDedupWindow) {
		a.logger.Debug("duplicate attack suppressed",
			zap.String("source", sourceID),
			zap.String("target", opts.TargetID),
		)
		return StageIdle, nil
	}

	listenerID, err := a.watcher.Arm(sourceID, opts.TargetID)
	if err != nil {
		return StageIdle, err
	}
	if err := a.host.InitiateAttack(ctx, sourceID, opts.TargetID, opts.Manual); err != nil {
		a.watcher.Disarm(listenerID)
		a.notifyFailure(ctx, "attack", err)
		return StageAttackTriggered, fmt.Errorf("initiating attack by %s on %s: %w", sourceID, opts.TargetID, err)
	}
	a.logger.Debug("attack initiated",
		zap.String("source", sourceID),
		zap.String("target", opts.TargetID),
		zap.Bool("manual", opts.Manual),
	)
	return StageAwaitingEngagement, nil
}

// Defence rolls the defence of participantID against the engagement it is
// currently responding to.
//
// Postcondition: Returns an error wrapping ErrNotResponding when the
// participant is not responding to an engagement. On success the returned
// stage is StageAwaitingResult.
func (a *Automation) Defence(ctx context.Context, participantID string, opts DefenceOptions) (Stage, error) {
	if !a.Enabled() {
		return StageIdle, ErrDisabled
	}
	p, err := a.host.Participant(participantID)
	if err != nil {
		a.notifyFailure(ctx, "defence", err)
		return StageIdle, fmt.Errorf("reading defender %s: %w", participantID, err)
	}
	if p.RespondingTo == "" {
		return StageIdle, fmt.Errorf("defence by %s: %w", participantID, ErrNotResponding)
	}
	if err := a.checkWritable(ctx, participantID, "defend with"); err != nil {
		return StageIdle, err
	}
	key := DedupKey(a.actorOr(opts.Actor), participantID, p.RespondingTo, modeDefence)
	if !a.state.Dedup().ShouldFire(key, a.cfg.AttackDedupWindow) {
		a.logger.Debug("duplicate defence suppressed",
			zap.String("defender", participantID),
			zap.String("engagement", p.RespondingTo),
		)
		return StageIdle, nil
	}
	if err := a.host.RollDefence(ctx, participantID, p.RespondingTo, opts.Manual); err != nil {
		a.notifyFailure(ctx, "defence", err)
		return StageDefenceTriggered, fmt.Errorf("rolling defence for %s: %w", participantID, err)
	}
	return StageAwaitingResult, nil
}

// SelectTarget reports whether a target selection by actor should be acted
// on, suppressing repeats within the target dedup window.
func (a *Automation) SelectTarget(actor, sourceID, targetID string) bool {
	return a.state.Dedup().ShouldFire(DedupKey(a.actorOr(actor), sourceID, targetID, modeTarget), a.cfg.TargetDedupWindow)
}

// IsEngagementPipelineActive reports whether any attack is awaiting its
// engagement or any engagement is still being processed.
func (a *Automation) IsEngagementPipelineActive() bool {
	return a.watcher.IsActive()
}

// Quiescent reports whether no pipeline is active and no convergence call
// is waiting on its debounce delay. A convergence call already running is
// not counted.
func (a *Automation) Quiescent() bool {
	return !a.watcher.IsActive() && a.state.Debouncer().Len() == 0
}

// Stats returns the pipeline outcome counters.
func (a *Automation) Stats() Stats {
	return a.watcher.Stats()
}

func (a *Automation) actorOr(actor string) string {
	if actor != "" {
		return actor
	}
	return a.actor
}

func (a *Automation) checkWritable(ctx context.Context, participantID, verb string) error {
	if a.host.CanModify(participantID) {
		return nil
	}
	a.host.Notify(ctx, NoticeWarn, fmt.Sprintf("You cannot %s %s: not owned by this session.", verb, participantID))
	return fmt.Errorf("%s %s: %w", verb, participantID, ErrPermissionDenied)
}

func (a *Automation) notifyFailure(ctx context.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrMissingCapability):
		a.host.Notify(ctx, NoticeError, fmt.Sprintf("Combat automation cannot %s: %v", op, err))
	case errors.Is(err, ErrPermissionDenied):
		a.host.Notify(ctx, NoticeWarn, fmt.Sprintf("Combat automation not permitted to %s: %v", op, err))
	}
}
