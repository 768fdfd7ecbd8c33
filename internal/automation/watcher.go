package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/config"
)

// Stage is a state of the engagement pipeline.
type Stage int

const (
	StageIdle Stage = iota
	StageAttackTriggered
	StageAwaitingEngagement
	StageAwaitingLink
	StageDefenceTriggered
	StageAwaitingResult
	StageApplyingDamage
	StageReporting
	StageDone
	StageTimedOut
	// StageFailed ends a pipeline aborted by a capability or permission error.
	StageFailed
)

// String returns the stage name used in logs and span events.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAttackTriggered:
		return "attack_triggered"
	case StageAwaitingEngagement:
		return "awaiting_engagement"
	case StageAwaitingLink:
		return "awaiting_link"
	case StageDefenceTriggered:
		return "defence_triggered"
	case StageAwaitingResult:
		return "awaiting_result"
	case StageApplyingDamage:
		return "applying_damage"
	case StageReporting:
		return "reporting"
	case StageDone:
		return "done"
	case StageTimedOut:
		return "timed_out"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a pipeline.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageTimedOut || s == StageFailed
}

// Stats counts pipeline outcomes since the watcher was created.
type Stats struct {
	Armed         int
	Handled       int
	TimedOut      int
	Failed        int
	DamageApplied int
	Reported      int
}

// listener is an armed wait for the engagement created by one attack.
type listener struct {
	id       string
	sourceID string
	targetID string
	armedAt  time.Time
	timer    *time.Timer
}

// pipeline is the in-flight processing of one correlated engagement.
// Fields other than stage are immutable after creation.
type pipeline struct {
	id           string
	engagement   Engagement
	sourceBefore *Snapshot
	ctx          context.Context
	span         trace.Span
	wake         chan struct{}
	stage        Stage
}

// Watcher drives engagements from attack to summary. It correlates
// engagement-created events to armed attacks, waits for the defender to
// link to the engagement, rolls the defence, waits for the result, applies
// damage exactly once, and posts exactly one summary.
type Watcher struct {
	host    Host
	state   *PipelineState
	cfg     config.AutomationConfig
	settler *Settler
	damage  *DamageApplier
	labels  LabelFunc
	logger  *zap.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	listeners []*listener
	pipelines map[string]*pipeline
	inflight  int
	stats     Stats
	wg        sync.WaitGroup
}

// NewWatcher creates a stopped Watcher.
//
// Precondition: all arguments must be non-nil.
func NewWatcher(host Host, state *PipelineState, cfg config.AutomationConfig, labels LabelFunc, logger *zap.Logger, tracer trace.Tracer) *Watcher {
	return &Watcher{
		host:      host,
		state:     state,
		cfg:       cfg,
		settler:   NewSettler(host, cfg.SettleInterval, cfg.SettleQuiet, logger),
		damage:    NewDamageApplier(host, host, logger),
		labels:    labels,
		logger:    logger,
		tracer:    tracer,
		pipelines: make(map[string]*pipeline),
	}
}

// Start enables event handling. Pipelines run under a context derived
// from ctx.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
}

// Stop tears down every armed listener, cancels in-flight pipelines, and
// waits for them to exit.
//
// Postcondition: IsActive is false.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	for _, l := range w.listeners {
		l.timer.Stop()
	}
	w.listeners = nil
	w.ctx = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// IsActive reports whether any listener is armed or any pipeline is in flight.
func (w *Watcher) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners) > 0 || w.inflight > 0
}

// Stats returns a copy of the outcome counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Arm registers a listener for the engagement sourceID's attack on
// targetID will create. The listener is torn down after the configured
// TTL if no engagement matches.
//
// Postcondition: Returns a non-empty listener id, or an error wrapping
// ErrDisabled when the watcher is stopped.
func (w *Watcher) Arm(sourceID, targetID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil {
		return "", ErrDisabled
	}
	l := &listener{
		id:       uuid.NewString(),
		sourceID: sourceID,
		targetID: targetID,
		armedAt:  time.Now(),
	}
	// Created under the lock so expire cannot run before l is registered.
	l.timer = time.AfterFunc(w.cfg.EngagementListenerTTL, func() { w.expire(l) })
	w.listeners = append(w.listeners, l)
	w.stats.Armed++
	w.logger.Debug("engagement listener armed",
		zap.String("listener", l.id),
		zap.String("source", sourceID),
		zap.String("target", targetID),
	)
	return l.id, nil
}

// Disarm removes the listener with id, if still armed.
func (w *Watcher) Disarm(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, l := range w.listeners {
		if l.id == id {
			l.timer.Stop()
			w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
			return
		}
	}
}

// HandleEvent consumes engagement notifications from the host bus.
func (w *Watcher) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventEngagementCreated:
		w.onEngagementCreated(ev.EngagementID)
	case EventEngagementUpdated:
		w.onEngagementUpdated(ev.EngagementID)
	}
}

func (w *Watcher) expire(l *listener) {
	w.mu.Lock()
	found := false
	for i, cur := range w.listeners {
		if cur == l {
			w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
			found = true
			break
		}
	}
	if found {
		w.stats.TimedOut++
	}
	w.mu.Unlock()

	if found {
		w.logger.Info("timed out awaiting engagement",
			zap.String("listener", l.id),
			zap.String("source", l.sourceID),
			zap.String("target", l.targetID),
			zap.Duration("waited", time.Since(l.armedAt)),
		)
	}
}

func (w *Watcher) onEngagementCreated(id string) {
	eng, err := w.host.Engagement(id)
	if err != nil {
		w.logger.Warn("reading created engagement", zap.String("engagement", id), zap.Error(err))
		return
	}

	w.mu.Lock()
	if w.ctx == nil {
		w.mu.Unlock()
		return
	}
	idx := -1
	for i, l := range w.listeners {
		if l.targetID != eng.DefenderID {
			continue
		}
		if eng.AttackerID != "" && eng.AttackerID != l.sourceID {
			continue
		}
		idx = i
		break
	}
	if idx < 0 {
		w.mu.Unlock()
		w.logger.Debug("engagement matches no armed attack", zap.String("engagement", id))
		return
	}
	if !w.state.ClaimEngagement(eng.ID) {
		w.mu.Unlock()
		w.logger.Debug("engagement already handled", zap.String("engagement", id))
		return
	}
	l := w.listeners[idx]
	l.timer.Stop()
	w.listeners = append(w.listeners[:idx], w.listeners[idx+1:]...)

	p := &pipeline{
		id:         eng.ID,
		engagement: eng,
		wake:       make(chan struct{}, 1),
		stage:      StageAwaitingEngagement,
	}
	if eng.AttackerID != "" {
		if snap, err := Capture(w.host, eng.AttackerID); err == nil {
			p.sourceBefore = &snap
		}
	}
	p.ctx, p.span = w.tracer.Start(w.ctx, "automation.engagement",
		trace.WithAttributes(
			attribute.String("engagement.id", eng.ID),
			attribute.String("engagement.attacker", eng.AttackerID),
			attribute.String("engagement.defender", eng.DefenderID),
		),
	)
	w.pipelines[eng.ID] = p
	w.inflight++
	w.stats.Handled++
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(p)
}

// onEngagementUpdated is the push path: a computed result resolves the
// pipeline without waiting for the next poll tick. It races the poll path;
// ClaimResolution lets exactly one of them proceed.
func (w *Watcher) onEngagementUpdated(id string) {
	w.mu.Lock()
	p, ok := w.pipelines[id]
	if !ok || w.ctx == nil {
		w.mu.Unlock()
		return
	}
	w.inflight++
	w.wg.Add(1)
	w.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	go func() {
		defer w.exit()
		eng, err := w.host.Engagement(id)
		if err != nil || !eng.Computed {
			return
		}
		w.resolve(p, eng)
	}()
}

func (w *Watcher) exit() {
	w.mu.Lock()
	w.inflight--
	w.mu.Unlock()
	w.wg.Done()
}

func (w *Watcher) transition(p *pipeline, to Stage) {
	w.mu.Lock()
	from := p.stage
	p.stage = to
	switch to {
	case StageTimedOut:
		w.stats.TimedOut++
	case StageFailed:
		w.stats.Failed++
	}
	w.mu.Unlock()

	p.span.AddEvent(to.String())
	w.logger.Debug("engagement stage",
		zap.String("engagement", p.id),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

func (w *Watcher) run(p *pipeline) {
	defer func() {
		w.mu.Lock()
		delete(w.pipelines, p.id)
		w.mu.Unlock()
		p.span.End()
		w.exit()
	}()

	ctx := p.ctx
	eng := p.engagement
	w.transition(p, StageAwaitingLink)

	err := PollUntil(ctx, w.cfg.LinkPollInterval, w.cfg.LinkPollBudget, func(context.Context) (bool, error) {
		d, err := w.host.Participant(eng.DefenderID)
		if err != nil {
			return false, err
		}
		return d.RespondingTo == eng.ID, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		// Best effort: the defence roll is safe to issue either way.
		w.logger.Debug("defender link not observed, continuing",
			zap.String("engagement", eng.ID),
			zap.String("defender", eng.DefenderID),
		)
	default:
		w.abort(ctx, p, "awaiting defender link", err)
		return
	}

	w.transition(p, StageDefenceTriggered)
	if err := w.host.RollDefence(ctx, eng.DefenderID, eng.ID, false); err != nil {
		w.abort(ctx, p, "rolling defence", err)
		return
	}

	w.transition(p, StageAwaitingResult)
	var result Engagement
	err = pollUntil(ctx, w.cfg.ResultPollInterval, w.cfg.ResultPollBudget, p.wake, func(context.Context) (bool, error) {
		e, err := w.host.Engagement(eng.ID)
		if err != nil {
			return false, err
		}
		if !e.Computed {
			return false, nil
		}
		result = e
		return true, nil
	})
	switch {
	case err == nil:
		w.resolve(p, result)
	case errors.Is(err, ErrTimeout):
		if w.state.Reported(eng.ID) {
			return
		}
		w.transition(p, StageTimedOut)
		w.logger.Info("timed out awaiting engagement result",
			zap.String("engagement", eng.ID),
			zap.Error(err),
		)
	default:
		w.abort(ctx, p, "awaiting result", err)
	}
}

// resolve applies damage and posts the summary for a computed engagement.
// Only the first caller per engagement proceeds.
func (w *Watcher) resolve(p *pipeline, eng Engagement) {
	if !w.state.ClaimResolution(eng.ID) {
		return
	}
	ctx := p.ctx
	defender := eng.DefenderID
	applied := eng.Applied

	var targetLabels []string
	switch {
	case eng.Damage == nil || *eng.Damage <= 0:
	case eng.Applied:
	case !w.host.CanModify(defender):
		w.logger.Debug("defender not writable by this session, skipping damage",
			zap.String("engagement", eng.ID),
			zap.String("defender", defender),
		)
	default:
		w.transition(p, StageApplyingDamage)
		targetLabels, applied = w.applyDamage(ctx, eng)
	}

	var sourceLabels []string
	if p.sourceBefore != nil {
		if now, err := Capture(w.host, eng.AttackerID); err == nil {
			sourceLabels = Diff(*p.sourceBefore, now, w.labels)
		}
	}

	w.transition(p, StageReporting)
	w.report(ctx, eng, applied, sourceLabels, targetLabels)
	w.transition(p, StageDone)
}

func (w *Watcher) applyDamage(ctx context.Context, eng Engagement) ([]string, bool) {
	ctx, span := w.tracer.Start(ctx, "automation.apply_damage")
	defer span.End()

	defender := eng.DefenderID
	before, err := Capture(w.host, defender)
	if err != nil {
		w.logger.Warn("capturing defender before damage", zap.String("defender", defender), zap.Error(err))
		return nil, false
	}

	if err := w.damage.Apply(ctx, defender, *eng.Damage, eng.ID); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrPermissionDenied) {
			w.host.Notify(ctx, NoticeWarn, fmt.Sprintf("Cannot apply damage to %s: not permitted in this session.", defender))
		}
		w.logger.Warn("applying damage", zap.String("engagement", eng.ID), zap.Error(err))
		return nil, false
	}
	if err := w.host.MarkApplied(ctx, eng.ID); err != nil {
		w.logger.Warn("marking engagement applied", zap.String("engagement", eng.ID), zap.Error(err))
	}
	w.mu.Lock()
	w.stats.DamageApplied++
	w.mu.Unlock()

	after, err := w.settler.Settle(ctx, defender, before, w.cfg.SettleWindow)
	if err != nil {
		w.logger.Warn("settling defender after damage", zap.String("defender", defender), zap.Error(err))
	}
	return Diff(before, after, w.labels), true
}

func (w *Watcher) report(ctx context.Context, eng Engagement, applied bool, sourceLabels, targetLabels []string) {
	// Claimed before posting so a concurrent path cannot post twice.
	if !w.state.ClaimReport(eng.ID) {
		return
	}
	msg := Compose(Report{
		EngagementID: eng.ID,
		Attacker:     w.displayName(eng.AttackerID),
		Defender:     w.displayName(eng.DefenderID),
		Outcome:      eng.Outcome,
		Margin:       eng.Margin,
		Damage:       eng.Damage,
		Applied:      applied,
		SourceLabels: sourceLabels,
		TargetLabels: targetLabels,
	})
	if err := w.host.Post(ctx, msg); err != nil {
		w.logger.Warn("posting engagement summary", zap.String("engagement", eng.ID), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.stats.Reported++
	w.mu.Unlock()
}

func (w *Watcher) abort(ctx context.Context, p *pipeline, step string, err error) {
	if errors.Is(err, context.Canceled) {
		w.logger.Debug("engagement pipeline cancelled", zap.String("engagement", p.id), zap.String("step", step))
		return
	}
	p.span.RecordError(err)
	switch {
	case errors.Is(err, ErrMissingCapability):
		w.host.Notify(ctx, NoticeError, fmt.Sprintf("Combat automation stopped while %s: %v", step, err))
	case errors.Is(err, ErrPermissionDenied):
		w.host.Notify(ctx, NoticeWarn, fmt.Sprintf("Combat automation not permitted while %s: %v", step, err))
	}
	w.transition(p, StageFailed)
	w.logger.Warn("engagement pipeline aborted",
		zap.String("engagement", p.id),
		zap.String("step", step),
		zap.Error(err),
	)
}

func (w *Watcher) displayName(participantID string) string {
	if participantID == "" {
		return "Unknown"
	}
	p, err := w.host.Participant(participantID)
	if err != nil || p.Name == "" {
		return participantID
	}
	return p.Name
}
