package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/automation"
	"github.com/cory-johannsen/skirmish/internal/config"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/condition"
	"github.com/cory-johannsen/skirmish/internal/game/dice"
	"github.com/cory-johannsen/skirmish/internal/game/session"
	"github.com/cory-johannsen/skirmish/internal/scripting"
)

const tracerName = "github.com/cory-johannsen/skirmish/internal/server"

// quietPeriod is how long a session must stay idle before Play moves on.
const quietPeriod = 250 * time.Millisecond

// Content is the static content a session is built from.
type Content struct {
	Conditions *condition.Registry
	// Severity is nil when no severity table is configured.
	Severity   *dice.SeverityTable
	Roster     *session.Roster
	ScriptsDir string
}

// LoadContent loads and validates every content file named by cfg.
//
// Postcondition: Returns an error naming the first file that failed.
func LoadContent(cfg config.ContentConfig) (*Content, error) {
	conds, err := condition.LoadDirectory(cfg.ConditionsDir)
	if err != nil {
		return nil, fmt.Errorf("loading conditions: %w", err)
	}
	c := &Content{Conditions: conds, ScriptsDir: cfg.ScriptsDir}
	if cfg.SeverityTable != "" {
		if c.Severity, err = dice.LoadSeverityTable(cfg.SeverityTable); err != nil {
			return nil, err
		}
	}
	if c.Roster, err = session.LoadRoster(cfg.Roster); err != nil {
		return nil, err
	}
	return c, nil
}

// Session is one fully wired combat session: the shared session state, its
// rules engine, optional rule scripts, and the combat automation.
type Session struct {
	cfg     config.Config
	content *Content
	logger  *zap.Logger

	Manager    *session.Manager
	Engine     *combat.Engine
	Scripts    *scripting.Manager
	Automation *automation.Automation

	mu     sync.Mutex
	sub    *automation.Subscription
	closed bool
}

// NewSession builds a session from cfg and content, rolling dice from src.
//
// Precondition: content came from LoadContent; src and logger must be non-nil.
// Postcondition: On success the session is populated from the roster but
// not started; Stop releases it.
func NewSession(cfg config.Config, content *Content, src dice.Source, logger *zap.Logger) (*Session, error) {
	roller := dice.NewRoller(src, logger.Named("dice"))

	sessOpts := []session.Option{session.WithLogger(logger.Named("session"))}
	if content.Severity != nil {
		sessOpts = append(sessOpts, session.WithSeverityTable(content.Severity, roller))
	}
	mgr := session.NewManager(cfg.Session.Actor, sessOpts...)
	if err := content.Roster.Populate(mgr); err != nil {
		mgr.Close()
		return nil, fmt.Errorf("populating roster: %w", err)
	}

	engOpts := []combat.Option{
		combat.WithLogger(logger.Named("rules")),
		combat.WithConditions(content.Conditions),
	}
	var scripts *scripting.Manager
	if content.ScriptsDir != "" {
		scripts = scripting.NewManager(roller, logger.Named("scripting"), 0)
		if err := scripts.LoadDir(content.ScriptsDir); err != nil {
			mgr.Close()
			return nil, err
		}
		engOpts = append(engOpts, combat.WithScripts(scripts))
	}
	engCfg := combat.DefaultConfig()
	engCfg.Tick = cfg.Session.RulesTick
	engCfg.ResolveDelay = cfg.Session.ResolveDelay
	engCfg.DefeatedCondition = cfg.Automation.DefeatedCondition
	eng := combat.NewEngine(mgr, roller, engCfg, engOpts...)

	for _, p := range content.Roster.Participants {
		prof, err := combat.NewProfile(p.AttackBonus, p.DefenceBonus, p.Damage)
		if err != nil {
			eng.Stop()
			mgr.Close()
			if scripts != nil {
				scripts.Close()
			}
			return nil, fmt.Errorf("participant %q: %w", p.ID, err)
		}
		eng.SetProfile(p.ID, prof)
	}

	auto := automation.New(combat.NewHost(mgr, eng), cfg.Automation,
		automation.WithLogger(logger.Named("automation")),
		automation.WithActor(cfg.Session.Actor),
		automation.WithLabels(content.Conditions.Label),
		automation.WithTracer(otel.Tracer(tracerName)),
	)
	return &Session{
		cfg:        cfg,
		content:    content,
		logger:     logger,
		Manager:    mgr,
		Engine:     eng,
		Scripts:    scripts,
		Automation: auto,
	}, nil
}

// Start starts the rules engine and enables the automation under ctx.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session stopped")
	}
	s.Engine.Start(ctx)
	sub, err := s.Automation.Enable(ctx)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("session started",
		zap.String("actor", s.cfg.Session.Actor),
		zap.Int("participants", len(s.Manager.ParticipantIDs())),
	)
	return nil
}

// Run starts the session and blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Stop disables the automation and releases the engine, scripts, and bus.
// It is safe to call more than once.
func (s *Session) Stop(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	var err error
	if sub != nil {
		err = s.Automation.Disable(sub)
	}
	s.Engine.Stop()
	s.Manager.Close()
	if s.Scripts != nil {
		s.Scripts.Close()
	}
	s.logger.Info("session stopped", zap.Any("stats", s.Automation.Stats()))
	return err
}

// Play runs each scripted attack in turn, waiting for the session to go
// quiet between attacks, and returns the chat messages posted meanwhile.
// A rejected attack is logged and play continues.
//
// Precondition: Start has been called.
func (s *Session) Play(ctx context.Context, attacks []session.ScriptedAttack) ([]automation.Message, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "session.play")
	defer span.End()

	before := len(s.Manager.Chat())
	for i, a := range attacks {
		stage, err := s.Automation.Attack(ctx, a.Source, automation.AttackOptions{TargetID: a.Target, Manual: a.Manual})
		if err != nil {
			s.logger.Warn("scripted attack rejected",
				zap.Int("index", i),
				zap.String("source", a.Source),
				zap.String("target", a.Target),
				zap.Stringer("stage", stage),
				zap.Error(err),
			)
			continue
		}
		if err := s.WaitQuiet(ctx); err != nil {
			return s.Manager.Chat()[before:], fmt.Errorf("attack %d: %w", i, err)
		}
		// Consecutive identical attacks would otherwise fall inside the dedup window.
		if err := sleepCtx(ctx, s.cfg.Automation.AttackDedupWindow); err != nil {
			return s.Manager.Chat()[before:], err
		}
	}
	return s.Manager.Chat()[before:], nil
}

// WaitQuiet blocks until the automation, the rules engine, and the bus have
// all stayed idle for a short quiet period.
func (s *Session) WaitQuiet(ctx context.Context) error {
	budget := s.cfg.Automation.EngagementListenerTTL + s.cfg.Automation.ResultPollBudget + s.cfg.Automation.SettleWindow
	var quietSince time.Time
	return automation.PollUntil(ctx, 10*time.Millisecond, budget, func(context.Context) (bool, error) {
		idle := s.Automation.Quiescent() && !s.Engine.Busy() && s.Manager.Bus().Idle()
		switch {
		case !idle:
			quietSince = time.Time{}
			return false, nil
		case quietSince.IsZero():
			quietSince = time.Now()
			return false, nil
		default:
			return time.Since(quietSince) >= quietPeriod, nil
		}
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
