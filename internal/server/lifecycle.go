// Package server wires the combat session together from configuration and
// runs it under a lifecycle with signal-driven graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds the time given to each service to stop.
const DefaultStopTimeout = 5 * time.Second

// Service is a long-running component managed by a Lifecycle.
type Service interface {
	// Run blocks until ctx is cancelled or the service fails.
	Run(ctx context.Context) error
	// Stop releases the service's resources after Run has returned.
	Stop(ctx context.Context) error
}

// FuncService adapts a run/stop function pair into a Service. A nil StopFn
// is a no-op.
type FuncService struct {
	RunFn  func(ctx context.Context) error
	StopFn func(ctx context.Context) error
}

// Run calls RunFn.
func (f FuncService) Run(ctx context.Context) error { return f.RunFn(ctx) }

// Stop calls StopFn.
func (f FuncService) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}

type namedService struct {
	name    string
	service Service
}

// Lifecycle runs services concurrently and stops them in reverse order of
// registration when a signal arrives, the context ends, or any service fails.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration
	signals     []os.Signal

	mu       sync.Mutex
	services []namedService
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:      logger,
		stopTimeout: DefaultStopTimeout,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until shutdown.
//
// Postcondition: Every service has been stopped. The returned error joins
// the first service failure with any stop failures; a signal or a cancelled
// ctx alone is not an error.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := make([]namedService, len(l.services))
	copy(services, l.services)
	l.mu.Unlock()

	ctx, stopSignals := signal.NotifyContext(ctx, l.signals...)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failure  error
	)
	for _, ns := range services {
		ns := ns
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			err := ns.service.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			l.logger.Error("service failed",
				zap.String("service", ns.name),
				zap.Error(err),
				zap.Duration("uptime", time.Since(svcStart)),
			)
			failOnce.Do(func() { failure = fmt.Errorf("service %s: %w", ns.name, err) })
			cancel()
		}()
	}
	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	<-ctx.Done()
	l.logger.Info("shutting down", zap.NamedError("reason", context.Cause(ctx)))
	wg.Wait()

	stopErr := l.shutdown(services)
	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return errors.Join(failure, stopErr)
}

func (l *Lifecycle) shutdown(services []namedService) error {
	shutdownStart := time.Now()
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		ctx, cancel := context.WithTimeout(context.Background(), l.stopTimeout)
		svcStart := time.Now()
		if err := ns.service.Stop(ctx); err != nil {
			l.logger.Warn("stopping service", zap.String("service", ns.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("stopping %s: %w", ns.name, err))
		} else {
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
		}
		cancel()
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
	return errors.Join(errs...)
}
