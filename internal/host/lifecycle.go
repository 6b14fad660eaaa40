// Package host runs the long-lived pieces of an embedding process, such as
// the thread dispatch pump and the entry call, under one lifecycle with
// signal handling.
package host

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component. Start blocks until the service is
// stopped, finishes its work or fails.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function, if any.
func (f *FuncService) Stop() {
	if f.StopFn != nil {
		f.StopFn()
	}
}

// ContextService runs fn with a context that Stop cancels. It suits loops
// like event.ThreadDispatch.Run.
func ContextService(fn func(ctx context.Context) error) *FuncService {
	ctx, cancel := context.WithCancel(context.Background())
	return &FuncService{
		StartFn: func() error {
			defer cancel()
			return fn(ctx)
		},
		StopFn: cancel,
	}
}

// Lifecycle starts named services in order and stops them in reverse.
type Lifecycle struct {
	logger   *zap.Logger
	services []namedService
	mu       sync.Mutex
	signals  []os.Signal
}

type namedService struct {
	name    string
	service Service
}

type exit struct {
	name string
	err  error
}

// NewLifecycle creates a new Lifecycle manager that shuts down on SIGINT or
// SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	if logger == nil {
		panic("host.NewLifecycle: logger must not be nil")
	}
	return &Lifecycle{
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service. Services are started in the order they are
// added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	if name == "" {
		panic("host.Lifecycle.Add: name must not be empty")
	}
	if svc == nil {
		panic("host.Lifecycle.Add: svc must not be nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until a termination signal arrives,
// ctx is cancelled or any service's Start returns. Services are then stopped
// in reverse order and Run waits for all of them to return.
//
// Postcondition: every service is stopped; the result is the error of the
// first service that returned, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	exits := make(chan exit, len(services))
	var wg sync.WaitGroup
	for _, ns := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			err := ns.service.Start()
			if err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
			} else {
				l.logger.Info("service finished",
					zap.String("service", ns.name),
					zap.Duration("uptime", time.Since(svcStart)),
				)
			}
			exits <- exit{name: ns.name, err: err}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	var result error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case e := <-exits:
		if e.err != nil {
			result = fmt.Errorf("service %s: %w", e.name, e.err)
		}
		l.logger.Info("service exited, shutting down", zap.String("service", e.name))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.shutdown(services)
	wg.Wait()

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return result
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
}
