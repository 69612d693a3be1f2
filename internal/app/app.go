// Package app binds a supervision tree to the host process lifecycle: start
// and stop hooks, SIGINT/SIGTERM handling, and a bounded shutdown sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/otpkit/internal/supervisor"
)

// DefaultStopTimeout bounds the whole stop sequence.
const DefaultStopTimeout = 30 * time.Second

// StopTimeoutError reports a stop sequence that exceeded the configured
// timeout; the host may then exit forcefully.
type StopTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("application %q stop exceeded %s", e.Name, e.Timeout)
}

// Status is the application lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Config declares an application: its root supervisor plus optional hooks
// around start and stop.
type Config struct {
	Name       string
	Supervisor *supervisor.Supervisor

	// OnStart runs after the supervisor is up; an error rolls the
	// supervisor back down and Start fails.
	OnStart func(ctx context.Context) error
	// PrepStop runs first on the stop path, while the tree is still up.
	PrepStop func(ctx context.Context) error
	// OnStop runs last, after the supervisor has stopped.
	OnStop func(ctx context.Context) error

	// HandleSignals installs SIGINT/SIGTERM handlers that trigger a
	// graceful stop. A second signal during shutdown is ignored.
	HandleSignals bool
	StopTimeout   time.Duration
	Logger        *slog.Logger
}

// App is a running application.
type App struct {
	cfg Config

	status  atomic.Value // Status
	stopped chan struct{}
	stopErr error
	once    sync.Once
	sigCh   chan os.Signal
	logger  *slog.Logger
}

func New(cfg Config) (*App, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("application needs a root supervisor")
	}
	if cfg.Name == "" {
		cfg.Name = "app"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &App{cfg: cfg, stopped: make(chan struct{}), logger: logger}
	a.status.Store(StatusIdle)
	return a, nil
}

// Status reports the lifecycle state.
func (a *App) Status() Status { return a.status.Load().(Status) }

// Start brings the supervision tree up and runs the OnStart hook. A hook
// failure tears the tree back down.
func (a *App) Start(ctx context.Context) error {
	if a.Status() != StatusIdle {
		return errors.New("application already started")
	}
	if err := a.cfg.Supervisor.Start(ctx); err != nil {
		return err
	}
	if a.cfg.OnStart != nil {
		if err := a.cfg.OnStart(ctx); err != nil {
			_ = a.cfg.Supervisor.Stop(ctx)
			return err
		}
	}
	a.status.Store(StatusRunning)
	a.logger.Info("application started", "app", a.cfg.Name)
	if a.cfg.HandleSignals {
		a.sigCh = make(chan os.Signal, 2)
		signal.Notify(a.sigCh, syscall.SIGINT, syscall.SIGTERM)
		go a.watchSignals()
	}
	return nil
}

func (a *App) watchSignals() {
	for {
		select {
		case sig, ok := <-a.sigCh:
			if !ok {
				return
			}
			if a.Status() != StatusRunning {
				// already stopping; ignore repeats
				continue
			}
			a.logger.Info("signal received", "app", a.cfg.Name, "signal", sig.String())
			go func() { _ = a.Stop(context.Background()) }()
		case <-a.stopped:
			return
		}
	}
}

// Stop runs the sequence PrepStop, supervisor shutdown, OnStop, bounded by
// StopTimeout. Idempotent; every caller observes the first stop's result.
func (a *App) Stop(ctx context.Context) error {
	a.once.Do(func() {
		a.status.Store(StatusStopping)
		a.logger.Info("application stopping", "app", a.cfg.Name)

		done := make(chan error, 1)
		go func() { done <- a.runStopSequence() }()

		timer := time.NewTimer(a.cfg.StopTimeout)
		defer timer.Stop()
		select {
		case err := <-done:
			a.stopErr = err
		case <-timer.C:
			a.stopErr = &StopTimeoutError{Name: a.cfg.Name, Timeout: a.cfg.StopTimeout}
		}
		if a.sigCh != nil {
			signal.Stop(a.sigCh)
		}
		a.status.Store(StatusStopped)
		close(a.stopped)
		a.logger.Info("application stopped", "app", a.cfg.Name, "err", a.stopErr)
	})
	select {
	case <-a.stopped:
		return a.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) runStopSequence() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout)
	defer cancel()
	var firstErr error
	if a.cfg.PrepStop != nil {
		if err := a.cfg.PrepStop(ctx); err != nil {
			firstErr = err
			a.logger.Warn("prep-stop hook failed", "app", a.cfg.Name, "err", err)
		}
	}
	if err := a.cfg.Supervisor.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.cfg.OnStop != nil {
		if err := a.cfg.OnStop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Wait blocks until the application has stopped and returns the stop error.
func (a *App) Wait() error {
	<-a.stopped
	return a.stopErr
}

// Done is closed once the application has stopped.
func (a *App) Done() <-chan struct{} { return a.stopped }
