// Package daemon runs the poll loop: the daily overdue sweep, the outbound
// pass and the inbound pass, then a sleep whose length depends on how the
// cycle failed.
package daemon

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/harrisonrobin/todocal/pkg/remote"
)

// Engine runs the two reconciliation passes.
type Engine interface {
	SyncTasks(ctx context.Context) error
	SyncEvents(ctx context.Context) error
}

// Sweeper runs the overdue sweep at most once per day.
type Sweeper interface {
	RunIfDue(ctx context.Context) (bool, error)
}

// Config holds the loop timings.
type Config struct {
	// RefreshRate is the pause between healthy cycles.
	RefreshRate time.Duration
	// ConnErrDelay replaces RefreshRate after a transient failure.
	ConnErrDelay time.Duration
	// QuotaPause replaces RefreshRate after a daily quota was hit.
	QuotaPause       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Daemon drives an Engine until its context is cancelled.
type Daemon struct {
	engine  Engine
	sweeper Sweeper
	cfg     Config
	logger  *log.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	tasks  *CircuitBreaker
	events *CircuitBreaker
	cycles int
}

// New creates a daemon. sweeper may be nil.
func New(eng Engine, sweeper Sweeper, cfg Config, logger *log.Logger) *Daemon {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{
		engine:  eng,
		sweeper: sweeper,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepContext,
		tasks:   NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		events:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// Run polls until ctx is cancelled. Errors of a cycle never stop the loop.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Printf("starting, refresh rate %s", d.cfg.RefreshRate)
	for {
		wait := d.Cycle(ctx)
		if ctx.Err() != nil {
			break
		}
		if err := d.sleep(ctx, wait); err != nil {
			break
		}
	}
	d.logger.Printf("stopped after %d cycles", d.cycles)
	return nil
}

// Cycle runs one poll cycle and returns the wait before the next one.
func (d *Daemon) Cycle(ctx context.Context) time.Duration {
	d.cycles++
	var errs []error

	if d.sweeper != nil {
		if _, err := d.sweeper.RunIfDue(ctx); err != nil {
			d.logger.Printf("ERROR: overdue sweep: %v", err)
			errs = append(errs, err)
		}
	}
	if err := d.pass(ctx, "tasks", d.tasks, d.engine.SyncTasks); err != nil {
		errs = append(errs, err)
	}
	if err := d.pass(ctx, "events", d.events, d.engine.SyncEvents); err != nil {
		errs = append(errs, err)
	}
	return d.delay(errors.Join(errs...))
}

func (d *Daemon) pass(ctx context.Context, side string, cb *CircuitBreaker, run func(context.Context) error) error {
	if ctx.Err() != nil {
		return nil
	}
	if !cb.Allow() {
		d.logger.Printf("skipping %s pass, circuit %s after %d failures", side, cb.State(), cb.Failures())
		return nil
	}
	err := run(ctx)
	if err == nil {
		cb.RecordSuccess()
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	cb.RecordFailure()
	d.logger.Printf("ERROR: %s pass: %v", side, err)
	return err
}

// delay picks the wait after a cycle that ended with err.
func (d *Daemon) delay(err error) time.Duration {
	switch {
	case err == nil:
		return d.cfg.RefreshRate
	case hasKind(err, remote.QuotaExhausted):
		d.logger.Printf("daily quota exhausted, pausing for %s", d.cfg.QuotaPause)
		return d.cfg.QuotaPause
	case hasKind(err, remote.Transient):
		d.logger.Printf("connection trouble, retrying in %s", d.cfg.ConnErrDelay)
		return d.cfg.ConnErrDelay
	}
	return d.cfg.RefreshRate
}

// hasKind reports whether any remote error of kind k is in err's tree.
func hasKind(err error, k remote.Kind) bool {
	if remote.KindOf(err) == k {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if hasKind(e, k) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		if next := u.Unwrap(); next != nil {
			return hasKind(next, k)
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
