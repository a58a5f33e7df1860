// Package overdue promotes linked tasks whose due date has passed.
package overdue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/harrisonrobin/todocal/pkg/model"
)

// Store is the part of the state store the sweep reads and writes.
type Store interface {
	ListNotOverdue(ctx context.Context) ([]model.Link, error)
	MarkOverdue(ctx context.Context, taskID string) error
}

// Escalator raises the priority of a task and repaints its event.
type Escalator interface {
	Escalate(ctx context.Context, link model.Link) error
}

// Sweeper moves links from not-overdue to overdue. The flag is never
// cleared here.
type Sweeper struct {
	store     Store
	escalator Escalator
	today     func() time.Time
	logger    *log.Logger

	lastRun time.Time
}

// New creates a sweeper. today returns the current civil date in the
// tracker's timezone.
func New(st Store, esc Escalator, today func() time.Time, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.New(os.Stderr, "[overdue] ", log.LstdFlags)
	}
	return &Sweeper{store: st, escalator: esc, today: today, logger: logger}
}

// Sweep escalates every live link due before today and flags it. Links that
// fail stay unflagged and are picked up by the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	links, err := s.store.ListNotOverdue(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list links: %w", err)
	}
	today := s.today()

	var errs []error
	swept := 0
	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if l.DueDate.IsZero() || !l.DueDate.Before(today) {
			continue
		}
		if err := s.escalator.Escalate(ctx, l); err != nil {
			s.logger.Printf("ERROR: escalating task %s: %v", l.TaskID, err)
			errs = append(errs, fmt.Errorf("task %s: %w", l.TaskID, err))
			continue
		}
		if err := s.store.MarkOverdue(ctx, l.TaskID); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", l.TaskID, err))
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Printf("%d tasks became overdue", swept)
	}
	return swept, errors.Join(errs...)
}

// RunIfDue sweeps once per civil day. A failed sweep is repeated on the next
// call.
func (s *Sweeper) RunIfDue(ctx context.Context) (bool, error) {
	today := s.today()
	if !s.lastRun.IsZero() && !today.After(s.lastRun) {
		return false, nil
	}
	if _, err := s.Sweep(ctx); err != nil {
		return true, err
	}
	s.lastRun = today
	return true, nil
}
