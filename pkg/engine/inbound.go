package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
	"github.com/harrisonrobin/todocal/pkg/retry"
	"github.com/harrisonrobin/todocal/pkg/util"
)

// suppressionTTL bounds how long an unconsumed suppression record is kept.
const suppressionTTL = 7 * 24 * time.Hour

// SyncEvents runs one inbound pass over every project calendar. Each
// calendar's cursor advances on its own; a failed calendar does not hold
// back the others.
func (e *Engine) SyncEvents(ctx context.Context) error {
	if err := e.ensureUser(ctx); err != nil {
		return err
	}
	cals, err := e.store.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("failed to list calendars: %w", err)
	}

	var errs []error
	for _, cal := range cals {
		if err := e.syncCalendar(ctx, cal); err != nil {
			e.logger.Printf("ERROR: calendar %s: %v", cal.Name, err)
			errs = append(errs, fmt.Errorf("calendar %s: %w", cal.Name, err))
		}
	}
	if err := e.store.PruneSuppressed(ctx, e.now().Add(-suppressionTTL)); err != nil {
		e.logger.Printf("WARNING: could not prune suppressed events: %v", err)
	}
	return errors.Join(errs...)
}

func (e *Engine) syncCalendar(ctx context.Context, cal model.Calendar) error {
	list := func(token string) ([]model.Event, string, error) {
		var next string
		events, err := retry.Value(ctx, e.retry, func(ctx context.Context) ([]model.Event, error) {
			evs, n, err := e.cal.ListEventsSince(ctx, cal.ID, token)
			next = n
			return evs, err
		})
		return events, next, err
	}

	events, next, err := list(cal.SyncToken)
	if remote.IsGone(err) {
		e.logger.Printf("cursor of calendar %s expired, listing everything", cal.Name)
		if err := e.store.UpdateCalendarToken(ctx, cal.ID, ""); err != nil {
			return err
		}
		events, next, err = list("")
	}
	if err != nil {
		return err
	}

	held := false
	for i := range events {
		if err := e.applyEvent(ctx, &events[i]); err != nil {
			e.logger.Printf("ERROR: event %s: %v", events[i].ID, err)
			if blocking(err) {
				held = true
			}
		}
	}
	if held {
		return fmt.Errorf("cursor of calendar %s held back after failed events", cal.Name)
	}
	return e.store.UpdateCalendarToken(ctx, cal.ID, next)
}

// applyEvent pushes a calendar-side edit of a linked event back to its task.
func (e *Engine) applyEvent(ctx context.Context, ev *model.Event) error {
	link, err := e.store.GetLinkByEvent(ctx, ev.ID)
	if err != nil || link == nil {
		return err
	}

	if ev.Cancelled() {
		suppressed, err := e.store.ConsumeSuppressed(ctx, ev.ID)
		if err != nil {
			return err
		}
		if suppressed {
			e.debug.Printf("ignoring cancellation of event %s caused by the engine", ev.ID)
			return nil
		}
		e.logger.Printf("event %s was deleted, deleting task %s", ev.ID, link.TaskID)
		if err := e.do(ctx, func(ctx context.Context) error {
			return e.tracker.DeleteTask(ctx, link.TaskID)
		}); err != nil {
			return err
		}
		return e.store.DeleteLink(ctx, link.TaskID)
	}

	task, _, err := e.getTask(ctx, link.TaskID)
	if err != nil {
		if remote.IsNotFound(err) {
			return nil
		}
		return err
	}

	dec := e.codec.Decode(ev.Summary)
	if dec.Content != "" && dec.Content != e.codec.DisplayContent(task.Content) {
		if dec.Tagged && dec.Priority != task.Priority {
			priority := dec.Priority
			if err := e.do(ctx, func(ctx context.Context) error {
				return e.tracker.UpdateTask(ctx, task.ID, model.TaskUpdate{Priority: &priority})
			}); err != nil {
				return err
			}
		}
		content := e.codec.ReplaceDisplay(task.Content, dec.Content)
		if err := e.do(ctx, func(ctx context.Context) error {
			return e.tracker.UpdateTask(ctx, task.ID, model.TaskUpdate{Content: &content})
		}); err != nil {
			return err
		}
		e.debug.Printf("renamed task %s to %q", task.ID, content)
	}

	if !ev.Start.IsZero() && !util.SameDay(ev.Start, link.DueDate) {
		due := ev.Start
		upd := model.TaskUpdate{DueDate: &due}
		if task.Recurring() {
			upd.DueString = task.Due.String
		}
		if err := e.do(ctx, func(ctx context.Context) error {
			return e.tracker.UpdateTask(ctx, task.ID, upd)
		}); err != nil {
			return err
		}
		e.debug.Printf("moved task %s to %s", task.ID, util.FormatDate(due))
		return e.reschedule(ctx, link, due)
	}
	return nil
}
