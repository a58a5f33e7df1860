package engine

import (
	"context"
	"time"

	"github.com/harrisonrobin/todocal/pkg/colors"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
	"github.com/harrisonrobin/todocal/pkg/util"
)

// lateWindow is how many days late a completion may be and still keep the
// event on its due date, stretched by one day.
const lateWindow = 2

// completionSpan returns the event dates of an occurrence due on due and
// completed on today.
func completionSpan(due, today time.Time) (time.Time, time.Time) {
	late := util.DaysBetween(due, today)
	switch {
	case late >= 1 && late <= lateWindow:
		return due, util.AddDays(due, 1)
	case late != 0:
		return today, today
	}
	return due, due
}

// complete marks the event of link as done and moves the link to the
// completed set.
func (e *Engine) complete(ctx context.Context, task *model.Task, link *model.Link) error {
	calID, err := e.linkCalendar(ctx, link)
	if err != nil {
		return err
	}
	chain, err := e.chain(ctx, link.ProjectID)
	if err != nil {
		return err
	}

	start, end := completionSpan(link.DueDate, e.Today())
	title := e.codec.Encode(task, e.nameContext(chain, true))
	plain := colors.Default
	none := []model.Reminder{}
	patch := model.EventPatch{
		Summary:   &title,
		Start:     &start,
		End:       &end,
		ColorID:   &plain,
		Reminders: &none,
	}
	err = e.do(ctx, func(ctx context.Context) error {
		return e.cal.PatchEvent(ctx, calID, link.EventID, patch)
	})
	if err != nil && !remote.IsNotFound(err) {
		return err
	}
	if err := e.store.CompleteLink(ctx, task.ID, e.now()); err != nil {
		return err
	}
	e.debug.Printf("completed task %s (event %s)", task.ID, link.EventID)
	return nil
}

// undo brings a completed task back: the latest completed link becomes
// live again and its event loses the completion marker.
func (e *Engine) undo(ctx context.Context, task *model.Task) error {
	link, err := e.store.UndoLink(ctx, task.ID)
	if err != nil {
		return err
	}
	if !task.HasDue() {
		return e.deleteLinked(ctx, link, "deleted")
	}

	due := task.Due.Date
	if !util.SameDay(due, link.DueDate) {
		if err := e.store.UpdateLinkDue(ctx, task.ID, due, false, true); err != nil {
			return err
		}
		link.DueDate, link.Overdue = due, false
	}

	calID, err := e.linkCalendar(ctx, link)
	if err != nil {
		return err
	}
	chain, err := e.chain(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	title := e.codec.Encode(task, e.nameContext(chain, false))
	color := colors.ForEvent(link.Overdue)
	patch := model.EventPatch{
		Summary: &title,
		Start:   &due,
		End:     &due,
		ColorID: &color,
	}
	reminders := e.reminders()
	if reminders == nil {
		reminders = []model.Reminder{}
	}
	patch.Reminders = &reminders

	err = e.do(ctx, func(ctx context.Context) error {
		return e.cal.PatchEvent(ctx, calID, link.EventID, patch)
	})
	if remote.IsNotFound(err) {
		return e.recreate(ctx, task, link, nil)
	}
	if err != nil {
		return err
	}
	e.debug.Printf("restored task %s (event %s)", task.ID, link.EventID)
	return nil
}
