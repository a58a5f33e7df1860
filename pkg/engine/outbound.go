package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrisonrobin/todocal/pkg/colors"
	"github.com/harrisonrobin/todocal/pkg/eventname"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
	"github.com/harrisonrobin/todocal/pkg/retry"
	"github.com/harrisonrobin/todocal/pkg/util"
)

// SyncTasks runs one outbound pass: it fetches the task changes since the
// stored cursor and mirrors them onto the calendars. The cursor only moves
// when every change was applied.
func (e *Engine) SyncTasks(ctx context.Context) error {
	cur, err := e.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}
	token := ""
	if cur != nil {
		token = cur.SyncToken
	}
	changes, err := retry.Value(ctx, e.retry, func(ctx context.Context) (*model.Changes, error) {
		return e.tracker.Sync(ctx, token)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch task changes: %w", err)
	}
	if cur != nil && changes.SyncToken == cur.SyncToken && bytes.Equal(changes.Raw, cur.Snapshot) {
		e.debug.Printf("no task changes since %s", token)
		return nil
	}
	return e.applyBatch(ctx, changes)
}

func (e *Engine) applyBatch(ctx context.Context, changes *model.Changes) error {
	if changes.User != nil {
		e.setUser(changes.User)
	}
	if err := e.ensureUser(ctx); err != nil {
		return err
	}
	if err := e.loadProjects(ctx); err != nil {
		return err
	}

	if len(changes.Items) == 0 && len(changes.Notes) == 0 && len(changes.Projects) == 0 {
		return e.store.SaveCursor(ctx, changes.SyncToken, changes.Raw)
	}

	var errs []error
	record := func(what, id string, err error) {
		if err == nil {
			return
		}
		e.logger.Printf("ERROR: %s %s: %v", what, id, err)
		if blocking(err) {
			errs = append(errs, fmt.Errorf("%s %s: %w", what, id, err))
		}
	}

	record("projects", "batch", e.applyProjects(ctx, changes.Projects))

	notes := make(map[string][]model.Note)
	for _, n := range changes.Notes {
		notes[n.TaskID] = append(notes[n.TaskID], n)
	}
	for i := range changes.Items {
		task := &changes.Items[i]
		record("task", task.ID, e.applyTask(ctx, task, batchNotes(changes, notes, task.ID)))
	}
	for taskID := range notes {
		record("notes of task", taskID, e.refreshDetails(ctx, taskID))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := e.store.SaveCursor(ctx, changes.SyncToken, changes.Raw); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// batchNotes returns the notes of taskID carried by the batch. Only a full
// sync carries every note; otherwise it returns nil and create fetches them.
func batchNotes(changes *model.Changes, notes map[string][]model.Note, taskID string) []model.Note {
	if !changes.FullSync {
		return nil
	}
	if n := liveNotes(notes[taskID]); n != nil {
		return n
	}
	return []model.Note{}
}

func liveNotes(notes []model.Note) []model.Note {
	var out []model.Note
	for _, n := range notes {
		if !n.Deleted {
			out = append(out, n)
		}
	}
	return out
}

// applyTask decides and runs the action for one changed task.
func (e *Engine) applyTask(ctx context.Context, task *model.Task, notes []model.Note) error {
	link, err := e.store.GetLink(ctx, task.ID)
	if err != nil {
		return err
	}

	if link == nil {
		if task.Deleted || task.Checked {
			return nil
		}
		done, err := e.store.LatestCompleted(ctx, task.ID)
		if err != nil {
			return err
		}
		if done != nil && (!task.Recurring() || (task.HasDue() && util.SameDay(task.Due.Date, done.DueDate))) {
			return e.undo(ctx, task)
		}
		if !task.HasDue() {
			return nil
		}
		return e.create(ctx, task, notes)
	}

	if task.Deleted || !task.HasDue() {
		e.debug.Printf("deleting event of task %s", task.ID)
		return e.deleteLinked(ctx, link, "deleted")
	}

	if task.Recurring() && !util.SameDay(task.Due.Date, link.DueDate) && e.premium() {
		completed, err := e.occurrenceCompleted(ctx, task.ID)
		if err != nil {
			return err
		}
		if completed {
			e.debug.Printf("recurring task %s completed, creating next occurrence", task.ID)
			if err := e.complete(ctx, task, link); err != nil {
				return err
			}
			return e.create(ctx, task, notes)
		}
	}

	calID, err := e.linkCalendar(ctx, link)
	if err != nil {
		return err
	}
	chain, err := e.chain(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	rescheduled := !util.SameDay(task.Due.Date, link.DueDate)
	title := e.codec.Encode(task, e.nameContext(chain, false))
	patch := model.EventPatch{Summary: &title}
	if rescheduled {
		due := task.Due.Date
		plain := colors.Default
		patch.Start, patch.End, patch.ColorID = &due, &due, &plain
	}
	if err := e.do(ctx, func(ctx context.Context) error {
		return e.cal.PatchEvent(ctx, calID, link.EventID, patch)
	}); err != nil {
		if remote.IsNotFound(err) {
			return e.recreate(ctx, task, link, notes)
		}
		return err
	}
	if rescheduled {
		if err := e.reschedule(ctx, link, task.Due.Date); err != nil {
			return err
		}
	}

	if task.Checked {
		return e.complete(ctx, task, link)
	}
	if e.isInbox(task.ProjectID) {
		e.debug.Printf("task %s moved to the inbox", task.ID)
		return e.deleteLinked(ctx, link, "deleted")
	}
	if task.ProjectID != link.ProjectID || root(chain).ID != link.ParentProjectID {
		return e.relocate(ctx, task, link, calID, chain)
	}
	return nil
}

// reschedule persists a new due date of a linked task, from either side.
// The overdue flag is cleared; a date already in the past is escalated
// right away.
func (e *Engine) reschedule(ctx context.Context, link *model.Link, due time.Time) error {
	if err := e.store.UpdateLinkDue(ctx, link.TaskID, due, false, true); err != nil {
		return err
	}
	link.DueDate, link.Overdue = due, false
	if !due.Before(e.Today()) {
		return nil
	}
	if err := e.Escalate(ctx, *link); err != nil {
		return err
	}
	return e.store.MarkOverdue(ctx, link.TaskID)
}

// occurrenceCompleted tells a completed recurring occurrence from a
// postponed one through the activity log.
func (e *Engine) occurrenceCompleted(ctx context.Context, taskID string) (bool, error) {
	if err := e.sleep(ctx, e.cfg.Daemon.ActivityDelay); err != nil {
		return false, err
	}
	kind, err := retry.Value(ctx, e.retry, func(ctx context.Context) (string, error) {
		return e.tracker.LastActivity(ctx, taskID)
	})
	if err != nil {
		return false, err
	}
	return kind == "completed", nil
}

// create mirrors a task without a link onto its calendar. Nil notes are
// fetched from the tracker.
func (e *Engine) create(ctx context.Context, task *model.Task, notes []model.Note) error {
	if !task.HasDue() || e.isInbox(task.ProjectID) {
		return nil
	}
	chain, err := e.chain(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	excluded, err := e.store.IsExcluded(ctx, chainIDs(chain)...)
	if err != nil || excluded {
		return err
	}
	dup, err := e.duplicate(ctx, task)
	if err != nil || dup {
		return err
	}
	calID, err := e.calendarFor(ctx, chain)
	if err != nil {
		return err
	}
	if calID == "" {
		e.logger.Printf("WARNING: no calendar for task %s in project %s", task.ID, chain[0].Name)
		return nil
	}
	if notes == nil {
		_, fetched, err := e.getTask(ctx, task.ID)
		if err != nil && !remote.IsNotFound(err) {
			return err
		}
		notes = liveNotes(fetched)
	}

	due := task.Due.Date
	overdue := due.Before(e.Today())
	if overdue && task.Priority < 4 {
		top := 4
		if err := e.do(ctx, func(ctx context.Context) error {
			return e.tracker.UpdateTask(ctx, task.ID, model.TaskUpdate{Priority: &top})
		}); err != nil {
			return err
		}
		task.Priority = top
	}

	location, err := e.location(ctx, task, chain, notes)
	if err != nil {
		return err
	}
	ev := model.Event{
		ID:          eventID(task.ID, due),
		CalendarID:  calID,
		Summary:     e.codec.Encode(task, e.nameContext(chain, false)),
		Description: description(task, notes),
		Location:    location,
		ColorID:     colors.ForEvent(overdue),
		Start:       due,
		End:         due,
		Reminders:   e.reminders(),
		TaskID:      task.ID,
	}
	created, err := e.insertEvent(ctx, ev)
	if err != nil {
		return err
	}

	link := model.Link{
		TaskID:          task.ID,
		EventID:         created.ID,
		ProjectID:       task.ProjectID,
		ParentProjectID: root(chain).ID,
		DueDate:         due,
		Overdue:         overdue,
	}
	if overdue {
		link.OverdueCount = 1
	}
	if err := e.store.InsertLink(ctx, link); err != nil {
		return err
	}
	e.debug.Printf("created event %s for task %s", created.ID, task.ID)
	return nil
}

// duplicate reports whether the current occurrence of task is already
// mirrored, live or completed.
func (e *Engine) duplicate(ctx context.Context, task *model.Task) (bool, error) {
	link, err := e.store.GetLink(ctx, task.ID)
	if err != nil || link != nil {
		return link != nil, err
	}
	if !task.Recurring() {
		done, err := e.store.LatestCompleted(ctx, task.ID)
		return done != nil, err
	}
	dates, err := e.store.CompletedDueDates(ctx, task.ID)
	if err != nil {
		return false, err
	}
	for _, d := range dates {
		if util.SameDay(d, task.Due.Date) {
			return true, nil
		}
	}
	return false, nil
}

// insertEvent inserts ev under its derived id. When the id is taken by a
// live event, that event is adopted and brought up to date. When it is
// taken by a cancelled one, a live event of the same task and date is
// adopted if there is one; otherwise ev goes in under a fresh id.
func (e *Engine) insertEvent(ctx context.Context, ev model.Event) (*model.Event, error) {
	created, err := retry.Value(ctx, e.retry, func(ctx context.Context) (*model.Event, error) {
		return e.cal.InsertEvent(ctx, ev)
	})
	if err == nil || !remote.IsConflict(err) {
		return created, err
	}

	existing, err := retry.Value(ctx, e.retry, func(ctx context.Context) (*model.Event, error) {
		return e.cal.GetEvent(ctx, ev.CalendarID, ev.ID)
	})
	if err != nil {
		return nil, err
	}
	if !existing.Cancelled() {
		return e.adopt(ctx, ev)
	}

	found, err := retry.Value(ctx, e.retry, func(ctx context.Context) (*model.Event, error) {
		return e.cal.FindEventByTaskID(ctx, ev.CalendarID, ev.TaskID)
	})
	if err != nil {
		return nil, err
	}
	if found != nil && util.SameDay(found.Start, ev.Start) {
		ev.ID = found.ID
		return e.adopt(ctx, ev)
	}

	ev.ID = freshEventID()
	return retry.Value(ctx, e.retry, func(ctx context.Context) (*model.Event, error) {
		return e.cal.InsertEvent(ctx, ev)
	})
}

// adopt overwrites the event with id ev.ID with the contents of ev.
func (e *Engine) adopt(ctx context.Context, ev model.Event) (*model.Event, error) {
	e.logger.Printf("adopting existing event %s for task %s", ev.ID, ev.TaskID)
	patch := model.EventPatch{
		Summary:     &ev.Summary,
		Description: &ev.Description,
		Location:    &ev.Location,
		ColorID:     &ev.ColorID,
		Start:       &ev.Start,
		End:         &ev.End,
	}
	if ev.Reminders != nil {
		patch.Reminders = &ev.Reminders
	}
	if err := e.do(ctx, func(ctx context.Context) error {
		return e.cal.PatchEvent(ctx, ev.CalendarID, ev.ID, patch)
	}); err != nil {
		return nil, err
	}
	return &ev, nil
}

// recreate replaces a link whose event disappeared without a trace.
func (e *Engine) recreate(ctx context.Context, task *model.Task, link *model.Link, notes []model.Note) error {
	e.logger.Printf("event %s of task %s is gone, creating it again", link.EventID, task.ID)
	if err := e.store.DeleteLink(ctx, task.ID); err != nil {
		return err
	}
	return e.create(ctx, task, notes)
}

// deleteLinked removes a link and its event. The resulting cancellation is
// suppressed so the inbound pass does not delete the task.
func (e *Engine) deleteLinked(ctx context.Context, link *model.Link, reason string) error {
	calID, err := e.linkCalendar(ctx, link)
	if err != nil {
		return err
	}
	if calID != "" {
		if err := e.store.SuppressEvent(ctx, link.EventID, reason); err != nil {
			return err
		}
		if err := e.do(ctx, func(ctx context.Context) error {
			return e.cal.DeleteEvent(ctx, calID, link.EventID)
		}); err != nil {
			return err
		}
	}
	return e.store.DeleteLink(ctx, link.TaskID)
}

// relocate follows a task to another project: its location is rewritten
// and the event moves when the calendar differs.
func (e *Engine) relocate(ctx context.Context, task *model.Task, link *model.Link, oldCal string, chain []model.Project) error {
	excluded, err := e.store.IsExcluded(ctx, chainIDs(chain)...)
	if err != nil {
		return err
	}
	newCal, err := e.calendarFor(ctx, chain)
	if err != nil {
		return err
	}
	if excluded || newCal == "" {
		e.debug.Printf("task %s left the synchronized projects", task.ID)
		return e.deleteLinked(ctx, link, "moved")
	}

	_, notes, err := e.getTask(ctx, task.ID)
	if err != nil {
		return err
	}
	location, err := e.location(ctx, task, chain, notes)
	if err != nil {
		return err
	}
	if err := e.do(ctx, func(ctx context.Context) error {
		return e.cal.PatchEvent(ctx, oldCal, link.EventID, model.EventPatch{Location: &location})
	}); err != nil {
		return err
	}

	if newCal != oldCal {
		if err := e.store.SuppressEvent(ctx, link.EventID, "moved"); err != nil {
			return err
		}
		if err := e.do(ctx, func(ctx context.Context) error {
			return e.cal.MoveEvent(ctx, oldCal, link.EventID, newCal)
		}); err != nil {
			return err
		}
		e.debug.Printf("moved event %s to calendar %s", link.EventID, newCal)
	}
	return e.store.UpdateLinkProject(ctx, task.ID, task.ProjectID, root(chain).ID)
}

// refreshDetails rewrites location and description after a note change.
func (e *Engine) refreshDetails(ctx context.Context, taskID string) error {
	link, err := e.store.GetLink(ctx, taskID)
	if err != nil || link == nil {
		return err
	}
	task, notes, err := e.getTask(ctx, taskID)
	if err != nil {
		if remote.IsNotFound(err) {
			return nil
		}
		return err
	}
	chain, err := e.chain(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	calID, err := e.linkCalendar(ctx, link)
	if err != nil {
		return err
	}
	location, err := e.location(ctx, task, chain, notes)
	if err != nil {
		return err
	}
	desc := description(task, notes)
	return e.do(ctx, func(ctx context.Context) error {
		return e.cal.PatchEvent(ctx, calID, link.EventID, model.EventPatch{Location: &location, Description: &desc})
	})
}

func (e *Engine) getTask(ctx context.Context, id string) (*model.Task, []model.Note, error) {
	var notes []model.Note
	task, err := retry.Value(ctx, e.retry, func(ctx context.Context) (*model.Task, error) {
		t, n, err := e.tracker.GetTask(ctx, id)
		notes = n
		return t, err
	})
	return task, notes, err
}

// location renders "✉ Parent, Child, parent task" for an event.
func (e *Engine) location(ctx context.Context, task *model.Task, chain []model.Project, notes []model.Note) (string, error) {
	var b strings.Builder
	if len(notes) > 0 && e.cfg.Icons.Basic.Notes != "" {
		b.WriteString(e.cfg.Icons.Basic.Notes + " ")
	}
	names := make([]string, 0, 2)
	if len(chain) > 1 {
		names = append(names, root(chain).Name)
	}
	names = append(names, chain[0].Name)
	b.WriteString(strings.Join(names, ", "))

	if task.ParentID != "" {
		parent, _, err := e.getTask(ctx, task.ParentID)
		if err != nil && !remote.IsNotFound(err) {
			return "", err
		}
		if parent != nil {
			b.WriteString(", " + e.codec.DisplayContent(parent.Content))
		}
	}
	return b.String(), nil
}

// description carries the task's link and its notes.
func description(task *model.Task, notes []model.Note) string {
	var parts []string
	if u := eventname.LeadingURL(task.Content); u != "" {
		parts = append(parts, u)
	}
	for _, n := range notes {
		if s := strings.TrimSpace(n.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
