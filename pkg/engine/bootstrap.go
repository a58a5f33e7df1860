package engine

import (
	"context"
	"fmt"

	"github.com/harrisonrobin/todocal/pkg/colors"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/retry"
	"github.com/harrisonrobin/todocal/pkg/util"
)

// completedImportLimit bounds the completion history imported on the
// first run.
const completedImportLimit = 200

// Bootstrap performs the first full synchronization. Once a cursor exists
// it only loads the tracker's account settings.
func (e *Engine) Bootstrap(ctx context.Context) error {
	cur, err := e.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}
	if cur != nil {
		return e.ensureUser(ctx)
	}

	e.logger.Printf("no cursor yet, running a full synchronization")
	changes, err := retry.Value(ctx, e.retry, func(ctx context.Context) (*model.Changes, error) {
		return e.tracker.Sync(ctx, "")
	})
	if err != nil {
		return fmt.Errorf("failed to fetch tasks: %w", err)
	}
	if changes.User != nil {
		e.setUser(changes.User)
	}
	if err := e.ensureUser(ctx); err != nil {
		return err
	}
	if err := e.applyProjects(ctx, changes.Projects); err != nil {
		return fmt.Errorf("failed to set up calendars: %w", err)
	}
	changes.Projects = nil

	if e.premium() {
		if err := e.importCompleted(ctx); err != nil {
			return err
		}
	}
	return e.applyBatch(ctx, changes)
}

// importCompleted mirrors recently completed tasks as completed events.
func (e *Engine) importCompleted(ctx context.Context) error {
	done, err := retry.Value(ctx, e.retry, func(ctx context.Context) ([]model.CompletedTask, error) {
		return e.tracker.CompletedTasks(ctx, completedImportLimit)
	})
	if err != nil {
		return fmt.Errorf("failed to read completed tasks: %w", err)
	}

	imported := 0
	for i := range done {
		ok, err := e.importOne(ctx, &done[i])
		if err != nil {
			e.logger.Printf("ERROR: completed task %s: %v", done[i].Task.ID, err)
			if blocking(err) {
				return err
			}
			continue
		}
		if ok {
			imported++
		}
	}
	e.logger.Printf("imported %d completed tasks", imported)
	return nil
}

func (e *Engine) importOne(ctx context.Context, ct *model.CompletedTask) (bool, error) {
	task := &ct.Task
	if e.isInbox(task.ProjectID) {
		return false, nil
	}
	chain, err := e.chain(ctx, task.ProjectID)
	if err != nil {
		return false, err
	}
	excluded, err := e.store.IsExcluded(ctx, chainIDs(chain)...)
	if err != nil || excluded {
		return false, err
	}
	calID, err := e.calendarFor(ctx, chain)
	if err != nil || calID == "" {
		return false, err
	}

	finished := util.Date(ct.CompletedAt, e.loc)
	due := finished
	if task.HasDue() {
		due = task.Due.Date
	}
	dates, err := e.store.CompletedDueDates(ctx, task.ID)
	if err != nil {
		return false, err
	}
	for _, d := range dates {
		if util.SameDay(d, due) {
			return false, nil
		}
	}

	start, end := completionSpan(due, finished)
	ev := model.Event{
		ID:         eventID(task.ID, due),
		CalendarID: calID,
		Summary:    e.codec.Encode(task, e.nameContext(chain, true)),
		ColorID:    colors.Default,
		Start:      start,
		End:        end,
		Reminders:  []model.Reminder{},
		TaskID:     task.ID,
	}
	created, err := e.insertEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	err = e.store.InsertCompleted(ctx, model.Link{
		TaskID:          task.ID,
		EventID:         created.ID,
		ProjectID:       task.ProjectID,
		ParentProjectID: root(chain).ID,
		DueDate:         due,
		CompletedAt:     ct.CompletedAt,
	})
	return err == nil, err
}
