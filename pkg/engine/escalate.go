package engine

import (
	"context"

	"github.com/harrisonrobin/todocal/pkg/colors"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
)

// Escalate marks the task of an overdue link as urgent and repaints its
// event. It does not touch the overdue flag of the link.
func (e *Engine) Escalate(ctx context.Context, link model.Link) error {
	task, _, err := e.getTask(ctx, link.TaskID)
	if err != nil {
		if remote.IsNotFound(err) {
			e.debug.Printf("task %s vanished before escalation", link.TaskID)
			return nil
		}
		return err
	}
	if task.Checked || task.Deleted {
		return nil
	}

	if task.Priority < 4 {
		top := 4
		if err := e.do(ctx, func(ctx context.Context) error {
			return e.tracker.UpdateTask(ctx, task.ID, model.TaskUpdate{Priority: &top})
		}); err != nil {
			return err
		}
		task.Priority = top
	}

	chain, err := e.chain(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	calID, err := e.linkCalendar(ctx, &link)
	if err != nil {
		return err
	}
	title := e.codec.Encode(task, e.nameContext(chain, false))
	color := colors.Overdue
	err = e.do(ctx, func(ctx context.Context) error {
		return e.cal.PatchEvent(ctx, calID, link.EventID, model.EventPatch{Summary: &title, ColorID: &color})
	})
	if err != nil && !remote.IsNotFound(err) {
		return err
	}
	e.logger.Printf("task %s is overdue", task.ID)
	return nil
}
