package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/harrisonrobin/todocal/pkg/colors"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
	"github.com/harrisonrobin/todocal/pkg/retry"
)

// applyProjects handles project changes of a batch, parents before
// children: calendars follow creations, renames, deletions and moves, and
// projects named in the config are classified.
func (e *Engine) applyProjects(ctx context.Context, projects []model.Project) error {
	if len(projects) == 0 {
		return nil
	}
	if err := e.loadProjects(ctx); err != nil {
		return err
	}

	previous := make(map[string]*model.Project, len(projects))
	for _, p := range projects {
		if old, ok := e.projects[p.ID]; ok {
			o := old
			previous[p.ID] = &o
		}
		if p.Deleted || p.Archived {
			continue
		}
		e.projects[p.ID] = p
	}
	sorted := append([]model.Project(nil), projects...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return e.depth(sorted[i].ID) < e.depth(sorted[j].ID)
	})

	for _, p := range sorted {
		old := previous[p.ID]
		if p.Deleted || p.Archived {
			if old == nil {
				continue
			}
			if err := e.dropProject(ctx, p.ID); err != nil {
				return fmt.Errorf("project %s: %w", p.Name, err)
			}
			continue
		}
		if err := e.rememberProject(ctx, p); err != nil {
			return err
		}
		if p.Inbox {
			continue
		}
		if err := e.applyProject(ctx, p, old); err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}
	}
	return nil
}

func (e *Engine) applyProject(ctx context.Context, p model.Project, old *model.Project) error {
	if e.cfg.IsExcluded(p.Name) {
		return e.Exclude(ctx, p.ID)
	}

	switch {
	case old == nil:
		if p.ParentID == "" {
			excluded, err := e.store.IsExcluded(ctx, p.ID)
			if err != nil || excluded {
				return err
			}
			_, err = e.ensureCalendar(ctx, p)
			return err
		}
		if e.cfg.IsStandalone(p.Name) {
			return e.MakeStandalone(ctx, p.ID)
		}
		return nil

	case old.ParentID == "" && p.ParentID != "":
		standalone, err := e.store.IsStandalone(ctx, p.ID)
		if err != nil {
			return err
		}
		if standalone || e.cfg.IsStandalone(p.Name) {
			_, err := e.store.InsertStandalone(ctx, model.StandaloneProject{ProjectID: p.ID, Name: p.Name})
			if err != nil {
				return err
			}
			return e.renameCalendar(ctx, p)
		}
		e.logger.Printf("project %s is now nested, merging it into its parent calendar", p.Name)
		return e.rehome(ctx, p.ID, true)

	case old.ParentID != "" && p.ParentID == "":
		e.logger.Printf("project %s is now top-level, giving it a calendar", p.Name)
		if err := e.store.DeleteStandalone(ctx, p.ID); err != nil {
			return err
		}
		if _, err := e.ensureCalendar(ctx, p); err != nil {
			return err
		}
		return e.rehome(ctx, p.ID, false)

	case old.ParentID != p.ParentID:
		return e.rehome(ctx, p.ID, false)
	}

	if p.ParentID == "" {
		excluded, err := e.store.IsExcluded(ctx, p.ID)
		if err != nil || excluded {
			return err
		}
		if _, err := e.ensureCalendar(ctx, p); err != nil {
			return err
		}
	} else if e.cfg.IsStandalone(p.Name) {
		if err := e.MakeStandalone(ctx, p.ID); err != nil {
			return err
		}
	}
	if old.Name != p.Name {
		return e.renameCalendar(ctx, p)
	}
	return nil
}

// depth is 1 for top-level projects.
func (e *Engine) depth(projectID string) int {
	d := 0
	for id := projectID; id != "" && d < maxDepth; d++ {
		p, ok := e.projects[id]
		if !ok {
			return d + 1
		}
		id = p.ParentID
	}
	return d
}

// ensureCalendar returns the calendar of a project, creating it when
// missing. A remote calendar with the expected name is adopted.
func (e *Engine) ensureCalendar(ctx context.Context, p model.Project) (string, error) {
	existing, err := e.store.GetCalendarByProject(ctx, p.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	name := CalendarPrefix + p.Name
	remoteCals, err := retry.Value(ctx, e.retry, func(ctx context.Context) ([]model.Calendar, error) {
		return e.cal.ListCalendars(ctx)
	})
	if err != nil {
		return "", err
	}
	palette, err := e.colorPalette(ctx)
	if err != nil {
		return "", err
	}

	cal := model.Calendar{Name: name, ProjectID: p.ID}
	for _, rc := range remoteCals {
		if rc.Name == name {
			cal.ID, cal.ColorID = rc.ID, rc.ColorID
			palette.Claim(rc.ColorID)
			e.logger.Printf("adopting existing calendar %q", name)
			break
		}
	}
	if cal.ID == "" {
		cal.ColorID = palette.Next()
		id, err := retry.Value(ctx, e.retry, func(ctx context.Context) (string, error) {
			return e.cal.InsertCalendar(ctx, name, e.loc.String(), cal.ColorID)
		})
		if err != nil {
			return "", err
		}
		cal.ID = id
		e.logger.Printf("created calendar %q", name)
	}
	if err := e.store.InsertCalendar(ctx, cal); err != nil {
		return "", err
	}
	return cal.ID, nil
}

func (e *Engine) colorPalette(ctx context.Context) (*colors.Palette, error) {
	if e.palette != nil {
		return e.palette, nil
	}
	cals, err := e.store.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}
	used := make([]string, 0, len(cals))
	for _, c := range cals {
		used = append(used, c.ColorID)
	}
	e.palette = colors.NewPalette(used)
	return e.palette, nil
}

func (e *Engine) renameCalendar(ctx context.Context, p model.Project) error {
	cal, err := e.store.GetCalendarByProject(ctx, p.ID)
	if err != nil || cal == nil {
		return err
	}
	name := CalendarPrefix + p.Name
	if cal.Name == name {
		return nil
	}
	if err := e.do(ctx, func(ctx context.Context) error {
		return e.cal.RenameCalendar(ctx, cal.ID, name)
	}); err != nil {
		return err
	}
	return e.store.UpdateCalendarName(ctx, cal.ID, name)
}

// deleteCalendar removes a project calendar remotely and locally.
func (e *Engine) deleteCalendar(ctx context.Context, cal *model.Calendar) error {
	if err := e.do(ctx, func(ctx context.Context) error {
		return e.cal.DeleteCalendar(ctx, cal.ID)
	}); err != nil {
		return err
	}
	if e.palette != nil {
		e.palette.Release(cal.ColorID)
	}
	e.logger.Printf("deleted calendar %q", cal.Name)
	return e.store.DeleteCalendar(ctx, cal.ID)
}

// subtreeLinks returns the live links of a project and its descendants.
func (e *Engine) subtreeLinks(ctx context.Context, projectID string) ([]model.Link, error) {
	var out []model.Link
	for _, id := range e.descendants(projectID) {
		links, err := e.store.ListLinksByProject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, links...)
	}
	return out, nil
}

// clearSubtree removes every event and link under projectID along with the
// calendars owned by the subtree. Events living in a deleted calendar go
// with it; the others are deleted one by one.
func (e *Engine) clearSubtree(ctx context.Context, projectID, reason string) error {
	links, err := e.subtreeLinks(ctx, projectID)
	if err != nil {
		return err
	}
	owned := make(map[string]*model.Calendar)
	for _, id := range e.descendants(projectID) {
		cal, err := e.store.GetCalendarByProject(ctx, id)
		if err != nil {
			return err
		}
		if cal != nil {
			owned[cal.ID] = cal
		}
	}

	for i := range links {
		link := &links[i]
		calID, err := e.linkCalendar(ctx, link)
		if err != nil {
			return err
		}
		if _, ok := owned[calID]; ok {
			if err := e.store.DeleteLink(ctx, link.TaskID); err != nil {
				return err
			}
			continue
		}
		if err := e.deleteLinked(ctx, link, reason); err != nil {
			return err
		}
	}
	for _, cal := range owned {
		if err := e.deleteCalendar(ctx, cal); err != nil {
			return err
		}
	}
	return nil
}

// dropProject forgets a deleted or archived project and everything that
// mirrors it.
func (e *Engine) dropProject(ctx context.Context, projectID string) error {
	if err := e.clearSubtree(ctx, projectID, "deleted"); err != nil {
		return err
	}
	if err := e.store.DeleteCompletedUnder(ctx, projectID); err != nil {
		return err
	}
	for _, id := range e.descendants(projectID) {
		if err := e.store.DeleteStandalone(ctx, id); err != nil {
			return err
		}
		if err := e.store.DeleteExcluded(ctx, id); err != nil {
			return err
		}
	}
	return e.forgetProject(ctx, projectID)
}

// rehome re-creates the events of a subtree after the project tree
// changed. With dropOwn the project's own calendar goes away first.
func (e *Engine) rehome(ctx context.Context, projectID string, dropOwn bool) error {
	if dropOwn {
		if err := e.clearSubtree(ctx, projectID, "moved"); err != nil {
			return err
		}
		for _, id := range e.descendants(projectID)[1:] {
			standalone, err := e.store.IsStandalone(ctx, id)
			if err != nil {
				return err
			}
			if !standalone {
				continue
			}
			if _, err := e.ensureCalendar(ctx, e.projects[id]); err != nil {
				return err
			}
		}
	} else {
		links, err := e.subtreeLinks(ctx, projectID)
		if err != nil {
			return err
		}
		for i := range links {
			if err := e.deleteLinked(ctx, &links[i], "moved"); err != nil {
				return err
			}
		}
	}
	return e.recreateSubtree(ctx, projectID)
}

// recreateSubtree creates events for every open task under projectID.
func (e *Engine) recreateSubtree(ctx context.Context, projectID string) error {
	ids := make(map[string]bool)
	for _, id := range e.descendants(projectID) {
		ids[id] = true
	}
	tasks, err := retry.Value(ctx, e.retry, func(ctx context.Context) ([]model.Task, error) {
		return e.tracker.ListTasks(ctx, func(t *model.Task) bool {
			return ids[t.ProjectID] && t.HasDue()
		})
	})
	if err != nil {
		return err
	}
	for i := range tasks {
		if err := e.create(ctx, &tasks[i], nil); err != nil {
			return err
		}
	}
	return nil
}

// Exclude stops synchronizing a project and its descendants. Its events,
// links and calendars are removed. Excluding twice is a no-op.
func (e *Engine) Exclude(ctx context.Context, projectID string) error {
	chain, err := e.chain(ctx, projectID)
	if err != nil {
		return err
	}
	p := chain[0]
	entry := model.ExcludedProject{ProjectID: p.ID, Name: p.Name}
	if len(chain) > 1 {
		entry.ParentProjectID = root(chain).ID
	}

	excluded, err := e.store.IsExcluded(ctx, chainIDs(chain)...)
	if err != nil {
		return err
	}
	if excluded {
		return nil
	}
	// The record goes in after the cleanup so a failed cleanup is retried.
	if err := e.clearSubtree(ctx, p.ID, "excluded"); err != nil {
		return err
	}
	for _, id := range e.descendants(p.ID) {
		if err := e.store.DeleteStandalone(ctx, id); err != nil {
			return err
		}
	}
	if _, err := e.store.InsertExcluded(ctx, entry); err != nil {
		return err
	}
	if len(chain) == 1 {
		if err := e.store.DeleteExcludedChildren(ctx, p.ID); err != nil {
			return err
		}
	}
	e.logger.Printf("excluded project %s", p.Name)
	return nil
}

// Include reverses Exclude and mirrors the project's tasks again.
func (e *Engine) Include(ctx context.Context, projectID string) error {
	chain, err := e.chain(ctx, projectID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteExcluded(ctx, projectID); err != nil {
		return err
	}
	if len(chain) == 1 {
		if _, err := e.ensureCalendar(ctx, chain[0]); err != nil {
			return err
		}
	}
	return e.recreateSubtree(ctx, projectID)
}

// MakeStandalone gives a nested project its own calendar and moves its
// events there. Excluded and top-level projects are left alone.
func (e *Engine) MakeStandalone(ctx context.Context, projectID string) error {
	chain, err := e.chain(ctx, projectID)
	if err != nil {
		return err
	}
	p := chain[0]
	if len(chain) == 1 {
		return nil
	}
	excluded, err := e.store.IsExcluded(ctx, chainIDs(chain)...)
	if err != nil {
		return err
	}
	if excluded {
		e.logger.Printf("project %s is excluded, not making it standalone", p.Name)
		return nil
	}

	links, err := e.subtreeLinks(ctx, p.ID)
	if err != nil {
		return err
	}
	before := make([]string, len(links))
	for i := range links {
		if before[i], err = e.linkCalendar(ctx, &links[i]); err != nil {
			return err
		}
	}

	// A standalone row never exists without its calendar.
	if _, err := e.ensureCalendar(ctx, p); err != nil {
		return err
	}
	inserted, err := e.store.InsertStandalone(ctx, model.StandaloneProject{ProjectID: p.ID, Name: p.Name})
	if err != nil || !inserted {
		return err
	}
	if err := e.moveLinks(ctx, links, before); err != nil {
		if derr := e.store.DeleteStandalone(ctx, p.ID); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	e.logger.Printf("project %s is standalone", p.Name)
	return nil
}

// moveLinks moves every event whose calendar changed from before. An event
// already moved by an earlier attempt is not found in its old calendar.
func (e *Engine) moveLinks(ctx context.Context, links []model.Link, before []string) error {
	for i := range links {
		link := &links[i]
		after, err := e.linkCalendar(ctx, link)
		if err != nil {
			return err
		}
		if before[i] == "" || after == before[i] {
			continue
		}
		if err := e.store.SuppressEvent(ctx, link.EventID, "moved"); err != nil {
			return err
		}
		err = e.do(ctx, func(ctx context.Context) error {
			return e.cal.MoveEvent(ctx, before[i], link.EventID, after)
		})
		if err != nil && !remote.IsNotFound(err) {
			return fmt.Errorf("failed to move event %s: %w", link.EventID, err)
		}
	}
	return nil
}
