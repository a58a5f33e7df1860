package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/harrisonrobin/todocal/pkg/model"
)

func scanCalendar(row scanner) (*model.Calendar, error) {
	var c model.Calendar
	var token sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.ProjectID, &c.ColorID, &token); err != nil {
		return nil, err
	}
	c.SyncToken = token.String
	return &c, nil
}

const calendarColumns = "calendar_id, name, project_id, color_id, sync_token"

// GetCalendarByProject returns the calendar owned by projectID, or nil.
func (s *Store) GetCalendarByProject(ctx context.Context, projectID string) (*model.Calendar, error) {
	c, err := scanCalendar(s.db.QueryRowContext(ctx,
		"SELECT "+calendarColumns+" FROM calendars WHERE project_id = ?", projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListCalendars returns every project calendar.
func (s *Store) ListCalendars(ctx context.Context) ([]model.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+calendarColumns+" FROM calendars ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cals []model.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		cals = append(cals, *c)
	}
	return cals, rows.Err()
}

// InsertCalendar records a project calendar with an empty cursor.
func (s *Store) InsertCalendar(ctx context.Context, c model.Calendar) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO calendars ("+calendarColumns+") VALUES (?, ?, ?, ?, ?)",
		c.ID, c.Name, c.ProjectID, c.ColorID, nullString(c.SyncToken),
	)
	return err
}

// UpdateCalendarToken stores the cursor of a calendar. An empty token forces
// a full listing next time.
func (s *Store) UpdateCalendarToken(ctx context.Context, calendarID, token string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE calendars SET sync_token = ? WHERE calendar_id = ?",
		nullString(token), calendarID)
	return err
}

func (s *Store) UpdateCalendarName(ctx context.Context, calendarID, name string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE calendars SET name = ? WHERE calendar_id = ?", name, calendarID)
	return err
}

func (s *Store) DeleteCalendar(ctx context.Context, calendarID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM calendars WHERE calendar_id = ?", calendarID)
	return err
}

// ResolveCalendar returns the calendar a task of projectID belongs to. A
// standalone calendar of the project itself wins over the parent's.
func (s *Store) ResolveCalendar(ctx context.Context, projectID, parentProjectID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.calendar_id FROM calendars c
		JOIN standalone_projects sp ON sp.project_id = c.project_id
		WHERE c.project_id = ?`, projectID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	err = s.db.QueryRowContext(ctx, "SELECT calendar_id FROM calendars WHERE project_id = ?", parentProjectID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// UpsertProject caches a project's name and parent.
func (s *Store) UpsertProject(ctx context.Context, p model.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (project_id, name, parent_id) VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET name = excluded.name, parent_id = excluded.parent_id`,
		p.ID, p.Name, p.ParentID,
	)
	return err
}

// ListProjects returns every cached project.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT project_id, name, parent_id FROM projects ORDER BY project_id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.ParentID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE project_id = ?", projectID)
	return err
}

// InsertExcluded records an excluded project. It reports false when the
// project was already excluded.
func (s *Store) InsertExcluded(ctx context.Context, p model.ExcludedProject) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO excluded_projects (project_id, name, parent_project_id) VALUES (?, ?, ?) ON CONFLICT(project_id) DO NOTHING",
		p.ProjectID, p.Name, p.ParentProjectID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsExcluded reports whether any of projectIDs is excluded. Callers pass a
// project together with its ancestors.
func (s *Store) IsExcluded(ctx context.Context, projectIDs ...string) (bool, error) {
	if len(projectIDs) == 0 {
		return false, nil
	}
	args := make([]any, len(projectIDs))
	for i, id := range projectIDs {
		args[i] = id
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM excluded_projects WHERE project_id IN (?"+strings.Repeat(", ?", len(args)-1)+")",
		args...,
	).Scan(&n)
	return n > 0, err
}

// ListExcluded returns excluded projects in insertion order.
func (s *Store) ListExcluded(ctx context.Context) ([]model.ExcludedProject, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT project_id, name, parent_project_id FROM excluded_projects ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.ExcludedProject
	for rows.Next() {
		var p model.ExcludedProject
		if err := rows.Scan(&p.ProjectID, &p.Name, &p.ParentProjectID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteExcluded removes a project from the excluded set.
func (s *Store) DeleteExcluded(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM excluded_projects WHERE project_id = ?", projectID)
	return err
}

// DeleteExcludedChildren removes exclusions subsumed by an excluded parent.
func (s *Store) DeleteExcludedChildren(ctx context.Context, parentProjectID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM excluded_projects WHERE parent_project_id = ? AND project_id != ?",
		parentProjectID, parentProjectID)
	return err
}

// InsertStandalone records a standalone project. It reports false when the
// project was already standalone.
func (s *Store) InsertStandalone(ctx context.Context, p model.StandaloneProject) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO standalone_projects (project_id, name) VALUES (?, ?) ON CONFLICT(project_id) DO NOTHING",
		p.ProjectID, p.Name,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) IsStandalone(ctx context.Context, projectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM standalone_projects WHERE project_id = ?", projectID).Scan(&n)
	return n > 0, err
}

// ListStandalone returns standalone projects in insertion order.
func (s *Store) ListStandalone(ctx context.Context) ([]model.StandaloneProject, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT project_id, name FROM standalone_projects ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.StandaloneProject
	for rows.Next() {
		var p model.StandaloneProject
		if err := rows.Scan(&p.ProjectID, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteStandalone(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM standalone_projects WHERE project_id = ?", projectID)
	return err
}
