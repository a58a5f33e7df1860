package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/util"
)

const linkColumns = "task_id, event_id, project_id, parent_project_id, due_date, overdue, overdue_count, reschedule_count"

func scanLink(row scanner) (*model.Link, error) {
	var l model.Link
	var due string
	var overdue int
	if err := row.Scan(&l.TaskID, &l.EventID, &l.ProjectID, &l.ParentProjectID,
		&due, &overdue, &l.OverdueCount, &l.RescheduleCount); err != nil {
		return nil, err
	}
	l.DueDate = parseDate(due)
	l.Overdue = overdue != 0
	return &l, nil
}

func queryLinks(ctx context.Context, q querier, query string, args ...any) ([]model.Link, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var links []model.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

func getLink(ctx context.Context, q querier, where string, arg string) (*model.Link, error) {
	l, err := scanLink(q.QueryRowContext(ctx, "SELECT "+linkColumns+" FROM links WHERE "+where+" = ?", arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// GetLink returns the live link of taskID, or nil.
func (s *Store) GetLink(ctx context.Context, taskID string) (*model.Link, error) {
	return getLink(ctx, s.db, "task_id", taskID)
}

// GetLinkByEvent returns the live link pointing at eventID, or nil.
func (s *Store) GetLinkByEvent(ctx context.Context, eventID string) (*model.Link, error) {
	return getLink(ctx, s.db, "event_id", eventID)
}

// InsertLink stores a new live link. A second link for the same task fails.
func (s *Store) InsertLink(ctx context.Context, l model.Link) error {
	return insertLink(ctx, s.db, l)
}

func insertLink(ctx context.Context, q querier, l model.Link) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO links ("+linkColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		l.TaskID, l.EventID, l.ProjectID, l.ParentProjectID, util.FormatDate(l.DueDate),
		boolToInt(l.Overdue), l.OverdueCount, l.RescheduleCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert link for task %s: %w", l.TaskID, err)
	}
	return nil
}

// UpdateLinkDue stores a rescheduled due date and the overdue flag computed
// for it.
func (s *Store) UpdateLinkDue(ctx context.Context, taskID string, due time.Time, overdue bool, rescheduled bool) error {
	inc := 0
	if rescheduled {
		inc = 1
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE links SET due_date = ?, overdue = ?, reschedule_count = reschedule_count + ? WHERE task_id = ?",
		util.FormatDate(due), boolToInt(overdue), inc, taskID,
	)
	return err
}

// UpdateLinkProject records a task moved to another project.
func (s *Store) UpdateLinkProject(ctx context.Context, taskID, projectID, parentProjectID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE links SET project_id = ?, parent_project_id = ? WHERE task_id = ?",
		projectID, parentProjectID, taskID,
	)
	return err
}

// MarkOverdue sets the overdue flag and bumps the overdue counter. It is a
// no-op for links already flagged.
func (s *Store) MarkOverdue(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE links SET overdue = 1, overdue_count = overdue_count + 1 WHERE task_id = ? AND overdue = 0",
		taskID,
	)
	return err
}

// ListNotOverdue returns the live links the overdue sweep still has to check.
func (s *Store) ListNotOverdue(ctx context.Context) ([]model.Link, error) {
	return queryLinks(ctx, s.db, "SELECT "+linkColumns+" FROM links WHERE overdue = 0 ORDER BY task_id")
}

// ListLinksByProject returns the live links of a project.
func (s *Store) ListLinksByProject(ctx context.Context, projectID string) ([]model.Link, error) {
	return queryLinks(ctx, s.db, "SELECT "+linkColumns+" FROM links WHERE project_id = ? ORDER BY task_id", projectID)
}

// DeleteLink removes the live link of taskID.
func (s *Store) DeleteLink(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM links WHERE task_id = ?", taskID)
	return err
}

// CompleteLink moves the live link of taskID to the completed set.
func (s *Store) CompleteLink(ctx context.Context, taskID string, completedAt time.Time) error {
	return s.withTx(ctx, func(q querier) error {
		l, err := getLink(ctx, q, "task_id", taskID)
		if err != nil {
			return err
		}
		if l == nil {
			return fmt.Errorf("no link for task %s", taskID)
		}
		l.CompletedAt = completedAt
		if err := insertCompleted(ctx, q, *l); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, "DELETE FROM links WHERE task_id = ?", taskID)
		return err
	})
}

// InsertCompleted records a link that was completed before it was ever live.
func (s *Store) InsertCompleted(ctx context.Context, l model.Link) error {
	return insertCompleted(ctx, s.db, l)
}

func insertCompleted(ctx context.Context, q querier, l model.Link) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO completed_links ("+linkColumns+", completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		l.TaskID, l.EventID, l.ProjectID, l.ParentProjectID, util.FormatDate(l.DueDate),
		boolToInt(l.Overdue), l.OverdueCount, l.RescheduleCount, l.CompletedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// LatestCompleted returns the most recent completed link of taskID, or nil.
func (s *Store) LatestCompleted(ctx context.Context, taskID string) (*model.Link, error) {
	return latestCompleted(ctx, s.db, taskID)
}

func latestCompleted(ctx context.Context, q querier, taskID string) (*model.Link, error) {
	var l model.Link
	var due, completed string
	var overdue int
	err := q.QueryRowContext(ctx,
		"SELECT "+linkColumns+", completed_at FROM completed_links WHERE task_id = ? ORDER BY seq DESC LIMIT 1",
		taskID,
	).Scan(&l.TaskID, &l.EventID, &l.ProjectID, &l.ParentProjectID, &due, &overdue,
		&l.OverdueCount, &l.RescheduleCount, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.DueDate = parseDate(due)
	l.Overdue = overdue != 0
	l.CompletedAt, _ = time.Parse(time.RFC3339, completed)
	return &l, nil
}

// CompletedDueDates returns the due dates of every completed occurrence of
// taskID.
func (s *Store) CompletedDueDates(ctx context.Context, taskID string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT due_date FROM completed_links WHERE task_id = ? ORDER BY seq", taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var dates []time.Time
	for rows.Next() {
		var due string
		if err := rows.Scan(&due); err != nil {
			return nil, err
		}
		dates = append(dates, parseDate(due))
	}
	return dates, rows.Err()
}

// UndoLink moves the latest completed link of taskID back to the live set
// and returns it.
func (s *Store) UndoLink(ctx context.Context, taskID string) (*model.Link, error) {
	var restored *model.Link
	err := s.withTx(ctx, func(q querier) error {
		l, err := latestCompleted(ctx, q, taskID)
		if err != nil {
			return err
		}
		if l == nil {
			return fmt.Errorf("no completed link for task %s", taskID)
		}
		if _, err := q.ExecContext(ctx,
			"DELETE FROM completed_links WHERE seq = (SELECT MAX(seq) FROM completed_links WHERE task_id = ?)",
			taskID); err != nil {
			return err
		}
		l.CompletedAt = time.Time{}
		if err := insertLink(ctx, q, *l); err != nil {
			return err
		}
		restored = l
		return nil
	})
	return restored, err
}

// DeleteCompletedUnder drops the completed history of a project subtree.
func (s *Store) DeleteCompletedUnder(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM completed_links WHERE project_id = ? OR parent_project_id = ?", projectID, projectID)
	return err
}
