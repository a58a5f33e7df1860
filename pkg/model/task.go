package model

import (
	"strings"
	"time"
)

// Due is the scheduling part of a tracker task.
type Due struct {
	// Date is the civil due date at midnight UTC.
	Date      time.Time
	Recurring bool
	String    string // e.g. "every monday"
}

// Task represents a tracker-side item.
type Task struct {
	ID        string
	ProjectID string
	ParentID  string // parent task, set for subtasks
	Content   string
	Due       *Due
	Priority  int // 1 (normal) .. 4 (urgent)
	Labels    []string
	Checked   bool
	Deleted   bool
}

// HasDue reports whether the task carries a due date.
func (t *Task) HasDue() bool {
	return t.Due != nil && !t.Due.Date.IsZero()
}

// Recurring reports whether the task repeats. The phrase check catches
// payloads that omit the flag.
func (t *Task) Recurring() bool {
	if t.Due == nil {
		return false
	}
	return t.Due.Recurring || strings.Contains(strings.ToLower(t.Due.String), "every")
}

// Note is a comment attached to a task.
type Note struct {
	ID      string
	TaskID  string
	Content string
	Deleted bool
}

// Project is a tracker project. ParentID is empty for top-level projects.
type Project struct {
	ID       string
	ParentID string
	Name     string
	Archived bool
	Deleted  bool
	Inbox    bool
}

// User holds the account settings the engine depends on.
type User struct {
	Timezone       string
	InboxProjectID string
	Premium        bool
}

// Changes is one incremental batch from the tracker.
type Changes struct {
	SyncToken string
	FullSync  bool
	Items     []Task
	Notes     []Note
	Projects  []Project
	User      *User
	// Raw is the undecoded payload, kept to detect no-op polls.
	Raw []byte
}

// CompletedTask is an entry of the tracker's completion history.
type CompletedTask struct {
	Task        Task
	CompletedAt time.Time
}

// TaskUpdate lists the task fields the engine pushes back to the tracker.
// Nil fields are left untouched.
type TaskUpdate struct {
	Content  *string
	Priority *int
	DueDate  *time.Time
	// DueString keeps the recurrence phrase when DueDate is set.
	DueString string
}

// IsEmpty reports whether the update carries no field.
func (u TaskUpdate) IsEmpty() bool {
	return u.Content == nil && u.Priority == nil && u.DueDate == nil
}
