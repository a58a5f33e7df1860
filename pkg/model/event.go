package model

import "time"

// EventCancelled is the status of a removed calendar event.
const EventCancelled = "cancelled"

// Reminder is a reminder override on an event.
type Reminder struct {
	Method  string
	Minutes int
}

// Event is an all-day calendar event mirroring a task.
type Event struct {
	ID          string
	CalendarID  string
	Summary     string
	Description string
	Location    string
	ColorID     string
	// Start and End are inclusive civil dates at midnight UTC.
	Start     time.Time
	End       time.Time
	Status    string
	Reminders []Reminder
	TaskID    string
}

// Cancelled reports whether the event was removed.
func (e *Event) Cancelled() bool {
	return e.Status == EventCancelled
}

// EventPatch is a partial event update. Nil fields are left untouched;
// a non-nil empty Reminders slice clears the overrides.
type EventPatch struct {
	Summary     *string
	Description *string
	Location    *string
	ColorID     *string
	Start       *time.Time
	End         *time.Time
	Reminders   *[]Reminder
}

// Calendar is a project calendar. An empty SyncToken asks for a full listing.
type Calendar struct {
	ID        string
	Name      string
	ProjectID string
	ColorID   string
	SyncToken string
}

// Link pairs a task with the event that mirrors it.
type Link struct {
	TaskID          string
	EventID         string
	ProjectID       string
	ParentProjectID string
	DueDate         time.Time
	Overdue         bool
	OverdueCount    int
	RescheduleCount int
	// CompletedAt is only set on completed links.
	CompletedAt time.Time
}

// ExcludedProject is a project that is never synchronized.
type ExcludedProject struct {
	ProjectID       string
	Name            string
	ParentProjectID string
}

// StandaloneProject is a nested project with its own calendar.
type StandaloneProject struct {
	ProjectID string
	Name      string
}
