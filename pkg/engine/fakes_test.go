package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/harrisonrobin/todocal/pkg/config"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
	"github.com/harrisonrobin/todocal/pkg/retry"
	"github.com/harrisonrobin/todocal/pkg/store"
)

func notFound(op string) error {
	return remote.FromStatus("test", op, 404, "", nil)
}

type taskUpdate struct {
	id  string
	upd model.TaskUpdate
}

type fakeTracker struct {
	batches   []*model.Changes
	tasks     map[string]*model.Task
	notes     map[string][]model.Note
	projects  []model.Project
	user      model.User
	activity  map[string]string
	completed []model.CompletedTask
	updates   []taskUpdate
	deleted   []string
	syncErr   error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		tasks:    make(map[string]*model.Task),
		notes:    make(map[string][]model.Note),
		activity: make(map[string]string),
		user:     model.User{Timezone: "UTC", InboxProjectID: "inbox"},
	}
}

// push queues a batch and keeps the task table in step with it.
func (f *fakeTracker) push(c *model.Changes) {
	for i := range c.Items {
		t := c.Items[i]
		if t.Deleted {
			delete(f.tasks, t.ID)
			continue
		}
		f.tasks[t.ID] = &t
	}
	f.batches = append(f.batches, c)
}

func (f *fakeTracker) Sync(ctx context.Context, token string) (*model.Changes, error) {
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if len(f.batches) == 0 {
		if token == "" {
			token = "tok-0"
		}
		return &model.Changes{SyncToken: token}, nil
	}
	c := f.batches[0]
	f.batches = f.batches[1:]
	return c, nil
}

func (f *fakeTracker) GetTask(ctx context.Context, id string) (*model.Task, []model.Note, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil, notFound("items.get")
	}
	cp := *t
	return &cp, f.notes[id], nil
}

func (f *fakeTracker) UpdateTask(ctx context.Context, id string, upd model.TaskUpdate) error {
	f.updates = append(f.updates, taskUpdate{id: id, upd: upd})
	t, ok := f.tasks[id]
	if !ok {
		return notFound("item_update")
	}
	if upd.Content != nil {
		t.Content = *upd.Content
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	if upd.DueDate != nil {
		if t.Due == nil {
			t.Due = &model.Due{}
		}
		t.Due.Date = *upd.DueDate
	}
	return nil
}

func (f *fakeTracker) DeleteTask(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.tasks, id)
	return nil
}

func (f *fakeTracker) ListTasks(ctx context.Context, pred func(*model.Task) bool) ([]model.Task, error) {
	var out []model.Task
	for _, t := range f.tasks {
		if t.Checked || t.Deleted {
			continue
		}
		if pred == nil || pred(t) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTracker) ListProjects(ctx context.Context) ([]model.Project, error) {
	return f.projects, nil
}

func (f *fakeTracker) User(ctx context.Context) (*model.User, error) {
	u := f.user
	return &u, nil
}

func (f *fakeTracker) LastActivity(ctx context.Context, taskID string) (string, error) {
	return f.activity[taskID], nil
}

func (f *fakeTracker) CompletedTasks(ctx context.Context, limit int) ([]model.CompletedTask, error) {
	return f.completed, nil
}

// fakeCalendar keeps every event in one table keyed by id, the way event
// ids are unique across calendars.
type fakeCalendar struct {
	events    map[string]*model.Event
	calendars map[string]*model.Calendar
	pending   map[string][]model.Event
	// gone expires the cursor of a calendar once.
	gone      map[string]bool
	insertErr error
	inserts   int
	moves     int
	nextCal   int

	// calendarErr fails the next calendar insert.
	calendarErr error
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		events:    make(map[string]*model.Event),
		calendars: make(map[string]*model.Calendar),
		pending:   make(map[string][]model.Event),
		gone:      make(map[string]bool),
	}
}

// edit applies fn to a stored event and queues it for the next listing.
func (f *fakeCalendar) edit(t *testing.T, id string, fn func(ev *model.Event)) {
	t.Helper()
	ev, ok := f.events[id]
	if !ok {
		t.Fatalf("Expected event %s to exist", id)
	}
	fn(ev)
	f.pending[ev.CalendarID] = append(f.pending[ev.CalendarID], *ev)
}

func (f *fakeCalendar) live(calendarID string) []model.Event {
	var out []model.Event
	for _, ev := range f.events {
		if ev.CalendarID == calendarID && !ev.Cancelled() {
			out = append(out, *ev)
		}
	}
	return out
}

func (f *fakeCalendar) ListEventsSince(ctx context.Context, calendarID, token string) ([]model.Event, string, error) {
	if f.gone[calendarID] && token != "" {
		delete(f.gone, calendarID)
		return nil, "", remote.FromStatus("test", "events.list", 410, "fullSyncRequired", nil)
	}
	evs := f.pending[calendarID]
	delete(f.pending, calendarID)
	return evs, "ctok-" + calendarID, nil
}

func (f *fakeCalendar) InsertEvent(ctx context.Context, ev model.Event) (*model.Event, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	if _, ok := f.events[ev.ID]; ok {
		return nil, remote.FromStatus("test", "events.insert", 409, "duplicate", nil)
	}
	if _, ok := f.calendars[ev.CalendarID]; !ok {
		return nil, notFound("events.insert")
	}
	f.inserts++
	cp := ev
	cp.Status = "confirmed"
	f.events[ev.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeCalendar) GetEvent(ctx context.Context, calendarID, eventID string) (*model.Event, error) {
	ev, ok := f.events[eventID]
	if !ok {
		return nil, notFound("events.get")
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeCalendar) PatchEvent(ctx context.Context, calendarID, eventID string, p model.EventPatch) error {
	ev, ok := f.events[eventID]
	if !ok || ev.Cancelled() || ev.CalendarID != calendarID {
		return notFound("events.patch")
	}
	if p.Summary != nil {
		ev.Summary = *p.Summary
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.Location != nil {
		ev.Location = *p.Location
	}
	if p.ColorID != nil {
		ev.ColorID = *p.ColorID
	}
	if p.Start != nil {
		ev.Start = *p.Start
	}
	if p.End != nil {
		ev.End = *p.End
	}
	if p.Reminders != nil {
		ev.Reminders = *p.Reminders
	}
	return nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	ev, ok := f.events[eventID]
	if !ok {
		return nil
	}
	ev.Status = model.EventCancelled
	f.pending[calendarID] = append(f.pending[calendarID], *ev)
	return nil
}

func (f *fakeCalendar) MoveEvent(ctx context.Context, calendarID, eventID, destination string) error {
	ev, ok := f.events[eventID]
	if !ok || ev.CalendarID != calendarID {
		return notFound("events.move")
	}
	f.moves++
	cancelled := *ev
	cancelled.Status = model.EventCancelled
	f.pending[calendarID] = append(f.pending[calendarID], cancelled)
	ev.CalendarID = destination
	return nil
}

func (f *fakeCalendar) FindEventByTaskID(ctx context.Context, calendarID, taskID string) (*model.Event, error) {
	for _, ev := range f.events {
		if ev.CalendarID == calendarID && ev.TaskID == taskID && !ev.Cancelled() {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeCalendar) ListCalendars(ctx context.Context) ([]model.Calendar, error) {
	var out []model.Calendar
	for _, c := range f.calendars {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeCalendar) InsertCalendar(ctx context.Context, name, timezone, colorID string) (string, error) {
	if err := f.calendarErr; err != nil {
		f.calendarErr = nil
		return "", err
	}
	f.nextCal++
	id := fmt.Sprintf("cal-%d", f.nextCal)
	f.calendars[id] = &model.Calendar{ID: id, Name: name, ColorID: colorID}
	return id, nil
}

func (f *fakeCalendar) RenameCalendar(ctx context.Context, calendarID, name string) error {
	c, ok := f.calendars[calendarID]
	if !ok {
		return notFound("calendars.patch")
	}
	c.Name = name
	return nil
}

func (f *fakeCalendar) DeleteCalendar(ctx context.Context, calendarID string) error {
	delete(f.calendars, calendarID)
	for id, ev := range f.events {
		if ev.CalendarID == calendarID {
			delete(f.events, id)
		}
	}
	return nil
}

var testNow = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type harness struct {
	engine  *Engine
	tracker *fakeTracker
	cal     *fakeCalendar
	store   *store.Store
	cfg     *config.Config
	clock   time.Time
}

func newHarness(t *testing.T, tune ...func(cfg *config.Config)) *harness {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Events.Reminders = nil
	cfg.Appearance.RecurringIcon = false
	cfg.Daemon.ActivityDelay = 0
	for _, fn := range tune {
		fn(cfg)
	}

	h := &harness{
		tracker: newFakeTracker(),
		cal:     newFakeCalendar(),
		store:   st,
		cfg:     cfg,
		clock:   testNow,
	}
	h.engine = New(h.tracker, h.cal, st, Options{
		Config: cfg,
		Retry:  &retry.Policy{MaxAttempts: 1},
		Now:    func() time.Time { return h.clock },
		Sleep:  func(ctx context.Context, d time.Duration) error { return nil },
	})
	return h
}

func task(id, projectID, content string, due time.Time) model.Task {
	t := model.Task{ID: id, ProjectID: projectID, Content: content, Priority: 1}
	if !due.IsZero() {
		t.Due = &model.Due{Date: due}
	}
	return t
}

// bootstrap runs the first sync over projects and tasks.
func (h *harness) bootstrap(t *testing.T, projects []model.Project, tasks ...model.Task) {
	t.Helper()
	h.tracker.projects = projects
	h.tracker.push(&model.Changes{
		SyncToken: "tok-1",
		FullSync:  true,
		Projects:  projects,
		Items:     tasks,
		User:      &h.tracker.user,
	})
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
}

// sync runs one outbound pass over a batch of changed tasks.
func (h *harness) sync(t *testing.T, token string, tasks ...model.Task) error {
	t.Helper()
	h.tracker.push(&model.Changes{SyncToken: token, Items: tasks})
	return h.engine.SyncTasks(context.Background())
}

func (h *harness) link(t *testing.T, taskID string) *model.Link {
	t.Helper()
	l, err := h.store.GetLink(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetLink failed: %v", err)
	}
	return l
}

func (h *harness) event(t *testing.T, id string) *model.Event {
	t.Helper()
	ev, ok := h.cal.events[id]
	if !ok {
		t.Fatalf("Expected event %s to exist", id)
	}
	return ev
}

func (h *harness) calendarOf(t *testing.T, projectID string) string {
	t.Helper()
	c, err := h.store.GetCalendarByProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("GetCalendarByProject failed: %v", err)
	}
	if c == nil {
		return ""
	}
	return c.ID
}

func (h *harness) cursor(t *testing.T) string {
	t.Helper()
	c, err := h.store.GetCursor(context.Background())
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if c == nil {
		return ""
	}
	return c.SyncToken
}

var workProjects = []model.Project{
	{ID: "inbox", Name: "Inbox", Inbox: true},
	{ID: "p1", Name: "Work"},
	{ID: "p2", Name: "Reports", ParentID: "p1"},
	{ID: "p3", Name: "Home"},
}
