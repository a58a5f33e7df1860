// Package engine reconciles tracker tasks with calendar events in both
// directions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harrisonrobin/todocal/pkg/colors"
	"github.com/harrisonrobin/todocal/pkg/config"
	"github.com/harrisonrobin/todocal/pkg/eventname"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
	"github.com/harrisonrobin/todocal/pkg/retry"
	"github.com/harrisonrobin/todocal/pkg/store"
	"github.com/harrisonrobin/todocal/pkg/util"
)

// CalendarPrefix starts the name of every project calendar.
const CalendarPrefix = "Project: "

// maxDepth bounds ancestor walks over a possibly inconsistent project tree.
const maxDepth = 16

// eventNamespace seeds the deterministic event ids.
var eventNamespace = uuid.MustParse("6f1c2b3a-9d4e-5f60-8a7b-1c2d3e4f5a6b")

var errUnknownProject = errors.New("unknown project")

// Tracker is the task side.
type Tracker interface {
	Sync(ctx context.Context, token string) (*model.Changes, error)
	GetTask(ctx context.Context, id string) (*model.Task, []model.Note, error)
	UpdateTask(ctx context.Context, id string, upd model.TaskUpdate) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, pred func(*model.Task) bool) ([]model.Task, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
	User(ctx context.Context) (*model.User, error)
	LastActivity(ctx context.Context, taskID string) (string, error)
	CompletedTasks(ctx context.Context, limit int) ([]model.CompletedTask, error)
}

// Calendar is the event side.
type Calendar interface {
	ListEventsSince(ctx context.Context, calendarID, token string) ([]model.Event, string, error)
	InsertEvent(ctx context.Context, ev model.Event) (*model.Event, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*model.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, patch model.EventPatch) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	MoveEvent(ctx context.Context, calendarID, eventID, destination string) error
	FindEventByTaskID(ctx context.Context, calendarID, taskID string) (*model.Event, error)
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
	InsertCalendar(ctx context.Context, name, timezone, colorID string) (string, error)
	RenameCalendar(ctx context.Context, calendarID, name string) error
	DeleteCalendar(ctx context.Context, calendarID string) error
}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Config *config.Config
	Retry  *retry.Policy
	Logger *log.Logger
	// Debug receives per-item lines.
	Debug *log.Logger
	Now   func() time.Time
	// Sleep waits for the activity delay; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine owns the link state and drives both reconciliation passes. It is
// not safe for concurrent use.
type Engine struct {
	tracker Tracker
	cal     Calendar
	store   *store.Store
	codec   *eventname.Codec
	cfg     *config.Config
	retry   *retry.Policy
	logger  *log.Logger
	debug   *log.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	user     *model.User
	loc      *time.Location
	projects map[string]model.Project
	loaded   bool
	palette  *colors.Palette
}

// New creates an engine over the two remotes and the state store.
func New(tracker Tracker, cal Calendar, st *store.Store, opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	debug := opts.Debug
	if debug == nil {
		debug = log.New(io.Discard, "", 0)
	}
	pol := opts.Retry
	if pol == nil {
		pol = &retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	return &Engine{
		tracker:  tracker,
		cal:      cal,
		store:    st,
		codec:    eventname.New(cfg.Icons, cfg.Appearance),
		cfg:      cfg,
		retry:    pol,
		logger:   logger,
		debug:    debug,
		now:      now,
		sleep:    sleep,
		loc:      loc,
		projects: make(map[string]model.Project),
	}
}

// Location returns the tracker's timezone.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Today returns the current civil date in the tracker's timezone.
func (e *Engine) Today() time.Time {
	return util.Date(e.now(), e.loc)
}

// setUser applies the account settings reported by the tracker.
func (e *Engine) setUser(u *model.User) {
	e.user = u
	if u.Timezone == "" {
		return
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		e.logger.Printf("WARNING: unknown tracker timezone %q, keeping %s", u.Timezone, e.loc)
		return
	}
	e.loc = loc
}

func (e *Engine) ensureUser(ctx context.Context) error {
	if e.user != nil {
		return nil
	}
	u, err := retry.Value(ctx, e.retry, func(ctx context.Context) (*model.User, error) {
		return e.tracker.User(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to read tracker user: %w", err)
	}
	e.setUser(u)
	return nil
}

func (e *Engine) premium() bool {
	return e.user != nil && e.user.Premium
}

func (e *Engine) isInbox(projectID string) bool {
	if e.user != nil && e.user.InboxProjectID == projectID {
		return true
	}
	p, ok := e.projects[projectID]
	return ok && p.Inbox
}

// loadProjects fills the project cache from the store once per process.
func (e *Engine) loadProjects(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	list, err := e.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}
	for _, p := range list {
		if _, ok := e.projects[p.ID]; !ok {
			e.projects[p.ID] = p
		}
	}
	e.loaded = true
	return nil
}

func (e *Engine) rememberProject(ctx context.Context, p model.Project) error {
	e.projects[p.ID] = p
	return e.store.UpsertProject(ctx, p)
}

func (e *Engine) forgetProject(ctx context.Context, id string) error {
	delete(e.projects, id)
	return e.store.DeleteProject(ctx, id)
}

// chain returns a project followed by its ancestors, the top-level project
// last. Unknown projects trigger one refresh from the tracker.
func (e *Engine) chain(ctx context.Context, projectID string) ([]model.Project, error) {
	if err := e.loadProjects(ctx); err != nil {
		return nil, err
	}
	var out []model.Project
	refreshed := false
	id := projectID
	for id != "" && len(out) < maxDepth {
		p, ok := e.projects[id]
		if !ok {
			if refreshed {
				return nil, fmt.Errorf("%w %s", errUnknownProject, id)
			}
			if err := e.refreshProjects(ctx); err != nil {
				return nil, err
			}
			refreshed = true
			continue
		}
		out = append(out, p)
		id = p.ParentID
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w %s", errUnknownProject, projectID)
	}
	return out, nil
}

func (e *Engine) refreshProjects(ctx context.Context) error {
	list, err := retry.Value(ctx, e.retry, func(ctx context.Context) ([]model.Project, error) {
		return e.tracker.ListProjects(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	for _, p := range list {
		if p.Deleted || p.Archived {
			continue
		}
		if err := e.rememberProject(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// descendants returns projectID and every known project below it.
func (e *Engine) descendants(projectID string) []string {
	out := []string{projectID}
	for i := 0; i < len(out); i++ {
		for _, p := range e.projects {
			if p.ParentID == out[i] {
				out = append(out, p.ID)
			}
		}
	}
	return out
}

func chainIDs(chain []model.Project) []string {
	ids := make([]string, len(chain))
	for i, p := range chain {
		ids[i] = p.ID
	}
	return ids
}

func root(chain []model.Project) model.Project {
	return chain[len(chain)-1]
}

// calendarFor resolves the calendar of tasks in chain[0]. The nearest
// standalone project wins over the top-level project's calendar.
func (e *Engine) calendarFor(ctx context.Context, chain []model.Project) (string, error) {
	top := root(chain)
	for _, p := range chain[:len(chain)-1] {
		ok, err := e.store.IsStandalone(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if ok {
			return e.store.ResolveCalendar(ctx, p.ID, top.ID)
		}
	}
	return e.store.ResolveCalendar(ctx, top.ID, top.ID)
}

// linkCalendar derives the calendar currently holding a link's event.
func (e *Engine) linkCalendar(ctx context.Context, link *model.Link) (string, error) {
	chain, err := e.chain(ctx, link.ProjectID)
	if err != nil {
		return e.store.ResolveCalendar(ctx, link.ProjectID, link.ParentProjectID)
	}
	return e.calendarFor(ctx, chain)
}

func (e *Engine) nameContext(chain []model.Project, completed bool) eventname.Context {
	ctx := eventname.Context{
		ProjectName: chain[0].Name,
		Today:       e.Today(),
		Completed:   completed,
	}
	if len(chain) > 1 {
		ctx.ParentProjectName = root(chain).Name
	}
	return ctx
}

// reminders returns the configured reminder overrides, or nil to keep the
// calendar default.
func (e *Engine) reminders() []model.Reminder {
	if len(e.cfg.Events.Reminders) == 0 {
		return nil
	}
	out := make([]model.Reminder, 0, len(e.cfg.Events.Reminders))
	for _, r := range e.cfg.Events.Reminders {
		out = append(out, model.Reminder{Method: r.Method, Minutes: r.Minutes})
	}
	return out
}

func (e *Engine) do(ctx context.Context, op func(ctx context.Context) error) error {
	return e.retry.Do(ctx, op)
}

// blocking reports whether err must hold back the cursor of the batch that
// produced it. Permanent remote failures only skip their item.
func blocking(err error) bool {
	if err == nil || errors.Is(err, errUnknownProject) {
		return false
	}
	var re *remote.Error
	if !errors.As(err, &re) {
		return true
	}
	return remote.IsTransient(err) || remote.IsQuotaExhausted(err) || remote.IsAuth(err)
}

// eventID derives the event id of a task occurrence. Repeating a create
// for the same occurrence hits the same id.
func eventID(taskID string, due time.Time) string {
	id := uuid.NewSHA1(eventNamespace, []byte(taskID+"|"+util.FormatDate(due)))
	return strings.ReplaceAll(id.String(), "-", "")
}

func freshEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
