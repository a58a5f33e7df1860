package google

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
	"github.com/harrisonrobin/todocal/pkg/util"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

const (
	service = "google"

	// TaskIDProperty is the private extended property carrying the task id.
	TaskIDProperty = "todoist_task_id"
)

// CalendarClient is a Google Calendar API client working on model types.
type CalendarClient struct {
	srv    *calendar.Service
	logger *log.Logger
}

// NewCalendarClient creates a new Google Calendar client.
func NewCalendarClient(srv *calendar.Service, logger *log.Logger) *CalendarClient {
	if logger == nil {
		logger = log.New(os.Stderr, "[google] ", log.LstdFlags)
	}
	return &CalendarClient{srv: srv, logger: logger}
}

// ListEventsSince lists the events of a calendar changed since token, and
// the token to use next time. An empty token lists everything. Cancelled
// events are included. A stale token yields a Gone error.
func (c *CalendarClient) ListEventsSince(ctx context.Context, calendarID, token string) ([]model.Event, string, error) {
	var events []model.Event
	pageToken := ""
	for {
		call := c.srv.Events.List(calendarID).
			ShowDeleted(true).
			SingleEvents(false).
			MaxResults(250).
			Context(ctx)
		if token != "" {
			call = call.SyncToken(token)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, "", classify("events.list", err)
		}
		for _, item := range resp.Items {
			events = append(events, toModel(calendarID, item))
		}
		if resp.NextPageToken == "" {
			return events, resp.NextSyncToken, nil
		}
		pageToken = resp.NextPageToken
	}
}

// InsertEvent creates ev under its ID. An existing id yields a Conflict error.
func (c *CalendarClient) InsertEvent(ctx context.Context, ev model.Event) (*model.Event, error) {
	created, err := c.srv.Events.Insert(ev.CalendarID, fromModel(ev)).Context(ctx).Do()
	if err != nil {
		return nil, classify("events.insert", err)
	}
	out := toModel(ev.CalendarID, created)
	return &out, nil
}

// GetEvent returns an event, including a cancelled one.
func (c *CalendarClient) GetEvent(ctx context.Context, calendarID, eventID string) (*model.Event, error) {
	ev, err := c.srv.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, classify("events.get", err)
	}
	out := toModel(calendarID, ev)
	return &out, nil
}

// PatchEvent performs a partial update on an event.
func (c *CalendarClient) PatchEvent(ctx context.Context, calendarID, eventID string, patch model.EventPatch) error {
	_, err := c.srv.Events.Patch(calendarID, eventID, fromPatch(patch)).Context(ctx).Do()
	return classify("events.patch", err)
}

// DeleteEvent deletes an event from the calendar. Deleting an event that is
// already gone succeeds.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := classify("events.delete", c.srv.Events.Delete(calendarID, eventID).Context(ctx).Do())
	if remote.IsNotFound(err) || remote.IsGone(err) {
		return nil
	}
	return err
}

// MoveEvent moves an event to another calendar. Google leaves a cancelled
// copy behind in the source calendar.
func (c *CalendarClient) MoveEvent(ctx context.Context, calendarID, eventID, destination string) error {
	_, err := c.srv.Events.Move(calendarID, eventID, destination).Context(ctx).Do()
	return classify("events.move", err)
}

// FindEventByTaskID searches a calendar for the live event tagged with taskID.
func (c *CalendarClient) FindEventByTaskID(ctx context.Context, calendarID, taskID string) (*model.Event, error) {
	resp, err := c.srv.Events.List(calendarID).
		PrivateExtendedProperty(fmt.Sprintf("%s=%s", TaskIDProperty, taskID)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("events.list", err)
	}
	for _, item := range resp.Items {
		if item.Status != model.EventCancelled {
			ev := toModel(calendarID, item)
			return &ev, nil
		}
	}
	return nil, nil
}

// ListCalendars returns the calendars of the user's calendar list.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]model.Calendar, error) {
	var cals []model.Calendar
	err := c.srv.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			cals = append(cals, model.Calendar{ID: item.Id, Name: item.Summary, ColorID: item.ColorId})
		}
		return nil
	})
	if err != nil {
		return nil, classify("calendarList.list", err)
	}
	return cals, nil
}

// InsertCalendar creates a secondary calendar and sets its color in the
// user's calendar list. It returns the new calendar id.
func (c *CalendarClient) InsertCalendar(ctx context.Context, name, timezone, colorID string) (string, error) {
	cal := &calendar.Calendar{Summary: name, TimeZone: timezone}
	created, err := c.srv.Calendars.Insert(cal).Context(ctx).Do()
	if err != nil {
		return "", classify("calendars.insert", err)
	}
	if colorID != "" {
		entry := &calendar.CalendarListEntry{ColorId: colorID}
		if _, err := c.srv.CalendarList.Patch(created.Id, entry).Context(ctx).Do(); err != nil {
			c.logger.Printf("WARNING: could not set color of calendar %q: %v", name, err)
		}
	}
	return created.Id, nil
}

// RenameCalendar changes the summary of a calendar.
func (c *CalendarClient) RenameCalendar(ctx context.Context, calendarID, name string) error {
	_, err := c.srv.Calendars.Patch(calendarID, &calendar.Calendar{Summary: name}).Context(ctx).Do()
	return classify("calendars.patch", err)
}

// DeleteCalendar deletes a secondary calendar. A missing calendar is not an
// error.
func (c *CalendarClient) DeleteCalendar(ctx context.Context, calendarID string) error {
	err := classify("calendars.delete", c.srv.Calendars.Delete(calendarID).Context(ctx).Do())
	if remote.IsNotFound(err) || remote.IsGone(err) {
		return nil
	}
	return err
}

// classify maps a Calendar API failure to a remote error. Daily quota
// reasons are distinguished from per-user rate limits, both of which come
// back as 403 or 429.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return remote.Wrap(service, op, err)
	}
	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}
	switch reason {
	case "dailyLimitExceeded", "quotaExceeded":
		return &remote.Error{Service: service, Op: op, Kind: remote.QuotaExhausted, Status: gerr.Code, Reason: reason, Err: err}
	case "rateLimitExceeded", "userRateLimitExceeded":
		return &remote.Error{Service: service, Op: op, Kind: remote.Transient, Status: gerr.Code, Reason: reason, Err: err}
	case "fullSyncRequired":
		return &remote.Error{Service: service, Op: op, Kind: remote.Gone, Status: gerr.Code, Reason: reason, Err: err}
	}
	return remote.FromStatus(service, op, gerr.Code, reason, err)
}

func toModel(calendarID string, item *calendar.Event) model.Event {
	ev := model.Event{
		ID:          item.Id,
		CalendarID:  calendarID,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		ColorID:     item.ColorId,
		Status:      item.Status,
	}
	if item.Start != nil {
		ev.Start = eventDate(item.Start)
	}
	if item.End != nil {
		end := eventDate(item.End)
		// All-day ends are exclusive on the wire.
		if item.End.Date != "" && !end.IsZero() {
			end = util.AddDays(end, -1)
		}
		ev.End = end
	}
	if item.Reminders != nil && !item.Reminders.UseDefault {
		ev.Reminders = []model.Reminder{}
		for _, r := range item.Reminders.Overrides {
			ev.Reminders = append(ev.Reminders, model.Reminder{Method: r.Method, Minutes: int(r.Minutes)})
		}
	}
	if item.ExtendedProperties != nil {
		ev.TaskID = item.ExtendedProperties.Private[TaskIDProperty]
	}
	return ev
}

func eventDate(dt *calendar.EventDateTime) time.Time {
	if dt.Date != "" {
		d, _ := util.ParseDate(dt.Date)
		return d
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}
		}
		loc := time.UTC
		if dt.TimeZone != "" {
			if l, err := time.LoadLocation(dt.TimeZone); err == nil {
				loc = l
			}
		}
		return util.Date(t, loc)
	}
	return time.Time{}
}

func fromModel(ev model.Event) *calendar.Event {
	out := &calendar.Event{
		Id:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		ColorId:     ev.ColorID,
		Start:       &calendar.EventDateTime{Date: util.FormatDate(ev.Start)},
		End:         &calendar.EventDateTime{Date: util.FormatDate(util.AddDays(ev.End, 1))},
		Reminders:   reminders(ev.Reminders),
	}
	if ev.TaskID != "" {
		out.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{TaskIDProperty: ev.TaskID},
		}
	}
	return out
}

func fromPatch(p model.EventPatch) *calendar.Event {
	out := &calendar.Event{}
	if p.Summary != nil {
		out.Summary = *p.Summary
	}
	if p.Description != nil {
		out.Description = *p.Description
		if *p.Description == "" {
			out.ForceSendFields = append(out.ForceSendFields, "Description")
		}
	}
	if p.Location != nil {
		out.Location = *p.Location
		if *p.Location == "" {
			out.ForceSendFields = append(out.ForceSendFields, "Location")
		}
	}
	if p.ColorID != nil {
		out.ColorId = *p.ColorID
		if *p.ColorID == "" {
			out.NullFields = append(out.NullFields, "ColorId")
		}
	}
	if p.Start != nil {
		out.Start = &calendar.EventDateTime{Date: util.FormatDate(*p.Start)}
	}
	if p.End != nil {
		out.End = &calendar.EventDateTime{Date: util.FormatDate(util.AddDays(*p.End, 1))}
	}
	if p.Reminders != nil {
		out.Reminders = reminders(*p.Reminders)
	}
	return out
}

// reminders builds explicit overrides. Nil keeps the calendar default; an
// empty slice disables reminders.
func reminders(list []model.Reminder) *calendar.EventReminders {
	if list == nil {
		return nil
	}
	r := &calendar.EventReminders{
		UseDefault:      false,
		Overrides:       []*calendar.EventReminder{},
		ForceSendFields: []string{"UseDefault", "Overrides"},
	}
	for _, m := range list {
		r.Overrides = append(r.Overrides, &calendar.EventReminder{Method: m.Method, Minutes: int64(m.Minutes)})
	}
	return r
}
