package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
	"google.golang.org/api/option"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	body   map[string]any
}

// fakeCalendarAPI answers the Calendar v3 routes with canned bodies keyed by
// "METHOD path".
type fakeCalendarAPI struct {
	server    *httptest.Server
	mu        sync.Mutex
	responses map[string]func(r *http.Request) (int, string)
	requests  []recordedRequest
}

func newFakeCalendarAPI(t *testing.T) (*fakeCalendarAPI, *CalendarClient) {
	t.Helper()
	f := &fakeCalendarAPI{responses: map[string]func(r *http.Request) (int, string){}}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)

	c, err := NewClient(context.Background(), f.server.Client(), nil, option.WithEndpoint(f.server.URL+"/"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return f, c
}

func (f *fakeCalendarAPI) on(key string, fn func(r *http.Request) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = fn
}

func (f *fakeCalendarAPI) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := recordedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.body)
	}
	f.requests = append(f.requests, rec)

	fn, ok := f.responses[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found","errors":[{"reason":"notFound"}]}}`))
		return
	}
	status, body := fn(r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *fakeCalendarAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func apiError(code int, reason string) string {
	return fmt.Sprintf(`{"error":{"code":%d,"message":%q,"errors":[{"reason":%q}]}}`, code, reason, reason)
}

func fixed(status int, body string) func(*http.Request) (int, string) {
	return func(*http.Request) (int, string) { return status, body }
}

func TestListEventsSincePagesAndConverts(t *testing.T) {
	f, c := newFakeCalendarAPI(t)
	f.on("GET /calendars/cal1/events", func(r *http.Request) (int, string) {
		if r.URL.Query().Get("pageToken") == "" {
			return 200, `{"items":[{"id":"e1","summary":"🟡 Write letter","status":"confirmed",
				"start":{"date":"2024-06-10"},"end":{"date":"2024-06-11"},
				"extendedProperties":{"private":{"todoist_task_id":"t1"}},
				"reminders":{"useDefault":false,"overrides":[{"method":"popup","minutes":300}]}}],
				"nextPageToken":"p2"}`
		}
		return 200, `{"items":[{"id":"e2","status":"cancelled"}],"nextSyncToken":"sync-2"}`
	})

	events, next, err := c.ListEventsSince(context.Background(), "cal1", "sync-1")
	if err != nil {
		t.Fatalf("ListEventsSince failed: %v", err)
	}
	if next != "sync-2" {
		t.Errorf("Expected next token sync-2, got %q", next)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	ev := events[0]
	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	if !ev.Start.Equal(day) || !ev.End.Equal(day) {
		t.Errorf("Expected single-day event on %v, got %v..%v", day, ev.Start, ev.End)
	}
	if ev.TaskID != "t1" || len(ev.Reminders) != 1 || ev.Reminders[0].Minutes != 300 {
		t.Errorf("Unexpected event %+v", ev)
	}
	if !events[1].Cancelled() {
		t.Errorf("Expected second event to be cancelled")
	}
	if !strings.Contains(f.requests[0].query, "syncToken=sync-1") {
		t.Errorf("Expected sync token in query, got %s", f.requests[0].query)
	}
}

func TestListEventsSinceStaleToken(t *testing.T) {
	f, c := newFakeCalendarAPI(t)
	f.on("GET /calendars/cal1/events", fixed(410, apiError(410, "fullSyncRequired")))

	_, _, err := c.ListEventsSince(context.Background(), "cal1", "old")
	if !remote.IsGone(err) {
		t.Errorf("Expected Gone, got %v", err)
	}
}

func TestInsertEventWireFormat(t *testing.T) {
	f, c := newFakeCalendarAPI(t)
	f.on("POST /calendars/cal1/events", fixed(200, `{"id":"abc","status":"confirmed","start":{"date":"2024-06-10"},"end":{"date":"2024-06-11"}}`))

	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	_, err := c.InsertEvent(context.Background(), model.Event{
		ID:         "abc",
		CalendarID: "cal1",
		Summary:    "Write letter",
		Start:      day,
		End:        day,
		TaskID:     "t1",
		Reminders:  []model.Reminder{{Method: "popup", Minutes: 300}},
	})
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	body := f.last().body
	end := body["end"].(map[string]any)
	if end["date"] != "2024-06-11" {
		t.Errorf("Expected exclusive end 2024-06-11, got %v", end["date"])
	}
	props := body["extendedProperties"].(map[string]any)["private"].(map[string]any)
	if props[TaskIDProperty] != "t1" {
		t.Errorf("Expected task id property, got %v", props)
	}
}

func TestInsertEventConflict(t *testing.T) {
	f, c := newFakeCalendarAPI(t)
	f.on("POST /calendars/cal1/events", fixed(409, apiError(409, "duplicate")))

	_, err := c.InsertEvent(context.Background(), model.Event{ID: "abc", CalendarID: "cal1"})
	if !remote.IsConflict(err) {
		t.Errorf("Expected Conflict, got %v", err)
	}
}

func TestPatchEventClearsColorAndReminders(t *testing.T) {
	f, c := newFakeCalendarAPI(t)
	f.on("PATCH /calendars/cal1/events/e1", fixed(200, `{"id":"e1"}`))

	color := ""
	none := []model.Reminder{}
	if err := c.PatchEvent(context.Background(), "cal1", "e1", model.EventPatch{ColorID: &color, Reminders: &none}); err != nil {
		t.Fatalf("PatchEvent failed: %v", err)
	}
	body := f.last().body
	if v, ok := body["colorId"]; !ok || v != nil {
		t.Errorf("Expected colorId null, got %v (present %v)", v, ok)
	}
	rem := body["reminders"].(map[string]any)
	if rem["useDefault"] != false {
		t.Errorf("Expected useDefault false, got %v", rem["useDefault"])
	}
	if overrides, ok := rem["overrides"].([]any); !ok || len(overrides) != 0 {
		t.Errorf("Expected empty overrides, got %v", rem["overrides"])
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		reason string
		want   remote.Kind
	}{
		{403, "dailyLimitExceeded", remote.QuotaExhausted},
		{403, "quotaExceeded", remote.QuotaExhausted},
		{403, "rateLimitExceeded", remote.Transient},
		{429, "userRateLimitExceeded", remote.Transient},
		{403, "forbidden", remote.Auth},
		{500, "backendError", remote.Transient},
		{404, "notFound", remote.NotFound},
	}
	for _, tt := range tests {
		f, c := newFakeCalendarAPI(t)
		f.on("GET /calendars/cal1/events/e1", fixed(tt.status, apiError(tt.status, tt.reason)))
		_, err := c.GetEvent(context.Background(), "cal1", "e1")
		if got := remote.KindOf(err); got != tt.want {
			t.Errorf("%d %s: Expected %v, got %v", tt.status, tt.reason, tt.want, got)
		}
	}
}

func TestDeleteMissingEventSucceeds(t *testing.T) {
	f, c := newFakeCalendarAPI(t)
	f.on("DELETE /calendars/cal1/events/e1", fixed(410, apiError(410, "deleted")))

	if err := c.DeleteEvent(context.Background(), "cal1", "e1"); err != nil {
		t.Errorf("Expected delete of gone event to succeed, got %v", err)
	}
	if err := c.DeleteEvent(context.Background(), "cal1", "unknown"); err != nil {
		t.Errorf("Expected delete of missing event to succeed, got %v", err)
	}
}

func TestFindEventByTaskIDSkipsCancelled(t *testing.T) {
	f, c := newFakeCalendarAPI(t)
	f.on("GET /calendars/cal1/events", fixed(200, `{"items":[
		{"id":"old","status":"cancelled"},
		{"id":"live","status":"confirmed","start":{"date":"2024-06-10"},"end":{"date":"2024-06-11"}}]}`))

	ev, err := c.FindEventByTaskID(context.Background(), "cal1", "t1")
	if err != nil {
		t.Fatalf("FindEventByTaskID failed: %v", err)
	}
	if ev == nil || ev.ID != "live" {
		t.Errorf("Expected live event, got %+v", ev)
	}
	if !strings.Contains(f.last().query, "privateExtendedProperty=todoist_task_id%3Dt1") {
		t.Errorf("Expected property filter, got %s", f.last().query)
	}
}

func TestInsertCalendarSetsColor(t *testing.T) {
	f, c := newFakeCalendarAPI(t)
	f.on("POST /calendars", fixed(200, `{"id":"newcal","summary":"Project: Home"}`))
	f.on("PATCH /users/me/calendarList/newcal", fixed(200, `{"id":"newcal","colorId":"7"}`))

	id, err := c.InsertCalendar(context.Background(), "Project: Home", "Europe/Berlin", "7")
	if err != nil {
		t.Fatalf("InsertCalendar failed: %v", err)
	}
	if id != "newcal" {
		t.Errorf("Expected newcal, got %s", id)
	}
	if got := f.last().body["colorId"]; got != "7" {
		t.Errorf("Expected color 7, got %v", got)
	}
}
