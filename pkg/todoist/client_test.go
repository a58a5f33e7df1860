package todoist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
)

// mockSyncServer simulates the parts of the Todoist Sync API v9 the client uses.
type mockSyncServer struct {
	server     *httptest.Server
	apiToken   string
	mu         sync.Mutex
	syncBody   string
	status     int
	errorTag   string
	commands   []map[string]any
	cmdStatus  string
	requestLog []string
}

func newMockSyncServer(apiToken string) *mockSyncServer {
	m := &mockSyncServer{apiToken: apiToken, cmdStatus: `"ok"`}
	m.server = httptest.NewServer(http.HandlerFunc(m.handler))
	return m
}

func (m *mockSyncServer) Close() {
	m.server.Close()
}

func (m *mockSyncServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestLog = append(m.requestLog, r.Method+" "+r.URL.Path)

	if r.Header.Get("Authorization") != "Bearer "+m.apiToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if m.status != 0 {
		w.WriteHeader(m.status)
		_, _ = fmt.Fprintf(w, `{"error":"failure","error_tag":%q}`, m.errorTag)
		return
	}
	_ = r.ParseForm()

	switch r.URL.Path {
	case "/sync/v9/sync":
		if cmds := r.PostForm.Get("commands"); cmds != "" {
			var list []map[string]any
			_ = json.Unmarshal([]byte(cmds), &list)
			m.commands = append(m.commands, list...)
			_, _ = fmt.Fprintf(w, `{"sync_status":{%q:%s}}`, list[0]["uuid"], m.cmdStatus)
			return
		}
		_, _ = w.Write([]byte(m.syncBody))
	case "/sync/v9/items/get":
		if r.PostForm.Get("item_id") != "t1" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"item":{"id":"t1","project_id":"p1","content":"Buy milk","priority":2,"due":{"date":"2024-06-10"}},
			"notes":[{"id":"n1","item_id":"t1","content":"2%"},{"id":"n2","item_id":"t1","content":"gone","is_deleted":true}]}`))
	case "/sync/v9/activity/get":
		if r.URL.Query().Get("object_id") == "t1" {
			_, _ = w.Write([]byte(`{"events":[{"event_type":"completed"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"events":[]}`))
	case "/sync/v9/completed/get_all":
		_, _ = w.Write([]byte(`{"items":[{"task_id":"t9","completed_at":"2024-06-09T10:00:00Z",
			"item_object":{"id":"t9","project_id":"p1","content":"Done thing","priority":1,"due":{"date":"2024-06-08"}}}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, m *mockSyncServer) *Client {
	t.Helper()
	c, err := New(Config{APIToken: "secret", BaseURL: m.server.URL}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

const sampleSync = `{
	"sync_token": "tok-2",
	"full_sync": true,
	"items": [
		{"id":"t1","project_id":"p1","content":"Buy milk","priority":2,"due":{"date":"2024-06-10","is_recurring":false,"string":"jun 10"}},
		{"id":"t2","project_id":"p1","parent_id":"t1","content":"Weekly review","priority":1,"due":{"date":"2024-06-11T09:00:00","is_recurring":true,"string":"every tue"}},
		{"id":"t3","project_id":"p1","content":"Bad priority","priority":9},
		{"id":"t4","is_deleted":true}
	],
	"notes": [{"id":"n1","item_id":"t1","content":"2%"}],
	"projects": [
		{"id":"p0","name":"Inbox","inbox_project":true},
		{"id":"p1","name":"Home","parent_id":null},
		{"id":"p2","name":"Garden","parent_id":"p1","is_archived":true}
	],
	"user": {"tz_info":{"timezone":"Europe/Berlin"},"inbox_project_id":"p0","is_premium":true}
}`

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("Expected error for missing token")
	}
}

func TestSyncParsesPayload(t *testing.T) {
	m := newMockSyncServer("secret")
	defer m.Close()
	m.syncBody = sampleSync
	c := newTestClient(t, m)

	changes, err := c.Sync(context.Background(), "")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if changes.SyncToken != "tok-2" || !changes.FullSync {
		t.Errorf("Unexpected cursor %q full=%v", changes.SyncToken, changes.FullSync)
	}
	if len(changes.Items) != 3 {
		t.Fatalf("Expected 3 valid items, got %d", len(changes.Items))
	}

	first := changes.Items[0]
	want := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	if !first.HasDue() || !first.Due.Date.Equal(want) {
		t.Errorf("Expected due %v, got %+v", want, first.Due)
	}
	second := changes.Items[1]
	if second.ParentID != "t1" || !second.Recurring() {
		t.Errorf("Expected recurring subtask, got %+v", second)
	}
	if !changes.Items[2].Deleted {
		t.Errorf("Expected deleted item to be kept, got %+v", changes.Items[2])
	}

	if len(changes.Notes) != 1 || changes.Notes[0].TaskID != "t1" {
		t.Errorf("Unexpected notes %+v", changes.Notes)
	}
	if len(changes.Projects) != 3 || !changes.Projects[0].Inbox || changes.Projects[2].ParentID != "p1" || !changes.Projects[2].Archived {
		t.Errorf("Unexpected projects %+v", changes.Projects)
	}
	if changes.User == nil || changes.User.Timezone != "Europe/Berlin" || !changes.User.Premium {
		t.Errorf("Unexpected user %+v", changes.User)
	}
	if len(changes.Raw) == 0 {
		t.Errorf("Expected raw payload to be kept")
	}
}

func TestSyncRejectsMissingToken(t *testing.T) {
	m := newMockSyncServer("secret")
	defer m.Close()
	m.syncBody = `{"items":[]}`
	c := newTestClient(t, m)

	_, err := c.Sync(context.Background(), "tok")
	if remote.KindOf(err) != remote.Invalid {
		t.Errorf("Expected invalid payload error, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		tag    string
		want   remote.Kind
	}{
		{http.StatusTooManyRequests, "", remote.Transient},
		{http.StatusServiceUnavailable, "", remote.Transient},
		{http.StatusForbidden, "LIMITS_REACHED", remote.Transient},
		{http.StatusForbidden, "AUTH_INVALID_TOKEN", remote.Auth},
		{http.StatusBadRequest, "INVALID_ARGUMENT", remote.Invalid},
	}
	for _, tt := range tests {
		m := newMockSyncServer("secret")
		m.status = tt.status
		m.errorTag = tt.tag
		c := newTestClient(t, m)

		_, err := c.Sync(context.Background(), "")
		if got := remote.KindOf(err); got != tt.want {
			t.Errorf("status %d tag %q: Expected %v, got %v", tt.status, tt.tag, tt.want, got)
		}
		m.Close()
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c, err := New(Config{APIToken: "secret", BaseURL: server.URL, Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = c.Sync(context.Background(), "")
	if err == nil {
		t.Fatal("Expected a timeout error")
	}
	if !remote.IsTransient(err) {
		t.Errorf("Expected a timeout to be transient, got %s: %v", remote.KindOf(err), err)
	}
}

func TestGetTask(t *testing.T) {
	m := newMockSyncServer("secret")
	defer m.Close()
	c := newTestClient(t, m)

	task, notes, err := c.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Content != "Buy milk" || task.Priority != 2 {
		t.Errorf("Unexpected task %+v", task)
	}
	if len(notes) != 1 || notes[0].Content != "2%" {
		t.Errorf("Expected only live notes, got %+v", notes)
	}

	_, _, err = c.GetTask(context.Background(), "missing")
	if !remote.IsNotFound(err) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestUpdateTaskSendsCommand(t *testing.T) {
	m := newMockSyncServer("secret")
	defer m.Close()
	c := newTestClient(t, m)

	content := "Buy oat milk"
	priority := 4
	due := time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC)
	err := c.UpdateTask(context.Background(), "t1", model.TaskUpdate{
		Content:   &content,
		Priority:  &priority,
		DueDate:   &due,
		DueString: "every wed",
	})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if len(m.commands) != 1 {
		t.Fatalf("Expected 1 command, got %d", len(m.commands))
	}
	cmd := m.commands[0]
	if cmd["type"] != "item_update" {
		t.Errorf("Expected item_update, got %v", cmd["type"])
	}
	args := cmd["args"].(map[string]any)
	if args["content"] != content || args["priority"] != float64(4) {
		t.Errorf("Unexpected args %v", args)
	}
	dueArgs := args["due"].(map[string]any)
	if dueArgs["date"] != "2024-06-12" || dueArgs["string"] != "every wed" {
		t.Errorf("Unexpected due args %v", dueArgs)
	}

	if err := c.UpdateTask(context.Background(), "t1", model.TaskUpdate{}); err != nil {
		t.Fatalf("Empty update failed: %v", err)
	}
	if len(m.commands) != 1 {
		t.Errorf("Expected empty update to send nothing")
	}
}

func TestCommandFailure(t *testing.T) {
	m := newMockSyncServer("secret")
	defer m.Close()
	c := newTestClient(t, m)

	m.cmdStatus = `{"error":"Item not found","error_tag":"ITEM_NOT_FOUND","http_code":404}`
	if err := c.DeleteTask(context.Background(), "t1"); err != nil {
		t.Errorf("Expected deleting a missing task to succeed, got %v", err)
	}

	m.cmdStatus = `{"error":"Invalid argument","error_tag":"INVALID_ARGUMENT_VALUE","http_code":400}`
	content := "x"
	err := c.UpdateTask(context.Background(), "t1", model.TaskUpdate{Content: &content})
	if remote.KindOf(err) != remote.Invalid {
		t.Errorf("Expected invalid error, got %v", err)
	}
}

func TestLastActivity(t *testing.T) {
	m := newMockSyncServer("secret")
	defer m.Close()
	c := newTestClient(t, m)

	kind, err := c.LastActivity(context.Background(), "t1")
	if err != nil || kind != "completed" {
		t.Errorf("Expected completed, got %q (err %v)", kind, err)
	}
	kind, err = c.LastActivity(context.Background(), "t2")
	if err != nil || kind != "" {
		t.Errorf("Expected no activity, got %q (err %v)", kind, err)
	}
}

func TestListTasksAndCompleted(t *testing.T) {
	m := newMockSyncServer("secret")
	defer m.Close()
	m.syncBody = sampleSync
	c := newTestClient(t, m)

	tasks, err := c.ListTasks(context.Background(), func(t *model.Task) bool { return t.ParentID == "" })
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("Expected only t1, got %+v", tasks)
	}

	done, err := c.CompletedTasks(context.Background(), 50)
	if err != nil {
		t.Fatalf("CompletedTasks failed: %v", err)
	}
	if len(done) != 1 || done[0].Task.ID != "t9" || done[0].CompletedAt.Hour() != 10 {
		t.Errorf("Unexpected completed tasks %+v", done)
	}

	log := strings.Join(m.requestLog, ",")
	if !strings.Contains(log, "GET /sync/v9/completed/get_all") {
		t.Errorf("Expected completed endpoint to be called, got %s", log)
	}
}
