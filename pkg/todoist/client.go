// Package todoist is the tracker adapter over the Todoist Sync API v9.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/remote"
)

const (
	// DefaultBaseURL is the Todoist API host.
	DefaultBaseURL = "https://api.todoist.com"

	service = "todoist"
	syncAll = "*"
)

var resourceTypes = `["items","notes","projects","user"]`

// Config holds Todoist connection settings.
type Config struct {
	APIToken string
	BaseURL  string // Override for testing
	Timeout  time.Duration
	// Location is used to truncate due instants to dates.
	Location *time.Location
}

// Client talks to the Todoist Sync API.
type Client struct {
	config  Config
	client  *http.Client
	baseURL string
	logger  *log.Logger
}

// New creates a Todoist client. A nil logger logs to stderr.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("todoist API token is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[todoist] ", log.LstdFlags)
	}
	return &Client{
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// SetLocation changes the timezone used for due instants, once the user's
// timezone is known.
func (c *Client) SetLocation(loc *time.Location) {
	if loc != nil {
		c.config.Location = loc
	}
}

// apiError is the error body Todoist returns on failures.
type apiError struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
	ErrorTag  string `json:"error_tag"`
	HTTPCode  int    `json:"http_code"`
}

// doRequest performs an authenticated request and returns the response body
// of a successful call. Failures are classified remote errors.
func (c *Client) doRequest(ctx context.Context, op, method, path string, form url.Values) ([]byte, error) {
	var body io.Reader
	target := c.baseURL + path
	if method == http.MethodGet && len(form) > 0 {
		target += "?" + form.Encode()
	} else if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, remote.Wrap(service, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.Wrap(service, op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	var apiErr apiError
	_ = json.Unmarshal(data, &apiErr)
	rerr := remote.FromStatus(service, op, resp.StatusCode, apiErr.ErrorTag, nil)
	if apiErr.ErrorTag == "LIMITS_REACHED" {
		rerr.Kind = remote.Transient
	}
	if apiErr.Error != "" {
		rerr.Err = fmt.Errorf("%s", apiErr.Error)
	}
	return nil, rerr
}

// Sync fetches the changes since token. An empty token requests a full sync.
func (c *Client) Sync(ctx context.Context, token string) (*model.Changes, error) {
	if token == "" {
		token = syncAll
	}
	form := url.Values{
		"sync_token":     {token},
		"resource_types": {resourceTypes},
	}
	data, err := c.doRequest(ctx, "sync", http.MethodPost, "/sync/v9/sync", form)
	if err != nil {
		return nil, err
	}

	var resp syncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &remote.Error{Service: service, Op: "sync", Kind: remote.Invalid, Err: err}
	}
	if resp.SyncToken == "" {
		return nil, &remote.Error{Service: service, Op: "sync", Kind: remote.Invalid, Reason: "missing sync_token"}
	}

	changes := &model.Changes{
		SyncToken: resp.SyncToken,
		FullSync:  resp.FullSync,
		Raw:       data,
	}
	for _, it := range resp.Items {
		task, err := it.toModel(c.config.Location)
		if err != nil {
			c.logger.Printf("WARNING: dropping invalid item %q: %v", it.ID, err)
			continue
		}
		changes.Items = append(changes.Items, *task)
	}
	for _, n := range resp.Notes {
		if n.ID == "" || n.ItemID == "" {
			c.logger.Printf("WARNING: dropping invalid note %q", n.ID)
			continue
		}
		changes.Notes = append(changes.Notes, n.toModel())
	}
	for _, p := range resp.Projects {
		if p.ID == "" {
			c.logger.Printf("WARNING: dropping project without id %q", p.Name)
			continue
		}
		changes.Projects = append(changes.Projects, p.toModel())
	}
	if resp.User != nil {
		changes.User = resp.User.toModel()
	}
	return changes, nil
}

// GetTask returns a task with its notes. A missing task is a NotFound error.
func (c *Client) GetTask(ctx context.Context, id string) (*model.Task, []model.Note, error) {
	form := url.Values{"item_id": {id}, "all_data": {"true"}}
	data, err := c.doRequest(ctx, "items/get", http.MethodPost, "/sync/v9/items/get", form)
	if err != nil {
		return nil, nil, err
	}

	var resp itemGetResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, nil, &remote.Error{Service: service, Op: "items/get", Kind: remote.Invalid, Err: err}
	}
	if resp.Item == nil {
		return nil, nil, &remote.Error{Service: service, Op: "items/get", Kind: remote.NotFound, Reason: id}
	}
	task, err := resp.Item.toModel(c.config.Location)
	if err != nil {
		return nil, nil, &remote.Error{Service: service, Op: "items/get", Kind: remote.Invalid, Err: err}
	}
	var notes []model.Note
	for _, n := range resp.Notes {
		if !n.IsDeleted {
			notes = append(notes, n.toModel())
		}
	}
	return task, notes, nil
}

// UpdateTask pushes the non-nil fields of upd.
func (c *Client) UpdateTask(ctx context.Context, id string, upd model.TaskUpdate) error {
	if upd.IsEmpty() {
		return nil
	}
	args := map[string]any{"id": id}
	if upd.Content != nil {
		args["content"] = *upd.Content
	}
	if upd.Priority != nil {
		args["priority"] = *upd.Priority
	}
	if upd.DueDate != nil {
		due := map[string]any{"date": upd.DueDate.Format("2006-01-02")}
		if upd.DueString != "" {
			due["string"] = upd.DueString
			due["is_recurring"] = true
		}
		args["due"] = due
	}
	return c.command(ctx, "item_update", args)
}

// DeleteTask deletes a task. Deleting a missing task is not an error.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	err := c.command(ctx, "item_delete", map[string]any{"id": id})
	if remote.IsNotFound(err) {
		return nil
	}
	return err
}

// ListTasks returns every active task accepted by pred. A nil pred accepts all.
func (c *Client) ListTasks(ctx context.Context, pred func(*model.Task) bool) ([]model.Task, error) {
	changes, err := c.Sync(ctx, syncAll)
	if err != nil {
		return nil, err
	}
	var out []model.Task
	for i := range changes.Items {
		t := &changes.Items[i]
		if t.Deleted || t.Checked {
			continue
		}
		if pred == nil || pred(t) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// ListProjects returns every project of the account.
func (c *Client) ListProjects(ctx context.Context) ([]model.Project, error) {
	changes, err := c.Sync(ctx, syncAll)
	if err != nil {
		return nil, err
	}
	return changes.Projects, nil
}

// User returns the account settings.
func (c *Client) User(ctx context.Context) (*model.User, error) {
	changes, err := c.Sync(ctx, syncAll)
	if err != nil {
		return nil, err
	}
	if changes.User == nil {
		return nil, &remote.Error{Service: service, Op: "user", Kind: remote.Invalid, Reason: "missing user"}
	}
	return changes.User, nil
}

// LastActivity returns the type of the latest activity event of a task, such
// as "completed" or "updated". It is empty when the log has no entry.
func (c *Client) LastActivity(ctx context.Context, taskID string) (string, error) {
	form := url.Values{
		"object_type": {"item"},
		"object_id":   {taskID},
		"limit":       {"1"},
	}
	data, err := c.doRequest(ctx, "activity/get", http.MethodGet, "/sync/v9/activity/get", form)
	if err != nil {
		return "", err
	}
	var resp activityResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &remote.Error{Service: service, Op: "activity/get", Kind: remote.Invalid, Err: err}
	}
	if len(resp.Events) == 0 {
		return "", nil
	}
	return resp.Events[0].EventType, nil
}

// CompletedTasks returns up to limit recently completed tasks.
func (c *Client) CompletedTasks(ctx context.Context, limit int) ([]model.CompletedTask, error) {
	form := url.Values{
		"limit":          {fmt.Sprint(limit)},
		"annotate_items": {"true"},
	}
	data, err := c.doRequest(ctx, "completed/get_all", http.MethodGet, "/sync/v9/completed/get_all", form)
	if err != nil {
		return nil, err
	}
	var resp completedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &remote.Error{Service: service, Op: "completed/get_all", Kind: remote.Invalid, Err: err}
	}

	var out []model.CompletedTask
	for _, it := range resp.Items {
		if it.ItemObject == nil {
			continue
		}
		task, err := it.ItemObject.toModel(c.config.Location)
		if err != nil {
			c.logger.Printf("WARNING: dropping invalid completed item %q: %v", it.TaskID, err)
			continue
		}
		at, err := time.Parse(time.RFC3339, it.CompletedAt)
		if err != nil {
			c.logger.Printf("WARNING: dropping completed item %q with bad date %q", it.TaskID, it.CompletedAt)
			continue
		}
		out = append(out, model.CompletedTask{Task: *task, CompletedAt: at})
	}
	return out, nil
}

// command sends one Sync API command and checks its sync_status.
func (c *Client) command(ctx context.Context, kind string, args map[string]any) error {
	id := uuid.NewString()
	cmds, err := json.Marshal([]map[string]any{{
		"type": kind,
		"uuid": id,
		"args": args,
	}})
	if err != nil {
		return err
	}
	data, err := c.doRequest(ctx, kind, http.MethodPost, "/sync/v9/sync", url.Values{"commands": {string(cmds)}})
	if err != nil {
		return err
	}

	var resp commandResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return &remote.Error{Service: service, Op: kind, Kind: remote.Invalid, Err: err}
	}
	status, ok := resp.SyncStatus[id]
	if !ok {
		return &remote.Error{Service: service, Op: kind, Kind: remote.Invalid, Reason: "missing sync_status"}
	}
	if bytes.Equal(bytes.TrimSpace(status), []byte(`"ok"`)) {
		return nil
	}
	var apiErr apiError
	if err := json.Unmarshal(status, &apiErr); err != nil {
		return &remote.Error{Service: service, Op: kind, Kind: remote.Invalid, Err: err}
	}
	rerr := remote.FromStatus(service, kind, apiErr.HTTPCode, apiErr.ErrorTag, fmt.Errorf("%s", apiErr.Error))
	switch apiErr.ErrorTag {
	case "LIMITS_REACHED":
		rerr.Kind = remote.Transient
	case "ITEM_NOT_FOUND", "NOT_FOUND":
		rerr.Kind = remote.NotFound
	}
	return rerr
}
