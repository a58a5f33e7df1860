package todoist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/util"
)

// Sync API payloads. Only the fields the engine reads are decoded.

type syncResponse struct {
	SyncToken string        `json:"sync_token"`
	FullSync  bool          `json:"full_sync"`
	Items     []itemPayload `json:"items"`
	Notes     []notePayload `json:"notes"`
	Projects  []projPayload `json:"projects"`
	User      *userPayload  `json:"user"`
}

type duePayload struct {
	Date        string `json:"date"`
	IsRecurring bool   `json:"is_recurring"`
	String      string `json:"string"`
}

type itemPayload struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	ParentID  *string     `json:"parent_id"`
	Content   string      `json:"content"`
	Due       *duePayload `json:"due"`
	Priority  int         `json:"priority"`
	Labels    []string    `json:"labels"`
	Checked   bool        `json:"checked"`
	IsDeleted bool        `json:"is_deleted"`
}

type notePayload struct {
	ID        string `json:"id"`
	ItemID    string `json:"item_id"`
	Content   string `json:"content"`
	IsDeleted bool   `json:"is_deleted"`
}

type projPayload struct {
	ID           string  `json:"id"`
	ParentID     *string `json:"parent_id"`
	Name         string  `json:"name"`
	IsArchived   bool    `json:"is_archived"`
	IsDeleted    bool    `json:"is_deleted"`
	InboxProject bool    `json:"inbox_project"`
}

type userPayload struct {
	TZInfo struct {
		Timezone string `json:"timezone"`
	} `json:"tz_info"`
	InboxProjectID string `json:"inbox_project_id"`
	IsPremium      bool   `json:"is_premium"`
}

type itemGetResponse struct {
	Item  *itemPayload  `json:"item"`
	Notes []notePayload `json:"notes"`
}

type activityResponse struct {
	Events []struct {
		EventType string `json:"event_type"`
	} `json:"events"`
}

type completedResponse struct {
	Items []struct {
		TaskID      string       `json:"task_id"`
		CompletedAt string       `json:"completed_at"`
		ItemObject  *itemPayload `json:"item_object"`
	} `json:"items"`
}

type commandResponse struct {
	SyncStatus map[string]json.RawMessage `json:"sync_status"`
}

// toModel validates an item and converts it. Deleted items only need an id.
func (p *itemPayload) toModel(loc *time.Location) (*model.Task, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	t := &model.Task{
		ID:        p.ID,
		ProjectID: p.ProjectID,
		Content:   p.Content,
		Priority:  p.Priority,
		Labels:    p.Labels,
		Checked:   p.Checked,
		Deleted:   p.IsDeleted,
	}
	if p.ParentID != nil {
		t.ParentID = *p.ParentID
	}
	if t.Deleted {
		return t, nil
	}
	if p.ProjectID == "" {
		return nil, fmt.Errorf("missing project_id")
	}
	if p.Priority < 1 || p.Priority > 4 {
		return nil, fmt.Errorf("priority %d out of range", p.Priority)
	}
	if p.Due != nil && p.Due.Date != "" {
		date, err := util.ParseDue(p.Due.Date, loc)
		if err != nil {
			return nil, err
		}
		t.Due = &model.Due{Date: date, Recurring: p.Due.IsRecurring, String: p.Due.String}
	}
	return t, nil
}

func (p *notePayload) toModel() model.Note {
	return model.Note{ID: p.ID, TaskID: p.ItemID, Content: p.Content, Deleted: p.IsDeleted}
}

func (p *projPayload) toModel() model.Project {
	proj := model.Project{
		ID:       p.ID,
		Name:     p.Name,
		Archived: p.IsArchived,
		Deleted:  p.IsDeleted,
		Inbox:    p.InboxProject,
	}
	if p.ParentID != nil {
		proj.ParentID = *p.ParentID
	}
	return proj
}

func (p *userPayload) toModel() *model.User {
	return &model.User{
		Timezone:       p.TZInfo.Timezone,
		InboxProjectID: p.InboxProjectID,
		Premium:        p.IsPremium,
	}
}
