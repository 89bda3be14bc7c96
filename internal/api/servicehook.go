package api

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/kalambet/storyqa/internal/devops"
	"github.com/kalambet/storyqa/internal/pipeline"
	"github.com/kalambet/storyqa/internal/qaerrors"
)

// errIgnored marks a service hook that carries nothing to generate for.
var errIgnored = errors.New("event ignored")

type serviceHook struct {
	EventType string `json:"eventType"`
	Resource  struct {
		ID         int             `json:"id"`
		WorkItemID int             `json:"workItemId"`
		Rev        int             `json:"rev"`
		Fields     json.RawMessage `json:"fields"`
		Revision   *struct {
			ID     int            `json:"id"`
			Rev    int            `json:"rev"`
			Fields map[string]any `json:"fields"`
		} `json:"revision"`
	} `json:"resource"`
	ResourceContainers struct {
		Project struct {
			ID string `json:"id"`
		} `json:"project"`
	} `json:"resourceContainers"`
}

// ParseServiceHook converts an Azure DevOps work item service hook into an
// event. Updates that touch neither title nor description are ignored so
// the links this service adds to a story do not trigger another run.
func ParseServiceHook(body []byte) (pipeline.Event, error) {
	const op = "webhook.devops"

	var hook serviceHook
	if err := json.Unmarshal(body, &hook); err != nil {
		return pipeline.Event{}, qaerrors.Validation(op, "invalid payload: %v", err)
	}

	var (
		id     int
		rev    int
		fields map[string]any
	)
	switch hook.EventType {
	case "workitem.created", "":
		id, rev = hook.Resource.ID, hook.Resource.Rev
		if len(hook.Resource.Fields) > 0 {
			if err := json.Unmarshal(hook.Resource.Fields, &fields); err != nil {
				return pipeline.Event{}, qaerrors.Validation(op, "invalid resource.fields: %v", err)
			}
		}
	case "workitem.updated":
		if hook.Resource.Revision == nil {
			return pipeline.Event{}, qaerrors.Validation(op, "resource.revision is required for updates")
		}
		var changed map[string]json.RawMessage
		if len(hook.Resource.Fields) > 0 {
			if err := json.Unmarshal(hook.Resource.Fields, &changed); err != nil {
				return pipeline.Event{}, qaerrors.Validation(op, "invalid resource.fields: %v", err)
			}
		}
		_, title := changed[devops.FieldTitle]
		_, desc := changed[devops.FieldDescription]
		if !title && !desc {
			return pipeline.Event{}, errIgnored
		}
		id, rev = hook.Resource.WorkItemID, hook.Resource.Revision.Rev
		if id == 0 {
			id = hook.Resource.Revision.ID
		}
		fields = hook.Resource.Revision.Fields
	default:
		return pipeline.Event{}, errIgnored
	}

	wi := devops.WorkItem{ID: id, Rev: rev, Fields: fields}
	if wi.StringField("System.WorkItemType") == "Test Case" {
		return pipeline.Event{}, errIgnored
	}
	if id == 0 {
		return pipeline.Event{}, qaerrors.Validation(op, "work item id is missing")
	}

	project := wi.StringField(devops.FieldProject)
	if project == "" {
		project = hook.ResourceContainers.Project.ID
	}
	return pipeline.Event{
		StoryID:     pipeline.StoryID(strconv.Itoa(id)),
		ProjectID:   project,
		Revision:    rev,
		Title:       wi.StringField(devops.FieldTitle),
		Description: wi.StringField(devops.FieldDescription),
	}, nil
}
