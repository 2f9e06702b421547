package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/workweave/draftgate/pkg/draft"
)

const taskSetSchemaJSON = `{
	"type": "object",
	"required": ["tasks"],
	"properties": {
		"tasks": {
			"type": "array",
			"minItems": 1,
			"maxItems": 50,
			"items": {
				"type": "object",
				"required": ["title"],
				"properties": {
					"title": {"type": "string", "minLength": 1, "maxLength": 500},
					"description": {"type": "string", "maxLength": 5000},
					"due_at": {"type": "integer"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

// TaskSetAdapter creates batches of tasks from a draft payload of the form
// {"tasks": [{"title": ...}, ...]}.
type TaskSetAdapter struct {
	schema *jsonschema.Schema
}

func NewTaskSetAdapter() (*TaskSetAdapter, error) {
	schema, err := compileSchema("task-set.json", taskSetSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &TaskSetAdapter{schema: schema}, nil
}

func (a *TaskSetAdapter) Name() string {
	return "task-set"
}

func (a *TaskSetAdapter) DryRun(_ context.Context, _ ExecContext, d *draft.Draft) (*DryRunResult, error) {
	if errs := validatePayload(a.schema, d.Payload); len(errs) > 0 {
		return &DryRunResult{CanExecute: false, Errors: errs}, nil
	}

	tasks := payloadTasks(d.Payload)
	titles := make([]string, 0, len(tasks))
	var warnings []string
	for _, task := range tasks {
		title, _ := task["title"].(string)
		titles = append(titles, title)
		if strings.TrimSpace(title) == "" {
			warnings = append(warnings, "a task title is blank")
		}
	}

	return &DryRunResult{
		CanExecute: true,
		Preview: map[string]any{
			"tasks_to_create": len(tasks),
			"titles":          titles,
		},
		Warnings: warnings,
	}, nil
}

func (a *TaskSetAdapter) Execute(ctx context.Context, ec ExecContext, d *draft.Draft) (*ExecResult, error) {
	if errs := validatePayload(a.schema, d.Payload); len(errs) > 0 {
		return &ExecResult{Success: false, Err: strings.Join(errs, "; ")}, nil
	}

	tasks := payloadTasks(d.Payload)
	entities := make([]draft.EntityRef, 0, len(tasks))
	for i, task := range tasks {
		id, err := ec.Writer.CreateEntity(ctx, ec.WorkspaceID, "task", ec.ActorID, task)
		if err != nil {
			return nil, fmt.Errorf("task-set: create task %d: %w", i, err)
		}
		entities = append(entities, draft.EntityRef{Type: "task", ID: id, Action: "create"})
	}
	return &ExecResult{Success: true, Entities: entities}, nil
}

func payloadTasks(payload map[string]any) []map[string]any {
	raw, _ := payload["tasks"].([]any)
	tasks := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			tasks = append(tasks, m)
		}
	}
	return tasks
}
