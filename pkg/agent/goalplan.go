package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/workweave/draftgate/pkg/draft"
)

const goalPlanSchemaJSON = `{
	"type": "object",
	"required": ["goal"],
	"properties": {
		"goal": {
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1, "maxLength": 500},
				"description": {"type": "string", "maxLength": 5000},
				"target_date": {"type": "integer"}
			},
			"additionalProperties": false
		},
		"plans": {
			"type": "array",
			"maxItems": 20,
			"items": {
				"type": "object",
				"required": ["title"],
				"properties": {
					"title": {"type": "string", "minLength": 1, "maxLength": 500},
					"steps": {"type": "array", "items": {"type": "string"}, "maxItems": 50}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

// GoalPlanAdapter creates a goal and its supporting plans from a payload of
// the form {"goal": {...}, "plans": [...]}.
type GoalPlanAdapter struct {
	schema *jsonschema.Schema
}

func NewGoalPlanAdapter() (*GoalPlanAdapter, error) {
	schema, err := compileSchema("goal-plan.json", goalPlanSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &GoalPlanAdapter{schema: schema}, nil
}

func (a *GoalPlanAdapter) Name() string {
	return "goal-plan"
}

func (a *GoalPlanAdapter) DryRun(_ context.Context, _ ExecContext, d *draft.Draft) (*DryRunResult, error) {
	if errs := validatePayload(a.schema, d.Payload); len(errs) > 0 {
		return &DryRunResult{CanExecute: false, Errors: errs}, nil
	}

	goal, plans := payloadGoalPlans(d.Payload)
	title, _ := goal["title"].(string)
	return &DryRunResult{
		CanExecute: true,
		Preview: map[string]any{
			"goal_title":      title,
			"plans_to_create": len(plans),
		},
	}, nil
}

func (a *GoalPlanAdapter) Execute(ctx context.Context, ec ExecContext, d *draft.Draft) (*ExecResult, error) {
	if errs := validatePayload(a.schema, d.Payload); len(errs) > 0 {
		return &ExecResult{Success: false, Err: strings.Join(errs, "; ")}, nil
	}

	goal, plans := payloadGoalPlans(d.Payload)
	goalID, err := ec.Writer.CreateEntity(ctx, ec.WorkspaceID, "goal", ec.ActorID, goal)
	if err != nil {
		return nil, fmt.Errorf("goal-plan: create goal: %w", err)
	}
	entities := []draft.EntityRef{{Type: "goal", ID: goalID, Action: "create"}}

	for i, plan := range plans {
		plan["goal_id"] = goalID
		planID, err := ec.Writer.CreateEntity(ctx, ec.WorkspaceID, "plan", ec.ActorID, plan)
		if err != nil {
			return nil, fmt.Errorf("goal-plan: create plan %d: %w", i, err)
		}
		entities = append(entities, draft.EntityRef{Type: "plan", ID: planID, Action: "create"})
	}
	return &ExecResult{Success: true, Entities: entities}, nil
}

func payloadGoalPlans(payload map[string]any) (map[string]any, []map[string]any) {
	goal, _ := payload["goal"].(map[string]any)
	raw, _ := payload["plans"].([]any)
	plans := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			plans = append(plans, m)
		}
	}
	return goal, plans
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("agent: add schema %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("agent: compile schema %s: %w", name, err)
	}
	return schema, nil
}

// validatePayload runs the payload through the adapter's schema. The
// payload is round-tripped through JSON so numeric types normalize the way
// they arrive over the wire.
func validatePayload(schema *jsonschema.Schema, payload map[string]any) []string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return []string{fmt.Sprintf("payload not serializable: %v", err)}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return []string{fmt.Sprintf("payload not decodable: %v", err)}
	}
	if err := schema.Validate(generic); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve.Causes)+1)
			if len(ve.Causes) == 0 {
				msgs = append(msgs, ve.Error())
			}
			for _, cause := range ve.Causes {
				msgs = append(msgs, cause.Error())
			}
			return msgs
		}
		return []string{err.Error()}
	}
	return nil
}
