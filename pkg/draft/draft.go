// Package draft defines the wire types of the draft lifecycle protocol.
package draft

import (
	"fmt"
)

// EntityRef identifies one row created or updated by an execution.
type EntityRef struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Scope declares the modules and entities a draft intends to touch.
type Scope struct {
	Modules  []string `json:"modules,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Summary  string   `json:"summary,omitempty"`
}

// MeaningInput carries either a reference to an existing meaning record or
// an inline payload from which confirm mints one. Exactly one side is set.
type MeaningInput struct {
	ObjectID string         `json:"meaning_object_id,omitempty"`
	Payload  map[string]any `json:"meaning_payload,omitempty"`
}

// Draft is a proposed, not-yet-applied mutation. Its ID is chosen by the
// caller, is immutable, and is the sole idempotency key across confirm and
// execute.
type Draft struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Title            string         `json:"title,omitempty"`
	TargetModule     string         `json:"target_module"`
	AgentType        string         `json:"agent_type,omitempty"`
	Payload          map[string]any `json:"payload"`
	RequiredRole     string         `json:"required_role,omitempty"`
	Intent           string         `json:"intent,omitempty"`
	Scope            *Scope         `json:"scope,omitempty"`
	Risks            []string       `json:"risks,omitempty"`
	RollbackPossible bool           `json:"rollback_possible,omitempty"`
	Meaning          *MeaningInput  `json:"meaning,omitempty"`
	ExpiresAt        int64          `json:"expires_at,omitempty"` // epoch ms, set at confirm
}

// legacyTypeAdapters maps pre-agent_type draft types to adapter names.
var legacyTypeAdapters = map[string]string{
	"task":           "task-set",
	"task-set":       "task-set",
	"draft_task_set": "task-set",
	"goal":           "goal-plan",
	"draft_goal":     "goal-plan",
}

// AdapterName resolves the adapter responsible for the draft. agent_type is
// authoritative; older callers are mapped by draft type.
func (d *Draft) AdapterName() (string, error) {
	if d.AgentType != "" {
		return d.AgentType, nil
	}
	if name, ok := legacyTypeAdapters[d.Type]; ok {
		return name, nil
	}
	return "", fmt.Errorf("no adapter mapping for draft type %q", d.Type)
}

// Validate checks structural requirements shared by every protocol mode.
func (d *Draft) Validate() error {
	if d == nil {
		return fmt.Errorf("draft is required")
	}
	if d.ID == "" {
		return fmt.Errorf("draft id is required")
	}
	if d.Type == "" {
		return fmt.Errorf("draft type is required")
	}
	if d.TargetModule == "" {
		return fmt.Errorf("draft target_module is required")
	}
	if d.Payload == nil {
		return fmt.Errorf("draft payload is required")
	}
	if d.Meaning != nil && d.Meaning.ObjectID != "" && d.Meaning.Payload != nil {
		return fmt.Errorf("draft meaning must carry a reference or an inline payload, not both")
	}
	return nil
}

// MeaningReference returns the meaning object id the draft carries, if any.
func (d *Draft) MeaningReference() string {
	if d.Meaning == nil {
		return ""
	}
	return d.Meaning.ObjectID
}
