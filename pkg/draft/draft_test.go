package draft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDraft() *Draft {
	return &Draft{
		ID:           "d1",
		Type:         "draft_task_set",
		TargetModule: "tasks",
		Payload:      map[string]any{"tasks": []any{map[string]any{"title": "T"}}},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validDraft().Validate())

	d := validDraft()
	d.ID = ""
	assert.Error(t, d.Validate())

	d = validDraft()
	d.TargetModule = ""
	assert.Error(t, d.Validate())

	d = validDraft()
	d.Payload = nil
	assert.Error(t, d.Validate())

	d = validDraft()
	d.Meaning = &MeaningInput{ObjectID: "m1", Payload: map[string]any{"why": "x"}}
	assert.Error(t, d.Validate(), "reference and inline payload are mutually exclusive")
}

func TestAdapterName(t *testing.T) {
	d := validDraft()
	name, err := d.AdapterName()
	require.NoError(t, err)
	assert.Equal(t, "task-set", name)

	d.AgentType = "custom-adapter"
	name, err = d.AdapterName()
	require.NoError(t, err)
	assert.Equal(t, "custom-adapter", name, "agent_type is authoritative")

	d = validDraft()
	d.Type = "no-such-type"
	_, err = d.AdapterName()
	assert.Error(t, err)
}

func TestProposalValidate(t *testing.T) {
	p := &Proposal{ID: "p1", Type: "task", Payload: map[string]any{"title": "T"}}
	require.NoError(t, p.Validate())

	p.Type = "invoice"
	assert.Error(t, p.Validate())
}
