package draft

import "fmt"

// Built-in entity types the legacy protocol can apply directly.
var legacyEntityTypes = map[string]struct{}{
	"task":   {},
	"goal":   {},
	"plan":   {},
	"idea":   {},
	"update": {},
}

// Proposal is the legacy single-step protocol's unit of work: a simplified
// draft with a coarser signature (no payload hash) and a fixed TTL.
type Proposal struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title,omitempty"`
	Payload   map[string]any `json:"payload"`
	ExpiresAt int64          `json:"expires_at,omitempty"` // epoch ms, set at sign
	Signature string         `json:"signature,omitempty"`
}

// Validate checks the proposal before signing or execution.
func (p *Proposal) Validate() error {
	if p == nil {
		return fmt.Errorf("proposal is required")
	}
	if p.ID == "" {
		return fmt.Errorf("proposal id is required")
	}
	if _, ok := legacyEntityTypes[p.Type]; !ok {
		return fmt.Errorf("unknown proposal type %q", p.Type)
	}
	if p.Payload == nil {
		return fmt.Errorf("proposal payload is required")
	}
	return nil
}
