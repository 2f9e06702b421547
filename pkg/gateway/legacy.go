package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workweave/draftgate/pkg/draft"
	"github.com/workweave/draftgate/pkg/membership"
	"github.com/workweave/draftgate/pkg/reservation"
	"github.com/workweave/draftgate/pkg/store"
)

// Legacy protocol actions.
const (
	LegacyActionSign    = "sign"
	LegacyActionExecute = "execute"
)

const (
	legacyMinBatch = 1
	legacyMaxBatch = 20
)

// LegacyRequest is the single-step protocol envelope kept for old callers.
// sign takes a batch of proposals; execute applies exactly one.
type LegacyRequest struct {
	Action      string           `json:"action"`
	WorkspaceID string           `json:"workspace_id"`
	Proposals   []draft.Proposal `json:"proposals,omitempty"`
	Proposal    *draft.Proposal  `json:"proposal,omitempty"`
	RequestID   string           `json:"request_id,omitempty"`
}

// HandleLegacy runs one legacy-protocol request. The legacy protocol shares
// the draft protocol's membership, rate, and reservation machinery; only the
// signature tuple and the fixed TTL differ.
func (g *Gateway) HandleLegacy(ctx context.Context, actorID string, req LegacyRequest) Outcome {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if req.WorkspaceID == "" {
		return fail(400, CodeValidationError, "workspace_id is required", requestID)
	}

	var mode string
	switch req.Action {
	case LegacyActionSign:
		mode = ModeConfirm
	case LegacyActionExecute:
		mode = ModeExecute
	default:
		return fail(400, CodeValidationError,
			fmt.Sprintf("action must be sign or execute; got %q", req.Action), requestID)
	}

	dec, err := g.deps.Limiter.Allow(ctx, actorID, req.WorkspaceID, mode, g.modeLimit(mode))
	if err != nil {
		g.deps.Logger.Error("rate limiter unavailable", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "rate limiter unavailable", requestID)
	}
	if !dec.Allowed {
		return failWith(429, CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for action %s", req.Action), requestID,
			map[string]any{"reset_at": dec.ResetAt.UnixMilli()})
	}

	role, err := g.deps.Roles.Resolve(ctx, actorID, req.WorkspaceID)
	if err != nil {
		g.deps.Logger.Error("membership resolution failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "membership resolution failed", requestID)
	}
	if role == membership.RoleNone {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "membership_denied", nil)
		return failWith(403, CodeExecutionDenied,
			"actor has no accepted membership in this workspace", requestID,
			map[string]any{"action": "ask a workspace owner to invite you"})
	}

	if req.Action == LegacyActionSign {
		return g.signProposals(ctx, actorID, req, requestID)
	}
	return g.executeProposal(ctx, actorID, req, requestID)
}

// signProposals stamps each proposal with the fixed TTL and the coarse
// legacy signature. The whole batch is validated before anything is signed.
func (g *Gateway) signProposals(ctx context.Context, actorID string, req LegacyRequest, requestID string) Outcome {
	if len(req.Proposals) < legacyMinBatch || len(req.Proposals) > legacyMaxBatch {
		return fail(400, CodeValidationError,
			fmt.Sprintf("sign accepts between %d and %d proposals; got %d",
				legacyMinBatch, legacyMaxBatch, len(req.Proposals)), requestID)
	}
	for i := range req.Proposals {
		if err := req.Proposals[i].Validate(); err != nil {
			return fail(400, CodeValidationError,
				fmt.Sprintf("proposal %d: %v", i, err), requestID)
		}
	}

	expiresAt := g.now().Add(g.cfg.LegacyProposalTTL).UnixMilli()
	signed := make([]map[string]any, 0, len(req.Proposals))
	for i := range req.Proposals {
		p := &req.Proposals[i]
		signature, err := g.deps.Signer.SignProposal(p.ID, req.WorkspaceID, actorID, p.Type, expiresAt)
		if err != nil {
			g.deps.Logger.Error("proposal signing failed", "error", err, "request_id", requestID)
			return fail(500, CodeInternal, "proposal signing failed", requestID)
		}
		signed = append(signed, map[string]any{
			"id":         p.ID,
			"type":       p.Type,
			"expires_at": expiresAt,
			"signature":  signature,
		})
	}

	g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "proposals_signed", map[string]any{
		"count": len(signed),
	})
	return ok(requestID, map[string]any{
		"proposals":  signed,
		"expires_at": expiresAt,
	})
}

// executeProposal verifies the legacy signature and applies the proposal
// through the same reservation and atomic machinery the draft protocol uses.
func (g *Gateway) executeProposal(ctx context.Context, actorID string, req LegacyRequest, requestID string) Outcome {
	p := req.Proposal
	if p == nil {
		return fail(400, CodeValidationError, "execute requires a proposal", requestID)
	}
	if err := p.Validate(); err != nil {
		return fail(400, CodeValidationError, err.Error(), requestID)
	}
	if p.Signature == "" || p.ExpiresAt == 0 {
		return fail(400, CodeValidationError,
			"proposal must carry the signature and expires_at returned by sign", requestID)
	}

	now := g.now()
	if now.UnixMilli() > p.ExpiresAt {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"proposal_id": p.ID, "cause": "signature_expired",
		})
		return failWith(410, CodeExecutionDenied, "proposal signature has expired", requestID,
			map[string]any{"action": "sign the proposal again"})
	}

	valid, err := g.deps.Signer.VerifyProposal(p.Signature, p.ID, req.WorkspaceID, actorID, p.Type, p.ExpiresAt)
	if err != nil {
		g.deps.Logger.Error("proposal verification failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "proposal verification failed", requestID)
	}
	if !valid {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"proposal_id": p.ID, "cause": "signature_mismatch",
		})
		return failWith(403, CodeExecutionDenied,
			"proposal signature does not verify", requestID,
			map[string]any{"action": "sign the proposal again without altering it"})
	}

	outcome, existing, err := g.deps.Reservations.Reserve(ctx, reservation.Reservation{
		WorkspaceID: req.WorkspaceID,
		DraftID:     p.ID,
		AgentType:   "legacy",
		DraftType:   p.Type,
		ActorID:     actorID,
		RequestID:   requestID,
		ReservedAt:  now,
	}, g.cfg.ReservationStaleAfter)
	if err != nil {
		g.deps.Logger.Error("reservation failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "reservation failed", requestID)
	}
	switch outcome {
	case reservation.OutcomeReplay:
		return g.replayOutcome(existing, requestID)
	case reservation.OutcomeInProgress:
		return failWith(409, CodeAlreadyExecuted,
			"another execution of this proposal is in progress", requestID,
			map[string]any{"proposal_id": p.ID, "action": "retry after the current execution finishes"})
	}

	return g.applyProposal(ctx, actorID, p, req.WorkspaceID, requestID, now)
}

// applyProposal writes the proposal's entity row, the audit row, and the
// reservation finalize in one transaction.
func (g *Gateway) applyProposal(ctx context.Context, actorID string, p *draft.Proposal, workspaceID, requestID string, now time.Time) Outcome {
	auditID := uuid.NewString()
	var entities []draft.EntityRef

	fields := p.Payload
	if p.Title != "" {
		merged := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		if _, ok := merged["title"]; !ok {
			merged["title"] = p.Title
		}
		fields = merged
	}

	err := g.deps.Atomic.RunAtomic(ctx, func(tx store.Tx) error {
		id, err := tx.CreateEntity(ctx, workspaceID, p.Type, actorID, fields)
		if err != nil {
			return fmt.Errorf("create %s: %w", p.Type, err)
		}
		entities = []draft.EntityRef{{Type: p.Type, ID: id, Action: "create"}}

		if err := tx.AppendAudit(ctx, store.AuditRow{
			ID:          auditID,
			WorkspaceID: workspaceID,
			ActorID:     actorID,
			Action:      "proposal_executed",
			RequestID:   requestID,
			Entities:    entities,
			Metadata: map[string]any{
				"proposal_id":   p.ID,
				"proposal_type": p.Type,
			},
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}

		return g.deps.Reservations.Finalize(ctx, tx.Execer(), workspaceID, p.ID,
			reservation.StatusSuccess, entities, auditID, "", now)
	})

	if err != nil {
		// The proposal type was validated before the reservation, so this is
		// an infrastructure failure: everything rolled back and the
		// reservation stays reserved for a staleness takeover.
		g.deps.Logger.Error("proposal transaction failed", "error", err,
			"proposal_id", p.ID, "request_id", requestID)
		return fail(500, CodeInternal, "internal execution error", requestID)
	}

	g.emitEvent(ctx, workspaceID, "proposal.executed", map[string]any{
		"proposal_id":  p.ID,
		"type":         p.Type,
		"actor_id":     actorID,
		"entities":     entities,
		"audit_log_id": auditID,
	})

	return ok(requestID, map[string]any{
		"proposal_id":  p.ID,
		"success":      true,
		"entities":     entities,
		"audit_log_id": auditID,
		"replayed":     false,
	})
}
