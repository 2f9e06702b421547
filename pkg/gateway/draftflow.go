package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workweave/draftgate/pkg/agent"
	"github.com/workweave/draftgate/pkg/audit"
	"github.com/workweave/draftgate/pkg/confirmation"
	"github.com/workweave/draftgate/pkg/draft"
	"github.com/workweave/draftgate/pkg/meaning"
	"github.com/workweave/draftgate/pkg/membership"
	"github.com/workweave/draftgate/pkg/policy"
	"github.com/workweave/draftgate/pkg/reservation"
	"github.com/workweave/draftgate/pkg/store"
)

// Handle runs one draft-protocol request end to end: dedupe replay, rate
// limiting, membership resolution, then the mode-specific flow. Every path
// returns an Outcome carrying request_id.
func (g *Gateway) Handle(ctx context.Context, actorID string, req Request) Outcome {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if req.WorkspaceID == "" {
		return fail(400, CodeValidationError, "workspace_id is required", requestID)
	}
	if req.Mode != ModeDryRun && req.Mode != ModeConfirm && req.Mode != ModeExecute {
		return fail(400, CodeValidationError,
			fmt.Sprintf("mode must be one of dry_run, confirm, execute; got %q", req.Mode), requestID)
	}

	// A caller-supplied request id makes the delivery replayable: the first
	// response is cached and returned verbatim to duplicates.
	if req.RequestID != "" {
		if cached, err := g.deps.Dedupe.Get(ctx, req.WorkspaceID, req.RequestID); err != nil {
			g.deps.Logger.Warn("dedupe lookup failed", "error", err, "request_id", requestID)
		} else if cached != nil {
			var body map[string]any
			if err := json.Unmarshal(cached.Body, &body); err == nil {
				body["request_replayed"] = true
				return Outcome{Status: cached.Status, Body: body}
			}
		}
	}

	dec, err := g.deps.Limiter.Allow(ctx, actorID, req.WorkspaceID, req.Mode, g.modeLimit(req.Mode))
	if err != nil {
		g.deps.Logger.Error("rate limiter unavailable", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "rate limiter unavailable", requestID)
	}
	if !dec.Allowed {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "rate_limited", map[string]any{"mode": req.Mode})
		return failWith(429, CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for mode %s", req.Mode), requestID,
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

	var out Outcome
	switch req.Mode {
	case ModeDryRun:
		out = g.dryRun(ctx, actorID, req, requestID)
	case ModeConfirm:
		out = g.confirm(ctx, actorID, req, requestID)
	case ModeExecute:
		out = g.execute(ctx, actorID, role, req, requestID)
	}

	if req.RequestID != "" {
		if body, err := json.Marshal(out.Body); err == nil {
			if err := g.deps.Dedupe.Put(ctx, req.WorkspaceID, req.RequestID, out.Status, body, g.now()); err != nil {
				g.deps.Logger.Warn("dedupe store failed", "error", err, "request_id", requestID)
			}
		}
	}
	return out
}

// dryRun previews the execution without acquiring locks, minting meanings,
// or writing anything.
func (g *Gateway) dryRun(ctx context.Context, actorID string, req Request, requestID string) Outcome {
	d := req.Draft
	if err := d.Validate(); err != nil {
		return fail(400, CodeValidationError, err.Error(), requestID)
	}
	adapter, err := g.deps.Registry.Resolve(d)
	if err != nil {
		return g.adapterError(err, requestID)
	}

	res, err := adapter.DryRun(ctx, agent.ExecContext{WorkspaceID: req.WorkspaceID, ActorID: actorID}, d)
	if err != nil {
		g.deps.Logger.Error("dry run failed", "error", err, "draft_id", d.ID, "request_id", requestID)
		return fail(500, CodeInternal, "dry run failed", requestID)
	}

	return ok(requestID, map[string]any{
		"draft_id":    d.ID,
		"can_execute": res.CanExecute,
		"preview":     res.Preview,
		"warnings":    res.Warnings,
		"errors":      res.Errors,
	})
}

// confirm binds the draft to a meaning record and signs the binding. The
// draft id is the idempotency key: concurrent confirms for the same draft
// race on the confirmation row's primary key and losers replay the winner.
func (g *Gateway) confirm(ctx context.Context, actorID string, req Request, requestID string) Outcome {
	d := req.Draft
	if err := d.Validate(); err != nil {
		return fail(400, CodeValidationError, err.Error(), requestID)
	}
	if _, err := g.deps.Registry.Resolve(d); err != nil {
		return g.adapterError(err, requestID)
	}

	now := g.now()

	// Replay path: a confirmation already exists; return its values with a
	// freshly computed signature.
	existing, err := g.deps.Confirmations.Get(ctx, req.WorkspaceID, d.ID)
	if err != nil {
		g.deps.Logger.Error("confirmation lookup failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "confirmation lookup failed", requestID)
	}
	if existing != nil {
		return g.confirmResponse(d, existing, requestID)
	}

	meaningID := d.MeaningReference()
	minting := false
	if meaningID == "" {
		if d.Meaning == nil || d.Meaning.Payload == nil {
			return fail(400, CodeValidationError,
				"confirm requires a meaning reference or an inline meaning payload", requestID)
		}
		meaningID = uuid.NewString()
		minting = true
	} else {
		// Reference path: the meaning record must already exist.
		rec, err := g.deps.Meanings.Get(ctx, req.WorkspaceID, meaningID)
		if err != nil {
			g.deps.Logger.Error("meaning lookup failed", "error", err, "request_id", requestID)
			return fail(500, CodeInternal, "meaning lookup failed", requestID)
		}
		if rec == nil {
			return fail(400, CodeValidationError,
				fmt.Sprintf("meaning record %s does not exist", meaningID), requestID)
		}
	}

	expiresAt := now.Add(g.cfg.ConfirmTTL).UnixMilli()
	signature, err := g.deps.Signer.SignDraft(d.ID, req.WorkspaceID, actorID, expiresAt, d.Payload)
	if err != nil {
		g.deps.Logger.Error("signing failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "signing failed", requestID)
	}

	if err := g.deps.Confirmations.Put(ctx, confirmation.Confirmation{
		DraftID:         d.ID,
		WorkspaceID:     req.WorkspaceID,
		ActorID:         actorID,
		MeaningObjectID: meaningID,
		ExpiresAt:       expiresAt,
		Signature:       signature,
		CreatedAt:       now,
	}); err != nil {
		g.deps.Logger.Error("confirmation store failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "confirmation store failed", requestID)
	}

	// Read back: under a concurrent confirm only one Put lands, and only the
	// winner mints a meaning record. This keeps exactly one record per draft.
	stored, err := g.deps.Confirmations.Get(ctx, req.WorkspaceID, d.ID)
	if err != nil || stored == nil {
		g.deps.Logger.Error("confirmation read-back failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "confirmation read-back failed", requestID)
	}
	if minting && stored.MeaningObjectID == meaningID {
		if err := g.deps.Meanings.Mint(ctx, meaning.Record{
			ID:          meaningID,
			DraftID:     d.ID,
			WorkspaceID: req.WorkspaceID,
			ActorID:     actorID,
			Payload:     d.Meaning.Payload,
			CreatedAt:   now,
		}); err != nil {
			g.deps.Logger.Error("meaning mint failed", "error", err, "request_id", requestID)
			return fail(500, CodeInternal, "meaning mint failed", requestID)
		}
	}

	g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "draft_confirmed", map[string]any{"draft_id": d.ID})
	return g.confirmResponse(d, stored, requestID)
}

// confirmResponse recomputes the signature from the stored confirmation so
// replays return the exact hash of the winning confirm.
func (g *Gateway) confirmResponse(d *draft.Draft, c *confirmation.Confirmation, requestID string) Outcome {
	signature, err := g.deps.Signer.SignDraft(c.DraftID, c.WorkspaceID, c.ActorID, c.ExpiresAt, d.Payload)
	if err != nil {
		g.deps.Logger.Error("signing failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "signing failed", requestID)
	}
	body := map[string]any{
		"draft_id":          c.DraftID,
		"confirmation_hash": signature,
		"expires_at":        c.ExpiresAt,
	}
	// Callers that supplied their own reference already know the id.
	if d.MeaningReference() == "" {
		body["meaning_object_id"] = c.MeaningObjectID
	}
	return ok(requestID, body)
}

// adapterFailure wraps a clean adapter rejection so the atomic executor can
// distinguish it from infrastructure errors.
type adapterFailure struct {
	msg string
}

func (e *adapterFailure) Error() string { return e.msg }

// execute applies the draft exactly once. The order of checks is fixed:
// structure, confirmation, expiry, signature, meaning binding, role, policy
// gate, reservation, then the atomic run.
func (g *Gateway) execute(ctx context.Context, actorID string, role membership.Role, req Request, requestID string) Outcome {
	d := req.Draft
	if err := d.Validate(); err != nil {
		return fail(400, CodeValidationError, err.Error(), requestID)
	}
	adapter, err := g.deps.Registry.Resolve(d)
	if err != nil {
		return g.adapterError(err, requestID)
	}
	if d.Meaning != nil && d.Meaning.Payload != nil {
		return fail(400, CodeValidationError,
			"execute does not mint meaning records; confirm the draft first", requestID)
	}

	now := g.now()

	conf, err := g.deps.Confirmations.Get(ctx, req.WorkspaceID, d.ID)
	if err != nil {
		g.deps.Logger.Error("confirmation lookup failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "confirmation lookup failed", requestID)
	}
	if conf == nil {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"draft_id": d.ID, "cause": "not_confirmed",
		})
		return failWith(403, CodeExecutionDenied, "draft has not been confirmed", requestID,
			map[string]any{"action": "call confirm to obtain a confirmation hash"})
	}

	if now.UnixMilli() > conf.ExpiresAt {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"draft_id": d.ID, "cause": "confirmation_expired",
		})
		return failWith(410, CodeExecutionDenied, "confirmation has expired", requestID,
			map[string]any{"action": "confirm the draft again"})
	}

	// The signature binds the confirming actor; verification uses the stored
	// actor so any authorized workspace member can execute with a valid hash.
	valid, err := g.deps.Signer.VerifyDraft(req.ConfirmationHash, d.ID, conf.WorkspaceID, conf.ActorID, conf.ExpiresAt, d.Payload)
	if err != nil {
		g.deps.Logger.Error("signature verification failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "signature verification failed", requestID)
	}
	if !valid {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"draft_id": d.ID, "cause": "signature_mismatch",
		})
		return failWith(403, CodeExecutionDenied,
			"confirmation hash does not match this draft", requestID,
			map[string]any{"action": "confirm the draft again without altering it"})
	}

	if ref := d.MeaningReference(); ref == "" || ref != conf.MeaningObjectID {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"draft_id": d.ID, "cause": "meaning_mismatch",
		})
		return failWith(403, CodeExecutionDenied,
			"meaning reference does not match the confirmed binding", requestID,
			map[string]any{"action": "execute with the meaning_object_id returned by confirm"})
	}

	required, err := membership.ParseRole(d.RequiredRole)
	if err != nil {
		return fail(400, CodeValidationError, err.Error(), requestID)
	}
	if !role.AtLeast(required) {
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"draft_id": d.ID, "cause": "insufficient_role",
		})
		return failWith(403, CodeExecutionDenied,
			fmt.Sprintf("draft requires role %s; actor has %s", required, role), requestID,
			map[string]any{"action": "ask an actor with the required role to execute"})
	}

	pol, err := g.deps.Policies.Get(ctx, req.WorkspaceID)
	if err != nil {
		g.deps.Logger.Error("policy lookup failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "policy lookup failed", requestID)
	}
	gateDec, err := g.deps.Gate.Evaluate(ctx, pol, d, actorID, role)
	if err != nil {
		g.deps.Logger.Error("policy gate failed", "error", err, "request_id", requestID)
		return fail(500, CodeInternal, "policy gate failed", requestID)
	}
	switch gateDec.Outcome {
	case policy.GateNeedsApproval:
		approvalID := uuid.NewString()
		if err := g.deps.Policies.CreatePendingApproval(ctx, policy.PendingApproval{
			ID:          approvalID,
			WorkspaceID: req.WorkspaceID,
			DraftID:     d.ID,
			ActorID:     actorID,
			RequestID:   requestID,
			CreatedAt:   now,
		}); err != nil {
			g.deps.Logger.Error("pending approval store failed", "error", err, "request_id", requestID)
			return fail(500, CodeInternal, "pending approval store failed", requestID)
		}
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_pending_approval", map[string]any{
			"draft_id": d.ID,
		})
		return failWith(202, CodePendingApproval, gateDec.Reason, requestID,
			map[string]any{"approval_id": approvalID, "draft_id": d.ID})
	case policy.GateModuleDisabled:
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"draft_id": d.ID, "cause": "module_disabled", "module": d.TargetModule,
		})
		return fail(403, CodeModuleDisabled, gateDec.Reason, requestID)
	case policy.GateDenied:
		g.recordAudit(ctx, req.WorkspaceID, actorID, requestID, "execute_denied", map[string]any{
			"draft_id": d.ID, "cause": "guard_rejected",
		})
		return fail(403, CodeExecutionDenied, gateDec.Reason, requestID)
	}

	outcome, existing, err := g.deps.Reservations.Reserve(ctx, reservation.Reservation{
		WorkspaceID: req.WorkspaceID,
		DraftID:     d.ID,
		AgentType:   adapter.Name(),
		DraftType:   d.Type,
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
			"another execution of this draft is in progress", requestID,
			map[string]any{"draft_id": d.ID, "action": "retry after the current execution finishes"})
	}

	return g.runExecution(ctx, actorID, adapter, d, req.WorkspaceID, requestID, now)
}

// runExecution performs the atomic step: adapter writes, audit row, and
// reservation finalize commit together or not at all.
func (g *Gateway) runExecution(ctx context.Context, actorID string, adapter agent.Adapter, d *draft.Draft, workspaceID, requestID string, now time.Time) Outcome {
	auditID := uuid.NewString()
	var entities []draft.EntityRef

	err := g.deps.Atomic.RunAtomic(ctx, func(tx store.Tx) error {
		res, err := adapter.Execute(ctx, agent.ExecContext{
			WorkspaceID: workspaceID,
			ActorID:     actorID,
			Writer:      tx,
		}, d)
		if err != nil {
			return fmt.Errorf("adapter execute: %w", err)
		}
		if !res.Success {
			return &adapterFailure{msg: res.Err}
		}
		entities = res.Entities

		if err := tx.AppendAudit(ctx, store.AuditRow{
			ID:          auditID,
			WorkspaceID: workspaceID,
			ActorID:     actorID,
			Action:      "draft_executed",
			RequestID:   requestID,
			Entities:    entities,
			Metadata: map[string]any{
				"draft_id":      d.ID,
				"draft_type":    d.Type,
				"target_module": d.TargetModule,
			},
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}

		return g.deps.Reservations.Finalize(ctx, tx.Execer(), workspaceID, d.ID,
			reservation.StatusSuccess, entities, auditID, "", now)
	})

	if err != nil {
		// The whole transaction rolled back.
		var af *adapterFailure
		if !errors.As(err, &af) {
			// Infrastructure failure: the reservation stays reserved so a
			// later attempt can reclaim it through the staleness takeover.
			g.deps.Logger.Error("execution transaction failed", "error", err,
				"draft_id", d.ID, "request_id", requestID)
			g.recordAudit(ctx, workspaceID, actorID, requestID, "execute_failed", map[string]any{
				"draft_id": d.ID, "error": "internal execution error",
			})
			return fail(500, CodeInternal, "internal execution error", requestID)
		}

		// Deterministic adapter rejection: finalize terminally so replays of
		// this draft return the same failed outcome.
		if ferr := g.deps.Reservations.Finalize(ctx, nil, workspaceID, d.ID,
			reservation.StatusFailed, nil, "", af.msg, g.now()); ferr != nil {
			g.deps.Logger.Error("failure finalize lost", "error", ferr,
				"draft_id", d.ID, "request_id", requestID)
		}
		g.recordAudit(ctx, workspaceID, actorID, requestID, "execute_failed", map[string]any{
			"draft_id": d.ID, "error": af.msg,
		})
		return failWith(400, CodeExecutionFailed, af.msg, requestID,
			map[string]any{"draft_id": d.ID})
	}

	g.emitEvent(ctx, workspaceID, "draft.executed", map[string]any{
		"draft_id":     d.ID,
		"draft_type":   d.Type,
		"actor_id":     actorID,
		"entities":     entities,
		"audit_log_id": auditID,
	})

	return ok(requestID, map[string]any{
		"draft_id":     d.ID,
		"success":      true,
		"entities":     entities,
		"audit_log_id": auditID,
		"replayed":     false,
	})
}

// replayOutcome converts a terminal reservation into the response its
// original execution produced.
func (g *Gateway) replayOutcome(r *reservation.Reservation, requestID string) Outcome {
	if r.Status == reservation.StatusSuccess {
		return ok(requestID, map[string]any{
			"draft_id":     r.DraftID,
			"success":      true,
			"entities":     r.Entities,
			"audit_log_id": r.AuditLogID,
			"replayed":     true,
		})
	}
	return failWith(400, CodeExecutionFailed, r.Error, requestID,
		map[string]any{"draft_id": r.DraftID, "replayed": true})
}

func (g *Gateway) adapterError(err error, requestID string) Outcome {
	var unknown *agent.ErrUnknownAdapter
	if errors.As(err, &unknown) {
		return fail(400, CodeAgentNotFound, err.Error(), requestID)
	}
	return fail(500, CodeInternal, err.Error(), requestID)
}

// recordAudit appends a best-effort audit entry. Audit failures are logged
// and never alter the response.
func (g *Gateway) recordAudit(ctx context.Context, workspaceID, actorID, requestID, action string, metadata map[string]any) {
	if err := g.deps.Auditor.Record(ctx, audit.Entry{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		Action:      action,
		RequestID:   requestID,
		Metadata:    metadata,
		CreatedAt:   g.now(),
	}); err != nil {
		g.deps.Logger.Warn("audit record failed", "error", err, "action", action, "request_id", requestID)
	}
}

func (g *Gateway) emitEvent(ctx context.Context, workspaceID, eventType string, payload map[string]any) {
	if g.deps.Emitter == nil {
		return
	}
	if err := g.deps.Emitter.Emit(ctx, audit.Event{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   g.now(),
	}); err != nil {
		g.deps.Logger.Warn("event emit failed", "error", err, "type", eventType)
	}
}
