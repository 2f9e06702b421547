package gateway

import (
	"context"

	"github.com/google/uuid"
)

// Maintain garbage-collects expired protocol state and reports how many rows
// each category dropped. Sweeps are independent: one failing does not stop
// the others, and partial results are still returned.
func (g *Gateway) Maintain(ctx context.Context) Outcome {
	requestID := uuid.NewString()
	now := g.now()
	deleted := map[string]int64{}
	failed := false

	if n, err := g.deps.Confirmations.DeleteExpired(ctx, now); err != nil {
		g.deps.Logger.Error("maintenance: confirmations sweep failed", "error", err, "request_id", requestID)
		failed = true
	} else {
		deleted["confirmations"] = n
	}

	if n, err := g.deps.Reservations.DeleteStaleTerminal(ctx, now.Add(-g.cfg.ReservationRetention)); err != nil {
		g.deps.Logger.Error("maintenance: reservations sweep failed", "error", err, "request_id", requestID)
		failed = true
	} else {
		deleted["reservations"] = n
	}

	if n, err := g.deps.Dedupe.DeleteExpired(ctx, now.Add(-g.cfg.DedupeTTL)); err != nil {
		g.deps.Logger.Error("maintenance: dedupe sweep failed", "error", err, "request_id", requestID)
		failed = true
	} else {
		deleted["dedupe_entries"] = n
	}

	if n, err := g.deps.Policies.DeleteStaleApprovals(ctx, now.Add(-g.cfg.ApprovalRetention)); err != nil {
		g.deps.Logger.Error("maintenance: approvals sweep failed", "error", err, "request_id", requestID)
		failed = true
	} else {
		deleted["pending_approvals"] = n
	}

	g.recordAudit(ctx, "", "maintenance", requestID, "maintenance_run", map[string]any{
		"deleted": deleted,
		"partial": failed,
	})

	return ok(requestID, map[string]any{
		"deleted": deleted,
		"partial": failed,
	})
}
