// Package gateway implements the draft lifecycle protocol: dry_run ->
// confirm -> execute, plus the legacy single-step sign/execute protocol and
// the maintenance sweep. The gateway itself is stateless; all coordination
// between concurrent callers happens through the backing stores'
// uniqueness constraints.
package gateway

import (
	"log/slog"
	"time"

	"github.com/workweave/draftgate/pkg/agent"
	"github.com/workweave/draftgate/pkg/audit"
	"github.com/workweave/draftgate/pkg/confirmation"
	"github.com/workweave/draftgate/pkg/dedupe"
	"github.com/workweave/draftgate/pkg/draft"
	"github.com/workweave/draftgate/pkg/meaning"
	"github.com/workweave/draftgate/pkg/membership"
	"github.com/workweave/draftgate/pkg/policy"
	"github.com/workweave/draftgate/pkg/ratelimit"
	"github.com/workweave/draftgate/pkg/reservation"
	"github.com/workweave/draftgate/pkg/signing"
	"github.com/workweave/draftgate/pkg/store"
)

// Error codes surfaced to callers.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeExecutionDenied = "EXECUTION_DENIED"
	CodeAgentNotFound   = "AGENT_NOT_FOUND"
	CodeModuleDisabled  = "MODULE_DISABLED"
	CodeAlreadyExecuted = "ALREADY_EXECUTED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeExecutionFailed = "EXECUTION_FAILED"
	CodePendingApproval = "PENDING_APPROVAL"
	CodeInternal        = "INTERNAL_ERROR"
)

// Protocol modes.
const (
	ModeDryRun  = "dry_run"
	ModeConfirm = "confirm"
	ModeExecute = "execute"
)

// Config pins the protocol's operational constants.
type Config struct {
	// ConfirmTTL bounds how long a confirmation is executable.
	ConfirmTTL time.Duration
	// ReservationStaleAfter is the crash-recovery takeover window.
	ReservationStaleAfter time.Duration
	// LegacyProposalTTL is the fixed signing window of the legacy protocol.
	LegacyProposalTTL time.Duration
	// DedupeTTL is how long replayed responses stay servable.
	DedupeTTL time.Duration
	// ReservationRetention is how long terminal reservations are kept.
	ReservationRetention time.Duration
	// ApprovalRetention is how long unanswered approvals are kept.
	ApprovalRetention time.Duration

	DryRunPerMinute  int
	ConfirmPerMinute int
	ExecutePerMinute int
}

// DefaultConfig matches the documented protocol constants.
func DefaultConfig() Config {
	return Config{
		ConfirmTTL:            10 * time.Minute,
		ReservationStaleAfter: 10 * time.Minute,
		LegacyProposalTTL:     10 * time.Minute,
		DedupeTTL:             24 * time.Hour,
		ReservationRetention:  24 * time.Hour,
		ApprovalRetention:     7 * 24 * time.Hour,
		DryRunPerMinute:       60,
		ConfirmPerMinute:      20,
		ExecutePerMinute:      30,
	}
}

// Deps are the gateway's collaborators, injected at startup.
type Deps struct {
	Roles         membership.Resolver
	Signer        *signing.Signer
	Meanings      meaning.Store
	Confirmations confirmation.Store
	Reservations  reservation.Store
	Policies      policy.Store
	Gate          *policy.Gate
	Registry      *agent.Registry
	Atomic        store.Atomic
	Auditor       audit.Logger
	Emitter       audit.Emitter
	Limiter       ratelimit.Limiter
	Dedupe        dedupe.Store
	Logger        *slog.Logger
}

// Gateway is the protocol state machine. It holds no per-request state.
type Gateway struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func New(cfg Config, deps Deps) *Gateway {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Gateway{cfg: cfg, deps: deps, now: time.Now}
}

// WithClock overrides the clock for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Request is the draft-protocol envelope.
type Request struct {
	Mode             string       `json:"mode"`
	WorkspaceID      string       `json:"workspace_id"`
	Draft            *draft.Draft `json:"draft"`
	ConfirmationHash string       `json:"confirmation_hash,omitempty"`
	RequestID        string       `json:"request_id,omitempty"`
}

// Outcome is a protocol result ready for HTTP serialization. Body always
// carries request_id; error bodies carry code and reason.
type Outcome struct {
	Status int
	Body   map[string]any
}

func ok(requestID string, body map[string]any) Outcome {
	body["request_id"] = requestID
	return Outcome{Status: 200, Body: body}
}

func fail(status int, code, reason, requestID string) Outcome {
	return Outcome{Status: status, Body: map[string]any{
		"code":       code,
		"reason":     reason,
		"request_id": requestID,
	}}
}

// failWith adds extra fields to an error body.
func failWith(status int, code, reason, requestID string, extra map[string]any) Outcome {
	out := fail(status, code, reason, requestID)
	for k, v := range extra {
		out.Body[k] = v
	}
	return out
}

func (g *Gateway) modeLimit(mode string) int {
	switch mode {
	case ModeDryRun:
		return g.cfg.DryRunPerMinute
	case ModeConfirm:
		return g.cfg.ConfirmPerMinute
	case ModeExecute:
		return g.cfg.ExecutePerMinute
	default:
		return 0
	}
}
