package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/workweave/draftgate/pkg/draft"
	"github.com/workweave/draftgate/pkg/membership"
)

// GateOutcome is the gate's verdict on one execute attempt.
type GateOutcome int

const (
	// GateProceed: execution may continue to the reservation step.
	GateProceed GateOutcome = iota
	// GateNeedsApproval: owner approval is mandatory and the actor is
	// below the owner tier.
	GateNeedsApproval
	// GateModuleDisabled: the draft targets a module the workspace has
	// turned off.
	GateModuleDisabled
	// GateDenied: the workspace guard rule rejected the draft.
	GateDenied
)

// GateDecision carries the outcome and a human-readable reason.
type GateDecision struct {
	Outcome GateOutcome
	Reason  string
}

// Gate evaluates execution policies. Guard rules are CEL expressions
// compiled once and cached.
type Gate struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewGate() (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("draft", cel.DynType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("role", cel.StringType),
		cel.Variable("module", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &Gate{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate applies the workspace policy to one execute attempt. A nil
// policy means the workspace has not restricted execution: proceed.
func (g *Gate) Evaluate(_ context.Context, pol *ExecutionPolicy, d *draft.Draft, actorID string, role membership.Role) (GateDecision, error) {
	if pol == nil {
		return GateDecision{Outcome: GateProceed}, nil
	}

	if pol.RequireOwnerApproval && !role.AtLeast(membership.RoleOwner) {
		return GateDecision{
			Outcome: GateNeedsApproval,
			Reason:  "workspace requires owner approval for agent executions",
		}, nil
	}

	if !pol.ModuleEnabled(d.TargetModule) {
		return GateDecision{
			Outcome: GateModuleDisabled,
			Reason:  fmt.Sprintf("module %q is not enabled for this workspace", d.TargetModule),
		}, nil
	}

	if pol.GuardExpr != "" {
		ok, err := g.evalGuard(pol.GuardExpr, d, actorID, role)
		if err != nil {
			return GateDecision{}, err
		}
		if !ok {
			return GateDecision{
				Outcome: GateDenied,
				Reason:  "workspace guard rule rejected this draft",
			}, nil
		}
	}

	return GateDecision{Outcome: GateProceed}, nil
}

func (g *Gate) evalGuard(expr string, d *draft.Draft, actorID string, role membership.Role) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"draft": map[string]any{
			"id":            d.ID,
			"type":          d.Type,
			"title":         d.Title,
			"target_module": d.TargetModule,
			"payload":       d.Payload,
			"required_role": d.RequiredRole,
			"intent":        d.Intent,
		},
		"actor":  actorID,
		"role":   role.String(),
		"module": d.TargetModule,
	})
	if err != nil {
		return false, fmt.Errorf("policy: guard eval: %w", err)
	}

	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: guard expression must return bool, got %T", out.Value())
	}
	return verdict, nil
}

func (g *Gate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.cache[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile guard: %w", issues.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: build guard program: %w", err)
	}

	g.mu.Lock()
	g.cache[expr] = prg
	g.mu.Unlock()
	return prg, nil
}
