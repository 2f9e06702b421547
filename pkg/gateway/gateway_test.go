package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	gw            *Gateway
	clock         *fakeClock
	entities      *store.MemoryStore
	reservations  *reservation.MemoryStore
	confirmations *confirmation.MemoryStore
	meanings      *meaning.MemoryStore
	policies      *policy.MemoryStore
	roles         *membership.MemoryResolver
	auditor       *audit.MemoryLogger
	emitter       *audit.MemoryEmitter
}

func newEnv(t *testing.T) *testEnv {
	return newEnvWith(t, DefaultConfig())
}

func newEnvWith(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	gate, err := policy.NewGate()
	require.NoError(t, err)
	taskSet, err := agent.NewTaskSetAdapter()
	require.NoError(t, err)
	goalPlan, err := agent.NewGoalPlanAdapter()
	require.NoError(t, err)

	env := &testEnv{
		clock:         &fakeClock{t: time.Unix(1700000000, 0)},
		entities:      store.NewMemoryStore(),
		reservations:  reservation.NewMemoryStore(),
		confirmations: confirmation.NewMemoryStore(),
		meanings:      meaning.NewMemoryStore(),
		policies:      policy.NewMemoryStore(),
		roles:         membership.NewMemoryResolver(),
		auditor:       audit.NewMemoryLogger(),
		emitter:       audit.NewMemoryEmitter(),
	}
	env.roles.Grant("actor-1", "ws-1", membership.RoleMember)
	env.roles.Grant("owner-1", "ws-1", membership.RoleOwner)

	env.gw = New(cfg, Deps{
		Roles:         env.roles,
		Signer:        signing.New([]byte("test-master-secret")),
		Meanings:      env.meanings,
		Confirmations: env.confirmations,
		Reservations:  env.reservations,
		Policies:      env.policies,
		Gate:          gate,
		Registry:      agent.NewRegistry(taskSet, goalPlan),
		Atomic:        env.entities,
		Auditor:       env.auditor,
		Emitter:       env.emitter,
		Limiter:       ratelimit.NewMemoryLimiter().WithClock(env.clock.Now),
		Dedupe:        dedupe.NewMemoryStore(),
	}).WithClock(env.clock.Now)
	return env
}

func taskDraft(id string) *draft.Draft {
	return &draft.Draft{
		ID:           id,
		Type:         "draft_task_set",
		Title:        "Create launch tasks",
		TargetModule: "tasks",
		Payload: map[string]any{
			"tasks": []any{map[string]any{"title": "Write launch summary"}},
		},
		Meaning: &draft.MeaningInput{
			Payload: map[string]any{"intent": "prepare launch", "summary": "one task"},
		},
	}
}

// confirmDraft runs confirm and returns the draft rewritten for execute:
// meaning payload swapped for the minted reference.
func confirmDraft(t *testing.T, env *testEnv, actorID string, d *draft.Draft) (string, *draft.Draft) {
	t.Helper()
	out := env.gw.Handle(context.Background(), actorID, Request{
		Mode: ModeConfirm, WorkspaceID: "ws-1", Draft: d,
	})
	require.Equal(t, 200, out.Status, "confirm failed: %v", out.Body)

	hash, _ := out.Body["confirmation_hash"].(string)
	meaningID, _ := out.Body["meaning_object_id"].(string)
	require.NotEmpty(t, hash)
	require.NotEmpty(t, meaningID)

	executable := *d
	executable.Meaning = &draft.MeaningInput{ObjectID: meaningID}
	return hash, &executable
}

func TestDryRunMakesNoMutations(t *testing.T) {
	env := newEnv(t)

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeDryRun, WorkspaceID: "ws-1", Draft: taskDraft("d-dry"),
	})
	require.Equal(t, 200, out.Status)
	assert.Equal(t, true, out.Body["can_execute"])
	assert.NotEmpty(t, out.Body["request_id"])

	assert.Equal(t, 0, env.entities.EntityCount("task"))
	assert.Equal(t, 0, env.meanings.Count())
	assert.Nil(t, env.reservations.Get("ws-1", "d-dry"))
	conf, err := env.confirmations.Get(context.Background(), "ws-1", "d-dry")
	require.NoError(t, err)
	assert.Nil(t, conf)
}

func TestDryRunUnknownAdapter(t *testing.T) {
	env := newEnv(t)

	d := taskDraft("d-unknown")
	d.AgentType = "nonexistent"
	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeDryRun, WorkspaceID: "ws-1", Draft: d,
	})
	assert.Equal(t, 400, out.Status)
	assert.Equal(t, CodeAgentNotFound, out.Body["code"])
}

func TestConfirmMintsMeaningOnce(t *testing.T) {
	env := newEnv(t)
	d := taskDraft("d-confirm")

	first := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeConfirm, WorkspaceID: "ws-1", Draft: d,
	})
	require.Equal(t, 200, first.Status)
	assert.Equal(t, 1, env.meanings.Count())

	second := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeConfirm, WorkspaceID: "ws-1", Draft: d,
	})
	require.Equal(t, 200, second.Status)

	assert.Equal(t, first.Body["confirmation_hash"], second.Body["confirmation_hash"])
	assert.Equal(t, first.Body["meaning_object_id"], second.Body["meaning_object_id"])
	assert.Equal(t, first.Body["expires_at"], second.Body["expires_at"])
	assert.Equal(t, 1, env.meanings.Count(), "replayed confirm must not mint a second record")
}

func TestConfirmRejectsUnknownMeaningReference(t *testing.T) {
	env := newEnv(t)
	d := taskDraft("d-ref")
	d.Meaning = &draft.MeaningInput{ObjectID: "no-such-meaning"}

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeConfirm, WorkspaceID: "ws-1", Draft: d,
	})
	assert.Equal(t, 400, out.Status)
	assert.Equal(t, CodeValidationError, out.Body["code"])
}

func TestExecuteHappyPath(t *testing.T) {
	env := newEnv(t)
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-exec"))

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	require.Equal(t, 200, out.Status, "execute failed: %v", out.Body)
	assert.Equal(t, true, out.Body["success"])
	assert.Equal(t, false, out.Body["replayed"])
	assert.NotEmpty(t, out.Body["audit_log_id"])

	assert.Equal(t, 1, env.entities.EntityCount("task"))
	assert.Equal(t, 1, env.entities.AuditCount(), "audit row commits with the writes")

	r := env.reservations.Get("ws-1", "d-exec")
	require.NotNil(t, r)
	assert.Equal(t, reservation.StatusSuccess, r.Status)

	events := env.emitter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "draft.executed", events[0].Type)
}

func TestExecuteReplayReturnsStoredOutcome(t *testing.T) {
	env := newEnv(t)
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-replay"))

	first := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	require.Equal(t, 200, first.Status)

	second := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	require.Equal(t, 200, second.Status)
	assert.Equal(t, true, second.Body["replayed"])
	assert.Equal(t, first.Body["audit_log_id"], second.Body["audit_log_id"])

	assert.Equal(t, 1, env.entities.EntityCount("task"), "replay must not write again")
}

func TestExecuteConcurrentSingleWinner(t *testing.T) {
	env := newEnv(t)
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-race"))

	const n = 16
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = env.gw.Handle(context.Background(), "actor-1", Request{
				Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, out := range outcomes {
		switch out.Status {
		case 200:
			if out.Body["replayed"] == false {
				fresh++
			}
		case 409:
			assert.Equal(t, CodeAlreadyExecuted, out.Body["code"])
		default:
			t.Fatalf("unexpected outcome: %d %v", out.Status, out.Body)
		}
	}
	assert.Equal(t, 1, fresh, "exactly one caller performs the writes")
	assert.Equal(t, 1, env.entities.EntityCount("task"))
}

func TestExecuteTamperedPayloadDenied(t *testing.T) {
	env := newEnv(t)
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-tamper"))

	tampered := *d
	tampered.Payload = map[string]any{
		"tasks": []any{map[string]any{"title": "Exfiltrate the database"}},
	}
	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: &tampered, ConfirmationHash: hash,
	})
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, CodeExecutionDenied, out.Body["code"])
	assert.Equal(t, 0, env.entities.EntityCount("task"))
}

func TestExecuteWithoutConfirmationDenied(t *testing.T) {
	env := newEnv(t)
	d := taskDraft("d-uncommitted")
	d.Meaning = &draft.MeaningInput{ObjectID: "m-1"}

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: "whatever",
	})
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, CodeExecutionDenied, out.Body["code"])
}

func TestExecuteRejectsInlineMeaning(t *testing.T) {
	env := newEnv(t)
	_, d := confirmDraft(t, env, "actor-1", taskDraft("d-inline"))

	d.Meaning = &draft.MeaningInput{Payload: map[string]any{"intent": "late minting"}}
	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: "x",
	})
	assert.Equal(t, 400, out.Status)
	assert.Equal(t, CodeValidationError, out.Body["code"])
}

func TestExecuteMeaningMismatchDenied(t *testing.T) {
	env := newEnv(t)
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-mismatch"))

	d.Meaning = &draft.MeaningInput{ObjectID: "some-other-meaning"}
	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, CodeExecutionDenied, out.Body["code"])
}

func TestExecuteExpiredConfirmationGone(t *testing.T) {
	env := newEnv(t)
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-expired"))

	env.clock.Advance(11 * time.Minute)
	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	assert.Equal(t, 410, out.Status)
	assert.Equal(t, CodeExecutionDenied, out.Body["code"])
	assert.Equal(t, 0, env.entities.EntityCount("task"))
}

func TestExecuteRequiredRoleEnforced(t *testing.T) {
	env := newEnv(t)
	d := taskDraft("d-role")
	d.RequiredRole = "owner"
	hash, executable := confirmDraft(t, env, "actor-1", d)

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: executable, ConfirmationHash: hash,
	})
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, CodeExecutionDenied, out.Body["code"])
	assert.Equal(t, 0, env.entities.EntityCount("task"))
	assert.Nil(t, env.reservations.Get("ws-1", "d-role"), "denial happens before reservation")
}

func TestExecuteNonMemberDenied(t *testing.T) {
	env := newEnv(t)

	out := env.gw.Handle(context.Background(), "stranger", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: taskDraft("d-stranger"), ConfirmationHash: "x",
	})
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, CodeExecutionDenied, out.Body["code"])
}

func TestExecuteModuleDisabled(t *testing.T) {
	env := newEnv(t)
	env.policies.SetPolicy(policy.ExecutionPolicy{
		WorkspaceID:    "ws-1",
		EnabledModules: []string{"goals"},
	})
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-disabled"))

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, CodeModuleDisabled, out.Body["code"])
	assert.Nil(t, env.reservations.Get("ws-1", "d-disabled"), "denial happens before reservation")
}

func TestExecutePendingApproval(t *testing.T) {
	env := newEnv(t)
	env.policies.SetPolicy(policy.ExecutionPolicy{
		WorkspaceID:          "ws-1",
		RequireOwnerApproval: true,
		EnabledModules:       []string{"tasks"},
	})
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-approval"))

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	require.Equal(t, 202, out.Status)
	assert.Equal(t, CodePendingApproval, out.Body["code"])
	assert.NotEmpty(t, out.Body["approval_id"])
	assert.Equal(t, 1, env.policies.PendingApprovalCount())
	assert.Equal(t, 0, env.entities.EntityCount("task"))

	// A retried execute must not stack a second approval.
	again := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	require.Equal(t, 202, again.Status)
	assert.Equal(t, 1, env.policies.PendingApprovalCount())
}

func TestExecuteOwnerBypassesApprovalGate(t *testing.T) {
	env := newEnv(t)
	env.policies.SetPolicy(policy.ExecutionPolicy{
		WorkspaceID:          "ws-1",
		RequireOwnerApproval: true,
		EnabledModules:       []string{"tasks"},
	})
	hash, d := confirmDraft(t, env, "owner-1", taskDraft("d-owner"))

	out := env.gw.Handle(context.Background(), "owner-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	require.Equal(t, 200, out.Status, "owner execution should not need approval: %v", out.Body)
	assert.Equal(t, 1, env.entities.EntityCount("task"))
}

func TestExecuteGuardRuleDenies(t *testing.T) {
	env := newEnv(t)
	env.policies.SetPolicy(policy.ExecutionPolicy{
		WorkspaceID:    "ws-1",
		EnabledModules: []string{"tasks"},
		GuardExpr:      `draft.type != "draft_task_set"`,
	})
	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-guard"))

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash,
	})
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, CodeExecutionDenied, out.Body["code"])
}

func TestExecuteAdapterFailureIsTerminal(t *testing.T) {
	env := newEnv(t)
	d := taskDraft("d-fail")
	// Structurally a draft, but the adapter's schema rejects the empty list.
	d.Payload = map[string]any{"tasks": []any{}}
	hash, executable := confirmDraft(t, env, "actor-1", d)

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: executable, ConfirmationHash: hash,
	})
	require.Equal(t, 400, out.Status)
	assert.Equal(t, CodeExecutionFailed, out.Body["code"])
	assert.Equal(t, 0, env.entities.EntityCount("task"))
	assert.Equal(t, 0, env.entities.AuditCount(), "failed transaction leaves no audit row behind")

	r := env.reservations.Get("ws-1", "d-fail")
	require.NotNil(t, r)
	assert.Equal(t, reservation.StatusFailed, r.Status)

	// The failure replays.
	again := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeExecute, WorkspaceID: "ws-1", Draft: executable, ConfirmationHash: hash,
	})
	require.Equal(t, 400, again.Status)
	assert.Equal(t, true, again.Body["replayed"])
}

// flakyAtomic fails the first n transactions, then delegates.
type flakyAtomic struct {
	inner    store.Atomic
	failures int
}

func (f *flakyAtomic) RunAtomic(ctx context.Context, fn func(tx store.Tx) error) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset by peer")
	}
	return f.inner.RunAtomic(ctx, fn)
}

func TestExecuteTransientFailureIsRetryable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReservationStaleAfter = 2 * time.Minute
	env := newEnvWith(t, cfg)
	env.gw.deps.Atomic = &flakyAtomic{inner: env.entities, failures: 1}

	hash, d := confirmDraft(t, env, "actor-1", taskDraft("d-flaky"))
	exec := Request{Mode: ModeExecute, WorkspaceID: "ws-1", Draft: d, ConfirmationHash: hash}

	first := env.gw.Handle(context.Background(), "actor-1", exec)
	require.Equal(t, 500, first.Status)
	assert.Equal(t, CodeInternal, first.Body["code"])
	assert.Equal(t, 0, env.entities.EntityCount("task"))

	// The claim is not terminal: a retry within the window joins the
	// in-flight attempt, one past the window takes it over.
	r := env.reservations.Get("ws-1", "d-flaky")
	require.NotNil(t, r)
	assert.Equal(t, reservation.StatusReserved, r.Status)

	blocked := env.gw.Handle(context.Background(), "actor-1", exec)
	require.Equal(t, 409, blocked.Status)
	assert.Equal(t, CodeAlreadyExecuted, blocked.Body["code"])

	env.clock.Advance(3 * time.Minute)
	retry := env.gw.Handle(context.Background(), "actor-1", exec)
	require.Equal(t, 200, retry.Status, "takeover retry failed: %v", retry.Body)
	assert.Equal(t, false, retry.Body["replayed"])
	assert.Equal(t, 1, env.entities.EntityCount("task"))

	r = env.reservations.Get("ws-1", "d-flaky")
	require.NotNil(t, r)
	assert.Equal(t, reservation.StatusSuccess, r.Status)
}

func TestRateLimitExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DryRunPerMinute = 2
	env := newEnvWith(t, cfg)

	for i := 0; i < 2; i++ {
		out := env.gw.Handle(context.Background(), "actor-1", Request{
			Mode: ModeDryRun, WorkspaceID: "ws-1", Draft: taskDraft(fmt.Sprintf("d-rl-%d", i)),
		})
		require.Equal(t, 200, out.Status)
	}

	out := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeDryRun, WorkspaceID: "ws-1", Draft: taskDraft("d-rl-3"),
	})
	require.Equal(t, 429, out.Status)
	assert.Equal(t, CodeRateLimited, out.Body["code"])
	assert.NotNil(t, out.Body["reset_at"])

	// The budget is per mode: confirm still goes through.
	conf := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeConfirm, WorkspaceID: "ws-1", Draft: taskDraft("d-rl-confirm"),
	})
	assert.Equal(t, 200, conf.Status)
}

func TestRequestDedupeReplaysResponse(t *testing.T) {
	env := newEnv(t)

	first := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeDryRun, WorkspaceID: "ws-1", Draft: taskDraft("d-dedupe"),
		RequestID: "req-42",
	})
	require.Equal(t, 200, first.Status)
	_, hadFlag := first.Body["request_replayed"]
	assert.False(t, hadFlag)

	second := env.gw.Handle(context.Background(), "actor-1", Request{
		Mode: ModeDryRun, WorkspaceID: "ws-1", Draft: taskDraft("d-dedupe"),
		RequestID: "req-42",
	})
	require.Equal(t, 200, second.Status)
	assert.Equal(t, true, second.Body["request_replayed"])
	assert.Equal(t, first.Body["request_id"], second.Body["request_id"])
}

func TestDenialsAreAudited(t *testing.T) {
	env := newEnv(t)

	env.gw.Handle(context.Background(), "stranger", Request{
		Mode: ModeDryRun, WorkspaceID: "ws-1", Draft: taskDraft("d-audit"),
	})

	entries := env.auditor.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "membership_denied", entries[0].Action)
	assert.Equal(t, "stranger", entries[0].ActorID)
}

func TestLegacySignAndExecute(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	signOut := env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action:      LegacyActionSign,
		WorkspaceID: "ws-1",
		Proposals: []draft.Proposal{
			{ID: "p-1", Type: "task", Title: "Draft memo", Payload: map[string]any{"title": "Draft memo"}},
			{ID: "p-2", Type: "idea", Payload: map[string]any{"title": "Automate reports"}},
		},
	})
	require.Equal(t, 200, signOut.Status, "sign failed: %v", signOut.Body)
	signed, _ := signOut.Body["proposals"].([]map[string]any)
	require.Len(t, signed, 2)
	expiresAt, _ := signOut.Body["expires_at"].(int64)
	require.NotZero(t, expiresAt)

	execOut := env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action:      LegacyActionExecute,
		WorkspaceID: "ws-1",
		Proposal: &draft.Proposal{
			ID: "p-1", Type: "task", Title: "Draft memo",
			Payload:   map[string]any{"title": "Draft memo"},
			ExpiresAt: expiresAt,
			Signature: signed[0]["signature"].(string),
		},
	})
	require.Equal(t, 200, execOut.Status, "execute failed: %v", execOut.Body)
	assert.Equal(t, true, execOut.Body["success"])
	assert.Equal(t, 1, env.entities.EntityCount("task"))

	// Idempotent replay.
	replay := env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action:      LegacyActionExecute,
		WorkspaceID: "ws-1",
		Proposal: &draft.Proposal{
			ID: "p-1", Type: "task", Title: "Draft memo",
			Payload:   map[string]any{"title": "Draft memo"},
			ExpiresAt: expiresAt,
			Signature: signed[0]["signature"].(string),
		},
	})
	require.Equal(t, 200, replay.Status)
	assert.Equal(t, true, replay.Body["replayed"])
	assert.Equal(t, 1, env.entities.EntityCount("task"))
}

func TestLegacySignBatchBounds(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	out := env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action: LegacyActionSign, WorkspaceID: "ws-1",
	})
	assert.Equal(t, 400, out.Status)

	big := make([]draft.Proposal, 21)
	for i := range big {
		big[i] = draft.Proposal{ID: fmt.Sprintf("p-%d", i), Type: "task", Payload: map[string]any{"title": "x"}}
	}
	out = env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action: LegacyActionSign, WorkspaceID: "ws-1", Proposals: big,
	})
	assert.Equal(t, 400, out.Status)
	assert.Equal(t, CodeValidationError, out.Body["code"])
}

func TestLegacyExecuteTamperedTypeDenied(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	signOut := env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action:      LegacyActionSign,
		WorkspaceID: "ws-1",
		Proposals:   []draft.Proposal{{ID: "p-t", Type: "task", Payload: map[string]any{"title": "x"}}},
	})
	require.Equal(t, 200, signOut.Status)
	signed := signOut.Body["proposals"].([]map[string]any)
	expiresAt := signOut.Body["expires_at"].(int64)

	// Same id and signature, but the type was swapped after signing.
	out := env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action:      LegacyActionExecute,
		WorkspaceID: "ws-1",
		Proposal: &draft.Proposal{
			ID: "p-t", Type: "update",
			Payload:   map[string]any{"title": "x"},
			ExpiresAt: expiresAt,
			Signature: signed[0]["signature"].(string),
		},
	})
	assert.Equal(t, 403, out.Status)
	assert.Equal(t, CodeExecutionDenied, out.Body["code"])
}

func TestLegacyExecuteExpiredSignatureGone(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	signOut := env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action:      LegacyActionSign,
		WorkspaceID: "ws-1",
		Proposals:   []draft.Proposal{{ID: "p-e", Type: "goal", Payload: map[string]any{"title": "x"}}},
	})
	require.Equal(t, 200, signOut.Status)
	signed := signOut.Body["proposals"].([]map[string]any)
	expiresAt := signOut.Body["expires_at"].(int64)

	env.clock.Advance(11 * time.Minute)
	out := env.gw.HandleLegacy(ctx, "actor-1", LegacyRequest{
		Action:      LegacyActionExecute,
		WorkspaceID: "ws-1",
		Proposal: &draft.Proposal{
			ID: "p-e", Type: "goal",
			Payload:   map[string]any{"title": "x"},
			ExpiresAt: expiresAt,
			Signature: signed[0]["signature"].(string),
		},
	})
	assert.Equal(t, 410, out.Status)
	assert.Equal(t, 0, env.entities.EntityCount("goal"))
}

func TestMaintainReportsDeletionCounts(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	// An expired confirmation, well past retention.
	confirmDraft(t, env, "actor-1", taskDraft("d-sweep"))
	env.clock.Advance(26 * time.Hour)

	out := env.gw.Maintain(ctx)
	require.Equal(t, 200, out.Status)
	deleted, ok := out.Body["deleted"].(map[string]int64)
	require.True(t, ok)
	assert.Equal(t, int64(1), deleted["confirmations"])
	assert.Equal(t, false, out.Body["partial"])
	assert.NotEmpty(t, out.Body["request_id"])
}
