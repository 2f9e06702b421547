package reservation

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workweave/draftgate/pkg/draft"
)

const staleAfter = 10 * time.Minute

func attempt(actor string, at time.Time) Reservation {
	return Reservation{
		WorkspaceID: "ws1",
		DraftID:     "d1",
		AgentType:   "task-set",
		DraftType:   "draft_task_set",
		ActorID:     actor,
		RequestID:   "req-" + actor,
		ReservedAt:  at,
	}
}

func TestMemoryReserveThenReplay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	outcome, _, err := s.Reserve(ctx, attempt("a1", now), staleAfter)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, outcome)

	// Second attempt while in progress.
	outcome, existing, err := s.Reserve(ctx, attempt("a2", now.Add(time.Second)), staleAfter)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, outcome)
	assert.Equal(t, "a1", existing.ActorID)

	entities := []draft.EntityRef{{Type: "task", ID: "t1", Action: "create"}}
	require.NoError(t, s.Finalize(ctx, nil, "ws1", "d1", StatusSuccess, entities, "audit-1", "", now))

	outcome, existing, err = s.Reserve(ctx, attempt("a2", now.Add(2*time.Second)), staleAfter)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, outcome)
	assert.Equal(t, StatusSuccess, existing.Status)
	assert.Equal(t, entities, existing.Entities)
	assert.Equal(t, "audit-1", existing.AuditLogID)
}

func TestMemoryStaleTakeover(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	outcome, _, err := s.Reserve(ctx, attempt("a1", now.Add(-11*time.Minute)), staleAfter)
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, outcome)

	outcome, _, err = s.Reserve(ctx, attempt("a2", now), staleAfter)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTakenOver, outcome)

	// The original holder's finalize still succeeds (status is reserved);
	// exactly-once is preserved because the takeover happens only after the
	// staleness window, during which the first attempt is presumed dead.
	require.NoError(t, s.Finalize(ctx, nil, "ws1", "d1", StatusFailed, nil, "", "timeout", now))
	err = s.Finalize(ctx, nil, "ws1", "d1", StatusSuccess, nil, "audit-2", "", now)
	assert.Error(t, err, "second finalize must fail")
}

func TestMemoryConcurrentReserveSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	const attempts = 32
	var wg sync.WaitGroup
	outcomes := make([]Outcome, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, _, err := s.Reserve(ctx, attempt("racer", now), staleAfter)
			require.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	var acquired int
	for _, o := range outcomes {
		if o == OutcomeAcquired {
			acquired++
		}
	}
	assert.Equal(t, 1, acquired, "exactly one winner")
}

func TestMemoryFinalizeExactlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, _, err := s.Reserve(ctx, attempt("a1", now), staleAfter)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, nil, "ws1", "d1", StatusSuccess, nil, "audit-1", "", now))
	assert.Error(t, s.Finalize(ctx, nil, "ws1", "d1", StatusFailed, nil, "", "late", now))
}

func TestMemoryDeleteStaleTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	_, _, err := s.Reserve(ctx, attempt("a1", old), staleAfter)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, nil, "ws1", "d1", StatusSuccess, nil, "audit-1", "", old))

	n, err := s.DeleteStaleTerminal(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Nil(t, s.Get("ws1", "d1"))
}

func TestPostgresReserveAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO draft_reservations`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, _, err := NewPostgresStore(db).Reserve(context.Background(), attempt("a1", time.Now()), staleAfter)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveReplayTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO draft_reservations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT workspace_id, draft_id, agent_type`)).
		WithArgs("ws1", "d1").
		WillReturnRows(sqlmock.NewRows([]string{
			"workspace_id", "draft_id", "agent_type", "draft_type", "actor_id", "request_id",
			"status", "entities", "audit_log_id", "error", "reserved_at", "finalized_at",
		}).AddRow("ws1", "d1", "task-set", "draft_task_set", "a0", "req-a0",
			"success", `[{"type":"task","id":"t1","action":"create"}]`, "audit-1", "", now.Add(-time.Minute), now))

	outcome, existing, err := NewPostgresStore(db).Reserve(context.Background(), attempt("a1", now), staleAfter)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, outcome)
	require.NotNil(t, existing)
	assert.Equal(t, StatusSuccess, existing.Status)
	assert.Equal(t, []draft.EntityRef{{Type: "task", ID: "t1", Action: "create"}}, existing.Entities)
}

func TestPostgresReserveStaleTakeover(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO draft_reservations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT workspace_id, draft_id, agent_type`)).
		WillReturnRows(sqlmock.NewRows([]string{
			"workspace_id", "draft_id", "agent_type", "draft_type", "actor_id", "request_id",
			"status", "entities", "audit_log_id", "error", "reserved_at", "finalized_at",
		}).AddRow("ws1", "d1", "task-set", "draft_task_set", "a0", "req-a0",
			"reserved", nil, nil, nil, now.Add(-11*time.Minute), nil))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE draft_reservations`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, _, err := NewPostgresStore(db).Reserve(context.Background(), attempt("a1", now), staleAfter)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTakenOver, outcome)
}
