package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workweave/draftgate/pkg/reservation"
)

// SQLStore implements Atomic over database/sql. The SQL is kept portable
// ($N placeholders, timestamps bound from Go) so the same store runs on
// PostgreSQL (lib/pq) and on SQLite (modernc) in single-node lite mode.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the handle for the read-side stores sharing this database.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) RunAtomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}

	if err := fn(&sqlTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback after %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) CreateEntity(ctx context.Context, workspaceID, entityType, actorID string, fields map[string]any) (string, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	title, _ := fields["title"].(string)
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("store: encode %s fields: %w", entityType, err)
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO `+table+` (id, workspace_id, title, fields, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, workspaceID, title, encoded, actorID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("store: insert %s: %w", entityType, err)
	}
	return id, nil
}

func (t *sqlTx) AppendAudit(ctx context.Context, row AuditRow) error {
	entities, err := json.Marshal(row.Entities)
	if err != nil {
		return fmt.Errorf("store: encode audit entities: %w", err)
	}
	metadata, err := json.Marshal(row.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode audit metadata: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, workspace_id, actor_id, action, request_id, entities, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.WorkspaceID, row.ActorID, row.Action, row.RequestID, entities, metadata, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

func (t *sqlTx) Execer() reservation.Execer {
	return t.tx
}
