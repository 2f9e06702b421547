package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// StoreLogger appends audit entries to the audit_log table outside of any
// execution transaction. The in-transaction path goes through store.Tx.
type StoreLogger struct {
	db *sql.DB
}

func NewStoreLogger(db *sql.DB) *StoreLogger {
	return &StoreLogger{db: db}
}

func (l *StoreLogger) Record(ctx context.Context, e Entry) error {
	entities, err := json.Marshal(e.Entities)
	if err != nil {
		return fmt.Errorf("audit: encode entities: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, workspace_id, actor_id, action, request_id, entities, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.WorkspaceID, e.ActorID, e.Action, e.RequestID, entities, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// StoreEmitter appends domain events to the events outbox table. A relay
// worker drains the outbox; the gateway only appends.
type StoreEmitter struct {
	db *sql.DB
}

func NewStoreEmitter(db *sql.DB) *StoreEmitter {
	return &StoreEmitter{db: db}
}

func (e *StoreEmitter) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("audit: encode event payload: %w", err)
	}
	_, err = e.db.ExecContext(ctx,
		`INSERT INTO events (id, workspace_id, event_type, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, 'pending', $5)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.WorkspaceID, ev.Type, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: emit: %w", err)
	}
	return nil
}

// MemoryLogger collects entries in memory for tests and lite mode.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Record(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries. Test helper.
func (l *MemoryLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// MemoryEmitter collects events in memory for tests and lite mode.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

func (e *MemoryEmitter) Emit(_ context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

// Events returns a copy of the emitted events. Test helper.
func (e *MemoryEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}
