package core

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cropdoc/cropdoc/internal/model"
)

// JournalManager manages the write-ahead journal for crash safety.
// Asset downloads are journaled so that a crash mid-download can be
// rolled back at the next start.
type JournalManager struct {
	db *sql.DB
	mu sync.Mutex
}

// NewJournalManager creates a new journal manager.
func NewJournalManager(db *sql.DB) *JournalManager {
	return &JournalManager{db: db}
}

// BeginOperation starts a new journaled operation.
// INVARIANT: Journal entry MUST be written BEFORE any file is touched.
func (jm *JournalManager) BeginOperation(ctx context.Context, opType string, payload string) (string, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	opID := uuid.New().String()
	_, err := jm.db.ExecContext(ctx, `
		INSERT INTO journal (operation_id, operation_type, payload, state, created_at)
		VALUES (?, ?, ?, 'pending', ?)
	`, opID, opType, payload, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to begin operation: %w", err)
	}
	return opID, nil
}

// CommitOperation marks an operation as committed and complete.
func (jm *JournalManager) CommitOperation(ctx context.Context, opID string) error {
	return jm.finish(ctx, opID, model.JournalStateCommitted, "")
}

// RollbackOperation marks an operation as rolled back, recording why.
func (jm *JournalManager) RollbackOperation(ctx context.Context, opID string, errMsg string) error {
	return jm.finish(ctx, opID, model.JournalStateRolledBack, errMsg)
}

func (jm *JournalManager) finish(ctx context.Context, opID string, state model.JournalState, errMsg string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var errVal interface{}
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := jm.db.ExecContext(ctx,
		`UPDATE journal SET state = ?, error = ?, completed_at = ? WHERE operation_id = ?`,
		string(state), errVal, formatTime(time.Now()), opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s: %w", state, err)
	}
	return nil
}

// GetPendingOperations returns operations that never completed.
func (jm *JournalManager) GetPendingOperations(ctx context.Context) ([]*model.JournalEntry, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	rows, err := jm.db.QueryContext(ctx, `
		SELECT id, operation_id, operation_type, payload, state, created_at
		FROM journal WHERE state = 'pending'
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operations: %w", err)
	}
	defer rows.Close()

	var entries []*model.JournalEntry
	for rows.Next() {
		var entry model.JournalEntry
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.OperationID, &entry.OperationType,
			&entry.Payload, &entry.State, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.CreatedAt = parseTime(createdAt)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Recent returns the newest journal entries, newest first.
func (jm *JournalManager) Recent(ctx context.Context, limit int) ([]*model.JournalEntry, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	rows, err := jm.db.QueryContext(ctx, `
		SELECT id, operation_id, operation_type, payload, state, created_at, completed_at
		FROM journal ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	defer rows.Close()

	var entries []*model.JournalEntry
	for rows.Next() {
		var entry model.JournalEntry
		var createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&entry.ID, &entry.OperationID, &entry.OperationType,
			&entry.Payload, &entry.State, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.CreatedAt = parseTime(createdAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			entry.CompletedAt = &t
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
