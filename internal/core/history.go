// Package core provides the History Store.
//
// INVARIANTS:
// - Reads are newest first, by insertion order
// - Insert and eviction happen in ONE transaction
// - The log never holds more than the cap
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cropdoc/cropdoc/internal/model"
)

// DefaultHistoryCap is the default number of entries kept.
const DefaultHistoryCap = 50

// ErrHistoryNotFound is returned when an entry id does not exist.
var ErrHistoryNotFound = errors.New("history entry not found")

// HistoryStore is a capped log of classification results.
type HistoryStore struct {
	db  *sql.DB
	cap int
	now func() time.Time
}

// NewHistoryStore creates a history store keeping at most limit entries.
func NewHistoryStore(store *StateDB, limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	return &HistoryStore{db: store.DB(), cap: limit, now: time.Now}
}

// Cap returns the maximum number of entries kept.
func (h *HistoryStore) Cap() int { return h.cap }

// Add appends a result, evicting the oldest entries beyond the cap.
func (h *HistoryStore) Add(ctx context.Context, result *model.ClassificationResult, imageRef string) (*model.HistoryEntry, error) {
	if result == nil {
		return nil, fmt.Errorf("nil result")
	}
	entry := &model.HistoryEntry{
		ID:             uuid.New().String(),
		CreatedAt:      h.now().UTC(),
		Result:         *result,
		ImageReference: imageRef,
	}
	raw, err := json.Marshal(entry.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", ErrDiskIO, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history (id, created_at, image_ref, is_healthy, result)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, formatTime(entry.CreatedAt), imageRef, boolToInt(result.IsHealthy), string(raw)); err != nil {
		return nil, fmt.Errorf("%w: failed to insert history entry: %v", ErrDiskIO, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM history WHERE seq NOT IN (
			SELECT seq FROM history ORDER BY seq DESC LIMIT ?
		)
	`, h.cap); err != nil {
		return nil, fmt.Errorf("%w: failed to trim history: %v", ErrDiskIO, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit history entry: %v", ErrDiskIO, err)
	}
	return entry, nil
}

// List returns all entries, newest first.
func (h *HistoryStore) List(ctx context.Context) ([]*model.HistoryEntry, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, created_at, image_ref, result FROM history ORDER BY seq DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*model.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one entry.
func (h *HistoryStore) Get(ctx context.Context, id string) (*model.HistoryEntry, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT id, created_at, image_ref, result FROM history WHERE id = ?
	`, id)
	e, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}
	return e, err
}

// Delete removes one entry.
func (h *HistoryStore) Delete(ctx context.Context, id string) error {
	res, err := h.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete history entry: %v", ErrDiskIO, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}
	return nil
}

// Clear removes every entry.
func (h *HistoryStore) Clear(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("%w: failed to clear history: %v", ErrDiskIO, err)
	}
	return nil
}

// Stats summarises the log.
func (h *HistoryStore) Stats(ctx context.Context) (*model.HistoryStats, error) {
	var stats model.HistoryStats
	var healthy sql.NullInt64
	var last sql.NullString
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(is_healthy),
			(SELECT created_at FROM history ORDER BY seq DESC LIMIT 1)
		FROM history
	`).Scan(&stats.TotalScans, &healthy, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to compute history stats: %w", err)
	}
	stats.HealthyCount = int(healthy.Int64)
	stats.DiseasedCount = stats.TotalScans - stats.HealthyCount
	if last.Valid {
		t := parseTime(last.String)
		stats.LastScan = &t
	}
	return &stats, nil
}

func scanHistory(r rowScanner) (*model.HistoryEntry, error) {
	var e model.HistoryEntry
	var createdAt, raw string
	if err := r.Scan(&e.ID, &createdAt, &e.ImageReference, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan history entry: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(raw), &e.Result); err != nil {
		return nil, fmt.Errorf("%w: history entry %s: %v", ErrMalformedPayload, e.ID, err)
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
