// Package core provides the status overview.
//
// INVARIANTS:
// - Read-only operations only
// - NO side effects
// - Human-readable summary
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cropdoc/cropdoc/internal/model"
)

// MemoryReporter reports what the inference engine holds.
type MemoryReporter interface {
	Loaded() []model.Category
}

// Dashboard provides a read-only overview of the local core.
type Dashboard struct {
	conn    *ConnectivityMonitor
	models  *ModelStore
	engine  MemoryReporter
	advice  *AdviceCache
	history *HistoryStore
}

// NewDashboard creates a new dashboard.
func NewDashboard(conn *ConnectivityMonitor, models *ModelStore, engine MemoryReporter,
	advice *AdviceCache, history *HistoryStore) *Dashboard {
	return &Dashboard{conn: conn, models: models, engine: engine, advice: advice, history: history}
}

// Overview contains the complete status overview.
type Overview struct {
	GeneratedAt time.Time `json:"generated_at"`

	// Connectivity
	Connectivity       model.ConnectivityState `json:"connectivity"`
	StatusMessage      string                  `json:"status_message"`
	QualityDescription string                  `json:"quality_description"`
	RecommendedTimeout time.Duration           `json:"recommended_timeout"`
	Network            model.NetworkStats      `json:"network"`

	// Models
	Models           *model.ModelInfo `json:"models"`
	LoadedCategories []model.Category `json:"loaded_categories"`
	ServesOffline    []model.Category `json:"serves_offline"`

	// Advice
	Advice AdviceInfo `json:"advice"`

	// History
	History *model.HistoryStats `json:"history"`
}

// GetOverview returns a complete read-only overview.
func (d *Dashboard) GetOverview(ctx context.Context) (*Overview, error) {
	state := d.conn.State()
	o := &Overview{
		GeneratedAt:        time.Now(),
		Connectivity:       state,
		StatusMessage:      d.conn.StatusMessage(),
		QualityDescription: GetQualityDescription(state.ConnectionQuality),
		RecommendedTimeout: d.conn.RecommendedTimeout(),
		Network:            d.conn.NetworkStats(),
		LoadedCategories:   d.engine.Loaded(),
		Advice:             d.advice.Info(),
	}

	info, err := d.models.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read model info: %w", err)
	}
	o.Models = info
	for _, c := range d.models.SupportedCategories() {
		if d.models.IsAvailable(c) {
			o.ServesOffline = append(o.ServesOffline, c)
		}
	}

	stats, err := d.history.Stats(ctx)
	if err != nil {
		return nil, err
	}
	o.History = stats
	return o, nil
}

// FormatSize formats bytes to human-readable format.
func FormatSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
