// Package core provides scanners and diagnostics for local state.
//
// INVARIANTS:
// - All operations READ-ONLY
// - NO auto-fix
// - Report-only
package core

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cropdoc/cropdoc/internal/model"
)

// ScanResult contains scan findings.
type ScanResult struct {
	ScanType     string        `json:"scan_type"`
	ScanTime     time.Time     `json:"scan_time"`
	TotalItems   int           `json:"total_items"`
	OKCount      int           `json:"ok_count"`
	WarningCount int           `json:"warning_count"`
	ErrorCount   int           `json:"error_count"`
	Findings     []ScanFinding `json:"findings"`
}

// ScanFinding is an individual finding.
type ScanFinding struct {
	Severity    string `json:"severity"` // "ok", "warning", "error"
	Category    string `json:"category"`
	Description string `json:"description"`
	Path        string `json:"path,omitempty"`
	Suggestion  string `json:"suggestion,omitempty"`
}

func (r *ScanResult) add(f ScanFinding) {
	switch f.Severity {
	case "error":
		r.ErrorCount++
	case "warning":
		r.WarningCount++
	default:
		r.OKCount++
	}
	r.Findings = append(r.Findings, f)
}

// Scan compares asset records, files on disk and the engine's loaded set.
func (s *ModelStore) Scan(ctx context.Context) (*ScanResult, error) {
	assets, err := s.Assets(ctx)
	if err != nil {
		return nil, err
	}
	recorded := make(map[model.Category]*model.ModelAsset, len(assets))
	for _, a := range assets {
		recorded[a.Category] = a
	}

	result := &ScanResult{
		ScanType:   "models",
		ScanTime:   time.Now(),
		TotalItems: len(model.Categories()),
	}

	for _, c := range model.Categories() {
		path := s.AssetPath(c)
		st, statErr := os.Stat(path)
		row := recorded[c]
		loaded := s.engine.IsLoaded(c)

		switch {
		case statErr != nil && row == nil:
			result.add(ScanFinding{
				Severity:    "ok",
				Category:    string(c),
				Description: "Not downloaded",
			})
		case statErr != nil:
			result.add(ScanFinding{
				Severity:    "error",
				Category:    string(c),
				Description: "Asset recorded but file is missing",
				Path:        path,
				Suggestion:  fmt.Sprintf("Run 'cropdoc models download %s'", c),
			})
		case st.Size() < s.minSize:
			result.add(ScanFinding{
				Severity:    "error",
				Category:    string(c),
				Description: fmt.Sprintf("File is %s, below the %d byte minimum", FormatSize(st.Size()), s.minSize),
				Path:        path,
				Suggestion:  fmt.Sprintf("Run 'cropdoc models delete %s' and download again", c),
			})
		case row == nil:
			result.add(ScanFinding{
				Severity:    "warning",
				Category:    string(c),
				Description: "File on disk has no asset record",
				Path:        path,
				Suggestion:  "Records are rebuilt on next start",
			})
		case row.SizeBytes != st.Size():
			result.add(ScanFinding{
				Severity:    "warning",
				Category:    string(c),
				Description: fmt.Sprintf("Size mismatch: recorded %d, file %d", row.SizeBytes, st.Size()),
				Path:        path,
			})
		case !loaded:
			result.add(ScanFinding{
				Severity:    "warning",
				Category:    string(c),
				Description: "Downloaded but not loaded",
				Path:        path,
				Suggestion:  "Loaded automatically on next start",
			})
		default:
			result.add(ScanFinding{
				Severity:    "ok",
				Category:    string(c),
				Description: fmt.Sprintf("Ready (%s)", FormatSize(st.Size())),
				Path:        path,
			})
		}
	}

	entries, err := os.ReadDir(s.partialDir())
	if err == nil {
		partials := 0
		for _, e := range entries {
			if isPartialName(e.Name()) {
				partials++
			}
		}
		if partials > 0 {
			result.add(ScanFinding{
				Severity:    "warning",
				Category:    "partial",
				Description: fmt.Sprintf("%d partial downloads left behind", partials),
				Path:        s.partialDir(),
				Suggestion:  "Removed automatically on next start",
			})
		}
	}

	return result, nil
}

// Diagnostics is a snapshot of local state for support.
type Diagnostics struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	StatePath    string            `json:"state_path"`
	Encrypted    bool              `json:"encrypted"`
	ModelsPath   string            `json:"models_path"`
	AssetCount   int               `json:"asset_count"`
	HistoryCount int               `json:"history_count"`
	Journal      JournalDiagnostic `json:"journal"`
	KeysPresent  []string          `json:"keys_present"`
}

// JournalDiagnostic shows journal state.
type JournalDiagnostic struct {
	PendingCount    int `json:"pending_count"`
	CommittedCount  int `json:"committed_count"`
	RolledBackCount int `json:"rolled_back_count"`
}

// ExportDiagnostics generates a read-only summary of the state database.
func ExportDiagnostics(ctx context.Context, store *StateDB, modelsDir string) (*Diagnostics, error) {
	db := store.DB()
	diag := &Diagnostics{
		GeneratedAt: time.Now(),
		StatePath:   store.Path(),
		Encrypted:   store.IsEncrypted(),
		ModelsPath:  modelsDir,
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM model_assets`, &diag.AssetCount},
		{`SELECT COUNT(*) FROM history`, &diag.HistoryCount},
		{`SELECT COUNT(*) FROM journal WHERE state = 'pending'`, &diag.Journal.PendingCount},
		{`SELECT COUNT(*) FROM journal WHERE state = 'committed'`, &diag.Journal.CommittedCount},
		{`SELECT COUNT(*) FROM journal WHERE state = 'rolled_back'`, &diag.Journal.RolledBackCount},
	}
	for _, q := range counts {
		if err := db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("failed to collect diagnostics: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		diag.KeysPresent = append(diag.KeysPresent, k)
	}
	return diag, rows.Err()
}
