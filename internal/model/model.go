// Package model defines the core domain models for cropdoc.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Category is a crop type. It is the unit of model/asset partitioning.
type Category string

const (
	CategoryCashew  Category = "cashew"
	CategoryCassava Category = "cassava"
	CategoryMaize   Category = "maize"
	CategoryTomato  Category = "tomato"
)

// Categories returns the fixed set of supported categories in stable order.
func Categories() []Category {
	return []Category{CategoryCashew, CategoryCassava, CategoryMaize, CategoryTomato}
}

// ParseCategory normalises s and checks it against the supported set.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unsupported crop type %q (supported: %s)", s, joinCategories(Categories()))
}

// Valid reports whether c is one of the supported categories.
func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil
}

func joinCategories(cs []Category) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

// ConnectionType represents the network technology in use.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionUnknown  ConnectionType = "unknown"
)

// ConnectionQuality is a coarse rating of the current link.
type ConnectionQuality string

const (
	QualityPoor      ConnectionQuality = "poor"
	QualityGood      ConnectionQuality = "good"
	QualityExcellent ConnectionQuality = "excellent"
)

// NetworkDetails carries technology-specific link details.
// Implementations: WifiDetails, CellularDetails, OtherDetails.
type NetworkDetails interface {
	Kind() ConnectionType
}

// WifiDetails describes a wifi link. Strength is 0-100 when known.
type WifiDetails struct {
	Strength *int   `json:"strength,omitempty"`
	SSID     string `json:"ssid,omitempty"`
}

// Kind implements NetworkDetails.
func (WifiDetails) Kind() ConnectionType { return ConnectionWifi }

// CellularDetails describes a cellular link. Generation is e.g. "4g", "5g".
type CellularDetails struct {
	Generation string `json:"generation,omitempty"`
	Carrier    string `json:"carrier,omitempty"`
}

// Kind implements NetworkDetails.
func (CellularDetails) Kind() ConnectionType { return ConnectionCellular }

// OtherDetails is used for ethernet and unknown links.
type OtherDetails struct {
	Type ConnectionType `json:"type"`
}

// Kind implements NetworkDetails.
func (d OtherDetails) Kind() ConnectionType {
	if d.Type == "" {
		return ConnectionUnknown
	}
	return d.Type
}

// ConnectivityState is the coalesced connectivity snapshot shared by all consumers.
// CanUseRemote is derived on every read and never stored.
type ConnectivityState struct {
	IsOnline            bool              `json:"is_online"`
	OfflineModeOverride bool              `json:"offline_mode_override"`
	ConnectionType      ConnectionType    `json:"connection_type"`
	ConnectionQuality   ConnectionQuality `json:"connection_quality"`
	InternetReachable   *bool             `json:"internet_reachable,omitempty"`
	LastOnline          *time.Time        `json:"last_online,omitempty"`
	Details             NetworkDetails    `json:"-"`
}

// CanUseRemote reports whether network-dependent services may be used.
func (s ConnectivityState) CanUseRemote() bool {
	return s.IsOnline && !s.OfflineModeOverride
}

// Equal reports whether two snapshots are indistinguishable to listeners.
func (s ConnectivityState) Equal(o ConnectivityState) bool {
	if s.IsOnline != o.IsOnline ||
		s.OfflineModeOverride != o.OfflineModeOverride ||
		s.ConnectionType != o.ConnectionType ||
		s.ConnectionQuality != o.ConnectionQuality {
		return false
	}
	if (s.InternetReachable == nil) != (o.InternetReachable == nil) {
		return false
	}
	if s.InternetReachable != nil && *s.InternetReachable != *o.InternetReachable {
		return false
	}
	if (s.LastOnline == nil) != (o.LastOnline == nil) {
		return false
	}
	return s.LastOnline == nil || s.LastOnline.Equal(*o.LastOnline)
}

// MarshalJSON adds the derived can_use_remote field for display.
func (s ConnectivityState) MarshalJSON() ([]byte, error) {
	type alias ConnectivityState
	return json.Marshal(struct {
		alias
		CanUseRemote bool `json:"can_use_remote"`
	}{alias(s), s.CanUseRemote()})
}

// NetworkStats accumulates time spent online/offline.
// Totals only grow; ResetAt marks the start of accounting.
type NetworkStats struct {
	TotalOnline        time.Duration `json:"total_online"`
	TotalOffline       time.Duration `json:"total_offline"`
	ConnectionSwitches int           `json:"connection_switches"`
	LastConnected      *time.Time    `json:"last_connected,omitempty"`
	LastDisconnected   *time.Time    `json:"last_disconnected,omitempty"`
	ResetAt            time.Time     `json:"reset_at"`
	// The open segment: when it started and which side it accrues to.
	SegmentStart  time.Time `json:"segment_start"`
	SegmentOnline bool      `json:"segment_online"`
}

// ModelAsset is a locally cached inference asset for one category.
type ModelAsset struct {
	Category       Category  `json:"category"`
	LocalPath      string    `json:"local_path"`
	SizeBytes      int64     `json:"size_bytes"`
	SHA256         string    `json:"sha256"`
	DownloadedAt   time.Time `json:"downloaded_at"`
	LoadedInMemory bool      `json:"loaded_in_memory"`
}

// ModelInfo is the derived aggregate over all assets.
// NOTE: cached for fast reads only, disk is the source of truth.
type ModelInfo struct {
	TotalCategories     int        `json:"total_categories"`
	AvailableCategories []Category `json:"available_categories"`
	StorageUsedBytes    int64      `json:"storage_used_bytes"`
	ComputedAt          time.Time  `json:"computed_at"`
}

// DiseaseInfo is descriptive, non-personalised disease information.
type DiseaseInfo struct {
	Description string `json:"description"`
	Symptoms    string `json:"symptoms"`
	Causes      string `json:"causes"`
	Treatment   string `json:"treatment"`
	Prevention  string `json:"prevention"`
}

// AdviceSnapshot maps category -> disease key -> info.
type AdviceSnapshot map[Category]map[string]DiseaseInfo

// AdviceCacheEntry is the persisted advice snapshot.
type AdviceCacheEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Payload   AdviceSnapshot `json:"data"`
}

// Advice is the structured advice generated by the backend.
type Advice struct {
	Causes           string `json:"causes,omitempty"`
	ImmediateActions string `json:"immediate_actions,omitempty"`
	Prevention       string `json:"prevention,omitempty"`
	Treatment        string `json:"treatment,omitempty"`
	Monitoring       string `json:"monitoring,omitempty"`
	QuestionAnswer   string `json:"question_answer,omitempty"`
}

// Prediction is one ranked label.
type Prediction struct {
	Label             string  `json:"disease"`
	ConfidencePercent float64 `json:"confidence"`
}

// MaxTopPredictions is the maximum length of ClassificationResult.TopPredictions.
const MaxTopPredictions = 3

// ClassificationResult is the unified result of either classification path.
type ClassificationResult struct {
	Category                 Category     `json:"crop_type"`
	PredictedLabel           string       `json:"predicted_disease"`
	ConfidencePercent        float64      `json:"confidence"`
	IsHealthy                bool         `json:"is_healthy"`
	Description              string       `json:"description"`
	TopPredictions           []Prediction `json:"top_predictions"`
	UserQuestion             string       `json:"user_question,omitempty"`
	Notes                    string       `json:"notes,omitempty"`
	Advice                   *Advice      `json:"ai_advice,omitempty"`
	AdviceError              string       `json:"ai_advice_error,omitempty"`
	Filename                 string       `json:"filename,omitempty"`
	FileSize                 int64        `json:"file_size,omitempty"`
	Status                   string       `json:"status,omitempty"`
	ServedFromLocalInference bool         `json:"served_from_local_inference"`
}

// Validate checks the invariants of the unified result.
func (r *ClassificationResult) Validate() error {
	if r.Advice != nil && r.AdviceError != "" {
		return fmt.Errorf("result carries both advice and advice error")
	}
	if r.PredictedLabel == "" {
		return fmt.Errorf("result has no predicted label")
	}
	if r.ConfidencePercent < 0 || r.ConfidencePercent > 100 || math.IsNaN(r.ConfidencePercent) {
		return fmt.Errorf("confidence %v out of range", r.ConfidencePercent)
	}
	if len(r.TopPredictions) == 0 {
		return fmt.Errorf("result has no top predictions")
	}
	if len(r.TopPredictions) > MaxTopPredictions {
		return fmt.Errorf("result has %d top predictions, max %d", len(r.TopPredictions), MaxTopPredictions)
	}
	head := r.TopPredictions[0]
	if head.Label != r.PredictedLabel || head.ConfidencePercent != r.ConfidencePercent {
		return fmt.Errorf("top prediction %s (%.2f) does not match predicted %s (%.2f)",
			head.Label, head.ConfidencePercent, r.PredictedLabel, r.ConfidencePercent)
	}
	for i := 1; i < len(r.TopPredictions); i++ {
		if r.TopPredictions[i].ConfidencePercent > r.TopPredictions[i-1].ConfidencePercent {
			return fmt.Errorf("top predictions not sorted at index %d", i)
		}
	}
	return nil
}

// HistoryEntry is one logged classification.
type HistoryEntry struct {
	ID             string               `json:"id"`
	CreatedAt      time.Time            `json:"created_at"`
	Result         ClassificationResult `json:"result"`
	ImageReference string               `json:"image_reference"`
}

// HistoryStats summarises the history log.
type HistoryStats struct {
	TotalScans    int        `json:"total_scans"`
	HealthyCount  int        `json:"healthy_count"`
	DiseasedCount int        `json:"diseased_count"`
	LastScan      *time.Time `json:"last_scan,omitempty"`
}

// JournalState represents the state of a journal entry.
type JournalState string

const (
	JournalStatePending    JournalState = "pending"
	JournalStateCommitted  JournalState = "committed"
	JournalStateRolledBack JournalState = "rolled_back"
)

// JournalEntry represents a write-ahead journal entry for asset operations.
type JournalEntry struct {
	ID            int64        `json:"id"`
	OperationID   string       `json:"operation_id"` // UUID
	OperationType string       `json:"operation_type"`
	Payload       string       `json:"payload"` // JSON
	State         JournalState `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// IsHealthyLabel reports whether a label denotes a healthy plant.
func IsHealthyLabel(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	return l == "healthy" || strings.HasSuffix(l, " healthy") || strings.HasSuffix(l, "_healthy")
}

// DiseaseKey normalises a label or display name into a lookup key.
func DiseaseKey(label string) string {
	fields := strings.Fields(strings.ToLower(label))
	return strings.Join(fields, "_")
}

// FormatLabel turns "septoria_leaf_spot" into "Septoria Leaf Spot".
func FormatLabel(label string) string {
	words := strings.FieldsFunc(label, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
