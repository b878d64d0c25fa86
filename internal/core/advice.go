// Package core provides the Advice Cache.
//
// INVARIANTS:
// - A snapshot is validated completely BEFORE it is persisted or served
// - Persist happens BEFORE the in-memory swap
// - Lookups never fabricate: a miss is reported as a miss
// - Refresh without remote access is a no-op, never an error
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cropdoc/cropdoc/internal/inference"
	"github.com/cropdoc/cropdoc/internal/logger"
	"github.com/cropdoc/cropdoc/internal/metrics"
	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

// AdviceVersion is the format version written with every snapshot.
const AdviceVersion = "1.0"

// DefaultAdviceMaxAge is how long a snapshot is considered fresh.
const DefaultAdviceMaxAge = 7 * 24 * time.Hour

var adviceFields = []string{"description", "symptoms", "causes", "treatment", "prevention"}

// AdviceOptions configures an AdviceCache.
type AdviceOptions struct {
	MaxAge time.Duration
	Now    func() time.Time
	Log    *logger.Logger
}

// AdviceInfo describes what the cache currently serves.
type AdviceInfo struct {
	HasCache  bool          `json:"has_cache"`
	Source    string        `json:"source"` // "cache" or "fallback"
	Version   string        `json:"version,omitempty"`
	FetchedAt *time.Time    `json:"fetched_at,omitempty"`
	Age       time.Duration `json:"age,omitempty"`
	Stale     bool          `json:"stale"`
}

// AdviceCache serves basic disease information offline.
type AdviceCache struct {
	store   *StateDB
	backend provider.Backend
	gate    RemoteGate
	maxAge  time.Duration
	now     func() time.Time
	log     *logger.Logger

	group singleflight.Group

	mu       sync.RWMutex
	snapshot model.AdviceSnapshot
	entry    *model.AdviceCacheEntry // nil while serving the fallback table
}

// NewAdviceCache creates a cache serving the fallback table until Load is called.
func NewAdviceCache(store *StateDB, backend provider.Backend, gate RemoteGate, opts AdviceOptions) *AdviceCache {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultAdviceMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &AdviceCache{
		store:    store,
		backend:  backend,
		gate:     gate,
		maxAge:   opts.MaxAge,
		now:      opts.Now,
		log:      opts.Log.With("component", "advice"),
		snapshot: FallbackAdvice(),
	}
}

// Load reads the persisted snapshot. A missing or unreadable snapshot leaves
// the fallback table in place.
func (a *AdviceCache) Load(ctx context.Context) error {
	var entry model.AdviceCacheEntry
	found, err := a.store.GetJSON(ctx, KeyAdviceCache, &entry)
	if err != nil {
		a.log.Warn("cached disease data unreadable, using fallback", "error", err)
		return err
	}
	if !found || entry.Payload == nil {
		return nil
	}
	a.mu.Lock()
	a.snapshot = entry.Payload
	a.entry = &entry
	a.mu.Unlock()
	a.log.Debug("loaded cached disease data", "version", entry.Version)
	return nil
}

// BasicInfo looks up a disease. The key is normalised the same way labels are.
func (a *AdviceCache) BasicInfo(c model.Category, disease string) (*model.DiseaseInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byDisease, ok := a.snapshot[c]
	if !ok {
		return nil, false
	}
	info, ok := byDisease[model.DiseaseKey(disease)]
	if !ok {
		return nil, false
	}
	return &info, true
}

// Refresh fetches a new snapshot from the backend. Without remote access it
// returns nil and changes nothing. Concurrent calls share one fetch.
func (a *AdviceCache) Refresh(ctx context.Context) error {
	if a.backend == nil || a.gate == nil || !a.gate.CanUseRemote() {
		a.log.Info("skipping disease data update, remote services unavailable")
		metrics.AdviceRefreshTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	_, err, _ := a.group.Do("refresh", func() (interface{}, error) {
		return nil, a.refresh(ctx)
	})
	return err
}

func (a *AdviceCache) refresh(ctx context.Context) error {
	raw, err := a.backend.BasicDiseaseInfo(ctx)
	if err != nil {
		metrics.AdviceRefreshTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to fetch disease data: %w", err)
	}
	snap, err := ParseAdviceSnapshot(raw)
	if err != nil {
		metrics.AdviceRefreshTotal.WithLabelValues("malformed").Inc()
		a.log.Warn("rejected disease data from backend", "error", err)
		return err
	}

	entry := model.AdviceCacheEntry{Timestamp: a.now().UTC(), Version: AdviceVersion, Payload: snap}
	if err := a.store.PutJSON(ctx, KeyAdviceCache, entry); err != nil {
		metrics.AdviceRefreshTotal.WithLabelValues("failed").Inc()
		return err
	}

	a.mu.Lock()
	a.snapshot = snap
	a.entry = &entry
	a.mu.Unlock()

	metrics.AdviceRefreshTotal.WithLabelValues("ok").Inc()
	a.log.Info("updated disease data from backend")
	return nil
}

// RefreshIfStale refreshes only when the snapshot is older than the max age.
func (a *AdviceCache) RefreshIfStale(ctx context.Context) error {
	if !a.IsStale() {
		return nil
	}
	return a.Refresh(ctx)
}

// RefreshOnReconnect refreshes a stale snapshot whenever remote access comes back.
func (a *AdviceCache) RefreshOnReconnect(conn *ConnectivityMonitor) (unsubscribe func()) {
	var mu sync.Mutex
	wasRemote := conn.CanUseRemote()
	return conn.AddListener(func(s model.ConnectivityState) {
		mu.Lock()
		regained := s.CanUseRemote() && !wasRemote
		wasRemote = s.CanUseRemote()
		mu.Unlock()
		if !regained || !a.IsStale() {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.Refresh(ctx); err != nil {
				a.log.Warn("refresh after reconnect failed", "error", err)
			}
		}()
	})
}

// IsStale reports whether a refresh is due. The fallback table is always stale.
func (a *AdviceCache) IsStale() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.entry == nil {
		return true
	}
	return a.now().Sub(a.entry.Timestamp) > a.maxAge
}

// Clear removes the persisted snapshot and reverts to the fallback table.
func (a *AdviceCache) Clear(ctx context.Context) error {
	if err := a.store.Delete(ctx, KeyAdviceCache); err != nil {
		return err
	}
	a.mu.Lock()
	a.snapshot = FallbackAdvice()
	a.entry = nil
	a.mu.Unlock()
	a.log.Info("disease data cache cleared")
	return nil
}

// Info reports the source and age of the served snapshot.
func (a *AdviceCache) Info() AdviceInfo {
	stale := a.IsStale()
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.entry == nil {
		return AdviceInfo{Source: "fallback", Stale: stale}
	}
	ts := a.entry.Timestamp
	return AdviceInfo{
		HasCache:  true,
		Source:    "cache",
		Version:   a.entry.Version,
		FetchedAt: &ts,
		Age:       a.now().Sub(ts),
		Stale:     stale,
	}
}

// Categories lists the categories present in the snapshot.
func (a *AdviceCache) Categories() []model.Category {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.Category, 0, len(a.snapshot))
	for c := range a.snapshot {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Diseases lists the disease keys known for c.
func (a *AdviceCache) Diseases(c model.Category) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.snapshot[c]))
	for k := range a.snapshot[c] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseAdviceSnapshot decodes and validates a backend snapshot. Every
// supported category must be present and every disease must carry all five
// fields as non-empty strings. Unknown categories are dropped.
func ParseAdviceSnapshot(raw []byte) (model.AdviceSnapshot, error) {
	var doc map[string]map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	snap := make(model.AdviceSnapshot, len(model.Categories()))
	for _, c := range model.Categories() {
		diseases, ok := doc[string(c)]
		if !ok || diseases == nil {
			return nil, fmt.Errorf("%w: missing category %s", ErrMalformedPayload, c)
		}
		byKey := make(map[string]model.DiseaseInfo, len(diseases))
		for name, fields := range diseases {
			if fields == nil {
				return nil, fmt.Errorf("%w: %s/%s is not an object", ErrMalformedPayload, c, name)
			}
			vals := make(map[string]string, len(adviceFields))
			for _, f := range adviceFields {
				var s string
				if err := json.Unmarshal(fields[f], &s); err != nil || strings.TrimSpace(s) == "" {
					return nil, fmt.Errorf("%w: %s/%s field %s must be a non-empty string", ErrMalformedPayload, c, name, f)
				}
				vals[f] = s
			}
			byKey[model.DiseaseKey(name)] = model.DiseaseInfo{
				Description: vals["description"],
				Symptoms:    vals["symptoms"],
				Causes:      vals["causes"],
				Treatment:   vals["treatment"],
				Prevention:  vals["prevention"],
			}
		}
		snap[c] = byKey
	}
	return snap, nil
}

// FallbackAdvice builds the generic table served before any snapshot is fetched.
func FallbackAdvice() model.AdviceSnapshot {
	snap := make(model.AdviceSnapshot, len(model.Categories()))
	for _, c := range model.Categories() {
		byKey := make(map[string]model.DiseaseInfo)
		for _, label := range inference.Labels(c) {
			byKey[label] = fallbackInfo(c, label)
		}
		snap[c] = byKey
	}
	return snap
}

func fallbackInfo(c model.Category, label string) model.DiseaseInfo {
	if model.IsHealthyLabel(label) {
		return model.DiseaseInfo{
			Description: FallbackDescription(c, label),
			Symptoms:    "No disease symptoms observed. Plant shows normal growth patterns.",
			Causes:      "Good growing conditions, proper nutrition, and effective disease prevention practices.",
			Treatment:   "No treatment needed. Continue preventive measures and good agricultural practices.",
			Prevention:  "Maintain proper nutrition, adequate spacing, and regular field sanitation.",
		}
	}
	name := diseaseName(label)
	return model.DiseaseInfo{
		Description: FallbackDescription(c, label),
		Symptoms:    "Symptoms may vary. Connect to internet for detailed symptom information.",
		Causes:      fmt.Sprintf("Multiple factors can cause %s. Detailed information available when online.", name),
		Treatment:   "Treatment recommendations available when connected to internet. Consult local agricultural experts.",
		Prevention:  "General prevention includes good plant hygiene, proper spacing, and regular monitoring.",
	}
}

// FallbackDescription is the generic description for a label with no cached info.
func FallbackDescription(c model.Category, label string) string {
	if model.IsHealthyLabel(label) {
		return fmt.Sprintf("Your %s plant appears healthy with no visible disease symptoms.", c)
	}
	return fmt.Sprintf("%s detected in %s. For detailed information, please connect to internet or consult agricultural extension services.",
		diseaseName(label), c)
}

func diseaseName(label string) string {
	r := strings.NewReplacer("_", " ", "-", " ")
	return strings.ToLower(r.Replace(label))
}
