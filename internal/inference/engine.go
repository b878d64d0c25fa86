package inference

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cropdoc/cropdoc/internal/logger"
	"github.com/cropdoc/cropdoc/internal/metrics"
	"github.com/cropdoc/cropdoc/internal/model"
)

type loadedModel struct {
	session Session
	path    string
	size    int64
}

// Engine owns the loaded sessions, one per category.
type Engine struct {
	runtime Runtime
	log     *logger.Logger

	runMu    sync.Mutex // serialises Run and session teardown
	mu       sync.RWMutex
	sessions map[model.Category]*loadedModel
}

// Output is a ranked prediction for one image.
type Output struct {
	Category          model.Category
	Label             string
	ConfidencePercent float64
	Top               []model.Prediction
	Ranked            []model.Prediction
}

// MemoryStats reports what the engine currently holds.
type MemoryStats struct {
	LoadedCategories []model.Category `json:"loaded_categories"`
	EstimatedBytes   int64            `json:"estimated_bytes"`
}

// NewEngine creates an engine backed by rt. A nil runtime selects LinearRuntime.
func NewEngine(rt Runtime, log *logger.Logger) *Engine {
	if rt == nil {
		rt = LinearRuntime{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		runtime:  rt,
		log:      log.With("component", "inference"),
		sessions: make(map[model.Category]*loadedModel),
	}
}

// LoadModel opens the asset at path for category, replacing any previous session.
// Loading the same path twice is a no-op.
func (e *Engine) LoadModel(path string, category model.Category) error {
	spec, err := SpecFor(category)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadAsset, err)
	}

	e.mu.RLock()
	cur, ok := e.sessions[category]
	e.mu.RUnlock()
	if ok && cur.path == path && cur.size == info.Size() {
		return nil
	}

	sess, err := e.runtime.Open(path, spec)
	if err != nil {
		return fmt.Errorf("failed to load %s model: %w", category, err)
	}

	e.runMu.Lock()
	e.mu.Lock()
	old := e.sessions[category]
	e.sessions[category] = &loadedModel{session: sess, path: path, size: info.Size()}
	n := len(e.sessions)
	e.mu.Unlock()
	e.runMu.Unlock()

	if old != nil {
		if err := old.session.Close(); err != nil {
			e.log.Warn("failed to close replaced session", "category", category, "error", err)
		}
	}
	metrics.ModelsLoaded.Set(float64(n))
	e.log.Info("model loaded", "category", category, "runtime", e.runtime.Name(), "bytes", info.Size())
	return nil
}

// Unload closes the category's session. Unloading an absent category is a no-op.
func (e *Engine) Unload(category model.Category) {
	e.runMu.Lock()
	e.mu.Lock()
	old := e.sessions[category]
	delete(e.sessions, category)
	n := len(e.sessions)
	e.mu.Unlock()
	e.runMu.Unlock()

	if old == nil {
		return
	}
	if err := old.session.Close(); err != nil {
		e.log.Warn("failed to close session", "category", category, "error", err)
	}
	metrics.ModelsLoaded.Set(float64(n))
}

// UnloadAll closes every session.
func (e *Engine) UnloadAll() {
	for _, c := range e.Loaded() {
		e.Unload(c)
	}
}

// IsLoaded reports whether a session exists for category.
func (e *Engine) IsLoaded(category model.Category) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.sessions[category]
	return ok
}

// Loaded lists loaded categories in stable order.
func (e *Engine) Loaded() []model.Category {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.Category
	for _, c := range model.Categories() {
		if _, ok := e.sessions[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// MemoryUsage estimates resident model memory from asset sizes.
func (e *Engine) MemoryUsage() MemoryStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := MemoryStats{}
	for _, c := range model.Categories() {
		if m, ok := e.sessions[c]; ok {
			stats.LoadedCategories = append(stats.LoadedCategories, c)
			stats.EstimatedBytes += m.size
		}
	}
	return stats
}

// Preprocess decodes imageRef and produces the category's input tensor.
func (e *Engine) Preprocess(imageRef string, category model.Category) (*Tensor, error) {
	spec, err := SpecFor(category)
	if err != nil {
		return nil, err
	}
	img, err := LoadImage(imageRef)
	if err != nil {
		return nil, err
	}
	return ToTensor(img, spec.Transform)
}

// Infer runs the category's session and returns a probability per label.
func (e *Engine) Infer(ctx context.Context, t *Tensor, category model.Category) ([]float64, error) {
	spec, err := SpecFor(category)
	if err != nil {
		return nil, err
	}
	if t == nil || len(t.Data) != spec.InputLen() {
		return nil, fmt.Errorf("%w: tensor shape does not match %s input", ErrInference, category)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	m, ok := e.sessions[category]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotLoaded, category)
	}

	start := time.Now()
	raw, err := m.session.Run(t.Data)
	metrics.InferenceDuration.WithLabelValues(string(category)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(raw) != len(spec.Labels) {
		return nil, fmt.Errorf("%w: output has %d values, %s has %d labels", ErrInference, len(raw), category, len(spec.Labels))
	}
	probs, err := toDistribution(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return probs, nil
}

// PredictFromImage preprocesses, infers and ranks.
func (e *Engine) PredictFromImage(ctx context.Context, imageRef string, category model.Category) (*Output, error) {
	t, err := e.Preprocess(imageRef, category)
	if err != nil {
		return nil, err
	}
	probs, err := e.Infer(ctx, t, category)
	if err != nil {
		return nil, err
	}
	return Rank(category, probs)
}

// Rank orders probabilities descending. Ties keep label order.
func Rank(category model.Category, probs []float64) (*Output, error) {
	spec, err := SpecFor(category)
	if err != nil {
		return nil, err
	}
	if len(probs) != len(spec.Labels) {
		return nil, fmt.Errorf("%w: %d probabilities for %d labels", ErrInference, len(probs), len(spec.Labels))
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	ranked := make([]model.Prediction, len(idx))
	for i, k := range idx {
		ranked[i] = model.Prediction{Label: spec.Labels[k], ConfidencePercent: probs[k] * 100}
	}
	top := ranked
	if len(top) > model.MaxTopPredictions {
		top = top[:model.MaxTopPredictions]
	}
	return &Output{
		Category:          category,
		Label:             ranked[0].Label,
		ConfidencePercent: ranked[0].ConfidencePercent,
		Top:               append([]model.Prediction(nil), top...),
		Ranked:            ranked,
	}, nil
}

const distributionTolerance = 1e-3

// toDistribution passes through a vector that is already a probability
// distribution and applies softmax otherwise.
func toDistribution(raw []float32) ([]float64, error) {
	out := make([]float64, len(raw))
	sum := 0.0
	isDist := true
	for i, v := range raw {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite output at index %d", i)
		}
		if f < 0 || f > 1 {
			isDist = false
		}
		out[i] = f
		sum += f
	}
	if isDist && math.Abs(sum-1) <= distributionTolerance {
		return out, nil
	}
	return Softmax(out), nil
}

// Softmax returns the numerically stable softmax of xs.
func Softmax(xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	hi := xs[0]
	for _, v := range xs[1:] {
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(xs))
	sum := 0.0
	for i, v := range xs {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
