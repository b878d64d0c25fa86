package core

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cropdoc/cropdoc/internal/inference"
	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

func newTestDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cropdoc-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newTestStore(t *testing.T) *StateDB {
	t.Helper()
	store, err := OpenStateDB(filepath.Join(newTestDir(t), "state.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSource is a ReachabilitySource driven by the test.
type fakeSource struct {
	mu   sync.Mutex
	snap provider.NetworkSnapshot
	fn   func(provider.NetworkSnapshot)
}

func newFakeSource(online bool) *fakeSource {
	return &fakeSource{snap: snapshot(online)}
}

func snapshot(online bool) provider.NetworkSnapshot {
	if !online {
		return provider.NetworkSnapshot{Connected: false}
	}
	strength := 90
	return provider.NetworkSnapshot{Connected: true, Details: model.WifiDetails{Strength: &strength}}
}

func (s *fakeSource) Current(ctx context.Context) (provider.NetworkSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *fakeSource) Subscribe(ctx context.Context, fn func(provider.NetworkSnapshot)) (func(), error) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}, nil
}

func (s *fakeSource) Emit(snap provider.NetworkSnapshot) {
	s.mu.Lock()
	s.snap = snap
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// fakeBackend is a scripted Backend.
type fakeBackend struct {
	mu          sync.Mutex
	classify    func(provider.ClassifyRequest) (*model.ClassificationResult, error)
	diseaseInfo []byte
	diseaseErr  error
	probe       func(ctx context.Context) (time.Duration, error)

	classifyCalls atomic.Int32
	diseaseCalls  atomic.Int32
}

func (b *fakeBackend) Classify(ctx context.Context, req provider.ClassifyRequest) (*model.ClassificationResult, error) {
	b.classifyCalls.Add(1)
	if b.classify == nil {
		return &model.ClassificationResult{
			Category:          req.Category,
			PredictedLabel:    "Leaf Curl",
			ConfidencePercent: 91.2,
			TopPredictions:    []model.Prediction{{Label: "Leaf Curl", ConfidencePercent: 91.2}},
			Status:            "success",
		}, nil
	}
	return b.classify(req)
}

func (b *fakeBackend) BasicDiseaseInfo(ctx context.Context) ([]byte, error) {
	b.diseaseCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.diseaseInfo, b.diseaseErr
}

func (b *fakeBackend) Probe(ctx context.Context) (time.Duration, error) {
	if b.probe == nil {
		return 50 * time.Millisecond, nil
	}
	return b.probe(ctx)
}

// gate is a RemoteGate with a settable answer.
type gate struct{ remote atomic.Bool }

func newGate(remote bool) *gate {
	g := &gate{}
	g.remote.Store(remote)
	return g
}

func (g *gate) CanUseRemote() bool { return g.remote.Load() }

// fakeAssetSource serves scripted bytes or errors for every category.
type fakeAssetSource struct {
	data  []byte
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *fakeAssetSource) ID() string { return "fake" }

func (s *fakeAssetSource) AssetURL(c model.Category) string { return "fake://" + string(c) }

func (s *fakeAssetSource) FetchAsset(ctx context.Context, c model.Category, localPath string, progress provider.ProgressFunc) (*provider.DownloadResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		// Leave a partial file behind the way an interrupted transfer would.
		os.WriteFile(localPath, []byte("partial"), 0600)
		return nil, s.err
	}
	if err := os.WriteFile(localPath, s.data, 0600); err != nil {
		return nil, err
	}
	return &provider.DownloadResult{LocalPath: localPath, Size: int64(len(s.data)), ContentHash: "fake", DownloadedAt: time.Now()}, nil
}

// linearAsset encodes a CDM1 model whose scores are the bias vector.
// grid 8 keeps every category's asset above the default minimum size.
func linearAsset(t *testing.T, c model.Category, bias []float32) []byte {
	t.Helper()
	spec, err := inference.SpecFor(c)
	require.NoError(t, err)
	require.Len(t, bias, len(spec.Labels))
	grid := 8
	weights := make([][]float32, len(bias))
	for i := range weights {
		weights[i] = make([]float32, 3*grid*grid)
	}
	var buf bytes.Buffer
	require.NoError(t, inference.WriteLinearModel(&buf, spec.Transform.Size, grid, weights, bias))
	return buf.Bytes()
}

func tomatoAsset(t *testing.T) []byte {
	// healthy, leaf_blight, leaf_curl, septoria_leaf_spot, verticulium_wilt
	return linearAsset(t, model.CategoryTomato, []float32{0.2, 1, 3, 0.5, -1})
}

func writeLeafPNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 150, B: 40, A: 255})
		}
	}
	path := filepath.Join(dir, "leaf.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

// modelFixture wires a ModelStore to a real engine.
type modelFixture struct {
	store   *StateDB
	journal *JournalManager
	engine  *inference.Engine
	source  *fakeAssetSource
	gate    *gate
	models  *ModelStore
	dir     string
}

func newModelFixture(t *testing.T, data []byte) *modelFixture {
	t.Helper()
	f := &modelFixture{
		store:  newTestStore(t),
		engine: inference.NewEngine(nil, nil),
		source: &fakeAssetSource{data: data},
		gate:   newGate(true),
		dir:    filepath.Join(newTestDir(t), "models"),
	}
	f.journal = NewJournalManager(f.store.DB())
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(f.source))
	models, err := NewModelStore(f.store, f.journal, reg, f.engine, f.gate, ModelStoreOptions{Dir: f.dir})
	require.NoError(t, err)
	f.models = models
	return f
}
