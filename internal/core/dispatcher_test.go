package core

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

type stubConn struct{ state model.ConnectivityState }

func (s stubConn) State() model.ConnectivityState { return s.state }

func onlineConn() stubConn {
	return stubConn{model.ConnectivityState{IsOnline: true, ConnectionType: model.ConnectionWifi, ConnectionQuality: model.QualityGood}}
}

func offlineConn() stubConn {
	return stubConn{model.ConnectivityState{IsOnline: false, ConnectionType: model.ConnectionUnknown, ConnectionQuality: model.QualityPoor}}
}

func overrideConn() stubConn {
	s := onlineConn()
	s.state.OfflineModeOverride = true
	return s
}

type dispatchFixture struct {
	models  *modelFixture
	backend *fakeBackend
	advice  *AdviceCache
	history *HistoryStore
	image   string
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	mf := newModelFixture(t, tomatoAsset(t))
	return &dispatchFixture{
		models:  mf,
		backend: &fakeBackend{},
		advice:  NewAdviceCache(mf.store, nil, nil, AdviceOptions{}),
		history: NewHistoryStore(mf.store, 0),
		image:   writeLeafPNG(t, newTestDir(t)),
	}
}

func (f *dispatchFixture) dispatcher(conn ConnectivityView) *Dispatcher {
	return NewDispatcher(DispatcherDeps{
		Connectivity: conn,
		Models:       f.models.models,
		Predictor:    f.models.engine,
		Advice:       f.advice,
		Backend:      f.backend,
	}, WithHistory(f.history))
}

func (f *dispatchFixture) request() Request {
	return Request{ImagePath: f.image, Category: model.CategoryTomato, UserQuestion: "Is it spreading?", EnableAdvice: true}
}

func TestDispatcher_OverrideWithoutModelFailsWithoutRemote(t *testing.T) {
	f := newDispatchFixture(t)

	_, err := f.dispatcher(overrideConn()).Classify(context.Background(), f.request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOfflineModelNotReady), "got %v", err)
	assert.Equal(t, int32(0), f.backend.classifyCalls.Load())
	assert.Contains(t, Describe(err), "Offline model not downloaded")
}

func TestDispatcher_RemoteClassificationOnly(t *testing.T) {
	f := newDispatchFixture(t)

	result, err := f.dispatcher(onlineConn()).Classify(context.Background(), f.request())
	require.NoError(t, err)
	assert.Nil(t, result.Advice)
	assert.Empty(t, result.AdviceError)
	assert.False(t, result.ServedFromLocalInference)
	assert.Equal(t, "Leaf Curl", result.PredictedLabel)
	assert.Equal(t, "Is it spreading?", result.UserQuestion)
	assert.NotEmpty(t, result.Description)
	assert.Equal(t, int32(1), f.backend.classifyCalls.Load())
	require.NoError(t, result.Validate())
}

func TestDispatcher_OfflineUsesLocalModel(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	_, err := f.models.models.Download(ctx, model.CategoryTomato)
	require.NoError(t, err)

	result, err := f.dispatcher(offlineConn()).Classify(ctx, f.request())
	require.NoError(t, err)
	assert.True(t, result.ServedFromLocalInference)
	assert.Nil(t, result.Advice)
	assert.Empty(t, result.AdviceError)
	assert.Equal(t, "Leaf Curl", result.PredictedLabel)
	assert.False(t, result.IsHealthy)
	assert.Equal(t, "leaf.png", result.Filename)
	assert.Equal(t, int32(0), f.backend.classifyCalls.Load())

	require.Len(t, result.TopPredictions, 3)
	assert.Equal(t, []string{"Leaf Curl", "Leaf Blight", "Septoria Leaf Spot"},
		[]string{result.TopPredictions[0].Label, result.TopPredictions[1].Label, result.TopPredictions[2].Label})
	assert.Equal(t, result.ConfidencePercent, result.TopPredictions[0].ConfidencePercent)
	assert.Contains(t, result.Description, "leaf curl detected in tomato")
	require.NoError(t, result.Validate())
}

func TestDispatcher_OverrideWithModelStaysLocal(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	_, err := f.models.models.Download(ctx, model.CategoryTomato)
	require.NoError(t, err)

	result, err := f.dispatcher(overrideConn()).Classify(ctx, f.request())
	require.NoError(t, err)
	assert.True(t, result.ServedFromLocalInference)
	assert.Equal(t, int32(0), f.backend.classifyCalls.Load())
}

func TestDispatcher_AdviceErrorIsData(t *testing.T) {
	f := newDispatchFixture(t)
	f.backend.classify = func(req provider.ClassifyRequest) (*model.ClassificationResult, error) {
		return &model.ClassificationResult{
			PredictedLabel:    "Leaf Blight",
			ConfidencePercent: 77.777,
			TopPredictions:    []model.Prediction{{Label: "Leaf Blight", ConfidencePercent: 77.777}},
			AdviceError:       "advice model overloaded",
		}, nil
	}

	result, err := f.dispatcher(onlineConn()).Classify(context.Background(), f.request())
	require.NoError(t, err)
	assert.Nil(t, result.Advice)
	assert.Equal(t, "advice model overloaded", result.AdviceError)
	assert.Equal(t, 77.78, result.ConfidencePercent)
	assert.Equal(t, model.CategoryTomato, result.Category)
	assert.Equal(t, "Server advice feature failed: advice model overloaded", AdviceNotice(result))
}

func TestDispatcher_AdvicePassedThrough(t *testing.T) {
	f := newDispatchFixture(t)
	f.backend.classify = func(req provider.ClassifyRequest) (*model.ClassificationResult, error) {
		assert.True(t, req.EnableAdvice)
		return &model.ClassificationResult{
			PredictedLabel:    "Leaf Blight",
			ConfidencePercent: 60,
			TopPredictions:    []model.Prediction{{Label: "Leaf Blight", ConfidencePercent: 60}},
			Advice:            &model.Advice{Treatment: "Remove infected leaves"},
		}, nil
	}

	result, err := f.dispatcher(onlineConn()).Classify(context.Background(), f.request())
	require.NoError(t, err)
	require.NotNil(t, result.Advice)
	assert.Equal(t, "Remove infected leaves", result.Advice.Treatment)
	assert.Empty(t, AdviceNotice(result))
}

func TestDispatcher_BackendRejectionCarriesDetail(t *testing.T) {
	f := newDispatchFixture(t)
	f.backend.classify = func(req provider.ClassifyRequest) (*model.ClassificationResult, error) {
		return nil, &provider.HTTPError{Status: 400, Detail: "Unsupported crop type: banana"}
	}

	_, err := f.dispatcher(onlineConn()).Classify(context.Background(), f.request())
	var rejected *BackendRejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, 400, rejected.Status)
	assert.Equal(t, "Unsupported crop type: banana", rejected.Detail)
	assert.Equal(t, "Server rejected request: Unsupported crop type: banana", Describe(err))
}

func TestDispatcher_TransportFailureIsConnectivity(t *testing.T) {
	f := newDispatchFixture(t)
	f.backend.classify = func(req provider.ClassifyRequest) (*model.ClassificationResult, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	_, err := f.dispatcher(onlineConn()).Classify(context.Background(), f.request())
	assert.True(t, errors.Is(err, ErrConnectivityUnavailable), "got %v", err)
	assert.Contains(t, Describe(err), "No internet connection")
}

func TestDispatcher_RejectsAdviceAndAdviceError(t *testing.T) {
	f := newDispatchFixture(t)
	f.backend.classify = func(req provider.ClassifyRequest) (*model.ClassificationResult, error) {
		return &model.ClassificationResult{
			PredictedLabel:    "Leaf Blight",
			ConfidencePercent: 60,
			Advice:            &model.Advice{Treatment: "x"},
			AdviceError:       "y",
		}, nil
	}

	_, err := f.dispatcher(onlineConn()).Classify(context.Background(), f.request())
	assert.True(t, errors.Is(err, ErrMalformedPayload), "got %v", err)
}

func TestDispatcher_NormalisesRemoteTopPredictions(t *testing.T) {
	f := newDispatchFixture(t)
	f.backend.classify = func(req provider.ClassifyRequest) (*model.ClassificationResult, error) {
		return &model.ClassificationResult{
			PredictedLabel:    "Leaf Curl",
			ConfidencePercent: 70,
			TopPredictions: []model.Prediction{
				{Label: "Healthy", ConfidencePercent: 5},
				{Label: "Leaf Curl", ConfidencePercent: 70},
				{Label: "Leaf Blight", ConfidencePercent: 15},
				{Label: "Septoria Leaf Spot", ConfidencePercent: 10},
			},
		}, nil
	}

	result, err := f.dispatcher(onlineConn()).Classify(context.Background(), f.request())
	require.NoError(t, err)
	require.Len(t, result.TopPredictions, 3)
	assert.Equal(t, "Leaf Curl", result.TopPredictions[0].Label)
	assert.Equal(t, "Leaf Blight", result.TopPredictions[1].Label)
	assert.Equal(t, "Septoria Leaf Spot", result.TopPredictions[2].Label)
}

func TestDispatcher_RecordsHistory(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher(onlineConn()).Classify(ctx, f.request())
	require.NoError(t, err)
	_, err = f.dispatcher(overrideConn()).Classify(ctx, f.request())
	require.Error(t, err)

	entries, err := f.history.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.image, entries[0].ImageReference)
	assert.Equal(t, "Leaf Curl", entries[0].Result.PredictedLabel)
}

func TestDispatcher_Explain(t *testing.T) {
	f := newDispatchFixture(t)

	e, err := f.dispatcher(overrideConn()).Explain(model.CategoryTomato)
	require.NoError(t, err)
	assert.Equal(t, "local", e.Path)
	assert.False(t, e.Ready)

	e, err = f.dispatcher(onlineConn()).Explain(model.CategoryTomato)
	require.NoError(t, err)
	assert.Equal(t, "remote", e.Path)
	assert.True(t, e.Ready)

	_, err = f.dispatcher(onlineConn()).Explain(model.Category("banana"))
	assert.Error(t, err)
}

func TestDescribe_DistinctMessages(t *testing.T) {
	msgs := []string{
		Describe(ErrConnectivityUnavailable),
		Describe(ErrOfflineModelNotReady),
		Describe(&BackendRejectedError{Status: 500, Detail: "boom"}),
		AdviceNotice(&model.ClassificationResult{AdviceError: "advice down"}),
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		require.NotEmpty(t, m)
		assert.False(t, seen[m], "duplicate message %q", m)
		seen[m] = true
	}
	assert.Empty(t, Describe(nil))
}

func TestDispatcher_RejectsBadRequests(t *testing.T) {
	f := newDispatchFixture(t)
	d := f.dispatcher(onlineConn())

	_, err := d.Classify(context.Background(), Request{ImagePath: f.image, Category: "banana"})
	assert.Error(t, err)
	_, err = d.Classify(context.Background(), Request{Category: model.CategoryTomato})
	assert.Error(t, err)
	_, statErr := os.Stat(f.image)
	require.NoError(t, statErr)
}
