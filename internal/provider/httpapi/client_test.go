package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

func newTestClient(srv *httptest.Server) *Client {
	cfg := DefaultConfig(srv.URL)
	cfg.RetryWaitTime = time.Millisecond
	cfg.Timeout = 5 * time.Second
	return NewClient(cfg)
}

func TestClassifySendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/classify", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "maize", r.FormValue("crop_type"))
		assert.Equal(t, "what now?", r.FormValue("user_question"))
		assert.Equal(t, "true", r.FormValue("enable_ai_advice"))
		f, _, err := r.FormFile("image")
		require.NoError(t, err)
		raw, _ := io.ReadAll(f)
		assert.Equal(t, "jpegbytes", string(raw))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"crop_type":"maize","predicted_disease":"leaf_spot","confidence":87.5,
			"is_healthy":false,"description":"spots","status":"success",
			"top_predictions":[{"disease":"leaf_spot","confidence":87.5},{"disease":"healthy","confidence":10}],
			"ai_advice":null,"ai_advice_error":"advice service down"}`)
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "leaf.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpegbytes"), 0600))

	res, err := newTestClient(srv).Classify(context.Background(), provider.ClassifyRequest{
		ImagePath: img, Category: model.CategoryMaize, UserQuestion: "what now?", EnableAdvice: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "leaf_spot", res.PredictedLabel)
	assert.Equal(t, 87.5, res.ConfidencePercent)
	assert.Len(t, res.TopPredictions, 2)
	assert.Nil(t, res.Advice)
	assert.Equal(t, "advice service down", res.AdviceError)
}

func TestClassifyRejectedCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detail":"Invalid crop type"}`)
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "leaf.jpg")
	require.NoError(t, os.WriteFile(img, []byte("x"), 0600))
	_, err := newTestClient(srv).Classify(context.Background(), provider.ClassifyRequest{ImagePath: img, Category: "maize"})

	var httpErr *provider.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.Status)
	assert.Equal(t, "Invalid crop type", httpErr.Detail)
}

func TestFetchAssetStatusMapping(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 4096)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/models/best_maize_model.onnx":
			w.Write(payload)
		case "/models/best_cashew_model.onnx":
			w.WriteHeader(http.StatusForbidden)
		case "/models/best_tomato_model.onnx":
			w.WriteHeader(http.StatusTeapot)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := newTestClient(srv)
	dir := t.TempDir()

	res, err := c.FetchAsset(context.Background(), model.CategoryMaize, filepath.Join(dir, "m"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.Size)
	assert.Len(t, res.ContentHash, 64)

	_, err = c.FetchAsset(context.Background(), model.CategoryCashew, filepath.Join(dir, "c"), nil)
	assert.True(t, errors.Is(err, provider.ErrForbidden))

	_, err = c.FetchAsset(context.Background(), model.CategoryCassava, filepath.Join(dir, "k"), nil)
	assert.True(t, errors.Is(err, provider.ErrNotFound))

	_, err = c.FetchAsset(context.Background(), model.CategoryTomato, filepath.Join(dir, "t"), nil)
	var httpErr *provider.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusTeapot, httpErr.Status)
}

func TestProbeAndDiseaseInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health":
			assert.Equal(t, http.MethodHead, r.Method)
		case "/api/diseases/basic":
			fmt.Fprint(w, `{"maize":{}}`)
		}
	}))
	defer srv.Close()
	c := newTestClient(srv)

	latency, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))

	body, err := c.BasicDiseaseInfo(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"maize":{}}`, string(body))
}

func TestExtractDetail(t *testing.T) {
	assert.Equal(t, "boom", extractDetail([]byte(`{"detail":"boom"}`)))
	assert.Equal(t, `[{"loc":["x"]}]`, extractDetail([]byte(`{"detail":[{"loc":["x"]}]}`)))
	assert.Equal(t, "Bad Gateway", extractDetail([]byte("Bad Gateway\n")))
}
