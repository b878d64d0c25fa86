// Package core provides the Classification Dispatcher.
//
// INVARIANTS:
// - Override on OR remote unusable -> local path, first match wins
// - The local path NEVER falls back to remote
// - Advice failure is data on the result, never an error
// - Every returned result passes Validate
package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cropdoc/cropdoc/internal/inference"
	"github.com/cropdoc/cropdoc/internal/logger"
	"github.com/cropdoc/cropdoc/internal/metrics"
	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

const (
	pathLocal  = "local"
	pathRemote = "remote"
)

// Request is one classification request.
type Request struct {
	ImagePath    string
	Category     model.Category
	UserQuestion string
	Notes        string
	EnableAdvice bool
}

// ConnectivityView is the read side of the connectivity monitor.
type ConnectivityView interface {
	State() model.ConnectivityState
}

// ModelAvailability reports whether a category can be served locally.
type ModelAvailability interface {
	IsAvailable(category model.Category) bool
}

// Predictor runs local inference.
type Predictor interface {
	PredictFromImage(ctx context.Context, imageRef string, category model.Category) (*inference.Output, error)
}

// DiseaseLookup serves cached disease descriptions.
type DiseaseLookup interface {
	BasicInfo(category model.Category, disease string) (*model.DiseaseInfo, bool)
}

// HistoryWriter records successful results.
type HistoryWriter interface {
	Add(ctx context.Context, result *model.ClassificationResult, imageRef string) (*model.HistoryEntry, error)
}

// DispatcherDeps are the collaborators of a Dispatcher.
type DispatcherDeps struct {
	Connectivity ConnectivityView
	Models       ModelAvailability
	Predictor    Predictor
	Advice       DiseaseLookup
	Backend      provider.Backend
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHistory appends every successful result to h.
func WithHistory(h HistoryWriter) DispatcherOption {
	return func(d *Dispatcher) { d.history = h }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *logger.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher routes a classification to the backend or the local engine.
type Dispatcher struct {
	conn      ConnectivityView
	models    ModelAvailability
	predictor Predictor
	advice    DiseaseLookup
	backend   provider.Backend
	history   HistoryWriter
	log       *logger.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps DispatcherDeps, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		conn:      deps.Connectivity,
		models:    deps.Models,
		predictor: deps.Predictor,
		advice:    deps.Advice,
		backend:   deps.Backend,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "dispatcher")
	return d
}

// Classify runs the request on the path the current state selects.
func (d *Dispatcher) Classify(ctx context.Context, req Request) (*model.ClassificationResult, error) {
	if !req.Category.Valid() {
		return nil, fmt.Errorf("unsupported crop type %q", req.Category)
	}
	if req.ImagePath == "" {
		return nil, fmt.Errorf("no image given")
	}

	path := pathRemote
	if state := d.conn.State(); !state.CanUseRemote() {
		path = pathLocal
	}

	start := time.Now()
	var result *model.ClassificationResult
	var err error
	if path == pathLocal {
		result, err = d.classifyLocal(ctx, req)
	} else {
		result, err = d.classifyRemote(ctx, req)
	}
	metrics.ClassifyDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClassifyTotal.WithLabelValues(path, "error").Inc()
		d.log.Warn("classification failed", "path", path, "category", req.Category, "error", err)
		return nil, err
	}
	metrics.ClassifyTotal.WithLabelValues(path, "ok").Inc()

	if d.history != nil {
		if _, herr := d.history.Add(ctx, result, req.ImagePath); herr != nil {
			d.log.Warn("failed to record history", "error", herr)
		}
	}
	d.log.Info("classified", "path", path, "category", req.Category,
		"label", result.PredictedLabel, "confidence", result.ConfidencePercent)
	return result, nil
}

func (d *Dispatcher) classifyLocal(ctx context.Context, req Request) (*model.ClassificationResult, error) {
	if d.models == nil || d.predictor == nil || !d.models.IsAvailable(req.Category) {
		return nil, fmt.Errorf("%w: %s", ErrOfflineModelNotReady, req.Category)
	}
	out, err := d.predictor.PredictFromImage(ctx, req.ImagePath, req.Category)
	if err != nil {
		if errors.Is(err, inference.ErrModelNotLoaded) {
			return nil, fmt.Errorf("%w: %s: %v", ErrOfflineModelNotReady, req.Category, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}

	top := make([]model.Prediction, len(out.Top))
	for i, p := range out.Top {
		top[i] = model.Prediction{Label: model.FormatLabel(p.Label), ConfidencePercent: p.ConfidencePercent}
	}
	result := &model.ClassificationResult{
		Category:                 req.Category,
		PredictedLabel:           model.FormatLabel(out.Label),
		ConfidencePercent:        out.ConfidencePercent,
		IsHealthy:                model.IsHealthyLabel(out.Label),
		Description:              d.describe(req.Category, out.Label),
		TopPredictions:           top,
		UserQuestion:             req.UserQuestion,
		Notes:                    req.Notes,
		Status:                   "success",
		ServedFromLocalInference: true,
	}
	fillFileInfo(result, req.ImagePath)
	if err := normalizeResult(result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	return result, nil
}

func (d *Dispatcher) classifyRemote(ctx context.Context, req Request) (*model.ClassificationResult, error) {
	if d.backend == nil {
		return nil, fmt.Errorf("%w: no backend configured", ErrConnectivityUnavailable)
	}
	result, err := d.backend.Classify(ctx, provider.ClassifyRequest{
		ImagePath:    req.ImagePath,
		Category:     req.Category,
		Notes:        req.Notes,
		UserQuestion: req.UserQuestion,
		EnableAdvice: req.EnableAdvice,
	})
	if err != nil {
		var httpErr *provider.HTTPError
		if errors.As(err, &httpErr) {
			return nil, &BackendRejectedError{Status: httpErr.Status, Detail: httpErr.Detail}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectivityUnavailable, err)
	}

	if result.Category == "" {
		result.Category = req.Category
	}
	if result.UserQuestion == "" {
		result.UserQuestion = req.UserQuestion
	}
	if result.Notes == "" {
		result.Notes = req.Notes
	}
	if result.Description == "" {
		result.Description = d.describe(result.Category, result.PredictedLabel)
	}
	result.ServedFromLocalInference = false
	if err := normalizeResult(result); err != nil {
		return nil, fmt.Errorf("%w: classification response: %v", ErrMalformedPayload, err)
	}
	return result, nil
}

func (d *Dispatcher) describe(c model.Category, label string) string {
	if d.advice != nil {
		if info, ok := d.advice.BasicInfo(c, label); ok && info.Description != "" {
			return info.Description
		}
	}
	return FallbackDescription(c, label)
}

// normalizeResult rounds confidences, orders and caps the top predictions
// and checks the result contract.
func normalizeResult(r *model.ClassificationResult) error {
	r.ConfidencePercent = round2(r.ConfidencePercent)
	preds := make([]model.Prediction, len(r.TopPredictions))
	for i, p := range r.TopPredictions {
		preds[i] = model.Prediction{Label: p.Label, ConfidencePercent: round2(p.ConfidencePercent)}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].ConfidencePercent > preds[j].ConfidencePercent
	})
	if len(preds) == 0 {
		preds = []model.Prediction{{Label: r.PredictedLabel, ConfidencePercent: r.ConfidencePercent}}
	}
	if len(preds) > model.MaxTopPredictions {
		preds = preds[:model.MaxTopPredictions]
	}
	if !sameLabel(preds[0].Label, r.PredictedLabel) {
		return fmt.Errorf("top prediction %q does not match predicted %q", preds[0].Label, r.PredictedLabel)
	}
	preds[0] = model.Prediction{Label: r.PredictedLabel, ConfidencePercent: r.ConfidencePercent}
	r.TopPredictions = preds
	return r.Validate()
}

func sameLabel(a, b string) bool {
	return a == b || model.DiseaseKey(strings.ReplaceAll(a, "-", " ")) == model.DiseaseKey(strings.ReplaceAll(b, "-", " "))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func fillFileInfo(r *model.ClassificationResult, ref string) {
	if strings.HasPrefix(ref, "data:") {
		return
	}
	p := strings.TrimPrefix(ref, "file://")
	if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
		r.Filename = filepath.Base(p)
		r.FileSize = st.Size()
	}
}

// Describe maps a classification error to the message shown to the user.
func Describe(err error) string {
	var rejected *BackendRejectedError
	var asset *AssetError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOfflineModelNotReady):
		return "Offline model not downloaded. Download the model for this crop while online, or turn off offline mode."
	case errors.As(err, &rejected):
		if rejected.Detail != "" {
			return "Server rejected request: " + rejected.Detail
		}
		return fmt.Sprintf("Server rejected request (HTTP %d).", rejected.Status)
	case errors.Is(err, ErrConnectivityUnavailable):
		return "No internet connection. Connect to the internet or use offline mode with a downloaded model."
	case errors.As(err, &asset):
		return describeAsset(asset)
	case errors.Is(err, ErrInferenceFailed):
		return "Could not analyse the image on this device: " + err.Error()
	case errors.Is(err, ErrMalformedPayload):
		return "The server sent an unexpected response. Please try again later."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	default:
		return err.Error()
	}
}

// AdviceNotice is the message for a result whose advice generation failed.
// It is empty when there is nothing to report.
func AdviceNotice(r *model.ClassificationResult) string {
	if r == nil || r.AdviceError == "" {
		return ""
	}
	return "Server advice feature failed: " + r.AdviceError
}

func describeAsset(e *AssetError) string {
	switch {
	case errors.Is(e.Kind, ErrAssetForbidden):
		return fmt.Sprintf("Access denied to the %s model. Check the model server permissions.", e.Category)
	case errors.Is(e.Kind, ErrAssetNotFound):
		return fmt.Sprintf("The %s model was not found on the server.", e.Category)
	case errors.Is(e.Kind, ErrAssetCorrupt):
		return fmt.Sprintf("The downloaded %s model is incomplete. Please try again.", e.Category)
	case errors.Is(e.Kind, ErrAssetLoad):
		return fmt.Sprintf("The %s model could not be loaded and was removed. Please download it again.", e.Category)
	case errors.Is(e.Kind, ErrDiskIO):
		return fmt.Sprintf("Could not save the %s model: %v", e.Category, e.Cause)
	case errors.Is(e.Kind, ErrConnectivityUnavailable):
		return "No internet connection. Models can only be downloaded while online."
	default:
		return fmt.Sprintf("Failed to download the %s model: %v", e.Category, e.Cause)
	}
}
