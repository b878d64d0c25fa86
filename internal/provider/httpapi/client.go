// Package httpapi talks to the cropdoc backend over HTTP: classification,
// disease information, health probes and model asset downloads.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Config represents client configuration.
type Config struct {
	BaseURL       string
	AssetBaseURL  string
	Timeout       time.Duration
	RetryCount    int
	RetryWaitTime time.Duration
	UserAgent     string
	Debug         bool
}

// DefaultConfig returns default client configuration.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:       baseURL,
		AssetBaseURL:  strings.TrimRight(baseURL, "/") + "/models",
		Timeout:       30 * time.Second,
		RetryCount:    2,
		RetryWaitTime: 500 * time.Millisecond,
		UserAgent:     "cropdoc",
	}
}

// Client is the HTTP client for the cropdoc backend. It implements
// provider.Backend and provider.AssetSource.
type Client struct {
	client       *resty.Client
	probe        *resty.Client
	baseURL      string
	assetBaseURL string
}

// NewClient creates a new backend client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig("http://localhost:8000")
	}
	assetBase := cfg.AssetBaseURL
	if assetBase == "" {
		assetBase = strings.TrimRight(cfg.BaseURL, "/") + "/models"
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		// Only transport failures and 5xx are worth repeating.
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Debug {
		client.SetDebug(true)
	}

	// Probes measure latency, so they never retry.
	probe := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetRetryCount(0).
		SetHeader("User-Agent", cfg.UserAgent)

	return &Client{
		client:       client,
		probe:        probe,
		baseURL:      cfg.BaseURL,
		assetBaseURL: strings.TrimRight(assetBase, "/"),
	}
}

// ID implements provider.AssetSource.
func (c *Client) ID() string { return "http" }

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Classify implements provider.Backend. Sends multipart/form-data to /api/classify.
func (c *Client) Classify(ctx context.Context, req provider.ClassifyRequest) (*model.ClassificationResult, error) {
	var result model.ClassificationResult
	resp, err := c.client.R().
		SetContext(ctx).
		SetFile("image", req.ImagePath).
		SetFormData(map[string]string{
			"crop_type":        string(req.Category),
			"notes":            req.Notes,
			"user_question":    req.UserQuestion,
			"enable_ai_advice": strconv.FormatBool(req.EnableAdvice),
		}).
		SetResult(&result).
		Post("/api/classify")
	if err != nil {
		return nil, fmt.Errorf("failed to classify image: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &provider.HTTPError{Status: resp.StatusCode(), Detail: extractDetail(resp.Body())}
	}
	return &result, nil
}

// BasicDiseaseInfo implements provider.Backend.
func (c *Client) BasicDiseaseInfo(ctx context.Context) ([]byte, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get("/api/diseases/basic")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch disease info: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &provider.HTTPError{Status: resp.StatusCode(), Detail: extractDetail(resp.Body())}
	}
	return resp.Body(), nil
}

// Probe implements provider.Backend with HEAD /api/health.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := c.probe.R().SetContext(ctx).Head("/api/health")
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("health probe failed: %w", err)
	}
	if !resp.IsSuccess() {
		return elapsed, &provider.HTTPError{Status: resp.StatusCode()}
	}
	return elapsed, nil
}

// AssetURL implements provider.AssetSource.
func (c *Client) AssetURL(category model.Category) string {
	return fmt.Sprintf("%s/best_%s_model.onnx", c.assetBaseURL, category)
}

// FetchAsset implements provider.AssetSource. The body is streamed to localPath.
func (c *Client) FetchAsset(ctx context.Context, category model.Category, localPath string, progress provider.ProgressFunc) (*provider.DownloadResult, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "application/octet-stream").
		Get(c.AssetURL(category))
	if err != nil {
		return nil, fmt.Errorf("failed to download %s model: %w", category, err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch status := resp.StatusCode(); {
	case status == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", c.AssetURL(category), provider.ErrForbidden)
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", c.AssetURL(category), provider.ErrNotFound)
	case status < 200 || status > 299:
		raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return nil, &provider.HTTPError{Status: status, Detail: extractDetail(raw)}
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)
	total := resp.RawResponse.ContentLength
	var src io.Reader = body
	if progress != nil && total > 0 {
		src = &progressReader{r: body, total: total, fn: progress}
	}
	n, copyErr := io.Copy(w, src)
	closeErr := f.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("failed to write %s model: %w", category, copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close %s: %w", localPath, closeErr)
	}
	if total > 0 && n != total {
		return nil, fmt.Errorf("short download: got %d of %d bytes", n, total)
	}
	if progress != nil {
		progress(1)
	}

	return &provider.DownloadResult{
		LocalPath:    localPath,
		ContentHash:  hex.EncodeToString(h.Sum(nil)),
		DownloadedAt: time.Now(),
		Size:         n,
	}, nil
}

type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    provider.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if n > 0 && p.read < p.total {
		p.fn(float64(p.read) / float64(p.total))
	}
	return n, err
}

// extractDetail pulls "detail" out of a JSON error body. A non-string detail
// (e.g. a validation error list) is returned as raw JSON; a non-JSON body as text.
func extractDetail(body []byte) string {
	var e struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err != nil || len(e.Detail) == 0 {
		s := strings.TrimSpace(string(body))
		if len(s) > 512 {
			s = s[:512]
		}
		return s
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	return string(e.Detail)
}
