// Package provider defines the remote collaborators of the core:
// asset sources, the classification backend and reachability sources.
// No transport-specific logic lives in core.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cropdoc/cropdoc/internal/model"
)

var (
	// ErrNotFound is returned when the remote object does not exist.
	ErrNotFound = errors.New("remote object not found")
	// ErrForbidden is returned when access to the remote object is denied.
	ErrForbidden = errors.New("remote access denied")
)

// HTTPError is a non-2xx response. Detail is the server-provided message, if any.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// ProgressFunc callback for download progress (0.0 to 1.0).
type ProgressFunc func(progress float64)

// DownloadResult returned after a successful fetch.
type DownloadResult struct {
	LocalPath    string    `json:"local_path"`
	ContentHash  string    `json:"content_hash"` // SHA-256
	DownloadedAt time.Time `json:"downloaded_at"`
	Size         int64     `json:"size"`
}

// AssetSource serves model assets.
type AssetSource interface {
	// ID returns a unique identifier for this source.
	ID() string

	// AssetURL returns where the category's asset is fetched from.
	AssetURL(category model.Category) string

	// FetchAsset writes the category's asset to localPath.
	// Returns ErrNotFound, ErrForbidden or *HTTPError for remote refusals.
	FetchAsset(ctx context.Context, category model.Category, localPath string, progress ProgressFunc) (*DownloadResult, error)
}

// ClassifyRequest is one remote classification call.
type ClassifyRequest struct {
	ImagePath    string
	Category     model.Category
	Notes        string
	UserQuestion string
	EnableAdvice bool
}

// Backend is the remote classification service.
type Backend interface {
	// Classify submits an image. Non-2xx responses are returned as *HTTPError.
	Classify(ctx context.Context, req ClassifyRequest) (*model.ClassificationResult, error)

	// BasicDiseaseInfo fetches the raw disease information snapshot.
	BasicDiseaseInfo(ctx context.Context) ([]byte, error)

	// Probe issues a health check and reports its round-trip latency.
	Probe(ctx context.Context) (time.Duration, error)
}

// NetworkSnapshot is what the OS reports about the network at one instant.
type NetworkSnapshot struct {
	Connected         bool
	InternetReachable *bool
	Details           model.NetworkDetails
	ObservedAt        time.Time
}

// Online reports connected AND reachable. An unknown reachability counts as reachable.
func (s NetworkSnapshot) Online() bool {
	if !s.Connected {
		return false
	}
	return s.InternetReachable == nil || *s.InternetReachable
}

// Type returns the link type, unknown when no details are present.
func (s NetworkSnapshot) Type() model.ConnectionType {
	if s.Details == nil {
		return model.ConnectionUnknown
	}
	return s.Details.Kind()
}

// ReachabilitySource reports OS-level network state.
type ReachabilitySource interface {
	// Current reads the network state now.
	Current(ctx context.Context) (NetworkSnapshot, error)

	// Subscribe calls fn on every observed change until ctx is done or stop is called.
	Subscribe(ctx context.Context, fn func(NetworkSnapshot)) (stop func(), err error)
}
