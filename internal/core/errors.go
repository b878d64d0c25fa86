package core

import (
	"errors"
	"fmt"

	"github.com/cropdoc/cropdoc/internal/model"
)

// Sentinel errors. Match with errors.Is.
var (
	ErrConnectivityUnavailable = errors.New("remote services unavailable")
	ErrAssetNotFound           = errors.New("model asset not found on server")
	ErrAssetForbidden          = errors.New("access to model asset denied")
	ErrAssetCorrupt            = errors.New("model asset is corrupt or incomplete")
	ErrAssetLoad               = errors.New("model asset failed to load")
	ErrDownloadFailed          = errors.New("model download failed")
	ErrDiskIO                  = errors.New("local storage error")
	ErrMalformedPayload        = errors.New("malformed payload")
	ErrInferenceFailed         = errors.New("local inference failed")
	ErrOfflineModelNotReady    = errors.New("offline model not downloaded")
	ErrBusy                    = errors.New("operation already in progress")
)

// AssetError describes a failed asset operation for one category.
// Kind is one of the Err* sentinels above.
type AssetError struct {
	Category model.Category
	Kind     error
	Cause    error
}

func (e *AssetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s model: %v: %v", e.Category, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s model: %v", e.Category, e.Kind)
}

// Is lets errors.Is match the Kind sentinel.
func (e *AssetError) Is(target error) bool { return e.Kind == target }

func (e *AssetError) Unwrap() error { return e.Cause }

func assetErr(c model.Category, kind, cause error) error {
	return &AssetError{Category: c, Kind: kind, Cause: cause}
}

// BackendRejectedError is a non-2xx response from the classification backend.
// Detail carries the server's message verbatim.
type BackendRejectedError struct {
	Status int
	Detail string
}

func (e *BackendRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server rejected request (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("server rejected request (HTTP %d): %s", e.Status, e.Detail)
}
