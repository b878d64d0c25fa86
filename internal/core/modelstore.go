// Package core provides the Model Store.
//
// INVARIANTS:
// - Downloads land in models/.partial first, never directly at the final path
// - Size is validated BEFORE the file is moved into place
// - A file that fails to load is removed, never left half-usable
// - At most one download per category is in flight
// - Every download is journaled; abandoned ones are rolled back at start
// - Model info is invalidated in the same step as every add/remove
package core

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cropdoc/cropdoc/internal/logger"
	"github.com/cropdoc/cropdoc/internal/metrics"
	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

// DefaultMinAssetBytes is the smallest file accepted as a model asset.
const DefaultMinAssetBytes = 1000

const opDownloadModel = "download_model"

// AssetLoader is the inference engine as seen by the store.
type AssetLoader interface {
	LoadModel(path string, category model.Category) error
	Unload(category model.Category)
	UnloadAll()
	IsLoaded(category model.Category) bool
}

// RemoteGate answers whether remote services may be used.
type RemoteGate interface {
	CanUseRemote() bool
}

// ModelStoreOptions configures a ModelStore.
type ModelStoreOptions struct {
	Dir           string
	MinAssetBytes int64
	Log           *logger.Logger
}

// ModelStore manages downloaded inference assets.
type ModelStore struct {
	store   *StateDB
	journal *JournalManager
	sources *provider.Registry
	engine  AssetLoader
	gate    RemoteGate
	dir     string
	minSize int64
	log     *logger.Logger

	mu    sync.Mutex // file moves, asset rows and the info cache
	group singleflight.Group
	info  *model.ModelInfo
}

type downloadPayload struct {
	Category    model.Category `json:"category"`
	PartialPath string         `json:"partial_path"`
}

// NewModelStore creates a model store rooted at opts.Dir.
func NewModelStore(store *StateDB, journal *JournalManager, sources *provider.Registry,
	engine AssetLoader, gate RemoteGate, opts ModelStoreOptions) (*ModelStore, error) {
	if opts.MinAssetBytes <= 0 {
		opts.MinAssetBytes = DefaultMinAssetBytes
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, ".partial"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	return &ModelStore{
		store:   store,
		journal: journal,
		sources: sources,
		engine:  engine,
		gate:    gate,
		dir:     opts.Dir,
		minSize: opts.MinAssetBytes,
		log:     opts.Log.With("component", "models"),
	}, nil
}

// Dir returns the models directory.
func (s *ModelStore) Dir() string { return s.dir }

// AssetPath returns where the category's asset lives once downloaded.
func (s *ModelStore) AssetPath(c model.Category) string {
	return filepath.Join(s.dir, fmt.Sprintf("best_%s_model.onnx", c))
}

func (s *ModelStore) partialDir() string { return filepath.Join(s.dir, ".partial") }

// SupportedCategories returns every category a model can be downloaded for.
func (s *ModelStore) SupportedCategories() []model.Category {
	return model.Categories()
}

// IsAvailable reports whether the category can be classified offline right now:
// the file exists AND the engine has it loaded.
func (s *ModelStore) IsAvailable(c model.Category) bool {
	if _, err := os.Stat(s.AssetPath(c)); err != nil {
		return false
	}
	return s.engine.IsLoaded(c)
}

// Download fetches, validates and loads the category's asset.
// A concurrent call for the same category waits for the first one.
func (s *ModelStore) Download(ctx context.Context, c model.Category) (*model.ModelAsset, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unsupported category %q", c)
	}
	ch := s.group.DoChan(string(c), func() (interface{}, error) {
		return s.download(ctx, c)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		asset := *r.Val.(*model.ModelAsset)
		return &asset, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ModelStore) download(ctx context.Context, c model.Category) (*model.ModelAsset, error) {
	final := s.AssetPath(c)

	if _, err := os.Stat(final); err == nil {
		asset, err := s.loadExisting(ctx, c)
		if err == nil {
			return asset, nil
		}
		s.log.Warn("existing asset unusable, downloading again", "category", c, "error", err)
	}

	if !s.gate.CanUseRemote() {
		metrics.ModelDownloads.WithLabelValues(string(c), "offline").Inc()
		return nil, assetErr(c, ErrConnectivityUnavailable, nil)
	}
	sources := s.sources.Ordered()
	if len(sources) == 0 {
		return nil, assetErr(c, ErrDownloadFailed, errors.New("no asset sources configured"))
	}

	partial := filepath.Join(s.partialDir(), fmt.Sprintf("%s-%d.tmp", c, time.Now().UnixNano()))
	payload, _ := json.Marshal(downloadPayload{Category: c, PartialPath: partial})
	opID, err := s.journal.BeginOperation(ctx, opDownloadModel, string(payload))
	if err != nil {
		return nil, assetErr(c, ErrDiskIO, err)
	}
	fail := func(kind, cause error) (*model.ModelAsset, error) {
		os.Remove(partial)
		msg := fmt.Sprint(kind)
		if cause != nil {
			msg = fmt.Sprintf("%v: %v", kind, cause)
		}
		// The operation failed; record it even if the caller's ctx is gone.
		if err := s.journal.RollbackOperation(context.Background(), opID, msg); err != nil {
			s.log.Warn("failed to roll back journal", "category", c, "error", err)
		}
		metrics.ModelDownloads.WithLabelValues(string(c), "failed").Inc()
		return nil, assetErr(c, kind, cause)
	}

	var res *provider.DownloadResult
	var fetchErr error
	for _, src := range sources {
		res, fetchErr = src.FetchAsset(ctx, c, partial, nil)
		if fetchErr == nil {
			break
		}
		os.Remove(partial)
		s.log.Warn("asset source failed", "source", src.ID(), "category", c, "error", fetchErr)
		if ctx.Err() != nil {
			break
		}
	}
	if fetchErr != nil {
		switch {
		case ctx.Err() != nil:
			return fail(ErrDownloadFailed, ctx.Err())
		case errors.Is(fetchErr, provider.ErrForbidden):
			return fail(ErrAssetForbidden, fetchErr)
		case errors.Is(fetchErr, provider.ErrNotFound):
			return fail(ErrAssetNotFound, fetchErr)
		default:
			return fail(ErrDownloadFailed, fetchErr)
		}
	}

	if res.Size < s.minSize {
		return fail(ErrAssetCorrupt, fmt.Errorf("downloaded %d bytes, minimum is %d", res.Size, s.minSize))
	}
	if err := ctx.Err(); err != nil {
		return fail(ErrDownloadFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := moveFile(partial, final); err != nil {
		return fail(ErrDiskIO, err)
	}
	if err := s.engine.LoadModel(final, c); err != nil {
		os.Remove(final)
		return fail(ErrAssetLoad, err)
	}

	asset := &model.ModelAsset{
		Category:       c,
		LocalPath:      final,
		SizeBytes:      res.Size,
		SHA256:         res.ContentHash,
		DownloadedAt:   time.Now().UTC(),
		LoadedInMemory: true,
	}
	if err := s.putAssetLocked(ctx, asset); err != nil {
		s.engine.Unload(c)
		os.Remove(final)
		return fail(ErrDiskIO, err)
	}
	s.invalidateInfoLocked(ctx)

	if err := s.journal.CommitOperation(ctx, opID); err != nil {
		s.log.Warn("failed to commit journal", "category", c, "error", err)
	}
	metrics.ModelDownloads.WithLabelValues(string(c), "ok").Inc()
	s.log.Info("model downloaded", "category", c, "bytes", res.Size)
	return asset, nil
}

// loadExisting (re)loads an asset already on disk, removing it if it will not load.
func (s *ModelStore) loadExisting(ctx context.Context, c model.Category) (*model.ModelAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.AssetPath(c)
	info, err := os.Stat(final)
	if err != nil {
		return nil, assetErr(c, ErrDiskIO, err)
	}
	if info.Size() < s.minSize {
		s.removeAssetLocked(ctx, c)
		return nil, assetErr(c, ErrAssetCorrupt, fmt.Errorf("file has %d bytes", info.Size()))
	}
	if err := s.engine.LoadModel(final, c); err != nil {
		s.removeAssetLocked(ctx, c)
		return nil, assetErr(c, ErrAssetLoad, err)
	}

	asset, err := s.getAssetLocked(ctx, c)
	if err != nil {
		return nil, assetErr(c, ErrDiskIO, err)
	}
	if asset == nil || asset.SizeBytes != info.Size() {
		hash, _, err := hashFile(final)
		if err != nil {
			return nil, assetErr(c, ErrDiskIO, err)
		}
		asset = &model.ModelAsset{
			Category:     c,
			LocalPath:    final,
			SizeBytes:    info.Size(),
			SHA256:       hash,
			DownloadedAt: info.ModTime().UTC(),
		}
		if err := s.putAssetLocked(ctx, asset); err != nil {
			return nil, assetErr(c, ErrDiskIO, err)
		}
		s.invalidateInfoLocked(ctx)
	}
	asset.LoadedInMemory = true
	return asset, nil
}

// LoadExisting recovers abandoned downloads and loads every asset on disk.
// Files that fail to load are removed. Returns the categories now loaded.
func (s *ModelStore) LoadExisting(ctx context.Context) ([]model.Category, error) {
	if err := s.Recover(ctx); err != nil {
		s.log.Warn("download recovery incomplete", "error", err)
	}

	var loaded []model.Category
	for _, c := range model.Categories() {
		if _, err := os.Stat(s.AssetPath(c)); err != nil {
			if err := s.dropStaleRow(ctx, c); err != nil {
				return loaded, err
			}
			continue
		}
		if _, err := s.loadExisting(ctx, c); err != nil {
			s.log.Warn("removed unloadable asset", "category", c, "error", err)
			continue
		}
		loaded = append(loaded, c)
	}
	return loaded, nil
}

// Recover rolls back download operations that never finished and removes
// their partial files.
func (s *ModelStore) Recover(ctx context.Context) error {
	pending, err := s.journal.GetPendingOperations(ctx)
	if err != nil {
		return err
	}
	for _, op := range pending {
		if op.OperationType != opDownloadModel {
			continue
		}
		var p downloadPayload
		if err := json.Unmarshal([]byte(op.Payload), &p); err == nil && p.PartialPath != "" {
			if err := os.Remove(p.PartialPath); err != nil && !os.IsNotExist(err) {
				s.log.Warn("failed to remove partial download", "path", p.PartialPath, "error", err)
			}
		}
		if err := s.journal.RollbackOperation(ctx, op.OperationID, "abandoned"); err != nil {
			return err
		}
		s.log.Info("rolled back abandoned download", "category", p.Category, "operation", op.OperationID)
	}
	return nil
}

// Delete unloads and removes the category's asset. Deleting an absent asset is a no-op.
func (s *ModelStore) Delete(ctx context.Context, c model.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine.Unload(c)
	if err := os.Remove(s.AssetPath(c)); err != nil && !os.IsNotExist(err) {
		return assetErr(c, ErrDiskIO, err)
	}
	if _, err := s.store.DB().ExecContext(ctx, `DELETE FROM model_assets WHERE category = ?`, string(c)); err != nil {
		return assetErr(c, ErrDiskIO, err)
	}
	s.invalidateInfoLocked(ctx)
	s.log.Info("model deleted", "category", c)
	return nil
}

// ClearAll unloads everything and wipes the models directory.
func (s *ModelStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine.UnloadAll()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("%w: failed to remove models directory: %v", ErrDiskIO, err)
	}
	if err := os.MkdirAll(s.partialDir(), 0700); err != nil {
		return fmt.Errorf("%w: failed to recreate models directory: %v", ErrDiskIO, err)
	}
	if _, err := s.store.DB().ExecContext(ctx, `DELETE FROM model_assets`); err != nil {
		return fmt.Errorf("%w: failed to clear asset records: %v", ErrDiskIO, err)
	}
	s.invalidateInfoLocked(ctx)
	s.log.Info("all models cleared")
	return nil
}

// Info returns the aggregate view, recomputing it from disk when the cached
// value has been invalidated.
func (s *ModelStore) Info(ctx context.Context) (*model.ModelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info != nil {
		return copyInfo(s.info), nil
	}
	var cached model.ModelInfo
	if found, err := s.store.GetJSON(ctx, KeyModelInfo, &cached); err == nil && found {
		s.info = &cached
		return copyInfo(s.info), nil
	}

	info := &model.ModelInfo{TotalCategories: len(model.Categories()), ComputedAt: time.Now().UTC()}
	for _, c := range model.Categories() {
		st, err := os.Stat(s.AssetPath(c))
		if err != nil {
			continue
		}
		info.AvailableCategories = append(info.AvailableCategories, c)
		info.StorageUsedBytes += st.Size()
	}
	if err := s.store.PutJSON(ctx, KeyModelInfo, info); err != nil {
		s.log.Warn("failed to cache model info", "error", err)
	}
	s.info = info
	return copyInfo(info), nil
}

// Assets lists recorded assets with their current load state.
func (s *ModelStore) Assets(ctx context.Context) ([]*model.ModelAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT category, local_path, size_bytes, sha256, downloaded_at
		FROM model_assets ORDER BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var out []*model.ModelAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		a.LoadedInMemory = s.engine.IsLoaded(a.Category)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ModelStore) invalidateInfoLocked(ctx context.Context) {
	s.info = nil
	if err := s.store.Delete(ctx, KeyModelInfo); err != nil {
		s.log.Warn("failed to invalidate model info", "error", err)
	}
}

func (s *ModelStore) removeAssetLocked(ctx context.Context, c model.Category) {
	s.engine.Unload(c)
	if err := os.Remove(s.AssetPath(c)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove asset", "category", c, "error", err)
	}
	if _, err := s.store.DB().ExecContext(ctx, `DELETE FROM model_assets WHERE category = ?`, string(c)); err != nil {
		s.log.Warn("failed to delete asset record", "category", c, "error", err)
	}
	s.invalidateInfoLocked(ctx)
}

func (s *ModelStore) dropStaleRow(ctx context.Context, c model.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.store.DB().ExecContext(ctx, `DELETE FROM model_assets WHERE category = ?`, string(c))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiskIO, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.engine.Unload(c)
		s.invalidateInfoLocked(ctx)
	}
	return nil
}

func (s *ModelStore) putAssetLocked(ctx context.Context, a *model.ModelAsset) error {
	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO model_assets (category, local_path, size_bytes, sha256, downloaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET
			local_path = excluded.local_path,
			size_bytes = excluded.size_bytes,
			sha256 = excluded.sha256,
			downloaded_at = excluded.downloaded_at
	`, string(a.Category), a.LocalPath, a.SizeBytes, a.SHA256, formatTime(a.DownloadedAt))
	if err != nil {
		return fmt.Errorf("failed to record asset: %w", err)
	}
	return nil
}

func (s *ModelStore) getAssetLocked(ctx context.Context, c model.Category) (*model.ModelAsset, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT category, local_path, size_bytes, sha256, downloaded_at
		FROM model_assets WHERE category = ?
	`, string(c))
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(r rowScanner) (*model.ModelAsset, error) {
	var a model.ModelAsset
	var category, downloadedAt string
	if err := r.Scan(&category, &a.LocalPath, &a.SizeBytes, &a.SHA256, &downloadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan asset: %w", err)
	}
	a.Category = model.Category(category)
	a.DownloadedAt = parseTime(downloadedAt)
	return &a, nil
}

func copyInfo(in *model.ModelInfo) *model.ModelInfo {
	out := *in
	out.AvailableCategories = append([]model.Category(nil), in.AvailableCategories...)
	return &out
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to move %s: %w", filepath.Base(src), err)
	}
	return os.Remove(src)
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := destFile.ReadFrom(sourceFile); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// isPartialName reports whether name looks like an in-progress download.
func isPartialName(name string) bool {
	return strings.HasSuffix(name, ".tmp")
}
