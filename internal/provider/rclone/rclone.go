// Package rclone provides an rclone-backed asset mirror.
// Any rclone remote (s3:, gcs:, webdav:, ...) holding the
// best_{category}_model.onnx files can serve downloads.
package rclone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

// rclone exit codes for missing directory / missing file.
const (
	exitDirNotFound  = 3
	exitFileNotFound = 4
)

// Source fetches model assets with rclone.
type Source struct {
	id         string
	remote     string // rclone remote including path prefix, e.g. "s3:cropdoc-models/"
	configPath string
	binary     string
}

// NewSource creates an rclone-backed asset source.
func NewSource(id, remote, configPath string) *Source {
	if remote != "" && !strings.HasSuffix(remote, ":") && !strings.HasSuffix(remote, "/") {
		remote += "/"
	}
	return &Source{id: id, remote: remote, configPath: configPath, binary: "rclone"}
}

// ID returns the unique identifier for this source.
func (s *Source) ID() string {
	return s.id
}

// AssetURL returns the rclone path of the category's asset.
func (s *Source) AssetURL(category model.Category) string {
	return s.remote + fmt.Sprintf("best_%s_model.onnx", category)
}

// Check verifies the rclone binary is installed.
func (s *Source) Check() error {
	if _, err := exec.LookPath(s.binary); err != nil {
		return fmt.Errorf("rclone not found in PATH: %w", err)
	}
	return nil
}

// FetchAsset copies the category's asset to localPath.
func (s *Source) FetchAsset(ctx context.Context, category model.Category, localPath string, progress provider.ProgressFunc) (*provider.DownloadResult, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	cmd := s.rcloneCmd(ctx, "copyto", s.AssetURL(category), localPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case exitDirNotFound, exitFileNotFound:
				return nil, fmt.Errorf("%s: %w", s.AssetURL(category), provider.ErrNotFound)
			}
		}
		if strings.Contains(strings.ToLower(string(out)), "403") || strings.Contains(strings.ToLower(string(out)), "access denied") {
			return nil, fmt.Errorf("%s: %w", s.AssetURL(category), provider.ErrForbidden)
		}
		return nil, fmt.Errorf("rclone copy failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	hash, size, err := calculateFileHash(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash downloaded file: %w", err)
	}
	if progress != nil {
		progress(1)
	}
	return &provider.DownloadResult{
		LocalPath:    localPath,
		ContentHash:  hash,
		DownloadedAt: time.Now(),
		Size:         size,
	}, nil
}

// rcloneCmd creates an rclone command with common flags.
func (s *Source) rcloneCmd(ctx context.Context, args ...string) *exec.Cmd {
	allArgs := args
	if s.configPath != "" {
		allArgs = append([]string{"--config", s.configPath}, args...)
	}
	return exec.CommandContext(ctx, s.binary, allArgs...)
}

// calculateFileHash calculates SHA-256 and size of a local file.
func calculateFileHash(path string) (string, int64, error) {
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
