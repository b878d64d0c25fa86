package rclone

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

// fakeRclone writes a shell script standing in for rclone. It copies from
// srcDir for "copyto" and exits 4 when the source file is missing.
func fakeRclone(t *testing.T, srcDir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	script := `#!/bin/sh
[ "$1" = "copyto" ] || exit 1
name=$(basename "$2")
[ -f "` + srcDir + `/$name" ] || exit 4
cp "` + srcDir + `/$name" "$3"
`
	path := filepath.Join(t.TempDir(), "rclone")
	require.NoError(t, os.WriteFile(path, []byte(script), 0700))
	return path
}

func TestFetchAsset(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "best_maize_model.onnx"), []byte("weights"), 0600))

	s := NewSource("mirror", "s3:bucket/models", "")
	s.binary = fakeRclone(t, src)
	assert.Equal(t, "s3:bucket/models/best_maize_model.onnx", s.AssetURL(model.CategoryMaize))

	dst := filepath.Join(t.TempDir(), "out", "maize.onnx")
	var progressed float64
	res, err := s.FetchAsset(context.Background(), model.CategoryMaize, dst, func(p float64) { progressed = p })
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Size)
	assert.Len(t, res.ContentHash, 64)
	assert.Equal(t, float64(1), progressed)

	_, err = s.FetchAsset(context.Background(), model.CategoryTomato, dst, nil)
	assert.True(t, errors.Is(err, provider.ErrNotFound))
}
