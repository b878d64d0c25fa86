package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home, nil)
	require.NoError(t, err)

	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, "http://localhost:8000", cfg.BackendURL)
	assert.Equal(t, "http://localhost:8000/models", cfg.AssetBaseURL)
	assert.Equal(t, 60*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, int64(1000), cfg.MinAssetBytes)
	assert.Equal(t, 7*24*time.Hour, cfg.AdviceMaxAge)
	assert.Equal(t, 50, cfg.HistoryCap)
	assert.Equal(t, filepath.Join(home, "state.db"), cfg.DBPath())
	assert.Equal(t, "localhost:8000", cfg.ReachabilityTarget)
	assert.Empty(t, cfg.RcloneRemote)
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "api.example:443", hostPort("https://api.example"))
	assert.Equal(t, "api.example:80", hostPort("http://api.example/v1"))
	assert.Equal(t, "10.0.0.2:8000", hostPort("http://10.0.0.2:8000"))
	assert.Empty(t, hostPort("not a url"))
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	home := t.TempDir()
	yaml := "backend_url: http://file.example/\nprobe_timeout: 30s\nhistory:\n  cap: 10\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0600))
	t.Setenv("CROPDOC_MODELS_MIN_ASSET_BYTES", "2048")
	t.Setenv("CROPDOC_PASSPHRASE", "s3cret")

	cfg, err := Load(home, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://file.example", cfg.BackendURL)
	assert.Equal(t, MaxProbeTimeout, cfg.ProbeTimeout, "probe timeout is clamped")
	assert.Equal(t, 10, cfg.HistoryCap)
	assert.Equal(t, int64(2048), cfg.MinAssetBytes)
	assert.Equal(t, "s3cret", cfg.Passphrase)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("backend", "", "")
	flags.String("log-mode", "", "")
	require.NoError(t, flags.Parse([]string{"--backend", "http://flag.example"}))
	cfg, err = Load(home, flags)
	require.NoError(t, err)
	assert.Equal(t, "http://flag.example", cfg.BackendURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{BackendURL: "http://x", ProbeInterval: time.Second, ReachabilityPoll: time.Second, HistoryCap: 0}
	assert.Error(t, cfg.Validate())

	cfg.HistoryCap = 5
	cfg.ProbeInterval = 0
	assert.Error(t, cfg.Validate())
}
