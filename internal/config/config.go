// Package config loads cropdoc settings from defaults, an optional YAML file,
// CROPDOC_* environment variables and bound command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MaxProbeTimeout bounds the quality probe.
const MaxProbeTimeout = 5 * time.Second

// Config holds resolved settings.
type Config struct {
	Home                string
	BackendURL          string
	AssetBaseURL        string
	LogMode             string
	Passphrase          string
	ProbeInterval       time.Duration
	ProbeTimeout        time.Duration
	ReachabilityPoll    time.Duration
	MinAssetBytes       int64
	AdviceMaxAge        time.Duration
	AdviceRefreshPeriod time.Duration
	HistoryCap          int
	HTTPTimeout         time.Duration
	HTTPRetries         int
	// ReachabilityTarget is dialled to confirm internet access; empty derives it from BackendURL.
	ReachabilityTarget string
	// RcloneRemote, when set, adds an rclone asset source tried after HTTP.
	RcloneRemote string
	RcloneConfig string
}

// DBPath is the location of the local state database.
func (c *Config) DBPath() string { return filepath.Join(c.Home, "state.db") }

// ModelsDir is where downloaded assets live.
func (c *Config) ModelsDir() string { return filepath.Join(c.Home, "models") }

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend_url", "http://localhost:8000")
	v.SetDefault("asset_base_url", "")
	v.SetDefault("log_mode", "quiet")
	v.SetDefault("probe_interval", "60s")
	v.SetDefault("probe_timeout", "5s")
	v.SetDefault("reachability.poll_interval", "5s")
	v.SetDefault("models.min_asset_bytes", 1000)
	v.SetDefault("advice.max_age", "168h")
	v.SetDefault("advice.refresh_period", "6h")
	v.SetDefault("history.cap", 50)
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.retries", 2)
	v.SetDefault("reachability.target", "")
	v.SetDefault("assets.rclone_remote", "")
	v.SetDefault("assets.rclone_config", "")
}

// DefaultHome returns ~/.cropdoc, or ./.cropdoc when no home directory exists.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cropdoc"
	}
	return filepath.Join(home, ".cropdoc")
}

// Load resolves the configuration. flags may be nil.
func Load(home string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CROPDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("backend"); f != nil {
			if err := v.BindPFlag("backend_url", f); err != nil {
				return nil, fmt.Errorf("failed to bind backend flag: %w", err)
			}
		}
		if f := flags.Lookup("log-mode"); f != nil {
			if err := v.BindPFlag("log_mode", f); err != nil {
				return nil, fmt.Errorf("failed to bind log-mode flag: %w", err)
			}
		}
	}

	if home == "" {
		home = v.GetString("home")
	}
	if home == "" {
		home = DefaultHome()
	}

	v.SetConfigFile(filepath.Join(home, "config.yaml"))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Home:                home,
		BackendURL:          strings.TrimRight(v.GetString("backend_url"), "/"),
		AssetBaseURL:        strings.TrimRight(v.GetString("asset_base_url"), "/"),
		LogMode:             v.GetString("log_mode"),
		Passphrase:          os.Getenv("CROPDOC_PASSPHRASE"),
		ProbeInterval:       v.GetDuration("probe_interval"),
		ProbeTimeout:        v.GetDuration("probe_timeout"),
		ReachabilityPoll:    v.GetDuration("reachability.poll_interval"),
		MinAssetBytes:       v.GetInt64("models.min_asset_bytes"),
		AdviceMaxAge:        v.GetDuration("advice.max_age"),
		AdviceRefreshPeriod: v.GetDuration("advice.refresh_period"),
		HistoryCap:          v.GetInt("history.cap"),
		HTTPTimeout:         v.GetDuration("http.timeout"),
		HTTPRetries:         v.GetInt("http.retries"),
		ReachabilityTarget:  v.GetString("reachability.target"),
		RcloneRemote:        v.GetString("assets.rclone_remote"),
		RcloneConfig:        v.GetString("assets.rclone_config"),
	}
	if cfg.AssetBaseURL == "" {
		cfg.AssetBaseURL = cfg.BackendURL + "/models"
	}
	if cfg.ReachabilityTarget == "" {
		cfg.ReachabilityTarget = hostPort(cfg.BackendURL)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate clamps and checks settings.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url must be set")
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout > MaxProbeTimeout {
		c.ProbeTimeout = MaxProbeTimeout
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive, got %s", c.ProbeInterval)
	}
	if c.ReachabilityPoll <= 0 {
		return fmt.Errorf("reachability.poll_interval must be positive, got %s", c.ReachabilityPoll)
	}
	if c.MinAssetBytes < 0 {
		return fmt.Errorf("models.min_asset_bytes must not be negative")
	}
	if c.HistoryCap <= 0 {
		return fmt.Errorf("history.cap must be positive, got %d", c.HistoryCap)
	}
	if c.HTTPRetries < 0 {
		c.HTTPRetries = 0
	}
	return nil
}

// hostPort turns a base URL into the host:port dialled for reachability.
func hostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
