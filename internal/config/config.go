package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antoniostano/chatrelay/internal/frame"
	"github.com/antoniostano/chatrelay/internal/rechunk"
)

// PathEnv names the optional YAML config file.
const PathEnv = "CHATRELAY_CONFIG"

// Config contains all runtime settings for the relay. Values come from the
// built-in defaults, then the YAML file, then the environment.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`

	AllowAnyOrigin bool `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	UpstreamURL            string        `yaml:"upstream_url"`
	UpstreamTimeout        time.Duration `yaml:"upstream_timeout"`
	UpstreamErrorBodyLimit int64         `yaml:"upstream_error_body_limit"`

	RechunkMinChars   int           `yaml:"rechunk_min_chars"`
	RechunkHardCap    int           `yaml:"rechunk_hard_cap"`
	RechunkFlushDelay time.Duration `yaml:"rechunk_flush_delay"`
	// RechunkNormalize trades lossless emission for display-ready fragments.
	RechunkNormalize bool `yaml:"rechunk_normalize"`

	FrameMode    string        `yaml:"frame_mode"`
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat"`
}

func Defaults() Config {
	rc := rechunk.DefaultConfig()
	return Config{
		BindAddr:               ":8080",
		ShutdownTimeout:        15 * time.Second,
		MetricsNamespace:       "chatrelay",
		LogLevel:               "info",
		LogFormat:              "console",
		UpstreamTimeout:        30 * time.Second,
		UpstreamErrorBodyLimit: 4096,
		RechunkMinChars:        rc.MinChars,
		RechunkHardCap:         rc.HardCap,
		RechunkFlushDelay:      rc.FlushDelay,
		FrameMode:              string(frame.ModeStructured),
		SSEHeartbeat:           15 * time.Second,
	}
}

// Load builds the config. path may be empty, in which case CHATRELAY_CONFIG is
// consulted; no file at all is fine.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = stringsTrimSpace(PathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.UpstreamURL = envOrDefault("UPSTREAM_URL", cfg.UpstreamURL)
	cfg.FrameMode = envOrDefault("FRAME_MODE", cfg.FrameMode)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return err
	}
	if cfg.UpstreamTimeout, err = durationFromEnv("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout); err != nil {
		return err
	}
	limit, err := intFromEnv("UPSTREAM_ERROR_BODY_LIMIT", int(cfg.UpstreamErrorBodyLimit))
	if err != nil {
		return err
	}
	cfg.UpstreamErrorBodyLimit = int64(limit)
	if cfg.RechunkMinChars, err = intFromEnv("RECHUNK_MIN_CHARS", cfg.RechunkMinChars); err != nil {
		return err
	}
	if cfg.RechunkHardCap, err = intFromEnv("RECHUNK_HARD_CAP", cfg.RechunkHardCap); err != nil {
		return err
	}
	if cfg.RechunkFlushDelay, err = durationFromEnv("RECHUNK_FLUSH_DELAY", cfg.RechunkFlushDelay); err != nil {
		return err
	}
	if cfg.RechunkNormalize, err = boolFromEnv("RECHUNK_NORMALIZE", cfg.RechunkNormalize); err != nil {
		return err
	}
	if cfg.SSEHeartbeat, err = durationFromEnv("SSE_HEARTBEAT", cfg.SSEHeartbeat); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if c.RechunkMinChars < 1 {
		return fmt.Errorf("RECHUNK_MIN_CHARS must be at least 1")
	}
	if c.RechunkHardCap < c.RechunkMinChars {
		return fmt.Errorf("RECHUNK_HARD_CAP must be >= RECHUNK_MIN_CHARS")
	}
	if c.RechunkFlushDelay <= 0 {
		return fmt.Errorf("RECHUNK_FLUSH_DELAY must be positive")
	}
	if _, err := frame.ParseMode(c.FrameMode); err != nil {
		return fmt.Errorf("FRAME_MODE: %w", err)
	}
	if c.SSEHeartbeat < 0 {
		return fmt.Errorf("SSE_HEARTBEAT must be >= 0")
	}
	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be >= 0")
	}
	if c.UpstreamErrorBodyLimit <= 0 {
		return fmt.Errorf("UPSTREAM_ERROR_BODY_LIMIT must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// ValidateServe adds the checks that only matter when running the server.
func (c Config) ValidateServe() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UPSTREAM_URL must be an absolute http(s) url, got %q", c.UpstreamURL)
	}
	return nil
}

func (c Config) Rechunk() rechunk.Config {
	return rechunk.Config{
		MinChars:   c.RechunkMinChars,
		HardCap:    c.RechunkHardCap,
		FlushDelay: c.RechunkFlushDelay,
		Normalize:  c.RechunkNormalize,
	}
}

// Mode returns the validated frame mode.
func (c Config) Mode() frame.Mode {
	m, err := frame.ParseMode(c.FrameMode)
	if err != nil {
		return frame.ModeStructured
	}
	return m
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
