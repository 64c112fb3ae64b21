package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "kiln.db"
	defaultMarkerPath   = "/tmp/ai_generator.lock"
	defaultPollInterval = 10 * time.Millisecond
	defaultUpstreamURL  = "http://127.0.0.1:7860"

	envConfigFile   = "KILN_CONFIG"
	envListenAddr   = "KILN_LISTEN_ADDR"
	envDBPath       = "KILN_DB_PATH"
	envLogLevel     = "KILN_LOG_LEVEL"
	envMarkerPath   = "KILN_MARKER_PATH"
	envPollInterval = "KILN_POLL_INTERVAL"
	envUpstreamURL  = "KILN_UPSTREAM_URL"
	envReleasePath  = "KILN_RELEASE_PATH"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by KILN_CONFIG, then environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	MarkerPath   string
	PollInterval time.Duration
	UpstreamURL  string

	// ReleasePath, when set, is posted to on the upstream server after
	// every run to drop its caches.
	ReleasePath string
}

// fileConfig mirrors Config in the YAML file. Durations and levels are
// strings so they parse the same way as their environment variables.
type fileConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	DBPath       string `yaml:"db_path"`
	LogLevel     string `yaml:"log_level"`
	MarkerPath   string `yaml:"marker_path"`
	PollInterval string `yaml:"poll_interval"`
	UpstreamURL  string `yaml:"upstream_url"`
	ReleasePath  string `yaml:"release_path"`
}

// values returns the file's settings keyed by environment variable name.
func (f fileConfig) values() map[string]string {
	return map[string]string{
		envListenAddr:   f.ListenAddr,
		envDBPath:       f.DBPath,
		envLogLevel:     f.LogLevel,
		envMarkerPath:   f.MarkerPath,
		envPollInterval: f.PollInterval,
		envUpstreamURL:  f.UpstreamURL,
		envReleasePath:  f.ReleasePath,
	}
}

// Load reads configuration with sensible defaults. It fails only when
// KILN_CONFIG names a file that cannot be read or parsed.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		MarkerPath:   defaultMarkerPath,
		PollInterval: defaultPollInterval,
		UpstreamURL:  defaultUpstreamURL,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.apply(fc.values())
	}

	env := make(map[string]string)
	for _, key := range []string{envListenAddr, envDBPath, envLogLevel, envMarkerPath, envPollInterval, envUpstreamURL, envReleasePath} {
		env[key] = os.Getenv(key)
	}
	cfg.apply(env)

	return cfg, nil
}

func (c *Config) apply(values map[string]string) {
	if v := values[envListenAddr]; v != "" {
		c.ListenAddr = v
	}
	if v := values[envDBPath]; v != "" {
		c.DBPath = v
	}
	if v := values[envLogLevel]; v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := values[envMarkerPath]; v != "" {
		c.MarkerPath = v
	}
	if v := values[envPollInterval]; v != "" {
		c.PollInterval = parseDuration(v, c.PollInterval)
	}
	if v := values[envUpstreamURL]; v != "" {
		c.UpstreamURL = v
	}
	if v := values[envReleasePath]; v != "" {
		c.ReleasePath = v
	}
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration returns fallback for unparsable or non-positive values.
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
