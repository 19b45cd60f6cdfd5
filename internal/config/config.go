package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"llmcouncil/internal/council"
)

const (
	EnvPrefix         = "COUNCIL_"
	ConfigPathEnv     = "COUNCIL_CONFIG"
	DefaultConfigFile = "council.yaml"

	DefaultBaseURL         = council.DefaultBaseURL
	DefaultTimeoutSeconds  = 180
	DefaultStageIntervalMS = 3000
	DefaultStorageKey      = "llm-council:conversation"
)

var validBackends = map[string]bool{"file": true, "sqlite": true, "redis": true, "memory": true}

var validLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "disabled": true}

type Config struct {
	API       APIConfig       `koanf:"api"`
	Storage   StorageConfig   `koanf:"storage"`
	Stage     StageConfig     `koanf:"stage"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	UI        UIConfig        `koanf:"ui"`
}

type APIConfig struct {
	BaseURL        string `koanf:"base_url"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

type StorageConfig struct {
	Backend  string `koanf:"backend"` // file, sqlite, redis, memory
	Path     string `koanf:"path"`
	RedisURL string `koanf:"redis_url"`
	Key      string `koanf:"key"`
}

type StageConfig struct {
	IntervalMS int `koanf:"interval_ms"`
}

type LogConfig struct {
	File  string `koanf:"file"`
	Level string `koanf:"level"`
}

type TelemetryConfig struct {
	TraceFile string `koanf:"trace_file"` // empty disables tracing export
}

type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables the listener
}

type UIConfig struct {
	AltScreen bool `koanf:"alt_screen"`
	Markdown  bool `koanf:"markdown"`
}

// Load reads .env, the YAML file and COUNCIL_* variables, in that order of increasing
// precedence. path overrides COUNCIL_CONFIG; a missing default file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	explicit := true
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path == "" {
		path = DefaultConfigFile
		explicit = false
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, value := range defaults() {
		if !k.Exists(key) {
			_ = k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// envKey maps COUNCIL_API__BASE_URL to api.base_url. Variables that are not settings map
// to "" and are skipped.
func envKey(name string) string {
	switch name {
	case ConfigPathEnv, "COUNCIL_TEST_REDIS_URL":
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

func defaults() map[string]any {
	return map[string]any{
		"api.base_url":        DefaultBaseURL,
		"api.timeout_seconds": DefaultTimeoutSeconds,
		"storage.backend":     "file",
		"storage.path":        DefaultStoragePath(),
		"storage.key":         DefaultStorageKey,
		"stage.interval_ms":   DefaultStageIntervalMS,
		"log.level":           "info",
		"ui.alt_screen":       true,
		"ui.markdown":         true,
	}
}

// DefaultStoragePath is the per-user directory holding history.
func DefaultStoragePath() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "llm-council")
	}
	return ".llm-council"
}

// DefaultLogPath is where the TUI logs when log.file is unset.
func DefaultLogPath() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "llm-council", "council.log")
	}
	return filepath.Join(".llm-council", "council.log")
}

// BindFlags registers command-line overrides on fs, defaulting to the loaded values.
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.API.BaseURL, "api-url", cfg.API.BaseURL, "Council backend base URL")
	fs.IntVar(&cfg.API.TimeoutSeconds, "timeout", cfg.API.TimeoutSeconds, "Per-query timeout seconds (1-900)")
	fs.StringVar(&cfg.Storage.Backend, "storage", cfg.Storage.Backend, "History backend (file|sqlite|redis|memory)")
	fs.StringVar(&cfg.Storage.Path, "storage-path", cfg.Storage.Path, "Directory or sqlite file for history")
	fs.StringVar(&cfg.Storage.RedisURL, "redis-url", cfg.Storage.RedisURL, "Redis URL for the redis backend")
	fs.StringVar(&cfg.Storage.Key, "storage-key", cfg.Storage.Key, "Key the conversation is stored under")
	fs.IntVar(&cfg.Stage.IntervalMS, "stage-interval-ms", cfg.Stage.IntervalMS, "Simulated stage step in milliseconds")
	fs.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "Log file path (default: <user cache dir>/llm-council/council.log)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (trace|debug|info|warn|error|disabled)")
	fs.StringVar(&cfg.Telemetry.TraceFile, "trace-file", cfg.Telemetry.TraceFile, "Write OpenTelemetry spans to this file")
	fs.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "Serve prometheus metrics on this address")
	fs.BoolVar(&cfg.UI.AltScreen, "alt-screen", cfg.UI.AltScreen, "Use alternate screen buffer")
	fs.BoolVar(&cfg.UI.Markdown, "markdown", cfg.UI.Markdown, "Render final answers as markdown")
}

// Normalize fills blanks, clamps ranges and rejects unknown enum values.
func (c *Config) Normalize() error {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = DefaultTimeoutSeconds
	}
	c.API.TimeoutSeconds = clampInt(c.API.TimeoutSeconds, 1, 900)

	if c.Stage.IntervalMS <= 0 {
		c.Stage.IntervalMS = DefaultStageIntervalMS
	}
	c.Stage.IntervalMS = clampInt(c.Stage.IntervalMS, 100, 60000)

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && strings.TrimSpace(c.Storage.RedisURL) == "" {
		return errors.New("storage backend redis needs storage.redis_url")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath()
	}
	if strings.TrimSpace(c.Storage.Key) == "" {
		c.Storage.Key = DefaultStorageKey
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if strings.TrimSpace(c.Log.File) == "" {
		c.Log.File = DefaultLogPath()
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

func (c *Config) StageInterval() time.Duration {
	return time.Duration(c.Stage.IntervalMS) * time.Millisecond
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
