package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. GW_POOL__WINDOW=2h.
const EnvPrefix = "GW_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Pool       PoolConfig       `koanf:"pool"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Translator TranslatorConfig `koanf:"translator"`
	Media      MediaConfig      `koanf:"media"`
	Storage    StorageConfig    `koanf:"storage"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	PublicBaseURL   string        `koanf:"public_base_url"`
	APIKey          string        `koanf:"api_key"`
	AdminKey        string        `koanf:"admin_key"`
	MaxInflight     int           `koanf:"max_inflight"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type UpstreamConfig struct {
	BaseURL     string `koanf:"base_url"`
	AssetsURL   string `koanf:"assets_url"`
	CFClearance string `koanf:"cf_clearance"`
	UserAgent   string `koanf:"user_agent"`
	Temporary   bool   `koanf:"temporary"`
}

// PoolConfig holds quota and demotion policy for the credential pool.
type PoolConfig struct {
	Window         time.Duration `koanf:"window"`
	BasicLimit     int           `koanf:"basic_limit"`
	SuperLimit     int           `koanf:"super_limit"`
	BackoffBase    time.Duration `koanf:"backoff_base"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
	RetryBudget    int           `koanf:"retry_budget"`
	FlushInterval  time.Duration `koanf:"flush_interval"`
	FlushThreshold int           `koanf:"flush_threshold"`
}

type PipelineConfig struct {
	MaxAttempts        int           `koanf:"max_attempts"`
	RetryDelay         time.Duration `koanf:"retry_delay"`
	FirstByteTimeout   time.Duration `koanf:"first_byte_timeout"`
	ChunkTimeout       time.Duration `koanf:"chunk_timeout"`
	TotalTimeout       time.Duration `koanf:"total_timeout"`
	RetryableStatuses  []int         `koanf:"retryable_statuses"`
	MaxMalformedChunks int           `koanf:"max_malformed_chunks"`
}

type TranslatorConfig struct {
	FilterTags   []string `koanf:"filter_tags"`
	ShowThinking bool     `koanf:"show_thinking"`
	MediaMode    string   `koanf:"media_mode"` // url, base64
}

type MediaConfig struct {
	Dir           string        `koanf:"dir"`
	ImageCap      int64         `koanf:"image_cap"`
	VideoCap      int64         `koanf:"video_cap"`
	MaxFetches    int           `koanf:"max_fetches"`
	FetchTimeout  time.Duration `koanf:"fetch_timeout"`
	MaxImageBytes int64         `koanf:"max_image_bytes"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, redis
	SQLite SQLiteConfig `koanf:"sqlite"`
	Redis  RedisConfig  `koanf:"redis"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
	Metrics bool `koanf:"metrics"`
}

var defaults = map[string]any{
	"server.port":                   8000,
	"server.public_base_url":        "http://localhost:8000",
	"server.max_inflight":           64,
	"server.shutdown_timeout":       "30s",
	"upstream.base_url":             "https://grok.com",
	"upstream.assets_url":           "https://assets.grok.com",
	"upstream.temporary":            true,
	"pool.window":                   "2h",
	"pool.basic_limit":              20,
	"pool.super_limit":              140,
	"pool.backoff_base":             "30s",
	"pool.backoff_max":              "30m",
	"pool.retry_budget":             3,
	"pool.flush_interval":           "5s",
	"pool.flush_threshold":          50,
	"pipeline.max_attempts":         3,
	"pipeline.retry_delay":          "500ms",
	"pipeline.first_byte_timeout":   "30s",
	"pipeline.chunk_timeout":        "60s",
	"pipeline.total_timeout":        "5m",
	"pipeline.retryable_statuses":   []int{401, 429},
	"pipeline.max_malformed_chunks": 5,
	"translator.filter_tags":        []string{"xaiartifact", "xai:tool_usage_card", "grok:render"},
	"translator.show_thinking":      true,
	"translator.media_mode":         "url",
	"media.dir":                     "./data/media",
	"media.image_cap":               512 << 20,
	"media.video_cap":               2048 << 20,
	"media.max_fetches":             5,
	"media.fetch_timeout":           "60s",
	"media.max_image_bytes":         20 << 20,
	"storage.type":                  "sqlite",
	"storage.sqlite.path":           "./data/gateway.db",
	"storage.redis.addr":            "localhost:6379",
	"storage.redis.prefix":          "gw:",
	"telemetry.metrics":             true,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml from the working directory, then environment overrides.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile reads the given yaml file (a missing file is fine) and applies
// environment overrides and defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Secret-bearing fields may reference the environment
	cfg.Server.APIKey = substituteEnvVars(cfg.Server.APIKey)
	cfg.Server.AdminKey = substituteEnvVars(cfg.Server.AdminKey)
	cfg.Upstream.CFClearance = substituteEnvVars(cfg.Upstream.CFClearance)
	cfg.Storage.Redis.Password = substituteEnvVars(cfg.Storage.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the pool, pipeline and cache cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.MaxInflight <= 0 {
		errs = append(errs, fmt.Errorf("server.max_inflight must be positive"))
	}
	if c.Pool.Window <= 0 {
		errs = append(errs, fmt.Errorf("pool.window must be positive"))
	}
	if c.Pool.BasicLimit <= 0 || c.Pool.SuperLimit <= 0 {
		errs = append(errs, fmt.Errorf("pool tier limits must be positive"))
	}
	if c.Pool.FlushInterval <= 0 || c.Pool.FlushThreshold <= 0 {
		errs = append(errs, fmt.Errorf("pool flush interval and threshold must be positive"))
	}
	if c.Pipeline.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_attempts must be positive"))
	}
	if c.Pipeline.FirstByteTimeout <= 0 || c.Pipeline.ChunkTimeout <= 0 || c.Pipeline.TotalTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline timeouts must be positive"))
	}
	if c.Media.ImageCap <= 0 || c.Media.VideoCap <= 0 {
		errs = append(errs, fmt.Errorf("media caps must be positive"))
	}
	if c.Media.MaxFetches <= 0 {
		errs = append(errs, fmt.Errorf("media.max_fetches must be positive"))
	}
	switch c.Translator.MediaMode {
	case "url", "base64":
	default:
		errs = append(errs, fmt.Errorf("translator.media_mode must be url or base64, got %q", c.Translator.MediaMode))
	}
	switch c.Storage.Type {
	case "sqlite", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	return errors.Join(errs...)
}

// MarkerTags expands the configured tag names into the literal opening and
// closing markers stripped from visible text.
func (c TranslatorConfig) MarkerTags() []string {
	markers := make([]string, 0, len(c.FilterTags)*2)
	for _, tag := range c.FilterTags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		markers = append(markers, "<"+tag+">", "</"+tag+">")
	}
	return markers
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
