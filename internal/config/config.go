package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/newsrag/pkg/types"
)

// EnvConfigPath names the config file when no --config flag is given
const EnvConfigPath = "NEWSRAG_CONFIG"

// Duration is a time.Duration written as a Go duration string ("30s")
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func seconds(n int) Duration {
	return Duration{time.Duration(n) * time.Second}
}

// Config represents the application configuration
type Config struct {
	DBPath    string          `toml:"db_path" validate:"required"`
	LogLevel  string          `toml:"log_level" validate:"oneof=debug info warn error"`
	Chunking  ChunkingConfig  `toml:"chunking"`
	Search    SearchConfig    `toml:"search"`
	Ingestion IngestionConfig `toml:"ingestion"`
	Fetch     FetchConfig     `toml:"fetch"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Reranker  RerankerConfig  `toml:"reranker"`
	Retry     RetryConfig     `toml:"retry"`
}

type ChunkingConfig struct {
	Size    int `toml:"chunk_size" validate:"gt=0"`
	Overlap int `toml:"chunk_overlap" validate:"gte=0"`
}

type SearchConfig struct {
	RRFK         float64  `toml:"rrf_k" validate:"gt=0"`
	BM25K1       float64  `toml:"bm25_k1" validate:"gt=0"`
	BM25B        float64  `toml:"bm25_b" validate:"gte=0,lte=1"`
	RerankTopN   int      `toml:"rerank_top_n" validate:"min=1,max=500"`
	DefaultTopK  int      `toml:"default_top_k" validate:"min=1,max=100"`
	QueryTimeout Duration `toml:"query_timeout" validate:"gt=0"`
	CacheSize    int      `toml:"cache_size" validate:"gte=0"`
}

type IngestionConfig struct {
	MaxRetry                  int      `toml:"max_retry" validate:"min=1"`
	Concurrency               int      `toml:"ingestion_concurrency" validate:"min=1,max=256"`
	EmbeddingBatchSize        int      `toml:"embedding_batch_size" validate:"min=1,max=2048"`
	LockGrace                 Duration `toml:"lock_grace" validate:"gt=0"`
	DispatchInterval          Duration `toml:"dispatch_interval" validate:"gt=0"`
	EntityConfidenceThreshold float64  `toml:"entity_confidence_threshold" validate:"gte=0,lte=1"`
}

// FetchConfig governs outbound feed and page requests
type FetchConfig struct {
	UserAgent  string   `toml:"user_agent" validate:"required"`
	Timeout    Duration `toml:"fetch_timeout" validate:"gt=0"`
	RatePerSec float64  `toml:"fetch_rate_per_sec" validate:"gte=0"`
}

type SchedulerConfig struct {
	Enabled bool     `toml:"scheduler_enabled"`
	Tick    Duration `toml:"scheduler_tick" validate:"gte=1000000000"` // cron's @every floor is one second
}

type EmbeddingConfig struct {
	Provider  string   `toml:"embedding_provider" validate:"oneof=local openai jina ollama"`
	Model     string   `toml:"embedding_model"`
	BaseURL   string   `toml:"embedding_base_url" validate:"omitempty,url"`
	Dimension int      `toml:"embedding_dimension" validate:"gte=0"`
	Timeout   Duration `toml:"embedding_timeout" validate:"gt=0"`
	CacheSize int      `toml:"embedding_cache_size" validate:"gte=0"`
}

type RerankerConfig struct {
	Provider string   `toml:"reranker_provider" validate:"oneof=none local jina"`
	Model    string   `toml:"reranker_model"`
	BaseURL  string   `toml:"reranker_base_url" validate:"omitempty,url"`
	Timeout  Duration `toml:"rerank_timeout" validate:"gt=0"`
}

// RetryConfig is the backoff policy for remote model calls and fetches
type RetryConfig struct {
	Attempts  int      `toml:"retry_attempts" validate:"min=1,max=10"`
	BaseDelay Duration `toml:"retry_base_delay" validate:"gt=0"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DBPath:   DefaultDBPath(),
		LogLevel: "info",
		Chunking: ChunkingConfig{
			Size:    512,
			Overlap: 50,
		},
		Search: SearchConfig{
			RRFK:         60,
			BM25K1:       1.2,
			BM25B:        0.75,
			RerankTopN:   20,
			DefaultTopK:  10,
			QueryTimeout: seconds(15),
			CacheSize:    1000,
		},
		Ingestion: IngestionConfig{
			MaxRetry:                  3,
			Concurrency:               4,
			EmbeddingBatchSize:        20,
			LockGrace:                 Duration{10 * time.Minute},
			DispatchInterval:          seconds(5),
			EntityConfidenceThreshold: 0.5,
		},
		Fetch: FetchConfig{
			UserAgent:  "Mozilla/5.0 (compatible; NewsragBot/1.0)",
			Timeout:    seconds(30),
			RatePerSec: 2,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tick:    Duration{time.Minute},
		},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			Timeout:   seconds(30),
			CacheSize: 10000,
		},
		Reranker: RerankerConfig{
			Provider: "none",
			Timeout:  seconds(10),
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: seconds(1),
		},
	}
}

// DefaultDBPath is ~/.newsrag/newsrag.db, or newsrag.db in the working
// directory when there is no home directory
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "newsrag.db"
	}
	return filepath.Join(home, ".newsrag", "newsrag.db")
}

// Load builds the configuration: defaults, then the TOML file at path (if
// any, falling back to $NEWSRAG_CONFIG), then environment overrides. The
// result is validated.
func Load(path string) (*Config, error) {
	const op = "config.load"
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.Configuration(op, fmt.Errorf("read %s: %w", path, err))
		}
		if err := decode(data, cfg); err != nil {
			return nil, types.Configuration(op, fmt.Errorf("parse %s: %w", path, err))
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, types.Configuration(op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode merges TOML data into cfg. Unknown keys are rejected so typos
// don't silently fall back to defaults.
func decode(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(cfg)
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		keys := make([]string, len(strict.Errors))
		for i, e := range strict.Errors {
			keys[i] = strings.Join(e.Key(), ".")
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return err
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(Duration); ok {
			return int64(d.Duration)
		}
		return nil
	}, Duration{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field ranges and cross-field constraints
func (c *Config) Validate() error {
	const op = "config.validate"
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
			return types.Configuration(op, errors.New(strings.Join(msgs, "; ")))
		}
		return types.Configuration(op, err)
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return types.Configuration(op, fmt.Errorf("chunk_overlap %d must be smaller than chunk_size %d",
			c.Chunking.Overlap, c.Chunking.Size))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// envOverride binds one NEWSRAG_* variable to a config field
type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

func envString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func envInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func envFloat(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func envBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func envDuration(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		return field(c).UnmarshalText([]byte(v))
	}
}

var envOverrides = []envOverride{
	{"NEWSRAG_DB_PATH", envString(func(c *Config) *string { return &c.DBPath })},
	{"NEWSRAG_LOG_LEVEL", envString(func(c *Config) *string { return &c.LogLevel })},

	{"NEWSRAG_CHUNK_SIZE", envInt(func(c *Config) *int { return &c.Chunking.Size })},
	{"NEWSRAG_CHUNK_OVERLAP", envInt(func(c *Config) *int { return &c.Chunking.Overlap })},

	{"NEWSRAG_RRF_K", envFloat(func(c *Config) *float64 { return &c.Search.RRFK })},
	{"NEWSRAG_BM25_K1", envFloat(func(c *Config) *float64 { return &c.Search.BM25K1 })},
	{"NEWSRAG_BM25_B", envFloat(func(c *Config) *float64 { return &c.Search.BM25B })},
	{"NEWSRAG_RERANK_TOP_N", envInt(func(c *Config) *int { return &c.Search.RerankTopN })},
	{"NEWSRAG_DEFAULT_TOP_K", envInt(func(c *Config) *int { return &c.Search.DefaultTopK })},
	{"NEWSRAG_QUERY_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.Search.QueryTimeout })},
	{"NEWSRAG_CACHE_SIZE", envInt(func(c *Config) *int { return &c.Search.CacheSize })},

	{"NEWSRAG_MAX_RETRY", envInt(func(c *Config) *int { return &c.Ingestion.MaxRetry })},
	{"NEWSRAG_INGESTION_CONCURRENCY", envInt(func(c *Config) *int { return &c.Ingestion.Concurrency })},
	{"NEWSRAG_EMBEDDING_BATCH_SIZE", envInt(func(c *Config) *int { return &c.Ingestion.EmbeddingBatchSize })},
	{"NEWSRAG_LOCK_GRACE", envDuration(func(c *Config) *Duration { return &c.Ingestion.LockGrace })},
	{"NEWSRAG_DISPATCH_INTERVAL", envDuration(func(c *Config) *Duration { return &c.Ingestion.DispatchInterval })},
	{"NEWSRAG_ENTITY_CONFIDENCE_THRESHOLD", envFloat(func(c *Config) *float64 { return &c.Ingestion.EntityConfidenceThreshold })},

	{"NEWSRAG_USER_AGENT", envString(func(c *Config) *string { return &c.Fetch.UserAgent })},
	{"NEWSRAG_FETCH_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.Fetch.Timeout })},
	{"NEWSRAG_FETCH_RATE_PER_SEC", envFloat(func(c *Config) *float64 { return &c.Fetch.RatePerSec })},

	{"NEWSRAG_SCHEDULER_ENABLED", envBool(func(c *Config) *bool { return &c.Scheduler.Enabled })},
	{"NEWSRAG_SCHEDULER_TICK", envDuration(func(c *Config) *Duration { return &c.Scheduler.Tick })},

	{"NEWSRAG_EMBEDDING_PROVIDER", envString(func(c *Config) *string { return &c.Embedding.Provider })},
	{"NEWSRAG_EMBEDDING_MODEL", envString(func(c *Config) *string { return &c.Embedding.Model })},
	{"NEWSRAG_EMBEDDING_BASE_URL", envString(func(c *Config) *string { return &c.Embedding.BaseURL })},
	{"NEWSRAG_EMBEDDING_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.Embedding.Timeout })},

	{"NEWSRAG_RERANKER_PROVIDER", envString(func(c *Config) *string { return &c.Reranker.Provider })},
	{"NEWSRAG_RERANKER_MODEL", envString(func(c *Config) *string { return &c.Reranker.Model })},
	{"NEWSRAG_RERANKER_BASE_URL", envString(func(c *Config) *string { return &c.Reranker.BaseURL })},
	{"NEWSRAG_RERANK_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.Reranker.Timeout })},

	{"NEWSRAG_RETRY_ATTEMPTS", envInt(func(c *Config) *int { return &c.Retry.Attempts })},
	{"NEWSRAG_RETRY_BASE_DELAY", envDuration(func(c *Config) *Duration { return &c.Retry.BaseDelay })},
}

// applyEnvOverrides applies NEWSRAG_* environment variables to cfg
func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s=%q: %w", o.name, v, err)
		}
	}
	return nil
}
