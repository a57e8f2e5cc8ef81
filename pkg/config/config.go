// Package config loads the typed service configuration from defaults, an
// optional YAML file and GNOSIS_-prefixed environment variables. Unknown keys
// in the file are rejected so drift between the file and this struct is
// caught at startup rather than silently ignored.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	API         APIConfig       `mapstructure:"api"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Providers   ProvidersConfig `mapstructure:"providers"`
	Ingestion   IngestionConfig `mapstructure:"ingestion"`
	Matcher     MatcherConfig   `mapstructure:"matcher"`
	Vocabulary  []string        `mapstructure:"vocabulary"`
	Jobs        JobsConfig      `mapstructure:"jobs"`
	Estimator   EstimatorConfig `mapstructure:"estimator"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	EnableCORS     bool          `mapstructure:"enable_cors"`
	CORSAllowed    string        `mapstructure:"cors_allowed"`
	BearerToken    string        `mapstructure:"bearer_token"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CacheConfig configures the embedding/result cache.
type CacheConfig struct {
	// Backend is "redis", "memory" or "none".
	Backend      string        `mapstructure:"backend"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	TTL          time.Duration `mapstructure:"ttl"`
	MaxEntries   int           `mapstructure:"max_entries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig configures the S3-compatible object store.
type StorageConfig struct {
	Bucket         string        `mapstructure:"bucket"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	UploadPartMiB  int64         `mapstructure:"upload_part_mib"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ProvidersConfig selects and configures embedding/extraction providers.
type ProvidersConfig struct {
	// Active names the provider every call site uses: mock, openai, bedrock, ollama.
	Active        string        `mapstructure:"active"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	Mock          MockConfig    `mapstructure:"mock"`
	OpenAI        OpenAIConfig  `mapstructure:"openai"`
	Bedrock       BedrockConfig `mapstructure:"bedrock"`
	Ollama        OllamaConfig  `mapstructure:"ollama"`
}

// MockConfig configures the deterministic test provider.
type MockConfig struct {
	Mode       string `mapstructure:"mode"`
	Dimensions int    `mapstructure:"dimensions"`
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey          string `mapstructure:"api_key"`
	BaseURL         string `mapstructure:"base_url"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
	ExtractionModel string `mapstructure:"extraction_model"`
	Dimensions      int    `mapstructure:"dimensions"`
}

// BedrockConfig configures the AWS Bedrock provider.
type BedrockConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
	ExtractionModel string `mapstructure:"extraction_model"`
	Dimensions      int    `mapstructure:"dimensions"`
}

// OllamaConfig configures a local model server.
type OllamaConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
	ExtractionModel string `mapstructure:"extraction_model"`
	Dimensions      int    `mapstructure:"dimensions"`
}

// ExtractionModel returns the extraction model name of the active provider,
// recorded on job cost estimates.
func (p ProvidersConfig) ExtractionModel() string {
	switch p.Active {
	case "openai":
		return p.OpenAI.ExtractionModel
	case "bedrock":
		return p.Bedrock.ExtractionModel
	case "ollama":
		return p.Ollama.ExtractionModel
	default:
		return "mock-extract"
	}
}

// EmbeddingModel returns the embedding model name of the active provider.
func (p ProvidersConfig) EmbeddingModel() string {
	switch p.Active {
	case "openai":
		return p.OpenAI.EmbeddingModel
	case "bedrock":
		return p.Bedrock.EmbeddingModel
	case "ollama":
		return p.Ollama.EmbeddingModel
	default:
		return "mock-embed"
	}
}

// IngestionConfig holds chunking and engine parameters.
type IngestionConfig struct {
	TargetWords      int `mapstructure:"target_words"`
	MinWords         int `mapstructure:"min_words"`
	MaxWords         int `mapstructure:"max_words"`
	OverlapWords     int `mapstructure:"overlap_words"`
	SearchWindow     int `mapstructure:"search_window"`
	SentenceMaxChars int `mapstructure:"sentence_max_chars"`
	ContextChunks    int `mapstructure:"context_chunks"`
	ContextConcepts  int `mapstructure:"context_concepts"`
	ParallelWorkers  int `mapstructure:"parallel_workers"`
}

// MatcherConfig holds vector matcher thresholds.
type MatcherConfig struct {
	MergeThreshold   float64 `mapstructure:"merge_threshold"`
	SuggestThreshold float64 `mapstructure:"suggest_threshold"`
	TopK             int     `mapstructure:"top_k"`
}

// JobsConfig holds worker pool and scheduler parameters.
type JobsConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ApprovalTTL       time.Duration `mapstructure:"approval_ttl"`
	StallThreshold    time.Duration `mapstructure:"stall_threshold"`
	Retention         time.Duration `mapstructure:"retention"`
	RetryBudget       int           `mapstructure:"retry_budget"`
	AutoApproveBelow  float64       `mapstructure:"auto_approve_below"`
	ProgressRateLimit float64       `mapstructure:"progress_rate_limit"`
}

// EstimatorConfig holds the pre-LLM cost heuristics.
type EstimatorConfig struct {
	ExtractionUSDPer1M float64 `mapstructure:"extraction_usd_per_1m"`
	EmbeddingUSDPer1M  float64 `mapstructure:"embedding_usd_per_1m"`
	TokensPerWord      float64 `mapstructure:"tokens_per_word"`
	PromptOverhead     int64   `mapstructure:"prompt_overhead"`
	OutputPerChunk     int64   `mapstructure:"output_per_chunk"`
	ConceptsPerChunk   int     `mapstructure:"concepts_per_chunk"`
}

// Load reads configuration from defaults, the config file and environment.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal production case.
	_ = godotenv.Load()

	configFile := os.Getenv("GNOSIS_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	return LoadFromFile(configFile)
}

// LoadFromFile reads configuration with an explicit file path.
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configFile)
	v.SetEnvPrefix("GNOSIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// Common container env vars that don't follow the prefix convention.
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("cache.address", "REDIS_ADDR")
	_ = v.BindEnv("providers.openai.api_key", "OPENAI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		// The file is optional when environment variables carry the config;
		// a present-but-broken file is still fatal.
		if _, statErr := os.Stat(configFile); statErr == nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Matcher.MergeThreshold < c.Matcher.SuggestThreshold {
		return fmt.Errorf("matcher: merge_threshold %.2f below suggest_threshold %.2f",
			c.Matcher.MergeThreshold, c.Matcher.SuggestThreshold)
	}
	if c.Matcher.TopK <= 0 {
		return fmt.Errorf("matcher: top_k must be positive")
	}
	if c.Ingestion.TargetWords < 500 || c.Ingestion.TargetWords > 2000 {
		return fmt.Errorf("ingestion: target_words %d outside 500..2000", c.Ingestion.TargetWords)
	}
	if c.Ingestion.OverlapWords >= c.Ingestion.TargetWords {
		return fmt.Errorf("ingestion: overlap_words must be below target_words")
	}
	if c.Jobs.PoolSize <= 0 {
		return fmt.Errorf("jobs: pool_size must be positive")
	}
	switch c.Providers.Active {
	case "mock", "openai", "bedrock", "ollama":
	default:
		return fmt.Errorf("providers: unknown active provider %q", c.Providers.Active)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", "30s")
	v.SetDefault("api.write_timeout", "0s") // streaming responses manage their own deadline
	v.SetDefault("api.idle_timeout", "90s")
	v.SetDefault("api.enable_cors", true)
	v.SetDefault("api.cors_allowed", "*")
	v.SetDefault("api.max_upload_bytes", 32<<20)

	v.SetDefault("database.dsn", "postgres://localhost:5432/gnosis?sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations/sql")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.max_entries", 4096)
	v.SetDefault("cache.dial_timeout", "5s")
	v.SetDefault("cache.read_timeout", "3s")
	v.SetDefault("cache.write_timeout", "3s")

	v.SetDefault("storage.bucket", "gnosis")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.force_path_style", false)
	v.SetDefault("storage.upload_part_mib", 8)
	v.SetDefault("storage.concurrency", 4)

	v.SetDefault("providers.active", "mock")
	v.SetDefault("providers.timeout", "60s")
	v.SetDefault("providers.retry_attempts", 3)
	v.SetDefault("providers.mock.mode", "default")
	v.SetDefault("providers.mock.dimensions", 384)
	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("providers.openai.extraction_model", "gpt-4o-mini")
	v.SetDefault("providers.openai.dimensions", 1536)
	v.SetDefault("providers.bedrock.region", "us-east-1")
	v.SetDefault("providers.bedrock.embedding_model", "amazon.titan-embed-text-v2:0")
	v.SetDefault("providers.bedrock.extraction_model", "anthropic.claude-3-5-haiku-20241022-v1:0")
	v.SetDefault("providers.bedrock.dimensions", 1024)
	v.SetDefault("providers.ollama.base_url", "http://localhost:11434")
	v.SetDefault("providers.ollama.embedding_model", "nomic-embed-text")
	v.SetDefault("providers.ollama.extraction_model", "llama3.1")
	v.SetDefault("providers.ollama.dimensions", 768)

	v.SetDefault("ingestion.target_words", 1000)
	v.SetDefault("ingestion.min_words", 800)
	v.SetDefault("ingestion.max_words", 1500)
	v.SetDefault("ingestion.overlap_words", 200)
	v.SetDefault("ingestion.search_window", 100)
	v.SetDefault("ingestion.sentence_max_chars", 500)
	v.SetDefault("ingestion.context_chunks", 3)
	v.SetDefault("ingestion.context_concepts", 50)
	v.SetDefault("ingestion.parallel_workers", 4)

	v.SetDefault("matcher.merge_threshold", 0.85)
	v.SetDefault("matcher.suggest_threshold", 0.60)
	v.SetDefault("matcher.top_k", 20)

	v.SetDefault("vocabulary", []string{
		"IMPLIES", "SUPPORTS", "CONTRADICTS", "ENABLES", "REQUIRES",
		"CAUSED_BY", "PART_OF", "PRECEDES", "EQUIVALENT_TO", "RELATES_TO",
	})

	v.SetDefault("jobs.pool_size", 4)
	v.SetDefault("jobs.poll_interval", "2s")
	v.SetDefault("jobs.sweep_interval", "60s")
	v.SetDefault("jobs.approval_ttl", "24h")
	v.SetDefault("jobs.stall_threshold", "30m")
	v.SetDefault("jobs.retention", "168h")
	v.SetDefault("jobs.retry_budget", 1)
	v.SetDefault("jobs.auto_approve_below", 0.0)
	v.SetDefault("jobs.progress_rate_limit", 1.0)

	v.SetDefault("estimator.extraction_usd_per_1m", 6.25)
	v.SetDefault("estimator.embedding_usd_per_1m", 0.02)
	v.SetDefault("estimator.tokens_per_word", 0.5)
	v.SetDefault("estimator.prompt_overhead", 500)
	v.SetDefault("estimator.output_per_chunk", 700)
	v.SetDefault("estimator.concepts_per_chunk", 6)
}
