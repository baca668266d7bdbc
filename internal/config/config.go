package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable name, e.g. KBAGENT_PORT.
const EnvPrefix = "KBAGENT"

// Backend providers for embeddings and generation.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	// MigrationsDir is read by golang-migrate at serve start.
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	SentryDSN              string  `envconfig:"SENTRY_DSN"`
	Environment            string  `envconfig:"ENVIRONMENT" default:"development"`
	SentryTracesSampleRate float64 `envconfig:"SENTRY_TRACES_SAMPLE_RATE" default:"0.1"`

	EmbeddingProvider   string        `envconfig:"EMBEDDING_PROVIDER" default:"openai"`
	OpenAIAPIKey        string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `envconfig:"OPENAI_BASE_URL"`
	OllamaURL           string        `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	EmbeddingModel      string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int           `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	EmbeddingTimeout    time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"30s"`
	EmbeddingMaxRetries int           `envconfig:"EMBEDDING_MAX_RETRIES" default:"3"`
	EmbeddingBackoff    time.Duration `envconfig:"EMBEDDING_BACKOFF" default:"500ms"`
	EmbeddingWorkers    int           `envconfig:"EMBEDDING_WORKERS" default:"4"`
	EmbeddingCacheSize  int           `envconfig:"EMBEDDING_CACHE_SIZE" default:"1024"`
	EmbeddingCacheTTL   time.Duration `envconfig:"EMBEDDING_CACHE_TTL" default:"168h"`

	GenerationProvider      string        `envconfig:"GENERATION_PROVIDER" default:"openai"`
	ChatModel               string        `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	GenerationTimeout       time.Duration `envconfig:"GENERATION_TIMEOUT" default:"120s"`
	GenerationMaxRetries    int           `envconfig:"GENERATION_MAX_RETRIES" default:"2"`
	GenerationBackoff       time.Duration `envconfig:"GENERATION_BACKOFF" default:"1s"`
	GenerationTemperature   float32       `envconfig:"GENERATION_TEMPERATURE" default:"0.2"`
	GenerationMaxTokens     int           `envconfig:"GENERATION_MAX_TOKENS" default:"1024"`
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerWindow           time.Duration `envconfig:"BREAKER_WINDOW" default:"60s"`
	BreakerCooldown         time.Duration `envconfig:"BREAKER_COOLDOWN" default:"60s"`

	SearchDefaultLimit int     `envconfig:"SEARCH_DEFAULT_LIMIT" default:"5"`
	SearchMaxLimit     int     `envconfig:"SEARCH_MAX_LIMIT" default:"50"`
	QualityBoostWeight float64 `envconfig:"QUALITY_BOOST_WEIGHT" default:"0.2"`

	PromptMaxContextChars  int `envconfig:"PROMPT_MAX_CONTEXT_CHARS" default:"6000"`
	PromptMaxContextTokens int `envconfig:"PROMPT_MAX_CONTEXT_TOKENS" default:"0"`
	PromptMaxHistoryTurns  int `envconfig:"PROMPT_MAX_HISTORY_TURNS" default:"10"`
	PromptMaxTurnChars     int `envconfig:"PROMPT_MAX_TURN_CHARS" default:"500"`

	ConfidenceFloor    float64  `envconfig:"CONFIDENCE_FLOOR" default:"0.75"`
	EscalationKeywords []string `envconfig:"ESCALATION_KEYWORDS"`
	FallbackAnswer     string   `envconfig:"FALLBACK_ANSWER"`

	RedisURL string `envconfig:"REDIS_URL"`

	QdrantHost       string `envconfig:"QDRANT_HOST"`
	QdrantPort       int    `envconfig:"QDRANT_PORT" default:"6334"`
	QdrantAPIKey     string `envconfig:"QDRANT_API_KEY"`
	QdrantCollection string `envconfig:"QDRANT_COLLECTION" default:"kb_chunks"`
	QdrantTLS        bool   `envconfig:"QDRANT_TLS" default:"false"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"kbagent-snapshots"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"10s"`
	ReindexBatchSize   int           `envconfig:"REINDEX_BATCH_SIZE" default:"10"`
	ReindexRate        float64       `envconfig:"REINDEX_RATE" default:"0"`
	IngestMaxChunks    int           `envconfig:"INGEST_MAX_CHUNKS" default:"0"`

	// Bootstrap: create initial tenant and API key on startup
	InitTenantName string `envconfig:"INIT_TENANT_NAME"`
	InitAPIKey     string `envconfig:"INIT_API_KEY"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	for name, p := range map[string]string{
		"EMBEDDING_PROVIDER":  c.EmbeddingProvider,
		"GENERATION_PROVIDER": c.GenerationProvider,
	} {
		if p != ProviderOpenAI && p != ProviderOllama {
			return fmt.Errorf("invalid %s %q: must be %q or %q", name, p, ProviderOpenAI, ProviderOllama)
		}
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive")
	}
	if c.SearchDefaultLimit <= 0 || c.SearchMaxLimit < c.SearchDefaultLimit {
		return fmt.Errorf("SEARCH_DEFAULT_LIMIT must be positive and not exceed SEARCH_MAX_LIMIT")
	}
	if c.QualityBoostWeight < 0 || c.QualityBoostWeight > 1 {
		return fmt.Errorf("QUALITY_BOOST_WEIGHT must be within [0,1]")
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("CONFIDENCE_FLOOR must be within [0,1]")
	}
	if c.ReindexBatchSize <= 0 {
		return fmt.Errorf("REINDEX_BATCH_SIZE must be positive")
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

func (c *Config) HasRedis() bool {
	return c.RedisURL != ""
}

func (c *Config) HasQdrant() bool {
	return c.QdrantHost != ""
}

func (c *Config) HasSentry() bool {
	return c.SentryDSN != ""
}

// EmbeddingConfigured reports whether the selected embedding backend can be built.
func (c *Config) EmbeddingConfigured() bool {
	return c.EmbeddingProvider == ProviderOllama || c.HasOpenAI()
}

// GenerationConfigured reports whether the selected generation backend can be built.
func (c *Config) GenerationConfigured() bool {
	return c.GenerationProvider == ProviderOllama || c.HasOpenAI()
}
