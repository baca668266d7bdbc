package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/cloo-solutions/kbagent/internal/config"
	"github.com/cloo-solutions/kbagent/internal/database"
	"github.com/cloo-solutions/kbagent/internal/embedding"
	"github.com/cloo-solutions/kbagent/internal/llm"
	"github.com/cloo-solutions/kbagent/internal/logging"
	"github.com/cloo-solutions/kbagent/internal/metrics"
	"github.com/cloo-solutions/kbagent/internal/repository"
	"github.com/cloo-solutions/kbagent/internal/retry"
	"github.com/cloo-solutions/kbagent/internal/service"
	"github.com/cloo-solutions/kbagent/internal/storage"
	"github.com/cloo-solutions/kbagent/internal/vectorindex"
)

// app holds every long-lived dependency of the daemon. Commands that only
// need a subset still build the whole graph so behaviour matches serve.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	pool   *pgxpool.Pool
	redis  *redis.Client
	qdrant *vectorindex.QdrantIndex
	s3     *storage.S3Client

	tenantRepo *repository.TenantRepository
	jobRepo    *repository.EmbeddingJobRepository
	chunkRepo  *repository.ChunkRepository

	embedder  *embedding.Client
	generator *llm.Invoker

	tenants    *service.TenantService
	knowledge  *service.KnowledgeService
	retrieval  *service.RetrievalService
	agent      *service.AgentService
	snapshots  *service.SnapshotService
	embeddings *service.EmbeddingService
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger := logging.New(logging.Options{Level: level, Format: cfg.LogFormat})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func getDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := database.NewPool(ctx, database.Config{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if !cfg.EmbeddingConfigured() {
		return nil, fmt.Errorf("embedding backend %q is not configured", cfg.EmbeddingProvider)
	}
	if !cfg.GenerationConfigured() {
		return nil, fmt.Errorf("generation backend %q is not configured", cfg.GenerationProvider)
	}

	if a.pool, err = getDBPool(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.HasRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, embedding cache stays in-process", "error", err)
		}
	}

	var index service.VectorIndex
	if cfg.HasQdrant() {
		a.qdrant, err = vectorindex.NewQdrantIndex(ctx, vectorindex.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			Collection: cfg.QdrantCollection,
			VectorSize: uint64(cfg.EmbeddingDimensions),
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		index = a.qdrant
		logger.Info("qdrant index ready", "collection", cfg.QdrantCollection)
	}

	var store service.SnapshotStore
	if cfg.HasS3() {
		a.s3, err = storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := a.s3.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		store = a.s3
		logger.Info("snapshot bucket ready", "bucket", cfg.S3Bucket)
	}

	if a.embedder, err = a.buildEmbedder(); err != nil {
		return nil, err
	}
	a.generator = a.buildGenerator()

	a.tenantRepo = repository.NewTenantRepository(a.pool)
	a.jobRepo = repository.NewEmbeddingJobRepository(a.pool)
	a.chunkRepo = repository.NewChunkRepository(a.pool)
	if err := a.chunkRepo.CheckDimensions(ctx, cfg.EmbeddingDimensions); err != nil {
		return nil, err
	}
	apiKeyRepo := repository.NewAPIKeyRepository(a.pool)

	a.tenants = service.NewTenantService(a.tenantRepo, apiKeyRepo, nil)

	knowledgeOpts := []service.KnowledgeOption{
		service.WithReindexPacing(cfg.ReindexBatchSize, cfg.ReindexRate),
		service.WithChunkConfig(chunkConfig(cfg)),
		service.WithKnowledgeMetrics(a.metrics),
		service.WithKnowledgeLogger(logger),
	}
	retrievalOpts := []service.RetrievalOption{
		service.WithRetrievalLogs(repository.NewRetrievalLogRepository(a.pool)),
		service.WithRetrievalMetrics(a.metrics),
		service.WithRetrievalLogger(logger),
	}
	if index != nil {
		knowledgeOpts = append(knowledgeOpts, service.WithVectorIndex(index))
		retrievalOpts = append(retrievalOpts, service.WithRetrievalIndex(index))
	}

	a.knowledge = service.NewKnowledgeService(
		a.tenantRepo, a.chunkRepo, a.jobRepo, repository.NewTxRunner(a.pool), a.embedder, knowledgeOpts...)

	a.retrieval = service.NewRetrievalService(a.embedder, a.chunkRepo, service.RetrievalConfig{
		DefaultLimit: cfg.SearchDefaultLimit,
		MaxLimit:     cfg.SearchMaxLimit,
		BoostWeight:  cfg.QualityBoostWeight,
	}, retrievalOpts...)

	var tokens service.TokenCounter
	if cfg.PromptMaxContextTokens > 0 {
		tokens, err = service.NewTiktokenCounter(cfg.ChatModel)
		if err != nil {
			logger.Warn("token counter unavailable, using character budget only", "error", err)
			tokens, err = nil, nil
		}
	}
	composer := service.NewPromptComposer(service.PromptConfig{
		MaxContextChars:  cfg.PromptMaxContextChars,
		MaxContextTokens: cfg.PromptMaxContextTokens,
		MaxHistoryTurns:  cfg.PromptMaxHistoryTurns,
		MaxTurnChars:     cfg.PromptMaxTurnChars,
	}, tokens)

	policy := service.NewEscalationPolicy(service.EscalationConfig{
		ConfidenceFloor: cfg.ConfidenceFloor,
		Keywords:        cfg.EscalationKeywords,
	})

	a.agent = service.NewAgentService(a.embedder, a.retrieval, composer, a.generator, policy, service.AgentConfig{
		SearchLimit:    cfg.SearchDefaultLimit,
		Temperature:    cfg.GenerationTemperature,
		MaxTokens:      cfg.GenerationMaxTokens,
		FallbackAnswer: cfg.FallbackAnswer,
	}, service.WithAgentMetrics(a.metrics), service.WithAgentLogger(logger))

	a.snapshots = service.NewSnapshotService(a.tenantRepo, a.chunkRepo, store, logger)
	a.embeddings = service.NewEmbeddingService(a.embedder, a.chunkRepo, index, logger)

	return a, nil
}

func chunkConfig(cfg *config.Config) service.ChunkConfig {
	c := service.DefaultChunkConfig()
	c.MaxChunks = cfg.IngestMaxChunks
	return c
}

func (a *app) buildEmbedder() (*embedding.Client, error) {
	cfg := a.cfg

	var api embedding.EmbeddingAPI
	if cfg.EmbeddingProvider == config.ProviderOllama {
		api = embedding.NewOllamaAdapter(cfg.OllamaURL, cfg.EmbeddingModel)
	} else {
		api = embedding.NewOpenAIAdapter(embedding.AdapterConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.EmbeddingModel,
		})
	}

	cache, err := embedding.NewTieredCache(embedding.CacheConfig{
		Size: cfg.EmbeddingCacheSize,
		TTL:  cfg.EmbeddingCacheTTL,
	}, a.redis, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return embedding.NewClient(api, embedding.Config{
		Dimensions: cfg.EmbeddingDimensions,
		Timeout:    cfg.EmbeddingTimeout,
		Retry: retry.Policy{
			MaxRetries:   cfg.EmbeddingMaxRetries,
			InitialDelay: cfg.EmbeddingBackoff,
		},
		Workers: cfg.EmbeddingWorkers,
	},
		embedding.WithCache(cache),
		embedding.WithMetrics(a.metrics),
		embedding.WithLogger(a.logger),
	), nil
}

func (a *app) buildGenerator() *llm.Invoker {
	cfg := a.cfg

	var api llm.ChatAPI
	if cfg.GenerationProvider == config.ProviderOllama {
		api = llm.NewOllamaChat(cfg.OllamaURL, cfg.ChatModel)
	} else {
		api = llm.NewOpenAIChat(llm.ChatConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.ChatModel,
		})
	}

	breaker := llm.NewBreaker(llm.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
		OnStateChange: func(from, to llm.State) {
			a.metrics.SetBreakerState(int(to))
			a.logger.Warn("generation circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})

	return llm.NewInvoker(api, breaker, llm.InvokerConfig{
		Timeout: cfg.GenerationTimeout,
		Retry: retry.Policy{
			MaxRetries:   cfg.GenerationMaxRetries,
			InitialDelay: cfg.GenerationBackoff,
		},
	}, llm.WithMetrics(a.metrics), llm.WithLogger(a.logger))
}

// Close releases every connection opened by newApp. Safe on a partial app.
func (a *app) Close() {
	if a.qdrant != nil {
		if err := a.qdrant.Close(); err != nil {
			a.logger.Warn("failed to close qdrant client", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
