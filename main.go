package main

import (
	"context"
	"crypto/sha256"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/cache"
	"github.com/AlfredDev/queryengine/config"
	"github.com/AlfredDev/queryengine/datasource"
	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/executor"
	"github.com/AlfredDev/queryengine/httpapi"
	"github.com/AlfredDev/queryengine/intent"
	"github.com/AlfredDev/queryengine/llm"
	"github.com/AlfredDev/queryengine/logger"
	"github.com/AlfredDev/queryengine/observability"
	"github.com/AlfredDev/queryengine/orchestrator"
	"github.com/AlfredDev/queryengine/querymanager"
	"github.com/AlfredDev/queryengine/schema"
	"github.com/AlfredDev/queryengine/secrets"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("query engine starting")

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool init failed")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping failed")
	}
	log.Info().Msg("postgres connected")

	rc := newRedisClient(cfg, log)

	creds, err := secrets.NewCredentialStore(credentialMasterKey())
	if err != nil {
		log.Fatal().Err(err).Msg("credential store init failed")
	}

	execRegistry := executor.NewRegistry()
	pgAdapter := executor.NewPostgresAdapter(pool, creds)
	execRegistry.Register(domain.KindRelationalPostgres, pgAdapter)

	schemas := schema.NewRegistry(log)
	schemas.RegisterEnumerator(domain.KindRelationalPostgres, pgAdapter)

	llmRegistry := llm.NewRegistry()
	registerProviders(cfg, llmRegistry, log)

	generator := llm.NewSQLGenerator(llmRegistry, llm.FailoverConfig{
		PrimaryProvider: cfg.LLMPrimaryProvider,
		RetryAttempts:   cfg.LLMRetryAttempts,
		RetryDelay:      cfg.LLMRetryDelay,
	}, log)

	classifier := intent.NewLLMClassifier(generator, intent.NewKeywordClassifier(cfg.IntentMinConfidence))

	cacheEng := cache.NewEngine(log, rc, cache.Config{
		MaxEntries:       cfg.CacheMaxEntries,
		TTL:              cfg.CacheTTL,
		EvictionFraction: cfg.CacheEvictionFraction,
	})

	manager := querymanager.NewManager(pool, log)
	if err := manager.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("query manager schema init failed")
	}
	manager.Start(ctx)

	resolver := datasource.NewResolver(pool, log)
	if err := resolver.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("data source schema init failed")
	}

	orch := orchestrator.New(schemas, classifier, generator, execRegistry, cacheEng, manager, resolver, log, orchestrator.Config{
		BatchTimeout:  cfg.ExecutorBatchTimeout,
		StreamTimeout: cfg.ExecutorStreamTimeout,
		MinConfidence: cfg.IntentMinConfidence,
	})

	sampleRatio := 1.0
	if cfg.IsProduction() {
		sampleRatio = 0.1
	}
	_, shutdownTracer, err := observability.BuildTracerProvider(log, observability.TracingConfig{
		ServiceName: "queryengine",
		Environment: cfg.Env,
		SampleRatio: sampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("tracer provider init failed")
	}

	_, metricsHandler := observability.NewRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/", httpapi.NewRouter(orch, manager, log, cfg.ExecutorBatchTimeout))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ExecutorStreamTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	healthPoller := llm.NewHealthPoller(llmRegistry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, status llm.HealthStatus) {
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Str("error", status.Error).Msg("provider degraded")
		}
	})
	healthPoller.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("query engine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	manager.Stop()
	if err := shutdownTracer(context.Background()); err != nil {
		log.Warn().Err(err).Msg("tracer provider shutdown failed")
	}
	if rc != nil {
		_ = rc.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("query engine stopped gracefully")
	}
}

// newRedisClient builds an optional Redis mirror for the Result Cache.
// A failed connection degrades to in-process-only caching rather than
// failing start-up, matching cache.Engine's best-effort mirror contract.
func newRedisClient(cfg *config.Config, log zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis url parse failed — continuing without redis")
		return nil
	}
	rc := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — continuing without redis")
		_ = rc.Close()
		return nil
	}
	log.Info().Msg("redis connected")
	return rc
}

// credentialMasterKey derives the 256-bit master key for secrets.CredentialStore
// from QUERYENGINE_MASTER_KEY, hashing arbitrary-length operator input down
// to the fixed key size AES-GCM requires.
func credentialMasterKey() []byte {
	raw := os.Getenv("QUERYENGINE_MASTER_KEY")
	if raw == "" {
		raw = "development-only-master-key-change-me"
	}
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

// registerProviders registers every LLM provider with a configured
// credential, following the gateway's "read one env var per vendor,
// register what's present" pattern from its own provider bootstrap.
func registerProviders(cfg *config.Config, registry *llm.Registry, log zerolog.Logger) {
	for _, p := range cfg.LLMProviders {
		switch p.Name {
		case "openai":
			if p.Credential == "" {
				continue
			}
			registry.Register(llm.NewOpenAIProvider(llm.ProviderConfig{
				Name:    "openai",
				BaseURL: p.Endpoint,
				APIKey:  p.Credential,
				Models:  providerModels(p),
			}))
		case "anthropic":
			if p.Credential == "" {
				continue
			}
			registry.Register(llm.NewAnthropicProvider(llm.ProviderConfig{
				Name:    "anthropic",
				BaseURL: p.Endpoint,
				APIKey:  p.Credential,
				Models:  providerModels(p),
			}))
		default:
			log.Warn().Str("provider", p.Name).Msg("unrecognised llm provider in LLM_PROVIDERS, skipping")
			continue
		}
		log.Info().Str("provider", p.Name).Msg("registered llm provider")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}

func providerModels(p config.ProviderConfig) []string {
	models := make([]string, 0, 2)
	if p.PrimaryModel != "" {
		models = append(models, p.PrimaryModel)
	}
	if p.FallbackModel != "" && p.FallbackModel != p.PrimaryModel {
		models = append(models, p.FallbackModel)
	}
	return models
}
