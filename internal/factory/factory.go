package factory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"edge-guard/internal/audit"
	"edge-guard/internal/bucketing"
	"edge-guard/internal/client"
	"edge-guard/internal/config"
	"edge-guard/internal/csrf"
	"edge-guard/internal/encryption"
	"edge-guard/internal/handler"
	"edge-guard/internal/identity"
	"edge-guard/internal/metrics"
	"edge-guard/internal/middleware"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/repository/memory"
	"edge-guard/internal/repository/postgres"
	redisrepo "edge-guard/internal/repository/redis"
	"edge-guard/internal/repository/scylla"
	"edge-guard/internal/tls"
	"edge-guard/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// purgeInterval is how often expired Postgres rate-limit rows are removed.
const purgeInterval = 10 * time.Minute

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager
	metrics    *metrics.Metrics

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	postgresDB       *sql.DB
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	secretManager    *encryption.SecretManager
	bucketingManager *bucketing.BucketingManager

	memoryRateLimits *memory.RateLimitStore
	postgresLimits   *postgres.RateLimitStore

	publisher audit.Publisher
	limiter   *ratelimit.Service
	guard     *csrf.Guard
	auth      *middleware.AuthMiddleware
	router    http.Handler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.resolveSecrets(ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f.metrics = metrics.NewMetrics(registry)
	f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing)

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeServices(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("rate_limit_backend", cfg.Storage.RateLimitBackend),
		util.String("csrf_backend", cfg.Storage.CSRFBackend),
		util.Strings("audit_sinks", cfg.Audit.Sinks),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

func (f *Factory) resolveSecrets(ctx context.Context) error {
	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, f.config.KMS)
		if err != nil {
			return err
		}
		kmsClient = c
	}
	f.secretManager = encryption.NewSecretManager(f.config.KMS, kmsClient)
	return f.secretManager.ResolveConfig(ctx, f.config)
}

// initializeClients connects only to the backends and sinks the config
// selects. Store clients are required; audit sink clients are optional
// outside production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	logger := util.Get()

	if cfg.UsesBackend(config.BackendRedis) {
		c, err := client.NewRedisClient(cfg, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
	}

	if cfg.UsesBackend(config.BackendPostgres) {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.postgresDB = db
		if cfg.Postgres.EnsureSchema {
			if err := postgres.EnsureSchema(ctx, db); err != nil {
				return err
			}
		}
	}

	if cfg.UsesBackend(config.BackendScylla) {
		c, err := scylla.NewScyllaClient(cfg, logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
	}

	var sinkErrors []error

	if cfg.HasAuditSink("kafka") {
		if producer, err := client.NewKafkaProducer(cfg, logger); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if cfg.HasAuditSink("elasticsearch") {
		if c, err := client.NewElasticsearchClient(cfg, logger); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = c
		}
	}

	if cfg.HasAuditSink("clickhouse") {
		if c, err := client.NewClickHouseClient(cfg, logger); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(sinkErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("audit sink initialization failed: %w", errors.Join(sinkErrors...))
		}
		for _, err := range sinkErrors {
			util.Warn("Audit sink disabled", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config

	publisher, err := f.buildPublisher(ctx)
	if err != nil {
		return err
	}
	f.publisher = publisher

	rlStore, err := f.rateLimitStore()
	if err != nil {
		return err
	}
	f.limiter = ratelimit.NewService(rlStore, ratelimit.PolicyFromConfig(cfg.RateLimit), f.metrics, util.Named("ratelimit"))

	tokenStore, err := f.csrfTokenStore(ctx)
	if err != nil {
		return err
	}
	f.guard = csrf.NewGuard(tokenStore, csrf.OptionsFromConfig(cfg.CSRF), f.publisher, f.metrics, util.Named("csrf"))

	resolver, err := identity.NewJWTResolverFromConfig(cfg.Auth)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	redact := cfg.IsProduction()
	f.auth = middleware.NewAuthMiddleware(resolver, f.limiter, f.guard, f.publisher, util.Named("auth"), redact)

	httpLogger := util.Named("http")
	f.router = handler.NewRouter(handler.RouterConfig{
		CSRF:         handler.NewCSRFHandler(f.guard, f.limiter, f.auth, f.publisher, httpLogger, redact),
		Limiter:      f.limiter,
		Publisher:    f.publisher,
		Metrics:      f.metrics,
		Health:       f.Ping,
		CORS:         cfg.CORS,
		RequireHTTPS: cfg.Server.RequireHTTPS,
		Timeout:      cfg.Server.RequestTimeout,
		Redact:       redact,
	}, httpLogger)

	if f.postgresLimits != nil {
		go f.purgeExpiredWindows()
	}
	return nil
}

func (f *Factory) rateLimitStore() (ratelimit.Store, error) {
	switch f.config.Storage.RateLimitBackend {
	case config.BackendRedis:
		return redisrepo.NewRateLimitStore(f.redisClient.Client), nil
	case config.BackendPostgres:
		f.postgresLimits = postgres.NewRateLimitStore(f.postgresDB)
		return f.postgresLimits, nil
	case config.BackendMemory:
		f.memoryRateLimits = memory.NewRateLimitStore(time.Minute)
		return f.memoryRateLimits, nil
	}
	return nil, fmt.Errorf("unsupported rate limit backend %q", f.config.Storage.RateLimitBackend)
}

func (f *Factory) csrfTokenStore(ctx context.Context) (csrf.TokenStore, error) {
	switch f.config.Storage.CSRFBackend {
	case config.BackendRedis:
		return redisrepo.NewCSRFTokenStore(f.redisClient.Client), nil
	case config.BackendPostgres:
		return postgres.NewCSRFTokenStore(f.postgresDB), nil
	case config.BackendScylla:
		repo := scylla.NewCSRFTokenRepository(f.scyllaClient, f.bucketingManager, f.config.CSRF.TokenTTL)
		if !f.config.IsProduction() {
			if err := repo.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return repo, nil
	case config.BackendMemory:
		return memory.NewCSRFTokenStore(), nil
	}
	return nil, fmt.Errorf("unsupported csrf backend %q", f.config.Storage.CSRFBackend)
}

func (f *Factory) buildPublisher(ctx context.Context) (audit.Publisher, error) {
	cfg := f.config
	var sinks []audit.Sink

	if cfg.HasAuditSink("log") {
		sinks = append(sinks, audit.NewLogSink(util.Named("audit")))
	}
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, cfg.Kafka.Topic))
	}
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient, cfg.Clickhouse.Table)
		if err := f.clickhouseClient.Exec(ctx, sink.CreateTableQuery()); err != nil {
			return nil, fmt.Errorf("clickhouse: failed to create events table: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.Index))
	}

	if len(sinks) == 0 {
		return audit.Nop(), nil
	}
	return audit.NewMultiPublisher(sinks, cfg.Audit.Timeout, f.bucketingManager, f.metrics, util.Named("audit")), nil
}

func (f *Factory) purgeExpiredWindows() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.closed:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := f.postgresLimits.PurgeExpired(ctx, now)
			cancel()
			if err != nil {
				util.Warn("Failed to purge expired rate limit windows", util.ErrorField(err))
				continue
			}
			if n > 0 {
				util.Debug("Purged expired rate limit windows", util.Int64("count", n))
			}
		}
	}
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every initialized client concurrently and returns
// the failures keyed by component.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu           sync.Mutex
		healthErrors = make(map[string]error)
		g            errgroup.Group
	)

	check := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(ctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}

	if f.redisClient != nil {
		check("redis", f.redisClient.HealthCheck)
	}
	if f.postgresDB != nil {
		check("postgres", f.postgresDB.PingContext)
	}
	if f.scyllaClient != nil {
		check("scylla", f.scyllaClient.HealthCheck)
	}
	if f.esClient != nil {
		check("elasticsearch", f.esClient.HealthCheck)
	}
	if f.clickhouseClient != nil {
		check("clickhouse", f.clickhouseClient.HealthCheck)
	}
	if f.kafkaProducer != nil {
		check("kafka", f.kafkaProducer.HealthCheck)
	}

	_ = g.Wait()
	return healthErrors
}

// Ping reports the health of the stores serving requests. Audit sink
// failures are logged but do not make the service unhealthy.
func (f *Factory) Ping(ctx context.Context) error {
	var errs []error
	for name, err := range f.HealthCheck(ctx) {
		switch name {
		case "kafka", "elasticsearch", "clickhouse":
			util.Warn("Audit sink unhealthy", util.String("sink", name), util.ErrorField(err))
		default:
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return f.Ping(ctx) == nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.postgresDB != nil {
			if err := f.postgresDB.Close(); err != nil {
				util.Error("Failed to close Postgres connection", util.ErrorField(err))
			} else {
				util.Info("Postgres connection closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.memoryRateLimits != nil {
			_ = f.memoryRateLimits.Close()
		}

		if f.secretManager != nil {
			f.secretManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Router() http.Handler {
	return f.router
}

func (f *Factory) RateLimiter() *ratelimit.Service {
	return f.limiter
}

func (f *Factory) CSRFGuard() *csrf.Guard {
	return f.guard
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
