package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bloodlink/internal/audit"
	"bloodlink/internal/audit/kafka"
	"bloodlink/internal/auth"
	"bloodlink/internal/cache"
	"bloodlink/internal/platform/config"
	"bloodlink/internal/platform/httpserver"
	"bloodlink/internal/platform/logger"
	"bloodlink/internal/platform/metrics"
	"bloodlink/internal/platform/postgres"
	"bloodlink/internal/platform/redis"
	"bloodlink/internal/profile/service"
	"bloodlink/internal/profile/store"
	"bloodlink/internal/session"
	"bloodlink/internal/session/bearer"
	"bloodlink/internal/session/kratos"
	httptransport "bloodlink/internal/transport/http"
)

// profileStore is what both the reconcilers and the HTTP layer need.
type profileStore interface {
	service.Store
	httptransport.ProfileStore
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server exited")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var handlerOpts []httptransport.Option

	profiles, db, err := openProfileStore(ctx, cfg.Postgres, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		handlerOpts = append(handlerOpts, httptransport.WithHealthCheck("postgres", db.PingContext))
	}

	backend, redisClient, err := openCacheBackend(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		handlerOpts = append(handlerOpts, httptransport.WithHealthCheck("redis", redisClient.Health))
	}
	c := cache.New(backend, cache.WithLogger(log), cache.WithMetrics(m))

	auditStore, closeAudit, err := openAuditStore(ctx, cfg.Audit, log)
	if err != nil {
		return err
	}
	defer closeAudit()
	if ks, ok := auditStore.(*kafka.Store); ok {
		handlerOpts = append(handlerOpts, httptransport.WithHealthCheck("kafka", ks.Ping))
	}
	publisher := audit.NewPublisher(auditStore,
		audit.WithAsyncBuffer(1024),
		audit.WithLogger(log),
		audit.WithMetrics(m),
	)
	defer publisher.Close()

	verifier, revoker, credential := sessionProvider(cfg.Session, log)

	registryOpts := []auth.RegistryOption{
		auth.WithIdleTTL(cfg.Registry.IdleTTL),
		auth.WithRegistryLogger(log),
		auth.WithRegistryMetrics(m),
		auth.WithRegistryAudit(publisher),
		auth.WithReconcilerOptions(service.WithThrottle(cfg.Reconcile.Throttle)),
	}
	if revoker != nil {
		registryOpts = append(registryOpts, auth.WithRevoker(revoker))
	}
	registry := auth.NewRegistry(profiles, c, registryOpts...)
	defer registry.Close()

	go func() {
		if err := registry.StartJanitor(ctx, cfg.Registry.SweepInterval); err != nil && ctx.Err() == nil {
			log.Error("context janitor stopped", "error", err)
		}
	}()

	handlerOpts = append(handlerOpts,
		httptransport.WithLogger(log),
		httptransport.WithMetrics(m),
		httptransport.WithAuditPublisher(publisher),
		httptransport.WithActivityLog(publisher),
		httptransport.WithCredential(credential),
		httptransport.WithContextCookie(cfg.Session.ContextCookie, cfg.Server.SecureCookies),
		httptransport.WithPaths(cfg.Session.SignInPath, cfg.Session.CompleteSignUp),
		httptransport.WithRetryPolicy(cfg.Gate.RetryBudget, func() backoff.BackOff {
			return backoff.NewConstantBackOff(cfg.Gate.RetryInterval)
		}),
	)
	h := httptransport.New(registry, profiles, c, verifier, handlerOpts...)

	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(h, reg))
	return httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, log)
}

func openProfileStore(ctx context.Context, cfg config.Postgres, log *slog.Logger) (profileStore, *sql.DB, error) {
	if cfg.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory profile store")
		return store.NewInMemory(), nil, nil
	}
	if cfg.RunMigrations {
		if err := postgres.RunMigrations(cfg.URL); err != nil {
			return nil, nil, err
		}
		log.Info("database migrations applied")
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(db), db, nil
}

func openCacheBackend(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (cache.Backend, *redis.Client, error) {
	client, err := redis.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		log.Warn("REDIS_URL not set, using in-memory cache")
		return cache.NewMemory(), nil, nil
	}
	return cache.NewRedis(client.Client,
		cache.WithTTL(client.CacheTTL),
		cache.WithKeyPrefix(client.KeyPrefix),
	), client, nil
}

func openAuditStore(ctx context.Context, cfg config.Audit, log *slog.Logger) (audit.Store, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		log.Info("audit events kept in memory")
		return audit.NewInMemoryStore(), func() {}, nil
	}
	ks, err := kafka.New(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, nil, err
	}
	if err := ks.EnsureTopic(ctx, 3, 1); err != nil {
		ks.Close()
		return nil, nil, err
	}
	return ks, ks.Close, nil
}

func sessionProvider(cfg config.Session, log *slog.Logger) (session.Verifier, session.Revoker, httptransport.CredentialFunc) {
	if cfg.Provider == "kratos" {
		gw := kratos.NewGateway(cfg.KratosPublicURL, cfg.KratosAdminURL, cfg.KratosTimeout)
		log.Info("verifying sessions with kratos", "public_url", cfg.KratosPublicURL)
		return gw, gw, httptransport.CookieHeaderCredential(cfg.KratosCookie)
	}
	var opts []bearer.Option
	if cfg.JWTIssuer != "" {
		opts = append(opts, bearer.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, bearer.WithAudience(cfg.JWTAudience))
	}
	return bearer.New(cfg.JWTSigningKey, opts...), nil, httptransport.BearerCredential
}
