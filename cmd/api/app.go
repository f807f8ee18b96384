package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/complianced/internal/api"
	"github.com/onnwee/complianced/internal/archive"
	"github.com/onnwee/complianced/internal/audit"
	"github.com/onnwee/complianced/internal/auth"
	"github.com/onnwee/complianced/internal/config"
	"github.com/onnwee/complianced/internal/gateway"
	"github.com/onnwee/complianced/internal/health"
	"github.com/onnwee/complianced/internal/jobs"
	"github.com/onnwee/complianced/internal/middleware"
	"github.com/onnwee/complianced/internal/tracing"
)

// Maintenance intervals for the in-memory stores and IP retention.
const (
	rateLimitCleanupInterval = 5 * time.Minute
	quotaPruneInterval       = time.Hour
)

// app holds the wired server and everything that must be released on shutdown.
type app struct {
	handler http.Handler
	chain   *audit.Chain
	runner  *jobs.Runner
	tracer  *tracing.Provider
	redis   redis.UniversalClient
	keys    *gateway.InMemoryKeyStore
}

// newApp builds every component from cfg. The caller starts the job runner and
// calls close when done.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  cfg.ServiceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tp

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mwMetrics := middleware.NewMetrics()
	gwMetrics := gateway.NewMetrics()
	auditMetrics := audit.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, r := range []interface{ Register(prometheus.Registerer) error }{mwMetrics, gwMetrics, auditMetrics, jobMetrics} {
		if err := r.Register(reg); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// Redis
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	// Admission stores
	memLimiter := middleware.NewInMemoryRateLimitStore()
	var limiter middleware.RateLimitStore = memLimiter
	var quotas gateway.QuotaStore
	var memQuotas *gateway.InMemoryQuotaStore
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter = middleware.NewFallbackRateLimitStore(middleware.NewRedisRateLimitStore(a.redis), memLimiter, logger, mwMetrics)
		quotas = gateway.NewRedisQuotaStore(a.redis)
		logger.Info("rate limiting backed by redis")
	} else {
		memQuotas = gateway.NewInMemoryQuotaStore()
		quotas = memQuotas
		logger.Info("rate limiting backed by memory")
	}

	a.keys = gateway.NewInMemoryKeyStore()
	for _, k := range cfg.APIKeys {
		if _, err := a.keys.Register(k.Name, k.Owner, middleware.ParseTier(k.Tier), k.Key, nil); err != nil {
			return nil, fmt.Errorf("failed to register api key %q: %w", k.Name, err)
		}
	}
	if len(cfg.APIKeys) == 0 {
		logger.Warn("no api keys configured, every /v1 request will be rejected")
	}

	gw, err := gateway.New(a.keys, limiter, quotas, cfg.Plans,
		gateway.WithLogger(logger),
		gateway.WithMetrics(gwMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	// Audit chain
	sinks, err := buildSinks(cfg, logger, auditMetrics)
	if err != nil {
		return nil, err
	}
	a.chain = audit.New(audit.Config{
		ServiceName:  cfg.ServiceName,
		Sinks:        sinks,
		AnonymizeIPs: cfg.AuditAnonymizeIPs,
	}, audit.WithLogger(logger), audit.WithMetrics(auditMetrics))

	// Archive
	var archiver api.Archiver
	var archiveChecker api.HealthChecker
	archiveCfg := archive.ServiceConfig{
		BucketName:       cfg.R2BucketName,
		AccessKeyID:      cfg.R2AccessKeyID,
		SecretAccessKey:  cfg.R2SecretAccessKey,
		Endpoint:         cfg.R2Endpoint,
		ServiceName:      cfg.ServiceName,
		URLExpiryMinutes: cfg.ArchiveURLExpiryMinutes,
	}
	if archiveCfg.Enabled() {
		svc, err := archive.NewService(archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive service: %w", err)
		}
		archiver = svc
		archiveChecker = svc
		logger.Info("audit archive enabled", "bucket", svc.BucketName())
	}

	// Background jobs
	chainStatus := &jobs.ChainStatus{}
	a.runner = jobs.NewRunner(logger, jobMetrics)
	jobList := []jobs.Job{
		jobs.ChainVerifyJob(a.chain, chainStatus, cfg.ChainVerifyInterval, time.Now),
		jobs.RateLimitCleanupJob(memLimiter, rateLimitCleanupInterval),
	}
	if memQuotas != nil {
		jobList = append(jobList, jobs.QuotaPruneJob(memQuotas, quotaPruneInterval, time.Now))
	}
	for _, j := range jobList {
		if err := a.runner.Add(j); err != nil {
			return nil, err
		}
	}

	// Handlers
	var redisChecker api.HealthChecker
	if a.redis != nil {
		redisChecker = health.NewRedisChecker(a.redis)
	}
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		RedisChecker:   redisChecker,
		ArchiveChecker: archiveChecker,
		ChainChecker:   chainStatus,
	})
	auditHandlers := api.NewAuditHandlers(a.chain, archiver)

	authenticate := func(next http.Handler) http.Handler { return next }
	if cfg.JWTSecret != "" {
		authenticate = auth.Authenticate(auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret))
	}

	exportLimit := middleware.RateLimiter(limiter, middleware.DefaultExportLimit(), middleware.CredentialKeyFunc(),
		middleware.WithRateLimitMetrics(mwMetrics, "audit_export"),
		middleware.WithRateLimitLogger(logger),
	)

	v1 := http.NewServeMux()
	v1.HandleFunc("/v1/audit/events", auditHandlers.Events)
	v1.HandleFunc("/v1/audit/events/", auditHandlers.Events)
	v1.HandleFunc("/v1/audit/verify", auditHandlers.Verify)
	v1.HandleFunc("/v1/audit/export", auditHandlers.Export)
	v1.HandleFunc("/v1/audit/archive", auditHandlers.Archive)
	v1.Handle("/v1/usage", gw.UsageHandler())
	v1.HandleFunc("/", notFound)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	// Export limits run before the gateway, so a refused export spends no
	// gateway slot or quota unit.
	protected := authenticate(gw.Middleware(v1))
	mux.Handle("/v1/audit/export", exportLimit(protected))
	mux.Handle("/v1/audit/archive", exportLimit(protected))
	mux.Handle("/v1/", protected)
	mux.HandleFunc("/", notFound)

	// Apply middleware: RequestID -> Logging -> Tracing -> HTTPMetrics
	var handler http.Handler = mux
	handler = middleware.HTTPMetrics(mwMetrics)(handler)
	if tp.IsEnabled() {
		handler = middleware.Tracing(cfg.ServiceName)(handler)
	}
	handler = middleware.Logging(logger)(handler)
	a.handler = middleware.RequestID(handler)

	return a, nil
}

// buildSinks creates the configured audit sinks in order.
func buildSinks(cfg *config.Config, logger *slog.Logger, metrics *audit.Metrics) ([]audit.Sink, error) {
	sinks := make([]audit.Sink, 0, len(cfg.AuditSinks))
	for _, name := range cfg.AuditSinks {
		switch name {
		case config.SinkStdout:
			sinks = append(sinks, audit.NewStdoutSink(cfg.Env))
		case config.SinkFile:
			s, err := audit.NewFileSink(cfg.AuditFilePath)
			if err != nil {
				return nil, fmt.Errorf("failed to open audit file sink: %w", err)
			}
			sinks = append(sinks, s)
		case config.SinkRemote:
			s, err := audit.NewRemoteSink(audit.RemoteSinkConfig{
				URL:   cfg.AuditRemoteURL,
				Token: cfg.AuditRemoteToken,
			}, logger, metrics)
			if err != nil {
				return nil, fmt.Errorf("failed to create audit remote sink: %w", err)
			}
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("%w: %s", config.ErrUnknownAuditSink, name)
		}
	}
	return sinks, nil
}

// notFound returns a structured 404 for unknown routes.
func notFound(w http.ResponseWriter, r *http.Request) {
	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
}

// close flushes audit sinks, then releases tracing and Redis.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.chain != nil {
		if err := a.chain.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	return errors.Join(errs...)
}
