package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsmaint/authcore/pkg/audit"
	"github.com/opsmaint/authcore/pkg/config"
	"github.com/opsmaint/authcore/pkg/federation"
	"github.com/opsmaint/authcore/pkg/httputil"
	"github.com/opsmaint/authcore/pkg/identity"
	"github.com/opsmaint/authcore/pkg/login"
	"github.com/opsmaint/authcore/pkg/mfa"
	"github.com/opsmaint/authcore/pkg/middleware"
	"github.com/opsmaint/authcore/pkg/migrations"
	"github.com/opsmaint/authcore/pkg/observability"
	"github.com/opsmaint/authcore/pkg/session"
	"github.com/opsmaint/authcore/pkg/tenant"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	slogger := logger.Slog()
	logger.WithField("version", observability.Version).
		WithField("environment", cfg.Auth.Environment).
		Info("Starting authcore")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	if err := migrations.RunMigrations(ctx, db, slogger); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Redis is optional: without it rate limiting stays node-local.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable at startup, continuing")
		}
		defer redisClient.Close()
	}

	// Metrics
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	// Core services
	store := identity.NewPostgresStore(db)
	policy := mfa.Policy{
		Enforced:               cfg.Auth.MFAEnforced,
		SSOTrustedSecondFactor: cfg.Auth.SSOTrustedSecondFactor,
	}
	provisioner := identity.NewProvisioner(store, policy)

	resolver, err := tenant.NewResolver(tenant.NewPostgresDirectory(db), cfg.Federation.TenantCacheSize)
	if err != nil {
		log.Fatalf("Failed to build tenant resolver: %v", err)
	}

	sessions, err := session.NewIssuer(session.IssuerConfig{
		Secret:      cfg.Auth.SigningSecret,
		Issuer:      cfg.Auth.TokenIssuer,
		AccessTTL:   cfg.Auth.AccessTTL,
		RefreshTTL:  cfg.Auth.RefreshTTL,
		RememberTTL: cfg.Auth.RememberTTL,
		RotationTTL: cfg.Auth.RotationTTL,
	})
	if err != nil {
		log.Fatalf("Failed to build session issuer: %v", err)
	}

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		log.Fatalf("Failed to set up audit log: %v", err)
	}
	auditSinks := []audit.Logger{audit.NewSlogLogger(slogger), dbAudit}
	if metrics != nil {
		auditSinks = append(auditSinks, &metricsAudit{metrics: metrics})
	}
	auditor := audit.NewMultiLogger(auditSinks...)

	orch := login.NewOrchestrator(store, provisioner, resolver,
		mfa.NewEngine(cfg.Auth.TokenIssuer), policy, sessions, auditor, slogger)

	// Login guard: distributed limiters when Redis is deployed, in-memory
	// otherwise.
	ipCfg := &middleware.RateLimitConfig{
		MaxFailures:    cfg.RateLimit.IPMaxFailures,
		WindowDuration: cfg.RateLimit.Window,
	}
	acctCfg := &middleware.RateLimitConfig{
		MaxFailures:    cfg.RateLimit.AccountMaxFailures,
		WindowDuration: cfg.RateLimit.Window,
	}
	var ipLimiter, acctLimiter middleware.AttemptLimiter
	if redisClient != nil {
		ipLimiter = middleware.NewDistributedLimiter(redisClient, ipCfg, "login:ip")
		acctLimiter = middleware.NewDistributedLimiter(redisClient, acctCfg, "login:account")
	} else {
		ipMem := middleware.NewMemoryLimiter(ipCfg)
		acctMem := middleware.NewMemoryLimiter(acctCfg)
		ipMem.StartCleanup(ctx)
		acctMem.StartCleanup(ctx)
		ipLimiter, acctLimiter = ipMem, acctMem
	}
	guard := middleware.NewLoginGuard(ipLimiter, acctLimiter, cfg.RateLimit.Window)
	if metrics != nil {
		guard.OnDrop = metrics.RecordRateLimitDrop
	}

	// Federated identity providers
	cfgStore := federation.NewPostgresConfigStore(db)
	registry := federation.LoadRegistry(ctx, cfgStore, cfg.Federation.Tenants,
		cfg.Federation.CallbackBase, cfg.Federation.ProviderTimeout, slogger)

	// HTTP layer
	authmw := middleware.NewAuthMiddleware(sessions, store, false)
	cookies := session.NewCookiePolicy(cfg.Auth.CookieSecure(), cfg.Auth.CookieDomain,
		cfg.Auth.RefreshTTL, cfg.Auth.RememberTTL)

	router := mux.NewRouter()
	handlers := login.NewHandlers(orch, registry, guard, login.HandlerConfig{
		FrontendURL: cfg.Federation.FrontendURL,
		Cookies:     cookies,
		OIDCEnabled: cfg.Federation.OIDCEnabled,
		SAMLEnabled: cfg.Federation.SAMLEnabled,
	}, slogger)
	handlers.RegisterRoutes(router, authmw)

	adminRouter := router.NewRoute().Subrouter()
	adminRouter.Use(authmw.Handler, middleware.RequireRole("admin"))
	federation.NewAdminHandlers(cfgStore, auditor).RegisterRoutes(adminRouter)

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(slogger),
		httputil.RecoveryMiddleware(slogger),
		httputil.CORSMiddleware(corsOrigins(cfg)),
		httputil.MaxBytesMiddleware(1 << 20),
	}
	if metrics != nil {
		chain = append(chain, metrics.HTTPMiddleware)
	}
	handler := httputil.Chain(chain...)(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port so probes bypass auth routes.
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		defer observability.RecoverPanic(logger, "health server")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	if metrics != nil {
		go reportDBStats(ctx, db, metrics)
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	})

	go func() {
		logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// corsOrigins returns the configured CORS origins, defaulting to the
// frontend URL's origin.
func corsOrigins(cfg *config.Config) []string {
	if len(cfg.Server.CORSOrigins) > 0 {
		return cfg.Server.CORSOrigins
	}
	u, err := url.Parse(cfg.Federation.FrontendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s://%s", u.Scheme, u.Host)}
}

// metricsAudit feeds the audit stream into prometheus counters so the
// forensic trail and the dashboards count the same transitions.
type metricsAudit struct {
	metrics *observability.Metrics
}

func (m *metricsAudit) Log(_ context.Context, e *audit.Event) error {
	switch e.Action {
	case audit.ActionLogin:
		switch e.Status {
		case audit.StatusSuccess:
			m.metrics.RecordLoginOutcome("success")
			m.metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
		case audit.StatusPending:
			m.metrics.RecordLoginOutcome("mfa_required")
		}
	case audit.ActionLoginFailed:
		m.metrics.RecordLoginOutcome("rejected")
	case audit.ActionRotationPending:
		m.metrics.RecordLoginOutcome("rotation_required")
	case audit.ActionRotation:
		if e.Status == audit.StatusSuccess {
			m.metrics.RotationCompletionsTotal.Inc()
		}
	case audit.ActionHashUpgrade:
		m.metrics.CredentialUpgradesTotal.Inc()
	case audit.ActionMFAVerify:
		m.metrics.MFAVerificationsTotal.WithLabelValues("success").Inc()
		m.metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
	case audit.ActionMFAVerifyFailed:
		m.metrics.MFAVerificationsTotal.WithLabelValues("failure").Inc()
	case audit.ActionProvision:
		m.metrics.ProvisionedUsersTotal.Inc()
	case audit.ActionFederatedLogin:
		m.metrics.RecordFederatedCallback(protocolLabel(e), "success")
	case audit.ActionFederatedFailed:
		m.metrics.RecordFederatedCallback(protocolLabel(e), "failure")
	case audit.ActionTokenRefresh:
		m.metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()
	}
	return nil
}

func (m *metricsAudit) Close() error { return nil }

func protocolLabel(e *audit.Event) string {
	if e.Protocol == "" {
		return "unknown"
	}
	return e.Protocol
}

// reportDBStats feeds connection pool gauges until the context is done.
func reportDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
		case <-ctx.Done():
			return
		}
	}
}
