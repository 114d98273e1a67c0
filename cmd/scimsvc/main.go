package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dhawalhost/scimgate/internal/audit"
	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/filestore"
	ldapdir "github.com/dhawalhost/scimgate/internal/ldap"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/pkg/logger"
	"github.com/dhawalhost/scimgate/pkg/middleware"
	"github.com/dhawalhost/scimgate/pkg/observability"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	var repo scim.Repository
	var closeBackend func()
	switch cfg.Backend {
	case "ldap":
		pool, err := ldapdir.NewPool(cfg.LDAP, log)
		if err != nil {
			log.Fatal("Failed to connect to directory", zap.Error(err))
		}
		pool.SetObserver(metrics.ObserveDirectoryOp)
		metrics.RegisterPoolGauges(func() observability.PoolStats {
			s := pool.Stats()
			return observability.PoolStats{Open: s.Open, Idle: s.Idle}
		})
		repo = ldapdir.NewRepository(pool, cfg.LDAP, log)
		closeBackend = pool.Close
	case "file":
		store, err := filestore.New(cfg.File.Path, log)
		if err != nil {
			log.Fatal("Failed to open file store", zap.Error(err))
		}
		repo = store
		closeBackend = func() {}
	default:
		log.Fatal("Unknown backend", zap.String("backend", cfg.Backend))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowHeaders: []string{"Authorization", "Content-Type", "If-Match", "If-None-Match"},
	}))
	router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	router.Use(observability.PrometheusMiddleware(metrics))
	router.Use(middleware.RateLimitMiddleware(rate.Limit(100), 200))

	router.GET("/metrics", gin.WrapH(observability.PrometheusHandler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})

	authn := middleware.BearerAuthMiddleware(middleware.AuthConfig{
		BearerToken: cfg.Auth.BearerToken,
		JWTSecret:   cfg.Auth.JWTSecret,
	})
	recorder := audit.NewRecorder(log, 1000)

	api := router.Group("/scim/v2", authn, recorder.Middleware())
	scim.NewHTTPHandler(repo, log, cfg.BaseURL, 200).RegisterRoutes(api)
	recorder.RegisterRoutes(router.Group("/internal", authn))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.String("addr", cfg.ListenAddr),
			zap.String("backend", cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	closeBackend()
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("Tracer shutdown failed", zap.Error(err))
	}
}
