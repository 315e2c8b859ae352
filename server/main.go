package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/backend"
	"github.com/athena-uvm/hotspot-inspector/server/cache"
	"github.com/athena-uvm/hotspot-inspector/server/catalog"
	"github.com/athena-uvm/hotspot-inspector/server/config"
	"github.com/athena-uvm/hotspot-inspector/server/handlers"
	"github.com/athena-uvm/hotspot-inspector/server/inspection"
	"github.com/athena-uvm/hotspot-inspector/server/middleware"
	"github.com/athena-uvm/hotspot-inspector/server/notify"
	"github.com/athena-uvm/hotspot-inspector/server/sources"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	router        *gin.Engine
	logger        *zap.Logger
	backendClient *backend.Client
	catalog       *catalog.Catalog
	manager       *inspection.Manager
	dispatcher    *inspection.Dispatcher
	cache         cache.Cache
	rateLimiter   *middleware.RateLimiter
	closers       []io.Closer
	config        *config.Config
}

func main() {
	issueToken := flag.Duration("issue-admin-token", 0, "print a catalog admin bearer token valid for the given duration and exit")
	operator := flag.String("operator", "cli", "operator name recorded in issued admin tokens")
	flag.Parse()

	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if *issueToken > 0 {
		if cfg.Security.AdminSecretKey == "" {
			logger.Fatal("ADMIN_SECRET_KEY must be set to issue tokens")
		}
		auth := middleware.NewAdminAuth(cfg.Security.AdminSecretKey, logger)
		token, err := auth.IssueToken(*operator, *issueToken, middleware.ScopeCatalogReload)
		if err != nil {
			logger.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	server, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	go server.backendClient.StartHealthChecker(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("hotspot_source", cfg.Hotspots.Source))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	stop()
	server.Shutdown()

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Level, err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}

	return zapConfig.Build()
}

func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	cacheInstance := cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.TTL, logger)

	backendClient, err := backend.NewClient(cfg.Backend.BaseURL, backend.ClientConfig{
		Timeout:             cfg.Backend.Timeout,
		MaxRetries:          cfg.Backend.MaxRetries,
		RetryDelay:          cfg.Backend.RetryDelay,
		HealthCheckInterval: cfg.Backend.HealthCheckInterval,
		AnalysisCacheTTL:    cfg.Backend.AnalysisCacheTTL,
	}, cacheInstance, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	source, closers, err := newHotspotSource(ctx, cfg, backendClient, logger)
	if err != nil {
		return nil, err
	}

	hotspotCatalog := catalog.New(source, logger)
	loadCtx, cancel := context.WithTimeout(ctx, cfg.Hotspots.LoadTimeout)
	if _, err := hotspotCatalog.Load(loadCtx); err != nil {
		// the dashboard stays up with an empty map until an admin reload
		logger.Error("Initial hotspot load failed", zap.Error(err))
	}
	cancel()

	var notifier inspection.Notifier
	if cfg.Telegram.Enabled() {
		telegram, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.Cooldown, logger)
		if err != nil {
			logger.Warn("Risk alerts disabled", zap.Error(err))
		} else {
			notifier = telegram
		}
	}

	manager := inspection.NewManager(hotspotCatalog, backendClient, notifier, cfg.Sessions.IdleTTL, logger)
	dispatcher := inspection.NewDispatcher(cfg.Dispatcher.QueueSize, cfg.Dispatcher.Workers, logger)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	adminAuth := middleware.NewAdminAuth(cfg.Security.AdminSecretKey, logger)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())

	routes := routeHandlers{
		hotspots: handlers.NewHotspotHandler(hotspotCatalog, cfg.Hotspots.LoadTimeout, logger),
		sessions: handlers.NewSessionHandler(manager, logger),
		stats:    handlers.NewStatsHandler(hotspotCatalog, manager, dispatcher, cacheInstance, rateLimiter, logger),
		ws:       handlers.NewWebSocketHandler(manager, dispatcher, cfg.Dispatcher.Timeout, cfg.Security.AllowedOrigins, logger),
		health: middleware.HealthCheck(func() gin.H {
			return gin.H{"hotspots": hotspotCatalog.Len()}
		}),
	}
	setupRoutes(router, routes, adminAuth, rateLimiter, cfg.Security.RequestTimeout)

	return &Server{
		router:        router,
		logger:        logger,
		backendClient: backendClient,
		catalog:       hotspotCatalog,
		manager:       manager,
		dispatcher:    dispatcher,
		cache:         cacheInstance,
		rateLimiter:   rateLimiter,
		closers:       closers,
		config:        cfg,
	}, nil
}

func newHotspotSource(ctx context.Context, cfg *config.Config, backendClient *backend.Client, logger *zap.Logger) (catalog.Source, []io.Closer, error) {
	switch cfg.Hotspots.Source {
	case config.SourcePostGIS:
		postgis, err := sources.NewPostGIS(ctx, cfg.Hotspots.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgis, []io.Closer{postgis}, nil
	case config.SourceOverpass:
		return sources.NewOverpass(
			cfg.Hotspots.OverpassEndpoint,
			cfg.Hotspots.OverpassBoxes,
			cfg.Hotspots.LoadTimeout,
			cfg.Hotspots.Seed,
			logger,
		), nil, nil
	case config.SourceSimulated:
		return sources.NewSimulated(cfg.Hotspots.SimulatedTotal, cfg.Hotspots.Seed, nil), nil, nil
	default:
		return backendClient, nil, nil
	}
}

type routeHandlers struct {
	hotspots *handlers.HotspotHandler
	sessions *handlers.SessionHandler
	stats    *handlers.StatsHandler
	ws       *handlers.WebSocketHandler
	health   gin.HandlerFunc
}

func setupRoutes(router *gin.Engine, h routeHandlers, auth *middleware.AdminAuth, rateLimiter *middleware.RateLimiter, requestTimeout time.Duration) {
	router.GET("/health", h.health)

	// WebSocket connections are long-lived, so no request timeout here
	router.GET("/ws", rateLimiter.RateLimit(), h.ws.HandleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/health", h.health)

		limited := api.Group("/")
		limited.Use(rateLimiter.RateLimit())
		limited.Use(middleware.TimeoutHandler(requestTimeout))
		{
			limited.GET("/hotspots", h.hotspots.ListHotspots)
			limited.GET("/hotspots/:id", h.hotspots.GetHotspot)

			limited.POST("/sessions", h.sessions.CreateSession)
			limited.GET("/sessions/:id", h.sessions.GetSession)
			limited.DELETE("/sessions/:id", h.sessions.DeleteSession)
			limited.POST("/sessions/:id/select", h.sessions.SelectHotspot)
			limited.POST("/sessions/:id/launch", h.sessions.Launch)
			limited.POST("/sessions/:id/analyze", h.sessions.Analyze)
			limited.POST("/sessions/:id/dimensions", h.sessions.ReportDimensions)
			limited.GET("/sessions/:id/overlay", h.sessions.GetOverlay)

			limited.GET("/stats", h.stats.GetStats)
		}

		admin := api.Group("/admin")
		admin.Use(auth.Require(middleware.ScopeCatalogReload))
		{
			admin.POST("/catalog/reload", h.hotspots.ReloadCatalog)
		}
	}
}

func (s *Server) Shutdown() {
	if err := s.dispatcher.Shutdown(10 * time.Second); err != nil {
		s.logger.Error("Failed to shutdown dispatcher", zap.Error(err))
	}

	s.manager.Shutdown()
	s.rateLimiter.Shutdown()

	if err := s.cache.Close(); err != nil {
		s.logger.Error("Failed to close cache", zap.Error(err))
	}

	for _, closer := range s.closers {
		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close hotspot source", zap.Error(err))
		}
	}
}
