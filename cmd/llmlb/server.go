// Package main provides the llmlb gateway's server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/api/handlers"
	"github.com/llmlb/llmlb/cloudcache"
	"github.com/llmlb/llmlb/cloudrouter"
	"github.com/llmlb/llmlb/config"
	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/health"
	"github.com/llmlb/llmlb/inflight"
	"github.com/llmlb/llmlb/internal/cache"
	"github.com/llmlb/llmlb/internal/database"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/server"
	"github.com/llmlb/llmlb/internal/telemetry"
	"github.com/llmlb/llmlb/modelsync"
	"github.com/llmlb/llmlb/prober"
	"github.com/llmlb/llmlb/proxycore"
	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/selector"
	"github.com/llmlb/llmlb/statsrecorder"
)

// Server owns every wired component and the two listeners (HTTP and
// metrics) that front them.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	db   *gorm.DB
	pool *database.PoolManager

	store       *endpoint.Store
	reg         *registry.Registry
	prober      *prober.Prober
	cloudRouter *cloudrouter.Router
	cloudFwd    *cloudrouter.Forwarder
	redisCache  *cache.Manager
	cloudCache  *cloudcache.Cache
	sync        *modelsync.Synchronizer
	monitor     *health.Monitor
	sel         *selector.Selector
	tracker     *inflight.Tracker
	stats       *statsrecorder.Recorder
	core        *proxycore.Core

	inferenceHandler *handlers.InferenceHandler
	endpointHandler  *handlers.EndpointHandler
	healthHandler    *handlers.HealthHandler
	eventsHandler    *handlers.EventsHandler

	metricsCollector *metrics.Collector
	telemetry        *telemetry.Providers

	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	wg sync.WaitGroup
}

// NewServer builds a Server around an already-loaded config and an
// already-open database handle. db may be nil, in which case the
// gateway starts with an empty endpoint catalog, registers no
// /endpoints routes, and readiness reports ready (there is no database
// to ping).
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, telemetryProviders *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		telemetry:  telemetryProviders,
		db:         db,
	}
}

// Start wires every component and brings both listeners up. It returns
// once both servers have bound their ports; shutdown happens
// asynchronously via WaitForShutdown or Shutdown.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("llmlb", s.logger)

	if err := s.initComponents(); err != nil {
		return fmt.Errorf("init components: %w", err)
	}

	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("init hot reload manager: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.monitor.Start(context.Background())

	s.logger.Info("llmlb started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

// initComponents wires the endpoint store, registry, health monitor,
// model synchronizer, cloud router/cache, selector, inflight tracker,
// stats recorder, proxy core, and HTTP handlers together, seeding the
// registry from whatever the store already has on disk.
func (s *Server) initComponents() error {
	if s.db != nil {
		pool, err := database.NewPoolManager(s.db, database.DefaultPoolConfig(), s.logger)
		if err != nil {
			return fmt.Errorf("init db pool: %w", err)
		}
		s.pool = pool.WithMetrics(s.metricsCollector)
		s.store = endpoint.New(pool, s.logger)
	}

	s.reg = registry.New()
	s.prober = prober.New(s.logger)
	s.cloudRouter = cloudrouter.New()
	s.cloudFwd = cloudrouter.NewForwarder(s.cfg.CloudProviders, s.logger)

	if s.cfg.Redis.Addr != "" {
		redisMgr, err := cache.NewManager(cache.Config{
			Addr:                s.cfg.Redis.Addr,
			Password:            s.cfg.Redis.Password,
			DB:                  s.cfg.Redis.DB,
			PoolSize:            s.cfg.Redis.PoolSize,
			MinIdleConns:        s.cfg.Redis.MinIdleConns,
			DefaultTTL:          5 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
		}, s.logger)
		if err != nil {
			s.logger.Warn("redis unavailable, cloud model cache falls back to in-process", zap.Error(err))
		} else {
			s.redisCache = redisMgr
		}
	}
	s.cloudCache = cloudcache.New(s.cfg.CloudProviders, s.redisCache, s.logger).WithMetrics(s.metricsCollector)

	if s.store != nil {
		s.sync = modelsync.New(s.store, s.reg, s.logger)
		if err := s.seedRegistry(context.Background()); err != nil {
			s.logger.Warn("seeding registry from store failed", zap.Error(err))
		}
	}

	pinger := health.NewHTTPPinger(s.cfg.HealthCheck.Timeout, "")
	var syncer health.Syncer
	if s.sync != nil {
		syncer = modelsync.HealthSyncAdapter{Synchronizer: s.sync}
	}
	s.monitor = health.New(s.reg, s.reg, pinger, syncer, health.Config{
		Interval: s.cfg.HealthCheck.Interval,
		Timeout:  s.cfg.HealthCheck.Timeout,
	}, s.logger).WithMetrics(s.metricsCollector)

	s.sel = selector.New(s.cloudRouter, s.reg)
	s.tracker = inflight.New().WithMetrics(s.metricsCollector)

	var statsStore statsrecorder.Store
	if s.store != nil {
		statsStore = s.store
	}
	s.stats = statsrecorder.New(statsStore, s.logger)
	s.core = proxycore.New(s.sel, s.tracker, s.cloudFwd, s.stats, s.logger).WithMetrics(s.metricsCollector)

	s.inferenceHandler = handlers.NewInferenceHandler(s.core, s.reg, s.cloudCache, s.logger)
	if s.store != nil {
		s.endpointHandler = handlers.NewEndpointHandler(s.store, s.reg, s.prober, s.monitor, s.logger)
	}
	s.healthHandler = handlers.NewHealthHandler(Version, s.readiness)
	s.eventsHandler = handlers.NewEventsHandler(s.monitor, s.logger)

	s.logger.Info("components initialized")
	return nil
}

// seedRegistry loads every persisted endpoint and its model catalog
// into the registry so the gateway can select candidates immediately,
// before the health monitor's first probe tick completes.
func (s *Server) seedRegistry(ctx context.Context) error {
	rows, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for i := range rows {
		e := &rows[i]
		s.reg.Put(&registry.Entry{
			ID:                   e.ID,
			Name:                 e.Name,
			BaseURL:              e.BaseURL,
			APIKey:               e.APIKey,
			Type:                 e.Type,
			Status:               endpoint.StatusPending,
			SupportsResponsesAPI: e.SupportsResponsesAPI,
			HealthCheckIntervalS: e.HealthCheckIntervalS,
			InferenceTimeoutS:    e.InferenceTimeoutS,
			LastSeenAt:           e.LastSeenAt,
		})

		models, err := s.store.ListModels(ctx, e.ID)
		if err != nil {
			s.logger.Warn("could not load model catalog while seeding registry",
				zap.String("endpoint_id", e.ID), zap.Error(err))
			continue
		}
		caps := make(map[string]map[endpoint.Capability]bool, len(models))
		for _, m := range models {
			caps[m.ModelID] = endpoint.ParseCapabilities(m.CapabilitiesCSV)
		}
		s.reg.SetModels(e.ID, caps)
	}
	return nil
}

// readiness reports whether the gateway is ready to accept inference
// traffic: the database (if configured) must answer a ping.
func (s *Server) readiness() error {
	if s.pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("configuration reloaded")
		s.cfg = newConfig
	})

	if err := s.hotReloadManager.Start(context.Background()); err != nil {
		return err
	}
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReadyz)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /v1/chat/completions", s.inferenceHandler.HandleChatCompletions())
	mux.HandleFunc("POST /v1/completions", s.inferenceHandler.HandleCompletions())
	mux.HandleFunc("POST /v1/embeddings", s.inferenceHandler.HandleEmbeddings())
	mux.HandleFunc("POST /v1/responses", s.inferenceHandler.HandleResponses())
	mux.HandleFunc("GET /v1/models", s.inferenceHandler.HandleListModels)
	mux.HandleFunc("GET /v1/models/{id}", s.inferenceHandler.HandleGetModel)

	mux.HandleFunc("GET /ws/events", s.eventsHandler.HandleEvents)

	if s.endpointHandler != nil {
		mux.HandleFunc("POST /endpoints", s.endpointHandler.HandleCreate)
		mux.HandleFunc("GET /endpoints", s.endpointHandler.HandleList)
		mux.HandleFunc("GET /endpoints/{id}", s.endpointHandler.HandleGet)
		mux.HandleFunc("PUT /endpoints/{id}", s.endpointHandler.HandleUpdate)
		mux.HandleFunc("DELETE /endpoints/{id}", s.endpointHandler.HandleDelete)
		mux.HandleFunc("POST /endpoints/{id}/test", s.endpointHandler.HandleTest)
		mux.HandleFunc("POST /endpoints/{id}/sync", s.endpointHandler.HandleSync)
		mux.HandleFunc("GET /endpoints/{id}/models", s.endpointHandler.HandleModels)
		mux.HandleFunc("POST /endpoints/{id}/reset", s.endpointHandler.HandleReset)
	}

	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("configuration API registered")
	}

	skipAuthPaths := []string{"/healthz", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(nil),
		RateLimiter(context.Background(), s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.Auth.JWTSecret, skipAuthPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// WriteTimeout stays 0: SSE inference responses can run far
		// longer than any fixed deadline would allow.
		WriteTimeout:    0,
		IdleTimeout:     120 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	handlers.WriteSuccess(w, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// WaitForShutdown blocks until a termination signal or server error
// arrives, then runs the full shutdown sequence.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown drains inference traffic, then tears every component down
// in dependency order: health monitor, hot reload, HTTP listener,
// metrics listener, stats recorder, Redis cache, database pool,
// telemetry.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.inferenceHandler != nil {
		s.inferenceHandler.Drain()
		s.waitForDrain(30 * time.Second)
	}

	if s.monitor != nil {
		s.monitor.Stop()
	}

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("hot reload manager shutdown error", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.stats != nil {
		s.stats.Stop()
	}

	if s.redisCache != nil {
		if err := s.redisCache.Close(); err != nil {
			s.logger.Error("redis cache shutdown error", zap.Error(err))
		}
	}

	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool shutdown error", zap.Error(err))
		}
	}

	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("graceful shutdown completed")
}

// waitForDrain polls the inflight tracker until every endpoint's count
// reaches zero or the budget elapses, whichever comes first.
func (s *Server) waitForDrain(budget time.Duration) {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if s.totalInflight() == 0 {
			return
		}
		<-ticker.C
	}
	s.logger.Warn("drain budget elapsed with inflight requests still outstanding",
		zap.Int64("remaining", s.totalInflight()))
}

func (s *Server) totalInflight() int64 {
	var total int64
	for _, n := range s.tracker.Drain() {
		total += n
	}
	return total
}
