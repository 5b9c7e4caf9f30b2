package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"marketpulse/config"
	"marketpulse/middleware"
	"marketpulse/models"
	"marketpulse/routes"
	"marketpulse/scheduler"
	"marketpulse/services/finnhub"
	"marketpulse/services/store"
	"marketpulse/services/stream"
	"marketpulse/services/tickarchive"
)

// Pipeline state shared with the readiness probe and shutdown path. All of it
// is published in one shot once background initialization finishes.
var (
	readyMutex    sync.RWMutex
	pipelineReady bool
	appDB         *gorm.DB
	hub           *stream.Hub
	refresher     *scheduler.Refresher
	jobs          *scheduler.Scheduler
	archive       *tickarchive.Archive
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.App.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(logger))

	// Health endpoints are registered before anything else so orchestrators
	// can probe the process while the pipeline is still coming up.
	setupHealthEndpoints(router, cfg)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.App.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	go initPipeline(cfg, router, logger)

	waitForShutdown(server, logger)
}

// initPipeline wires the database, provider client, hub, refresher and routes.
// It runs in the background so a slow database or provider never blocks the
// health endpoints; on failure the process stays up in health-only mode and
// /ready keeps reporting 503.
func initPipeline(cfg *config.Config, router *gin.Engine, logger *zap.Logger) {
	db, err := config.InitDB(cfg, logger)
	if err != nil {
		logger.Error("database init failed, serving health endpoints only", zap.Error(err))
		return
	}

	if err := models.MigrateMarketModels(db); err != nil {
		logger.Error("migration failed, serving health endpoints only", zap.Error(err))
		return
	}

	st := store.NewStore(db, logger)
	ctx := context.Background()

	// Companies must exist before quotes can reference them.
	for _, symbol := range cfg.Watchlist {
		if err := st.EnsureCompany(ctx, symbol); err != nil {
			logger.Warn("failed to seed company", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	symbols := trackedSymbols(ctx, st, cfg.Watchlist, logger)

	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		logger.Error("provider client init failed, serving health endpoints only", zap.Error(err))
		return
	}

	h := stream.NewHub(cfg.Hub.Staleness, cfg.Hub.SubscriberBuffer, logger)
	if latest, err := st.LatestAll(ctx); err != nil {
		logger.Warn("could not warm hub cache", zap.Error(err))
	} else {
		h.Warm(latest)
	}
	gateway := stream.NewGateway(h, cfg.Hub.MaxClients, logger)

	arc, err := tickarchive.New(cfg.MongoDB.URI, cfg.MongoDB.Database, int(cfg.MongoDB.ArchiveKeep), logger)
	if err != nil {
		logger.Warn("tick archive unavailable, continuing without it", zap.Error(err))
		arc = nil
	}
	var archiver scheduler.Archiver
	if arc != nil {
		archiver = arc
	}

	r := scheduler.NewRefresher(fetcher, st, h, archiver, scheduler.RefresherConfig{
		Tick:           cfg.Scheduler.Tick,
		BackoffCeiling: cfg.Scheduler.BackoffCeiling,
		FailThreshold:  cfg.Scheduler.FailThreshold,
		DegradedReset:  cfg.Scheduler.DegradedReset,
	}, symbols, logger)
	if err := r.Start(); err != nil {
		logger.Error("refresher failed to start", zap.Error(err))
		return
	}

	j := scheduler.NewScheduler(st, fetcher, arc, cfg.Scheduler.ReferenceRefreshHours, logger)
	j.Start()

	limiter := middleware.NewWriteLimiter(cfg.App.WriteLimit, cfg.App.WriteWindow, logger)
	routes.SetupRoutes(router, st, h, gateway, r, fetcher, arc, limiter, logger)

	readyMutex.Lock()
	appDB = db
	hub = h
	refresher = r
	jobs = j
	archive = arc
	pipelineReady = true
	readyMutex.Unlock()

	logger.Info("pipeline initialized",
		zap.Int("symbols", len(symbols)),
		zap.Duration("tick", cfg.Scheduler.Tick),
		zap.Bool("archive", arc.Enabled()))
}

// trackedSymbols merges the configured watchlist with companies already
// onboarded through the API, so restarts keep refreshing symbols added at
// runtime.
func trackedSymbols(ctx context.Context, st *store.Store, watchlist []string, logger *zap.Logger) []string {
	seen := make(map[string]bool, len(watchlist))
	symbols := make([]string, 0, len(watchlist))
	for _, raw := range watchlist {
		symbol, err := models.NormalizeSymbol(raw)
		if err != nil {
			logger.Warn("skipping invalid watchlist symbol", zap.String("symbol", raw), zap.Error(err))
			continue
		}
		if !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}

	companies, err := st.Companies(ctx)
	if err != nil {
		logger.Warn("could not load onboarded companies", zap.Error(err))
		return symbols
	}
	for _, company := range companies {
		if !seen[company.Symbol] {
			seen[company.Symbol] = true
			symbols = append(symbols, company.Symbol)
		}
	}
	return symbols
}

func newFetcher(cfg *config.Config, logger *zap.Logger) (*finnhub.Client, error) {
	opts := []finnhub.Option{
		finnhub.WithMinInterval(cfg.Finnhub.MinInterval),
		finnhub.WithBatchCap(cfg.Finnhub.BatchCap),
		finnhub.WithMaxConcurrent(cfg.Finnhub.MaxConcurrent),
		finnhub.WithHTTPClient(&http.Client{Timeout: cfg.Finnhub.Timeout}),
		finnhub.WithLogger(logger),
	}
	if cfg.Finnhub.BaseURL != "" {
		opts = append(opts, finnhub.WithBaseURL(cfg.Finnhub.BaseURL))
	}
	return finnhub.NewClient(cfg.Finnhub.APIKey, opts...)
}

func setupHealthEndpoints(router *gin.Engine, cfg *config.Config) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"service":       "MarketPulse API",
			"version":       "1.0.0",
			"poll_interval": cfg.App.ClientPollInterval.String(),
		})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Readiness requires the pipeline to be wired and the database reachable.
	router.GET("/ready", func(c *gin.Context) {
		readyMutex.RLock()
		ready := pipelineReady
		db := appDB
		readyMutex.RUnlock()

		if !ready || db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "initializing"})
			return
		}
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/startup", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs slow and failed requests. Health probes are skipped to
// keep the log usable.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/startup" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		if status >= 400 || latency > time.Second {
			logger.Warn("request",
				zap.Int("status", status),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Duration("latency", latency),
				zap.String("client", c.ClientIP()))
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, then tears the pipeline
// down in dependency order: producers first, then the server, then storage.
func waitForShutdown(server *http.Server, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	readyMutex.RLock()
	j, r, h, arc, db := jobs, refresher, hub, archive, appDB
	readyMutex.RUnlock()

	if j != nil {
		j.Stop()
	}
	if r != nil {
		r.Stop()
	}
	if h != nil {
		h.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("server forced to shut down", zap.Error(err))
	}

	arc.Close()
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	logger.Info("shutdown complete")
}
