package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketpulse/controllers"
	"marketpulse/middleware"
	"marketpulse/scheduler"
	"marketpulse/services/finnhub"
	"marketpulse/services/store"
	"marketpulse/services/stream"
	"marketpulse/services/tickarchive"
)

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, st *store.Store, hub *stream.Hub, gateway *stream.Gateway, refresher *scheduler.Refresher, fetcher *finnhub.Client, archive *tickarchive.Archive, limiter *middleware.WriteLimiter, log *zap.Logger) {
	// Initialize controllers
	marketController := controllers.NewMarketController(st, hub, refresher, fetcher, log)
	opsController := controllers.NewOpsController(refresher, hub, gateway, archive, log)

	if limiter == nil {
		limiter = middleware.NewWriteLimiter(0, 0, log)
	}
	writeGuard := limiter.Middleware()

	// API group
	api := router.Group("/api")
	{
		// Market data routes
		markets := api.Group("/markets")
		{
			markets.GET("/live-prices", marketController.GetLivePrices)
			markets.GET("/history/:symbol", marketController.GetHistory)
			markets.GET("/companies/:symbol", marketController.GetCompany)
			markets.GET("/companies/:symbol/fundamentals", marketController.GetFundamentals)
			markets.GET("/indicators/:symbol", marketController.GetIndicators)
			markets.GET("/portfolio", marketController.GetPortfolio)
			markets.GET("/top-performers", marketController.GetTopPerformers)
			markets.GET("/watchlist", marketController.GetWatchlist)

			// Mutating endpoints fan out to the upstream provider, so they
			// sit behind the per-client write limiter.
			markets.POST("/symbols", writeGuard, marketController.AddSymbol)
			markets.DELETE("/symbols/:symbol", writeGuard, marketController.RemoveSymbol)
			markets.POST("/symbols/:symbol/reset", writeGuard, marketController.ResetSymbol)
			markets.POST("/refresh", writeGuard, marketController.TriggerRefresh)
		}

		// Operational visibility routes
		ops := api.Group("/ops")
		{
			ops.GET("/status", opsController.GetStatus)
			ops.GET("/ticks", opsController.GetRecentTicks)
		}
	}

	// Live tick stream; subscription scope comes from the tickers query
	// parameter and can be adjusted with subscribe/unsubscribe frames.
	router.GET("/ws/markets", func(c *gin.Context) {
		gateway.HandleWebSocket(c.Writer, c.Request)
	})
}
