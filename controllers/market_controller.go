package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guregu/null/v5"
	"go.uber.org/zap"

	"marketpulse/models"
	"marketpulse/scheduler"
	"marketpulse/services/analysis"
	"marketpulse/services/finnhub"
	"marketpulse/services/store"
	"marketpulse/services/stream"
)

// MarketController handles market data requests
type MarketController struct {
	store     *store.Store
	hub       *stream.Hub
	refresher *scheduler.Refresher
	fetcher   *finnhub.Client
	analysis  *analysis.TechnicalAnalysis
	log       *zap.Logger
}

// NewMarketController creates a new market controller
func NewMarketController(st *store.Store, hub *stream.Hub, refresher *scheduler.Refresher, fetcher *finnhub.Client, log *zap.Logger) *MarketController {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketController{
		store:     st,
		hub:       hub,
		refresher: refresher,
		fetcher:   fetcher,
		analysis:  analysis.NewTechnicalAnalysis(st),
		log:       log,
	}
}

// LivePriceEntry is one ticker's row in the live-prices response. Price
// fields are null whenever the error field is set.
type LivePriceEntry struct {
	Symbol        string     `json:"symbol"`
	Name          string     `json:"name"`
	Price         null.Float `json:"price"`
	ChangeAmount  null.Float `json:"changeAmount"`
	ChangePercent null.Float `json:"changePercent"`
	Error         string     `json:"error,omitempty"`
}

// GetLivePrices returns the latest cached price for each requested ticker,
// one entry per ticker in request order. Symbols the hub has never seen fall
// back to the store; symbols with no data anywhere carry an error string.
// GET /api/markets/live-prices?tickers=AAPL,MSFT
func (mc *MarketController) GetLivePrices(c *gin.Context) {
	raw := c.Query("tickers")
	requested := splitList(raw)
	if len(requested) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tickers parameter is required"})
		return
	}

	type lookup struct {
		display string
		symbol  string
		valid   bool
	}
	lookups := make([]lookup, 0, len(requested))
	symbols := make([]string, 0, len(requested))
	for _, ticker := range requested {
		symbol, err := models.NormalizeSymbol(ticker)
		if err != nil {
			lookups = append(lookups, lookup{display: strings.ToUpper(strings.TrimSpace(ticker))})
			continue
		}
		lookups = append(lookups, lookup{display: symbol, symbol: symbol, valid: true})
		symbols = append(symbols, symbol)
	}

	reads := mc.hub.Read(symbols)
	degraded := mc.refresher.DegradedSymbols()
	companies, err := mc.store.CompaniesBySymbol(c.Request.Context(), symbols)
	if err != nil {
		mc.log.Warn("company lookup failed for live prices", zap.Error(err))
		companies = map[string]models.Company{}
	}

	entries := make([]LivePriceEntry, 0, len(lookups))
	for _, item := range lookups {
		entry := LivePriceEntry{Symbol: item.display}
		if !item.valid {
			entry.Error = "ValidationError"
			entries = append(entries, entry)
			continue
		}
		entry.Name = companies[item.symbol].Name

		if _, bad := degraded[item.symbol]; bad {
			entry.Error = "Degraded"
			entries = append(entries, entry)
			continue
		}

		read := reads[item.symbol]
		if read.Sample != nil {
			fillPrices(&entry, read.Sample)
			entries = append(entries, entry)
			continue
		}

		// Cold path: the hub has nothing, but the store might.
		quote, err := mc.store.LatestQuote(c.Request.Context(), item.symbol)
		if err == nil {
			fillPrices(&entry, quote)
			entries = append(entries, entry)
			continue
		}

		if read.ErrKind != "" {
			entry.Error = read.ErrKind
		} else {
			entry.Error = "NotFound"
		}
		entries = append(entries, entry)
	}

	c.JSON(http.StatusOK, entries)
}

func fillPrices(entry *LivePriceEntry, quote *models.Quote) {
	entry.Price = null.FloatFrom(quote.CurrentPrice.InexactFloat64())
	entry.ChangeAmount = null.FloatFrom(quote.Change.InexactFloat64())
	entry.ChangePercent = null.FloatFrom(quote.PercentChange.InexactFloat64())
}

// splitList parses a comma-separated query value, dropping blanks and
// preserving order.
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GetHistory returns stored samples for a symbol, newest first.
// GET /api/markets/history/:symbol?limit=50&before=2026-01-02T15:04:05Z
func (mc *MarketController) GetHistory(c *gin.Context) {
	symbol := c.Param("symbol")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC3339"})
			return
		}
		before = &parsed
	}

	quotes, err := mc.store.History(c.Request.Context(), symbol, limit, before)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		mc.log.Error("history query failed", zap.String("symbol", symbol), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol": strings.ToUpper(strings.TrimSpace(symbol)),
		"count":  len(quotes),
		"data":   quotes,
	})
}

// GetCompany returns the reference record for a symbol.
// GET /api/markets/companies/:symbol
func (mc *MarketController) GetCompany(c *gin.Context) {
	company, err := mc.store.Company(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondStoreError(c, mc.log, err, "Company not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": company})
}

// GetFundamentals returns the metrics blob for a symbol.
// GET /api/markets/companies/:symbol/fundamentals
func (mc *MarketController) GetFundamentals(c *gin.Context) {
	fundamentals, err := mc.store.Fundamentals(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondStoreError(c, mc.log, err, "Fundamentals not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": fundamentals})
}

// GetIndicators computes technical indicators over a symbol's recent history.
// GET /api/markets/indicators/:symbol?window=20
func (mc *MarketController) GetIndicators(c *gin.Context) {
	window, _ := strconv.Atoi(c.DefaultQuery("window", "0"))

	report, err := mc.analysis.Indicators(c.Request.Context(), c.Param("symbol"), window)
	if err != nil {
		respondStoreError(c, mc.log, err, "No history for symbol")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

// GetPortfolio returns every company joined with its latest quote, largest
// market caps first.
// GET /api/markets/portfolio
func (mc *MarketController) GetPortfolio(c *gin.Context) {
	rows, err := mc.store.PortfolioView(c.Request.Context())
	if err != nil {
		mc.log.Error("portfolio query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch portfolio"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "data": rows})
}

// GetTopPerformers returns the top-n symbols by latest percent change.
// GET /api/markets/top-performers?n=5
func (mc *MarketController) GetTopPerformers(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("n", "5"))

	rows, err := mc.store.TopPerformers(c.Request.Context(), n)
	if err != nil {
		mc.log.Error("top performers query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch top performers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "data": rows})
}

// GetWatchlist returns the refresh rotation and any degraded symbols.
// GET /api/markets/watchlist
func (mc *MarketController) GetWatchlist(c *gin.Context) {
	symbols := mc.refresher.Symbols()
	degraded := mc.refresher.DegradedSymbols()

	c.JSON(http.StatusOK, gin.H{
		"symbols":  symbols,
		"count":    len(symbols),
		"degraded": degraded,
	})
}

// AddSymbol onboards a new symbol: fetches its company profile, stores the
// reference data, and adds it to the refresh rotation. The next tick picks up
// its first quote.
// POST /api/markets/symbols
func (mc *MarketController) AddSymbol(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	symbol, err := models.NormalizeSymbol(req.Symbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, tracked := range mc.refresher.Symbols() {
		if tracked == symbol {
			c.JSON(http.StatusConflict, gin.H{"error": "Symbol already tracked"})
			return
		}
	}

	profile, err := mc.fetcher.FetchProfile(c.Request.Context(), symbol)
	if err != nil {
		var ferr *finnhub.FetchError
		if errors.As(err, &ferr) {
			switch ferr.Kind {
			case finnhub.KindNotFound:
				c.JSON(http.StatusNotFound, gin.H{"error": "Symbol not known to provider"})
			case finnhub.KindRateLimited:
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "Provider rate limit hit, retry later"})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": "Provider unavailable"})
			}
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Provider unavailable"})
		return
	}

	company := profile.Company(symbol)
	if err := mc.store.UpsertCompany(c.Request.Context(), &company); err != nil {
		mc.log.Error("company upsert failed", zap.String("symbol", symbol), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store company"})
		return
	}

	// Fundamentals are nice to have at onboarding, not required.
	if metrics, merr := mc.fetcher.FetchMetrics(c.Request.Context(), symbol); merr == nil {
		if serr := mc.store.UpsertFundamentals(c.Request.Context(), symbol, metrics); serr != nil {
			mc.log.Warn("fundamentals upsert failed", zap.String("symbol", symbol), zap.Error(serr))
		}
	}

	if _, err := mc.refresher.AddSymbol(symbol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": company})
}

// RemoveSymbol drops a symbol from the refresh rotation. Stored history and
// reference data stay in place.
// DELETE /api/markets/symbols/:symbol
func (mc *MarketController) RemoveSymbol(c *gin.Context) {
	symbol, err := mc.refresher.RemoveSymbol(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": symbol})
}

// ResetSymbol manually reinstates a degraded symbol.
// POST /api/markets/symbols/:symbol/reset
func (mc *MarketController) ResetSymbol(c *gin.Context) {
	symbol := c.Param("symbol")
	if !mc.refresher.ResetDegraded(symbol) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Symbol is not degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": strings.ToUpper(strings.TrimSpace(symbol))})
}

// TriggerRefresh forces a refresh tick. A refresh already in flight is
// joined, not duplicated.
// POST /api/markets/refresh
func (mc *MarketController) TriggerRefresh(c *gin.Context) {
	stats, shared, err := mc.refresher.RefreshNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats, "joined_in_flight": shared})
}

// respondStoreError maps the shared store error taxonomy onto HTTP codes.
func respondStoreError(c *gin.Context, log *zap.Logger, err error, notFoundMsg string) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMsg})
	default:
		log.Error("store query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
