package finnhub

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketpulse/models"
)

// quoteResponse mirrors the upstream quote payload.
type quoteResponse struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

// QuoteResult is the outcome for one symbol in a batch: either a populated
// sample or a typed fetch error, never both.
type QuoteResult struct {
	Sample *models.Quote
	Err    *FetchError
}

// FetchQuotes fetches current quotes for a batch of symbols. Every requested
// symbol gets exactly one result; a symbol's failure never blocks the others.
// The call itself errors only on contract violations: an empty batch, a batch
// larger than the provider cap, or a malformed symbol.
func (c *Client) FetchQuotes(ctx context.Context, symbols []string) (map[string]QuoteResult, error) {
	if len(symbols) == 0 {
		return nil, &models.ValidationError{Field: "symbols", Reason: "empty batch"}
	}
	if len(symbols) > c.batchCap {
		return nil, &models.ValidationError{
			Field:  "symbols",
			Reason: fmt.Sprintf("batch of %d exceeds provider cap %d; chunk before calling", len(symbols), c.batchCap),
		}
	}

	normalized := make([]string, len(symbols))
	for i, raw := range symbols {
		symbol, err := models.NormalizeSymbol(raw)
		if err != nil {
			return nil, err
		}
		normalized[i] = symbol
	}

	results := make([]QuoteResult, len(normalized))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)

	for i, symbol := range normalized {
		i, symbol := i, symbol
		g.Go(func() error {
			results[i] = c.fetchQuote(gctx, symbol)
			return nil
		})
	}
	// Workers never return errors; per-symbol failures live in results.
	_ = g.Wait()

	out := make(map[string]QuoteResult, len(normalized))
	for i, symbol := range normalized {
		out[symbol] = results[i]
	}
	return out, nil
}

func (c *Client) fetchQuote(ctx context.Context, symbol string) QuoteResult {
	query := url.Values{"symbol": {symbol}}

	var resp quoteResponse
	if ferr := c.getJSON(ctx, symbol, "/quote", query, &resp); ferr != nil {
		c.log.Debug("quote fetch failed",
			zap.String("symbol", symbol),
			zap.String("kind", string(ferr.Kind)),
		)
		return QuoteResult{Err: ferr}
	}

	// The API answers 200 with an all-zero body for tickers it does not know.
	if resp.Timestamp == 0 {
		return QuoteResult{Err: &FetchError{Symbol: symbol, Kind: KindNotFound}}
	}

	sample := &models.Quote{
		Symbol:        symbol,
		CurrentPrice:  decimal.NewFromFloat(resp.Current).Round(4),
		HighPrice:     decimal.NewFromFloat(resp.High).Round(4),
		LowPrice:      decimal.NewFromFloat(resp.Low).Round(4),
		OpenPrice:     decimal.NewFromFloat(resp.Open).Round(4),
		PrevClose:     decimal.NewFromFloat(resp.PrevClose).Round(4),
		Change:        decimal.NewFromFloat(resp.Change).Round(4),
		PercentChange: decimal.NewFromFloat(resp.PercentChange).Round(4),
		Timestamp:     time.Unix(resp.Timestamp, 0).UTC(),
	}
	return QuoteResult{Sample: sample}
}
