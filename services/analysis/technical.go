package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null/v5"
	"gonum.org/v1/gonum/stat"

	"marketpulse/models"
	"marketpulse/services/store"
)

const (
	// DefaultWindow is the sample count indicators are computed over when the
	// caller does not choose one.
	DefaultWindow = 20
	// MaxWindow bounds the history pulled for a single report.
	MaxWindow = 100
	// RSIPeriod is the lookback for the relative strength index.
	RSIPeriod = 14
)

// TechnicalAnalysis computes indicator reports from stored quote history.
type TechnicalAnalysis struct {
	store *store.Store
}

// NewTechnicalAnalysis creates a new technical analysis instance.
func NewTechnicalAnalysis(st *store.Store) *TechnicalAnalysis {
	return &TechnicalAnalysis{store: st}
}

// IndicatorReport carries the computed indicators for one symbol. Fields are
// null when the available history is too short for that particular indicator;
// SamplesUsed tells the caller how much history backed the report.
type IndicatorReport struct {
	Symbol      string     `json:"symbol"`
	Window      int        `json:"window"`
	SamplesUsed int        `json:"samples_used"`
	LatestPrice null.Float `json:"latest_price"`
	MomentumPct null.Float `json:"momentum_pct"`
	SMA         null.Float `json:"sma"`
	Volatility  null.Float `json:"volatility"`
	RSI         null.Float `json:"rsi"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
}

// Indicators builds an indicator report for one symbol over the given window
// of recent samples. A short history produces a partial report rather than an
// error; a symbol with no history at all returns store.ErrNotFound.
func (ta *TechnicalAnalysis) Indicators(ctx context.Context, symbol string, window int) (*IndicatorReport, error) {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if window > MaxWindow {
		window = MaxWindow
	}

	// RSI needs one more sample than its period; pull enough for both.
	limit := window
	if limit < RSIPeriod+1 {
		limit = RSIPeriod + 1
	}

	quotes, err := ta.store.History(ctx, normalized, limit, nil)
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no history for %s: %w", normalized, store.ErrNotFound)
	}

	// History arrives newest first; flip to chronological order.
	for i := 0; i < len(quotes)/2; i++ {
		quotes[i], quotes[len(quotes)-1-i] = quotes[len(quotes)-1-i], quotes[i]
	}

	closes := make([]float64, len(quotes))
	for i, quote := range quotes {
		closes[i] = quote.CurrentPrice.InexactFloat64()
	}

	report := &IndicatorReport{
		Symbol:      normalized,
		Window:      window,
		SamplesUsed: len(quotes),
		LatestPrice: null.FloatFrom(closes[len(closes)-1]),
	}
	from := quotes[0].Timestamp
	to := quotes[len(quotes)-1].Timestamp
	report.From = &from
	report.To = &to

	// Momentum and SMA cover the most recent window samples.
	windowed := closes
	if len(windowed) > window {
		windowed = windowed[len(windowed)-window:]
	}

	if len(windowed) >= 2 {
		first := windowed[0]
		last := windowed[len(windowed)-1]
		if first != 0 {
			report.MomentumPct = null.FloatFrom((last - first) / first * 100)
		}
		report.SMA = null.FloatFrom(stat.Mean(windowed, nil))

		returns := simpleReturns(windowed)
		if len(returns) >= 2 {
			report.Volatility = null.FloatFrom(stat.StdDev(returns, nil))
		}
	}

	if rsi, ok := relativeStrength(closes, RSIPeriod); ok {
		report.RSI = null.FloatFrom(rsi)
	}

	return report, nil
}

// simpleReturns converts a price series into period-over-period returns.
func simpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	return returns
}

// relativeStrength computes RSI over the trailing period. It reports false
// when the series is shorter than period+1 samples.
func relativeStrength(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}

	window := closes[len(closes)-period-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, true
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}
