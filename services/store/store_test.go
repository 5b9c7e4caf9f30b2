package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"marketpulse/models"
	"marketpulse/services/store"
)

var baseTime = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)

	// In-memory sqlite gives every pooled connection its own database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.MigrateMarketModels(db))
	return store.NewStore(db, zap.NewNop())
}

func seedCompany(t *testing.T, st *store.Store, symbol, name string, marketcap float64) {
	t.Helper()
	err := st.UpsertCompany(context.Background(), &models.Company{
		Symbol:    symbol,
		Name:      name,
		Exchange:  "NASDAQ",
		MarketCap: decimal.NewFromFloat(marketcap),
	})
	require.NoError(t, err)
}

func quote(symbol string, price, pctChange float64, ts time.Time) models.Quote {
	return models.Quote{
		Symbol:        symbol,
		CurrentPrice:  decimal.NewFromFloat(price),
		HighPrice:     decimal.NewFromFloat(price + 1),
		LowPrice:      decimal.NewFromFloat(price - 1),
		OpenPrice:     decimal.NewFromFloat(price),
		PrevClose:     decimal.NewFromFloat(price),
		PercentChange: decimal.NewFromFloat(pctChange),
		Timestamp:     ts,
	}
}

func TestAppendQuoteVisibleImmediately(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)

	q := quote("AAPL", 187.5, 1.2, baseTime)
	id, err := st.AppendQuote(ctx, &q)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := st.LatestQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Symbol)
	assert.True(t, got.CurrentPrice.Equal(decimal.NewFromFloat(187.5)),
		"price %s", got.CurrentPrice)
	assert.True(t, got.Timestamp.Equal(baseTime))
}

func TestAppendQuoteNormalizesSymbol(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)

	q := quote("  aapl ", 187.5, 0, baseTime)
	_, err := st.AppendQuote(ctx, &q)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)

	_, err = st.LatestQuote(ctx, "aapl")
	assert.NoError(t, err)
}

func TestAppendQuoteRejectsInvalidSymbol(t *testing.T) {
	st := newTestStore(t)

	q := quote("not a ticker!", 10, 0, baseTime)
	_, err := st.AppendQuote(context.Background(), &q)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "symbol", verr.Field)
}

func TestLatestQuoteMaxTimestampWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "TSLA", "Tesla Inc", 8e11)

	// Newer sample inserted first: latest must follow timestamps, not
	// insertion order.
	newer := quote("TSLA", 260, 0, baseTime.Add(time.Minute))
	older := quote("TSLA", 255, 0, baseTime)
	_, err := st.AppendQuote(ctx, &newer)
	require.NoError(t, err)
	_, err = st.AppendQuote(ctx, &older)
	require.NoError(t, err)

	got, err := st.LatestQuote(ctx, "TSLA")
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(260)),
		"price %s", got.CurrentPrice)
}

func TestLatestQuoteTieBreaksOnID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "TSLA", "Tesla Inc", 8e11)

	first := quote("TSLA", 255, 0, baseTime)
	second := quote("TSLA", 256, 0, baseTime)
	_, err := st.AppendQuote(ctx, &first)
	require.NoError(t, err)
	secondID, err := st.AppendQuote(ctx, &second)
	require.NoError(t, err)

	got, err := st.LatestQuote(ctx, "TSLA")
	require.NoError(t, err)
	assert.Equal(t, secondID, got.ID)
	assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(256)))
}

func TestLatestQuoteUnknownSymbol(t *testing.T) {
	st := newTestStore(t)

	_, err := st.LatestQuote(context.Background(), "MSFT")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)

	for i := 0; i < 5; i++ {
		q := quote("AAPL", 180+float64(i), 0, baseTime.Add(time.Duration(i)*time.Minute))
		_, err := st.AppendQuote(ctx, &q)
		require.NoError(t, err)
	}

	got, err := st.History(ctx, "AAPL", 3, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].CurrentPrice.Equal(decimal.NewFromInt(184)))
	assert.True(t, got[1].CurrentPrice.Equal(decimal.NewFromInt(183)))
	assert.True(t, got[2].CurrentPrice.Equal(decimal.NewFromInt(182)))
}

func TestHistoryBeforeExcludesCutoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)

	for i := 0; i < 5; i++ {
		q := quote("AAPL", 180+float64(i), 0, baseTime.Add(time.Duration(i)*time.Minute))
		_, err := st.AppendQuote(ctx, &q)
		require.NoError(t, err)
	}

	cutoff := baseTime.Add(2 * time.Minute)
	got, err := st.History(ctx, "AAPL", 50, &cutoff)
	require.NoError(t, err)
	require.Len(t, got, 2, "samples at or after the cutoff must be excluded")
	assert.True(t, got[0].Timestamp.Equal(baseTime.Add(time.Minute)))
	assert.True(t, got[1].Timestamp.Equal(baseTime))
}

func TestHistoryEmptyForUnknownSymbol(t *testing.T) {
	st := newTestStore(t)

	got, err := st.History(context.Background(), "MSFT", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLatestAllOneRowPerSymbol(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)
	seedCompany(t, st, "TSLA", "Tesla Inc", 8e11)

	for i := 0; i < 3; i++ {
		qa := quote("AAPL", 180+float64(i), 0, baseTime.Add(time.Duration(i)*time.Minute))
		qt := quote("TSLA", 250+float64(i), 0, baseTime.Add(time.Duration(i)*time.Minute))
		_, err := st.AppendQuote(ctx, &qa)
		require.NoError(t, err)
		_, err = st.AppendQuote(ctx, &qt)
		require.NoError(t, err)
	}

	got, err := st.LatestAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Ordered by company market cap, each row the symbol's newest sample.
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.True(t, got[0].CurrentPrice.Equal(decimal.NewFromInt(182)))
	assert.Equal(t, "TSLA", got[1].Symbol)
	assert.True(t, got[1].CurrentPrice.Equal(decimal.NewFromInt(252)))
}

func TestTopPerformersOrdersByPercentChange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)
	seedCompany(t, st, "TSLA", "Tesla Inc", 8e11)
	seedCompany(t, st, "MSFT", "Microsoft Corp", 3.1e12)

	for symbol, pct := range map[string]float64{"AAPL": 1.5, "TSLA": 4.2, "MSFT": -0.8} {
		q := quote(symbol, 100, pct, baseTime)
		_, err := st.AppendQuote(ctx, &q)
		require.NoError(t, err)
	}

	rows, err := st.TopPerformers(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "TSLA", rows[0].Symbol)
	assert.Equal(t, "Tesla Inc", rows[0].Name)
	assert.Equal(t, "AAPL", rows[1].Symbol)
}

func TestCompaniesBySymbol(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)
	seedCompany(t, st, "TSLA", "Tesla Inc", 8e11)

	got, err := st.CompaniesBySymbol(ctx, []string{"AAPL", "TSLA", "MSFT"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Apple Inc", got["AAPL"].Name)
	assert.NotContains(t, got, "MSFT")

	empty, err := st.CompaniesBySymbol(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEnsureCompanyKeepsExistingRecord(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)

	require.NoError(t, st.EnsureCompany(ctx, "AAPL"))

	got, err := st.Company(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc", got.Name, "ensure must not blank out an onboarded profile")
}

func TestUpsertCompanyReplacesProfile(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)
	seedCompany(t, st, "AAPL", "Apple Inc.", 3.2e12)

	got, err := st.Company(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", got.Name)

	all, err := st.Companies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertFundamentalsOverwritesWholesale(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)

	err := st.UpsertFundamentals(ctx, "AAPL", models.MetricMap{"peTTM": 28.4, "epsTTM": 6.1})
	require.NoError(t, err)
	err = st.UpsertFundamentals(ctx, "AAPL", models.MetricMap{"beta": 1.25})
	require.NoError(t, err)

	got, err := st.Fundamentals(ctx, "AAPL")
	require.NoError(t, err)
	assert.Contains(t, got.Metrics, "beta")
	assert.NotContains(t, got.Metrics, "peTTM", "old keys must not survive an overwrite")
}

func TestFundamentalsNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Fundamentals(context.Background(), "AAPL")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPortfolioViewIncludesQuotelessCompanies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)
	seedCompany(t, st, "TSLA", "Tesla Inc", 8e11)

	q := quote("AAPL", 187.5, 1.2, baseTime)
	_, err := st.AppendQuote(ctx, &q)
	require.NoError(t, err)

	rows, err := st.PortfolioView(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	bySymbol := make(map[string]store.PortfolioRow, len(rows))
	for _, row := range rows {
		bySymbol[row.Symbol] = row
	}

	require.Contains(t, bySymbol, "AAPL")
	require.Contains(t, bySymbol, "TSLA")
	assert.True(t, bySymbol["AAPL"].CurrentPrice.Valid)
	assert.True(t, bySymbol["AAPL"].CurrentPrice.Decimal.Equal(decimal.NewFromFloat(187.5)))
	assert.False(t, bySymbol["TSLA"].CurrentPrice.Valid, "company without samples must report null price")
	assert.Nil(t, bySymbol["TSLA"].Timestamp)
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCompany(t, st, "AAPL", "Apple Inc", 3e12)

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			q := quote("AAPL", 180+float64(i), 0, baseTime.Add(time.Duration(i)*time.Second))
			_, err := st.AppendQuote(ctx, &q)
			errs <- err
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}

	got, err := st.History(ctx, "AAPL", 50, nil)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestStoreErrorUnwraps(t *testing.T) {
	wrapped := &store.StoreError{Op: "append quote", Err: gorm.ErrInvalidDB}
	assert.True(t, errors.Is(wrapped, gorm.ErrInvalidDB))
	assert.Contains(t, wrapped.Error(), "append quote")
}
