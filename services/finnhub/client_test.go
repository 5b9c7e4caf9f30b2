package finnhub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/models"
	"marketpulse/services/finnhub"
)

type quotePayload struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...finnhub.Option) *finnhub.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := []finnhub.Option{
		finnhub.WithBaseURL(srv.URL),
		finnhub.WithMinInterval(0),
	}
	client, err := finnhub.NewClient("test-key", append(base, opts...)...)
	require.NoError(t, err)
	return client
}

func writeQuote(w http.ResponseWriter, p quotePayload) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := finnhub.NewClient("")
	assert.Error(t, err)
}

func TestFetchQuotesReturnsSamples(t *testing.T) {
	ts := int64(1741617000)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Finnhub-Token"))

		switch r.URL.Query().Get("symbol") {
		case "AAPL":
			writeQuote(w, quotePayload{Current: 187.5, Change: 2.25, PercentChange: 1.21, High: 188, Low: 185, Open: 186, PrevClose: 185.25, Timestamp: ts})
		case "TSLA":
			writeQuote(w, quotePayload{Current: 260.1, Timestamp: ts})
		default:
			http.NotFound(w, r)
		}
	})

	got, err := client.FetchQuotes(context.Background(), []string{"AAPL", "TSLA"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	aapl := got["AAPL"]
	require.NotNil(t, aapl.Sample)
	require.Nil(t, aapl.Err)
	assert.True(t, aapl.Sample.CurrentPrice.Equal(decimal.NewFromFloat(187.5)))
	assert.True(t, aapl.Sample.Change.Equal(decimal.NewFromFloat(2.25)))
	assert.Equal(t, time.Unix(ts, 0).UTC(), aapl.Sample.Timestamp)

	require.NotNil(t, got["TSLA"].Sample)
	assert.True(t, got["TSLA"].Sample.CurrentPrice.Equal(decimal.NewFromFloat(260.1)))
}

func TestFetchQuotesLowercaseInputNormalized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		writeQuote(w, quotePayload{Current: 187.5, Timestamp: 1741617000})
	})

	got, err := client.FetchQuotes(context.Background(), []string{"aapl"})
	require.NoError(t, err)
	require.Contains(t, got, "AAPL")
	assert.NotNil(t, got["AAPL"].Sample)
}

func TestFetchQuotesZeroTimestampMeansUnknownTicker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// The provider answers 200 with an all-zero body for unknown tickers.
		writeQuote(w, quotePayload{})
	})

	got, err := client.FetchQuotes(context.Background(), []string{"ZZZZ"})
	require.NoError(t, err)

	res := got["ZZZZ"]
	require.Nil(t, res.Sample)
	require.NotNil(t, res.Err)
	assert.Equal(t, finnhub.KindNotFound, res.Err.Kind)
}

func TestFetchQuotesStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   finnhub.ErrorKind
	}{
		{http.StatusNotFound, finnhub.KindNotFound},
		{http.StatusTooManyRequests, finnhub.KindRateLimited},
		{http.StatusRequestTimeout, finnhub.KindTimeout},
		{http.StatusGatewayTimeout, finnhub.KindTimeout},
		{http.StatusInternalServerError, finnhub.KindUpstreamUnavailable},
		{http.StatusBadGateway, finnhub.KindUpstreamUnavailable},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream unhappy", tc.status)
			})

			got, err := client.FetchQuotes(context.Background(), []string{"AAPL"})
			require.NoError(t, err)

			res := got["AAPL"]
			require.NotNil(t, res.Err)
			assert.Equal(t, tc.want, res.Err.Kind)
			assert.Equal(t, tc.status, res.Err.Status)
			assert.Nil(t, res.Sample)
		})
	}
}

func TestFetchQuotesPartialFailureKeepsOtherSymbols(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "MSFT" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeQuote(w, quotePayload{Current: 187.5, Timestamp: 1741617000})
	})

	got, err := client.FetchQuotes(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, got, 2, "every requested symbol gets exactly one result")

	assert.NotNil(t, got["AAPL"].Sample)
	require.NotNil(t, got["MSFT"].Err)
	assert.Equal(t, finnhub.KindUpstreamUnavailable, got["MSFT"].Err.Kind)
}

func TestFetchQuotesEmptyBatchRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.FetchQuotes(context.Background(), nil)
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestFetchQuotesOversizedBatchRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, finnhub.WithBatchCap(2))

	_, err := client.FetchQuotes(context.Background(), []string{"AAPL", "TSLA", "MSFT"})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 2, client.BatchCap())
}

func TestFetchQuotesMalformedSymbolRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.FetchQuotes(context.Background(), []string{"AAPL", "BAD TICKER"})
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestMinIntervalSpacesRequests(t *testing.T) {
	var stamps []time.Time
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		writeQuote(w, quotePayload{Current: 1, Timestamp: 1741617000})
	}, finnhub.WithMinInterval(50*time.Millisecond), finnhub.WithMaxConcurrent(1))

	start := time.Now()
	_, err := client.FetchQuotes(context.Background(), []string{"AAPL", "TSLA", "MSFT"})
	require.NoError(t, err)

	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"three calls at a 50ms gap need at least two full gaps")
}

func TestFetchQuotesContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeQuote(w, quotePayload{Current: 1, Timestamp: 1741617000})
	}, finnhub.WithMinInterval(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// First call claims the immediate slot, second waits a minute and must
	// give up when the context expires.
	got, err := client.FetchQuotes(ctx, []string{"AAPL"})
	require.NoError(t, err)
	require.NotNil(t, got["AAPL"].Sample)

	got, err = client.FetchQuotes(ctx, []string{"TSLA"})
	require.NoError(t, err)
	require.NotNil(t, got["TSLA"].Err)
	assert.Equal(t, finnhub.KindTimeout, got["TSLA"].Err.Kind)
}

func TestFetchProfile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/profile2", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"name":                 "Apple Inc",
			"ticker":               "AAPL",
			"exchange":             "NASDAQ NMS - GLOBAL MARKET",
			"finnhubIndustry":      "Technology",
			"marketCapitalization": 2950000.0,
			"country":              "US",
			"ipo":                  "1980-12-12",
			"weburl":               "https://www.apple.com/",
		})
	})

	profile, err := client.FetchProfile(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc", profile.Name)
	assert.Equal(t, "Technology", profile.Industry)

	company := profile.Company("AAPL")
	assert.Equal(t, "AAPL", company.Symbol)
	assert.Equal(t, "Apple Inc", company.Name)
	require.NotNil(t, company.IPO)
	assert.Equal(t, 1980, company.IPO.Year())
}

func TestFetchProfileEmptyBodyMeansNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	})

	_, err := client.FetchProfile(context.Background(), "ZZZZ")
	var ferr *finnhub.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, finnhub.KindNotFound, ferr.Kind)
}

func TestFetchMetrics(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/metric", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("metric"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"metric": map[string]interface{}{"peTTM": 28.4, "beta": 1.25},
		})
	})

	metrics, err := client.FetchMetrics(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 28.4, metrics["peTTM"], 0.001)
}

func TestFetchMetricsEmptyBlobMeansNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"metric": map[string]interface{}{}})
	})

	_, err := client.FetchMetrics(context.Background(), "ZZZZ")
	var ferr *finnhub.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, finnhub.KindNotFound, ferr.Kind)
}

func TestFetchErrorMessageIncludesKind(t *testing.T) {
	err := &finnhub.FetchError{Symbol: "AAPL", Kind: finnhub.KindRateLimited, Status: 429}
	assert.Contains(t, err.Error(), "AAPL")
	assert.Contains(t, err.Error(), "RateLimited")
}
