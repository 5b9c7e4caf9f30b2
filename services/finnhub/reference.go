package finnhub

import (
	"context"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/models"
)

// CompanyProfile mirrors the upstream company profile payload.
type CompanyProfile struct {
	Country              string  `json:"country"`
	Exchange             string  `json:"exchange"`
	IPO                  string  `json:"ipo"`
	Industry             string  `json:"finnhubIndustry"`
	Logo                 string  `json:"logo"`
	MarketCapitalization float64 `json:"marketCapitalization"`
	Name                 string  `json:"name"`
	Ticker               string  `json:"ticker"`
	WebURL               string  `json:"weburl"`
}

// metricsResponse wraps the fundamentals endpoint; only the metric blob is
// kept, the series data is not stored.
type metricsResponse struct {
	Metric map[string]interface{} `json:"metric"`
}

// FetchProfile fetches company reference data for one symbol.
func (c *Client) FetchProfile(ctx context.Context, symbol string) (*CompanyProfile, error) {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	query := url.Values{"symbol": {normalized}}
	var profile CompanyProfile
	if ferr := c.getJSON(ctx, normalized, "/stock/profile2", query, &profile); ferr != nil {
		return nil, ferr
	}

	// An empty object means the provider has no profile for the ticker.
	if profile.Name == "" && profile.Ticker == "" {
		return nil, &FetchError{Symbol: normalized, Kind: KindNotFound}
	}
	return &profile, nil
}

// FetchMetrics fetches the schema-less fundamentals blob for one symbol.
func (c *Client) FetchMetrics(ctx context.Context, symbol string) (models.MetricMap, error) {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	query := url.Values{"symbol": {normalized}, "metric": {"all"}}
	var resp metricsResponse
	if ferr := c.getJSON(ctx, normalized, "/stock/metric", query, &resp); ferr != nil {
		return nil, ferr
	}
	if len(resp.Metric) == 0 {
		return nil, &FetchError{Symbol: normalized, Kind: KindNotFound}
	}
	return models.MetricMap(resp.Metric), nil
}

// Company converts a profile into the reference-store record for symbol.
func (p *CompanyProfile) Company(symbol string) models.Company {
	company := models.Company{
		Symbol:    symbol,
		Name:      p.Name,
		Exchange:  p.Exchange,
		Industry:  p.Industry,
		MarketCap: decimal.NewFromFloat(p.MarketCapitalization).Round(2),
		Country:   p.Country,
		WebURL:    p.WebURL,
		Logo:      p.Logo,
	}
	if p.IPO != "" {
		if ipo, err := time.Parse("2006-01-02", p.IPO); err == nil {
			company.IPO = &ipo
		}
	}
	return company
}
