package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketpulse/models"
)

// UpsertCompany inserts or replaces the reference record for a symbol.
func (s *Store) UpsertCompany(ctx context.Context, company *models.Company) error {
	symbol, err := models.NormalizeSymbol(company.Symbol)
	if err != nil {
		return err
	}
	company.Symbol = symbol

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "exchange", "industry", "marketcap", "country",
			"ipo", "weburl", "logo", "updated_at",
		}),
	}).Create(company).Error
	if err != nil {
		return &StoreError{Op: "upsert company", Err: err}
	}
	return nil
}

// EnsureCompany creates a bare company row if none exists, so quote rows can
// reference the symbol before its profile has been fetched.
func (s *Store) EnsureCompany(ctx context.Context, symbol string) error {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoNothing: true,
	}).Create(&models.Company{Symbol: normalized}).Error
	if err != nil {
		return &StoreError{Op: "ensure company", Err: err}
	}
	return nil
}

// Company returns the reference record for a symbol.
func (s *Store) Company(ctx context.Context, symbol string) (*models.Company, error) {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	var company models.Company
	err = s.db.WithContext(ctx).Where("symbol = ?", normalized).First(&company).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "company", Err: err}
	}
	return &company, nil
}

// CompaniesBySymbol loads the named companies keyed by symbol. Symbols with
// no company row are simply absent from the result.
func (s *Store) CompaniesBySymbol(ctx context.Context, symbols []string) (map[string]models.Company, error) {
	if len(symbols) == 0 {
		return map[string]models.Company{}, nil
	}

	var companies []models.Company
	err := s.db.WithContext(ctx).Where("symbol IN ?", symbols).Find(&companies).Error
	if err != nil {
		return nil, &StoreError{Op: "companies by symbol", Err: err}
	}

	out := make(map[string]models.Company, len(companies))
	for _, company := range companies {
		out[company.Symbol] = company
	}
	return out, nil
}

// Companies returns all known companies, largest market caps first.
func (s *Store) Companies(ctx context.Context) ([]models.Company, error) {
	var companies []models.Company
	err := s.db.WithContext(ctx).Order("marketcap DESC").Find(&companies).Error
	if err != nil {
		return nil, &StoreError{Op: "companies", Err: err}
	}
	return companies, nil
}

// UpsertFundamentals overwrites the metrics blob for a symbol wholesale;
// there is no partial merge.
func (s *Store) UpsertFundamentals(ctx context.Context, symbol string, metrics models.MetricMap) error {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return err
	}

	record := models.Fundamental{
		Symbol:    normalized,
		Metrics:   metrics,
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"metrics", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return &StoreError{Op: "upsert fundamentals", Err: err}
	}
	return nil
}

// Fundamentals returns the metrics blob for a symbol.
func (s *Store) Fundamentals(ctx context.Context, symbol string) (*models.Fundamental, error) {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	var record models.Fundamental
	err = s.db.WithContext(ctx).Where("symbol = ?", normalized).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "fundamentals", Err: err}
	}
	return &record, nil
}

// PortfolioRow is one entry of the portfolio overview: a company joined with
// its latest quote. Quote columns are null for symbols never fetched.
type PortfolioRow struct {
	Symbol        string              `gorm:"column:symbol" json:"symbol"`
	Name          string              `gorm:"column:name" json:"name"`
	Exchange      string              `gorm:"column:exchange" json:"exchange"`
	Industry      string              `gorm:"column:industry" json:"industry"`
	MarketCap     decimal.Decimal     `gorm:"column:marketcap" json:"marketcap"`
	Country       string              `gorm:"column:country" json:"country"`
	IPO           *time.Time          `gorm:"column:ipo" json:"ipo,omitempty"`
	WebURL        string              `gorm:"column:weburl" json:"weburl"`
	Logo          string              `gorm:"column:logo" json:"logo"`
	CurrentPrice  decimal.NullDecimal `gorm:"column:current_price" json:"current_price"`
	HighPrice     decimal.NullDecimal `gorm:"column:high_price" json:"high_price"`
	LowPrice      decimal.NullDecimal `gorm:"column:low_price" json:"low_price"`
	OpenPrice     decimal.NullDecimal `gorm:"column:open_price" json:"open_price"`
	PrevClose     decimal.NullDecimal `gorm:"column:prev_close" json:"prev_close"`
	Change        decimal.NullDecimal `gorm:"column:change" json:"change"`
	PercentChange decimal.NullDecimal `gorm:"column:percent_change" json:"percent_change"`
	Timestamp     *time.Time          `gorm:"column:timestamp" json:"timestamp,omitempty"`
}

// PortfolioView reads the portfolio_view database view: every company joined
// with its most recent quote.
func (s *Store) PortfolioView(ctx context.Context) ([]PortfolioRow, error) {
	var rows []PortfolioRow
	err := s.db.WithContext(ctx).Table("portfolio_view").Scan(&rows).Error
	if err != nil {
		return nil, &StoreError{Op: "portfolio view", Err: err}
	}
	return rows, nil
}
