package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// symbolPattern is the allow-list for ticker symbols: letters, digits, dot, dash.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,12}$`)

// ValidationError reports input rejected before any store or network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NormalizeSymbol upper-cases a raw ticker and validates it against the
// allow-list pattern. Every store and fetch path goes through this first.
func NormalizeSymbol(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if symbol == "" {
		return "", &ValidationError{Field: "symbol", Reason: "empty"}
	}
	if !symbolPattern.MatchString(symbol) {
		return "", &ValidationError{Field: "symbol", Reason: fmt.Sprintf("%q does not match allowed pattern", symbol)}
	}
	return symbol, nil
}

// MetricMap stores a schema-less metrics blob as a single JSON column.
type MetricMap map[string]interface{}

func (m MetricMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *MetricMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metrics column type %T", value)
	}
}

// Company is per-symbol reference data, written at onboarding and by the
// scheduled reference refresh, never by the quote pipeline.
type Company struct {
	Symbol    string          `gorm:"column:symbol;primaryKey;size:12" json:"symbol"`
	Name      string          `gorm:"column:name" json:"name"`
	Exchange  string          `gorm:"column:exchange" json:"exchange"`
	Industry  string          `gorm:"column:industry" json:"industry"`
	MarketCap decimal.Decimal `gorm:"column:marketcap;type:decimal(20,2)" json:"marketcap"`
	Country   string          `gorm:"column:country" json:"country"`
	IPO       *time.Time      `gorm:"column:ipo" json:"ipo,omitempty"`
	WebURL    string          `gorm:"column:weburl" json:"weburl"`
	Logo      string          `gorm:"column:logo" json:"logo"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updated_at"`
	CreatedAt time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (Company) TableName() string { return "companies" }

// Quote is one immutable priced observation for a symbol. Rows are append-only:
// never updated, never deleted. "Latest" is always a query over timestamp with
// the sequence id as tie-breaker, not an insertion-order assumption.
type Quote struct {
	ID            uint            `gorm:"column:id;primaryKey" json:"id"`
	Symbol        string          `gorm:"column:symbol;size:12;not null;index:idx_quotes_symbol;index:idx_quotes_symbol_ts,priority:1" json:"symbol"`
	Company       *Company        `gorm:"foreignKey:Symbol;references:Symbol;constraint:OnDelete:CASCADE" json:"company,omitempty"`
	CurrentPrice  decimal.Decimal `gorm:"column:current_price;type:decimal(18,4)" json:"current_price"`
	HighPrice     decimal.Decimal `gorm:"column:high_price;type:decimal(18,4)" json:"high_price"`
	LowPrice      decimal.Decimal `gorm:"column:low_price;type:decimal(18,4)" json:"low_price"`
	OpenPrice     decimal.Decimal `gorm:"column:open_price;type:decimal(18,4)" json:"open_price"`
	PrevClose     decimal.Decimal `gorm:"column:prev_close;type:decimal(18,4)" json:"prev_close"`
	Change        decimal.Decimal `gorm:"column:change;type:decimal(18,4)" json:"change"`
	PercentChange decimal.Decimal `gorm:"column:percent_change;type:decimal(10,4)" json:"percent_change"`
	Timestamp     time.Time       `gorm:"column:timestamp;not null;index:idx_quotes_ts,sort:desc;index:idx_quotes_symbol_ts,priority:2,sort:desc" json:"timestamp"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (Quote) TableName() string { return "quotes" }

// Fundamental is the per-symbol metrics blob, overwritten wholesale on update.
type Fundamental struct {
	Symbol    string    `gorm:"column:symbol;primaryKey;size:12" json:"symbol"`
	Company   *Company  `gorm:"foreignKey:Symbol;references:Symbol;constraint:OnDelete:CASCADE" json:"-"`
	Metrics   MetricMap `gorm:"column:metrics;type:jsonb" json:"metrics"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Fundamental) TableName() string { return "fundamentals" }

// MigrateMarketModels runs migrations for the market data tables and rebuilds
// the derived views. Views are dropped up front so AutoMigrate can alter
// columns they depend on. The plpgsql helper and the metrics GIN index exist
// on postgres only; sqlite gets the same tables and views.
func MigrateMarketModels(db *gorm.DB) error {
	drops := []string{
		`DROP VIEW IF EXISTS portfolio_view`,
		`DROP VIEW IF EXISTS latest_quotes`,
	}
	for _, stmt := range drops {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to drop derived views: %w", err)
		}
	}

	if err := db.AutoMigrate(
		&Company{},
		&Quote{},
		&Fundamental{},
	); err != nil {
		return err
	}
	return migrateDerivedObjects(db)
}

func migrateDerivedObjects(db *gorm.DB) error {
	statements := []string{
		`CREATE VIEW latest_quotes AS
		SELECT q.*
		FROM quotes q
		WHERE q.id = (
			SELECT q2.id
			FROM quotes q2
			WHERE q2.symbol = q.symbol
			ORDER BY q2.timestamp DESC, q2.id DESC
			LIMIT 1
		)`,
		`CREATE VIEW portfolio_view AS
		SELECT c.symbol, c.name, c.exchange, c.industry, c.marketcap, c.country,
		       c.ipo, c.weburl, c.logo,
		       lq.current_price, lq.high_price, lq.low_price, lq.open_price,
		       lq.prev_close, lq.change, lq.percent_change, lq.timestamp
		FROM companies c
		LEFT JOIN latest_quotes lq ON lq.symbol = c.symbol
		ORDER BY c.marketcap DESC`,
	}

	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to migrate derived views: %w", err)
		}
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}

	postgresOnly := []string{
		`CREATE INDEX IF NOT EXISTS idx_fundamentals_metrics ON fundamentals USING gin (metrics)`,
		`CREATE OR REPLACE FUNCTION get_top_performers(n integer)
		RETURNS TABLE(symbol varchar, name text, current_price numeric, percent_change numeric, "timestamp" timestamptz) AS $$
			SELECT lq.symbol, c.name, lq.current_price, lq.percent_change, lq.timestamp
			FROM latest_quotes lq
			JOIN companies c ON c.symbol = lq.symbol
			WHERE lq.percent_change IS NOT NULL
			ORDER BY lq.percent_change DESC
			LIMIT n
		$$ LANGUAGE sql STABLE`,
	}
	for _, stmt := range postgresOnly {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to migrate postgres helpers: %w", err)
		}
	}
	return nil
}
