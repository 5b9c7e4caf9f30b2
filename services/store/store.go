package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"marketpulse/models"
)

const defaultHistoryLimit = 100

// Store owns all reads and writes against the durable market tables. Quote
// rows are append-only; appends for the same symbol serialize on a per-symbol
// lock while different symbols proceed in parallel.
type Store struct {
	db  *gorm.DB
	log *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore wraps an open gorm handle.
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:    db,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) symbolLock(symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[symbol] = lock
	}
	return lock
}

// AppendQuote inserts one immutable sample and returns its sequence id. A
// well-formed sample is never rejected; only store-level I/O fails here.
func (s *Store) AppendQuote(ctx context.Context, sample *models.Quote) (uint, error) {
	symbol, err := models.NormalizeSymbol(sample.Symbol)
	if err != nil {
		return 0, err
	}
	sample.Symbol = symbol

	lock := s.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := s.db.WithContext(ctx).Create(sample).Error; err != nil {
		return 0, &StoreError{Op: "append quote", Err: err}
	}
	return sample.ID, nil
}

// LatestQuote returns the sample with the maximum timestamp for symbol,
// ties broken by the highest sequence id.
func (s *Store) LatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	var quote models.Quote
	err = s.db.WithContext(ctx).
		Where("symbol = ?", normalized).
		Order("timestamp DESC, id DESC").
		First(&quote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "latest quote", Err: err}
	}
	return &quote, nil
}

// LatestAll returns one latest sample per known symbol, largest market caps
// first. It reads through the latest_quotes view so the store-backed
// projection and this result can never disagree.
func (s *Store) LatestAll(ctx context.Context) ([]models.Quote, error) {
	var quotes []models.Quote
	err := s.db.WithContext(ctx).
		Table("latest_quotes").
		Select("latest_quotes.*").
		Joins("LEFT JOIN companies ON companies.symbol = latest_quotes.symbol").
		Order("companies.marketcap DESC").
		Find(&quotes).Error
	if err != nil {
		return nil, &StoreError{Op: "latest all", Err: err}
	}
	return quotes, nil
}

// History returns samples for symbol descending by timestamp, at most limit
// rows. A non-nil before excludes samples at or after that instant.
func (s *Store) History(ctx context.Context, symbol string, limit int, before *time.Time) ([]models.Quote, error) {
	normalized, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := s.db.WithContext(ctx).Where("symbol = ?", normalized)
	if before != nil {
		query = query.Where("timestamp < ?", *before)
	}

	var quotes []models.Quote
	err = query.Order("timestamp DESC, id DESC").Limit(limit).Find(&quotes).Error
	if err != nil {
		return nil, &StoreError{Op: "history", Err: err}
	}
	return quotes, nil
}

// PerformerRow is one entry of the top-performers report.
type PerformerRow struct {
	Symbol        string          `gorm:"column:symbol" json:"symbol"`
	Name          string          `gorm:"column:name" json:"name"`
	CurrentPrice  decimal.Decimal `gorm:"column:current_price" json:"current_price"`
	PercentChange decimal.Decimal `gorm:"column:percent_change" json:"percent_change"`
	Timestamp     time.Time       `gorm:"column:timestamp" json:"timestamp"`
}

// TopPerformers returns the top n symbols by latest percent change, skipping
// symbols whose latest percent change is null. Mirrors get_top_performers(n).
func (s *Store) TopPerformers(ctx context.Context, n int) ([]PerformerRow, error) {
	if n <= 0 {
		n = 5
	}

	var rows []PerformerRow
	err := s.db.WithContext(ctx).
		Table("latest_quotes").
		Select("latest_quotes.symbol, companies.name, latest_quotes.current_price, latest_quotes.percent_change, latest_quotes.timestamp").
		Joins("JOIN companies ON companies.symbol = latest_quotes.symbol").
		Where("latest_quotes.percent_change IS NOT NULL").
		Order("latest_quotes.percent_change DESC").
		Limit(n).
		Scan(&rows).Error
	if err != nil {
		return nil, &StoreError{Op: "top performers", Err: err}
	}
	return rows, nil
}
