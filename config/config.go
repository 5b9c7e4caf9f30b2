package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds all configuration for the service.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	DB        DBConfig        `mapstructure:"db"`
	Finnhub   FinnhubConfig   `mapstructure:"finnhub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Hub       HubConfig       `mapstructure:"hub"`
	MongoDB   MongoConfig     `mapstructure:"mongodb"`
	Watchlist []string        `mapstructure:"watchlist"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // "development" or "production"
	// ClientPollInterval is surfaced on the service banner so UI clients can
	// discover how often to poll; it is clamped to >= the scheduler tick.
	ClientPollInterval time.Duration `mapstructure:"client_poll_interval"`
	// WriteLimit caps mutating API requests per client per WriteWindow; those
	// endpoints reach the upstream provider.
	WriteLimit  int           `mapstructure:"write_limit"`
	WriteWindow time.Duration `mapstructure:"write_window"`
}

type DBConfig struct {
	Driver   string `mapstructure:"driver"` // "postgres" or "sqlite"
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"` // sqlite file, ":memory:" allowed
}

type FinnhubConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BatchCap      int           `mapstructure:"batch_cap"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

type SchedulerConfig struct {
	Tick                  time.Duration `mapstructure:"tick"`
	BackoffCeiling        time.Duration `mapstructure:"backoff_ceiling"`
	FailThreshold         int           `mapstructure:"fail_threshold"`
	DegradedReset         time.Duration `mapstructure:"degraded_reset"`
	ReferenceRefreshHours int           `mapstructure:"reference_refresh_hours"`
}

type HubConfig struct {
	// Staleness of zero means "derive from the scheduler tick" (2x tick).
	Staleness        time.Duration `mapstructure:"staleness"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	MaxClients       int           `mapstructure:"max_clients"`
}

type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	ArchiveKeep int64  `mapstructure:"archive_keep"`
}

// LoadConfig reads configuration from .env, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env into the process environment first so the bindings below
	// see the same values as real env vars.
	_ = godotenv.Load()

	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.client_poll_interval", "10s")
	v.SetDefault("app.write_limit", 10)
	v.SetDefault("app.write_window", "1m")

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "marketpulse")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.path", "marketpulse.db")

	v.SetDefault("finnhub.api_key", "")
	v.SetDefault("finnhub.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("finnhub.min_interval", "1200ms")
	v.SetDefault("finnhub.timeout", "15s")
	v.SetDefault("finnhub.batch_cap", 25)
	v.SetDefault("finnhub.max_concurrent", 2)

	v.SetDefault("scheduler.tick", "10s")
	v.SetDefault("scheduler.backoff_ceiling", "120s")
	v.SetDefault("scheduler.fail_threshold", 3)
	v.SetDefault("scheduler.degraded_reset", "10m")
	v.SetDefault("scheduler.reference_refresh_hours", 24)

	v.SetDefault("hub.staleness", "0s")
	v.SetDefault("hub.subscriber_buffer", 64)
	v.SetDefault("hub.max_clients", 100)

	v.SetDefault("mongodb.uri", "")
	v.SetDefault("mongodb.database", "marketpulse")
	v.SetDefault("mongodb.archive_keep", 10000)

	v.SetDefault("watchlist", []string{"AAPL", "MSFT", "GOOGL", "AMZN", "META"})

	// Map dot-notation keys to underscore env vars (db.driver -> DB_DRIVER).
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "app.port", "app.env", "app.client_poll_interval", "app.write_limit", "app.write_window")
	bindEnv(v, "db.driver", "db.host", "db.port", "db.user", "db.password", "db.name", "db.sslmode", "db.path")
	bindEnv(v, "finnhub.api_key", "finnhub.base_url", "finnhub.min_interval", "finnhub.timeout", "finnhub.batch_cap", "finnhub.max_concurrent")
	bindEnv(v, "scheduler.tick", "scheduler.backoff_ceiling", "scheduler.fail_threshold", "scheduler.degraded_reset", "scheduler.reference_refresh_hours")
	bindEnv(v, "hub.staleness", "hub.subscriber_buffer", "hub.max_clients")
	bindEnv(v, "mongodb.uri", "mongodb.database", "mongodb.archive_keep")
	bindEnv(v, "watchlist")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.Hub.Staleness <= 0 {
		cfg.Hub.Staleness = 2 * cfg.Scheduler.Tick
	}
	if cfg.App.ClientPollInterval < cfg.Scheduler.Tick {
		cfg.App.ClientPollInterval = cfg.Scheduler.Tick
	}
	if cfg.Finnhub.BatchCap <= 0 {
		return nil, fmt.Errorf("finnhub batch cap must be positive")
	}
	if cfg.Scheduler.Tick <= 0 {
		return nil, fmt.Errorf("scheduler tick must be positive")
	}

	return &cfg, nil
}

func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// NewLogger builds the process logger for the configured environment.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// InitDB opens the configured relational store and verifies the connection.
func InitDB(cfg *Config, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DB.Driver {
	case "sqlite":
		log.Info("connecting to sqlite store", zap.String("path", cfg.DB.Path))
		dialector = sqlite.Open(cfg.DB.Path)
	case "postgres":
		log.Info("connecting to postgres store",
			zap.String("host", maskHost(cfg.DB.Host)),
			zap.String("port", cfg.DB.Port),
			zap.String("dbname", cfg.DB.Name),
		)
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DB.Host, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.Port, cfg.DB.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DB.Driver)
	}

	logLevel := logger.Error
	if cfg.App.Env != "production" {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	// An in-memory sqlite database exists per connection; a pool of one keeps
	// every session on the same database.
	if cfg.DB.Driver == "sqlite" && strings.Contains(cfg.DB.Path, ":memory:") {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("database connection verified")
	return db, nil
}

// maskHost masks host for logging, preserving domain structure.
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}
