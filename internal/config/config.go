// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/reconcile"
)

// Config represents the application configuration.
type Config struct {
	App         AppConfig       `envPrefix:"APP_"`
	DatabaseURL string          `env:"DATABASE_URL"`
	RedisURL    string          `env:"REDIS_URL"`
	Reconcile   ReconcileConfig `envPrefix:"RECONCILE_"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Name            string        `env:"NAME" envDefault:"fill-recon"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	Port            int           `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// ReconcileConfig holds matching thresholds and pipeline settings.
type ReconcileConfig struct {
	DateWindowDays     int     `env:"DATE_WINDOW_DAYS" envDefault:"1"`
	MaxCandidates      int     `env:"MAX_CANDIDATES" envDefault:"10"`
	MaxRejected        int     `env:"MAX_REJECTED" envDefault:"3"`
	ReversalTolerance  float64 `env:"REVERSAL_TOLERANCE" envDefault:"0.05"`
	EquityBreakevenPct float64 `env:"EQUITY_BREAKEVEN_PCT" envDefault:"0.001"`
	OptionsBreakeven   float64 `env:"OPTIONS_BREAKEVEN" envDefault:"1"`

	DefaultDesk       string        `env:"DEFAULT_DESK" envDefault:"equities"`
	OptionsDesk       string        `env:"OPTIONS_DESK" envDefault:"options"`
	AutoCreateEntries bool          `env:"AUTO_CREATE_ENTRIES" envDefault:"true"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	CacheTTL          time.Duration `env:"CACHE_TTL" envDefault:"30s"`
}

// Engine converts the thresholds to the reconcile engine's config.
func (c ReconcileConfig) Engine() reconcile.Config {
	return reconcile.Config{
		DateWindowDays:     c.DateWindowDays,
		MaxCandidates:      c.MaxCandidates,
		MaxRejected:        c.MaxRejected,
		ReversalTolerance:  decimal.NewFromFloat(c.ReversalTolerance),
		EquityBreakevenPct: decimal.NewFromFloat(c.EquityBreakevenPct),
		OptionsBreakeven:   decimal.NewFromFloat(c.OptionsBreakeven),
	}
}

// Load loads the configuration from the environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ParseLevel maps a LOG_LEVEL string to a slog level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
