package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fill-recon/internal/reconcile"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fill-recon", cfg.App.Name)
	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, []string{"*"}, cfg.App.CORSOrigins)
	assert.Equal(t, "equities", cfg.Reconcile.DefaultDesk)
	assert.Equal(t, "options", cfg.Reconcile.OptionsDesk)
	assert.True(t, cfg.Reconcile.AutoCreateEntries)
	assert.Equal(t, 10*time.Second, cfg.Reconcile.LockTTL)

	eng := cfg.Reconcile.Engine()
	def := reconcile.DefaultConfig()
	assert.Equal(t, def.DateWindowDays, eng.DateWindowDays)
	assert.Equal(t, def.MaxCandidates, eng.MaxCandidates)
	assert.Equal(t, def.MaxRejected, eng.MaxRejected)
	assert.True(t, def.ReversalTolerance.Equal(eng.ReversalTolerance))
	assert.True(t, def.EquityBreakevenPct.Equal(eng.EquityBreakevenPct))
	assert.True(t, def.OptionsBreakeven.Equal(eng.OptionsBreakeven))
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("APP_CORS_ORIGINS", "http://localhost:3000,https://journal.example.com")
	t.Setenv("DATABASE_URL", "postgres://localhost/recon")
	t.Setenv("RECONCILE_MAX_CANDIDATES", "4")
	t.Setenv("RECONCILE_REVERSAL_TOLERANCE", "0.1")
	t.Setenv("RECONCILE_AUTO_CREATE_ENTRIES", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, []string{"http://localhost:3000", "https://journal.example.com"}, cfg.App.CORSOrigins)
	assert.Equal(t, "postgres://localhost/recon", cfg.DatabaseURL)
	assert.Equal(t, 4, cfg.Reconcile.MaxCandidates)
	assert.False(t, cfg.Reconcile.AutoCreateEntries)
	assert.Equal(t, "0.1", cfg.Reconcile.Engine().ReversalTolerance.String())
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("APP_PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
