package reconcile

import "github.com/shopspring/decimal"

// Config holds the matching thresholds.
type Config struct {
	// DateWindowDays is the ± calendar-day window around an entry's
	// effective date inside which fills are considered.
	DateWindowDays int

	// MaxCandidates is the largest number of candidate fills (or options
	// groups) the engine will match automatically. Above it → AMBIGUOUS.
	MaxCandidates int

	// MaxRejected caps the rejected candidates recorded on an update.
	MaxRejected int

	// ReversalTolerance is the fraction by which exit quantity may exceed
	// entry quantity before the match is flagged AMBIGUOUS_REVERSAL.
	ReversalTolerance decimal.Decimal

	// EquityBreakevenPct is the |P&L %| below which an equity trade is
	// classified BREAKEVEN (0.001 = 0.001% of entry cost).
	EquityBreakevenPct decimal.Decimal

	// OptionsBreakeven is the absolute |P&L $| at or below which an
	// options trade is classified BREAKEVEN.
	OptionsBreakeven decimal.Decimal
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		DateWindowDays:     1,
		MaxCandidates:      10,
		MaxRejected:        3,
		ReversalTolerance:  decimal.NewFromFloat(0.05),
		EquityBreakevenPct: decimal.NewFromFloat(0.001),
		OptionsBreakeven:   decimal.NewFromInt(1),
	}
}

// withDefaults replaces out-of-range values with DefaultConfig's.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DateWindowDays < 0 {
		c.DateWindowDays = def.DateWindowDays
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = def.MaxCandidates
	}
	if c.MaxRejected <= 0 {
		c.MaxRejected = def.MaxRejected
	}
	if c.ReversalTolerance.IsNegative() {
		c.ReversalTolerance = def.ReversalTolerance
	}
	if !c.EquityBreakevenPct.IsPositive() {
		c.EquityBreakevenPct = def.EquityBreakevenPct
	}
	if c.OptionsBreakeven.IsNegative() {
		c.OptionsBreakeven = def.OptionsBreakeven
	}
	return c
}
