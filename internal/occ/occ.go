// Package occ parses OCC-format option identifiers.
//
// Format: {root, right-padded with spaces to 6}{YYMMDD}{C|P}{strike × 1000, 8 digits}
// Example: "AAPL  260220C00150000" → AAPL 2026-02-20 call 150.
package occ

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Option types.
const (
	Call = "call"
	Put  = "put"
)

// MinLength is the shortest string that can hold an OCC identifier
// with unpadded roots.
const MinLength = 15

// symbolRegex matches: {root}{padding}{YYMMDD}{C|P}{strike8}
var symbolRegex = regexp.MustCompile(`^([A-Z][A-Z0-9.]{0,5}) *(\d{6})([CP])(\d{8})$`)

var strikeScale = decimal.NewFromInt(1000)

// Symbol is a parsed option identifier.
type Symbol struct {
	Underlying string          `json:"underlying"`
	Expiration string          `json:"expiration"` // YYYY-MM-DD
	OptionType string          `json:"option_type"`
	Strike     decimal.Decimal `json:"strike"`
}

// Parse parses an OCC identifier. It never fails loudly: ok is false for
// anything that is not an option, including bare equity tickers.
func Parse(s string) (Symbol, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < MinLength {
		return Symbol{}, false
	}

	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return Symbol{}, false
	}

	expiry, err := time.Parse("060102", matches[2])
	if err != nil {
		return Symbol{}, false
	}

	raw, err := decimal.NewFromString(matches[4])
	if err != nil {
		return Symbol{}, false
	}

	optType := Call
	if matches[3] == "P" {
		optType = Put
	}

	return Symbol{
		Underlying: matches[1],
		Expiration: expiry.Format("2006-01-02"),
		OptionType: optType,
		Strike:     raw.Div(strikeScale),
	}, true
}

// IsOption reports whether s is an OCC option identifier.
func IsOption(s string) bool {
	_, ok := Parse(s)
	return ok
}
