// Package fill converts raw broker activity records into canonical Fills.
//
// Normalization is pure: malformed activities are dropped (ok=false) rather
// than reported as errors, so one bad record cannot abort a batch.
package fill

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/model"
	"github.com/atmx/fill-recon/internal/occ"
)

// timeLayouts are the accepted transaction_time formats (ISO-8601).
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Normalize validates a raw activity and converts it to a Fill.
// ok is false when any required field is missing or invalid.
func Normalize(broker string, raw model.RawActivity) (model.Fill, bool) {
	id := strings.TrimSpace(raw.ID)
	symbol := strings.TrimSpace(raw.Symbol)
	orderID := strings.TrimSpace(raw.OrderID)
	if id == "" || symbol == "" || orderID == "" {
		return model.Fill{}, false
	}

	qty, ok := positiveDecimal(raw.Qty)
	if !ok {
		return model.Fill{}, false
	}
	price, ok := positiveDecimal(raw.Price)
	if !ok {
		return model.Fill{}, false
	}

	filledAt, ok := parseTime(raw.TransactionTime)
	if !ok {
		return model.Fill{}, false
	}

	var side model.Side
	switch strings.ToLower(strings.TrimSpace(raw.Side)) {
	case "buy":
		side = model.SideBuy
	case "sell":
		side = model.SideSell
	default:
		return model.Fill{}, false
	}

	f := model.Fill{
		Broker:     broker,
		TradeID:    id,
		OrderID:    orderID,
		Symbol:     strings.ToUpper(symbol),
		Side:       side,
		Quantity:   qty,
		Price:      price,
		FilledAt:   filledAt,
		AssetClass: model.AssetEquity,
	}

	if opt, isOption := occ.Parse(symbol); isOption {
		f.AssetClass = model.AssetOption
		f.ContractSymbol = strings.ToUpper(symbol)
		f.Symbol = opt.Underlying
		f.Underlying = opt.Underlying
		f.Expiration = opt.Expiration
		f.Strike = opt.Strike
		f.OptionType = opt.OptionType
	}

	return f, true
}

// NormalizeAll normalizes a batch, returning the valid fills in input order
// and the number of dropped records.
func NormalizeAll(broker string, raws []model.RawActivity) ([]model.Fill, int) {
	fills := make([]model.Fill, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		f, ok := Normalize(broker, raw)
		if !ok {
			skipped++
			continue
		}
		fills = append(fills, f)
	}
	return fills, skipped
}

// positiveDecimal parses s and requires a finite value > 0.
func positiveDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil || !v.IsPositive() {
		return decimal.Zero, false
	}
	return v, true
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
