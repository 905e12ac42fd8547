// Package model defines the core domain types shared across the fill
// reconciler. All monetary values and quantities use shopspring/decimal,
// never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the executed side of a fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// AssetClass distinguishes equity fills from option fills.
type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetOption AssetClass = "option"
)

// RawActivity is a broker activity record as delivered by the broker client.
// All fields are strings; unknown fields are ignored on decode.
type RawActivity struct {
	ID              string `json:"id"`
	ActivityType    string `json:"activity_type"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Qty             string `json:"qty"`
	Price           string `json:"price"`
	TransactionTime string `json:"transaction_time"`
	OrderID         string `json:"order_id"`
}

// Fill is an immutable record of one executed trade leg.
// (Broker, TradeID) is the deduplication key; fills are never mutated or deleted.
type Fill struct {
	Broker     string          `json:"broker" db:"broker"`
	TradeID    string          `json:"trade_id" db:"trade_id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	Symbol     string          `json:"symbol" db:"symbol"` // underlying for options
	Side       Side            `json:"side" db:"side"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	FilledAt   time.Time       `json:"filled_at" db:"filled_at"`
	AssetClass AssetClass      `json:"asset_class" db:"asset_class"`

	// Option fields; zero for equities.
	ContractSymbol string          `json:"contract_symbol,omitempty" db:"contract_symbol"` // original OCC string
	Underlying     string          `json:"underlying,omitempty" db:"underlying"`
	Expiration     string          `json:"expiration,omitempty" db:"expiration"` // YYYY-MM-DD
	Strike         decimal.Decimal `json:"strike,omitempty" db:"strike"`
	OptionType     string          `json:"option_type,omitempty" db:"option_type"` // "call" or "put"
}

// GroupDirection classifies an options group by the sign of its net cashflow.
type GroupDirection string

const (
	GroupDebit  GroupDirection = "DEBIT"
	GroupCredit GroupDirection = "CREDIT"
	GroupEven   GroupDirection = "EVEN"
)

// OptionsFillGroup is one logical options trade (single leg or spread)
// reconstructed from per-leg fills. Derived, never persisted.
type OptionsFillGroup struct {
	ID             string          `json:"id"`
	Underlying     string          `json:"underlying"`
	Expiration     string          `json:"expiration"`
	Direction      GroupDirection  `json:"direction"`
	Legs           []Fill          `json:"legs"`
	NetCashflow    decimal.Decimal `json:"net_cashflow"` // sells positive, ×100 multiplier
	TotalContracts decimal.Decimal `json:"total_contracts"`
	FirstFillAt    time.Time       `json:"first_fill_at"`
}

// FillIDs returns the trade ids of the group's legs in leg order.
func (g OptionsFillGroup) FillIDs() []string {
	ids := make([]string, 0, len(g.Legs))
	for _, l := range g.Legs {
		ids = append(ids, l.TradeID)
	}
	return ids
}

// LedgerEntry is an append-only financial record of a closed position.
// At most one row exists per (EntryID, Desk).
type LedgerEntry struct {
	ID             string           `json:"id" db:"id"`
	EntryID        string           `json:"entry_id" db:"entry_id"`
	Desk           string           `json:"desk" db:"desk"`
	Symbol         string           `json:"symbol" db:"symbol"`
	Direction      Direction        `json:"direction" db:"direction"`
	EntryTimestamp time.Time        `json:"entry_timestamp" db:"entry_timestamp"`
	ExitTimestamp  time.Time        `json:"exit_timestamp" db:"exit_timestamp"`
	EntryPrice     decimal.Decimal  `json:"entry_price" db:"entry_price"`
	ExitPrice      decimal.Decimal  `json:"exit_price" db:"exit_price"`
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	RealizedPnL    decimal.Decimal  `json:"realized_pnl" db:"realized_pnl"`
	RMultiple      *decimal.Decimal `json:"r_multiple" db:"r_multiple"`
	ReconcileBatch string           `json:"reconcile_batch_id" db:"reconcile_batch_id"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}
