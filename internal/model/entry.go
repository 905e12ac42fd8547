package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryStatus is the lifecycle status of a journal entry.
type EntryStatus string

const (
	StatusPlanned   EntryStatus = "PLANNED"
	StatusOpen      EntryStatus = "OPEN"
	StatusEntered   EntryStatus = "ENTERED"
	StatusExited    EntryStatus = "EXITED"
	StatusClosed    EntryStatus = "CLOSED"
	StatusCancelled EntryStatus = "CANCELLED"
)

// Terminal reports whether no further reconciliation may touch the entry.
func (s EntryStatus) Terminal() bool {
	return s == StatusExited || s == StatusClosed
}

// Direction is the intended direction of a journal entry.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ReconcileStatus is the outcome of matching fills against one entry.
type ReconcileStatus string

const (
	ReconcileNone              ReconcileStatus = "NONE"
	ReconcilePartial           ReconcileStatus = "PARTIAL"
	ReconcileMatched           ReconcileStatus = "MATCHED"
	ReconcileAmbiguous         ReconcileStatus = "AMBIGUOUS"
	ReconcileAmbiguousReversal ReconcileStatus = "AMBIGUOUS_REVERSAL"
	ReconcileBlockedOverride   ReconcileStatus = "BLOCKED_MANUAL_OVERRIDE"
)

// Trade results for fully exited positions.
const (
	ResultWin       = "WIN"
	ResultLoss      = "LOSS"
	ResultBreakeven = "BREAKEVEN"
)

// Entry is a journal intent record (a planned or open trade). It is
// mutated only by reconciliation or explicit user action.
type Entry struct {
	ID            string      `json:"id"`
	Desk          string      `json:"desk"`
	Symbol        string      `json:"symbol"`
	AssetClass    AssetClass  `json:"asset_class"`
	EffectiveDate time.Time   `json:"effective_date"`
	Status        EntryStatus `json:"status"`
	Direction     Direction   `json:"direction"`
	Source        string      `json:"source,omitempty"`

	EntryPrice *decimal.Decimal `json:"entry_price"`
	EntrySize  *decimal.Decimal `json:"entry_size"`
	ExitPrice  *decimal.Decimal `json:"exit_price"`
	ExitSize   *decimal.Decimal `json:"exit_size"`

	StopLoss     *decimal.Decimal `json:"stop_loss"`
	Invalidation string           `json:"invalidation,omitempty"`
	Plan         map[string]any   `json:"plan,omitempty"`

	ManualOverride bool     `json:"manual_override"`
	ContractSymbol string   `json:"contract_symbol,omitempty"`
	EntryFillIDs   []string `json:"entry_fill_ids"`
	ExitFillIDs    []string `json:"exit_fill_ids"`

	AvgEntryPrice     *decimal.Decimal `json:"avg_entry_price"`
	TotalQty          *decimal.Decimal `json:"total_qty"`
	ExitedQty         *decimal.Decimal `json:"exited_qty"`
	RealizedPnL       *decimal.Decimal `json:"realized_pnl"`
	PnLPercent        *decimal.Decimal `json:"pnl_percent"`
	RMultiple         *decimal.Decimal `json:"r_multiple"`
	ReversalOvershoot *decimal.Decimal `json:"reversal_overshoot"`
	Result            string           `json:"result,omitempty"`
	EntryFilledAt     *time.Time       `json:"entry_filled_at"`
	ExitFilledAt      *time.Time       `json:"exit_filled_at"`

	ReconcileStatus    ReconcileStatus `json:"reconcile_status,omitempty"`
	MatchExplanation   []string        `json:"match_explanation,omitempty"`
	SystemUpdateReason string          `json:"system_update_reason,omitempty"`
	LedgerWriteFailed  bool            `json:"ledger_write_failed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryPatch is a partial update to an Entry. Nil fields are left unchanged.
type EntryPatch struct {
	Status     *EntryStatus     `json:"status,omitempty"`
	EntryPrice *decimal.Decimal `json:"entry_price,omitempty"`
	EntrySize  *decimal.Decimal `json:"entry_size,omitempty"`
	ExitPrice  *decimal.Decimal `json:"exit_price,omitempty"`
	ExitSize   *decimal.Decimal `json:"exit_size,omitempty"`

	ManualOverride *bool    `json:"manual_override,omitempty"`
	EntryFillIDs   []string `json:"entry_fill_ids,omitempty"`
	ExitFillIDs    []string `json:"exit_fill_ids,omitempty"`

	AvgEntryPrice     *decimal.Decimal `json:"avg_entry_price,omitempty"`
	TotalQty          *decimal.Decimal `json:"total_qty,omitempty"`
	ExitedQty         *decimal.Decimal `json:"exited_qty,omitempty"`
	RealizedPnL       *decimal.Decimal `json:"realized_pnl,omitempty"`
	PnLPercent        *decimal.Decimal `json:"pnl_percent,omitempty"`
	RMultiple         *decimal.Decimal `json:"r_multiple,omitempty"`
	ReversalOvershoot *decimal.Decimal `json:"reversal_overshoot,omitempty"`
	Result            *string          `json:"result,omitempty"`
	EntryFilledAt     *time.Time       `json:"entry_filled_at,omitempty"`
	ExitFilledAt      *time.Time       `json:"exit_filled_at,omitempty"`

	ReconcileStatus    *ReconcileStatus `json:"reconcile_status,omitempty"`
	MatchExplanation   []string         `json:"match_explanation,omitempty"`
	SystemUpdateReason *string          `json:"system_update_reason,omitempty"`
	LedgerWriteFailed  *bool            `json:"ledger_write_failed,omitempty"`
}

// TouchesFinancials reports whether the patch changes any price, size,
// fill or P&L field.
func (p EntryPatch) TouchesFinancials() bool {
	return p.Status != nil || p.EntryPrice != nil || p.EntrySize != nil ||
		p.ExitPrice != nil || p.ExitSize != nil ||
		p.EntryFillIDs != nil || p.ExitFillIDs != nil ||
		p.AvgEntryPrice != nil || p.TotalQty != nil || p.ExitedQty != nil ||
		p.RealizedPnL != nil || p.PnLPercent != nil || p.RMultiple != nil ||
		p.ReversalOvershoot != nil || p.Result != nil ||
		p.EntryFilledAt != nil || p.ExitFilledAt != nil
}

// Apply returns a copy of e with the patch applied.
func (e Entry) Apply(p EntryPatch) Entry {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.EntryPrice != nil {
		e.EntryPrice = p.EntryPrice
	}
	if p.EntrySize != nil {
		e.EntrySize = p.EntrySize
	}
	if p.ExitPrice != nil {
		e.ExitPrice = p.ExitPrice
	}
	if p.ExitSize != nil {
		e.ExitSize = p.ExitSize
	}
	if p.ManualOverride != nil {
		e.ManualOverride = *p.ManualOverride
	}
	if p.EntryFillIDs != nil {
		e.EntryFillIDs = append([]string(nil), p.EntryFillIDs...)
	}
	if p.ExitFillIDs != nil {
		e.ExitFillIDs = append([]string(nil), p.ExitFillIDs...)
	}
	if p.AvgEntryPrice != nil {
		e.AvgEntryPrice = p.AvgEntryPrice
	}
	if p.TotalQty != nil {
		e.TotalQty = p.TotalQty
	}
	if p.ExitedQty != nil {
		e.ExitedQty = p.ExitedQty
	}
	if p.RealizedPnL != nil {
		e.RealizedPnL = p.RealizedPnL
	}
	if p.PnLPercent != nil {
		e.PnLPercent = p.PnLPercent
	}
	if p.RMultiple != nil {
		e.RMultiple = p.RMultiple
	}
	if p.ReversalOvershoot != nil {
		e.ReversalOvershoot = p.ReversalOvershoot
	}
	if p.Result != nil {
		e.Result = *p.Result
	}
	if p.EntryFilledAt != nil {
		e.EntryFilledAt = p.EntryFilledAt
	}
	if p.ExitFilledAt != nil {
		e.ExitFilledAt = p.ExitFilledAt
	}
	if p.ReconcileStatus != nil {
		e.ReconcileStatus = *p.ReconcileStatus
	}
	if p.MatchExplanation != nil {
		e.MatchExplanation = append([]string(nil), p.MatchExplanation...)
	}
	if p.SystemUpdateReason != nil {
		e.SystemUpdateReason = *p.SystemUpdateReason
	}
	if p.LedgerWriteFailed != nil {
		e.LedgerWriteFailed = *p.LedgerWriteFailed
	}
	return e
}

// RejectedCandidate is a fill (or options group) that was considered for an
// entry but excluded, with the reason.
type RejectedCandidate struct {
	FillID string `json:"fill_id"`
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// ReconcileUpdate is the engine's sole output for one entry. The engine never
// applies it; the caller patches the journal row identified by EntryID.
type ReconcileUpdate struct {
	EntryID     string              `json:"entry_id"`
	Updates     EntryPatch          `json:"updates"`
	Reason      string              `json:"reason"`
	Status      ReconcileStatus     `json:"status"`
	Explanation []string            `json:"match_explanation"`
	Rejected    []RejectedCandidate `json:"rejected_candidates,omitempty"`
}
