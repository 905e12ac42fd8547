package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/model"
)

// ReconcileEquity matches fills against each entry independently and
// returns one update per entry that needs one. Terminal entries and entries
// that are not OPEN/ENTERED produce no update.
func (e *Engine) ReconcileEquity(entries []model.Entry, fills []model.Fill, batchID string) []model.ReconcileUpdate {
	var updates []model.ReconcileUpdate
	for _, entry := range entries {
		if u, ok := e.reconcileEquityEntry(entry, fills, batchID); ok {
			updates = append(updates, u)
		}
	}
	return updates
}

func (e *Engine) reconcileEquityEntry(entry model.Entry, fills []model.Fill, batchID string) (model.ReconcileUpdate, bool) {
	candidate, blocked := eligible(entry)
	if blocked {
		return blockedUpdate(entry, batchID), true
	}
	if !candidate {
		return model.ReconcileUpdate{}, false
	}

	var t trace
	t.add("entry %s: %s %s, status %s, effective %s",
		entry.ID, entry.Direction, entry.Symbol, entry.Status, entry.EffectiveDate.UTC().Format("2006-01-02"))

	// 1. Symbol match.
	var matched []model.Fill
	for _, f := range fills {
		if symbolMatches(entry, f) {
			matched = append(matched, f)
		}
	}
	t.add("%d of %d fill(s) match symbol %s", len(matched), len(fills), entry.Symbol)

	// 2. Date window.
	rejected := rejectList{max: e.cfg.MaxRejected}
	var inWindow []model.Fill
	for _, f := range matched {
		if withinWindow(f.FilledAt, entry.EffectiveDate, e.cfg.DateWindowDays) {
			inWindow = append(inWindow, f)
			continue
		}
		rejected.add(f.TradeID, f.Symbol, fmt.Sprintf("filled %s, outside ±%d day window of %s",
			f.FilledAt.UTC().Format("2006-01-02"), e.cfg.DateWindowDays,
			entry.EffectiveDate.UTC().Format("2006-01-02")))
	}
	if rejected.total > 0 {
		t.add("%d fill(s) rejected by the ±%d day date window", rejected.total, e.cfg.DateWindowDays)
	}

	// 3. Side split.
	entrySide, exitSide := sides(entry.Direction)
	var entryFills, exitFills []model.Fill
	for _, f := range inWindow {
		switch f.Side {
		case entrySide:
			entryFills = append(entryFills, f)
		case exitSide:
			exitFills = append(exitFills, f)
		}
	}
	sortByTime(entryFills)
	sortByTime(exitFills)
	t.add("%d entry-side (%s) and %d exit-side (%s) fill(s) in window",
		len(entryFills), entrySide, len(exitFills), exitSide)

	finish := func(status model.ReconcileStatus, reason string, patch *model.EntryPatch) (model.ReconcileUpdate, bool) {
		u := newUpdate(entry.ID, status, batchID, reason, t, patch)
		u.Rejected = rejected.items
		return u, true
	}

	// 4. Ambiguity cap.
	if n := len(entryFills) + len(exitFills); n > e.cfg.MaxCandidates {
		t.add("%d candidate fills exceed the limit of %d; manual review required", n, e.cfg.MaxCandidates)
		return finish(model.ReconcileAmbiguous,
			fmt.Sprintf("Too many candidate fills (%d) to match automatically", n), nil)
	}

	if len(entryFills) == 0 {
		t.add("no entry-side fills; nothing to match")
		return finish(model.ReconcileNone, "No entry fills found", nil)
	}

	// 5. Volume-weighted average entry price.
	avgEntry, totalQty := vwap(entryFills)
	avgEntry = avgEntry.Round(4)
	t.add("average entry price %s over %s share(s) from %d fill(s)",
		avgEntry.StringFixed(4), totalQty.String(), len(entryFills))

	patch := &model.EntryPatch{
		EntryPrice:    ptr(avgEntry),
		EntrySize:     ptr(totalQty),
		AvgEntryPrice: ptr(avgEntry),
		TotalQty:      ptr(totalQty),
		EntryFillIDs:  tradeIDs(entryFills),
		EntryFilledAt: ptr(entryFills[0].FilledAt),
	}

	if len(exitFills) == 0 {
		t.add("no exit-side fills; position remains open")
		return finish(model.ReconcileNone,
			fmt.Sprintf("Entry filled at %s; no exit yet", avgEntry.StringFixed(4)), patch)
	}

	exitQty := sumQty(exitFills)

	// 6. Reversal check.
	limit := totalQty.Mul(decimal.NewFromInt(1).Add(e.cfg.ReversalTolerance))
	if exitQty.GreaterThan(limit) {
		overshoot := exitQty.Sub(totalQty)
		t.add("exit quantity %s exceeds entry quantity %s by more than %s%%; possible same-day reversal",
			exitQty.String(), totalQty.String(), e.cfg.ReversalTolerance.Mul(hundred).String())
		t.add("P&L not computed: split into two trades manually")
		return finish(model.ReconcileAmbiguousReversal,
			fmt.Sprintf("Exit quantity overshoots entry by %s; possible reversal", overshoot.String()),
			&model.EntryPatch{
				AvgEntryPrice:     ptr(avgEntry),
				TotalQty:          ptr(totalQty),
				ExitedQty:         ptr(exitQty),
				ReversalOvershoot: ptr(overshoot),
				EntryFillIDs:      tradeIDs(entryFills),
				ExitFillIDs:       tradeIDs(exitFills),
			})
	}

	// 7. Realized P&L.
	sign := directionSign(entry.Direction)
	pnl := decimal.Zero
	for _, f := range exitFills {
		pnl = pnl.Add(f.Price.Sub(avgEntry).Mul(sign).Mul(f.Quantity))
	}
	pnl = pnl.Round(2)
	cost := avgEntry.Mul(exitQty)
	pnlPct := pnl.Div(cost).Mul(hundred).Round(2)
	avgExit, _ := vwap(exitFills)
	avgExit = avgExit.Round(4)
	t.add("average exit price %s over %s share(s); realized P&L %s (%s%%)",
		avgExit.StringFixed(4), exitQty.String(), pnl.StringFixed(2), pnlPct.StringFixed(2))

	patch.ExitPrice = ptr(avgExit)
	patch.ExitSize = ptr(exitQty)
	patch.ExitedQty = ptr(exitQty)
	patch.RealizedPnL = ptr(pnl)
	patch.PnLPercent = ptr(pnlPct)
	patch.ExitFillIDs = tradeIDs(exitFills)
	patch.ExitFilledAt = ptr(exitFills[len(exitFills)-1].FilledAt)

	if r, ok := e.equityRMultiple(entry, avgEntry, exitQty, pnl, &t); ok {
		patch.RMultiple = ptr(r)
	}

	// 8. Full or partial exit.
	if exitQty.GreaterThanOrEqual(totalQty) {
		result := classifyEquity(pnl, cost, e.cfg.EquityBreakevenPct)
		t.add("fully exited (%s ≥ %s): %s", exitQty.String(), totalQty.String(), result)
		patch.Status = ptr(model.StatusExited)
		patch.Result = ptr(result)
		return finish(model.ReconcileMatched,
			fmt.Sprintf("Position closed: %s %s", result, pnl.StringFixed(2)), patch)
	}

	t.add("partially exited (%s of %s); position remains open", exitQty.String(), totalQty.String())
	return finish(model.ReconcilePartial,
		fmt.Sprintf("Partial exit of %s/%s; realized %s", exitQty.String(), totalQty.String(), pnl.StringFixed(2)), patch)
}

// equityRMultiple computes the risk multiple when a stop is resolvable and
// the risk per share is positive.
func (e *Engine) equityRMultiple(entry model.Entry, avgEntry, qty, pnl decimal.Decimal, t *trace) (decimal.Decimal, bool) {
	stop, source, ok := resolveStop(entry)
	if !ok {
		t.add("no stop-loss resolvable; R-multiple not computed")
		return decimal.Zero, false
	}
	risk := avgEntry.Sub(stop)
	if entry.Direction == model.Short {
		risk = stop.Sub(avgEntry)
	}
	if !risk.IsPositive() {
		t.add("stop %s from %s gives non-positive risk per share; R-multiple not computed", stop.String(), source)
		return decimal.Zero, false
	}
	r := pnl.Div(risk.Mul(qty)).Round(2)
	t.add("stop %s from %s; risk per share %s; R-multiple %s", stop.String(), source, risk.String(), r.StringFixed(2))
	return r, true
}

// classifyEquity uses a breakeven band of pct percent of entry cost.
func classifyEquity(pnl, cost, pct decimal.Decimal) string {
	band := cost.Mul(pct).Div(hundred)
	switch {
	case pnl.GreaterThan(band):
		return model.ResultWin
	case pnl.LessThan(band.Neg()):
		return model.ResultLoss
	default:
		return model.ResultBreakeven
	}
}

// symbolMatches: same symbol, same underlying, or the contract already
// selected on the entry.
func symbolMatches(entry model.Entry, f model.Fill) bool {
	sym := strings.ToUpper(entry.Symbol)
	if sym != "" && (strings.ToUpper(f.Symbol) == sym || strings.ToUpper(f.Underlying) == sym) {
		return true
	}
	return entry.ContractSymbol != "" && strings.EqualFold(f.ContractSymbol, entry.ContractSymbol)
}

// vwap returns Σ(price×qty)/Σ(qty) and Σ(qty). Unrounded.
func vwap(fills []model.Fill) (decimal.Decimal, decimal.Decimal) {
	notional := decimal.Zero
	qty := decimal.Zero
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Quantity))
		qty = qty.Add(f.Quantity)
	}
	if qty.IsZero() {
		return decimal.Zero, qty
	}
	return notional.Div(qty), qty
}

func sumQty(fills []model.Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Quantity)
	}
	return total
}

func tradeIDs(fills []model.Fill) []string {
	ids := make([]string, 0, len(fills))
	for _, f := range fills {
		ids = append(ids, f.TradeID)
	}
	return ids
}

func sortByTime(fills []model.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		if !fills[i].FilledAt.Equal(fills[j].FilledAt) {
			return fills[i].FilledAt.Before(fills[j].FilledAt)
		}
		return fills[i].TradeID < fills[j].TradeID
	})
}
