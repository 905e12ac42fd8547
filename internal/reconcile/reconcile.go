// Package reconcile matches broker fills against journal entries and
// classifies each entry into a reconciliation state.
//
// The engine is pure: it reads entry snapshots and fills, performs no I/O and
// returns ReconcileUpdate values. State is recomputed from scratch on every
// call; nothing is persisted between passes.
//
// State machine per entry:
//
//	NONE → {PARTIAL, MATCHED, AMBIGUOUS, AMBIGUOUS_REVERSAL}
//	any  → BLOCKED_MANUAL_OVERRIDE (short-circuit)
//
// Every update carries a plain-language reason and an ordered
// match_explanation trace for operator audit.
package reconcile

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/model"
)

// Engine reconciles fills against entries under a fixed Config.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine. Negative thresholds fall back to defaults,
// as do non-positive candidate caps and breakeven percent. A zero window or
// tolerance is kept and means an exact match.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

var (
	hundred       = decimal.NewFromInt(100)
	contractScale = decimal.NewFromInt(100)
	numberRegex   = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// UpdateReasonTag is the system_update_reason written with every update.
func UpdateReasonTag(batchID string, status model.ReconcileStatus) string {
	return fmt.Sprintf("broker_reconcile:%s:%s", batchID, status)
}

// trace accumulates the ordered match explanation.
type trace []string

func (t *trace) add(format string, args ...any) {
	*t = append(*t, fmt.Sprintf(format, args...))
}

// eligible reports whether the entry should produce an update at all, and
// whether it is short-circuited by a manual override.
func eligible(entry model.Entry) (candidate, blocked bool) {
	if entry.Status.Terminal() {
		return false, false
	}
	if entry.ManualOverride {
		return false, true
	}
	return entry.Status == model.StatusOpen || entry.Status == model.StatusEntered, false
}

// blockedUpdate is emitted for entries under manual override. It carries
// status and trace only; no financial field is touched.
func blockedUpdate(entry model.Entry, batchID string) model.ReconcileUpdate {
	var t trace
	t.add("entry %s (%s %s) has manual_override set", entry.ID, entry.Direction, entry.Symbol)
	t.add("reconciliation skipped: a prior operator decision takes precedence until the override is cleared")
	return newUpdate(entry.ID, model.ReconcileBlockedOverride, batchID,
		"Manual override is set; broker fills were not applied", t, nil)
}

// newUpdate assembles an update with the status, trace and reason tag set on
// both the update and its patch.
func newUpdate(entryID string, status model.ReconcileStatus, batchID, reason string, t trace, patch *model.EntryPatch) model.ReconcileUpdate {
	var p model.EntryPatch
	if patch != nil {
		p = *patch
	}
	st := status
	tag := UpdateReasonTag(batchID, status)
	explanation := append([]string(nil), t...)
	p.ReconcileStatus = &st
	p.SystemUpdateReason = &tag
	p.MatchExplanation = explanation
	return model.ReconcileUpdate{
		EntryID:     entryID,
		Updates:     p,
		Reason:      reason,
		Status:      status,
		Explanation: explanation,
	}
}

// withinWindow reports whether at falls within ±days calendar days of the
// effective date (UTC).
func withinWindow(at, effective time.Time, days int) bool {
	a := truncateDay(at)
	e := truncateDay(effective)
	diff := a.Sub(e)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(days)*24*time.Hour
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// sides returns the expected entry and exit side for a direction.
func sides(dir model.Direction) (entry, exit model.Side) {
	if dir == model.Short {
		return model.SideSell, model.SideBuy
	}
	return model.SideBuy, model.SideSell
}

// directionSign is +1 for LONG and -1 for SHORT.
func directionSign(dir model.Direction) decimal.Decimal {
	if dir == model.Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// resolveStop finds the entry's stop price: the explicit field, then the
// first number in the invalidation text, then a stop/stopLoss key in the
// plan. The second return value names the source for the trace.
func resolveStop(entry model.Entry) (decimal.Decimal, string, bool) {
	if entry.StopLoss != nil && entry.StopLoss.IsPositive() {
		return *entry.StopLoss, "stop_loss field", true
	}
	if m := numberRegex.FindString(entry.Invalidation); m != "" {
		if v, err := decimal.NewFromString(m); err == nil && v.IsPositive() {
			return v, fmt.Sprintf("invalidation text %q", entry.Invalidation), true
		}
	}
	if v, key, ok := stopFromPlan(entry.Plan); ok {
		return v, "plan key " + key, true
	}
	return decimal.Zero, "", false
}

var stopKeys = []string{"stop", "stopLoss", "stop_loss"}

func stopFromPlan(plan map[string]any) (decimal.Decimal, string, bool) {
	if plan == nil {
		return decimal.Zero, "", false
	}
	for _, k := range stopKeys {
		if v, ok := toDecimal(plan[k]); ok && v.IsPositive() {
			return v, k, true
		}
	}
	outers := make([]string, 0, len(plan))
	for k := range plan {
		outers = append(outers, k)
	}
	sort.Strings(outers)
	for _, outer := range outers {
		nested, ok := plan[outer].(map[string]any)
		if !ok {
			continue
		}
		for _, k := range stopKeys {
			if v, ok := toDecimal(nested[k]); ok && v.IsPositive() {
				return v, outer + "." + k, true
			}
		}
	}
	return decimal.Zero, "", false
}

// toDecimal converts the loosely typed values found in plan JSON.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// rejectList collects rejected candidates up to a cap.
type rejectList struct {
	max   int
	items []model.RejectedCandidate
	total int
}

func (r *rejectList) add(id, symbol, reason string) {
	r.total++
	if len(r.items) < r.max {
		r.items = append(r.items, model.RejectedCandidate{FillID: id, Symbol: symbol, Reason: reason})
	}
}

func ptr[T any](v T) *T {
	return &v
}
