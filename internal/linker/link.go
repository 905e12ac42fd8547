package linker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/atmx/fill-recon/internal/metrics"
	"github.com/atmx/fill-recon/internal/model"
)

// linkUnmatched creates an OPEN journal entry for every symbol whose fills
// inside [from, to] are not referenced by any entry and that has no open
// entry of its own. In dry-run mode the entries are built but not stored.
func (l *Linker) linkUnmatched(ctx context.Context, from, to time.Time, fills []model.Fill, groups []model.OptionsFillGroup, dryRun bool) ([]model.Entry, error) {
	var ids []string
	for _, f := range fills {
		if inRange(f.FilledAt, from, to) {
			ids = append(ids, f.TradeID)
		}
	}
	for _, g := range groups {
		if inRange(g.FirstFillAt, from, to) {
			ids = append(ids, g.FillIDs()...)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	linked, err := l.store.LinkedFillIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load linked fills: %w", err)
	}
	open, err := l.store.ListOpenEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open entries: %w", err)
	}
	covered := make(map[coverKey]bool, len(open))
	for _, e := range open {
		covered[coverKeyOf(e.AssetClass, e.Symbol)] = true
	}

	var created []model.Entry
	add := func(e model.Entry) error {
		covered[coverKeyOf(e.AssetClass, e.Symbol)] = true
		if !dryRun {
			if err := l.store.CreateEntry(ctx, &e); err != nil {
				return fmt.Errorf("create entry for %s: %w", e.Symbol, err)
			}
			metrics.EntriesCreated.Inc()
			slog.Info("journal entry created from unmatched fills",
				"entry_id", e.ID, "symbol", e.Symbol, "asset_class", e.AssetClass, "direction", e.Direction)
		}
		created = append(created, e)
		return nil
	}

	// The first unlinked fill per symbol decides the direction.
	for _, f := range sortedFills(fills) {
		if !inRange(f.FilledAt, from, to) || linked[f.TradeID] != "" {
			continue
		}
		if covered[coverKeyOf(model.AssetEquity, f.Symbol)] {
			continue
		}
		dir := model.Long
		if f.Side == model.SideSell {
			dir = model.Short
		}
		if err := add(l.newEntry(model.AssetEquity, f.Symbol, dir, f.FilledAt, l.cfg.DefaultDesk)); err != nil {
			return created, err
		}
	}

	for _, g := range groups {
		if !inRange(g.FirstFillAt, from, to) || anyLinked(g.FillIDs(), linked) {
			continue
		}
		if covered[coverKeyOf(model.AssetOption, g.Underlying)] {
			continue
		}
		dir := model.Long
		if g.Direction == model.GroupCredit {
			dir = model.Short
		}
		if err := add(l.newEntry(model.AssetOption, g.Underlying, dir, g.FirstFillAt, l.cfg.OptionsDesk)); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (l *Linker) newEntry(asset model.AssetClass, symbol string, dir model.Direction, at time.Time, desk string) model.Entry {
	now := l.now()
	return model.Entry{
		ID:            l.newID(),
		Desk:          desk,
		Symbol:        strings.ToUpper(symbol),
		AssetClass:    asset,
		EffectiveDate: day(at),
		Status:        model.StatusOpen,
		Direction:     dir,
		Source:        SourceBrokerSync,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

type coverKey struct {
	asset  model.AssetClass
	symbol string
}

func coverKeyOf(asset model.AssetClass, symbol string) coverKey {
	if asset == "" {
		asset = model.AssetEquity
	}
	return coverKey{asset: asset, symbol: strings.ToUpper(symbol)}
}

func anyLinked(ids []string, linked map[string]string) bool {
	for _, id := range ids {
		if linked[id] != "" {
			return true
		}
	}
	return false
}

func sortedFills(fills []model.Fill) []model.Fill {
	out := append([]model.Fill(nil), fills...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FilledAt.Equal(out[j].FilledAt) {
			return out[i].FilledAt.Before(out[j].FilledAt)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}
