// Package options reconstructs logical options trades (single legs or
// multi-leg spreads) from per-leg broker fills.
//
// Brokers report fills per leg, not per trade. Fills sharing an order id are
// always one group; fills without an order id are clustered by underlying and
// fill-time proximity.
package options

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/model"
)

// ClusterWindow is the maximum gap between two fills without an order id
// for them to belong to the same group.
const ClusterWindow = 5 * time.Second

var (
	contractMultiplier = decimal.NewFromInt(100)
	evenBand           = decimal.NewFromFloat(0.01)
)

// Group clusters option fills into logical trade groups. Non-option fills
// are ignored. The result is deterministic for a given fill set.
func Group(fills []model.Fill) []model.OptionsFillGroup {
	byOrder := make(map[string][]model.Fill)
	var orderIDs []string
	byUnderlying := make(map[string][]model.Fill)
	var underlyings []string

	for _, f := range fills {
		if f.AssetClass != model.AssetOption {
			continue
		}
		if f.OrderID != "" {
			if _, seen := byOrder[f.OrderID]; !seen {
				orderIDs = append(orderIDs, f.OrderID)
			}
			byOrder[f.OrderID] = append(byOrder[f.OrderID], f)
			continue
		}
		u := underlyingOf(f)
		if _, seen := byUnderlying[u]; !seen {
			underlyings = append(underlyings, u)
		}
		byUnderlying[u] = append(byUnderlying[u], f)
	}

	var groups []model.OptionsFillGroup
	for _, id := range orderIDs {
		groups = append(groups, buildGroup(byOrder[id]))
	}
	for _, u := range underlyings {
		for _, cluster := range clusterByTime(byUnderlying[u]) {
			groups = append(groups, buildGroup(cluster))
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].FirstFillAt.Equal(groups[j].FirstFillAt) {
			return groups[i].FirstFillAt.Before(groups[j].FirstFillAt)
		}
		return groups[i].ID < groups[j].ID
	})
	return groups
}

// clusterByTime applies single-linkage clustering on a timeline: once the
// fills are sorted, two fills are transitively linked exactly when every
// adjacent gap between them is within ClusterWindow.
func clusterByTime(fills []model.Fill) [][]model.Fill {
	sorted := sortLegs(fills)

	var clusters [][]model.Fill
	var current []model.Fill
	for i, f := range sorted {
		if i > 0 && f.FilledAt.Sub(sorted[i-1].FilledAt) > ClusterWindow {
			clusters = append(clusters, current)
			current = nil
		}
		current = append(current, f)
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters
}

func buildGroup(legs []model.Fill) model.OptionsFillGroup {
	legs = sortLegs(legs)

	net := decimal.Zero
	contracts := decimal.Zero
	expiration := ""
	for _, l := range legs {
		flow := l.Price.Mul(l.Quantity).Mul(contractMultiplier)
		if l.Side == model.SideBuy {
			flow = flow.Neg()
		}
		net = net.Add(flow)

		// All legs are assumed to trade the same size.
		if l.Quantity.GreaterThan(contracts) {
			contracts = l.Quantity
		}
		if l.Expiration != "" && (expiration == "" || l.Expiration < expiration) {
			expiration = l.Expiration
		}
	}
	net = net.Round(2)

	first := legs[0]
	underlying := underlyingOf(first)

	return model.OptionsFillGroup{
		ID:             groupID(underlying, first.FilledAt, legs),
		Underlying:     underlying,
		Expiration:     expiration,
		Direction:      classify(net),
		Legs:           legs,
		NetCashflow:    net,
		TotalContracts: contracts,
		FirstFillAt:    first.FilledAt,
	}
}

// classify maps a net cashflow to DEBIT, CREDIT or EVEN.
func classify(net decimal.Decimal) model.GroupDirection {
	switch {
	case net.LessThan(evenBand.Neg()):
		return model.GroupDebit
	case net.GreaterThan(evenBand):
		return model.GroupCredit
	default:
		return model.GroupEven
	}
}

// groupID derives a stable identity from underlying, earliest fill time and
// the member fill ids.
func groupID(underlying string, first time.Time, legs []model.Fill) string {
	ids := make([]string, 0, len(legs))
	for _, l := range legs {
		ids = append(ids, l.TradeID)
	}
	sum := sha256.Sum256([]byte(strings.Join(ids, "|")))
	return fmt.Sprintf("%s-%d-%s", underlying, first.Unix(), hex.EncodeToString(sum[:])[:12])
}

func sortLegs(fills []model.Fill) []model.Fill {
	out := append([]model.Fill(nil), fills...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FilledAt.Equal(out[j].FilledAt) {
			return out[i].FilledAt.Before(out[j].FilledAt)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

func underlyingOf(f model.Fill) string {
	if f.Underlying != "" {
		return f.Underlying
	}
	return f.Symbol
}
