package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Fills ---

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.Fill) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fills (broker, trade_id, order_id, symbol, side, quantity, price, filled_at,
		                    asset_class, contract_symbol, underlying, expiration, strike, option_type)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13::NUMERIC, $14)
		 ON CONFLICT (broker, trade_id) DO NOTHING`,
		f.Broker, f.TradeID, f.OrderID, f.Symbol, string(f.Side),
		f.Quantity.String(), f.Price.String(), f.FilledAt,
		string(f.AssetClass), f.ContractSymbol, f.Underlying, f.Expiration,
		optionalStrike(f), f.OptionType,
	)
	if err != nil {
		return false, fmt.Errorf("insert fill %s/%s: %w", f.Broker, f.TradeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListFills(ctx context.Context, broker string, since time.Time) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT broker, trade_id, order_id, symbol, side, quantity::TEXT, price::TEXT, filled_at,
		        asset_class, contract_symbol, underlying, expiration, strike::TEXT, option_type
		 FROM fills WHERE broker = $1 AND filled_at >= $2
		 ORDER BY filled_at, trade_id`, broker, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var side, asset, qtyS, priceS string
		var strikeS *string
		if err := rows.Scan(&f.Broker, &f.TradeID, &f.OrderID, &f.Symbol, &side, &qtyS, &priceS, &f.FilledAt,
			&asset, &f.ContractSymbol, &f.Underlying, &f.Expiration, &strikeS, &f.OptionType); err != nil {
			return nil, err
		}
		f.Side = model.Side(side)
		f.AssetClass = model.AssetClass(asset)
		f.Quantity, _ = decimal.NewFromString(qtyS)
		f.Price, _ = decimal.NewFromString(priceS)
		if strikeS != nil {
			f.Strike, _ = decimal.NewFromString(*strikeS)
		}
		f.FilledAt = f.FilledAt.UTC()
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// --- Journal entries ---

const entryColumns = `id, desk, symbol, asset_class, effective_date, status, direction, source,
	entry_price::TEXT, entry_size::TEXT, exit_price::TEXT, exit_size::TEXT, stop_loss::TEXT,
	invalidation, plan, manual_override, contract_symbol, entry_fill_ids, exit_fill_ids,
	avg_entry_price::TEXT, total_qty::TEXT, exited_qty::TEXT, realized_pnl::TEXT,
	pnl_percent::TEXT, r_multiple::TEXT, reversal_overshoot::TEXT, result,
	entry_filled_at, exit_filled_at, reconcile_status, match_explanation,
	system_update_reason, ledger_write_failed, created_at, updated_at`

func (s *PostgresStore) CreateEntry(ctx context.Context, e *model.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, desk, symbol, asset_class, effective_date, status, direction, source,
		                              entry_price, entry_size, stop_loss, invalidation, plan,
		                              manual_override, contract_symbol, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13,
		         $14, $15, $16, $16)`,
		e.ID, e.Desk, e.Symbol, string(e.AssetClass), e.EffectiveDate, string(e.Status),
		string(e.Direction), e.Source,
		numericArg(e.EntryPrice), numericArg(e.EntrySize), numericArg(e.StopLoss),
		e.Invalidation, e.Plan, e.ManualOverride, e.ContractSymbol, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, from, to time.Time) ([]model.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM journal_entries
		 WHERE effective_date BETWEEN $1::DATE AND $2::DATE
		 ORDER BY effective_date, id`, from, to)
}

func (s *PostgresStore) ListOpenEntries(ctx context.Context) ([]model.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM journal_entries
		 WHERE status IN ('OPEN', 'ENTERED')
		 ORDER BY effective_date, id`)
}

func (s *PostgresStore) ListLedgerWriteFailures(ctx context.Context) ([]model.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM journal_entries
		 WHERE ledger_write_failed AND status IN ('EXITED', 'CLOSED')
		 ORDER BY effective_date, id`)
}

func (s *PostgresStore) LinkedFillIDs(ctx context.Context, tradeIDs []string) (map[string]string, error) {
	linked := make(map[string]string)
	if len(tradeIDs) == 0 {
		return linked, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, entry_fill_ids, exit_fill_ids FROM journal_entries
		 WHERE entry_fill_ids && $1::TEXT[] OR exit_fill_ids && $1::TEXT[]`, tradeIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(tradeIDs))
	for _, id := range tradeIDs {
		wanted[id] = true
	}
	for rows.Next() {
		var entryID string
		var entryIDs, exitIDs []string
		if err := rows.Scan(&entryID, &entryIDs, &exitIDs); err != nil {
			return nil, err
		}
		for _, id := range append(entryIDs, exitIDs...) {
			if wanted[id] {
				linked[id] = entryID
			}
		}
	}
	return linked, rows.Err()
}

func (s *PostgresStore) UpdateEntry(ctx context.Context, id string, p model.EntryPatch) error {
	var b patchBuilder
	if p.Status != nil {
		b.set("status", string(*p.Status))
	}
	b.setNumeric("entry_price", p.EntryPrice)
	b.setNumeric("entry_size", p.EntrySize)
	b.setNumeric("exit_price", p.ExitPrice)
	b.setNumeric("exit_size", p.ExitSize)
	if p.ManualOverride != nil {
		b.set("manual_override", *p.ManualOverride)
	}
	if p.EntryFillIDs != nil {
		b.set("entry_fill_ids", p.EntryFillIDs)
	}
	if p.ExitFillIDs != nil {
		b.set("exit_fill_ids", p.ExitFillIDs)
	}
	b.setNumeric("avg_entry_price", p.AvgEntryPrice)
	b.setNumeric("total_qty", p.TotalQty)
	b.setNumeric("exited_qty", p.ExitedQty)
	b.setNumeric("realized_pnl", p.RealizedPnL)
	b.setNumeric("pnl_percent", p.PnLPercent)
	b.setNumeric("r_multiple", p.RMultiple)
	b.setNumeric("reversal_overshoot", p.ReversalOvershoot)
	if p.Result != nil {
		b.set("result", *p.Result)
	}
	if p.EntryFilledAt != nil {
		b.set("entry_filled_at", *p.EntryFilledAt)
	}
	if p.ExitFilledAt != nil {
		b.set("exit_filled_at", *p.ExitFilledAt)
	}
	if p.ReconcileStatus != nil {
		b.set("reconcile_status", string(*p.ReconcileStatus))
	}
	if p.MatchExplanation != nil {
		b.set("match_explanation", p.MatchExplanation)
	}
	if p.SystemUpdateReason != nil {
		b.set("system_update_reason", *p.SystemUpdateReason)
	}
	if p.LedgerWriteFailed != nil {
		b.set("ledger_write_failed", *p.LedgerWriteFailed)
	}
	b.set("updated_at", time.Now().UTC())

	b.args = append(b.args, id)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE journal_entries SET %s WHERE id = $%d`, strings.Join(b.sets, ", "), len(b.args)),
		b.args...)
	if err != nil {
		return fmt.Errorf("update entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Append-only ledger ---

// InsertLedgerEntry relies on the (entry_id, desk) unique constraint, so
// concurrent writers for the same entry cannot produce two rows.
func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, entry_id, desk, symbol, direction, entry_timestamp, exit_timestamp,
		                             entry_price, exit_price, quantity, realized_pnl, r_multiple,
		                             reconcile_batch_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12::NUMERIC, $13, $14)
		 ON CONFLICT (entry_id, desk) DO NOTHING`,
		e.ID, e.EntryID, e.Desk, e.Symbol, string(e.Direction), e.EntryTimestamp, e.ExitTimestamp,
		e.EntryPrice.String(), e.ExitPrice.String(), e.Quantity.String(), e.RealizedPnL.String(),
		numericArg(e.RMultiple), e.ReconcileBatch, e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry for %s: %w", e.EntryID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetLedgerEntriesByEntry(ctx context.Context, entryID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entry_id, desk, symbol, direction, entry_timestamp, exit_timestamp,
		        entry_price::TEXT, exit_price::TEXT, quantity::TEXT, realized_pnl::TEXT,
		        r_multiple::TEXT, reconcile_batch_id, created_at
		 FROM ledger_entries WHERE entry_id = $1 ORDER BY created_at`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// --- Scanning helpers ---

func (s *PostgresStore) queryEntries(ctx context.Context, sql string, args ...any) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row pgxRow) (model.Entry, error) {
	var e model.Entry
	var asset, status, direction, reconcileStatus string
	var entryPrice, entrySize, exitPrice, exitSize, stopLoss *string
	var avgEntry, totalQty, exitedQty, pnl, pnlPct, rMult, overshoot *string

	err := row.Scan(&e.ID, &e.Desk, &e.Symbol, &asset, &e.EffectiveDate, &status, &direction, &e.Source,
		&entryPrice, &entrySize, &exitPrice, &exitSize, &stopLoss,
		&e.Invalidation, &e.Plan, &e.ManualOverride, &e.ContractSymbol, &e.EntryFillIDs, &e.ExitFillIDs,
		&avgEntry, &totalQty, &exitedQty, &pnl,
		&pnlPct, &rMult, &overshoot, &e.Result,
		&e.EntryFilledAt, &e.ExitFilledAt, &reconcileStatus, &e.MatchExplanation,
		&e.SystemUpdateReason, &e.LedgerWriteFailed, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return model.Entry{}, err
	}

	e.AssetClass = model.AssetClass(asset)
	e.Status = model.EntryStatus(status)
	e.Direction = model.Direction(direction)
	e.ReconcileStatus = model.ReconcileStatus(reconcileStatus)
	e.EffectiveDate = e.EffectiveDate.UTC()

	e.EntryPrice = parseNumeric(entryPrice)
	e.EntrySize = parseNumeric(entrySize)
	e.ExitPrice = parseNumeric(exitPrice)
	e.ExitSize = parseNumeric(exitSize)
	e.StopLoss = parseNumeric(stopLoss)
	e.AvgEntryPrice = parseNumeric(avgEntry)
	e.TotalQty = parseNumeric(totalQty)
	e.ExitedQty = parseNumeric(exitedQty)
	e.RealizedPnL = parseNumeric(pnl)
	e.PnLPercent = parseNumeric(pnlPct)
	e.RMultiple = parseNumeric(rMult)
	e.ReversalOvershoot = parseNumeric(overshoot)
	return e, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var direction, entryPriceS, exitPriceS, qtyS, pnlS string
		var rMultS *string

		if err := rows.Scan(&e.ID, &e.EntryID, &e.Desk, &e.Symbol, &direction,
			&e.EntryTimestamp, &e.ExitTimestamp,
			&entryPriceS, &exitPriceS, &qtyS, &pnlS, &rMultS,
			&e.ReconcileBatch, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Direction = model.Direction(direction)
		e.EntryPrice, _ = decimal.NewFromString(entryPriceS)
		e.ExitPrice, _ = decimal.NewFromString(exitPriceS)
		e.Quantity, _ = decimal.NewFromString(qtyS)
		e.RealizedPnL, _ = decimal.NewFromString(pnlS)
		e.RMultiple = parseNumeric(rMultS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// patchBuilder assembles the SET clause of a partial update.
type patchBuilder struct {
	sets []string
	args []any
}

func (b *patchBuilder) set(column string, value any) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

func (b *patchBuilder) setNumeric(column string, value *decimal.Decimal) {
	if value == nil {
		return
	}
	b.args = append(b.args, value.String())
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d::NUMERIC", column, len(b.args)))
}

func numericArg(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}

func optionalStrike(f *model.Fill) *string {
	if f.AssetClass != model.AssetOption {
		return nil
	}
	return numericArg(&f.Strike)
}
