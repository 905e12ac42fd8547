// Package linker drives the reconciliation pipeline: it ingests raw broker
// activities, links fills to journal entries, runs the reconcile engine and
// applies the resulting updates to the journal and the ledger.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/fill-recon/internal/fill"
	"github.com/atmx/fill-recon/internal/ledger"
	"github.com/atmx/fill-recon/internal/metrics"
	"github.com/atmx/fill-recon/internal/model"
	"github.com/atmx/fill-recon/internal/options"
	"github.com/atmx/fill-recon/internal/reconcile"
	"github.com/atmx/fill-recon/internal/store"
)

var (
	// ErrInvalidRange is returned when a sync range is empty or inverted.
	ErrInvalidRange = errors.New("linker: invalid date range")

	// ErrMissingBroker is returned when no broker name is given.
	ErrMissingBroker = errors.New("linker: broker is required")
)

// SourceBrokerSync marks entries created from unmatched fills.
const SourceBrokerSync = "broker_sync"

// Config holds pipeline settings that are not matching thresholds.
type Config struct {
	DefaultDesk       string
	OptionsDesk       string
	AutoCreateEntries bool
}

// Notifier is told about every reconcile update applied to the journal.
type Notifier interface {
	ReconcileApplied(batchID string, u model.ReconcileUpdate)
}

// Linker runs ingest and reconciliation batches against a store. Batches
// are serialised within one process; the ledger writer's locker covers
// concurrent instances.
type Linker struct {
	store    store.Store
	engine   *reconcile.Engine
	ledger   *ledger.Writer
	notifier Notifier
	cfg      Config

	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

// New creates a Linker. notifier may be nil.
func New(st store.Store, engine *reconcile.Engine, lw *ledger.Writer, cfg Config, notifier Notifier) *Linker {
	if cfg.DefaultDesk == "" {
		cfg.DefaultDesk = "equities"
	}
	if cfg.OptionsDesk == "" {
		cfg.OptionsDesk = cfg.DefaultDesk
	}
	return &Linker{
		store:    st,
		engine:   engine,
		ledger:   lw,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// IngestReport summarises one ingest call.
type IngestReport struct {
	Broker     string `json:"broker"`
	Received   int    `json:"received"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
}

// Ingest normalizes raw activities and stores the resulting fills.
// Malformed or non-fill activities are counted as skipped; fills already
// stored for the broker are counted as duplicates.
func (l *Linker) Ingest(ctx context.Context, broker string, raws []model.RawActivity) (IngestReport, error) {
	report := IngestReport{Broker: broker, Received: len(raws)}
	if broker == "" {
		return report, ErrMissingBroker
	}

	fills, skipped := fill.NormalizeAll(broker, raws)
	report.Skipped = skipped
	for i := range fills {
		inserted, err := l.store.InsertFill(ctx, &fills[i])
		if err != nil {
			return report, fmt.Errorf("ingest %s: %w", broker, err)
		}
		if inserted {
			report.Inserted++
		} else {
			report.Duplicates++
		}
	}

	metrics.FillsIngested.WithLabelValues(broker, "inserted").Add(float64(report.Inserted))
	metrics.FillsIngested.WithLabelValues(broker, "duplicate").Add(float64(report.Duplicates))
	metrics.FillsIngested.WithLabelValues(broker, "skipped").Add(float64(report.Skipped))

	slog.Info("broker activities ingested",
		"broker", broker,
		"received", report.Received,
		"inserted", report.Inserted,
		"duplicates", report.Duplicates,
		"skipped", report.Skipped,
	)
	return report, nil
}

// SyncRequest selects the entries and fills of one reconciliation batch.
// From and To are calendar days (UTC), inclusive.
type SyncRequest struct {
	Broker string    `json:"broker"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	DryRun bool      `json:"dry_run"`
}

// EntryFailure records a per-entry error that did not abort the batch.
type EntryFailure struct {
	EntryID string `json:"entry_id"`
	Stage   string `json:"stage"`
	Error   string `json:"error"`
}

// SyncReport is the outcome of one reconciliation batch.
type SyncReport struct {
	BatchID          string                        `json:"batch_id"`
	Broker           string                        `json:"broker"`
	From             time.Time                     `json:"from"`
	To               time.Time                     `json:"to"`
	DryRun           bool                          `json:"dry_run"`
	EntriesLoaded    int                           `json:"entries_loaded"`
	FillsLoaded      int                           `json:"fills_loaded"`
	OptionGroups     int                           `json:"option_groups"`
	CreatedEntries   []model.Entry                 `json:"created_entries"`
	Updates          []model.ReconcileUpdate       `json:"updates"`
	StatusCounts     map[model.ReconcileStatus]int `json:"status_counts"`
	Applied          int                           `json:"applied"`
	LedgerWritten    int                           `json:"ledger_written"`
	LedgerDuplicates int                           `json:"ledger_duplicates"`
	LedgerRetried    int                           `json:"ledger_retried"`
	Failures         []EntryFailure                `json:"failures"`
}

func (r *SyncReport) fail(entryID, stage string, err error) {
	r.Failures = append(r.Failures, EntryFailure{EntryID: entryID, Stage: stage, Error: err.Error()})
}

// Sync runs one reconciliation batch. Store errors while loading abort the
// batch; errors while applying an individual update are recorded in the
// report and the remaining updates are still applied.
func (l *Linker) Sync(ctx context.Context, req SyncRequest) (*SyncReport, error) {
	if req.Broker == "" {
		return nil, ErrMissingBroker
	}
	if req.From.IsZero() || req.To.IsZero() {
		return nil, fmt.Errorf("%w: from and to are required", ErrInvalidRange)
	}
	from, to := day(req.From), day(req.To)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues(fmt.Sprint(req.DryRun)).Observe(time.Since(start).Seconds())
	}()

	report := &SyncReport{
		BatchID:      l.newID(),
		Broker:       req.Broker,
		From:         from,
		To:           to,
		DryRun:       req.DryRun,
		StatusCounts: make(map[model.ReconcileStatus]int),
	}
	log := slog.With("batch_id", report.BatchID, "broker", req.Broker)

	entries, err := l.loadEntries(ctx, from, to)
	if err != nil {
		return nil, err
	}

	// Fills reach back one window before the oldest entry in the batch.
	since := from
	for _, e := range entries {
		if eff := day(e.EffectiveDate); eff.Before(since) {
			since = eff
		}
	}
	window := time.Duration(l.engine.Config().DateWindowDays) * 24 * time.Hour
	fills, err := l.store.ListFills(ctx, req.Broker, since.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	report.FillsLoaded = len(fills)

	var equityFills, optionFills []model.Fill
	for _, f := range fills {
		if f.AssetClass == model.AssetOption {
			optionFills = append(optionFills, f)
		} else {
			equityFills = append(equityFills, f)
		}
	}
	groups := options.Group(optionFills)
	report.OptionGroups = len(groups)

	if l.cfg.AutoCreateEntries {
		created, err := l.linkUnmatched(ctx, from, to, equityFills, groups, req.DryRun)
		if err != nil {
			return nil, err
		}
		report.CreatedEntries = created
		entries = append(entries, created...)
	}
	report.EntriesLoaded = len(entries)

	var equityEntries, optionEntries []model.Entry
	byID := make(map[string]model.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		if e.AssetClass == model.AssetOption {
			optionEntries = append(optionEntries, e)
		} else {
			equityEntries = append(equityEntries, e)
		}
	}

	updates := l.engine.ReconcileEquity(equityEntries, equityFills, report.BatchID)
	updates = append(updates, l.engine.ReconcileOptions(optionEntries, groups, report.BatchID)...)
	report.Updates = updates
	for _, u := range updates {
		report.StatusCounts[u.Status]++
	}

	if req.DryRun {
		log.Info("dry-run reconcile batch computed", "updates", len(updates), "created", len(report.CreatedEntries))
		return report, nil
	}

	failedThisBatch := make(map[string]bool)
	for _, u := range updates {
		entry := byID[u.EntryID]
		matched := u.Status == model.ReconcileMatched

		// A matched entry goes terminal flagged; the flag is cleared once
		// its ledger row exists.
		patch := u.Updates
		if matched {
			pending := true
			patch.LedgerWriteFailed = &pending
		}
		if err := l.store.UpdateEntry(ctx, u.EntryID, patch); err != nil {
			log.Error("apply reconcile update failed", "entry_id", u.EntryID, "status", u.Status, "err", err)
			report.fail(u.EntryID, "journal", err)
			continue
		}
		report.Applied++
		metrics.ReconcileUpdates.WithLabelValues(string(entry.AssetClass), string(u.Status)).Inc()
		if l.notifier != nil {
			l.notifier.ReconcileApplied(report.BatchID, u)
		}

		if !matched {
			continue
		}
		// The journal row is already terminal, so the ledger write must
		// outlive a cancelled request.
		wctx := context.WithoutCancel(ctx)
		if err := l.writeLedger(wctx, report, entry.Apply(u.Updates)); err != nil {
			failedThisBatch[u.EntryID] = true
			log.Error("ledger write failed", "entry_id", u.EntryID, "err", err)
			report.fail(u.EntryID, "ledger", err)
			continue
		}
		l.flagLedgerFailure(wctx, report, u.EntryID, false)
	}

	l.retryLedgerFailures(ctx, report, failedThisBatch)

	log.Info("reconcile batch applied",
		"from", from.Format(time.DateOnly),
		"to", to.Format(time.DateOnly),
		"entries", report.EntriesLoaded,
		"fills", report.FillsLoaded,
		"updates", len(updates),
		"applied", report.Applied,
		"ledger_written", report.LedgerWritten,
		"failures", len(report.Failures),
	)
	return report, nil
}

// loadEntries returns the entries dated in [from, to] plus every OPEN or
// ENTERED entry dated earlier, so positions opened before the batch can
// still close inside it.
func (l *Linker) loadEntries(ctx context.Context, from, to time.Time) ([]model.Entry, error) {
	var ranged, open []model.Entry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if ranged, err = l.store.ListEntries(gctx, from, to); err != nil {
			return fmt.Errorf("load entries: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if open, err = l.store.ListOpenEntries(gctx); err != nil {
			return fmt.Errorf("load open entries: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ranged))
	for _, e := range ranged {
		seen[e.ID] = true
	}
	for _, e := range open {
		if seen[e.ID] || day(e.EffectiveDate).After(to) {
			continue
		}
		seen[e.ID] = true
		ranged = append(ranged, e)
	}
	return ranged, nil
}

// writeLedger appends the ledger row for a fully exited entry.
func (l *Linker) writeLedger(ctx context.Context, report *SyncReport, entry model.Entry) error {
	req, err := ledgerRequest(entry, l.deskFor(entry), report.BatchID)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues("failed").Inc()
		return err
	}
	res, err := l.ledger.Write(ctx, req)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues("failed").Inc()
		return err
	}
	if res.Written {
		report.LedgerWritten++
		metrics.LedgerWrites.WithLabelValues("written").Inc()
	} else {
		report.LedgerDuplicates++
		metrics.LedgerWrites.WithLabelValues("duplicate").Inc()
	}
	return nil
}

func (l *Linker) flagLedgerFailure(ctx context.Context, report *SyncReport, entryID string, failed bool) {
	if err := l.store.UpdateEntry(ctx, entryID, model.EntryPatch{LedgerWriteFailed: &failed}); err != nil {
		slog.Error("set ledger_write_failed", "entry_id", entryID, "value", failed, "err", err)
		report.fail(entryID, "journal", err)
	}
}

// retryLedgerFailures re-attempts ledger writes for exited entries left
// flagged by an earlier batch.
func (l *Linker) retryLedgerFailures(ctx context.Context, report *SyncReport, skip map[string]bool) {
	pending, err := l.store.ListLedgerWriteFailures(ctx)
	if err != nil {
		slog.Error("list ledger write failures", "batch_id", report.BatchID, "err", err)
		return
	}
	for _, entry := range pending {
		if skip[entry.ID] {
			continue
		}
		if err := l.writeLedger(ctx, report, entry); err != nil {
			slog.Warn("ledger retry failed", "batch_id", report.BatchID, "entry_id", entry.ID, "err", err)
			report.fail(entry.ID, "ledger_retry", err)
			continue
		}
		report.LedgerRetried++
		l.flagLedgerFailure(ctx, report, entry.ID, false)
	}
}

func (l *Linker) deskFor(entry model.Entry) string {
	if entry.Desk != "" {
		return entry.Desk
	}
	if entry.AssetClass == model.AssetOption {
		return l.cfg.OptionsDesk
	}
	return l.cfg.DefaultDesk
}

// ledgerRequest builds the ledger row for an exited entry. Option entries
// carry per-contract premiums in their price fields.
func ledgerRequest(e model.Entry, desk, batchID string) (ledger.Request, error) {
	if e.AvgEntryPrice == nil || e.ExitPrice == nil || e.TotalQty == nil ||
		e.RealizedPnL == nil || e.EntryFilledAt == nil || e.ExitFilledAt == nil {
		return ledger.Request{}, fmt.Errorf("entry %s is missing fill data for the ledger", e.ID)
	}
	return ledger.Request{
		EntryID:        e.ID,
		Desk:           desk,
		Symbol:         e.Symbol,
		Direction:      e.Direction,
		EntryTimestamp: *e.EntryFilledAt,
		ExitTimestamp:  *e.ExitFilledAt,
		EntryPrice:     *e.AvgEntryPrice,
		ExitPrice:      *e.ExitPrice,
		Quantity:       *e.TotalQty,
		RealizedPnL:    *e.RealizedPnL,
		RMultiple:      e.RMultiple,
		BatchID:        batchID,
	}, nil
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// inRange reports whether t falls on a calendar day in [from, to].
func inRange(t, from, to time.Time) bool {
	d := day(t)
	return !d.Before(from) && !d.After(to)
}
