// Package api provides the HTTP handlers for ingesting broker activities,
// running reconciliation batches and inspecting journal entries.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/linker"
	"github.com/atmx/fill-recon/internal/model"
	"github.com/atmx/fill-recon/internal/occ"
	"github.com/atmx/fill-recon/internal/store"
)

// Handler serves the journal and reconciliation endpoints.
type Handler struct {
	store  store.Store
	linker *linker.Linker
}

// NewHandler creates a new Handler.
func NewHandler(st store.Store, lk *linker.Linker) *Handler {
	return &Handler{store: st, linker: lk}
}

// --- Request types ---

// SyncRequest is the JSON body for POST /sync. Dates are YYYY-MM-DD.
type SyncRequest struct {
	Broker string `json:"broker"`
	From   string `json:"from"`
	To     string `json:"to"`
	DryRun bool   `json:"dry_run"`
}

// CreateEntryRequest is the JSON body for POST /entries.
type CreateEntryRequest struct {
	ID             string           `json:"id"`
	Desk           string           `json:"desk"`
	Symbol         string           `json:"symbol"`
	ContractSymbol string           `json:"contract_symbol"`
	AssetClass     string           `json:"asset_class"` // "equity" (default) or "option"
	EffectiveDate  string           `json:"effective_date"`
	Status         string           `json:"status"` // PLANNED, OPEN (default) or ENTERED
	Direction      string           `json:"direction"`
	EntryPrice     *decimal.Decimal `json:"entry_price"`
	EntrySize      *decimal.Decimal `json:"entry_size"`
	StopLoss       *decimal.Decimal `json:"stop_loss"`
	Invalidation   string           `json:"invalidation"`
	Plan           map[string]any   `json:"plan"`
}

// OverrideRequest is the JSON body for PUT /entries/{entryID}/override.
type OverrideRequest struct {
	ManualOverride bool `json:"manual_override"`
}

// --- HTTP Handlers ---

// IngestActivities handles POST /api/v1/brokers/{broker}/activities
func (h *Handler) IngestActivities(w http.ResponseWriter, r *http.Request) {
	broker := chi.URLParam(r, "broker")

	var raws []model.RawActivity
	if err := json.NewDecoder(r.Body).Decode(&raws); err != nil {
		writeError(w, "invalid request body: expected an array of activities", http.StatusBadRequest)
		return
	}

	report, err := h.linker.Ingest(r.Context(), broker, raws)
	if errors.Is(err, linker.ErrMissingBroker) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("ingest failed", "broker", broker, "err", err)
		writeError(w, "failed to store fills", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// Sync handles POST /api/v1/sync
// Runs one reconciliation batch over the given day range.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	from, err := parseDay(req.From)
	if err != nil {
		writeError(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to := from
	if req.To != "" {
		if to, err = parseDay(req.To); err != nil {
			writeError(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	report, err := h.linker.Sync(r.Context(), linker.SyncRequest{
		Broker: req.Broker,
		From:   from,
		To:     to,
		DryRun: req.DryRun,
	})
	switch {
	case errors.Is(err, linker.ErrMissingBroker), errors.Is(err, linker.ErrInvalidRange):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("sync failed", "broker", req.Broker, "err", err)
		writeError(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// CreateEntry handles POST /api/v1/entries
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, msg := req.toEntry()
	if msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	if err := h.store.CreateEntry(r.Context(), entry); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("journal entry created",
		"entry_id", entry.ID,
		"desk", entry.Desk,
		"symbol", entry.Symbol,
		"asset_class", entry.AssetClass,
		"direction", entry.Direction,
	)

	writeJSON(w, http.StatusCreated, entry)
}

// GetEntry handles GET /api/v1/entries/{entryID}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.GetEntry(r.Context(), chi.URLParam(r, "entryID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load entry", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// SetOverride handles PUT /api/v1/entries/{entryID}/override
// While set, reconciliation reports BLOCKED_MANUAL_OVERRIDE and leaves the
// entry's financial fields alone.
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	err := h.store.UpdateEntry(ctx, entryID, model.EntryPatch{ManualOverride: &req.ManualOverride})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to update entry", http.StatusInternalServerError)
		return
	}

	slog.Info("manual override changed", "entry_id", entryID, "manual_override", req.ManualOverride)

	entry, err := h.store.GetEntry(ctx, entryID)
	if err != nil {
		writeError(w, "failed to load entry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetLedger handles GET /api/v1/entries/{entryID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.GetLedgerEntriesByEntry(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.LedgerEntry{}
	}

	writeJSON(w, http.StatusOK, rows)
}

// toEntry validates the request. A non-empty message means the request
// is rejected.
func (req CreateEntryRequest) toEntry() (*model.Entry, string) {
	effective, err := parseDay(req.EffectiveDate)
	if err != nil {
		return nil, "effective_date must be YYYY-MM-DD"
	}

	dir := model.Direction(strings.ToUpper(req.Direction))
	if dir != model.Long && dir != model.Short {
		return nil, "direction must be LONG or SHORT"
	}

	status := model.StatusOpen
	if req.Status != "" {
		status = model.EntryStatus(strings.ToUpper(req.Status))
	}
	switch status {
	case model.StatusPlanned, model.StatusOpen, model.StatusEntered:
	default:
		return nil, "status must be PLANNED, OPEN or ENTERED"
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	asset := model.AssetClass(strings.ToLower(req.AssetClass))
	if asset == "" {
		asset = model.AssetEquity
	}

	contract := strings.ToUpper(strings.TrimSpace(req.ContractSymbol))
	if contract != "" {
		parsed, ok := occ.Parse(contract)
		if !ok {
			return nil, "contract_symbol is not a valid OCC option symbol"
		}
		asset = model.AssetOption
		if symbol == "" {
			symbol = parsed.Underlying
		}
	}
	if symbol == "" {
		return nil, "symbol is required"
	}
	if asset != model.AssetEquity && asset != model.AssetOption {
		return nil, "asset_class must be equity or option"
	}

	if req.Desk == "" {
		return nil, "desk is required"
	}
	for _, v := range []*decimal.Decimal{req.EntryPrice, req.EntrySize, req.StopLoss} {
		if v != nil && v.IsNegative() {
			return nil, "prices and sizes must not be negative"
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	return &model.Entry{
		ID:             id,
		Desk:           req.Desk,
		Symbol:         symbol,
		AssetClass:     asset,
		EffectiveDate:  effective,
		Status:         status,
		Direction:      dir,
		Source:         "manual",
		EntryPrice:     req.EntryPrice,
		EntrySize:      req.EntrySize,
		StopLoss:       req.StopLoss,
		Invalidation:   req.Invalidation,
		Plan:           req.Plan,
		ContractSymbol: contract,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, ""
}

func parseDay(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, strings.TrimSpace(s))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
