package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/fill-recon/internal/model"
)

type fillKey struct{ broker, tradeID string }

type ledgerSlot struct{ entryID, desk string }

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	fills   map[fillKey]model.Fill
	entries map[string]*model.Entry
	ledger  map[ledgerSlot]model.LedgerEntry
	// insertion order for deterministic listing
	ledgerOrder []ledgerSlot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fills:   make(map[fillKey]model.Fill),
		entries: make(map[string]*model.Entry),
		ledger:  make(map[ledgerSlot]model.LedgerEntry),
	}
}

func (s *MemoryStore) InsertFill(_ context.Context, f *model.Fill) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := fillKey{f.Broker, f.TradeID}
	if _, exists := s.fills[k]; exists {
		return false, nil
	}
	s.fills[k] = *f
	return true, nil
}

func (s *MemoryStore) ListFills(_ context.Context, broker string, since time.Time) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for k, f := range s.fills {
		if k.broker == broker && !f.FilledAt.Before(since) {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].FilledAt.Equal(result[j].FilledAt) {
			return result[i].FilledAt.Before(result[j].FilledAt)
		}
		return result[i].TradeID < result[j].TradeID
	})
	return result, nil
}

// FillCount returns the number of stored fills.
func (s *MemoryStore) FillCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fills)
}

func (s *MemoryStore) CreateEntry(_ context.Context, e *model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; exists {
		return fmt.Errorf("entry %s already exists", e.ID)
	}
	// Store a copy to avoid external mutation.
	copy := cloneEntry(*e)
	s.entries[e.ID] = &copy
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id string) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	copy := cloneEntry(*e)
	return &copy, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, from, to time.Time) ([]model.Entry, error) {
	return s.listEntries(func(e *model.Entry) bool {
		return !e.EffectiveDate.Before(from) && !e.EffectiveDate.After(to)
	}), nil
}

func (s *MemoryStore) ListOpenEntries(_ context.Context) ([]model.Entry, error) {
	return s.listEntries(func(e *model.Entry) bool {
		return e.Status == model.StatusOpen || e.Status == model.StatusEntered
	}), nil
}

func (s *MemoryStore) ListLedgerWriteFailures(_ context.Context) ([]model.Entry, error) {
	return s.listEntries(func(e *model.Entry) bool {
		return e.LedgerWriteFailed && e.Status.Terminal()
	}), nil
}

func (s *MemoryStore) listEntries(keep func(*model.Entry) bool) []model.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.entries {
		if keep(e) {
			result = append(result, cloneEntry(*e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EffectiveDate.Equal(result[j].EffectiveDate) {
			return result[i].EffectiveDate.Before(result[j].EffectiveDate)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *MemoryStore) LinkedFillIDs(_ context.Context, tradeIDs []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(tradeIDs))
	for _, id := range tradeIDs {
		wanted[id] = true
	}
	linked := make(map[string]string)
	for _, e := range s.entries {
		for _, ids := range [][]string{e.EntryFillIDs, e.ExitFillIDs} {
			for _, id := range ids {
				if wanted[id] {
					linked[id] = e.ID
				}
			}
		}
	}
	return linked, nil
}

func (s *MemoryStore) UpdateEntry(_ context.Context, id string, patch model.EntryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	updated := cloneEntry(e.Apply(patch))
	updated.UpdatedAt = time.Now().UTC()
	s.entries[id] = &updated
	return nil
}

// InsertLedgerEntry is insert-or-ignore on (entry_id, desk).
func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := ledgerSlot{entry.EntryID, entry.Desk}
	if _, exists := s.ledger[k]; exists {
		return false, nil
	}
	s.ledger[k] = *entry
	s.ledgerOrder = append(s.ledgerOrder, k)
	return true, nil
}

func (s *MemoryStore) GetLedgerEntriesByEntry(_ context.Context, entryID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, k := range s.ledgerOrder {
		if k.entryID == entryID {
			result = append(result, s.ledger[k])
		}
	}
	return result, nil
}

// LedgerCount returns the total number of ledger rows.
func (s *MemoryStore) LedgerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

// cloneEntry deep-copies the slice and map fields of an entry.
func cloneEntry(e model.Entry) model.Entry {
	e.EntryFillIDs = append([]string(nil), e.EntryFillIDs...)
	e.ExitFillIDs = append([]string(nil), e.ExitFillIDs...)
	e.MatchExplanation = append([]string(nil), e.MatchExplanation...)
	if e.Plan != nil {
		plan := make(map[string]any, len(e.Plan))
		for k, v := range e.Plan {
			plan[k] = v
		}
		e.Plan = plan
	}
	return e
}
