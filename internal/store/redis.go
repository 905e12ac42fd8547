package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/fill-recon/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateEntry(ctx context.Context, e *model.Entry) error {
	if err := s.primary.CreateEntry(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, entryKey(e.ID))
	return nil
}

func (s *CachedStore) UpdateEntry(ctx context.Context, id string, patch model.EntryPatch) error {
	if err := s.primary.UpdateEntry(ctx, id, patch); err != nil {
		return err
	}
	s.rdb.Del(ctx, entryKey(id))
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (bool, error) {
	written, err := s.primary.InsertLedgerEntry(ctx, entry)
	if err != nil {
		return false, err
	}
	if written {
		s.rdb.Del(ctx, ledgerKey(entry.EntryID))
	}
	return written, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	data, err := s.rdb.Get(ctx, entryKey(id)).Bytes()
	if err == nil {
		var e model.Entry
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, entryKey(id), e)
	return e, nil
}

func (s *CachedStore) GetLedgerEntriesByEntry(ctx context.Context, entryID string) ([]model.LedgerEntry, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(entryID)).Bytes()
	if err == nil {
		var rows []model.LedgerEntry
		if json.Unmarshal(data, &rows) == nil {
			return rows, nil
		}
	}

	rows, err := s.primary.GetLedgerEntriesByEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, ledgerKey(entryID), rows)
	return rows, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertFill(ctx context.Context, f *model.Fill) (bool, error) {
	return s.primary.InsertFill(ctx, f)
}

func (s *CachedStore) ListFills(ctx context.Context, broker string, since time.Time) ([]model.Fill, error) {
	return s.primary.ListFills(ctx, broker, since)
}

func (s *CachedStore) ListEntries(ctx context.Context, from, to time.Time) ([]model.Entry, error) {
	return s.primary.ListEntries(ctx, from, to)
}

func (s *CachedStore) ListOpenEntries(ctx context.Context) ([]model.Entry, error) {
	return s.primary.ListOpenEntries(ctx)
}

func (s *CachedStore) ListLedgerWriteFailures(ctx context.Context) ([]model.Entry, error) {
	return s.primary.ListLedgerWriteFailures(ctx)
}

func (s *CachedStore) LinkedFillIDs(ctx context.Context, tradeIDs []string) (map[string]string, error) {
	return s.primary.LinkedFillIDs(ctx, tradeIDs)
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func entryKey(id string) string       { return fmt.Sprintf("entry:%s", id) }
func ledgerKey(entryID string) string { return fmt.Sprintf("ledger:%s", entryID) }

// --- Per-entry leases ---

// ErrLockTimeout is returned when a lease could not be acquired before the
// context was done.
var ErrLockTimeout = errors.New("store: lock not acquired")

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker hands out short-lived SET NX leases so that several service
// instances never write the same entry's ledger row concurrently.
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

// NewRedisLocker creates a locker whose leases expire after ttl.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: 25 * time.Millisecond}
}

// Lock blocks until the lease for key is held or ctx is done. The returned
// function releases the lease.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := lockKey(key)

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				unlockScript.Run(context.Background(), l.rdb, []string{k}, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func lockKey(key string) string { return fmt.Sprintf("lock:%s", key) }
