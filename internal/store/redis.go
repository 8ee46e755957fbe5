package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-indexer/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the mutable entities. Writes go to the primary store and
// refresh the cache; reads check Redis first then fall back to the primary.
//
// Inside InTx nothing written is cached. Keys written by the transaction
// are read from the primary until commit and evicted afterwards.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	dirty   map[string]struct{} // non-nil inside InTx
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.dirty != nil {
		return fn(s)
	}
	tx := &CachedStore{rdb: s.rdb, ttl: s.ttl, dirty: make(map[string]struct{})}
	err := s.primary.InTx(ctx, func(p Store) error {
		tx.primary = p
		return fn(tx)
	})
	if len(tx.dirty) > 0 {
		keys := make([]string, 0, len(tx.dirty))
		for k := range tx.dirty {
			keys = append(keys, k)
		}
		s.rdb.Del(ctx, keys...)
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProtocol(ctx context.Context) (*model.Protocol, error) {
	return readThrough(ctx, s, protocolKey(), s.primary.GetProtocol)
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return readThrough(ctx, s, marketKey(id), func(ctx context.Context) (*model.Market, error) {
		return s.primary.GetMarket(ctx, id)
	})
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return readThrough(ctx, s, accountKey(id), func(ctx context.Context) (*model.Account, error) {
		return s.primary.GetAccount(ctx, id)
	})
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.AccountPosition, error) {
	return readThrough(ctx, s, positionKey(id), func(ctx context.Context) (*model.AccountPosition, error) {
		return s.primary.GetPosition(ctx, id)
	})
}

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func(context.Context) (*T, error)) (*T, error) {
	if _, written := s.dirty[key]; written {
		return load(ctx)
	}

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, v)
	return v, nil
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) SaveProtocol(ctx context.Context, p *model.Protocol) error {
	if err := s.primary.SaveProtocol(ctx, p); err != nil {
		return err
	}
	s.written(ctx, protocolKey(), p)
	return nil
}

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	s.written(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) SaveAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.SaveAccount(ctx, a); err != nil {
		return err
	}
	s.written(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.AccountPosition) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.written(ctx, positionKey(p.ID), p)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) CreateAccountTransaction(ctx context.Context, t *model.AccountTransaction) (bool, error) {
	return s.primary.CreateAccountTransaction(ctx, t)
}

func (s *CachedStore) GetAccountTransaction(ctx context.Context, id string) (*model.AccountTransaction, error) {
	return s.primary.GetAccountTransaction(ctx, id)
}

func (s *CachedStore) InsertHistory(ctx context.Context, rec model.HistoryRecord) (bool, error) {
	return s.primary.InsertHistory(ctx, rec)
}

func (s *CachedStore) GetHistory(ctx context.Context, kind model.RecordKind, id string) (model.HistoryRecord, error) {
	return s.primary.GetHistory(ctx, kind, id)
}

func (s *CachedStore) ListHistory(ctx context.Context, kind model.RecordKind) ([]model.HistoryRecord, error) {
	return s.primary.ListHistory(ctx, kind)
}

// --- Cache helpers ---

func (s *CachedStore) written(ctx context.Context, key string, v any) {
	if s.dirty != nil {
		s.dirty[key] = struct{}{}
		return
	}
	s.cache(ctx, key, v)
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func protocolKey() string { return fmt.Sprintf("protocol:%s", model.ProtocolID) }
func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }

var _ Store = (*CachedStore)(nil)
