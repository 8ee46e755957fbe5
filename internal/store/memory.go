package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/atmx/lending-indexer/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx works on a copy of the data and swaps it in on success. Transactions
// are serialized; a plain write made while one is open is lost on commit.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu *sync.Mutex
	data *memData
	inTx bool
}

type memData struct {
	protocol  *model.Protocol
	markets   map[string]model.Market
	accounts  map[string]model.Account
	positions map[string]model.AccountPosition
	txns      map[string]model.AccountTransaction
	history   map[model.RecordKind]map[string]historyRow
}

type historyRow struct {
	seq     int
	payload []byte
}

func newMemData() *memData {
	return &memData{
		markets:   make(map[string]model.Market),
		accounts:  make(map[string]model.Account),
		positions: make(map[string]model.AccountPosition),
		txns:      make(map[string]model.AccountTransaction),
		history:   make(map[model.RecordKind]map[string]historyRow),
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		markets:   maps.Clone(d.markets),
		accounts:  maps.Clone(d.accounts),
		positions: maps.Clone(d.positions),
		txns:      maps.Clone(d.txns),
		history:   make(map[model.RecordKind]map[string]historyRow, len(d.history)),
	}
	if d.protocol != nil {
		p := *d.protocol
		c.protocol = &p
	}
	for k, rows := range d.history {
		c.history[k] = maps.Clone(rows)
	}
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txMu: &sync.Mutex{}, data: newMemData()}
}

func (s *MemoryStore) GetProtocol(_ context.Context) (*model.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data.protocol == nil {
		return nil, fmt.Errorf("protocol: %w", ErrNotFound)
	}
	p := *s.data.protocol
	return &p, nil
}

func (s *MemoryStore) SaveProtocol(_ context.Context, p *model.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *p
	s.data.protocol = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.data.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.markets[m.ID] = *m
	return nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.data.markets))
	for _, m := range s.data.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.data.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.accounts[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.AccountPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.AccountPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.positions[p.ID] = *p
	return nil
}

func (s *MemoryStore) CreateAccountTransaction(_ context.Context, t *model.AccountTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.txns[t.ID]; ok {
		return false, nil
	}
	s.data.txns[t.ID] = *t
	return true, nil
}

func (s *MemoryStore) GetAccountTransaction(_ context.Context, id string) (*model.AccountTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data.txns[id]
	if !ok {
		return nil, fmt.Errorf("account transaction %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) InsertHistory(_ context.Context, rec model.HistoryRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode %s record %s: %w", rec.RecordKind(), rec.RecordID(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.data.history[rec.RecordKind()]
	if rows == nil {
		rows = make(map[string]historyRow)
		s.data.history[rec.RecordKind()] = rows
	}
	if _, ok := rows[rec.RecordID()]; ok {
		return false, nil
	}
	rows[rec.RecordID()] = historyRow{seq: len(rows), payload: payload}
	return true, nil
}

func (s *MemoryStore) GetHistory(_ context.Context, kind model.RecordKind, id string) (model.HistoryRecord, error) {
	s.mu.RLock()
	row, ok := s.data.history[kind][id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s record %s: %w", kind, id, ErrNotFound)
	}
	return model.DecodeRecord(kind, row.payload)
}

// ListHistory returns the records of one kind in insertion order.
func (s *MemoryStore) ListHistory(_ context.Context, kind model.RecordKind) ([]model.HistoryRecord, error) {
	s.mu.RLock()
	rows := make([]historyRow, 0, len(s.data.history[kind]))
	for _, r := range s.data.history[kind] {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]model.HistoryRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := model.DecodeRecord(kind, r.payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	tx := &MemoryStore{txMu: s.txMu, data: s.data.clone(), inTx: true}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = tx.data
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
