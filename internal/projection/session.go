package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/lending-indexer/internal/chain"
	"github.com/atmx/lending-indexer/internal/event"
	"github.com/atmx/lending-indexer/internal/metrics"
	"github.com/atmx/lending-indexer/internal/model"
	"github.com/atmx/lending-indexer/internal/store"
)

// session is the state of one event's handling. Counters collected here
// are published by commit only when the transaction succeeded.
type session struct {
	*Engine
	st   store.Store
	meta event.Meta
	log  *slog.Logger

	watches        []common.Address
	droppedReason  string
	duplicates     map[string]int
	markers        map[string]bool // account transaction markers created by this event
	revertedCalls  map[string]int
	refreshed      int
	refreshSkipped int
	marketsCreated int
}

func newSession(e *Engine, st store.Store, ev event.Event) *session {
	meta := ev.EventMeta()
	return &session{
		Engine: e,
		st:     st,
		meta:   meta,
		log: e.log.With(
			"kind", string(ev.Kind()),
			"block", meta.BlockNumber,
			"tx", meta.TxHash.Hex(),
			"log_index", meta.LogIndex,
		),
		duplicates:    make(map[string]int),
		markers:       make(map[string]bool),
		revertedCalls: make(map[string]int),
	}
}

func (s *session) commit() {
	if s.droppedReason != "" {
		s.dropped.Add(1)
		metrics.EventsDropped.WithLabelValues(s.droppedReason).Inc()
	}
	for kind, n := range s.duplicates {
		s.Engine.duplicates.Add(uint64(n))
		metrics.DuplicateRecords.WithLabelValues(kind).Add(float64(n))
	}
	for method, n := range s.revertedCalls {
		s.reverted.Add(uint64(n))
		metrics.RevertedCalls.WithLabelValues(method).Add(float64(n))
	}
	if s.refreshed > 0 {
		s.Engine.refreshed.Add(uint64(s.refreshed))
		metrics.MarketRefreshes.WithLabelValues("refreshed").Add(float64(s.refreshed))
	}
	if s.refreshSkipped > 0 {
		s.skipped.Add(uint64(s.refreshSkipped))
		metrics.MarketRefreshes.WithLabelValues("skipped").Add(float64(s.refreshSkipped))
	}
	if s.marketsCreated > 0 {
		metrics.TrackedMarkets.Add(float64(s.marketsCreated))
	}
}

// drop records that the event is committed without effect.
func (s *session) drop(reason string, args ...any) {
	s.droppedReason = reason
	s.log.Info("event dropped", append([]any{"reason", reason}, args...)...)
}

// watch queues a contract for registration.
func (s *session) watch(addr common.Address) {
	for _, a := range s.watches {
		if a == addr {
			return
		}
	}
	s.watches = append(s.watches, addr)
}

func (s *session) registerWatches(ctx context.Context) error {
	if s.watcher == nil {
		return nil
	}
	for _, addr := range s.watches {
		if err := s.watcher.Watch(ctx, addr); err != nil {
			return fmt.Errorf("watch %s: %w", addr.Hex(), err)
		}
	}
	return nil
}

// optional runs a contract read that may revert. A revert yields nil,
// which numeric.FromInt treats as zero; any other error is returned.
func (s *session) optional(method string, target common.Address, read func() (*big.Int, error)) (*big.Int, error) {
	v, err := read()
	if err == nil {
		return v, nil
	}
	if errors.Is(err, chain.ErrReverted) {
		s.revertedCalls[method]++
		s.log.Error("call reverted, using zero", "method", method, "contract", model.AddressID(target), "err", err)
		return nil, nil
	}
	return nil, fmt.Errorf("%s: %w", method, err)
}

// optionalAddress is optional for calls returning an address. A revert
// yields the zero address.
func (s *session) optionalAddress(method string, target common.Address, read func() (common.Address, error)) (common.Address, error) {
	v, err := read()
	if err == nil {
		return v, nil
	}
	if errors.Is(err, chain.ErrReverted) {
		s.revertedCalls[method]++
		s.log.Error("call reverted, using zero address", "method", method, "contract", model.AddressID(target), "err", err)
		return common.Address{}, nil
	}
	return common.Address{}, fmt.Errorf("%s: %w", method, err)
}

// insertHistory appends rec unless this log was already recorded.
func (s *session) insertHistory(ctx context.Context, rec model.HistoryRecord) error {
	_, err := s.recordHistory(ctx, rec)
	return err
}

// recordHistory is insertHistory reporting whether rec was new.
func (s *session) recordHistory(ctx context.Context, rec model.HistoryRecord) (bool, error) {
	created, err := s.st.InsertHistory(ctx, rec)
	if err != nil {
		return false, err
	}
	if !created {
		s.duplicates[string(rec.RecordKind())]++
		s.log.Debug("history record exists", "record", rec.RecordID(), "record_kind", string(rec.RecordKind()))
	}
	return created, nil
}

// recordBase returns the shared history fields for the current event.
func (s *session) recordBase() model.Record {
	return model.Record{
		ID:          model.RecordID(s.meta.TxHash, s.meta.TxLogIndex),
		BlockNumber: s.meta.BlockNumber,
		BlockTime:   s.meta.BlockTime,
	}
}
