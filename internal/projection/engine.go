// Package projection applies protocol events to the materialized entity
// set. Each event is handled in one store transaction: entities are loaded
// by key, mutated, and written back, so replaying or restarting from any
// checkpoint converges to the same state.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/lending-indexer/internal/chain"
	"github.com/atmx/lending-indexer/internal/config"
	"github.com/atmx/lending-indexer/internal/event"
	"github.com/atmx/lending-indexer/internal/metrics"
	"github.com/atmx/lending-indexer/internal/store"
)

// Watcher asks the host to start delivering events emitted by a contract.
type Watcher interface {
	Watch(ctx context.Context, contract common.Address) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithWatcher sets the watch registration capability. Without one, listed
// markets are not registered anywhere.
func WithWatcher(w Watcher) Option {
	return func(e *Engine) { e.watcher = w }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithProtocol sets the deployment constants. Defaults to
// config.DefaultProtocol().
func WithProtocol(p config.Protocol) Option {
	return func(e *Engine) { e.protocol = p }
}

// Stats are counters since the Engine was created.
type Stats struct {
	Handled        uint64 // events committed
	Failed         uint64 // events whose transaction rolled back
	Dropped        uint64 // events committed without effect
	Duplicates     uint64 // history records and markers that already existed
	RevertedCalls  uint64 // optional reads replaced by a default
	Refreshed      uint64
	RefreshSkipped uint64 // refresh requests for a market already synced this block
}

// Engine projects events into the store.
type Engine struct {
	store    store.Store
	chain    chain.Reader
	watcher  Watcher
	log      *slog.Logger
	protocol config.Protocol

	handled, failed, dropped, duplicates, reverted, refreshed, skipped atomic.Uint64
}

// New creates an Engine over a store and a chain reader.
func New(st store.Store, rd chain.Reader, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		chain:    rd,
		log:      slog.Default(),
		protocol: config.DefaultProtocol(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Handled:        e.handled.Load(),
		Failed:         e.failed.Load(),
		Dropped:        e.dropped.Load(),
		Duplicates:     e.duplicates.Load(),
		RevertedCalls:  e.reverted.Load(),
		Refreshed:      e.refreshed.Load(),
		RefreshSkipped: e.skipped.Load(),
	}
}

// Handle applies one event. Contract reads are pinned to the event's block.
// On error nothing the handler wrote is kept and the event should be
// delivered again; a nil return means the event is fully applied, which
// includes events dropped for an unresolvable market.
//
// Markets the event discovered are registered with the watcher before the
// transaction commits. A failed registration rolls the event back; the
// watcher must accept a contract it already watches.
//
// Handle must not be called concurrently for the same chain.
func (e *Engine) Handle(ctx context.Context, ev event.Event) error {
	start := time.Now()
	meta := ev.EventMeta()
	kind := string(ev.Kind())
	ctx = chain.WithBlock(ctx, meta.BlockNumber)

	var s *session
	err := e.store.InTx(ctx, func(st store.Store) error {
		s = newSession(e, st, ev)
		if err := s.dispatch(ctx, ev); err != nil {
			return err
		}
		return s.registerWatches(ctx)
	})
	metrics.HandlerLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		e.failed.Add(1)
		metrics.EventsProcessed.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("handle %s at block %d tx %s: %w", kind, meta.BlockNumber, meta.TxHash.Hex(), err)
	}

	s.commit()
	for _, addr := range s.watches {
		e.log.Info("watching market", "market", addr.Hex(), "block", meta.BlockNumber)
	}

	e.handled.Add(1)
	result := "applied"
	if s.droppedReason != "" {
		result = "dropped"
	}
	metrics.EventsProcessed.WithLabelValues(kind, result).Inc()
	return nil
}

// Init sets gauges that describe stored state. Call it once before the
// first Handle.
func (e *Engine) Init(ctx context.Context) error {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}
	metrics.TrackedMarkets.Set(float64(len(markets)))
	return nil
}
