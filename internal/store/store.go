// Package store defines the persistence interface for the indexer.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/lending-indexer/internal/model"
)

// ErrNotFound is returned by every Get method when the key has no entity.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Mutable entities are saved whole
// (upsert); history records and transaction markers are insert-if-absent.
type Store interface {
	// --- Protocol singleton ---

	GetProtocol(ctx context.Context) (*model.Protocol, error)
	SaveProtocol(ctx context.Context, p *model.Protocol) error

	// --- Markets ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	SaveMarket(ctx context.Context, m *model.Market) error
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Accounts and positions ---

	GetAccount(ctx context.Context, id string) (*model.Account, error)
	SaveAccount(ctx context.Context, a *model.Account) error
	GetPosition(ctx context.Context, id string) (*model.AccountPosition, error)
	SavePosition(ctx context.Context, p *model.AccountPosition) error

	// CreateAccountTransaction inserts the marker unless one with the same
	// ID exists. It reports whether a row was created.
	CreateAccountTransaction(ctx context.Context, t *model.AccountTransaction) (bool, error)
	GetAccountTransaction(ctx context.Context, id string) (*model.AccountTransaction, error)

	// --- Immutable history ---

	// InsertHistory appends a record unless one with the same kind and ID
	// exists. It reports whether a row was created.
	InsertHistory(ctx context.Context, rec model.HistoryRecord) (bool, error)
	GetHistory(ctx context.Context, kind model.RecordKind, id string) (model.HistoryRecord, error)
	ListHistory(ctx context.Context, kind model.RecordKind) ([]model.HistoryRecord, error)

	// InTx runs fn against a Store whose writes commit together when fn
	// returns nil and are discarded otherwise. Calling InTx on the Store
	// passed to fn runs the nested fn in the same transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}
