// Package chain defines the read-only contract calls the projection engine
// makes against the protocol, its markets, their underlying tokens, and the
// price oracle.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReverted is returned when a contract call reverts or the target has no
// code. Callers treat it as "value unavailable", never as a fault of the
// indexer itself.
var ErrReverted = errors.New("chain: call reverted")

// ProtocolReader reads the comptroller singleton.
type ProtocolReader interface {
	PriceOracle(ctx context.Context) (common.Address, error)
	CloseFactorMantissa(ctx context.Context) (*big.Int, error)
	LiquidationIncentiveMantissa(ctx context.Context) (*big.Int, error)
	MaxAssets(ctx context.Context) (*big.Int, error)
	AllMarkets(ctx context.Context) ([]common.Address, error)
}

// MarketReader reads a market contract.
type MarketReader interface {
	Underlying(ctx context.Context, market common.Address) (common.Address, error)
	InterestRateModel(ctx context.Context, market common.Address) (common.Address, error)
	ReserveFactorMantissa(ctx context.Context, market common.Address) (*big.Int, error)
	ExchangeRateStored(ctx context.Context, market common.Address) (*big.Int, error)
	BorrowIndex(ctx context.Context, market common.Address) (*big.Int, error)
	TotalReserves(ctx context.Context, market common.Address) (*big.Int, error)
	TotalBorrows(ctx context.Context, market common.Address) (*big.Int, error)
	Cash(ctx context.Context, market common.Address) (*big.Int, error)
	BorrowRatePerBlock(ctx context.Context, market common.Address) (*big.Int, error)
	SupplyRatePerBlock(ctx context.Context, market common.Address) (*big.Int, error)
}

// TokenReader reads the ERC-20 surface shared by markets and underlying
// tokens.
type TokenReader interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	Name(ctx context.Context, token common.Address) (string, error)
	Symbol(ctx context.Context, token common.Address) (string, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// OracleReader reads the price oracle.
type OracleReader interface {
	UnderlyingPrice(ctx context.Context, oracle, market common.Address) (*big.Int, error)
}

// Reader is the full set of calls the engine depends on.
type Reader interface {
	ProtocolReader
	MarketReader
	TokenReader
	OracleReader
}

type blockKey struct{}

// WithBlock pins every call made with the returned context to the state at
// the end of block n.
func WithBlock(ctx context.Context, n uint64) context.Context {
	return context.WithValue(ctx, blockKey{}, n)
}

// BlockFrom returns the block pinned by WithBlock.
func BlockFrom(ctx context.Context) (uint64, bool) {
	n, ok := ctx.Value(blockKey{}).(uint64)
	return n, ok
}
