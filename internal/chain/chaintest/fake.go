// Package chaintest provides an in-memory chain.Reader for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/lending-indexer/internal/chain"
)

// Token is the ERC-20 surface of a contract. A nil field reverts.
type Token struct {
	Decimals    *uint8
	Name        *string
	Symbol      *string
	TotalSupply *big.Int
	Balances    map[common.Address]*big.Int
}

// Market is the market-contract surface. A nil field reverts.
type Market struct {
	Underlying         *common.Address
	InterestRateModel  *common.Address
	ReserveFactor      *big.Int
	ExchangeRateStored *big.Int
	BorrowIndex        *big.Int
	TotalReserves      *big.Int
	TotalBorrows       *big.Int
	Cash               *big.Int
	BorrowRatePerBlock *big.Int
	SupplyRatePerBlock *big.Int
}

// Fake is a configurable chain. Unconfigured calls revert with
// chain.ErrReverted; Calls counts every call by method name.
type Fake struct {
	mu sync.Mutex

	Oracle               *common.Address
	CloseFactor          *big.Int
	LiquidationIncentive *big.Int
	MaxAssetsValue       *big.Int
	Listed               []common.Address

	Markets map[common.Address]*Market
	Tokens  map[common.Address]*Token
	Prices  map[common.Address]*big.Int // keyed by market

	Calls map[string]int
	// Blocks records the pinned block of every call, by method name.
	Blocks map[string][]uint64
}

// New returns an empty fake chain.
func New() *Fake {
	return &Fake{
		Markets: make(map[common.Address]*Market),
		Tokens:  make(map[common.Address]*Token),
		Prices:  make(map[common.Address]*big.Int),
		Calls:   make(map[string]int),
		Blocks:  make(map[string][]uint64),
	}
}

// MarketSpec describes a market and its underlying token for AddMarket.
// Raw values are in on-chain units.
type MarketSpec struct {
	Name, Symbol       string
	Underlying         common.Address
	UnderlyingName     string
	UnderlyingSymbol   string
	UnderlyingDecimals uint8
	TotalSupply        *big.Int
	ExchangeRate       *big.Int
	BorrowIndex        *big.Int
	Reserves           *big.Int
	TotalBorrows       *big.Int
	Cash               *big.Int
	BorrowRate         *big.Int
	SupplyRate         *big.Int
	ReserveFactor      *big.Int
	InterestRateModel  common.Address
}

// AddMarket registers a market contract and, unless the underlying is the
// zero address, its underlying token. Every metric not given is zero.
func (f *Fake) AddMarket(addr common.Address, s MarketSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dec := uint8(8)
	irm := s.InterestRateModel
	underlying := s.Underlying
	f.Markets[addr] = &Market{
		Underlying:         &underlying,
		InterestRateModel:  &irm,
		ReserveFactor:      orZero(s.ReserveFactor),
		ExchangeRateStored: orZero(s.ExchangeRate),
		BorrowIndex:        orZero(s.BorrowIndex),
		TotalReserves:      orZero(s.Reserves),
		TotalBorrows:       orZero(s.TotalBorrows),
		Cash:               orZero(s.Cash),
		BorrowRatePerBlock: orZero(s.BorrowRate),
		SupplyRatePerBlock: orZero(s.SupplyRate),
	}
	f.Tokens[addr] = &Token{
		Decimals:    &dec,
		Name:        ptr(s.Name),
		Symbol:      ptr(s.Symbol),
		TotalSupply: orZero(s.TotalSupply),
		Balances:    make(map[common.Address]*big.Int),
	}
	if (underlying != common.Address{}) {
		ud := s.UnderlyingDecimals
		f.Tokens[underlying] = &Token{
			Decimals:    &ud,
			Name:        ptr(s.UnderlyingName),
			Symbol:      ptr(s.UnderlyingSymbol),
			TotalSupply: big.NewInt(0),
			Balances:    make(map[common.Address]*big.Int),
		}
	}
}

// SetOracle sets the address the comptroller reports as its oracle.
func (f *Fake) SetOracle(a common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Oracle = &a
}

// SetPrice sets the oracle's raw price for a market.
func (f *Fake) SetPrice(market common.Address, raw *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prices[market] = raw
}

// Market returns the mutable market surface, for tweaking values mid-test.
func (f *Fake) Market(addr common.Address) *Market {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Markets[addr]
}

// SetBalance sets token.balanceOf(owner).
func (f *Fake) SetBalance(token, owner common.Address, raw *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tokens[token]
	if !ok {
		t = &Token{Balances: make(map[common.Address]*big.Int)}
		f.Tokens[token] = t
	}
	t.Balances[owner] = raw
}

// CallCount returns how many times method was called.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

func (f *Fake) record(ctx context.Context, method string) {
	f.Calls[method]++
	if n, ok := chain.BlockFrom(ctx); ok {
		f.Blocks[method] = append(f.Blocks[method], n)
	}
}

func reverted(method string, addr common.Address) error {
	return fmt.Errorf("%s on %s: %w", method, addr.Hex(), chain.ErrReverted)
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return x
}

func ptr[T any](v T) *T { return &v }

func bigOrRevert(x *big.Int, method string, addr common.Address) (*big.Int, error) {
	if x == nil {
		return nil, reverted(method, addr)
	}
	return new(big.Int).Set(x), nil
}

// --- chain.ProtocolReader ---

var comptrollerAddr = common.HexToAddress("0x000000000000000000000000000000000000c0de")

func (f *Fake) PriceOracle(ctx context.Context) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "oracle")
	if f.Oracle == nil {
		return common.Address{}, reverted("oracle", comptrollerAddr)
	}
	return *f.Oracle, nil
}

func (f *Fake) CloseFactorMantissa(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "closeFactorMantissa")
	return bigOrRevert(f.CloseFactor, "closeFactorMantissa", comptrollerAddr)
}

func (f *Fake) LiquidationIncentiveMantissa(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "liquidationIncentiveMantissa")
	return bigOrRevert(f.LiquidationIncentive, "liquidationIncentiveMantissa", comptrollerAddr)
}

func (f *Fake) MaxAssets(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "maxAssets")
	return bigOrRevert(f.MaxAssetsValue, "maxAssets", comptrollerAddr)
}

func (f *Fake) AllMarkets(ctx context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "getAllMarkets")
	return append([]common.Address(nil), f.Listed...), nil
}

// --- chain.MarketReader ---

func (f *Fake) marketField(ctx context.Context, addr common.Address, method string, get func(*Market) *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, method)
	m, ok := f.Markets[addr]
	if !ok {
		return nil, reverted(method, addr)
	}
	return bigOrRevert(get(m), method, addr)
}

func (f *Fake) Underlying(ctx context.Context, market common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "underlying")
	m, ok := f.Markets[market]
	if !ok || m.Underlying == nil {
		return common.Address{}, reverted("underlying", market)
	}
	return *m.Underlying, nil
}

func (f *Fake) InterestRateModel(ctx context.Context, market common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "interestRateModel")
	m, ok := f.Markets[market]
	if !ok || m.InterestRateModel == nil {
		return common.Address{}, reverted("interestRateModel", market)
	}
	return *m.InterestRateModel, nil
}

func (f *Fake) ReserveFactorMantissa(ctx context.Context, market common.Address) (*big.Int, error) {
	return f.marketField(ctx, market, "reserveFactorMantissa", func(m *Market) *big.Int { return m.ReserveFactor })
}

func (f *Fake) ExchangeRateStored(ctx context.Context, market common.Address) (*big.Int, error) {
	return f.marketField(ctx, market, "exchangeRateStored", func(m *Market) *big.Int { return m.ExchangeRateStored })
}

func (f *Fake) BorrowIndex(ctx context.Context, market common.Address) (*big.Int, error) {
	return f.marketField(ctx, market, "borrowIndex", func(m *Market) *big.Int { return m.BorrowIndex })
}

func (f *Fake) TotalReserves(ctx context.Context, market common.Address) (*big.Int, error) {
	return f.marketField(ctx, market, "totalReserves", func(m *Market) *big.Int { return m.TotalReserves })
}

func (f *Fake) TotalBorrows(ctx context.Context, market common.Address) (*big.Int, error) {
	return f.marketField(ctx, market, "totalBorrows", func(m *Market) *big.Int { return m.TotalBorrows })
}

func (f *Fake) Cash(ctx context.Context, market common.Address) (*big.Int, error) {
	return f.marketField(ctx, market, "getCash", func(m *Market) *big.Int { return m.Cash })
}

func (f *Fake) BorrowRatePerBlock(ctx context.Context, market common.Address) (*big.Int, error) {
	return f.marketField(ctx, market, "borrowRatePerBlock", func(m *Market) *big.Int { return m.BorrowRatePerBlock })
}

func (f *Fake) SupplyRatePerBlock(ctx context.Context, market common.Address) (*big.Int, error) {
	return f.marketField(ctx, market, "supplyRatePerBlock", func(m *Market) *big.Int { return m.SupplyRatePerBlock })
}

// --- chain.TokenReader ---

func (f *Fake) token(ctx context.Context, addr common.Address, method string) (*Token, error) {
	f.record(ctx, method)
	t, ok := f.Tokens[addr]
	if !ok {
		return nil, reverted(method, addr)
	}
	return t, nil
}

func (f *Fake) Decimals(ctx context.Context, addr common.Address) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.token(ctx, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if t.Decimals == nil {
		return 0, reverted("decimals", addr)
	}
	return *t.Decimals, nil
}

func (f *Fake) Name(ctx context.Context, addr common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.token(ctx, addr, "name")
	if err != nil {
		return "", err
	}
	if t.Name == nil {
		return "", reverted("name", addr)
	}
	return *t.Name, nil
}

func (f *Fake) Symbol(ctx context.Context, addr common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.token(ctx, addr, "symbol")
	if err != nil {
		return "", err
	}
	if t.Symbol == nil {
		return "", reverted("symbol", addr)
	}
	return *t.Symbol, nil
}

func (f *Fake) TotalSupply(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.token(ctx, addr, "totalSupply")
	if err != nil {
		return nil, err
	}
	return bigOrRevert(t.TotalSupply, "totalSupply", addr)
}

func (f *Fake) BalanceOf(ctx context.Context, addr, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.token(ctx, addr, "balanceOf")
	if err != nil {
		return nil, err
	}
	if b, ok := t.Balances[owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

// --- chain.OracleReader ---

func (f *Fake) UnderlyingPrice(ctx context.Context, oracle, market common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "getUnderlyingPrice")
	return bigOrRevert(f.Prices[market], "getUnderlyingPrice", oracle)
}

var _ chain.Reader = (*Fake)(nil)
