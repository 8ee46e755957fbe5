package projection_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-indexer/internal/chain"
	"github.com/atmx/lending-indexer/internal/chain/chaintest"
	"github.com/atmx/lending-indexer/internal/config"
	"github.com/atmx/lending-indexer/internal/event"
	"github.com/atmx/lending-indexer/internal/metrics"
	"github.com/atmx/lending-indexer/internal/model"
	"github.com/atmx/lending-indexer/internal/projection"
	"github.com/atmx/lending-indexer/internal/store"
)

var (
	comptroller = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	oracleAddr  = common.HexToAddress("0x00000000000000000000000000000000000000fe")

	ethMarket    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ethToken     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdcMarket   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	usdcToken    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	wbtcMarket   = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	wbtcToken    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	nativeMarket = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	unlisted     = common.HexToAddress("0x0000000000000000000000000000000000000bad")

	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x000000000000000000000000000000000000ca01")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// scaled returns units × 10^exp as a raw on-chain integer.
func scaled(units int64, exp int) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
}

func meta(addr common.Address, block, logIndex uint64) event.Meta {
	return event.Meta{
		Address:     addr,
		BlockNumber: block,
		BlockTime:   1_700_000_000 + block*5,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + logIndex)),
		TxLogIndex:  logIndex,
		LogIndex:    logIndex,
	}
}

type recordingWatcher struct {
	mu       sync.Mutex
	watched  []common.Address
	failNext error
}

func (w *recordingWatcher) Watch(_ context.Context, addr common.Address) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failNext; err != nil {
		w.failNext = nil
		return err
	}
	for _, a := range w.watched {
		if a == addr {
			return nil
		}
	}
	w.watched = append(w.watched, addr)
	return nil
}

func (w *recordingWatcher) list() []common.Address {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]common.Address(nil), w.watched...)
}

type harness struct {
	eng     *projection.Engine
	st      *store.MemoryStore
	chain   *chaintest.Fake
	watcher *recordingWatcher
}

func newHarness(t *testing.T, proto config.Protocol) *harness {
	t.Helper()
	h := &harness{
		st:      store.NewMemoryStore(),
		chain:   chaintest.New(),
		watcher: &recordingWatcher{},
	}
	h.eng = projection.New(h.st, h.chain,
		projection.WithWatcher(h.watcher),
		projection.WithProtocol(proto),
		projection.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return h
}

// plainProtocol has no native market and no pegged markets.
func plainProtocol() config.Protocol {
	return config.Protocol{Comptroller: comptroller}
}

func (h *harness) handle(t *testing.T, evs ...event.Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, h.eng.Handle(context.Background(), ev))
	}
}

func (h *harness) market(t *testing.T, addr common.Address) *model.Market {
	t.Helper()
	m, err := h.st.GetMarket(context.Background(), model.AddressID(addr))
	require.NoError(t, err)
	return m
}

func (h *harness) position(t *testing.T, market, account common.Address) *model.AccountPosition {
	t.Helper()
	p, err := h.st.GetPosition(context.Background(), model.PositionID(model.AddressID(market), model.AddressID(account)))
	require.NoError(t, err)
	return p
}

func (h *harness) account(t *testing.T, addr common.Address) *model.Account {
	t.Helper()
	a, err := h.st.GetAccount(context.Background(), model.AddressID(addr))
	require.NoError(t, err)
	return a
}

func (h *harness) history(t *testing.T, kind model.RecordKind) []model.HistoryRecord {
	t.Helper()
	recs, err := h.st.ListHistory(context.Background(), kind)
	require.NoError(t, err)
	return recs
}

// addETH registers an 18-decimal market with an exchange rate of 0.02.
func (h *harness) addETH() {
	h.chain.AddMarket(ethMarket, chaintest.MarketSpec{
		Name: "Lend Ether", Symbol: "lETH",
		Underlying: ethToken, UnderlyingName: "Ether", UnderlyingSymbol: "ETH", UnderlyingDecimals: 18,
		TotalSupply:  scaled(5000, 8),
		ExchangeRate: scaled(2, 26),
		BorrowIndex:  scaled(1, 18),
	})
}

// addUSDC registers a 6-decimal market with a borrow index of 1.05.
func (h *harness) addUSDC() {
	h.chain.AddMarket(usdcMarket, chaintest.MarketSpec{
		Name: "Lend USD Coin", Symbol: "lUSDC",
		Underlying: usdcToken, UnderlyingName: "USD Coin", UnderlyingSymbol: "USDC", UnderlyingDecimals: 6,
		TotalSupply:  scaled(1000, 8),
		ExchangeRate: scaled(2, 14),
		BorrowIndex:  scaled(105, 16),
		TotalBorrows: scaled(500, 6),
	})
}

func TestMintWithoutOracle(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()

	h.handle(t,
		event.MarketListed{Meta: meta(comptroller, 100, 0), Market: ethMarket},
		event.Mint{Meta: meta(ethMarket, 100, 1), Minter: alice, MintAmount: scaled(100, 18), MintTokens: scaled(5000, 8)},
	)

	m := h.market(t, ethMarket)
	assert.Equal(t, "lETH", m.Symbol)
	assert.Equal(t, "ETH", m.UnderlyingSymbol)
	assert.Equal(t, int32(18), m.UnderlyingDecimals)
	// Mint does not refresh the market; only the record carries the reads.
	assert.True(t, m.TotalSupply.IsZero(), "market total supply: %s", m.TotalSupply)
	assert.Zero(t, m.AccrualBlockNumber)

	mints := h.history(t, model.KindMint)
	require.Len(t, mints, 1)
	mint := mints[0].(*model.MintEvent)
	assert.Equal(t, model.RecordID(meta(ethMarket, 100, 1).TxHash, 1), mint.ID)
	assert.True(t, mint.PriceUSD.IsZero(), "price without oracle: %s", mint.PriceUSD)
	assert.True(t, mint.TotalSupply.Equal(d("5000")), "total supply: %s", mint.TotalSupply)
	assert.True(t, mint.Amount.Equal(d("5000")))
	assert.True(t, mint.UnderlyingAmount.Equal(d("100")))
	assert.True(t, mint.ExchangeRate.Equal(d("0.02")), "exchange rate: %s", mint.ExchangeRate)
	assert.Equal(t, model.AddressID(alice), mint.To)
	assert.Equal(t, m.ID, mint.From)

	assert.Equal(t, []common.Address{ethMarket}, h.watcher.list())
	assert.Equal(t, uint64(2), h.eng.Stats().Handled)
}

func TestBorrowRecordsIndexAndBalance(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addUSDC()

	h.handle(t,
		event.AccrueInterest{Meta: meta(usdcMarket, 200, 0), BorrowIndex: scaled(105, 16)},
		event.Borrow{
			Meta: meta(usdcMarket, 200, 1), Borrower: bob,
			BorrowAmount: scaled(500, 6), AccountBorrows: scaled(500, 6), TotalBorrows: scaled(500, 6),
		},
	)

	pos := h.position(t, usdcMarket, bob)
	assert.Equal(t, "500.000000", pos.StoredBorrowBalance.StringFixed(6))
	assert.True(t, pos.StoredBorrowBalance.Equal(d("500")))
	assert.True(t, pos.AccountBorrowIndex.Equal(d("1.05")), "borrow index: %s", pos.AccountBorrowIndex)
	assert.True(t, pos.TotalUnderlyingBorrowed.Equal(d("500")))
	assert.Equal(t, uint64(200), pos.AccrualBlockNumber)
	assert.True(t, h.account(t, bob).HasBorrowed)

	borrows := h.history(t, model.KindBorrow)
	require.Len(t, borrows, 1)
	b := borrows[0].(*model.BorrowEvent)
	assert.Equal(t, "USDC", b.UnderlyingSymbol)
	assert.True(t, b.AccountBorrows.Equal(d("500")))
}

func TestRepayKeepsBorrowIndex(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addUSDC()

	h.handle(t,
		event.AccrueInterest{Meta: meta(usdcMarket, 200, 0)},
		event.Borrow{Meta: meta(usdcMarket, 200, 1), Borrower: bob, BorrowAmount: scaled(500, 6), AccountBorrows: scaled(500, 6)},
		event.RepayBorrow{
			Meta: meta(usdcMarket, 210, 0), Payer: carol, Borrower: bob,
			RepayAmount: scaled(500, 6), AccountBorrows: big.NewInt(0),
		},
	)

	pos := h.position(t, usdcMarket, bob)
	assert.True(t, pos.StoredBorrowBalance.IsZero())
	assert.True(t, pos.AccountBorrowIndex.Equal(d("1.05")), "index after full repay: %s", pos.AccountBorrowIndex)
	assert.True(t, pos.TotalUnderlyingRepaid.Equal(d("500")))
	assert.True(t, pos.TotalUnderlyingBorrowed.Equal(d("500")))

	_, err := h.st.GetAccount(context.Background(), model.AddressID(carol))
	assert.ErrorIs(t, err, store.ErrNotFound, "payer should not become an account")

	repays := h.history(t, model.KindRepay)
	require.Len(t, repays, 1)
	assert.Equal(t, model.AddressID(carol), repays[0].(*model.RepayEvent).Payer)
}

func TestLiquidationWithZeroAmounts(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addUSDC()
	h.addETH()

	h.handle(t, event.LiquidateBorrow{
		Meta:       meta(usdcMarket, 300, 4),
		Liquidator: carol, Borrower: bob,
		RepayAmount: big.NewInt(0), Collateral: ethMarket, SeizeTokens: big.NewInt(0),
	})

	assert.Equal(t, int32(1), h.account(t, carol).CountLiquidator)
	assert.Equal(t, int32(0), h.account(t, carol).CountLiquidated)
	assert.Equal(t, int32(1), h.account(t, bob).CountLiquidated)

	recs := h.history(t, model.KindLiquidation)
	require.Len(t, recs, 1)
	liq := recs[0].(*model.LiquidationEvent)
	assert.Equal(t, "lETH", liq.Symbol)
	assert.Equal(t, "USDC", liq.UnderlyingSymbol)
	assert.True(t, liq.Amount.IsZero())
	assert.True(t, liq.UnderlyingRepayAmount.IsZero())

	// Both markets exist afterwards.
	h.market(t, usdcMarket)
	h.market(t, ethMarket)
}

func TestRefreshOncePerBlock(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()

	h.handle(t,
		event.AccrueInterest{Meta: meta(ethMarket, 400, 0)},
		event.AccrueInterest{Meta: meta(ethMarket, 400, 3)},
		event.Transfer{Meta: meta(ethMarket, 400, 5), From: alice, To: bob, Amount: big.NewInt(0)},
	)

	assert.Equal(t, 1, h.chain.CallCount("borrowIndex"))
	stats := h.eng.Stats()
	assert.Equal(t, uint64(1), stats.Refreshed)
	assert.Equal(t, uint64(1), stats.RefreshSkipped)

	m := h.market(t, ethMarket)
	assert.Equal(t, uint64(400), m.AccrualBlockNumber)
	assert.Equal(t, meta(ethMarket, 400, 0).BlockTime, m.BlockTimestamp)
	assert.True(t, m.ExchangeRate.Equal(d("0.02")))
	assert.True(t, m.TotalSupply.Equal(d("5000")))
	assert.True(t, m.BorrowIndex.Equal(d("1")))

	// A later block syncs again and picks up new values.
	h.chain.Market(ethMarket).BorrowIndex = scaled(11, 17)
	h.handle(t, event.AccrueInterest{Meta: meta(ethMarket, 401, 0)})
	assert.True(t, h.market(t, ethMarket).BorrowIndex.Equal(d("1.1")))
	assert.Equal(t, 2, h.chain.CallCount("borrowIndex"))
}

func TestTransferSides(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()

	h.handle(t,
		// Mint leg: the market sends to alice.
		event.Transfer{Meta: meta(ethMarket, 100, 2), From: ethMarket, To: alice, Amount: scaled(5000, 8)},
		event.Transfer{Meta: meta(ethMarket, 101, 0), From: alice, To: bob, Amount: scaled(1000, 8)},
		// Redeem leg: alice returns tokens to the market.
		event.Transfer{Meta: meta(ethMarket, 102, 0), From: alice, To: ethMarket, Amount: scaled(1000, 8)},
	)

	a := h.position(t, ethMarket, alice)
	assert.True(t, a.PositionBalance.Equal(d("3000")), "alice balance: %s", a.PositionBalance)
	assert.True(t, a.TotalUnderlyingSupplied.Equal(d("100")))
	assert.True(t, a.TotalUnderlyingRedeemed.Equal(d("40")))

	b := h.position(t, ethMarket, bob)
	assert.True(t, b.PositionBalance.Equal(d("1000")))
	assert.True(t, b.TotalUnderlyingSupplied.Equal(d("20")))
	assert.True(t, b.TotalUnderlyingRedeemed.IsZero())

	_, err := h.st.GetPosition(context.Background(), model.PositionID(model.AddressID(ethMarket), model.AddressID(ethMarket)))
	assert.ErrorIs(t, err, store.ErrNotFound, "market must not hold a position in itself")

	transfers := h.history(t, model.KindTransfer)
	require.Len(t, transfers, 3)
	assert.True(t, transfers[0].(*model.TransferEvent).Amount.Equal(d("5000")))
	assert.Equal(t, "lETH", transfers[1].(*model.TransferEvent).Symbol)
}

func TestPositionSeededFromPreviousBlock(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()
	h.chain.SetBalance(ethMarket, alice, scaled(300, 8))

	h.handle(t,
		event.MarketListed{Meta: meta(comptroller, 499, 0), Market: ethMarket},
		event.MarketEntered{Meta: meta(comptroller, 500, 0), Market: ethMarket, Account: alice},
	)

	pos := h.position(t, ethMarket, alice)
	assert.True(t, pos.EnteredMarket)
	assert.True(t, pos.PositionBalance.Equal(d("300")), "seeded balance: %s", pos.PositionBalance)
	assert.Equal(t, []uint64{499}, h.chain.Blocks["balanceOf"])

	h.handle(t, event.MarketExited{Meta: meta(comptroller, 510, 0), Market: ethMarket, Account: alice})
	pos = h.position(t, ethMarket, alice)
	assert.False(t, pos.EnteredMarket)
	assert.True(t, pos.PositionBalance.Equal(d("300")))
	assert.Equal(t, 1, h.chain.CallCount("balanceOf"))
}

func TestDuplicateDeliveryKeepsOneRecord(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()

	mint := event.Mint{Meta: meta(ethMarket, 100, 1), Minter: alice, MintAmount: scaled(1, 18), MintTokens: scaled(50, 8)}
	h.handle(t, mint, mint)

	assert.Len(t, h.history(t, model.KindMint), 1)
	assert.Equal(t, uint64(1), h.eng.Stats().Duplicates)

	enter := event.MarketEntered{Meta: meta(comptroller, 120, 7), Market: ethMarket, Account: bob}
	h.handle(t, enter, enter)

	pos := h.position(t, ethMarket, bob)
	marker, err := h.st.GetAccountTransaction(context.Background(),
		model.AccountTransactionID(pos.ID, enter.TxHash, enter.LogIndex))
	require.NoError(t, err)
	assert.Equal(t, uint64(120), marker.BlockNumber)
	assert.Equal(t, uint64(2), h.eng.Stats().Duplicates)
}

func TestUnknownMarketBootstrapsProtocol(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()
	h.chain.Listed = []common.Address{ethMarket}
	h.chain.SetOracle(oracleAddr)
	h.chain.CloseFactor = scaled(5, 17)
	h.chain.LiquidationIncentive = scaled(108, 16)
	h.chain.MaxAssetsValue = big.NewInt(20)

	h.handle(t, event.MarketEntered{Meta: meta(comptroller, 600, 0), Market: ethMarket, Account: alice})

	p, err := h.st.GetProtocol(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.AddressID(oracleAddr), p.PriceOracle)
	assert.True(t, p.CloseFactor.Equal(d("500000000000000000")))
	assert.True(t, p.LiquidationIncentive.Equal(d("1080000000000000000")))
	assert.Equal(t, int64(20), p.MaxAssets)

	m := h.market(t, ethMarket)
	assert.Equal(t, uint64(600), m.AccrualBlockNumber)
	assert.True(t, h.position(t, ethMarket, alice).EnteredMarket)
	assert.Equal(t, []common.Address{ethMarket}, h.watcher.list())
}

func TestUnknownMarketIsDropped(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()
	h.chain.Listed = []common.Address{ethMarket}

	h.handle(t,
		event.MarketEntered{Meta: meta(comptroller, 700, 0), Market: unlisted, Account: alice},
		event.NewCollateralFactor{Meta: meta(comptroller, 701, 0), Market: unlisted, NewCollateralFactorMantissa: scaled(5, 17)},
	)

	stats := h.eng.Stats()
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, uint64(2), stats.Handled)
	assert.Equal(t, 1, h.chain.CallCount("getAllMarkets"), "protocol syncs once")

	_, err := h.st.GetAccount(context.Background(), model.AddressID(alice))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCollateralFactor(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()

	h.handle(t,
		event.MarketListed{Meta: meta(comptroller, 10, 0), Market: ethMarket},
		event.NewCollateralFactor{Meta: meta(comptroller, 11, 0), Market: ethMarket, NewCollateralFactorMantissa: scaled(75, 16)},
		event.NewReserveFactor{Meta: meta(ethMarket, 12, 0), NewReserveFactorMantissa: scaled(1, 17)},
		event.NewMarketInterestRateModel{Meta: meta(ethMarket, 13, 0), NewInterestRateModel: carol},
	)

	m := h.market(t, ethMarket)
	assert.True(t, m.CollateralFactor.Equal(d("0.75")))
	assert.True(t, m.ReserveFactor.Equal(d("0.1")))
	assert.Equal(t, model.AddressID(carol), m.InterestRateModelAddress)
}

func TestProtocolParametersUpdateOneField(t *testing.T) {
	h := newHarness(t, plainProtocol())

	h.handle(t,
		event.NewCloseFactor{Meta: meta(comptroller, 1, 0), NewCloseFactorMantissa: scaled(5, 17)},
		event.NewLiquidationIncentive{Meta: meta(comptroller, 2, 0), NewLiquidationIncentiveMantissa: scaled(108, 16)},
		event.NewMaxAssets{Meta: meta(comptroller, 3, 0), NewMaxAssets: big.NewInt(10)},
		event.NewPriceOracle{Meta: meta(comptroller, 4, 0), NewPriceOracle: oracleAddr},
	)

	p, err := h.st.GetProtocol(context.Background())
	require.NoError(t, err)
	assert.True(t, p.CloseFactor.Equal(d("500000000000000000")))
	assert.True(t, p.LiquidationIncentive.Equal(d("1080000000000000000")))
	assert.Equal(t, int64(10), p.MaxAssets)
	assert.Equal(t, model.AddressID(oracleAddr), p.PriceOracle)
	assert.Zero(t, h.chain.CallCount("getAllMarkets"))
}

func TestPricing(t *testing.T) {
	proto := config.Protocol{
		Comptroller: comptroller,
		NativeMarket: config.NativeMarket{
			Address: nativeMarket, UnderlyingName: "Ada", UnderlyingSymbol: "ADA", UnderlyingDecimals: 18,
		},
		USDPegged: []common.Address{usdcMarket},
	}
	h := newHarness(t, proto)
	h.addUSDC()
	h.chain.AddMarket(nativeMarket, chaintest.MarketSpec{Name: "Lend Ada", Symbol: "lADA", BorrowIndex: scaled(1, 18)})
	h.chain.AddMarket(wbtcMarket, chaintest.MarketSpec{
		Name: "Lend Bitcoin", Symbol: "lWBTC",
		Underlying: wbtcToken, UnderlyingName: "Wrapped Bitcoin", UnderlyingSymbol: "WBTC", UnderlyingDecimals: 8,
		BorrowIndex: scaled(1, 18),
	})
	h.chain.SetPrice(nativeMarket, scaled(5, 17))   // 0.5 USD
	h.chain.SetPrice(wbtcMarket, scaled(30000, 28)) // 30000 USD, scaled by 10^(36-8)
	h.chain.SetPrice(usdcMarket, scaled(102, 28))   // 1.02 USD, scaled by 10^(36-6)

	h.handle(t,
		event.NewPriceOracle{Meta: meta(comptroller, 50, 0), NewPriceOracle: oracleAddr},
		event.AccrueInterest{Meta: meta(nativeMarket, 51, 0)},
		event.AccrueInterest{Meta: meta(wbtcMarket, 51, 1)},
		event.AccrueInterest{Meta: meta(usdcMarket, 51, 2)},
	)

	native := h.market(t, nativeMarket)
	assert.Equal(t, "ADA", native.UnderlyingSymbol)
	assert.Equal(t, model.ZeroAddress, native.UnderlyingAddress)
	assert.True(t, native.UnderlyingPrice.Equal(d("1")))
	assert.True(t, native.UnderlyingPriceUSD.Equal(d("0.5")), "native usd: %s", native.UnderlyingPriceUSD)

	wbtc := h.market(t, wbtcMarket)
	assert.True(t, wbtc.UnderlyingPriceUSD.Equal(d("30000")), "wbtc usd: %s", wbtc.UnderlyingPriceUSD)
	assert.True(t, wbtc.UnderlyingPrice.Equal(d("60000")), "wbtc in native: %s", wbtc.UnderlyingPrice)

	usdc := h.market(t, usdcMarket)
	assert.True(t, usdc.UnderlyingPriceUSD.Equal(d("1")), "pegged usd price must stay 1: %s", usdc.UnderlyingPriceUSD)
	assert.True(t, usdc.UnderlyingPrice.Equal(d("2.04")), "usdc in native: %s", usdc.UnderlyingPrice)
}

func TestOracleRevertPricesAtZero(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()

	h.handle(t,
		event.NewPriceOracle{Meta: meta(comptroller, 60, 0), NewPriceOracle: oracleAddr},
		event.AccrueInterest{Meta: meta(ethMarket, 61, 0)},
	)

	m := h.market(t, ethMarket)
	assert.True(t, m.UnderlyingPriceUSD.IsZero())
	assert.True(t, m.UnderlyingPrice.IsZero())
	assert.GreaterOrEqual(t, h.eng.Stats().RevertedCalls, uint64(1))
}

func TestMandatoryRevertRollsBack(t *testing.T) {
	h := newHarness(t, plainProtocol())

	err := h.eng.Handle(context.Background(), event.MarketListed{Meta: meta(comptroller, 80, 0), Market: unlisted})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrReverted), "got %v", err)
	assert.Empty(t, h.watcher.list(), "failed event registers nothing")
	assert.Equal(t, uint64(1), h.eng.Stats().Failed)

	_, err = h.st.GetMarket(context.Background(), model.AddressID(unlisted))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefreshRevertDiscardsCreatedMarket(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()
	h.chain.Market(ethMarket).BorrowIndex = nil

	err := h.eng.Handle(context.Background(), event.AccrueInterest{Meta: meta(ethMarket, 90, 0)})
	require.ErrorIs(t, err, chain.ErrReverted)

	_, err = h.st.GetMarket(context.Background(), model.AddressID(ethMarket))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, h.eng.Stats().Refreshed)
}

func TestRedeemRecord(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addUSDC()

	h.handle(t, event.Redeem{Meta: meta(usdcMarket, 150, 3), Redeemer: alice, RedeemAmount: scaled(25, 5), RedeemTokens: scaled(1250, 8)})

	recs := h.history(t, model.KindRedeem)
	require.Len(t, recs, 1)
	r := recs[0].(*model.RedeemEvent)
	assert.True(t, r.UnderlyingAmount.Equal(d("2.5")))
	assert.True(t, r.Amount.Equal(d("1250")))
	assert.Equal(t, model.AddressID(usdcMarket), r.To)
	assert.Equal(t, model.AddressID(alice), r.From)

	_, err := h.st.GetPosition(context.Background(), model.PositionID(model.AddressID(usdcMarket), model.AddressID(alice)))
	assert.ErrorIs(t, err, store.ErrNotFound, "redeem leaves balances to the transfer")
}

func TestReplayedLogsApplyDeltasOnce(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()
	h.addUSDC()

	mintLeg := event.Transfer{Meta: meta(ethMarket, 100, 2), From: ethMarket, To: alice, Amount: scaled(5000, 8)}
	tr := event.Transfer{Meta: meta(ethMarket, 101, 0), From: alice, To: bob, Amount: scaled(1000, 8)}
	h.handle(t, mintLeg, tr, tr, mintLeg)

	a := h.position(t, ethMarket, alice)
	assert.True(t, a.PositionBalance.Equal(d("4000")), "alice balance: %s", a.PositionBalance)
	assert.True(t, a.TotalUnderlyingSupplied.Equal(d("100")))
	assert.True(t, a.TotalUnderlyingRedeemed.Equal(d("20")))

	b := h.position(t, ethMarket, bob)
	assert.True(t, b.PositionBalance.Equal(d("1000")), "bob balance: %s", b.PositionBalance)
	assert.True(t, b.TotalUnderlyingSupplied.Equal(d("20")), "bob supplied: %s", b.TotalUnderlyingSupplied)
	assert.Len(t, h.history(t, model.KindTransfer), 2)

	borrow := event.Borrow{Meta: meta(usdcMarket, 200, 1), Borrower: bob, BorrowAmount: scaled(500, 6), AccountBorrows: scaled(500, 6)}
	repay := event.RepayBorrow{Meta: meta(usdcMarket, 210, 0), Payer: bob, Borrower: bob, RepayAmount: scaled(200, 6), AccountBorrows: scaled(300, 6)}
	h.handle(t, borrow, borrow, repay, repay)

	pos := h.position(t, usdcMarket, bob)
	assert.True(t, pos.TotalUnderlyingBorrowed.Equal(d("500")), "borrowed: %s", pos.TotalUnderlyingBorrowed)
	assert.True(t, pos.TotalUnderlyingRepaid.Equal(d("200")), "repaid: %s", pos.TotalUnderlyingRepaid)
	assert.True(t, pos.StoredBorrowBalance.Equal(d("300")))

	liq := event.LiquidateBorrow{
		Meta:       meta(usdcMarket, 300, 4),
		Liquidator: carol, Borrower: bob,
		RepayAmount: big.NewInt(0), Collateral: ethMarket, SeizeTokens: big.NewInt(0),
	}
	h.handle(t, liq, liq)
	assert.Equal(t, int32(1), h.account(t, carol).CountLiquidator)
	assert.Equal(t, int32(1), h.account(t, bob).CountLiquidated)
}

func TestSelfTransferKeepsBalance(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()

	h.handle(t,
		event.Transfer{Meta: meta(ethMarket, 100, 2), From: ethMarket, To: alice, Amount: scaled(5000, 8)},
		event.Transfer{Meta: meta(ethMarket, 101, 0), From: alice, To: alice, Amount: scaled(1000, 8)},
	)

	a := h.position(t, ethMarket, alice)
	assert.True(t, a.PositionBalance.Equal(d("5000")), "alice balance: %s", a.PositionBalance)
	assert.True(t, a.TotalUnderlyingSupplied.Equal(d("120")))
	assert.True(t, a.TotalUnderlyingRedeemed.Equal(d("20")))
	assert.Zero(t, h.eng.Stats().Duplicates)
}

func TestWatchFailureRollsBackBootstrap(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()
	h.chain.Listed = []common.Address{ethMarket}
	h.watcher.failNext = errors.New("redis down")

	enter := event.MarketEntered{Meta: meta(comptroller, 600, 0), Market: ethMarket, Account: alice}
	err := h.eng.Handle(context.Background(), enter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")

	_, err = h.st.GetProtocol(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound, "protocol must roll back with the failed watch")

	h.handle(t, enter)
	assert.Equal(t, []common.Address{ethMarket}, h.watcher.list())
	assert.True(t, h.position(t, ethMarket, alice).EnteredMarket)

	stats := h.eng.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Handled)
}

func TestInitCountsStoredMarkets(t *testing.T) {
	h := newHarness(t, plainProtocol())
	h.addETH()
	h.addUSDC()
	h.handle(t,
		event.MarketListed{Meta: meta(comptroller, 10, 0), Market: ethMarket},
		event.MarketListed{Meta: meta(comptroller, 10, 1), Market: usdcMarket},
	)

	// A restarted engine over the same store.
	restarted := projection.New(h.st, h.chain, projection.WithProtocol(plainProtocol()))
	require.NoError(t, restarted.Init(context.Background()))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.TrackedMarkets))
}
