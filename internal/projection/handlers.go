package projection

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-indexer/internal/event"
	"github.com/atmx/lending-indexer/internal/model"
	"github.com/atmx/lending-indexer/internal/numeric"
)

const dropUnknownMarket = "unknown_market"

func (s *session) dispatch(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case event.MarketListed:
		return s.handleMarketListed(ctx, e)
	case event.MarketEntered:
		return s.handleMembership(ctx, e.Market, e.Account, true)
	case event.MarketExited:
		return s.handleMembership(ctx, e.Market, e.Account, false)
	case event.NewCloseFactor:
		return s.handleNewCloseFactor(ctx, e)
	case event.NewLiquidationIncentive:
		return s.handleNewLiquidationIncentive(ctx, e)
	case event.NewMaxAssets:
		return s.handleNewMaxAssets(ctx, e)
	case event.NewPriceOracle:
		return s.handleNewPriceOracle(ctx, e)
	case event.NewCollateralFactor:
		return s.handleNewCollateralFactor(ctx, e)
	case event.Mint:
		return s.handleMint(ctx, e)
	case event.Redeem:
		return s.handleRedeem(ctx, e)
	case event.Borrow:
		return s.handleBorrow(ctx, e)
	case event.RepayBorrow:
		return s.handleRepayBorrow(ctx, e)
	case event.LiquidateBorrow:
		return s.handleLiquidateBorrow(ctx, e)
	case event.Transfer:
		return s.handleTransfer(ctx, e)
	case event.AccrueInterest:
		_, err := s.refreshMarket(ctx, e.Address, e.BlockNumber, e.BlockTime)
		return err
	case event.NewReserveFactor:
		return s.handleNewReserveFactor(ctx, e)
	case event.NewMarketInterestRateModel:
		return s.handleNewMarketInterestRateModel(ctx, e)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

// underlying converts a raw underlying amount, truncated to its decimals.
func underlying(raw *big.Int, m *model.Market) decimal.Decimal {
	return numeric.NormalizeTrunc(raw, int(m.UnderlyingDecimals), m.UnderlyingDecimals)
}

// positionTokens converts a raw position token amount.
func positionTokens(raw *big.Int) decimal.Decimal {
	return numeric.NormalizeTrunc(raw, numeric.PositionTokenDecimals, numeric.PositionTokenDecimals)
}

// --- Comptroller events ---

func (s *session) handleMarketListed(ctx context.Context, e event.MarketListed) error {
	if _, err := s.getOrCreateMarket(ctx, e.Market); err != nil {
		return err
	}
	s.watch(e.Market)
	return nil
}

// handleMembership sets whether the account uses the market as collateral.
func (s *session) handleMembership(ctx context.Context, market, account common.Address, entered bool) error {
	m, err := s.resolveMarket(ctx, market)
	if err != nil {
		return err
	}
	if m == nil {
		s.drop(dropUnknownMarket, "market", model.AddressID(market))
		return nil
	}

	if _, err := s.getOrCreateAccount(ctx, account); err != nil {
		return err
	}
	pos, _, err := s.getOrCreatePosition(ctx, m, account)
	if err != nil {
		return err
	}
	pos.EnteredMarket = entered
	return s.st.SavePosition(ctx, pos)
}

func (s *session) handleNewCloseFactor(ctx context.Context, e event.NewCloseFactor) error {
	p, err := s.getOrCreateProtocol(ctx)
	if err != nil {
		return err
	}
	p.CloseFactor = numeric.FromInt(e.NewCloseFactorMantissa)
	return s.st.SaveProtocol(ctx, p)
}

func (s *session) handleNewLiquidationIncentive(ctx context.Context, e event.NewLiquidationIncentive) error {
	p, err := s.getOrCreateProtocol(ctx)
	if err != nil {
		return err
	}
	p.LiquidationIncentive = numeric.FromInt(e.NewLiquidationIncentiveMantissa)
	return s.st.SaveProtocol(ctx, p)
}

func (s *session) handleNewMaxAssets(ctx context.Context, e event.NewMaxAssets) error {
	p, err := s.getOrCreateProtocol(ctx)
	if err != nil {
		return err
	}
	p.MaxAssets = int64Of(e.NewMaxAssets)
	return s.st.SaveProtocol(ctx, p)
}

func (s *session) handleNewPriceOracle(ctx context.Context, e event.NewPriceOracle) error {
	p, err := s.getOrCreateProtocol(ctx)
	if err != nil {
		return err
	}
	p.PriceOracle = model.AddressID(e.NewPriceOracle)
	return s.st.SaveProtocol(ctx, p)
}

func (s *session) handleNewCollateralFactor(ctx context.Context, e event.NewCollateralFactor) error {
	m, err := s.resolveMarket(ctx, e.Market)
	if err != nil {
		return err
	}
	if m == nil {
		s.drop(dropUnknownMarket, "market", model.AddressID(e.Market))
		return nil
	}
	m.CollateralFactor = mantissa(e.NewCollateralFactorMantissa)
	return s.st.SaveMarket(ctx, m)
}

// --- Market events ---

// handleMint records a supply. The paired Transfer from the market moves
// the position balance.
func (s *session) handleMint(ctx context.Context, e event.Mint) error {
	m, err := s.getOrCreateMarket(ctx, e.Address)
	if err != nil {
		return err
	}

	rec := &model.MintEvent{
		Record:           s.recordBase(),
		Amount:           positionTokens(e.MintTokens),
		To:               model.AddressID(e.Minter),
		From:             m.ID,
		Symbol:           m.Symbol,
		UnderlyingAmount: underlying(e.MintAmount, m),
	}

	supplyRate, err := s.optional("supplyRatePerBlock", e.Address, func() (*big.Int, error) {
		return s.chain.SupplyRatePerBlock(ctx, e.Address)
	})
	if err != nil {
		return err
	}
	rec.SupplyRatePerBlock = mantissa(supplyRate)

	borrowRate, err := s.optional("borrowRatePerBlock", e.Address, func() (*big.Int, error) {
		return s.chain.BorrowRatePerBlock(ctx, e.Address)
	})
	if err != nil {
		return err
	}
	rec.BorrowRatePerBlock = mantissa(borrowRate)

	rate, err := s.optional("exchangeRateStored", e.Address, func() (*big.Int, error) {
		return s.chain.ExchangeRateStored(ctx, e.Address)
	})
	if err != nil {
		return err
	}
	rec.ExchangeRate = exchangeRate(rate, m.UnderlyingDecimals)

	if rec.TotalSupply, err = s.positionTokenSupply(ctx, e.Address); err != nil {
		return err
	}

	borrows, err := s.optional("totalBorrows", e.Address, func() (*big.Int, error) {
		return s.chain.TotalBorrows(ctx, e.Address)
	})
	if err != nil {
		return err
	}
	rec.TotalBorrows = underlying(borrows, m)

	if rec.PriceUSD, err = s.resolveUnderlyingPriceUSD(ctx, e.Address, m.UnderlyingDecimals); err != nil {
		return err
	}
	return s.insertHistory(ctx, rec)
}

// handleRedeem records a withdrawal. The paired Transfer to the market
// moves the position balance.
func (s *session) handleRedeem(ctx context.Context, e event.Redeem) error {
	m, err := s.getOrCreateMarket(ctx, e.Address)
	if err != nil {
		return err
	}
	return s.insertHistory(ctx, &model.RedeemEvent{
		Record:           s.recordBase(),
		Amount:           positionTokens(e.RedeemTokens),
		To:               m.ID,
		From:             model.AddressID(e.Redeemer),
		Symbol:           m.Symbol,
		UnderlyingAmount: underlying(e.RedeemAmount, m),
	})
}

func (s *session) handleBorrow(ctx context.Context, e event.Borrow) error {
	m, err := s.getOrCreateMarket(ctx, e.Address)
	if err != nil {
		return err
	}

	acc, err := s.getOrCreateAccount(ctx, e.Borrower)
	if err != nil {
		return err
	}
	acc.HasBorrowed = true
	if err := s.st.SaveAccount(ctx, acc); err != nil {
		return err
	}

	pos, fresh, err := s.getOrCreatePosition(ctx, m, e.Borrower)
	if err != nil {
		return err
	}
	pos.StoredBorrowBalance = underlying(e.AccountBorrows, m)
	pos.AccountBorrowIndex = m.BorrowIndex
	if fresh {
		pos.TotalUnderlyingBorrowed = pos.TotalUnderlyingBorrowed.Add(underlying(e.BorrowAmount, m))
	}
	if err := s.st.SavePosition(ctx, pos); err != nil {
		return err
	}

	return s.insertHistory(ctx, &model.BorrowEvent{
		Record:           s.recordBase(),
		Amount:           underlying(e.BorrowAmount, m),
		AccountBorrows:   pos.StoredBorrowBalance,
		Borrower:         acc.ID,
		UnderlyingSymbol: m.UnderlyingSymbol,
	})
}

// handleRepayBorrow updates the borrower's position. The borrow index is
// kept even when the balance reaches zero.
func (s *session) handleRepayBorrow(ctx context.Context, e event.RepayBorrow) error {
	m, err := s.getOrCreateMarket(ctx, e.Address)
	if err != nil {
		return err
	}
	if _, err := s.getOrCreateAccount(ctx, e.Borrower); err != nil {
		return err
	}

	pos, fresh, err := s.getOrCreatePosition(ctx, m, e.Borrower)
	if err != nil {
		return err
	}
	pos.StoredBorrowBalance = underlying(e.AccountBorrows, m)
	pos.AccountBorrowIndex = m.BorrowIndex
	if fresh {
		pos.TotalUnderlyingRepaid = pos.TotalUnderlyingRepaid.Add(underlying(e.RepayAmount, m))
	}
	if err := s.st.SavePosition(ctx, pos); err != nil {
		return err
	}

	return s.insertHistory(ctx, &model.RepayEvent{
		Record:           s.recordBase(),
		Amount:           underlying(e.RepayAmount, m),
		AccountBorrows:   pos.StoredBorrowBalance,
		Borrower:         model.AddressID(e.Borrower),
		Payer:            model.AddressID(e.Payer),
		UnderlyingSymbol: m.UnderlyingSymbol,
	})
}

// handleLiquidateBorrow only counts the liquidation. The paired RepayBorrow
// and Transfer events move the balances. The counters follow the record, so
// a replayed log counts once.
func (s *session) handleLiquidateBorrow(ctx context.Context, e event.LiquidateBorrow) error {
	liquidator, err := s.getOrCreateAccount(ctx, e.Liquidator)
	if err != nil {
		return err
	}
	borrower, err := s.getOrCreateAccount(ctx, e.Borrower)
	if err != nil {
		return err
	}

	repaid, err := s.getOrCreateMarket(ctx, e.Address)
	if err != nil {
		return err
	}
	collateral, err := s.getOrCreateMarket(ctx, e.Collateral)
	if err != nil {
		return err
	}

	created, err := s.recordHistory(ctx, &model.LiquidationEvent{
		Record:                s.recordBase(),
		Amount:                positionTokens(e.SeizeTokens),
		To:                    liquidator.ID,
		From:                  borrower.ID,
		Symbol:                collateral.Symbol,
		UnderlyingSymbol:      repaid.UnderlyingSymbol,
		UnderlyingRepayAmount: underlying(e.RepayAmount, repaid),
	})
	if err != nil || !created {
		return err
	}

	liquidator.CountLiquidator++
	if err := s.st.SaveAccount(ctx, liquidator); err != nil {
		return err
	}
	if borrower.ID == liquidator.ID {
		borrower.CountLiquidator = liquidator.CountLiquidator
	}
	borrower.CountLiquidated++
	return s.st.SaveAccount(ctx, borrower)
}

// handleTransfer moves position tokens between accounts. A side whose
// address is the market itself is the mint or redeem leg and is skipped.
func (s *session) handleTransfer(ctx context.Context, e event.Transfer) error {
	m, err := s.getOrCreateMarket(ctx, e.Address)
	if err != nil {
		return err
	}
	if m.AccrualBlockNumber != e.BlockNumber {
		if m, err = s.refreshMarket(ctx, e.Address, e.BlockNumber, e.BlockTime); err != nil {
			return err
		}
	}

	tokens := positionTokens(e.Amount)
	amountUnderlying := numeric.Truncate(
		m.ExchangeRate.Mul(numeric.Normalize(e.Amount, numeric.PositionTokenDecimals)),
		m.UnderlyingDecimals,
	)

	if e.From != e.Address {
		if err := s.applyTransferSide(ctx, m, e.From, tokens.Neg(), func(p *model.AccountPosition) {
			p.TotalUnderlyingRedeemed = p.TotalUnderlyingRedeemed.Add(amountUnderlying)
		}); err != nil {
			return err
		}
	}
	if e.To != e.Address {
		if err := s.applyTransferSide(ctx, m, e.To, tokens, func(p *model.AccountPosition) {
			p.TotalUnderlyingSupplied = p.TotalUnderlyingSupplied.Add(amountUnderlying)
		}); err != nil {
			return err
		}
	} else {
		s.log.Debug("transfer to market not reconciled", "from", model.AddressID(e.From))
	}

	return s.insertHistory(ctx, &model.TransferEvent{
		Record: s.recordBase(),
		Amount: numeric.Normalize(e.Amount, numeric.PositionTokenDecimals),
		To:     model.AddressID(e.To),
		From:   model.AddressID(e.From),
		Symbol: m.Symbol,
	})
}

func (s *session) applyTransferSide(ctx context.Context, m *model.Market, account common.Address, delta decimal.Decimal, total func(*model.AccountPosition)) error {
	if _, err := s.getOrCreateAccount(ctx, account); err != nil {
		return err
	}
	pos, fresh, err := s.getOrCreatePosition(ctx, m, account)
	if err != nil {
		return err
	}
	if fresh {
		pos.PositionBalance = pos.PositionBalance.Add(delta)
		total(pos)
	}
	return s.st.SavePosition(ctx, pos)
}

func (s *session) handleNewReserveFactor(ctx context.Context, e event.NewReserveFactor) error {
	m, err := s.getOrCreateMarket(ctx, e.Address)
	if err != nil {
		return err
	}
	m.ReserveFactor = mantissa(e.NewReserveFactorMantissa)
	return s.st.SaveMarket(ctx, m)
}

func (s *session) handleNewMarketInterestRateModel(ctx context.Context, e event.NewMarketInterestRateModel) error {
	m, err := s.getOrCreateMarket(ctx, e.Address)
	if err != nil {
		return err
	}
	m.InterestRateModelAddress = model.AddressID(e.NewInterestRateModel)
	return s.st.SaveMarket(ctx, m)
}
