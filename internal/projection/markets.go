package projection

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-indexer/internal/model"
	"github.com/atmx/lending-indexer/internal/numeric"
	"github.com/atmx/lending-indexer/internal/store"
)

// loadMarket returns the stored market, or nil if there is none.
func (s *session) loadMarket(ctx context.Context, addr common.Address) (*model.Market, error) {
	m, err := s.st.GetMarket(ctx, model.AddressID(addr))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// getOrCreateMarket loads a market, creating it from contract reads when it
// is unknown. Identity reads are mandatory; a revert fails the event.
func (s *session) getOrCreateMarket(ctx context.Context, addr common.Address) (*model.Market, error) {
	m, err := s.loadMarket(ctx, addr)
	if err != nil || m != nil {
		return m, err
	}

	m, err = s.newMarket(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("create market %s: %w", model.AddressID(addr), err)
	}
	if err := s.st.SaveMarket(ctx, m); err != nil {
		return nil, err
	}
	s.marketsCreated++
	s.log.Debug("market created", "market", m.ID, "symbol", m.Symbol)
	return m, nil
}

func (s *session) newMarket(ctx context.Context, addr common.Address) (*model.Market, error) {
	m := &model.Market{ID: model.AddressID(addr)}

	if s.protocol.IsNative(addr) {
		native := s.protocol.NativeMarket
		m.UnderlyingAddress = model.ZeroAddress
		m.UnderlyingDecimals = native.UnderlyingDecimals
		m.UnderlyingName = native.UnderlyingName
		m.UnderlyingSymbol = native.UnderlyingSymbol
		m.UnderlyingPrice = decimal.NewFromInt(1)
	} else {
		underlying, err := s.chain.Underlying(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("underlying: %w", err)
		}
		decimals, err := s.chain.Decimals(ctx, underlying)
		if err != nil {
			return nil, fmt.Errorf("underlying decimals: %w", err)
		}
		if m.UnderlyingName, err = s.chain.Name(ctx, underlying); err != nil {
			return nil, fmt.Errorf("underlying name: %w", err)
		}
		if m.UnderlyingSymbol, err = s.chain.Symbol(ctx, underlying); err != nil {
			return nil, fmt.Errorf("underlying symbol: %w", err)
		}
		m.UnderlyingAddress = model.AddressID(underlying)
		m.UnderlyingDecimals = int32(decimals)
		if s.protocol.IsUSDPegged(addr) {
			m.UnderlyingPriceUSD = decimal.NewFromInt(1)
		}
	}

	var err error
	if m.Name, err = s.chain.Name(ctx, addr); err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	if m.Symbol, err = s.chain.Symbol(ctx, addr); err != nil {
		return nil, fmt.Errorf("symbol: %w", err)
	}

	irm, err := s.optionalAddress("interestRateModel", addr, func() (common.Address, error) {
		return s.chain.InterestRateModel(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	m.InterestRateModelAddress = model.AddressID(irm)

	reserveFactor, err := s.optional("reserveFactorMantissa", addr, func() (*big.Int, error) {
		return s.chain.ReserveFactorMantissa(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	m.ReserveFactor = mantissa(reserveFactor)
	return m, nil
}

// refreshMarket re-reads every on-chain metric of a market and stamps it
// with blockNumber. A market already synced at blockNumber is returned
// unchanged, so any number of refreshes in one block cost one sync.
func (s *session) refreshMarket(ctx context.Context, addr common.Address, blockNumber, blockTime uint64) (*model.Market, error) {
	m, err := s.getOrCreateMarket(ctx, addr)
	if err != nil {
		return nil, err
	}
	if m.AccrualBlockNumber == blockNumber {
		s.refreshSkipped++
		return m, nil
	}

	if err := s.applyPrices(ctx, m); err != nil {
		return nil, err
	}
	if err := s.readMetrics(ctx, addr, m); err != nil {
		return nil, fmt.Errorf("refresh market %s: %w", m.ID, err)
	}
	m.AccrualBlockNumber = blockNumber
	m.BlockTimestamp = blockTime

	if err := s.st.SaveMarket(ctx, m); err != nil {
		return nil, err
	}
	s.refreshed++
	s.log.Debug("market refreshed", "market", m.ID, "exchange_rate", m.ExchangeRate.String(),
		"price_usd", m.UnderlyingPriceUSD.String())
	return m, nil
}

// readMetrics fills the numeric market fields from contract reads. The
// exchange rate and both per-block rates are optional.
func (s *session) readMetrics(ctx context.Context, addr common.Address, m *model.Market) error {
	ud := int(m.UnderlyingDecimals)

	supply, err := s.positionTokenSupply(ctx, addr)
	if err != nil {
		return err
	}
	m.TotalSupply = supply

	rate, err := s.optional("exchangeRateStored", addr, func() (*big.Int, error) {
		return s.chain.ExchangeRateStored(ctx, addr)
	})
	if err != nil {
		return err
	}
	m.ExchangeRate = exchangeRate(rate, m.UnderlyingDecimals)

	index, err := s.chain.BorrowIndex(ctx, addr)
	if err != nil {
		return fmt.Errorf("borrowIndex: %w", err)
	}
	m.BorrowIndex = mantissa(index)

	amounts := []struct {
		method string
		read   func(context.Context, common.Address) (*big.Int, error)
		dst    *decimal.Decimal
	}{
		{"totalReserves", s.chain.TotalReserves, &m.Reserves},
		{"totalBorrows", s.chain.TotalBorrows, &m.TotalBorrows},
		{"getCash", s.chain.Cash, &m.Cash},
	}
	for _, a := range amounts {
		raw, err := a.read(ctx, addr)
		if err != nil {
			return fmt.Errorf("%s: %w", a.method, err)
		}
		*a.dst = numeric.NormalizeTrunc(raw, ud, m.UnderlyingDecimals)
	}

	borrowRate, err := s.optional("borrowRatePerBlock", addr, func() (*big.Int, error) {
		return s.chain.BorrowRatePerBlock(ctx, addr)
	})
	if err != nil {
		return err
	}
	m.BorrowRate = mantissa(borrowRate)

	supplyRate, err := s.optional("supplyRatePerBlock", addr, func() (*big.Int, error) {
		return s.chain.SupplyRatePerBlock(ctx, addr)
	})
	if err != nil {
		return err
	}
	m.SupplyRate = mantissa(supplyRate)
	return nil
}

// positionTokenSupply reads the market's total supply in whole position
// tokens.
func (s *session) positionTokenSupply(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	raw, err := s.chain.TotalSupply(ctx, addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("totalSupply: %w", err)
	}
	decimals, err := s.chain.Decimals(ctx, addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decimals: %w", err)
	}
	return numeric.Normalize(raw, int(decimals)), nil
}

// mantissa converts an 18-decimal fixed-point value.
func mantissa(raw *big.Int) decimal.Decimal {
	return numeric.NormalizeTrunc(raw, numeric.MantissaDecimals, numeric.MantissaDecimals)
}

// exchangeRate converts exchangeRateStored into underlying tokens per whole
// position token. The stored value carries the mantissa plus the decimal
// difference between the underlying and the position token.
func exchangeRate(raw *big.Int, underlyingDecimals int32) decimal.Decimal {
	exp := numeric.MantissaDecimals + int(underlyingDecimals) - numeric.PositionTokenDecimals
	return numeric.NormalizeTrunc(raw, exp, numeric.MantissaDecimals)
}
