package projection

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-indexer/internal/model"
	"github.com/atmx/lending-indexer/internal/numeric"
	"github.com/atmx/lending-indexer/internal/store"
)

// oracle returns the configured price oracle, or false when it is not
// known yet.
func (s *session) oracle(ctx context.Context) (common.Address, bool, error) {
	p, err := s.st.GetProtocol(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	if !p.HasOracle() {
		return common.Address{}, false, nil
	}
	return common.HexToAddress(p.PriceOracle), true, nil
}

// resolveUnderlyingPriceUSD returns the oracle price of one whole
// underlying token in USD. The oracle scales prices by 10^(36-decimals).
// Without a known oracle the price is zero.
func (s *session) resolveUnderlyingPriceUSD(ctx context.Context, market common.Address, underlyingDecimals int32) (decimal.Decimal, error) {
	oracle, ok, err := s.oracle(ctx)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	raw, err := s.optional("getUnderlyingPrice", oracle, func() (*big.Int, error) {
		return s.chain.UnderlyingPrice(ctx, oracle, market)
	})
	if err != nil {
		return decimal.Zero, err
	}
	exp := 2*numeric.MantissaDecimals - int(underlyingDecimals)
	return numeric.Normalize(raw, exp), nil
}

// resolveNativePriceUSD returns the USD price of the native asset, read
// through the native market. It is zero when the oracle or the native
// market is unknown, or when the oracle call reverts.
func (s *session) resolveNativePriceUSD(ctx context.Context) (decimal.Decimal, error) {
	native := s.protocol.NativeMarket.Address
	if native == (common.Address{}) {
		return decimal.Zero, nil
	}
	oracle, ok, err := s.oracle(ctx)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	raw, err := s.optional("getUnderlyingPrice", oracle, func() (*big.Int, error) {
		return s.chain.UnderlyingPrice(ctx, oracle, native)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return numeric.Normalize(raw, numeric.MantissaDecimals), nil
}

// applyPrices sets the market's USD price and its price in native asset
// terms. The native market is priced directly; USD-pegged markets keep
// their USD price.
func (s *session) applyPrices(ctx context.Context, m *model.Market) error {
	addr := common.HexToAddress(m.ID)
	nativeUSD, err := s.resolveNativePriceUSD(ctx)
	if err != nil {
		return err
	}

	if s.protocol.IsNative(addr) {
		m.UnderlyingPriceUSD = numeric.Truncate(nativeUSD, m.UnderlyingDecimals)
		return nil
	}

	tokenUSD, err := s.resolveUnderlyingPriceUSD(ctx, addr, m.UnderlyingDecimals)
	if err != nil {
		return err
	}
	m.UnderlyingPrice = numeric.Quo(tokenUSD, nativeUSD, m.UnderlyingDecimals)
	if !s.protocol.IsUSDPegged(addr) {
		m.UnderlyingPriceUSD = numeric.Truncate(tokenUSD, m.UnderlyingDecimals)
	}
	return nil
}
