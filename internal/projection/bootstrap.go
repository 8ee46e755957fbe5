package projection

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/lending-indexer/internal/model"
	"github.com/atmx/lending-indexer/internal/numeric"
	"github.com/atmx/lending-indexer/internal/store"
)

// getOrCreateProtocol loads the protocol singleton, creating it empty.
// Parameter-change handlers use it; they fill in their own field.
func (s *session) getOrCreateProtocol(ctx context.Context) (*model.Protocol, error) {
	p, err := s.st.GetProtocol(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &model.Protocol{ID: model.ProtocolID}, nil
}

// ensureProtocolSynced returns the protocol singleton. If it does not exist
// it is built from comptroller reads, and every market the comptroller
// lists is refreshed and queued for watching.
func (s *session) ensureProtocolSynced(ctx context.Context, blockNumber, blockTime uint64) (*model.Protocol, error) {
	p, err := s.st.GetProtocol(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	s.log.Debug("protocol unknown, syncing from comptroller")
	p = &model.Protocol{ID: model.ProtocolID}

	comptroller := s.protocol.Comptroller
	oracle, err := s.optionalAddress("oracle", comptroller, func() (common.Address, error) {
		return s.chain.PriceOracle(ctx)
	})
	if err != nil {
		return nil, err
	}
	if oracle != (common.Address{}) {
		p.PriceOracle = model.AddressID(oracle)
	}

	closeFactor, err := s.optional("closeFactorMantissa", comptroller, func() (*big.Int, error) {
		return s.chain.CloseFactorMantissa(ctx)
	})
	if err != nil {
		return nil, err
	}
	p.CloseFactor = numeric.FromInt(closeFactor)

	incentive, err := s.optional("liquidationIncentiveMantissa", comptroller, func() (*big.Int, error) {
		return s.chain.LiquidationIncentiveMantissa(ctx)
	})
	if err != nil {
		return nil, err
	}
	p.LiquidationIncentive = numeric.FromInt(incentive)

	maxAssets, err := s.optional("maxAssets", comptroller, func() (*big.Int, error) {
		return s.chain.MaxAssets(ctx)
	})
	if err != nil {
		return nil, err
	}
	p.MaxAssets = int64Of(maxAssets)

	if err := s.st.SaveProtocol(ctx, p); err != nil {
		return nil, err
	}

	markets, err := s.chain.AllMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("getAllMarkets: %w", err)
	}
	for _, addr := range markets {
		if _, err := s.refreshMarket(ctx, addr, blockNumber, blockTime); err != nil {
			return nil, err
		}
		s.watch(addr)
	}
	s.log.Info("protocol synced from comptroller", "markets", len(markets), "oracle", p.PriceOracle)
	return p, nil
}

// resolveMarket loads a market, falling back to a protocol sync when it is
// unknown. It returns nil when the market is still unknown afterwards.
func (s *session) resolveMarket(ctx context.Context, addr common.Address) (*model.Market, error) {
	m, err := s.loadMarket(ctx, addr)
	if err != nil || m != nil {
		return m, err
	}
	s.log.Debug("market unknown, syncing protocol", "market", model.AddressID(addr))
	if _, err := s.ensureProtocolSynced(ctx, s.meta.BlockNumber, s.meta.BlockTime); err != nil {
		return nil, err
	}
	return s.loadMarket(ctx, addr)
}

func int64Of(x *big.Int) int64 {
	if x == nil || !x.IsInt64() {
		return 0
	}
	return x.Int64()
}
