package projection

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-indexer/internal/chain"
	"github.com/atmx/lending-indexer/internal/model"
	"github.com/atmx/lending-indexer/internal/numeric"
	"github.com/atmx/lending-indexer/internal/store"
)

// getOrCreateAccount loads an account, creating it with zero counters.
func (s *session) getOrCreateAccount(ctx context.Context, addr common.Address) (*model.Account, error) {
	id := model.AddressID(addr)
	a, err := s.st.GetAccount(ctx, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	a = &model.Account{ID: id}
	if err := s.st.SaveAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// getOrCreatePosition loads the account's position in market, creating it
// with the on-chain position token balance as of the previous block. It
// records the transaction marker for the current log and stamps the
// position with the current block. The caller saves the position.
//
// fresh is false when an earlier delivery of this log already touched the
// position; callers must not apply balance or total deltas again.
func (s *session) getOrCreatePosition(ctx context.Context, m *model.Market, account common.Address) (pos *model.AccountPosition, fresh bool, err error) {
	accountID := model.AddressID(account)
	id := model.PositionID(m.ID, accountID)

	pos, err = s.st.GetPosition(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		balance, err := s.seedBalance(ctx, common.HexToAddress(m.ID), account)
		if err != nil {
			return nil, false, err
		}
		pos = &model.AccountPosition{
			ID:              id,
			MarketID:        m.ID,
			AccountID:       accountID,
			Symbol:          m.Symbol,
			PositionBalance: balance,
		}
		s.log.Debug("position created", "position", id, "balance", balance.String())
	default:
		return nil, false, err
	}

	marker := &model.AccountTransaction{
		ID:          model.AccountTransactionID(id, s.meta.TxHash, s.meta.LogIndex),
		PositionID:  id,
		TxHash:      s.meta.TxHash.Hex(),
		Timestamp:   s.meta.BlockTime,
		BlockNumber: s.meta.BlockNumber,
		LogIndex:    s.meta.LogIndex,
	}
	created, err := s.st.CreateAccountTransaction(ctx, marker)
	if err != nil {
		return nil, false, fmt.Errorf("marker %s: %w", marker.ID, err)
	}
	switch {
	case created:
		s.markers[marker.ID] = true
	case s.markers[marker.ID]:
		// Both sides of a self-transfer share one marker.
		created = true
	default:
		s.duplicates["account_transaction"]++
		s.log.Debug("account transaction exists, deltas skipped", "marker", marker.ID)
	}

	pos.AccrualBlockNumber = s.meta.BlockNumber
	return pos, created, nil
}

// seedBalance reads the account's position token balance at the end of the
// block before the current event, so the event's own delta applies on top.
func (s *session) seedBalance(ctx context.Context, market, account common.Address) (decimal.Decimal, error) {
	if s.meta.BlockNumber > 0 {
		ctx = chain.WithBlock(ctx, s.meta.BlockNumber-1)
	}
	raw, err := s.optional("balanceOf", market, func() (*big.Int, error) {
		return s.chain.BalanceOf(ctx, market, account)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return numeric.NormalizeTrunc(raw, numeric.PositionTokenDecimals, numeric.PositionTokenDecimals), nil
}
