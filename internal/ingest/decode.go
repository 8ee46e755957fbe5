// Package ingest adapts a Redis stream of decoded protocol logs to the
// projection engine.
//
// Each stream entry carries one event in its "data" field as a JSON
// envelope:
//
//	{
//	  "kind": "Mint",
//	  "meta": {"address": "0x..", "block_number": 1, "block_time": 1700000000,
//	           "tx_hash": "0x..", "tx_log_index": 0, "log_index": 3},
//	  "params": {"minter": "0x..", "mintAmount": "1000", "mintTokens": "0x3e8"}
//	}
//
// Integer params are strings, decimal or 0x-prefixed hex, so 256-bit values
// survive JSON. Param names follow the contract event arguments.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/atmx/lending-indexer/internal/event"
)

var (
	ErrUnknownKind  = errors.New("ingest: unknown event kind")
	ErrMissingParam = errors.New("ingest: missing event param")
)

type envelope struct {
	Kind   event.Kind      `json:"kind"`
	Meta   wireMeta        `json:"meta"`
	Params json.RawMessage `json:"params"`
}

type wireMeta struct {
	Address     common.Address `json:"address"`
	BlockNumber uint64         `json:"block_number"`
	BlockTime   uint64         `json:"block_time"`
	TxHash      common.Hash    `json:"tx_hash"`
	TxLogIndex  uint64         `json:"tx_log_index"`
	LogIndex    uint64         `json:"log_index"`
}

// params is the union of every event's arguments.
type params struct {
	CToken           *common.Address `json:"cToken"`
	Account          *common.Address `json:"account"`
	Minter           *common.Address `json:"minter"`
	Redeemer         *common.Address `json:"redeemer"`
	Borrower         *common.Address `json:"borrower"`
	Payer            *common.Address `json:"payer"`
	Liquidator       *common.Address `json:"liquidator"`
	CTokenCollateral *common.Address `json:"cTokenCollateral"`
	From             *common.Address `json:"from"`
	To               *common.Address `json:"to"`

	OldPriceOracle       *common.Address `json:"oldPriceOracle"`
	NewPriceOracle       *common.Address `json:"newPriceOracle"`
	OldInterestRateModel *common.Address `json:"oldInterestRateModel"`
	NewInterestRateModel *common.Address `json:"newInterestRateModel"`

	OldCloseFactorMantissa          *math.HexOrDecimal256 `json:"oldCloseFactorMantissa"`
	NewCloseFactorMantissa          *math.HexOrDecimal256 `json:"newCloseFactorMantissa"`
	OldLiquidationIncentiveMantissa *math.HexOrDecimal256 `json:"oldLiquidationIncentiveMantissa"`
	NewLiquidationIncentiveMantissa *math.HexOrDecimal256 `json:"newLiquidationIncentiveMantissa"`
	OldMaxAssets                    *math.HexOrDecimal256 `json:"oldMaxAssets"`
	NewMaxAssets                    *math.HexOrDecimal256 `json:"newMaxAssets"`
	OldCollateralFactorMantissa     *math.HexOrDecimal256 `json:"oldCollateralFactorMantissa"`
	NewCollateralFactorMantissa     *math.HexOrDecimal256 `json:"newCollateralFactorMantissa"`
	OldReserveFactorMantissa        *math.HexOrDecimal256 `json:"oldReserveFactorMantissa"`
	NewReserveFactorMantissa        *math.HexOrDecimal256 `json:"newReserveFactorMantissa"`

	MintAmount          *math.HexOrDecimal256 `json:"mintAmount"`
	MintTokens          *math.HexOrDecimal256 `json:"mintTokens"`
	RedeemAmount        *math.HexOrDecimal256 `json:"redeemAmount"`
	RedeemTokens        *math.HexOrDecimal256 `json:"redeemTokens"`
	BorrowAmount        *math.HexOrDecimal256 `json:"borrowAmount"`
	RepayAmount         *math.HexOrDecimal256 `json:"repayAmount"`
	AccountBorrows      *math.HexOrDecimal256 `json:"accountBorrows"`
	TotalBorrows        *math.HexOrDecimal256 `json:"totalBorrows"`
	SeizeTokens         *math.HexOrDecimal256 `json:"seizeTokens"`
	Amount              *math.HexOrDecimal256 `json:"amount"`
	CashPrior           *math.HexOrDecimal256 `json:"cashPrior"`
	InterestAccumulated *math.HexOrDecimal256 `json:"interestAccumulated"`
	BorrowIndex         *math.HexOrDecimal256 `json:"borrowIndex"`
}

// reader collects the first missing required param.
type reader struct {
	err error
}

func (r *reader) addr(name string, v *common.Address) common.Address {
	if v == nil {
		r.missing(name)
		return common.Address{}
	}
	return *v
}

func (r *reader) num(name string, v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		r.missing(name)
		return nil
	}
	return (*big.Int)(v)
}

func (r *reader) missing(name string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
}

// optNum converts a param that old-value fields may omit.
func optNum(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return nil
	}
	return (*big.Int)(v)
}

func optAddr(v *common.Address) common.Address {
	if v == nil {
		return common.Address{}
	}
	return *v
}

// Decode parses one JSON envelope into its event struct.
func Decode(data []byte) (event.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var p params
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", env.Kind, err)
		}
	}

	m := event.Meta(env.Meta)
	ev, err := build(env.Kind, m, &p)
	if err != nil {
		return nil, fmt.Errorf("decode %s at block %d: %w", env.Kind, m.BlockNumber, err)
	}
	return ev, nil
}

func build(kind event.Kind, m event.Meta, p *params) (event.Event, error) {
	r := &reader{}
	var ev event.Event

	switch kind {
	case event.KindMarketListed:
		ev = event.MarketListed{Meta: m, Market: r.addr("cToken", p.CToken)}
	case event.KindMarketEntered:
		ev = event.MarketEntered{Meta: m, Market: r.addr("cToken", p.CToken), Account: r.addr("account", p.Account)}
	case event.KindMarketExited:
		ev = event.MarketExited{Meta: m, Market: r.addr("cToken", p.CToken), Account: r.addr("account", p.Account)}
	case event.KindNewCloseFactor:
		ev = event.NewCloseFactor{
			Meta:                   m,
			OldCloseFactorMantissa: optNum(p.OldCloseFactorMantissa),
			NewCloseFactorMantissa: r.num("newCloseFactorMantissa", p.NewCloseFactorMantissa),
		}
	case event.KindNewLiquidationIncentive:
		ev = event.NewLiquidationIncentive{
			Meta:                            m,
			OldLiquidationIncentiveMantissa: optNum(p.OldLiquidationIncentiveMantissa),
			NewLiquidationIncentiveMantissa: r.num("newLiquidationIncentiveMantissa", p.NewLiquidationIncentiveMantissa),
		}
	case event.KindNewMaxAssets:
		ev = event.NewMaxAssets{
			Meta:         m,
			OldMaxAssets: optNum(p.OldMaxAssets),
			NewMaxAssets: r.num("newMaxAssets", p.NewMaxAssets),
		}
	case event.KindNewPriceOracle:
		ev = event.NewPriceOracle{
			Meta:           m,
			OldPriceOracle: optAddr(p.OldPriceOracle),
			NewPriceOracle: r.addr("newPriceOracle", p.NewPriceOracle),
		}
	case event.KindNewCollateralFactor:
		ev = event.NewCollateralFactor{
			Meta:                        m,
			Market:                      r.addr("cToken", p.CToken),
			OldCollateralFactorMantissa: optNum(p.OldCollateralFactorMantissa),
			NewCollateralFactorMantissa: r.num("newCollateralFactorMantissa", p.NewCollateralFactorMantissa),
		}
	case event.KindMint:
		ev = event.Mint{
			Meta:       m,
			Minter:     r.addr("minter", p.Minter),
			MintAmount: r.num("mintAmount", p.MintAmount),
			MintTokens: r.num("mintTokens", p.MintTokens),
		}
	case event.KindRedeem:
		ev = event.Redeem{
			Meta:         m,
			Redeemer:     r.addr("redeemer", p.Redeemer),
			RedeemAmount: r.num("redeemAmount", p.RedeemAmount),
			RedeemTokens: r.num("redeemTokens", p.RedeemTokens),
		}
	case event.KindBorrow:
		ev = event.Borrow{
			Meta:           m,
			Borrower:       r.addr("borrower", p.Borrower),
			BorrowAmount:   r.num("borrowAmount", p.BorrowAmount),
			AccountBorrows: r.num("accountBorrows", p.AccountBorrows),
			TotalBorrows:   r.num("totalBorrows", p.TotalBorrows),
		}
	case event.KindRepayBorrow:
		ev = event.RepayBorrow{
			Meta:           m,
			Payer:          r.addr("payer", p.Payer),
			Borrower:       r.addr("borrower", p.Borrower),
			RepayAmount:    r.num("repayAmount", p.RepayAmount),
			AccountBorrows: r.num("accountBorrows", p.AccountBorrows),
			TotalBorrows:   r.num("totalBorrows", p.TotalBorrows),
		}
	case event.KindLiquidateBorrow:
		ev = event.LiquidateBorrow{
			Meta:        m,
			Liquidator:  r.addr("liquidator", p.Liquidator),
			Borrower:    r.addr("borrower", p.Borrower),
			RepayAmount: r.num("repayAmount", p.RepayAmount),
			Collateral:  r.addr("cTokenCollateral", p.CTokenCollateral),
			SeizeTokens: r.num("seizeTokens", p.SeizeTokens),
		}
	case event.KindTransfer:
		ev = event.Transfer{
			Meta:   m,
			From:   r.addr("from", p.From),
			To:     r.addr("to", p.To),
			Amount: r.num("amount", p.Amount),
		}
	case event.KindAccrueInterest:
		ev = event.AccrueInterest{
			Meta:                m,
			CashPrior:           optNum(p.CashPrior),
			InterestAccumulated: optNum(p.InterestAccumulated),
			BorrowIndex:         optNum(p.BorrowIndex),
			TotalBorrows:        optNum(p.TotalBorrows),
		}
	case event.KindNewReserveFactor:
		ev = event.NewReserveFactor{
			Meta:                     m,
			OldReserveFactorMantissa: optNum(p.OldReserveFactorMantissa),
			NewReserveFactorMantissa: r.num("newReserveFactorMantissa", p.NewReserveFactorMantissa),
		}
	case event.KindNewMarketInterestRateModel:
		ev = event.NewMarketInterestRateModel{
			Meta:                 m,
			OldInterestRateModel: optAddr(p.OldInterestRateModel),
			NewInterestRateModel: r.addr("newInterestRateModel", p.NewInterestRateModel),
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if r.err != nil {
		return nil, r.err
	}
	return ev, nil
}
