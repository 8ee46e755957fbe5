// Package event defines the decoded protocol events delivered to the
// projection engine, one struct per event kind.
package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names an event type. Values match the contract event names.
type Kind string

const (
	KindMarketListed               Kind = "MarketListed"
	KindMarketEntered              Kind = "MarketEntered"
	KindMarketExited               Kind = "MarketExited"
	KindNewCloseFactor             Kind = "NewCloseFactor"
	KindNewLiquidationIncentive    Kind = "NewLiquidationIncentive"
	KindNewMaxAssets               Kind = "NewMaxAssets"
	KindNewPriceOracle             Kind = "NewPriceOracle"
	KindNewCollateralFactor        Kind = "NewCollateralFactor"
	KindMint                       Kind = "Mint"
	KindRedeem                     Kind = "Redeem"
	KindBorrow                     Kind = "Borrow"
	KindRepayBorrow                Kind = "RepayBorrow"
	KindLiquidateBorrow            Kind = "LiquidateBorrow"
	KindTransfer                   Kind = "Transfer"
	KindAccrueInterest             Kind = "AccrueInterest"
	KindNewReserveFactor           Kind = "NewReserveFactor"
	KindNewMarketInterestRateModel Kind = "NewMarketInterestRateModel"
)

// Meta locates an event on chain.
type Meta struct {
	Address     common.Address // emitting contract
	BlockNumber uint64
	BlockTime   uint64
	TxHash      common.Hash
	TxLogIndex  uint64 // position of the log within its transaction
	LogIndex    uint64 // position of the log within its block
}

// Event is implemented by every decoded event.
type Event interface {
	Kind() Kind
	EventMeta() Meta
}

func (m Meta) EventMeta() Meta { return m }

// --- Comptroller events ---

type MarketListed struct {
	Meta
	Market common.Address
}

type MarketEntered struct {
	Meta
	Market  common.Address
	Account common.Address
}

type MarketExited struct {
	Meta
	Market  common.Address
	Account common.Address
}

type NewCloseFactor struct {
	Meta
	OldCloseFactorMantissa *big.Int
	NewCloseFactorMantissa *big.Int
}

type NewLiquidationIncentive struct {
	Meta
	OldLiquidationIncentiveMantissa *big.Int
	NewLiquidationIncentiveMantissa *big.Int
}

type NewMaxAssets struct {
	Meta
	OldMaxAssets *big.Int
	NewMaxAssets *big.Int
}

type NewPriceOracle struct {
	Meta
	OldPriceOracle common.Address
	NewPriceOracle common.Address
}

type NewCollateralFactor struct {
	Meta
	Market                      common.Address
	OldCollateralFactorMantissa *big.Int
	NewCollateralFactorMantissa *big.Int
}

// --- Market (position token) events ---

// Mint: MintAmount is underlying, MintTokens is position tokens.
type Mint struct {
	Meta
	Minter     common.Address
	MintAmount *big.Int
	MintTokens *big.Int
}

// Redeem: RedeemAmount is underlying, RedeemTokens is position tokens.
type Redeem struct {
	Meta
	Redeemer     common.Address
	RedeemAmount *big.Int
	RedeemTokens *big.Int
}

// Borrow: AccountBorrows is the borrower's balance after the borrow.
type Borrow struct {
	Meta
	Borrower       common.Address
	BorrowAmount   *big.Int
	AccountBorrows *big.Int
	TotalBorrows   *big.Int
}

type RepayBorrow struct {
	Meta
	Payer          common.Address
	Borrower       common.Address
	RepayAmount    *big.Int
	AccountBorrows *big.Int
	TotalBorrows   *big.Int
}

// LiquidateBorrow is emitted by the repaid market; Collateral is the
// market whose position tokens were seized.
type LiquidateBorrow struct {
	Meta
	Liquidator  common.Address
	Borrower    common.Address
	RepayAmount *big.Int
	Collateral  common.Address
	SeizeTokens *big.Int
}

type Transfer struct {
	Meta
	From   common.Address
	To     common.Address
	Amount *big.Int
}

type AccrueInterest struct {
	Meta
	CashPrior           *big.Int
	InterestAccumulated *big.Int
	BorrowIndex         *big.Int
	TotalBorrows        *big.Int
}

type NewReserveFactor struct {
	Meta
	OldReserveFactorMantissa *big.Int
	NewReserveFactorMantissa *big.Int
}

type NewMarketInterestRateModel struct {
	Meta
	OldInterestRateModel common.Address
	NewInterestRateModel common.Address
}

func (MarketListed) Kind() Kind               { return KindMarketListed }
func (MarketEntered) Kind() Kind              { return KindMarketEntered }
func (MarketExited) Kind() Kind               { return KindMarketExited }
func (NewCloseFactor) Kind() Kind             { return KindNewCloseFactor }
func (NewLiquidationIncentive) Kind() Kind    { return KindNewLiquidationIncentive }
func (NewMaxAssets) Kind() Kind               { return KindNewMaxAssets }
func (NewPriceOracle) Kind() Kind             { return KindNewPriceOracle }
func (NewCollateralFactor) Kind() Kind        { return KindNewCollateralFactor }
func (Mint) Kind() Kind                       { return KindMint }
func (Redeem) Kind() Kind                     { return KindRedeem }
func (Borrow) Kind() Kind                     { return KindBorrow }
func (RepayBorrow) Kind() Kind                { return KindRepayBorrow }
func (LiquidateBorrow) Kind() Kind            { return KindLiquidateBorrow }
func (Transfer) Kind() Kind                   { return KindTransfer }
func (AccrueInterest) Kind() Kind             { return KindAccrueInterest }
func (NewReserveFactor) Kind() Kind           { return KindNewReserveFactor }
func (NewMarketInterestRateModel) Kind() Kind { return KindNewMarketInterestRateModel }
