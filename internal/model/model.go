// Package model defines the entities materialized from the money-market
// event stream. All monetary values use shopspring/decimal, never float64
// for money.
//
// Every entity is keyed deterministically (address, address pair, or
// tx hash plus log index) so re-applying history never creates duplicates.
package model

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ProtocolID is the fixed key of the protocol singleton.
const ProtocolID = "1"

// Protocol holds protocol-wide parameters. Fields are updated one at a
// time as parameter-change events arrive.
type Protocol struct {
	ID                   string          `json:"id" db:"id"`
	PriceOracle          string          `json:"price_oracle" db:"price_oracle"`                   // empty until known
	CloseFactor          decimal.Decimal `json:"close_factor" db:"close_factor"`                   // raw mantissa
	LiquidationIncentive decimal.Decimal `json:"liquidation_incentive" db:"liquidation_incentive"` // raw mantissa
	MaxAssets            int64           `json:"max_assets" db:"max_assets"`
}

// HasOracle reports whether the price oracle address is known.
func (p *Protocol) HasOracle() bool {
	return p != nil && p.PriceOracle != "" && p.PriceOracle != ZeroAddress
}

// Market is the state of one interest-bearing token, keyed by its
// contract address.
type Market struct {
	ID                       string `json:"id" db:"id"`
	Name                     string `json:"name" db:"name"`
	Symbol                   string `json:"symbol" db:"symbol"`
	UnderlyingAddress        string `json:"underlying_address" db:"underlying_address"`
	UnderlyingDecimals       int32  `json:"underlying_decimals" db:"underlying_decimals"`
	UnderlyingName           string `json:"underlying_name" db:"underlying_name"`
	UnderlyingSymbol         string `json:"underlying_symbol" db:"underlying_symbol"`
	InterestRateModelAddress string `json:"interest_rate_model_address" db:"interest_rate_model_address"`

	// AccrualBlockNumber is the block the metrics below were last synced at.
	AccrualBlockNumber uint64 `json:"accrual_block_number" db:"accrual_block_number"`
	BlockTimestamp     uint64 `json:"block_timestamp" db:"block_timestamp"`

	ExchangeRate       decimal.Decimal `json:"exchange_rate" db:"exchange_rate"` // underlying per position token
	BorrowIndex        decimal.Decimal `json:"borrow_index" db:"borrow_index"`
	Reserves           decimal.Decimal `json:"reserves" db:"reserves"`
	TotalBorrows       decimal.Decimal `json:"total_borrows" db:"total_borrows"`
	TotalSupply        decimal.Decimal `json:"total_supply" db:"total_supply"`
	Cash               decimal.Decimal `json:"cash" db:"cash"`
	BorrowRate         decimal.Decimal `json:"borrow_rate" db:"borrow_rate"` // per block
	SupplyRate         decimal.Decimal `json:"supply_rate" db:"supply_rate"` // per block
	CollateralFactor   decimal.Decimal `json:"collateral_factor" db:"collateral_factor"`
	ReserveFactor      decimal.Decimal `json:"reserve_factor" db:"reserve_factor"`
	UnderlyingPrice    decimal.Decimal `json:"underlying_price" db:"underlying_price"` // in native asset
	UnderlyingPriceUSD decimal.Decimal `json:"underlying_price_usd" db:"underlying_price_usd"`
}

// Account is a protocol participant.
type Account struct {
	ID              string `json:"id" db:"id"`
	CountLiquidated int32  `json:"count_liquidated" db:"count_liquidated"`
	CountLiquidator int32  `json:"count_liquidator" db:"count_liquidator"`
	HasBorrowed     bool   `json:"has_borrowed" db:"has_borrowed"` // never reset
}

// AccountPosition is an account's holdings and running activity in one
// market.
type AccountPosition struct {
	ID        string `json:"id" db:"id"`
	MarketID  string `json:"market_id" db:"market_id"`
	AccountID string `json:"account_id" db:"account_id"`
	Symbol    string `json:"symbol" db:"symbol"`

	PositionBalance         decimal.Decimal `json:"position_balance" db:"position_balance"`
	TotalUnderlyingSupplied decimal.Decimal `json:"total_underlying_supplied" db:"total_underlying_supplied"`
	TotalUnderlyingRedeemed decimal.Decimal `json:"total_underlying_redeemed" db:"total_underlying_redeemed"`
	TotalUnderlyingBorrowed decimal.Decimal `json:"total_underlying_borrowed" db:"total_underlying_borrowed"`
	TotalUnderlyingRepaid   decimal.Decimal `json:"total_underlying_repaid" db:"total_underlying_repaid"`
	StoredBorrowBalance     decimal.Decimal `json:"stored_borrow_balance" db:"stored_borrow_balance"`

	// AccountBorrowIndex is the market borrow index at the last borrow or
	// repay. It is kept after a full repay.
	AccountBorrowIndex decimal.Decimal `json:"account_borrow_index" db:"account_borrow_index"`

	EnteredMarket      bool   `json:"entered_market" db:"entered_market"`
	AccrualBlockNumber uint64 `json:"accrual_block_number" db:"accrual_block_number"`
}

// AccountTransaction marks that a position was touched by one log entry.
type AccountTransaction struct {
	ID          string `json:"id" db:"id"`
	PositionID  string `json:"position_id" db:"position_id"`
	TxHash      string `json:"tx_hash" db:"tx_hash"`
	Timestamp   uint64 `json:"timestamp" db:"timestamp"`
	BlockNumber uint64 `json:"block_number" db:"block_number"`
	LogIndex    uint64 `json:"log_index" db:"log_index"`
}

// ZeroAddress is the lowercase hex zero address.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// AddressID returns the canonical entity key for an address.
func AddressID(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// PositionID keys an AccountPosition.
func PositionID(marketID, accountID string) string {
	return marketID + "-" + accountID
}

// AccountTransactionID keys an AccountTransaction marker.
func AccountTransactionID(positionID string, txHash common.Hash, logIndex uint64) string {
	return positionID + "-" + txHash.Hex() + "-" + strconv.FormatUint(logIndex, 10)
}

// RecordID keys a history record.
func RecordID(txHash common.Hash, txLogIndex uint64) string {
	return txHash.Hex() + "-" + strconv.FormatUint(txLogIndex, 10)
}
