package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// RecordKind names a history record type.
type RecordKind string

const (
	KindMint        RecordKind = "mint"
	KindRedeem      RecordKind = "redeem"
	KindBorrow      RecordKind = "borrow"
	KindRepay       RecordKind = "repay"
	KindLiquidation RecordKind = "liquidation"
	KindTransfer    RecordKind = "transfer"
)

// HistoryRecord is an immutable snapshot of one log entry. Once created,
// these are never modified or deleted.
type HistoryRecord interface {
	RecordID() string
	RecordKind() RecordKind
	Block() uint64
}

// Record holds the fields every history record shares.
type Record struct {
	ID          string `json:"id"`
	BlockNumber uint64 `json:"block_number"`
	BlockTime   uint64 `json:"block_time"`
}

func (r Record) RecordID() string { return r.ID }
func (r Record) Block() uint64    { return r.BlockNumber }

// MintEvent records a supply of underlying in exchange for position tokens.
type MintEvent struct {
	Record
	Amount           decimal.Decimal `json:"amount"` // position tokens
	To               string          `json:"to"`     // minter
	From             string          `json:"from"`   // market
	Symbol           string          `json:"symbol"`
	UnderlyingAmount decimal.Decimal `json:"underlying_amount"`

	SupplyRatePerBlock decimal.Decimal `json:"supply_rate_per_block"`
	BorrowRatePerBlock decimal.Decimal `json:"borrow_rate_per_block"`
	ExchangeRate       decimal.Decimal `json:"exchange_rate"`
	TotalSupply        decimal.Decimal `json:"total_supply"`
	TotalBorrows       decimal.Decimal `json:"total_borrows"`
	PriceUSD           decimal.Decimal `json:"price_usd"`
}

func (MintEvent) RecordKind() RecordKind { return KindMint }

// RedeemEvent records position tokens returned for underlying.
type RedeemEvent struct {
	Record
	Amount           decimal.Decimal `json:"amount"`
	To               string          `json:"to"`   // market
	From             string          `json:"from"` // redeemer
	Symbol           string          `json:"symbol"`
	UnderlyingAmount decimal.Decimal `json:"underlying_amount"`
}

func (RedeemEvent) RecordKind() RecordKind { return KindRedeem }

// BorrowEvent records underlying borrowed from a market.
type BorrowEvent struct {
	Record
	Amount           decimal.Decimal `json:"amount"`
	AccountBorrows   decimal.Decimal `json:"account_borrows"`
	Borrower         string          `json:"borrower"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
}

func (BorrowEvent) RecordKind() RecordKind { return KindBorrow }

// RepayEvent records a borrow repayment. The payer may differ from the
// borrower.
type RepayEvent struct {
	Record
	Amount           decimal.Decimal `json:"amount"`
	AccountBorrows   decimal.Decimal `json:"account_borrows"`
	Borrower         string          `json:"borrower"`
	Payer            string          `json:"payer"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
}

func (RepayEvent) RecordKind() RecordKind { return KindRepay }

// LiquidationEvent records a liquidation. Symbol names the seized
// collateral market; UnderlyingSymbol the repaid asset.
type LiquidationEvent struct {
	Record
	Amount                decimal.Decimal `json:"amount"` // seized position tokens
	To                    string          `json:"to"`     // liquidator
	From                  string          `json:"from"`   // borrower
	Symbol                string          `json:"symbol"`
	UnderlyingSymbol      string          `json:"underlying_symbol"`
	UnderlyingRepayAmount decimal.Decimal `json:"underlying_repay_amount"`
}

func (LiquidationEvent) RecordKind() RecordKind { return KindLiquidation }

// TransferEvent records a movement of position tokens.
type TransferEvent struct {
	Record
	Amount decimal.Decimal `json:"amount"`
	To     string          `json:"to"`
	From   string          `json:"from"`
	Symbol string          `json:"symbol"`
}

func (TransferEvent) RecordKind() RecordKind { return KindTransfer }

// DecodeRecord rebuilds a history record from its stored JSON payload.
func DecodeRecord(kind RecordKind, payload []byte) (HistoryRecord, error) {
	var rec HistoryRecord
	switch kind {
	case KindMint:
		rec = &MintEvent{}
	case KindRedeem:
		rec = &RedeemEvent{}
	case KindBorrow:
		rec = &BorrowEvent{}
	case KindRepay:
		rec = &RepayEvent{}
	case KindLiquidation:
		rec = &LiquidationEvent{}
	case KindTransfer:
		rec = &TransferEvent{}
	default:
		return nil, fmt.Errorf("model: unknown record kind %q", kind)
	}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", kind, err)
	}
	return rec, nil
}
