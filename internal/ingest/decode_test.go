package ingest_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-indexer/internal/event"
	"github.com/atmx/lending-indexer/internal/ingest"
)

const metaJSON = `{"address":"0x00000000000000000000000000000000000000aa","block_number":120,` +
	`"block_time":1700000600,"tx_hash":"0x00000000000000000000000000000000000000000000000000000000000000ff",` +
	`"tx_log_index":2,"log_index":17}`

func envelope(kind, params string) []byte {
	return []byte(`{"kind":"` + kind + `","meta":` + metaJSON + `,"params":` + params + `}`)
}

func TestDecodeMeta(t *testing.T) {
	ev, err := ingest.Decode(envelope("AccrueInterest", `{}`))
	require.NoError(t, err)

	m := ev.EventMeta()
	assert.Equal(t, common.HexToAddress("0xaa"), m.Address)
	assert.Equal(t, uint64(120), m.BlockNumber)
	assert.Equal(t, uint64(1700000600), m.BlockTime)
	assert.Equal(t, common.HexToHash("0xff"), m.TxHash)
	assert.Equal(t, uint64(2), m.TxLogIndex)
	assert.Equal(t, uint64(17), m.LogIndex)
	assert.Equal(t, event.KindAccrueInterest, ev.Kind())
}

func TestDecodeMint(t *testing.T) {
	ev, err := ingest.Decode(envelope("Mint",
		`{"minter":"0x000000000000000000000000000000000000a11c","mintAmount":"100000000000000000000","mintTokens":"0x746a528800"}`))
	require.NoError(t, err)

	mint, ok := ev.(event.Mint)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, common.HexToAddress("0xa11c"), mint.Minter)
	want, _ := new(big.Int).SetString("100000000000000000000", 10)
	assert.Zero(t, want.Cmp(mint.MintAmount))
	assert.Zero(t, big.NewInt(500000000000).Cmp(mint.MintTokens))
}

func TestDecodeKinds(t *testing.T) {
	const addr = `"0x00000000000000000000000000000000000000bb"`
	tests := []struct {
		kind   string
		params string
		want   any
	}{
		{"MarketListed", `{"cToken":` + addr + `}`, event.MarketListed{}},
		{"MarketEntered", `{"cToken":` + addr + `,"account":` + addr + `}`, event.MarketEntered{}},
		{"MarketExited", `{"cToken":` + addr + `,"account":` + addr + `}`, event.MarketExited{}},
		{"NewCloseFactor", `{"oldCloseFactorMantissa":"0","newCloseFactorMantissa":"500000000000000000"}`, event.NewCloseFactor{}},
		{"NewLiquidationIncentive", `{"newLiquidationIncentiveMantissa":"1080000000000000000"}`, event.NewLiquidationIncentive{}},
		{"NewMaxAssets", `{"newMaxAssets":"20"}`, event.NewMaxAssets{}},
		{"NewPriceOracle", `{"newPriceOracle":` + addr + `}`, event.NewPriceOracle{}},
		{"NewCollateralFactor", `{"cToken":` + addr + `,"newCollateralFactorMantissa":"750000000000000000"}`, event.NewCollateralFactor{}},
		{"Redeem", `{"redeemer":` + addr + `,"redeemAmount":"1","redeemTokens":"1"}`, event.Redeem{}},
		{"Borrow", `{"borrower":` + addr + `,"borrowAmount":"1","accountBorrows":"1","totalBorrows":"1"}`, event.Borrow{}},
		{"RepayBorrow", `{"payer":` + addr + `,"borrower":` + addr + `,"repayAmount":"1","accountBorrows":"0","totalBorrows":"0"}`, event.RepayBorrow{}},
		{"LiquidateBorrow", `{"liquidator":` + addr + `,"borrower":` + addr + `,"repayAmount":"0","cTokenCollateral":` + addr + `,"seizeTokens":"0"}`, event.LiquidateBorrow{}},
		{"Transfer", `{"from":` + addr + `,"to":` + addr + `,"amount":"0x10"}`, event.Transfer{}},
		{"NewReserveFactor", `{"newReserveFactorMantissa":"100000000000000000"}`, event.NewReserveFactor{}},
		{"NewMarketInterestRateModel", `{"newInterestRateModel":` + addr + `}`, event.NewMarketInterestRateModel{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			ev, err := ingest.Decode(envelope(tt.kind, tt.params))
			require.NoError(t, err)
			assert.IsType(t, tt.want, ev)
			assert.Equal(t, event.Kind(tt.kind), ev.Kind())
		})
	}
}

func TestDecodeMissingParam(t *testing.T) {
	_, err := ingest.Decode(envelope("Borrow", `{"borrower":"0x00000000000000000000000000000000000000bb","borrowAmount":"1"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingest.ErrMissingParam), "got %v", err)
	assert.Contains(t, err.Error(), "accountBorrows")
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := ingest.Decode(envelope("Approval", `{}`))
	assert.ErrorIs(t, err, ingest.ErrUnknownKind)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := ingest.Decode([]byte(`{"kind":`))
	assert.Error(t, err)

	_, err = ingest.Decode(envelope("Transfer", `{"from":"0x01","to":"0x02","amount":"not-a-number"}`))
	assert.Error(t, err)
}
