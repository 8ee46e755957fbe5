package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// moneyMarketABI covers the view functions of the comptroller, the market
// tokens, ERC-20 underlyings, and the price oracle. Names do not collide
// across the four contracts, so one ABI serves all of them.
const moneyMarketABI = `[
 {"type":"function","name":"oracle","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
 {"type":"function","name":"closeFactorMantissa","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"liquidationIncentiveMantissa","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"maxAssets","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"getAllMarkets","stateMutability":"view","inputs":[],"outputs":[{"type":"address[]"}]},
 {"type":"function","name":"underlying","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
 {"type":"function","name":"interestRateModel","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
 {"type":"function","name":"reserveFactorMantissa","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"exchangeRateStored","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"borrowIndex","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"totalReserves","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"totalBorrows","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"getCash","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"borrowRatePerBlock","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"supplyRatePerBlock","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
 {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
 {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"getUnderlyingPrice","stateMutability":"view","inputs":[{"name":"cToken","type":"address"}],"outputs":[{"type":"uint256"}]}
]`

// ParsedABI is the parsed form of the view functions EthReader calls.
var ParsedABI = mustParseABI(moneyMarketABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

// DialEthClient initialises an Ethereum RPC client for the provided
// endpoint.
func DialEthClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EthReader implements Reader with eth_call against a node.
type EthReader struct {
	caller      ethereum.ContractCaller
	comptroller common.Address
}

// NewEthReader creates a reader. ethclient.Client satisfies
// ethereum.ContractCaller.
func NewEthReader(caller ethereum.ContractCaller, comptroller common.Address) *EthReader {
	return &EthReader{caller: caller, comptroller: comptroller}
}

// call packs method, executes it at the block pinned in ctx, and unpacks
// the single return value.
func (r *EthReader) call(ctx context.Context, to common.Address, method string, args ...interface{}) (interface{}, error) {
	data, err := ParsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var block *big.Int
	if n, ok := BlockFrom(ctx); ok {
		block = new(big.Int).SetUint64(n)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), ErrReverted)
		}
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s on %s: empty result: %w", method, to.Hex(), ErrReverted)
	}
	values, err := ParsedABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s on %s: %w", method, to.Hex(), err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s on %s: %d values", method, to.Hex(), len(values))
	}
	return values[0], nil
}

func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func (r *EthReader) callBig(ctx context.Context, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	v, err := r.call(ctx, to, method, args...)
	if err != nil {
		return nil, err
	}
	x, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s on %s: unexpected type %T", method, to.Hex(), v)
	}
	return x, nil
}

func (r *EthReader) callAddress(ctx context.Context, to common.Address, method string) (common.Address, error) {
	v, err := r.call(ctx, to, method)
	if err != nil {
		return common.Address{}, err
	}
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s on %s: unexpected type %T", method, to.Hex(), v)
	}
	return a, nil
}

func (r *EthReader) callString(ctx context.Context, to common.Address, method string) (string, error) {
	v, err := r.call(ctx, to, method)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s on %s: unexpected type %T", method, to.Hex(), v)
	}
	return s, nil
}

// --- ProtocolReader ---

func (r *EthReader) PriceOracle(ctx context.Context) (common.Address, error) {
	return r.callAddress(ctx, r.comptroller, "oracle")
}

func (r *EthReader) CloseFactorMantissa(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.comptroller, "closeFactorMantissa")
}

func (r *EthReader) LiquidationIncentiveMantissa(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.comptroller, "liquidationIncentiveMantissa")
}

func (r *EthReader) MaxAssets(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.comptroller, "maxAssets")
}

func (r *EthReader) AllMarkets(ctx context.Context) ([]common.Address, error) {
	v, err := r.call(ctx, r.comptroller, "getAllMarkets")
	if err != nil {
		return nil, err
	}
	markets, ok := v.([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getAllMarkets: unexpected type %T", v)
	}
	return markets, nil
}

// --- MarketReader ---

func (r *EthReader) Underlying(ctx context.Context, market common.Address) (common.Address, error) {
	return r.callAddress(ctx, market, "underlying")
}

func (r *EthReader) InterestRateModel(ctx context.Context, market common.Address) (common.Address, error) {
	return r.callAddress(ctx, market, "interestRateModel")
}

func (r *EthReader) ReserveFactorMantissa(ctx context.Context, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, market, "reserveFactorMantissa")
}

func (r *EthReader) ExchangeRateStored(ctx context.Context, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, market, "exchangeRateStored")
}

func (r *EthReader) BorrowIndex(ctx context.Context, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, market, "borrowIndex")
}

func (r *EthReader) TotalReserves(ctx context.Context, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, market, "totalReserves")
}

func (r *EthReader) TotalBorrows(ctx context.Context, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, market, "totalBorrows")
}

func (r *EthReader) Cash(ctx context.Context, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, market, "getCash")
}

func (r *EthReader) BorrowRatePerBlock(ctx context.Context, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, market, "borrowRatePerBlock")
}

func (r *EthReader) SupplyRatePerBlock(ctx context.Context, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, market, "supplyRatePerBlock")
}

// --- TokenReader ---

func (r *EthReader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	v, err := r.call(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	n, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals on %s: unexpected type %T", token.Hex(), v)
	}
	return n, nil
}

func (r *EthReader) Name(ctx context.Context, token common.Address) (string, error) {
	return r.callString(ctx, token, "name")
}

func (r *EthReader) Symbol(ctx context.Context, token common.Address) (string, error) {
	return r.callString(ctx, token, "symbol")
}

func (r *EthReader) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return r.callBig(ctx, token, "totalSupply")
}

func (r *EthReader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.callBig(ctx, token, "balanceOf", owner)
}

// --- OracleReader ---

func (r *EthReader) UnderlyingPrice(ctx context.Context, oracle, market common.Address) (*big.Int, error) {
	return r.callBig(ctx, oracle, "getUnderlyingPrice", market)
}

var _ Reader = (*EthReader)(nil)
