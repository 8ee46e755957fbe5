package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// NativeMarket describes the market whose underlying is the chain's base
// currency. It has no token contract, so its identity is configured.
type NativeMarket struct {
	Address            common.Address
	UnderlyingName     string
	UnderlyingSymbol   string
	UnderlyingDecimals int32
}

// Protocol holds the deployment constants keyed by address.
type Protocol struct {
	Comptroller  common.Address
	NativeMarket NativeMarket
	// USDPegged markets start at a USD price of one and keep it.
	USDPegged []common.Address
}

// IsNative reports whether market is the native-asset market.
func (p Protocol) IsNative(market common.Address) bool {
	return p.NativeMarket.Address != (common.Address{}) && market == p.NativeMarket.Address
}

// IsUSDPegged reports whether market is pinned to one USD.
func (p Protocol) IsUSDPegged(market common.Address) bool {
	for _, a := range p.USDPegged {
		if a == market {
			return true
		}
	}
	return false
}

// Validate checks the native market identity.
func (p Protocol) Validate() error {
	if p.NativeMarket.Address != (common.Address{}) {
		if p.NativeMarket.UnderlyingDecimals < 0 || p.NativeMarket.UnderlyingDecimals > 36 {
			return fmt.Errorf("native market decimals %d out of range", p.NativeMarket.UnderlyingDecimals)
		}
		if p.NativeMarket.UnderlyingSymbol == "" {
			return fmt.Errorf("native market symbol required")
		}
	}
	return nil
}

// DefaultProtocol returns the constants of the original deployment. The
// comptroller address is deployment specific and left unset.
func DefaultProtocol() Protocol {
	return Protocol{
		NativeMarket: NativeMarket{
			Address:            common.HexToAddress("0x8126855f31b6a52ea5942f4f3bf8bf7c8c84f12d"),
			UnderlyingName:     "MilkAda",
			UnderlyingSymbol:   "MADA",
			UnderlyingDecimals: 18,
		},
		USDPegged: []common.Address{
			common.HexToAddress("0xebc85c04124e55a682ef35d9f1c458ab1f5273b2"),
		},
	}
}

// protocolFile is the YAML layout of PROTOCOL_FILE:
//
//	comptroller: "0x..."
//	native_market:
//	  address: "0x..."
//	  underlying_name: MilkAda
//	  underlying_symbol: MADA
//	  underlying_decimals: 18
//	usd_pegged_markets:
//	  - "0x..."
type protocolFile struct {
	Comptroller  string `yaml:"comptroller"`
	NativeMarket *struct {
		Address            string `yaml:"address"`
		UnderlyingName     string `yaml:"underlying_name"`
		UnderlyingSymbol   string `yaml:"underlying_symbol"`
		UnderlyingDecimals *int32 `yaml:"underlying_decimals"`
	} `yaml:"native_market"`
	USDPeggedMarkets []string `yaml:"usd_pegged_markets"`
}

// LoadProtocolFile reads protocol constants from a YAML file. Sections
// missing from the file keep their defaults; an explicit empty
// usd_pegged_markets list clears them.
func LoadProtocolFile(path string) (Protocol, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Protocol{}, fmt.Errorf("read protocol file: %w", err)
	}
	return parseProtocol(raw)
}

func parseProtocol(raw []byte) (Protocol, error) {
	var f protocolFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Protocol{}, fmt.Errorf("parse protocol file: %w", err)
	}

	p := DefaultProtocol()
	if f.Comptroller != "" {
		addr, err := parseAddress("comptroller", f.Comptroller)
		if err != nil {
			return Protocol{}, err
		}
		p.Comptroller = addr
	}
	if nm := f.NativeMarket; nm != nil {
		native := NativeMarket{
			UnderlyingName:     nm.UnderlyingName,
			UnderlyingSymbol:   nm.UnderlyingSymbol,
			UnderlyingDecimals: 18,
		}
		if nm.UnderlyingDecimals != nil {
			native.UnderlyingDecimals = *nm.UnderlyingDecimals
		}
		if nm.Address != "" {
			addr, err := parseAddress("native_market.address", nm.Address)
			if err != nil {
				return Protocol{}, err
			}
			native.Address = addr
		}
		p.NativeMarket = native
	}
	if f.USDPeggedMarkets != nil {
		p.USDPegged = make([]common.Address, 0, len(f.USDPeggedMarkets))
		for i, s := range f.USDPeggedMarkets {
			addr, err := parseAddress(fmt.Sprintf("usd_pegged_markets[%d]", i), s)
			if err != nil {
				return Protocol{}, err
			}
			p.USDPegged = append(p.USDPegged, addr)
		}
	}
	if err := p.Validate(); err != nil {
		return Protocol{}, err
	}
	return p, nil
}
