package registry

import (
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3 is deployed at the same address on every supported chain.
const Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

// Deployment lists the exchange contracts on one chain. Multicall and
// FeeRegistry are zero when the chain lacks them.
type Deployment struct {
	ChainID       int64
	Name          string
	Factory       common.Address
	Router        common.Address
	WrappedNative common.Address
	Multicall     common.Address
	FeeRegistry   common.Address
}

// HasMulticall reports whether reads on this chain can be batched.
func (d Deployment) HasMulticall() bool {
	return d.Multicall != (common.Address{})
}

func (d Deployment) HasFeeRegistry() bool {
	return d.FeeRegistry != (common.Address{})
}

var deploymentsByChainID = map[int64]Deployment{
	1: {
		ChainID:       1,
		Name:          "ethereum",
		Factory:       common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
		Router:        common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
		WrappedNative: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Multicall:     common.HexToAddress(Multicall3Address),
	},
	8453: {
		ChainID:       8453,
		Name:          "base",
		Factory:       common.HexToAddress("0x8909Dc15e40173Ff4699343b6eB8132c65e18eC6"),
		Router:        common.HexToAddress("0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24"),
		WrappedNative: common.HexToAddress("0x4200000000000000000000000000000000000006"),
		Multicall:     common.HexToAddress(Multicall3Address),
	},
	42161: {
		ChainID:       42161,
		Name:          "arbitrum",
		Factory:       common.HexToAddress("0xf1D7CC64Fb4452F05c498126312eBE29f30Fbcf9"),
		Router:        common.HexToAddress("0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24"),
		WrappedNative: common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"),
		Multicall:     common.HexToAddress(Multicall3Address),
	},
}

// LookupDeployment returns the built-in deployment for chainID.
func LookupDeployment(chainID int64) (Deployment, bool) {
	d, ok := deploymentsByChainID[chainID]
	return d, ok
}

// Override replaces any non-empty address in d with the matching hex value.
func (d Deployment) Override(factory, router, wrapped, multicall, feeRegistry string) Deployment {
	set := func(dst *common.Address, raw string) {
		if common.IsHexAddress(raw) {
			*dst = common.HexToAddress(raw)
		}
	}
	set(&d.Factory, factory)
	set(&d.Router, router)
	set(&d.WrappedNative, wrapped)
	set(&d.Multicall, multicall)
	set(&d.FeeRegistry, feeRegistry)
	return d
}
