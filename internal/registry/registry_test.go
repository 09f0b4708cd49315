package registry

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func TestLookupDeployment(t *testing.T) {
	for _, chainID := range []int64{1, 8453, 42161} {
		d, ok := LookupDeployment(chainID)
		if !ok {
			t.Fatalf("expected deployment for chain %d", chainID)
		}
		if d.Factory == (common.Address{}) || d.Router == (common.Address{}) || d.WrappedNative == (common.Address{}) {
			t.Fatalf("incomplete deployment for chain %d: %+v", chainID, d)
		}
		if !d.HasMulticall() {
			t.Fatalf("expected multicall on chain %d", chainID)
		}
		if d.HasFeeRegistry() {
			t.Fatalf("did not expect a built-in fee registry on chain %d", chainID)
		}
	}
	if _, ok := LookupDeployment(167000); ok {
		t.Fatal("did not expect deployment for unsupported chain")
	}
}

func TestDeploymentOverride(t *testing.T) {
	d, _ := LookupDeployment(1)
	registry := "0x00000000000000000000000000000000000000fe"
	next := d.Override("", "not-an-address", "", "", registry)
	if next.Router != d.Router {
		t.Fatal("invalid override must keep the built-in router")
	}
	if next.FeeRegistry != common.HexToAddress(registry) {
		t.Fatalf("unexpected fee registry %s", next.FeeRegistry.Hex())
	}
	if d.HasFeeRegistry() {
		t.Fatal("override must not mutate the original deployment")
	}
}

func TestABIMethodsPresent(t *testing.T) {
	checks := map[string][]string{
		"pair":     {"token0", "token1", "getReserves", "totalSupply", "balanceOf"},
		"factory":  {"getPair"},
		"erc20":    {"allowance", "approve", "balanceOf"},
		"router":   {"getAmountsOut", "getAmountsIn", "swapExactTokensForTokens", "swapExactTokensForTokensSupportingFeeOnTransferTokens", "swapETHForExactTokens", "addLiquidity", "removeLiquidityETH"},
		"multi":    {"aggregate3"},
		"registry": {"feeBps"},
	}
	abis := map[string]abi.ABI{
		"pair":     PairABI,
		"factory":  FactoryABI,
		"erc20":    ERC20ABI,
		"router":   RouterABI,
		"multi":    Multicall3ABI,
		"registry": FeeRegistryABI,
	}
	for name, methods := range checks {
		for _, m := range methods {
			if _, ok := abis[name].Methods[m]; !ok {
				t.Fatalf("%s abi is missing %s", name, m)
			}
		}
	}
	if _, ok := PairABI.Events["Sync"]; !ok {
		t.Fatal("pair abi is missing the Sync event")
	}
}

func TestDefaultRPCURLs(t *testing.T) {
	if urls := DefaultRPCURLs(8453); len(urls) != 1 || urls[0] == "" {
		t.Fatalf("expected base rpc default, got %#v", urls)
	}
	if urls := DefaultRPCURLs(999999); urls != nil {
		t.Fatalf("expected no default for unknown chain, got %#v", urls)
	}
}
