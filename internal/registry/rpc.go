package registry

// Canonical default EVM RPC endpoints by chain ID.
// They are the last entry of every endpoint set.
var defaultRPCByChainID = map[int64]string{
	1:     "https://eth.llamarpc.com",
	10:    "https://mainnet.optimism.io",
	56:    "https://bsc-dataseed.binance.org",
	137:   "https://polygon-rpc.com",
	8453:  "https://mainnet.base.org",
	42161: "https://arb1.arbitrum.io/rpc",
	43114: "https://api.avax.network/ext/bc/C/rpc",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

// DefaultRPCURLs is DefaultRPCURL as an endpoint source.
func DefaultRPCURLs(chainID int64) []string {
	if value, ok := DefaultRPCURL(chainID); ok {
		return []string{value}
	}
	return nil
}
