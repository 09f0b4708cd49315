package resolver

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/rpc"
)

// GetPair looks up the pair for (a, b) on the factory. found is false, with a
// nil error, when the factory returns the zero address.
func (r *Resolver) GetPair(ctx context.Context, a, b Token) (common.Address, bool, error) {
	if err := r.checkTokens(a, b); err != nil {
		return common.Address{}, false, err
	}
	data, err := registry.FactoryABI.Pack("getPair", a.Address, b.Address)
	if err != nil {
		return common.Address{}, false, clierr.Wrap(clierr.CodeInternal, "encode getPair", err)
	}
	factory := r.deployment.Factory
	raw, err := r.caller.EthCall(ctx, ethereum.CallMsg{To: &factory, Data: data}, rpc.BlockLatest, r.readOptions("factory.getPair"))
	if err != nil {
		return common.Address{}, false, err
	}
	out, err := registry.FactoryABI.Unpack("getPair", raw)
	if err != nil || len(out) != 1 {
		return common.Address{}, false, clierr.Wrap(clierr.CodeRPCUnavailable, "decode getPair", err)
	}
	pair, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, false, clierr.New(clierr.CodeRPCUnavailable, "decode getPair: unexpected output type")
	}
	if pair == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return pair, true, nil
}

// Reserves finds the pair for (a, b), reads it, and returns its reserves in
// (a, b) order.
func (r *Resolver) Reserves(ctx context.Context, a, b Token, account common.Address) (PairState, ResolvedReserves, error) {
	pair, found, err := r.GetPair(ctx, a, b)
	if err != nil {
		return PairState{}, ResolvedReserves{}, err
	}
	if !found {
		return PairState{}, ResolvedReserves{}, clierr.New(clierr.CodeNotFound,
			fmt.Sprintf("no pair for %s/%s", a.Address.Hex(), b.Address.Hex()))
	}
	state, err := r.Pair(ctx, Query{ChainID: a.ChainID, Pair: pair, Account: account})
	if err != nil {
		return PairState{}, ResolvedReserves{}, err
	}
	resolved, err := state.ReservesFor(a, b)
	if err != nil {
		return state, ResolvedReserves{}, err
	}
	return state, resolved, nil
}

func (r *Resolver) checkTokens(a, b Token) error {
	if a.ChainID != b.ChainID || a.ChainID != r.deployment.ChainID {
		return clierr.New(clierr.CodeInvalidConfig,
			fmt.Sprintf("tokens on chains %d/%d do not match configured chain %d", a.ChainID, b.ChainID, r.deployment.ChainID))
	}
	if a.Address == b.Address {
		return clierr.New(clierr.CodeInvalidConfig, "token addresses must differ")
	}
	if a.Address == (common.Address{}) || b.Address == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, "token addresses are required")
	}
	return nil
}
