package resolver

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/rpc"
)

// Call3 is one Multicall3 aggregate3 sub-call.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Call3Result is one aggregate3 sub-result.
type Call3Result struct {
	Success    bool
	ReturnData []byte
}

// EncodeAggregate3 packs calls for Multicall3.aggregate3.
func EncodeAggregate3(calls []Call3) ([]byte, error) {
	return registry.Multicall3ABI.Pack("aggregate3", calls)
}

// DecodeAggregate3 unpacks aggregate3 return data.
func DecodeAggregate3(raw []byte) ([]Call3Result, error) {
	out, err := registry.Multicall3ABI.Unpack("aggregate3", raw)
	if err != nil {
		return nil, fmt.Errorf("decode aggregate3: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decode aggregate3: unexpected output length %d", len(out))
	}
	results := *abi.ConvertType(out[0], new([]Call3Result)).(*[]Call3Result)
	return results, nil
}

// multicall batches every field into one aggregate3 call. Sub-calls that
// fail or do not decode are left missing for the direct path.
func (r *Resolver) multicall(ctx context.Context, q Query, fields []Field, acc *values) error {
	calls := make([]Call3, 0, len(fields))
	for _, f := range fields {
		data, err := fieldCalldata(f, q)
		if err != nil {
			return err
		}
		calls = append(calls, Call3{Target: q.Pair, AllowFailure: true, CallData: data})
	}
	payload, err := EncodeAggregate3(calls)
	if err != nil {
		return fmt.Errorf("encode aggregate3: %w", err)
	}
	target := r.deployment.Multicall
	raw, err := r.caller.EthCall(ctx, ethereum.CallMsg{To: &target, Data: payload}, rpc.BlockLatest, r.readOptions("pair.multicall"))
	if err != nil {
		return err
	}
	results, err := DecodeAggregate3(raw)
	if err != nil {
		return err
	}
	if len(results) != len(fields) {
		return fmt.Errorf("aggregate3 returned %d results for %d calls", len(results), len(fields))
	}
	for i, res := range results {
		if !res.Success {
			continue
		}
		if err := acc.decode(fields[i], res.ReturnData); err != nil {
			r.logger.Debug("multicall field undecodable", "pair", q.Pair.Hex(), "field", fields[i], "error", err)
		}
	}
	return nil
}
