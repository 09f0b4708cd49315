package resolver

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/holiman/uint256"
)

// Field is one piece of pair state acquired by a single contract call.
type Field string

const (
	FieldToken0      Field = "token0"
	FieldToken1      Field = "token1"
	FieldReserves    Field = "reserves"
	FieldTotalSupply Field = "total_supply"
	FieldBalance     Field = "balance"
)

var maxUint112 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 112), big.NewInt(1))

func fieldsFor(q Query) []Field {
	fields := []Field{FieldBalance, FieldTotalSupply, FieldReserves, FieldToken0, FieldToken1}
	if q.Account == (common.Address{}) {
		return fields[1:]
	}
	return fields
}

func fieldCalldata(f Field, q Query) ([]byte, error) {
	switch f {
	case FieldToken0:
		return registry.PairABI.Pack("token0")
	case FieldToken1:
		return registry.PairABI.Pack("token1")
	case FieldReserves:
		return registry.PairABI.Pack("getReserves")
	case FieldTotalSupply:
		return registry.PairABI.Pack("totalSupply")
	case FieldBalance:
		return registry.PairABI.Pack("balanceOf", q.Account)
	default:
		return nil, fmt.Errorf("unknown field %q", f)
	}
}

type reserves struct {
	reserve0  *uint256.Int
	reserve1  *uint256.Int
	timestamp uint32
}

// values accumulates decoded fields for one query.
type values struct {
	token0      *common.Address
	token1      *common.Address
	reserves    *reserves
	totalSupply *uint256.Int
	balance     *uint256.Int
}

func (v *values) has(f Field) bool {
	switch f {
	case FieldToken0:
		return v.token0 != nil
	case FieldToken1:
		return v.token1 != nil
	case FieldReserves:
		return v.reserves != nil
	case FieldTotalSupply:
		return v.totalSupply != nil
	case FieldBalance:
		return v.balance != nil
	}
	return false
}

func (v *values) missing(fields []Field) []Field {
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if !v.has(f) {
			out = append(out, f)
		}
	}
	return out
}

// decode parses raw return data for f into v.
func (v *values) decode(f Field, raw []byte) error {
	switch f {
	case FieldToken0, FieldToken1:
		addr, err := decodeAddress(string(f), raw)
		if err != nil {
			return err
		}
		if f == FieldToken0 {
			v.token0 = &addr
		} else {
			v.token1 = &addr
		}
	case FieldReserves:
		out, err := registry.PairABI.Unpack("getReserves", raw)
		if err != nil {
			return fmt.Errorf("decode getReserves: %w", err)
		}
		if len(out) != 3 {
			return fmt.Errorf("decode getReserves: unexpected output length %d", len(out))
		}
		r0, ok0 := out[0].(*big.Int)
		r1, ok1 := out[1].(*big.Int)
		ts, ok2 := out[2].(uint32)
		if !ok0 || !ok1 || !ok2 {
			return fmt.Errorf("decode getReserves: unexpected output types")
		}
		if r0.Sign() < 0 || r1.Sign() < 0 || r0.Cmp(maxUint112) > 0 || r1.Cmp(maxUint112) > 0 {
			return fmt.Errorf("decode getReserves: reserve outside uint112")
		}
		v.reserves = &reserves{reserve0: uint256.MustFromBig(r0), reserve1: uint256.MustFromBig(r1), timestamp: ts}
	case FieldTotalSupply, FieldBalance:
		method := "totalSupply"
		if f == FieldBalance {
			method = "balanceOf"
		}
		amount, err := decodeUint(method, raw)
		if err != nil {
			return err
		}
		if f == FieldTotalSupply {
			v.totalSupply = amount
		} else {
			v.balance = amount
		}
	default:
		return fmt.Errorf("unknown field %q", f)
	}
	return nil
}

func (v *values) state(q Query) PairState {
	s := PairState{
		ChainID:     q.ChainID,
		Pair:        q.Pair,
		TotalSupply: v.totalSupply,
		Balance:     v.balance,
	}
	if v.token0 != nil {
		s.Token0 = *v.token0
	}
	if v.token1 != nil {
		s.Token1 = *v.token1
	}
	if v.reserves != nil {
		s.Reserve0 = v.reserves.reserve0
		s.Reserve1 = v.reserves.reserve1
		s.BlockTimestampLast = v.reserves.timestamp
	}
	return s
}

func decodeAddress(method string, raw []byte) (common.Address, error) {
	out, err := registry.PairABI.Unpack(method, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("decode %s: unexpected output length %d", method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("decode %s: unexpected output type %T", method, out[0])
	}
	return addr, nil
}

func decodeUint(method string, raw []byte) (*uint256.Int, error) {
	out, err := registry.PairABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decode %s: unexpected output length %d", method, len(out))
	}
	b, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected output type %T", method, out[0])
	}
	amount, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("decode %s: value overflows uint256", method)
	}
	return amount, nil
}
