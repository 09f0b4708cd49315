package planner

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// BpsDenominator is 100%.
const BpsDenominator = 10_000

var (
	ErrOverflow = errors.New("uint256 overflow")
	ErrBps      = errors.New("basis points out of range")
)

var bpsDen = uint256.NewInt(BpsDenominator)

// FeeOf returns floor(amount * feeBps / 10000).
func FeeOf(amount *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	if feeBps >= BpsDenominator {
		return nil, fmt.Errorf("%w: fee %d", ErrBps, feeBps)
	}
	return mulDivFloor(amount, uint256.NewInt(uint64(feeBps)), bpsDen)
}

// NetOfFee returns amount - FeeOf(amount, feeBps).
func NetOfFee(amount *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	fee, err := FeeOf(amount, feeBps)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Sub(amount, fee), nil
}

// GrossUp returns ceil(net * 10000 / (10000 - feeBps)): the smallest amount
// that still nets at least net after the fee is taken.
func GrossUp(net *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	if feeBps >= BpsDenominator {
		return nil, fmt.Errorf("%w: fee %d", ErrBps, feeBps)
	}
	return mulDivCeil(net, bpsDen, uint256.NewInt(uint64(BpsDenominator-feeBps)))
}

// MinOut returns floor(expected * (10000 - slippageBps) / 10000).
func MinOut(expected *uint256.Int, slippageBps uint16) (*uint256.Int, error) {
	if slippageBps > BpsDenominator {
		return nil, fmt.Errorf("%w: slippage %d", ErrBps, slippageBps)
	}
	return mulDivFloor(expected, uint256.NewInt(uint64(BpsDenominator-slippageBps)), bpsDen)
}

// MaxIn returns ceil(expected * (10000 + slippageBps) / 10000).
func MaxIn(expected *uint256.Int, slippageBps uint16) (*uint256.Int, error) {
	if slippageBps > BpsDenominator {
		return nil, fmt.Errorf("%w: slippage %d", ErrBps, slippageBps)
	}
	return mulDivCeil(expected, uint256.NewInt(uint64(BpsDenominator+uint64(slippageBps))), bpsDen)
}

// mulDivFloor returns floor(x*y/d).
func mulDivFloor(x, y, d *uint256.Int) (*uint256.Int, error) {
	if x == nil {
		return nil, errors.New("nil amount")
	}
	prod, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return prod.Div(prod, d), nil
}

// mulDivCeil returns ceil(x*y/d).
func mulDivCeil(x, y, d *uint256.Int) (*uint256.Int, error) {
	if x == nil {
		return nil, errors.New("nil amount")
	}
	prod, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	q, rem := new(uint256.Int).DivMod(prod, d, new(uint256.Int))
	if !rem.IsZero() {
		if _, overflow := q.AddOverflow(q, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return q, nil
}
