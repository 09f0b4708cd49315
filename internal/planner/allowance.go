package planner

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/holiman/uint256"
)

// Approval is an ERC20 approve call granting the router a spending allowance.
type Approval struct {
	Token    common.Address `json:"token"`
	Owner    common.Address `json:"owner"`
	Spender  common.Address `json:"spender"`
	Amount   *uint256.Int   `json:"amount"`
	Calldata []byte         `json:"-"`
	GasLimit uint64         `json:"gas_limit,omitempty"`
}

// Allowance reads token's allowance from owner to the router.
func (p *Planner) Allowance(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	data, err := registry.ERC20ABI.Pack("allowance", owner, p.deployment.Router)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode allowance", err)
	}
	out, err := p.call(ctx, token, registry.ERC20ABI, "allowance", data)
	if err != nil {
		return nil, err
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeRPCUnavailable, "decode allowance: unexpected output type")
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, clierr.New(clierr.CodeRPCUnavailable, "decode allowance: overflow")
	}
	return v, nil
}

// CheckAllowance returns CodeApprovalRequired when owner has approved the
// router for less than amount of token.
func (p *Planner) CheckAllowance(ctx context.Context, token, owner common.Address, amount *uint256.Int) error {
	current, err := p.Allowance(ctx, token, owner)
	if err != nil {
		return err
	}
	if current.Lt(amount) {
		return clierr.New(clierr.CodeApprovalRequired, fmt.Sprintf(
			"allowance %s of %s for router %s is below required %s",
			current.Dec(), token.Hex(), p.deployment.Router.Hex(), amount.Dec()))
	}
	return nil
}

// BuildApproval encodes approve(router, amount) on token for owner.
func (p *Planner) BuildApproval(token, owner common.Address, amount *uint256.Int) (Approval, error) {
	if owner == (common.Address{}) {
		return Approval{}, clierr.New(clierr.CodeUsage, "approval requires sender address")
	}
	if token == (common.Address{}) {
		return Approval{}, clierr.New(clierr.CodeUsage, "approval requires ERC20 token address")
	}
	if amount == nil || amount.IsZero() {
		return Approval{}, clierr.New(clierr.CodeUsage, "approval amount must be a positive integer in base units")
	}
	data, err := registry.ERC20ABI.Pack("approve", p.deployment.Router, amount.ToBig())
	if err != nil {
		return Approval{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return Approval{
		Token:    token,
		Owner:    owner,
		Spender:  p.deployment.Router,
		Amount:   amount.Clone(),
		Calldata: data,
	}, nil
}
