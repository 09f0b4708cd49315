package planner

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/resolver"
	"github.com/holiman/uint256"
)

type LiquidityKind string

const (
	LiquidityAdd    LiquidityKind = "add"
	LiquidityRemove LiquidityKind = "remove"
)

// LiquidityRequest is an add or remove intent. NativeB means token B is the
// chain's native currency. Add uses AmountA/AmountB as desired amounts;
// remove uses Liquidity.
type LiquidityRequest struct {
	Kind        LiquidityKind
	TokenA      common.Address
	TokenB      common.Address
	NativeB     bool
	AmountA     *uint256.Int
	AmountB     *uint256.Int
	Liquidity   *uint256.Int
	SlippageBps uint16
	Recipient   common.Address
	From        common.Address
	TTL         time.Duration
}

type LiquidityPlan struct {
	ChainID   int64          `json:"chain_id"`
	Kind      LiquidityKind  `json:"kind"`
	Method    string         `json:"method"`
	Router    common.Address `json:"router"`
	Pair      common.Address `json:"pair,omitempty"`
	TokenA    common.Address `json:"token_a"`
	TokenB    common.Address `json:"token_b"`
	NativeB   bool           `json:"native_b"`
	Recipient common.Address `json:"recipient"`
	From      common.Address `json:"from"`

	DesiredA   *uint256.Int `json:"desired_a,omitempty"`
	DesiredB   *uint256.Int `json:"desired_b,omitempty"`
	AmountA    *uint256.Int `json:"amount_a"`
	AmountB    *uint256.Int `json:"amount_b"`
	AmountAMin *uint256.Int `json:"amount_a_min"`
	AmountBMin *uint256.Int `json:"amount_b_min"`
	Liquidity  *uint256.Int `json:"liquidity,omitempty"`

	ReserveA    *uint256.Int `json:"reserve_a"`
	ReserveB    *uint256.Int `json:"reserve_b"`
	TotalSupply *uint256.Int `json:"total_supply,omitempty"`

	SlippageBps uint16        `json:"slippage_bps"`
	TTL         time.Duration `json:"-"`
	Deadline    uint64        `json:"deadline"`
	NativeValue *uint256.Int  `json:"native_value"`
	Calldata    []byte        `json:"-"`
	GasLimit    uint64        `json:"gas_limit,omitempty"`
	QuotedAt    time.Time     `json:"quoted_at"`
}

func (l LiquidityPlan) Call() Call {
	return Call{
		Method:    l.Method,
		Calldata:  l.Calldata,
		Value:     l.NativeValue,
		Recipient: l.Recipient,
		Deadline:  l.Deadline,
	}
}

// PlanLiquidity prices req from current reserves, checks allowances and
// estimates gas.
func (p *Planner) PlanLiquidity(ctx context.Context, req LiquidityRequest) (LiquidityPlan, error) {
	plan, err := p.newLiquidityPlan(req)
	if err != nil {
		return LiquidityPlan{}, err
	}
	plan, err = p.priceLiquidity(ctx, plan)
	if err != nil {
		return LiquidityPlan{}, err
	}
	if plan.From != (common.Address{}) {
		if err := p.checkLiquidityAllowances(ctx, plan); err != nil {
			return LiquidityPlan{}, err
		}
		msg := callMsg(plan.From, plan.Router, plan.Calldata, plan.NativeValue)
		gas, err := p.chain.EstimateGas(ctx, msg, rpcOpts("estimate."+plan.Method))
		if err != nil {
			return LiquidityPlan{}, p.explain(ctx, msg, err)
		}
		plan.GasLimit = gas
	}
	return plan, nil
}

// FinalizeLiquidity re-reads reserves, recomputes bounds and deadline and
// asserts the pre-submission invariants.
func (p *Planner) FinalizeLiquidity(ctx context.Context, plan LiquidityPlan) (LiquidityPlan, error) {
	next, err := p.priceLiquidity(ctx, plan)
	if err != nil {
		return LiquidityPlan{}, err
	}
	if err := CheckInvariants(next.Call(), p.now()); err != nil {
		p.logger.Error("liquidity invariant violated", "method", next.Method, "error", err)
		return LiquidityPlan{}, err
	}
	return next, nil
}

func (p *Planner) newLiquidityPlan(req LiquidityRequest) (LiquidityPlan, error) {
	if p.reserves == nil {
		return LiquidityPlan{}, clierr.New(clierr.CodeInvalidConfig, "liquidity planning needs a reserve source")
	}
	if req.SlippageBps > BpsDenominator {
		return LiquidityPlan{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("slippage must be at most %d bps", BpsDenominator))
	}
	if err := checkTTL(req.TTL); err != nil {
		return LiquidityPlan{}, err
	}
	tokenB := req.TokenB
	if req.NativeB {
		tokenB = p.deployment.WrappedNative
	}
	if req.TokenA == (common.Address{}) || tokenB == (common.Address{}) {
		return LiquidityPlan{}, clierr.New(clierr.CodeUsage, "both tokens are required")
	}
	if req.TokenA == tokenB {
		return LiquidityPlan{}, clierr.New(clierr.CodeInvalidConfig, "token addresses must differ")
	}
	plan := LiquidityPlan{
		ChainID:     p.deployment.ChainID,
		Kind:        req.Kind,
		Router:      p.deployment.Router,
		TokenA:      req.TokenA,
		TokenB:      tokenB,
		NativeB:     req.NativeB,
		Recipient:   req.Recipient,
		From:        req.From,
		SlippageBps: req.SlippageBps,
		TTL:         req.TTL,
	}
	if plan.Recipient == (common.Address{}) {
		plan.Recipient = req.From
	}
	if plan.TTL <= 0 {
		plan.TTL = p.ttl
	}
	switch req.Kind {
	case LiquidityAdd:
		if req.AmountA == nil || req.AmountA.IsZero() || req.AmountB == nil || req.AmountB.IsZero() {
			return LiquidityPlan{}, clierr.New(clierr.CodeUsage, "desired amounts must be positive")
		}
		plan.DesiredA, plan.DesiredB = req.AmountA.Clone(), req.AmountB.Clone()
		plan.Method = "addLiquidity"
		if req.NativeB {
			plan.Method = "addLiquidityETH"
		}
	case LiquidityRemove:
		if req.Liquidity == nil || req.Liquidity.IsZero() {
			return LiquidityPlan{}, clierr.New(clierr.CodeUsage, "liquidity amount must be positive")
		}
		plan.Liquidity = req.Liquidity.Clone()
		plan.Method = "removeLiquidity"
		if req.NativeB {
			plan.Method = "removeLiquidityETH"
		}
	default:
		return LiquidityPlan{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported liquidity kind %q", req.Kind))
	}
	return plan, nil
}

func (p *Planner) priceLiquidity(ctx context.Context, plan LiquidityPlan) (LiquidityPlan, error) {
	next := plan
	a := resolver.Token{ChainID: p.deployment.ChainID, Address: plan.TokenA}
	b := resolver.Token{ChainID: p.deployment.ChainID, Address: plan.TokenB}
	state, reserves, err := p.reserves.Reserves(ctx, a, b, plan.From)
	switch {
	case err == nil:
		next.Pair = state.Pair
		next.ReserveA, next.ReserveB = reserves.ReserveA, reserves.ReserveB
		next.TotalSupply = state.TotalSupply
	case plan.Kind == LiquidityAdd && clierr.Is(err, clierr.CodeNotFound):
		next.ReserveA, next.ReserveB = new(uint256.Int), new(uint256.Int)
	default:
		return LiquidityPlan{}, err
	}

	if plan.Kind == LiquidityAdd {
		next.AmountA, next.AmountB, err = optimalAmounts(plan.DesiredA, plan.DesiredB, next.ReserveA, next.ReserveB)
	} else {
		if state.Balance != nil && plan.Liquidity.Gt(state.Balance) {
			return LiquidityPlan{}, clierr.New(clierr.CodeUsage,
				fmt.Sprintf("liquidity %s exceeds LP balance %s", plan.Liquidity.Dec(), state.Balance.Dec()))
		}
		next.AmountA, next.AmountB, err = proRata(plan.Liquidity, next.ReserveA, next.ReserveB, next.TotalSupply)
	}
	if err != nil {
		return LiquidityPlan{}, err
	}
	if next.AmountAMin, err = MinOut(next.AmountA, plan.SlippageBps); err != nil {
		return LiquidityPlan{}, mathErr(err)
	}
	if next.AmountBMin, err = MinOut(next.AmountB, plan.SlippageBps); err != nil {
		return LiquidityPlan{}, mathErr(err)
	}

	now := p.now()
	next.QuotedAt = now
	next.Deadline = uint64(now.Add(plan.TTL).Unix())
	if next.Calldata, next.NativeValue, err = next.pack(); err != nil {
		return LiquidityPlan{}, clierr.Wrap(clierr.CodeInternal, "encode "+plan.Method, err)
	}
	return next, nil
}

// optimalAmounts mirrors the router: keep desiredA and take the pro-rata B if
// it fits, otherwise keep desiredB. An empty pool takes both as given.
func optimalAmounts(desiredA, desiredB, reserveA, reserveB *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if reserveA.IsZero() && reserveB.IsZero() {
		return desiredA.Clone(), desiredB.Clone(), nil
	}
	if reserveA.IsZero() || reserveB.IsZero() {
		return nil, nil, clierr.New(clierr.CodeRevert, "pair has one empty reserve")
	}
	bOptimal, err := mulDivFloor(desiredA, reserveB, reserveA)
	if err != nil {
		return nil, nil, mathErr(err)
	}
	if !bOptimal.Gt(desiredB) {
		return desiredA.Clone(), bOptimal, nil
	}
	aOptimal, err := mulDivFloor(desiredB, reserveA, reserveB)
	if err != nil {
		return nil, nil, mathErr(err)
	}
	return aOptimal, desiredB.Clone(), nil
}

// proRata returns floor(liquidity * reserve / totalSupply) for both reserves.
func proRata(liquidity, reserveA, reserveB, totalSupply *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if totalSupply == nil || totalSupply.IsZero() {
		return nil, nil, clierr.New(clierr.CodeNotFound, "pair has no liquidity")
	}
	if liquidity.Gt(totalSupply) {
		return nil, nil, clierr.New(clierr.CodeUsage, "liquidity exceeds total supply")
	}
	amountA, err := mulDivFloor(liquidity, reserveA, totalSupply)
	if err != nil {
		return nil, nil, mathErr(err)
	}
	amountB, err := mulDivFloor(liquidity, reserveB, totalSupply)
	if err != nil {
		return nil, nil, mathErr(err)
	}
	return amountA, amountB, nil
}

func (l LiquidityPlan) pack() ([]byte, *uint256.Int, error) {
	deadline := new(big.Int).SetUint64(l.Deadline)
	zero := new(uint256.Int)
	switch l.Method {
	case "addLiquidity":
		data, err := registry.RouterABI.Pack(l.Method, l.TokenA, l.TokenB,
			l.AmountA.ToBig(), l.AmountB.ToBig(), l.AmountAMin.ToBig(), l.AmountBMin.ToBig(), l.Recipient, deadline)
		return data, zero, err
	case "addLiquidityETH":
		data, err := registry.RouterABI.Pack(l.Method, l.TokenA,
			l.AmountA.ToBig(), l.AmountAMin.ToBig(), l.AmountBMin.ToBig(), l.Recipient, deadline)
		return data, l.AmountB.Clone(), err
	case "removeLiquidity":
		data, err := registry.RouterABI.Pack(l.Method, l.TokenA, l.TokenB,
			l.Liquidity.ToBig(), l.AmountAMin.ToBig(), l.AmountBMin.ToBig(), l.Recipient, deadline)
		return data, zero, err
	case "removeLiquidityETH":
		data, err := registry.RouterABI.Pack(l.Method, l.TokenA,
			l.Liquidity.ToBig(), l.AmountAMin.ToBig(), l.AmountBMin.ToBig(), l.Recipient, deadline)
		return data, zero, err
	default:
		return nil, nil, fmt.Errorf("unsupported router method %q", l.Method)
	}
}

func (p *Planner) checkLiquidityAllowances(ctx context.Context, plan LiquidityPlan) error {
	if plan.Kind == LiquidityRemove {
		return p.CheckAllowance(ctx, plan.Pair, plan.From, plan.Liquidity)
	}
	if err := p.CheckAllowance(ctx, plan.TokenA, plan.From, plan.AmountA); err != nil {
		return err
	}
	if plan.NativeB {
		return nil
	}
	return p.CheckAllowance(ctx, plan.TokenB, plan.From, plan.AmountB)
}
