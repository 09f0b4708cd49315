// Package planner builds swap and liquidity transactions whose amounts,
// deadline and recipient satisfy the router's on-chain checks, and explains
// the failures that still revert.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ggonzalez94/dexkit/internal/diag"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/resolver"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultTTL           = 20 * time.Minute
	DefaultGasMultiplier = 1.2
	DefaultPollInterval  = 2 * time.Second
	DefaultWaitTimeout   = 2 * time.Minute

	// MinTTL is the shortest deadline offset; deadlines are whole seconds.
	MinTTL = time.Second
)

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Chain is the gateway surface the planner needs. *rpc.Gateway satisfies it.
type Chain interface {
	ChainID(ctx context.Context, opts rpc.CallOptions) (int64, error)
	EthCall(ctx context.Context, msg ethereum.CallMsg, block string, opts rpc.ReadOptions) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg, opts rpc.CallOptions) (uint64, error)
	BlockByNumber(ctx context.Context, block string, opts rpc.CallOptions) (rpc.BlockHeader, error)
	MaxPriorityFee(ctx context.Context, opts rpc.CallOptions) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address, opts rpc.CallOptions) (uint64, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction, opts rpc.CallOptions) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash, opts rpc.CallOptions) (*types.Receipt, error)
}

// ReserveSource reads pair reserves in caller order. *resolver.Resolver
// satisfies it.
type ReserveSource interface {
	Reserves(ctx context.Context, a, b resolver.Token, account common.Address) (resolver.PairState, resolver.ResolvedReserves, error)
}

type Config struct {
	Chain      Chain
	Deployment registry.Deployment
	Logger     Logger
	// Reserves is required for liquidity plans only.
	Reserves ReserveSource
	Registry prometheus.Registerer
	Diag     *diag.Bus
	Now      func() time.Time
	TTL      time.Duration
	// FeeBps applies to FeeTokens when the chain has no fee registry.
	FeeBps    uint16
	FeeTokens []common.Address
}

func (c *Config) validate() error {
	if c.Chain == nil {
		return errors.New("config: Chain is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Deployment.ChainID == 0 || c.Deployment.Router == (common.Address{}) {
		return errors.New("config: Deployment with a router is required")
	}
	if c.FeeBps >= BpsDenominator {
		return fmt.Errorf("config: FeeBps must be below %d", BpsDenominator)
	}
	if c.TTL > 0 && c.TTL < MinTTL {
		return fmt.Errorf("config: TTL must be at least %s", MinTTL)
	}
	return nil
}

type Planner struct {
	chain      Chain
	deployment registry.Deployment
	logger     Logger
	reserves   ReserveSource
	metrics    *metrics
	diag       *diag.Bus
	now        func() time.Time
	ttl        time.Duration
	feeBps     uint16
	feeTokens  map[common.Address]struct{}
}

func New(cfg Config) (*Planner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	feeTokens := make(map[common.Address]struct{}, len(cfg.FeeTokens))
	for _, t := range cfg.FeeTokens {
		feeTokens[t] = struct{}{}
	}
	return &Planner{
		chain:      cfg.Chain,
		deployment: cfg.Deployment,
		logger:     cfg.Logger,
		reserves:   cfg.Reserves,
		metrics:    newMetrics(cfg.Registry),
		diag:       cfg.Diag,
		now:        cfg.Now,
		ttl:        cfg.TTL,
		feeBps:     cfg.FeeBps,
		feeTokens:  feeTokens,
	}, nil
}

// FeeBps returns the fee-on-transfer rate of token. The fee registry is
// authoritative when the chain has one; otherwise the configured constant
// applies to the configured fee tokens.
func (p *Planner) FeeBps(ctx context.Context, token common.Address) (uint16, FeeSource, error) {
	if !p.deployment.HasFeeRegistry() {
		if _, ok := p.feeTokens[token]; ok {
			return p.feeBps, FeeSourceConstant, nil
		}
		return 0, FeeSourceConstant, nil
	}
	data, err := registry.FeeRegistryABI.Pack("feeBps", token)
	if err != nil {
		return 0, "", clierr.Wrap(clierr.CodeInternal, "encode feeBps", err)
	}
	out, err := p.call(ctx, p.deployment.FeeRegistry, registry.FeeRegistryABI, "feeBps", data)
	if err != nil {
		return 0, "", err
	}
	bps, ok := out[0].(*big.Int)
	if !ok {
		return 0, "", clierr.New(clierr.CodeRPCUnavailable, "decode feeBps: unexpected output type")
	}
	if !bps.IsUint64() || bps.Uint64() >= BpsDenominator {
		return 0, "", clierr.New(clierr.CodeInvalidConfig, fmt.Sprintf("fee registry returned %s bps for %s", bps, token.Hex()))
	}
	return uint16(bps.Uint64()), FeeSourceRegistry, nil
}

// QuoteOut returns the pool output for amountIn along path.
func (p *Planner) QuoteOut(ctx context.Context, amountIn *uint256.Int, path []common.Address) (*uint256.Int, error) {
	amounts, err := p.amounts(ctx, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	return amounts[len(amounts)-1], nil
}

// QuoteIn returns the pool input needed to receive amountOut along path.
func (p *Planner) QuoteIn(ctx context.Context, amountOut *uint256.Int, path []common.Address) (*uint256.Int, error) {
	amounts, err := p.amounts(ctx, "getAmountsIn", amountOut, path)
	if err != nil {
		return nil, err
	}
	return amounts[0], nil
}

func (p *Planner) amounts(ctx context.Context, method string, amount *uint256.Int, path []common.Address) ([]*uint256.Int, error) {
	data, err := registry.RouterABI.Pack(method, amount.ToBig(), path)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode "+method, err)
	}
	out, err := p.call(ctx, p.deployment.Router, registry.RouterABI, method, data)
	if err != nil {
		return nil, err
	}
	raw, ok := out[0].([]*big.Int)
	if !ok || len(raw) != len(path) {
		return nil, clierr.New(clierr.CodeRPCUnavailable, method+": unexpected output")
	}
	amounts := make([]*uint256.Int, len(raw))
	for i, v := range raw {
		u, overflow := uint256.FromBig(v)
		if overflow {
			return nil, clierr.New(clierr.CodeRPCUnavailable, method+": amount overflows uint256")
		}
		amounts[i] = u
	}
	return amounts, nil
}

// Quote prices req without checking allowance or estimating gas. The plan is
// encoded for the first candidate variant.
func (p *Planner) Quote(ctx context.Context, req SwapRequest) (SwapPlan, error) {
	plan, err := p.newPlan(req)
	if err != nil {
		return SwapPlan{}, err
	}
	plan, err = p.price(ctx, plan)
	if err != nil {
		return SwapPlan{}, err
	}
	plan, err = plan.withVariant(plan.Variants[0])
	if err != nil {
		return SwapPlan{}, clierr.Wrap(clierr.CodeInternal, "encode swap", err)
	}
	return plan, nil
}

// PlanSwap quotes req, checks the spending allowance and commits to the first
// variant whose gas estimate succeeds.
func (p *Planner) PlanSwap(ctx context.Context, req SwapRequest) (SwapPlan, error) {
	if req.From == (common.Address{}) {
		return SwapPlan{}, clierr.New(clierr.CodeUsage, "sender address is required to plan a swap")
	}
	plan, err := p.Quote(ctx, req)
	if err != nil {
		p.publish("swap.plan", SwapPlan{ChainID: p.deployment.ChainID}, err)
		return SwapPlan{}, err
	}
	if !plan.NativeIn {
		if err := p.CheckAllowance(ctx, plan.Path[0], plan.From, plan.spend()); err != nil {
			p.publish("swap.plan", plan, err)
			return SwapPlan{}, err
		}
	}
	plan, err = p.selectVariant(ctx, plan)
	p.publish("swap.plan", plan, err)
	if err != nil {
		return SwapPlan{}, err
	}
	return plan, nil
}

// Refresh re-reads fees and quotes and recomputes the deadline and the
// slippage bound for plan's committed variant.
func (p *Planner) Refresh(ctx context.Context, plan SwapPlan) (SwapPlan, error) {
	next, err := p.price(ctx, plan)
	if err != nil {
		return SwapPlan{}, err
	}
	if !next.offers(plan.Variant) {
		return SwapPlan{}, clierr.New(clierr.CodeInvalidConfig, fmt.Sprintf("token fees changed since planning and %s no longer applies; plan the swap again", plan.Variant.Method))
	}
	next, err = next.withVariant(plan.Variant)
	if err != nil {
		return SwapPlan{}, clierr.Wrap(clierr.CodeInternal, "encode swap", err)
	}
	return next, nil
}

// Finalize refreshes plan and asserts the pre-submission invariants.
func (p *Planner) Finalize(ctx context.Context, plan SwapPlan) (SwapPlan, error) {
	next, err := p.Refresh(ctx, plan)
	if err != nil {
		return SwapPlan{}, err
	}
	if err := CheckInvariants(next.Call(), p.now()); err != nil {
		p.logger.Error("swap invariant violated", "method", next.Variant.Method, "error", err)
		return SwapPlan{}, err
	}
	if plan.ExpectedOut != nil && next.ExpectedOut != nil && !plan.ExpectedOut.Eq(next.ExpectedOut) {
		p.logger.Info("quote moved since planning", "was", plan.ExpectedOut.Dec(), "now", next.ExpectedOut.Dec(), "amount_out_min", next.AmountOutMin.Dec())
	}
	return next, nil
}

func (p *Planner) newPlan(req SwapRequest) (SwapPlan, error) {
	if req.Kind != KindExactIn && req.Kind != KindExactOut {
		return SwapPlan{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported swap kind %q", req.Kind))
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return SwapPlan{}, clierr.New(clierr.CodeUsage, "swap amount must be positive")
	}
	if req.SlippageBps > BpsDenominator {
		return SwapPlan{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("slippage must be at most %d bps", BpsDenominator))
	}
	if req.NativeIn && req.NativeOut {
		return SwapPlan{}, clierr.New(clierr.CodeUsage, "native currency cannot be both input and output")
	}
	if err := checkTTL(req.TTL); err != nil {
		return SwapPlan{}, err
	}
	in, out := req.TokenIn, req.TokenOut
	if req.NativeIn {
		in = p.deployment.WrappedNative
	}
	if req.NativeOut {
		out = p.deployment.WrappedNative
	}
	path := make([]common.Address, 0, len(req.Via)+2)
	path = append(path, in)
	path = append(path, req.Via...)
	path = append(path, out)
	for i, hop := range path {
		if hop == (common.Address{}) {
			return SwapPlan{}, clierr.New(clierr.CodeUsage, "swap path contains the zero address")
		}
		if i > 0 && hop == path[i-1] {
			return SwapPlan{}, clierr.New(clierr.CodeInvalidConfig, "swap path repeats "+hop.Hex())
		}
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.From
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = p.ttl
	}
	return SwapPlan{
		ChainID:     p.deployment.ChainID,
		Kind:        req.Kind,
		Variants:    variantsFor(req.Kind, req.NativeIn, req.NativeOut),
		Router:      p.deployment.Router,
		Path:        path,
		NativeIn:    req.NativeIn,
		NativeOut:   req.NativeOut,
		Recipient:   recipient,
		From:        req.From,
		Amount:      req.Amount.Clone(),
		SlippageBps: req.SlippageBps,
		TTL:         ttl,
	}, nil
}

// price fills fees, quotes, bounds and deadline on a copy of plan.
func (p *Planner) price(ctx context.Context, plan SwapPlan) (SwapPlan, error) {
	next := plan
	next.Path = append([]common.Address(nil), plan.Path...)
	var err error
	next.FeeBpsIn, next.FeeBpsOut, next.FeeSource, err = p.pathFees(ctx, plan)
	if err != nil {
		return SwapPlan{}, err
	}

	switch plan.Kind {
	case KindExactIn:
		next.AmountIn = plan.Amount.Clone()
		if next.Forwarded, err = NetOfFee(plan.Amount, next.FeeBpsIn); err != nil {
			return SwapPlan{}, mathErr(err)
		}
		poolOut, err := p.QuoteOut(ctx, next.Forwarded, next.Path)
		if err != nil {
			return SwapPlan{}, err
		}
		if next.ExpectedOut, err = NetOfFee(poolOut, next.FeeBpsOut); err != nil {
			return SwapPlan{}, mathErr(err)
		}
		if next.AmountOutMin, err = MinOut(next.ExpectedOut, plan.SlippageBps); err != nil {
			return SwapPlan{}, mathErr(err)
		}
	case KindExactOut:
		if next.AmountOut, err = GrossUp(plan.Amount, next.FeeBpsOut); err != nil {
			return SwapPlan{}, mathErr(err)
		}
		poolIn, err := p.QuoteIn(ctx, next.AmountOut, next.Path)
		if err != nil {
			return SwapPlan{}, err
		}
		if next.ExpectedIn, err = GrossUp(poolIn, next.FeeBpsIn); err != nil {
			return SwapPlan{}, mathErr(err)
		}
		if next.AmountInMax, err = MaxIn(next.ExpectedIn, plan.SlippageBps); err != nil {
			return SwapPlan{}, mathErr(err)
		}
		// Exact-output router methods pull the quoted input, which a
		// fee-bearing input cannot deliver in full. Such swaps send the
		// capped input exact-in and require the requested net output.
		if next.FeeBpsIn > 0 {
			next.Variants = []Variant{feeInputExactOutVariant(plan.NativeOut)}
			next.AmountIn = next.AmountInMax.Clone()
			next.AmountOutMin = plan.Amount.Clone()
		} else {
			next.Variants = variantsFor(plan.Kind, plan.NativeIn, plan.NativeOut)
			next.AmountIn, next.AmountOutMin = nil, nil
		}
	}

	now := p.now()
	next.QuotedAt = now
	next.Deadline = uint64(now.Add(plan.TTL).Unix())
	return next, nil
}

func (p *Planner) pathFees(ctx context.Context, plan SwapPlan) (in, out uint16, src FeeSource, err error) {
	src = FeeSourceConstant
	if p.deployment.HasFeeRegistry() {
		src = FeeSourceRegistry
	}
	if !plan.NativeIn {
		if in, _, err = p.FeeBps(ctx, plan.Path[0]); err != nil {
			return 0, 0, "", err
		}
	}
	if !plan.NativeOut {
		if out, _, err = p.FeeBps(ctx, plan.Path[len(plan.Path)-1]); err != nil {
			return 0, 0, "", err
		}
	}
	return in, out, src, nil
}

// spend is the most the sender can be charged in the input token.
func (p SwapPlan) spend() *uint256.Int {
	if p.Kind == KindExactOut {
		return p.AmountInMax
	}
	return p.AmountIn
}

// selectVariant estimates gas for each candidate in order and returns the
// plan encoded for the first that succeeds. When all fail the last candidate
// is simulated to decode its revert.
func (p *Planner) selectVariant(ctx context.Context, plan SwapPlan) (SwapPlan, error) {
	var (
		last    SwapPlan
		lastErr error
	)
	for _, v := range plan.Variants {
		candidate, err := plan.withVariant(v)
		if err != nil {
			return SwapPlan{}, clierr.Wrap(clierr.CodeInternal, "encode swap", err)
		}
		msg := callMsg(candidate.From, candidate.Router, candidate.Calldata, candidate.NativeValue)
		gas, err := p.chain.EstimateGas(ctx, msg, rpc.CallOptions{Label: "estimate." + v.Method})
		if err == nil {
			candidate.GasLimit = gas
			p.metrics.variants.WithLabelValues(v.Method).Inc()
			p.logger.Debug("swap variant selected", "method", v.Method, "gas", gas)
			return candidate, nil
		}
		p.logger.Debug("gas estimate failed", "method", v.Method, "error", err)
		last, lastErr = candidate, err
		if ctx.Err() != nil {
			break
		}
	}
	return SwapPlan{}, p.explain(ctx, callMsg(last.From, last.Router, last.Calldata, last.NativeValue), lastErr)
}

// explain simulates msg to turn a failed estimate into a decoded revert.
func (p *Planner) explain(ctx context.Context, msg ethereum.CallMsg, estimateErr error) error {
	_, simErr := p.chain.EthCall(ctx, msg, rpc.BlockPending, rpc.ReadOptions{CallOptions: rpc.CallOptions{Label: "simulate"}})
	err := simErr
	if err == nil {
		err = estimateErr
	}
	decoded := DecodeFailure(err)
	if cliErr, ok := clierr.As(decoded); ok && cliErr.Code == clierr.CodeRevert {
		p.metrics.reverts.WithLabelValues(cliErr.Category).Inc()
		p.logger.Info("swap would revert", "category", cliErr.Category, "reason", cliErr.Message)
	}
	return decoded
}

// call runs a view method on target and unpacks its outputs.
func (p *Planner) call(ctx context.Context, target common.Address, contract abiUnpacker, method string, data []byte) ([]any, error) {
	raw, err := p.chain.EthCall(ctx, ethereum.CallMsg{To: &target, Data: data}, rpc.BlockLatest, rpc.ReadOptions{
		CallOptions:     rpc.CallOptions{Label: method},
		ExpectedChainID: p.deployment.ChainID,
	})
	if err != nil {
		return nil, DecodeFailure(err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, "decode "+method, err)
	}
	return out, nil
}

type abiUnpacker interface {
	Unpack(name string, data []byte) ([]any, error)
}

func (p *Planner) publish(op string, plan SwapPlan, err error, txHash ...common.Hash) {
	if p.diag == nil {
		return
	}
	ctxt := diag.PlanContext{
		Operation: op,
		ChainID:   plan.ChainID,
		Router:    p.deployment.Router.Hex(),
		Method:    plan.Variant.Method,
		Path:      plan.PathHex(),
		Deadline:  plan.Deadline,
		FeeSource: string(plan.FeeSource),
		At:        p.now(),
	}
	if plan.AmountIn != nil {
		ctxt.AmountIn = plan.AmountIn.Dec()
	}
	if plan.AmountOutMin != nil {
		ctxt.AmountOutMin = plan.AmountOutMin.Dec()
	}
	if plan.AmountInMax != nil {
		ctxt.AmountInMax = plan.AmountInMax.Dec()
	}
	if len(txHash) > 0 && txHash[0] != (common.Hash{}) {
		ctxt.TxHash = txHash[0].Hex()
	}
	if err != nil {
		ctxt.Error = err.Error()
	}
	p.diag.PublishPlan(ctxt)
}

func checkTTL(ttl time.Duration) error {
	if ttl > 0 && ttl < MinTTL {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("deadline offset %s is under %s", ttl, MinTTL))
	}
	return nil
}

func callMsg(from, to common.Address, data []byte, value *uint256.Int) ethereum.CallMsg {
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	if value != nil && !value.IsZero() {
		msg.Value = value.ToBig()
	}
	return msg
}

func mathErr(err error) error {
	if errors.Is(err, ErrBps) {
		return clierr.Wrap(clierr.CodeInvalidConfig, "fee or slippage out of range", err)
	}
	return clierr.Wrap(clierr.CodeInvalidConfig, "amount out of range", err)
}
