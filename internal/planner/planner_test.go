package planner

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ggonzalez94/dexkit/internal/diag"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testRouter      = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	testWETH        = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	testTokenIn     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testTokenOut    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	testFeeRegistry = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	testSender      = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type fakeChain struct {
	mu sync.Mutex

	chainID   int64
	amountOut *big.Int
	amountIn  *big.Int
	allowance *big.Int
	fees      map[common.Address]int64

	estimateErr map[string]error
	simErr      error
	tipErr      error
	receipt     *types.Receipt

	quotedIn  []*big.Int
	quotedOut []*big.Int
	estimated []string
	simulated int
	sent      []*types.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:     1,
		amountOut:   big.NewInt(2_000),
		amountIn:    big.NewInt(500),
		allowance:   new(big.Int).Lsh(big.NewInt(1), 200),
		fees:        map[common.Address]int64{},
		estimateErr: map[string]error{},
	}
}

func revertErr(reason string) error {
	strType, _ := abi.NewType("string", "", nil)
	payload, _ := abi.Arguments{{Type: strType}}.Pack(reason)
	data := append(common.FromHex("0x08c379a0"), payload...)
	return clierr.Wrap(clierr.CodeRevert, "execution reverted", &rpc.Error{
		Class:   rpc.ClassRevert,
		Method:  "eth_call",
		Message: "execution reverted",
		Data:    hexutil.Encode(data),
	})
}

func (c *fakeChain) method(data []byte) (*abi.Method, []any) {
	for _, contract := range []abi.ABI{registry.RouterABI, registry.ERC20ABI, registry.FeeRegistryABI} {
		if m, err := contract.MethodById(data[:4]); err == nil {
			args, _ := m.Inputs.Unpack(data[4:])
			return m, args
		}
	}
	return nil, nil
}

func (c *fakeChain) ChainID(context.Context, rpc.CallOptions) (int64, error) {
	return c.chainID, nil
}

func (c *fakeChain) EthCall(_ context.Context, msg ethereum.CallMsg, _ string, _ rpc.ReadOptions) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, args := c.method(msg.Data)
	if m == nil {
		return nil, clierr.New(clierr.CodeRPCUnavailable, "unknown call")
	}
	switch m.Name {
	case "getAmountsOut":
		in := args[0].(*big.Int)
		c.quotedOut = append(c.quotedOut, in)
		path := args[1].([]common.Address)
		amounts := make([]*big.Int, len(path))
		amounts[0] = in
		for i := 1; i < len(path); i++ {
			amounts[i] = c.amountOut
		}
		return m.Outputs.Pack(amounts)
	case "getAmountsIn":
		out := args[0].(*big.Int)
		c.quotedIn = append(c.quotedIn, out)
		path := args[1].([]common.Address)
		amounts := make([]*big.Int, len(path))
		for i := 0; i < len(path)-1; i++ {
			amounts[i] = c.amountIn
		}
		amounts[len(path)-1] = out
		return m.Outputs.Pack(amounts)
	case "allowance":
		return m.Outputs.Pack(c.allowance)
	case "feeBps":
		return m.Outputs.Pack(big.NewInt(c.fees[args[0].(common.Address)]))
	default:
		c.simulated++
		return nil, c.simErr
	}
}

func (c *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg, _ rpc.CallOptions) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, _ := c.method(msg.Data)
	if m == nil {
		return 0, clierr.New(clierr.CodeRPCUnavailable, "unknown call")
	}
	c.estimated = append(c.estimated, m.Name)
	if err := c.estimateErr[m.Name]; err != nil {
		return 0, err
	}
	return 150_000, nil
}

func (c *fakeChain) BlockByNumber(context.Context, string, rpc.CallOptions) (rpc.BlockHeader, error) {
	return rpc.BlockHeader{Number: 100, BaseFeePerGas: (*hexutil.Big)(big.NewInt(10_000_000_000))}, nil
}

func (c *fakeChain) MaxPriorityFee(context.Context, rpc.CallOptions) (*big.Int, error) {
	if c.tipErr != nil {
		return nil, c.tipErr
	}
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) PendingNonce(context.Context, common.Address, rpc.CallOptions) (uint64, error) {
	return 7, nil
}

func (c *fakeChain) SendRawTransaction(_ context.Context, tx *types.Transaction, _ rpc.CallOptions) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return tx.Hash(), nil
}

func (c *fakeChain) TransactionReceipt(context.Context, common.Hash, rpc.CallOptions) (*types.Receipt, error) {
	return c.receipt, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeployment() registry.Deployment {
	return registry.Deployment{ChainID: 1, Name: "test", Router: testRouter, WrappedNative: testWETH}
}

func newTestPlanner(t *testing.T, chain *fakeChain, mutate func(*Config)) (*Planner, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	cfg := Config{
		Chain:      chain,
		Deployment: testDeployment(),
		Logger:     discardLogger(),
		Now:        clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p, clock
}

func exactIn(amount uint64, slippage uint16) SwapRequest {
	return SwapRequest{
		Kind:        KindExactIn,
		TokenIn:     testTokenIn,
		TokenOut:    testTokenOut,
		Amount:      uint256.NewInt(amount),
		SlippageBps: slippage,
		From:        testSender,
	}
}

func unpackArgs(t *testing.T, data []byte) map[string]any {
	t.Helper()
	m, err := registry.RouterABI.MethodById(data[:4])
	require.NoError(t, err)
	args := map[string]any{}
	require.NoError(t, m.Inputs.UnpackIntoMap(args, data[4:]))
	return args
}

func TestQuoteFeeOnTransferBothSides(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, func(c *Config) {
		c.FeeBps = 100
		c.FeeTokens = []common.Address{testTokenIn, testTokenOut}
	})

	plan, err := p.Quote(context.Background(), exactIn(1_000, 0))
	require.NoError(t, err)
	require.Len(t, chain.quotedOut, 1)
	assert.Equal(t, int64(990), chain.quotedOut[0].Int64(), "pool must be quoted on the forwarded amount")
	assert.Equal(t, uint64(990), plan.Forwarded.Uint64())
	assert.Equal(t, uint64(1_980), plan.ExpectedOut.Uint64())
	assert.Equal(t, uint64(1_000), plan.AmountIn.Uint64())
	assert.Equal(t, FeeSourceConstant, plan.FeeSource)
	assert.Equal(t, "swapExactTokensForTokens", plan.Variant.Method)
}

func TestQuoteReadsFeeRegistryWhenPresent(t *testing.T) {
	chain := newFakeChain()
	chain.fees[testTokenIn] = 250
	p, _ := newTestPlanner(t, chain, func(c *Config) {
		c.Deployment.FeeRegistry = testFeeRegistry
		c.FeeBps = 100
		c.FeeTokens = []common.Address{testTokenIn}
	})

	plan, err := p.Quote(context.Background(), exactIn(10_000, 0))
	require.NoError(t, err)
	assert.Equal(t, FeeSourceRegistry, plan.FeeSource)
	assert.Equal(t, uint16(250), plan.FeeBpsIn)
	assert.Equal(t, uint16(0), plan.FeeBpsOut)
	assert.Equal(t, uint64(9_750), plan.Forwarded.Uint64())
}

func TestQuoteRejectsOutOfRangeRegistryFee(t *testing.T) {
	chain := newFakeChain()
	chain.fees[testTokenIn] = 10_000
	p, _ := newTestPlanner(t, chain, func(c *Config) { c.Deployment.FeeRegistry = testFeeRegistry })

	_, err := p.Quote(context.Background(), exactIn(10_000, 0))
	assert.True(t, clierr.Is(err, clierr.CodeInvalidConfig))
}

func TestQuoteExactOutGrossesUpOutputFee(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, func(c *Config) {
		c.FeeBps = 100
		c.FeeTokens = []common.Address{testTokenOut}
	})
	req := exactIn(990, 50)
	req.Kind = KindExactOut

	plan, err := p.Quote(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, chain.quotedIn, 1)
	assert.Equal(t, int64(1_000), chain.quotedIn[0].Int64(), "requested output must be grossed up for the output fee")
	assert.Equal(t, uint64(500), plan.ExpectedIn.Uint64())
	assert.Equal(t, uint64(503), plan.AmountInMax.Uint64())
	assert.Equal(t, "swapTokensForExactTokens", plan.Variant.Method)
	assert.Nil(t, plan.AmountIn)

	args := unpackArgs(t, plan.Calldata)
	assert.Equal(t, int64(1_000), args["amountOut"].(*big.Int).Int64())
	assert.Equal(t, int64(503), args["amountInMax"].(*big.Int).Int64())
}

func TestQuoteExactOutWithFeeBearingInputSendsCappedExactIn(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, func(c *Config) {
		c.FeeBps = 100
		c.FeeTokens = []common.Address{testTokenIn, testTokenOut}
	})
	req := exactIn(990, 50)
	req.Kind = KindExactOut

	plan, err := p.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, KindExactOut, plan.Kind)
	assert.Equal(t, uint64(506), plan.ExpectedIn.Uint64())
	assert.Equal(t, uint64(509), plan.AmountInMax.Uint64())
	assert.Equal(t, []Variant{{Method: "swapExactTokensForTokensSupportingFeeOnTransferTokens", FeeTolerant: true}}, plan.Variants)
	assert.Equal(t, plan.Variants[0], plan.Variant)
	assert.Equal(t, uint64(509), plan.spend().Uint64())

	args := unpackArgs(t, plan.Calldata)
	assert.Equal(t, int64(509), args["amountIn"].(*big.Int).Int64())
	assert.Equal(t, int64(990), args["amountOutMin"].(*big.Int).Int64(), "recipient must net the requested amount")
	require.NoError(t, CheckInvariants(plan.Call(), time.Unix(1_700_000_000, 0)))

	planned, err := p.PlanSwap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"swapExactTokensForTokensSupportingFeeOnTransferTokens"}, chain.estimated)
	assert.True(t, planned.Variant.FeeTolerant)
}

func TestQuoteExactOutWithFeeBearingInputToNative(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, func(c *Config) {
		c.FeeBps = 100
		c.FeeTokens = []common.Address{testTokenIn}
	})
	req := exactIn(1_000, 0)
	req.Kind = KindExactOut
	req.TokenOut = common.Address{}
	req.NativeOut = true

	plan, err := p.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "swapExactTokensForETHSupportingFeeOnTransferTokens", plan.Variant.Method)
	assert.True(t, plan.NativeValue.IsZero())
	args := unpackArgs(t, plan.Calldata)
	assert.Equal(t, int64(1_000), args["amountOutMin"].(*big.Int).Int64())
}

func TestFinalizeRejectsVariantAfterFeeChange(t *testing.T) {
	chain := newFakeChain()
	chain.fees[testTokenIn] = 100
	p, _ := newTestPlanner(t, chain, func(c *Config) { c.Deployment.FeeRegistry = testFeeRegistry })
	req := exactIn(990, 50)
	req.Kind = KindExactOut

	plan, err := p.PlanSwap(context.Background(), req)
	require.NoError(t, err)
	require.True(t, plan.Variant.FeeTolerant)

	chain.fees[testTokenIn] = 0
	_, err = p.Finalize(context.Background(), plan)
	assert.True(t, clierr.Is(err, clierr.CodeInvalidConfig), "got %v", err)
}

func TestQuoteRejectsSubSecondTTL(t *testing.T) {
	p, _ := newTestPlanner(t, newFakeChain(), nil)
	req := exactIn(1_000, 50)
	req.TTL = 500 * time.Millisecond
	_, err := p.Quote(context.Background(), req)
	assert.True(t, clierr.Is(err, clierr.CodeUsage), "got %v", err)

	req.TTL = time.Second
	plan, err := p.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_001), plan.Deadline)

	_, err = New(Config{Chain: newFakeChain(), Deployment: testDeployment(), Logger: discardLogger(), TTL: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestQuoteNativeInputAttachesValue(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, nil)
	req := exactIn(1_000, 50)
	req.TokenIn = common.Address{}
	req.NativeIn = true

	plan, err := p.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, testWETH, plan.Path[0])
	assert.Equal(t, "swapExactETHForTokens", plan.Variant.Method)
	assert.Equal(t, uint64(1_000), plan.NativeValue.Uint64())
	require.NoError(t, CheckInvariants(plan.Call(), time.Unix(1_700_000_000, 0)))
}

func TestPlanSwapFallsBackToFeeTolerantVariant(t *testing.T) {
	chain := newFakeChain()
	chain.estimateErr["swapExactTokensForTokens"] = revertErr("UniswapV2: K")
	p, _ := newTestPlanner(t, chain, nil)

	plan, err := p.PlanSwap(context.Background(), exactIn(1_000, 50))
	require.NoError(t, err)
	assert.Equal(t, []string{"swapExactTokensForTokens", "swapExactTokensForTokensSupportingFeeOnTransferTokens"}, chain.estimated)
	assert.Equal(t, "swapExactTokensForTokensSupportingFeeOnTransferTokens", plan.Variant.Method)
	assert.True(t, plan.Variant.FeeTolerant)
	assert.Equal(t, uint64(150_000), plan.GasLimit)
	assert.Zero(t, chain.simulated)
}

func TestPlanSwapDecodesRevertWhenEveryVariantFails(t *testing.T) {
	chain := newFakeChain()
	chain.estimateErr["swapExactTokensForTokens"] = clierr.New(clierr.CodeRevert, "gas required exceeds allowance")
	chain.estimateErr["swapExactTokensForTokensSupportingFeeOnTransferTokens"] = clierr.New(clierr.CodeRevert, "gas required exceeds allowance")
	chain.simErr = revertErr("UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT")
	bus := diag.NewBus()
	p, _ := newTestPlanner(t, chain, func(c *Config) { c.Diag = bus })

	_, err := p.PlanSwap(context.Background(), exactIn(1_000, 50))
	require.Error(t, err)
	cliErr, ok := clierr.As(err)
	require.True(t, ok)
	assert.Equal(t, clierr.CodeRevert, cliErr.Code)
	assert.Equal(t, CategoryInsufficientOutput, cliErr.Category)
	assert.Contains(t, cliErr.Message, "INSUFFICIENT_OUTPUT_AMOUNT")
	assert.Equal(t, 1, chain.simulated)

	snap := bus.Snapshot()
	require.NotNil(t, snap.Plan)
	assert.Equal(t, "swap.plan", snap.Plan.Operation)
	assert.Contains(t, snap.Plan.Error, "INSUFFICIENT_OUTPUT_AMOUNT")
}

func TestPlanSwapRequiresApproval(t *testing.T) {
	chain := newFakeChain()
	chain.allowance = big.NewInt(999)
	p, _ := newTestPlanner(t, chain, nil)

	_, err := p.PlanSwap(context.Background(), exactIn(1_000, 50))
	assert.True(t, clierr.Is(err, clierr.CodeApprovalRequired))
	assert.Empty(t, chain.estimated, "no estimate without allowance")
}

func TestFinalizeRecomputesMinOutAndDeadline(t *testing.T) {
	chain := newFakeChain()
	chain.amountOut = big.NewInt(100)
	p, clock := newTestPlanner(t, chain, nil)

	plan, err := p.PlanSwap(context.Background(), exactIn(1_000, 50))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), plan.AmountOutMin.Uint64())
	firstDeadline := plan.Deadline

	chain.amountOut = big.NewInt(80)
	clock.Advance(5 * time.Minute)

	final, err := p.Finalize(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, uint64(79), final.AmountOutMin.Uint64())
	assert.Equal(t, firstDeadline+300, final.Deadline)
	assert.Equal(t, plan.Variant, final.Variant)

	args := unpackArgs(t, final.Calldata)
	assert.Equal(t, int64(79), args["amountOutMin"].(*big.Int).Int64())
	assert.Equal(t, uint64(99), plan.AmountOutMin.Uint64(), "finalize must not mutate the original plan")
}

func TestCheckInvariants(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, nil)
	now := time.Unix(1_700_000_000, 0)

	plan, err := p.Quote(context.Background(), exactIn(1_000, 50))
	require.NoError(t, err)
	require.NoError(t, CheckInvariants(plan.Call(), now))

	wrongRecipient := plan.Call()
	wrongRecipient.Recipient = testTokenOut
	assertInvariant(t, CheckInvariants(wrongRecipient, now))

	withValue := plan.Call()
	withValue.Value = uint256.NewInt(1)
	assertInvariant(t, CheckInvariants(withValue, now))

	expired := plan.Call()
	assertInvariant(t, CheckInvariants(expired, now.Add(time.Hour)))

	tampered := plan.Call()
	tampered.Deadline++
	assertInvariant(t, CheckInvariants(tampered, now))

	req := exactIn(1_000, 50)
	req.From, req.Recipient = common.Address{}, common.Address{}
	zeroRecipient, err := p.Quote(context.Background(), req)
	require.NoError(t, err)
	assertInvariant(t, CheckInvariants(zeroRecipient.Call(), now))

	native := exactIn(1_000, 50)
	native.NativeIn = true
	nativePlan, err := p.Quote(context.Background(), native)
	require.NoError(t, err)
	noValue := nativePlan.Call()
	noValue.Value = nil
	assertInvariant(t, CheckInvariants(noValue, now))
}

func assertInvariant(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeInvariant), "expected invariant violation, got %v", err)
}

func TestVariantsFor(t *testing.T) {
	assert.Equal(t, "swapExactETHForTokens", variantsFor(KindExactIn, true, false)[0].Method)
	assert.Equal(t, "swapExactTokensForETHSupportingFeeOnTransferTokens", variantsFor(KindExactIn, false, true)[1].Method)
	assert.Len(t, variantsFor(KindExactOut, false, false), 1)
	assert.True(t, variantsFor(KindExactOut, true, false)[0].Payable())
	assert.False(t, variantsFor(KindExactOut, false, true)[0].Payable())
}

func TestQuoteValidatesRequest(t *testing.T) {
	p, _ := newTestPlanner(t, newFakeChain(), nil)
	ctx := context.Background()

	zero := exactIn(0, 50)
	_, err := p.Quote(ctx, zero)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))

	same := exactIn(1, 50)
	same.TokenOut = same.TokenIn
	_, err = p.Quote(ctx, same)
	assert.True(t, clierr.Is(err, clierr.CodeInvalidConfig))

	slip := exactIn(1, BpsDenominator+1)
	_, err = p.Quote(ctx, slip)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))
}
