package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testFactory   = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	testMulticall = common.HexToAddress(registry.Multicall3Address)
	testPair      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken0    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testToken1    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	testAccount   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type fakeChain struct {
	mu sync.Mutex

	multicallErr   error
	multicallBlock bool
	directBlock    bool
	directErr      map[string]error
	failInBatch    map[string]bool

	reserve0, reserve1 *big.Int
	supply, balance    *big.Int
	pairs              map[[2]common.Address]common.Address

	head  uint64
	syncs map[uint64][2]int64

	multicalls  int
	directCalls map[string]int
	logRanges   [][2]uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		failInBatch: map[string]bool{},
		directErr:   map[string]error{},
		reserve0:    big.NewInt(5_000),
		reserve1:    big.NewInt(9_000),
		supply:      big.NewInt(7_000),
		balance:     big.NewInt(70),
		pairs: map[[2]common.Address]common.Address{
			{testToken0, testToken1}: testPair,
			{testToken1, testToken0}: testPair,
		},
		directCalls: map[string]int{},
		syncs:       map[uint64][2]int64{},
	}
}

func (c *fakeChain) EthCall(ctx context.Context, msg ethereum.CallMsg, _ string, _ rpc.ReadOptions) ([]byte, error) {
	switch *msg.To {
	case testMulticall:
		return c.aggregate(ctx, msg.Data)
	case testFactory:
		args, err := registry.FactoryABI.Methods["getPair"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		pair := c.pairs[[2]common.Address{args[0].(common.Address), args[1].(common.Address)}]
		return registry.FactoryABI.Methods["getPair"].Outputs.Pack(pair)
	}
	method, err := registry.PairABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.directCalls[method.Name]++
	block := c.directBlock
	directErr := c.directErr[method.Name]
	c.mu.Unlock()
	if directErr != nil {
		return nil, directErr
	}
	if block {
		<-ctx.Done()
		return nil, clierr.Wrap(clierr.CodeTimeout, "direct call", ctx.Err())
	}
	return c.pairCall(msg.Data)
}

func (c *fakeChain) aggregate(ctx context.Context, data []byte) ([]byte, error) {
	c.mu.Lock()
	c.multicalls++
	block, failErr := c.multicallBlock, c.multicallErr
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, clierr.Wrap(clierr.CodeTimeout, "multicall", ctx.Err())
	}
	if failErr != nil {
		return nil, failErr
	}
	method := registry.Multicall3ABI.Methods["aggregate3"]
	in, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	calls := *abi.ConvertType(in[0], new([]Call3)).(*[]Call3)
	results := make([]Call3Result, 0, len(calls))
	for _, call := range calls {
		m, err := registry.PairABI.MethodById(call.CallData[:4])
		if err != nil || c.failInBatch[m.Name] {
			results = append(results, Call3Result{Success: false})
			continue
		}
		out, err := c.pairCall(call.CallData)
		results = append(results, Call3Result{Success: err == nil, ReturnData: out})
	}
	return method.Outputs.Pack(results)
}

func (c *fakeChain) pairCall(data []byte) ([]byte, error) {
	method, err := registry.PairABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "token0":
		return method.Outputs.Pack(testToken0)
	case "token1":
		return method.Outputs.Pack(testToken1)
	case "getReserves":
		return method.Outputs.Pack(c.reserve0, c.reserve1, uint32(1_700_000_000))
	case "totalSupply":
		return method.Outputs.Pack(c.supply)
	case "balanceOf":
		return method.Outputs.Pack(c.balance)
	}
	return nil, errors.New("unsupported method " + method.Name)
}

func (c *fakeChain) BlockNumber(context.Context, rpc.CallOptions) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) GetLogs(_ context.Context, q ethereum.FilterQuery, _ rpc.CallOptions) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	c.logRanges = append(c.logRanges, [2]uint64{from, to})
	var logs []types.Log
	for block := from; block <= to; block++ {
		r, ok := c.syncs[block]
		if !ok {
			continue
		}
		data, err := registry.PairABI.Events["Sync"].Inputs.Pack(big.NewInt(r[0]), big.NewInt(r[1]))
		if err != nil {
			return nil, err
		}
		logs = append(logs, types.Log{Address: testPair, Data: data, BlockNumber: block})
	}
	return logs, nil
}

func (c *fakeChain) directCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.directCalls {
		total += n
	}
	return total
}

func testDeployment(multicall bool) registry.Deployment {
	d := registry.Deployment{ChainID: 1, Name: "test", Factory: testFactory}
	if multicall {
		d.Multicall = testMulticall
	}
	return d
}

func newTestResolver(t *testing.T, chain *fakeChain, cfg Config) *Resolver {
	t.Helper()
	cfg.Caller = chain
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.Deployment.ChainID == 0 {
		cfg.Deployment = testDeployment(true)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func TestPairServedByMulticall(t *testing.T) {
	chain := newFakeChain()
	r := newTestResolver(t, chain, Config{})
	q := Query{ChainID: 1, Pair: testPair, Account: testAccount}

	state, err := r.Pair(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.multicalls)
	assert.Zero(t, chain.directCount())
	assert.Equal(t, testToken0, state.Token0)
	assert.Equal(t, testToken1, state.Token1)
	assert.Equal(t, uint64(5_000), state.Reserve0.Uint64())
	assert.Equal(t, uint64(9_000), state.Reserve1.Uint64())
	assert.Equal(t, uint64(7_000), state.TotalSupply.Uint64())
	assert.Equal(t, uint64(70), state.Balance.Uint64())
	assert.Equal(t, StateComplete, r.State(q))

	latest, ok := r.Latest(q)
	require.True(t, ok)
	assert.Equal(t, state.Pair, latest.Pair)
}

func TestPairFallsBackOnlyForMissingFields(t *testing.T) {
	chain := newFakeChain()
	chain.failInBatch["getReserves"] = true
	chain.failInBatch["totalSupply"] = true
	var states []State
	r := newTestResolver(t, chain, Config{OnTransition: func(_ Query, s State) { states = append(states, s) }})

	state, err := r.Pair(context.Background(), Query{ChainID: 1, Pair: testPair, Account: testAccount})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"getReserves": 1, "totalSupply": 1}, chain.directCalls)
	assert.Equal(t, uint64(5_000), state.Reserve0.Uint64())
	assert.Equal(t, uint64(7_000), state.TotalSupply.Uint64())
	assert.Equal(t, []State{StateIdle, StateQueryingMulticall, StateQueryingDirect, StateComplete}, states)
}

func TestPairWithoutMulticallReadsDirectly(t *testing.T) {
	chain := newFakeChain()
	r := newTestResolver(t, chain, Config{Deployment: testDeployment(false)})

	state, err := r.Pair(context.Background(), Query{ChainID: 1, Pair: testPair})
	require.NoError(t, err)
	assert.Zero(t, chain.multicalls)
	assert.Equal(t, 4, chain.directCount(), "balance is skipped without an account")
	assert.Nil(t, state.Balance)
}

func TestPairMulticallErrorFallsBack(t *testing.T) {
	chain := newFakeChain()
	chain.multicallErr = clierr.New(clierr.CodeRPCUnavailable, "rpc unavailable")
	r := newTestResolver(t, chain, Config{})

	_, err := r.Pair(context.Background(), Query{ChainID: 1, Pair: testPair, Account: testAccount})
	require.NoError(t, err)
	assert.Equal(t, 5, chain.directCount())
}

func TestPairBatchStallFallsBackToDirect(t *testing.T) {
	chain := newFakeChain()
	chain.multicallBlock = true
	r := newTestResolver(t, chain, Config{BatchStall: 20 * time.Millisecond, OverallStall: 2 * time.Second})

	state, err := r.Pair(context.Background(), Query{ChainID: 1, Pair: testPair})
	require.NoError(t, err)
	assert.Equal(t, testToken1, state.Token1)
	assert.Equal(t, 4, chain.directCount())
}

func TestPairOverallStallIsRetryable(t *testing.T) {
	chain := newFakeChain()
	chain.multicallBlock = true
	chain.directBlock = true
	r := newTestResolver(t, chain, Config{BatchStall: 20 * time.Millisecond, OverallStall: 60 * time.Millisecond})
	q := Query{ChainID: 1, Pair: testPair}

	_, err := r.Pair(context.Background(), q)
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeStalled))
	assert.True(t, clierr.Retryable(err))
	assert.Equal(t, StateStalled, r.State(q))
	assert.Equal(t, 1, chain.multicalls, "a stall must not retry on its own")
	_, ok := r.Latest(q)
	assert.False(t, ok)
}

func TestPairDirectReadErrorFailsWithoutStall(t *testing.T) {
	chain := newFakeChain()
	chain.failInBatch["getReserves"] = true
	chain.directErr["getReserves"] = clierr.New(clierr.CodeRevert, "execution reverted")
	var states []State
	r := newTestResolver(t, chain, Config{OnTransition: func(_ Query, s State) { states = append(states, s) }})
	q := Query{ChainID: 1, Pair: testPair}

	_, err := r.Pair(context.Background(), q)
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeRevert), "got %v", err)
	assert.False(t, clierr.Is(err, clierr.CodeStalled))
	assert.Equal(t, StateFailed, r.State(q))
	assert.NotContains(t, states, StateStalled)
	assert.Equal(t, []State{StateIdle, StateQueryingMulticall, StateQueryingDirect, StateFailed}, states)
}

func TestPairRejectsWrongChain(t *testing.T) {
	chain := newFakeChain()
	r := newTestResolver(t, chain, Config{})

	_, err := r.Pair(context.Background(), Query{ChainID: 5, Pair: testPair})
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeInvalidConfig))
	assert.False(t, clierr.Retryable(err))
	assert.Zero(t, chain.multicalls)
}

func TestGetPair(t *testing.T) {
	chain := newFakeChain()
	r := newTestResolver(t, chain, Config{})
	a := Token{ChainID: 1, Address: testToken0}
	b := Token{ChainID: 1, Address: testToken1}

	pair, found, err := r.GetPair(context.Background(), b, a)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testPair, pair)

	other := Token{ChainID: 1, Address: common.HexToAddress("0x0000000000000000000000000000000000000003")}
	_, found, err = r.GetPair(context.Background(), a, other)
	require.NoError(t, err, "a missing pair is not an error")
	assert.False(t, found)

	_, _, err = r.GetPair(context.Background(), a, a)
	assert.True(t, clierr.Is(err, clierr.CodeInvalidConfig))
}

func TestReservesPermutesToCallerOrder(t *testing.T) {
	chain := newFakeChain()
	r := newTestResolver(t, chain, Config{})
	a := Token{ChainID: 1, Address: testToken1}
	b := Token{ChainID: 1, Address: testToken0}

	_, resolved, err := r.Reserves(context.Background(), a, b, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(9_000), resolved.ReserveA.Uint64())
	assert.Equal(t, uint64(5_000), resolved.ReserveB.Uint64())
}

func samplePairState() PairState {
	return PairState{
		ChainID:  1,
		Pair:     testPair,
		Token0:   testToken0,
		Token1:   testToken1,
		Reserve0: uint256.NewInt(111),
		Reserve1: uint256.NewInt(222),
	}
}

func TestReservesForIsItsOwnInverse(t *testing.T) {
	s := samplePairState()
	a := Token{ChainID: 1, Address: testToken1}
	b := Token{ChainID: 1, Address: testToken0}

	ab, err := s.ReservesFor(a, b)
	require.NoError(t, err)
	ba, err := s.ReservesFor(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab.ReserveA, ba.ReserveB)
	assert.Equal(t, ab.ReserveB, ba.ReserveA)
	assert.Equal(t, s.Reserve0, ba.ReserveA)
	assert.Equal(t, s.Reserve1, ba.ReserveB)
}

func TestReservesForFailsClosed(t *testing.T) {
	s := samplePairState()
	stranger := common.HexToAddress("0x0000000000000000000000000000000000000009")
	cases := map[string][2]Token{
		"identical":     {{ChainID: 1, Address: testToken0}, {ChainID: 1, Address: testToken0}},
		"cross chain":   {{ChainID: 1, Address: testToken0}, {ChainID: 10, Address: testToken1}},
		"foreign chain": {{ChainID: 10, Address: testToken0}, {ChainID: 10, Address: testToken1}},
		"unrelated":     {{ChainID: 1, Address: testToken0}, {ChainID: 1, Address: stranger}},
	}
	for name, tokens := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.ReservesFor(tokens[0], tokens[1])
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNoMatch)
			assert.True(t, clierr.Is(err, clierr.CodeInvalidConfig))
		})
	}
}

func TestDecodeReservesRejectsOutOfRange(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 112)
	raw := append(common.LeftPadBytes(tooBig.Bytes(), 32), common.LeftPadBytes([]byte{1}, 32)...)
	raw = append(raw, make([]byte, 32)...)

	acc := &values{}
	assert.Error(t, acc.decode(FieldReserves, raw))
	assert.False(t, acc.has(FieldReserves))
}
