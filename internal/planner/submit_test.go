package planner

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/signer"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func testSigner(t *testing.T) *signer.LocalSigner {
	t.Helper()
	s, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testPrivateKey})
	require.NoError(t, err)
	return s
}

func fastSubmit() SubmitOptions {
	opts := DefaultSubmitOptions()
	opts.PollInterval = time.Millisecond
	opts.WaitTimeout = time.Second
	return opts
}

func plannedSwap(t *testing.T, p *Planner, s signer.Signer) SwapPlan {
	t.Helper()
	req := exactIn(1_000, 50)
	req.From = s.Address()
	plan, err := p.PlanSwap(context.Background(), req)
	require.NoError(t, err)
	return plan
}

func TestSubmitBroadcastsDynamicFeeTx(t *testing.T) {
	chain := newFakeChain()
	chain.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101), GasUsed: 120_000}
	p, _ := newTestPlanner(t, chain, nil)
	s := testSigner(t)
	plan := plannedSwap(t, p, s)

	sub, err := p.Submit(context.Background(), plan, s, fastSubmit())
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, sub.Status)
	assert.Equal(t, uint64(101), sub.BlockNumber)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(float64(150_000)*DefaultGasMultiplier), tx.Gas())
	assert.Equal(t, big.NewInt(1_000_000_000), tx.GasTipCap())
	assert.Equal(t, big.NewInt(21_000_000_000), tx.GasFeeCap())
	assert.Equal(t, testRouter, *tx.To())
	assert.Zero(t, tx.Value().Sign())
	assert.Equal(t, plan.Calldata[:4], tx.Data()[:4])

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender)
}

func TestSubmitUsesTipFallback(t *testing.T) {
	chain := newFakeChain()
	chain.tipErr = errors.New("method not found")
	p, _ := newTestPlanner(t, chain, nil)
	s := testSigner(t)
	opts := fastSubmit()
	opts.Wait = false

	sub, err := p.Submit(context.Background(), plannedSwap(t, p, s), s, opts)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, sub.Status)
	assert.Equal(t, big.NewInt(2_000_000_000), chain.sent[0].GasTipCap())
}

func TestSubmitUserRejectionIsNeutral(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, nil)
	local := testSigner(t)
	declining := signer.Confirming{Signer: local, Prompt: func(*types.Transaction) (bool, error) { return false, nil }}

	_, err := p.Submit(context.Background(), plannedSwap(t, p, local), declining, fastSubmit())
	assert.True(t, clierr.Is(err, clierr.CodeUserRejected))
	assert.False(t, clierr.Retryable(err))
	assert.Empty(t, chain.sent)
}

func TestSubmitRejectsWrongChain(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, nil)
	s := testSigner(t)
	plan := plannedSwap(t, p, s)
	chain.chainID = 5

	_, err := p.Submit(context.Background(), plan, s, fastSubmit())
	assert.True(t, clierr.Is(err, clierr.CodeInvalidConfig))
	assert.Empty(t, chain.sent)
}

func TestSubmitRejectsSignerMismatch(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, nil)
	plan, err := p.PlanSwap(context.Background(), exactIn(1_000, 50))
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), plan, testSigner(t), fastSubmit())
	assert.True(t, clierr.Is(err, clierr.CodeSigner))
}

func TestSubmitReportsOnChainRevert(t *testing.T) {
	chain := newFakeChain()
	chain.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(101)}
	p, _ := newTestPlanner(t, chain, nil)
	s := testSigner(t)

	sub, err := p.Submit(context.Background(), plannedSwap(t, p, s), s, fastSubmit())
	assert.True(t, clierr.Is(err, clierr.CodeRevert))
	assert.Equal(t, StatusReverted, sub.Status)
}

func TestSubmitApproval(t *testing.T) {
	chain := newFakeChain()
	p, _ := newTestPlanner(t, chain, nil)
	s := testSigner(t)
	approval, err := p.BuildApproval(testTokenIn, s.Address(), uint256.NewInt(1_000))
	require.NoError(t, err)
	assert.Equal(t, testRouter, approval.Spender)

	opts := fastSubmit()
	opts.Wait = false
	_, err = p.SubmitApproval(context.Background(), approval, s, opts)
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)
	assert.Equal(t, testTokenIn, *chain.sent[0].To())
}

func TestParseGwei(t *testing.T) {
	v, err := parseGwei("1.5")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_500_000_000), v)

	_, err = parseGwei("-1")
	assert.Error(t, err)
	_, err = parseGwei("0.0000000001")
	assert.Error(t, err)
}
