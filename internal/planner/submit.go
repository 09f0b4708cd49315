package planner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/ggonzalez94/dexkit/internal/signer"
	"github.com/holiman/uint256"
)

type SubmitOptions struct {
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	// Wait polls for the receipt when set.
	Wait         bool
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{
		GasMultiplier: DefaultGasMultiplier,
		Wait:          true,
		PollInterval:  DefaultPollInterval,
		WaitTimeout:   DefaultWaitTimeout,
	}
}

type SubmissionStatus string

const (
	StatusSubmitted SubmissionStatus = "submitted"
	StatusConfirmed SubmissionStatus = "confirmed"
	StatusReverted  SubmissionStatus = "reverted"
)

type Submission struct {
	TxHash      common.Hash      `json:"tx_hash"`
	From        common.Address   `json:"from"`
	To          common.Address   `json:"to"`
	Nonce       uint64           `json:"nonce"`
	GasLimit    uint64           `json:"gas_limit"`
	MaxFee      *big.Int         `json:"max_fee_per_gas"`
	MaxPriority *big.Int         `json:"max_priority_fee_per_gas"`
	Status      SubmissionStatus `json:"status"`
	BlockNumber uint64           `json:"block_number,omitempty"`
	GasUsed     uint64           `json:"gas_used,omitempty"`
}

// Submit finalizes plan against fresh chain state and broadcasts it.
func (p *Planner) Submit(ctx context.Context, plan SwapPlan, txSigner signer.Signer, opts SubmitOptions) (Submission, error) {
	if err := checkSender(txSigner, plan.From); err != nil {
		return Submission{}, err
	}
	final, err := p.Finalize(ctx, plan)
	if err != nil {
		p.publish("swap.submit", plan, err)
		return Submission{}, err
	}
	sub, err := p.send(ctx, final.Router, final.Calldata, final.NativeValue, txSigner, opts)
	p.publish("swap.submit", final, err, sub.TxHash)
	return sub, err
}

// SubmitLiquidity finalizes and broadcasts a liquidity plan.
func (p *Planner) SubmitLiquidity(ctx context.Context, plan LiquidityPlan, txSigner signer.Signer, opts SubmitOptions) (Submission, error) {
	if err := checkSender(txSigner, plan.From); err != nil {
		return Submission{}, err
	}
	final, err := p.FinalizeLiquidity(ctx, plan)
	if err != nil {
		return Submission{}, err
	}
	return p.send(ctx, final.Router, final.Calldata, final.NativeValue, txSigner, opts)
}

// SubmitApproval broadcasts an approve call on the token contract.
func (p *Planner) SubmitApproval(ctx context.Context, approval Approval, txSigner signer.Signer, opts SubmitOptions) (Submission, error) {
	if err := checkSender(txSigner, approval.Owner); err != nil {
		return Submission{}, err
	}
	return p.send(ctx, approval.Token, approval.Calldata, nil, txSigner, opts)
}

func checkSender(txSigner signer.Signer, from common.Address) error {
	if txSigner == nil {
		return clierr.New(clierr.CodeSigner, "missing signer")
	}
	if from != (common.Address{}) && txSigner.Address() != from {
		return clierr.New(clierr.CodeSigner, fmt.Sprintf("signer %s does not match plan sender %s", txSigner.Address().Hex(), from.Hex()))
	}
	return nil
}

func (p *Planner) send(ctx context.Context, to common.Address, data []byte, value *uint256.Int, txSigner signer.Signer, opts SubmitOptions) (Submission, error) {
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = DefaultGasMultiplier
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}

	chainID, err := p.chain.ChainID(ctx, rpcOpts("submit.chainId"))
	if err != nil {
		return Submission{}, err
	}
	if chainID != p.deployment.ChainID {
		return Submission{}, clierr.New(clierr.CodeInvalidConfig,
			fmt.Sprintf("connected chain %d does not match configured chain %d", chainID, p.deployment.ChainID))
	}

	from := txSigner.Address()
	msg := callMsg(from, to, data, value)
	gas, err := p.chain.EstimateGas(ctx, msg, rpcOpts("submit.estimate"))
	if err != nil {
		return Submission{}, p.explain(ctx, msg, err)
	}
	gasLimit := uint64(float64(gas) * opts.GasMultiplier)

	tipCap, err := p.resolveTipCap(ctx, opts.MaxPriorityFeeGwei)
	if err != nil {
		return Submission{}, err
	}
	header, err := p.chain.BlockByNumber(ctx, rpc.BlockLatest, rpcOpts("submit.header"))
	if err != nil {
		return Submission{}, err
	}
	baseFee := big.NewInt(1_000_000_000)
	if header.BaseFeePerGas != nil {
		baseFee = header.BaseFeePerGas.ToInt()
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, opts.MaxFeeGwei)
	if err != nil {
		return Submission{}, err
	}
	nonce, err := p.chain.PendingNonce(ctx, from, rpcOpts("submit.nonce"))
	if err != nil {
		return Submission{}, err
	}

	txValue := new(big.Int)
	if value != nil {
		txValue = value.ToBig()
	}
	chainIDBig := big.NewInt(chainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainIDBig,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     txValue,
		Data:      data,
	})
	signed, err := txSigner.SignTx(chainIDBig, tx)
	if err != nil {
		if IsUserRejected(err) {
			p.logger.Info("signature declined", "to", to.Hex())
			return Submission{}, clierr.Wrap(clierr.CodeUserRejected, "transaction cancelled by user", err)
		}
		return Submission{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	hash, err := p.chain.SendRawTransaction(ctx, signed, rpcOpts("submit.broadcast"))
	if err != nil {
		return Submission{}, DecodeFailure(err)
	}
	sub := Submission{
		TxHash:      hash,
		From:        from,
		To:          to,
		Nonce:       nonce,
		GasLimit:    gasLimit,
		MaxFee:      feeCap,
		MaxPriority: tipCap,
		Status:      StatusSubmitted,
	}
	p.logger.Info("transaction broadcast", "hash", hash.Hex(), "nonce", nonce, "gas", gasLimit)
	if !opts.Wait {
		p.metrics.submits.WithLabelValues(string(StatusSubmitted)).Inc()
		return sub, nil
	}
	return p.waitReceipt(ctx, sub, opts)
}

func (p *Planner) waitReceipt(ctx context.Context, sub Submission, opts SubmitOptions) (Submission, error) {
	waitCtx, cancel := context.WithTimeout(ctx, opts.WaitTimeout)
	defer cancel()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := p.chain.TransactionReceipt(waitCtx, sub.TxHash, rpc.CallOptions{Label: "submit.receipt", Retries: 1})
		if err == nil && receipt != nil {
			sub.BlockNumber = receipt.BlockNumber.Uint64()
			sub.GasUsed = receipt.GasUsed
			if receipt.Status == types.ReceiptStatusSuccessful {
				sub.Status = StatusConfirmed
				p.metrics.submits.WithLabelValues(string(StatusConfirmed)).Inc()
				return sub, nil
			}
			sub.Status = StatusReverted
			p.metrics.submits.WithLabelValues(string(StatusReverted)).Inc()
			return sub, clierr.New(clierr.CodeRevert, "transaction reverted on-chain")
		}
		// Polling failures are tolerated until the wait times out.
		if err != nil {
			p.logger.Debug("receipt poll failed", "hash", sub.TxHash.Hex(), "error", err)
		}
		select {
		case <-waitCtx.Done():
			p.metrics.submits.WithLabelValues(string(StatusSubmitted)).Inc()
			return sub, clierr.Wrap(clierr.CodeTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Planner) resolveTipCap(ctx context.Context, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := p.chain.MaxPriorityFee(ctx, rpcOpts("submit.tip"))
	if err != nil {
		p.logger.Debug("priority fee unavailable, using fallback", "error", err)
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, errors.New("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, errors.New("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, errors.New("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

func rpcOpts(label string) rpc.CallOptions {
	return rpc.CallOptions{Label: label}
}
