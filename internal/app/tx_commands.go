package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/planner"
	"github.com/ggonzalez94/dexkit/internal/policy"
	"github.com/ggonzalez94/dexkit/internal/schema"
	"github.com/ggonzalez94/dexkit/internal/signer"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
)

// txView is the transaction a plan would send.
type txView struct {
	To       common.Address `json:"to"`
	Value    *uint256.Int   `json:"value"`
	Data     hexutil.Bytes  `json:"data"`
	GasLimit uint64         `json:"gas_limit,omitempty"`
}

type planOutput struct {
	Plan       any                 `json:"plan"`
	Tx         txView              `json:"tx"`
	Submission *planner.Submission `json:"submission,omitempty"`
}

type submitFlags struct {
	yes                bool
	noWait             bool
	gasMultiplier      float64
	maxFeeGwei         string
	maxPriorityFeeGwei string
	waitTimeout        time.Duration
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.yes, "yes", false, "Sign without an interactive confirmation")
	cmd.Flags().BoolVar(&f.noWait, "no-wait", false, "Return after broadcast without waiting for a receipt")
	cmd.Flags().Float64Var(&f.gasMultiplier, "gas-multiplier", planner.DefaultGasMultiplier, "Multiplier applied to the gas estimate")
	cmd.Flags().StringVar(&f.maxFeeGwei, "max-fee-gwei", "", "Override max fee per gas")
	cmd.Flags().StringVar(&f.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Override max priority fee per gas")
	cmd.Flags().DurationVar(&f.waitTimeout, "wait-timeout", planner.DefaultWaitTimeout, "How long to wait for a receipt")
}

func (f submitFlags) options() planner.SubmitOptions {
	opts := planner.DefaultSubmitOptions()
	opts.GasMultiplier = f.gasMultiplier
	opts.MaxFeeGwei = f.maxFeeGwei
	opts.MaxPriorityFeeGwei = f.maxPriorityFeeGwei
	opts.Wait = !f.noWait
	opts.WaitTimeout = f.waitTimeout
	return opts
}

type swapFlags struct {
	tokenIn   string
	tokenOut  string
	via       string
	amount    string
	exactOut  bool
	slippage  uint16
	recipient string
	from      string
	ttl       time.Duration
}

func (f *swapFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tokenIn, "token-in", "", "Input token address, or native")
	cmd.Flags().StringVar(&f.tokenOut, "token-out", "", "Output token address, or native")
	cmd.Flags().StringVar(&f.via, "via", "", "Intermediate hop token addresses (comma-separated)")
	cmd.Flags().StringVar(&f.amount, "amount", "", "Amount in base units (input, or net output with --exact-out)")
	cmd.Flags().BoolVar(&f.exactOut, "exact-out", false, "Treat --amount as the output the recipient must net")
	cmd.Flags().Uint16Var(&f.slippage, "slippage-bps", 0, "Slippage tolerance in basis points (default from config)")
	cmd.Flags().StringVar(&f.recipient, "recipient", "", "Recipient address (defaults to the sender)")
	cmd.Flags().StringVar(&f.from, "from", "", "Sender address (defaults to the configured key)")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "Deadline offset from now (default from config)")
}

func (s *runtimeState) swapRequest(f swapFlags, needSender bool) (planner.SwapRequest, error) {
	tokenIn, nativeIn, err := parseAsset("token-in", f.tokenIn)
	if err != nil {
		return planner.SwapRequest{}, err
	}
	tokenOut, nativeOut, err := parseAsset("token-out", f.tokenOut)
	if err != nil {
		return planner.SwapRequest{}, err
	}
	via, err := parseAddressList("--via hop", splitCSV(f.via))
	if err != nil {
		return planner.SwapRequest{}, clierr.Wrap(clierr.CodeUsage, "parse --via", err)
	}
	amount, err := parseAmount("amount", f.amount)
	if err != nil {
		return planner.SwapRequest{}, err
	}
	recipient, err := parseOptionalAddress("recipient", f.recipient)
	if err != nil {
		return planner.SwapRequest{}, err
	}
	var from common.Address
	if needSender {
		if from, err = s.sender(f.from); err != nil {
			return planner.SwapRequest{}, err
		}
	} else if from, err = parseOptionalAddress("from", f.from); err != nil {
		return planner.SwapRequest{}, err
	}
	kind := planner.KindExactIn
	if f.exactOut {
		kind = planner.KindExactOut
	}
	slippage := f.slippage
	if slippage == 0 {
		slippage = s.settings.SlippageBps
	}
	return planner.SwapRequest{
		Kind:        kind,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		Via:         via,
		NativeIn:    nativeIn,
		NativeOut:   nativeOut,
		Amount:      amount,
		SlippageBps: slippage,
		Recipient:   recipient,
		From:        from,
		TTL:         f.ttl,
	}, nil
}

func (s *runtimeState) newSwapCommand() *cobra.Command {
	root := &cobra.Command{Use: "swap", Short: "Quote, plan and submit swaps"}

	var quoteFlags swapFlags
	quote := &cobra.Command{
		Use:   "quote",
		Short: "Price a swap including transfer fees and slippage bounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := s.swapRequest(quoteFlags, false)
			if err != nil {
				return err
			}
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			plan, err := st.planner.Quote(ctx, req)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), plan, nil)
		},
	}
	quoteFlags.register(quote)

	var planFlags swapFlags
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Check allowance, pick a router method and print the transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := s.swapRequest(planFlags, true)
			if err != nil {
				return err
			}
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			p, err := st.planner.PlanSwap(ctx, req)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), swapOutput(p, nil), nil)
		},
	}
	planFlags.register(plan)

	var submitSwap swapFlags
	var sub submitFlags
	submit := &cobra.Command{
		Use:         "submit",
		Short:       "Plan, finalize against fresh state, sign and broadcast a swap",
		Annotations: map[string]string{schema.AnnotationBroadcasts: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := policy.CheckBroadcast(s.settings.ReadOnly, trimRootPath(cmd.CommandPath())); err != nil {
				return err
			}
			req, err := s.swapRequest(submitSwap, true)
			if err != nil {
				return err
			}
			txSigner, err := s.loadSigner(req.From, sub.yes)
			if err != nil {
				return err
			}
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			p, err := st.planner.PlanSwap(ctx, req)
			if err != nil {
				return err
			}
			result, err := st.planner.Submit(ctx, p, txSigner, sub.options())
			s.record(ctx, "swap.submit", p, result, err)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), swapOutput(p, &result), nil)
		},
	}
	submitSwap.register(submit)
	sub.register(submit)

	root.AddCommand(quote)
	root.AddCommand(plan)
	root.AddCommand(submit)
	return root
}

func swapOutput(p planner.SwapPlan, sub *planner.Submission) planOutput {
	return planOutput{
		Plan:       p,
		Tx:         txView{To: p.Router, Value: p.NativeValue, Data: p.Calldata, GasLimit: p.GasLimit},
		Submission: sub,
	}
}

type liquidityFlags struct {
	tokenA    string
	tokenB    string
	amountA   string
	amountB   string
	liquidity string
	slippage  uint16
	recipient string
	from      string
	ttl       time.Duration
	submit    bool
	tx        submitFlags
}

func (f *liquidityFlags) register(cmd *cobra.Command, kind planner.LiquidityKind) {
	cmd.Flags().StringVar(&f.tokenA, "token-a", "", "First token address")
	cmd.Flags().StringVar(&f.tokenB, "token-b", "", "Second token address, or native")
	if kind == planner.LiquidityAdd {
		cmd.Flags().StringVar(&f.amountA, "amount-a", "", "Desired amount of token A in base units")
		cmd.Flags().StringVar(&f.amountB, "amount-b", "", "Desired amount of token B in base units")
	} else {
		cmd.Flags().StringVar(&f.liquidity, "liquidity", "", "LP tokens to burn in base units")
	}
	cmd.Flags().Uint16Var(&f.slippage, "slippage-bps", 0, "Slippage tolerance in basis points (default from config)")
	cmd.Flags().StringVar(&f.recipient, "recipient", "", "Recipient address (defaults to the sender)")
	cmd.Flags().StringVar(&f.from, "from", "", "Sender address (defaults to the configured key)")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "Deadline offset from now (default from config)")
	cmd.Flags().BoolVar(&f.submit, "submit", false, "Sign and broadcast the planned transaction")
	f.tx.register(cmd)
}

func (s *runtimeState) newLiquidityCommand() *cobra.Command {
	root := &cobra.Command{Use: "liquidity", Short: "Plan and submit liquidity changes"}
	root.AddCommand(s.liquiditySubcommand(planner.LiquidityAdd, "add", "Add liquidity at the pool ratio"))
	root.AddCommand(s.liquiditySubcommand(planner.LiquidityRemove, "remove", "Burn LP tokens for a pro-rata share of reserves"))
	return root
}

func (s *runtimeState) liquiditySubcommand(kind planner.LiquidityKind, use, short string) *cobra.Command {
	var f liquidityFlags
	cmd := &cobra.Command{
		Use:         use,
		Short:       short,
		Annotations: map[string]string{schema.AnnotationBroadcasts: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.submit {
				if err := policy.CheckBroadcast(s.settings.ReadOnly, trimRootPath(cmd.CommandPath())); err != nil {
					return err
				}
			}
			req, err := s.liquidityRequest(kind, f)
			if err != nil {
				return err
			}
			var txSigner signer.Signer
			if f.submit {
				if txSigner, err = s.loadSigner(req.From, f.tx.yes); err != nil {
					return err
				}
			}
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			plan, err := st.planner.PlanLiquidity(ctx, req)
			if err != nil {
				return err
			}
			output := planOutput{
				Plan: plan,
				Tx:   txView{To: plan.Router, Value: plan.NativeValue, Data: plan.Calldata, GasLimit: plan.GasLimit},
			}
			if f.submit {
				result, err := st.planner.SubmitLiquidity(ctx, plan, txSigner, f.tx.options())
				s.record(ctx, "liquidity."+use, plan, result, err)
				if err != nil {
					return err
				}
				output.Submission = &result
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), output, nil)
		},
	}
	f.register(cmd, kind)
	return cmd
}

func (s *runtimeState) liquidityRequest(kind planner.LiquidityKind, f liquidityFlags) (planner.LiquidityRequest, error) {
	tokenA, err := parseAddress("token-a", f.tokenA)
	if err != nil {
		return planner.LiquidityRequest{}, err
	}
	tokenB, nativeB, err := parseAsset("token-b", f.tokenB)
	if err != nil {
		return planner.LiquidityRequest{}, err
	}
	recipient, err := parseOptionalAddress("recipient", f.recipient)
	if err != nil {
		return planner.LiquidityRequest{}, err
	}
	from, err := s.sender(f.from)
	if err != nil {
		return planner.LiquidityRequest{}, err
	}
	slippage := f.slippage
	if slippage == 0 {
		slippage = s.settings.SlippageBps
	}
	req := planner.LiquidityRequest{
		Kind:        kind,
		TokenA:      tokenA,
		TokenB:      tokenB,
		NativeB:     nativeB,
		SlippageBps: slippage,
		Recipient:   recipient,
		From:        from,
		TTL:         f.ttl,
	}
	if kind == planner.LiquidityAdd {
		if req.AmountA, err = parseAmount("amount-a", f.amountA); err != nil {
			return planner.LiquidityRequest{}, err
		}
		if req.AmountB, err = parseAmount("amount-b", f.amountB); err != nil {
			return planner.LiquidityRequest{}, err
		}
		return req, nil
	}
	if req.Liquidity, err = parseAmount("liquidity", f.liquidity); err != nil {
		return planner.LiquidityRequest{}, err
	}
	return req, nil
}

func (s *runtimeState) newApproveCommand() *cobra.Command {
	var token, amount, from string
	var submit bool
	var tx submitFlags
	cmd := &cobra.Command{
		Use:         "approve",
		Short:       "Build (and optionally send) an allowance for the router",
		Annotations: map[string]string{schema.AnnotationBroadcasts: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if submit {
				if err := policy.CheckBroadcast(s.settings.ReadOnly, trimRootPath(cmd.CommandPath())); err != nil {
					return err
				}
			}
			tokenAddr, err := parseAddress("token", token)
			if err != nil {
				return err
			}
			value, err := parseAmount("amount", amount)
			if err != nil {
				return err
			}
			owner, err := s.sender(from)
			if err != nil {
				return err
			}
			var txSigner signer.Signer
			if submit {
				if txSigner, err = s.loadSigner(owner, tx.yes); err != nil {
					return err
				}
			}
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			current, err := st.planner.Allowance(ctx, tokenAddr, owner)
			if err != nil {
				return err
			}
			var warnings []string
			if !current.Lt(value) {
				warnings = append(warnings, fmt.Sprintf("current allowance %s already covers the amount", current.Dec()))
			}
			approval, err := st.planner.BuildApproval(tokenAddr, owner, value)
			if err != nil {
				return err
			}
			output := planOutput{
				Plan: approval,
				Tx:   txView{To: approval.Token, Value: new(uint256.Int), Data: approval.Calldata, GasLimit: approval.GasLimit},
			}
			if submit {
				result, err := st.planner.SubmitApproval(ctx, approval, txSigner, tx.options())
				s.record(ctx, "approve", approval, result, err)
				if err != nil {
					return err
				}
				output.Submission = &result
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), output, warnings)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Token to approve")
	cmd.Flags().StringVar(&amount, "amount", "", "Allowance in base units")
	cmd.Flags().StringVar(&from, "from", "", "Owner address (defaults to the configured key)")
	cmd.Flags().BoolVar(&submit, "submit", false, "Sign and broadcast the approval")
	tx.register(cmd)
	return cmd
}

// loadSigner loads the configured key and, unless yes is set, wraps it in an
// interactive confirmation.
func (s *runtimeState) loadSigner(from common.Address, yes bool) (signer.Signer, error) {
	local, err := signer.NewLocalSignerFromEnv(s.settings.KeySource)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signing key", err)
	}
	if local.Address() != from {
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("signing key is %s, sender is %s", local.Address().Hex(), from.Hex()))
	}
	if yes {
		return local, nil
	}
	return signer.Confirming{Signer: local, Prompt: s.confirm}, nil
}

func (s *runtimeState) confirm(tx *types.Transaction) (bool, error) {
	to := "contract creation"
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	_, _ = fmt.Fprintf(s.runner.stderr, "send to %s value=%s gas=%d nonce=%d max_fee=%s? [y/N] ", to, tx.Value(), tx.Gas(), tx.Nonce(), tx.GasFeeCap())
	line, err := bufio.NewReader(s.runner.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if norm := strings.TrimSpace(part); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}
