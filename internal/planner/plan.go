package planner

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/holiman/uint256"
)

type Kind string

const (
	KindExactIn  Kind = "exact_in"
	KindExactOut Kind = "exact_out"
)

// FeeSource records where a plan's fee-on-transfer rates came from.
type FeeSource string

const (
	FeeSourceRegistry FeeSource = "registry"
	FeeSourceConstant FeeSource = "constant"
)

// Variant is one router entry point a swap can be sent through.
type Variant struct {
	Method      string `json:"method"`
	FeeTolerant bool   `json:"fee_tolerant"`
}

// Payable reports whether the router method accepts native currency.
func (v Variant) Payable() bool {
	return isPayable(v.Method)
}

func isPayable(method string) bool {
	m, ok := registry.RouterABI.Methods[method]
	return ok && m.StateMutability == "payable"
}

// variantsFor lists candidates in estimation order. Exact-output swaps have a
// single variant.
func variantsFor(kind Kind, nativeIn, nativeOut bool) []Variant {
	if kind == KindExactOut {
		switch {
		case nativeIn:
			return []Variant{{Method: "swapETHForExactTokens"}}
		case nativeOut:
			return []Variant{{Method: "swapTokensForExactETH"}}
		default:
			return []Variant{{Method: "swapTokensForExactTokens"}}
		}
	}
	base := "swapExactTokensForTokens"
	switch {
	case nativeIn:
		base = "swapExactETHForTokens"
	case nativeOut:
		base = "swapExactTokensForETH"
	}
	return []Variant{
		{Method: base},
		{Method: base + "SupportingFeeOnTransferTokens", FeeTolerant: true},
	}
}

// feeInputExactOutVariant is the exact-input method an exact-output swap is
// sent through when its input token charges a transfer fee.
func feeInputExactOutVariant(nativeOut bool) Variant {
	if nativeOut {
		return Variant{Method: "swapExactTokensForETHSupportingFeeOnTransferTokens", FeeTolerant: true}
	}
	return Variant{Method: "swapExactTokensForTokensSupportingFeeOnTransferTokens", FeeTolerant: true}
}

// SwapRequest is a user trade intent. For exact-input swaps Amount is the
// amount sent; for exact-output swaps it is the amount the recipient should
// net.
type SwapRequest struct {
	Kind        Kind
	TokenIn     common.Address
	TokenOut    common.Address
	Via         []common.Address
	NativeIn    bool
	NativeOut   bool
	Amount      *uint256.Int
	SlippageBps uint16
	Recipient   common.Address
	From        common.Address
	TTL         time.Duration
}

// SwapPlan is an immutable, fully parameterized swap. Methods that change a
// plan return a new value.
type SwapPlan struct {
	ChainID   int64            `json:"chain_id"`
	Kind      Kind             `json:"kind"`
	Variant   Variant          `json:"variant"`
	Variants  []Variant        `json:"variants"`
	Router    common.Address   `json:"router"`
	Path      []common.Address `json:"path"`
	NativeIn  bool             `json:"native_in"`
	NativeOut bool             `json:"native_out"`
	Recipient common.Address   `json:"recipient"`
	From      common.Address   `json:"from"`

	// Amount is the request amount as given by the user.
	Amount *uint256.Int `json:"amount"`
	// AmountIn is sent on-chain for exact-input swaps, and for exact-output
	// swaps with a fee-bearing input, where it equals AmountInMax.
	AmountIn *uint256.Int `json:"amount_in,omitempty"`
	// Forwarded is what reaches the pool after the input fee.
	Forwarded    *uint256.Int `json:"forwarded,omitempty"`
	ExpectedOut  *uint256.Int `json:"expected_out,omitempty"`
	AmountOutMin *uint256.Int `json:"amount_out_min,omitempty"`
	// AmountOut is the pool output requested by exact-output swaps.
	AmountOut   *uint256.Int `json:"amount_out,omitempty"`
	ExpectedIn  *uint256.Int `json:"expected_in,omitempty"`
	AmountInMax *uint256.Int `json:"amount_in_max,omitempty"`

	SlippageBps uint16    `json:"slippage_bps"`
	FeeBpsIn    uint16    `json:"fee_bps_in"`
	FeeBpsOut   uint16    `json:"fee_bps_out"`
	FeeSource   FeeSource `json:"fee_source"`

	TTL         time.Duration `json:"-"`
	Deadline    uint64        `json:"deadline"`
	NativeValue *uint256.Int  `json:"native_value"`
	Calldata    []byte        `json:"-"`
	GasLimit    uint64        `json:"gas_limit,omitempty"`
	QuotedAt    time.Time     `json:"quoted_at"`
}

// pack encodes the plan's arguments for v and returns calldata and the
// native value to attach.
func (p SwapPlan) pack(v Variant) ([]byte, *uint256.Int, error) {
	deadline := new(big.Int).SetUint64(p.Deadline)
	zero := new(uint256.Int)
	switch v.Method {
	case "swapExactTokensForTokens", "swapExactTokensForTokensSupportingFeeOnTransferTokens",
		"swapExactTokensForETH", "swapExactTokensForETHSupportingFeeOnTransferTokens":
		data, err := registry.RouterABI.Pack(v.Method, p.AmountIn.ToBig(), p.AmountOutMin.ToBig(), p.Path, p.Recipient, deadline)
		return data, zero, err
	case "swapExactETHForTokens", "swapExactETHForTokensSupportingFeeOnTransferTokens":
		data, err := registry.RouterABI.Pack(v.Method, p.AmountOutMin.ToBig(), p.Path, p.Recipient, deadline)
		return data, p.AmountIn.Clone(), err
	case "swapTokensForExactTokens", "swapTokensForExactETH":
		data, err := registry.RouterABI.Pack(v.Method, p.AmountOut.ToBig(), p.AmountInMax.ToBig(), p.Path, p.Recipient, deadline)
		return data, zero, err
	case "swapETHForExactTokens":
		data, err := registry.RouterABI.Pack(v.Method, p.AmountOut.ToBig(), p.Path, p.Recipient, deadline)
		return data, p.AmountInMax.Clone(), err
	default:
		return nil, nil, fmt.Errorf("unsupported router method %q", v.Method)
	}
}

func (p SwapPlan) offers(v Variant) bool {
	for _, candidate := range p.Variants {
		if candidate == v {
			return true
		}
	}
	return false
}

// withVariant returns a copy of p encoded for v.
func (p SwapPlan) withVariant(v Variant) (SwapPlan, error) {
	data, value, err := p.pack(v)
	if err != nil {
		return SwapPlan{}, err
	}
	next := p
	next.Variant = v
	next.Calldata = data
	next.NativeValue = value
	return next, nil
}

// PathHex returns the path as hex strings.
func (p SwapPlan) PathHex() []string {
	out := make([]string, 0, len(p.Path))
	for _, a := range p.Path {
		out = append(out, a.Hex())
	}
	return out
}
