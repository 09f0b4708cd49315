package planner

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/holiman/uint256"
)

// Call is an encoded router transaction about to be sent.
type Call struct {
	Method    string
	Calldata  []byte
	Value     *uint256.Int
	Recipient common.Address
	Deadline  uint64
}

// CheckInvariants asserts the pre-submission rules for c at now. A
// violation is a construction bug and returns CodeInvariant.
func CheckInvariants(c Call, now time.Time) error {
	method, ok := registry.RouterABI.Methods[c.Method]
	if !ok {
		return invariant("unknown router method %q", c.Method)
	}
	if len(c.Calldata) < 4 || !bytes.Equal(c.Calldata[:4], method.ID) {
		return invariant("calldata selector does not match %s", c.Method)
	}
	args := map[string]any{}
	if err := method.Inputs.UnpackIntoMap(args, c.Calldata[4:]); err != nil {
		return invariant("decode %s calldata: %v", c.Method, err)
	}

	value := c.Value
	if value == nil {
		value = new(uint256.Int)
	}
	if isPayable(c.Method) {
		if value.IsZero() {
			return invariant("%s requires a native value", c.Method)
		}
	} else if !value.IsZero() {
		return invariant("%s does not accept native value (got %s)", c.Method, value.Dec())
	}

	to, ok := args["to"].(common.Address)
	if !ok {
		return invariant("%s calldata has no recipient", c.Method)
	}
	if to == (common.Address{}) {
		return invariant("recipient is the zero address")
	}
	if to != c.Recipient {
		return invariant("encoded recipient %s does not match intended recipient %s", to.Hex(), c.Recipient.Hex())
	}

	deadline, ok := args["deadline"].(*big.Int)
	if !ok || !deadline.IsUint64() {
		return invariant("%s calldata has no deadline", c.Method)
	}
	if deadline.Uint64() != c.Deadline {
		return invariant("encoded deadline %d does not match plan deadline %d", deadline.Uint64(), c.Deadline)
	}
	if c.Deadline <= uint64(now.Unix()) {
		return invariant("deadline %d is not after now (%d)", c.Deadline, now.Unix())
	}
	return nil
}

// Call returns the transaction fields of p for invariant checks and submission.
func (p SwapPlan) Call() Call {
	return Call{
		Method:    p.Variant.Method,
		Calldata:  p.Calldata,
		Value:     p.NativeValue,
		Recipient: p.Recipient,
		Deadline:  p.Deadline,
	}
}

func invariant(format string, args ...any) error {
	return clierr.New(clierr.CodeInvariant, fmt.Sprintf(format, args...))
}
