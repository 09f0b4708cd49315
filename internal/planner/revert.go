package planner

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/ggonzalez94/dexkit/internal/signer"
)

// Revert categories.
const (
	CategoryInsufficientAllowance = "insufficient_allowance"
	CategoryInsufficientOutput    = "insufficient_output"
	CategoryExcessiveInput        = "excessive_input"
	CategoryExpired               = "expired"
	CategoryInvalidPath           = "invalid_path"
	CategoryInsufficientLiquidity = "insufficient_liquidity"
	CategoryUnknown               = "unknown"
)

var revertPatterns = []struct {
	needle   string
	category string
}{
	{"TRANSFER_FROM_FAILED", CategoryInsufficientAllowance},
	{"INSUFFICIENT_ALLOWANCE", CategoryInsufficientAllowance},
	{"TRANSFER AMOUNT EXCEEDS ALLOWANCE", CategoryInsufficientAllowance},
	{"INSUFFICIENT_OUTPUT_AMOUNT", CategoryInsufficientOutput},
	{"INSUFFICIENT_A_AMOUNT", CategoryInsufficientOutput},
	{"INSUFFICIENT_B_AMOUNT", CategoryInsufficientOutput},
	{"EXCESSIVE_INPUT_AMOUNT", CategoryExcessiveInput},
	{"EXPIRED", CategoryExpired},
	{"INVALID_PATH", CategoryInvalidPath},
	{"IDENTICAL_ADDRESSES", CategoryInvalidPath},
	{"ZERO_ADDRESS", CategoryInvalidPath},
	{"INSUFFICIENT_LIQUIDITY", CategoryInsufficientLiquidity},
	{"INSUFFICIENT_INPUT_AMOUNT", CategoryInsufficientLiquidity},
}

// Classify maps a revert reason onto a known category.
func Classify(reason string) string {
	upper := strings.ToUpper(reason)
	for _, p := range revertPatterns {
		if strings.Contains(upper, p.needle) {
			return p.category
		}
	}
	return CategoryUnknown
}

// RevertReason extracts a human reason from revert return data. It handles
// Error(string) and Panic(uint256) payloads.
func RevertReason(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}

// DecodeFailure turns a gateway failure into a categorized revert error when
// it carries a revert. Other errors pass through unchanged.
func DecodeFailure(err error) error {
	if err == nil {
		return nil
	}
	if IsUserRejected(err) {
		return clierr.Wrap(clierr.CodeUserRejected, "request cancelled by user", err)
	}
	rpcErr, ok := rpc.AsError(err)
	if !ok || rpcErr.Class != rpc.ClassRevert {
		return err
	}
	reason := ""
	if rpcErr.Data != "" {
		if data, decodeErr := hexutil.Decode(rpcErr.Data); decodeErr == nil {
			reason, _ = RevertReason(data)
		}
	}
	if reason == "" {
		reason = strings.TrimSpace(strings.TrimPrefix(rpcErr.Message, "execution reverted"))
		reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
	}
	if reason == "" {
		reason = "execution reverted"
	}
	out := clierr.Wrap(clierr.CodeRevert, reason, rpcErr)
	out.Category = Classify(reason)
	return out
}

// IsUserRejected reports whether err is an explicit decline of a signing
// prompt, either locally or as an EIP-1193 4001 reply.
func IsUserRejected(err error) bool {
	if errors.Is(err, signer.ErrRejected) {
		return true
	}
	if rpcErr, ok := rpc.AsError(err); ok && rpcErr.Code == 4001 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}
