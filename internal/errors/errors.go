package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess          Code = 0
	CodeInternal         Code = 1
	CodeUsage            Code = 2
	CodeRPCUnavailable   Code = 12
	CodeInvalidConfig    Code = 13
	CodeStalled          Code = 14
	CodeNotFound         Code = 15
	CodeBlocked          Code = 16
	CodeRevert           Code = 20
	CodeApprovalRequired Code = 21
	CodeUserRejected     Code = 22
	CodeInvariant        Code = 23
	CodeSigner           Code = 24
	CodeTimeout          Code = 25
)

var codeNames = map[Code]string{
	CodeSuccess:          "success",
	CodeInternal:         "internal",
	CodeUsage:            "usage",
	CodeRPCUnavailable:   "rpc_unavailable",
	CodeInvalidConfig:    "invalid_configuration",
	CodeStalled:          "stalled",
	CodeNotFound:         "not_found",
	CodeBlocked:          "command_blocked",
	CodeRevert:           "revert",
	CodeApprovalRequired: "approval_required",
	CodeUserRejected:     "user_rejected",
	CodeInvariant:        "invariant_violation",
	CodeSigner:           "signer",
	CodeTimeout:          "timeout",
}

// String returns the wire name used in output envelopes.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
	// Category is set for decoded on-chain reverts.
	Category string
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var target *Error
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.Cause
	}
	return false
}

// Retryable reports whether the failure may succeed on an explicit retry.
// Structural mismatches, reverts and invariant violations never are.
func Retryable(err error) bool {
	cliErr, ok := As(err)
	if !ok {
		return false
	}
	switch cliErr.Code {
	case CodeRPCUnavailable, CodeStalled, CodeTimeout:
		return true
	default:
		return false
	}
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}
