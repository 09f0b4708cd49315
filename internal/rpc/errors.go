package rpc

import (
	"errors"
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/dexkit/internal/errors"
)

// Error is the last observed failure of a gateway call.
type Error struct {
	Class    ErrorClass
	Label    string
	Endpoint string
	Method   string
	Message  string
	Code     int
	Data     string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Label != "" {
		b.WriteString("[")
		b.WriteString(e.Label)
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s %s", e.Method, e.Class)
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " via %s", e.Endpoint)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// ErrorData exposes revert payloads the same way go-ethereum's rpc.DataError does.
func (e *Error) ErrorData() interface{} {
	if e.Data == "" {
		return nil
	}
	return e.Data
}

// AsError extracts the gateway error from err, if any.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// ClassOf returns the failure class carried by err, or "" for foreign errors.
func ClassOf(err error) ErrorClass {
	if rpcErr, ok := AsError(err); ok {
		return rpcErr.Class
	}
	return ""
}

func wrapFailure(last *Error) error {
	if last.Class == ClassRevert {
		return clierr.Wrap(clierr.CodeRevert, "execution reverted", last)
	}
	return clierr.Wrap(clierr.CodeRPCUnavailable, "rpc unavailable", last)
}
