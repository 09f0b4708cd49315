package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ggonzalez94/dexkit/internal/httpx"
	"github.com/sugawarayuuta/sonnet"
)

// ErrorClass buckets failures for health reporting and user messaging.
type ErrorClass string

const (
	ClassTimeout ErrorClass = "timeout"
	ClassHTML    ErrorClass = "html"
	ClassHTTP    ErrorClass = "http"
	ClassRevert  ErrorClass = "revert"
	ClassRPC     ErrorClass = "rpc"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFault
)

// Outcome is the decoded result of one request attempt. Exactly one of
// Result (for OutcomeSuccess) or Class/Message (for OutcomeFault) is set.
type Outcome struct {
	Kind    OutcomeKind
	Result  json.RawMessage
	Class   ErrorClass
	Message string
	// Code and Data are copied from a JSON-RPC error object when present.
	Code int
	Data string
}

func success(result json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

func fault(class ErrorClass, format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeFault, Class: class, Message: fmt.Sprintf(format, args...)}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// decodeAttempt turns a transport error or a raw HTTP response into an
// Outcome. Classes are assigned in priority order: timeout, html, http,
// revert, rpc.
func decodeAttempt(transportErr error, resp httpx.Response) Outcome {
	if transportErr != nil {
		if httpx.IsTimeout(transportErr) || isTimeoutCode(transportErr) {
			return fault(ClassTimeout, "request timed out: %v", transportErr)
		}
		return fault(ClassRPC, "request failed: %v", transportErr)
	}
	if looksLikeHTML(resp) {
		return fault(ClassHTML, "endpoint returned HTML instead of JSON (status %d)", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fault(ClassHTTP, "endpoint returned HTTP status %d", resp.StatusCode)
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return fault(ClassRPC, "endpoint returned empty body")
	}
	var env envelope
	if err := sonnet.Unmarshal(body, &env); err != nil {
		return fault(ClassRPC, "decode JSON-RPC response: %v", err)
	}
	if env.Error != nil {
		out := fault(ClassRPC, "%s", env.Error.Message)
		out.Code = env.Error.Code
		out.Data = errorDataString(env.Error.Data)
		if IsRevertMessage(env.Error.Message) || (out.Data != "" && strings.HasPrefix(out.Data, "0x") && env.Error.Code == 3) {
			out.Class = ClassRevert
		}
		return out
	}
	if len(env.Result) == 0 {
		return fault(ClassRPC, "JSON-RPC response has neither result nor error")
	}
	return success(env.Result)
}

func looksLikeHTML(resp httpx.Response) bool {
	if strings.Contains(strings.ToLower(resp.ContentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(resp.Body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// IsRevertMessage matches node error texts produced by EVM reverts.
func IsRevertMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "execution reverted") || strings.Contains(lower, "revert")
}

func errorDataString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := sonnet.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Some nodes nest the payload: {"data": "0x..."}.
	var nested struct {
		Data string `json:"data"`
	}
	if err := sonnet.Unmarshal(raw, &nested); err == nil && nested.Data != "" {
		return nested.Data
	}
	return string(raw)
}
