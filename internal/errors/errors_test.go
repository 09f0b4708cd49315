package errors

import (
	"fmt"
	"testing"
)

func TestRetryableByCode(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New(CodeRPCUnavailable, "down"), true},
		{New(CodeStalled, "stalled"), true},
		{New(CodeInvalidConfig, "wrong chain"), false},
		{New(CodeRevert, "reverted"), false},
		{New(CodeUserRejected, "declined"), false},
		{fmt.Errorf("plain"), false},
		{fmt.Errorf("wrapped: %w", New(CodeRPCUnavailable, "down")), true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsWalksNestedCodes(t *testing.T) {
	inner := New(CodeRevert, "execution reverted")
	outer := Wrap(CodeRPCUnavailable, "estimate gas", inner)
	if !Is(outer, CodeRevert) {
		t.Fatal("expected nested revert code to be found")
	}
	if Is(outer, CodeInvariant) {
		t.Fatal("unexpected invariant code")
	}
}

func TestExitCodeAndName(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatal("expected success exit code")
	}
	if ExitCode(New(CodeApprovalRequired, "x")) != int(CodeApprovalRequired) {
		t.Fatal("unexpected exit code")
	}
	if CodeRPCUnavailable.String() != "rpc_unavailable" {
		t.Fatalf("unexpected code name %s", CodeRPCUnavailable.String())
	}
}
