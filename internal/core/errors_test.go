package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainErrorErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := ErrGit(CodeMergeConflict, "merge failed").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if err.Error() == "" {
		t.Fatal("empty error string")
	}
}

func TestDomainErrorWithDetail(t *testing.T) {
	err := ErrState(CodeInvalidTransition, "bad move").WithDetail("from", "merged")
	if err.Details["from"] != "merged" {
		t.Fatalf("expected detail to be set")
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("wrapping: %w", ErrConcurrency(CodeLockHeld, "held"))
	if !IsCode(err, CodeLockHeld) {
		t.Fatal("expected code match through wrapping")
	}
	if IsCode(err, CodeLockTimeout) {
		t.Fatal("unexpected code match")
	}
	if IsCode(errors.New("plain"), CodeLockHeld) {
		t.Fatal("plain error matched a code")
	}
}

func TestRetryableByCategory(t *testing.T) {
	if IsRetryable(ErrValidation(CodeBadConfig, "m")) {
		t.Fatal("validation should not be retryable")
	}
	if !IsRetryable(ErrNetwork(CodeServerUnavailable, "m")) {
		t.Fatal("network should be retryable")
	}
	if !IsRetryable(ErrTimeout("m")) {
		t.Fatal("timeout should be retryable")
	}
	if IsRetryable(ErrConsensus(CodeBelowThreshold, "m")) {
		t.Fatal("consensus should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain error should not be retryable")
	}
}

func TestGetCategory(t *testing.T) {
	if GetCategory(ErrPermission(CodeMaintainersOnly, "m")) != ErrCatPermission {
		t.Fatal("expected permission category")
	}
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatal("expected internal category for non-domain error")
	}
	if !IsCategory(ErrPolicy(CodeRateLimited, "m"), ErrCatPolicy) {
		t.Fatal("expected category match")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"validation", ErrValidation(CodeBadConfig, "m"), 1},
		{"permission", ErrPermission(CodeInsufficientPermissions, "m"), 2},
		{"consensus", ErrConsensus(CodeBelowThreshold, "m"), 3},
		{"merge conflict", ErrGit(CodeMergeConflict, "m"), 4},
		{"other git", ErrGit(CodeRevertError, "m"), 1},
		{"network", ErrNetwork(CodeServerUnavailable, "m"), 5},
		{"timeout", ErrTimeout("m"), 5},
		{"lock contention", ErrConcurrency(CodeLockHeld, "m"), 6},
		{"wrapped permission", fmt.Errorf("ctx: %w", ErrPermission(CodeGatedMode, "m")), 2},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Errorf("%s: exit code %d, want %d", tc.name, got, tc.want)
		}
	}
}
