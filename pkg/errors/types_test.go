package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeServiceUnknown, "service xyz not configured")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeServiceUnknown {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeServiceUnknown)
	}

	if err.Message != "service xyz not configured" {
		t.Errorf("Message = %v, want 'service xyz not configured'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("connection refused")
	err := Wrap(underlying, ErrCodeUpstreamUnreachable, "upstream connection failed")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if err.Code != ErrCodeUpstreamUnreachable {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeUpstreamUnreachable)
	}

	if !strings.Contains(err.Error(), "connection refused") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	err := Wrap(nil, ErrCodeInternal, "test")

	if err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeGitClone, "clone failed")
	err.WithContext("repo", "https://github.com/user/repo.git")
	err.WithContext("exit_code", 128)

	if err.Context["repo"] != "https://github.com/user/repo.git" {
		t.Error("Context should contain 'repo' key")
	}

	if err.Context["exit_code"] != 128 {
		t.Error("Context should contain 'exit_code' key")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "exit_code") {
		t.Error("Error string should include context keys")
	}
}

func TestUnwrap(t *testing.T) {
	underlying := errors.New("timeout")
	err := Wrap(underlying, ErrCodeUpstreamTimeout, "request timed out")

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should match underlying error through Unwrap")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeAuthInvalid, "bad session")

	if !IsCode(err, ErrCodeAuthInvalid) {
		t.Error("IsCode should match the error's code")
	}
	if IsCode(err, ErrCodeInternal) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(nil, ErrCodeInternal) {
		t.Error("IsCode of nil should be false")
	}
	if IsCode(errors.New("plain"), ErrCodeInternal) {
		t.Error("IsCode of plain error should be false")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode(nil) = %v, want empty", got)
	}
	if got := GetCode(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("GetCode(plain) = %v, want %v", got, ErrCodeInternal)
	}
	if got := GetCode(New(ErrCodeGitPush, "push failed")); got != ErrCodeGitPush {
		t.Errorf("GetCode = %v, want %v", got, ErrCodeGitPush)
	}
}

func TestIsRetryable(t *testing.T) {
	err := New(ErrCodeUpstreamTimeout, "timeout").WithRetryable(true)

	if !IsRetryable(err) {
		t.Error("IsRetryable should be true after WithRetryable(true)")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}
