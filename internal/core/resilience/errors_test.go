package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

// ==================== DefaultErrorChecker Tests ====================

func TestDefaultErrorChecker_NilError(t *testing.T) {
	checker := &DefaultErrorChecker{}

	if checker.IsRetryable(nil) {
		t.Error("Expected nil error to not be retryable")
	}
}

func TestDefaultErrorChecker_NonRetryableError(t *testing.T) {
	checker := &DefaultErrorChecker{}
	err := fmt.Errorf("wrapped: %w", ErrNonRetryable)

	if checker.IsRetryable(err) {
		t.Error("Expected ErrNonRetryable to not be retryable")
	}
}

func TestDefaultErrorChecker_NetworkErrors(t *testing.T) {
	checker := &DefaultErrorChecker{}

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ECONNREFUSED",
			err:      &net.OpError{Err: syscall.ECONNREFUSED},
			expected: true,
		},
		{
			name:     "ECONNRESET",
			err:      &net.OpError{Err: syscall.ECONNRESET},
			expected: true,
		},
		{
			name:     "ENETUNREACH",
			err:      &net.OpError{Err: syscall.ENETUNREACH},
			expected: true,
		},
		{
			name:     "EHOSTUNREACH",
			err:      &net.OpError{Err: syscall.EHOSTUNREACH},
			expected: true,
		},
		{
			name:     "DNSError temporary",
			err:      &net.DNSError{IsTemporary: true},
			expected: true,
		},
		{
			name:     "DNSError not temporary",
			err:      &net.DNSError{IsTemporary: false},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := checker.IsRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, expected %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestDefaultErrorChecker_TimeoutErrors(t *testing.T) {
	checker := &DefaultErrorChecker{}

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "timeout in message",
			err:      errors.New("operation timeout"),
			expected: true,
		},
		{
			name:     "deadline exceeded",
			err:      errors.New("context deadline exceeded"),
			expected: true,
		},
		{
			name:     "i/o timeout",
			err:      errors.New("i/o timeout"),
			expected: true,
		},
		{
			name:     "timed out",
			err:      errors.New("request timed out"),
			expected: true,
		},
		{
			name:     "not a timeout",
			err:      errors.New("invalid request"),
			expected: true, // Default checker retries all errors
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := checker.IsRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, expected %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestDefaultErrorChecker_TemporaryInterface(t *testing.T) {
	checker := &DefaultErrorChecker{}

	// Create error implementing temporary interface
	tempErr := &temporaryError{isTemp: true}
	notTempErr := &temporaryError{isTemp: false}

	if !checker.IsRetryable(tempErr) {
		t.Error("Expected temporary error to be retryable")
	}

	if checker.IsRetryable(notTempErr) {
		t.Error("Expected non-temporary error to not be retryable")
	}
}

// Helper type implementing temporary interface
type temporaryError struct {
	isTemp bool
}

func (e *temporaryError) Error() string {
	return "temporary error"
}

func (e *temporaryError) Temporary() bool {
	return e.isTemp
}

// ==================== Helper Functions Tests ====================

func TestIsTransientNetworkError_NilError(t *testing.T) {
	if isTransientNetworkError(nil) {
		t.Error("Expected nil error to not be transient")
	}
}

func TestIsTransientNetworkError_NonNetworkError(t *testing.T) {
	err := errors.New("generic error")
	if isTransientNetworkError(err) {
		t.Error("Expected non-network error to not be transient")
	}
}

func TestIsTimeoutError_NilError(t *testing.T) {
	if isTimeoutError(nil) {
		t.Error("Expected nil error to not be timeout")
	}
}

func TestIsTimeoutError_TimeoutInterface(t *testing.T) {
	// Create error implementing timeout interface
	timeoutErr := &timeoutError{isTimeout: true}
	notTimeoutErr := &timeoutError{isTimeout: false}

	if !isTimeoutError(timeoutErr) {
		t.Error("Expected timeout error to be detected")
	}

	// Note: notTimeoutErr.Temporary() returns false, so DefaultErrorChecker
	// won't find it via temporary interface, but isTimeoutError checks
	// the Timeout() method directly
	if isTimeoutError(notTimeoutErr) {
		t.Error("Expected non-timeout error to not be detected")
	}
}

// Helper type implementing timeout interface
type timeoutError struct {
	isTimeout bool
}

func (e *timeoutError) Error() string {
	if e.isTimeout {
		return "timeout error"
	}
	return "generic network error"
}

func (e *timeoutError) Timeout() bool {
	return e.isTimeout
}

func (e *timeoutError) Temporary() bool {
	// Always return false to avoid DefaultErrorChecker catching it via Temporary()
	return false
}

// ==================== Edge Cases ====================

func TestErrorCheckerWithWrappedErrors(t *testing.T) {
	checker := &DefaultErrorChecker{}

	// Test wrapped errors
	baseErr := errors.New("connection refused")
	wrappedErr := fmt.Errorf("failed to connect: %w", baseErr)
	doubleWrappedErr := fmt.Errorf("operation failed: %w", wrappedErr)

	// All should be retryable (default behavior)
	if !checker.IsRetryable(baseErr) {
		t.Error("Expected base error to be retryable")
	}
	if !checker.IsRetryable(wrappedErr) {
		t.Error("Expected wrapped error to be retryable")
	}
	if !checker.IsRetryable(doubleWrappedErr) {
		t.Error("Expected double-wrapped error to be retryable")
	}
}

// Note: Benchmarks for error checkers are in retry_bench_test.go
