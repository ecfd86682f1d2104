// Package errors tests for error code definitions and error handling.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"validation", ErrValidation},
		{"state", ErrState},
		{"database", ErrDatabase},
		{"migration", ErrMigration},
		{"queue storage", ErrQueueStorage},
		{"offline", ErrSyncOffline},
		{"auth required", ErrSyncAuthRequired},
		{"transient", ErrSyncTransient},
		{"permanent", ErrSyncPermanent},
		{"retries exhausted", ErrSyncRetriesExhausted},
		{"timeout", ErrSyncTimeout},
		{"conflict", ErrSyncConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	err := New(ErrNotFound, "operation missing")
	if got := err.Error(); got != "[NOT_FOUND] operation missing" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(ErrQueueStorage, "failed to persist", errors.New("disk full"))
	if got := wrapped.Error(); !strings.Contains(got, "disk full") || !strings.HasPrefix(got, "[QUEUE_STORAGE_ERROR]") {
		t.Errorf("Error() = %q", got)
	}
}

// TestIs verifies code matching through wrapping.
func TestIs(t *testing.T) {
	inner := New(ErrValidation, "missing name")
	outer := fmt.Errorf("enqueue: %w", Wrap(ErrQueueStorage, "write", inner))

	if !Is(outer, ErrQueueStorage) {
		t.Error("Is() should find outer code")
	}
	if !Is(outer, ErrValidation) {
		t.Error("Is() should find nested code")
	}
	if Is(outer, ErrNotFound) {
		t.Error("Is() matched unrelated code")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("Is() matched a plain error")
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", New(ErrState, "bad"))); got != ErrState {
		t.Errorf("CodeOf() = %s, want %s", got, ErrState)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf() = %s, want %s", got, ErrInternal)
	}
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

// TestClassify verifies transient/permanent classification.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"remote transient", Transient(503, "unavailable"), KindTransient},
		{"remote permanent", Permanent(422, "invalid price"), KindPermanent},
		{"wrapped permanent", fmt.Errorf("send: %w", Permanent(400, "bad")), KindPermanent},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"net error", &net.OpError{Op: "dial", Err: timeoutNetErr{}}, KindTransient},
		{"validation app error", New(ErrValidation, "bad"), KindPermanent},
		{"conflict app error", New(ErrSyncConflict, "changed remotely"), KindPermanent},
		{"unknown", errors.New("boom"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestReason verifies user-facing reasons.
func TestReason(t *testing.T) {
	if got := Reason(Permanent(422, "price must be positive")); got != "price must be positive" {
		t.Errorf("Reason() = %q", got)
	}
	if got := Reason(fmt.Errorf("send: %w", context.DeadlineExceeded)); got != "timeout" {
		t.Errorf("Reason() = %q, want timeout", got)
	}
	if got := Reason(nil); got != "" {
		t.Errorf("Reason(nil) = %q", got)
	}
}

// TestRemoteError_Error verifies formatting with and without status.
func TestRemoteError_Error(t *testing.T) {
	if got := Transient(0, "connection refused").Error(); got != "remote transient error: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if got := Permanent(404, "not found").Error(); !strings.Contains(got, "status 404") {
		t.Errorf("Error() = %q", got)
	}
}
