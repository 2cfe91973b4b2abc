package game

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestError_IsMatchesCode(t *testing.T) {
	specific := ErrBetOutOfRange.with("bet must be between %s and %s", "1.00", "100.00")

	if !errors.Is(specific, ErrBetOutOfRange) {
		t.Error("copy with a new message should still match its sentinel")
	}
	if errors.Is(specific, ErrInvalidRequest) {
		t.Error("different codes must not match")
	}

	wrapped := fmt.Errorf("place bet: %w", ErrPanelInUse)
	if !errors.Is(wrapped, ErrPanelInUse) {
		t.Error("wrapped error should match")
	}
}

func TestCodeAndKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		kind ErrorKind
	}{
		{"validation", ErrInvalidRequest, "invalid_request", KindValidation},
		{"state", ErrBettingClosed, "betting_closed", KindState},
		{"balance", ErrInsufficientBalance, "insufficient_balance", KindInsufficientBalance},
		{"conflict", ErrAlreadySettled, "already_settled", KindConflict},
		{"wrapped upstream", ErrUpstream.wrap(context.DeadlineExceeded), "upstream_unavailable", KindUpstream},
		{"unknown", errors.New("boom"), "upstream_unavailable", KindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.code {
				t.Errorf("CodeOf() = %s, want %s", got, tt.code)
			}
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestCallUpstream_RetriesTransientFailures(t *testing.T) {
	calls := 0
	err := callUpstream(context.Background(), time.Second, 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("callUpstream() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestCallUpstream_DoesNotRetryRejections(t *testing.T) {
	calls := 0
	err := callUpstream(context.Background(), time.Second, 3, func(ctx context.Context) error {
		calls++
		return ErrInsufficientBalance
	})

	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestCallUpstream_GivesUpAsUpstream(t *testing.T) {
	cause := errors.New("redis down")
	calls := 0
	err := callUpstream(context.Background(), time.Second, 2, func(ctx context.Context) error {
		calls++
		return cause
	})

	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to stay reachable")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestCallUpstream_TimesOutEachAttempt(t *testing.T) {
	start := time.Now()
	err := callUpstream(context.Background(), 20*time.Millisecond, 1, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("attempt was not bounded by its timeout")
	}
}
