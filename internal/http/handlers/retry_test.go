package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"towhub/internal/modules/request"
)

func TestRetry_RetriesConcurrencyLosses(t *testing.T) {
	calls := 0
	got, err := retry(context.Background(), RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("%w: lost race", request.ErrConcurrentModification)
		}
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("expected 7 after retries, got %d, %v", got, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsAfterAttempts(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), RetryPolicy{Attempts: 2, InitialInterval: time.Millisecond}, func() (int, error) {
		calls++
		return 0, request.ErrAssignmentConflict
	})
	if !errors.Is(err, request.ErrAssignmentConflict) {
		t.Fatalf("expected assignment conflict, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_DoesNotRetryDomainErrors(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), RetryPolicy{Attempts: 5, InitialInterval: time.Millisecond}, func() (int, error) {
		calls++
		return 0, request.ErrNotOwner
	})
	if !errors.Is(err, request.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}
