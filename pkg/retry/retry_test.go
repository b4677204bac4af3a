package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/voting-queue-system/pkg/apperr"
)

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		failWith  error
		wantCalls int
		wantErr   error
	}{
		{
			name:      "succeeds first time",
			attempts:  3,
			wantCalls: 1,
		},
		{
			name:      "retries unavailable until success",
			attempts:  3,
			failures:  2,
			failWith:  fmt.Errorf("store down: %w", apperr.ErrUnavailable),
			wantCalls: 3,
		},
		{
			name:      "gives up after max attempts",
			attempts:  3,
			failures:  10,
			failWith:  apperr.ErrUnavailable,
			wantCalls: 3,
			wantErr:   apperr.ErrUnavailable,
		},
		{
			name:      "does not retry not found",
			attempts:  3,
			failures:  10,
			failWith:  fmt.Errorf("song: %w", apperr.ErrNotFound),
			wantCalls: 1,
			wantErr:   apperr.ErrNotFound,
		},
		{
			name:      "zero attempts still runs once",
			attempts:  0,
			failures:  10,
			failWith:  apperr.ErrUnavailable,
			wantCalls: 1,
			wantErr:   apperr.ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Immediate(tt.attempts).Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("Do() calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("Do() unexpected error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Do() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_DoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Immediate(5).Do(ctx, func(context.Context) error {
		calls++
		return apperr.ErrUnavailable
	})
	if err == nil {
		t.Fatal("Do() expected error on cancelled context")
	}
	if calls > 1 {
		t.Errorf("Do() calls = %d, want at most 1", calls)
	}
}
