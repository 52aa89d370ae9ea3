package core

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAdapts(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter("test", 4, 1, 10)

	rl.RecordFailure()
	if got := rl.GetCurrentRate(); got != 2 {
		t.Fatalf("rate after failure = %v, want 2", got)
	}
	rl.RecordFailure()
	rl.RecordFailure()
	if got := rl.GetCurrentRate(); got != 1 {
		t.Fatalf("rate should floor at 1, got %v", got)
	}
	for i := 0; i < 100; i++ {
		rl.RecordSuccess()
	}
	if got := rl.GetCurrentRate(); got != 10 {
		t.Fatalf("rate should cap at 10, got %v", got)
	}
	stats := rl.GetStats()
	if stats["failure_count"].(uint64) != 3 || stats["success_count"].(uint64) != 100 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter("test", 0.1, 0.1, 0.1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first token should be immediate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatalf("second token at 0.1/s should not arrive within 20ms")
	}
}
