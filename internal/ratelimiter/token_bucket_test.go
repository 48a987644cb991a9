package ratelimiter

import (
	"testing"
	"time"
)

func TestNewTokenBucketDisabledOnZero(t *testing.T) {
	if b := NewTokenBucket(0, 0, 100); b != nil {
		t.Fatalf("expected nil bucket for zero size, got %+v", b)
	}
	if b := NewTokenBucket(100, 0, 0); b != nil {
		t.Fatalf("expected nil bucket for zero refill time, got %+v", b)
	}
}

func TestTokenBucketStartsFull(t *testing.T) {
	b := NewTokenBucket(1000, 0, 100)
	if b.Budget() != 1000 {
		t.Fatalf("budget = %d, want 1000", b.Budget())
	}
}

func TestTokenBucketReduceSuccess(t *testing.T) {
	b := NewTokenBucket(1000, 0, 100)
	verdict, _ := b.Reduce(400)
	if verdict != Success {
		t.Fatalf("verdict = %v, want Success", verdict)
	}
	if b.Budget() != 600 {
		t.Fatalf("budget = %d, want 600", b.Budget())
	}
}

func TestTokenBucketOneTimeBurstConsumedFirst(t *testing.T) {
	b := NewTokenBucket(100, 500, 100)
	verdict, _ := b.Reduce(300)
	if verdict != Success {
		t.Fatalf("verdict = %v, want Success", verdict)
	}
	if b.OneTimeBurst() != 200 {
		t.Fatalf("one_time_burst = %d, want 200 (500-300)", b.OneTimeBurst())
	}
	if b.Budget() != 100 {
		t.Fatalf("budget should be untouched while burst remains: got %d", b.Budget())
	}
}

func TestTokenBucketBurstSpillsIntoBudget(t *testing.T) {
	b := NewTokenBucket(100, 50, 100)
	verdict, _ := b.Reduce(80) // 50 from burst, 30 from budget
	if verdict != Success {
		t.Fatalf("verdict = %v, want Success", verdict)
	}
	if b.OneTimeBurst() != 0 {
		t.Fatalf("one_time_burst = %d, want 0", b.OneTimeBurst())
	}
	if b.Budget() != 70 {
		t.Fatalf("budget = %d, want 70", b.Budget())
	}
}

func TestTokenBucketOverConsumption(t *testing.T) {
	b := NewTokenBucket(100, 0, 100)
	verdict, ratio := b.Reduce(250)
	if verdict != OverConsumption {
		t.Fatalf("verdict = %v, want OverConsumption", verdict)
	}
	if ratio <= 0 {
		t.Fatalf("ratio = %f, want > 0", ratio)
	}
	if b.Budget() != 0 {
		t.Fatalf("budget = %d, want 0 (drained)", b.Budget())
	}
}

func TestTokenBucketReplenishAfterRefillTime(t *testing.T) {
	b := NewTokenBucket(100, 0, 20) // 20ms full refill
	if verdict, _ := b.Reduce(100); verdict != Success {
		t.Fatalf("initial drain should succeed")
	}
	time.Sleep(30 * time.Millisecond)
	b.autoReplenish()
	if b.Budget() != b.size {
		t.Fatalf("budget after >= refill_time should equal capacity: got %d want %d", b.Budget(), b.size)
	}
}

func TestTokenBucketForceReplenishCapsAtSize(t *testing.T) {
	b := NewTokenBucket(100, 0, 100)
	b.Reduce(100)
	b.ForceReplenish(1000)
	if b.Budget() != 100 {
		t.Fatalf("budget = %d, want capped at 100", b.Budget())
	}
}

func TestTokenBucketForceReplenishDuringBurstTopsUpBurst(t *testing.T) {
	b := NewTokenBucket(100, 50, 100)
	b.Reduce(10) // burst -> 40
	b.ForceReplenish(5)
	if b.OneTimeBurst() != 45 {
		t.Fatalf("one_time_burst = %d, want 45", b.OneTimeBurst())
	}
	if b.Budget() != 100 {
		t.Fatalf("budget should be untouched: got %d", b.Budget())
	}
}
