package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestTokenBucket_StartsFull(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	for i := 0; i < 5; i++ {
		if !b.Allow(1) {
			t.Fatalf("token %d unexpectedly rejected", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("empty bucket unexpectedly allowed a token")
	}
}

func TestTokenBucket_RefillsAtRate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 10, 10)

	if !b.Allow(10) {
		t.Fatalf("full bucket rejected its capacity")
	}
	if b.Allow(1) {
		t.Fatalf("drained bucket allowed a token")
	}

	clk.Advance(100 * time.Millisecond) // 1 token at 10/sec
	if !b.Allow(1) {
		t.Fatalf("bucket did not refill after 100ms")
	}
	if b.Allow(1) {
		t.Fatalf("bucket refilled more than the elapsed time allows")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow(10) {
		t.Fatalf("bucket did not clamp-refill to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("bucket exceeded capacity after long idle")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow(2) {
		t.Fatalf("full bucket rejected its capacity")
	}

	clk.now = time.Unix(50, 0)
	if b.Allow(1) {
		t.Fatalf("backwards clock jump granted tokens")
	}

	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("bucket did not recover after clock re-anchor")
	}
}

func TestTokenBucket_ZeroAndNegativeCost(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)

	if !b.Allow(0) {
		t.Fatalf("zero-cost request rejected")
	}
	if !b.Allow(-3) {
		t.Fatalf("negative-cost request rejected")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket allowed a token")
	}
}
