package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New("marketlist", 3, time.Hour)

	for i := 0; i < 2; i++ {
		b.Failure()
		if err := b.Allow(); err != nil {
			t.Fatalf("breaker opened early after %d failures: %v", i+1, err)
		}
	}
	b.Failure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen at threshold, got %v", err)
	}
}

func TestBreakerClosesAfterCooldownWallClock(t *testing.T) {
	b := New("marketlist", 1, 10*time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Failure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	// Cooldown is wall-clock, not request-count: many checks before the
	// deadline all fail fast.
	now = now.Add(9 * time.Minute)
	for i := 0; i < 5; i++ {
		if err := b.Allow(); !errors.Is(err, ErrOpen) {
			t.Fatalf("breaker closed before cooldown elapsed")
		}
	}

	now = now.Add(1 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("breaker still open after cooldown: %v", err)
	}
	if b.Open() {
		t.Fatalf("breaker should report closed after cooldown")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	b := New("priceguide", 3, time.Hour)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if err := b.Allow(); err != nil {
		t.Fatalf("streak not reset by success: %v", err)
	}
}
