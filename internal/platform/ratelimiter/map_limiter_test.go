package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestNewRejectsInvalidArgs(t *testing.T) {
	if New(0, 1, time.Minute) != nil {
		t.Fatal("zero rps should yield nil limiter")
	}
	if New(1, 0, time.Minute) != nil {
		t.Fatal("zero burst should yield nil limiter")
	}
	if New(1, 1, 0) == nil {
		t.Fatal("zero idle ttl should fall back to a default, not nil")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *MapLimiter
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Allow("any", now) {
			t.Fatal("nil limiter must allow all")
		}
	}
	if err := l.Wait(context.Background(), "any"); err != nil {
		t.Fatalf("nil limiter Wait: %v", err)
	}
}

func TestAllowEnforcesBurst(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Now()

	if !l.Allow("peer", now) || !l.Allow("peer", now) {
		t.Fatal("burst of 2 should admit two immediate calls")
	}
	if l.Allow("peer", now) {
		t.Fatal("third immediate call should be limited")
	}
	// A second later one token has refilled.
	if !l.Allow("peer", now.Add(1100*time.Millisecond)) {
		t.Fatal("token should refill at the configured rate")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("a", now) {
		t.Fatal("first call for a should pass")
	}
	if l.Allow("a", now) {
		t.Fatal("second call for a should be limited")
	}
	if !l.Allow("b", now) {
		t.Fatal("b has its own bucket")
	}
}

func TestEmptyKeyUnlimited(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("  ", now) {
			t.Fatal("blank keys are not rate limited")
		}
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(0.1, 1, time.Minute)
	ctx := context.Background()
	if err := l.Wait(ctx, "peer"); err != nil {
		t.Fatalf("first Wait should pass immediately: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "peer"); err == nil {
		t.Fatal("second Wait should fail once the context expires")
	}
}
