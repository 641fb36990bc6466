package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("user:usr_a") {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if l.Allow("user:usr_a") {
		t.Fatal("request past the burst should be denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("user:usr_a") {
		t.Fatal("first request for usr_a should be allowed")
	}
	if !l.Allow("user:usr_b") {
		t.Fatal("usr_b has their own bucket")
	}
	if l.Allow("user:usr_a") {
		t.Fatal("usr_a exhausted their bucket")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("ip") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("ip") {
		t.Fatal("bucket should be empty")
	}

	// 100 tokens/sec: 20ms is enough to refill one.
	time.Sleep(20 * time.Millisecond)
	if !l.Allow("ip") {
		t.Fatal("bucket should have refilled")
	}
}
