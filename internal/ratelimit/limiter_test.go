package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("ip:10.0.0.1") {
			t.Fatalf("attempt %d denied within burst", i)
		}
	}
	if l.Allow("ip:10.0.0.1") {
		t.Fatal("attempt beyond burst allowed")
	}
	if got := l.Denied(); got != 1 {
		t.Errorf("Denied = %d, want 1", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(1, 1)

	if !l.Allow("ip:10.0.0.1") {
		t.Fatal("first key denied")
	}
	if !l.Allow("user:u1") {
		t.Fatal("second key throttled by first key's bucket")
	}
	if l.Allow("ip:10.0.0.1") {
		t.Fatal("exhausted key allowed")
	}
}

func TestSweepRemovesStaleBuckets(t *testing.T) {
	l := NewLimiter(1, 1)
	l.Allow("ip:10.0.0.1")

	// Age the bucket and the sweep clock past their thresholds.
	l.mu.Lock()
	l.buckets["ip:10.0.0.1"].lastSeen = time.Now().Add(-staleAfter - time.Minute)
	l.lastSweep = time.Now().Add(-sweepEvery - time.Minute)
	l.mu.Unlock()

	// The next Allow sweeps, so the key starts over with a fresh bucket.
	if !l.Allow("user:u1") {
		t.Fatal("sweep trigger denied")
	}
	if !l.Allow("ip:10.0.0.1") {
		t.Fatal("stale bucket survived the sweep")
	}
}
