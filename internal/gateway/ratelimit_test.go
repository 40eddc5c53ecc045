package gateway

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("shop") || !rl.Allow("shop") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("shop") {
		t.Fatal("third request within the same second should be limited")
	}
	if !rl.Allow("other") {
		t.Fatal("keys must not share a bucket")
	}

	now = now.Add(time.Second)
	if !rl.Allow("shop") {
		t.Fatal("one token should refill after a second at 60 rpm")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !rl.Allow("shop") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
	if rl.Len() != 0 {
		t.Errorf("disabled limiter tracked %d keys", rl.Len())
	}
}

func TestRateLimiterBoundedKeys(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	for i := 0; i < maxTrackedKeys+50; i++ {
		rl.Allow(fmt.Sprintf("inst-%d", i))
	}
	if n := rl.Len(); n > maxTrackedKeys {
		t.Errorf("tracked %d keys, cap is %d", n, maxTrackedKeys)
	}
}
