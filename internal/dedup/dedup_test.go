package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"hello", "hello", 1, 1},
		{"Hello  World", "hello world", 1, 1},
		{"", "", 1, 1},
		{"abc", "xyz", 0, 0},
		{"thanks for your message", "thanks for your messages", 0.9, 1},
		{"olá, tudo bem?", "ola, tudo bem?", 0.9, 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("Similarity(%q, %q) = %.3f, want in [%.2f, %.2f]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestIsDuplicate(t *testing.T) {
	history := []string{"Our store opens at 9am.", "Anything else?"}
	if !IsDuplicate("our store opens at 9am", history, 0) {
		t.Errorf("near-identical echo should be a duplicate")
	}
	if IsDuplicate("what time do you close?", history, 0) {
		t.Errorf("new question should not be a duplicate")
	}
	if IsDuplicate("   ", history, 0) {
		t.Errorf("blank text should not be a duplicate")
	}
}

func TestIsAutoResponse(t *testing.T) {
	voice := "Sorry, I can't listen to audio messages yet. Please type your question."
	if !IsAutoResponse(voice+"\n", voice, "") {
		t.Errorf("configured voice default should be an auto-response")
	}
	if IsAutoResponse("sorry, i can't listen to audio messages yet. please type your question.", voice) {
		t.Errorf("auto-response match is exact-case")
	}
	if IsAutoResponse("", "") {
		t.Errorf("empty text never matches")
	}
}

func TestMessageIDCache(t *testing.T) {
	c := NewMessageIDCache(10, time.Minute)
	if c.Seen("shop", "M1") {
		t.Fatalf("first sighting reported as seen")
	}
	if !c.Seen("shop", "M1") {
		t.Errorf("second sighting not reported")
	}
	if c.Seen("other", "M1") {
		t.Errorf("ids are scoped per instance")
	}
	if c.Seen("shop", "") || c.Seen("shop", "") {
		t.Errorf("empty ids are never deduplicated")
	}
}

func TestMessageIDCacheExpires(t *testing.T) {
	c := NewMessageIDCache(10, 20*time.Millisecond)
	c.Seen("shop", "M1")
	time.Sleep(60 * time.Millisecond)
	if c.Seen("shop", "M1") {
		t.Errorf("entry should have expired")
	}
}

func TestMessageIDCacheConcurrentRedelivery(t *testing.T) {
	c := NewMessageIDCache(100, time.Minute)
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("shop", "M1") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := fresh.Load(); n != 1 {
		t.Fatalf("%d goroutines saw M1 as new, want exactly 1", n)
	}
}

func TestMessageIDCacheForget(t *testing.T) {
	c := NewMessageIDCache(10, time.Minute)
	c.Seen("shop", "M1")
	c.Forget("shop", "M1")
	if c.Seen("shop", "M1") {
		t.Fatal("forgotten id still reported as seen")
	}
	if !c.Seen("shop", "M1") {
		t.Fatal("id not recorded again after forget")
	}
}
