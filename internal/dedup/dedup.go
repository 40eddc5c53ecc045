// Package dedup detects repeated inbound content: redelivered message ids,
// echoes of the bot's own replies, and configured auto-responses.
package dedup

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultThreshold is the similarity at or above which two texts count as duplicates.
const DefaultThreshold = 0.9

// Similarity returns 1 - editDistance/maxLen over normalized text, in [0,1].
// Two empty strings are identical.
func Similarity(a, b string) float64 {
	a, b = normalize(a), normalize(b)
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// IsDuplicate reports whether text is at least threshold-similar to any history entry.
// A non-positive threshold uses DefaultThreshold.
func IsDuplicate(text string, history []string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if normalize(text) == "" {
		return false
	}
	for _, h := range history {
		if Similarity(text, h) >= threshold {
			return true
		}
	}
	return false
}

// IsAutoResponse reports whether text exactly matches one of the configured
// canned replies (voice default, escalation message, review notice).
// Matching ignores surrounding whitespace only.
func IsAutoResponse(text string, responses ...string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	for _, r := range responses {
		if r != "" && strings.TrimSpace(r) == t {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// MessageIDCache remembers recently seen (instance, message id) pairs so
// gateway redeliveries are dropped at ingress.
type MessageIDCache struct {
	mu    sync.Mutex // makes check-and-record atomic
	cache *expirable.LRU[string, struct{}]
}

// NewMessageIDCache creates a cache; zero values use 5000 entries and a 20 minute TTL.
func NewMessageIDCache(size int, ttl time.Duration) *MessageIDCache {
	if size <= 0 {
		size = 5000
	}
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	return &MessageIDCache{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen records the id and reports whether it was already present.
// Empty message ids are never considered seen.
func (c *MessageIDCache) Seen(instanceID, messageID string) bool {
	if c == nil || messageID == "" {
		return false
	}
	key := instanceID + ":" + messageID
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.Contains(key) {
		return true
	}
	c.cache.Add(key, struct{}{})
	return false
}

// Forget drops the id so a redelivery of a message that failed ingress is
// processed again.
func (c *MessageIDCache) Forget(instanceID, messageID string) {
	if c == nil || messageID == "" {
		return
	}
	c.mu.Lock()
	c.cache.Remove(instanceID + ":" + messageID)
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *MessageIDCache) Len() int { return c.cache.Len() }
