package main

import (
	"sync"
	"time"
)

// CooldownTracker throttles repeat submissions per contact key. It keeps
// the last accepted instant for each key and only updates it when a
// submission is allowed, so hammering a key does not extend its cooldown.
//
// The map is bounded: once it grows past maxEntries, entries whose
// cooldown has already lapsed are swept before inserting.
type CooldownTracker struct {
	mu         sync.Mutex
	lastSeen   map[string]time.Time
	maxEntries int
}

func NewCooldownTracker(maxEntries int) *CooldownTracker {
	return &CooldownTracker{
		lastSeen:   make(map[string]time.Time),
		maxEntries: maxEntries,
	}
}

// Allow reports whether key may submit again, and records the current
// instant as the key's last accepted use when it may.
func (c *CooldownTracker) Allow(key string, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if last, ok := c.lastSeen[key]; ok && now.Sub(last) <= interval {
		return false
	}

	if len(c.lastSeen) >= c.maxEntries {
		c.sweep(now, interval)
	}
	c.lastSeen[key] = now
	return true
}

// sweep drops entries that no longer block anything. Caller must hold mu.
func (c *CooldownTracker) sweep(now time.Time, interval time.Duration) {
	for k, t := range c.lastSeen {
		if now.Sub(t) > interval {
			delete(c.lastSeen, k)
		}
	}
}
