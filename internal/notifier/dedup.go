package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/HypeDuke/osint3/internal/storage"
)

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache maps a notification key to the time its suppression ends.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{until: map[string]time.Time{}}
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%t|%s|", n.Kind, n.Channel, n.Health, n.Subject)
	_, _ = h.Write([]byte(n.Telegram))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.HTML))
	return fmt.Sprintf("%x", h.Sum64())
}

// allow reports whether key may be sent now and, if so, opens a new
// suppression window. st, when set, is consulted for windows recorded by
// an earlier run; new windows are queued to pch for persistence.
func (c *dedupCache) allow(ctx context.Context, key string, window time.Duration, maxEntries int, st storage.Store, pch chan<- dedupWrite) bool {
	now := time.Now()

	c.mu.Lock()
	if until, ok := c.until[key]; ok && now.Before(until) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			c.mu.Lock()
			c.until[key] = until
			c.mu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	c.mu.Lock()
	c.until[key] = until
	c.pruneLocked(now, maxEntries)
	c.mu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// pruneLocked drops expired keys, then the earliest-expiring ones until the
// cache fits maxEntries.
func (c *dedupCache) pruneLocked(now time.Time, maxEntries int) {
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
		}
	}
	for maxEntries > 0 && len(c.until) > maxEntries {
		var (
			oldest string
			at     time.Time
		)
		for k, until := range c.until {
			if oldest == "" || until.Before(at) {
				oldest, at = k, until
			}
		}
		delete(c.until, oldest)
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}
