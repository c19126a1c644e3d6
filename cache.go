package parse

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// responseCache keeps GET responses for the cache policies that allow it.
// Entries expire after the configured TTL; writes to a path invalidate every
// cached read below it.
type responseCache struct {
	mu      sync.RWMutex
	entries *expiremap.ExpireMap[string, []byte]
}

func newResponseCache(ttl time.Duration) *responseCache {
	cull := ttl / 2
	if cull < time.Second {
		cull = time.Second
	}
	return &responseCache{entries: expiremap.NewEx[string, []byte](cull, ttl)}
}

// cacheKey scopes entries to the session so users never see each other's
// reads. The token itself is not kept.
func cacheKey(cmd Command, sessionToken string) string {
	sum := sha256.Sum256([]byte(sessionToken))
	return cmd.String() + "#" + hex.EncodeToString(sum[:8])
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.entries.Load(key)
	if !ok || data == nil || len(*data) == 0 {
		return nil, false
	}
	return append([]byte{}, (*data)...), true
}

func (c *responseCache) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Set(key, append([]byte{}, data...))
}

// invalidate drops reads of path and of every path below it. A batch can
// touch anything, so it clears the whole cache. Dropped entries are
// overwritten with an empty tombstone that get treats as a miss.
func (c *responseCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale []string
	c.entries.Range(func(key string, _ []byte) bool {
		if path == "/batch" || strings.HasPrefix(strings.TrimPrefix(key, "GET "), path) {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		c.entries.Set(key, nil)
	}
}

// size counts live entries.
func (c *responseCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	c.entries.Range(func(_ string, v []byte) bool {
		if len(v) > 0 {
			n++
		}
		return true
	})
	return n
}
