// Package tokencache holds verdicts obtained from a remote authority, keyed
// by a SHA-256 digest of the credential they were obtained for. The raw
// credential is never retained.
package tokencache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultTTL bounds how long a verdict is reused when the verdict itself
	// carries a later (or no) expiry.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries bounds the number of distinct digests held.
	DefaultMaxEntries = 10_000
	// DefaultSweepInterval throttles the expired-entry sweep run on Store.
	DefaultSweepInterval = 30 * time.Second
)

// Config controls cache bounds. Zero values select defaults, except TTL where
// a negative value disables caching entirely.
type Config struct {
	TTL           time.Duration
	MaxEntries    int
	SweepInterval time.Duration
	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

type entry[V any] struct {
	value  V
	expiry time.Time
}

func (e entry[V]) expired(now time.Time) bool { return !e.expiry.After(now) }

// Cache is safe for concurrent use. When full, the least recently used
// digest is evicted.
type Cache[V any] struct {
	ttl        time.Duration
	maxEntries int
	sweepEvery time.Duration
	now        func() time.Time

	// mu serializes check-then-remove sequences over the LRU.
	mu        sync.Mutex
	lru       *lru.Cache[string, entry[V]]
	lastSweep time.Time
}

// New returns an empty cache.
func New[V any](cfg Config) *Cache[V] {
	c := &Cache[V]{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		sweepEvery: cfg.SweepInterval,
		now:        cfg.Now,
	}
	if c.ttl == 0 {
		c.ttl = DefaultTTL
	}
	if c.maxEntries <= 0 {
		c.maxEntries = DefaultMaxEntries
	}
	if c.sweepEvery <= 0 {
		c.sweepEvery = DefaultSweepInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	// lru.New only fails for a non-positive size.
	c.lru, _ = lru.New[string, entry[V]](c.maxEntries)
	return c
}

// Digest returns the hex encoded SHA-256 of token. It is the only form in
// which a credential is stored or logged.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Enabled reports whether Store will ever retain anything.
func (c *Cache[V]) Enabled() bool { return c.ttl > 0 }

// Lookup returns the value stored for token, if any. An entry whose expiry
// is not after now is treated as absent and removed.
func (c *Cache[V]) Lookup(token string) (V, bool) {
	return c.LookupDigest(Digest(token))
}

// LookupDigest is Lookup for a precomputed digest.
func (c *Cache[V]) LookupDigest(key string) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if e.expired(now) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Store records v for token. The entry expires at now+TTL or notAfter,
// whichever is earlier; a zero notAfter imposes no extra bound. It reports
// the expiry actually applied and whether the value was retained.
func (c *Cache[V]) Store(token string, v V, notAfter time.Time) (time.Time, bool) {
	return c.StoreDigest(Digest(token), v, notAfter)
}

// StoreDigest is Store for a precomputed digest.
func (c *Cache[V]) StoreDigest(key string, v V, notAfter time.Time) (time.Time, bool) {
	if !c.Enabled() {
		return time.Time{}, false
	}
	now := c.now()
	expiry := now.Add(c.ttl)
	if !notAfter.IsZero() && notAfter.Before(expiry) {
		expiry = notAfter
	}
	if !expiry.After(now) {
		return expiry, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Expired entries go before the LRU is asked to evict a live one.
	full := !c.lru.Contains(key) && c.lru.Len() >= c.maxEntries
	if full || now.Sub(c.lastSweep) >= c.sweepEvery {
		c.sweepLocked(now)
	}
	c.lru.Add(key, entry[V]{value: v, expiry: expiry})
	return expiry, true
}

// Len returns the number of entries held, including ones that have expired
// but not yet been swept.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Keys returns the stored digests, oldest first.
func (c *Cache[V]) Keys() []string {
	return c.lru.Keys()
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *Cache[V]) sweepLocked(now time.Time) {
	c.lastSweep = now
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.expired(now) {
			c.lru.Remove(k)
		}
	}
}
