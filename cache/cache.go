// Package cache keeps recent screening verdicts per caller number so repeat
// callers are decided without consulting the slow signals again.
//
// The cache is bounded (least recently used entries are evicted) and entries
// expire logically: Get never returns an entry older than the TTL, whether or
// not it has been evicted yet. There is no background sweeper.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultSize is the default capacity in entries.
	DefaultSize = 10000
	// DefaultTTL is the default logical lifetime of an entry.
	DefaultTTL = 30 * time.Minute
)

// Entry is a cached verdict.
type Entry struct {
	Action     string
	RiskScore  float64
	Confidence float64
	UpdatedAt  time.Time
}

// Options configures a Cache. Zero values take the defaults.
type Options struct {
	Size int
	TTL  time.Duration
	Now  func() time.Time
}

// Cache is a thread-safe LRU cache with lazy TTL expiry.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, Entry]
	ttl time.Duration
	now func() time.Time
}

// New creates a cache.
func New(opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	// NewLRU only fails on a non-positive size.
	l, _ := simplelru.NewLRU[string, Entry](opts.Size, nil)
	return &Cache{lru: l, ttl: opts.TTL, now: opts.Now}
}

// TTL returns the logical lifetime of entries.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for number if present and not expired. An expired
// entry is removed.
func (c *Cache) Get(number string) (Entry, bool) {
	key := NormalizeNumber(number)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.UpdatedAt) > c.ttl {
		c.lru.Remove(key)
		return Entry{}, false
	}
	return e, true
}

// Put stores e for number. A zero UpdatedAt is set to the current time.
func (c *Cache) Put(number string, e Entry) {
	key := NormalizeNumber(number)
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = c.now()
	}
	c.mu.Lock()
	c.lru.Add(key, e)
	c.mu.Unlock()
}

// PutIfNewer stores e unless the cache already holds an entry for number
// updated after e. It reports whether e was stored.
func (c *Cache) PutIfNewer(number string, e Entry) bool {
	key := NormalizeNumber(number)
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(key); ok && cur.UpdatedAt.After(e.UpdatedAt) {
		return false
	}
	c.lru.Add(key, e)
	return true
}

// Remove deletes the entry for number.
func (c *Cache) Remove(number string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(NormalizeNumber(number))
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// NormalizeNumber reduces a caller number to a canonical key: digits only,
// with a leading '+' kept. Ten digit North American numbers get +1 and
// eleven digit numbers starting with 1 get +. Input without digits (P, O)
// yields "".
func NormalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	plus := strings.HasPrefix(s, "+")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	switch {
	case d == "":
		return ""
	case plus:
		return "+" + d
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	}
	return d
}
