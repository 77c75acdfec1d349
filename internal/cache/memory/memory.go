// Package memory provides single-process implementations of the cache, lock,
// bus and rate limiter ports for deployments without Redis.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

// ListingViewCache implements domain.ListingViewCache with a TTL map.
type ListingViewCache struct {
	mu    sync.RWMutex
	views map[uint64]viewEntry
	gens  map[uint64]uint64
	ttl   time.Duration
	now   func() time.Time
}

type viewEntry struct {
	view    domain.ListingView
	expires time.Time
}

// NewListingViewCache creates a cache whose entries expire after ttl. A
// non-positive ttl never expires entries.
func NewListingViewCache(ttl time.Duration) *ListingViewCache {
	return &ListingViewCache{
		views: make(map[uint64]viewEntry),
		gens:  make(map[uint64]uint64),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Generation returns how many times the listing has been invalidated.
func (c *ListingViewCache) Generation(_ context.Context, listingID uint64) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[listingID], nil
}

// Set stores view if the listing is still at generation.
func (c *ListingViewCache) Set(_ context.Context, view domain.ListingView, generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[view.ListingID] != generation {
		return fmt.Errorf("memory: listing view %d: %w", view.ListingID, domain.ErrStaleView)
	}
	e := viewEntry{view: view}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.views[view.ListingID] = e
	return nil
}

// Get returns domain.ErrNotFound on a miss or an expired entry.
func (c *ListingViewCache) Get(_ context.Context, listingID uint64) (domain.ListingView, error) {
	c.mu.RLock()
	e, ok := c.views[listingID]
	c.mu.RUnlock()
	if !ok || (!e.expires.IsZero() && c.now().After(e.expires)) {
		return domain.ListingView{}, domain.ErrNotFound
	}
	return e.view, nil
}

// Invalidate drops the cached view and advances the generation.
func (c *ListingViewCache) Invalidate(_ context.Context, listingID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, listingID)
	c.gens[listingID]++
	return nil
}

// LockManager implements domain.LockManager within one process.
type LockManager struct {
	mu   sync.Mutex
	held map[string]lockEntry
	seq  uint64
	now  func() time.Time
}

type lockEntry struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates a LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lockEntry), now: time.Now}
}

// Acquire takes the lock on key for at most ttl. A lock held and not yet
// expired yields domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if e, ok := lm.held[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	lm.seq++
	token := lm.seq
	lm.held[key] = lockEntry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if e, ok := lm.held[key]; ok && e.token == token {
				delete(lm.held, key)
			}
		})
	}, nil
}

// SignalBus implements domain.SignalBus as an in-process fan-out. Slow
// subscribers drop messages rather than block publishers.
type SignalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[chan []byte]struct{}
	buffer int
}

// NewSignalBus creates a SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[string]map[chan []byte]struct{}), buffer: 128}
}

// Publish delivers payload to every subscriber of channel, including
// subscribers of a matching "prefix*" pattern.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for pattern, subs := range b.subs {
		if !matches(pattern, channel) {
			continue
		}
		for ch := range subs {
			msg := append([]byte(nil), payload...)
			select {
			case ch <- msg:
			default:
			}
		}
	}
	return nil
}

// Subscribe returns payloads published on channel until ctx is cancelled.
// A trailing '*' subscribes to every channel with that prefix.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions.
func (b *SignalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

func matches(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// RateLimiter implements domain.RateLimiter with a per-key sliding window.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

// Allow reports whether one more request for key fits in limit requests per
// window, counting it if so.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-window)
	hits := rl.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		rl.hits[key] = hits
		return false, nil
	}
	rl.hits[key] = append(hits, now)
	return true, nil
}

var (
	_ domain.ListingViewCache = (*ListingViewCache)(nil)
	_ domain.LockManager      = (*LockManager)(nil)
	_ domain.SignalBus        = (*SignalBus)(nil)
	_ domain.RateLimiter      = (*RateLimiter)(nil)
)
