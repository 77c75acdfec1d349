package domain

import (
	"context"
	"time"
)

// ListingViewCache holds the last refreshed view per listing. It is a
// display accelerator; the ledger stays authoritative.
//
// Every Invalidate advances the listing's generation. A reader takes the
// generation before reading the ledger and passes it to Set, which refuses
// with ErrStaleView once the listing has been invalidated since.
type ListingViewCache interface {
	Generation(ctx context.Context, listingID uint64) (uint64, error)
	Set(ctx context.Context, view ListingView, generation uint64) error
	Get(ctx context.Context, listingID uint64) (ListingView, error)
	Invalidate(ctx context.Context, listingID uint64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of marketplace events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
