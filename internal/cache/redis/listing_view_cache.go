package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

//go:embed scripts/set_view.lua
var setViewLua string

// generationTTL keeps a listing's generation well past any in-flight
// refresh.
const generationTTL = 24 * time.Hour

// DefaultViewTTL bounds how stale a cached view can get when no mutation
// invalidates it.
const DefaultViewTTL = 30 * time.Second

// ListingViewCache implements domain.ListingViewCache with one JSON string
// per listing.
//
// Key schema:
//
//	dmarket:listing:view:{id}     - JSON-encoded domain.ListingView
//	dmarket:listing:view:{id}:gen - invalidation counter
type ListingViewCache struct {
	rdb     *redis.Client
	ttl     time.Duration
	setView *redis.Script
}

// NewListingViewCache creates a ListingViewCache. A non-positive ttl uses
// DefaultViewTTL.
func NewListingViewCache(c *Client, ttl time.Duration) *ListingViewCache {
	if ttl <= 0 {
		ttl = DefaultViewTTL
	}
	return &ListingViewCache{rdb: c.Underlying(), ttl: ttl, setView: redis.NewScript(setViewLua)}
}

func viewKey(id uint64) string {
	return "dmarket:listing:view:" + strconv.FormatUint(id, 10)
}

func generationKey(id uint64) string {
	return viewKey(id) + ":gen"
}

// Generation returns the listing's invalidation counter; an absent counter
// is zero.
func (c *ListingViewCache) Generation(ctx context.Context, listingID uint64) (uint64, error) {
	gen, err := c.rdb.Get(ctx, generationKey(listingID)).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: get listing view generation %d: %w", listingID, err)
	}
	return gen, nil
}

// Set stores view under its listing id if the listing is still at
// generation. The check and the write are one script.
func (c *ListingViewCache) Set(ctx context.Context, view domain.ListingView, generation uint64) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: marshal listing view %d: %w", view.ListingID, err)
	}
	stored, err := c.setView.Run(ctx, c.rdb,
		[]string{viewKey(view.ListingID), generationKey(view.ListingID)},
		strconv.FormatUint(generation, 10), data, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: set listing view %d: %w", view.ListingID, err)
	}
	if stored == 0 {
		return fmt.Errorf("redis: set listing view %d: %w", view.ListingID, domain.ErrStaleView)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (c *ListingViewCache) Get(ctx context.Context, listingID uint64) (domain.ListingView, error) {
	data, err := c.rdb.Get(ctx, viewKey(listingID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ListingView{}, domain.ErrNotFound
		}
		return domain.ListingView{}, fmt.Errorf("redis: get listing view %d: %w", listingID, err)
	}
	var view domain.ListingView
	if err := json.Unmarshal(data, &view); err != nil {
		return domain.ListingView{}, fmt.Errorf("redis: unmarshal listing view %d: %w", listingID, err)
	}
	return view, nil
}

// Invalidate drops the cached view and advances the generation so that
// refreshes begun earlier cannot store their views.
func (c *ListingViewCache) Invalidate(ctx context.Context, listingID uint64) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, viewKey(listingID))
		pipe.Incr(ctx, generationKey(listingID))
		pipe.Expire(ctx, generationKey(listingID), generationTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: invalidate listing view %d: %w", listingID, err)
	}
	return nil
}

var _ domain.ListingViewCache = (*ListingViewCache)(nil)
