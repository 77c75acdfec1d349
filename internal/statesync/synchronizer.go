// Package statesync derives the displayed listing state from authoritative
// ledger reads.
package statesync

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/digitalmarket/internal/contract"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// Synchronizer refreshes listing views. Every read failure settles to a
// default instead of an error.
type Synchronizer struct {
	ledger   ledger.Client
	contract *contract.Client
	cache    domain.ListingViewCache
	logger   *slog.Logger
}

// New creates a Synchronizer. cache may be nil.
func New(lc ledger.Client, cache domain.ListingViewCache, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		ledger:   lc,
		contract: contract.New(lc, 0, logger),
		cache:    cache,
		logger:   logger.With(slog.String("component", "statesync")),
	}
}

// Refresh reads the listing's global state, then its custodial inventory
// and creator. listingID zero returns the zero view without any ledger
// access; a missing or deleted listing does the same.
func (s *Synchronizer) Refresh(ctx context.Context, listingID uint64) domain.ListingView {
	if listingID == domain.NoListing {
		return domain.ListingView{}
	}

	// Taken before any ledger read so a mutation landing during the reads
	// keeps this view out of the cache.
	gen, cacheable := s.generation(ctx, listingID)

	app := s.contract.Bind(listingID)
	st, err := app.GetGlobalState(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "statesync: global state unavailable",
			slog.Uint64("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		s.invalidate(ctx, listingID)
		return domain.ListingView{}
	}

	view := domain.ListingView{
		ListingID:    listingID,
		AssetID:      st.AssetID,
		UnitaryPrice: st.UnitaryPrice,
	}

	// The two reads default independently; neither error cancels the other.
	var g errgroup.Group
	g.Go(func() error {
		units, err := s.ledger.AccountAssetBalance(ctx, app.Address(), st.AssetID)
		if err != nil {
			s.logger.DebugContext(ctx, "statesync: units left unavailable",
				slog.Uint64("listing_id", listingID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		view.UnitsLeft = units
		view.HoldsAsset = true
		return nil
	})
	g.Go(func() error {
		seller, err := app.Creator(ctx)
		if err != nil {
			s.logger.DebugContext(ctx, "statesync: seller unavailable",
				slog.Uint64("listing_id", listingID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		view.Seller = seller
		return nil
	})
	_ = g.Wait()

	if cacheable {
		s.store(ctx, view, gen)
	}
	return view
}

func (s *Synchronizer) generation(ctx context.Context, listingID uint64) (uint64, bool) {
	if s.cache == nil {
		return 0, false
	}
	gen, err := s.cache.Generation(ctx, listingID)
	if err != nil {
		s.logger.WarnContext(ctx, "statesync: cache generation unavailable",
			slog.Uint64("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	return gen, true
}

func (s *Synchronizer) store(ctx context.Context, view domain.ListingView, gen uint64) {
	err := s.cache.Set(ctx, view, gen)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStaleView):
		s.logger.DebugContext(ctx, "statesync: stale view dropped",
			slog.Uint64("listing_id", view.ListingID),
		)
	default:
		s.logger.WarnContext(ctx, "statesync: cache set failed",
			slog.Uint64("listing_id", view.ListingID),
			slog.String("error", err.Error()),
		)
	}
}

// Cached returns the last refreshed view, refreshing on a miss.
func (s *Synchronizer) Cached(ctx context.Context, listingID uint64) domain.ListingView {
	if listingID == domain.NoListing {
		return domain.ListingView{}
	}
	if s.cache != nil {
		if v, err := s.cache.Get(ctx, listingID); err == nil {
			return v
		}
	}
	return s.Refresh(ctx, listingID)
}

// Invalidate drops the cached view. Mutations call it before refreshing.
func (s *Synchronizer) Invalidate(ctx context.Context, listingID uint64) {
	s.invalidate(ctx, listingID)
}

func (s *Synchronizer) invalidate(ctx context.Context, listingID uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, listingID); err != nil {
		s.logger.WarnContext(ctx, "statesync: cache invalidate failed",
			slog.Uint64("listing_id", listingID),
			slog.String("error", err.Error()),
		)
	}
}
