package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
	"github.com/alanyoungcy/digitalmarket/internal/listing"
	"github.com/alanyoungcy/digitalmarket/internal/purchase"
	"github.com/alanyoungcy/digitalmarket/internal/statesync"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SignerSource resolves the account that authorizes an action. An empty
// address selects the default account.
type SignerSource interface {
	Signer(addr string) (ledger.Signer, error)
}

// Backends are the side-effect ports of a MarketplaceService. A nil field
// disables that concern.
type Backends struct {
	Listings  domain.ListingStore
	Purchases domain.PurchaseStore
	Audit     domain.AuditStore
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Notifier  Notifier
	Archiver  domain.Archiver
}

// Config tunes a MarketplaceService.
type Config struct {
	// LockTTL bounds how long one mutation may hold a listing's lock.
	LockTTL time.Duration
	// DedupTTL is the window in which a repeated idempotency key is
	// rejected.
	DedupTTL time.Duration
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{LockTTL: 2 * time.Minute, DedupTTL: 10 * time.Minute}
}

// CreateInput is a create-listing request.
type CreateInput struct {
	// Seller is the account address; empty selects the default account.
	Seller       string `json:"seller,omitempty"`
	UnitaryPrice uint64 `json:"unitary_price"`
	Quantity     uint64 `json:"quantity"`
	// AssetID reuses an asset the seller holds. Zero mints a new one.
	AssetID        uint64 `json:"asset_id,omitempty"`
	IdempotencyKey string `json:"-"`
}

// CreateResult is the outcome of a create or resume. Progress is meaningful
// on failure too.
type CreateResult struct {
	Progress listing.Progress   `json:"progress"`
	View     domain.ListingView `json:"view"`
}

// BuyInput is a purchase request.
type BuyInput struct {
	Buyer          string `json:"buyer,omitempty"`
	ListingID      uint64 `json:"listing_id"`
	Quantity       uint64 `json:"quantity"`
	UnitaryPrice   uint64 `json:"unitary_price"`
	IdempotencyKey string `json:"-"`
}

// PriceInput is a set-price request.
type PriceInput struct {
	Seller       string `json:"seller,omitempty"`
	ListingID    uint64 `json:"listing_id"`
	UnitaryPrice uint64 `json:"unitary_price"`
}

// DeleteResult is the outcome of a delete.
type DeleteResult struct {
	ListingID   uint64   `json:"listing_id"`
	TxIDs       []string `json:"tx_ids"`
	Round       uint64   `json:"round"`
	ArchivePath string   `json:"archive_path,omitempty"`
}

// MarketplaceService executes user actions against the marketplace. Every
// mutation holds the listing's lock, runs on the ledger, then re-reads the
// listing. Persistence, audit, events, notifications and archiving follow a
// confirmed ledger action and never turn it into a failure.
type MarketplaceService struct {
	listings *listing.Manager
	buyer    *purchase.Orchestrator
	sync     *statesync.Synchronizer
	signers  SignerSource
	backends Backends
	dedup    *Dedup
	lockTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewMarketplaceService creates a MarketplaceService.
func NewMarketplaceService(
	listings *listing.Manager,
	buyer *purchase.Orchestrator,
	sync *statesync.Synchronizer,
	signers SignerSource,
	backends Backends,
	cfg Config,
	logger *slog.Logger,
) *MarketplaceService {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	return &MarketplaceService{
		listings: listings,
		buyer:    buyer,
		sync:     sync,
		signers:  signers,
		backends: backends,
		dedup:    NewDedup(cfg.DedupTTL),
		lockTTL:  cfg.LockTTL,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "marketplace_service")),
	}
}

// Dedup exposes the idempotency tracker so callers can schedule Cleanup.
func (s *MarketplaceService) Dedup() *Dedup {
	return s.dedup
}

// CreateListing mints (or reuses) an asset, creates and stocks the listing.
// On a step failure the result's Progress says what is committed; a listing
// that got as far as an application id is recorded and can be resumed with
// ResumeListing.
func (s *MarketplaceService) CreateListing(ctx context.Context, in CreateInput) (CreateResult, error) {
	if s.dedup.IsDuplicate(in.IdempotencyKey) {
		return CreateResult{}, domain.ErrDuplicate
	}
	seller, err := s.signer(in.Seller)
	if err != nil {
		s.dedup.Forget(in.IdempotencyKey)
		return CreateResult{}, err
	}

	unlock, err := s.lock(ctx, "seller:"+seller.Address())
	if err != nil {
		s.dedup.Forget(in.IdempotencyKey)
		return CreateResult{}, err
	}
	defer unlock()

	req := listing.CreateRequest{
		Seller:          seller,
		UnitaryPrice:    in.UnitaryPrice,
		Quantity:        in.Quantity,
		ExistingAssetID: in.AssetID,
	}
	prog, err := s.listings.CreateListing(ctx, req)
	res, err := s.afterCreate(ctx, req, prog, time.Time{}, err)
	if err != nil {
		s.dedup.Forget(in.IdempotencyKey)
	}
	return res, err
}

// ResumeListing continues a recorded listing from its first uncommitted
// step. A listing that is already stocked is returned unchanged.
func (s *MarketplaceService) ResumeListing(ctx context.Context, listingID uint64) (CreateResult, error) {
	if listingID == domain.NoListing {
		return CreateResult{}, fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrNoListing)
	}
	if s.backends.Listings == nil {
		return CreateResult{}, fmt.Errorf("service: resume listing %d: no listing store: %w", listingID, domain.ErrNotFound)
	}
	rec, err := s.backends.Listings.GetByID(ctx, listingID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("service: resume listing %d: %w", listingID, err)
	}
	if rec.Status == domain.ListingStatusDeleted {
		return CreateResult{}, fmt.Errorf("%w: listing %d is deleted", domain.ErrValidation, listingID)
	}

	unlock, err := s.lock(ctx, listingKey(listingID))
	if err != nil {
		return CreateResult{}, err
	}
	defer unlock()

	seller, err := s.signer(rec.Seller)
	if err != nil {
		return CreateResult{}, err
	}
	prog := listing.Progress{
		Completed:      rec.LastStep,
		AssetID:        rec.AssetID,
		ListingID:      rec.ID,
		ListingAddress: rec.Address,
		MintedAsset:    rec.MintedAsset,
	}
	if prog.Done() {
		return CreateResult{Progress: prog, View: s.sync.Refresh(ctx, listingID)}, nil
	}
	req := listing.CreateRequest{
		Seller:          seller,
		UnitaryPrice:    rec.UnitaryPrice,
		Quantity:        rec.Quantity,
		ExistingAssetID: rec.AssetID,
	}
	prog, err = s.listings.Resume(ctx, req, prog)
	return s.afterCreate(ctx, req, prog, rec.CreatedAt, err)
}

func (s *MarketplaceService) afterCreate(
	ctx context.Context,
	req listing.CreateRequest,
	prog listing.Progress,
	createdAt time.Time,
	runErr error,
) (CreateResult, error) {
	res := CreateResult{Progress: prog}
	seller := req.Seller.Address()
	now := s.now()
	if createdAt.IsZero() {
		createdAt = now
	}

	if prog.ListingID != domain.NoListing {
		status := domain.ListingStatusCreating
		if prog.Done() {
			status = domain.ListingStatusActive
		}
		s.persistListing(ctx, domain.Listing{
			ID:           prog.ListingID,
			Address:      prog.ListingAddress,
			AssetID:      prog.AssetID,
			UnitaryPrice: req.UnitaryPrice,
			Quantity:     req.Quantity,
			Seller:       seller,
			MintedAsset:  prog.MintedAsset,
			Status:       status,
			LastStep:     prog.Completed,
			CreatedAt:    createdAt,
			UpdatedAt:    now,
		})
		s.sync.Invalidate(ctx, prog.ListingID)
		res.View = s.sync.Refresh(ctx, prog.ListingID)
	}

	if runErr != nil {
		step := ""
		var se *domain.StepError
		if errors.As(runErr, &se) {
			step = se.Step.String()
		}
		s.audit(ctx, "listing_create_failed", map[string]any{
			"listing_id": prog.ListingID,
			"asset_id":   prog.AssetID,
			"seller":     seller,
			"completed":  prog.Completed.String(),
			"step":       step,
			"error":      runErr.Error(),
		})
		if prog.ListingID != domain.NoListing {
			s.publish(ctx, domain.ChannelListings, domain.Event{
				Type:      domain.EventListingStep,
				ListingID: prog.ListingID,
				View:      &res.View,
				Step:      prog.Completed.String(),
			})
		}
		return res, runErr
	}

	s.audit(ctx, "listing_created", map[string]any{
		"listing_id":    prog.ListingID,
		"asset_id":      prog.AssetID,
		"seller":        seller,
		"unitary_price": req.UnitaryPrice,
		"quantity":      req.Quantity,
		"minted_asset":  prog.MintedAsset,
		"tx_ids":        prog.TxIDs,
	})
	s.publish(ctx, domain.ChannelListings, domain.Event{
		Type:      domain.EventListingCreated,
		ListingID: prog.ListingID,
		View:      &res.View,
		Step:      prog.Completed.String(),
	})
	s.notify(ctx, string(domain.EventListingCreated), "Listing created",
		fmt.Sprintf("Listing %d: %d units of asset %d at %.6f each (seller %s)",
			prog.ListingID, req.Quantity, prog.AssetID, domain.DisplayAmount(req.UnitaryPrice), seller))

	s.logger.InfoContext(ctx, "marketplace_service: listing created",
		slog.Uint64("listing_id", prog.ListingID),
		slog.Uint64("asset_id", prog.AssetID),
		slog.String("seller", seller),
	)
	return res, nil
}

// Buy purchases units from a listing and records the purchase.
func (s *MarketplaceService) Buy(ctx context.Context, in BuyInput) (purchase.Receipt, error) {
	if s.dedup.IsDuplicate(in.IdempotencyKey) {
		return purchase.Receipt{}, domain.ErrDuplicate
	}
	rcpt, err := s.buy(ctx, in)
	if err != nil {
		s.dedup.Forget(in.IdempotencyKey)
	}
	return rcpt, err
}

func (s *MarketplaceService) buy(ctx context.Context, in BuyInput) (purchase.Receipt, error) {
	if err := (domain.PurchaseRequest{ListingID: in.ListingID, Quantity: in.Quantity, UnitaryPrice: in.UnitaryPrice}).Validate(); err != nil {
		return purchase.Receipt{}, err
	}
	buyer, err := s.signer(in.Buyer)
	if err != nil {
		return purchase.Receipt{}, err
	}

	// Buys from different buyers are ordered by the ledger; the lock only
	// keeps one buyer from racing their own opt-in.
	unlock, err := s.lock(ctx, buyerKey(in.ListingID, buyer.Address()))
	if err != nil {
		return purchase.Receipt{}, err
	}
	defer unlock()

	rcpt, err := s.buyer.Purchase(ctx, purchase.Request{
		Buyer:        buyer,
		ListingID:    in.ListingID,
		Quantity:     in.Quantity,
		UnitaryPrice: in.UnitaryPrice,
	})
	if err != nil {
		s.audit(ctx, "purchase_failed", map[string]any{
			"listing_id":    in.ListingID,
			"buyer":         buyer.Address(),
			"quantity":      in.Quantity,
			"unitary_price": in.UnitaryPrice,
			"error":         err.Error(),
		})
		return purchase.Receipt{}, err
	}

	p := domain.Purchase{
		ID:           uuid.NewString(),
		ListingID:    rcpt.ListingID,
		Buyer:        rcpt.Buyer,
		Quantity:     rcpt.Quantity,
		UnitaryPrice: rcpt.UnitaryPrice,
		Amount:       rcpt.Amount,
		PaymentTxID:  rcpt.PaymentTxID,
		CallTxID:     rcpt.CallTxID,
		Round:        rcpt.Round,
		UnitsLeft:    rcpt.UnitsLeft,
		CreatedAt:    s.now(),
	}
	if s.backends.Purchases != nil {
		if err := s.backends.Purchases.Insert(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "marketplace_service: persist purchase failed",
				slog.Uint64("listing_id", p.ListingID),
				slog.String("purchase_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if rcpt.View.SoldOut() {
		s.updateStatus(ctx, rcpt.ListingID, domain.ListingStatusSoldOut)
	}

	s.audit(ctx, "purchase", map[string]any{
		"purchase_id": p.ID,
		"listing_id":  p.ListingID,
		"buyer":       p.Buyer,
		"quantity":    p.Quantity,
		"amount":      p.Amount,
		"call_tx_id":  p.CallTxID,
		"units_left":  p.UnitsLeft,
	})
	view := rcpt.View
	s.publish(ctx, domain.ChannelPurchases, domain.Event{
		Type:      domain.EventPurchase,
		ListingID: p.ListingID,
		View:      &view,
		Purchase:  &p,
	})
	s.notify(ctx, string(domain.EventPurchase), "Purchase",
		fmt.Sprintf("Listing %d: %s bought %d units for %.6f, %d left",
			p.ListingID, p.Buyer, p.Quantity, domain.DisplayAmount(p.Amount), p.UnitsLeft))
	if rcpt.View.SoldOut() {
		s.notify(ctx, "sold_out", "Listing sold out",
			fmt.Sprintf("Listing %d has no units left and can be deleted", p.ListingID))
	}
	return rcpt, nil
}

// SetPrice changes a listing's unitary price and returns the refreshed view.
func (s *MarketplaceService) SetPrice(ctx context.Context, in PriceInput) (domain.ListingView, error) {
	if in.ListingID == domain.NoListing {
		return domain.ListingView{}, fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrNoListing)
	}
	seller, err := s.signer(in.Seller)
	if err != nil {
		return domain.ListingView{}, err
	}
	unlock, err := s.lock(ctx, listingKey(in.ListingID))
	if err != nil {
		return domain.ListingView{}, err
	}
	defer unlock()

	res, err := s.listings.SetPrice(ctx, seller, in.ListingID, in.UnitaryPrice)
	if err != nil {
		return domain.ListingView{}, err
	}
	s.sync.Invalidate(ctx, in.ListingID)
	view := s.sync.Refresh(ctx, in.ListingID)

	if s.backends.Listings != nil {
		if err := s.backends.Listings.UpdatePrice(ctx, in.ListingID, in.UnitaryPrice); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "marketplace_service: persist price failed",
				slog.Uint64("listing_id", in.ListingID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.audit(ctx, "price_changed", map[string]any{
		"listing_id":    in.ListingID,
		"seller":        seller.Address(),
		"unitary_price": in.UnitaryPrice,
		"tx_id":         res.Last().TxID,
	})
	s.publish(ctx, domain.ChannelListings, domain.Event{
		Type:      domain.EventPriceChanged,
		ListingID: in.ListingID,
		View:      &view,
	})
	return view, nil
}

// DeleteListing deletes a sold-out listing and archives its records.
func (s *MarketplaceService) DeleteListing(ctx context.Context, sellerAddr string, listingID uint64) (DeleteResult, error) {
	if listingID == domain.NoListing {
		return DeleteResult{}, fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrNoListing)
	}
	seller, err := s.signer(sellerAddr)
	if err != nil {
		return DeleteResult{}, err
	}
	unlock, err := s.lock(ctx, listingKey(listingID))
	if err != nil {
		return DeleteResult{}, err
	}
	defer unlock()

	res, err := s.listings.DeleteListing(ctx, seller, listingID)
	if err != nil {
		return DeleteResult{}, err
	}
	out := DeleteResult{ListingID: listingID, TxIDs: res.TxIDs, Round: res.Round}

	s.sync.Invalidate(ctx, listingID)
	view := s.sync.Refresh(ctx, listingID)
	s.updateStatus(ctx, listingID, domain.ListingStatusDeleted)
	out.ArchivePath = s.archive(ctx, listingID)

	s.audit(ctx, "listing_deleted", map[string]any{
		"listing_id": listingID,
		"seller":     seller.Address(),
		"round":      res.Round,
		"archive":    out.ArchivePath,
	})
	s.publish(ctx, domain.ChannelListings, domain.Event{
		Type:      domain.EventListingDeleted,
		ListingID: listingID,
		View:      &view,
	})
	s.notify(ctx, string(domain.EventListingDeleted), "Listing deleted",
		fmt.Sprintf("Listing %d was deleted by %s", listingID, seller.Address()))
	return out, nil
}

// Refresh re-reads a listing from the ledger.
func (s *MarketplaceService) Refresh(ctx context.Context, listingID uint64) domain.ListingView {
	return s.sync.Refresh(ctx, listingID)
}

// View serves the cached view of a listing, refreshing on a miss.
func (s *MarketplaceService) View(ctx context.Context, listingID uint64) domain.ListingView {
	return s.sync.Cached(ctx, listingID)
}

// ListListings returns recorded listings, optionally filtered by seller.
func (s *MarketplaceService) ListListings(ctx context.Context, seller string, opts domain.ListOpts) ([]domain.Listing, error) {
	if s.backends.Listings == nil {
		return nil, nil
	}
	var (
		out []domain.Listing
		err error
	)
	if seller != "" {
		out, err = s.backends.Listings.ListBySeller(ctx, ledger.NormalizeAddress(seller), opts)
	} else {
		out, err = s.backends.Listings.List(ctx, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("service: list listings: %w", err)
	}
	return out, nil
}

// ListPurchases returns the recorded purchases of a listing.
func (s *MarketplaceService) ListPurchases(ctx context.Context, listingID uint64, opts domain.ListOpts) ([]domain.Purchase, error) {
	if s.backends.Purchases == nil {
		return nil, nil
	}
	out, err := s.backends.Purchases.ListByListing(ctx, listingID, opts)
	if err != nil {
		return nil, fmt.Errorf("service: list purchases: %w", err)
	}
	return out, nil
}

// Accounts lists the addresses this process can sign for.
func (s *MarketplaceService) Accounts() []string {
	if k, ok := s.signers.(interface{ Addresses() []string }); ok {
		return k.Addresses()
	}
	return nil
}

func (s *MarketplaceService) signer(addr string) (ledger.Signer, error) {
	if s.signers == nil {
		return nil, fmt.Errorf("%w: no signing accounts", domain.ErrUnauthorized)
	}
	signer, err := s.signers.Signer(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	return signer, nil
}

func listingKey(id uint64) string {
	return fmt.Sprintf("listing:%d", id)
}

func buyerKey(id uint64, buyer string) string {
	return fmt.Sprintf("listing:%d:buyer:%s", id, buyer)
}

func (s *MarketplaceService) lock(ctx context.Context, key string) (func(), error) {
	if s.backends.Locks == nil {
		return func() {}, nil
	}
	unlock, err := s.backends.Locks.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("service: lock %s: %w", key, err)
	}
	return unlock, nil
}

func (s *MarketplaceService) persistListing(ctx context.Context, l domain.Listing) {
	if s.backends.Listings == nil {
		return
	}
	if err := s.backends.Listings.Upsert(ctx, l); err != nil {
		s.logger.WarnContext(ctx, "marketplace_service: persist listing failed",
			slog.Uint64("listing_id", l.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketplaceService) updateStatus(ctx context.Context, id uint64, status domain.ListingStatus) {
	if s.backends.Listings == nil {
		return
	}
	if err := s.backends.Listings.UpdateStatus(ctx, id, status); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "marketplace_service: update status failed",
			slog.Uint64("listing_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketplaceService) archive(ctx context.Context, listingID uint64) string {
	if s.backends.Archiver == nil || s.backends.Listings == nil {
		return ""
	}
	rec, err := s.backends.Listings.GetByID(ctx, listingID)
	if err != nil {
		s.logger.WarnContext(ctx, "marketplace_service: archive skipped",
			slog.Uint64("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	var purchases []domain.Purchase
	if s.backends.Purchases != nil {
		purchases, err = s.backends.Purchases.ListByListing(ctx, listingID, domain.ListOpts{})
		if err != nil {
			s.logger.WarnContext(ctx, "marketplace_service: archive purchases unavailable",
				slog.Uint64("listing_id", listingID),
				slog.String("error", err.Error()),
			)
		}
	}
	path, err := s.backends.Archiver.ArchiveListing(ctx, rec, purchases)
	if err != nil {
		s.logger.WarnContext(ctx, "marketplace_service: archive failed",
			slog.Uint64("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return path
}
