package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/cache/memory"
	"github.com/alanyoungcy/digitalmarket/internal/crypto"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger/ledgertest"
	"github.com/alanyoungcy/digitalmarket/internal/ledger/simledger"
	"github.com/alanyoungcy/digitalmarket/internal/listing"
	"github.com/alanyoungcy/digitalmarket/internal/purchase"
	"github.com/alanyoungcy/digitalmarket/internal/statesync"
	memstore "github.com/alanyoungcy/digitalmarket/internal/store/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type recordingArchiver struct {
	listing   domain.Listing
	purchases []domain.Purchase
	err       error
}

func (a *recordingArchiver) ArchiveListing(_ context.Context, l domain.Listing, ps []domain.Purchase) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.listing, a.purchases = l, ps
	return "listings/archive.jsonl", nil
}

type harness struct {
	ledger    *simledger.Ledger
	client    *ledgertest.Client
	seller    *crypto.Signer
	buyer     *crypto.Signer
	keys      *crypto.Keyring
	svc       *MarketplaceService
	listings  *memstore.ListingStore
	purchases *memstore.PurchaseStore
	audit     *memstore.AuditStore
	locks     *memory.LockManager
	notifier  *recordingNotifier
	archiver  *recordingArchiver
	events    <-chan []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := simledger.New(simledger.DefaultConfig(), nil)
	seller, err := l.NewAccount(20_000_000)
	require.NoError(t, err)
	buyer, err := l.NewAccount(20_000_000)
	require.NoError(t, err)

	h := &harness{
		ledger:    l,
		client:    ledgertest.Wrap(l),
		seller:    seller,
		buyer:     buyer,
		keys:      crypto.NewKeyring(seller, buyer),
		listings:  memstore.NewListingStore(),
		purchases: memstore.NewPurchaseStore(),
		audit:     memstore.NewAuditStore(),
		locks:     memory.NewLockManager(),
		notifier:  &recordingNotifier{},
		archiver:  &recordingArchiver{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := memory.NewSignalBus()
	h.events, err = bus.Subscribe(ctx, "dmarket:*")
	require.NoError(t, err)

	sync := statesync.New(h.client, memory.NewListingViewCache(time.Minute), nil)
	h.svc = NewMarketplaceService(
		listing.NewManager(h.client, listing.DefaultParams(), nil),
		purchase.NewOrchestrator(h.client, sync, nil),
		sync,
		h.keys,
		Backends{
			Listings:  h.listings,
			Purchases: h.purchases,
			Audit:     h.audit,
			Locks:     h.locks,
			Bus:       bus,
			Notifier:  h.notifier,
			Archiver:  h.archiver,
		},
		DefaultConfig(),
		nil,
	)
	return h
}

func (h *harness) nextEvent(t *testing.T) domain.Event {
	t.Helper()
	select {
	case raw := <-h.events:
		var evt domain.Event
		require.NoError(t, json.Unmarshal(raw, &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return domain.Event{}
	}
}

func (h *harness) auditEvents(t *testing.T) []string {
	t.Helper()
	entries, err := h.audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	var out []string
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Event)
	}
	return out
}

func (h *harness) create(t *testing.T, quantity, price uint64) CreateResult {
	t.Helper()
	res, err := h.svc.CreateListing(context.Background(), CreateInput{
		Seller:       h.seller.Address(),
		UnitaryPrice: price,
		Quantity:     quantity,
	})
	require.NoError(t, err)
	return res
}

func TestMarketplaceService_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.create(t, 10, 500_000)
	id := res.Progress.ListingID
	require.True(t, res.Progress.Done())
	require.Equal(t, uint64(10), res.View.UnitsLeft)
	require.Equal(t, h.seller.Address(), res.View.Seller)

	rec, err := h.listings.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ListingStatusActive, rec.Status)
	require.Equal(t, domain.StepDone, rec.LastStep)
	require.Equal(t, uint64(500_000), rec.UnitaryPrice)

	evt := h.nextEvent(t)
	require.Equal(t, domain.EventListingCreated, evt.Type)
	require.Equal(t, id, evt.ListingID)

	// Buy part of the inventory, then the rest.
	rcpt, err := h.svc.Buy(ctx, BuyInput{Buyer: h.buyer.Address(), ListingID: id, Quantity: 3, UnitaryPrice: 500_000})
	require.NoError(t, err)
	require.Equal(t, uint64(7), rcpt.UnitsLeft)
	require.Equal(t, domain.EventPurchase, h.nextEvent(t).Type)

	rcpt, err = h.svc.Buy(ctx, BuyInput{Buyer: h.buyer.Address(), ListingID: id, Quantity: 7, UnitaryPrice: 500_000})
	require.NoError(t, err)
	require.Zero(t, rcpt.UnitsLeft)
	evt = h.nextEvent(t)
	require.Equal(t, domain.EventPurchase, evt.Type)
	require.NotNil(t, evt.Purchase)
	require.Equal(t, uint64(3_500_000), evt.Purchase.Amount)

	rec, err = h.listings.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ListingStatusSoldOut, rec.Status)

	bought, err := h.svc.ListPurchases(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, bought, 2)
	require.Equal(t, uint64(7), bought[0].Quantity)

	// Only the seller may delete.
	_, err = h.svc.DeleteListing(ctx, h.buyer.Address(), id)
	require.ErrorIs(t, err, domain.ErrContractCall)

	del, err := h.svc.DeleteListing(ctx, h.seller.Address(), id)
	require.NoError(t, err)
	require.Equal(t, "listings/archive.jsonl", del.ArchivePath)
	require.Equal(t, id, h.archiver.listing.ID)
	require.Len(t, h.archiver.purchases, 2)
	require.Equal(t, domain.EventListingDeleted, h.nextEvent(t).Type)

	rec, err = h.listings.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ListingStatusDeleted, rec.Status)
	require.Equal(t, domain.ListingView{}, h.svc.Refresh(ctx, id))

	require.Equal(t, []string{"listing_created", "purchase", "purchase", "listing_deleted"}, h.auditEvents(t))
	require.Equal(t, []string{"listing_created", "purchase", "purchase", "sold_out", "listing_deleted"}, h.notifier.Events())
}

func TestMarketplaceService_CreateListing_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateListing(context.Background(), CreateInput{UnitaryPrice: 1})
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)
	require.Zero(t, h.client.Total())
}

func TestMarketplaceService_UnknownAccount(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateListing(context.Background(), CreateInput{
		Seller:   "0x0000000000000000000000000000000000000001",
		Quantity: 1,
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketplaceService_CreateListing_DefaultAccount(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.CreateListing(context.Background(), CreateInput{UnitaryPrice: 1, Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, h.seller.Address(), res.View.Seller)
}

func TestMarketplaceService_Idempotency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, 5, 1).Progress.ListingID

	in := BuyInput{Buyer: h.buyer.Address(), ListingID: id, Quantity: 1, UnitaryPrice: 1, IdempotencyKey: "k1"}
	_, err := h.svc.Buy(ctx, in)
	require.NoError(t, err)
	_, err = h.svc.Buy(ctx, in)
	require.ErrorIs(t, err, domain.ErrDuplicate)

	// A failed attempt frees its key.
	stale := BuyInput{Buyer: h.buyer.Address(), ListingID: id, Quantity: 1, UnitaryPrice: 2, IdempotencyKey: "k2"}
	_, err = h.svc.Buy(ctx, stale)
	require.ErrorIs(t, err, domain.ErrContractCall)
	stale.UnitaryPrice = 1
	_, err = h.svc.Buy(ctx, stale)
	require.NoError(t, err)

	bought, err := h.svc.ListPurchases(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, bought, 2)
}

func TestMarketplaceService_LockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, 5, 1).Progress.ListingID

	unlock, err := h.locks.Acquire(ctx, listingKey(id), time.Minute)
	require.NoError(t, err)

	sends := h.client.Calls(ledgertest.SendGroup)
	_, err = h.svc.DeleteListing(ctx, h.seller.Address(), id)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	_, err = h.svc.SetPrice(ctx, PriceInput{Seller: h.seller.Address(), ListingID: id, UnitaryPrice: 2})
	require.ErrorIs(t, err, domain.ErrLockHeld)
	require.Equal(t, sends, h.client.Calls(ledgertest.SendGroup))

	// Buyers do not wait on seller mutations.
	_, err = h.svc.Buy(ctx, BuyInput{Buyer: h.buyer.Address(), ListingID: id, Quantity: 1, UnitaryPrice: 1})
	require.NoError(t, err)
	unlock()
}

func TestMarketplaceService_BuyLockIsPerBuyer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, 5, 1).Progress.ListingID

	other, err := h.ledger.NewAccount(20_000_000)
	require.NoError(t, err)
	h.keys.Add(other)

	unlock, err := h.locks.Acquire(ctx, buyerKey(id, h.buyer.Address()), time.Minute)
	require.NoError(t, err)

	_, err = h.svc.Buy(ctx, BuyInput{Buyer: h.buyer.Address(), ListingID: id, Quantity: 1, UnitaryPrice: 1})
	require.ErrorIs(t, err, domain.ErrLockHeld)

	rcpt, err := h.svc.Buy(ctx, BuyInput{Buyer: other.Address(), ListingID: id, Quantity: 2, UnitaryPrice: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(3), rcpt.UnitsLeft)

	unlock()
	rcpt, err = h.svc.Buy(ctx, BuyInput{Buyer: h.buyer.Address(), ListingID: id, Quantity: 1, UnitaryPrice: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rcpt.UnitsLeft)
}

func TestMarketplaceService_ResumeListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Enough for mint and create, not for funding the listing.
	poor, err := h.ledger.NewAccount(203_000)
	require.NoError(t, err)
	h.keys.Add(poor)

	res, err := h.svc.CreateListing(ctx, CreateInput{Seller: poor.Address(), UnitaryPrice: 1, Quantity: 4})
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.StepFundListing, se.Step)
	id := res.Progress.ListingID
	require.NotZero(t, id)
	require.Zero(t, res.View.UnitsLeft)

	rec, err := h.listings.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ListingStatusCreating, rec.Status)
	require.Equal(t, domain.StepCreateApplication, rec.LastStep)
	require.Equal(t, domain.EventListingStep, h.nextEvent(t).Type)

	h.ledger.Fund(poor.Address(), 10_000_000)
	res, err = h.svc.ResumeListing(ctx, id)
	require.NoError(t, err)
	require.True(t, res.Progress.Done())
	require.Equal(t, id, res.Progress.ListingID)
	require.Equal(t, uint64(4), res.View.UnitsLeft)
	require.Equal(t, domain.EventListingCreated, h.nextEvent(t).Type)

	rec, err = h.listings.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ListingStatusActive, rec.Status)
	require.Equal(t, domain.StepDone, rec.LastStep)

	// A stocked listing resumes to itself without touching the ledger.
	sends := h.client.Calls(ledgertest.SendGroup)
	again, err := h.svc.ResumeListing(ctx, id)
	require.NoError(t, err)
	require.True(t, again.Progress.Done())
	require.Equal(t, sends, h.client.Calls(ledgertest.SendGroup))

	require.Equal(t, []string{"listing_create_failed", "listing_created"}, h.auditEvents(t))

	_, err = h.svc.ResumeListing(ctx, 424242)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.ResumeListing(ctx, domain.NoListing)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestMarketplaceService_CreateListing_MintFails(t *testing.T) {
	h := newHarness(t)
	h.client.Fail(ledgertest.SendGroup, nil)

	res, err := h.svc.CreateListing(context.Background(), CreateInput{UnitaryPrice: 1, Quantity: 4, IdempotencyKey: "create"})
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.StepMintAsset, se.Step)
	require.Zero(t, res.Progress.ListingID)
	require.Equal(t, []string{"listing_create_failed"}, h.auditEvents(t))

	all, err := h.svc.ListListings(context.Background(), "", domain.ListOpts{})
	require.NoError(t, err)
	require.Empty(t, all)

	// The key is free again after a failure.
	h.client.Heal()
	_, err = h.svc.CreateListing(context.Background(), CreateInput{UnitaryPrice: 1, Quantity: 4, IdempotencyKey: "create"})
	require.NoError(t, err)
}

func TestMarketplaceService_SetPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, 5, 1).Progress.ListingID
	h.nextEvent(t)

	view, err := h.svc.SetPrice(ctx, PriceInput{Seller: h.seller.Address(), ListingID: id, UnitaryPrice: 9})
	require.NoError(t, err)
	require.Equal(t, uint64(9), view.UnitaryPrice)
	require.Equal(t, domain.EventPriceChanged, h.nextEvent(t).Type)

	rec, err := h.listings.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(9), rec.UnitaryPrice)

	_, err = h.svc.SetPrice(ctx, PriceInput{Seller: h.buyer.Address(), ListingID: id, UnitaryPrice: 1})
	require.ErrorIs(t, err, domain.ErrContractCall)
}

func TestMarketplaceService_ArchiveFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, 1, 0).Progress.ListingID
	_, err := h.svc.Buy(ctx, BuyInput{Buyer: h.buyer.Address(), ListingID: id, Quantity: 1})
	require.NoError(t, err)

	h.archiver.err = errors.New("bucket unavailable")
	del, err := h.svc.DeleteListing(ctx, h.seller.Address(), id)
	require.NoError(t, err)
	require.Empty(t, del.ArchivePath)
}

func TestMarketplaceService_ListListings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, 1, 1)
	h.create(t, 2, 1)

	all, err := h.svc.ListListings(ctx, "", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	mine, err := h.svc.ListListings(ctx, h.seller.Address(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	theirs, err := h.svc.ListListings(ctx, h.buyer.Address(), domain.ListOpts{})
	require.NoError(t, err)
	require.Empty(t, theirs)

	require.ElementsMatch(t, []string{h.seller.Address(), h.buyer.Address()}, h.svc.Accounts())
}
