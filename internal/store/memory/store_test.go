package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

func TestListingStore(t *testing.T) {
	ctx := context.Background()
	s := NewListingStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, seller := range []string{"0xA", "0xB", "0xA"} {
		require.NoError(t, s.Upsert(ctx, domain.Listing{
			ID:        uint64(1001 + i),
			Seller:    seller,
			Status:    domain.ListingStatusActive,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(1003), all[0].ID)

	mine, err := s.ListBySeller(ctx, "0xA", domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, uint64(1003), mine[0].ID)

	require.NoError(t, s.UpdateStatus(ctx, 1001, domain.ListingStatusSoldOut))
	require.NoError(t, s.UpdatePrice(ctx, 1001, 42))
	got, err := s.GetByID(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, domain.ListingStatusSoldOut, got.Status)
	require.Equal(t, uint64(42), got.UnitaryPrice)
	require.Equal(t, base, got.CreatedAt)

	// A re-upsert keeps the original creation time.
	got.CreatedAt = time.Time{}
	require.NoError(t, s.Upsert(ctx, got))
	again, err := s.GetByID(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, base, again.CreatedAt)

	_, err = s.GetByID(ctx, 9)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.UpdateStatus(ctx, 9, domain.ListingStatusDeleted), domain.ErrNotFound)
}

func TestPurchaseStore(t *testing.T) {
	ctx := context.Background()
	s := NewPurchaseStore()

	require.NoError(t, s.Insert(ctx, domain.Purchase{ID: "a", ListingID: 1, Buyer: "0xA", Quantity: 1}))
	require.NoError(t, s.Insert(ctx, domain.Purchase{ID: "b", ListingID: 1, Buyer: "0xB", Quantity: 2}))
	require.NoError(t, s.Insert(ctx, domain.Purchase{ID: "c", ListingID: 2, Buyer: "0xA", Quantity: 3}))
	require.NoError(t, s.Insert(ctx, domain.Purchase{ID: "a", ListingID: 1, Buyer: "0xA", Quantity: 99}))

	byListing, err := s.ListByListing(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, byListing, 2)
	require.Equal(t, "b", byListing[0].ID)

	byBuyer, err := s.ListByBuyer(ctx, "0xA", domain.ListOpts{Offset: 1})
	require.NoError(t, err)
	require.Len(t, byBuyer, 1)
	require.Equal(t, "a", byBuyer[0].ID)
	require.Equal(t, uint64(1), byBuyer[0].Quantity)

	none, err := s.ListByBuyer(ctx, "0xA", domain.ListOpts{Offset: 5})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	require.NoError(t, s.Log(ctx, "listing_created", map[string]any{"listing_id": 1}))
	require.NoError(t, s.Log(ctx, "purchase", nil))

	entries, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "purchase", entries[0].Event)
	require.Equal(t, int64(1), entries[1].ID)

	future := time.Now().Add(time.Hour)
	entries, err = s.List(ctx, domain.ListOpts{Since: &future})
	require.NoError(t, err)
	require.Empty(t, entries)
}
