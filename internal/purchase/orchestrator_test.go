package purchase

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/crypto"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger/ledgertest"
	"github.com/alanyoungcy/digitalmarket/internal/ledger/simledger"
	"github.com/alanyoungcy/digitalmarket/internal/listing"
	"github.com/alanyoungcy/digitalmarket/internal/statesync"
)

func TestTotalPayment(t *testing.T) {
	tests := []struct {
		name     string
		quantity uint64
		price    uint64
		want     uint64
		overflow bool
	}{
		{name: "example", quantity: 3, price: 500_000, want: 1_500_000},
		{name: "free", quantity: 7, price: 0, want: 0},
		{name: "2^53", quantity: 1 << 53, price: 1, want: 1 << 53},
		{name: "large but exact", quantity: 1 << 32, price: 1<<32 - 1, want: (1 << 32) * (1<<32 - 1)},
		{name: "max", quantity: 1, price: math.MaxUint64, want: math.MaxUint64},
		{name: "overflow", quantity: 2, price: math.MaxUint64, overflow: true},
		{name: "overflow square", quantity: 1 << 32, price: 1 << 32, overflow: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TotalPayment(tc.quantity, tc.price)
			if tc.overflow {
				require.ErrorIs(t, err, domain.ErrAmountOverflow)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

type market struct {
	ledger *simledger.Ledger
	sync   *statesync.Synchronizer
	seller *crypto.Signer
	buyer  *crypto.Signer
	prog   listing.Progress
}

func newMarket(t *testing.T, quantity, price uint64) *market {
	t.Helper()
	l := simledger.New(simledger.DefaultConfig(), nil)
	seller, err := l.NewAccount(10_000_000)
	require.NoError(t, err)
	buyer, err := l.NewAccount(10_000_000)
	require.NoError(t, err)

	prog, err := listing.NewManager(l, listing.DefaultParams(), nil).CreateListing(context.Background(),
		listing.CreateRequest{Seller: seller, UnitaryPrice: price, Quantity: quantity})
	require.NoError(t, err)

	return &market{
		ledger: l,
		sync:   statesync.New(l, nil, nil),
		seller: seller,
		buyer:  buyer,
		prog:   prog,
	}
}

func (m *market) request(quantity, price uint64) Request {
	return Request{
		Buyer:          m.buyer,
		ListingID:      m.prog.ListingID,
		ListingAddress: m.prog.ListingAddress,
		Quantity:       quantity,
		UnitaryPrice:   price,
	}
}

func TestOrchestrator_Purchase(t *testing.T) {
	m := newMarket(t, 10, 500_000)
	ctx := context.Background()
	o := NewOrchestrator(m.ledger, m.sync, nil)

	require.Equal(t, uint64(10), m.sync.Refresh(ctx, m.prog.ListingID).UnitsLeft)
	before, err := m.ledger.AccountBalance(ctx, m.buyer.Address())
	require.NoError(t, err)

	rcpt, err := o.Purchase(ctx, m.request(3, 500_000))
	require.NoError(t, err)
	require.Equal(t, uint64(1_500_000), rcpt.Amount)
	require.Equal(t, uint64(7), rcpt.UnitsLeft)
	require.Equal(t, uint64(7), rcpt.View.UnitsLeft)
	require.Equal(t, m.seller.Address(), rcpt.View.Seller)
	require.NotEmpty(t, rcpt.OptInTxID)
	require.NotEmpty(t, rcpt.PaymentTxID)
	require.NotEmpty(t, rcpt.CallTxID)

	// Payment, its fee buffer, the opt-in fee and the call fee.
	after, err := m.ledger.AccountBalance(ctx, m.buyer.Address())
	require.NoError(t, err)
	require.Equal(t, before-1_500_000-2_000-1_000-1_000, after)

	held, err := m.ledger.AccountAssetBalance(ctx, m.buyer.Address(), m.prog.AssetID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), held)

	// Second purchase: already opted in.
	rcpt, err = o.Purchase(ctx, m.request(7, 500_000))
	require.NoError(t, err)
	require.Empty(t, rcpt.OptInTxID)
	require.Zero(t, rcpt.UnitsLeft)
	require.True(t, rcpt.View.SoldOut())
}

func TestOrchestrator_Purchase_MoreThanInventory(t *testing.T) {
	m := newMarket(t, 10, 500_000)
	ctx := context.Background()
	o := NewOrchestrator(m.ledger, m.sync, nil)

	_, err := o.Purchase(ctx, m.request(8, 500_000))
	require.NoError(t, err)

	_, err = o.Purchase(ctx, m.request(3, 500_000))
	require.ErrorIs(t, err, domain.ErrContractCall)
	require.Equal(t, uint64(2), m.sync.Refresh(ctx, m.prog.ListingID).UnitsLeft)
}

func TestOrchestrator_Purchase_StalePrice(t *testing.T) {
	m := newMarket(t, 10, 500_000)
	ctx := context.Background()
	o := NewOrchestrator(m.ledger, m.sync, nil)

	_, err := listing.NewManager(m.ledger, listing.DefaultParams(), nil).SetPrice(ctx, m.seller, m.prog.ListingID, 600_000)
	require.NoError(t, err)
	before, err := m.ledger.AccountBalance(ctx, m.buyer.Address())
	require.NoError(t, err)

	_, err = o.Purchase(ctx, m.request(3, 500_000))
	var cce *domain.ContractCallError
	require.ErrorAs(t, err, &cce)

	// The grouped payment did not confirm either, nor did the opt-in.
	after, err := m.ledger.AccountBalance(ctx, m.buyer.Address())
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, uint64(10), m.sync.Refresh(ctx, m.prog.ListingID).UnitsLeft)
}

func TestOrchestrator_Purchase_LocalFailuresSkipLedger(t *testing.T) {
	lc := ledgertest.Wrap(nil)
	o := NewOrchestrator(lc, nil, nil)
	buyer, _, err := crypto.GenerateSigner()
	require.NoError(t, err)

	_, err = o.Purchase(context.Background(), Request{Buyer: buyer, ListingID: 5, Quantity: 0, UnitaryPrice: 1})
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = o.Purchase(context.Background(), Request{Buyer: buyer, ListingID: 5, Quantity: 2, UnitaryPrice: math.MaxUint64})
	require.ErrorIs(t, err, domain.ErrAmountOverflow)

	_, err = o.Purchase(context.Background(), Request{Buyer: buyer, ListingID: domain.NoListing, Quantity: 1})
	require.ErrorIs(t, err, domain.ErrNoListing)

	_, err = o.Purchase(context.Background(), Request{ListingID: 5, Quantity: 1})
	require.ErrorIs(t, err, domain.ErrValidation)

	require.Zero(t, lc.Total())
}

func TestOrchestrator_Purchase_WithoutAutoOptIn(t *testing.T) {
	m := newMarket(t, 10, 1)
	o := NewOrchestrator(m.ledger, m.sync, nil, WithAutoOptIn(false))

	_, err := o.Purchase(context.Background(), m.request(1, 1))
	require.ErrorIs(t, err, domain.ErrContractCall)
	require.Contains(t, err.Error(), "not opted in")
}

func TestOrchestrator_Purchase_DeletedListing(t *testing.T) {
	m := newMarket(t, 1, 1)
	ctx := context.Background()
	o := NewOrchestrator(m.ledger, m.sync, nil)

	_, err := o.Purchase(ctx, m.request(1, 1))
	require.NoError(t, err)
	_, err = listing.NewManager(m.ledger, listing.DefaultParams(), nil).DeleteListing(ctx, m.seller, m.prog.ListingID)
	require.NoError(t, err)

	_, err = o.Purchase(ctx, m.request(1, 1))
	require.ErrorIs(t, err, domain.ErrContractCall)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
