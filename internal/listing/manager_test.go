package listing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/contract"
	"github.com/alanyoungcy/digitalmarket/internal/crypto"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
	"github.com/alanyoungcy/digitalmarket/internal/ledger/ledgertest"
	"github.com/alanyoungcy/digitalmarket/internal/ledger/simledger"
	"github.com/alanyoungcy/digitalmarket/internal/statesync"
)

func setup(t *testing.T, sellerFunds uint64) (*simledger.Ledger, *crypto.Signer, *Manager) {
	t.Helper()
	l := simledger.New(simledger.DefaultConfig(), nil)
	seller, err := l.NewAccount(sellerFunds)
	require.NoError(t, err)
	return l, seller, NewManager(l, DefaultParams(), nil)
}

func units(t *testing.T, l *simledger.Ledger, prog Progress) uint64 {
	t.Helper()
	u, err := l.AccountAssetBalance(context.Background(), prog.ListingAddress, prog.AssetID)
	require.NoError(t, err)
	return u
}

func TestParams_FundingAmount(t *testing.T) {
	require.Equal(t, uint64(201_000), DefaultParams().FundingAmount())
}

func TestManager_CreateListing(t *testing.T) {
	l, seller, m := setup(t, 10_000_000)
	ctx := context.Background()

	prog, err := m.CreateListing(ctx, CreateRequest{Seller: seller, UnitaryPrice: 500_000, Quantity: 10})
	require.NoError(t, err)
	require.True(t, prog.Done())
	require.True(t, prog.MintedAsset)
	require.NotZero(t, prog.AssetID)
	require.NotZero(t, prog.ListingID)
	require.Equal(t, ledger.ApplicationAddress(prog.ListingID), prog.ListingAddress)
	require.Equal(t, uint64(10), units(t, l, prog))

	as, err := l.Asset(ctx, prog.AssetID)
	require.NoError(t, err)
	require.Equal(t, uint64(10), as.Total)

	st, err := contract.New(l, prog.ListingID, nil).GetGlobalState(ctx)
	require.NoError(t, err)
	require.Equal(t, prog.AssetID, st.AssetID)
	require.Equal(t, uint64(500_000), st.UnitaryPrice)
}

func TestManager_CreateListing_ExistingAsset(t *testing.T) {
	l, seller, m := setup(t, 10_000_000)
	ctx := context.Background()

	p, err := l.SuggestedParams(ctx)
	require.NoError(t, err)
	conf, err := ledger.Send(ctx, l, ledger.AssetCreateTxn(p, seller.Address(), 100, "Good", "G"), seller)
	require.NoError(t, err)

	prog, err := m.CreateListing(ctx, CreateRequest{
		Seller:          seller,
		UnitaryPrice:    1,
		Quantity:        40,
		ExistingAssetID: conf.AssetIndex,
	})
	require.NoError(t, err)
	require.False(t, prog.MintedAsset)
	require.Equal(t, conf.AssetIndex, prog.AssetID)
	require.Equal(t, uint64(40), units(t, l, prog))

	left, err := l.AccountAssetBalance(ctx, seller.Address(), conf.AssetIndex)
	require.NoError(t, err)
	require.Equal(t, uint64(60), left)
}

func TestManager_CreateListing_Validation(t *testing.T) {
	_, seller, m := setup(t, 10_000_000)

	_, err := m.CreateListing(context.Background(), CreateRequest{Seller: seller, UnitaryPrice: 1})
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.CreateListing(context.Background(), CreateRequest{Quantity: 1})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestManager_CreateListing_MintFails(t *testing.T) {
	l, seller, _ := setup(t, 10_000_000)
	lc := ledgertest.Wrap(l)
	lc.Fail(ledgertest.SendGroup, nil)
	m := NewManager(lc, DefaultParams(), nil)

	prog, err := m.CreateListing(context.Background(), CreateRequest{Seller: seller, UnitaryPrice: 1, Quantity: 5})
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.StepMintAsset, se.Step)
	require.ErrorIs(t, err, ledgertest.ErrInjected)
	require.Equal(t, domain.StepNone, prog.Completed)
	require.Equal(t, 1, lc.Calls(ledgertest.SendGroup))
}

func TestManager_CreateListing_CreateApplicationFails(t *testing.T) {
	_, seller, m := setup(t, 10_000_000)

	// An asset that does not exist is rejected by the application.
	prog, err := m.CreateListing(context.Background(), CreateRequest{
		Seller:          seller,
		UnitaryPrice:    1,
		Quantity:        5,
		ExistingAssetID: 987654,
	})
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.StepCreateApplication, se.Step)
	require.ErrorIs(t, err, domain.ErrContractCall)
	require.Equal(t, domain.StepMintAsset, prog.Completed)
	require.Zero(t, prog.ListingID)
}

func TestManager_Resume_AfterFundingFails(t *testing.T) {
	// Enough for mint and create, not for the funding payment.
	l, seller, m := setup(t, 203_000)
	ctx := context.Background()
	req := CreateRequest{Seller: seller, UnitaryPrice: 500_000, Quantity: 10}

	prog, err := m.CreateListing(ctx, req)
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.StepFundListing, se.Step)
	require.Equal(t, prog.ListingID, se.ListingID)
	require.Equal(t, domain.StepCreateApplication, prog.Completed)
	require.ErrorIs(t, err, domain.ErrContractCall)

	// Nothing reached the custodial account.
	bal, err := l.AccountBalance(ctx, prog.ListingAddress)
	require.NoError(t, err)
	require.Zero(t, bal)

	l.Fund(seller.Address(), 10_000_000)
	assetID, listingID := prog.AssetID, prog.ListingID

	prog, err = m.Resume(ctx, req, prog)
	require.NoError(t, err)
	require.True(t, prog.Done())
	require.Equal(t, assetID, prog.AssetID)
	require.Equal(t, listingID, prog.ListingID)
	require.Equal(t, uint64(10), units(t, l, prog))
}

func TestManager_CreateListing_FundingBelowMinBalance(t *testing.T) {
	// The funding payment itself fits, but leaves the seller under the
	// minimum balance for the asset it holds.
	_, seller, m := setup(t, 205_000)

	prog, err := m.CreateListing(context.Background(), CreateRequest{Seller: seller, UnitaryPrice: 500_000, Quantity: 10})
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.StepFundListing, se.Step)
	require.Equal(t, domain.StepCreateApplication, prog.Completed)

	var rej *ledger.RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, 0, rej.Index)
	require.Contains(t, rej.Reason, "below min")
}

func TestManager_CreateListing_DepositFails(t *testing.T) {
	l, seller, m := setup(t, 10_000_000)
	ctx := context.Background()

	p, err := l.SuggestedParams(ctx)
	require.NoError(t, err)
	conf, err := ledger.Send(ctx, l, ledger.AssetCreateTxn(p, seller.Address(), 5, "Good", "G"), seller)
	require.NoError(t, err)

	// The seller holds fewer units than it lists.
	prog, err := m.CreateListing(ctx, CreateRequest{
		Seller:          seller,
		UnitaryPrice:    1,
		Quantity:        10,
		ExistingAssetID: conf.AssetIndex,
	})
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.StepDepositInventory, se.Step)
	require.ErrorIs(t, err, ledger.ErrRejected)
	require.Equal(t, domain.StepOptInAsset, prog.Completed)
	require.False(t, prog.Done())

	// Opted in and funded, but empty.
	require.Equal(t, uint64(0), units(t, l, prog))
}

func TestManager_Resume_SkipsCommittedSteps(t *testing.T) {
	l, seller, _ := setup(t, 10_000_000)
	ctx := context.Background()
	lc := ledgertest.Wrap(l)
	m := NewManager(lc, DefaultParams(), nil)
	req := CreateRequest{Seller: seller, UnitaryPrice: 2, Quantity: 3}

	prog, err := m.CreateListing(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 4, lc.Calls(ledgertest.SendGroup))

	// A finished run submits nothing more.
	prog, err = m.Resume(ctx, req, prog)
	require.NoError(t, err)
	require.True(t, prog.Done())
	require.Equal(t, 4, lc.Calls(ledgertest.SendGroup))

	lc.Fail(ledgertest.SendGroup, errors.New("node unavailable"))
	_, err = m.Resume(ctx, req, Progress{Completed: domain.StepCreateApplication, AssetID: prog.AssetID, ListingID: prog.ListingID, ListingAddress: prog.ListingAddress})
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.StepOptInAsset, se.Step)
}

func TestManager_SetPrice(t *testing.T) {
	l, seller, m := setup(t, 10_000_000)
	ctx := context.Background()

	prog, err := m.CreateListing(ctx, CreateRequest{Seller: seller, UnitaryPrice: 500_000, Quantity: 1})
	require.NoError(t, err)

	_, err = m.SetPrice(ctx, seller, prog.ListingID, 42)
	require.NoError(t, err)
	st, err := contract.New(l, prog.ListingID, nil).GetGlobalState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), st.UnitaryPrice)

	_, err = m.SetPrice(ctx, seller, domain.NoListing, 42)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestManager_DeleteListing(t *testing.T) {
	l, seller, m := setup(t, 10_000_000)
	ctx := context.Background()

	prog, err := m.CreateListing(ctx, CreateRequest{Seller: seller, UnitaryPrice: 500_000, Quantity: 2})
	require.NoError(t, err)

	// Still stocked.
	_, err = m.DeleteListing(ctx, seller, prog.ListingID)
	require.ErrorIs(t, err, domain.ErrContractCall)
	require.Equal(t, uint64(2), statesync.New(l, nil, nil).Refresh(ctx, prog.ListingID).UnitsLeft)

	// Drain the inventory back to the seller through a purchase.
	buyer, err := l.NewAccount(5_000_000)
	require.NoError(t, err)
	p, err := l.SuggestedParams(ctx)
	require.NoError(t, err)
	pay := ledger.PaymentTxn(p, buyer.Address(), prog.ListingAddress, 1_000_000).WithExtraFee(1000)
	_, err = contract.New(l, prog.ListingID, nil).Buy(ctx, buyer, ledger.TxnWithSigner{Txn: pay, Signer: buyer}, 2, prog.AssetID,
		contract.WithPrepend(ledger.TxnWithSigner{Txn: ledger.AssetOptInTxn(p, buyer.Address(), prog.AssetID), Signer: buyer}))
	require.NoError(t, err)

	// Only the seller may delete.
	_, err = m.DeleteListing(ctx, buyer, prog.ListingID)
	require.ErrorIs(t, err, domain.ErrContractCall)

	_, err = m.DeleteListing(ctx, seller, prog.ListingID)
	require.NoError(t, err)

	_, err = l.ApplicationGlobalState(ctx, prog.ListingID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	bal, err := l.AccountBalance(ctx, prog.ListingAddress)
	require.NoError(t, err)
	require.Zero(t, bal)

	_, err = m.DeleteListing(ctx, seller, domain.NoListing)
	require.ErrorIs(t, err, domain.ErrValidation)
}
