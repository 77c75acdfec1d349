// Package listing sequences the ledger operations that create, reprice and
// delete a marketplace listing.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/digitalmarket/internal/contract"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// Params are the ledger-specific funding and fee constants.
type Params struct {
	// AccountMBR and AssetMBR are the minimum-balance increments for an
	// account and for each asset it holds.
	AccountMBR uint64
	AssetMBR   uint64
	// FeeBuffer is added to the funding payment so the custodial account can
	// pay for the opt-in's inner transaction.
	FeeBuffer uint64
	// DeleteFeeMultiplier scales the minimum fee on the delete call, which
	// issues two inner transactions.
	DeleteFeeMultiplier uint64
	AssetName           string
	UnitName            string
}

// DefaultParams returns values matching a public network with a 0.1 unit
// minimum balance.
func DefaultParams() Params {
	return Params{
		AccountMBR:          100_000,
		AssetMBR:            100_000,
		FeeBuffer:           1_000,
		DeleteFeeMultiplier: 3,
		AssetName:           "Digital Good",
		UnitName:            "DGOOD",
	}
}

// FundingAmount is the payment that lets the custodial account exist and
// hold the listing asset.
func (p Params) FundingAmount() uint64 {
	return p.AccountMBR + p.AssetMBR + p.FeeBuffer
}

// CreateRequest describes a listing to create.
type CreateRequest struct {
	Seller       ledger.Signer
	UnitaryPrice uint64
	Quantity     uint64
	// ExistingAssetID reuses an asset the seller already holds.
	// domain.NoAsset mints a new one with total supply Quantity.
	ExistingAssetID uint64
}

// Validate checks local preconditions.
func (r CreateRequest) Validate() error {
	if r.Seller == nil {
		return fmt.Errorf("%w: seller is required", domain.ErrValidation)
	}
	if r.Quantity == 0 {
		return domain.ErrInvalidQuantity
	}
	return nil
}

// Progress records how far a create-listing run got. Everything up to and
// including Completed is committed on the ledger.
type Progress struct {
	Completed      domain.CreateStep `json:"completed"`
	AssetID        uint64            `json:"asset_id"`
	ListingID      uint64            `json:"listing_id"`
	ListingAddress string            `json:"listing_address,omitempty"`
	MintedAsset    bool              `json:"minted_asset"`
	TxIDs          []string          `json:"tx_ids,omitempty"`
}

// Done reports whether the listing is stocked.
func (p Progress) Done() bool {
	return p.Completed >= domain.StepDone
}

// Manager drives the listing lifecycle against one ledger.
type Manager struct {
	ledger   ledger.Client
	contract *contract.Client
	params   Params
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(lc ledger.Client, params Params, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger:   lc,
		contract: contract.New(lc, 0, logger),
		params:   params,
		logger:   logger.With(slog.String("component", "listing")),
	}
}

// Params returns the manager's funding constants.
func (m *Manager) Params() Params {
	return m.params
}

// CreateListing runs every creation step in order. On failure the returned
// Progress says what is committed and the error is a *domain.StepError
// naming the failed step; pass both back to Resume to continue.
func (m *Manager) CreateListing(ctx context.Context, req CreateRequest) (Progress, error) {
	return m.Resume(ctx, req, Progress{})
}

// Resume continues a create-listing run from the first step after
// prog.Completed. Nothing already committed is repeated.
func (m *Manager) Resume(ctx context.Context, req CreateRequest, prog Progress) (Progress, error) {
	if err := req.Validate(); err != nil {
		return prog, err
	}
	seller := req.Seller.Address()

	if prog.Completed < domain.StepMintAsset {
		if req.ExistingAssetID != domain.NoAsset {
			prog.AssetID = req.ExistingAssetID
		} else {
			assetID, txID, err := m.mintAsset(ctx, req.Seller, req.Quantity)
			if err != nil {
				return prog, m.stepErr(ctx, domain.StepMintAsset, prog, err)
			}
			prog.AssetID = assetID
			prog.MintedAsset = true
			prog.TxIDs = append(prog.TxIDs, txID)
		}
		prog.Completed = domain.StepMintAsset
		m.stepDone(ctx, prog, seller)
	}

	if prog.Completed < domain.StepCreateApplication {
		appID, err := m.contract.CreateApplication(ctx, req.Seller, prog.AssetID, req.UnitaryPrice)
		if err != nil {
			return prog, m.stepErr(ctx, domain.StepCreateApplication, prog, err)
		}
		prog.ListingID = appID
		prog.ListingAddress = ledger.ApplicationAddress(appID)
		prog.Completed = domain.StepCreateApplication
		m.stepDone(ctx, prog, seller)
	}

	if prog.Completed < domain.StepOptInAsset {
		// Funding and opt-in commit together: the payment is only ever sent
		// as part of the opt-in group.
		res, err := m.fundAndOptIn(ctx, req.Seller, prog)
		if err != nil {
			step := domain.StepOptInAsset
			var rej *ledger.RejectedError
			if errors.As(err, &rej) && rej.Index == 0 {
				step = domain.StepFundListing
			}
			return prog, m.stepErr(ctx, step, prog, err)
		}
		prog.TxIDs = append(prog.TxIDs, res.TxIDs...)
		prog.Completed = domain.StepOptInAsset
		m.stepDone(ctx, prog, seller)
	}

	if prog.Completed < domain.StepDepositInventory {
		txID, err := m.deposit(ctx, req.Seller, prog, req.Quantity)
		if err != nil {
			return prog, m.stepErr(ctx, domain.StepDepositInventory, prog, err)
		}
		prog.TxIDs = append(prog.TxIDs, txID)
		prog.Completed = domain.StepDepositInventory
		m.stepDone(ctx, prog, seller)
	}

	return prog, nil
}

func (m *Manager) mintAsset(ctx context.Context, seller ledger.Signer, quantity uint64) (uint64, string, error) {
	params, err := m.ledger.SuggestedParams(ctx)
	if err != nil {
		return 0, "", err
	}
	txn := ledger.AssetCreateTxn(params, seller.Address(), quantity, m.params.AssetName, m.params.UnitName)
	conf, err := ledger.Send(ctx, m.ledger, txn, seller)
	if err != nil {
		return 0, "", err
	}
	if conf.AssetIndex == 0 {
		return 0, "", errors.New("listing: mint confirmation carries no asset index")
	}
	return conf.AssetIndex, conf.TxID, nil
}

func (m *Manager) fundAndOptIn(ctx context.Context, seller ledger.Signer, prog Progress) (ledger.GroupResult, error) {
	params, err := m.ledger.SuggestedParams(ctx)
	if err != nil {
		return ledger.GroupResult{}, err
	}
	pay := ledger.PaymentTxn(params, seller.Address(), prog.ListingAddress, m.params.FundingAmount())
	return m.contract.Bind(prog.ListingID).OptInToAsset(ctx, seller,
		ledger.TxnWithSigner{Txn: pay, Signer: seller})
}

func (m *Manager) deposit(ctx context.Context, seller ledger.Signer, prog Progress, quantity uint64) (string, error) {
	params, err := m.ledger.SuggestedParams(ctx)
	if err != nil {
		return "", err
	}
	txn := ledger.AssetTransferTxn(params, seller.Address(), prog.ListingAddress, prog.AssetID, quantity)
	conf, err := ledger.Send(ctx, m.ledger, txn, seller)
	if err != nil {
		return "", err
	}
	return conf.TxID, nil
}

// SetPrice changes a listing's unitary price. Only the seller may do so.
func (m *Manager) SetPrice(ctx context.Context, seller ledger.Signer, listingID, unitaryPrice uint64) (ledger.GroupResult, error) {
	if listingID == domain.NoListing {
		return ledger.GroupResult{}, fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrNoListing)
	}
	res, err := m.contract.Bind(listingID).SetPrice(ctx, seller, unitaryPrice)
	if err != nil {
		return res, err
	}
	m.logger.InfoContext(ctx, "listing: price changed",
		slog.Uint64("listing_id", listingID),
		slog.Uint64("unitary_price", unitaryPrice),
	)
	return res, nil
}

// DeleteListing deletes a sold-out listing. The application enforces both
// the seller check and the empty-inventory check.
func (m *Manager) DeleteListing(ctx context.Context, seller ledger.Signer, listingID uint64) (ledger.GroupResult, error) {
	if listingID == domain.NoListing {
		return ledger.GroupResult{}, fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrNoListing)
	}
	res, err := m.contract.Bind(listingID).DeleteApplication(ctx, seller,
		contract.WithFeeMultiplier(m.params.DeleteFeeMultiplier))
	if err != nil {
		m.logger.WarnContext(ctx, "listing: delete failed",
			slog.Uint64("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	m.logger.InfoContext(ctx, "listing: deleted",
		slog.Uint64("listing_id", listingID),
		slog.Uint64("round", res.Round),
	)
	return res, nil
}

func (m *Manager) stepDone(ctx context.Context, prog Progress, seller string) {
	m.logger.InfoContext(ctx, "listing: step complete",
		slog.String("step", prog.Completed.String()),
		slog.Uint64("asset_id", prog.AssetID),
		slog.Uint64("listing_id", prog.ListingID),
		slog.String("seller", seller),
	)
}

func (m *Manager) stepErr(ctx context.Context, step domain.CreateStep, prog Progress, err error) error {
	m.logger.ErrorContext(ctx, "listing: step failed",
		slog.String("step", step.String()),
		slog.Uint64("asset_id", prog.AssetID),
		slog.Uint64("listing_id", prog.ListingID),
		slog.String("error", err.Error()),
	)
	return &domain.StepError{Step: step, AssetID: prog.AssetID, ListingID: prog.ListingID, Err: err}
}
