// Package purchase turns a buy request into one atomic payment-plus-call
// group and reports the inventory left afterwards.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/digitalmarket/internal/contract"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// TotalPayment returns quantity * unitaryPrice, failing with
// domain.ErrAmountOverflow when the product does not fit in 64 bits.
func TotalPayment(quantity, unitaryPrice uint64) (uint64, error) {
	q := uint256.NewInt(quantity)
	p := uint256.NewInt(unitaryPrice)
	total, overflow := new(uint256.Int).MulOverflow(q, p)
	if overflow || !total.IsUint64() {
		return 0, fmt.Errorf("purchase: %d * %d: %w", quantity, unitaryPrice, domain.ErrAmountOverflow)
	}
	return total.Uint64(), nil
}

// Refresher re-derives a listing's view from the ledger. Invalidate drops
// any cached view, including one a concurrent refresh is about to store.
type Refresher interface {
	Invalidate(ctx context.Context, listingID uint64)
	Refresh(ctx context.Context, listingID uint64) domain.ListingView
}

// Request is one purchase attempt.
type Request struct {
	Buyer     ledger.Signer
	ListingID uint64
	// ListingAddress defaults to the listing's derived custodial address.
	ListingAddress string
	// AssetID defaults to the value in the listing's global state.
	AssetID  uint64
	Quantity uint64
	// UnitaryPrice is the buyer's view of the price. The application
	// rejects the group if it is stale.
	UnitaryPrice uint64
}

func (r Request) purchaseRequest() domain.PurchaseRequest {
	return domain.PurchaseRequest{ListingID: r.ListingID, Quantity: r.Quantity, UnitaryPrice: r.UnitaryPrice}
}

// Receipt describes a confirmed purchase.
type Receipt struct {
	ListingID    uint64             `json:"listing_id"`
	Buyer        string             `json:"buyer"`
	Quantity     uint64             `json:"quantity"`
	UnitaryPrice uint64             `json:"unitary_price"`
	Amount       uint64             `json:"amount"`
	OptInTxID    string             `json:"opt_in_tx_id,omitempty"`
	PaymentTxID  string             `json:"payment_tx_id"`
	CallTxID     string             `json:"call_tx_id"`
	Round        uint64             `json:"round"`
	UnitsLeft    uint64             `json:"units_left"`
	View         domain.ListingView `json:"view"`
}

// Orchestrator executes purchases.
type Orchestrator struct {
	ledger    ledger.Client
	contract  *contract.Client
	refresher Refresher
	feeBuffer uint64
	autoOptIn bool
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFeeBuffer sets the extra fee on the buyer's payment that covers the
// application's inner asset transfer.
func WithFeeBuffer(fee uint64) Option {
	return func(o *Orchestrator) { o.feeBuffer = fee }
}

// WithAutoOptIn makes the orchestrator prepend an asset opt-in for buyers
// that do not yet hold the listing asset.
func WithAutoOptIn(enabled bool) Option {
	return func(o *Orchestrator) { o.autoOptIn = enabled }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(lc ledger.Client, refresher Refresher, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		ledger:    lc,
		contract:  contract.New(lc, 0, logger),
		refresher: refresher,
		feeBuffer: 1_000,
		autoOptIn: true,
		logger:    logger.With(slog.String("component", "purchase")),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Purchase validates locally, submits payment and buy call as one group and
// re-reads the listing. Validation and overflow failures never touch the
// ledger; a rejected group surfaces as *domain.ContractCallError with no
// payment made.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (Receipt, error) {
	if err := req.purchaseRequest().Validate(); err != nil {
		return Receipt{}, err
	}
	if req.Buyer == nil {
		return Receipt{}, fmt.Errorf("%w: buyer is required", domain.ErrValidation)
	}
	amount, err := TotalPayment(req.Quantity, req.UnitaryPrice)
	if err != nil {
		return Receipt{}, err
	}

	app := o.contract.Bind(req.ListingID)
	addr := req.ListingAddress
	if addr == "" {
		addr = app.Address()
	}
	assetID := req.AssetID
	if assetID == 0 {
		st, err := app.GetGlobalState(ctx)
		if err != nil {
			return Receipt{}, &domain.ContractCallError{Method: contract.MethodBuy, AppID: req.ListingID, Err: err}
		}
		assetID = st.AssetID
	}

	params, err := o.ledger.SuggestedParams(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("purchase: suggested params: %w", err)
	}
	buyer := req.Buyer.Address()

	var callOpts []contract.CallOption
	optedIn := true
	if o.autoOptIn {
		optedIn, err = o.holdsAsset(ctx, buyer, assetID)
		if err != nil {
			return Receipt{}, err
		}
		if !optedIn {
			callOpts = append(callOpts, contract.WithPrepend(ledger.TxnWithSigner{
				Txn:    ledger.AssetOptInTxn(params, buyer, assetID),
				Signer: req.Buyer,
			}))
		}
	}

	pay := ledger.PaymentTxn(params, buyer, addr, amount).WithExtraFee(o.feeBuffer)
	res, err := app.Buy(ctx, req.Buyer, ledger.TxnWithSigner{Txn: pay, Signer: req.Buyer}, req.Quantity, assetID, callOpts...)
	if err != nil {
		o.logger.WarnContext(ctx, "purchase: buy rejected",
			slog.Uint64("listing_id", req.ListingID),
			slog.String("buyer", buyer),
			slog.Uint64("quantity", req.Quantity),
			slog.Uint64("amount", amount),
			slog.String("error", err.Error()),
		)
		return Receipt{}, err
	}

	rcpt := Receipt{
		ListingID:    req.ListingID,
		Buyer:        buyer,
		Quantity:     req.Quantity,
		UnitaryPrice: req.UnitaryPrice,
		Amount:       amount,
		Round:        res.Round,
	}
	ids := res.TxIDs
	if !optedIn && len(ids) == 3 {
		rcpt.OptInTxID, ids = ids[0], ids[1:]
	}
	if len(ids) == 2 {
		rcpt.PaymentTxID, rcpt.CallTxID = ids[0], ids[1]
	}

	if o.refresher != nil {
		o.refresher.Invalidate(ctx, req.ListingID)
		rcpt.View = o.refresher.Refresh(ctx, req.ListingID)
		rcpt.UnitsLeft = rcpt.View.UnitsLeft
	}

	o.logger.InfoContext(ctx, "purchase: confirmed",
		slog.Uint64("listing_id", req.ListingID),
		slog.String("buyer", buyer),
		slog.Uint64("quantity", req.Quantity),
		slog.Uint64("amount", amount),
		slog.Uint64("units_left", rcpt.UnitsLeft),
		slog.Uint64("round", res.Round),
	)
	return rcpt, nil
}

func (o *Orchestrator) holdsAsset(ctx context.Context, addr string, assetID uint64) (bool, error) {
	_, err := o.ledger.AccountAssetBalance(ctx, addr, assetID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, &domain.StateReadError{What: "buyer holding", Err: err}
}
