// Package contract is the typed proxy for the marketplace application's
// entry points. It never retries: ledger rejections come back verbatim
// inside a *domain.ContractCallError.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// Client calls one marketplace application. A Client with app id zero can
// only create a new application.
type Client struct {
	ledger ledger.Client
	appID  uint64
	logger *slog.Logger
}

// New creates a Client for appID.
func New(lc ledger.Client, appID uint64, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ledger: lc,
		appID:  appID,
		logger: logger.With(slog.String("component", "contract")),
	}
}

// Bind returns a Client for another application sharing this one's ledger.
func (c *Client) Bind(appID uint64) *Client {
	return &Client{ledger: c.ledger, appID: appID, logger: c.logger}
}

// AppID returns the bound application id.
func (c *Client) AppID() uint64 { return c.appID }

// Address returns the bound application's custodial account.
func (c *Client) Address() string {
	return ledger.ApplicationAddress(c.appID)
}

type callOptions struct {
	feeMultiplier uint64
	extraFee      uint64
	prepend       []ledger.TxnWithSigner
}

// CallOption adjusts a single application call.
type CallOption func(*callOptions)

// WithFeeMultiplier sets the call's flat fee to n times the minimum fee so
// it covers the inner transactions the call issues.
func WithFeeMultiplier(n uint64) CallOption {
	return func(o *callOptions) { o.feeMultiplier = n }
}

// WithExtraFee raises the call's fee by extra.
func WithExtraFee(extra uint64) CallOption {
	return func(o *callOptions) { o.extraFee = extra }
}

// WithPrepend places txns at the front of the call's atomic group.
func WithPrepend(txns ...ledger.TxnWithSigner) CallOption {
	return func(o *callOptions) { o.prepend = append(o.prepend, txns...) }
}

// CreateApplication deploys a listing application referencing assetID at
// unitaryPrice and returns the new application id.
func (c *Client) CreateApplication(ctx context.Context, sender ledger.Signer, assetID, unitaryPrice uint64) (uint64, error) {
	if c.appID != 0 {
		return 0, c.callErr(MethodCreateApplication, fmt.Errorf("client already bound to app %d", c.appID))
	}
	args := [][]byte{
		Selector(MethodCreateApplication),
		{0}, // index into ForeignAssets
		EncodeUint64(unitaryPrice),
	}
	res, err := c.call(ctx, MethodCreateApplication, sender, ledger.NoOp, args, []uint64{assetID}, nil)
	if err != nil {
		return 0, err
	}
	appID := res.Last().ApplicationIndex
	if appID == 0 {
		return 0, c.callErr(MethodCreateApplication, errors.New("confirmation carries no application index"))
	}
	c.logger.InfoContext(ctx, "contract: application created",
		slog.Uint64("app_id", appID),
		slog.Uint64("asset_id", assetID),
		slog.Uint64("unitary_price", unitaryPrice),
	)
	return appID, nil
}

// OptInToAsset opts the custodial account into the listing asset. mbrPay is
// the funding payment; it is grouped with the call, never sent on its own.
func (c *Client) OptInToAsset(ctx context.Context, sender ledger.Signer, mbrPay ledger.TxnWithSigner, opts ...CallOption) (ledger.GroupResult, error) {
	st, err := c.GetGlobalState(ctx)
	if err != nil {
		return ledger.GroupResult{}, c.callErr(MethodOptInToAsset, err)
	}
	args := [][]byte{Selector(MethodOptInToAsset)}
	return c.call(ctx, MethodOptInToAsset, sender, ledger.NoOp, args, []uint64{st.AssetID},
		append(opts, WithPrepend(mbrPay)))
}

// Buy purchases quantity units. payment is the buyer's grouped payment that
// the application checks against its stored price.
func (c *Client) Buy(ctx context.Context, buyer ledger.Signer, payment ledger.TxnWithSigner, quantity uint64, assetID uint64, opts ...CallOption) (ledger.GroupResult, error) {
	args := [][]byte{Selector(MethodBuy), EncodeUint64(quantity)}
	// Caller prepends go first, then the payment the call consumes.
	opts = append(opts, WithPrepend(payment))
	return c.call(ctx, MethodBuy, buyer, ledger.NoOp, args, []uint64{assetID}, opts)
}

// SetPrice changes the stored unitary price. Only the creator may call it.
func (c *Client) SetPrice(ctx context.Context, sender ledger.Signer, unitaryPrice uint64) (ledger.GroupResult, error) {
	args := [][]byte{Selector(MethodSetPrice), EncodeUint64(unitaryPrice)}
	return c.call(ctx, MethodSetPrice, sender, ledger.NoOp, args, nil, nil)
}

// DeleteApplication removes the application, returning its remaining balance
// to the creator. The application refuses while it still holds inventory.
func (c *Client) DeleteApplication(ctx context.Context, sender ledger.Signer, opts ...CallOption) (ledger.GroupResult, error) {
	st, err := c.GetGlobalState(ctx)
	if err != nil {
		return ledger.GroupResult{}, c.callErr(MethodDeleteApplication, err)
	}
	args := [][]byte{Selector(MethodDeleteApplication)}
	return c.call(ctx, MethodDeleteApplication, sender, ledger.DeleteApplication, args, []uint64{st.AssetID}, opts)
}

// GetGlobalState reads the listing fields. A missing application yields a
// *domain.StateReadError wrapping domain.ErrNotFound.
func (c *Client) GetGlobalState(ctx context.Context) (State, error) {
	if c.appID == 0 {
		return State{}, &domain.StateReadError{What: "global state", Err: domain.ErrNoListing}
	}
	gs, err := c.ledger.ApplicationGlobalState(ctx, c.appID)
	if err != nil {
		return State{}, &domain.StateReadError{What: "global state", Err: err}
	}
	st, err := DecodeState(gs)
	if err != nil {
		return State{}, &domain.StateReadError{What: "global state", Err: err}
	}
	return st, nil
}

// Creator reads the address that created the application.
func (c *Client) Creator(ctx context.Context) (string, error) {
	addr, err := c.ledger.ApplicationCreator(ctx, c.appID)
	if err != nil {
		return "", &domain.StateReadError{What: "creator", Err: err}
	}
	return addr, nil
}

func (c *Client) call(
	ctx context.Context,
	method string,
	sender ledger.Signer,
	oc ledger.OnComplete,
	args [][]byte,
	foreignAssets []uint64,
	opts []CallOption,
) (ledger.GroupResult, error) {
	var o callOptions
	for _, fn := range opts {
		fn(&o)
	}

	params, err := c.ledger.SuggestedParams(ctx)
	if err != nil {
		return ledger.GroupResult{}, c.callErr(method, err)
	}

	txn := ledger.AppCallTxn(params, sender.Address(), c.appID, oc, args, foreignAssets)
	if o.feeMultiplier > 0 {
		txn = txn.WithFee(params.MinFee * o.feeMultiplier)
	}
	txn = txn.WithExtraFee(o.extraFee)

	comp := ledger.NewComposer(c.ledger).Add(o.prepend...)
	comp.Add(ledger.TxnWithSigner{Txn: txn, Signer: sender})

	res, err := comp.Execute(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "contract: call failed",
			slog.String("method", method),
			slog.Uint64("app_id", c.appID),
			slog.String("error", err.Error()),
		)
		return res, c.callErr(method, err)
	}
	c.logger.DebugContext(ctx, "contract: call confirmed",
		slog.String("method", method),
		slog.Uint64("app_id", c.appID),
		slog.Uint64("round", res.Round),
	)
	return res, nil
}

func (c *Client) callErr(method string, err error) error {
	return &domain.ContractCallError{Method: method, AppID: c.appID, Err: err}
}
