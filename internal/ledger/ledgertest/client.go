// Package ledgertest wraps a ledger.Client for unit tests. It records which
// methods were called and can fail any of them on demand.
package ledgertest

import (
	"context"
	"errors"
	"sync"

	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// ErrInjected is returned by methods configured to fail.
var ErrInjected = errors.New("ledgertest: injected failure")

// Method names accepted by Client.Fail and Client.Calls.
const (
	SuggestedParams        = "SuggestedParams"
	SendGroup              = "SendGroup"
	ApplicationGlobalState = "ApplicationGlobalState"
	ApplicationCreator     = "ApplicationCreator"
	AccountBalance         = "AccountBalance"
	AccountAssetBalance    = "AccountAssetBalance"
)

// Client forwards to an inner ledger.Client.
type Client struct {
	inner ledger.Client

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	sent  [][]ledger.SignedTxn
}

// Wrap creates a Client around inner. inner may be nil when a test expects
// no ledger access at all.
func Wrap(inner ledger.Client) *Client {
	return &Client{
		inner: inner,
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

var _ ledger.Client = (*Client)(nil)

// Fail makes method return err (ErrInjected when err is nil).
func (c *Client) Fail(method string, err error) {
	if err == nil {
		err = ErrInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[method] = err
}

// Heal clears every injected failure.
func (c *Client) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = make(map[string]error)
}

// Calls returns how often method was called.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Total returns the number of calls across all methods.
func (c *Client) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// Sent returns every group passed to SendGroup.
func (c *Client) Sent() [][]ledger.SignedTxn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]ledger.SignedTxn(nil), c.sent...)
}

func (c *Client) enter(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	if err, ok := c.fail[method]; ok {
		return err
	}
	if c.inner == nil {
		return errors.New("ledgertest: unexpected call to " + method)
	}
	return nil
}

func (c *Client) SuggestedParams(ctx context.Context) (ledger.Params, error) {
	if err := c.enter(SuggestedParams); err != nil {
		return ledger.Params{}, err
	}
	return c.inner.SuggestedParams(ctx)
}

func (c *Client) SendGroup(ctx context.Context, group []ledger.SignedTxn) ([]ledger.Confirmation, error) {
	c.mu.Lock()
	c.sent = append(c.sent, group)
	c.mu.Unlock()
	if err := c.enter(SendGroup); err != nil {
		return nil, err
	}
	return c.inner.SendGroup(ctx, group)
}

func (c *Client) ApplicationGlobalState(ctx context.Context, appID uint64) (ledger.GlobalState, error) {
	if err := c.enter(ApplicationGlobalState); err != nil {
		return nil, err
	}
	return c.inner.ApplicationGlobalState(ctx, appID)
}

func (c *Client) ApplicationCreator(ctx context.Context, appID uint64) (string, error) {
	if err := c.enter(ApplicationCreator); err != nil {
		return "", err
	}
	return c.inner.ApplicationCreator(ctx, appID)
}

func (c *Client) AccountBalance(ctx context.Context, addr string) (uint64, error) {
	if err := c.enter(AccountBalance); err != nil {
		return 0, err
	}
	return c.inner.AccountBalance(ctx, addr)
}

func (c *Client) AccountAssetBalance(ctx context.Context, addr string, assetID uint64) (uint64, error) {
	if err := c.enter(AccountAssetBalance); err != nil {
		return 0, err
	}
	return c.inner.AccountAssetBalance(ctx, addr, assetID)
}
