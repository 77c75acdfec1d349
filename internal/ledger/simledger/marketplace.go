package simledger

import (
	"math/bits"
	"slices"

	"github.com/alanyoungcy/digitalmarket/internal/contract"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// appCall is the execution context of one marketplace method invocation.
type appCall struct {
	ev      *evaluator
	i       int
	sender  string
	txn     ledger.Txn
	app     *application
	appAddr string
}

type method func(c *appCall) error

var (
	createMethod = string(contract.Selector(contract.MethodCreateApplication))
	methods      = map[string]method{
		string(contract.Selector(contract.MethodOptInToAsset)):      (*appCall).optInToAsset,
		string(contract.Selector(contract.MethodBuy)):               (*appCall).buy,
		string(contract.Selector(contract.MethodSetPrice)):          (*appCall).setPrice,
		string(contract.Selector(contract.MethodDeleteApplication)): (*appCall).deleteApplication,
	}
)

func (c *appCall) fail(format string, args ...any) error {
	return c.ev.reject(c.i, "logic eval error: "+format, args...)
}

func (ev *evaluator) runMarketplace(i int, sender string, t ledger.Txn, app *application, create bool) error {
	c := &appCall{
		ev:      ev,
		i:       i,
		sender:  sender,
		txn:     t,
		app:     app,
		appAddr: ledger.ApplicationAddress(app.id),
	}
	if len(t.Args) == 0 {
		return c.fail("missing method selector")
	}
	sel := string(t.Args[0])
	if create {
		if sel != createMethod {
			return c.fail("method not allowed on create")
		}
		return c.createApplication()
	}
	m, ok := methods[sel]
	if !ok {
		return c.fail("unknown method selector %x", t.Args[0])
	}
	if t.OnComplete == ledger.DeleteApplication && sel != string(contract.Selector(contract.MethodDeleteApplication)) {
		return c.fail("DeleteApplication only allowed for delete_application")
	}
	return m(c)
}

func (c *appCall) uintArg(n int) (uint64, error) {
	if len(c.txn.Args) <= n {
		return 0, c.fail("missing argument %d", n)
	}
	v, err := contract.DecodeUint64(c.txn.Args[n])
	if err != nil {
		return 0, c.fail("argument %d: %v", n, err)
	}
	return v, nil
}

func (c *appCall) requireCreator() error {
	if c.sender != c.app.creator {
		return c.fail("assert failed: sender %s is not the creator", c.sender)
	}
	return nil
}

func (c *appCall) requireForeignAsset(id uint64) error {
	if !slices.Contains(c.txn.ForeignAssets, id) {
		return c.fail("unavailable asset %d", id)
	}
	return nil
}

func (c *appCall) assetID() uint64 {
	return c.app.global[contract.KeyAssetID].Uint
}

// groupedPayment returns the payment placed immediately before the call.
func (c *appCall) groupedPayment() (ledger.Txn, error) {
	if c.i == 0 {
		return ledger.Txn{}, c.fail("missing grouped payment")
	}
	pay := c.ev.group[c.i-1].Txn
	if pay.Type != ledger.TypePayment {
		return ledger.Txn{}, c.fail("transaction %d is %s, want pay", c.i-1, pay.Type)
	}
	return pay, nil
}

func (c *appCall) createApplication() error {
	if len(c.txn.Args) < 3 || len(c.txn.Args[1]) != 1 {
		return c.fail("create_application expects (asset,uint64)")
	}
	idx := int(c.txn.Args[1][0])
	if idx >= len(c.txn.ForeignAssets) {
		return c.fail("asset reference %d out of range", idx)
	}
	assetID := c.txn.ForeignAssets[idx]
	if _, ok := c.ev.st.assets[assetID]; !ok {
		return c.fail("asset %d does not exist", assetID)
	}
	price, err := c.uintArg(2)
	if err != nil {
		return err
	}
	c.app.global[contract.KeyAssetID] = ledger.StateValue{Uint: assetID}
	c.app.global[contract.KeyUnitaryPrice] = ledger.StateValue{Uint: price}
	return nil
}

func (c *appCall) optInToAsset() error {
	if err := c.requireCreator(); err != nil {
		return err
	}
	assetID := c.assetID()
	if err := c.requireForeignAsset(assetID); err != nil {
		return err
	}
	acct := c.ev.st.account(c.appAddr)
	if _, ok := acct.holdings[assetID]; ok {
		return c.fail("assert failed: already opted in to asset %d", assetID)
	}

	pay, err := c.groupedPayment()
	if err != nil {
		return err
	}
	if ledger.NormalizeAddress(pay.Receiver) != c.appAddr {
		return c.fail("assert failed: mbr payment receiver %s is not the application", pay.Receiver)
	}
	need := c.ev.l.cfg.AccountMBR + c.ev.l.cfg.AssetMBR
	if pay.Amount < need {
		return c.fail("assert failed: mbr payment %d below %d", pay.Amount, need)
	}

	if err := c.ev.innerFee(c.i, c.appAddr); err != nil {
		return err
	}
	return c.ev.transferAsset(c.i, c.appAddr, c.appAddr, assetID, 0, "")
}

func (c *appCall) setPrice() error {
	if err := c.requireCreator(); err != nil {
		return err
	}
	price, err := c.uintArg(1)
	if err != nil {
		return err
	}
	c.app.global[contract.KeyUnitaryPrice] = ledger.StateValue{Uint: price}
	return nil
}

func (c *appCall) buy() error {
	quantity, err := c.uintArg(1)
	if err != nil {
		return err
	}
	if quantity == 0 {
		return c.fail("assert failed: quantity must be positive")
	}
	assetID := c.assetID()
	if err := c.requireForeignAsset(assetID); err != nil {
		return err
	}

	pay, err := c.groupedPayment()
	if err != nil {
		return err
	}
	if ledger.NormalizeAddress(pay.Sender) != c.sender {
		return c.fail("assert failed: payment sender %s is not the caller", pay.Sender)
	}
	if ledger.NormalizeAddress(pay.Receiver) != c.appAddr {
		return c.fail("assert failed: payment receiver %s is not the application", pay.Receiver)
	}
	price := c.app.global[contract.KeyUnitaryPrice].Uint
	hi, due := bits.Mul64(quantity, price)
	if hi != 0 {
		return c.fail("math overflow: %d * %d", quantity, price)
	}
	if pay.Amount != due {
		return c.fail("assert failed: payment %d != %d * %d", pay.Amount, quantity, price)
	}

	if err := c.ev.innerFee(c.i, c.appAddr); err != nil {
		return err
	}
	return c.ev.transferAsset(c.i, c.appAddr, c.sender, assetID, quantity, "")
}

func (c *appCall) deleteApplication() error {
	if c.txn.OnComplete != ledger.DeleteApplication {
		return c.fail("delete_application requires DeleteApplication")
	}
	if err := c.requireCreator(); err != nil {
		return err
	}
	assetID := c.assetID()
	if err := c.requireForeignAsset(assetID); err != nil {
		return err
	}

	acct, funded := c.ev.st.accounts[c.appAddr]
	if funded {
		left, optedIn := acct.holdings[assetID]
		if left != 0 {
			return c.fail("assert failed: %d units left", left)
		}
		if optedIn {
			if err := c.ev.innerFee(c.i, c.appAddr); err != nil {
				return err
			}
			if err := c.ev.transferAsset(c.i, c.appAddr, c.app.creator, assetID, 0, c.app.creator); err != nil {
				return err
			}
		}
		if err := c.ev.innerFee(c.i, c.appAddr); err != nil {
			return err
		}
		if err := c.ev.pay(c.i, c.appAddr, c.app.creator, 0, c.app.creator); err != nil {
			return err
		}
	}

	delete(c.ev.st.apps, c.app.id)
	return nil
}
