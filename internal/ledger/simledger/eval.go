package simledger

import (
	"errors"
	"fmt"

	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// evaluator applies one atomic group to a scratch copy of the state.
type evaluator struct {
	l       *Ledger
	st      *state
	group   []ledger.SignedTxn
	credit  uint64
	touched map[string]bool
}

func (ev *evaluator) reject(i int, format string, args ...any) error {
	var id string
	if i >= 0 && i < len(ev.group) {
		id = ev.group[i].ID()
	}
	return &ledger.RejectedError{TxID: id, Index: i, Reason: fmt.Sprintf(format, args...)}
}

func (ev *evaluator) run() ([]ledger.Confirmation, error) {
	n := len(ev.group)
	if n == 0 {
		return nil, errors.New("simledger: empty group")
	}
	if n > ledger.MaxGroupSize {
		return nil, ev.reject(0, "group size %d exceeds %d", n, ledger.MaxGroupSize)
	}
	raw := make([]ledger.Txn, n)
	for i, stx := range ev.group {
		if err := stx.Verify(); err != nil {
			return nil, ev.reject(i, "invalid signature: %v", err)
		}
		raw[i] = stx.Txn
	}
	gid := ledger.GroupID(raw)
	for i, t := range raw {
		if n > 1 && t.Group != gid {
			return nil, ev.reject(i, "transaction is not part of a complete group")
		}
		if n == 1 && t.Group != "" && t.Group != gid {
			return nil, ev.reject(i, "group id mismatch")
		}
		if t.FirstValid > ev.st.round || t.LastValid < ev.st.round {
			return nil, ev.reject(i, "txn dead: round %d outside [%d, %d]", ev.st.round, t.FirstValid, t.LastValid)
		}
		if t.GenesisID != "" && t.GenesisID != ev.l.cfg.GenesisID {
			return nil, ev.reject(i, "genesis id %q does not match %q", t.GenesisID, ev.l.cfg.GenesisID)
		}
	}

	var paid uint64
	for _, t := range raw {
		paid += t.Fee
	}
	required := ev.l.cfg.MinFee * uint64(n)
	if paid < required {
		return nil, ev.reject(0, "fee too small: group pays %d, needs %d", paid, required)
	}
	ev.credit = paid - required

	confs := make([]ledger.Confirmation, n)
	for i, t := range raw {
		ev.touched = make(map[string]bool)
		conf, err := ev.apply(i, t)
		if err != nil {
			return nil, err
		}
		if err := ev.checkMinBalances(i); err != nil {
			return nil, err
		}
		conf.TxID = t.ID()
		conf.Round = ev.st.round
		confs[i] = conf
	}
	return confs, nil
}

// checkMinBalances rejects transaction i if it left any account it touched
// below that account's minimum balance.
func (ev *evaluator) checkMinBalances(i int) error {
	for addr := range ev.touched {
		a, ok := ev.st.accounts[addr]
		if !ok {
			continue
		}
		if need := ev.l.minBalance(a); a.balance < need {
			return ev.reject(i, "account %s balance %d below min %d", addr, a.balance, need)
		}
	}
	return nil
}

func (ev *evaluator) apply(i int, t ledger.Txn) (ledger.Confirmation, error) {
	sender := ledger.NormalizeAddress(t.Sender)
	if err := ev.debit(i, sender, t.Fee); err != nil {
		return ledger.Confirmation{}, err
	}

	switch t.Type {
	case ledger.TypePayment:
		return ledger.Confirmation{}, ev.pay(i, sender, t.Receiver, t.Amount, t.CloseTo)
	case ledger.TypeAssetConfig:
		return ev.createAsset(i, sender, t)
	case ledger.TypeAssetTransfer:
		return ledger.Confirmation{}, ev.transferAsset(i, sender, t.AssetReceiver, t.AssetID, t.AssetAmount, t.AssetCloseTo)
	case ledger.TypeAppCall:
		return ev.callApp(i, sender, t)
	default:
		return ledger.Confirmation{}, ev.reject(i, "unknown transaction type %q", t.Type)
	}
}

func (ev *evaluator) debit(i int, addr string, amount uint64) error {
	a := ev.st.account(addr)
	ev.touched[addr] = true
	if a.balance < amount {
		return ev.reject(i, "overspend: account %s balance %d, needs %d", addr, a.balance, amount)
	}
	a.balance -= amount
	return nil
}

func (ev *evaluator) pay(i int, from, to string, amount uint64, closeTo string) error {
	to = ledger.NormalizeAddress(to)
	if err := ev.debit(i, from, amount); err != nil {
		return err
	}
	ev.st.account(to).balance += amount
	ev.touched[to] = true

	if closeTo == "" {
		return nil
	}
	closeTo = ledger.NormalizeAddress(closeTo)
	src := ev.st.account(from)
	if len(src.holdings) > 0 {
		return ev.reject(i, "cannot close account %s with %d asset holdings", from, len(src.holdings))
	}
	ev.st.account(closeTo).balance += src.balance
	ev.touched[closeTo] = true
	delete(ev.st.accounts, from)
	return nil
}

func (ev *evaluator) createAsset(i int, sender string, t ledger.Txn) (ledger.Confirmation, error) {
	if t.AssetID != 0 {
		return ledger.Confirmation{}, ev.reject(i, "asset reconfiguration is not supported")
	}
	if t.AssetTotal == 0 {
		return ledger.Confirmation{}, ev.reject(i, "asset total must be positive")
	}
	id := ev.st.allocIndex()
	ev.st.assets[id] = &asset{
		id:       id,
		total:    t.AssetTotal,
		creator:  sender,
		name:     t.AssetName,
		unitName: t.UnitName,
	}
	ev.st.account(sender).holdings[id] = t.AssetTotal
	return ledger.Confirmation{AssetIndex: id}, nil
}

func (ev *evaluator) transferAsset(i int, from, to string, assetID, amount uint64, closeTo string) error {
	to = ledger.NormalizeAddress(to)
	if _, ok := ev.st.assets[assetID]; !ok {
		return ev.reject(i, "asset %d does not exist", assetID)
	}
	src := ev.st.account(from)
	ev.touched[from] = true

	if from == to && amount == 0 && closeTo == "" {
		if _, ok := src.holdings[assetID]; !ok {
			src.holdings[assetID] = 0
		}
		return nil
	}

	held, ok := src.holdings[assetID]
	if !ok {
		return ev.reject(i, "account %s is not opted in to asset %d", from, assetID)
	}
	if held < amount {
		return ev.reject(i, "underflow on asset %d: %d < %d", assetID, held, amount)
	}
	dst := ev.st.account(to)
	if _, ok := dst.holdings[assetID]; !ok {
		return ev.reject(i, "receiver %s is not opted in to asset %d", to, assetID)
	}
	src.holdings[assetID] -= amount
	dst.holdings[assetID] += amount
	ev.touched[to] = true

	if closeTo == "" {
		return nil
	}
	closeTo = ledger.NormalizeAddress(closeTo)
	ct := ev.st.account(closeTo)
	if _, ok := ct.holdings[assetID]; !ok {
		return ev.reject(i, "close-to %s is not opted in to asset %d", closeTo, assetID)
	}
	ct.holdings[assetID] += src.holdings[assetID]
	delete(src.holdings, assetID)
	ev.touched[closeTo] = true
	return nil
}

// innerFee pays for one inner transaction, from the group's surplus fees
// when possible and from the application account otherwise.
func (ev *evaluator) innerFee(i int, appAddr string) error {
	if ev.credit >= ev.l.cfg.MinFee {
		ev.credit -= ev.l.cfg.MinFee
		return nil
	}
	return ev.debit(i, appAddr, ev.l.cfg.MinFee)
}

func (ev *evaluator) callApp(i int, sender string, t ledger.Txn) (ledger.Confirmation, error) {
	if t.AppID == 0 {
		if t.OnComplete != ledger.NoOp {
			return ledger.Confirmation{}, ev.reject(i, "application create must use NoOp")
		}
		id := ev.st.allocIndex()
		app := &application{id: id, creator: sender, global: make(ledger.GlobalState)}
		ev.st.apps[id] = app
		if err := ev.runMarketplace(i, sender, t, app, true); err != nil {
			return ledger.Confirmation{}, err
		}
		return ledger.Confirmation{ApplicationIndex: id}, nil
	}

	app, ok := ev.st.apps[t.AppID]
	if !ok {
		return ledger.Confirmation{}, ev.reject(i, "application %d does not exist", t.AppID)
	}
	return ledger.Confirmation{}, ev.runMarketplace(i, sender, t, app, false)
}
