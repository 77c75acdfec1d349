package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

// GroupResult is the outcome of a committed group, in submission order.
type GroupResult struct {
	TxIDs         []string       `json:"tx_ids"`
	Confirmations []Confirmation `json:"confirmations"`
	Round         uint64         `json:"round"`
}

// Last returns the confirmation of the final transaction in the group.
func (r GroupResult) Last() Confirmation {
	if len(r.Confirmations) == 0 {
		return Confirmation{}
	}
	return r.Confirmations[len(r.Confirmations)-1]
}

// Composer assembles transactions into one atomic group, signs each with its
// own signer and submits the group once. A Composer is single use.
type Composer struct {
	client   Client
	txns     []TxnWithSigner
	executed bool
}

// NewComposer creates an empty Composer submitting through client.
func NewComposer(client Client) *Composer {
	return &Composer{client: client}
}

// Add appends transactions to the group.
func (c *Composer) Add(txns ...TxnWithSigner) *Composer {
	c.txns = append(c.txns, txns...)
	return c
}

// Len returns the number of transactions added so far.
func (c *Composer) Len() int {
	return len(c.txns)
}

// Execute assigns the group id, signs and submits. Nothing is sent if any
// signature fails.
func (c *Composer) Execute(ctx context.Context) (GroupResult, error) {
	if c.executed {
		return GroupResult{}, errors.New("ledger: composer already executed")
	}
	if len(c.txns) == 0 {
		return GroupResult{}, errors.New("ledger: empty group")
	}
	if len(c.txns) > MaxGroupSize {
		return GroupResult{}, fmt.Errorf("ledger: group of %d exceeds max %d", len(c.txns), MaxGroupSize)
	}
	c.executed = true

	raw := make([]Txn, len(c.txns))
	for i, tws := range c.txns {
		if tws.Signer == nil {
			return GroupResult{}, fmt.Errorf("ledger: txn %d has no signer", i)
		}
		raw[i] = tws.Txn
	}
	if len(raw) > 1 {
		gid := GroupID(raw)
		for i := range raw {
			raw[i].Group = gid
		}
	}

	signed := make([]SignedTxn, len(raw))
	ids := make([]string, len(raw))
	for i, t := range raw {
		stx, err := c.txns[i].Signer.SignTxn(t)
		if err != nil {
			return GroupResult{}, fmt.Errorf("ledger: signing txn %d: %w: %w", i, domain.ErrSigningFailed, err)
		}
		signed[i] = stx
		ids[i] = t.ID()
	}

	confs, err := c.client.SendGroup(ctx, signed)
	if err != nil {
		return GroupResult{TxIDs: ids}, err
	}

	res := GroupResult{TxIDs: ids, Confirmations: confs}
	if len(confs) > 0 {
		res.Round = confs[0].Round
	}
	return res, nil
}

// Send submits a single transaction as a group of one.
func Send(ctx context.Context, client Client, txn Txn, signer Signer) (Confirmation, error) {
	res, err := NewComposer(client).Add(TxnWithSigner{Txn: txn, Signer: signer}).Execute(ctx)
	if err != nil {
		return Confirmation{}, err
	}
	return res.Last(), nil
}
