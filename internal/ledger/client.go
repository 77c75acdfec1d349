package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrRejected is wrapped by every RejectedError.
var ErrRejected = errors.New("ledger: transaction rejected")

// RejectedError reports a group the ledger refused to commit. Index is the
// position within the group of the offending transaction; Reason is the
// ledger's own message.
type RejectedError struct {
	TxID   string
	Index  int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger: transaction %s (group index %d) rejected: %s", shortID(e.TxID), e.Index, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Params are the suggested parameters for new transactions.
type Params struct {
	MinFee     uint64
	FirstValid uint64
	LastValid  uint64
	GenesisID  string
}

// Confirmation is the ledger's receipt for one committed transaction.
type Confirmation struct {
	TxID             string `json:"tx_id"`
	Round            uint64 `json:"round"`
	AssetIndex       uint64 `json:"asset_index,omitempty"`
	ApplicationIndex uint64 `json:"application_index,omitempty"`
}

// StateValue is one entry of an application's global state.
type StateValue struct {
	Uint  uint64 `json:"uint,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

// GlobalState maps key to value for one application.
type GlobalState map[string]StateValue

// Client is the ledger surface the marketplace consumes. Reads of missing
// applications, accounts or holdings fail with domain.ErrNotFound.
type Client interface {
	SuggestedParams(ctx context.Context) (Params, error)
	// SendGroup submits an atomic group and waits for confirmation. Either
	// every transaction commits or none does.
	SendGroup(ctx context.Context, group []SignedTxn) ([]Confirmation, error)
	ApplicationGlobalState(ctx context.Context, appID uint64) (GlobalState, error)
	ApplicationCreator(ctx context.Context, appID uint64) (string, error)
	AccountBalance(ctx context.Context, addr string) (uint64, error)
	AccountAssetBalance(ctx context.Context, addr string, assetID uint64) (uint64, error)
}
