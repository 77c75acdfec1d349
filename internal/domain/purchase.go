package domain

import (
	"fmt"
	"time"
)

// PurchaseRequest is built per purchase attempt and never persisted.
// UnitaryPrice is the caller's view of the price; the contract checks it.
type PurchaseRequest struct {
	ListingID    uint64
	Quantity     uint64
	UnitaryPrice uint64
}

// Validate checks local preconditions before any ledger round-trip.
func (r PurchaseRequest) Validate() error {
	if r.ListingID == NoListing {
		return fmt.Errorf("%w: %w", ErrValidation, ErrNoListing)
	}
	if r.Quantity == 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// Purchase records a confirmed buy.
type Purchase struct {
	ID           string    `json:"id"`
	ListingID    uint64    `json:"listing_id"`
	Buyer        string    `json:"buyer"`
	Quantity     uint64    `json:"quantity"`
	UnitaryPrice uint64    `json:"unitary_price"`
	Amount       uint64    `json:"amount"`
	PaymentTxID  string    `json:"payment_tx_id"`
	CallTxID     string    `json:"call_tx_id"`
	Round        uint64    `json:"round"`
	UnitsLeft    uint64    `json:"units_left"`
	CreatedAt    time.Time `json:"created_at"`
}
