package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")
	ErrDuplicate     = errors.New("duplicate request")

	// ErrStaleView rejects a cache write whose listing was invalidated after
	// the view was read.
	ErrStaleView = errors.New("stale listing view")

	// ErrValidation marks local precondition failures. They never reach the
	// ledger.
	ErrValidation      = errors.New("validation failed")
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
	ErrAmountOverflow  = errors.New("amount overflows uint64")

	ErrContractCall = errors.New("contract call rejected")
	ErrStateRead    = errors.New("state read failed")
	ErrNoListing    = errors.New("no listing")
)

// ContractCallError reports an operation the ledger rejected: insufficient
// balance, wrong sender, stale price, exhausted inventory. The ledger's reason
// is kept verbatim in Err.
type ContractCallError struct {
	Method string
	AppID  uint64
	Err    error
}

func (e *ContractCallError) Error() string {
	if e.AppID == 0 {
		return fmt.Sprintf("contract call %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("contract call %s on app %d: %v", e.Method, e.AppID, e.Err)
}

func (e *ContractCallError) Unwrap() []error {
	return []error{ErrContractCall, e.Err}
}

// StateReadError reports a failed state query. Callers that have a defined
// fallback map it to a default instead of propagating it.
type StateReadError struct {
	What string
	Err  error
}

func (e *StateReadError) Error() string {
	return fmt.Sprintf("state read %s: %v", e.What, e.Err)
}

func (e *StateReadError) Unwrap() []error {
	return []error{ErrStateRead, e.Err}
}

// StepError identifies the create-listing step that failed. Steps before
// Step stay committed on the ledger.
type StepError struct {
	Step      CreateStep
	AssetID   uint64
	ListingID uint64
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("create listing: step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
