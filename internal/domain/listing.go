package domain

import "time"

// NoListing is the listing identifier meaning "no listing selected".
const NoListing uint64 = 0

// ListingStatus tracks the client-side record of a listing.
type ListingStatus string

const (
	ListingStatusCreating ListingStatus = "creating"
	ListingStatusActive   ListingStatus = "active"
	ListingStatusSoldOut  ListingStatus = "sold_out"
	ListingStatusDeleted  ListingStatus = "deleted"
)

// CreateStep enumerates the ordered, independently failable steps of
// creating a listing.
type CreateStep int

const (
	StepNone CreateStep = iota
	StepMintAsset
	StepCreateApplication
	StepFundListing
	StepOptInAsset
	StepDepositInventory
)

// StepDone is the last step; a listing whose progress reached it is stocked.
const StepDone = StepDepositInventory

func (s CreateStep) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepMintAsset:
		return "mint_asset"
	case StepCreateApplication:
		return "create_application"
	case StepFundListing:
		return "fund_listing"
	case StepOptInAsset:
		return "opt_in_asset"
	case StepDepositInventory:
		return "deposit_inventory"
	default:
		return "unknown"
	}
}

// MarshalText renders the step by name in JSON.
func (s CreateStep) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a step name.
func (s *CreateStep) UnmarshalText(b []byte) error {
	*s = ParseCreateStep(string(b))
	return nil
}

// ParseCreateStep is the inverse of CreateStep.String. Unknown names map to
// StepNone.
func ParseCreateStep(s string) CreateStep {
	for st := StepNone; st <= StepDone; st++ {
		if st.String() == s {
			return st
		}
	}
	return StepNone
}

// Listing is the client's record of one marketplace instance. The record is
// bookkeeping only: inventory is always read back from the ledger.
type Listing struct {
	ID           uint64        `json:"id"`
	Address      string        `json:"address"`
	AssetID      uint64        `json:"asset_id"`
	UnitaryPrice uint64        `json:"unitary_price"`
	Quantity     uint64        `json:"quantity"`
	Seller       string        `json:"seller"`
	MintedAsset  bool          `json:"minted_asset"`
	Status       ListingStatus `json:"status"`
	LastStep     CreateStep    `json:"last_step"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ListingView is the state derived from authoritative ledger reads for
// display. The zero value is the "no listing" state.
type ListingView struct {
	ListingID    uint64 `json:"listing_id"`
	AssetID      uint64 `json:"asset_id"`
	UnitaryPrice uint64 `json:"unitary_price"`
	UnitsLeft    uint64 `json:"units_left"`
	// Seller is empty when the creator could not be read.
	Seller string `json:"seller,omitempty"`
	// HoldsAsset is set once the custodial account has opted in to the
	// asset. Before that UnitsLeft is zero without the listing being sold.
	HoldsAsset bool `json:"holds_asset"`
}

// Exists reports whether the view was derived from a live contract.
func (v ListingView) Exists() bool {
	return v.AssetID != 0
}

// SoldOut reports whether a live, opted-in listing has no inventory left.
// Such a listing can be deleted.
func (v ListingView) SoldOut() bool {
	return v.Exists() && v.HoldsAsset && v.UnitsLeft == 0
}

// IsSeller reports whether addr created the listing.
func (v ListingView) IsSeller(addr string) bool {
	return v.Seller != "" && v.Seller == addr
}
