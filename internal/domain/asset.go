package domain

// NoAsset is the sentinel asked of create-listing to mint a fresh asset.
const NoAsset uint64 = 0

// MicroUnitsPerUnit converts smallest currency units to whole units for
// display.
const MicroUnitsPerUnit = 1_000_000

// Asset is a fungible token representing the sellable good. Total is fixed
// when the asset is minted.
type Asset struct {
	ID       uint64 `json:"id"`
	Total    uint64 `json:"total"`
	Creator  string `json:"creator"`
	Name     string `json:"name,omitempty"`
	UnitName string `json:"unit_name,omitempty"`
}

// AssetBalance pairs an asset identity with an account's holding.
type AssetBalance struct {
	AssetID uint64 `json:"asset_id"`
	Holder  string `json:"holder"`
	Amount  uint64 `json:"amount"`
}

// DisplayAmount renders an amount in smallest units as whole currency units.
func DisplayAmount(micro uint64) float64 {
	return float64(micro) / MicroUnitsPerUnit
}
