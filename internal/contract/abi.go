package contract

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// Method signatures of the marketplace application.
const (
	MethodCreateApplication = "create_application(asset,uint64)void"
	MethodOptInToAsset      = "opt_in_to_asset(pay)void"
	MethodBuy               = "buy(pay,uint64)void"
	MethodSetPrice          = "set_price(uint64)void"
	MethodDeleteApplication = "delete_application()void"
)

// Global state keys.
const (
	KeyAssetID      = "asset_id"
	KeyUnitaryPrice = "unitary_price"
)

// Selector is the 4-byte method selector: the first four bytes of the
// SHA-512/256 digest of the signature.
func Selector(signature string) []byte {
	sum := sha512.Sum512_256([]byte(signature))
	return sum[:4]
}

// EncodeUint64 encodes v as a big-endian 8-byte argument.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("contract: uint64 arg has %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// State is the decoded global state of a listing application.
type State struct {
	AssetID      uint64 `json:"asset_id"`
	UnitaryPrice uint64 `json:"unitary_price"`
}

// DecodeState reads the listing fields out of raw global state.
func DecodeState(gs ledger.GlobalState) (State, error) {
	asset, ok := gs[KeyAssetID]
	if !ok {
		return State{}, fmt.Errorf("contract: global state missing %q", KeyAssetID)
	}
	price, ok := gs[KeyUnitaryPrice]
	if !ok {
		return State{}, fmt.Errorf("contract: global state missing %q", KeyUnitaryPrice)
	}
	return State{AssetID: asset.Uint, UnitaryPrice: price.Uint}, nil
}
