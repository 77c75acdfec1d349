// Package ledger defines the port through which the marketplace talks to the
// ledger: transaction types, the Client contract, signing hooks and the
// atomic group composer.
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxnType is the kind of ledger operation.
type TxnType string

const (
	TypePayment       TxnType = "pay"
	TypeAssetConfig   TxnType = "acfg"
	TypeAssetTransfer TxnType = "axfer"
	TypeAppCall       TxnType = "appl"
)

// OnComplete is the application-call completion action.
type OnComplete uint8

const (
	NoOp OnComplete = iota
	OptIn
	CloseOut
	ClearState
	UpdateApplication
	DeleteApplication
)

// MaxGroupSize is the largest atomic group the ledger accepts.
const MaxGroupSize = 16

// Txn is one unsigned ledger operation. Fee is always flat.
type Txn struct {
	Type       TxnType `json:"type"`
	Sender     string  `json:"snd"`
	Fee        uint64  `json:"fee"`
	FirstValid uint64  `json:"fv"`
	LastValid  uint64  `json:"lv"`
	GenesisID  string  `json:"gen,omitempty"`
	Note       []byte  `json:"note,omitempty"`
	Group      string  `json:"grp,omitempty"`

	// pay
	Receiver string `json:"rcv,omitempty"`
	Amount   uint64 `json:"amt,omitempty"`
	CloseTo  string `json:"close,omitempty"`

	// acfg (create only)
	AssetTotal uint64 `json:"t,omitempty"`
	AssetName  string `json:"an,omitempty"`
	UnitName   string `json:"un,omitempty"`

	// axfer
	AssetID       uint64 `json:"xaid,omitempty"`
	AssetAmount   uint64 `json:"aamt,omitempty"`
	AssetReceiver string `json:"arcv,omitempty"`
	AssetCloseTo  string `json:"aclose,omitempty"`

	// appl
	AppID         uint64     `json:"apid,omitempty"`
	OnComplete    OnComplete `json:"apan,omitempty"`
	Args          [][]byte   `json:"apaa,omitempty"`
	ForeignAssets []uint64   `json:"apas,omitempty"`
}

// Bytes returns the canonical encoding that is hashed and signed.
func (t Txn) Bytes() []byte {
	b, err := json.Marshal(t)
	if err != nil {
		// Txn holds only strings, integers and byte slices.
		panic(fmt.Sprintf("ledger: encoding txn: %v", err))
	}
	return append([]byte("TX"), b...)
}

// Digest is the 32-byte hash signers sign.
func (t Txn) Digest() []byte {
	return ethcrypto.Keccak256(t.Bytes())
}

// ID is the transaction identifier.
func (t Txn) ID() string {
	return hex.EncodeToString(t.Digest())
}

// WithFee returns a copy of t with a flat fee.
func (t Txn) WithFee(fee uint64) Txn {
	t.Fee = fee
	return t
}

// WithExtraFee returns a copy of t whose fee is raised by extra, leaving room
// in the group's fee pool for inner transactions.
func (t Txn) WithExtraFee(extra uint64) Txn {
	t.Fee += extra
	return t
}

// WithNote returns a copy of t carrying note.
func (t Txn) WithNote(note []byte) Txn {
	t.Note = note
	return t
}

// SignedTxn is a transaction plus the sender's 65-byte secp256k1 signature.
type SignedTxn struct {
	Txn Txn    `json:"txn"`
	Sig []byte `json:"sig"`
}

// ID is the identifier of the wrapped transaction.
func (s SignedTxn) ID() string {
	return s.Txn.ID()
}

// Verify checks that Sig was produced by the key behind Txn.Sender.
func (s SignedTxn) Verify() error {
	if len(s.Sig) != 65 {
		return fmt.Errorf("ledger: signature length %d", len(s.Sig))
	}
	pub, err := ethcrypto.SigToPub(s.Txn.Digest(), s.Sig)
	if err != nil {
		return fmt.Errorf("ledger: recovering signer: %w", err)
	}
	got := ethcrypto.PubkeyToAddress(*pub).Hex()
	if got != NormalizeAddress(s.Txn.Sender) {
		return fmt.Errorf("ledger: signature by %s does not match sender %s", got, s.Txn.Sender)
	}
	return nil
}

// Signer signs transactions for one account. Key material never leaves the
// implementation.
type Signer interface {
	Address() string
	SignTxn(txn Txn) (SignedTxn, error)
}

// TxnWithSigner pairs an unsigned transaction with the signer that will
// authorize it once the group is assembled.
type TxnWithSigner struct {
	Txn    Txn
	Signer Signer
}

// ApplicationAddress derives the custodial account controlled by an
// application.
func ApplicationAddress(appID uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], appID)
	h := ethcrypto.Keccak256([]byte("appID"), buf[:])
	return common.BytesToAddress(h[12:]).Hex()
}

// NormalizeAddress returns the checksummed form of addr.
func NormalizeAddress(addr string) string {
	return common.HexToAddress(strings.TrimSpace(addr)).Hex()
}

// ValidAddress reports whether addr is a well-formed account address.
func ValidAddress(addr string) bool {
	return common.IsHexAddress(strings.TrimSpace(addr))
}

// GroupID computes the identifier binding txns into one atomic group. The
// Group field of each input is ignored.
func GroupID(txns []Txn) string {
	parts := make([][]byte, 0, len(txns)+1)
	parts = append(parts, []byte("TG"))
	for _, t := range txns {
		t.Group = ""
		parts = append(parts, t.Digest())
	}
	return hex.EncodeToString(ethcrypto.Keccak256(parts...))
}
