package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// Signer authorizes ledger transactions for one secp256k1 account.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// GenerateSigner creates a Signer for a fresh random key and returns the key
// hex alongside it.
func GenerateSigner() (*Signer, string, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("crypto/signer: generating key: %w", err)
	}
	s := &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
	return s, hex.EncodeToString(ethcrypto.FromECDSA(pk)), nil
}

// Address returns the checksummed account address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignTxn signs txn. The sender must be this account.
func (s *Signer) SignTxn(txn ledger.Txn) (ledger.SignedTxn, error) {
	if ledger.NormalizeAddress(txn.Sender) != s.address.Hex() {
		return ledger.SignedTxn{}, fmt.Errorf("crypto/signer: txn sender %s is not %s", txn.Sender, s.address.Hex())
	}
	sig, err := ethcrypto.Sign(txn.Digest(), s.privateKey)
	if err != nil {
		return ledger.SignedTxn{}, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	return ledger.SignedTxn{Txn: txn, Sig: sig}, nil
}

func (s *Signer) String() string {
	return "Signer{" + s.address.Hex() + "}"
}
