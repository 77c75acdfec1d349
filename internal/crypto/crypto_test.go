package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// Well-known throwaway key; never funded anywhere.
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestNewSigner(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address())

	_, err = NewSigner("zz")
	require.Error(t, err)
}

func TestSigner_SignTxn(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	other, _, err := GenerateSigner()
	require.NoError(t, err)

	p := ledger.Params{MinFee: 1000, FirstValid: 1}
	stx, err := s.SignTxn(ledger.PaymentTxn(p, s.Address(), other.Address(), 10))
	require.NoError(t, err)
	require.Len(t, stx.Sig, 65)
	require.NoError(t, stx.Verify())

	_, err = s.SignTxn(ledger.PaymentTxn(p, other.Address(), s.Address(), 10))
	require.Error(t, err)
}

func TestEncryptKey_RoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	addr, err := KeyFileAddress(blob)
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", addr)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)

	_, err = EncryptKey(testKey, "")
	require.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err := LoadKey(KeyConfig{KeyFile: path, KeyPassword: "pw"})
	require.NoError(t, err)
	require.Equal(t, testKey, k)

	// The raw key wins over the file.
	k, err = LoadKey(KeyConfig{RawPrivateKey: "0xabcd", KeyFile: path, KeyPassword: "pw"})
	require.NoError(t, err)
	require.Equal(t, "abcd", k)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)

	s, err := LoadSigner(KeyConfig{KeyFile: path, KeyPassword: "pw"})
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address())
}

func TestKeyring(t *testing.T) {
	a, _, err := GenerateSigner()
	require.NoError(t, err)
	b, _, err := GenerateSigner()
	require.NoError(t, err)

	k := NewKeyring(a, b)
	require.Len(t, k.Addresses(), 2)

	got, err := k.Signer("")
	require.NoError(t, err)
	require.Equal(t, a.Address(), got.Address())

	got, err = k.Signer(b.Address())
	require.NoError(t, err)
	require.Equal(t, b.Address(), got.Address())

	_, err = k.Signer("0x0000000000000000000000000000000000000001")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = NewKeyring().Signer("")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHMACAuth_Verify(t *testing.T) {
	h := &HMACAuth{Key: "key", Secret: "secret", MaxSkew: time.Minute}
	now := time.Unix(1_700_000_000, 0)

	hdr := h.HeadersAt("POST", "/api/listings", `{"quantity":1}`, now.Unix())
	require.NoError(t, h.Verify(hdr[HeaderKey], hdr[HeaderTimestamp], hdr[HeaderSignature],
		"POST", "/api/listings", `{"quantity":1}`, now))

	require.Error(t, h.Verify(hdr[HeaderKey], hdr[HeaderTimestamp], hdr[HeaderSignature],
		"POST", "/api/listings", `{"quantity":2}`, now))
	require.Error(t, h.Verify("other", hdr[HeaderTimestamp], hdr[HeaderSignature],
		"POST", "/api/listings", `{"quantity":1}`, now))
	require.Error(t, h.Verify(hdr[HeaderKey], hdr[HeaderTimestamp], hdr[HeaderSignature],
		"POST", "/api/listings", `{"quantity":1}`, now.Add(2*time.Minute)))

	require.Equal(t, "HMACAuth{key=****, secret=secr****}", h.String())
}
