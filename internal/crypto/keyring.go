package crypto

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// Keyring holds the accounts this process can sign for, keyed by address.
// It is safe for concurrent use.
type Keyring struct {
	mu       sync.RWMutex
	signers  map[string]ledger.Signer
	fallback string
}

// NewKeyring creates a Keyring holding signers. The first one becomes the
// default account.
func NewKeyring(signers ...ledger.Signer) *Keyring {
	k := &Keyring{signers: make(map[string]ledger.Signer)}
	for _, s := range signers {
		k.Add(s)
	}
	return k
}

// Add registers s.
func (k *Keyring) Add(s ledger.Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	addr := ledger.NormalizeAddress(s.Address())
	k.signers[addr] = s
	if k.fallback == "" {
		k.fallback = addr
	}
}

// Signer resolves addr. An empty addr selects the default account.
func (k *Keyring) Signer(addr string) (ledger.Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if addr == "" {
		addr = k.fallback
	}
	if addr == "" {
		return nil, fmt.Errorf("crypto/keyring: no accounts: %w", domain.ErrNotFound)
	}
	s, ok := k.signers[ledger.NormalizeAddress(addr)]
	if !ok {
		return nil, fmt.Errorf("crypto/keyring: account %s: %w", addr, domain.ErrNotFound)
	}
	return s, nil
}

// Addresses lists the held accounts in sorted order.
func (k *Keyring) Addresses() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.signers))
	for a := range k.signers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
