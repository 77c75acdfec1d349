// Package memory implements the marketplace stores in process memory. It
// backs the service when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

// ListingStore implements domain.ListingStore.
type ListingStore struct {
	mu       sync.RWMutex
	listings map[uint64]domain.Listing
	now      func() time.Time
}

// NewListingStore creates an empty ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{listings: make(map[uint64]domain.Listing), now: time.Now}
}

// Upsert inserts or replaces a listing. CreatedAt is kept from the first
// insert.
func (s *ListingStore) Upsert(_ context.Context, l domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.listings[l.ID]; ok && !prev.CreatedAt.IsZero() {
		l.CreatedAt = prev.CreatedAt
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	l.UpdatedAt = s.now().UTC()
	s.listings[l.ID] = l
	return nil
}

// GetByID returns domain.ErrNotFound for an unknown id.
func (s *ListingStore) GetByID(_ context.Context, id uint64) (domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}

// List returns listings, newest first.
func (s *ListingStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	return s.filter(func(domain.Listing) bool { return true }, opts), nil
}

// ListBySeller returns the listings created by seller, newest first.
func (s *ListingStore) ListBySeller(_ context.Context, seller string, opts domain.ListOpts) ([]domain.Listing, error) {
	return s.filter(func(l domain.Listing) bool { return l.Seller == seller }, opts), nil
}

func (s *ListingStore) filter(keep func(domain.Listing) bool, opts domain.ListOpts) []domain.Listing {
	s.mu.RLock()
	var out []domain.Listing
	for _, l := range s.listings {
		if keep(l) && inWindow(l.CreatedAt, opts) {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts)
}

// UpdateStatus sets a listing's status.
func (s *ListingStore) UpdateStatus(_ context.Context, id uint64, status domain.ListingStatus) error {
	return s.update(id, func(l *domain.Listing) { l.Status = status })
}

// UpdatePrice sets a listing's recorded unitary price.
func (s *ListingStore) UpdatePrice(_ context.Context, id uint64, price uint64) error {
	return s.update(id, func(l *domain.Listing) { l.UnitaryPrice = price })
}

func (s *ListingStore) update(id uint64, fn func(*domain.Listing)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&l)
	l.UpdatedAt = s.now().UTC()
	s.listings[id] = l
	return nil
}

// PurchaseStore implements domain.PurchaseStore.
type PurchaseStore struct {
	mu        sync.RWMutex
	purchases []domain.Purchase
	ids       map[string]bool
}

// NewPurchaseStore creates an empty PurchaseStore.
func NewPurchaseStore() *PurchaseStore {
	return &PurchaseStore{ids: make(map[string]bool)}
}

// Insert records p. Re-inserting the same id is a no-op.
func (s *PurchaseStore) Insert(_ context.Context, p domain.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[p.ID] {
		return nil
	}
	s.ids[p.ID] = true
	s.purchases = append(s.purchases, p)
	return nil
}

// ListByListing returns a listing's purchases, newest first.
func (s *PurchaseStore) ListByListing(_ context.Context, listingID uint64, opts domain.ListOpts) ([]domain.Purchase, error) {
	return s.filter(func(p domain.Purchase) bool { return p.ListingID == listingID }, opts), nil
}

// ListByBuyer returns a buyer's purchases, newest first.
func (s *PurchaseStore) ListByBuyer(_ context.Context, buyer string, opts domain.ListOpts) ([]domain.Purchase, error) {
	return s.filter(func(p domain.Purchase) bool { return p.Buyer == buyer }, opts), nil
}

func (s *PurchaseStore) filter(keep func(domain.Purchase) bool, opts domain.ListOpts) []domain.Purchase {
	s.mu.RLock()
	var out []domain.Purchase
	// Newest first: walk the append log backwards.
	for i := len(s.purchases) - 1; i >= 0; i-- {
		p := s.purchases[i]
		if keep(p) && inWindow(p.CreatedAt, opts) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	return page(out, opts)
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// List returns entries, newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inWindow(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	s.mu.RUnlock()
	return page(out, opts), nil
}

func inWindow(ts time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && ts.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && ts.After(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.ListingStore  = (*ListingStore)(nil)
	_ domain.PurchaseStore = (*PurchaseStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)
