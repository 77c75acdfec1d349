package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ListingStore persists the client-side listing records.
type ListingStore interface {
	Upsert(ctx context.Context, l Listing) error
	GetByID(ctx context.Context, id uint64) (Listing, error)
	List(ctx context.Context, opts ListOpts) ([]Listing, error)
	ListBySeller(ctx context.Context, seller string, opts ListOpts) ([]Listing, error)
	UpdateStatus(ctx context.Context, id uint64, status ListingStatus) error
	UpdatePrice(ctx context.Context, id uint64, price uint64) error
}

// PurchaseStore persists confirmed purchases.
type PurchaseStore interface {
	Insert(ctx context.Context, p Purchase) error
	ListByListing(ctx context.Context, listingID uint64, opts ListOpts) ([]Purchase, error)
	ListByBuyer(ctx context.Context, buyer string, opts ListOpts) ([]Purchase, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
