package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

// PurchaseStore implements domain.PurchaseStore using PostgreSQL.
type PurchaseStore struct {
	pool *pgxpool.Pool
}

// NewPurchaseStore creates a PurchaseStore backed by the given connection
// pool.
func NewPurchaseStore(pool *pgxpool.Pool) *PurchaseStore {
	return &PurchaseStore{pool: pool}
}

const purchaseCols = `id::text, app_id::text, buyer, quantity::text,
	unitary_price::text, amount::text, payment_tx_id, call_tx_id,
	round::text, units_left::text, created_at`

// Insert records a confirmed purchase. Re-inserting the same id is a no-op.
func (s *PurchaseStore) Insert(ctx context.Context, p domain.Purchase) error {
	const query = `
		INSERT INTO purchases (
			id, app_id, buyer, quantity, unitary_price, amount,
			payment_tx_id, call_tx_id, round, units_left, created_at
		) VALUES (
			$1, $2::numeric, $3, $4::numeric, $5::numeric, $6::numeric,
			$7, $8, $9::numeric, $10::numeric, $11
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		p.ID, u64(p.ListingID), p.Buyer, u64(p.Quantity), u64(p.UnitaryPrice), u64(p.Amount),
		p.PaymentTxID, p.CallTxID, u64(p.Round), u64(p.UnitsLeft), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert purchase %s: %w", p.ID, err)
	}
	return nil
}

func scanPurchase(row pgx.Row) (domain.Purchase, error) {
	var p domain.Purchase
	var listing, quantity, price, amount, round, units string
	if err := row.Scan(
		&p.ID, &listing, &p.Buyer, &quantity,
		&price, &amount, &p.PaymentTxID, &p.CallTxID,
		&round, &units, &p.CreatedAt,
	); err != nil {
		return domain.Purchase{}, err
	}

	fields := []struct {
		col string
		src string
		dst *uint64
	}{
		{"app_id", listing, &p.ListingID},
		{"quantity", quantity, &p.Quantity},
		{"unitary_price", price, &p.UnitaryPrice},
		{"amount", amount, &p.Amount},
		{"round", round, &p.Round},
		{"units_left", units, &p.UnitsLeft},
	}
	for _, f := range fields {
		v, err := parseU64(f.col, f.src)
		if err != nil {
			return domain.Purchase{}, err
		}
		*f.dst = v
	}
	return p, nil
}

// ListByListing returns a listing's purchases, newest first.
func (s *PurchaseStore) ListByListing(ctx context.Context, listingID uint64, opts domain.ListOpts) ([]domain.Purchase, error) {
	return s.query(ctx, "app_id = $1::numeric", []any{u64(listingID)}, opts)
}

// ListByBuyer returns a buyer's purchases, newest first.
func (s *PurchaseStore) ListByBuyer(ctx context.Context, buyer string, opts domain.ListOpts) ([]domain.Purchase, error) {
	return s.query(ctx, "buyer = $1", []any{buyer}, opts)
}

func (s *PurchaseStore) query(ctx context.Context, where string, args []any, opts domain.ListOpts) ([]domain.Purchase, error) {
	query, args := appendListOpts(`SELECT `+purchaseCols+` FROM purchases WHERE `+where, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list purchases: %w", err)
	}
	defer rows.Close()

	var out []domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan purchase: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list purchases rows: %w", err)
	}
	return out, nil
}

var _ domain.PurchaseStore = (*PurchaseStore)(nil)
