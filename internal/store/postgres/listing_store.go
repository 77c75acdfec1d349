package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a ListingStore backed by the given connection pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

const listingCols = `app_id::text, address, asset_id::text, seller,
	unitary_price::text, quantity::text, minted_asset, status, last_step,
	created_at, updated_at`

// Upsert inserts or updates a listing record. created_at is kept from the
// first insert.
func (s *ListingStore) Upsert(ctx context.Context, l domain.Listing) error {
	const query = `
		INSERT INTO listings (
			app_id, address, asset_id, seller, unitary_price, quantity,
			minted_asset, status, last_step, created_at, updated_at
		) VALUES (
			$1::numeric, $2, $3::numeric, $4, $5::numeric, $6::numeric,
			$7, $8, $9, $10, NOW()
		)
		ON CONFLICT (app_id) DO UPDATE SET
			address       = EXCLUDED.address,
			asset_id      = EXCLUDED.asset_id,
			seller        = EXCLUDED.seller,
			unitary_price = EXCLUDED.unitary_price,
			quantity      = EXCLUDED.quantity,
			minted_asset  = EXCLUDED.minted_asset,
			status        = EXCLUDED.status,
			last_step     = EXCLUDED.last_step,
			updated_at    = NOW()`

	_, err := s.pool.Exec(ctx, query,
		u64(l.ID), l.Address, u64(l.AssetID), l.Seller,
		u64(l.UnitaryPrice), u64(l.Quantity),
		l.MintedAsset, string(l.Status), l.LastStep.String(), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert listing %d: %w", l.ID, err)
	}
	return nil
}

func scanListing(row pgx.Row) (domain.Listing, error) {
	var l domain.Listing
	var id, asset, price, quantity, status, step string
	if err := row.Scan(
		&id, &l.Address, &asset, &l.Seller,
		&price, &quantity, &l.MintedAsset, &status, &step,
		&l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return domain.Listing{}, err
	}

	var err error
	if l.ID, err = parseU64("app_id", id); err != nil {
		return domain.Listing{}, err
	}
	if l.AssetID, err = parseU64("asset_id", asset); err != nil {
		return domain.Listing{}, err
	}
	if l.UnitaryPrice, err = parseU64("unitary_price", price); err != nil {
		return domain.Listing{}, err
	}
	if l.Quantity, err = parseU64("quantity", quantity); err != nil {
		return domain.Listing{}, err
	}
	l.Status = domain.ListingStatus(status)
	l.LastStep = domain.ParseCreateStep(step)
	return l, nil
}

// GetByID retrieves a listing by its application id.
func (s *ListingStore) GetByID(ctx context.Context, id uint64) (domain.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE app_id = $1::numeric`, u64(id))
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %d: %w", id, err)
	}
	return l, nil
}

// List returns listings, newest first.
func (s *ListingStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	return s.query(ctx, "", nil, opts)
}

// ListBySeller returns the listings created by seller, newest first.
func (s *ListingStore) ListBySeller(ctx context.Context, seller string, opts domain.ListOpts) ([]domain.Listing, error) {
	return s.query(ctx, "seller = $1", []any{seller}, opts)
}

func (s *ListingStore) query(ctx context.Context, where string, args []any, opts domain.ListOpts) ([]domain.Listing, error) {
	query := `SELECT ` + listingCols + ` FROM listings WHERE 1=1`
	if where != "" {
		query += " AND " + where
	}
	query, args = appendListOpts(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings: %w", err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list listings rows: %w", err)
	}
	return out, nil
}

// UpdateStatus sets a listing's status.
func (s *ListingStore) UpdateStatus(ctx context.Context, id uint64, status domain.ListingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET status = $2, updated_at = NOW() WHERE app_id = $1::numeric`,
		u64(id), string(status))
	if err != nil {
		return fmt.Errorf("postgres: update listing %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdatePrice sets a listing's recorded unitary price.
func (s *ListingStore) UpdatePrice(ctx context.Context, id uint64, price uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET unitary_price = $2::numeric, updated_at = NOW() WHERE app_id = $1::numeric`,
		u64(id), u64(price))
	if err != nil {
		return fmt.Errorf("postgres: update listing %d price: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// appendListOpts adds the time window, ordering and paging shared by the
// list queries.
func appendListOpts(query string, args []any, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

var _ domain.ListingStore = (*ListingStore)(nil)
