package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/digitalmarket/internal/blob/s3"
	"github.com/alanyoungcy/digitalmarket/internal/crypto"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
	"github.com/alanyoungcy/digitalmarket/internal/server"
	"github.com/alanyoungcy/digitalmarket/internal/server/handler"
	"github.com/alanyoungcy/digitalmarket/internal/server/ws"
	"github.com/alanyoungcy/digitalmarket/internal/service"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Minute
)

// ServeMode runs the HTTP API, the WebSocket event hub and the idempotency
// key sweeper until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode",
		slog.Any("accounts", deps.Keyring.Addresses()),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweepDedup(ctx, deps.Service.Dedup(), cleanupInterval)
	})

	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false; serve mode only keeps the ledger alive")
		return ignoreCanceled(g.Wait())
	}

	hub := ws.NewHub(deps.SignalBus, a.base, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(a.serverConfig(), server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.base),
		Listings: handler.NewListingHandler(deps.Service, deps.BlobReader, s3blob.ArchivePrefix, a.base),
	}, hub, deps.RateLimiter, a.base)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return ignoreCanceled(g.Wait())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serverConfig() server.Config {
	cfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}
	if a.cfg.Server.HMACKey != "" {
		cfg.HMAC = &crypto.HMACAuth{
			Key:     a.cfg.Server.HMACKey,
			Secret:  a.cfg.Server.HMACSecret,
			MaxSkew: 30 * time.Second,
		}
	}
	return cfg
}

// sweepDedup drops expired idempotency keys every interval.
func sweepDedup(ctx context.Context, d *service.Dedup, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Cleanup()
		}
	}
}

// DemoMode walks one listing through its life on the configured ledger: the
// default account lists goods, a second account buys some, the seller
// reprices, the buyer buys the rest and the seller deletes the listing.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode")

	accounts := deps.Keyring.Addresses()
	seller, err := deps.Keyring.Signer("")
	if err != nil {
		return fmt.Errorf("demo: seller: %w", err)
	}
	buyerAddr := ""
	for _, addr := range accounts {
		if addr != ledger.NormalizeAddress(seller.Address()) {
			buyerAddr = addr
			break
		}
	}
	if buyerAddr == "" {
		s, err := deps.Ledger.NewAccount(a.cfg.Ledger.GenesisFunding)
		if err != nil {
			return fmt.Errorf("demo: buyer: %w", err)
		}
		deps.Keyring.Add(s)
		buyerAddr = s.Address()
	}
	svc := deps.Service

	created, err := svc.CreateListing(ctx, service.CreateInput{
		Seller:       seller.Address(),
		UnitaryPrice: 500_000,
		Quantity:     10,
	})
	if err != nil {
		return fmt.Errorf("demo: create listing (stopped after %s): %w", created.Progress.Completed, err)
	}
	id := created.Progress.ListingID
	a.logView(ctx, "demo: listing created", created.View)

	receipt, err := svc.Buy(ctx, service.BuyInput{
		Buyer:        buyerAddr,
		ListingID:    id,
		Quantity:     3,
		UnitaryPrice: created.View.UnitaryPrice,
	})
	if err != nil {
		return fmt.Errorf("demo: first purchase: %w", err)
	}
	a.logger.InfoContext(ctx, "demo: purchased",
		slog.Uint64("quantity", receipt.Quantity),
		slog.Uint64("amount", receipt.Amount),
		slog.String("payment_tx_id", receipt.PaymentTxID),
	)

	view, err := svc.SetPrice(ctx, service.PriceInput{
		Seller:       seller.Address(),
		ListingID:    id,
		UnitaryPrice: 750_000,
	})
	if err != nil {
		return fmt.Errorf("demo: set price: %w", err)
	}
	a.logView(ctx, "demo: repriced", view)

	// A buyer quoting the stale price is refused by the contract.
	if _, err := svc.Buy(ctx, service.BuyInput{
		Buyer: buyerAddr, ListingID: id, Quantity: 1, UnitaryPrice: 500_000,
	}); err != nil {
		a.logger.InfoContext(ctx, "demo: stale price rejected", slog.String("error", err.Error()))
	}

	// The contract only deletes an empty listing, so buy out the rest.
	receipt, err = svc.Buy(ctx, service.BuyInput{
		Buyer:        buyerAddr,
		ListingID:    id,
		Quantity:     view.UnitsLeft,
		UnitaryPrice: view.UnitaryPrice,
	})
	if err != nil {
		return fmt.Errorf("demo: second purchase: %w", err)
	}
	a.logView(ctx, "demo: sold out", receipt.View)

	purchases, err := svc.ListPurchases(ctx, id, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("demo: list purchases: %w", err)
	}
	a.logger.InfoContext(ctx, "demo: purchase history", slog.Int("count", len(purchases)))

	deleted, err := svc.DeleteListing(ctx, seller.Address(), id)
	if err != nil {
		return fmt.Errorf("demo: delete listing: %w", err)
	}
	a.logger.InfoContext(ctx, "demo: listing deleted",
		slog.Uint64("listing_id", deleted.ListingID),
		slog.Uint64("round", deleted.Round),
		slog.String("archive_path", deleted.ArchivePath),
	)
	a.logView(ctx, "demo: final view", svc.Refresh(ctx, id))
	return nil
}

func (a *App) logView(ctx context.Context, msg string, v domain.ListingView) {
	a.logger.InfoContext(ctx, msg,
		slog.Uint64("listing_id", v.ListingID),
		slog.Uint64("asset_id", v.AssetID),
		slog.Uint64("unitary_price", v.UnitaryPrice),
		slog.Uint64("units_left", v.UnitsLeft),
		slog.Bool("exists", v.Exists()),
	)
}
