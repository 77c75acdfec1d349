package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/cache/memory"
	"github.com/alanyoungcy/digitalmarket/internal/config"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	memstore "github.com/alanyoungcy/digitalmarket/internal/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wire(t *testing.T, cfg config.Config) *Dependencies {
	t.Helper()
	deps, cleanup, err := Wire(context.Background(), &cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return deps
}

func TestWire_InMemoryDefaults(t *testing.T) {
	deps := wire(t, config.Defaults())

	require.IsType(t, &memstore.ListingStore{}, deps.ListingStore)
	require.IsType(t, &memory.LockManager{}, deps.LockManager)
	require.IsType(t, &memory.SignalBus{}, deps.SignalBus)
	require.Nil(t, deps.Archiver)
	require.Nil(t, deps.BlobReader)
	require.Len(t, deps.Checks, 1)
	require.NoError(t, deps.Checks["ledger"](context.Background()))

	addrs := deps.Keyring.Addresses()
	require.Len(t, addrs, 2)
	for _, addr := range addrs {
		require.Equal(t, config.Defaults().Ledger.GenesisFunding, mustBalance(t, deps, addr))
	}
}

func TestWire_WalletKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.DevAccounts = 0
	cfg.Wallet.PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	deps := wire(t, cfg)

	s, err := deps.Keyring.Signer("")
	require.NoError(t, err)
	require.Len(t, deps.Keyring.Addresses(), 1)
	require.Equal(t, cfg.Ledger.GenesisFunding, mustBalance(t, deps, s.Address()))
}

func TestWire_Errors(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.DevAccounts = 0
	_, _, err := Wire(context.Background(), &cfg, quietLogger())
	require.ErrorContains(t, err, "no accounts configured")

	cfg.Wallet.ExtraKeys = []string{"not-hex"}
	_, _, err = Wire(context.Background(), &cfg, quietLogger())
	require.ErrorContains(t, err, "extra key 0")
}

func TestDemoMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "demo"
	deps := wire(t, cfg)
	a := New(&cfg, quietLogger())

	require.NoError(t, a.DemoMode(context.Background(), deps))

	listings, err := deps.ListingStore.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.Equal(t, domain.ListingStatusDeleted, listings[0].Status)

	purchases, err := deps.PurchaseStore.ListByListing(context.Background(), listings[0].ID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, purchases, 2)

	entries, err := deps.AuditStore.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	require.Equal(t, []string{
		"listing_deleted", "purchase", "purchase_failed", "price_changed", "purchase", "listing_created",
	}, events)
}

func TestDemoMode_SingleAccount(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.DevAccounts = 1
	deps := wire(t, cfg)

	require.NoError(t, New(&cfg, quietLogger()).DemoMode(context.Background(), deps))
	require.Len(t, deps.Keyring.Addresses(), 2)
}

func TestServeMode_StopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Port = 0
	deps := wire(t, cfg)
	a := New(&cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeMode(ctx, deps) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve mode did not stop")
	}
}

func TestRun_UnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	a := New(&cfg, quietLogger())
	defer a.Close()
	require.ErrorContains(t, a.Run(context.Background()), `unsupported mode "trade"`)
}

func mustBalance(t *testing.T, deps *Dependencies, addr string) uint64 {
	t.Helper()
	bal, err := deps.Ledger.AccountBalance(context.Background(), addr)
	require.NoError(t, err)
	return bal
}
