package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/digitalmarket/internal/blob/s3"
	"github.com/alanyoungcy/digitalmarket/internal/cache/memory"
	"github.com/alanyoungcy/digitalmarket/internal/cache/redis"
	"github.com/alanyoungcy/digitalmarket/internal/config"
	"github.com/alanyoungcy/digitalmarket/internal/crypto"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger/simledger"
	"github.com/alanyoungcy/digitalmarket/internal/listing"
	"github.com/alanyoungcy/digitalmarket/internal/notify"
	"github.com/alanyoungcy/digitalmarket/internal/purchase"
	"github.com/alanyoungcy/digitalmarket/internal/server/handler"
	"github.com/alanyoungcy/digitalmarket/internal/service"
	"github.com/alanyoungcy/digitalmarket/internal/statesync"
	memstore "github.com/alanyoungcy/digitalmarket/internal/store/memory"
	"github.com/alanyoungcy/digitalmarket/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Ledger  *simledger.Ledger
	Keyring *crypto.Keyring

	// Stores
	ListingStore  domain.ListingStore
	PurchaseStore domain.PurchaseStore
	AuditStore    domain.AuditStore

	// Caches
	ViewCache   domain.ListingViewCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil when S3 is disabled.
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier

	Sync    *statesync.Synchronizer
	Service *service.MarketplaceService

	// Checks feed GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs the concrete implementations selected by cfg and returns
// them with a cleanup function to call on shutdown. Postgres, Redis and S3
// are optional; the in-process backends stand in when they are disabled.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Ledger and accounts ---
	deps.Ledger = simledger.New(simledger.Config{
		MinFee:     cfg.Ledger.MinFee,
		AccountMBR: cfg.Ledger.AccountMBR,
		AssetMBR:   cfg.Ledger.AssetMBR,
		GenesisID:  cfg.Ledger.GenesisID,
	}, logger)
	deps.Checks["ledger"] = func(ctx context.Context) error {
		_, err := deps.Ledger.SuggestedParams(ctx)
		return err
	}

	keyring, err := buildKeyring(cfg, deps.Ledger, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: wallet: %w", err))
	}
	deps.Keyring = keyring

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.ListingStore = postgres.NewListingStore(pool)
		deps.PurchaseStore = postgres.NewPurchaseStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		deps.ListingStore = memstore.NewListingStore()
		deps.PurchaseStore = memstore.NewPurchaseStore()
		deps.AuditStore = memstore.NewAuditStore()
	}

	// --- Redis ---
	viewTTL := cfg.Marketplace.ViewTTL.Duration
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.ViewCache = redis.NewListingViewCache(redisClient, viewTTL)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.ViewCache = memory.NewListingViewCache(viewTTL)
		deps.RateLimiter = memory.NewRateLimiter()
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client))
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Marketplace ---
	params := listing.Params{
		AccountMBR:          cfg.Ledger.AccountMBR,
		AssetMBR:            cfg.Ledger.AssetMBR,
		FeeBuffer:           cfg.Ledger.FeeBuffer,
		DeleteFeeMultiplier: cfg.Ledger.DeleteFeeMultiplier,
		AssetName:           cfg.Marketplace.AssetName,
		UnitName:            cfg.Marketplace.UnitName,
	}
	deps.Sync = statesync.New(deps.Ledger, deps.ViewCache, logger)
	backends := service.Backends{
		Listings:  deps.ListingStore,
		Purchases: deps.PurchaseStore,
		Audit:     deps.AuditStore,
		Locks:     deps.LockManager,
		Bus:       deps.SignalBus,
		Notifier:  deps.Notifier,
		Archiver:  deps.Archiver,
	}
	deps.Service = service.NewMarketplaceService(
		listing.NewManager(deps.Ledger, params, logger),
		purchase.NewOrchestrator(deps.Ledger, deps.Sync, logger,
			purchase.WithFeeBuffer(cfg.Ledger.FeeBuffer),
			purchase.WithAutoOptIn(cfg.Marketplace.AutoOptIn),
		),
		deps.Sync,
		deps.Keyring,
		backends,
		service.Config{
			LockTTL:  cfg.Marketplace.LockTTL.Duration,
			DedupTTL: cfg.Marketplace.DedupTTL.Duration,
		},
		logger,
	)

	return deps, cleanup, nil
}

// buildKeyring loads the configured wallet accounts, generates dev accounts,
// and funds each one on the sim ledger.
func buildKeyring(cfg *config.Config, l *simledger.Ledger, logger *slog.Logger) (*crypto.Keyring, error) {
	keyring := crypto.NewKeyring()
	fund := func(s *crypto.Signer) {
		if cfg.Ledger.GenesisFunding > 0 {
			l.Fund(s.Address(), cfg.Ledger.GenesisFunding)
		}
		keyring.Add(s)
	}

	if cfg.Wallet.HasKey() {
		s, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey: cfg.Wallet.PrivateKey,
			KeyFile:       cfg.Wallet.EncryptedKeyPath,
			KeyPassword:   cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, err
		}
		fund(s)
	}
	for i, k := range cfg.Wallet.ExtraKeys {
		s, err := crypto.NewSigner(k)
		if err != nil {
			return nil, fmt.Errorf("extra key %d: %w", i, err)
		}
		fund(s)
	}
	for i := 0; i < cfg.Ledger.DevAccounts; i++ {
		s, err := l.NewAccount(0)
		if err != nil {
			return nil, err
		}
		fund(s)
		logger.Info("wire: dev account", slog.String("address", s.Address()))
	}

	if len(keyring.Addresses()) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}
	return keyring, nil
}
