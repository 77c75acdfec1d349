// Package config defines the marketplace configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by DMARKET_* environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Marketplace MarketplaceConfig `toml:"marketplace"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig lists the accounts this process signs for. The first one is
// the default account.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// ExtraKeys are further raw private keys (hex).
	ExtraKeys []string `toml:"extra_keys"`
}

// HasKey reports whether a primary key source is configured.
func (w WalletConfig) HasKey() bool {
	return w.PrivateKey != "" || w.EncryptedKeyPath != ""
}

// LedgerConfig selects the ledger backend and its fee model. All amounts are
// in the smallest currency unit.
type LedgerConfig struct {
	// Backend is "sim", the in-process ledger.
	Backend             string `toml:"backend"`
	GenesisID           string `toml:"genesis_id"`
	MinFee              uint64 `toml:"min_fee"`
	AccountMBR          uint64 `toml:"account_mbr"`
	AssetMBR            uint64 `toml:"asset_mbr"`
	FeeBuffer           uint64 `toml:"fee_buffer"`
	DeleteFeeMultiplier uint64 `toml:"delete_fee_multiplier"`
	// GenesisFunding is credited to every wallet account on the sim ledger.
	GenesisFunding uint64 `toml:"genesis_funding"`
	// DevAccounts generates this many extra funded accounts on the sim
	// ledger.
	DevAccounts int `toml:"dev_accounts"`
}

// MarketplaceConfig tunes listing creation and purchases.
type MarketplaceConfig struct {
	AssetName string `toml:"asset_name"`
	UnitName  string `toml:"unit_name"`
	// AutoOptIn opts buyers into the listing asset within the purchase
	// group.
	AutoOptIn bool     `toml:"auto_opt_in"`
	LockTTL   duration `toml:"lock_ttl"`
	DedupTTL  duration `toml:"dedup_ttl"`
	ViewTTL   duration `toml:"view_ttl"`
}

// PostgresConfig holds the database connection. Disabled keeps records in
// memory.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the Redis connection. Disabled uses in-process cache,
// locks, bus and rate limiter.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds the archive bucket. Disabled skips archiving.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration decodes TOML strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	HMACKey     string   `toml:"hmac_key"`
	HMACSecret  string   `toml:"hmac_secret"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds the alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns the built-in configuration. It runs the API against the
// in-process ledger with in-memory backends.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Backend:             "sim",
			GenesisID:           "dmarket-devnet-v1",
			MinFee:              1_000,
			AccountMBR:          100_000,
			AssetMBR:            100_000,
			FeeBuffer:           1_000,
			DeleteFeeMultiplier: 3,
			GenesisFunding:      100_000_000,
			DevAccounts:         2,
		},
		Marketplace: MarketplaceConfig{
			AssetName: "Digital Good",
			UnitName:  "DGOOD",
			AutoOptIn: true,
			LockTTL:   duration{2 * time.Minute},
			DedupTTL:  duration{10 * time.Minute},
			ViewTTL:   duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dmarket-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"listing_created", "sold_out", "listing_deleted"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve": true,
	"demo":  true,
}

var validBackends = map[string]bool{
	"sim": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every invalid or missing value at once.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, demo)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	if !validBackends[strings.ToLower(c.Ledger.Backend)] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: sim)", c.Ledger.Backend))
	}
	if c.Ledger.MinFee == 0 {
		errs = append(errs, "ledger: min_fee must be > 0")
	}
	if c.Ledger.DeleteFeeMultiplier < 1 {
		errs = append(errs, "ledger: delete_fee_multiplier must be >= 1")
	}
	if c.Ledger.FeeBuffer < c.Ledger.MinFee {
		errs = append(errs, "ledger: fee_buffer must cover min_fee for the listing's inner opt-in")
	}
	if c.Ledger.DevAccounts < 0 {
		errs = append(errs, "ledger: dev_accounts must be >= 0")
	}
	if !c.Wallet.HasKey() && c.Ledger.DevAccounts == 0 {
		errs = append(errs, "wallet: set private_key or encrypted_key_path, or ledger.dev_accounts > 0")
	}

	if c.Marketplace.LockTTL.Duration <= 0 {
		errs = append(errs, "marketplace: lock_ttl must be > 0")
	}
	if c.Marketplace.DedupTTL.Duration <= 0 {
		errs = append(errs, "marketplace: dedup_ttl must be > 0")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if (c.Server.HMACKey == "") != (c.Server.HMACSecret == "") {
			errs = append(errs, "server: hmac_key and hmac_secret must be set together")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
