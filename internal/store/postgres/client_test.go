package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

func TestDSN(t *testing.T) {
	require.Equal(t, "postgres://u:p@db:5432/market?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "market", User: "u", Password: "p"}))
	require.Equal(t, "postgres://u:p@db:6543/market?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "market", User: "u", Password: "p", SSLMode: "require"}))
	require.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrations(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	require.Equal(t, "001_marketplace.sql", names[0])

	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	require.NoError(t, err)
	for _, table := range []string{"listings", "purchases", "audit_log"} {
		require.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestUint64Columns(t *testing.T) {
	for _, v := range []uint64{0, 1, 1 << 63, ^uint64(0)} {
		got, err := parseU64("amount", u64(v))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
	_, err := parseU64("amount", "-1")
	require.Error(t, err)
}

func TestAppendListOpts(t *testing.T) {
	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	q, args := appendListOpts("SELECT 1 FROM t WHERE buyer = $1", []any{"0xabc"},
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	require.Equal(t, "SELECT 1 FROM t WHERE buyer = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4", q)
	require.Equal(t, []any{"0xabc", since, 10, 20}, args)

	q, args = appendListOpts("SELECT 1 FROM t WHERE 1=1", nil, domain.ListOpts{})
	require.Equal(t, "SELECT 1 FROM t WHERE 1=1 ORDER BY created_at DESC", q)
	require.Empty(t, args)
}
