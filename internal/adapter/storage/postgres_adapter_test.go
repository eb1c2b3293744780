package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

func newPostgresAdapter(t *testing.T) *PostgresAdapter {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	adapter := NewPostgresAdapter(pool, time.Second)
	require.NoError(t, adapter.Migrate(ctx))
	return adapter
}

func TestPostgres_ProductRoundTrip(t *testing.T) {
	adapter := newPostgresAdapter(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p, err := adapter.CreateProduct(ctx, domain.Product{
		Name:          "Postgres test item",
		Category:      "Test",
		SKU:           fmt.Sprintf("PGT-%d", time.Now().UnixNano()),
		SellingPrice:  decimal.RequireFromString("19.99"),
		PurchasePrice: decimal.RequireFromString("11.25"),
		MinStockLevel: 3,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)

	got, err := adapter.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.SellingPrice.Equal(p.SellingPrice))
	assert.True(t, got.PurchasePrice.Equal(p.PurchasePrice))

	_, err = adapter.CreateProduct(ctx, p)
	assert.ErrorIs(t, err, domain.ErrDuplicateSKU)

	off, err := adapter.SetProductActive(ctx, p.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Active)
}

func TestPostgres_LockTimeoutIsConcurrencyError(t *testing.T) {
	adapter := newPostgresAdapter(t)
	ctx := context.Background()
	now := time.Now().UTC()
	p, err := adapter.CreateProduct(ctx, domain.Product{
		Name: "Lock item", Category: "Test", SKU: fmt.Sprintf("PGL-%d", time.Now().UnixNano()),
		SellingPrice: decimal.NewFromInt(1), PurchasePrice: decimal.NewFromInt(1),
		Active: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- adapter.WithProductLocks(ctx, []int64{p.ID}, func(context.Context, port.TxRepository) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err = adapter.WithProductLocks(ctx, []int64{p.ID}, func(context.Context, port.TxRepository) error { return nil })
	assert.ErrorIs(t, err, domain.ErrConcurrency)

	close(release)
	require.NoError(t, <-done)
}

func TestPostgres_IdempotencyAndSequence(t *testing.T) {
	adapter := newPostgresAdapter(t)
	ctx := context.Background()
	key := fmt.Sprintf("bill:pg-%d", time.Now().UnixNano())

	ok, err := adapter.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = adapter.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, adapter.Release(ctx, key))

	first, err := adapter.NextBillNumber(ctx)
	require.NoError(t, err)
	second, err := adapter.NextBillNumber(ctx)
	require.NoError(t, err)
	assert.Less(t, first, second)

	seq, err := domain.ParseBillNumber(second)
	require.NoError(t, err)
	highest, err := adapter.MaxBillSequence(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, highest, seq)
}
