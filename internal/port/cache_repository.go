package port

import (
	"context"

	"github.com/rl1809/stock-billing/internal/core/domain"
)

type IdempotencyGuard interface {
	// Claim records key, returns false if it already exists
	Claim(ctx context.Context, key string) (bool, error)

	// Release forgets key so a failed request can be retried
	Release(ctx context.Context, key string) error
}

type AlertPublisher interface {
	PublishLowStock(ctx context.Context, event domain.LowStockEvent) error
}
