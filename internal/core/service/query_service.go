package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// QueryService serves read-only projections of committed state.
type QueryService struct {
	repo port.DatabaseRepository
}

func NewQueryService(repo port.DatabaseRepository) *QueryService {
	return &QueryService{repo: repo}
}

func (q *QueryService) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	return q.repo.ListProducts(ctx, activeOnly)
}

func (q *QueryService) ListActiveProducts(ctx context.Context) ([]domain.Product, error) {
	return q.repo.ListProducts(ctx, true)
}

func (q *QueryService) LowStock(ctx context.Context) ([]domain.Product, error) {
	return q.repo.ListLowStock(ctx)
}

func (q *QueryService) SearchProducts(ctx context.Context, keyword string) ([]domain.Product, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, domain.NewValidationError("q", "search keyword is required")
	}
	return q.repo.SearchProducts(ctx, keyword)
}

func (q *QueryService) ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, domain.NewValidationError("to", "must not be before from")
	}
	filter.Limit = clampLimit(filter.Limit)
	return q.repo.ListBills(ctx, filter)
}

func (q *QueryService) GetBill(ctx context.Context, id int64) (domain.Bill, error) {
	if id <= 0 {
		return domain.Bill{}, domain.BillNotFound(strconv.FormatInt(id, 10))
	}
	return q.repo.GetBill(ctx, id)
}

func (q *QueryService) GetBillByNumber(ctx context.Context, number string) (domain.Bill, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return domain.Bill{}, domain.BillNotFound(number)
	}
	return q.repo.GetBillByNumber(ctx, number)
}

// ListTransactions lists ledger rows newest first, optionally for one product.
func (q *QueryService) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	if filter.ProductID < 0 {
		return nil, domain.NewValidationError("productId", "must be positive")
	}
	filter.Limit = clampLimit(filter.Limit)
	return q.repo.ListTransactions(ctx, filter)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
