package port

import (
	"context"

	"github.com/rl1809/stock-billing/internal/core/domain"
)

type DatabaseRepository interface {
	// CreateProduct assigns the id; returns domain.ErrDuplicateSKU on a SKU clash
	CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error)

	// GetProduct returns the last committed product state
	GetProduct(ctx context.Context, id int64) (domain.Product, error)

	// SetProductActive toggles the catalog flag; stock is untouched
	SetProductActive(ctx context.Context, id int64, active bool) (domain.Product, error)

	// ListProducts orders by id ascending
	ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error)

	// ListLowStock returns active products with current stock <= min stock level
	ListLowStock(ctx context.Context) ([]domain.Product, error)

	// SearchProducts matches name or SKU case-insensitively
	SearchProducts(ctx context.Context, keyword string) ([]domain.Product, error)

	// ListTransactions returns ledger rows newest first
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error)

	GetBill(ctx context.Context, id int64) (domain.Bill, error)
	GetBillByNumber(ctx context.Context, number string) (domain.Bill, error)

	// ListBills returns bills newest first, without items
	ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error)

	// MaxBillSequence returns the highest bill sequence value issued or
	// persisted so far, or 0 when none exists.
	MaxBillSequence(ctx context.Context) (int64, error)

	// WithProductLocks holds exclusive locks on productIDs (acquired in
	// ascending id order) for the duration of fn. Writes made through the
	// TxRepository become visible together when fn returns nil and are
	// discarded otherwise. Lock wait timeouts return domain.ErrConcurrency.
	WithProductLocks(ctx context.Context, productIDs []int64, fn func(context.Context, TxRepository) error) error
}

// TxRepository is the write surface available while product locks are held.
type TxRepository interface {
	// Product reads a locked product; ids outside the locked set are rejected
	Product(ctx context.Context, id int64) (domain.Product, error)

	UpdateStock(ctx context.Context, productID, stock int64) error

	InsertTransaction(ctx context.Context, txn domain.StockTransaction) (domain.StockTransaction, error)

	// InsertBill stores the bill and its items, assigning ids
	InsertBill(ctx context.Context, bill domain.Bill) (domain.Bill, error)
}

type Sequencer interface {
	// NextBillNumber returns a unique, strictly increasing bill number.
	// Numbers taken by aborted bills are never reissued.
	NextBillNumber(ctx context.Context) (string, error)
}
