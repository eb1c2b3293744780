package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            int64
	Name          string
	Category      string
	Description   string
	SKU           string
	SellingPrice  decimal.Decimal
	PurchasePrice decimal.Decimal
	MinStockLevel int64
	CurrentStock  int64 // written only by the stock ledger
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsLowStock reports whether the product is at or below its reorder threshold.
func (p Product) IsLowStock() bool {
	return p.CurrentStock <= p.MinStockLevel
}

// ProductDraft is the catalog input for a new product.
type ProductDraft struct {
	Name          string
	Category      string
	Description   string
	SellingPrice  decimal.Decimal
	PurchasePrice decimal.Decimal
	MinStockLevel int64
}

type TransactionType string

const (
	TransactionIn         TransactionType = "IN"
	TransactionOut        TransactionType = "OUT"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionIn, TransactionOut, TransactionAdjustment:
		return true
	}
	return false
}

// StockTransaction is an immutable ledger row. Quantity is a positive
// magnitude for IN and OUT and a signed delta for ADJUSTMENT.
type StockTransaction struct {
	ID             int64
	ProductID      int64
	Type           TransactionType
	Quantity       int64
	PreviousStock  int64
	ResultingStock int64
	Notes          string
	BillID         *int64
	CreatedBy      string
	CreatedAt      time.Time
}

// Delta returns the signed effect of the transaction on current stock.
func (t StockTransaction) Delta() int64 {
	return SignedDelta(t.Type, t.Quantity)
}

// SignedDelta converts a ledger quantity into its effect on stock.
func SignedDelta(typ TransactionType, quantity int64) int64 {
	if typ == TransactionOut {
		return -quantity
	}
	return quantity
}

// LowStockEvent is emitted when a committed movement takes a product
// from above its threshold to at or below it.
type LowStockEvent struct {
	ProductID     int64     `json:"product_id"`
	SKU           string    `json:"sku"`
	Name          string    `json:"name"`
	CurrentStock  int64     `json:"current_stock"`
	MinStockLevel int64     `json:"min_stock_level"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// CrossedLowStock reports whether moving from previous to p.CurrentStock
// entered the low-stock band.
func CrossedLowStock(p Product, previous int64) bool {
	return previous > p.MinStockLevel && p.CurrentStock <= p.MinStockLevel
}
