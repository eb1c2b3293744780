package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type BillStatus string

const (
	BillStatusCompleted BillStatus = "COMPLETED"
	BillStatusVoid      BillStatus = "VOID"
)

type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "CASH"
	PaymentCard         PaymentMethod = "CARD"
	PaymentUPI          PaymentMethod = "UPI"
	PaymentBankTransfer PaymentMethod = "BANK_TRANSFER"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentUPI, PaymentBankTransfer:
		return true
	}
	return false
}

type Bill struct {
	ID            int64
	BillNumber    string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	PaymentMethod PaymentMethod
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	Status        BillStatus
	BillDate      time.Time
	CreatedBy     string
	Items         []BillItem
}

// BillItem snapshots the product name and selling price at bill time so the
// invoice never depends on later catalog edits.
type BillItem struct {
	ID          int64
	BillID      int64
	ProductID   int64
	ProductName string
	Quantity    int64
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
}

// NewBillItem computes the line total from the price snapshot.
func NewBillItem(productID int64, name string, unitPrice decimal.Decimal, quantity int64) BillItem {
	return BillItem{
		ProductID:   productID,
		ProductName: name,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		LineTotal:   unitPrice.Mul(decimal.NewFromInt(quantity)),
	}
}

// Subtotal sums line totals.
func Subtotal(items []BillItem) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.LineTotal)
	}
	return sum
}

// ApplyTotals fills Subtotal and Total from the items, discount and tax.
func (b *Bill) ApplyTotals() {
	b.Subtotal = Subtotal(b.Items)
	b.Total = b.Subtotal.Sub(b.Discount).Add(b.Tax)
}

// IsCentAmount reports whether d has no more precision than two decimal
// places, the scale every stored and rendered amount uses.
func IsCentAmount(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// FormatBillNumber renders a sequence value for display.
func FormatBillNumber(seq int64) string {
	return fmt.Sprintf("INV-%06d", seq)
}

// BillFilter narrows bill listings. Zero values mean unbounded.
type BillFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// TransactionFilter narrows ledger listings. ProductID 0 lists all products.
type TransactionFilter struct {
	ProductID int64
	Limit     int
}

// ParseBillNumber extracts the sequence value from a formatted bill number.
func ParseBillNumber(number string) (int64, error) {
	var seq int64
	if _, err := fmt.Sscanf(number, "INV-%d", &seq); err != nil {
		return 0, fmt.Errorf("parse bill number %q: %w", number, err)
	}
	return seq, nil
}
