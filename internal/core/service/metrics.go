package service

import "github.com/rl1809/stock-billing/internal/core/domain"

// Metrics receives engine outcomes. observability.Metrics implements it.
type Metrics interface {
	BillCreated()
	BillRejected(reason string)
	StockTransaction(typ domain.TransactionType)
	LowStockAlert()
}

type nopMetrics struct{}

func (nopMetrics) BillCreated()                            {}
func (nopMetrics) BillRejected(string)                     {}
func (nopMetrics) StockTransaction(domain.TransactionType) {}
func (nopMetrics) LowStockAlert()                          {}

func orNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
