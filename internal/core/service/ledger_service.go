package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

// LowStockNotifier receives products that just entered the low-stock band.
type LowStockNotifier interface {
	Notify(event domain.LowStockEvent)
}

type StockRequest struct {
	ProductID int64
	Type      domain.TransactionType
	Quantity  int64 // signed for ADJUSTMENT
	Notes     string
	Actor     string
}

type LedgerService struct {
	repo    port.DatabaseRepository
	alerts  LowStockNotifier
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewLedgerService(repo port.DatabaseRepository, alerts LowStockNotifier, metrics Metrics, logger *slog.Logger) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{
		repo:    repo,
		alerts:  alerts,
		metrics: orNop(metrics),
		logger:  logger,
		now:     time.Now,
	}
}

// Apply records one stock movement and updates the product's current stock
// under the product lock. A movement that would leave negative stock fails
// with *domain.InsufficientStockError and writes nothing.
func (s *LedgerService) Apply(ctx context.Context, req StockRequest) (domain.StockTransaction, error) {
	if err := validateStockRequest(req); err != nil {
		return domain.StockTransaction{}, err
	}

	var (
		txn      domain.StockTransaction
		product  domain.Product
		previous int64
	)
	err := s.repo.WithProductLocks(ctx, []int64{req.ProductID}, func(ctx context.Context, tx port.TxRepository) error {
		p, err := tx.Product(ctx, req.ProductID)
		if err != nil {
			return err
		}
		previous = p.CurrentStock
		product, txn, err = applyMovement(ctx, tx, p, movement{
			Type:     req.Type,
			Quantity: req.Quantity,
			Notes:    strings.TrimSpace(req.Notes),
			Actor:    req.Actor,
			At:       s.now().UTC(),
		})
		return err
	})
	if err != nil {
		return domain.StockTransaction{}, err
	}

	s.metrics.StockTransaction(txn.Type)
	s.logger.Info("stock transaction applied",
		slog.Int64("product_id", txn.ProductID),
		slog.String("type", string(txn.Type)),
		slog.Int64("quantity", txn.Quantity),
		slog.Int64("resulting_stock", txn.ResultingStock))

	if domain.CrossedLowStock(product, previous) {
		notifyLowStock(s.alerts, product, txn.CreatedAt)
	}
	return txn, nil
}

// History lists a product's ledger newest first.
func (s *LedgerService) History(ctx context.Context, productID int64, limit int) ([]domain.StockTransaction, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, domain.TransactionFilter{ProductID: productID, Limit: limit})
}

// Reconciliation is the outcome of replaying one product's ledger.
type Reconciliation struct {
	ProductID    int64   `json:"productId"`
	CurrentStock int64   `json:"currentStock"`
	LedgerStock  int64   `json:"ledgerStock"`
	Transactions int     `json:"transactions"`
	Mismatches   []int64 `json:"mismatches,omitempty"`
	Consistent   bool    `json:"consistent"`
}

// Reconcile replays the product's ledger in order while holding its lock and
// compares the result with the stored counter. Rows whose snapshots do not
// chain are reported in Mismatches.
func (s *LedgerService) Reconcile(ctx context.Context, productID int64) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithProductLocks(ctx, []int64{productID}, func(ctx context.Context, tx port.TxRepository) error {
		p, err := tx.Product(ctx, productID)
		if err != nil {
			return err
		}
		rows, err := s.repo.ListTransactions(ctx, domain.TransactionFilter{ProductID: productID})
		if err != nil {
			return err
		}
		rec = replay(p, rows)
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if !rec.Consistent {
		s.logger.Error("ledger replay mismatch",
			slog.Int64("product_id", productID),
			slog.Int64("current_stock", rec.CurrentStock),
			slog.Int64("ledger_stock", rec.LedgerStock))
	}
	return rec, nil
}

// replay expects rows newest first, as ListTransactions returns them.
func replay(p domain.Product, rows []domain.StockTransaction) Reconciliation {
	rec := Reconciliation{ProductID: p.ID, CurrentStock: p.CurrentStock, Transactions: len(rows)}
	var running int64
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		chained := row.PreviousStock == running
		running += row.Delta()
		if !chained || row.ResultingStock != running || running < 0 {
			rec.Mismatches = append(rec.Mismatches, row.ID)
		}
	}
	rec.LedgerStock = running
	rec.Consistent = running == p.CurrentStock && len(rec.Mismatches) == 0
	return rec
}

type movement struct {
	Type     domain.TransactionType
	Quantity int64
	Notes    string
	BillID   *int64
	Actor    string
	At       time.Time
}

// applyMovement is the single place current stock changes. Callers must hold
// the product lock through tx.
func applyMovement(ctx context.Context, tx port.TxRepository, p domain.Product, m movement) (domain.Product, domain.StockTransaction, error) {
	delta := domain.SignedDelta(m.Type, m.Quantity)
	if delta == math.MinInt64 || (delta > 0 && p.CurrentStock > math.MaxInt64-delta) {
		return p, domain.StockTransaction{}, domain.NewValidationError("quantity",
			fmt.Sprintf("would overflow stock of product %d", p.ID))
	}
	resulting := p.CurrentStock + delta
	if resulting < 0 {
		return p, domain.StockTransaction{}, &domain.InsufficientStockError{
			ProductID:   p.ID,
			ProductName: p.Name,
			Available:   p.CurrentStock,
			Requested:   -delta,
		}
	}

	if err := tx.UpdateStock(ctx, p.ID, resulting); err != nil {
		return p, domain.StockTransaction{}, fmt.Errorf("update stock: %w", err)
	}
	txn, err := tx.InsertTransaction(ctx, domain.StockTransaction{
		ProductID:      p.ID,
		Type:           m.Type,
		Quantity:       m.Quantity,
		PreviousStock:  p.CurrentStock,
		ResultingStock: resulting,
		Notes:          m.Notes,
		BillID:         m.BillID,
		CreatedBy:      m.Actor,
		CreatedAt:      m.At,
	})
	if err != nil {
		return p, domain.StockTransaction{}, fmt.Errorf("insert stock transaction: %w", err)
	}

	p.CurrentStock = resulting
	p.UpdatedAt = m.At
	return p, txn, nil
}

func validateStockRequest(req StockRequest) error {
	if req.ProductID <= 0 {
		return domain.NewValidationError("productId", "is required")
	}
	switch req.Type {
	case domain.TransactionIn, domain.TransactionOut:
		if req.Quantity <= 0 {
			return domain.NewValidationError("quantity", "must be a positive integer")
		}
	case domain.TransactionAdjustment:
		if req.Quantity == 0 {
			return domain.NewValidationError("quantity", "adjustment delta must be non-zero")
		}
	default:
		return domain.NewValidationError("type", fmt.Sprintf("unknown transaction type %q", req.Type))
	}
	return nil
}

func notifyLowStock(n LowStockNotifier, p domain.Product, at time.Time) {
	if n == nil {
		return
	}
	n.Notify(domain.LowStockEvent{
		ProductID:     p.ID,
		SKU:           p.SKU,
		Name:          p.Name,
		CurrentStock:  p.CurrentStock,
		MinStockLevel: p.MinStockLevel,
		OccurredAt:    at,
	})
}
