package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

type BillLine struct {
	ProductID int64
	Quantity  int64
}

type BillRequest struct {
	// RequestID is optional; when set a second request with the same id is
	// rejected with domain.ErrDuplicateRequest.
	RequestID     string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	PaymentMethod domain.PaymentMethod
	Discount      decimal.Decimal
	Tax           decimal.Decimal
	Items         []BillLine
	Actor         string
}

type BillingService struct {
	repo    port.DatabaseRepository
	seq     port.Sequencer
	idem    port.IdempotencyGuard
	alerts  LowStockNotifier
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type BillingDeps struct {
	Repo        port.DatabaseRepository
	Sequencer   port.Sequencer
	Idempotency port.IdempotencyGuard
	Alerts      LowStockNotifier
	Metrics     Metrics
	Logger      *slog.Logger
}

func NewBillingService(deps BillingDeps) *BillingService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingService{
		repo:    deps.Repo,
		seq:     deps.Sequencer,
		idem:    deps.Idempotency,
		alerts:  deps.Alerts,
		metrics: orNop(deps.Metrics),
		logger:  logger,
		now:     time.Now,
	}
}

// CreateBill validates the request, then re-checks stock and commits the
// bill, its items and one OUT transaction per line as a single unit while
// holding every touched product's lock. Any error leaves no trace.
func (s *BillingService) CreateBill(ctx context.Context, req BillRequest) (domain.Bill, error) {
	bill, err := s.createBill(ctx, req)
	if err != nil {
		s.metrics.BillRejected(rejectionReason(err))
		s.logger.Warn("bill rejected",
			slog.String("customer", req.CustomerName),
			slog.Int("lines", len(req.Items)),
			slog.Any("error", err))
		return domain.Bill{}, err
	}
	s.metrics.BillCreated()
	s.logger.Info("bill created",
		slog.Int64("bill_id", bill.ID),
		slog.String("bill_number", bill.BillNumber),
		slog.String("total", bill.Total.StringFixed(2)))
	return bill, nil
}

func (s *BillingService) createBill(ctx context.Context, req BillRequest) (_ domain.Bill, err error) {
	lines, err := s.validate(ctx, req)
	if err != nil {
		return domain.Bill{}, err
	}

	if req.RequestID != "" && s.idem != nil {
		key := "bill:" + req.RequestID
		claimed, claimErr := s.idem.Claim(ctx, key)
		if claimErr != nil {
			return domain.Bill{}, fmt.Errorf("idempotency check failed: %w", claimErr)
		}
		if !claimed {
			return domain.Bill{}, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.idem.Release(context.WithoutCancel(ctx), key); relErr != nil {
				s.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", relErr))
			}
		}()
	}

	bill, crossed, err := s.commit(ctx, req, lines)
	if err != nil {
		return domain.Bill{}, err
	}
	for _, p := range crossed {
		notifyLowStock(s.alerts, p, bill.BillDate)
	}
	return bill, nil
}

// validate runs the pre-commit checks in order and returns the merged lines.
// Availability is decided only by the locked re-read in commit.
func (s *BillingService) validate(ctx context.Context, req BillRequest) ([]BillLine, error) {
	if len(req.Items) == 0 {
		return nil, domain.ErrEmptyBill
	}
	if strings.TrimSpace(req.CustomerName) == "" {
		return nil, domain.NewValidationError("customerName", "is required")
	}

	prices := make(map[int64]decimal.Decimal, len(req.Items))
	for _, line := range req.Items {
		if _, ok := prices[line.ProductID]; ok {
			continue
		}
		p, err := s.repo.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, domain.ProductNotFound(line.ProductID)
		}
		prices[p.ID] = p.SellingPrice
	}

	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, domain.NewValidationError("quantity", fmt.Sprintf("must be > 0 for product %d", line.ProductID))
		}
	}

	lines, err := mergeLines(req.Items)
	if err != nil {
		return nil, err
	}

	if !req.PaymentMethod.Valid() {
		return nil, domain.NewValidationError("paymentMethod", fmt.Sprintf("unsupported value %q", req.PaymentMethod))
	}
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(prices[line.ProductID].Mul(decimal.NewFromInt(line.Quantity)))
	}
	if err := validateAdjustments(req.Discount, req.Tax, subtotal); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *BillingService) commit(ctx context.Context, req BillRequest, lines []BillLine) (domain.Bill, []domain.Product, error) {
	ids := make([]int64, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		saved   domain.Bill
		crossed []domain.Product
	)
	err := s.repo.WithProductLocks(ctx, ids, func(ctx context.Context, tx port.TxRepository) error {
		crossed = crossed[:0]
		locked := make([]domain.Product, len(lines))
		for i, line := range lines {
			p, err := tx.Product(ctx, line.ProductID)
			if err != nil {
				return err
			}
			if !p.Active {
				return domain.ProductNotFound(p.ID)
			}
			if line.Quantity > p.CurrentStock {
				return &domain.InsufficientStockError{
					ProductID:   p.ID,
					ProductName: p.Name,
					Available:   p.CurrentStock,
					Requested:   line.Quantity,
				}
			}
			locked[i] = p
		}

		now := s.now().UTC()
		bill := domain.Bill{
			CustomerName:  strings.TrimSpace(req.CustomerName),
			CustomerPhone: strings.TrimSpace(req.CustomerPhone),
			CustomerEmail: strings.TrimSpace(req.CustomerEmail),
			PaymentMethod: req.PaymentMethod,
			Discount:      req.Discount,
			Tax:           req.Tax,
			Status:        domain.BillStatusCompleted,
			BillDate:      now,
			CreatedBy:     req.Actor,
			Items:         make([]domain.BillItem, len(lines)),
		}
		for i, line := range lines {
			bill.Items[i] = domain.NewBillItem(locked[i].ID, locked[i].Name, locked[i].SellingPrice, line.Quantity)
		}
		bill.ApplyTotals()
		if err := validateAdjustments(bill.Discount, bill.Tax, bill.Subtotal); err != nil {
			return err
		}

		number, err := s.seq.NextBillNumber(ctx)
		if err != nil {
			return fmt.Errorf("allocate bill number: %w", err)
		}
		bill.BillNumber = number

		bill, err = tx.InsertBill(ctx, bill)
		if err != nil {
			return fmt.Errorf("insert bill: %w", err)
		}

		billID := bill.ID
		for i, line := range lines {
			p, _, err := applyMovement(ctx, tx, locked[i], movement{
				Type:     domain.TransactionOut,
				Quantity: line.Quantity,
				Notes:    "Bill " + bill.BillNumber,
				BillID:   &billID,
				Actor:    req.Actor,
				At:       now,
			})
			if err != nil {
				return err
			}
			if domain.CrossedLowStock(p, locked[i].CurrentStock) {
				crossed = append(crossed, p)
			}
		}
		saved = bill
		return nil
	})
	if err != nil {
		return domain.Bill{}, nil, err
	}
	for range saved.Items {
		s.metrics.StockTransaction(domain.TransactionOut)
	}
	return saved, crossed, nil
}

// mergeLines sums quantities of repeated products, keeping first-seen order.
// Quantities must already be positive; a sum that does not fit in int64 is
// rejected.
func mergeLines(items []BillLine) ([]BillLine, error) {
	index := make(map[int64]int, len(items))
	merged := make([]BillLine, 0, len(items))
	for _, it := range items {
		if i, ok := index[it.ProductID]; ok {
			if it.Quantity > math.MaxInt64-merged[i].Quantity {
				return nil, domain.NewValidationError("quantity",
					fmt.Sprintf("total for product %d is too large", it.ProductID))
			}
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged, nil
}

func validateAdjustments(discount, tax, subtotal decimal.Decimal) error {
	switch {
	case !domain.IsCentAmount(discount):
		return domain.NewValidationError("discount", "must have at most 2 decimal places")
	case !domain.IsCentAmount(tax):
		return domain.NewValidationError("tax", "must have at most 2 decimal places")
	case discount.IsNegative():
		return domain.NewValidationError("discount", "must be >= 0")
	case discount.GreaterThan(subtotal):
		return domain.NewValidationError("discount", fmt.Sprintf("must not exceed subtotal %s", subtotal.StringFixed(2)))
	case tax.IsNegative():
		return domain.NewValidationError("tax", "must be >= 0")
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyBill):
		return "empty_bill"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "product_not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, domain.ErrConcurrency):
		return "concurrency"
	}
	return "internal"
}
