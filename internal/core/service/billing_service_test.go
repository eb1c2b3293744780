package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-billing/internal/adapter/storage"
	"github.com/rl1809/stock-billing/internal/core/domain"
)

type engine struct {
	store    *storage.MemoryStore
	products *ProductService
	ledger   *LedgerService
	billing  *BillingService
	query    *QueryService
	alerts   *recordingNotifier
	metrics  *recordingMetrics
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	store := storage.NewMemoryStore(2 * time.Second)
	alerts := &recordingNotifier{}
	metrics := &recordingMetrics{rejections: map[string]int{}}
	return &engine{
		store:    store,
		products: NewProductService(store, nil),
		ledger:   NewLedgerService(store, alerts, metrics, nil),
		billing: NewBillingService(BillingDeps{
			Repo:        store,
			Sequencer:   store,
			Idempotency: storage.NewMemoryIdempotency(time.Hour),
			Alerts:      alerts,
			Metrics:     metrics,
		}),
		query:   NewQueryService(store),
		alerts:  alerts,
		metrics: metrics,
	}
}

// product creates a catalog entry and stocks it through the ledger.
func (e *engine) product(t *testing.T, name, price string, stock, min int64) domain.Product {
	t.Helper()
	ctx := context.Background()
	p, err := e.products.Create(ctx, domain.ProductDraft{
		Name:          name,
		Category:      "Groceries",
		SellingPrice:  decimal.RequireFromString(price),
		PurchasePrice: decimal.RequireFromString(price).Div(decimal.NewFromInt(2)),
		MinStockLevel: min,
	})
	require.NoError(t, err)
	if stock > 0 {
		_, err = e.ledger.Apply(ctx, StockRequest{ProductID: p.ID, Type: domain.TransactionIn, Quantity: stock})
		require.NoError(t, err)
	}
	p, err = e.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	return p
}

type snapshot struct {
	products []domain.Product
	txns     []domain.StockTransaction
	bills    []domain.Bill
}

func (e *engine) snapshot(t *testing.T) snapshot {
	t.Helper()
	ctx := context.Background()
	products, err := e.store.ListProducts(ctx, false)
	require.NoError(t, err)
	txns, err := e.store.ListTransactions(ctx, domain.TransactionFilter{})
	require.NoError(t, err)
	bills, err := e.store.ListBills(ctx, domain.BillFilter{})
	require.NoError(t, err)
	return snapshot{products: products, txns: txns, bills: bills}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.LowStockEvent
}

func (n *recordingNotifier) Notify(event domain.LowStockEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Events() []domain.LowStockEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.LowStockEvent(nil), n.events...)
}

type recordingMetrics struct {
	mu         sync.Mutex
	created    int
	rejections map[string]int
	stockTxns  map[domain.TransactionType]int
	alerts     int
}

func (m *recordingMetrics) BillCreated() {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *recordingMetrics) BillRejected(reason string) {
	m.mu.Lock()
	m.rejections[reason]++
	m.mu.Unlock()
}

func (m *recordingMetrics) StockTransaction(typ domain.TransactionType) {
	m.mu.Lock()
	if m.stockTxns == nil {
		m.stockTxns = map[domain.TransactionType]int{}
	}
	m.stockTxns[typ]++
	m.mu.Unlock()
}

func (m *recordingMetrics) LowStockAlert() {
	m.mu.Lock()
	m.alerts++
	m.mu.Unlock()
}

func cashBill(lines ...BillLine) BillRequest {
	return BillRequest{
		CustomerName:  "Asha",
		PaymentMethod: domain.PaymentCash,
		Items:         lines,
		Actor:         "cashier-1",
	}
}

func TestCreateBill_TwoLinesWithDiscount(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rice := e.product(t, "Rice", "100", 10, 1)
	salt := e.product(t, "Salt", "50", 10, 1)

	req := cashBill(BillLine{ProductID: rice.ID, Quantity: 2}, BillLine{ProductID: salt.ID, Quantity: 1})
	req.Discount = decimal.NewFromInt(10)

	bill, err := e.billing.CreateBill(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "INV-000001", bill.BillNumber)
	assert.Equal(t, domain.BillStatusCompleted, bill.Status)
	assert.True(t, bill.Subtotal.Equal(decimal.NewFromInt(250)), "subtotal %s", bill.Subtotal)
	assert.True(t, bill.Total.Equal(decimal.NewFromInt(240)), "total %s", bill.Total)
	require.Len(t, bill.Items, 2)
	assert.Equal(t, "Rice", bill.Items[0].ProductName)
	assert.True(t, bill.Items[0].LineTotal.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, "cashier-1", bill.CreatedBy)

	rows, err := e.store.ListTransactions(ctx, domain.TransactionFilter{})
	require.NoError(t, err)
	var outs []domain.StockTransaction
	for _, r := range rows {
		if r.Type == domain.TransactionOut {
			outs = append(outs, r)
		}
	}
	require.Len(t, outs, 2)
	quantities := map[int64]int64{}
	for _, r := range outs {
		require.NotNil(t, r.BillID)
		assert.Equal(t, bill.ID, *r.BillID)
		assert.Equal(t, "Bill INV-000001", r.Notes)
		quantities[r.ProductID] = r.Quantity
	}
	assert.Equal(t, int64(2), quantities[rice.ID])
	assert.Equal(t, int64(1), quantities[salt.ID])

	got, err := e.query.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, bill.BillNumber, got.BillNumber)
	assert.Len(t, got.Items, 2)

	assert.Equal(t, 1, e.metrics.created)
}

func TestCreateBill_InsufficientStockLeavesNoTrace(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	p := e.product(t, "Oil", "120", 3, 0)
	before := e.snapshot(t)

	_, err := e.billing.CreateBill(ctx, cashBill(BillLine{ProductID: p.ID, Quantity: 5}))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, p.ID, stockErr.ProductID)
	assert.Equal(t, int64(3), stockErr.Available)
	assert.Equal(t, int64(5), stockErr.Requested)

	assert.Equal(t, before, e.snapshot(t))
	assert.Equal(t, 1, e.metrics.rejections["insufficient_stock"])
}

func TestCreateBill_OneShortLineAbortsWholeBill(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	plenty := e.product(t, "Tea", "80", 100, 0)
	short := e.product(t, "Sugar", "40", 1, 0)
	before := e.snapshot(t)

	_, err := e.billing.CreateBill(ctx, cashBill(
		BillLine{ProductID: plenty.ID, Quantity: 3},
		BillLine{ProductID: short.ID, Quantity: 2},
	))

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, short.ID, stockErr.ProductID)
	assert.Equal(t, before, e.snapshot(t))
}

func TestCreateBill_MergesDuplicateLines(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	p := e.product(t, "Soap", "30", 5, 0)

	bill, err := e.billing.CreateBill(ctx, cashBill(
		BillLine{ProductID: p.ID, Quantity: 2},
		BillLine{ProductID: p.ID, Quantity: 3},
	))
	require.NoError(t, err)
	require.Len(t, bill.Items, 1)
	assert.Equal(t, int64(5), bill.Items[0].Quantity)
	assert.True(t, bill.Subtotal.Equal(decimal.NewFromInt(150)))

	got, err := e.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CurrentStock)

	_, err = e.billing.CreateBill(ctx, cashBill(
		BillLine{ProductID: p.ID, Quantity: 1},
		BillLine{ProductID: p.ID, Quantity: 1},
	))
	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, int64(2), stockErr.Requested)
}

func TestCreateBill_ValidationOrder(t *testing.T) {
	e := newEngine(t)
	p := e.product(t, "Milk", "25", 10, 0)
	inactive := e.product(t, "Old milk", "20", 10, 0)
	_, err := e.products.SetActive(context.Background(), inactive.ID, false)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*BillRequest)
		want   error
	}{
		{
			name:   "no items",
			mutate: func(r *BillRequest) { r.Items = nil },
			want:   domain.ErrEmptyBill,
		},
		{
			name: "no items wins over missing customer",
			mutate: func(r *BillRequest) {
				r.Items = nil
				r.CustomerName = ""
			},
			want: domain.ErrEmptyBill,
		},
		{
			name:   "blank customer",
			mutate: func(r *BillRequest) { r.CustomerName = "   " },
			want:   domain.ErrValidation,
		},
		{
			name:   "unknown product",
			mutate: func(r *BillRequest) { r.Items = []BillLine{{ProductID: 999, Quantity: 1}} },
			want:   domain.ErrProductNotFound,
		},
		{
			name:   "inactive product",
			mutate: func(r *BillRequest) { r.Items = []BillLine{{ProductID: inactive.ID, Quantity: 1}} },
			want:   domain.ErrProductNotFound,
		},
		{
			name: "unknown product wins over bad quantity",
			mutate: func(r *BillRequest) {
				r.Items = []BillLine{{ProductID: p.ID, Quantity: 0}, {ProductID: 999, Quantity: 1}}
			},
			want: domain.ErrProductNotFound,
		},
		{
			name:   "zero quantity",
			mutate: func(r *BillRequest) { r.Items = []BillLine{{ProductID: p.ID, Quantity: 0}} },
			want:   domain.ErrValidation,
		},
		{
			name:   "unknown payment method",
			mutate: func(r *BillRequest) { r.PaymentMethod = "CHEQUE" },
			want:   domain.ErrValidation,
		},
		{
			name:   "negative discount",
			mutate: func(r *BillRequest) { r.Discount = decimal.NewFromInt(-1) },
			want:   domain.ErrValidation,
		},
		{
			name:   "discount above subtotal",
			mutate: func(r *BillRequest) { r.Discount = decimal.NewFromInt(26) },
			want:   domain.ErrValidation,
		},
		{
			name:   "negative tax",
			mutate: func(r *BillRequest) { r.Tax = decimal.RequireFromString("-0.01") },
			want:   domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := e.snapshot(t)
			req := cashBill(BillLine{ProductID: p.ID, Quantity: 1})
			tt.mutate(&req)

			_, err := e.billing.CreateBill(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, e.snapshot(t))
		})
	}
}

func TestCreateBill_DiscountEqualToSubtotalAndTax(t *testing.T) {
	e := newEngine(t)
	p := e.product(t, "Bread", "40", 5, 0)

	req := cashBill(BillLine{ProductID: p.ID, Quantity: 1})
	req.Discount = decimal.NewFromInt(40)
	req.Tax = decimal.RequireFromString("3.60")

	bill, err := e.billing.CreateBill(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, bill.Total.Equal(decimal.RequireFromString("3.60")))
}

func TestCreateBill_PriceSnapshotAtCommit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	p := e.product(t, "Butter", "55", 5, 0)

	bill, err := e.billing.CreateBill(ctx, cashBill(BillLine{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)
	assert.True(t, bill.Items[0].UnitPrice.Equal(decimal.NewFromInt(55)))
	assert.Equal(t, "Butter", bill.Items[0].ProductName)
}

func TestCreateBill_ConcurrentBuyersNeverOversell(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	const n = 50
	p := e.product(t, "Festival sweets", "10", n-1, 0)

	var successes, insufficient atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.billing.CreateBill(ctx, cashBill(BillLine{ProductID: p.ID, Quantity: 1}))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(n-1), successes.Load())
	assert.Equal(t, int32(1), insufficient.Load())

	got, err := e.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CurrentStock)

	bills, err := e.query.ListBills(ctx, domain.BillFilter{})
	require.NoError(t, err)
	numbers := map[string]bool{}
	for _, b := range bills {
		numbers[b.BillNumber] = true
	}
	assert.Len(t, numbers, n-1, "bill numbers must be unique")

	rec, err := e.ledger.Reconcile(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "%+v", rec)
}

func TestCreateBill_ConcurrentOverlappingProducts(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	a := e.product(t, "A", "1", 100, 0)
	b := e.product(t, "B", "1", 100, 0)
	c := e.product(t, "C", "1", 100, 0)

	var wg sync.WaitGroup
	orders := [][]BillLine{
		{{ProductID: a.ID, Quantity: 1}, {ProductID: b.ID, Quantity: 1}},
		{{ProductID: b.ID, Quantity: 1}, {ProductID: c.ID, Quantity: 1}},
		{{ProductID: c.ID, Quantity: 1}, {ProductID: a.ID, Quantity: 1}},
	}
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(lines []BillLine) {
			defer wg.Done()
			_, err := e.billing.CreateBill(ctx, cashBill(lines...))
			assert.NoError(t, err)
		}(orders[i%len(orders)])
	}
	wg.Wait()

	for _, id := range []int64{a.ID, b.ID, c.ID} {
		got, err := e.store.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(60), got.CurrentStock)
	}
}

func TestCreateBill_DuplicateRequestID(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	p := e.product(t, "Jam", "60", 5, 0)

	req := cashBill(BillLine{ProductID: p.ID, Quantity: 1})
	req.RequestID = "req-1"

	_, err := e.billing.CreateBill(ctx, req)
	require.NoError(t, err)

	_, err = e.billing.CreateBill(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	got, err := e.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.CurrentStock)
}

func TestCreateBill_FailedRequestReleasesRequestID(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	p := e.product(t, "Honey", "200", 1, 0)

	req := cashBill(BillLine{ProductID: p.ID, Quantity: 2})
	req.RequestID = "req-2"
	_, err := e.billing.CreateBill(ctx, req)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	req.Items[0].Quantity = 1
	_, err = e.billing.CreateBill(ctx, req)
	assert.NoError(t, err)
}

func TestCreateBill_LowStockAlertOnCrossing(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	p := e.product(t, "Eggs", "6", 12, 5)

	_, err := e.billing.CreateBill(ctx, cashBill(BillLine{ProductID: p.ID, Quantity: 6}))
	require.NoError(t, err)
	assert.Empty(t, e.alerts.Events())

	_, err = e.billing.CreateBill(ctx, cashBill(BillLine{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)
	events := e.alerts.Events()
	require.Len(t, events, 1)
	assert.Equal(t, p.ID, events[0].ProductID)
	assert.Equal(t, int64(5), events[0].CurrentStock)

	_, err = e.billing.CreateBill(ctx, cashBill(BillLine{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)
	assert.Len(t, e.alerts.Events(), 1, "already low, no second alert")
}

func TestMergeLines(t *testing.T) {
	merged, err := mergeLines([]BillLine{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []BillLine{{ProductID: 3, Quantity: 5}, {ProductID: 1, Quantity: 2}}, merged)

	_, err = mergeLines([]BillLine{
		{ProductID: 3, Quantity: math.MaxInt64},
		{ProductID: 3, Quantity: 1},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateBill_OverflowingDuplicateLinesRejected(t *testing.T) {
	e := newEngine(t)
	rice := e.product(t, "Rice", "60", 0, 0)
	oil := e.product(t, "Oil", "120", 5, 0)
	before := e.snapshot(t)

	_, err := e.billing.CreateBill(context.Background(), cashBill(
		BillLine{ProductID: rice.ID, Quantity: math.MaxInt64},
		BillLine{ProductID: rice.ID, Quantity: math.MaxInt64},
		BillLine{ProductID: oil.ID, Quantity: 1},
	))

	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Equal(t, "quantity", vErr.Field)
	assert.Equal(t, before, e.snapshot(t))

	got, err := e.store.GetProduct(context.Background(), rice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CurrentStock)
}

func TestCreateBill_SubCentAdjustmentsRejected(t *testing.T) {
	e := newEngine(t)
	p := e.product(t, "Salt", "1", 10, 0)

	tests := []struct {
		name   string
		mutate func(*BillRequest)
		field  string
	}{
		{"discount", func(r *BillRequest) { r.Discount = decimal.RequireFromString("0.005") }, "discount"},
		{"tax", func(r *BillRequest) { r.Tax = decimal.RequireFromString("0.001") }, "tax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := e.snapshot(t)
			req := cashBill(BillLine{ProductID: p.ID, Quantity: 1})
			tt.mutate(&req)

			_, err := e.billing.CreateBill(context.Background(), req)
			var vErr *domain.ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Equal(t, before, e.snapshot(t))
		})
	}

	req := cashBill(BillLine{ProductID: p.ID, Quantity: 1})
	req.Discount = decimal.RequireFromString("0.500")
	bill, err := e.billing.CreateBill(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0.50", bill.Total.StringFixed(2))
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, "empty_bill", rejectionReason(domain.ErrEmptyBill))
	assert.Equal(t, "validation", rejectionReason(domain.NewValidationError("x", "y")))
	assert.Equal(t, "product_not_found", rejectionReason(domain.ProductNotFound(1)))
	assert.Equal(t, "insufficient_stock", rejectionReason(&domain.InsufficientStockError{}))
	assert.Equal(t, "concurrency", rejectionReason(domain.ErrConcurrency))
	assert.Equal(t, "internal", rejectionReason(errors.New("disk on fire")))
}
