package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

const defaultLockTimeout = 5 * time.Second

// MemoryStore keeps all state in process. Each product owns a one-slot
// semaphore; WithProductLocks takes them in ascending id order and stages
// writes, which are applied under mu only when the callback succeeds.
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[int64]domain.Product
	skus         map[string]int64
	locks        map[int64]chan struct{}
	txns         []domain.StockTransaction
	bills        map[int64]domain.Bill
	billByNumber map[string]int64

	nextProductID atomic.Int64
	nextTxnID     atomic.Int64
	nextBillID    atomic.Int64
	nextItemID    atomic.Int64

	seqMu   sync.Mutex
	billSeq int64

	lockTimeout time.Duration
}

var (
	_ port.DatabaseRepository = (*MemoryStore)(nil)
	_ port.Sequencer          = (*MemoryStore)(nil)
)

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &MemoryStore{
		products:     make(map[int64]domain.Product),
		skus:         make(map[string]int64),
		locks:        make(map[int64]chan struct{}),
		bills:        make(map[int64]domain.Bill),
		billByNumber: make(map[string]int64),
		lockTimeout:  lockTimeout,
	}
}

func (m *MemoryStore) CreateProduct(_ context.Context, p domain.Product) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.skus[p.SKU]; exists {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrDuplicateSKU, p.SKU)
	}
	p.ID = m.nextProductID.Add(1)
	m.products[p.ID] = p
	m.skus[p.SKU] = p.ID
	m.locks[p.ID] = make(chan struct{}, 1)
	return p, nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, domain.ProductNotFound(id)
	}
	return p, nil
}

func (m *MemoryStore) SetProductActive(_ context.Context, id int64, active bool) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, domain.ProductNotFound(id)
	}
	p.Active = active
	p.UpdatedAt = time.Now().UTC()
	m.products[id] = p
	return p, nil
}

func (m *MemoryStore) ListProducts(_ context.Context, activeOnly bool) ([]domain.Product, error) {
	return m.filterProducts(func(p domain.Product) bool {
		return !activeOnly || p.Active
	}), nil
}

func (m *MemoryStore) ListLowStock(_ context.Context) ([]domain.Product, error) {
	return m.filterProducts(func(p domain.Product) bool {
		return p.Active && p.IsLowStock()
	}), nil
}

func (m *MemoryStore) SearchProducts(_ context.Context, keyword string) ([]domain.Product, error) {
	needle := strings.ToLower(keyword)
	return m.filterProducts(func(p domain.Product) bool {
		return strings.Contains(strings.ToLower(p.Name), needle) ||
			strings.Contains(strings.ToLower(p.SKU), needle)
	}), nil
}

func (m *MemoryStore) filterProducts(keep func(domain.Product) bool) []domain.Product {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.StockTransaction, 0)
	for i := len(m.txns) - 1; i >= 0; i-- {
		t := m.txns[i]
		if filter.ProductID != 0 && t.ProductID != filter.ProductID {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetBill(_ context.Context, id int64) (domain.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bills[id]
	if !ok {
		return domain.Bill{}, domain.BillNotFound(fmt.Sprint(id))
	}
	return copyBill(b), nil
}

func (m *MemoryStore) GetBillByNumber(_ context.Context, number string) (domain.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.billByNumber[number]
	if !ok {
		return domain.Bill{}, domain.BillNotFound(number)
	}
	return copyBill(m.bills[id]), nil
}

func (m *MemoryStore) ListBills(_ context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	m.mu.RLock()
	out := make([]domain.Bill, 0, len(m.bills))
	for _, b := range m.bills {
		if !filter.From.IsZero() && b.BillDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && b.BillDate.After(filter.To) {
			continue
		}
		b.Items = nil
		out = append(out, b)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BillDate.Equal(out[j].BillDate) {
			return out[i].ID > out[j].ID
		}
		return out[i].BillDate.After(out[j].BillDate)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) NextBillNumber(_ context.Context) (string, error) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.billSeq++
	return domain.FormatBillNumber(m.billSeq), nil
}

func (m *MemoryStore) MaxBillSequence(_ context.Context) (int64, error) {
	m.seqMu.Lock()
	highest := m.billSeq
	m.seqMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for number := range m.billByNumber {
		seq, err := domain.ParseBillNumber(number)
		if err != nil {
			continue
		}
		highest = max(highest, seq)
	}
	return highest, nil
}

func (m *MemoryStore) WithProductLocks(ctx context.Context, productIDs []int64, fn func(context.Context, port.TxRepository) error) error {
	ids := sortedUnique(productIDs)

	m.mu.RLock()
	sems := make([]chan struct{}, len(ids))
	for i, id := range ids {
		sem, ok := m.locks[id]
		if !ok {
			m.mu.RUnlock()
			return domain.ProductNotFound(id)
		}
		sems[i] = sem
	}
	m.mu.RUnlock()

	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	held := 0
	defer func() {
		for i := held - 1; i >= 0; i-- {
			<-sems[i]
		}
	}()
	for i, sem := range sems {
		select {
		case sem <- struct{}{}:
			held++
		case <-timer.C:
			return fmt.Errorf("lock product %d: %w", ids[i], domain.ErrConcurrency)
		case <-ctx.Done():
			return fmt.Errorf("lock product %d: %w: %v", ids[i], domain.ErrConcurrency, ctx.Err())
		}
	}

	tx := &memoryTx{
		store:  m,
		locked: make(map[int64]bool, len(ids)),
		stock:  make(map[int64]int64),
	}
	for _, id := range ids {
		tx.locked[id] = true
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryStore) commit(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, stock := range tx.stock {
		p := m.products[id]
		p.CurrentStock = stock
		p.UpdatedAt = tx.updatedAt
		m.products[id] = p
	}
	m.txns = append(m.txns, tx.txns...)
	for _, b := range tx.bills {
		m.bills[b.ID] = b
		m.billByNumber[b.BillNumber] = b.ID
	}
}

type memoryTx struct {
	store     *MemoryStore
	locked    map[int64]bool
	stock     map[int64]int64
	txns      []domain.StockTransaction
	bills     []domain.Bill
	updatedAt time.Time
}

func (t *memoryTx) Product(ctx context.Context, id int64) (domain.Product, error) {
	if !t.locked[id] {
		return domain.Product{}, fmt.Errorf("product %d read without holding its lock", id)
	}
	p, err := t.store.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if stock, ok := t.stock[id]; ok {
		p.CurrentStock = stock
	}
	return p, nil
}

func (t *memoryTx) UpdateStock(_ context.Context, productID, stock int64) error {
	if !t.locked[productID] {
		return fmt.Errorf("product %d updated without holding its lock", productID)
	}
	if stock < 0 {
		return fmt.Errorf("product %d: %w", productID, domain.ErrInsufficientStock)
	}
	t.stock[productID] = stock
	t.updatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn domain.StockTransaction) (domain.StockTransaction, error) {
	txn.ID = t.store.nextTxnID.Add(1)
	t.txns = append(t.txns, txn)
	return txn, nil
}

func (t *memoryTx) InsertBill(_ context.Context, bill domain.Bill) (domain.Bill, error) {
	t.store.mu.RLock()
	_, taken := t.store.billByNumber[bill.BillNumber]
	t.store.mu.RUnlock()
	if taken {
		return domain.Bill{}, fmt.Errorf("bill number %s already used", bill.BillNumber)
	}

	bill = copyBill(bill)
	bill.ID = t.store.nextBillID.Add(1)
	for i := range bill.Items {
		bill.Items[i].ID = t.store.nextItemID.Add(1)
		bill.Items[i].BillID = bill.ID
	}
	t.bills = append(t.bills, bill)
	return copyBill(bill), nil
}

func copyBill(b domain.Bill) domain.Bill {
	if b.Items != nil {
		items := make([]domain.BillItem, len(b.Items))
		copy(items, b.Items)
		b.Items = items
	}
	return b
}

func sortedUnique(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MemoryIdempotency is the in-process IdempotencyGuard used without Redis.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]time.Time
	ttl  time.Duration
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]time.Time), ttl: ttl}
}

func (g *MemoryIdempotency) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if exp, ok := g.keys[key]; ok && (g.ttl <= 0 || now.Before(exp)) {
		return false, nil
	}
	g.keys[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryIdempotency) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}
