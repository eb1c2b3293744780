package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlDuplicateEntry  = 1062
)

var errDuplicateKey = errors.New("duplicate key")

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		category VARCHAR(100) NOT NULL,
		description TEXT,
		sku VARCHAR(64) NOT NULL UNIQUE,
		selling_price DECIMAL(12,2) NOT NULL,
		purchase_price DECIMAL(12,2) NOT NULL,
		min_stock_level BIGINT NOT NULL DEFAULT 0,
		current_stock BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		CONSTRAINT chk_products_stock CHECK (current_stock >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS bills (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		bill_number VARCHAR(32) NOT NULL UNIQUE,
		customer_name VARCHAR(255) NOT NULL,
		customer_phone VARCHAR(32) NOT NULL DEFAULT '',
		customer_email VARCHAR(255) NOT NULL DEFAULT '',
		payment_method VARCHAR(32) NOT NULL,
		subtotal DECIMAL(12,2) NOT NULL,
		discount DECIMAL(12,2) NOT NULL,
		tax DECIMAL(12,2) NOT NULL,
		total DECIMAL(12,2) NOT NULL,
		status VARCHAR(16) NOT NULL,
		bill_date DATETIME(6) NOT NULL,
		created_by VARCHAR(64) NOT NULL DEFAULT '',
		INDEX idx_bills_date (bill_date)
	)`,
	`CREATE TABLE IF NOT EXISTS bill_items (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		bill_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		product_name VARCHAR(255) NOT NULL,
		quantity BIGINT NOT NULL,
		unit_price DECIMAL(12,2) NOT NULL,
		line_total DECIMAL(12,2) NOT NULL,
		FOREIGN KEY (bill_id) REFERENCES bills(id),
		FOREIGN KEY (product_id) REFERENCES products(id)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_transactions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		product_id BIGINT NOT NULL,
		type VARCHAR(16) NOT NULL,
		quantity BIGINT NOT NULL,
		previous_stock BIGINT NOT NULL,
		resulting_stock BIGINT NOT NULL,
		notes TEXT,
		bill_id BIGINT NULL,
		created_by VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		INDEX idx_stock_tx_product (product_id, id),
		FOREIGN KEY (product_id) REFERENCES products(id),
		FOREIGN KEY (bill_id) REFERENCES bills(id)
	)`,
	`CREATE TABLE IF NOT EXISTS bill_sequence (
		id BIGINT AUTO_INCREMENT PRIMARY KEY
	)`,
}

const mysqlProductColumns = `id, name, category, COALESCE(description, ''), sku, selling_price, purchase_price,
	min_stock_level, current_stock, active, created_at, updated_at`

// MySQLAdapter stores the catalog, ledger and bills in MySQL. The DSN must
// set parseTime=true.
type MySQLAdapter struct {
	db          *sql.DB
	lockTimeout time.Duration
}

var (
	_ port.DatabaseRepository = (*MySQLAdapter)(nil)
	_ port.Sequencer          = (*MySQLAdapter)(nil)
)

func NewMySQLAdapter(db *sql.DB, lockTimeout time.Duration) *MySQLAdapter {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &MySQLAdapter{db: db, lockTimeout: lockTimeout}
}

// Migrate creates the tables when they are missing.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO products (name, category, description, sku, selling_price, purchase_price,
			min_stock_level, current_stock, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Category, p.Description, p.SKU, p.SellingPrice, p.PurchasePrice,
		p.MinStockLevel, p.CurrentStock, p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if err = mapMySQLError(err); errors.Is(err, errDuplicateKey) {
			return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrDuplicateSKU, p.SKU)
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	p.ID, err = result.LastInsertId()
	if err != nil {
		return domain.Product{}, fmt.Errorf("product id: %w", err)
	}
	return p, nil
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	p, err := scanProduct(m.db.QueryRowContext(ctx,
		`SELECT `+mysqlProductColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.ProductNotFound(id)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (m *MySQLAdapter) SetProductActive(ctx context.Context, id int64, active bool) (domain.Product, error) {
	if _, err := m.db.ExecContext(ctx,
		`UPDATE products SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id); err != nil {
		return domain.Product{}, fmt.Errorf("update product: %w", mapMySQLError(err))
	}
	return m.GetProduct(ctx, id)
}

func (m *MySQLAdapter) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	query := `SELECT ` + mysqlProductColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	return m.queryProducts(ctx, query+` ORDER BY id`)
}

func (m *MySQLAdapter) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return m.queryProducts(ctx, `SELECT `+mysqlProductColumns+` FROM products
		WHERE active = TRUE AND current_stock <= min_stock_level ORDER BY id`)
}

func (m *MySQLAdapter) SearchProducts(ctx context.Context, keyword string) ([]domain.Product, error) {
	pattern := "%" + strings.ToLower(keyword) + "%"
	return m.queryProducts(ctx, `SELECT `+mysqlProductColumns+` FROM products
		WHERE LOWER(name) LIKE ? OR LOWER(sku) LIKE ? ORDER BY id`, pattern, pattern)
}

func (m *MySQLAdapter) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	query := `SELECT id, product_id, type, quantity, previous_stock, resulting_stock,
		COALESCE(notes, ''), bill_id, created_by, created_at FROM stock_transactions`
	var args []any
	if filter.ProductID != 0 {
		query += ` WHERE product_id = ?`
		args = append(args, filter.ProductID)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.StockTransaction
	for rows.Next() {
		var (
			t      domain.StockTransaction
			billID sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.ProductID, &t.Type, &t.Quantity, &t.PreviousStock,
			&t.ResultingStock, &t.Notes, &billID, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if billID.Valid {
			t.BillID = &billID.Int64
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const mysqlBillColumns = `id, bill_number, customer_name, customer_phone, customer_email, payment_method,
	subtotal, discount, tax, total, status, bill_date, created_by`

func (m *MySQLAdapter) GetBill(ctx context.Context, id int64) (domain.Bill, error) {
	return m.getBill(ctx, `SELECT `+mysqlBillColumns+` FROM bills WHERE id = ?`, fmt.Sprint(id), id)
}

func (m *MySQLAdapter) GetBillByNumber(ctx context.Context, number string) (domain.Bill, error) {
	return m.getBill(ctx, `SELECT `+mysqlBillColumns+` FROM bills WHERE bill_number = ?`, number, number)
}

func (m *MySQLAdapter) getBill(ctx context.Context, query, key string, arg any) (domain.Bill, error) {
	b, err := scanBill(m.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bill{}, domain.BillNotFound(key)
	}
	if err != nil {
		return domain.Bill{}, fmt.Errorf("query bill: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, bill_id, product_id, product_name, quantity, unit_price, line_total
		FROM bill_items WHERE bill_id = ? ORDER BY id`, b.ID)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("query bill items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.BillItem
		if err := rows.Scan(&it.ID, &it.BillID, &it.ProductID, &it.ProductName,
			&it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return domain.Bill{}, fmt.Errorf("scan bill item: %w", err)
		}
		b.Items = append(b.Items, it)
	}
	return b, rows.Err()
}

func (m *MySQLAdapter) ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	var (
		where []string
		args  []any
	)
	if !filter.From.IsZero() {
		where = append(where, "bill_date >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		where = append(where, "bill_date <= ?")
		args = append(args, filter.To)
	}
	query := `SELECT ` + mysqlBillColumns + ` FROM bills`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY bill_date DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bills: %w", err)
	}
	defer rows.Close()

	var out []domain.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// NextBillNumber draws from an auto-increment table outside any business
// transaction, so a rolled back bill leaves a gap instead of a reused number.
func (m *MySQLAdapter) NextBillNumber(ctx context.Context) (string, error) {
	result, err := m.db.ExecContext(ctx, `INSERT INTO bill_sequence () VALUES ()`)
	if err != nil {
		return "", fmt.Errorf("next bill sequence: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("next bill sequence: %w", err)
	}
	return domain.FormatBillNumber(seq), nil
}

// MaxBillSequence covers both the sequence table and stored bill numbers,
// since bills may have been numbered by another sequencer.
func (m *MySQLAdapter) MaxBillSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := m.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(CAST(SUBSTRING(bill_number, 5) AS UNSIGNED)) FROM bills WHERE bill_number LIKE 'INV-%'), 0),
			COALESCE((SELECT MAX(id) FROM bill_sequence), 0))`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max bill sequence: %w", err)
	}
	return seq, nil
}

func (m *MySQLAdapter) WithProductLocks(ctx context.Context, productIDs []int64, fn func(context.Context, port.TxRepository) error) error {
	ids := sortedUnique(productIDs)
	if len(ids) == 0 {
		return domain.NewValidationError("productIds", "at least one product is required")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seconds := int(m.lockTimeout.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", seconds)); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+mysqlProductColumns+` FROM products
		WHERE id IN (`+placeholders+`) ORDER BY id FOR UPDATE`, args...)
	if err != nil {
		return fmt.Errorf("lock products: %w", mapMySQLError(err))
	}
	locked := make(map[int64]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan product: %w", err)
		}
		locked[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("lock products: %w", mapMySQLError(err))
	}
	rows.Close()
	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			return domain.ProductNotFound(id)
		}
	}

	if err := fn(ctx, &mysqlTx{tx: tx, locked: locked}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapMySQLError(err))
	}
	return nil
}

type mysqlTx struct {
	tx     *sql.Tx
	locked map[int64]domain.Product
}

func (t *mysqlTx) Product(_ context.Context, id int64) (domain.Product, error) {
	p, ok := t.locked[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %d read without holding its lock", id)
	}
	return p, nil
}

func (t *mysqlTx) UpdateStock(ctx context.Context, productID, stock int64) error {
	p, ok := t.locked[productID]
	if !ok {
		return fmt.Errorf("product %d updated without holding its lock", productID)
	}
	now := time.Now().UTC()
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE products SET current_stock = ?, updated_at = ? WHERE id = ?`,
		stock, now, productID); err != nil {
		return mapMySQLError(err)
	}
	p.CurrentStock = stock
	p.UpdatedAt = now
	t.locked[productID] = p
	return nil
}

func (t *mysqlTx) InsertTransaction(ctx context.Context, txn domain.StockTransaction) (domain.StockTransaction, error) {
	var billID sql.NullInt64
	if txn.BillID != nil {
		billID = sql.NullInt64{Int64: *txn.BillID, Valid: true}
	}
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_transactions (product_id, type, quantity, previous_stock, resulting_stock,
			notes, bill_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ProductID, txn.Type, txn.Quantity, txn.PreviousStock, txn.ResultingStock,
		txn.Notes, billID, txn.CreatedBy, txn.CreatedAt,
	)
	if err != nil {
		return domain.StockTransaction{}, mapMySQLError(err)
	}
	if txn.ID, err = result.LastInsertId(); err != nil {
		return domain.StockTransaction{}, err
	}
	return txn, nil
}

func (t *mysqlTx) InsertBill(ctx context.Context, bill domain.Bill) (domain.Bill, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO bills (bill_number, customer_name, customer_phone, customer_email, payment_method,
			subtotal, discount, tax, total, status, bill_date, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bill.BillNumber, bill.CustomerName, bill.CustomerPhone, bill.CustomerEmail, bill.PaymentMethod,
		bill.Subtotal, bill.Discount, bill.Tax, bill.Total, bill.Status, bill.BillDate, bill.CreatedBy,
	)
	if err != nil {
		return domain.Bill{}, mapMySQLError(err)
	}
	if bill.ID, err = result.LastInsertId(); err != nil {
		return domain.Bill{}, err
	}

	bill = copyBill(bill)
	for i := range bill.Items {
		it := &bill.Items[i]
		it.BillID = bill.ID
		result, err := t.tx.ExecContext(ctx, `
			INSERT INTO bill_items (bill_id, product_id, product_name, quantity, unit_price, line_total)
			VALUES (?, ?, ?, ?, ?, ?)`,
			it.BillID, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice, it.LineTotal,
		)
		if err != nil {
			return domain.Bill{}, mapMySQLError(err)
		}
		if it.ID, err = result.LastInsertId(); err != nil {
			return domain.Bill{}, err
		}
	}
	return bill, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Description, &p.SKU, &p.SellingPrice, &p.PurchasePrice,
		&p.MinStockLevel, &p.CurrentStock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanBill(row rowScanner) (domain.Bill, error) {
	var b domain.Bill
	err := row.Scan(&b.ID, &b.BillNumber, &b.CustomerName, &b.CustomerPhone, &b.CustomerEmail, &b.PaymentMethod,
		&b.Subtotal, &b.Discount, &b.Tax, &b.Total, &b.Status, &b.BillDate, &b.CreatedBy)
	return b, err
}

// mapMySQLError turns lock waits and deadlocks into domain.ErrConcurrency.
func mapMySQLError(err error) error {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return err
	}
	switch me.Number {
	case mysqlLockWaitTimeout, mysqlDeadlock:
		return fmt.Errorf("%w: %s", domain.ErrConcurrency, me.Message)
	case mysqlDuplicateEntry:
		return fmt.Errorf("%w: %s", errDuplicateKey, me.Message)
	}
	return err
}
