package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		sku TEXT NOT NULL UNIQUE,
		selling_price NUMERIC(12,2) NOT NULL,
		purchase_price NUMERIC(12,2) NOT NULL,
		min_stock_level BIGINT NOT NULL DEFAULT 0,
		current_stock BIGINT NOT NULL DEFAULT 0 CHECK (current_stock >= 0),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bills (
		id BIGSERIAL PRIMARY KEY,
		bill_number TEXT NOT NULL UNIQUE,
		customer_name TEXT NOT NULL,
		customer_phone TEXT NOT NULL DEFAULT '',
		customer_email TEXT NOT NULL DEFAULT '',
		payment_method TEXT NOT NULL,
		subtotal NUMERIC(12,2) NOT NULL,
		discount NUMERIC(12,2) NOT NULL,
		tax NUMERIC(12,2) NOT NULL,
		total NUMERIC(12,2) NOT NULL,
		status TEXT NOT NULL,
		bill_date TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bills_date ON bills (bill_date)`,
	`CREATE TABLE IF NOT EXISTS bill_items (
		id BIGSERIAL PRIMARY KEY,
		bill_id BIGINT NOT NULL REFERENCES bills(id),
		product_id BIGINT NOT NULL REFERENCES products(id),
		product_name TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		unit_price NUMERIC(12,2) NOT NULL,
		line_total NUMERIC(12,2) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stock_transactions (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL REFERENCES products(id),
		type TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		previous_stock BIGINT NOT NULL,
		resulting_stock BIGINT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		bill_id BIGINT REFERENCES bills(id),
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_tx_product ON stock_transactions (product_id, id)`,
	`CREATE SEQUENCE IF NOT EXISTS bill_number_seq`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

const pgProductColumns = `id, name, category, description, sku, selling_price, purchase_price,
	min_stock_level, current_stock, active, created_at, updated_at`

const pgBillColumns = `id, bill_number, customer_name, customer_phone, customer_email, payment_method,
	subtotal, discount, tax, total, status, bill_date, created_by`

// PostgresAdapter is the pgx-backed store. It also serves as the
// idempotency guard when Redis is not configured.
type PostgresAdapter struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var (
	_ port.DatabaseRepository = (*PostgresAdapter)(nil)
	_ port.Sequencer          = (*PostgresAdapter)(nil)
	_ port.IdempotencyGuard   = (*PostgresAdapter)(nil)
)

func NewPostgresAdapter(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresAdapter {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresAdapter{pool: pool, lockTimeout: lockTimeout}
}

func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (a *PostgresAdapter) CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	err := a.pool.QueryRow(ctx, `
		INSERT INTO products (name, category, description, sku, selling_price, purchase_price,
			min_stock_level, current_stock, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		p.Name, p.Category, p.Description, p.SKU, toNumeric(p.SellingPrice), toNumeric(p.PurchasePrice),
		p.MinStockLevel, p.CurrentStock, p.Active, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrDuplicateSKU, p.SKU)
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

func (a *PostgresAdapter) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	p, err := scanPgProduct(a.pool.QueryRow(ctx, `SELECT `+pgProductColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ProductNotFound(id)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (a *PostgresAdapter) SetProductActive(ctx context.Context, id int64, active bool) (domain.Product, error) {
	p, err := scanPgProduct(a.pool.QueryRow(ctx, `
		UPDATE products SET active = $1, updated_at = $2 WHERE id = $3
		RETURNING `+pgProductColumns, active, time.Now().UTC(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ProductNotFound(id)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("update product: %w", mapPgError(err))
	}
	return p, nil
}

func (a *PostgresAdapter) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	return a.queryProducts(ctx, `SELECT `+pgProductColumns+` FROM products
		WHERE ($1::boolean = FALSE OR active) ORDER BY id`, activeOnly)
}

func (a *PostgresAdapter) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return a.queryProducts(ctx, `SELECT `+pgProductColumns+` FROM products
		WHERE active AND current_stock <= min_stock_level ORDER BY id`)
}

func (a *PostgresAdapter) SearchProducts(ctx context.Context, keyword string) ([]domain.Product, error) {
	return a.queryProducts(ctx, `SELECT `+pgProductColumns+` FROM products
		WHERE name ILIKE $1 OR sku ILIKE $1 ORDER BY id`, "%"+keyword+"%")
}

func (a *PostgresAdapter) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanPgProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (a *PostgresAdapter) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.StockTransaction, error) {
	limit := pgtype.Int8{Int64: int64(filter.Limit), Valid: filter.Limit > 0}
	rows, err := a.pool.Query(ctx, `
		SELECT id, product_id, type, quantity, previous_stock, resulting_stock, notes, bill_id, created_by, created_at
		FROM stock_transactions
		WHERE ($1::bigint = 0 OR product_id = $1)
		ORDER BY id DESC
		LIMIT $2`, filter.ProductID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.StockTransaction
	for rows.Next() {
		var (
			t      domain.StockTransaction
			typ    string
			billID pgtype.Int8
		)
		if err := rows.Scan(&t.ID, &t.ProductID, &typ, &t.Quantity, &t.PreviousStock, &t.ResultingStock,
			&t.Notes, &billID, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = domain.TransactionType(typ)
		if billID.Valid {
			id := billID.Int64
			t.BillID = &id
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (a *PostgresAdapter) GetBill(ctx context.Context, id int64) (domain.Bill, error) {
	return a.getBill(ctx, `SELECT `+pgBillColumns+` FROM bills WHERE id = $1`, fmt.Sprint(id), id)
}

func (a *PostgresAdapter) GetBillByNumber(ctx context.Context, number string) (domain.Bill, error) {
	return a.getBill(ctx, `SELECT `+pgBillColumns+` FROM bills WHERE bill_number = $1`, number, number)
}

func (a *PostgresAdapter) getBill(ctx context.Context, query, key string, arg any) (domain.Bill, error) {
	b, err := scanPgBill(a.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Bill{}, domain.BillNotFound(key)
	}
	if err != nil {
		return domain.Bill{}, fmt.Errorf("query bill: %w", err)
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, bill_id, product_id, product_name, quantity, unit_price, line_total
		FROM bill_items WHERE bill_id = $1 ORDER BY id`, b.ID)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("query bill items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it               domain.BillItem
			unitPrice, total pgtype.Numeric
		)
		if err := rows.Scan(&it.ID, &it.BillID, &it.ProductID, &it.ProductName, &it.Quantity, &unitPrice, &total); err != nil {
			return domain.Bill{}, fmt.Errorf("scan bill item: %w", err)
		}
		it.UnitPrice = fromNumeric(unitPrice)
		it.LineTotal = fromNumeric(total)
		b.Items = append(b.Items, it)
	}
	return b, rows.Err()
}

func (a *PostgresAdapter) ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	rows, err := a.pool.Query(ctx, `SELECT `+pgBillColumns+` FROM bills
		WHERE ($1::timestamptz IS NULL OR bill_date >= $1)
		  AND ($2::timestamptz IS NULL OR bill_date <= $2)
		ORDER BY bill_date DESC, id DESC
		LIMIT $3`,
		pgtype.Timestamptz{Time: filter.From, Valid: !filter.From.IsZero()},
		pgtype.Timestamptz{Time: filter.To, Valid: !filter.To.IsZero()},
		pgtype.Int8{Int64: int64(filter.Limit), Valid: filter.Limit > 0},
	)
	if err != nil {
		return nil, fmt.Errorf("query bills: %w", err)
	}
	defer rows.Close()

	var out []domain.Bill
	for rows.Next() {
		b, err := scanPgBill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// NextBillNumber uses a sequence; nextval is never rolled back.
func (a *PostgresAdapter) NextBillNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := a.pool.QueryRow(ctx, `SELECT nextval('bill_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next bill sequence: %w", err)
	}
	return domain.FormatBillNumber(seq), nil
}

// MaxBillSequence covers both bill_number_seq and stored bill numbers.
func (a *PostgresAdapter) MaxBillSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := a.pool.QueryRow(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(CAST(substring(bill_number FROM 5) AS BIGINT)) FROM bills WHERE bill_number LIKE 'INV-%'), 0),
			(SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM bill_number_seq))`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max bill sequence: %w", err)
	}
	return seq, nil
}

func (a *PostgresAdapter) Claim(ctx context.Context, key string) (bool, error) {
	tag, err := a.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, created_at) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (a *PostgresAdapter) Release(ctx context.Context, key string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	return err
}

func (a *PostgresAdapter) WithProductLocks(ctx context.Context, productIDs []int64, fn func(context.Context, port.TxRepository) error) error {
	ids := sortedUnique(productIDs)
	if len(ids) == 0 {
		return domain.NewValidationError("productIds", "at least one product is required")
	}

	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", a.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT `+pgProductColumns+` FROM products
		WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("lock products: %w", mapPgError(err))
	}
	locked := make(map[int64]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanPgProduct(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan product: %w", err)
		}
		locked[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock products: %w", mapPgError(err))
	}
	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			return domain.ProductNotFound(id)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx, locked: locked}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapPgError(err))
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	locked map[int64]domain.Product
}

func (t *pgTx) Product(_ context.Context, id int64) (domain.Product, error) {
	p, ok := t.locked[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %d read without holding its lock", id)
	}
	return p, nil
}

func (t *pgTx) UpdateStock(ctx context.Context, productID, stock int64) error {
	p, ok := t.locked[productID]
	if !ok {
		return fmt.Errorf("product %d updated without holding its lock", productID)
	}
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx,
		`UPDATE products SET current_stock = $1, updated_at = $2 WHERE id = $3`,
		stock, now, productID); err != nil {
		return mapPgError(err)
	}
	p.CurrentStock = stock
	p.UpdatedAt = now
	t.locked[productID] = p
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn domain.StockTransaction) (domain.StockTransaction, error) {
	var billID pgtype.Int8
	if txn.BillID != nil {
		billID = pgtype.Int8{Int64: *txn.BillID, Valid: true}
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO stock_transactions (product_id, type, quantity, previous_stock, resulting_stock,
			notes, bill_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		txn.ProductID, string(txn.Type), txn.Quantity, txn.PreviousStock, txn.ResultingStock,
		txn.Notes, billID, txn.CreatedBy, txn.CreatedAt,
	).Scan(&txn.ID)
	if err != nil {
		return domain.StockTransaction{}, mapPgError(err)
	}
	return txn, nil
}

func (t *pgTx) InsertBill(ctx context.Context, bill domain.Bill) (domain.Bill, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO bills (bill_number, customer_name, customer_phone, customer_email, payment_method,
			subtotal, discount, tax, total, status, bill_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		bill.BillNumber, bill.CustomerName, bill.CustomerPhone, bill.CustomerEmail, string(bill.PaymentMethod),
		toNumeric(bill.Subtotal), toNumeric(bill.Discount), toNumeric(bill.Tax), toNumeric(bill.Total),
		string(bill.Status), bill.BillDate, bill.CreatedBy,
	).Scan(&bill.ID)
	if err != nil {
		return domain.Bill{}, mapPgError(err)
	}

	bill = copyBill(bill)
	for i := range bill.Items {
		it := &bill.Items[i]
		it.BillID = bill.ID
		err := t.tx.QueryRow(ctx, `
			INSERT INTO bill_items (bill_id, product_id, product_name, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			it.BillID, it.ProductID, it.ProductName, it.Quantity, toNumeric(it.UnitPrice), toNumeric(it.LineTotal),
		).Scan(&it.ID)
		if err != nil {
			return domain.Bill{}, mapPgError(err)
		}
	}
	return bill, nil
}

func scanPgProduct(row pgx.Row) (domain.Product, error) {
	var (
		p               domain.Product
		selling, bought pgtype.Numeric
	)
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Description, &p.SKU, &selling, &bought,
		&p.MinStockLevel, &p.CurrentStock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	p.SellingPrice = fromNumeric(selling)
	p.PurchasePrice = fromNumeric(bought)
	return p, err
}

func scanPgBill(row pgx.Row) (domain.Bill, error) {
	var (
		b                              domain.Bill
		method, status                 string
		subtotal, discount, tax, total pgtype.Numeric
	)
	err := row.Scan(&b.ID, &b.BillNumber, &b.CustomerName, &b.CustomerPhone, &b.CustomerEmail, &method,
		&subtotal, &discount, &tax, &total, &status, &b.BillDate, &b.CreatedBy)
	b.PaymentMethod = domain.PaymentMethod(method)
	b.Status = domain.BillStatus(status)
	b.Subtotal = fromNumeric(subtotal)
	b.Discount = fromNumeric(discount)
	b.Tax = fromNumeric(tax)
	b.Total = fromNumeric(total)
	return b, err
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func isPgCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}

// mapPgError turns lock timeouts, deadlocks and serialization failures into
// domain.ErrConcurrency.
func mapPgError(err error) error {
	if isPgCode(err, pgLockNotAvailable, pgDeadlockDetected, pgSerializationFailure) {
		return fmt.Errorf("%w: %s", domain.ErrConcurrency, strings.TrimSpace(err.Error()))
	}
	if isPgCode(err, pgUniqueViolation) {
		return fmt.Errorf("%w: %s", errDuplicateKey, err.Error())
	}
	return err
}
