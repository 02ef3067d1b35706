package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"lapakpos/backend/internal/domain"
	"lapakpos/backend/internal/store"
	"lapakpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, cost_cents, track_stock, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.TrackStock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 0 {
		return nil, fmt.Errorf("%w: incomplete product", store.ErrValidation)
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, price_cents, cost_cents, track_stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
	`, product.SKU, product.Name, product.Category, product.PriceCents, product.CostCents, product.TrackStock, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrValidation, product.SKU)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, category, price_cents, cost_cents, track_stock, active
		FROM products
		WHERE sku = $1
	`, sku).Scan(&product.SKU, &product.Name, &product.Category, &product.PriceCents, &product.CostCents, &product.TrackStock, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, cost_cents = $5, track_stock = $6, active = $7, updated_at = now()
		WHERE sku = $1
	`, product.SKU, product.Name, product.Category, product.PriceCents, product.CostCents, product.TrackStock, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := product
	return &updated, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	if len(skus) == 0 {
		return map[string]domain.Product{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, cost_cents, track_stock, active
		FROM products
		WHERE sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Product, len(skus))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.TrackStock, &p.Active); err != nil {
			return nil, err
		}
		out[p.SKU] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(address, ''), created_at
		FROM branches
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &b.CreatedAt); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return branches, nil
}

func (s *Store) CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error) {
	if branch.ID == "" {
		branch.ID = xid.New("branch")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, address, created_at)
		VALUES ($1,$2,$3,$4)
	`, branch.ID, branch.Name, nullIfEmpty(branch.Address), branch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: branch %s already exists", store.ErrValidation, branch.ID)
		}
		return nil, err
	}
	created := branch
	return &created, nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(address, ''), created_at
		FROM branches
		WHERE id = $1
	`, branchID).Scan(&b.ID, &b.Name, &b.Address, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), created_at
		FROM customers
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, limit)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), customer.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), created_at
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&c.ID, &c.Name, &c.Phone, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// lockBalance takes the per (branch, sku) running-balance row FOR UPDATE,
// creating it on first use. All multi-row callers must lock in sorted key
// order so concurrent transfers cannot deadlock.
func lockBalance(ctx context.Context, tx *sql.Tx, branchID, sku string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_balances (branch_id, sku, qty)
		VALUES ($1,$2,0)
		ON CONFLICT (branch_id, sku) DO NOTHING
	`, branchID, sku); err != nil {
		return 0, err
	}

	var qty int
	err := tx.QueryRowContext(ctx, `
		SELECT qty
		FROM stock_balances
		WHERE branch_id = $1 AND sku = $2
		FOR UPDATE
	`, branchID, sku).Scan(&qty)
	return qty, err
}

// appendMovementTx writes one ledger row inside an open transaction. The
// caller must already hold the FOR UPDATE lock on the balance row; before
// is that locked quantity.
func appendMovementTx(ctx context.Context, tx *sql.Tx, mv domain.StockMovement, before int) (*domain.StockMovement, error) {
	after := before + mv.DeltaQty
	if after < 0 {
		return nil, fmt.Errorf("%w: %s at %s has %d", store.ErrInsufficientStock, mv.SKU, mv.BranchID, before)
	}

	if mv.ID == "" {
		mv.ID = xid.New("mov")
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	mv.StockBefore = before
	mv.StockAfter = after

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements
			(id, sku, branch_id, type, delta_qty, cost_cents, stock_before, stock_after, reference, transfer_id, reverses_id, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, mv.ID, mv.SKU, mv.BranchID, mv.Type, mv.DeltaQty, mv.CostCents, mv.StockBefore, mv.StockAfter,
		nullIfEmpty(mv.Reference), nullIfEmpty(mv.TransferID), nullIfEmpty(mv.ReversesID), mv.CreatedBy, mv.CreatedAt); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE stock_balances
		SET qty = $3
		WHERE branch_id = $1 AND sku = $2
	`, mv.BranchID, mv.SKU, after); err != nil {
		return nil, err
	}

	appended := mv
	return &appended, nil
}

func (s *Store) trackedProduct(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, sku string) (domain.Product, error) {
	var p domain.Product
	err := q.QueryRowContext(ctx, `
		SELECT sku, cost_cents, track_stock
		FROM products
		WHERE sku = $1
	`, sku).Scan(&p.SKU, &p.CostCents, &p.TrackStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fmt.Errorf("sku %s: %w", sku, store.ErrNotFound)
		}
		return p, err
	}
	if !p.TrackStock {
		return p, fmt.Errorf("%w: stock not tracked for %s", store.ErrValidation, sku)
	}
	return p, nil
}

func (s *Store) AppendMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if movement.DeltaQty == 0 {
		return nil, fmt.Errorf("%w: zero quantity movement", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	product, err := s.trackedProduct(ctx, pgTx, movement.SKU)
	if err != nil {
		return nil, err
	}
	if movement.CostCents == 0 {
		movement.CostCents = product.CostCents
	}

	before, err := lockBalance(ctx, pgTx, movement.BranchID, movement.SKU)
	if err != nil {
		return nil, mapTxError(err)
	}
	appended, err := appendMovementTx(ctx, pgTx, movement, before)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return appended, nil
}

func (s *Store) AppendTransfer(ctx context.Context, out domain.StockMovement, in domain.StockMovement) ([]domain.StockMovement, error) {
	if out.SKU != in.SKU {
		return nil, fmt.Errorf("%w: transfer legs must share a sku", store.ErrValidation)
	}
	if out.DeltaQty >= 0 || in.DeltaQty <= 0 || out.DeltaQty != -in.DeltaQty {
		return nil, fmt.Errorf("%w: transfer legs must balance", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	product, err := s.trackedProduct(ctx, pgTx, out.SKU)
	if err != nil {
		return nil, err
	}
	if out.CostCents == 0 {
		out.CostCents = product.CostCents
	}
	if in.CostCents == 0 {
		in.CostCents = product.CostCents
	}

	// Lock both balance rows in sorted key order.
	legs := []*domain.StockMovement{&out, &in}
	sort.Slice(legs, func(i, j int) bool {
		return legs[i].BranchID < legs[j].BranchID
	})
	balances := make(map[string]int, 2)
	for _, leg := range legs {
		qty, err := lockBalance(ctx, pgTx, leg.BranchID, leg.SKU)
		if err != nil {
			return nil, mapTxError(err)
		}
		balances[leg.BranchID] = qty
	}

	if out.ReversesID != "" || in.ReversesID != "" {
		var exists bool
		if err := pgTx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM stock_movements
				WHERE reverses_id IN ($1, $2)
			)
		`, out.ReversesID, in.ReversesID).Scan(&exists); err != nil {
			return nil, mapTxError(err)
		}
		if exists {
			return nil, fmt.Errorf("%w: movements %s/%s", store.ErrAlreadyReversed, out.ReversesID, in.ReversesID)
		}
	}

	first, err := appendMovementTx(ctx, pgTx, out, balances[out.BranchID])
	if err != nil {
		return nil, mapTxError(err)
	}
	second, err := appendMovementTx(ctx, pgTx, in, balances[in.BranchID])
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return []domain.StockMovement{*first, *second}, nil
}

const movementColumns = `
	id, sku, branch_id, type, delta_qty, cost_cents, stock_before, stock_after,
	COALESCE(reference, ''), COALESCE(transfer_id, ''), COALESCE(reverses_id, ''), created_by, created_at
`

func scanMovement(scanner interface{ Scan(dest ...any) error }) (domain.StockMovement, error) {
	var mv domain.StockMovement
	err := scanner.Scan(&mv.ID, &mv.SKU, &mv.BranchID, &mv.Type, &mv.DeltaQty, &mv.CostCents,
		&mv.StockBefore, &mv.StockAfter, &mv.Reference, &mv.TransferID, &mv.ReversesID, &mv.CreatedBy, &mv.CreatedAt)
	return mv, err
}

func (s *Store) GetMovement(ctx context.Context, movementID string) (*domain.StockMovement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE id = $1
	`, movementID)
	mv, err := scanMovement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &mv, nil
}

func (s *Store) FindTransferPair(ctx context.Context, transferID string) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE transfer_id = $1
		ORDER BY delta_qty ASC
	`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pair := make([]domain.StockMovement, 0, 2)
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		pair = append(pair, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pair) == 0 {
		return nil, store.ErrNotFound
	}
	return pair, nil
}

func (s *Store) HasReversal(ctx context.Context, transferID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM stock_movements r
			JOIN stock_movements o ON o.id = r.reverses_id
			WHERE o.transfer_id = $1
		)
	`, transferID).Scan(&exists)
	return exists, err
}

func (s *Store) StockBalance(ctx context.Context, sku string, branchID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((
			SELECT qty FROM stock_balances WHERE branch_id = $2 AND sku = $1
		), 0)
	`, sku, branchID).Scan(&qty)
	return qty, err
}

func (s *Store) ProductHistory(ctx context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE sku = $1 AND ($2 = '' OR branch_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, sku, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// lockCustomer takes the customer row FOR UPDATE so wallet and debt sums
// are stable for the rest of the transaction.
func lockCustomer(ctx context.Context, tx *sql.Tx, customerID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM customers WHERE id = $1 FOR UPDATE
	`, customerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func walletBalanceTx(ctx context.Context, tx *sql.Tx, customerID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM wallet_transactions
		WHERE customer_id = $1
	`, customerID).Scan(&balance)
	return balance, err
}

func (s *Store) WalletBalance(ctx context.Context, customerID string) (int64, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return 0, err
	}
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM wallet_transactions
		WHERE customer_id = $1
	`, customerID).Scan(&balance)
	return balance, err
}

func insertWalletTransactionTx(ctx context.Context, tx *sql.Tx, wtx domain.WalletTransaction) (*domain.WalletTransaction, error) {
	if wtx.AmountCents == 0 {
		return nil, fmt.Errorf("%w: zero wallet amount", store.ErrValidation)
	}
	if wtx.AmountCents < 0 {
		balance, err := walletBalanceTx(ctx, tx, wtx.CustomerID)
		if err != nil {
			return nil, err
		}
		if balance+wtx.AmountCents < 0 {
			return nil, fmt.Errorf("%w: customer %s", store.ErrInsufficientWalletBalance, wtx.CustomerID)
		}
	}

	if wtx.ID == "" {
		wtx.ID = xid.New("wtx")
	}
	if wtx.CreatedAt.IsZero() {
		wtx.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, customer_id, amount_cents, reason, sale_id, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, wtx.ID, wtx.CustomerID, wtx.AmountCents, wtx.Reason, nullIfEmpty(wtx.SaleID), wtx.CreatedBy, wtx.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := wtx
	return &created, nil
}

func (s *Store) CreateWalletTransaction(ctx context.Context, wtx domain.WalletTransaction) (*domain.WalletTransaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := lockCustomer(ctx, pgTx, wtx.CustomerID); err != nil {
		return nil, mapTxError(err)
	}
	created, err := insertWalletTransactionTx(ctx, pgTx, wtx)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return created, nil
}

func (s *Store) ListWalletTransactions(ctx context.Context, customerID string, limit int) ([]domain.WalletTransaction, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, amount_cents, reason, COALESCE(sale_id, ''), created_by, created_at
		FROM wallet_transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.WalletTransaction, 0, limit)
	for rows.Next() {
		var wtx domain.WalletTransaction
		if err := rows.Scan(&wtx.ID, &wtx.CustomerID, &wtx.AmountCents, &wtx.Reason, &wtx.SaleID, &wtx.CreatedBy, &wtx.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, wtx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Store) DebtBalance(ctx context.Context, customerID string) (int64, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return 0, err
	}
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM debt_entries
		WHERE customer_id = $1
	`, customerID).Scan(&balance)
	return balance, err
}

func insertDebtEntryTx(ctx context.Context, tx *sql.Tx, entry domain.DebtEntry) (*domain.DebtEntry, error) {
	if entry.ID == "" {
		entry.ID = xid.New("debt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO debt_entries (id, customer_id, sale_id, amount_cents, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.CustomerID, nullIfEmpty(entry.SaleID), entry.AmountCents, nullIfEmpty(entry.Note), entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := entry
	return &created, nil
}

func (s *Store) CreateDebtEntry(ctx context.Context, entry domain.DebtEntry) (*domain.DebtEntry, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := lockCustomer(ctx, pgTx, entry.CustomerID); err != nil {
		return nil, mapTxError(err)
	}
	created, err := insertDebtEntryTx(ctx, pgTx, entry)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return created, nil
}

func insertSaleTx(ctx context.Context, tx *sql.Tx, sale domain.Sale) error {
	allocationJSON, err := marshalJSON(sale.Allocation)
	if err != nil {
		return err
	}
	planRequestJSON, err := marshalJSON(sale.PlanRequest)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales
			(id, branch_id, customer_id, currency, subtotal_cents, discount_cents, tax_cents, shipping_cents,
			 total_cents, payment_method, tendered_cents, wallet_used_cents, paid_cents, change_cents, balance_cents,
			 status, allocation, plan_request, idempotency_key, due_date, created_by, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, sale.ID, sale.BranchID, nullIfEmpty(sale.CustomerID), sale.Currency, sale.SubtotalCents, sale.DiscountCents,
		sale.TaxCents, sale.ShippingCents, sale.TotalCents, sale.PaymentMethod, sale.TenderedCents,
		sale.WalletUsedCents, sale.PaidCents, sale.ChangeCents, sale.BalanceCents, sale.Status, allocationJSON,
		planRequestJSON, nullIfEmpty(sale.IdempotencyKey), nullDate(sale.DueDate), sale.CreatedBy, sale.CreatedAt,
		nullTime(sale.CompletedAt))
	if err != nil {
		return err
	}

	for _, item := range sale.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items
				(sale_id, sku, variant_id, name, qty, unit_cents, discount_cents, tax_percent, tax_cents, total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, sale.ID, item.SKU, nullIfEmpty(item.VariantID), item.Name, item.Qty, item.UnitCents,
			item.DiscountCents, item.TaxPercent, item.TaxCents, item.TotalCents); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreatePendingSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.IdempotencyKey != "" {
		if existing, err := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleClassified

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := insertSaleTx(ctx, pgTx, sale); err != nil {
		if isUniqueViolation(err) {
			// Lost an idempotency race; surface the winner.
			return s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
		}
		return nil, mapTxError(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	created := sale
	return &created, nil
}

const saleColumns = `
	id, branch_id, COALESCE(customer_id, ''), currency, subtotal_cents, discount_cents, tax_cents, shipping_cents,
	total_cents, payment_method, tendered_cents, wallet_used_cents, paid_cents, change_cents, balance_cents,
	status, allocation, plan_request, COALESCE(idempotency_key, ''), due_date, created_by, created_at, completed_at
`

func scanSale(scanner interface{ Scan(dest ...any) error }) (*domain.Sale, error) {
	var sale domain.Sale
	var allocationJSON, planRequestJSON []byte
	var dueDate, completedAt sql.NullTime
	err := scanner.Scan(&sale.ID, &sale.BranchID, &sale.CustomerID, &sale.Currency, &sale.SubtotalCents,
		&sale.DiscountCents, &sale.TaxCents, &sale.ShippingCents, &sale.TotalCents, &sale.PaymentMethod,
		&sale.TenderedCents, &sale.WalletUsedCents, &sale.PaidCents, &sale.ChangeCents, &sale.BalanceCents,
		&sale.Status, &allocationJSON, &planRequestJSON, &sale.IdempotencyKey, &dueDate, &sale.CreatedBy,
		&sale.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if len(allocationJSON) > 0 {
		var alloc domain.PinnedAllocation
		if err := json.Unmarshal(allocationJSON, &alloc); err != nil {
			return nil, fmt.Errorf("decode allocation for sale %s: %w", sale.ID, err)
		}
		sale.Allocation = &alloc
	}
	if len(planRequestJSON) > 0 {
		var req domain.InstallmentRequest
		if err := json.Unmarshal(planRequestJSON, &req); err != nil {
			return nil, fmt.Errorf("decode plan request for sale %s: %w", sale.ID, err)
		}
		sale.PlanRequest = &req
	}
	if dueDate.Valid {
		due := dueDate.Time.UTC()
		sale.DueDate = &due
	}
	if completedAt.Valid {
		done := completedAt.Time.UTC()
		sale.CompletedAt = &done
	}
	return &sale, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, COALESCE(variant_id, ''), name, qty, unit_cents, discount_cents, tax_percent, tax_cents, total_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY sku
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.SKU, &item.VariantID, &item.Name, &item.Qty, &item.UnitCents,
			&item.DiscountCents, &item.TaxPercent, &item.TaxCents, &item.TotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
	`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if sale.Items, err = s.loadSaleItems(ctx, sale.ID); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE idempotency_key = $1
	`, key)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if sale.Items, err = s.loadSaleItems(ctx, sale.ID); err != nil {
		return nil, err
	}
	return sale, nil
}

// CommitSale persists a settled sale atomically: the sale row, one ledger
// movement per tracked line, the wallet postings, the debt entry and the
// payment plan. Serialization failures surface as ErrConcurrencyConflict
// and are retried by the service layer.
func (s *Store) CommitSale(ctx context.Context, commit store.SaleCommit) (*domain.Sale, error) {
	sale := commit.Sale
	if len(sale.Items) == 0 {
		return nil, store.ErrNoLineItems
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	sale.CompletedAt = &now
	sale.Status = domain.SaleCompleted
	if commit.DebtCents > 0 {
		sale.Status = domain.SalePending
		sale.CompletedAt = nil
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	needsCustomer := commit.WalletDebitCents > 0 || commit.WalletCreditCents > 0 || commit.DebtCents > 0
	if needsCustomer && sale.CustomerID == "" {
		return nil, store.ErrCustomerRequired
	}
	if sale.CustomerID != "" {
		if err := lockCustomer(ctx, pgTx, sale.CustomerID); err != nil {
			return nil, mapTxError(err)
		}
	}

	// Resolve per line tracking flags and lock balance rows in sorted sku
	// order before moving any stock.
	type trackedLine struct {
		sku       string
		qty       int
		costCents int64
	}
	trackedBySKU := map[string]*trackedLine{}
	for _, item := range sale.Items {
		product, err := s.trackedProduct(ctx, pgTx, item.SKU)
		if err != nil {
			if errors.Is(err, store.ErrValidation) {
				// Untracked lines sell without touching the ledger.
				continue
			}
			return nil, err
		}
		if line, ok := trackedBySKU[item.SKU]; ok {
			line.qty += item.Qty
		} else {
			trackedBySKU[item.SKU] = &trackedLine{sku: item.SKU, qty: item.Qty, costCents: product.CostCents}
		}
	}
	trackedSKUs := make([]string, 0, len(trackedBySKU))
	for sku := range trackedBySKU {
		trackedSKUs = append(trackedSKUs, sku)
	}
	sort.Strings(trackedSKUs)

	for _, sku := range trackedSKUs {
		line := trackedBySKU[sku]
		before, err := lockBalance(ctx, pgTx, sale.BranchID, sku)
		if err != nil {
			return nil, mapTxError(err)
		}
		mv := domain.StockMovement{
			SKU:       sku,
			BranchID:  sale.BranchID,
			Type:      domain.MovementSale,
			DeltaQty:  -line.qty,
			CostCents: line.costCents,
			Reference: sale.ID,
			CreatedBy: commit.Actor,
			CreatedAt: now,
		}
		if _, err := appendMovementTx(ctx, pgTx, mv, before); err != nil {
			return nil, mapTxError(err)
		}
	}

	// Replace any pending draft row for this sale before re-inserting.
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, sale.ID); err != nil {
		return nil, mapTxError(err)
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1 AND status = $2`, sale.ID, domain.SaleClassified); err != nil {
		return nil, mapTxError(err)
	}
	if err := insertSaleTx(ctx, pgTx, sale); err != nil {
		if isUniqueViolation(err) {
			if sale.IdempotencyKey != "" {
				// Lost an idempotency race; surface the winner.
				return s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			}
			// A racing confirm already committed this sale.
			return nil, fmt.Errorf("%w: sale %s already committed", store.ErrValidation, sale.ID)
		}
		return nil, mapTxError(err)
	}

	if commit.WalletDebitCents > 0 {
		if _, err := insertWalletTransactionTx(ctx, pgTx, domain.WalletTransaction{
			CustomerID:  sale.CustomerID,
			AmountCents: -commit.WalletDebitCents,
			Reason:      domain.WalletReasonPayment,
			SaleID:      sale.ID,
			CreatedBy:   commit.Actor,
			CreatedAt:   now,
		}); err != nil {
			return nil, mapTxError(err)
		}
	}
	if commit.WalletCreditCents > 0 {
		if _, err := insertWalletTransactionTx(ctx, pgTx, domain.WalletTransaction{
			CustomerID:  sale.CustomerID,
			AmountCents: commit.WalletCreditCents,
			Reason:      domain.WalletReasonOverpay,
			SaleID:      sale.ID,
			CreatedBy:   commit.Actor,
			CreatedAt:   now,
		}); err != nil {
			return nil, mapTxError(err)
		}
	}
	if commit.DebtCents > 0 {
		if _, err := insertDebtEntryTx(ctx, pgTx, domain.DebtEntry{
			CustomerID:  sale.CustomerID,
			SaleID:      sale.ID,
			AmountCents: commit.DebtCents,
			Note:        "partial payment",
			CreatedAt:   now,
		}); err != nil {
			return nil, mapTxError(err)
		}
	}

	if commit.Plan != nil {
		plan := *commit.Plan
		if plan.ID == "" {
			plan.ID = xid.New("plan")
		}
		plan.SaleID = sale.ID
		if plan.CreatedAt.IsZero() {
			plan.CreatedAt = now
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO payment_plans (id, sale_id, frequency, start_date, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, plan.ID, plan.SaleID, plan.Frequency, nowDateUTC(plan.StartDate), plan.CreatedAt); err != nil {
			return nil, mapTxError(err)
		}
		for _, inst := range plan.Installments {
			if _, err := pgTx.ExecContext(ctx, `
				INSERT INTO installments (plan_id, seq, due_date, amount_cents, paid_cents, status)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, plan.ID, inst.Seq, nowDateUTC(inst.DueDate), inst.AmountCents, inst.PaidCents, inst.Status); err != nil {
				return nil, mapTxError(err)
			}
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	committed := sale
	return &committed, nil
}

func (s *Store) AddSalePayment(ctx context.Context, saleID string, amountCents int64, method string, actor string) (*domain.Sale, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapTxError(err)
	}
	if sale.Status != domain.SalePending {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrValidation, saleID, sale.Status)
	}
	if amountCents > sale.BalanceCents {
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance", store.ErrValidation)
	}

	now := time.Now().UTC()
	sale.PaidCents += amountCents
	sale.BalanceCents -= amountCents
	if sale.BalanceCents == 0 {
		sale.Status = domain.SaleCompleted
		sale.CompletedAt = &now
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE sales
		SET paid_cents = $2, balance_cents = $3, status = $4, completed_at = $5
		WHERE id = $1
	`, sale.ID, sale.PaidCents, sale.BalanceCents, sale.Status, nullTime(sale.CompletedAt)); err != nil {
		return nil, mapTxError(err)
	}

	if sale.CustomerID != "" {
		if _, err := insertDebtEntryTx(ctx, pgTx, domain.DebtEntry{
			CustomerID:  sale.CustomerID,
			SaleID:      sale.ID,
			AmountCents: -amountCents,
			Note:        "debt payment via " + method,
			CreatedAt:   now,
		}); err != nil {
			return nil, mapTxError(err)
		}
	}

	// Settle installments oldest first.
	instRows, err := pgTx.QueryContext(ctx, `
		SELECT i.plan_id, i.seq, i.amount_cents, i.paid_cents
		FROM installments i
		JOIN payment_plans p ON p.id = i.plan_id
		WHERE p.sale_id = $1 AND i.paid_cents < i.amount_cents
		ORDER BY i.seq
		FOR UPDATE OF i
	`, saleID)
	if err != nil {
		return nil, mapTxError(err)
	}
	type openInstallment struct {
		planID string
		seq    int
		amount int64
		paid   int64
	}
	open := make([]openInstallment, 0, 8)
	for instRows.Next() {
		var inst openInstallment
		if err := instRows.Scan(&inst.planID, &inst.seq, &inst.amount, &inst.paid); err != nil {
			_ = instRows.Close()
			return nil, mapTxError(err)
		}
		open = append(open, inst)
	}
	if err := instRows.Err(); err != nil {
		_ = instRows.Close()
		return nil, mapTxError(err)
	}
	_ = instRows.Close()

	remaining := amountCents
	for _, inst := range open {
		if remaining <= 0 {
			break
		}
		pay := inst.amount - inst.paid
		if pay > remaining {
			pay = remaining
		}
		paid := inst.paid + pay
		status := domain.InstallmentOpen
		if paid >= inst.amount {
			status = domain.InstallmentPaid
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE installments
			SET paid_cents = $3, status = $4
			WHERE plan_id = $1 AND seq = $2
		`, inst.planID, inst.seq, paid, status); err != nil {
			return nil, mapTxError(err)
		}
		remaining -= pay
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	sale.Items, err = s.loadSaleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) GetPaymentPlan(ctx context.Context, saleID string) (*domain.PaymentPlan, error) {
	var plan domain.PaymentPlan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, frequency, start_date, created_at
		FROM payment_plans
		WHERE sale_id = $1
	`, saleID).Scan(&plan.ID, &plan.SaleID, &plan.Frequency, &plan.StartDate, &plan.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, due_date, amount_cents, paid_cents, status
		FROM installments
		WHERE plan_id = $1
		ORDER BY seq
	`, plan.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var inst domain.Installment
		if err := rows.Scan(&inst.Seq, &inst.DueDate, &inst.AmountCents, &inst.PaidCents, &inst.Status); err != nil {
			return nil, err
		}
		plan.Installments = append(plan.Installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType,
		nullIfEmpty(entry.EntityID), nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, COALESCE(entity_id, ''), COALESCE(detail, ''), created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, strings.ToLower(user.Username), user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrValidation, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2
		WHERE username = $1
	`, strings.ToLower(username), password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func marshalJSON[T any](val *T) (any, error) {
	if val == nil {
		return nil, nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return raw, nil
}

// mapTxError converts Postgres serialization and deadlock failures into
// ErrConcurrencyConflict so callers can retry the whole transaction.
func mapTxError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Code)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
