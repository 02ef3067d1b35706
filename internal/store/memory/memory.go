package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lapakpos/backend/internal/domain"
	"lapakpos/backend/internal/store"
	"lapakpos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	branchesByID    map[string]domain.Branch
	customersByID   map[string]domain.Customer
	movements       []domain.StockMovement
	movementIndex   map[string]int
	balances        map[string]int
	walletTxs       map[string][]domain.WalletTransaction
	walletBalances  map[string]int64
	debts           map[string][]domain.DebtEntry
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]*domain.Sale
	plansBySaleID   map[string]*domain.PaymentPlan
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:        map[string]domain.Product{},
		branchesByID:    map[string]domain.Branch{},
		customersByID:   map[string]domain.Customer{},
		movementIndex:   map[string]int{},
		balances:        map[string]int{},
		walletTxs:       map[string][]domain.WalletTransaction{},
		walletBalances:  map[string]int64{},
		debts:           map[string][]domain.DebtEntry{},
		salesByID:       map[string]*domain.Sale{},
		salesByIdem:     map[string]*domain.Sale{},
		plansBySaleID:   map[string]*domain.PaymentPlan{},
		usersByUsername: seedUsers(),
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	branches := []domain.Branch{
		{ID: "branch-main", Name: "Toko Pusat", Address: "Jl. Merdeka 1", CreatedAt: now},
		{ID: "branch-gudang", Name: "Gudang Timur", Address: "Jl. Industri 12", CreatedAt: now},
	}
	for _, b := range branches {
		s.branchesByID[b.ID] = b
	}

	products := []domain.Product{
		{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Category: "grocery", PriceCents: 3500, CostCents: 2700, TrackStock: true, Active: true},
		{SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", Category: "grocery", PriceCents: 26500, CostCents: 23000, TrackStock: true, Active: true},
		{SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Category: "dairy", PriceCents: 18900, CostCents: 13600, TrackStock: true, Active: true},
		{SKU: "SKU-ROTI-01", Name: "Roti Tawar", Category: "bakery", PriceCents: 17800, CostCents: 12500, TrackStock: true, Active: true},
		{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Category: "beverage", PriceCents: 2600, CostCents: 1700, TrackStock: true, Active: true},
		{SKU: "SKU-GULA-01", Name: "Gula 1kg", Category: "grocery", PriceCents: 17400, CostCents: 15300, TrackStock: true, Active: true},
		{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Category: "beverage", PriceCents: 3900, CostCents: 3200, TrackStock: true, Active: true},
		{SKU: "SKU-SABUN-01", Name: "Sabun Mandi", Category: "household", PriceCents: 7400, CostCents: 5000, TrackStock: true, Active: true},
		{SKU: "SKU-ANTAR-01", Name: "Jasa Antar", Category: "service", PriceCents: 10000, CostCents: 0, TrackStock: false, Active: true},
	}
	for _, p := range products {
		s.products[p.SKU] = p
		if !p.TrackStock {
			continue
		}
		for _, b := range branches {
			qty := 40
			if b.ID == "branch-gudang" {
				qty = 200
			}
			mv := domain.StockMovement{
				SKU:       p.SKU,
				BranchID:  b.ID,
				Type:      domain.MovementInitial,
				DeltaQty:  qty,
				CostCents: p.CostCents,
				CreatedBy: "seed",
			}
			if _, err := s.appendMovementLocked(mv); err != nil {
				log.Fatalf("[memory-store] seed movement for %s: %v", p.SKU, err)
			}
		}
	}

	customers := []domain.Customer{
		{ID: "cust-budi", Name: "Budi Santoso", Phone: "0812-1111-2222", CreatedAt: now},
		{ID: "cust-siti", Name: "Siti Rahma", Phone: "0813-3333-4444", CreatedAt: now},
	}
	for _, c := range customers {
		s.customersByID[c.ID] = c
	}

	// Give one seed customer an opening wallet balance.
	topUp := domain.WalletTransaction{
		ID:          xid.New("wtx"),
		CustomerID:  "cust-budi",
		AmountCents: 50000,
		Reason:      domain.WalletReasonTopUp,
		CreatedBy:   "seed",
		CreatedAt:   now,
	}
	s.walletTxs[topUp.CustomerID] = append(s.walletTxs[topUp.CustomerID], topUp)
	s.walletBalances[topUp.CustomerID] += topUp.AmountCents

	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		return cmpString(a.SKU, b.SKU)
	})
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrValidation, product.SKU)
	}
	s.products[product.SKU] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := product
	return &found, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.SKU]; !ok {
		return nil, store.ErrNotFound
	}
	s.products[product.SKU] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok {
			out[sku] = p
		}
	}
	return out, nil
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Branch, 0, len(s.branchesByID))
	for _, b := range s.branchesByID {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.Branch) int {
		return cmpString(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) CreateBranch(_ context.Context, branch domain.Branch) (*domain.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.ID == "" {
		branch.ID = xid.New("branch")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	s.branchesByID[branch.ID] = branch
	created := branch
	return &created, nil
}

func (s *Store) GetBranch(_ context.Context, branchID string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, ok := s.branchesByID[branchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := branch
	return &found, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Customer, 0, len(s.customersByID))
	for _, c := range s.customersByID {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Customer) int {
		return cmpString(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customersByID[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customersByID[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := customer
	return &found, nil
}

func balanceKey(branchID, sku string) string {
	return branchID + "|" + sku
}

// appendMovementLocked writes one ledger row. The caller holds the write
// lock. Stock before/after is stamped from the running balance so that per
// (sku, branch) each row starts where the previous one ended.
func (s *Store) appendMovementLocked(mv domain.StockMovement) (*domain.StockMovement, error) {
	product, ok := s.products[mv.SKU]
	if !ok {
		return nil, fmt.Errorf("sku %s: %w", mv.SKU, store.ErrNotFound)
	}
	if !product.TrackStock {
		return nil, fmt.Errorf("%w: stock not tracked for %s", store.ErrValidation, mv.SKU)
	}
	if _, ok := s.branchesByID[mv.BranchID]; !ok {
		return nil, fmt.Errorf("branch %s: %w", mv.BranchID, store.ErrNotFound)
	}
	if mv.DeltaQty == 0 {
		return nil, fmt.Errorf("%w: zero quantity movement", store.ErrValidation)
	}

	key := balanceKey(mv.BranchID, mv.SKU)
	before := s.balances[key]
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
	if mv.CostCents == 0 {
		mv.CostCents = product.CostCents
	}
	mv.StockBefore = before
	mv.StockAfter = after

	s.movementIndex[mv.ID] = len(s.movements)
	s.movements = append(s.movements, mv)
	s.balances[key] = after
	appended := mv
	return &appended, nil
}

func (s *Store) AppendMovement(_ context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMovementLocked(movement)
}

// AppendTransfer writes both legs of a transfer, or neither. The outbound
// leg is checked before anything is written so a failed check leaves the
// ledger untouched.
func (s *Store) AppendTransfer(_ context.Context, out domain.StockMovement, in domain.StockMovement) ([]domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out.SKU != in.SKU {
		return nil, fmt.Errorf("%w: transfer legs must share a sku", store.ErrValidation)
	}
	if out.DeltaQty >= 0 || in.DeltaQty <= 0 || out.DeltaQty != -in.DeltaQty {
		return nil, fmt.Errorf("%w: transfer legs must balance", store.ErrValidation)
	}

	if out.ReversesID != "" || in.ReversesID != "" {
		for _, mv := range s.movements {
			if mv.ReversesID != "" && (mv.ReversesID == out.ReversesID || mv.ReversesID == in.ReversesID) {
				return nil, fmt.Errorf("%w: movement %s", store.ErrAlreadyReversed, mv.ReversesID)
			}
		}
	}

	if s.balances[balanceKey(out.BranchID, out.SKU)]+out.DeltaQty < 0 {
		return nil, fmt.Errorf("%w: %s at %s", store.ErrInsufficientStock, out.SKU, out.BranchID)
	}

	first, err := s.appendMovementLocked(out)
	if err != nil {
		return nil, err
	}
	second, err := s.appendMovementLocked(in)
	if err != nil {
		// Unwind the first leg so the ledger stays balanced.
		s.balances[balanceKey(out.BranchID, out.SKU)] -= out.DeltaQty
		delete(s.movementIndex, first.ID)
		s.movements = s.movements[:len(s.movements)-1]
		return nil, err
	}
	return []domain.StockMovement{*first, *second}, nil
}

func (s *Store) GetMovement(_ context.Context, movementID string) (*domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.movementIndex[movementID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := s.movements[idx]
	return &found, nil
}

func (s *Store) FindTransferPair(_ context.Context, transferID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pair []domain.StockMovement
	for _, mv := range s.movements {
		if mv.TransferID == transferID {
			pair = append(pair, mv)
		}
	}
	if len(pair) == 0 {
		return nil, store.ErrNotFound
	}
	return pair, nil
}

func (s *Store) HasReversal(_ context.Context, transferID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	legIDs := map[string]bool{}
	for _, mv := range s.movements {
		if mv.TransferID == transferID {
			legIDs[mv.ID] = true
		}
	}
	for _, mv := range s.movements {
		if mv.ReversesID != "" && legIDs[mv.ReversesID] {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) StockBalance(_ context.Context, sku string, branchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[sku]; !ok {
		return 0, store.ErrNotFound
	}
	return s.balances[balanceKey(branchID, sku)], nil
}

func (s *Store) ProductHistory(_ context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.StockMovement
	for _, mv := range s.movements {
		if mv.SKU != sku {
			continue
		}
		if branchID != "" && mv.BranchID != branchID {
			continue
		}
		out = append(out, mv)
	}
	slices.SortFunc(out, func(a, b domain.StockMovement) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpString(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) WalletBalance(_ context.Context, customerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.customersByID[customerID]; !ok {
		return 0, store.ErrNotFound
	}
	return s.walletBalances[customerID], nil
}

func (s *Store) CreateWalletTransaction(_ context.Context, tx domain.WalletTransaction) (*domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createWalletTransactionLocked(tx)
}

func (s *Store) createWalletTransactionLocked(tx domain.WalletTransaction) (*domain.WalletTransaction, error) {
	if _, ok := s.customersByID[tx.CustomerID]; !ok {
		return nil, store.ErrNotFound
	}
	if tx.AmountCents == 0 {
		return nil, fmt.Errorf("%w: zero wallet amount", store.ErrValidation)
	}
	if s.walletBalances[tx.CustomerID]+tx.AmountCents < 0 {
		return nil, fmt.Errorf("%w: customer %s", store.ErrInsufficientWalletBalance, tx.CustomerID)
	}

	if tx.ID == "" {
		tx.ID = xid.New("wtx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.walletTxs[tx.CustomerID] = append(s.walletTxs[tx.CustomerID], tx)
	s.walletBalances[tx.CustomerID] += tx.AmountCents
	created := tx
	return &created, nil
}

func (s *Store) ListWalletTransactions(_ context.Context, customerID string, limit int) ([]domain.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.customersByID[customerID]; !ok {
		return nil, store.ErrNotFound
	}
	txs := slices.Clone(s.walletTxs[customerID])
	slices.SortFunc(txs, func(a, b domain.WalletTransaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpString(b.ID, a.ID)
	})
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (s *Store) DebtBalance(_ context.Context, customerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.customersByID[customerID]; !ok {
		return 0, store.ErrNotFound
	}
	var total int64
	for _, d := range s.debts[customerID] {
		total += d.AmountCents
	}
	return total, nil
}

func (s *Store) CreateDebtEntry(_ context.Context, entry domain.DebtEntry) (*domain.DebtEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createDebtEntryLocked(entry)
}

func (s *Store) createDebtEntryLocked(entry domain.DebtEntry) (*domain.DebtEntry, error) {
	if _, ok := s.customersByID[entry.CustomerID]; !ok {
		return nil, store.ErrNotFound
	}
	if entry.ID == "" {
		entry.ID = xid.New("debt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.debts[entry.CustomerID] = append(s.debts[entry.CustomerID], entry)
	created := entry
	return &created, nil
}

func (s *Store) CreatePendingSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
			return cloneSale(existing), nil
		}
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleClassified

	stored := cloneSale(&sale)
	s.salesByID[sale.ID] = stored
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = stored
	}
	return cloneSale(stored), nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

// CommitSale persists a settled sale and everything it implies in one step:
// the sale row, one ledger movement per tracked line, the wallet debit and
// credit, the debt entry and the payment plan. All checks run against
// scratch copies first so a failure leaves nothing behind.
func (s *Store) CommitSale(_ context.Context, commit store.SaleCommit) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale := commit.Sale
	if len(sale.Items) == 0 {
		return nil, store.ErrNoLineItems
	}

	if sale.IdempotencyKey != "" {
		if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok && existing.Status != domain.SaleClassified {
			return cloneSale(existing), nil
		}
	}

	if sale.ID != "" {
		if existing, ok := s.salesByID[sale.ID]; ok && existing.Status != domain.SaleClassified {
			return nil, fmt.Errorf("%w: sale %s is %s", store.ErrValidation, sale.ID, existing.Status)
		}
	}

	// Dry-run the stock checks before writing anything.
	scratch := map[string]int{}
	for _, item := range sale.Items {
		product, ok := s.products[item.SKU]
		if !ok {
			return nil, fmt.Errorf("sku %s: %w", item.SKU, store.ErrNotFound)
		}
		if !product.TrackStock {
			continue
		}
		key := balanceKey(sale.BranchID, item.SKU)
		if _, seen := scratch[key]; !seen {
			scratch[key] = s.balances[key]
		}
		scratch[key] -= item.Qty
		if scratch[key] < 0 {
			return nil, fmt.Errorf("%w: %s at %s", store.ErrInsufficientStock, item.SKU, sale.BranchID)
		}
	}

	if commit.WalletDebitCents > 0 {
		if sale.CustomerID == "" {
			return nil, store.ErrCustomerRequired
		}
		if s.walletBalances[sale.CustomerID] < commit.WalletDebitCents {
			return nil, fmt.Errorf("%w: customer %s", store.ErrInsufficientWalletBalance, sale.CustomerID)
		}
	}
	if (commit.WalletCreditCents > 0 || commit.DebtCents > 0) && sale.CustomerID == "" {
		return nil, store.ErrCustomerRequired
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
		// A sale with outstanding debt stays pending until paid off.
		sale.Status = domain.SalePending
		sale.CompletedAt = nil
	}

	for _, item := range sale.Items {
		product := s.products[item.SKU]
		if !product.TrackStock {
			continue
		}
		mv := domain.StockMovement{
			SKU:       item.SKU,
			BranchID:  sale.BranchID,
			Type:      domain.MovementSale,
			DeltaQty:  -item.Qty,
			CostCents: product.CostCents,
			Reference: sale.ID,
			CreatedBy: commit.Actor,
			CreatedAt: now,
		}
		if _, err := s.appendMovementLocked(mv); err != nil {
			return nil, err
		}
	}

	if commit.WalletDebitCents > 0 {
		if _, err := s.createWalletTransactionLocked(domain.WalletTransaction{
			CustomerID:  sale.CustomerID,
			AmountCents: -commit.WalletDebitCents,
			Reason:      domain.WalletReasonPayment,
			SaleID:      sale.ID,
			CreatedBy:   commit.Actor,
			CreatedAt:   now,
		}); err != nil {
			return nil, err
		}
	}
	if commit.WalletCreditCents > 0 {
		if _, err := s.createWalletTransactionLocked(domain.WalletTransaction{
			CustomerID:  sale.CustomerID,
			AmountCents: commit.WalletCreditCents,
			Reason:      domain.WalletReasonOverpay,
			SaleID:      sale.ID,
			CreatedBy:   commit.Actor,
			CreatedAt:   now,
		}); err != nil {
			return nil, err
		}
	}
	if commit.DebtCents > 0 {
		if _, err := s.createDebtEntryLocked(domain.DebtEntry{
			CustomerID:  sale.CustomerID,
			SaleID:      sale.ID,
			AmountCents: commit.DebtCents,
			Note:        "partial payment",
			CreatedAt:   now,
		}); err != nil {
			return nil, err
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
		plan.Installments = slices.Clone(plan.Installments)
		s.plansBySaleID[sale.ID] = &plan
	}

	stored := cloneSale(&sale)
	s.salesByID[sale.ID] = stored
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = stored
	}
	return cloneSale(stored), nil
}

func (s *Store) AddSalePayment(_ context.Context, saleID string, amountCents int64, method string, actor string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SalePending {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrValidation, saleID, sale.Status)
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrValidation)
	}
	if amountCents > sale.BalanceCents {
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance", store.ErrValidation)
	}

	now := time.Now().UTC()
	if sale.CustomerID != "" {
		if _, err := s.createDebtEntryLocked(domain.DebtEntry{
			CustomerID:  sale.CustomerID,
			SaleID:      sale.ID,
			AmountCents: -amountCents,
			Note:        "debt payment via " + method,
			CreatedAt:   now,
		}); err != nil {
			return nil, err
		}
	}

	sale.PaidCents += amountCents
	sale.BalanceCents -= amountCents
	if sale.BalanceCents == 0 {
		sale.Status = domain.SaleCompleted
		sale.CompletedAt = &now
	}

	// Settle installments oldest first.
	if plan, ok := s.plansBySaleID[saleID]; ok {
		remaining := amountCents
		for i := range plan.Installments {
			if remaining <= 0 {
				break
			}
			inst := &plan.Installments[i]
			open := inst.AmountCents - inst.PaidCents
			if open <= 0 {
				continue
			}
			pay := min64(open, remaining)
			inst.PaidCents += pay
			remaining -= pay
			if inst.PaidCents >= inst.AmountCents {
				inst.Status = domain.InstallmentPaid
			}
		}
	}

	return cloneSale(sale), nil
}

func (s *Store) GetPaymentPlan(_ context.Context, saleID string) (*domain.PaymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plansBySaleID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePlan(plan), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.auditLogs)
	slices.SortFunc(out, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(user.Username)
	if _, exists := s.usersByUsername[key]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrValidation, user.Username)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[key] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(username)
	user, ok := s.usersByUsername[key]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[key] = user
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	out := *src
	out.Items = slices.Clone(src.Items)
	if src.Allocation != nil {
		alloc := *src.Allocation
		out.Allocation = &alloc
	}
	if src.PlanRequest != nil {
		req := *src.PlanRequest
		out.PlanRequest = &req
	}
	if src.DueDate != nil {
		due := *src.DueDate
		out.DueDate = &due
	}
	if src.CompletedAt != nil {
		done := *src.CompletedAt
		out.CompletedAt = &done
	}
	return &out
}

func clonePlan(src *domain.PaymentPlan) *domain.PaymentPlan {
	if src == nil {
		return nil
	}
	out := *src
	out.Installments = slices.Clone(src.Installments)
	return &out
}
