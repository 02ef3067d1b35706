package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"lapakpos/backend/internal/cache"
	"lapakpos/backend/internal/domain"
	"lapakpos/backend/internal/money"
	"lapakpos/backend/internal/settlement"
	"lapakpos/backend/internal/store"
	"lapakpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return "system"
}

const dateLayout = "2006-01-02"

type Options struct {
	DefaultBranchID   string
	Currency          string
	ExcessDisposition string
	CatalogTTL        time.Duration
	CommitRetries     int
}

type Service struct {
	repo               store.Repository
	catalog            cache.CatalogCache
	defaultBranchID    string
	currency           string
	defaultDisposition string
	catalogTTL         time.Duration
	commitRetries      int
}

func New(repo store.Repository, catalog cache.CatalogCache, opts Options) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if opts.DefaultBranchID == "" {
		opts.DefaultBranchID = "branch-main"
	}
	if opts.Currency == "" {
		opts.Currency = "IDR"
	}
	if opts.ExcessDisposition == "" {
		opts.ExcessDisposition = domain.DispositionChange
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = 5 * time.Minute
	}
	if opts.CommitRetries < 1 {
		opts.CommitRetries = 3
	}

	return &Service{
		repo:               repo,
		catalog:            catalog,
		defaultBranchID:    opts.DefaultBranchID,
		currency:           opts.Currency,
		defaultDisposition: opts.ExcessDisposition,
		catalogTTL:         opts.CatalogTTL,
		commitRetries:      opts.CommitRetries,
	}
}

func (s *Service) money(cents int64) money.Money {
	return money.New(cents, s.currency)
}

// withRetry re-runs op on concurrency conflicts with a short linear backoff.
// Anything else fails immediately.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.commitRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return lastErr
}

func catalogKey(sku string) string {
	return "catalog:" + sku
}

func (s *Service) getProduct(ctx context.Context, sku string) (domain.Product, error) {
	key := catalogKey(sku)
	if cached, ok, err := s.catalog.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: catalog cache get %s: %v", sku, err)
	} else if ok {
		return *cached, nil
	}

	product, err := s.repo.GetProductBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, fmt.Errorf("sku %s: %w", sku, err)
	}
	if err := s.catalog.Set(ctx, key, product, s.catalogTTL); err != nil {
		log.Printf("[service] WARN: catalog cache set %s: %v", sku, err)
	}
	return *product, nil
}

// getProducts resolves a draft's SKUs in one round-trip, going to the
// repository only for cache misses.
func (s *Service) getProducts(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	resolved := make(map[string]domain.Product, len(skus))
	missing := make([]string, 0, len(skus))
	for _, sku := range skus {
		if _, ok := resolved[sku]; ok {
			continue
		}
		if cached, ok, err := s.catalog.Get(ctx, catalogKey(sku)); err != nil {
			log.Printf("[service] WARN: catalog cache get %s: %v", sku, err)
			missing = append(missing, sku)
		} else if ok {
			resolved[sku] = *cached
		} else {
			missing = append(missing, sku)
		}
	}

	if len(missing) > 0 {
		fetched, err := s.repo.GetProductsBySKUs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, sku := range missing {
			product, ok := fetched[sku]
			if !ok {
				return nil, fmt.Errorf("sku %s: %w", sku, store.ErrNotFound)
			}
			resolved[sku] = product
			if err := s.catalog.Set(ctx, catalogKey(sku), &product, s.catalogTTL); err != nil {
				log.Printf("[service] WARN: catalog cache set %s: %v", sku, err)
			}
		}
	}
	return resolved, nil
}

func (s *Service) invalidateProduct(ctx context.Context, sku string) {
	if err := s.catalog.Invalidate(ctx, catalogKey(sku)); err != nil {
		log.Printf("[service] WARN: catalog cache invalidate %s: %v", sku, err)
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}

	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: sku and name are required", store.ErrValidation)
	}
	if req.PriceCents < 0 || req.CostCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, fmt.Errorf("%w: negative product figures", store.ErrValidation)
	}

	trackStock := true
	if req.TrackStock != nil {
		trackStock = *req.TrackStock
	}

	product := domain.Product{
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		CostCents:  req.CostCents,
		TrackStock: trackStock,
		Active:     true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if trackStock && req.InitialStock > 0 {
		err := s.withRetry(ctx, func() error {
			_, err := s.repo.AppendMovement(ctx, domain.StockMovement{
				SKU:       created.SKU,
				BranchID:  req.BranchID,
				Type:      domain.MovementInitial,
				DeltaQty:  req.InitialStock,
				CostCents: created.CostCents,
				CreatedBy: actor.Username,
			})
			return err
		})
		if err != nil {
			return domain.Product{}, fmt.Errorf("seed initial stock: %w", err)
		}
	}

	s.logAudit(ctx, "product_create", "product", created.SKU, fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.PriceCents, req.InitialStock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, sku string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProductBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, err
	}

	product := *existing
	if req.Name != nil {
		product.Name = strings.TrimSpace(*req.Name)
	}
	if req.Category != nil {
		product.Category = strings.TrimSpace(*req.Category)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return domain.Product{}, fmt.Errorf("%w: negative price", store.ErrValidation)
		}
		product.PriceCents = *req.PriceCents
	}
	if req.CostCents != nil {
		if *req.CostCents < 0 {
			return domain.Product{}, fmt.Errorf("%w: negative cost", store.ErrValidation)
		}
		product.CostCents = *req.CostCents
	}
	if req.TrackStock != nil {
		product.TrackStock = *req.TrackStock
	}
	if req.Active != nil {
		product.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateProduct(ctx, saved.SKU)

	s.logAudit(ctx, "product_update", "product", saved.SKU, fmt.Sprintf("active=%t,price=%d,track=%t", saved.Active, saved.PriceCents, saved.TrackStock))
	return *saved, nil
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	return s.repo.ListBranches(ctx)
}

func (s *Service) CreateBranch(ctx context.Context, req domain.BranchCreateRequest) (domain.Branch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Branch{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Branch{}, fmt.Errorf("%w: branch name is required", store.ErrValidation)
	}

	created, err := s.repo.CreateBranch(ctx, domain.Branch{Name: req.Name, Address: strings.TrimSpace(req.Address)})
	if err != nil {
		return domain.Branch{}, err
	}

	s.logAudit(ctx, "branch_create", "branch", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, fmt.Errorf("%w: customer name is required", store.ErrValidation)
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{Name: req.Name, Phone: strings.TrimSpace(req.Phone)})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, created.Name)
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

// CreateSale prices the draft from the catalog, classifies the payment and
// either commits immediately (exact settlement) or parks a classified sale
// that must be confirmed against the pinned allocation.
func (s *Service) CreateSale(ctx context.Context, draft domain.SaleDraft) (domain.SaleResponse, error) {
	if draft.BranchID == "" {
		draft.BranchID = s.defaultBranchID
	}
	if draft.PaymentMethod == "" {
		draft.PaymentMethod = "cash"
	}
	if len(draft.Items) == 0 {
		return domain.SaleResponse{}, store.ErrNoLineItems
	}

	if draft.IdempotencyKey != "" {
		existing, err := s.repo.FindSaleByIdempotency(ctx, draft.IdempotencyKey)
		if err == nil {
			return s.saleResponse(ctx, existing, true)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.SaleResponse{}, err
		}
	}

	if _, err := s.repo.GetBranch(ctx, draft.BranchID); err != nil {
		return domain.SaleResponse{}, fmt.Errorf("branch %s: %w", draft.BranchID, err)
	}
	if draft.CustomerID != "" {
		if _, err := s.repo.GetCustomer(ctx, draft.CustomerID); err != nil {
			return domain.SaleResponse{}, fmt.Errorf("customer %s: %w", draft.CustomerID, err)
		}
	}

	skus := make([]string, 0, len(draft.Items))
	for i := range draft.Items {
		draft.Items[i].SKU = strings.ToUpper(strings.TrimSpace(draft.Items[i].SKU))
		if draft.Items[i].Qty < 1 {
			return domain.SaleResponse{}, fmt.Errorf("%w: qty must be at least 1 for %s", store.ErrValidation, draft.Items[i].SKU)
		}
		skus = append(skus, draft.Items[i].SKU)
	}
	products, err := s.getProducts(ctx, skus)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	lines := make([]settlement.Line, 0, len(draft.Items))
	items := make([]domain.SaleItem, 0, len(draft.Items))
	for _, it := range draft.Items {
		product := products[it.SKU]
		if !product.Active {
			return domain.SaleResponse{}, fmt.Errorf("%w: sku %s is inactive", store.ErrValidation, it.SKU)
		}

		line := settlement.Line{
			SKU:        it.SKU,
			VariantID:  it.VariantID,
			Qty:        it.Qty,
			UnitPrice:  s.money(product.PriceCents),
			Discount:   s.money(it.DiscountCents),
			TaxPercent: it.TaxPercent,
		}
		tax, total := settlement.ComputeLine(line)
		lines = append(lines, line)
		items = append(items, domain.SaleItem{
			SKU:           it.SKU,
			VariantID:     it.VariantID,
			Name:          product.Name,
			Qty:           it.Qty,
			UnitCents:     product.PriceCents,
			DiscountCents: it.DiscountCents,
			TaxPercent:    it.TaxPercent,
			TaxCents:      tax.Cents,
			TotalCents:    total.Cents,
		})
	}

	totals, err := settlement.CalculateTotals(lines, s.money(draft.DiscountCents), s.money(draft.TaxCents), s.money(draft.ShippingCents))
	if err != nil {
		return domain.SaleResponse{}, err
	}

	walletBalance := money.Zero(s.currency)
	if draft.UseWallet {
		if draft.CustomerID == "" {
			return domain.SaleResponse{}, fmt.Errorf("%w: wallet payment needs a customer", store.ErrCustomerRequired)
		}
		balance, err := s.repo.WalletBalance(ctx, draft.CustomerID)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		walletBalance = s.money(balance)
	}

	disposition := draft.Disposition
	if disposition == "" {
		disposition = s.defaultDisposition
	}

	alloc, err := settlement.Allocate(settlement.AllocationInput{
		GrandTotal:    totals.GrandTotal,
		Tendered:      s.money(draft.TenderedCents),
		WalletBalance: walletBalance,
		WalletCap:     s.money(draft.WalletCapCents),
		UseWallet:     draft.UseWallet,
		HasCustomer:   draft.CustomerID != "",
		Disposition:   disposition,
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}
	pinned := alloc.Pin()

	// Reject a bad installment request at draft time, before anything
	// is persisted.
	if draft.Installments != nil {
		if pinned.Kind != domain.SettlementPartial {
			return domain.SaleResponse{}, fmt.Errorf("%w: installments only apply to partial payments", store.ErrInvalidPlan)
		}
		if _, err := s.buildPlan(draft.Installments, pinned.BalanceCents); err != nil {
			return domain.SaleResponse{}, err
		}
	}

	var dueDate *time.Time
	if draft.DueDate != "" {
		parsed, err := time.Parse(dateLayout, draft.DueDate)
		if err != nil {
			return domain.SaleResponse{}, fmt.Errorf("%w: due date %q", store.ErrValidation, draft.DueDate)
		}
		dueDate = &parsed
	}

	sale := domain.Sale{
		BranchID:        draft.BranchID,
		CustomerID:      draft.CustomerID,
		Currency:        s.currency,
		Items:           items,
		SubtotalCents:   totals.Subtotal.Cents,
		DiscountCents:   totals.Discount.Cents,
		TaxCents:        totals.Tax.Cents,
		ShippingCents:   totals.Shipping.Cents,
		TotalCents:      totals.GrandTotal.Cents,
		PaymentMethod:   draft.PaymentMethod,
		TenderedCents:   pinned.TenderedCents,
		WalletUsedCents: pinned.WalletUsedCents,
		Allocation:      &pinned,
		PlanRequest:     draft.Installments,
		IdempotencyKey:  draft.IdempotencyKey,
		DueDate:         dueDate,
		CreatedBy:       actorName(ctx),
		CreatedAt:       time.Now().UTC(),
	}
	applyAllocationFigures(&sale, pinned)

	if pinned.Kind == domain.SettlementExact {
		committed, plan, err := s.commitClassifiedSale(ctx, sale, pinned)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		s.logAudit(ctx, "sale_commit", "sale", committed.ID, fmt.Sprintf("kind=%s,total=%d", pinned.Kind, pinned.GrandTotalCents))
		return domain.SaleResponse{Sale: *committed, Allocation: pinned, Plan: plan}, nil
	}

	classified, err := s.repo.CreatePendingSale(ctx, sale)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	s.logAudit(ctx, "sale_classify", "sale", classified.ID, fmt.Sprintf("kind=%s,total=%d,paid=%d", pinned.Kind, pinned.GrandTotalCents, pinned.TotalPaidCents))
	return domain.SaleResponse{Sale: *classified, RequiresConfirmation: true, Allocation: pinned}, nil
}

// ConfirmSale commits a classified sale. The caller re-sends the allocation
// it was shown; any drift from the stored snapshot is rejected so stale
// terminals cannot commit figures the cashier never saw.
func (s *Service) ConfirmSale(ctx context.Context, saleID string, pinned domain.PinnedAllocation) (domain.SaleResponse, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if sale.Status != domain.SaleClassified {
		return domain.SaleResponse{}, fmt.Errorf("%w: sale %s is %s", store.ErrValidation, saleID, sale.Status)
	}
	if sale.Allocation == nil || *sale.Allocation != pinned {
		return domain.SaleResponse{}, fmt.Errorf("%w: allocation does not match sale %s", store.ErrStaleConfirmation, saleID)
	}

	committed, plan, err := s.commitClassifiedSale(ctx, *sale, pinned)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_confirm", "sale", committed.ID, fmt.Sprintf("kind=%s,total=%d", pinned.Kind, pinned.GrandTotalCents))
	return domain.SaleResponse{Sale: *committed, Allocation: pinned, Plan: plan}, nil
}

func (s *Service) buildPlan(req *domain.InstallmentRequest, balanceCents int64) (*domain.PaymentPlan, error) {
	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: start date %q", store.ErrInvalidPlan, req.StartDate)
	}
	installments, err := settlement.PlanInstallments(s.money(balanceCents), req.Count, req.Frequency, start)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentPlan{
		Frequency:    req.Frequency,
		StartDate:    start,
		Installments: installments,
	}, nil
}

func (s *Service) commitClassifiedSale(ctx context.Context, sale domain.Sale, pinned domain.PinnedAllocation) (*domain.Sale, *domain.PaymentPlan, error) {
	commit := store.SaleCommit{
		Sale:             sale,
		WalletDebitCents: pinned.WalletUsedCents,
		Actor:            actorName(ctx),
	}
	if pinned.Kind == domain.SettlementExcess && pinned.Disposition == domain.DispositionWallet {
		commit.WalletCreditCents = pinned.ExcessCents
	}
	if pinned.Kind == domain.SettlementPartial {
		commit.DebtCents = pinned.BalanceCents
	}
	if sale.PlanRequest != nil && pinned.Kind == domain.SettlementPartial {
		plan, err := s.buildPlan(sale.PlanRequest, pinned.BalanceCents)
		if err != nil {
			return nil, nil, err
		}
		commit.Plan = plan
	}

	var committed *domain.Sale
	err := s.withRetry(ctx, func() error {
		var err error
		committed, err = s.repo.CommitSale(ctx, commit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	var plan *domain.PaymentPlan
	if commit.Plan != nil {
		plan, err = s.repo.GetPaymentPlan(ctx, committed.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
	}
	return committed, plan, nil
}

func applyAllocationFigures(sale *domain.Sale, pinned domain.PinnedAllocation) {
	switch pinned.Kind {
	case domain.SettlementExact:
		sale.PaidCents = pinned.GrandTotalCents
	case domain.SettlementPartial:
		sale.PaidCents = pinned.TotalPaidCents
		sale.BalanceCents = pinned.BalanceCents
	case domain.SettlementExcess:
		sale.PaidCents = pinned.GrandTotalCents
		if pinned.Disposition == domain.DispositionChange {
			sale.ChangeCents = pinned.ExcessCents
		}
	}
}

func (s *Service) saleResponse(ctx context.Context, sale *domain.Sale, duplicate bool) (domain.SaleResponse, error) {
	resp := domain.SaleResponse{
		Sale:                 *sale,
		RequiresConfirmation: sale.Status == domain.SaleClassified,
		Duplicate:            duplicate,
	}
	if sale.Allocation != nil {
		resp.Allocation = *sale.Allocation
	}
	plan, err := s.repo.GetPaymentPlan(ctx, sale.ID)
	if err == nil {
		resp.Plan = plan
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleResponse{}, err
	}
	return resp, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return s.saleResponse(ctx, sale, false)
}

// AddPayment records an extra payment against a sale carrying debt and
// settles its installments oldest first.
func (s *Service) AddPayment(ctx context.Context, saleID string, req domain.SalePaymentRequest) (domain.Sale, error) {
	if req.Method == "" {
		req.Method = "cash"
	}

	var updated *domain.Sale
	err := s.withRetry(ctx, func() error {
		var err error
		updated, err = s.repo.AddSalePayment(ctx, saleID, req.AmountCents, req.Method, actorName(ctx))
		return err
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_payment", "sale", saleID, fmt.Sprintf("amount=%d,method=%s,balance=%d", req.AmountCents, req.Method, updated.BalanceCents))
	return *updated, nil
}

// Transfer moves stock between branches as two balanced ledger rows that
// share a transfer id.
func (s *Service) Transfer(ctx context.Context, req domain.TransferRequest) ([]domain.StockMovement, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.Qty < 1 {
		return nil, fmt.Errorf("%w: transfer qty must be at least 1", store.ErrValidation)
	}
	if req.FromBranchID == "" || req.ToBranchID == "" || req.FromBranchID == req.ToBranchID {
		return nil, fmt.Errorf("%w: transfer needs two distinct branches", store.ErrValidation)
	}

	for _, branchID := range []string{req.FromBranchID, req.ToBranchID} {
		if _, err := s.repo.GetBranch(ctx, branchID); err != nil {
			return nil, fmt.Errorf("branch %s: %w", branchID, err)
		}
	}
	product, err := s.getProduct(ctx, req.SKU)
	if err != nil {
		return nil, err
	}
	if !product.TrackStock {
		return nil, fmt.Errorf("%w: stock not tracked for %s", store.ErrValidation, req.SKU)
	}

	actor := actorName(ctx)
	transferID := uuid.NewString()
	out := domain.StockMovement{
		SKU:        req.SKU,
		BranchID:   req.FromBranchID,
		Type:       domain.MovementTransferOut,
		DeltaQty:   -req.Qty,
		Reference:  req.Reference,
		TransferID: transferID,
		CreatedBy:  actor,
	}
	in := domain.StockMovement{
		SKU:        req.SKU,
		BranchID:   req.ToBranchID,
		Type:       domain.MovementTransferIn,
		DeltaQty:   req.Qty,
		Reference:  req.Reference,
		TransferID: transferID,
		CreatedBy:  actor,
	}

	var legs []domain.StockMovement
	err = s.withRetry(ctx, func() error {
		var err error
		legs, err = s.repo.AppendTransfer(ctx, out, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "stock_transfer", "transfer", transferID, fmt.Sprintf("sku=%s,qty=%d,from=%s,to=%s", req.SKU, req.Qty, req.FromBranchID, req.ToBranchID))
	return legs, nil
}

// UndoTransfer appends a compensating transfer for both legs of an earlier
// one. The original rows stay untouched; a transfer can only be undone once
// and a reversal itself can never be undone.
func (s *Service) UndoTransfer(ctx context.Context, req domain.TransferUndoRequest) ([]domain.StockMovement, error) {
	mv, err := s.repo.GetMovement(ctx, req.MovementID)
	if err != nil {
		return nil, fmt.Errorf("movement %s: %w", req.MovementID, err)
	}
	if mv.TransferID == "" {
		return nil, fmt.Errorf("%w: movement %s is not part of a transfer", store.ErrValidation, mv.ID)
	}
	if mv.ReversesID != "" {
		return nil, fmt.Errorf("%w: reversal movements cannot be undone", store.ErrValidation)
	}

	reversed, err := s.repo.HasReversal(ctx, mv.TransferID)
	if err != nil {
		return nil, err
	}
	if reversed {
		return nil, fmt.Errorf("%w: transfer %s", store.ErrAlreadyReversed, mv.TransferID)
	}

	pair, err := s.repo.FindTransferPair(ctx, mv.TransferID)
	if err != nil {
		return nil, err
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("transfer %s has %d legs", mv.TransferID, len(pair))
	}

	var outLeg, inLeg domain.StockMovement
	for _, leg := range pair {
		if leg.DeltaQty < 0 {
			outLeg = leg
		} else {
			inLeg = leg
		}
	}
	if outLeg.ID == "" || inLeg.ID == "" {
		return nil, fmt.Errorf("transfer %s legs do not balance", mv.TransferID)
	}

	actor := actorName(ctx)
	undoID := uuid.NewString()
	revOut := domain.StockMovement{
		SKU:        inLeg.SKU,
		BranchID:   inLeg.BranchID,
		Type:       domain.MovementTransferOut,
		DeltaQty:   -inLeg.DeltaQty,
		Reference:  mv.TransferID,
		TransferID: undoID,
		ReversesID: inLeg.ID,
		CreatedBy:  actor,
	}
	revIn := domain.StockMovement{
		SKU:        outLeg.SKU,
		BranchID:   outLeg.BranchID,
		Type:       domain.MovementTransferIn,
		DeltaQty:   -outLeg.DeltaQty,
		Reference:  mv.TransferID,
		TransferID: undoID,
		ReversesID: outLeg.ID,
		CreatedBy:  actor,
	}

	var legs []domain.StockMovement
	err = s.withRetry(ctx, func() error {
		var err error
		legs, err = s.repo.AppendTransfer(ctx, revOut, revIn)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "stock_transfer_undo", "transfer", mv.TransferID, fmt.Sprintf("undo=%s,sku=%s,qty=%d", undoID, outLeg.SKU, inLeg.DeltaQty))
	return legs, nil
}

// inboundMovements and outboundMovements are the manually recordable ledger
// types and the delta sign each one accepts. Plain adjustments go either way.
var (
	inboundMovements  = map[string]bool{domain.MovementPurchase: true, domain.MovementReturn: true}
	outboundMovements = map[string]bool{domain.MovementDamage: true, domain.MovementWaste: true, domain.MovementExpired: true}
)

func (s *Service) RecordAdjustment(ctx context.Context, req domain.AdjustmentRequest) (domain.StockMovement, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	if req.Type == "" {
		req.Type = domain.MovementAdjustment
	}
	if req.DeltaQty == 0 {
		return domain.StockMovement{}, fmt.Errorf("%w: adjustment delta cannot be zero", store.ErrValidation)
	}
	switch {
	case req.Type == domain.MovementAdjustment:
	case inboundMovements[req.Type]:
		if req.DeltaQty < 0 {
			return domain.StockMovement{}, fmt.Errorf("%w: %s movements must add stock", store.ErrValidation, req.Type)
		}
	case outboundMovements[req.Type]:
		if req.DeltaQty > 0 {
			return domain.StockMovement{}, fmt.Errorf("%w: %s movements must remove stock", store.ErrValidation, req.Type)
		}
	default:
		return domain.StockMovement{}, fmt.Errorf("%w: unknown movement type %q", store.ErrValidation, req.Type)
	}

	product, err := s.getProduct(ctx, req.SKU)
	if err != nil {
		return domain.StockMovement{}, err
	}
	if !product.TrackStock {
		return domain.StockMovement{}, fmt.Errorf("%w: stock not tracked for %s", store.ErrValidation, req.SKU)
	}

	var appended *domain.StockMovement
	err = s.withRetry(ctx, func() error {
		var err error
		appended, err = s.repo.AppendMovement(ctx, domain.StockMovement{
			SKU:       req.SKU,
			BranchID:  req.BranchID,
			Type:      req.Type,
			DeltaQty:  req.DeltaQty,
			Reference: req.Reference,
			CreatedBy: actorName(ctx),
		})
		return err
	})
	if err != nil {
		return domain.StockMovement{}, err
	}

	s.logAudit(ctx, "stock_adjustment", "movement", appended.ID, fmt.Sprintf("sku=%s,branch=%s,type=%s,delta=%d", req.SKU, req.BranchID, req.Type, req.DeltaQty))
	return *appended, nil
}

func (s *Service) ProductHistory(ctx context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if _, err := s.getProduct(ctx, sku); err != nil {
		return nil, err
	}
	return s.repo.ProductHistory(ctx, sku, branchID, limit)
}

func (s *Service) StockBalance(ctx context.Context, sku string, branchID string) (int, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.StockBalance(ctx, sku, branchID)
}

func (s *Service) WalletStatement(ctx context.Context, customerID string, limit int) (domain.WalletStatement, error) {
	balance, err := s.repo.WalletBalance(ctx, customerID)
	if err != nil {
		return domain.WalletStatement{}, err
	}
	txs, err := s.repo.ListWalletTransactions(ctx, customerID, limit)
	if err != nil {
		return domain.WalletStatement{}, err
	}
	return domain.WalletStatement{
		CustomerID:   customerID,
		BalanceCents: balance,
		Transactions: txs,
	}, nil
}

func (s *Service) TopUpWallet(ctx context.Context, customerID string, req domain.WalletTopUpRequest) (domain.WalletTransaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.WalletTransaction{}, fmt.Errorf("admin role required")
	}
	if req.AmountCents <= 0 {
		return domain.WalletTransaction{}, fmt.Errorf("%w: top up must be positive", store.ErrValidation)
	}

	var created *domain.WalletTransaction
	err := s.withRetry(ctx, func() error {
		var err error
		created, err = s.repo.CreateWalletTransaction(ctx, domain.WalletTransaction{
			CustomerID:  customerID,
			AmountCents: req.AmountCents,
			Reason:      domain.WalletReasonTopUp,
			SaleID:      req.Reference,
			CreatedBy:   actor.Username,
		})
		return err
	})
	if err != nil {
		return domain.WalletTransaction{}, err
	}

	s.logAudit(ctx, "wallet_top_up", "customer", customerID, fmt.Sprintf("amount=%d", req.AmountCents))
	return *created, nil
}

func (s *Service) DebtBalance(ctx context.Context, customerID string) (int64, error) {
	return s.repo.DebtBalance(ctx, customerID)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
