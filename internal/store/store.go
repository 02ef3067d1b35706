package store

import (
	"context"
	"errors"

	"lapakpos/backend/internal/domain"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrValidation                = errors.New("validation failed")
	ErrNoLineItems               = errors.New("sale has no line items")
	ErrCustomerRequired          = errors.New("customer required")
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrInsufficientWalletBalance = errors.New("insufficient wallet balance")
	ErrAlreadyReversed           = errors.New("transfer already reversed")
	ErrInvalidPlan               = errors.New("invalid payment plan")
	ErrStaleConfirmation         = errors.New("stale confirmation")
	ErrConcurrencyConflict       = errors.New("concurrency conflict")
)

// SaleCommit bundles everything a settlement commits in one atomic step:
// the sale row, the stock movements for its line items, the wallet and debt
// postings, and an optional payment plan. Either all of it persists or none.
type SaleCommit struct {
	Sale              domain.Sale
	WalletDebitCents  int64
	WalletCreditCents int64
	DebtCents         int64
	Plan              *domain.PaymentPlan
	Actor             string
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)

	ListBranches(ctx context.Context) ([]domain.Branch, error)
	CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error)
	GetBranch(ctx context.Context, branchID string) (*domain.Branch, error)

	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)

	AppendMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error)
	AppendTransfer(ctx context.Context, out domain.StockMovement, in domain.StockMovement) ([]domain.StockMovement, error)
	GetMovement(ctx context.Context, movementID string) (*domain.StockMovement, error)
	FindTransferPair(ctx context.Context, transferID string) ([]domain.StockMovement, error)
	HasReversal(ctx context.Context, transferID string) (bool, error)
	StockBalance(ctx context.Context, sku string, branchID string) (int, error)
	ProductHistory(ctx context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error)

	WalletBalance(ctx context.Context, customerID string) (int64, error)
	CreateWalletTransaction(ctx context.Context, tx domain.WalletTransaction) (*domain.WalletTransaction, error)
	ListWalletTransactions(ctx context.Context, customerID string, limit int) ([]domain.WalletTransaction, error)

	DebtBalance(ctx context.Context, customerID string) (int64, error)
	CreateDebtEntry(ctx context.Context, entry domain.DebtEntry) (*domain.DebtEntry, error)

	CreatePendingSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	CommitSale(ctx context.Context, commit SaleCommit) (*domain.Sale, error)
	AddSalePayment(ctx context.Context, saleID string, amountCents int64, method string, actor string) (*domain.Sale, error)
	GetPaymentPlan(ctx context.Context, saleID string) (*domain.PaymentPlan, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
