package domain

import "time"

type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	CostCents  int64  `json:"cost_cents"`
	TrackStock bool   `json:"track_stock"`
	Active     bool   `json:"active"`
}

type ProductCreateRequest struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	CostCents    int64  `json:"cost_cents"`
	TrackStock   *bool  `json:"track_stock,omitempty"`
	BranchID     string `json:"branch_id"`
	InitialStock int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	CostCents  *int64  `json:"cost_cents,omitempty"`
	TrackStock *bool   `json:"track_stock,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

type Branch struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type BranchCreateRequest struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

const (
	MovementSale        = "sale"
	MovementPurchase    = "purchase"
	MovementAdjustment  = "adjustment"
	MovementTransferOut = "transfer_out"
	MovementTransferIn  = "transfer_in"
	MovementReturn      = "return"
	MovementDamage      = "damage"
	MovementWaste       = "waste"
	MovementExpired     = "expired"
	MovementInitial     = "initial"
)

// StockMovement is one row of the append-only stock ledger. StockBefore and
// StockAfter snapshot the running balance at write time; per (sku, branch)
// each new row must start where the previous one ended.
type StockMovement struct {
	ID          string    `json:"id"`
	SKU         string    `json:"sku"`
	BranchID    string    `json:"branch_id"`
	Type        string    `json:"type"`
	DeltaQty    int       `json:"delta_qty"`
	CostCents   int64     `json:"cost_cents"`
	StockBefore int       `json:"stock_before"`
	StockAfter  int       `json:"stock_after"`
	Reference   string    `json:"reference,omitempty"`
	TransferID  string    `json:"transfer_id,omitempty"`
	ReversesID  string    `json:"reverses_id,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type TransferRequest struct {
	SKU          string `json:"sku"`
	FromBranchID string `json:"from_branch_id"`
	ToBranchID   string `json:"to_branch_id"`
	Qty          int    `json:"qty"`
	Reference    string `json:"reference,omitempty"`
}

type TransferUndoRequest struct {
	MovementID string `json:"movement_id"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type TransferResponse struct {
	Movements []StockMovement `json:"movements"`
}

type AdjustmentRequest struct {
	SKU       string `json:"sku"`
	BranchID  string `json:"branch_id"`
	Type      string `json:"type,omitempty"`
	DeltaQty  int    `json:"delta_qty"`
	Reference string `json:"reference,omitempty"`
}

const (
	WalletReasonPayment    = "payment"
	WalletReasonOverpay    = "overpayment_credit"
	WalletReasonTopUp      = "top_up"
	WalletReasonCorrection = "correction"
)

type WalletTransaction struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason"`
	SaleID      string    `json:"sale_id,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type WalletTopUpRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

type WalletStatement struct {
	CustomerID   string              `json:"customer_id"`
	BalanceCents int64               `json:"balance_cents"`
	Transactions []WalletTransaction `json:"transactions"`
}

type DebtEntry struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	SaleID      string    `json:"sale_id,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	SaleClassified = "classified"
	SalePending    = "pending"
	SaleCompleted  = "completed"
	SaleCancelled  = "cancelled"
)

const (
	SettlementExact   = "exact"
	SettlementPartial = "partial"
	SettlementExcess  = "excess"
)

const (
	DispositionChange = "change"
	DispositionWallet = "wallet"
)

type SaleItem struct {
	SKU           string  `json:"sku"`
	VariantID     string  `json:"variant_id,omitempty"`
	Name          string  `json:"name"`
	Qty           int     `json:"qty"`
	UnitCents     int64   `json:"unit_cents"`
	DiscountCents int64   `json:"discount_cents"`
	TaxPercent    float64 `json:"tax_percent"`
	TaxCents      int64   `json:"tax_cents"`
	TotalCents    int64   `json:"total_cents"`
}

type SaleDraftItem struct {
	SKU           string  `json:"sku"`
	VariantID     string  `json:"variant_id,omitempty"`
	Qty           int     `json:"qty"`
	DiscountCents int64   `json:"discount_cents"`
	TaxPercent    float64 `json:"tax_percent"`
}

type InstallmentRequest struct {
	Count     int    `json:"count"`
	Frequency string `json:"frequency"`
	StartDate string `json:"start_date"`
}

type SaleDraft struct {
	BranchID       string              `json:"branch_id"`
	CustomerID     string              `json:"customer_id,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Items          []SaleDraftItem     `json:"items"`
	DiscountCents  int64               `json:"discount_cents"`
	TaxCents       int64               `json:"tax_cents"`
	ShippingCents  int64               `json:"shipping_cents"`
	PaymentMethod  string              `json:"payment_method"`
	TenderedCents  int64               `json:"tendered_cents"`
	UseWallet      bool                `json:"use_wallet"`
	WalletCapCents int64               `json:"wallet_cap_cents,omitempty"`
	Disposition    string              `json:"disposition,omitempty"`
	DueDate        string              `json:"due_date,omitempty"`
	Installments   *InstallmentRequest `json:"installments,omitempty"`
}

// PinnedAllocation freezes the settlement classification shown to the cashier
// at draft time. Pending sales are confirmed against these exact figures and
// any drift fails the confirmation.
type PinnedAllocation struct {
	Kind            string `json:"kind"`
	GrandTotalCents int64  `json:"grand_total_cents"`
	TenderedCents   int64  `json:"tendered_cents"`
	WalletUsedCents int64  `json:"wallet_used_cents"`
	TotalPaidCents  int64  `json:"total_paid_cents"`
	BalanceCents    int64  `json:"balance_cents"`
	ExcessCents     int64  `json:"excess_cents"`
	Disposition     string `json:"disposition,omitempty"`
}

type Sale struct {
	ID              string              `json:"id"`
	BranchID        string              `json:"branch_id"`
	CustomerID      string              `json:"customer_id,omitempty"`
	Currency        string              `json:"currency"`
	Items           []SaleItem          `json:"items"`
	SubtotalCents   int64               `json:"subtotal_cents"`
	DiscountCents   int64               `json:"discount_cents"`
	TaxCents        int64               `json:"tax_cents"`
	ShippingCents   int64               `json:"shipping_cents"`
	TotalCents      int64               `json:"total_cents"`
	PaymentMethod   string              `json:"payment_method"`
	TenderedCents   int64               `json:"tendered_cents"`
	WalletUsedCents int64               `json:"wallet_used_cents"`
	PaidCents       int64               `json:"paid_cents"`
	ChangeCents     int64               `json:"change_cents"`
	BalanceCents    int64               `json:"balance_cents"`
	Status          string              `json:"status"`
	Allocation      *PinnedAllocation   `json:"allocation,omitempty"`
	PlanRequest     *InstallmentRequest `json:"plan_request,omitempty"`
	IdempotencyKey  string              `json:"idempotency_key,omitempty"`
	DueDate         *time.Time          `json:"due_date,omitempty"`
	CreatedBy       string              `json:"created_by"`
	CreatedAt       time.Time           `json:"created_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

type SaleResponse struct {
	Sale                 Sale             `json:"sale"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
	Allocation           PinnedAllocation `json:"allocation"`
	Plan                 *PaymentPlan     `json:"plan,omitempty"`
	Duplicate            bool             `json:"duplicate"`
}

type SaleConfirmRequest struct {
	Allocation PinnedAllocation `json:"allocation"`
}

type SalePaymentRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
}

const (
	FreqDaily     = "daily"
	FreqWeekly    = "weekly"
	FreqBiweekly  = "biweekly"
	FreqMonthly   = "monthly"
	FreqQuarterly = "quarterly"
)

const (
	InstallmentOpen = "open"
	InstallmentPaid = "paid"
)

type Installment struct {
	Seq         int       `json:"seq"`
	DueDate     time.Time `json:"due_date"`
	AmountCents int64     `json:"amount_cents"`
	PaidCents   int64     `json:"paid_cents"`
	Status      string    `json:"status"`
}

type PaymentPlan struct {
	ID           string        `json:"id"`
	SaleID       string        `json:"sale_id"`
	Frequency    string        `json:"frequency"`
	StartDate    time.Time     `json:"start_date"`
	Installments []Installment `json:"installments"`
	CreatedAt    time.Time     `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
