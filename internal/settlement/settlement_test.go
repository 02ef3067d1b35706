package settlement

import (
	"errors"
	"testing"
	"time"

	"lapakpos/backend/internal/domain"
	"lapakpos/backend/internal/money"
	"lapakpos/backend/internal/store"
)

const cur = "IDR"

func m(cents int64) money.Money { return money.New(cents, cur) }

func TestCalculateTotals(t *testing.T) {
	lines := []Line{
		{SKU: "SKU-1", Qty: 2, UnitPrice: m(150000), Discount: m(10000)},
		{SKU: "SKU-2", Qty: 1, UnitPrice: m(80000)},
	}

	totals, err := CalculateTotals(lines, m(5000), m(0), m(12000))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if totals.Subtotal.Cents != 380000 {
		t.Fatalf("subtotal: expected 380000, got %d", totals.Subtotal.Cents)
	}
	if totals.Discount.Cents != 15000 {
		t.Fatalf("discount: expected 15000, got %d", totals.Discount.Cents)
	}
	if totals.GrandTotal.Cents != 377000 {
		t.Fatalf("grand total: expected 377000, got %d", totals.GrandTotal.Cents)
	}
}

func TestCalculateTotalsLineTax(t *testing.T) {
	lines := []Line{
		// 2 x 100.00 less 20.00 discount, 11% tax on the discounted base.
		{SKU: "SKU-1", Qty: 2, UnitPrice: m(10000), Discount: m(2000), TaxPercent: 11},
	}

	totals, err := CalculateTotals(lines, m(0), m(0), m(0))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if totals.Tax.Cents != 1980 {
		t.Fatalf("tax: expected 1980, got %d", totals.Tax.Cents)
	}
	if totals.GrandTotal.Cents != 19980 {
		t.Fatalf("grand total: expected 19980, got %d", totals.GrandTotal.Cents)
	}
}

func TestCalculateTotalsRejectsMixedTaxLevels(t *testing.T) {
	lines := []Line{
		{SKU: "SKU-1", Qty: 1, UnitPrice: m(10000), TaxPercent: 11},
	}

	_, err := CalculateTotals(lines, m(0), m(500), m(0))
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCalculateTotalsClampsOversizedDiscount(t *testing.T) {
	lines := []Line{
		{SKU: "SKU-1", Qty: 1, UnitPrice: m(5000)},
	}

	totals, err := CalculateTotals(lines, m(9000), m(0), m(0))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if totals.GrandTotal.Cents != 0 {
		t.Fatalf("expected grand total clamped to 0, got %d", totals.GrandTotal.Cents)
	}
}

func TestCalculateTotalsRejectsEmptyCart(t *testing.T) {
	_, err := CalculateTotals(nil, m(0), m(0), m(0))
	if !errors.Is(err, store.ErrNoLineItems) {
		t.Fatalf("expected ErrNoLineItems, got %v", err)
	}
}

func TestAllocateExact(t *testing.T) {
	alloc, err := Allocate(AllocationInput{
		GrandTotal: m(377000),
		Tendered:   m(377000),
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.Kind != domain.SettlementExact {
		t.Fatalf("expected exact, got %s", alloc.Kind)
	}
	if !alloc.Balance.IsZero() || !alloc.Excess.IsZero() {
		t.Fatalf("exact allocation must carry no balance or excess: %+v", alloc)
	}
}

func TestAllocatePartialWithWallet(t *testing.T) {
	alloc, err := Allocate(AllocationInput{
		GrandTotal:    m(100000),
		Tendered:      m(40000),
		WalletBalance: m(25000),
		UseWallet:     true,
		HasCustomer:   true,
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.Kind != domain.SettlementPartial {
		t.Fatalf("expected partial, got %s", alloc.Kind)
	}
	if alloc.WalletUsed.Cents != 25000 {
		t.Fatalf("expected wallet to cover 25000, got %d", alloc.WalletUsed.Cents)
	}
	if alloc.Balance.Cents != 35000 {
		t.Fatalf("expected 35000 outstanding, got %d", alloc.Balance.Cents)
	}
}

func TestAllocateWalletRespectsCap(t *testing.T) {
	alloc, err := Allocate(AllocationInput{
		GrandTotal:    m(100000),
		Tendered:      m(40000),
		WalletBalance: m(90000),
		WalletCap:     m(10000),
		UseWallet:     true,
		HasCustomer:   true,
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.WalletUsed.Cents != 10000 {
		t.Fatalf("expected cap to limit wallet use to 10000, got %d", alloc.WalletUsed.Cents)
	}
}

func TestAllocateWalletDrawIgnoresTender(t *testing.T) {
	alloc, err := Allocate(AllocationInput{
		GrandTotal:    m(100000),
		Tendered:      m(90000),
		WalletBalance: m(50000),
		UseWallet:     true,
		HasCustomer:   true,
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.WalletUsed.Cents != 50000 {
		t.Fatalf("expected the full balance drawn, got %d", alloc.WalletUsed.Cents)
	}
	if alloc.Kind != domain.SettlementExcess {
		t.Fatalf("expected excess, got %s", alloc.Kind)
	}
	if alloc.Excess.Cents != 40000 {
		t.Fatalf("expected 40000 excess, got %d", alloc.Excess.Cents)
	}
}

func TestAllocateWalletDrawCappedByGrandTotal(t *testing.T) {
	alloc, err := Allocate(AllocationInput{
		GrandTotal:    m(30000),
		Tendered:      m(0),
		WalletBalance: m(80000),
		UseWallet:     true,
		HasCustomer:   true,
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.WalletUsed.Cents != 30000 {
		t.Fatalf("wallet draw must stop at the grand total, got %d", alloc.WalletUsed.Cents)
	}
	if alloc.Kind != domain.SettlementExact {
		t.Fatalf("expected exact, got %s", alloc.Kind)
	}
}

func TestAllocatePartialWithoutCustomerRejected(t *testing.T) {
	_, err := Allocate(AllocationInput{
		GrandTotal: m(100000),
		Tendered:   m(40000),
	})
	if !errors.Is(err, store.ErrCustomerRequired) {
		t.Fatalf("expected ErrCustomerRequired, got %v", err)
	}
}

func TestAllocateExcessDefaultsToChange(t *testing.T) {
	alloc, err := Allocate(AllocationInput{
		GrandTotal: m(100000),
		Tendered:   m(120000),
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.Kind != domain.SettlementExcess {
		t.Fatalf("expected excess, got %s", alloc.Kind)
	}
	if alloc.Excess.Cents != 20000 {
		t.Fatalf("expected 20000 excess, got %d", alloc.Excess.Cents)
	}
	if alloc.Disposition != domain.DispositionChange {
		t.Fatalf("expected change disposition, got %s", alloc.Disposition)
	}
}

func TestAllocateExcessWalletCreditNeedsCustomer(t *testing.T) {
	_, err := Allocate(AllocationInput{
		GrandTotal:  m(100000),
		Tendered:    m(120000),
		Disposition: domain.DispositionWallet,
	})
	if !errors.Is(err, store.ErrCustomerRequired) {
		t.Fatalf("expected ErrCustomerRequired, got %v", err)
	}

	alloc, err := Allocate(AllocationInput{
		GrandTotal:  m(100000),
		Tendered:    m(120000),
		Disposition: domain.DispositionWallet,
		HasCustomer: true,
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.Disposition != domain.DispositionWallet {
		t.Fatalf("expected wallet disposition, got %s", alloc.Disposition)
	}
}

func TestAllocateIsDeterministic(t *testing.T) {
	in := AllocationInput{
		GrandTotal:    m(123457),
		Tendered:      m(60000),
		WalletBalance: m(999999),
		WalletCap:     m(50000),
		UseWallet:     true,
		HasCustomer:   true,
	}

	first, err := Allocate(in)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Allocate(in)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if again != first {
			t.Fatalf("allocation drifted between runs: %+v vs %+v", again, first)
		}
	}
}

func TestPlanInstallmentsSumsExactly(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	installments, err := PlanInstallments(m(100001), 3, domain.FreqMonthly, start)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(installments) != 3 {
		t.Fatalf("expected 3 installments, got %d", len(installments))
	}

	var sum int64
	for _, inst := range installments {
		sum += inst.AmountCents
	}
	if sum != 100001 {
		t.Fatalf("installments must sum to the planned amount, got %d", sum)
	}
	if installments[2].AmountCents != 33335 {
		t.Fatalf("remainder must land on the last installment, got %d", installments[2].AmountCents)
	}
	if !installments[1].DueDate.Equal(start.AddDate(0, 1, 0)) {
		t.Fatalf("unexpected second due date: %v", installments[1].DueDate)
	}
}

func TestPlanInstallmentsFrequencies(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	weekly, err := PlanInstallments(m(40000), 4, domain.FreqWeekly, start)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !weekly[3].DueDate.Equal(start.AddDate(0, 0, 21)) {
		t.Fatalf("unexpected weekly due date: %v", weekly[3].DueDate)
	}

	quarterly, err := PlanInstallments(m(40000), 2, domain.FreqQuarterly, start)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !quarterly[1].DueDate.Equal(start.AddDate(0, 3, 0)) {
		t.Fatalf("unexpected quarterly due date: %v", quarterly[1].DueDate)
	}
}

func TestPlanInstallmentsRejectsBadInput(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := PlanInstallments(m(1000), 0, domain.FreqMonthly, start); !errors.Is(err, store.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for zero count, got %v", err)
	}
	if _, err := PlanInstallments(m(1000), 2, "yearly", start); !errors.Is(err, store.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for unknown frequency, got %v", err)
	}
	if _, err := PlanInstallments(m(1000), 2, domain.FreqMonthly, time.Time{}); !errors.Is(err, store.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for missing start date, got %v", err)
	}
}
