package settlement

import (
	"fmt"

	"lapakpos/backend/internal/domain"
	"lapakpos/backend/internal/money"
	"lapakpos/backend/internal/store"
)

type AllocationInput struct {
	GrandTotal    money.Money
	Tendered      money.Money
	WalletBalance money.Money
	WalletCap     money.Money
	UseWallet     bool
	HasCustomer   bool
	Disposition   string
}

// Allocation is the classification of a payment against a grand total.
// Exactly one of the three kinds applies: exact, partial (Balance carries
// the shortfall) or excess (Excess carries the overpayment together with
// its disposition).
type Allocation struct {
	Kind        string
	GrandTotal  money.Money
	Tendered    money.Money
	WalletUsed  money.Money
	TotalPaid   money.Money
	Balance     money.Money
	Excess      money.Money
	Disposition string
}

// Allocate classifies the payment. It is a pure function: the same input
// always yields the same allocation, which is what makes pinning sound.
//
// Wallet use is independent of the tendered amount: opting in draws the
// customer balance (limited by the optional per-sale cap) up to the grand
// total, so a tender plus wallet draw can land in excess together.
func Allocate(in AllocationInput) (Allocation, error) {
	if in.Tendered.IsNegative() {
		return Allocation{}, fmt.Errorf("%w: negative tendered amount", store.ErrValidation)
	}
	if in.WalletCap.IsNegative() {
		return Allocation{}, fmt.Errorf("%w: negative wallet cap", store.ErrValidation)
	}
	if in.UseWallet && !in.HasCustomer {
		return Allocation{}, fmt.Errorf("%w: wallet payment needs a customer", store.ErrCustomerRequired)
	}

	currency := in.GrandTotal.Currency
	walletUsed := money.Zero(currency)
	if in.UseWallet {
		limit := in.WalletBalance
		if in.WalletCap.IsPositive() {
			limit = money.Min(in.WalletCap, in.WalletBalance)
		}
		walletUsed = money.Min(limit, in.GrandTotal)
		if walletUsed.IsNegative() {
			walletUsed = money.Zero(currency)
		}
	}

	totalPaid := in.Tendered.Add(walletUsed)
	alloc := Allocation{
		GrandTotal: in.GrandTotal,
		Tendered:   in.Tendered,
		WalletUsed: walletUsed,
		TotalPaid:  totalPaid,
		Balance:    money.Zero(currency),
		Excess:     money.Zero(currency),
	}

	switch totalPaid.Cmp(in.GrandTotal) {
	case 0:
		alloc.Kind = domain.SettlementExact
	case -1:
		if !in.HasCustomer {
			return Allocation{}, fmt.Errorf("%w: partial payment needs a customer to carry the debt", store.ErrCustomerRequired)
		}
		alloc.Kind = domain.SettlementPartial
		alloc.Balance = in.GrandTotal.Sub(totalPaid)
	case 1:
		disposition := in.Disposition
		if disposition == "" {
			disposition = domain.DispositionChange
		}
		if disposition != domain.DispositionChange && disposition != domain.DispositionWallet {
			return Allocation{}, fmt.Errorf("%w: unknown disposition %q", store.ErrValidation, disposition)
		}
		if disposition == domain.DispositionWallet && !in.HasCustomer {
			return Allocation{}, fmt.Errorf("%w: wallet credit needs a customer", store.ErrCustomerRequired)
		}
		alloc.Kind = domain.SettlementExcess
		alloc.Excess = totalPaid.Sub(in.GrandTotal)
		alloc.Disposition = disposition
	}
	return alloc, nil
}

// Pin freezes the allocation into the snapshot stored with a pending sale.
func (a Allocation) Pin() domain.PinnedAllocation {
	return domain.PinnedAllocation{
		Kind:            a.Kind,
		GrandTotalCents: a.GrandTotal.Cents,
		TenderedCents:   a.Tendered.Cents,
		WalletUsedCents: a.WalletUsed.Cents,
		TotalPaidCents:  a.TotalPaid.Cents,
		BalanceCents:    a.Balance.Cents,
		ExcessCents:     a.Excess.Cents,
		Disposition:     a.Disposition,
	}
}
