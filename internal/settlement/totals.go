// Package settlement holds the pure settlement arithmetic: cart totals,
// payment classification and installment planning. Nothing here touches
// storage; the service layer feeds it catalog prices and wallet balances
// and persists whatever it decides.
package settlement

import (
	"fmt"

	"lapakpos/backend/internal/money"
	"lapakpos/backend/internal/store"
)

type Line struct {
	SKU        string
	VariantID  string
	Qty        int
	UnitPrice  money.Money
	Discount   money.Money
	TaxPercent float64
}

type Totals struct {
	Subtotal   money.Money
	Discount   money.Money
	Tax        money.Money
	Shipping   money.Money
	GrandTotal money.Money
}

// ComputeLine returns the tax and total for a single line. Line tax is a
// percentage of the discounted line amount, rounded to the nearest cent.
func ComputeLine(l Line) (tax money.Money, total money.Money) {
	gross := l.UnitPrice.MulQty(int64(l.Qty))
	base := gross.Sub(l.Discount)
	if base.IsNegative() {
		base = money.Zero(base.Currency)
	}
	tax = base.Percent(l.TaxPercent)
	return tax, base.Add(tax)
}

// CalculateTotals folds the lines with the order-level discount, tax and
// shipping amounts. Order-level tax and line-level tax rates are mutually
// exclusive; a draft carrying both is rejected.
func CalculateTotals(lines []Line, orderDiscount, orderTax, shipping money.Money) (Totals, error) {
	if len(lines) == 0 {
		return Totals{}, store.ErrNoLineItems
	}
	if orderDiscount.IsNegative() || orderTax.IsNegative() || shipping.IsNegative() {
		return Totals{}, fmt.Errorf("%w: negative order-level amount", store.ErrValidation)
	}

	currency := orderDiscount.Currency
	subtotal := money.Zero(currency)
	lineDiscount := money.Zero(currency)
	lineTax := money.Zero(currency)
	hasLineTax := false

	for i, l := range lines {
		if l.Qty <= 0 {
			return Totals{}, fmt.Errorf("%w: line %d has non-positive qty", store.ErrValidation, i)
		}
		if l.UnitPrice.IsNegative() || l.Discount.IsNegative() {
			return Totals{}, fmt.Errorf("%w: line %d has negative amount", store.ErrValidation, i)
		}
		if l.TaxPercent < 0 {
			return Totals{}, fmt.Errorf("%w: line %d has negative tax rate", store.ErrValidation, i)
		}
		if l.TaxPercent > 0 {
			hasLineTax = true
		}

		tax, _ := ComputeLine(l)
		subtotal = subtotal.Add(l.UnitPrice.MulQty(int64(l.Qty)))
		lineDiscount = lineDiscount.Add(l.Discount)
		lineTax = lineTax.Add(tax)
	}

	if hasLineTax && orderTax.IsPositive() {
		return Totals{}, fmt.Errorf("%w: order-level and line-level tax are mutually exclusive", store.ErrValidation)
	}

	totals := Totals{
		Subtotal: subtotal,
		Discount: orderDiscount.Add(lineDiscount),
		Tax:      orderTax.Add(lineTax),
		Shipping: shipping,
	}

	grand := subtotal.Sub(totals.Discount).Add(totals.Tax).Add(shipping)
	if grand.IsNegative() {
		grand = money.Zero(grand.Currency)
	}
	totals.GrandTotal = grand
	return totals, nil
}
