package settlement

import (
	"fmt"
	"time"

	"lapakpos/backend/internal/domain"
	"lapakpos/backend/internal/money"
	"lapakpos/backend/internal/store"
)

// PlanInstallments splits an amount into count installments on the given
// schedule. Rounding leaves the base share on every installment and the
// remainder on the last one so the parts always sum to the original amount.
func PlanInstallments(total money.Money, count int, frequency string, start time.Time) ([]domain.Installment, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: installment count must be at least 1", store.ErrInvalidPlan)
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: planned amount must be positive", store.ErrInvalidPlan)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("%w: missing start date", store.ErrInvalidPlan)
	}
	if !validFrequency(frequency) {
		return nil, fmt.Errorf("%w: unknown frequency %q", store.ErrInvalidPlan, frequency)
	}

	parts := total.Split(count)
	installments := make([]domain.Installment, count)
	for i, part := range parts {
		installments[i] = domain.Installment{
			Seq:         i + 1,
			DueDate:     dueDate(start, frequency, i),
			AmountCents: part.Cents,
			Status:      domain.InstallmentOpen,
		}
	}
	return installments, nil
}

func validFrequency(frequency string) bool {
	switch frequency {
	case domain.FreqDaily, domain.FreqWeekly, domain.FreqBiweekly, domain.FreqMonthly, domain.FreqQuarterly:
		return true
	}
	return false
}

func dueDate(start time.Time, frequency string, n int) time.Time {
	switch frequency {
	case domain.FreqDaily:
		return start.AddDate(0, 0, n)
	case domain.FreqWeekly:
		return start.AddDate(0, 0, 7*n)
	case domain.FreqBiweekly:
		return start.AddDate(0, 0, 14*n)
	case domain.FreqMonthly:
		return start.AddDate(0, n, 0)
	case domain.FreqQuarterly:
		return start.AddDate(0, 3*n, 0)
	}
	return start
}
