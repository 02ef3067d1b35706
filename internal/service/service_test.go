package service

import (
	"context"
	"errors"
	"testing"

	"lapakpos/backend/internal/domain"
	"lapakpos/backend/internal/store"
	"lapakpos/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, Options{})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir1", Role: "cashier"})
}

func TestCreateSaleExactCommitsImmediately(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		Items:         []domain.SaleDraftItem{{SKU: "SKU-MIE-01", Qty: 2}},
		TenderedCents: 7000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if resp.RequiresConfirmation {
		t.Fatalf("exact payment should not need confirmation")
	}
	if resp.Sale.Status != domain.SaleCompleted {
		t.Fatalf("expected completed, got %s", resp.Sale.Status)
	}
	if resp.Allocation.Kind != domain.SettlementExact {
		t.Fatalf("expected exact allocation, got %s", resp.Allocation.Kind)
	}
	if resp.Sale.PaidCents != 7000 || resp.Sale.ChangeCents != 0 || resp.Sale.BalanceCents != 0 {
		t.Fatalf("unexpected figures: paid=%d change=%d balance=%d", resp.Sale.PaidCents, resp.Sale.ChangeCents, resp.Sale.BalanceCents)
	}

	qty, err := svc.StockBalance(ctx, "SKU-MIE-01", "branch-main")
	if err != nil {
		t.Fatalf("stock balance: %v", err)
	}
	if qty != 38 {
		t.Fatalf("expected stock 38 after sale, got %d", qty)
	}
}

func TestCreateSaleIdempotencyReplay(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	draft := domain.SaleDraft{
		IdempotencyKey: "idem-replay-1",
		Items:          []domain.SaleDraftItem{{SKU: "SKU-KOPI-01", Qty: 3}},
		TenderedCents:  7800,
	}
	first, err := svc.CreateSale(ctx, draft)
	if err != nil {
		t.Fatalf("first sale: %v", err)
	}
	second, err := svc.CreateSale(ctx, draft)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected replay to be flagged as duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay returned a different sale: %s vs %s", second.Sale.ID, first.Sale.ID)
	}

	qty, _ := svc.StockBalance(ctx, "SKU-KOPI-01", "branch-main")
	if qty != 37 {
		t.Fatalf("replay must not move stock twice, got %d", qty)
	}
}

func TestPartialSaleWithWalletDebtAndPlan(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	// 4 x 26500 = 106000; tender 40000, wallet covers 50000, 16000 stays as debt.
	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		CustomerID:    "cust-budi",
		Items:         []domain.SaleDraftItem{{SKU: "SKU-TELUR-01", Qty: 4}},
		TenderedCents: 40000,
		UseWallet:     true,
		Installments:  &domain.InstallmentRequest{Count: 4, Frequency: domain.FreqWeekly, StartDate: "2026-09-04"},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !resp.RequiresConfirmation {
		t.Fatalf("partial payment must require confirmation")
	}
	if resp.Sale.Status != domain.SaleClassified {
		t.Fatalf("expected classified, got %s", resp.Sale.Status)
	}
	alloc := resp.Allocation
	if alloc.Kind != domain.SettlementPartial || alloc.WalletUsedCents != 50000 || alloc.BalanceCents != 16000 {
		t.Fatalf("unexpected allocation: %+v", alloc)
	}

	// Nothing moved yet: no stock, no wallet debit.
	if qty, _ := svc.StockBalance(ctx, "SKU-TELUR-01", "branch-main"); qty != 40 {
		t.Fatalf("classified sale must not touch stock, got %d", qty)
	}
	if stmt, _ := svc.WalletStatement(ctx, "cust-budi", 0); stmt.BalanceCents != 50000 {
		t.Fatalf("classified sale must not touch wallet, got %d", stmt.BalanceCents)
	}

	confirmed, err := svc.ConfirmSale(ctx, resp.Sale.ID, alloc)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Sale.Status != domain.SalePending {
		t.Fatalf("debt sale should stay pending, got %s", confirmed.Sale.Status)
	}
	if confirmed.Sale.BalanceCents != 16000 {
		t.Fatalf("expected balance 16000, got %d", confirmed.Sale.BalanceCents)
	}

	if qty, _ := svc.StockBalance(ctx, "SKU-TELUR-01", "branch-main"); qty != 36 {
		t.Fatalf("expected stock 36 after commit, got %d", qty)
	}
	stmt, err := svc.WalletStatement(ctx, "cust-budi", 0)
	if err != nil {
		t.Fatalf("wallet statement: %v", err)
	}
	if stmt.BalanceCents != 0 {
		t.Fatalf("expected wallet drained, got %d", stmt.BalanceCents)
	}
	debt, err := svc.DebtBalance(ctx, "cust-budi")
	if err != nil {
		t.Fatalf("debt balance: %v", err)
	}
	if debt != 16000 {
		t.Fatalf("expected debt 16000, got %d", debt)
	}

	if confirmed.Plan == nil {
		t.Fatalf("expected a payment plan")
	}
	if len(confirmed.Plan.Installments) != 4 {
		t.Fatalf("expected 4 installments, got %d", len(confirmed.Plan.Installments))
	}
	var sum int64
	for _, ins := range confirmed.Plan.Installments {
		sum += ins.AmountCents
	}
	if sum != 16000 {
		t.Fatalf("installments must sum to the balance, got %d", sum)
	}
}

func TestConfirmRejectsStaleAllocation(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		CustomerID:    "cust-siti",
		Items:         []domain.SaleDraftItem{{SKU: "SKU-SUSU-01", Qty: 1}},
		TenderedCents: 10000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	tampered := resp.Allocation
	tampered.TenderedCents = 18900
	tampered.TotalPaidCents = 18900
	if _, err := svc.ConfirmSale(ctx, resp.Sale.ID, tampered); !errors.Is(err, store.ErrStaleConfirmation) {
		t.Fatalf("expected stale confirmation, got %v", err)
	}

	// The genuine snapshot still works.
	if _, err := svc.ConfirmSale(ctx, resp.Sale.ID, resp.Allocation); err != nil {
		t.Fatalf("confirm with pinned allocation: %v", err)
	}
}

func TestConfirmTwiceRejected(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		Items:         []domain.SaleDraftItem{{SKU: "SKU-MIE-01", Qty: 1}},
		TenderedCents: 5000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.ConfirmSale(ctx, resp.Sale.ID, resp.Allocation); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if _, err := svc.ConfirmSale(ctx, resp.Sale.ID, resp.Allocation); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected second confirm to fail, got %v", err)
	}
}

func TestExcessChangeDisposition(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		Items:         []domain.SaleDraftItem{{SKU: "SKU-MIE-01", Qty: 1}},
		TenderedCents: 5000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !resp.RequiresConfirmation {
		t.Fatalf("excess payment must require confirmation")
	}
	if resp.Allocation.Kind != domain.SettlementExcess || resp.Allocation.ExcessCents != 1500 {
		t.Fatalf("unexpected allocation: %+v", resp.Allocation)
	}
	if resp.Allocation.Disposition != domain.DispositionChange {
		t.Fatalf("expected change disposition, got %s", resp.Allocation.Disposition)
	}

	confirmed, err := svc.ConfirmSale(ctx, resp.Sale.ID, resp.Allocation)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Sale.Status != domain.SaleCompleted {
		t.Fatalf("expected completed, got %s", confirmed.Sale.Status)
	}
	if confirmed.Sale.ChangeCents != 1500 {
		t.Fatalf("expected change 1500, got %d", confirmed.Sale.ChangeCents)
	}
}

func TestExcessWalletCredit(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		CustomerID:    "cust-siti",
		Items:         []domain.SaleDraftItem{{SKU: "SKU-MIE-01", Qty: 1}},
		TenderedCents: 5000,
		Disposition:   domain.DispositionWallet,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	confirmed, err := svc.ConfirmSale(ctx, resp.Sale.ID, resp.Allocation)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Sale.ChangeCents != 0 {
		t.Fatalf("wallet credit must not hand out change, got %d", confirmed.Sale.ChangeCents)
	}

	stmt, err := svc.WalletStatement(ctx, "cust-siti", 0)
	if err != nil {
		t.Fatalf("wallet statement: %v", err)
	}
	if stmt.BalanceCents != 1500 {
		t.Fatalf("expected wallet credit 1500, got %d", stmt.BalanceCents)
	}
	if len(stmt.Transactions) != 1 || stmt.Transactions[0].Reason != domain.WalletReasonOverpay {
		t.Fatalf("expected one overpayment credit, got %+v", stmt.Transactions)
	}
}

func TestWalletDrawWithTenderOverpays(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	// 2 x 3500 = 7000; the capped wallet draw of 4000 applies on top of the
	// 5000 tender, landing at 9000 paid with 2000 excess as change.
	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		CustomerID:     "cust-budi",
		Items:          []domain.SaleDraftItem{{SKU: "SKU-MIE-01", Qty: 2}},
		TenderedCents:  5000,
		UseWallet:      true,
		WalletCapCents: 4000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	alloc := resp.Allocation
	if alloc.Kind != domain.SettlementExcess || alloc.WalletUsedCents != 4000 || alloc.ExcessCents != 2000 {
		t.Fatalf("unexpected allocation: %+v", alloc)
	}

	confirmed, err := svc.ConfirmSale(ctx, resp.Sale.ID, alloc)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Sale.ChangeCents != 2000 {
		t.Fatalf("expected change 2000, got %d", confirmed.Sale.ChangeCents)
	}
	stmt, err := svc.WalletStatement(ctx, "cust-budi", 0)
	if err != nil {
		t.Fatalf("wallet statement: %v", err)
	}
	if stmt.BalanceCents != 46000 {
		t.Fatalf("expected 4000 debited from the wallet, got balance %d", stmt.BalanceCents)
	}
}

func TestExcessWalletCreditWithoutCustomerRejected(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(cashierCtx(), domain.SaleDraft{
		Items:         []domain.SaleDraftItem{{SKU: "SKU-MIE-01", Qty: 1}},
		TenderedCents: 5000,
		Disposition:   domain.DispositionWallet,
	})
	if !errors.Is(err, store.ErrCustomerRequired) {
		t.Fatalf("expected customer required, got %v", err)
	}
}

func TestPartialWithoutCustomerRejected(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(cashierCtx(), domain.SaleDraft{
		Items:         []domain.SaleDraftItem{{SKU: "SKU-TELUR-01", Qty: 2}},
		TenderedCents: 10000,
	})
	if !errors.Is(err, store.ErrCustomerRequired) {
		t.Fatalf("expected customer required, got %v", err)
	}
}

func TestAddPaymentSettlesDebtAndInstallments(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		CustomerID:    "cust-budi",
		Items:         []domain.SaleDraftItem{{SKU: "SKU-TELUR-01", Qty: 4}},
		TenderedCents: 40000,
		UseWallet:     true,
		Installments:  &domain.InstallmentRequest{Count: 4, Frequency: domain.FreqWeekly, StartDate: "2026-09-04"},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	confirmed, err := svc.ConfirmSale(ctx, resp.Sale.ID, resp.Allocation)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	saleID := confirmed.Sale.ID

	// Overpaying the balance is rejected.
	if _, err := svc.AddPayment(ctx, saleID, domain.SalePaymentRequest{AmountCents: 20000}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected overpayment to fail, got %v", err)
	}

	partial, err := svc.AddPayment(ctx, saleID, domain.SalePaymentRequest{AmountCents: 4000})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if partial.Status != domain.SalePending || partial.BalanceCents != 12000 {
		t.Fatalf("expected pending with 12000 left, got %s/%d", partial.Status, partial.BalanceCents)
	}

	final, err := svc.AddPayment(ctx, saleID, domain.SalePaymentRequest{AmountCents: 12000})
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	if final.Status != domain.SaleCompleted || final.BalanceCents != 0 {
		t.Fatalf("expected completed, got %s/%d", final.Status, final.BalanceCents)
	}
	if final.CompletedAt == nil {
		t.Fatalf("completed sale must carry a completion time")
	}

	debt, _ := svc.DebtBalance(ctx, "cust-budi")
	if debt != 0 {
		t.Fatalf("expected debt cleared, got %d", debt)
	}

	settled, err := svc.GetSale(ctx, saleID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if settled.Plan == nil {
		t.Fatalf("expected plan on settled sale")
	}
	for _, ins := range settled.Plan.Installments {
		if ins.Status != domain.InstallmentPaid || ins.PaidCents != ins.AmountCents {
			t.Fatalf("installment %d not settled: %+v", ins.Seq, ins)
		}
	}

	// A completed sale takes no further payments.
	if _, err := svc.AddPayment(ctx, saleID, domain.SalePaymentRequest{AmountCents: 100}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected payment on completed sale to fail, got %v", err)
	}
}

func TestInstallmentsRequirePartialPayment(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(cashierCtx(), domain.SaleDraft{
		CustomerID:    "cust-budi",
		Items:         []domain.SaleDraftItem{{SKU: "SKU-MIE-01", Qty: 1}},
		TenderedCents: 3500,
		Installments:  &domain.InstallmentRequest{Count: 2, Frequency: domain.FreqWeekly, StartDate: "2026-09-04"},
	})
	if !errors.Is(err, store.ErrInvalidPlan) {
		t.Fatalf("expected invalid plan, got %v", err)
	}
}

func TestSaleRejectsInsufficientStock(t *testing.T) {
	svc := newTestService()

	// branch-main carries 40 units per tracked SKU.
	_, err := svc.CreateSale(cashierCtx(), domain.SaleDraft{
		Items:         []domain.SaleDraftItem{{SKU: "SKU-GULA-01", Qty: 41}},
		TenderedCents: 41 * 17400,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestSaleSkipsUntrackedItems(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleDraft{
		Items: []domain.SaleDraftItem{
			{SKU: "SKU-MIE-01", Qty: 1},
			{SKU: "SKU-ANTAR-01", Qty: 1},
		},
		TenderedCents: 13500,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if resp.Sale.Status != domain.SaleCompleted {
		t.Fatalf("expected completed, got %s", resp.Sale.Status)
	}

	history, err := svc.ProductHistory(ctx, "SKU-ANTAR-01", "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("untracked sku must never hit the ledger, got %d rows", len(history))
	}
}

func TestTransferMovesStockBetweenBranches(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	legs, err := svc.Transfer(ctx, domain.TransferRequest{
		SKU:          "SKU-KOPI-01",
		FromBranchID: "branch-gudang",
		ToBranchID:   "branch-main",
		Qty:          5,
		Reference:    "replenish weekend stock",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(legs))
	}
	if legs[0].TransferID == "" || legs[0].TransferID != legs[1].TransferID {
		t.Fatalf("legs must share a transfer id: %+v", legs)
	}

	var out, in domain.StockMovement
	for _, leg := range legs {
		if leg.DeltaQty < 0 {
			out = leg
		} else {
			in = leg
		}
	}
	if out.StockBefore != 200 || out.StockAfter != 195 {
		t.Fatalf("out leg chain broken: before=%d after=%d", out.StockBefore, out.StockAfter)
	}
	if in.StockBefore != 40 || in.StockAfter != 45 {
		t.Fatalf("in leg chain broken: before=%d after=%d", in.StockBefore, in.StockAfter)
	}

	if qty, _ := svc.StockBalance(ctx, "SKU-KOPI-01", "branch-gudang"); qty != 195 {
		t.Fatalf("expected 195 at gudang, got %d", qty)
	}
	if qty, _ := svc.StockBalance(ctx, "SKU-KOPI-01", "branch-main"); qty != 45 {
		t.Fatalf("expected 45 at main, got %d", qty)
	}
}

func TestTransferRejectsDrainingSourceBranch(t *testing.T) {
	svc := newTestService()

	_, err := svc.Transfer(adminCtx(), domain.TransferRequest{
		SKU:          "SKU-KOPI-01",
		FromBranchID: "branch-main",
		ToBranchID:   "branch-gudang",
		Qty:          41,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestTransferRejectsUntrackedSKU(t *testing.T) {
	svc := newTestService()

	_, err := svc.Transfer(adminCtx(), domain.TransferRequest{
		SKU:          "SKU-ANTAR-01",
		FromBranchID: "branch-gudang",
		ToBranchID:   "branch-main",
		Qty:          1,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUndoTransferCompensatesBothLegs(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	legs, err := svc.Transfer(ctx, domain.TransferRequest{
		SKU:          "SKU-ROTI-01",
		FromBranchID: "branch-gudang",
		ToBranchID:   "branch-main",
		Qty:          8,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	undo, err := svc.UndoTransfer(ctx, domain.TransferUndoRequest{MovementID: legs[0].ID})
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if len(undo) != 2 {
		t.Fatalf("expected 2 compensating legs, got %d", len(undo))
	}
	if undo[0].TransferID == legs[0].TransferID {
		t.Fatalf("reversal must carry its own transfer id")
	}
	for _, leg := range undo {
		if leg.ReversesID == "" {
			t.Fatalf("reversal leg missing reverses id: %+v", leg)
		}
	}

	// Balances are back where they started, with four ledger rows to show for it.
	if qty, _ := svc.StockBalance(ctx, "SKU-ROTI-01", "branch-gudang"); qty != 200 {
		t.Fatalf("expected gudang restored to 200, got %d", qty)
	}
	if qty, _ := svc.StockBalance(ctx, "SKU-ROTI-01", "branch-main"); qty != 40 {
		t.Fatalf("expected main restored to 40, got %d", qty)
	}
	history, err := svc.ProductHistory(ctx, "SKU-ROTI-01", "branch-main", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected seed + transfer + reversal rows, got %d", len(history))
	}

	// Undoing the same transfer again, via the other leg, is refused.
	if _, err := svc.UndoTransfer(ctx, domain.TransferUndoRequest{MovementID: legs[1].ID}); !errors.Is(err, store.ErrAlreadyReversed) {
		t.Fatalf("expected already reversed, got %v", err)
	}

	// A reversal leg cannot itself be undone.
	if _, err := svc.UndoTransfer(ctx, domain.TransferUndoRequest{MovementID: undo[0].ID}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for reversal leg, got %v", err)
	}
}

func TestRecordAdjustmentChainsLedger(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	mv, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{
		SKU:       "SKU-SABUN-01",
		DeltaQty:  5,
		Reference: "stock opname surplus",
	})
	if err != nil {
		t.Fatalf("adjustment: %v", err)
	}
	if mv.StockBefore != 40 || mv.StockAfter != 45 {
		t.Fatalf("ledger chain broken: before=%d after=%d", mv.StockBefore, mv.StockAfter)
	}

	down, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{
		SKU:      "SKU-SABUN-01",
		DeltaQty: -45,
	})
	if err != nil {
		t.Fatalf("adjustment down: %v", err)
	}
	if down.StockBefore != 45 || down.StockAfter != 0 {
		t.Fatalf("ledger chain broken: before=%d after=%d", down.StockBefore, down.StockAfter)
	}

	if _, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{SKU: "SKU-SABUN-01", DeltaQty: -1}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{SKU: "SKU-SABUN-01", DeltaQty: 0}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for zero delta, got %v", err)
	}
}

func TestRecordAdjustmentTypedMovements(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	purchase, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{
		SKU:       "SKU-AIR-01",
		Type:      domain.MovementPurchase,
		DeltaQty:  10,
		Reference: "PO-2026-091",
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if purchase.Type != domain.MovementPurchase || purchase.StockBefore != 40 || purchase.StockAfter != 50 {
		t.Fatalf("unexpected purchase row: %+v", purchase)
	}

	ret, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{
		SKU:      "SKU-AIR-01",
		Type:     domain.MovementReturn,
		DeltaQty: 2,
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if ret.Type != domain.MovementReturn || ret.StockAfter != 52 {
		t.Fatalf("unexpected return row: %+v", ret)
	}

	damage, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{
		SKU:      "SKU-AIR-01",
		Type:     domain.MovementDamage,
		DeltaQty: -5,
	})
	if err != nil {
		t.Fatalf("damage: %v", err)
	}
	if damage.Type != domain.MovementDamage || damage.StockBefore != 52 || damage.StockAfter != 47 {
		t.Fatalf("unexpected damage row: %+v", damage)
	}

	// Sign rules: inbound types must add, outbound types must remove.
	if _, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{SKU: "SKU-AIR-01", Type: domain.MovementWaste, DeltaQty: 3}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected waste with positive delta to fail, got %v", err)
	}
	if _, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{SKU: "SKU-AIR-01", Type: domain.MovementPurchase, DeltaQty: -3}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected purchase with negative delta to fail, got %v", err)
	}
	if _, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{SKU: "SKU-AIR-01", Type: "shrinkage", DeltaQty: -1}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected unknown type to fail, got %v", err)
	}

	// Outbound types hit the same floor as every other ledger write.
	if _, err := svc.RecordAdjustment(ctx, domain.AdjustmentRequest{SKU: "SKU-AIR-01", Type: domain.MovementExpired, DeltaQty: -48}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc := newTestService()

	req := domain.ProductCreateRequest{SKU: "SKU-TEH-01", Name: "Teh Celup", PriceCents: 8500, CostCents: 6000, InitialStock: 12}
	if _, err := svc.CreateProduct(cashierCtx(), req); err == nil {
		t.Fatalf("expected cashier to be refused")
	}

	created, err := svc.CreateProduct(adminCtx(), req)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if !created.TrackStock || !created.Active {
		t.Fatalf("expected tracked active product, got %+v", created)
	}

	qty, err := svc.StockBalance(adminCtx(), "SKU-TEH-01", "branch-main")
	if err != nil {
		t.Fatalf("stock balance: %v", err)
	}
	if qty != 12 {
		t.Fatalf("expected initial stock 12, got %d", qty)
	}
}

func TestTopUpWalletRequiresAdmin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.TopUpWallet(cashierCtx(), "cust-siti", domain.WalletTopUpRequest{AmountCents: 10000}); err == nil {
		t.Fatalf("expected cashier to be refused")
	}

	tx, err := svc.TopUpWallet(adminCtx(), "cust-siti", domain.WalletTopUpRequest{AmountCents: 10000})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if tx.Reason != domain.WalletReasonTopUp {
		t.Fatalf("expected top_up reason, got %s", tx.Reason)
	}

	stmt, _ := svc.WalletStatement(adminCtx(), "cust-siti", 0)
	if stmt.BalanceCents != 10000 {
		t.Fatalf("expected balance 10000, got %d", stmt.BalanceCents)
	}
}

func TestUpdateProductDeactivationBlocksSales(t *testing.T) {
	svc := newTestService()

	inactive := false
	if _, err := svc.UpdateProduct(adminCtx(), "SKU-AIR-01", domain.ProductUpdateRequest{Active: &inactive}); err != nil {
		t.Fatalf("update product: %v", err)
	}

	_, err := svc.CreateSale(cashierCtx(), domain.SaleDraft{
		Items:         []domain.SaleDraftItem{{SKU: "SKU-AIR-01", Qty: 1}},
		TenderedCents: 3900,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected inactive sku to be rejected, got %v", err)
	}
}

func TestAuditTrailRecordsActions(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	if _, err := svc.Transfer(ctx, domain.TransferRequest{
		SKU:          "SKU-GULA-01",
		FromBranchID: "branch-gudang",
		ToBranchID:   "branch-main",
		Qty:          2,
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, 10)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatalf("expected audit entries")
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "stock_transfer" && entry.ActorUsername == "admin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a stock_transfer audit entry, got %+v", logs)
	}
}
