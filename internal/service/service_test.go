package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"posledger/internal/alert"
	"posledger/internal/domain"
	"posledger/internal/ledger"
	"posledger/internal/returns"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	"posledger/internal/syncx"
)

func newTestService(t *testing.T) (*Service, *memory.Store, *alert.MemorySink) {
	t.Helper()
	repo := memory.NewSeeded()
	sink := &alert.MemorySink{}
	svc := Build(repo, Options{
		Ledger: ledger.Config{
			Oversell: domain.OversellReject,
			Lease:    time.Minute,
			Retry:    syncx.RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond},
		},
		Thresholds: alert.Thresholds{LowStock: 3},
		Sinks:      []alert.Sink{sink},
	})
	return svc, repo, sink
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: RoleCashier})
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{Name: "Topi", PriceCents: 5000})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	created, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		ID:           "PRD-CAP",
		Barcode:      "8990001000073",
		Name:         " Topi ",
		PriceCents:   5000,
		InitialStock: 7,
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if created.Name != "Topi" || created.OnHand != 7 {
		t.Fatalf("unexpected product: %+v", created)
	}

	movements, err := svc.Movements(context.Background(), "PRD-CAP", 10)
	if err != nil {
		t.Fatalf("movements failed: %v", err)
	}
	if len(movements) != 1 || movements[0].Kind != domain.MovementCredit || movements[0].Qty != 7 {
		t.Fatalf("unexpected movements: %+v", movements)
	}
}

func TestSaleAndReturnWriteAuditTrail(t *testing.T) {
	svc, _, _ := newTestService(t)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		CustomerID: "cust-77",
		Lines:      []domain.SaleLineRequest{{ProductID: "PRD-JEANS-32", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	if sale.Cashier != "cashier" {
		t.Fatalf("expected cashier on sale, got %q", sale.Cashier)
	}

	ret, err := svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		SaleID:       sale.ID,
		Type:         domain.ReturnTypeReturn,
		Reason:       domain.ReasonWrongSize,
		RefundMethod: domain.RefundStoreCredit,
		Lines:        []domain.ReturnLineRequest{{SaleLineNo: 1, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("create return failed: %v", err)
	}

	if _, err := svc.ApproveReturn(cashierCtx(), ret.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier approval to be forbidden, got %v", err)
	}
	if _, err := svc.ApproveReturn(adminCtx(), ret.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	done, err := svc.CompleteReturn(adminCtx(), ret.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != domain.ReturnCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	statement, err := svc.CreditStatement(context.Background(), "cust-77")
	if err != nil {
		t.Fatalf("statement failed: %v", err)
	}
	if statement.Account.BalanceCents != 27500000 || len(statement.Transactions) != 1 {
		t.Fatalf("unexpected statement: %+v", statement)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "", 50)
	if err != nil {
		t.Fatalf("audit logs failed: %v", err)
	}
	actions := map[string]string{}
	for _, entry := range logs {
		actions[entry.Action] = entry.Actor
	}
	for action, actor := range map[string]string{
		"sale_create":     "cashier",
		"return_create":   "cashier",
		"return_approve":  "admin",
		"return_complete": "admin",
	} {
		if actions[action] != actor {
			t.Fatalf("expected %s by %s, got %q (all: %v)", action, actor, actions[action], actions)
		}
	}
}

func TestListAuditLogsValidatesDate(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.ListAuditLogs(adminCtx(), "14-03-2026", 10); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.ListAuditLogs(cashierCtx(), "", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestImportRestockRequiresAdminAndIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := domain.ImportRequest{Document: domain.ImportDocument{
		SupplierID:     "konveksi-bdg",
		DocumentNumber: "INV-0091",
		Lines:          []domain.ImportLine{{ProductID: "PRD-HOODIE-L", Qty: 6, PriceCents: 32000000}},
	}}

	if _, err := svc.ImportRestock(cashierCtx(), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := svc.ImportRestock(adminCtx(), req); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if _, err := svc.ImportRestock(adminCtx(), req); !errors.Is(err, store.ErrDuplicateImport) {
		t.Fatalf("expected duplicate import, got %v", err)
	}

	level, err := svc.Stock(context.Background(), "PRD-HOODIE-L")
	if err != nil {
		t.Fatalf("stock failed: %v", err)
	}
	if level.OnHand != 10 {
		t.Fatalf("expected on hand 10, got %d", level.OnHand)
	}
}

func TestLowStockAlertReachesSinks(t *testing.T) {
	svc, _, sink := newTestService(t)

	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: "PRD-HOODIE-L", Qty: 3}},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	alerts := sink.Alerts()
	if len(alerts) == 0 {
		t.Fatalf("expected an alert")
	}
	last := alerts[len(alerts)-1]
	if last.ProductID != "PRD-HOODIE-L" || last.Kind != domain.AlertLowStock || last.CurrentAvailable != 1 {
		t.Fatalf("unexpected alert: %+v", last)
	}
}

func TestCommittedResolvesSalesAndReturns(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		CustomerID: "cust-1",
		Lines:      []domain.SaleLineRequest{{ProductID: "PRD-SOCKS-3P", Qty: 2}},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	if ok, err := svc.Committed(ctx, sale.ID); err != nil || !ok {
		t.Fatalf("expected sale committed, got %v %v", ok, err)
	}
	if ok, err := svc.Committed(ctx, "sale_never_persisted"); err != nil || ok {
		t.Fatalf("expected unknown operation uncommitted, got %v %v", ok, err)
	}

	ret, err := svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		SaleID:       sale.ID,
		Type:         domain.ReturnTypeReturn,
		Reason:       domain.ReasonDefective,
		RefundMethod: domain.RefundSamePayment,
		Lines:        []domain.ReturnLineRequest{{SaleLineNo: 1, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("create return failed: %v", err)
	}
	if ok, _ := svc.Committed(ctx, ret.ID); ok {
		t.Fatalf("pending return must not count as committed")
	}
}

func TestCommittedResolvesExchangeHolds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: "PRD-TEE-M", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	ret, err := svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		SaleID:        sale.ID,
		Type:          domain.ReturnTypeExchange,
		Reason:        domain.ReasonWrongSize,
		ExchangeLines: []domain.ExchangeLineRequest{{SaleLineNo: 1, ReplacementProductID: "PRD-TEE-L", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("create exchange failed: %v", err)
	}
	if _, err := svc.ApproveReturn(adminCtx(), ret.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	done, err := svc.CompleteReturn(adminCtx(), ret.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if ok, err := svc.Committed(ctx, done.ReplacementHold); err != nil || !ok {
		t.Fatalf("expected current hold committed, got %v %v", ok, err)
	}
	if ok, _ := svc.Committed(ctx, returns.HoldID(done.ID, done.HoldAttempts+1)); ok {
		t.Fatalf("a hold the exchange never used must not count as committed")
	}
	if ok, _ := svc.Committed(ctx, done.ID); ok {
		t.Fatalf("a bare return id owns no reservation")
	}
}

func TestSweeperReleasesAbandonedReservation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.stock.Reserve(ctx, "PRD-TEE-L", "sale_abandoned", 5, ""); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	res, err := repo.GetReservation(ctx, "PRD-TEE-L", "sale_abandoned")
	if err != nil {
		t.Fatalf("reservation missing: %v", err)
	}
	if !res.ExpiresAt.After(time.Now()) {
		t.Fatalf("reservation should carry a lease")
	}

	// The sweep only sees expired leases, so nothing happens yet.
	result, err := svc.Sweeper(time.Second).SweepOnce(ctx)
	if err != nil || result.Released != 0 {
		t.Fatalf("unexpected early sweep: %+v %v", result, err)
	}
	level, _ := svc.Stock(ctx, "PRD-TEE-L")
	if level.Reserved != 5 {
		t.Fatalf("expected 5 reserved, got %d", level.Reserved)
	}
}
