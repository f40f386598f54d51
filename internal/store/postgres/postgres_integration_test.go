package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"posledger/internal/domain"
	"posledger/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POSLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSLEDGER_TEST_DATABASE_URL to run postgres integration tests")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedProduct(t *testing.T, s *Store, onHand int) domain.Product {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("PRD-IT-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM reservations WHERE product_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	})
	created, err := s.CreateProduct(ctx, domain.Product{ID: id, Name: "Kemeja IT", PriceCents: 15000000, OnHand: onHand})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return *created
}

func TestApplyStockWriteIsVersionConditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 10)

	write := domain.StockWrite{
		ProductID:       p.ID,
		ExpectedVersion: p.Version,
		OnHand:          10,
		Reserved:        4,
		Movement: domain.StockMovement{
			OperationID: "sale_it_1", Kind: domain.MovementReserve, Qty: 4,
			OnHandBefore: 10, OnHandAfter: 10, ReservedBefore: 0, ReservedAfter: 4,
		},
		PutReservation: &domain.Reservation{OperationID: "sale_it_1", Qty: 4, ExpiresAt: time.Now().Add(-time.Second)},
	}
	updated, err := s.ApplyStockWrite(ctx, write)
	if err != nil {
		t.Fatalf("apply write: %v", err)
	}
	if updated.Version != p.Version+1 || updated.Reserved != 4 {
		t.Fatalf("unexpected product after write: %+v", updated)
	}

	if _, err := s.ApplyStockWrite(ctx, write); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict on stale write, got %v", err)
	}

	write.ExpectedVersion = updated.Version
	if _, err := s.ApplyStockWrite(ctx, write); !errors.Is(err, store.ErrDuplicateOperation) {
		t.Fatalf("expected duplicate movement, got %v", err)
	}
	current, err := s.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if current.Version != updated.Version {
		t.Fatalf("rejected duplicate must not bump version: %d vs %d", current.Version, updated.Version)
	}

	expired, err := s.ListExpiredReservations(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	found := false
	for _, res := range expired {
		if res.ProductID == p.ID && res.OperationID == "sale_it_1" && res.Qty == 4 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected expired reservation for %s", p.ID)
	}
}

func TestApplyStockWriteRejectsDuplicateImport(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 0)
	fingerprint := fmt.Sprintf("fp-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM import_records WHERE fingerprint = $1`, fingerprint)
	})

	record := &domain.ImportRecord{Fingerprint: fingerprint, Status: domain.ImportStatusAccepted, SupplierID: "sup", DocumentNumber: "NF-1", LineCount: 1, UnitsCredited: 3}
	first, err := s.ApplyStockWrite(ctx, domain.StockWrite{
		ProductID: p.ID, ExpectedVersion: p.Version, OnHand: 3,
		Movement:     domain.StockMovement{OperationID: fingerprint + "/0", Kind: domain.MovementCredit, Qty: 3, OnHandAfter: 3},
		ImportRecord: record,
	})
	if err != nil {
		t.Fatalf("first import write: %v", err)
	}

	_, err = s.ApplyStockWrite(ctx, domain.StockWrite{
		ProductID: p.ID, ExpectedVersion: first.Version, OnHand: 6,
		Movement:     domain.StockMovement{OperationID: fingerprint + "/again", Kind: domain.MovementCredit, Qty: 3, OnHandBefore: 3, OnHandAfter: 6},
		ImportRecord: record,
	})
	if !errors.Is(err, store.ErrDuplicateImport) {
		t.Fatalf("expected duplicate import, got %v", err)
	}
	current, _ := s.GetProduct(ctx, p.ID)
	if current.OnHand != 3 {
		t.Fatalf("duplicate import must roll back the stock change, on hand %d", current.OnHand)
	}
}

func TestAppendCreditTransactionSerializesPerCustomer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	customerID := fmt.Sprintf("cust-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM store_credit_transactions WHERE customer_id = $1`, customerID)
	})

	const writers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendCreditTransaction(ctx, domain.StoreCreditTransaction{
				CustomerID:  customerID,
				Type:        domain.CreditTypeCredit,
				AmountCents: 1000,
				Reference:   fmt.Sprintf("writer-%d", i),
			}, 0)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrVersionConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one append at seq 1, got %d", succeeded)
	}
	seq, err := s.LatestCreditSeq(ctx, customerID)
	if err != nil || seq != 1 {
		t.Fatalf("expected latest seq 1, got %d %v", seq, err)
	}

	if _, err := s.AppendCreditTransaction(ctx, domain.StoreCreditTransaction{
		CustomerID: customerID, Type: domain.CreditTypeDebit, AmountCents: 500, IdempotencyKey: "k1",
	}, 1); err != nil {
		t.Fatalf("keyed append: %v", err)
	}
	if _, err := s.AppendCreditTransaction(ctx, domain.StoreCreditTransaction{
		CustomerID: customerID, Type: domain.CreditTypeDebit, AmountCents: 500, IdempotencyKey: "k1",
	}, 2); !errors.Is(err, store.ErrDuplicateOperation) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
}

func TestReturnDocumentRoundTripAndReturnedQty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	saleID := fmt.Sprintf("sale_it_%d", stamp)
	retID := fmt.Sprintf("ret_it_%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM returns WHERE id = $1`, retID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
	})

	if _, err := s.CreateSale(ctx, domain.Sale{
		ID:    saleID,
		Lines: []domain.SaleLine{{LineNo: 1, ProductID: "PRD-X", Qty: 3, UnitPriceCents: 1000, LineTotalCents: 3000}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	ret, err := s.CreateReturn(ctx, domain.Return{
		ID: retID, SaleID: saleID, Status: domain.ReturnPending,
		Lines: []domain.ReturnLine{{SaleLineNo: 1, ProductID: "PRD-X", Qty: 2}},
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}

	qty, err := s.GetReturnedQtyBySale(ctx, saleID, "")
	if err != nil || len(qty) != 0 {
		t.Fatalf("pending returns must not count: %v %v", qty, err)
	}

	ret.Status = domain.ReturnApproved
	updated, err := s.UpdateReturn(ctx, *ret, ret.Version)
	if err != nil {
		t.Fatalf("update return: %v", err)
	}
	if _, err := s.UpdateReturn(ctx, *ret, ret.Version); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	qty, err = s.GetReturnedQtyBySale(ctx, saleID, "")
	if err != nil || qty[1] != 2 {
		t.Fatalf("expected 2 returned on line 1, got %v %v", qty, err)
	}
	qty, _ = s.GetReturnedQtyBySale(ctx, saleID, updated.ID)
	if qty[1] != 0 {
		t.Fatalf("excluded return must not count, got %v", qty)
	}
}

func TestApproveReturnSerializesPerSale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	saleID := fmt.Sprintf("sale_it_appr_%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM returns WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
	})

	if _, err := s.CreateSale(ctx, domain.Sale{
		ID:    saleID,
		Lines: []domain.SaleLine{{LineNo: 1, ProductID: "PRD-X", Qty: 2, UnitPriceCents: 1000, LineTotalCents: 2000}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	const approvers = 4
	pending := make([]*domain.Return, approvers)
	for i := range pending {
		ret, err := s.CreateReturn(ctx, domain.Return{
			ID: fmt.Sprintf("ret_it_appr_%d_%d", stamp, i), SaleID: saleID, Status: domain.ReturnPending,
			Lines: []domain.ReturnLine{{SaleLineNo: 1, ProductID: "PRD-X", Qty: 2}},
		})
		if err != nil {
			t.Fatalf("create return: %v", err)
		}
		pending[i] = ret
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
	)
	for _, ret := range pending {
		wg.Add(1)
		go func(ret domain.Return) {
			defer wg.Done()
			expected := ret.Version
			ret.Status = domain.ReturnApproved
			_, err := s.ApproveReturn(ctx, ret, expected)
			if err == nil {
				mu.Lock()
				approved++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrOverReturn) {
				t.Errorf("unexpected error: %v", err)
			}
		}(*ret)
	}
	wg.Wait()

	if approved != 1 {
		t.Fatalf("expected exactly one approval, got %d", approved)
	}
	qty, err := s.GetReturnedQtyBySale(ctx, saleID, "")
	if err != nil || qty[1] != 2 {
		t.Fatalf("expected 2 returned on line 1, got %v %v", qty, err)
	}
}
