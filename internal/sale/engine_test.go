package sale

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/alert"
	"posledger/internal/domain"
	"posledger/internal/ledger"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	"posledger/internal/syncx"
)

type fixture struct {
	repo   *memory.Store
	ledger *ledger.Ledger
	sink   *alert.MemorySink
	engine *Engine
}

func newFixture(t *testing.T, policy domain.OversellPolicy) fixture {
	t.Helper()
	repo := memory.New()
	sink := &alert.MemorySink{}
	pub := alert.NewPublisher(alert.Thresholds{LowStock: 1}, nil, nil, sink)
	l := ledger.New(repo, pub, ledger.Config{
		Oversell: policy,
		Lease:    time.Minute,
		Retry:    syncx.RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond},
	}, nil, nil)
	return fixture{repo: repo, ledger: l, sink: sink, engine: New(repo, l, nil, nil)}
}

func (f fixture) product(t *testing.T, id string, onHand int, price int64) {
	t.Helper()
	_, err := f.repo.CreateProduct(context.Background(), domain.Product{
		ID:         id,
		Barcode:    "bc-" + id,
		Name:       id,
		PriceCents: price,
		OnHand:     onHand,
	})
	require.NoError(t, err)
}

func (f fixture) stock(t *testing.T, id string) domain.StockLevel {
	t.Helper()
	level, err := f.ledger.Stock(context.Background(), id)
	require.NoError(t, err)
	return level
}

var cashier = domain.Actor{Username: "cashier", Role: "cashier"}

func TestRejectModeReleasesEveryReservationOnShortage(t *testing.T) {
	f := newFixture(t, domain.OversellReject)
	f.product(t, "A", 2, 1000)
	f.product(t, "B", 10, 500)

	_, err := f.engine.CreateSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{
			{ProductID: "B", Qty: 1},
			{ProductID: "A", Qty: 5},
		},
	}, cashier)
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Contains(t, err.Error(), "line 2")

	a, b := f.stock(t, "A"), f.stock(t, "B")
	assert.Equal(t, 2, a.OnHand)
	assert.Equal(t, 0, a.Reserved)
	assert.Equal(t, 10, b.OnHand)
	assert.Equal(t, 0, b.Reserved)
}

func TestAllowModeRecordsDebtAndNegativeAlert(t *testing.T) {
	f := newFixture(t, domain.OversellAllow)
	f.product(t, "A", 2, 1000)

	sale, err := f.engine.CreateSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: "A", Qty: 5}},
	}, cashier)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), sale.TotalCents)
	assert.Equal(t, domain.OversellAllow, sale.Oversell)

	a := f.stock(t, "A")
	assert.Equal(t, -3, a.OnHand)
	assert.Equal(t, 3, a.Debt)
	assert.Equal(t, 0, a.Reserved)

	var kinds []domain.AlertKind
	for _, al := range f.sink.Alerts() {
		if al.ProductID == "A" {
			kinds = append(kinds, al.Kind)
		}
	}
	assert.Contains(t, kinds, domain.AlertNegativeStock)
}

func TestRequestPolicyOverridesDefault(t *testing.T) {
	f := newFixture(t, domain.OversellReject)
	f.product(t, "A", 1, 1000)

	_, err := f.engine.CreateSale(context.Background(), domain.SaleRequest{
		Lines:    []domain.SaleLineRequest{{ProductID: "A", Qty: 2}},
		Oversell: domain.OversellAllow,
	}, cashier)
	require.NoError(t, err)
	assert.Equal(t, -1, f.stock(t, "A").OnHand)
}

func TestSaleTotalsAndDiscounts(t *testing.T) {
	tests := []struct {
		name          string
		discount      *domain.Discount
		discountCents int64
		total         int64
	}{
		{name: "none", discount: nil, discountCents: 0, total: 3500},
		{name: "percentage", discount: &domain.Discount{Type: domain.DiscountPercentage, Percent: decimal.RequireFromString("10")}, discountCents: 350, total: 3150},
		{name: "fractional percentage rounds", discount: &domain.Discount{Type: domain.DiscountPercentage, Percent: decimal.RequireFromString("12.5")}, discountCents: 438, total: 3062},
		{name: "absolute", discount: &domain.Discount{Type: domain.DiscountAbsolute, AmountCents: 500}, discountCents: 500, total: 3000},
		{name: "absolute floors at zero", discount: &domain.Discount{Type: domain.DiscountAbsolute, AmountCents: 9999}, discountCents: 3500, total: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.OversellReject)
			f.product(t, "A", 10, 1000)
			f.product(t, "B", 10, 500)

			sale, err := f.engine.CreateSale(context.Background(), domain.SaleRequest{
				Lines: []domain.SaleLineRequest{
					{ProductID: "A", Qty: 3},
					{Barcode: "bc-B", Qty: 1},
				},
				Discount: tt.discount,
			}, cashier)
			require.NoError(t, err)
			assert.Equal(t, int64(3500), sale.SubtotalCents)
			assert.Equal(t, tt.discountCents, sale.DiscountCents)
			assert.Equal(t, tt.total, sale.TotalCents)
		})
	}
}

func TestInvalidDiscountIsRejectedBeforeReserving(t *testing.T) {
	f := newFixture(t, domain.OversellReject)
	f.product(t, "A", 10, 1000)

	_, err := f.engine.CreateSale(context.Background(), domain.SaleRequest{
		Lines:    []domain.SaleLineRequest{{ProductID: "A", Qty: 1}},
		Discount: &domain.Discount{Type: domain.DiscountPercentage, Percent: decimal.RequireFromString("120")},
	}, cashier)
	require.ErrorIs(t, err, store.ErrInvalidInput)
	assert.Equal(t, 0, f.stock(t, "A").Reserved)
}

func TestInvalidLines(t *testing.T) {
	f := newFixture(t, domain.OversellReject)
	f.product(t, "A", 10, 1000)
	negative := int64(-1)

	tests := []struct {
		name  string
		lines []domain.SaleLineRequest
	}{
		{name: "no lines", lines: nil},
		{name: "zero quantity", lines: []domain.SaleLineRequest{{ProductID: "A", Qty: 0}}},
		{name: "negative price", lines: []domain.SaleLineRequest{{ProductID: "A", Qty: 1, UnitPriceCents: &negative}}},
		{name: "unknown barcode", lines: []domain.SaleLineRequest{{Barcode: "nope", Qty: 1}}},
		{name: "placeholder without price", lines: []domain.SaleLineRequest{{Barcode: "nope", Qty: 1, Placeholder: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateSale(context.Background(), domain.SaleRequest{Lines: tt.lines}, cashier)
			assert.ErrorIs(t, err, store.ErrInvalidLine)
		})
	}
	assert.Equal(t, 10, f.stock(t, "A").OnHand)
}

func TestPlaceholderProductIsCreated(t *testing.T) {
	f := newFixture(t, domain.OversellAllow)
	price := int64(1999)

	sale, err := f.engine.CreateSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{Barcode: "7890001", Name: "Scarf", Qty: 1, UnitPriceCents: &price, Placeholder: true}},
	}, cashier)
	require.NoError(t, err)
	require.Len(t, sale.Lines, 1)
	line := sale.Lines[0]
	assert.True(t, line.Placeholder)
	assert.Equal(t, price, line.UnitPriceCents)

	product, err := f.repo.GetProductByBarcode(context.Background(), "7890001")
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusUnregistered, product.Status)
	assert.Equal(t, line.ProductID, product.ID)
	assert.Equal(t, -1, product.OnHand)
}

func TestIdempotencyKeyReturnsOriginalSale(t *testing.T) {
	f := newFixture(t, domain.OversellReject)
	f.product(t, "A", 10, 1000)
	req := domain.SaleRequest{
		IdempotencyKey: "till-1-0001",
		Lines:          []domain.SaleLineRequest{{ProductID: "A", Qty: 2}, {ProductID: "A", Qty: 1}},
	}

	first, err := f.engine.CreateSale(context.Background(), req, cashier)
	require.NoError(t, err)
	second, err := f.engine.CreateSale(context.Background(), req, cashier)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 7, f.stock(t, "A").OnHand)

	movements, err := f.ledger.Movements(context.Background(), "A", 0)
	require.NoError(t, err)
	debits := 0
	for _, m := range movements {
		if m.Kind == domain.MovementDebit {
			debits++
			assert.Equal(t, 3, m.Qty)
		}
	}
	assert.Equal(t, 1, debits)
}

func TestAggregate(t *testing.T) {
	got := Aggregate([]LineQty{
		{LineNo: 1, ProductID: "A", Qty: 1},
		{LineNo: 2, ProductID: "B", Qty: 2},
		{LineNo: 3, ProductID: "A", Qty: 4},
	})
	assert.Equal(t, []LineQty{
		{LineNo: 1, ProductID: "A", Qty: 5},
		{LineNo: 2, ProductID: "B", Qty: 2},
	}, got)
}
