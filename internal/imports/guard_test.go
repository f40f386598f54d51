package imports

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/domain"
	"posledger/internal/ledger"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	"posledger/internal/syncx"
)

type memoryArchive struct {
	mu   sync.Mutex
	docs map[string]domain.ImportDocument
	err  error
}

func (a *memoryArchive) Put(_ context.Context, fingerprint string, doc domain.ImportDocument) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.docs == nil {
		a.docs = map[string]domain.ImportDocument{}
	}
	a.docs[fingerprint] = doc
	return nil
}

func newTestGuard(t *testing.T) (*Guard, *memory.Store, *ledger.Ledger, *memoryArchive) {
	t.Helper()
	repo := memory.New()
	l := ledger.New(repo, nil, ledger.Config{
		Oversell: domain.OversellReject,
		Lease:    time.Minute,
		Retry:    syncx.RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond},
	}, nil, nil)
	archive := &memoryArchive{}
	return NewGuard(repo, l, archive, nil, nil), repo, l, archive
}

func restockDoc() domain.ImportDocument {
	return domain.ImportDocument{
		SupplierID:     "Sup-Textil",
		DocumentNumber: "nf-1001",
		EmissionDate:   time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		Lines: []domain.ImportLine{
			{ProductID: "TEE-M", Qty: 10, PriceCents: 4500},
			{Barcode: "7891000", Name: "Beanie", Qty: 6, PriceCents: 2500},
		},
	}
}

func TestAcceptCreditsOnceAndRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	g, repo, l, archive := newTestGuard(t)
	_, err := repo.CreateProduct(ctx, domain.Product{ID: "TEE-M", Name: "Tee M", PriceCents: 4500, OnHand: -2})
	require.NoError(t, err)

	doc := restockDoc()
	record, err := g.Accept(ctx, "", doc)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(doc), record.Fingerprint)
	assert.Equal(t, 2, record.LineCount)
	assert.Equal(t, 16, record.UnitsCredited)
	assert.Equal(t, "Sup-Textil", record.SupplierID)

	tee, err := l.Stock(ctx, "TEE-M")
	require.NoError(t, err)
	assert.Equal(t, 8, tee.OnHand)
	assert.Equal(t, 0, tee.Debt)

	beanie, err := repo.GetProductByBarcode(ctx, "7891000")
	require.NoError(t, err)
	assert.Equal(t, "Beanie", beanie.Name)
	assert.Equal(t, 6, beanie.OnHand)
	assert.Equal(t, domain.ProductStatusActive, beanie.Status)

	_, err = g.Accept(ctx, "", doc)
	require.ErrorIs(t, err, store.ErrDuplicateImport)
	tee, err = l.Stock(ctx, "TEE-M")
	require.NoError(t, err)
	assert.Equal(t, 8, tee.OnHand)

	stored, err := repo.GetImportRecord(ctx, record.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusAccepted, stored.Status)
	assert.Contains(t, archive.docs, record.Fingerprint)
}

type failingLedger struct {
	*ledger.Ledger
	failOn string
}

func (f *failingLedger) Credit(ctx context.Context, productID string, operationID string, qty int, reference string) (*domain.Product, error) {
	if productID == f.failOn {
		f.failOn = ""
		return nil, errors.New("connection reset")
	}
	return f.Ledger.Credit(ctx, productID, operationID, qty, reference)
}

func TestAcceptResumesAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	_, repo, l, _ := newTestGuard(t)
	for _, id := range []string{"A", "B", "C"} {
		_, err := repo.CreateProduct(ctx, domain.Product{ID: id, Name: id, PriceCents: 100})
		require.NoError(t, err)
	}
	g := NewGuard(repo, &failingLedger{Ledger: l, failOn: "B"}, nil, nil, nil)
	doc := domain.ImportDocument{
		SupplierID:     "sup",
		DocumentNumber: "7",
		Lines: []domain.ImportLine{
			{ProductID: "A", Qty: 1},
			{ProductID: "B", Qty: 2},
			{ProductID: "C", Qty: 3},
		},
	}

	_, err := g.Accept(ctx, "fp-7", doc)
	require.Error(t, err)
	_, err = repo.GetImportRecord(ctx, "fp-7")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = g.Accept(ctx, "fp-7", doc)
	require.NoError(t, err)

	for id, want := range map[string]int{"A": 1, "B": 2, "C": 3} {
		level, err := l.Stock(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, level.OnHand, id)
	}
}

func TestConcurrentDuplicateImportsApplyOnce(t *testing.T) {
	ctx := context.Background()
	g, repo, l, _ := newTestGuard(t)
	_, err := repo.CreateProduct(ctx, domain.Product{ID: "TEE-M", Name: "Tee M", PriceCents: 4500})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Accept(ctx, "", restockDoc())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, store.ErrDuplicateImport)
	}
	assert.Equal(t, 1, accepted)
	tee, err := l.Stock(ctx, "TEE-M")
	require.NoError(t, err)
	assert.Equal(t, 10, tee.OnHand)
}

func TestAcceptSurvivesArchiveFailure(t *testing.T) {
	ctx := context.Background()
	g, repo, _, archive := newTestGuard(t)
	archive.err = errors.New("bucket unreachable")
	_, err := repo.CreateProduct(ctx, domain.Product{ID: "TEE-M", Name: "Tee M", PriceCents: 4500})
	require.NoError(t, err)

	_, err = g.Accept(ctx, "", restockDoc())
	require.NoError(t, err)
}

func TestAcceptValidation(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	tests := []struct {
		name string
		doc  domain.ImportDocument
		want error
	}{
		{name: "no lines", doc: domain.ImportDocument{SupplierID: "s"}, want: store.ErrInvalidLine},
		{name: "zero quantity", doc: domain.ImportDocument{Lines: []domain.ImportLine{{Barcode: "1", Qty: 0}}}, want: store.ErrInvalidLine},
		{name: "no identity", doc: domain.ImportDocument{Lines: []domain.ImportLine{{Name: "x", Qty: 1}}}, want: store.ErrInvalidLine},
		{name: "unknown product id", doc: domain.ImportDocument{Lines: []domain.ImportLine{{ProductID: "missing", Qty: 1}}}, want: store.ErrInvalidLine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Accept(context.Background(), "", tt.doc)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFingerprintIgnoresFormatting(t *testing.T) {
	a := restockDoc()
	b := restockDoc()
	b.SupplierID = "  sup-textil "
	b.DocumentNumber = "NF-1001"
	b.EmissionDate = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	b.Lines[0], b.Lines[1] = b.Lines[1], b.Lines[0]
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := restockDoc()
	c.Lines[0].Qty = 11
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))

	d := restockDoc()
	d.EmissionDate = d.EmissionDate.AddDate(0, 0, 1)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(d))
	assert.Len(t, Fingerprint(a), 64)
}

func TestFingerprintUsesTheDocumentsOwnDate(t *testing.T) {
	a := restockDoc()
	a.EmissionDate = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	b := restockDoc()
	b.EmissionDate = time.Date(2026, 3, 14, 0, 30, 0, 0, time.FixedZone("WIB", 7*60*60))
	require.Equal(t, "2026-03-13", b.EmissionDate.UTC().Format("2006-01-02"))
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}
