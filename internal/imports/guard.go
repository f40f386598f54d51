package imports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"posledger/internal/domain"
	"posledger/internal/metrics"
	"posledger/internal/store"
	"posledger/internal/syncx"
)

type StockLedger interface {
	Credit(ctx context.Context, productID string, operationID string, qty int, reference string) (*domain.Product, error)
	CreditAndRecord(ctx context.Context, productID string, operationID string, qty int, reference string, record domain.ImportRecord) (*domain.Product, error)
}

type Repository interface {
	store.ImportStore
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// Archive keeps a copy of every accepted document.
type Archive interface {
	Put(ctx context.Context, fingerprint string, doc domain.ImportDocument) error
}

// Guard applies supplier restock documents at most once per fingerprint.
type Guard struct {
	repo    Repository
	ledger  StockLedger
	archive Archive
	locks   *syncx.KeyedMutex
	logger  *zap.Logger
	metrics *metrics.Recorder
}

func NewGuard(repo Repository, ledger StockLedger, archive Archive, logger *zap.Logger, recorder *metrics.Recorder) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		repo:    repo,
		ledger:  ledger,
		archive: archive,
		locks:   syncx.NewKeyedMutex(),
		logger:  logger,
		metrics: recorder,
	}
}

// Accept credits every line of doc and records fingerprint. The record is
// written together with the last credit, so a failure part-way leaves no
// record and a retry with the same fingerprint completes the remaining lines
// without repeating the applied ones.
func (g *Guard) Accept(ctx context.Context, fingerprint string, doc domain.ImportDocument) (*domain.ImportRecord, error) {
	record, err := g.accept(ctx, fingerprint, doc)
	g.metrics.Import(err)
	return record, err
}

func (g *Guard) accept(ctx context.Context, fingerprint string, doc domain.ImportDocument) (*domain.ImportRecord, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		fingerprint = Fingerprint(doc)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(fingerprint)
	defer unlock()

	if _, err := g.repo.GetImportRecord(ctx, fingerprint); err == nil {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, store.ErrDuplicateImport)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	productIDs := make([]string, len(doc.Lines))
	units := 0
	for i, line := range doc.Lines {
		product, err := g.resolveProduct(ctx, line)
		if err != nil {
			return nil, fmt.Errorf("import line %d: %w", i+1, err)
		}
		productIDs[i] = product.ID
		units += line.Qty
	}

	reference := "import " + strings.TrimSpace(doc.SupplierID) + "/" + strings.TrimSpace(doc.DocumentNumber)
	record := domain.ImportRecord{
		Fingerprint:    fingerprint,
		Status:         domain.ImportStatusAccepted,
		SupplierID:     strings.TrimSpace(doc.SupplierID),
		DocumentNumber: strings.TrimSpace(doc.DocumentNumber),
		LineCount:      len(doc.Lines),
		UnitsCredited:  units,
		CreatedAt:      time.Now().UTC(),
	}

	last := len(doc.Lines) - 1
	for i, line := range doc.Lines {
		operationID := fingerprint + "/" + strconv.Itoa(i)
		var err error
		if i == last {
			_, err = g.ledger.CreditAndRecord(ctx, productIDs[i], operationID, line.Qty, reference, record)
		} else {
			_, err = g.ledger.Credit(ctx, productIDs[i], operationID, line.Qty, reference)
		}
		if errors.Is(err, store.ErrDuplicateImport) {
			return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, store.ErrDuplicateImport)
		}
		if err != nil {
			return nil, fmt.Errorf("import line %d: %w", i+1, err)
		}
	}

	if g.archive != nil {
		if err := g.archive.Put(ctx, fingerprint, doc); err != nil {
			g.logger.Warn("import archive failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		}
	}
	g.logger.Info("import accepted",
		zap.String("fingerprint", fingerprint),
		zap.String("supplier_id", record.SupplierID),
		zap.String("document_number", record.DocumentNumber),
		zap.Int("units", units),
	)
	return &record, nil
}

func validate(doc domain.ImportDocument) error {
	if len(doc.Lines) == 0 {
		return fmt.Errorf("import has no lines: %w", store.ErrInvalidLine)
	}
	for i, line := range doc.Lines {
		if line.Qty <= 0 {
			return fmt.Errorf("import line %d: quantity must be positive: %w", i+1, store.ErrInvalidLine)
		}
		if strings.TrimSpace(line.ProductID) == "" && strings.TrimSpace(line.Barcode) == "" {
			return fmt.Errorf("import line %d: product id or barcode required: %w", i+1, store.ErrInvalidLine)
		}
		if line.PriceCents < 0 {
			return fmt.Errorf("import line %d: price must not be negative: %w", i+1, store.ErrInvalidLine)
		}
	}
	return nil
}

func (g *Guard) resolveProduct(ctx context.Context, line domain.ImportLine) (*domain.Product, error) {
	if id := strings.TrimSpace(line.ProductID); id != "" {
		product, err := g.repo.GetProduct(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrInvalidLine)
		}
		return product, err
	}

	barcode := strings.TrimSpace(line.Barcode)
	product, err := g.repo.GetProductByBarcode(ctx, barcode)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return product, err
	}

	name := strings.TrimSpace(line.Name)
	if name == "" {
		name = barcode
	}
	product, err = g.repo.CreateProduct(ctx, domain.Product{
		Barcode:    barcode,
		Name:       name,
		PriceCents: line.PriceCents,
		Status:     domain.ProductStatusActive,
	})
	if errors.Is(err, store.ErrDuplicateOperation) {
		return g.repo.GetProductByBarcode(ctx, barcode)
	}
	return product, err
}

// Fingerprint derives a stable identity for a supplier document from its
// logical content, so re-serialising the same document yields the same value.
func Fingerprint(doc domain.ImportDocument) string {
	lines := make([]string, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		key := strings.TrimSpace(line.Barcode)
		if key == "" {
			key = "id:" + strings.TrimSpace(line.ProductID)
		}
		lines = append(lines, fmt.Sprintf("%s|%d|%d", key, line.Qty, line.PriceCents))
	}
	sort.Strings(lines)

	// The calendar date printed on the document, in the offset it was
	// written with.
	date := ""
	if !doc.EmissionDate.IsZero() {
		date = doc.EmissionDate.Format("2006-01-02")
	}
	h := sha256.New()
	fmt.Fprintf(h, "supplier=%s\n", strings.ToLower(strings.TrimSpace(doc.SupplierID)))
	fmt.Fprintf(h, "document=%s\n", strings.ToUpper(strings.TrimSpace(doc.DocumentNumber)))
	fmt.Fprintf(h, "date=%s\n", date)
	for _, line := range lines {
		fmt.Fprintf(h, "line=%s\n", line)
	}
	return hex.EncodeToString(h.Sum(nil))
}
