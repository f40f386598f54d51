package sale

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/internal/domain"
	"posledger/internal/metrics"
	"posledger/internal/store"
	"posledger/internal/xid"
)

type StockLedger interface {
	Policy() domain.OversellPolicy
	Reserve(ctx context.Context, productID string, operationID string, qty int, policy domain.OversellPolicy) (*domain.Product, error)
	CommitDebit(ctx context.Context, productID string, operationID string, qty int, policy domain.OversellPolicy) (*domain.Product, error)
	ReleaseReservation(ctx context.Context, productID string, operationID string) (*domain.Product, error)
}

type Repository interface {
	store.SaleStore
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// LineQty is the stock quantity one operation takes from one product. LineNo
// points at the first request line that contributed to it.
type LineQty struct {
	LineNo    int
	ProductID string
	Qty       int
}

type Engine struct {
	repo    Repository
	ledger  StockLedger
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

func New(repo Repository, ledger StockLedger, logger *zap.Logger, recorder *metrics.Recorder) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:    repo,
		ledger:  ledger,
		logger:  logger,
		metrics: recorder,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) CreateSale(ctx context.Context, req domain.SaleRequest, actor domain.Actor) (*domain.Sale, error) {
	sale, err := e.createSale(ctx, req, actor)
	e.metrics.Sale(err)
	return sale, err
}

func (e *Engine) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return e.repo.GetSale(ctx, strings.TrimSpace(id))
}

func (e *Engine) createSale(ctx context.Context, req domain.SaleRequest, actor domain.Actor) (*domain.Sale, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := e.repo.FindSaleByIdempotencyKey(ctx, key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	policy := req.Oversell
	if policy == "" {
		policy = e.ledger.Policy()
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("oversell policy %q: %w", req.Oversell, store.ErrInvalidInput)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("sale has no lines: %w", store.ErrInvalidLine)
	}

	lines, err := e.resolveLines(ctx, req.Lines)
	if err != nil {
		return nil, err
	}

	var subtotal int64
	for _, line := range lines {
		subtotal += line.LineTotalCents
	}
	discountCents, err := discountAmount(req.Discount, subtotal)
	if err != nil {
		return nil, err
	}
	total := subtotal - discountCents
	if total < 0 {
		total = 0
	}

	sale := domain.Sale{
		ID:             xid.New("sale"),
		IdempotencyKey: key,
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Lines:          lines,
		SubtotalCents:  subtotal,
		Discount:       req.Discount,
		DiscountCents:  discountCents,
		TotalCents:     total,
		PaymentMethod:  strings.TrimSpace(req.PaymentMethod),
		Oversell:       policy,
		Cashier:        actor.Username,
		CreatedAt:      e.now(),
	}

	quantities := make([]LineQty, 0, len(lines))
	for _, line := range lines {
		quantities = append(quantities, LineQty{LineNo: line.LineNo, ProductID: line.ProductID, Qty: line.Qty})
	}
	quantities = Aggregate(quantities)

	if err := e.ReserveLines(ctx, sale.ID, quantities, policy); err != nil {
		return nil, err
	}

	created, err := e.repo.CreateSale(ctx, sale)
	if err != nil {
		if rerr := e.ReleaseLines(ctx, sale.ID, quantities); rerr != nil {
			e.logger.Warn("release after failed sale persist", zap.String("sale_id", sale.ID), zap.Error(rerr))
		}
		if key != "" && errors.Is(err, store.ErrDuplicateOperation) {
			return e.repo.FindSaleByIdempotencyKey(ctx, key)
		}
		return nil, err
	}

	// The sale exists from here on; a commit that fails is rolled forward by
	// the reservation sweeper.
	if err := e.CommitLines(ctx, created.ID, quantities, domain.OversellAllow); err != nil {
		e.logger.Error("sale commit incomplete", zap.String("sale_id", created.ID), zap.Error(err))
		return created, err
	}

	e.logger.Info("sale created",
		zap.String("sale_id", created.ID),
		zap.String("cashier", created.Cashier),
		zap.Int("lines", len(created.Lines)),
		zap.Int64("total_cents", created.TotalCents),
		zap.String("oversell", string(policy)),
	)
	return created, nil
}

type pendingPlaceholder struct {
	index   int
	barcode string
	name    string
	price   int64
}

func (e *Engine) resolveLines(ctx context.Context, reqs []domain.SaleLineRequest) ([]domain.SaleLine, error) {
	lines := make([]domain.SaleLine, len(reqs))
	var placeholders []pendingPlaceholder

	for i, req := range reqs {
		lineNo := i + 1
		if req.Qty <= 0 {
			return nil, fmt.Errorf("line %d: quantity must be positive: %w", lineNo, store.ErrInvalidLine)
		}
		if req.UnitPriceCents != nil && *req.UnitPriceCents < 0 {
			return nil, fmt.Errorf("line %d: price must not be negative: %w", lineNo, store.ErrInvalidLine)
		}

		product, err := e.lookupProduct(ctx, req)
		switch {
		case errors.Is(err, store.ErrNotFound):
			barcode := strings.TrimSpace(req.Barcode)
			if !req.Placeholder || barcode == "" || req.UnitPriceCents == nil {
				return nil, fmt.Errorf("line %d: unknown product: %w", lineNo, store.ErrInvalidLine)
			}
			name := strings.TrimSpace(req.Name)
			if name == "" {
				name = "Unregistered " + barcode
			}
			placeholders = append(placeholders, pendingPlaceholder{index: i, barcode: barcode, name: name, price: *req.UnitPriceCents})
			lines[i] = domain.SaleLine{LineNo: lineNo, Barcode: barcode, Name: name, Qty: req.Qty, Placeholder: true}
			continue
		case err != nil:
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if product.Status == domain.ProductStatusRemoved {
			return nil, fmt.Errorf("line %d: product %s is removed: %w", lineNo, product.ID, store.ErrInvalidLine)
		}

		price := product.PriceCents
		if req.UnitPriceCents != nil {
			price = *req.UnitPriceCents
		}
		lines[i] = domain.SaleLine{
			LineNo:         lineNo,
			ProductID:      product.ID,
			Barcode:        product.Barcode,
			Name:           product.Name,
			Qty:            req.Qty,
			UnitPriceCents: price,
			Placeholder:    product.Status == domain.ProductStatusUnregistered,
		}
	}

	// Placeholders are created only once every line is valid.
	for _, ph := range placeholders {
		product, err := e.placeholder(ctx, ph)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", ph.index+1, err)
		}
		lines[ph.index].ProductID = product.ID
		lines[ph.index].UnitPriceCents = ph.price
	}

	for i := range lines {
		lines[i].LineTotalCents = lines[i].UnitPriceCents * int64(lines[i].Qty)
	}
	return lines, nil
}

func (e *Engine) lookupProduct(ctx context.Context, req domain.SaleLineRequest) (*domain.Product, error) {
	if id := strings.TrimSpace(req.ProductID); id != "" {
		return e.repo.GetProduct(ctx, id)
	}
	if barcode := strings.TrimSpace(req.Barcode); barcode != "" {
		return e.repo.GetProductByBarcode(ctx, barcode)
	}
	return nil, store.ErrNotFound
}

func (e *Engine) placeholder(ctx context.Context, ph pendingPlaceholder) (*domain.Product, error) {
	product, err := e.repo.CreateProduct(ctx, domain.Product{
		Barcode:    ph.barcode,
		Name:       ph.name,
		PriceCents: ph.price,
		Status:     domain.ProductStatusUnregistered,
	})
	if errors.Is(err, store.ErrDuplicateOperation) {
		return e.repo.GetProductByBarcode(ctx, ph.barcode)
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info("placeholder product created", zap.String("product_id", product.ID), zap.String("barcode", product.Barcode))
	return product, nil
}

func discountAmount(discount *domain.Discount, subtotal int64) (int64, error) {
	if discount == nil {
		return 0, nil
	}
	var amount int64
	switch discount.Type {
	case domain.DiscountPercentage:
		if discount.Percent.IsNegative() || discount.Percent.GreaterThan(decimal.NewFromInt(100)) {
			return 0, fmt.Errorf("discount percent %s out of range: %w", discount.Percent, store.ErrInvalidInput)
		}
		amount = decimal.NewFromInt(subtotal).Mul(discount.Percent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	case domain.DiscountAbsolute:
		if discount.AmountCents < 0 {
			return 0, fmt.Errorf("discount amount must not be negative: %w", store.ErrInvalidInput)
		}
		amount = discount.AmountCents
	default:
		return 0, fmt.Errorf("discount type %q: %w", discount.Type, store.ErrInvalidInput)
	}
	if amount > subtotal {
		amount = subtotal
	}
	return amount, nil
}

// Aggregate merges quantities per product, keeping the first line number.
func Aggregate(lines []LineQty) []LineQty {
	out := make([]LineQty, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if i, ok := index[line.ProductID]; ok {
			out[i].Qty += line.Qty
			continue
		}
		index[line.ProductID] = len(out)
		out = append(out, line)
	}
	return out
}

// ReserveLines reserves every line under operationID. When one line fails
// the reservations already taken are released and the failing line is named.
func (e *Engine) ReserveLines(ctx context.Context, operationID string, lines []LineQty, policy domain.OversellPolicy) error {
	for i, line := range lines {
		if _, err := e.ledger.Reserve(ctx, line.ProductID, operationID, line.Qty, policy); err != nil {
			if rerr := e.ReleaseLines(ctx, operationID, lines[:i]); rerr != nil {
				e.logger.Warn("release after failed reserve",
					zap.String("operation_id", operationID),
					zap.Error(rerr),
				)
			}
			return fmt.Errorf("line %d: %w", line.LineNo, err)
		}
	}
	return nil
}

// CommitLines commits every line and reports all failures together.
func (e *Engine) CommitLines(ctx context.Context, operationID string, lines []LineQty, policy domain.OversellPolicy) error {
	var errs []error
	for _, line := range lines {
		if _, err := e.ledger.CommitDebit(ctx, line.ProductID, operationID, line.Qty, policy); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line.LineNo, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) ReleaseLines(ctx context.Context, operationID string, lines []LineQty) error {
	var errs []error
	for _, line := range lines {
		if _, err := e.ledger.ReleaseReservation(ctx, line.ProductID, operationID); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line.LineNo, err))
		}
	}
	return errors.Join(errs...)
}
