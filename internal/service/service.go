package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"posledger/internal/credit"
	"posledger/internal/domain"
	"posledger/internal/imports"
	"posledger/internal/ledger"
	"posledger/internal/returns"
	"posledger/internal/sale"
	"posledger/internal/store"
	"posledger/internal/xid"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Engines struct {
	Stock   *ledger.Ledger
	Sales   *sale.Engine
	Returns *returns.Engine
	Credits *credit.Ledger
	Imports *imports.Guard
}

// Service is the actor-aware facade the HTTP layer talks to. It checks roles,
// writes the audit trail and delegates to the ledgers and engines.
type Service struct {
	repo    store.Repository
	stock   *ledger.Ledger
	sales   *sale.Engine
	returns *returns.Engine
	credits *credit.Ledger
	imports *imports.Guard
	logger  *zap.Logger
}

func New(repo store.Repository, engines Engines, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		stock:   engines.Stock,
		sales:   engines.Sales,
		returns: engines.Returns,
		credits: engines.Credits,
		imports: engines.Imports,
		logger:  logger,
	}
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.ID = strings.TrimSpace(req.ID)
	req.Barcode = strings.TrimSpace(req.Barcode)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.PriceCents < 0 || req.InitialStock < 0 || req.LowStockThreshold < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:                req.ID,
		Barcode:           req.Barcode,
		Name:              req.Name,
		PriceCents:        req.PriceCents,
		LowStockThreshold: req.LowStockThreshold,
		Status:            domain.ProductStatusActive,
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		stocked, err := s.stock.Credit(ctx, created.ID, "initial/"+created.ID, req.InitialStock, "initial stock")
		if err != nil {
			return domain.Product{}, err
		}
		created = stocked
	}

	s.logAudit(ctx, "product_create", "product", created.ID, map[string]any{
		"name":          created.Name,
		"price_cents":   created.PriceCents,
		"initial_stock": req.InitialStock,
	})
	return *created, nil
}

func (s *Service) Stock(ctx context.Context, productID string) (domain.StockLevel, error) {
	return s.stock.Stock(ctx, strings.TrimSpace(productID))
}

func (s *Service) Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	return s.stock.Movements(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	actor := actorOrSystem(ctx)
	created, err := s.sales.CreateSale(ctx, req, actor)
	if created != nil {
		s.logAudit(ctx, "sale_create", "sale", created.ID, map[string]any{
			"total_cents": created.TotalCents,
			"lines":       len(created.Lines),
			"oversell":    created.Oversell,
		})
	}
	if created == nil {
		return domain.Sale{}, err
	}
	// A non-nil error with a sale means it is committed and at least one
	// debit is left for the sweeper to roll forward.
	return *created, err
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	found, err := s.sales.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *found, nil
}

func (s *Service) CreateReturn(ctx context.Context, req domain.ReturnRequest) (domain.Return, error) {
	created, err := s.returns.Create(ctx, req, actorOrSystem(ctx))
	if err != nil {
		return domain.Return{}, err
	}
	s.logAudit(ctx, "return_create", "return", created.ID, map[string]any{
		"sale_id":       created.SaleID,
		"type":          created.Type,
		"reason":        created.Reason,
		"refund_method": created.RefundMethod,
		"refund_cents":  created.RefundAmountCents,
	})
	return *created, nil
}

func (s *Service) GetReturn(ctx context.Context, id string) (domain.Return, error) {
	found, err := s.returns.Get(ctx, id)
	if err != nil {
		return domain.Return{}, err
	}
	return *found, nil
}

type returnAction func(ctx context.Context, id string, actor domain.Actor) (*domain.Return, error)

func (s *Service) ApproveReturn(ctx context.Context, id string) (domain.Return, error) {
	return s.transitionReturn(ctx, "return_approve", id, s.returns.Approve)
}

func (s *Service) CompleteReturn(ctx context.Context, id string) (domain.Return, error) {
	return s.transitionReturn(ctx, "return_complete", id, s.returns.Complete)
}

func (s *Service) RejectReturn(ctx context.Context, id string) (domain.Return, error) {
	return s.transitionReturn(ctx, "return_reject", id, s.returns.Reject)
}

func (s *Service) transitionReturn(ctx context.Context, action string, id string, apply returnAction) (domain.Return, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.Return{}, err
	}
	updated, err := apply(ctx, id, actor)
	if err != nil {
		return domain.Return{}, err
	}
	s.logAudit(ctx, action, "return", updated.ID, map[string]any{
		"status":  updated.Status,
		"version": updated.Version,
	})
	return *updated, nil
}

func (s *Service) ImportRestock(ctx context.Context, req domain.ImportRequest) (domain.ImportRecord, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.ImportRecord{}, err
	}
	record, err := s.imports.Accept(ctx, req.Fingerprint, req.Document)
	if err != nil {
		return domain.ImportRecord{}, err
	}
	s.logAudit(ctx, "import_accept", "import", record.Fingerprint, map[string]any{
		"supplier_id":     record.SupplierID,
		"document_number": record.DocumentNumber,
		"units":           record.UnitsCredited,
	})
	return *record, nil
}

func (s *Service) CreditStatement(ctx context.Context, customerID string) (domain.StoreCreditStatement, error) {
	account, err := s.credits.Balance(ctx, customerID)
	if err != nil {
		return domain.StoreCreditStatement{}, err
	}
	history, err := s.credits.History(ctx, customerID)
	if err != nil {
		return domain.StoreCreditStatement{}, err
	}
	return domain.StoreCreditStatement{Account: account, Transactions: history}, nil
}

func (s *Service) DebitCredit(ctx context.Context, customerID string, req domain.CreditDebitRequest) (domain.StoreCreditTransaction, error) {
	tx, err := s.credits.Debit(ctx, customerID, req.AmountCents, strings.TrimSpace(req.Reference), strings.TrimSpace(req.IdempotencyKey))
	if err != nil {
		return domain.StoreCreditTransaction{}, err
	}
	s.logAudit(ctx, "store_credit_debit", "customer", tx.CustomerID, map[string]any{
		"amount_cents": tx.AmountCents,
		"reference":    tx.Reference,
		"seq":          tx.Seq,
	})
	return *tx, nil
}

// ListAuditLogs returns the entries of one UTC day, newest first. An empty
// date means today.
func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if trimmed := strings.TrimSpace(date); trimmed != "" {
		parsed, err := time.Parse("2006-01-02", trimmed)
		if err != nil {
			return nil, fmt.Errorf("date must be YYYY-MM-DD: %w", store.ErrInvalidInput)
		}
		day = parsed
	}
	return s.repo.ListAuditLogs(ctx, day, day.Add(24*time.Hour), limit)
}

// Committed reports whether the operation that owns a reservation reached
// its commit point: a persisted sale, or a completed exchange whose current
// replacement hold is operationID.
func (s *Service) Committed(ctx context.Context, operationID string) (bool, error) {
	if _, err := s.repo.GetSale(ctx, operationID); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	returnID, ok := returns.ReturnOfHold(operationID)
	if !ok {
		return false, nil
	}
	ret, err := s.repo.GetReturn(ctx, returnID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ret.Status == domain.ReturnCompleted && ret.ReplacementHold == operationID, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail map[string]any) {
	actor := actorOrSystem(ctx)

	var raw json.RawMessage
	if len(detail) > 0 {
		encoded, err := json.Marshal(detail)
		if err == nil {
			raw = encoded
		}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		Actor:      actor.Username,
		Role:       actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     raw,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("audit log write failed",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}
