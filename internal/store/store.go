package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"posledger/internal/domain"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInsufficientCredit     = errors.New("insufficient store credit")
	ErrOverReturn             = errors.New("return quantity exceeds returnable quantity")
	ErrDuplicateImport        = errors.New("import already applied")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidLine            = errors.New("invalid line")
	ErrInvalidReturnState     = errors.New("invalid return state")
	ErrInvalidInput           = errors.New("invalid input")

	// ErrVersionConflict is returned by conditional writes whose expected
	// version no longer matches. Ledgers retry on it.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateOperation means the (entity, operation) pair was already applied.
	ErrDuplicateOperation = errors.New("operation already applied")
	// ErrReservationReleased means the operation reserved stock before and
	// that hold was released without being committed.
	ErrReservationReleased = errors.New("reservation already released")
)

type StockStore interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	ApplyStockWrite(ctx context.Context, write domain.StockWrite) (*domain.Product, error)
	FindMovement(ctx context.Context, productID string, operationID string, kind domain.MovementKind) (*domain.StockMovement, error)
	ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	GetReservation(ctx context.Context, productID string, operationID string) (*domain.Reservation, error)
	ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]domain.Reservation, error)
}

type SaleStore interface {
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
}

type ReturnStore interface {
	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	GetReturn(ctx context.Context, id string) (*domain.Return, error)
	// UpdateReturn persists ret when the stored version equals expectedVersion.
	UpdateReturn(ctx context.Context, ret domain.Return, expectedVersion int64) (*domain.Return, error)
	// GetReturnedQtyBySale sums approved and completed return quantities per
	// sale line, ignoring excludeReturnID.
	GetReturnedQtyBySale(ctx context.Context, saleID string, excludeReturnID string) (map[int]int, error)
	// ApproveReturn persists ret like UpdateReturn after re-checking its lines
	// against the sale inside the same write. Concurrent approvals of one
	// sale are serialised by the store.
	ApproveReturn(ctx context.Context, ret domain.Return, expectedVersion int64) (*domain.Return, error)
}

type CreditStore interface {
	// AppendCreditTransaction stores tx at position expectedSeq+1.
	AppendCreditTransaction(ctx context.Context, tx domain.StoreCreditTransaction, expectedSeq int64) (*domain.StoreCreditTransaction, error)
	ListCreditTransactions(ctx context.Context, customerID string) ([]domain.StoreCreditTransaction, error)
	FindCreditTransactionByKey(ctx context.Context, customerID string, key string) (*domain.StoreCreditTransaction, error)
	LatestCreditSeq(ctx context.Context, customerID string) (int64, error)
}

type ImportStore interface {
	GetImportRecord(ctx context.Context, fingerprint string) (*domain.ImportRecord, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	StockStore
	SaleStore
	ReturnStore
	CreditStore
	ImportStore
	AuditStore
	UserStore
}

// CheckReturnable fails with ErrOverReturn when lines ask for more than the
// sale still has returnable after already.
func CheckReturnable(sale domain.Sale, already map[int]int, lines []domain.ReturnLine) error {
	for _, line := range lines {
		sold, ok := sale.Line(line.SaleLineNo)
		if !ok {
			return fmt.Errorf("sale line %d does not exist: %w", line.SaleLineNo, ErrInvalidLine)
		}
		if remaining := sold.Qty - already[line.SaleLineNo]; line.Qty > remaining {
			return fmt.Errorf("sale line %d: %d returnable, %d requested: %w", line.SaleLineNo, remaining, line.Qty, ErrOverReturn)
		}
	}
	return nil
}
