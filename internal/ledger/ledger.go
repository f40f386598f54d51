package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"posledger/internal/domain"
	"posledger/internal/metrics"
	"posledger/internal/store"
	"posledger/internal/syncx"
)

// Notifier receives every applied stock transition.
type Notifier interface {
	Notify(ctx context.Context, before domain.Product, after domain.Product) []domain.StockAlert
}

type Config struct {
	Oversell domain.OversellPolicy
	Lease    time.Duration
	Retry    syncx.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Oversell: domain.OversellReject,
		Lease:    5 * time.Minute,
		Retry:    syncx.DefaultRetryPolicy(),
	}
}

// Ledger is the single entry point for product stock mutations. Every
// mutation is keyed by (product, operation, kind) and applying the same key
// twice is a no-op.
type Ledger struct {
	repo     store.StockStore
	notifier Notifier
	cfg      Config
	locks    *syncx.KeyedMutex
	logger   *zap.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

func New(repo store.StockStore, notifier Notifier, cfg Config, logger *zap.Logger, recorder *metrics.Recorder) *Ledger {
	defaults := DefaultConfig()
	if !cfg.Oversell.Valid() {
		cfg.Oversell = defaults.Oversell
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaults.Lease
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = defaults.Retry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
		locks:    syncx.NewKeyedMutex(),
		logger:   logger,
		metrics:  recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Policy() domain.OversellPolicy {
	return l.cfg.Oversell
}

func (l *Ledger) policy(override domain.OversellPolicy) domain.OversellPolicy {
	if override.Valid() {
		return override
	}
	return l.cfg.Oversell
}

// Reserve holds qty units of a product for operationID until the reservation
// is committed, released or its lease runs out. Reserving again under an
// operation whose hold was released fails with store.ErrReservationReleased.
func (l *Ledger) Reserve(ctx context.Context, productID string, operationID string, qty int, policy domain.OversellPolicy) (*domain.Product, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("reserve %s: quantity must be positive: %w", productID, store.ErrInvalidLine)
	}
	mode := l.policy(policy)
	return l.apply(ctx, "reserve", productID, operationID, domain.MovementReserve, func(p domain.Product, res *domain.Reservation) (*domain.StockWrite, error) {
		if res != nil {
			return nil, nil
		}
		if mode == domain.OversellReject && p.Available() < qty {
			return nil, fmt.Errorf("product %s: available %d, requested %d: %w", p.ID, p.Available(), qty, store.ErrInsufficientStock)
		}
		now := l.now()
		return &domain.StockWrite{
			OnHand:   p.OnHand,
			Reserved: p.Reserved + qty,
			Movement: domain.StockMovement{Qty: qty},
			PutReservation: &domain.Reservation{
				OperationID: operationID,
				Qty:         qty,
				ExpiresAt:   now.Add(l.cfg.Lease),
				CreatedAt:   now,
			},
		}, nil
	})
}

// CommitDebit permanently removes qty units from on-hand stock. A reservation
// held by operationID is consumed; qty <= 0 means "the reserved quantity".
// Without a reservation it is a direct debit, checked against availability in
// reject mode.
func (l *Ledger) CommitDebit(ctx context.Context, productID string, operationID string, qty int, policy domain.OversellPolicy) (*domain.Product, error) {
	mode := l.policy(policy)
	return l.apply(ctx, "commit_debit", productID, operationID, domain.MovementDebit, func(p domain.Product, res *domain.Reservation) (*domain.StockWrite, error) {
		debit := qty
		reserved := p.Reserved
		if res != nil {
			if debit <= 0 {
				debit = res.Qty
			}
			reserved -= res.Qty
		} else {
			if debit <= 0 {
				return nil, fmt.Errorf("commit %s: no reservation and no quantity: %w", p.ID, store.ErrInvalidLine)
			}
			if mode == domain.OversellReject && p.Available() < debit {
				return nil, fmt.Errorf("product %s: available %d, requested %d: %w", p.ID, p.Available(), debit, store.ErrInsufficientStock)
			}
		}
		if reserved < 0 {
			reserved = 0
		}
		return &domain.StockWrite{
			OnHand:          p.OnHand - debit,
			Reserved:        reserved,
			Movement:        domain.StockMovement{Qty: debit},
			DropReservation: res != nil,
		}, nil
	})
}

// Credit adds qty units to on-hand stock. Outstanding debt is absorbed first
// because debt is the negative part of on-hand.
func (l *Ledger) Credit(ctx context.Context, productID string, operationID string, qty int, reference string) (*domain.Product, error) {
	return l.credit(ctx, "credit", productID, operationID, qty, reference, nil)
}

// CreditAndRecord credits stock and stores record in the same write. The
// write fails with store.ErrDuplicateImport when the fingerprint exists.
func (l *Ledger) CreditAndRecord(ctx context.Context, productID string, operationID string, qty int, reference string, record domain.ImportRecord) (*domain.Product, error) {
	return l.credit(ctx, "credit_and_record", productID, operationID, qty, reference, &record)
}

func (l *Ledger) credit(ctx context.Context, op string, productID string, operationID string, qty int, reference string, record *domain.ImportRecord) (*domain.Product, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("credit %s: quantity must be positive: %w", productID, store.ErrInvalidLine)
	}
	return l.apply(ctx, op, productID, operationID, domain.MovementCredit, func(p domain.Product, _ *domain.Reservation) (*domain.StockWrite, error) {
		return &domain.StockWrite{
			OnHand:       p.OnHand + qty,
			Reserved:     p.Reserved,
			Movement:     domain.StockMovement{Qty: qty, Reference: reference},
			ImportRecord: record,
		}, nil
	})
}

// ReleaseReservation gives back the units held by operationID. Releasing a
// reservation that does not exist is a no-op.
func (l *Ledger) ReleaseReservation(ctx context.Context, productID string, operationID string) (*domain.Product, error) {
	return l.apply(ctx, "release", productID, operationID, domain.MovementRelease, func(p domain.Product, res *domain.Reservation) (*domain.StockWrite, error) {
		if res == nil {
			return nil, nil
		}
		reserved := p.Reserved - res.Qty
		if reserved < 0 {
			reserved = 0
		}
		return &domain.StockWrite{
			OnHand:          p.OnHand,
			Reserved:        reserved,
			Movement:        domain.StockMovement{Qty: res.Qty},
			DropReservation: true,
		}, nil
	})
}

func (l *Ledger) Stock(ctx context.Context, productID string) (domain.StockLevel, error) {
	p, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	return p.StockLevel(), nil
}

func (l *Ledger) Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if _, err := l.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return l.repo.ListMovements(ctx, productID, limit)
}

type planFunc func(p domain.Product, res *domain.Reservation) (*domain.StockWrite, error)

func (l *Ledger) apply(ctx context.Context, op string, productID string, operationID string, kind domain.MovementKind, plan planFunc) (*domain.Product, error) {
	if productID == "" || operationID == "" {
		return nil, fmt.Errorf("%s: product and operation are required: %w", op, store.ErrInvalidLine)
	}
	started := time.Now()
	before, after, err := l.applyLocked(ctx, productID, operationID, kind, plan)
	if errors.Is(err, store.ErrVersionConflict) {
		err = fmt.Errorf("product %s: %w", productID, store.ErrConcurrentModification)
	}
	l.metrics.Observe("stock", op, err, time.Since(started))
	if err != nil {
		return nil, err
	}
	if after.Version != before.Version && l.notifier != nil {
		l.notifier.Notify(ctx, *before, *after)
	}
	return after, nil
}

func (l *Ledger) applyLocked(ctx context.Context, productID string, operationID string, kind domain.MovementKind, plan planFunc) (*domain.Product, *domain.Product, error) {
	unlock := l.locks.Lock(productID)
	defer unlock()

	var before, after *domain.Product
	err := syncx.Retry(ctx, l.cfg.Retry, isConflict, func() error {
		current, err := l.repo.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if _, err := l.repo.FindMovement(ctx, productID, operationID, kind); err == nil {
			if kind == domain.MovementReserve {
				if err := l.holdStillOpen(ctx, productID, operationID); err != nil {
					return err
				}
			}
			before, after = current, current
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		res, err := l.repo.GetReservation(ctx, productID, operationID)
		if errors.Is(err, store.ErrNotFound) {
			res = nil
		} else if err != nil {
			return err
		}

		write, err := plan(*current, res)
		if err != nil {
			return err
		}
		if write == nil {
			before, after = current, current
			return nil
		}
		write.ProductID = productID
		write.ExpectedVersion = current.Version
		write.Movement.ProductID = productID
		write.Movement.OperationID = operationID
		write.Movement.Kind = kind
		write.Movement.OnHandBefore = current.OnHand
		write.Movement.ReservedBefore = current.Reserved
		write.Movement.OnHandAfter = write.OnHand
		write.Movement.ReservedAfter = write.Reserved
		write.Movement.CreatedAt = l.now()

		updated, err := l.repo.ApplyStockWrite(ctx, *write)
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			l.metrics.Conflict("stock")
			l.logger.Debug("stock version conflict, retrying",
				zap.String("product_id", productID),
				zap.String("operation_id", operationID),
			)
			return err
		case errors.Is(err, store.ErrDuplicateOperation):
			latest, gerr := l.repo.GetProduct(ctx, productID)
			if gerr != nil {
				return gerr
			}
			before, after = latest, latest
			return nil
		case err != nil:
			return err
		}
		before, after = current, updated
		return nil
	})
	return before, after, err
}

// holdStillOpen accepts a repeated reserve only while its reservation is live
// or has been committed. A released hold cannot be taken again under the
// same operation.
func (l *Ledger) holdStillOpen(ctx context.Context, productID string, operationID string) error {
	if _, err := l.repo.GetReservation(ctx, productID, operationID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := l.repo.FindMovement(ctx, productID, operationID, domain.MovementDebit); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("product %s operation %s: %w", productID, operationID, store.ErrReservationReleased)
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}
