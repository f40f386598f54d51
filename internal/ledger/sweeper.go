package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// OperationResolver reports whether the operation that owns a reservation
// reached its commit point, in which case the reservation must be rolled
// forward instead of released.
type OperationResolver interface {
	Committed(ctx context.Context, operationID string) (bool, error)
}

type SweepResult struct {
	Released  int
	Committed int
}

type Sweeper struct {
	ledger   *Ledger
	resolver OperationResolver
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewSweeper(ledger *Ledger, resolver OperationResolver, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		ledger:   ledger,
		resolver: resolver,
		interval: interval,
		batch:    200,
		logger:   logger,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("reservation sweep finished with errors", zap.Error(err))
			}
			if result.Released > 0 || result.Committed > 0 {
				s.logger.Info("reservation sweep",
					zap.Int("released", result.Released),
					zap.Int("committed", result.Committed),
				)
			}
		}
	}
}

// SweepOnce handles one batch of expired reservations.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	expired, err := s.ledger.repo.ListExpiredReservations(ctx, s.ledger.now(), s.batch)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, res := range expired {
		committed := false
		if s.resolver != nil {
			committed, err = s.resolver.Committed(ctx, res.OperationID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if committed {
			_, err = s.ledger.CommitDebit(ctx, res.ProductID, res.OperationID, 0, "")
			if err == nil {
				result.Committed++
				s.ledger.metrics.Swept("committed")
			}
		} else {
			_, err = s.ledger.ReleaseReservation(ctx, res.ProductID, res.OperationID)
			if err == nil {
				result.Released++
				s.ledger.metrics.Swept("released")
			}
		}
		if err != nil {
			s.logger.Warn("sweep reservation",
				zap.String("product_id", res.ProductID),
				zap.String("operation_id", res.OperationID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}
