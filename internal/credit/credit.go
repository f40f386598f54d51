package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"posledger/internal/domain"
	"posledger/internal/metrics"
	"posledger/internal/store"
	"posledger/internal/syncx"
)

// BalanceCache stores folded balances together with the log position they
// were folded at.
type BalanceCache interface {
	GetBalance(ctx context.Context, customerID string) (domain.StoreCreditAccount, bool, error)
	SetBalance(ctx context.Context, account domain.StoreCreditAccount) error
}

// Ledger is the per-customer store-credit log. Balances are always a fold of
// the log; the cache is trusted only while its seq matches the log.
type Ledger struct {
	repo    store.CreditStore
	cache   BalanceCache
	locks   *syncx.KeyedMutex
	retry   syncx.RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Recorder
}

func New(repo store.CreditStore, cache BalanceCache, retry syncx.RetryPolicy, logger *zap.Logger, recorder *metrics.Recorder) *Ledger {
	if retry.Attempts < 1 {
		retry = syncx.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		repo:    repo,
		cache:   cache,
		locks:   syncx.NewKeyedMutex(),
		retry:   retry,
		logger:  logger,
		metrics: recorder,
	}
}

// Fold computes the account state from a transaction log.
func Fold(customerID string, log []domain.StoreCreditTransaction) domain.StoreCreditAccount {
	account := domain.StoreCreditAccount{CustomerID: customerID}
	for _, tx := range log {
		switch tx.Type {
		case domain.CreditTypeCredit:
			account.BalanceCents += tx.AmountCents
		case domain.CreditTypeDebit:
			account.BalanceCents -= tx.AmountCents
		}
		if tx.Seq > account.Seq {
			account.Seq = tx.Seq
		}
	}
	return account
}

func (l *Ledger) Credit(ctx context.Context, customerID string, amountCents int64, reference string, idempotencyKey string) (*domain.StoreCreditTransaction, error) {
	return l.append(ctx, domain.CreditTypeCredit, customerID, amountCents, reference, idempotencyKey)
}

// Debit fails with store.ErrInsufficientCredit when amountCents exceeds the
// balance; the log is left untouched in that case.
func (l *Ledger) Debit(ctx context.Context, customerID string, amountCents int64, reference string, idempotencyKey string) (*domain.StoreCreditTransaction, error) {
	return l.append(ctx, domain.CreditTypeDebit, customerID, amountCents, reference, idempotencyKey)
}

func (l *Ledger) append(ctx context.Context, kind domain.CreditType, customerID string, amountCents int64, reference string, idempotencyKey string) (*domain.StoreCreditTransaction, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("store credit %s: customer required: %w", kind, store.ErrInvalidInput)
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("store credit %s: amount must be positive: %w", kind, store.ErrInvalidInput)
	}

	started := time.Now()
	tx, account, err := l.appendLocked(ctx, kind, customerID, amountCents, reference, idempotencyKey)
	if errors.Is(err, store.ErrVersionConflict) {
		err = fmt.Errorf("customer %s: %w", customerID, store.ErrConcurrentModification)
	}
	l.metrics.Observe("store_credit", string(kind), err, time.Since(started))
	if err != nil {
		return nil, err
	}
	if account != nil && l.cache != nil {
		if cerr := l.cache.SetBalance(ctx, *account); cerr != nil {
			l.logger.Warn("store credit cache update failed", zap.String("customer_id", customerID), zap.Error(cerr))
		}
	}
	return tx, nil
}

func (l *Ledger) appendLocked(ctx context.Context, kind domain.CreditType, customerID string, amountCents int64, reference string, idempotencyKey string) (*domain.StoreCreditTransaction, *domain.StoreCreditAccount, error) {
	unlock := l.locks.Lock(customerID)
	defer unlock()

	var result *domain.StoreCreditTransaction
	var account *domain.StoreCreditAccount
	err := syncx.Retry(ctx, l.retry, isConflict, func() error {
		if idempotencyKey != "" {
			existing, err := l.repo.FindCreditTransactionByKey(ctx, customerID, idempotencyKey)
			if err == nil {
				result, account = existing, nil
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		log, err := l.repo.ListCreditTransactions(ctx, customerID)
		if err != nil {
			return err
		}
		current := Fold(customerID, log)
		next := current
		if kind == domain.CreditTypeDebit {
			if amountCents > current.BalanceCents {
				return fmt.Errorf("customer %s: balance %d, requested %d: %w", customerID, current.BalanceCents, amountCents, store.ErrInsufficientCredit)
			}
			next.BalanceCents -= amountCents
		} else {
			next.BalanceCents += amountCents
		}

		tx, err := l.repo.AppendCreditTransaction(ctx, domain.StoreCreditTransaction{
			CustomerID:     customerID,
			Type:           kind,
			AmountCents:    amountCents,
			Reference:      reference,
			IdempotencyKey: idempotencyKey,
		}, current.Seq)
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			l.metrics.Conflict("store_credit")
			return err
		case errors.Is(err, store.ErrDuplicateOperation):
			existing, ferr := l.repo.FindCreditTransactionByKey(ctx, customerID, idempotencyKey)
			if ferr != nil {
				return ferr
			}
			result, account = existing, nil
			return nil
		case err != nil:
			return err
		}
		next.Seq = tx.Seq
		result, account = tx, &next
		return nil
	})
	return result, account, err
}

func (l *Ledger) Balance(ctx context.Context, customerID string) (domain.StoreCreditAccount, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.StoreCreditAccount{}, fmt.Errorf("store credit balance: customer required: %w", store.ErrInvalidInput)
	}

	if l.cache != nil {
		seq, err := l.repo.LatestCreditSeq(ctx, customerID)
		if err != nil {
			return domain.StoreCreditAccount{}, err
		}
		cached, ok, err := l.cache.GetBalance(ctx, customerID)
		if err != nil {
			l.logger.Warn("store credit cache read failed", zap.String("customer_id", customerID), zap.Error(err))
		} else if ok && cached.Seq == seq {
			return cached, nil
		}
	}

	log, err := l.repo.ListCreditTransactions(ctx, customerID)
	if err != nil {
		return domain.StoreCreditAccount{}, err
	}
	account := Fold(customerID, log)
	if l.cache != nil {
		if err := l.cache.SetBalance(ctx, account); err != nil {
			l.logger.Warn("store credit cache update failed", zap.String("customer_id", customerID), zap.Error(err))
		}
	}
	return account, nil
}

func (l *Ledger) History(ctx context.Context, customerID string) ([]domain.StoreCreditTransaction, error) {
	return l.repo.ListCreditTransactions(ctx, strings.TrimSpace(customerID))
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}
