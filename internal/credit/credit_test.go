package credit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/domain"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	"posledger/internal/syncx"
)

func newTestLedger(cache BalanceCache) *Ledger {
	return New(memory.New(), cache, syncx.RetryPolicy{Attempts: 5, InitialDelay: time.Millisecond}, nil, nil)
}

func TestCreditThenOverdrawIsRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(nil)

	_, err := l.Credit(ctx, "cust-1", 5000, "return ret_1", "")
	require.NoError(t, err)

	_, err = l.Debit(ctx, "cust-1", 7000, "sale", "")
	require.ErrorIs(t, err, store.ErrInsufficientCredit)

	account, err := l.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), account.BalanceCents)

	history, err := l.History(ctx, "cust-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDebitWithinBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(nil)

	_, err := l.Credit(ctx, "cust-1", 5000, "r1", "")
	require.NoError(t, err)
	tx, err := l.Debit(ctx, "cust-1", 5000, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tx.Seq)

	account, err := l.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.BalanceCents)
	assert.Equal(t, int64(2), account.Seq)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	l := newTestLedger(nil)
	_, err := l.Credit(context.Background(), "cust-1", 0, "", "")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = l.Debit(context.Background(), "cust-1", -5, "", "")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestIdempotencyKeyAppliesOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(nil)

	first, err := l.Credit(ctx, "cust-1", 2500, "return ret_9", "return:ret_9:refund")
	require.NoError(t, err)
	second, err := l.Credit(ctx, "cust-1", 2500, "return ret_9", "return:ret_9:refund")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	account, err := l.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), account.BalanceCents)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(nil)
	_, err := l.Credit(ctx, "cust-1", 1000, "seed", "")
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "cust-1", 100, "spend", "")
			if err == nil {
				ok.Add(1)
			} else if !errors.Is(err, store.ErrInsufficientCredit) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	account, err := l.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.BalanceCents)
}

func TestFold(t *testing.T) {
	account := Fold("c", []domain.StoreCreditTransaction{
		{Seq: 1, Type: domain.CreditTypeCredit, AmountCents: 900},
		{Seq: 2, Type: domain.CreditTypeDebit, AmountCents: 400},
		{Seq: 3, Type: domain.CreditTypeCredit, AmountCents: 100},
	})
	assert.Equal(t, int64(600), account.BalanceCents)
	assert.Equal(t, int64(3), account.Seq)
}

type mapCache struct {
	mu       sync.Mutex
	accounts map[string]domain.StoreCreditAccount
}

func (c *mapCache) GetBalance(_ context.Context, customerID string) (domain.StoreCreditAccount, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	account, ok := c.accounts[customerID]
	return account, ok, nil
}

func (c *mapCache) SetBalance(_ context.Context, account domain.StoreCreditAccount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[account.CustomerID] = account
	return nil
}

func TestBalanceIgnoresStaleCache(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{accounts: map[string]domain.StoreCreditAccount{}}
	l := newTestLedger(cache)

	_, err := l.Credit(ctx, "cust-1", 3000, "r1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StoreCreditAccount{CustomerID: "cust-1", BalanceCents: 3000, Seq: 1}, cache.accounts["cust-1"])

	// A cache entry that disagrees with the log position must not be served.
	cache.accounts["cust-1"] = domain.StoreCreditAccount{CustomerID: "cust-1", BalanceCents: 999999, Seq: 7}
	account, err := l.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), account.BalanceCents)
	assert.Equal(t, int64(1), cache.accounts["cust-1"].Seq)
}
