package cache

import (
	"context"

	"posledger/internal/domain"
)

type NoopBalanceCache struct{}

func (NoopBalanceCache) GetBalance(_ context.Context, _ string) (domain.StoreCreditAccount, bool, error) {
	return domain.StoreCreditAccount{}, false, nil
}

func (NoopBalanceCache) SetBalance(_ context.Context, _ domain.StoreCreditAccount) error {
	return nil
}
