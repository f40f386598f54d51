package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posledger/internal/domain"
)

type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisBalanceCache(client *redis.Client, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisBalanceCache{client: client, ttl: ttl, prefix: "posledger:credit-balance:"}
}

func (c *RedisBalanceCache) GetBalance(ctx context.Context, customerID string) (domain.StoreCreditAccount, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+customerID).Result()
	if err == redis.Nil {
		return domain.StoreCreditAccount{}, false, nil
	}
	if err != nil {
		return domain.StoreCreditAccount{}, false, err
	}

	var account domain.StoreCreditAccount
	if err := json.Unmarshal([]byte(val), &account); err != nil {
		return domain.StoreCreditAccount{}, false, err
	}
	return account, true, nil
}

func (c *RedisBalanceCache) SetBalance(ctx context.Context, account domain.StoreCreditAccount) error {
	payload, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+account.CustomerID, payload, c.ttl).Err()
}
