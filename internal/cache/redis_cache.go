package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/terminal/internal/domain"
)

const lotKeyPrefix = "kasirinaja:lots:"

type RedisLotSnapshotCache struct {
	client *redis.Client
}

func NewRedisLotSnapshotCache(addr string, password string, db int) *RedisLotSnapshotCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisLotSnapshotCache{client: client}
}

func (c *RedisLotSnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisLotSnapshotCache) Close() error {
	return c.client.Close()
}

func (c *RedisLotSnapshotCache) GetLots(ctx context.Context, productID string) ([]domain.Lot, bool, error) {
	val, err := c.client.Get(ctx, lotKeyPrefix+productID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var lots []domain.Lot
	if err := json.Unmarshal([]byte(val), &lots); err != nil {
		return nil, false, err
	}
	return lots, true, nil
}

func (c *RedisLotSnapshotCache) SetLots(ctx context.Context, productID string, lots []domain.Lot, ttl time.Duration) error {
	payload, err := json.Marshal(lots)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, lotKeyPrefix+productID, payload, ttl).Err()
}

func (c *RedisLotSnapshotCache) DeleteLots(ctx context.Context, productIDs ...string) error {
	if len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, lotKeyPrefix+id)
	}
	return c.client.Del(ctx, keys...).Err()
}
