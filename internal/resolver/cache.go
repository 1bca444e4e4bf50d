package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"DefiFlow/pkg/logger"
)

// Cached 在 Redis 中缓存解析成功的结果。缓存不可用时直接回源。
type Cached struct {
	next   Resolver
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// NewCached 包装 next，ttl 非正时使用十分钟。
func NewCached(next Resolver, client *redis.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{next: next, client: client, ttl: ttl, prefix: "defiflow:ens:", log: logger.Named("resolver")}
}

// Resolve implements Resolver.
func (c *Cached) Resolve(ctx context.Context, name string) (common.Address, error) {
	key := c.prefix + Normalize(name)
	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil && IsAddress(cached):
		return common.HexToAddress(cached), nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.log.Warn("读取解析缓存失败", "name", name, "error", err)
	}

	addr, err := c.next.Resolve(ctx, name)
	if err != nil {
		return common.Address{}, err
	}
	if err := c.client.Set(ctx, key, addr.Hex(), c.ttl).Err(); err != nil {
		c.log.Warn("写入解析缓存失败", "name", name, "error", err)
	}
	return addr, nil
}
