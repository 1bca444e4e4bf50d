package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布通道的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher 通过 PUBLISH 投递 JSON 事件。
type RedisPublisher struct {
	client  *redis.Client
	channel string
	owned   bool
}

// NewRedis 创建并校验 Redis 连接。
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	p := NewRedisFromClient(client, cfg.Channel)
	p.owned = true
	return p, nil
}

// NewRedisFromClient 复用已有客户端，Close 不会关闭它。
func NewRedisFromClient(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "defiflow:runs"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭自建的 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil || !p.owned {
		return nil
	}
	return p.client.Close()
}
