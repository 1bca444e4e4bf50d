package pricefeed

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/pkg/logger"
)

// Redis 从 Redis 频道接收价格，适合由外部行情服务统一推送。
type Redis struct {
	client  *redis.Client
	channel string
	symbol  string
}

// NewRedis 创建基于 pub/sub 的价格源。
func NewRedis(client *redis.Client, channel, symbol string) *Redis {
	return &Redis{client: client, channel: channel, symbol: symbol}
}

// Subscribe implements Feed.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Sample, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, xerrors.Wrap(xerrors.CodeFeedFailed, err, "订阅价格频道失败")
	}

	log := logger.Named("pricefeed")
	out := make(chan Sample, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					log.Warn("价格频道已关闭", "channel", r.channel)
					return
				}
				price, err := parsePrice([]byte(msg.Payload))
				if err != nil {
					log.Debug("忽略无法解析的价格", "payload", msg.Payload, "error", err)
					continue
				}
				offer(out, Sample{Price: price, Symbol: r.symbol, At: time.Now()})
			}
		}
	}()
	return out, nil
}
