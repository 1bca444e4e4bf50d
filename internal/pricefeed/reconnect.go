package pricefeed

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"DefiFlow/internal/observability/metrics"
	"DefiFlow/pkg/logger"
)

// Backoff 描述重连等待策略。
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff 为实时价格源的默认重连策略。
var DefaultBackoff = Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}

// Delay 返回第 attempt 次重试前的等待时间，带 ±20% 抖动。
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 || b.Initial <= 0 {
		return b.Initial
	}
	mul := b.Multiplier
	if mul < 1 {
		mul = 1
	}
	d := float64(b.Initial) * math.Pow(mul, float64(attempt-1))
	d *= 0.8 + rand.Float64()*0.4
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// Reconnecting 在底层价格源断开或订阅失败后按退避策略重新订阅。
// 返回的 channel 只在 ctx 结束时关闭；断开期间不产生样本。
type Reconnecting struct {
	feed    Feed
	backoff Backoff
	log     *slog.Logger
}

// NewReconnecting 包装 feed。
func NewReconnecting(feed Feed, backoff Backoff) *Reconnecting {
	return &Reconnecting{feed: feed, backoff: backoff, log: logger.Named("pricefeed")}
}

// Subscribe implements Feed.
func (r *Reconnecting) Subscribe(ctx context.Context) (<-chan Sample, error) {
	out := make(chan Sample, 1)
	go func() {
		defer close(out)
		attempt := 0
		for ctx.Err() == nil {
			if attempt > 0 {
				metrics.ObserveFeedReconnect()
				wait := r.backoff.Delay(attempt)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			samples, err := r.feed.Subscribe(ctx)
			if err != nil {
				attempt++
				r.log.Warn("价格源订阅失败，稍后重试", "attempt", attempt, "error", err)
				continue
			}
			received := r.drain(ctx, samples, out)
			if ctx.Err() != nil {
				return
			}
			if received {
				attempt = 1
			} else {
				attempt++
			}
			r.log.Warn("价格源已断开，稍后重连", "attempt", attempt)
		}
	}()
	return out, nil
}

// drain 转发样本直到底层 channel 关闭，返回期间是否收到过样本。
func (r *Reconnecting) drain(ctx context.Context, samples <-chan Sample, out chan Sample) bool {
	received := false
	for {
		select {
		case <-ctx.Done():
			return received
		case s, ok := <-samples:
			if !ok {
				return received
			}
			received = true
			offer(out, s)
		}
	}
}
