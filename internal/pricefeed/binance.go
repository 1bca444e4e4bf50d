package pricefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/pkg/logger"
)

// Binance 订阅逐笔成交流，例如 wss://stream.binance.com:9443/ws/ethusdt@trade。
type Binance struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger
}

// NewBinance 创建价格源，handshake 为握手超时。
func NewBinance(url string, handshake time.Duration) *Binance {
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	return &Binance{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: handshake},
		log:    logger.Named("pricefeed"),
	}
}

type trade struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Time   int64  `json:"T"`
}

// Subscribe implements Feed.
func (b *Binance) Subscribe(ctx context.Context) (<-chan Sample, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFeedFailed, err, "连接价格流失败")
	}

	out := make(chan Sample, 1)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	go func() {
		defer close(out)
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					b.log.Warn("价格流已断开", "url", b.url, "error", err)
				}
				return
			}
			var t trade
			if err := json.Unmarshal(msg, &t); err != nil {
				b.log.Debug("忽略无法解析的消息", "error", err)
				continue
			}
			price, err := strconv.ParseFloat(t.Price, 64)
			if err != nil || price <= 0 {
				continue
			}
			at := time.Now()
			if t.Time > 0 {
				at = time.UnixMilli(t.Time)
			}
			offer(out, Sample{Price: price, Symbol: t.Symbol, At: at})
		}
	}()
	return out, nil
}
