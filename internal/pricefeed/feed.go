// Package pricefeed adapts live price sources into a stream of samples. Each
// subscription is a fresh, non-restartable stream that ends when its context
// is cancelled or the source disconnects.
package pricefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Sample 为一次价格观测。
type Sample struct {
	Price  float64   `json:"price"`
	Symbol string    `json:"symbol,omitempty"`
	At     time.Time `json:"at"`
}

// Feed 为价格源。返回的 channel 在源断开或 ctx 结束时关闭。
type Feed interface {
	Subscribe(ctx context.Context) (<-chan Sample, error)
}

// offer 以最新值优先的方式投递：缓冲已满时丢弃最旧的样本。
func offer(out chan Sample, s Sample) {
	for {
		select {
		case out <- s:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// parsePrice 接受 {"price": 3000.5}、{"p": "3000.5"} 与裸数字三种载荷。
func parsePrice(payload []byte) (float64, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '{' {
		var msg struct {
			Price json.RawMessage `json:"price"`
			P     json.RawMessage `json:"p"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return 0, err
		}
		raw := msg.Price
		if len(raw) == 0 {
			raw = msg.P
		}
		if len(raw) == 0 {
			return 0, fmt.Errorf("payload has no price field")
		}
		return parsePrice(bytes.Trim(raw, `"`))
	}
	v, err := strconv.ParseFloat(string(bytes.Trim(payload, `"`)), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("price %v out of range", v)
	}
	return v, nil
}
