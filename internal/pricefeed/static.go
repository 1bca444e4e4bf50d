package pricefeed

import (
	"context"
	"time"
)

// Static 按固定间隔依次回放给定价格，回放完毕后关闭。
type Static struct {
	Prices   []float64
	Interval time.Duration
	Symbol   string
}

// Subscribe implements Feed.
func (s Static) Subscribe(ctx context.Context) (<-chan Sample, error) {
	out := make(chan Sample)
	go func() {
		defer close(out)
		for i, p := range s.Prices {
			if i > 0 && s.Interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.Interval):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- Sample{Price: p, Symbol: s.Symbol, At: time.Now()}:
			}
		}
	}()
	return out, nil
}
