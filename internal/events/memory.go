package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示 Broker 已关闭。
var ErrClosed = errors.New("event broker closed")

// Broker 为进程内事件总线，供 SSE 等订阅者使用。
// 订阅者跟不上时丢弃其最旧的未读事件。
type Broker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	history []Event
	keep    int
	closed  bool
}

// NewBroker 创建 Broker，keep 为保留的最近事件数。
func NewBroker(keep int) *Broker {
	if keep <= 0 {
		keep = 64
	}
	return &Broker{subs: make(map[int]chan Event), keep: keep}
}

// Publish implements Publisher.
func (b *Broker) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.keep {
		b.history = b.history[len(b.history)-b.keep:]
	}
	for _, ch := range b.subs {
		offer(ch, ev)
	}
	return nil
}

func offer(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe 返回事件通道与取消函数。
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	_, ch, cancel := b.SubscribeWithReplay(buffer, 0)
	return ch, cancel
}

// SubscribeWithReplay 在同一把锁内取出最近 replay 条历史并注册订阅，
// 历史与通道之间既不重复也不遗漏。replay 为 0 时不取历史。
func (b *Broker) SubscribeWithReplay(buffer, replay int) ([]Event, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return nil, ch, func() {}
	}
	var history []Event
	if replay > 0 {
		history = b.recentLocked(replay)
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return history, ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Recent 返回最近的事件，按发布顺序排列。
func (b *Broker) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked(limit)
}

func (b *Broker) recentLocked(limit int) []Event {
	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	return append([]Event(nil), b.history[start:]...)
}

// Close 关闭所有订阅。
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
