package pricefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted 每次订阅依次使用一段脚本：err 非空时订阅失败，否则回放 prices 后关闭。
type scripted struct {
	mu    sync.Mutex
	steps []scriptStep
	calls int
}

type scriptStep struct {
	err    error
	prices []float64
	hold   bool
}

func (s *scripted) Subscribe(ctx context.Context) (<-chan Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		return nil, errors.New("no more sessions")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	out := make(chan Sample, len(step.prices))
	for _, p := range step.prices {
		out <- Sample{Price: p}
	}
	if !step.hold {
		close(out)
		return out, nil
	}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func TestReconnectingResubscribesAfterDropAndFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inner := &scripted{steps: []scriptStep{
		{prices: []float64{2900}},
		{err: errors.New("dial tcp: connection refused")},
		{prices: []float64{3100}, hold: true},
	}}
	feed := NewReconnecting(inner, Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2})
	ch, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	var got []float64
	for len(got) < 2 {
		select {
		case s := <-ch:
			got = append(got, s.Price)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []float64{2900, 3100}, got)

	cancel()
	for range ch {
	}
	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, 3, inner.calls)
}

func TestReconnectingClosesOnlyWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := NewReconnecting(&scripted{}, Backoff{Initial: time.Millisecond, Max: time.Millisecond})
	ch, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		t.Fatalf("unexpected receive, open=%v", ok)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	d3 := b.Delay(3)
	assert.GreaterOrEqual(t, d3, 320*time.Millisecond)
	assert.LessOrEqual(t, d3, 480*time.Millisecond)
	assert.Equal(t, time.Second, b.Delay(20))
}
