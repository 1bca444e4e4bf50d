// Package events publishes run lifecycle notifications to in-process
// subscribers and to external brokers.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type 为事件类型。
type Type string

const (
	TypeRunStarted    Type = "run.started"
	TypeRunStopped    Type = "run.stopped"
	TypeRunFired      Type = "run.fired"
	TypeRunStep       Type = "run.step"
	TypeRunSucceeded  Type = "run.succeeded"
	TypeRunFailed     Type = "run.failed"
	TypeRunDismissed  Type = "run.dismissed"
	TypeRunRejected   Type = "run.rejected"
	TypeGraphReplaced Type = "graph.replaced"
)

// Event 为一次运行状态变化的通知。
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	RunID        string    `json:"run_id,omitempty"`
	State        string    `json:"state,omitempty"`
	Previous     string    `json:"previous,omitempty"`
	Step         int       `json:"step,omitempty"`
	TotalSteps   int       `json:"total_steps,omitempty"`
	Label        string    `json:"label,omitempty"`
	NodeID       string    `json:"node_id,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Price        float64   `json:"price,omitempty"`
	GraphVersion uint64    `json:"graph_version,omitempty"`
	Error        string    `json:"error,omitempty"`
	Category     string    `json:"category,omitempty"`
	At           time.Time `json:"at"`
}

// New 创建带 ID 与时间戳的事件。
func New(t Type, runID string) Event {
	return Event{ID: uuid.NewString(), Type: t, RunID: runID, At: time.Now().UTC()}
}

// Publisher 投递事件。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Fanout 将事件投递给多个 Publisher，单个失败不影响其余。
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
