// Package runlog keeps the history of runs: when monitoring started, when the
// trigger fired, which transactions were sent and how the run ended.
package runlog

import (
	"context"
	"time"
)

// StepRecord 为单个步骤的摘要。
type StepRecord struct {
	NodeID       string `json:"node_id"`
	Kind         string `json:"kind"`
	Label        string `json:"label,omitempty"`
	Chain        string `json:"chain,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	ApprovalHash string `json:"approval_hash,omitempty"`
	Amount       string `json:"amount,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// Record 为一次运行的记录。零值时间表示尚未发生。
type Record struct {
	ID            string       `json:"id"`
	State         string       `json:"state"`
	EntryID       string       `json:"entry_id,omitempty"`
	Session       string       `json:"session,omitempty"`
	GraphVersion  uint64       `json:"graph_version"`
	TriggerPrice  float64      `json:"trigger_price,omitempty"`
	Steps         []StepRecord `json:"steps,omitempty"`
	TxHashes      []string     `json:"tx_hashes,omitempty"`
	SwapHash      string       `json:"swap_hash,omitempty"`
	PayrollHash   string       `json:"payroll_hash,omitempty"`
	Error         string       `json:"error,omitempty"`
	ErrorCode     string       `json:"error_code,omitempty"`
	ErrorCategory string       `json:"error_category,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FiredAt       time.Time    `json:"fired_at,omitzero"`
	FinishedAt    time.Time    `json:"finished_at,omitzero"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Store 持久化运行记录，Save 以 ID 覆盖写入。
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List 按开始时间倒序返回最多 limit 条记录。
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// DefaultListLimit 为 List 未指定数量时的默认值。
const DefaultListLimit = 20

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func (r Record) clone() Record {
	r.Steps = append([]StepRecord(nil), r.Steps...)
	r.TxHashes = append([]string(nil), r.TxHashes...)
	return r
}
