package engine

import (
	"time"

	"DefiFlow/internal/graph"
	"DefiFlow/internal/pipeline"
	"DefiFlow/internal/runlog"
)

// State 为运行状态。
type State string

const (
	StateIdle       State = "idle"
	StateMonitoring State = "monitoring"
	StateExecuting  State = "executing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"

	// stateStopped 只出现在运行记录中，表示监控被手动停止。
	stateStopped = "stopped"
)

// Terminal 判断是否为需要 Dismiss 的终态。
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// 执行进度文案
const (
	LabelInitializing = "Initializing Agent"
	LabelSwapping     = "Swapping Tokens"
	LabelBridging     = "Bridging Assets"
	LabelResolving    = "Resolving Recipients"
	LabelSettling     = "Settling Payroll"
	LabelComplete     = "Execution Complete"
)

func stepLabel(kind graph.Kind) string {
	switch kind {
	case graph.KindAction:
		return LabelSwapping
	case graph.KindBridge:
		return LabelBridging
	case graph.KindResolver:
		return LabelResolving
	case graph.KindTransfer:
		return LabelSettling
	}
	return string(kind)
}

// Snapshot 为运行状态的只读副本。
type Snapshot struct {
	RunID        string            `json:"run_id,omitempty"`
	State        State             `json:"state"`
	Session      string            `json:"session,omitempty"`
	EntryID      string            `json:"entry_id,omitempty"`
	GraphVersion uint64            `json:"graph_version,omitempty"`
	Price        float64           `json:"price"`
	PriceAt      time.Time         `json:"price_at,omitzero"`
	TriggerPrice float64           `json:"trigger_price,omitempty"`
	Step         int               `json:"step"`
	TotalSteps   int               `json:"total_steps"`
	StepLabel    string            `json:"step_label,omitempty"`
	TxHashes     []string          `json:"tx_hashes,omitempty"`
	SwapHash     string            `json:"swap_hash,omitempty"`
	BridgeHash   string            `json:"bridge_hash,omitempty"`
	PayrollHash  string            `json:"payroll_hash,omitempty"`
	Explorer     map[string]string `json:"explorer,omitempty"`
	Steps        []StepSummary     `json:"steps,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	Category     string            `json:"error_category,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	FiredAt      time.Time         `json:"fired_at,omitzero"`
	FinishedAt   time.Time         `json:"finished_at,omitzero"`
}

// StepSummary 为已完成步骤的摘要。
type StepSummary struct {
	NodeID       string        `json:"node_id"`
	Kind         graph.Kind    `json:"kind"`
	Label        string        `json:"label,omitempty"`
	Chain        string        `json:"chain,omitempty"`
	TxHash       string        `json:"tx_hash,omitempty"`
	ApprovalHash string        `json:"approval_hash,omitempty"`
	Amount       string        `json:"amount,omitempty"`
	Duration     time.Duration `json:"duration"`
}

func summarize(r *pipeline.StepResult) StepSummary {
	return StepSummary{
		NodeID:       r.NodeID,
		Kind:         r.Kind,
		Label:        r.Label,
		Chain:        r.Chain,
		TxHash:       r.TxHash,
		ApprovalHash: r.ApprovalHash,
		Amount:       r.Amount,
		Duration:     r.Duration,
	}
}

func (s Snapshot) clone() Snapshot {
	s.TxHashes = append([]string(nil), s.TxHashes...)
	s.Steps = append([]StepSummary(nil), s.Steps...)
	if s.Explorer != nil {
		links := make(map[string]string, len(s.Explorer))
		for k, v := range s.Explorer {
			links[k] = v
		}
		s.Explorer = links
	}
	return s
}

// record 将快照转换为运行记录，stateOverride 非空时替换状态。
func (s Snapshot) record(stateOverride string) runlog.Record {
	state := string(s.State)
	if stateOverride != "" {
		state = stateOverride
	}
	rec := runlog.Record{
		ID:            s.RunID,
		State:         state,
		EntryID:       s.EntryID,
		Session:       s.Session,
		GraphVersion:  s.GraphVersion,
		TriggerPrice:  s.TriggerPrice,
		TxHashes:      append([]string(nil), s.TxHashes...),
		SwapHash:      s.SwapHash,
		PayrollHash:   s.PayrollHash,
		Error:         s.Error,
		ErrorCode:     s.ErrorCode,
		ErrorCategory: s.Category,
		StartedAt:     s.StartedAt,
		FiredAt:       s.FiredAt,
		FinishedAt:    s.FinishedAt,
	}
	for _, st := range s.Steps {
		rec.Steps = append(rec.Steps, runlog.StepRecord{
			NodeID:       st.NodeID,
			Kind:         string(st.Kind),
			Label:        st.Label,
			Chain:        st.Chain,
			TxHash:       st.TxHash,
			ApprovalHash: st.ApprovalHash,
			Amount:       st.Amount,
			DurationMS:   st.Duration.Milliseconds(),
		})
	}
	return rec
}
