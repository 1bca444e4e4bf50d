package defiflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a workflow step. Config is kept raw because its shape depends on Kind.
type Node struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Label    string          `json:"label,omitempty"`
	Position Position        `json:"position"`
	Config   json.RawMessage `json:"config,omitempty"`
	Runtime  struct {
		Active bool   `json:"active"`
		Output string `json:"output,omitempty"`
	} `json:"runtime"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the full workflow.
type Graph struct {
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
	Version uint64 `json:"version,omitempty"`
}

// NodeSpec describes a node to add. An empty ID lets the server generate one.
type NodeSpec struct {
	Kind     string   `json:"kind"`
	ID       string   `json:"id,omitempty"`
	Label    string   `json:"label,omitempty"`
	Position Position `json:"position"`
	Config   any      `json:"config,omitempty"`
}

// Validation reports whether the current graph can be started.
type Validation struct {
	Valid   bool   `json:"valid"`
	EntryID string `json:"entry_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// IntentResult is the outcome of compiling a natural-language intent.
type IntentResult struct {
	Thought string `json:"thought"`
	Graph   Graph  `json:"graph"`
	Issue   string `json:"issue,omitempty"`
}

// RunStatus mirrors the engine snapshot.
type RunStatus struct {
	RunID        string            `json:"run_id,omitempty"`
	State        string            `json:"state"`
	Session      string            `json:"session,omitempty"`
	Price        float64           `json:"price"`
	TriggerPrice float64           `json:"trigger_price,omitempty"`
	Step         int               `json:"step"`
	TotalSteps   int               `json:"total_steps"`
	StepLabel    string            `json:"step_label,omitempty"`
	TxHashes     []string          `json:"tx_hashes,omitempty"`
	SwapHash     string            `json:"swap_hash,omitempty"`
	BridgeHash   string            `json:"bridge_hash,omitempty"`
	PayrollHash  string            `json:"payroll_hash,omitempty"`
	Explorer     map[string]string `json:"explorer,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	Category     string            `json:"error_category,omitempty"`
}

// RunRecord is one entry of the run history.
type RunRecord struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	TriggerPrice  float64   `json:"trigger_price,omitempty"`
	TxHashes      []string  `json:"tx_hashes,omitempty"`
	SwapHash      string    `json:"swap_hash,omitempty"`
	PayrollHash   string    `json:"payroll_hash,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorCategory string    `json:"error_category,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
}

// Price is the latest observed price.
type Price struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at,omitzero"`
}

// ChainStatus describes a configured chain.
type ChainStatus struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Event is a run lifecycle notification delivered over the event stream.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	RunID      string    `json:"run_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Previous   string    `json:"previous,omitempty"`
	Step       int       `json:"step,omitempty"`
	TotalSteps int       `json:"total_steps,omitempty"`
	Label      string    `json:"label,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("defiflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("defiflow api error (%d): %s", e.StatusCode, e.Message)
}
