package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Config 为节点配置的封闭变体集合，每种 Kind 对应一个实现。
type Config interface {
	Kind() Kind
	// Missing 返回缺失或无法解析的必填字段名。
	Missing() []string
	clone() Config
}

// Number 兼容字符串与数字两种 JSON 写法，保留用户输入的原文。
type Number string

// UnmarshalJSON 接受 "3000"、3000 与 null。
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*n = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Number(s)
	default:
		if _, err := strconv.ParseFloat(string(b), 64); err != nil {
			return fmt.Errorf("invalid number %s", b)
		}
		*n = Number(b)
	}
	return nil
}

// Float 解析为有限浮点数。
func (n Number) Float() (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (n Number) positive() bool {
	f, ok := n.Float()
	return ok && f > 0
}

// Operator 为触发条件的比较符。
type Operator string

const (
	OperatorGreater Operator = ">"
	OperatorLess    Operator = "<"
)

// TriggerConfig 描述价格条件。
type TriggerConfig struct {
	Operator  Operator `json:"operator"`
	Threshold Number   `json:"threshold"`
	Asset     string   `json:"asset,omitempty"`
}

func (c *TriggerConfig) Kind() Kind { return KindTrigger }

func (c *TriggerConfig) Missing() []string {
	var out []string
	if c.Operator != OperatorGreater && c.Operator != OperatorLess {
		out = append(out, "operator")
	}
	if _, ok := c.Threshold.Float(); !ok {
		out = append(out, "threshold")
	}
	return out
}

func (c *TriggerConfig) clone() Config { cp := *c; return &cp }

// BridgeConfig 描述一次跨链合约调用。
type BridgeConfig struct {
	FromChain      string `json:"fromChain"`
	ToChain        string `json:"toChain"`
	FromToken      string `json:"fromToken"`
	ToToken        string `json:"toToken"`
	ContractTarget string `json:"contractTarget"`
	ContractData   string `json:"contractData"`
}

func (c *BridgeConfig) Kind() Kind { return KindBridge }

func (c *BridgeConfig) Missing() []string {
	var out []string
	for _, f := range []struct{ name, v string }{
		{"fromChain", c.FromChain},
		{"toChain", c.ToChain},
		{"fromToken", c.FromToken},
		{"toToken", c.ToToken},
	} {
		if strings.TrimSpace(f.v) == "" {
			out = append(out, f.name)
		}
	}
	if !common.IsHexAddress(c.ContractTarget) {
		out = append(out, "contractTarget")
	}
	if _, err := hexutil.Decode(c.ContractData); err != nil {
		out = append(out, "contractData")
	}
	return out
}

func (c *BridgeConfig) clone() Config { cp := *c; return &cp }

// ActionConfig 描述一次兑换，Output 由报价推导器维护。
type ActionConfig struct {
	Input     Number `json:"input"`
	Output    string `json:"output,omitempty"`
	FromToken string `json:"fromToken,omitempty"`
	ToToken   string `json:"toToken,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

func (c *ActionConfig) Kind() Kind { return KindAction }

func (c *ActionConfig) Missing() []string {
	var out []string
	if !c.Input.positive() {
		out = append(out, "input")
	}
	if c.Recipient != "" && !common.IsHexAddress(c.Recipient) {
		out = append(out, "recipient")
	}
	return out
}

func (c *ActionConfig) clone() Config { cp := *c; return &cp }

// RecipientStatus 为收款人的解析状态。
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientValid   RecipientStatus = "valid"
	RecipientInvalid RecipientStatus = "invalid"
)

// Recipient 为 RESOLVER 节点中的一行。
type Recipient struct {
	Input   string          `json:"input"`
	Address string          `json:"address,omitempty"`
	Amount  Number          `json:"amount"`
	Status  RecipientStatus `json:"status,omitempty"`
}

// ResolverConfig 持有待解析的收款人列表。
type ResolverConfig struct {
	Recipients []Recipient `json:"recipients"`
}

func (c *ResolverConfig) Kind() Kind { return KindResolver }

func (c *ResolverConfig) Missing() []string {
	if len(c.Recipients) == 0 {
		return []string{"recipients"}
	}
	var out []string
	for i, r := range c.Recipients {
		if strings.TrimSpace(r.Input) == "" && strings.TrimSpace(r.Address) == "" {
			out = append(out, fmt.Sprintf("recipients[%d].input", i))
		}
		if !r.Amount.positive() {
			out = append(out, fmt.Sprintf("recipients[%d].amount", i))
		}
	}
	return out
}

func (c *ResolverConfig) clone() Config {
	cp := ResolverConfig{Recipients: make([]Recipient, len(c.Recipients))}
	copy(cp.Recipients, c.Recipients)
	return &cp
}

// TransferConfig 描述批量发薪。
type TransferConfig struct {
	Memo  string `json:"memo"`
	Token string `json:"token,omitempty"`
}

func (c *TransferConfig) Kind() Kind { return KindTransfer }

func (c *TransferConfig) Missing() []string {
	var out []string
	if strings.TrimSpace(c.Memo) == "" {
		out = append(out, "memo")
	}
	if c.Token != "" && !common.IsHexAddress(c.Token) {
		out = append(out, "token")
	}
	return out
}

func (c *TransferConfig) clone() Config { cp := *c; return &cp }

// NewConfig 返回 kind 对应的空配置。
func NewConfig(kind Kind) (Config, error) {
	switch kind {
	case KindTrigger:
		return &TriggerConfig{}, nil
	case KindBridge:
		return &BridgeConfig{}, nil
	case KindAction:
		return &ActionConfig{}, nil
	case KindResolver:
		return &ResolverConfig{}, nil
	case KindTransfer:
		return &TransferConfig{}, nil
	}
	return nil, fmt.Errorf("unknown node kind %q", kind)
}

// DecodeConfig 将 JSON 对象解码为 kind 对应的配置。
// strict 为 true 时拒绝未知字段。
func DecodeConfig(kind Kind, raw []byte, strict bool) (Config, error) {
	cfg, err := NewConfig(kind)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", kind, err)
	}
	return cfg, nil
}

// mergeConfig 将 patch 中的字段逐个覆盖到 cur 上，返回新配置及实际变化的字段。
func mergeConfig(cur Config, patch map[string]any) (Config, []string, error) {
	before, err := fieldsOf(cur)
	if err != nil {
		return nil, nil, err
	}
	fields := make(map[string]json.RawMessage, len(before)+len(patch))
	for k, v := range before {
		fields[k] = v
	}
	for k, v := range patch {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = raw
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, err
	}
	next, err := DecodeConfig(cur.Kind(), merged, true)
	if err != nil {
		return nil, nil, err
	}

	after, err := fieldsOf(next)
	if err != nil {
		return nil, nil, err
	}
	var changed []string
	for k := range patch {
		if !bytes.Equal(before[k], after[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return next, changed, nil
}

func fieldsOf(cfg Config) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
