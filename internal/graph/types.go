package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind 标识节点类型。
type Kind string

const (
	KindTrigger  Kind = "trigger"
	KindBridge   Kind = "bridge"
	KindAction   Kind = "action"
	KindResolver Kind = "resolver"
	KindTransfer Kind = "transfer"
)

var kindAliases = map[string]Kind{
	"trigger":  KindTrigger,
	"price":    KindTrigger,
	"bridge":   KindBridge,
	"action":   KindAction,
	"swap":     KindAction,
	"resolver": KindResolver,
	"ens":      KindResolver,
	"transfer": KindTransfer,
	"payroll":  KindTransfer,
}

// ParseKind 将外部输入的类型名转换为 Kind，兼容 ens/swap/payroll 等别名。
func ParseKind(s string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// Valid 判断是否为已知类型。
func (k Kind) Valid() bool {
	switch k {
	case KindTrigger, KindBridge, KindAction, KindResolver, KindTransfer:
		return true
	}
	return false
}

// Terminal 判断该类型能否作为可执行路径的终点。
func (k Kind) Terminal() bool {
	return k == KindAction || k == KindTransfer
}

// DefaultLabel 返回新建节点时使用的标题。
func (k Kind) DefaultLabel() string {
	switch k {
	case KindTrigger:
		return "Price Trigger"
	case KindBridge:
		return "Cross-Chain Bridge"
	case KindAction:
		return "Uniswap Swap"
	case KindResolver:
		return "ENS Resolver"
	case KindTransfer:
		return "Arc Payroll"
	}
	return string(k)
}

// Position 为节点在画布上的坐标。
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Runtime 为运行期状态，不属于用户配置。
type Runtime struct {
	Active bool   `json:"active"`
	Output string `json:"output,omitempty"`
}

// Node 为图中的一个步骤。
type Node struct {
	ID       string
	Kind     Kind
	Label    string
	Position Position
	Config   Config
	Runtime  Runtime
}

type nodeWire struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Label    string          `json:"label,omitempty"`
	Position Position        `json:"position"`
	Config   json.RawMessage `json:"config,omitempty"`
	Runtime  Runtime         `json:"runtime"`
}

// MarshalJSON 以 kind + config 的标签形式输出节点。
func (n Node) MarshalJSON() ([]byte, error) {
	w := nodeWire{ID: n.ID, Kind: n.Kind, Label: n.Label, Position: n.Position, Runtime: n.Runtime}
	if n.Config != nil {
		raw, err := json.Marshal(n.Config)
		if err != nil {
			return nil, err
		}
		w.Config = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON 按 kind 严格解码 config，未知字段视为错误。
func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, ok := ParseKind(string(w.Kind))
	if !ok {
		return fmt.Errorf("unknown node kind %q", w.Kind)
	}
	cfg, err := DecodeConfig(kind, w.Config, true)
	if err != nil {
		return fmt.Errorf("node %s: %w", w.ID, err)
	}
	*n = Node{ID: w.ID, Kind: kind, Label: w.Label, Position: w.Position, Config: cfg, Runtime: w.Runtime}
	return nil
}

// Clone 返回深拷贝。
func (n Node) Clone() Node {
	out := n
	if n.Config != nil {
		out.Config = n.Config.clone()
	}
	return out
}

// Edge 表示一条有向连接。
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// EdgeID 返回 source 与 target 对应的默认连接 id。
func EdgeID(source, target string) string {
	return "e-" + source + "-" + target
}

// Graph 为某一时刻的只读快照。
type Graph struct {
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
	Version uint64 `json:"version"`
}

// Node 按 id 查找节点。
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Successors 按连接顺序返回直接后继。
func (g Graph) Successors(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e.Target)
		}
	}
	return out
}

// Predecessors 按连接顺序返回直接前驱。
func (g Graph) Predecessors(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.Target == id {
			out = append(out, e.Source)
		}
	}
	return out
}

// Reachable 返回从 id 出发可达的节点集合（包含自身）。
func (g Graph) Reachable(id string) map[string]bool {
	seen := map[string]bool{id: true}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.Successors(cur) {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// Clone 返回深拷贝。
func (g Graph) Clone() Graph {
	out := Graph{Version: g.Version, Nodes: make([]Node, len(g.Nodes)), Edges: make([]Edge, len(g.Edges))}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	copy(out.Edges, g.Edges)
	return out
}
