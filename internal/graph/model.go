package graph

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// EventKind 描述模型变化的类别。
type EventKind string

const (
	EventNodesChanged  EventKind = "nodes_changed"
	EventEdgesChanged  EventKind = "edges_changed"
	EventConfigPatched EventKind = "config_patched"
	EventReplaced      EventKind = "replaced"
	EventReset         EventKind = "reset"
	EventRuntime       EventKind = "runtime"
	// EventDerived 为根据价格推导出的显示字段变化，不改变 Version。
	EventDerived EventKind = "derived"
)

// Structural 判断事件是否改变了用户编辑的图内容。
func (k EventKind) Structural() bool {
	return k != EventRuntime && k != EventDerived
}

// Event 在每次成功的变更之后发送给订阅者。
type Event struct {
	Kind    EventKind
	NodeIDs []string
	// Fields 仅在 EventConfigPatched 时填写，为实际变化的配置字段。
	Fields  []string
	Version uint64
}

// HasField 判断本次补丁是否修改了指定字段。
func (e Event) HasField(name string) bool {
	for _, f := range e.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Observer 接收模型变更通知，在模型锁释放后同步调用。
type Observer func(Event)

// NodeChangeType 为编辑器发出的节点变更类型。
type NodeChangeType string

const (
	NodeChangeAdd        NodeChangeType = "add"
	NodeChangeRemove     NodeChangeType = "remove"
	NodeChangePosition   NodeChangeType = "position"
	NodeChangeSelect     NodeChangeType = "select"
	NodeChangeDimensions NodeChangeType = "dimensions"
)

// NodeChange 为一条节点变更。select 与 dimensions 仅影响界面，模型忽略。
type NodeChange struct {
	Type     NodeChangeType `json:"type"`
	ID       string         `json:"id,omitempty"`
	Position *Position      `json:"position,omitempty"`
	Item     *Node          `json:"item,omitempty"`
}

// EdgeChangeType 为编辑器发出的连接变更类型。
type EdgeChangeType string

const (
	EdgeChangeAdd    EdgeChangeType = "add"
	EdgeChangeRemove EdgeChangeType = "remove"
	EdgeChangeSelect EdgeChangeType = "select"
)

// EdgeChange 为一条连接变更。add 与 Connect 遵循同样的约束。
type EdgeChange struct {
	Type EdgeChangeType `json:"type"`
	ID   string         `json:"id,omitempty"`
	Item *Edge          `json:"item,omitempty"`
}

// NodeOption 调整 AddNode 创建的节点。
type NodeOption func(*Node)

// WithNodeID 指定节点 id。
func WithNodeID(id string) NodeOption {
	return func(n *Node) { n.ID = id }
}

// WithLabel 指定节点标题。
func WithLabel(label string) NodeOption {
	return func(n *Node) { n.Label = label }
}

// WithConfig 指定初始配置，类型必须与节点 kind 一致。
func WithConfig(cfg Config) NodeOption {
	return func(n *Node) { n.Config = cfg }
}

// Model 是图的唯一所有者，所有变更经由其方法完成。
type Model struct {
	mu      sync.RWMutex
	st      state
	version uint64

	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObs   uint64
}

// NewModel 创建空图。
func NewModel() *Model {
	return &Model{observers: make(map[uint64]Observer)}
}

// Subscribe 注册观察者并返回取消函数。
func (m *Model) Subscribe(fn Observer) func() {
	m.obsMu.Lock()
	m.nextObs++
	id := m.nextObs
	m.observers[id] = fn
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Model) notify(ev Event) {
	m.obsMu.Lock()
	ids := make([]uint64, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.observers[id])
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// mutate 在写锁内对状态副本执行 fn，成功后整体替换并通知观察者。
// 只有结构性事件递增 Version。
func (m *Model) mutate(fn func(next *state) (Event, error)) error {
	m.mu.Lock()
	next := m.st.clone()
	ev, err := fn(&next)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.st = next
	if ev.Kind.Structural() {
		m.version++
	}
	ev.Version = m.version
	m.mu.Unlock()
	m.notify(ev)
	return nil
}

// Snapshot 返回当前图的深拷贝。
func (m *Model) Snapshot() Graph {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g := Graph{Nodes: make([]Node, len(m.st.nodes)), Edges: make([]Edge, len(m.st.edges)), Version: m.version}
	for i, n := range m.st.nodes {
		g.Nodes[i] = n.Clone()
	}
	copy(g.Edges, m.st.edges)
	return g
}

// Version 返回单调递增的变更序号，运行高亮与推导报价不计入。
func (m *Model) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Node 返回指定节点的拷贝。
func (m *Model) Node(id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.st.indexOf(id); i >= 0 {
		return m.st.nodes[i].Clone(), true
	}
	return Node{}, false
}

// AddNode 在画布上放置一个新节点，默认 id 为 <kind>-<uuid>。
func (m *Model) AddNode(kind Kind, pos Position, opts ...NodeOption) (Node, error) {
	if !kind.Valid() {
		return Node{}, errInvalid("unknown node kind %q", kind)
	}
	node := Node{Kind: kind, Label: kind.DefaultLabel(), Position: pos}
	for _, opt := range opts {
		if opt != nil {
			opt(&node)
		}
	}
	if node.ID == "" {
		node.ID = string(kind) + "-" + uuid.NewString()
	}
	err := m.mutate(func(next *state) (Event, error) {
		if err := next.addNode(node); err != nil {
			return Event{}, err
		}
		node = next.nodes[len(next.nodes)-1].Clone()
		return Event{Kind: EventNodesChanged, NodeIDs: []string{node.ID}}, nil
	})
	if err != nil {
		return Node{}, err
	}
	return node, nil
}

// RemoveNode 删除节点及其全部连接。
func (m *Model) RemoveNode(id string) error {
	return m.mutate(func(next *state) (Event, error) {
		if err := next.removeNode(id); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventNodesChanged, NodeIDs: []string{id}}, nil
	})
}

// ApplyNodeChanges 原子地应用一批节点变更，任一失败则全部不生效。
func (m *Model) ApplyNodeChanges(changes []NodeChange) error {
	return m.mutate(func(next *state) (Event, error) {
		var touched []string
		for _, ch := range changes {
			switch ch.Type {
			case NodeChangeAdd:
				if ch.Item == nil {
					return Event{}, errInvalid("add change requires an item")
				}
				item := *ch.Item
				if item.ID == "" {
					item.ID = string(item.Kind) + "-" + uuid.NewString()
				}
				if item.Label == "" {
					item.Label = item.Kind.DefaultLabel()
				}
				if err := next.addNode(item); err != nil {
					return Event{}, err
				}
				touched = append(touched, item.ID)
			case NodeChangeRemove:
				if err := next.removeNode(ch.ID); err != nil {
					return Event{}, err
				}
				touched = append(touched, ch.ID)
			case NodeChangePosition:
				i := next.indexOf(ch.ID)
				if i < 0 {
					return Event{}, errNodeNotFound(ch.ID)
				}
				if ch.Position != nil {
					next.nodes[i].Position = *ch.Position
				}
				touched = append(touched, ch.ID)
			case NodeChangeSelect, NodeChangeDimensions:
			default:
				return Event{}, errInvalid("unsupported node change %q", ch.Type)
			}
		}
		return Event{Kind: EventNodesChanged, NodeIDs: touched}, nil
	})
}

// ApplyEdgeChanges 原子地应用一批连接变更。
func (m *Model) ApplyEdgeChanges(changes []EdgeChange) error {
	return m.mutate(func(next *state) (Event, error) {
		var touched []string
		for _, ch := range changes {
			switch ch.Type {
			case EdgeChangeAdd:
				if ch.Item == nil {
					return Event{}, errInvalid("add change requires an item")
				}
				if _, err := next.connect(ch.Item.ID, ch.Item.Source, ch.Item.Target); err != nil {
					return Event{}, err
				}
				touched = append(touched, ch.Item.Source, ch.Item.Target)
			case EdgeChangeRemove:
				e, err := next.removeEdge(ch.ID)
				if err != nil {
					return Event{}, err
				}
				touched = append(touched, e.Source, e.Target)
			case EdgeChangeSelect:
			default:
				return Event{}, errInvalid("unsupported edge change %q", ch.Type)
			}
		}
		return Event{Kind: EventEdgesChanged, NodeIDs: touched}, nil
	})
}

// Connect 连接两个节点，拒绝自环、重复连接与成环。
func (m *Model) Connect(source, target string) (Edge, error) {
	var edge Edge
	err := m.mutate(func(next *state) (Event, error) {
		e, err := next.connect("", source, target)
		if err != nil {
			return Event{}, err
		}
		edge = e
		return Event{Kind: EventEdgesChanged, NodeIDs: []string{source, target}}, nil
	})
	return edge, err
}

// RemoveEdge 删除连接。
func (m *Model) RemoveEdge(id string) error {
	return m.mutate(func(next *state) (Event, error) {
		e, err := next.removeEdge(id)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventEdgesChanged, NodeIDs: []string{e.Source, e.Target}}, nil
	})
}

// PatchNodeConfig 按字段合并配置，后写覆盖先写。内容未变化时不产生事件。
func (m *Model) PatchNodeConfig(id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	err := m.mutate(func(next *state) (Event, error) {
		i := next.indexOf(id)
		if i < 0 {
			return Event{}, errNodeNotFound(id)
		}
		merged, changed, err := mergeConfig(next.nodes[i].Config, patch)
		if err != nil {
			return Event{}, errInvalid("patch node %s: %v", id, err)
		}
		if len(changed) == 0 {
			return Event{}, errUnchanged
		}
		next.nodes[i].Config = merged
		return Event{Kind: EventConfigPatched, NodeIDs: []string{id}, Fields: changed}, nil
	})
	if err == errUnchanged {
		return nil
	}
	return err
}

// ReplaceAll 以新的节点和连接整体替换图，校验失败时图保持不变。
func (m *Model) ReplaceAll(nodes []Node, edges []Edge) error {
	built, err := buildState(nodes, edges)
	if err != nil {
		return err
	}
	ids := make([]string, len(built.nodes))
	for i, n := range built.nodes {
		ids[i] = n.ID
	}
	return m.mutate(func(next *state) (Event, error) {
		*next = built
		return Event{Kind: EventReplaced, NodeIDs: ids}, nil
	})
}

// Reset 清空图。
func (m *Model) Reset() {
	_ = m.mutate(func(next *state) (Event, error) {
		*next = state{}
		return Event{Kind: EventReset}, nil
	})
}

// SetActive 设置运行高亮状态，ids 为空时作用于全部节点。
func (m *Model) SetActive(ids []string, active bool) {
	_ = m.mutate(func(next *state) (Event, error) {
		var touched []string
		for i := range next.nodes {
			if len(ids) > 0 && !contains(ids, next.nodes[i].ID) {
				continue
			}
			next.nodes[i].Runtime.Active = active
			touched = append(touched, next.nodes[i].ID)
		}
		return Event{Kind: EventRuntime, NodeIDs: touched}, nil
	})
}

// SetOutput 记录节点的运行产出。
func (m *Model) SetOutput(id, output string) error {
	return m.mutate(func(next *state) (Event, error) {
		i := next.indexOf(id)
		if i < 0 {
			return Event{}, errNodeNotFound(id)
		}
		next.nodes[i].Runtime.Output = output
		return Event{Kind: EventRuntime, NodeIDs: []string{id}}, nil
	})
}

// SetDerivedOutput 写入 ACTION 节点的推导报价。内容未变化时不产生事件。
func (m *Model) SetDerivedOutput(id, output string) error {
	err := m.mutate(func(next *state) (Event, error) {
		i := next.indexOf(id)
		if i < 0 {
			return Event{}, errNodeNotFound(id)
		}
		cfg, ok := next.nodes[i].Config.(*ActionConfig)
		if !ok {
			return Event{}, errInvalid("node %s is %s, not %s", id, next.nodes[i].Kind, KindAction)
		}
		if cfg.Output == output {
			return Event{}, errUnchanged
		}
		updated := *cfg
		updated.Output = output
		next.nodes[i].Config = &updated
		return Event{Kind: EventDerived, NodeIDs: []string{id}, Fields: []string{"output"}}, nil
	})
	if err == errUnchanged {
		return nil
	}
	return err
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
