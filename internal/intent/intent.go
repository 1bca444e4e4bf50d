// Package intent turns a natural-language request into a workflow graph by
// asking the intent endpoint for a proposal and installing it in the model.
// A failed compilation never touches the current graph.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/events"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/llm"
	"DefiFlow/pkg/logger"
)

// DefaultTimeout 为单次编译的默认超时。
const DefaultTimeout = 60 * time.Second

// Result 为编译结果。
type Result struct {
	Thought string      `json:"thought"`
	Graph   graph.Graph `json:"graph"`
	// Issue 非空表示图已加载但尚不能启动，内容为启动校验的提示。
	Issue string `json:"issue,omitempty"`
}

// Option 调整 Compiler。
type Option func(*Compiler)

// WithTimeout 设置编译超时。
func WithTimeout(d time.Duration) Option {
	return func(c *Compiler) { c.timeout = d }
}

// WithPublisher 在图被替换后发布 graph.replaced 事件。
func WithPublisher(p events.Publisher) Option {
	return func(c *Compiler) { c.publisher = p }
}

// Compiler 调用意图服务并替换图。
type Compiler struct {
	client    llm.Client
	model     *graph.Model
	validate  *validator.Validate
	timeout   time.Duration
	publisher events.Publisher
}

// New 创建 Compiler。
func New(client llm.Client, model *graph.Model, opts ...Option) *Compiler {
	c := &Compiler{client: client, model: model, validate: validator.New(), timeout: DefaultTimeout, publisher: events.Nop{}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Compile 编译 text 并原子替换当前图。
func (c *Compiler) Compile(ctx context.Context, text string, priceHint float64) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "intent text is empty")
	}
	if c.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "intent endpoint is not configured")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.Compile(ctx, llm.Request{Intent: text, PriceHint: priceHint})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIntentFailed, err, "intent compilation failed")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeIntentInvalid, "intent endpoint returned nothing")
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		return nil, xerrors.New(xerrors.CodeIntentFailed, msg)
	}
	if err := c.validate.Struct(resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIntentInvalid, err, "intent response has an invalid shape")
	}

	nodes, edges, err := convert(resp)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIntentInvalid, err, "intent response cannot be loaded")
	}
	if err := c.model.ReplaceAll(nodes, edges); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIntentInvalid, err, "intent response is not a valid graph")
	}

	g := c.model.Snapshot()
	res := &Result{Thought: resp.Thought, Graph: g}
	if _, err := graph.ValidateForStart(g); err != nil {
		res.Issue = xerrors.Reason(err)
	}
	log := logger.Named("intent")
	log.Info("意图已编译", "nodes", len(nodes), "edges", len(edges), "issue", res.Issue)

	ev := events.New(events.TypeGraphReplaced, "")
	ev.GraphVersion = g.Version
	ev.Error = res.Issue
	if err := c.publisher.Publish(ctx, ev); err != nil {
		log.Warn("发布图替换事件失败", "error", err)
	}
	return res, nil
}

func convert(resp *llm.Response) ([]graph.Node, []graph.Edge, error) {
	nodes := make([]graph.Node, 0, len(resp.Nodes))
	for _, wn := range resp.Nodes {
		n, err := convertNode(wn)
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
	}
	edges := make([]graph.Edge, 0, len(resp.Edges))
	for _, we := range resp.Edges {
		id := we.ID
		if id == "" {
			id = graph.EdgeID(we.Source, we.Target)
		}
		edges = append(edges, graph.Edge{ID: id, Source: we.Source, Target: we.Target})
	}
	return nodes, edges, nil
}

func convertNode(wn llm.WireNode) (graph.Node, error) {
	typ, _ := wn.Data["type"].(string)
	if typ == "" && wn.Type != "custom" {
		typ = wn.Type
	}
	kind, ok := graph.ParseKind(typ)
	if !ok {
		return graph.Node{}, fmt.Errorf("node %s has unknown type %q", wn.ID, typ)
	}
	label, _ := wn.Data["label"].(string)
	if strings.TrimSpace(label) == "" {
		label = kind.DefaultLabel()
	}

	fields := make(map[string]any, len(wn.Data))
	for k, v := range wn.Data {
		if k == "type" || k == "label" {
			continue
		}
		fields[k] = v
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return graph.Node{}, fmt.Errorf("node %s: %w", wn.ID, err)
	}
	cfg, err := graph.DecodeConfig(kind, raw, false)
	if err != nil {
		return graph.Node{}, fmt.Errorf("node %s: %w", wn.ID, err)
	}
	return graph.Node{
		ID:       wn.ID,
		Kind:     kind,
		Label:    label,
		Position: graph.Position{X: wn.Position.X, Y: wn.Position.Y},
		Config:   cfg,
	}, nil
}
