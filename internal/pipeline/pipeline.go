// Package pipeline executes the nodes downstream of a fired trigger, one at a
// time and in edge order, turning each node into at most a few chain
// transactions. Each step sees the results of the steps that ran before it
// on its incoming paths.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/graph"
	"DefiFlow/pkg/logger"
)

// DefaultStepTimeout 为单步执行的默认上限，包含等待交易确认的时间。
const DefaultStepTimeout = 2 * time.Minute

// Env 为一次运行共享的上下文。
type Env struct {
	RunID   string
	Session common.Address
	// Price 为触发时的价格。
	Price float64
}

// Payee 为一个已解析的收款人。
type Payee struct {
	Address common.Address `json:"address"`
	Amount  graph.Number   `json:"amount"`
}

// StepResult 为单个节点的执行结果。
type StepResult struct {
	NodeID       string            `json:"node_id"`
	Kind         graph.Kind        `json:"kind"`
	Label        string            `json:"label"`
	Chain        string            `json:"chain,omitempty"`
	TxHash       string            `json:"tx_hash,omitempty"`
	ApprovalHash string            `json:"approval_hash,omitempty"`
	Amount       string            `json:"amount,omitempty"`
	Payees       []Payee           `json:"payees,omitempty"`
	Recipients   []graph.Recipient `json:"recipients,omitempty"`
	Duration     time.Duration     `json:"duration"`
}

// Input 为步骤可见的上游信息。
type Input struct {
	Env Env
	// Upstream 为已执行的祖先节点结果，按执行顺序排列。
	Upstream []*StepResult
}

// Latest 返回最近一个指定类型的上游结果。
func (in Input) Latest(kinds ...graph.Kind) *StepResult {
	for i := len(in.Upstream) - 1; i >= 0; i-- {
		for _, k := range kinds {
			if in.Upstream[i].Kind == k {
				return in.Upstream[i]
			}
		}
	}
	return nil
}

// Step 执行一种节点。
type Step interface {
	Execute(ctx context.Context, node graph.Node, in Input) (*StepResult, error)
}

// StepFunc 将函数适配为 Step。
type StepFunc func(ctx context.Context, node graph.Node, in Input) (*StepResult, error)

// Execute implements Step.
func (f StepFunc) Execute(ctx context.Context, node graph.Node, in Input) (*StepResult, error) {
	return f(ctx, node, in)
}

// Observer 接收步骤进度通知。
type Observer interface {
	StepStarted(index, total int, node graph.Node)
	StepFinished(index, total int, result *StepResult, err error)
}

// Result 为一次执行的汇总，失败时包含已完成的步骤。
type Result struct {
	Steps []*StepResult `json:"steps"`
	// Failed 为失败步骤已产生的结果，例如已确认的授权交易。
	Failed *StepResult `json:"failed,omitempty"`
}

// TxHashes 按执行顺序返回各步骤的主交易哈希。
func (r *Result) TxHashes() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, s := range r.Steps {
		if s.TxHash != "" {
			out = append(out, s.TxHash)
		}
	}
	return out
}

// Last 返回指定类型最后一个步骤的结果。
func (r *Result) Last(kind graph.Kind) *StepResult {
	if r == nil {
		return nil
	}
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Kind == kind {
			return r.Steps[i]
		}
	}
	return nil
}

// Option 调整 Pipeline。
type Option func(*Pipeline)

// WithStep 为 kind 注册执行器，覆盖已有注册。
func WithStep(kind graph.Kind, step Step) Option {
	return func(p *Pipeline) { p.steps[kind] = step }
}

// WithStepTimeout 设置单步超时，非正值表示不限制。
func WithStepTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// Pipeline 按 kind 分派步骤执行器。
type Pipeline struct {
	steps   map[graph.Kind]Step
	timeout time.Duration
	log     *slog.Logger
}

// New 创建空的 Pipeline。
func New(opts ...Option) *Pipeline {
	p := &Pipeline{steps: make(map[graph.Kind]Step), timeout: DefaultStepTimeout, log: logger.Named("pipeline")}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Plan 返回从 entryID 出发需要执行的节点，按拓扑序排列。
// 入口为 TRIGGER 时其本身不执行；同层节点按图中节点顺序排列。
func Plan(g graph.Graph, entryID string) ([]graph.Node, error) {
	entry, ok := g.Node(entryID)
	if !ok {
		return nil, configError("entry node %s not found", entryID)
	}
	reach := g.Reachable(entryID)

	indegree := map[string]int{}
	for _, e := range g.Edges {
		if reach[e.Source] && reach[e.Target] && e.Target != entryID {
			indegree[e.Target]++
		}
	}

	var order []graph.Node
	done := map[string]bool{}
	ready := map[string]bool{entryID: true}
	for len(ready) > 0 {
		var next graph.Node
		found := false
		for _, n := range g.Nodes {
			if ready[n.ID] {
				next, found = n, true
				break
			}
		}
		if !found {
			break
		}
		delete(ready, next.ID)
		done[next.ID] = true
		if next.ID != entryID || entry.Kind != graph.KindTrigger {
			order = append(order, next)
		}
		for _, succ := range g.Successors(next.ID) {
			if !reach[succ] || done[succ] {
				continue
			}
			indegree[succ]--
			if indegree[succ] == 0 {
				ready[succ] = true
			}
		}
	}
	for id := range reach {
		if !done[id] {
			return nil, configError("node %s is part of a cycle", id)
		}
	}
	return order, nil
}

// Run 依次执行 entryID 下游的节点。任一步失败即停止，返回已完成的部分结果与错误；
// 已确认的交易不会回滚。
func (p *Pipeline) Run(ctx context.Context, g graph.Graph, entryID string, env Env, obs Observer) (*Result, error) {
	plan, err := Plan(g, entryID)
	if err != nil {
		return &Result{}, err
	}
	for _, n := range plan {
		if _, ok := p.steps[n.Kind]; !ok {
			return &Result{}, configError("no executor registered for %s nodes", n.Kind)
		}
	}

	result := &Result{}
	byID := map[string]*StepResult{}
	total := len(plan)
	for i, node := range plan {
		if obs != nil {
			obs.StepStarted(i, total, node)
		}
		in := Input{Env: env, Upstream: upstreamOf(g, node.ID, result.Steps, byID)}

		start := time.Now()
		res, err := p.execute(ctx, node, in)
		if res == nil {
			res = &StepResult{}
		}
		res.NodeID, res.Kind, res.Label = node.ID, node.Kind, node.Label
		res.Duration = time.Since(start)

		if err != nil {
			err = stepError(node, err)
			result.Failed = res
			p.log.Error("步骤执行失败", "run_id", env.RunID, "node_id", node.ID, "kind", node.Kind, "error", err)
			if obs != nil {
				obs.StepFinished(i, total, res, err)
			}
			return result, err
		}
		result.Steps = append(result.Steps, res)
		byID[node.ID] = res
		p.log.Info("步骤执行完成", "run_id", env.RunID, "node_id", node.ID, "kind", node.Kind, "tx_hash", res.TxHash, "duration", res.Duration)
		if obs != nil {
			obs.StepFinished(i, total, res, nil)
		}
	}
	return result, nil
}

func (p *Pipeline) execute(ctx context.Context, node graph.Node, in Input) (*StepResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.steps[node.Kind].Execute(ctx, node, in)
}

// upstreamOf 返回 id 的已执行祖先结果，保持执行顺序。
func upstreamOf(g graph.Graph, id string, executed []*StepResult, byID map[string]*StepResult) []*StepResult {
	ancestors := map[string]bool{}
	stack := g.Predecessors(id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if ancestors[cur] {
			continue
		}
		ancestors[cur] = true
		stack = append(stack, g.Predecessors(cur)...)
	}
	var out []*StepResult
	for _, r := range executed {
		if ancestors[r.NodeID] && byID[r.NodeID] == r {
			out = append(out, r)
		}
	}
	return out
}

func configError(format string, args ...any) error {
	return xerrors.New(xerrors.CodePipelineConfig, fmt.Sprintf(format, args...))
}

// stepError 保留配置类错误码，其余包装为步骤失败。
func stepError(node graph.Node, err error) error {
	switch xerrors.CodeOf(err) {
	case xerrors.CodePipelineConfig:
		return err
	}
	return xerrors.Wrap(xerrors.CodePipelineStepFailed, err, fmt.Sprintf("%s failed", labelOf(node)),
		xerrors.WithMetadata("node_id", node.ID), xerrors.WithMetadata("kind", string(node.Kind)))
}
