// Package engine owns the run lifecycle: it watches price samples while a run
// is monitoring, fires the pipeline once when the entry condition holds, and
// records the outcome until the run is dismissed.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"DefiFlow/internal/condition"
	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/events"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/observability/alerting"
	"DefiFlow/internal/observability/metrics"
	"DefiFlow/internal/pipeline"
	"DefiFlow/internal/pricefeed"
	"DefiFlow/internal/quote"
	"DefiFlow/internal/runlog"
	"DefiFlow/internal/web3"
	"DefiFlow/pkg/logger"
)

// Runner 执行触发后的流水线，*pipeline.Pipeline 满足该接口。
type Runner interface {
	Run(ctx context.Context, g graph.Graph, entryID string, env pipeline.Env, obs pipeline.Observer) (*pipeline.Result, error)
}

// ExplorerFunc 返回交易在区块浏览器中的链接。
type ExplorerFunc func(chain, hash string) string

// Option 调整 Engine。
type Option func(*Engine)

// WithDeriver 使价格样本同步到报价推导器。
func WithDeriver(d *quote.Deriver) Option { return func(e *Engine) { e.deriver = d } }

// WithPublisher 设置事件发布器。
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithRunStore 设置运行记录存储。
func WithRunStore(s runlog.Store) Option { return func(e *Engine) { e.store = s } }

// WithAlerts 设置失败告警分发器。
func WithAlerts(d alerting.Dispatcher) Option { return func(e *Engine) { e.alerts = d } }

// WithExplorer 设置浏览器链接生成函数。
func WithExplorer(fn ExplorerFunc) Option { return func(e *Engine) { e.explorer = fn } }

// WithClock 替换时间来源，用于测试。
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine 是单个图的运行状态机。所有状态变更在 mu 下进行，价格样本按到达顺序处理。
type Engine struct {
	model  *graph.Model
	runner Runner
	wallet web3.Wallet

	deriver   *quote.Deriver
	publisher events.Publisher
	store     runlog.Store
	alerts    alerting.Dispatcher
	explorer  ExplorerFunc
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	snap     Snapshot
	session  common.Address
	rejected uint64
	done     chan struct{}
}

// New 创建处于 IDLE 状态的 Engine。
func New(model *graph.Model, runner Runner, wallet web3.Wallet, opts ...Option) *Engine {
	e := &Engine{
		model:     model,
		runner:    runner,
		wallet:    wallet,
		publisher: events.Nop{},
		now:       time.Now,
		log:       logger.Named("engine"),
		snap:      Snapshot{State: StateIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ConnectWallet 向钱包请求账户并建立会话。
func (e *Engine) ConnectWallet(ctx context.Context) (common.Address, error) {
	if e.wallet == nil {
		return common.Address{}, xerrors.New(xerrors.CodeRunWalletMissing, "")
	}
	accounts, err := e.wallet.RequestAccounts(ctx)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeRunWalletMissing, err, "wallet connection failed")
	}
	if len(accounts) == 0 || accounts[0] == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeRunWalletMissing, "")
	}
	e.mu.Lock()
	e.session = accounts[0]
	e.snap.Session = accounts[0].Hex()
	e.mu.Unlock()
	e.log.Info("钱包已连接", "address", accounts[0].Hex())
	return accounts[0], nil
}

// Session 返回当前会话地址，未连接时为零地址。
func (e *Engine) Session() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Snapshot 返回当前运行状态的副本。
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.clone()
}

// Start 校验图与钱包会话后进入 MONITORING。
func (e *Engine) Start(ctx context.Context) (Snapshot, error) {
	g := e.model.Snapshot()

	e.mu.Lock()
	if e.snap.State != StateIdle {
		state := e.snap.State
		e.mu.Unlock()
		return Snapshot{}, conflict("start", state)
	}
	if e.session == (common.Address{}) {
		e.mu.Unlock()
		return Snapshot{}, xerrors.New(xerrors.CodeRunWalletMissing, "")
	}
	entryID, err := graph.ValidateForStart(g)
	if err != nil {
		e.mu.Unlock()
		return Snapshot{}, err
	}
	e.snap = Snapshot{
		RunID:        uuid.NewString(),
		State:        StateMonitoring,
		Session:      e.session.Hex(),
		EntryID:      entryID,
		GraphVersion: g.Version,
		Price:        e.snap.Price,
		PriceAt:      e.snap.PriceAt,
		StartedAt:    e.now().UTC(),
	}
	e.rejected = 0
	snap := e.snap.clone()
	e.mu.Unlock()

	e.model.SetActive(nodeIDs(g), false)
	e.transition(ctx, snap, StateIdle, events.TypeRunStarted, "")
	return snap, nil
}

// Stop 结束监控回到 IDLE。执行中的运行不能停止。
func (e *Engine) Stop(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	switch e.snap.State {
	case StateIdle:
		snap := e.snap.clone()
		e.mu.Unlock()
		return snap, nil
	case StateMonitoring:
	default:
		state := e.snap.State
		e.mu.Unlock()
		return Snapshot{}, conflict("stop", state)
	}
	stopped := e.snap.clone()
	stopped.FinishedAt = e.now().UTC()
	e.snap = Snapshot{State: StateIdle, Session: e.snap.Session, Price: e.snap.Price, PriceAt: e.snap.PriceAt}
	snap := e.snap.clone()
	e.mu.Unlock()

	e.transition(ctx, stopped, StateMonitoring, events.TypeRunStopped, stateStopped)
	return snap, nil
}

// Dismiss 确认终态结果并回到 IDLE，同时清除节点的执行标记。
func (e *Engine) Dismiss(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	if e.snap.State == StateIdle {
		snap := e.snap.clone()
		e.mu.Unlock()
		return snap, nil
	}
	if !e.snap.State.Terminal() {
		state := e.snap.State
		e.mu.Unlock()
		return Snapshot{}, conflict("dismiss", state)
	}
	previous := e.snap.State
	runID := e.snap.RunID
	e.snap = Snapshot{State: StateIdle, Session: e.snap.Session, Price: e.snap.Price, PriceAt: e.snap.PriceAt}
	snap := e.snap.clone()
	e.mu.Unlock()

	e.model.SetActive(nodeIDs(e.model.Snapshot()), false)
	ev := events.New(events.TypeRunDismissed, runID)
	ev.State, ev.Previous = string(StateIdle), string(previous)
	e.publish(ctx, ev)
	return snap, nil
}

// Wait 阻塞到当前执行结束。没有执行时立即返回。
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 持续消费价格源直到 ctx 结束或价格源关闭。
func (e *Engine) Run(ctx context.Context, feed pricefeed.Feed) error {
	samples, err := feed.Subscribe(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeFeedFailed, err, "subscribe price feed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-samples:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return xerrors.New(xerrors.CodeFeedFailed, "price feed closed")
			}
			e.Observe(ctx, s)
		}
	}
}

// Observe 处理一个价格样本：更新报价，并在 MONITORING 状态下评估入口条件。
// 条件满足时最多触发一次执行，执行在独立 goroutine 中进行且不受 ctx 取消影响。
func (e *Engine) Observe(ctx context.Context, s pricefeed.Sample) {
	metrics.ObservePrice(s.Symbol, s.Price)
	if e.deriver != nil {
		e.deriver.UpdatePrice(s.Price)
	}
	at := s.At
	if at.IsZero() {
		at = e.now()
	}

	e.mu.Lock()
	e.snap.Price, e.snap.PriceAt = s.Price, at.UTC()
	if e.snap.State != StateMonitoring {
		e.mu.Unlock()
		return
	}

	g := e.model.Snapshot()
	entryID, err := graph.ValidateForStart(g)
	if err != nil {
		first := e.rejected != g.Version
		e.rejected = g.Version
		e.snap.Error = xerrors.Reason(err)
		e.snap.ErrorCode = string(xerrors.CodeOf(err))
		e.snap.Category = string(xerrors.CategoryOf(err))
		runID := e.snap.RunID
		e.mu.Unlock()
		if first {
			e.log.Warn("图已变更且不可运行，暂停触发", "run_id", runID, "graph_version", g.Version, "error", err)
			ev := events.New(events.TypeRunRejected, runID)
			ev.State, ev.GraphVersion, ev.Error = string(StateMonitoring), g.Version, xerrors.Reason(err)
			e.publish(ctx, ev)
		}
		return
	}
	e.snap.Error, e.snap.ErrorCode, e.snap.Category = "", "", ""

	entry, _ := g.Node(entryID)
	if !shouldFire(entry, s.Price) {
		e.mu.Unlock()
		return
	}

	plan, err := pipeline.Plan(g, entryID)
	if err != nil {
		e.mu.Unlock()
		e.log.Error("生成执行计划失败", "error", err)
		return
	}
	e.snap.State = StateExecuting
	e.snap.EntryID = entryID
	e.snap.GraphVersion = g.Version
	e.snap.TriggerPrice = s.Price
	e.snap.FiredAt = e.now().UTC()
	e.snap.Step, e.snap.TotalSteps, e.snap.StepLabel = 0, len(plan), LabelInitializing
	done := make(chan struct{})
	e.done = done
	env := pipeline.Env{RunID: e.snap.RunID, Session: e.session, Price: s.Price}
	snap := e.snap.clone()
	e.mu.Unlock()

	active := []string{entryID}
	for _, n := range plan {
		active = append(active, n.ID)
	}
	e.model.SetActive(active, true)
	metrics.ObserveFiring()
	e.transition(ctx, snap, StateMonitoring, events.TypeRunFired, "")

	go e.execute(context.WithoutCancel(ctx), g, entryID, env, done)
}

func shouldFire(entry graph.Node, price float64) bool {
	switch entry.Kind {
	case graph.KindTrigger:
		cfg, ok := entry.Config.(*graph.TriggerConfig)
		return ok && condition.Evaluate(*cfg, price)
	case graph.KindBridge:
		return true
	}
	return false
}

func nodeIDs(g graph.Graph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func conflict(op string, state State) error {
	return xerrors.New(xerrors.CodeRunStateConflict, op+" is not allowed while "+string(state),
		xerrors.WithMetadata("state", string(state)))
}

// transition 持久化、发布事件并写审计日志。
func (e *Engine) transition(ctx context.Context, snap Snapshot, from State, t events.Type, recordState string) {
	if e.store != nil {
		if err := e.store.Save(ctx, snap.record(recordState)); err != nil {
			e.log.Error("保存运行记录失败", "run_id", snap.RunID, "error", err)
		}
	}
	to := string(snap.State)
	if recordState != "" {
		to = recordState
	}
	logger.Audit().Info("运行状态变更",
		slog.String("run_id", snap.RunID),
		slog.String("from", string(from)),
		slog.String("to", to),
		slog.String("entry_id", snap.EntryID),
		slog.Any("tx_hashes", snap.TxHashes),
		slog.String("error", snap.Error),
	)
	ev := events.New(t, snap.RunID)
	ev.State, ev.Previous = to, string(from)
	ev.Step, ev.TotalSteps, ev.Label = snap.Step, snap.TotalSteps, snap.StepLabel
	ev.Price, ev.GraphVersion = snap.TriggerPrice, snap.GraphVersion
	ev.Error, ev.Category = snap.Error, snap.Category
	e.publish(ctx, ev)
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn("发布事件失败", "type", ev.Type, "run_id", ev.RunID, "error", err)
	}
}
