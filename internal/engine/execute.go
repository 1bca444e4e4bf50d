package engine

import (
	"context"
	"log/slog"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/events"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/observability/alerting"
	"DefiFlow/internal/observability/metrics"
	"DefiFlow/internal/pipeline"
	"DefiFlow/pkg/logger"
)

func (e *Engine) execute(ctx context.Context, g graph.Graph, entryID string, env pipeline.Env, done chan struct{}) {
	defer close(done)

	res, err := e.runner.Run(ctx, g, entryID, env, &progress{engine: e, runID: env.RunID})
	if res == nil {
		res = &pipeline.Result{}
	}
	e.writeBack(res)

	e.mu.Lock()
	if e.snap.RunID != env.RunID {
		e.mu.Unlock()
		return
	}
	e.snap.TxHashes = res.TxHashes()
	e.snap.Steps = e.snap.Steps[:0]
	for _, step := range res.Steps {
		e.snap.Steps = append(e.snap.Steps, summarize(step))
		e.link(step.Chain, step.TxHash)
		e.link(step.Chain, step.ApprovalHash)
	}
	if f := res.Failed; f != nil {
		e.link(f.Chain, f.ApprovalHash)
	}
	if s := res.Last(graph.KindAction); s != nil {
		e.snap.SwapHash = s.TxHash
	}
	if s := res.Last(graph.KindBridge); s != nil {
		e.snap.BridgeHash = s.TxHash
	}
	if s := res.Last(graph.KindTransfer); s != nil {
		e.snap.PayrollHash = s.TxHash
	}
	e.snap.FinishedAt = e.now().UTC()
	eventType := events.TypeRunSucceeded
	if err != nil {
		e.snap.State = StateFailed
		e.snap.Error = xerrors.Reason(err)
		e.snap.ErrorCode = string(xerrors.CodeOf(err))
		e.snap.Category = string(xerrors.CategoryOf(err))
		eventType = events.TypeRunFailed
	} else {
		e.snap.State = StateSucceeded
		e.snap.Step = e.snap.TotalSteps
		e.snap.StepLabel = LabelComplete
	}
	snap := e.snap.clone()
	e.mu.Unlock()

	metrics.ObserveRun(string(snap.State))
	e.transition(ctx, snap, StateExecuting, eventType, "")
	if err != nil {
		e.log.Error("运行失败", "run_id", snap.RunID, "error", err)
		if e.alerts != nil && xerrors.ShouldAlert(err) {
			ev := alerting.FromError(snap.RunID, err)
			ev.TxHashes = snap.TxHashes
			if alertErr := e.alerts.Notify(ctx, ev); alertErr != nil {
				e.log.Warn("发送告警失败", "run_id", snap.RunID, "error", alertErr)
			}
		}
	}
}

// link 记录交易的浏览器链接，调用方持有 mu。
func (e *Engine) link(chain, hash string) {
	if hash == "" || e.explorer == nil {
		return
	}
	url := e.explorer(chain, hash)
	if url == "" {
		return
	}
	if e.snap.Explorer == nil {
		e.snap.Explorer = make(map[string]string)
	}
	e.snap.Explorer[hash] = url
}

// writeBack 将解析结果与实际金额写回图中对应节点。
func (e *Engine) writeBack(res *pipeline.Result) {
	steps := res.Steps
	if res.Failed != nil {
		steps = append(append([]*pipeline.StepResult(nil), steps...), res.Failed)
	}
	for _, step := range steps {
		if step.Kind == graph.KindResolver && len(step.Recipients) > 0 {
			if err := e.model.PatchNodeConfig(step.NodeID, map[string]any{"recipients": step.Recipients}); err != nil {
				e.log.Debug("回写收款人状态失败", "node_id", step.NodeID, "error", err)
			}
		}
		out := step.Amount
		if out == "" {
			out = step.TxHash
		}
		if out != "" {
			_ = e.model.SetOutput(step.NodeID, out)
		}
	}
}

// progress 将流水线进度同步到快照。
type progress struct {
	engine *Engine
	runID  string
}

func (p *progress) StepStarted(index, total int, node graph.Node) {
	e := p.engine
	e.mu.Lock()
	if e.snap.RunID != p.runID {
		e.mu.Unlock()
		return
	}
	e.snap.Step, e.snap.TotalSteps, e.snap.StepLabel = index+1, total, stepLabel(node.Kind)
	label := e.snap.StepLabel
	e.mu.Unlock()

	ev := events.New(events.TypeRunStep, p.runID)
	ev.State, ev.Step, ev.TotalSteps, ev.Label, ev.NodeID = string(StateExecuting), index+1, total, label, node.ID
	e.publish(context.Background(), ev)
}

func (p *progress) StepFinished(index, total int, res *pipeline.StepResult, err error) {
	e := p.engine
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveStep(string(res.Kind), outcome, res.Duration)

	e.mu.Lock()
	if e.snap.RunID == p.runID && err == nil {
		if res.TxHash != "" {
			e.snap.TxHashes = append(e.snap.TxHashes, res.TxHash)
		}
		e.snap.Steps = append(e.snap.Steps, summarize(res))
		e.link(res.Chain, res.TxHash)
	}
	e.mu.Unlock()

	logger.Audit().Info("步骤完成",
		slog.String("run_id", p.runID),
		slog.String("node_id", res.NodeID),
		slog.String("kind", string(res.Kind)),
		slog.String("tx_hash", res.TxHash),
		slog.String("approval_hash", res.ApprovalHash),
		slog.String("outcome", outcome),
	)
	ev := events.New(events.TypeRunStep, p.runID)
	ev.State, ev.Step, ev.TotalSteps, ev.NodeID, ev.TxHash = string(StateExecuting), index+1, total, res.NodeID, res.TxHash
	if err != nil {
		ev.Error = xerrors.Reason(err)
	}
	e.publish(context.Background(), ev)
}
