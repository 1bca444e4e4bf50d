// Package quote keeps every swap node's displayed output in step with its
// input amount and the latest price sample.
package quote

import (
	"strconv"
	"sync"

	"DefiFlow/internal/graph"
	"DefiFlow/pkg/logger"
)

// Format 将金额格式化为两位小数。
func Format(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}

// Quote 计算 input * price；输入无效或尚无价格时返回空串。
func Quote(input graph.Number, price float64) string {
	amount, ok := input.Float()
	if !ok || price <= 0 {
		return ""
	}
	return Format(amount * price)
}

// Deriver 订阅图变更与价格更新，通过 SetDerivedOutput 回写 ACTION 节点的 output。
type Deriver struct {
	model *graph.Model

	mu    sync.Mutex
	price float64
	stop  func()
}

// NewDeriver 创建推导器，需调用 Start 开始订阅。
func NewDeriver(model *graph.Model) *Deriver {
	return &Deriver{model: model}
}

// Start 订阅图变更并立即对现有节点计算一次。
func (d *Deriver) Start() {
	d.mu.Lock()
	if d.stop != nil {
		d.mu.Unlock()
		return
	}
	d.stop = d.model.Subscribe(d.observe)
	d.mu.Unlock()
	d.refresh(nil)
}

// Stop 取消订阅。
func (d *Deriver) Stop() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// UpdatePrice 记录最新价格，价格变化时重算全部报价。
func (d *Deriver) UpdatePrice(price float64) {
	d.mu.Lock()
	changed := price != d.price
	d.price = price
	d.mu.Unlock()
	if changed {
		d.refresh(nil)
	}
}

// Price 返回推导器当前使用的价格。
func (d *Deriver) Price() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.price
}

func (d *Deriver) observe(ev graph.Event) {
	switch ev.Kind {
	case graph.EventConfigPatched:
		if ev.HasField("input") {
			d.refresh(ev.NodeIDs)
		}
	case graph.EventReplaced, graph.EventNodesChanged:
		d.refresh(nil)
	}
}

// refresh 重算 ids 指定的 ACTION 节点，ids 为空时重算全部。
func (d *Deriver) refresh(ids []string) {
	price := d.Price()
	for _, n := range d.model.Snapshot().Nodes {
		if n.Kind != graph.KindAction || (len(ids) > 0 && !contains(ids, n.ID)) {
			continue
		}
		cfg, ok := n.Config.(*graph.ActionConfig)
		if !ok {
			continue
		}
		q := Quote(cfg.Input, price)
		if q == cfg.Output {
			continue
		}
		if err := d.model.SetDerivedOutput(n.ID, q); err != nil {
			logger.Named("quote").Debug("更新报价失败", "node_id", n.ID, "error", err)
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
