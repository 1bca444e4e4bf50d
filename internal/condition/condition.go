// Package condition decides whether a price trigger fires for a sample.
package condition

import (
	"math"

	"DefiFlow/internal/graph"
)

// Evaluate 在价格严格满足触发条件时返回 true。
// 阈值无法解析、比较符未知或价格非有限数时一律返回 false。
func Evaluate(trigger graph.TriggerConfig, price float64) bool {
	threshold, ok := trigger.Threshold.Float()
	if !ok || math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}
	switch trigger.Operator {
	case graph.OperatorGreater:
		return price > threshold
	case graph.OperatorLess:
		return price < threshold
	default:
		return false
	}
}
