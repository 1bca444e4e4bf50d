package condition

import (
	"math"
	"testing"

	"DefiFlow/internal/graph"
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name      string
		operator  graph.Operator
		threshold graph.Number
		price     float64
		want      bool
	}{
		{"greater fires above", ">", "3000", 3001, true},
		{"greater is strict", ">", "3000", 3000, false},
		{"greater below", ">", "3000", 2900, false},
		{"less fires below", "<", "3000", 2999.5, true},
		{"less is strict", "<", "3000", 3000, false},
		{"unparseable threshold", ">", "abc", 1e9, false},
		{"empty threshold", "<", "", 0, false},
		{"infinite threshold", ">", "Inf", 1, false},
		{"unknown operator", ">=", "3000", 4000, false},
		{"nan price", ">", "3000", math.NaN(), false},
		{"decimal threshold", "<", "0.05", 0.04, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(graph.TriggerConfig{Operator: tc.operator, Threshold: tc.threshold}, tc.price)
			if got != tc.want {
				t.Fatalf("Evaluate(%s %s, %v) = %v, want %v", tc.operator, tc.threshold, tc.price, got, tc.want)
			}
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	trigger := graph.TriggerConfig{Operator: ">", Threshold: "3000"}
	for i := 0; i < 3; i++ {
		if !Evaluate(trigger, 3100) {
			t.Fatalf("expected repeated evaluation to stay true")
		}
	}
	if trigger.Threshold != "3000" {
		t.Fatalf("trigger mutated")
	}
}
