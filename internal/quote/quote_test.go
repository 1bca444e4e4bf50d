package quote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiFlow/internal/graph"
)

func outputOf(t *testing.T, m *graph.Model, id string) string {
	t.Helper()
	n, ok := m.Node(id)
	require.True(t, ok)
	return n.Config.(*graph.ActionConfig).Output
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "3100.00", Quote("1", 3100))
	assert.Equal(t, "1550.25", Quote("0.5", 3100.5))
	assert.Equal(t, "", Quote("abc", 3100))
	assert.Equal(t, "", Quote("1", 0))
}

func TestDeriverTracksInputAndPrice(t *testing.T) {
	m := graph.NewModel()
	d := NewDeriver(m)
	d.Start()
	defer d.Stop()

	n, err := m.AddNode(graph.KindAction, graph.Position{})
	require.NoError(t, err)
	assert.Equal(t, "", outputOf(t, m, n.ID))

	d.UpdatePrice(3000)
	require.NoError(t, m.PatchNodeConfig(n.ID, map[string]any{"input": "2"}))
	assert.Equal(t, "6000.00", outputOf(t, m, n.ID))

	d.UpdatePrice(3100)
	assert.Equal(t, "6200.00", outputOf(t, m, n.ID))

	require.NoError(t, m.PatchNodeConfig(n.ID, map[string]any{"input": "x"}))
	assert.Equal(t, "", outputOf(t, m, n.ID))
}

func TestDeriverRecomputesAfterReplaceAll(t *testing.T) {
	m := graph.NewModel()
	d := NewDeriver(m)
	d.UpdatePrice(2000)
	d.Start()
	defer d.Stop()

	require.NoError(t, m.ReplaceAll([]graph.Node{
		{ID: "swap", Kind: graph.KindAction, Config: &graph.ActionConfig{Input: "1.5"}},
	}, nil))
	assert.Equal(t, "3000.00", outputOf(t, m, "swap"))
}

func TestDeriverStopsAfterUnsubscribe(t *testing.T) {
	m := graph.NewModel()
	d := NewDeriver(m)
	d.UpdatePrice(1000)
	d.Start()
	n, err := m.AddNode(graph.KindAction, graph.Position{})
	require.NoError(t, err)
	d.Stop()

	require.NoError(t, m.PatchNodeConfig(n.ID, map[string]any{"input": "1"}))
	assert.Equal(t, "", outputOf(t, m, n.ID))
}

func TestPriceTicksDoNotBumpGraphVersion(t *testing.T) {
	m := graph.NewModel()
	d := NewDeriver(m)
	d.Start()
	defer d.Stop()
	n, err := m.AddNode(graph.KindAction, graph.Position{}, graph.WithConfig(&graph.ActionConfig{Input: "1"}))
	require.NoError(t, err)
	version := m.Version()

	var structural int
	m.Subscribe(func(ev graph.Event) {
		if ev.Kind.Structural() {
			structural++
		}
	})
	for _, p := range []float64{2900, 2901, 2902, 2903} {
		d.UpdatePrice(p)
	}
	assert.Equal(t, "2903.00", outputOf(t, m, n.ID))
	assert.Equal(t, version, m.Version())
	assert.Zero(t, structural)
}
