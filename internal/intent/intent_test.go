package intent

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/events"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/llm"
)

func payrollResponse() *llm.Response {
	return &llm.Response{
		Thought: "Watch ETH, then pay the team.",
		Nodes: []llm.WireNode{
			{ID: "node-1", Type: "custom", Position: llm.Position{X: 100, Y: 100}, Data: map[string]any{"type": "trigger", "operator": ">", "threshold": 3000}},
			{ID: "node-2", Type: "custom", Position: llm.Position{X: 100, Y: 250}, Data: map[string]any{"type": "ens", "label": "Team", "recipients": []any{
				map[string]any{"input": "alice.eth", "amount": 10},
				map[string]any{"input": "0x00000000000000000000000000000000000000aa", "amount": "2.5"},
			}}},
			{ID: "node-3", Type: "custom", Position: llm.Position{X: 100, Y: 400}, Data: map[string]any{"type": "transfer", "memo": "October payroll", "unexpected": true}},
		},
		Edges: []llm.WireEdge{
			{Source: "node-1", Target: "node-2"},
			{ID: "custom-edge", Source: "node-2", Target: "node-3"},
		},
	}
}

func stub(resp *llm.Response, err error) (llm.Client, *llm.Request) {
	seen := &llm.Request{}
	return llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		*seen = req
		return resp, err
	}), seen
}

func seeded(t *testing.T) *graph.Model {
	t.Helper()
	m := graph.NewModel()
	_, err := m.AddNode(graph.KindAction, graph.Position{}, graph.WithNodeID("old-action"))
	require.NoError(t, err)
	return m
}

func TestCompileReplacesGraph(t *testing.T) {
	model := seeded(t)
	client, seen := stub(payrollResponse(), nil)

	replaced := 0
	cancel := model.Subscribe(func(ev graph.Event) {
		if ev.Kind == graph.EventReplaced {
			replaced++
		}
	})
	defer cancel()

	broker := events.NewBroker(8)
	res, err := New(client, model, WithPublisher(broker)).Compile(context.Background(), "  pay the team when ETH > 3000 ", 2950)
	require.NoError(t, err)
	assert.Equal(t, "pay the team when ETH > 3000", seen.Intent)
	assert.Equal(t, 2950.0, seen.PriceHint)
	assert.Equal(t, 1, replaced)
	assert.Equal(t, "Watch ETH, then pay the team.", res.Thought)
	assert.Empty(t, res.Issue)
	published := broker.Recent(0)
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeGraphReplaced, published[0].Type)
	assert.Equal(t, res.Graph.Version, published[0].GraphVersion)

	g := model.Snapshot()
	require.Len(t, g.Nodes, 3)
	_, old := g.Node("old-action")
	assert.False(t, old)

	trigger, _ := g.Node("node-1")
	assert.Equal(t, graph.KindTrigger, trigger.Kind)
	assert.Equal(t, graph.KindTrigger.DefaultLabel(), trigger.Label)
	tc := trigger.Config.(*graph.TriggerConfig)
	assert.Equal(t, graph.OperatorGreater, tc.Operator)
	assert.Equal(t, graph.Number("3000"), tc.Threshold)

	resolver, _ := g.Node("node-2")
	assert.Equal(t, graph.KindResolver, resolver.Kind)
	assert.Equal(t, "Team", resolver.Label)
	rc := resolver.Config.(*graph.ResolverConfig)
	require.Len(t, rc.Recipients, 2)
	assert.Equal(t, "alice.eth", rc.Recipients[0].Input)
	assert.Equal(t, graph.Number("2.5"), rc.Recipients[1].Amount)

	transfer, _ := g.Node("node-3")
	assert.Equal(t, "October payroll", transfer.Config.(*graph.TransferConfig).Memo)
	assert.Equal(t, 100.0, transfer.Position.X)

	require.Len(t, g.Edges, 2)
	assert.Equal(t, graph.EdgeID("node-1", "node-2"), g.Edges[0].ID)
	assert.Equal(t, "custom-edge", g.Edges[1].ID)
}

func TestCompileDiscardsPriorNodeWithReusedID(t *testing.T) {
	model := graph.NewModel()
	_, err := model.AddNode(graph.KindAction, graph.Position{X: 9, Y: 9},
		graph.WithNodeID("node-1"), graph.WithLabel("Old swap"),
		graph.WithConfig(&graph.ActionConfig{Input: "5"}))
	require.NoError(t, err)
	_, err = model.AddNode(graph.KindTransfer, graph.Position{}, graph.WithNodeID("old-transfer"))
	require.NoError(t, err)
	_, err = model.Connect("node-1", "old-transfer")
	require.NoError(t, err)
	require.NoError(t, model.SetOutput("node-1", "14500.00"))
	model.SetActive(nil, true)

	client, _ := stub(payrollResponse(), nil)
	_, err = New(client, model).Compile(context.Background(), "pay the team", 0)
	require.NoError(t, err)

	g := model.Snapshot()
	require.Len(t, g.Nodes, 3)
	n, ok := g.Node("node-1")
	require.True(t, ok)
	assert.Equal(t, graph.KindTrigger, n.Kind)
	assert.Equal(t, graph.KindTrigger.DefaultLabel(), n.Label)
	assert.Equal(t, graph.Position{X: 100, Y: 100}, n.Position)
	assert.IsType(t, &graph.TriggerConfig{}, n.Config)
	assert.Equal(t, graph.Runtime{}, n.Runtime)
	_, ok = g.Node("old-transfer")
	assert.False(t, ok)
	for _, e := range g.Edges {
		assert.NotEqual(t, "old-transfer", e.Target)
	}
}

func TestCompileReportsUnrunnableGraph(t *testing.T) {
	resp := &llm.Response{Nodes: []llm.WireNode{
		{ID: "node-1", Data: map[string]any{"type": "action", "input": "1"}},
	}}
	client, _ := stub(resp, nil)
	model := graph.NewModel()

	broker := events.NewBroker(8)
	res, err := New(client, model, WithPublisher(broker)).Compile(context.Background(), "swap 1 ETH", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Issue)
	assert.Len(t, model.Snapshot().Nodes, 1)
}

func TestCompileFailuresLeaveGraphUntouched(t *testing.T) {
	cyclic := payrollResponse()
	cyclic.Edges = append(cyclic.Edges, llm.WireEdge{Source: "node-3", Target: "node-1"})

	unknown := payrollResponse()
	unknown.Nodes[1].Data["type"] = "teleport"

	empty := &llm.Response{Thought: "nothing to do"}

	selfLoop := payrollResponse()
	selfLoop.Edges = []llm.WireEdge{{Source: "node-1", Target: "node-1"}}

	cases := []struct {
		name string
		resp *llm.Response
		err  error
		code xerrors.Code
	}{
		{"client error", nil, stdErrors.New("connection refused"), xerrors.CodeIntentFailed},
		{"reported error", &llm.Response{Error: "I can only automate ETH"}, nil, xerrors.CodeIntentFailed},
		{"no nodes", empty, nil, xerrors.CodeIntentInvalid},
		{"self loop", selfLoop, nil, xerrors.CodeIntentInvalid},
		{"unknown type", unknown, nil, xerrors.CodeIntentInvalid},
		{"cycle", cyclic, nil, xerrors.CodeIntentInvalid},
		{"nil response", nil, nil, xerrors.CodeIntentInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := seeded(t)
			before := model.Version()
			client, _ := stub(tc.resp, tc.err)

			_, err := New(client, model).Compile(context.Background(), "pay alice", 0)
			require.Error(t, err)
			assert.Equal(t, tc.code, xerrors.CodeOf(err))
			assert.True(t, xerrors.RetryableError(err))
			assert.Equal(t, before, model.Version())
			_, ok := model.Node("old-action")
			assert.True(t, ok)
		})
	}
}

func TestCompileReportedErrorIsVerbatim(t *testing.T) {
	client, _ := stub(&llm.Response{Error: "I can only automate ETH"}, nil)
	_, err := New(client, graph.NewModel()).Compile(context.Background(), "buy a boat", 0)
	require.Error(t, err)
	assert.Equal(t, "I can only automate ETH", xerrors.Reason(err))
}

func TestCompileRejectsEmptyText(t *testing.T) {
	called := false
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		called = true
		return nil, nil
	})
	_, err := New(client, graph.NewModel()).Compile(context.Background(), "   ", 0)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	assert.False(t, called)
}
