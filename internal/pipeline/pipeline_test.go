package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/resolver"
	"DefiFlow/internal/web3"
	"DefiFlow/internal/web3/contracts"
)

var (
	session  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	executor = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	payroll  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000e3")
	alice    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

type fakeWallet struct {
	mu        sync.Mutex
	sent      []web3.TxRequest
	allowance *big.Int
	failAt    int
	failErr   error
}

func (w *fakeWallet) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{session}, nil
}

func (w *fakeWallet) SignAndSend(_ context.Context, req web3.TxRequest) (*web3.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, req)
	n := len(w.sent)
	if n == w.failAt {
		return nil, w.failErr
	}
	return &web3.Receipt{Chain: req.Chain, TxHash: common.BigToHash(big.NewInt(int64(n)))}, nil
}

func (w *fakeWallet) Call(context.Context, web3.TxRequest) ([]byte, error) {
	allowance := w.allowance
	if allowance == nil {
		allowance = new(big.Int)
	}
	return common.LeftPadBytes(allowance.Bytes(), 32), nil
}

func (w *fakeWallet) requests() []web3.TxRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]web3.TxRequest(nil), w.sent...)
}

func settings() Settings {
	return Settings{
		SwapChain:            "sepolia",
		SwapExecutor:         executor,
		SwapTokenOut:         usdc,
		SwapTokenOutDecimals: 6,
		SwapPoolFee:          3000,
		PayrollChain:         "arc",
		PayrollContract:      payroll,
		PayrollToken:         usdc,
		PayrollTokenDecimals: 6,
	}
}

func node(id string, cfg graph.Config) graph.Node {
	return graph.Node{ID: id, Kind: cfg.Kind(), Label: cfg.Kind().DefaultLabel(), Config: cfg}
}

func edges(pairs ...string) []graph.Edge {
	var out []graph.Edge
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, graph.Edge{ID: graph.EdgeID(pairs[i], pairs[i+1]), Source: pairs[i], Target: pairs[i+1]})
	}
	return out
}

func trigger() graph.Node {
	return node("trigger-1", &graph.TriggerConfig{Operator: graph.OperatorGreater, Threshold: "3000"})
}

func TestPlanSkipsTriggerAndOrdersTopologically(t *testing.T) {
	g := graph.Graph{
		Nodes: []graph.Node{
			node("transfer-1", &graph.TransferConfig{Memo: "m"}),
			node("action-1", &graph.ActionConfig{Input: "1"}),
			trigger(),
			node("resolver-1", &graph.ResolverConfig{}),
			node("orphan", &graph.ActionConfig{Input: "1"}),
		},
		Edges: edges("trigger-1", "action-1", "trigger-1", "resolver-1", "action-1", "transfer-1", "resolver-1", "transfer-1"),
	}
	plan, err := Plan(g, "trigger-1")
	require.NoError(t, err)

	var ids []string
	for _, n := range plan {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"action-1", "resolver-1", "transfer-1"}, ids)
}

func TestPlanIncludesBridgeEntry(t *testing.T) {
	g := graph.Graph{
		Nodes: []graph.Node{
			node("bridge-1", &graph.BridgeConfig{}),
			node("action-1", &graph.ActionConfig{Input: "1"}),
		},
		Edges: edges("bridge-1", "action-1"),
	}
	plan, err := Plan(g, "bridge-1")
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "bridge-1", plan[0].ID)
}

func TestRunSwapThenPayroll(t *testing.T) {
	wallet := &fakeWallet{allowance: big.NewInt(1_000_000_000_000)}
	p := NewDefault(wallet, nil, settings())
	g := graph.Graph{
		Nodes: []graph.Node{trigger(), node("action-1", &graph.ActionConfig{Input: "1"}), node("transfer-1", &graph.TransferConfig{Memo: "salary"})},
		Edges: edges("trigger-1", "action-1", "action-1", "transfer-1"),
	}

	res, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session, Price: 3100}, nil)
	require.NoError(t, err)
	assert.Len(t, res.TxHashes(), 2)

	sent := wallet.requests()
	require.Len(t, sent, 2)
	assert.Equal(t, executor, sent[0].To)
	assert.Equal(t, "sepolia", sent[0].Chain)
	assert.Equal(t, "1000000000000000000", sent[0].Value.String())
	assert.Equal(t, contracts.SwapExecutorABI.Methods["executeSwapAndTransfer"].ID, sent[0].Data[:4])
	assert.Equal(t, payroll, sent[1].To)
	assert.Equal(t, contracts.PayrollABI.Methods["distributeSalary"].ID, sent[1].Data[:4])

	swap := res.Last(graph.KindAction)
	require.NotNil(t, swap)
	assert.Equal(t, "3100.00", swap.Amount)
	transfer := res.Last(graph.KindTransfer)
	require.NotNil(t, transfer)
	require.Len(t, transfer.Payees, 1)
	assert.Equal(t, session, transfer.Payees[0].Address)
	assert.Empty(t, transfer.ApprovalHash)
}

func TestRunResolverPayrollApprovesWhenAllowanceShort(t *testing.T) {
	wallet := &fakeWallet{}
	names := resolver.NewStatic(map[string]string{"alice.eth": alice.Hex()})
	p := NewDefault(wallet, names, settings())
	g := graph.Graph{
		Nodes: []graph.Node{
			trigger(),
			node("resolver-1", &graph.ResolverConfig{Recipients: []graph.Recipient{
				{Input: "alice.eth", Amount: "10"},
				{Input: "bob.eth", Amount: "5"},
				{Input: session.Hex(), Amount: "2.5"},
				{Input: "not a name", Amount: "1"},
			}}),
			node("transfer-1", &graph.TransferConfig{Memo: "salary"}),
		},
		Edges: edges("trigger-1", "resolver-1", "resolver-1", "transfer-1"),
	}

	res, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session}, nil)
	require.NoError(t, err)

	rows := res.Last(graph.KindResolver).Recipients
	require.Len(t, rows, 4)
	assert.Equal(t, graph.RecipientValid, rows[0].Status)
	assert.Equal(t, alice.Hex(), rows[0].Address)
	assert.Equal(t, graph.RecipientInvalid, rows[1].Status)
	assert.Equal(t, graph.RecipientValid, rows[2].Status)
	assert.Equal(t, graph.RecipientInvalid, rows[3].Status)

	transfer := res.Last(graph.KindTransfer)
	assert.NotEmpty(t, transfer.ApprovalHash)
	assert.Equal(t, "12.50", transfer.Amount)
	assert.Equal(t, []string{transfer.TxHash}, res.TxHashes())

	sent := wallet.requests()
	require.Len(t, sent, 2)
	assert.Equal(t, usdc, sent[0].To)
	assert.Equal(t, contracts.ERC20ABI.Methods["approve"].ID, sent[0].Data[:4])

	args, err := contracts.PayrollABI.Methods["distributeSalary"].Inputs.Unpack(sent[1].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, []common.Address{alice, session}, args[1])
	assert.Equal(t, []*big.Int{big.NewInt(10_000_000), big.NewInt(2_500_000)}, args[2])
	assert.Equal(t, "salary", args[3])
}

func TestRunCapsRecipients(t *testing.T) {
	wallet := &fakeWallet{allowance: big.NewInt(1_000_000_000_000)}
	p := NewDefault(wallet, nil, settings())
	var rows []graph.Recipient
	for i := 1; i <= 7; i++ {
		rows = append(rows, graph.Recipient{Input: fmt.Sprintf("0x%040x", i), Amount: "1"})
	}
	g := graph.Graph{
		Nodes: []graph.Node{trigger(), node("resolver-1", &graph.ResolverConfig{Recipients: rows}), node("transfer-1", &graph.TransferConfig{Memo: "m"})},
		Edges: edges("trigger-1", "resolver-1", "resolver-1", "transfer-1"),
	}
	res, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Last(graph.KindTransfer).Payees, MaxRecipients)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	cause := errors.New("user rejected transaction")
	wallet := &fakeWallet{allowance: big.NewInt(1_000_000_000_000), failAt: 2, failErr: cause}
	p := NewDefault(wallet, nil, settings())
	g := graph.Graph{
		Nodes: []graph.Node{trigger(), node("action-1", &graph.ActionConfig{Input: "0.5"}), node("transfer-1", &graph.TransferConfig{Memo: "m"})},
		Edges: edges("trigger-1", "action-1", "action-1", "transfer-1"),
	}

	rec := &recorder{}
	res, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session, Price: 3000}, rec)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePipelineStepFailed, xerrors.CodeOf(err))
	assert.Equal(t, "user rejected transaction", xerrors.Reason(err))
	assert.ErrorIs(t, err, cause)

	require.Len(t, res.Steps, 1)
	assert.Len(t, res.TxHashes(), 1)
	assert.Equal(t, []string{"start action-1", "done action-1", "start transfer-1", "fail transfer-1"}, rec.events)
}

func TestTransferFailsWhenNoRecipientResolves(t *testing.T) {
	wallet := &fakeWallet{}
	p := NewDefault(wallet, resolver.NewStatic(nil), settings())
	g := graph.Graph{
		Nodes: []graph.Node{trigger(), node("resolver-1", &graph.ResolverConfig{Recipients: []graph.Recipient{{Input: "ghost.eth", Amount: "1"}}}), node("transfer-1", &graph.TransferConfig{Memo: "m"})},
		Edges: edges("trigger-1", "resolver-1", "resolver-1", "transfer-1"),
	}
	res, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session}, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePipelineConfig, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryConfiguration, xerrors.CategoryOf(err))
	assert.Contains(t, xerrors.Reason(err), "no recipient")
	assert.Empty(t, wallet.requests())

	// 解析步骤本身完成并记录每一行的状态，失败发生在转账步骤。
	resolved := res.Last(graph.KindResolver)
	require.NotNil(t, resolved)
	require.Len(t, resolved.Recipients, 1)
	assert.Equal(t, graph.RecipientInvalid, resolved.Recipients[0].Status)
	require.NotNil(t, res.Failed)
	assert.Equal(t, "transfer-1", res.Failed.NodeID)
}

func TestResolverWithoutTransferSucceedsWithInvalidRows(t *testing.T) {
	wallet := &fakeWallet{}
	p := NewDefault(wallet, resolver.NewStatic(nil), settings())
	g := graph.Graph{
		Nodes: []graph.Node{trigger(), node("resolver-1", &graph.ResolverConfig{Recipients: []graph.Recipient{{Input: "ghost.eth", Amount: "1"}}})},
		Edges: edges("trigger-1", "resolver-1"),
	}
	res, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Last(graph.KindResolver).Payees)
	assert.Empty(t, wallet.requests())
}

func TestRunRejectsTransferWithoutSource(t *testing.T) {
	wallet := &fakeWallet{}
	p := NewDefault(wallet, nil, settings())
	g := graph.Graph{
		Nodes: []graph.Node{trigger(), node("transfer-1", &graph.TransferConfig{Memo: "m"})},
		Edges: edges("trigger-1", "transfer-1"),
	}
	_, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session}, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePipelineConfig, xerrors.CodeOf(err))
	assert.Empty(t, wallet.requests())
}

func TestRunRejectsUnregisteredKindBeforeExecuting(t *testing.T) {
	wallet := &fakeWallet{}
	p := New(WithStep(graph.KindAction, &ActionStep{Wallet: wallet, Settings: settings()}))
	g := graph.Graph{
		Nodes: []graph.Node{trigger(), node("action-1", &graph.ActionConfig{Input: "1"}), node("transfer-1", &graph.TransferConfig{Memo: "m"})},
		Edges: edges("trigger-1", "action-1", "action-1", "transfer-1"),
	}
	_, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session}, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePipelineConfig, xerrors.CodeOf(err))
	assert.Empty(t, wallet.requests())
}

func TestRunAppliesStepTimeout(t *testing.T) {
	blocking := StepFunc(func(ctx context.Context, _ graph.Node, _ Input) (*StepResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := New(WithStep(graph.KindAction, blocking), WithStepTimeout(20*time.Millisecond))
	g := graph.Graph{
		Nodes: []graph.Node{trigger(), node("action-1", &graph.ActionConfig{Input: "1"})},
		Edges: edges("trigger-1", "action-1"),
	}
	_, err := p.Run(context.Background(), g, "trigger-1", Env{Session: session}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpstreamSeesOnlyAncestors(t *testing.T) {
	var seen []string
	capture := StepFunc(func(_ context.Context, n graph.Node, in Input) (*StepResult, error) {
		if n.ID == "transfer-1" {
			for _, r := range in.Upstream {
				seen = append(seen, r.NodeID)
			}
		}
		return &StepResult{}, nil
	})
	p := New(WithStep(graph.KindAction, capture), WithStep(graph.KindTransfer, capture))
	g := graph.Graph{
		Nodes: []graph.Node{
			trigger(),
			node("action-1", &graph.ActionConfig{Input: "1"}),
			node("action-2", &graph.ActionConfig{Input: "1"}),
			node("transfer-1", &graph.TransferConfig{Memo: "m"}),
		},
		Edges: edges("trigger-1", "action-1", "trigger-1", "action-2", "action-2", "transfer-1"),
	}
	_, err := p.Run(context.Background(), g, "trigger-1", Env{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"action-2"}, seen)
}

type recorder struct {
	events []string
}

func (r *recorder) StepStarted(_, _ int, n graph.Node) {
	r.events = append(r.events, "start "+n.ID)
}

func (r *recorder) StepFinished(_, _ int, res *StepResult, err error) {
	if err != nil {
		r.events = append(r.events, "fail "+res.NodeID)
		return
	}
	r.events = append(r.events, "done "+res.NodeID)
}
