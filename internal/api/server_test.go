package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiFlow/internal/engine"
	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/events"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/intent"
	"DefiFlow/internal/runlog"
	"DefiFlow/internal/web3"
)

type stubRuns struct {
	snap     engine.Snapshot
	startErr error
	started  int
}

func (s *stubRuns) ConnectWallet(context.Context) (common.Address, error) {
	return common.HexToAddress("0x00000000000000000000000000000000000000a1"), nil
}
func (s *stubRuns) Snapshot() engine.Snapshot { return s.snap }
func (s *stubRuns) Start(context.Context) (engine.Snapshot, error) {
	s.started++
	if s.startErr != nil {
		return engine.Snapshot{}, s.startErr
	}
	s.snap.State = engine.StateMonitoring
	return s.snap, nil
}
func (s *stubRuns) Stop(context.Context) (engine.Snapshot, error) {
	s.snap.State = engine.StateIdle
	return s.snap, nil
}
func (s *stubRuns) Dismiss(context.Context) (engine.Snapshot, error) { return s.snap, nil }

type stubIntent struct {
	hints []float64
	err   error
}

func (s *stubIntent) Compile(_ context.Context, text string, hint float64) (*intent.Result, error) {
	s.hints = append(s.hints, hint)
	if s.err != nil {
		return nil, s.err
	}
	return &intent.Result{Thought: "ok: " + text}, nil
}

type stubChains struct{}

func (stubChains) Snapshots(context.Context) []web3.ChainSnapshot {
	return []web3.ChainSnapshot{{Name: "sepolia", ChainID: "11155111", BlockNumber: "42"}}
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body map[string]errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestGraphEditing(t *testing.T) {
	model := graph.NewModel()
	h := NewServer(":0", Deps{Model: model}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/graph/nodes", map[string]any{
		"kind": "trigger", "id": "t1", "config": map[string]any{"operator": ">", "threshold": "3000"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/api/v1/graph/nodes", map[string]any{"kind": "swap", "id": "a1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/graph/nodes", map[string]any{"kind": "teleport"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/graph/edges", map[string]string{"source": "t1", "target": "a1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var edge graph.Edge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edge))
	assert.Equal(t, graph.EdgeID("t1", "a1"), edge.ID)

	rec = do(t, h, http.MethodPost, "/api/v1/graph/edges", map[string]string{"source": "a1", "target": "t1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(xerrors.CodeGraphCycle), errorOf(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/graph/validate", nil)
	var v validateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Reason)

	rec = do(t, h, http.MethodPatch, "/api/v1/graph/nodes/a1/config", map[string]any{"input": "1.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	node, _ := model.Node("a1")
	assert.Equal(t, graph.Number("1.5"), node.Config.(*graph.ActionConfig).Input)

	rec = do(t, h, http.MethodPost, "/api/v1/graph/validate", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Valid, v.Reason)
	assert.Equal(t, "t1", v.EntryID)

	rec = do(t, h, http.MethodPost, "/api/v1/graph/changes", map[string]any{
		"nodes": []map[string]any{{"type": "position", "id": "a1", "position": map[string]float64{"x": 5, "y": 6}}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	node, _ = model.Node("a1")
	assert.Equal(t, 5.0, node.Position.X)

	rec = do(t, h, http.MethodDelete, "/api/v1/graph/edges/"+edge.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/v1/graph/nodes/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/graph", nil)
	var g graph.Graph
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Len(t, g.Nodes, 2)
	assert.Empty(t, g.Edges)

	rec = do(t, h, http.MethodDelete, "/api/v1/graph", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, model.Snapshot().Nodes)
}

func TestReplaceGraphRejectsCycle(t *testing.T) {
	model := graph.NewModel()
	h := NewServer(":0", Deps{Model: model}).Handler()
	body := map[string]any{
		"nodes": []map[string]any{{"id": "a", "kind": "action"}, {"id": "b", "kind": "transfer"}},
		"edges": []map[string]string{{"source": "a", "target": "b"}, {"source": "b", "target": "a"}},
	}
	rec := do(t, h, http.MethodPut, "/api/v1/graph", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, model.Snapshot().Nodes)

	body["edges"] = []map[string]string{{"source": "a", "target": "b"}}
	rec = do(t, h, http.MethodPut, "/api/v1/graph", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, model.Snapshot().Edges, 1)
}

func TestIntentUsesEnginePriceAndRateLimit(t *testing.T) {
	compiler := &stubIntent{}
	runs := &stubRuns{snap: engine.Snapshot{Price: 3012.5}}
	h := NewServer(":0", Deps{Runs: runs, Intent: compiler}, WithIntentRate(1, 1)).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/intent", map[string]string{"text": "pay alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "ok: pay alice")
	assert.Equal(t, []float64{3012.5}, compiler.hints)

	rec = do(t, h, http.MethodPost, "/api/v1/intent", map[string]string{"text": "again"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.True(t, errorOf(t, rec).Retryable)
}

func TestIntentFailureIsBadGateway(t *testing.T) {
	compiler := &stubIntent{err: xerrors.New(xerrors.CodeIntentFailed, "model overloaded")}
	h := NewServer(":0", Deps{Intent: compiler}).Handler()
	hint := 100.0
	rec := do(t, h, http.MethodPost, "/api/v1/intent", map[string]any{"text": "x", "price_hint": hint})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := errorOf(t, rec)
	assert.Equal(t, "model overloaded", body.Message)
	assert.Equal(t, "external", body.Category)
	assert.True(t, body.Retryable)
	assert.Equal(t, []float64{100}, compiler.hints)
}

func TestRunControl(t *testing.T) {
	runs := &stubRuns{startErr: xerrors.New(xerrors.CodeRunWalletMissing, "")}
	h := NewServer(":0", Deps{Runs: runs}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/run/start", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "Please connect your wallet first", errorOf(t, rec).Message)

	rec = do(t, h, http.MethodPost, "/api/v1/wallet/connect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, strings.ToLower(rec.Body.String()), "0x00000000000000000000000000000000000000a1")

	runs.startErr = nil
	rec = do(t, h, http.MethodPost, "/api/v1/run/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, engine.StateMonitoring, snap.State)

	rec = do(t, h, http.MethodPost, "/api/v1/run/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/run", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, engine.StateIdle, snap.State)
	assert.Equal(t, 2, runs.started)
}

func TestRunHistory(t *testing.T) {
	store := runlog.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, runlog.Record{ID: "run-1", State: "succeeded", TxHashes: []string{"0xabc"}}))
	h := NewServer(":0", Deps{Store: store}).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []runlog.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "run-1", list[0].ID)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/run-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenAndMissingComponents(t *testing.T) {
	h := NewServer(":0", Deps{Chains: stubChains{}}, WithAPIToken("s3cret")).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)

	rec := do(t, h, http.MethodGet, "/api/v1/chains", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/chains", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/chains", nil, "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "11155111")

	rec = do(t, h, http.MethodGet, "/api/v1/run", nil, "Authorization", "bearer s3cret")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventStreamReplaysHistory(t *testing.T) {
	broker := events.NewBroker(8)
	defer broker.Close()
	ev := events.New(events.TypeRunFired, "run-7")
	ev.Price = 3001
	require.NoError(t, broker.Publish(context.Background(), ev))

	srv := httptest.NewServer(NewServer(":0", Deps{Events: broker}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?replay=1", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimSpace(line))
	}
	assert.Equal(t, "id: "+ev.ID, lines[0])
	assert.Equal(t, "event: run.fired", lines[1])
	assert.Contains(t, lines[2], `"run_id":"run-7"`)

	next := events.New(events.TypeRunSucceeded, "run-7")
	require.NoError(t, broker.Publish(context.Background(), next))
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "id: ") {
			assert.Equal(t, "id: "+next.ID, line, "replayed event must not be delivered twice")
			break
		}
	}
}
