package main

import (
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiFlow/internal/graph"
)

func TestPersistGraphSkipsDerivedChanges(t *testing.T) {
	path := graphPath(t.TempDir())
	model := graph.NewModel()
	defer model.Subscribe(persistGraph(model, path))()

	n, err := model.AddNode(graph.KindAction, graph.Position{X: 1, Y: 2},
		graph.WithNodeID("action-1"), graph.WithConfig(&graph.ActionConfig{Input: "1"}))
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	require.NoError(t, model.SetDerivedOutput(n.ID, "3100.00"))
	model.SetActive(nil, true)
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "derived and runtime changes must not rewrite the file")

	require.NoError(t, model.PatchNodeConfig(n.ID, map[string]any{"input": "2"}))
	restored := graph.NewModel()
	require.NoError(t, restoreGraph(restored, path))
	got, ok := restored.Node("action-1")
	require.True(t, ok)
	assert.Equal(t, graph.Number("2"), got.Config.(*graph.ActionConfig).Input)
	assert.False(t, got.Runtime.Active)
}

func TestRestoreGraphMissingFile(t *testing.T) {
	model := graph.NewModel()
	require.NoError(t, restoreGraph(model, graphPath(t.TempDir())))
	assert.Empty(t, model.Snapshot().Nodes)
}
