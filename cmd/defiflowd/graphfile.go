package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"DefiFlow/internal/graph"
	"DefiFlow/pkg/logger"
)

func graphPath(dataDir string) string {
	return filepath.Join(dataDir, "graph.json")
}

// restoreGraph 载入上次保存的图，文件不存在时保持空图。
func restoreGraph(model *graph.Model, path string) error {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var g graph.Graph
	if err := json.Unmarshal(content, &g); err != nil {
		return err
	}
	for i := range g.Nodes {
		g.Nodes[i].Runtime = graph.Runtime{}
	}
	return model.ReplaceAll(g.Nodes, g.Edges)
}

// persistGraph 在每次结构或配置变化后写回文件，运行时标记变化不落盘。
func persistGraph(model *graph.Model, path string) graph.Observer {
	log := logger.Named("defiflowd")
	var mu sync.Mutex
	return func(ev graph.Event) {
		if !ev.Kind.Structural() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		content, err := json.MarshalIndent(model.Snapshot(), "", "  ")
		if err != nil {
			log.Warn("序列化图失败", "error", err)
			return
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, content, 0o644); err != nil {
			log.Warn("保存图失败", "path", path, "error", err)
			return
		}
		if err := os.Rename(tmp, path); err != nil {
			log.Warn("保存图失败", "path", path, "error", err)
		}
	}
}
