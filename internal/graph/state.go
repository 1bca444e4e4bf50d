package graph

import (
	"errors"
)

var errUnchanged = errors.New("graph: unchanged")

// state 为模型内部的可变表示。节点配置视为不可变值，变更时整体替换。
type state struct {
	nodes []Node
	edges []Edge
}

func (s state) clone() state {
	out := state{nodes: make([]Node, len(s.nodes)), edges: make([]Edge, len(s.edges))}
	copy(out.nodes, s.nodes)
	copy(out.edges, s.edges)
	return out
}

func (s state) indexOf(id string) int {
	for i, n := range s.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *state) addNode(n Node) error {
	if n.ID == "" {
		return errInvalid("node id is required")
	}
	if !n.Kind.Valid() {
		return errInvalid("node %s has unknown kind %q", n.ID, n.Kind)
	}
	if s.indexOf(n.ID) >= 0 {
		return errInvalid("node %s already exists", n.ID)
	}
	if n.Config == nil {
		cfg, err := NewConfig(n.Kind)
		if err != nil {
			return errInvalid("%v", err)
		}
		n.Config = cfg
	} else if n.Config.Kind() != n.Kind {
		return errInvalid("node %s is %s but carries %s config", n.ID, n.Kind, n.Config.Kind())
	} else {
		n.Config = n.Config.clone()
	}
	s.nodes = append(s.nodes, n)
	return nil
}

func (s *state) removeNode(id string) error {
	i := s.indexOf(id)
	if i < 0 {
		return errNodeNotFound(id)
	}
	s.nodes = append(s.nodes[:i:i], s.nodes[i+1:]...)
	kept := s.edges[:0:0]
	for _, e := range s.edges {
		if e.Source != id && e.Target != id {
			kept = append(kept, e)
		}
	}
	s.edges = kept
	return nil
}

func (s *state) connect(id, source, target string) (Edge, error) {
	if s.indexOf(source) < 0 {
		return Edge{}, errNodeNotFound(source)
	}
	if s.indexOf(target) < 0 {
		return Edge{}, errNodeNotFound(target)
	}
	if source == target {
		return Edge{}, errCycle(source, target)
	}
	for _, e := range s.edges {
		if e.Source == source && e.Target == target {
			return Edge{}, errDuplicate(source, target)
		}
	}
	if s.reaches(target, source) {
		return Edge{}, errCycle(source, target)
	}
	if id == "" {
		id = EdgeID(source, target)
	}
	for _, e := range s.edges {
		if e.ID == id {
			return Edge{}, errInvalid("edge %s already exists", id)
		}
	}
	edge := Edge{ID: id, Source: source, Target: target}
	s.edges = append(s.edges, edge)
	return edge, nil
}

func (s *state) removeEdge(id string) (Edge, error) {
	for i, e := range s.edges {
		if e.ID == id {
			s.edges = append(s.edges[:i:i], s.edges[i+1:]...)
			return e, nil
		}
	}
	return Edge{}, errInvalid("edge %s not found", id)
}

// reaches 判断 from 沿连接方向能否到达 to。
func (s state) reaches(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range s.edges {
			if e.Source == cur && !seen[e.Target] {
				stack = append(stack, e.Target)
			}
		}
	}
	return false
}

// buildState 校验并构造一份完整的新状态，连接先于节点建立索引。
func buildState(nodes []Node, edges []Edge) (state, error) {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return state{}, errInvalid("node id is required")
		}
		if ids[n.ID] {
			return state{}, errInvalid("duplicate node id %s", n.ID)
		}
		ids[n.ID] = true
	}

	staged := state{}
	edgeIDs := map[string]bool{}
	pairs := map[[2]string]bool{}
	for _, e := range edges {
		if !ids[e.Source] {
			return state{}, errNodeNotFound(e.Source)
		}
		if !ids[e.Target] {
			return state{}, errNodeNotFound(e.Target)
		}
		if e.Source == e.Target {
			return state{}, errCycle(e.Source, e.Target)
		}
		pair := [2]string{e.Source, e.Target}
		if pairs[pair] {
			return state{}, errDuplicate(e.Source, e.Target)
		}
		pairs[pair] = true
		if e.ID == "" {
			e.ID = EdgeID(e.Source, e.Target)
		}
		if edgeIDs[e.ID] {
			return state{}, errInvalid("duplicate edge id %s", e.ID)
		}
		edgeIDs[e.ID] = true
		staged.edges = append(staged.edges, e)
	}
	if src, dst, ok := findCycle(staged.edges); ok {
		return state{}, errCycle(src, dst)
	}

	for _, n := range nodes {
		if err := staged.addNode(n); err != nil {
			return state{}, err
		}
	}
	return staged, nil
}

// findCycle 使用白/灰/黑三色深度优先搜索，返回闭合环的那条连接。
func findCycle(edges []Edge) (string, string, bool) {
	adj := map[string][]string{}
	var order []string
	for _, e := range edges {
		if _, ok := adj[e.Source]; !ok {
			order = append(order, e.Source)
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	const (
		white = iota
		gray
		black
	)
	color := map[string]int{}
	var src, dst string
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				src, dst = n, next
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	for _, n := range order {
		if color[n] == white && visit(n) {
			return src, dst, true
		}
	}
	return "", "", false
}
