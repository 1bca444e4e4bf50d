package graph

import (
	"strings"
)

// Entries 返回可作为执行入口的节点：全部 TRIGGER；若没有 TRIGGER，则为没有前驱的 BRIDGE。
func (g Graph) Entries() []Node {
	var triggers, bridges []Node
	for _, n := range g.Nodes {
		switch n.Kind {
		case KindTrigger:
			triggers = append(triggers, n)
		case KindBridge:
			if len(g.Predecessors(n.ID)) == 0 {
				bridges = append(bridges, n)
			}
		}
	}
	if len(triggers) > 0 {
		return triggers
	}
	return bridges
}

// ValidateForStart 检查图能否开始监控，返回被选中的入口节点 id。
// 入口需经由连接到达至少一个 ACTION 或 TRANSFER，路径上的节点必填字段齐全。
func ValidateForStart(g Graph) (string, error) {
	if len(g.Nodes) < 2 {
		return "", errInvalid("Agent Config Error: add both a trigger and an action node")
	}
	entries := g.Entries()
	if len(entries) == 0 {
		return "", errInvalid("Agent Config Error: add a price trigger node")
	}

	var firstErr error
	for _, entry := range entries {
		err := validateFrom(g, entry)
		if err == nil {
			return entry.ID, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", firstErr
}

func validateFrom(g Graph, entry Node) error {
	reach := g.Reachable(entry.ID)
	terminal := false
	for _, n := range g.Nodes {
		if reach[n.ID] && n.ID != entry.ID && n.Kind.Terminal() {
			terminal = true
		}
	}
	if !terminal {
		return errInvalid("Logic Broken: connect %s to a swap or payroll node", labelOf(entry))
	}

	for _, n := range g.Nodes {
		if !reach[n.ID] {
			continue
		}
		if n.Kind == KindTrigger && n.ID != entry.ID {
			return errInvalid("Logic Broken: %s cannot follow another step", labelOf(n))
		}
		if n.Config == nil {
			return errInvalid("Agent Config Error: %s has no configuration", labelOf(n))
		}
		if missing := n.Config.Missing(); len(missing) > 0 {
			return errInvalid("Agent Config Error: %s is missing %s", labelOf(n), strings.Join(missing, ", "))
		}
		if n.Kind == KindTransfer && !hasAncestor(g, n.ID, reach, KindResolver, KindAction) {
			return errInvalid("Logic Broken: %s needs a resolver or swap step before it", labelOf(n))
		}
	}
	return nil
}

// hasAncestor 判断 id 在 reach 范围内是否存在指定类型的祖先。
func hasAncestor(g Graph, id string, reach map[string]bool, kinds ...Kind) bool {
	seen := map[string]bool{}
	stack := g.Predecessors(id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] || !reach[cur] {
			continue
		}
		seen[cur] = true
		if n, ok := g.Node(cur); ok {
			for _, k := range kinds {
				if n.Kind == k {
					return true
				}
			}
		}
		stack = append(stack, g.Predecessors(cur)...)
	}
	return false
}

func labelOf(n Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}
