package pipeline

import (
	"fmt"
	"strings"
)

// Info is the graph structure for visualization.
type Info struct {
	Nodes []string
	Edges []EdgeInfo
}

// EdgeInfo is a dependency edge: To runs after From.
type EdgeInfo struct {
	From string
	To   string
}

// Info lists the tasks in execution order and one edge per distinct
// dependency, grouped by dependent task.
func (g *Graph) Info() *Info {
	info := &Info{Nodes: make([]string, 0, len(g.order))}
	for _, i := range g.order {
		info.Nodes = append(info.Nodes, g.tasks[i].ID)
		for _, d := range g.deps[i] {
			info.Edges = append(info.Edges, EdgeInfo{From: g.tasks[d].ID, To: g.tasks[i].ID})
		}
	}
	return info
}

// Mermaid renders the graph as a Mermaid flowchart. Deterministic tasks are
// drawn as subroutines.
func (g *Graph) Mermaid() string {
	key := make(map[int]string, len(g.order))
	for pos, i := range g.order {
		key[i] = fmt.Sprintf("t%d", pos)
	}

	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for _, i := range g.order {
		t := g.tasks[i]
		label := strings.ReplaceAll(t.ID, `"`, "#quot;")
		if t.Deterministic {
			fmt.Fprintf(&b, "  %s[[\"%s\"]]\n", key[i], label)
		} else {
			fmt.Fprintf(&b, "  %s[\"%s\"]\n", key[i], label)
		}
	}
	for _, i := range g.order {
		for _, d := range g.deps[i] {
			fmt.Fprintf(&b, "  %s --> %s\n", key[d], key[i])
		}
	}
	return b.String()
}
