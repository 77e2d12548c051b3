package pipeline

import (
	"container/heap"
	"errors"
	"sort"
)

// Graph is a validated, acyclic set of tasks. Indices refer to input order.
type Graph struct {
	tasks    []Task
	index    map[string]int
	deps     [][]int // deps[i] are the tasks i depends on
	outgoing [][]int // outgoing[i] are the tasks that depend on i, ascending
	order    []int
}

// NewGraph validates tasks and computes their execution order. Validation
// runs to completion: every dangling reference and every cycle is reported.
func NewGraph(tasks []Task) (*Graph, error) {
	g := &Graph{
		tasks:    append([]Task(nil), tasks...),
		index:    make(map[string]int, len(tasks)),
		deps:     make([][]int, len(tasks)),
		outgoing: make([][]int, len(tasks)),
	}

	for i, t := range g.tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := g.index[t.ID]; dup {
			return nil, &GraphError{Kind: ErrInvalidTask, Task: t.ID, Err: errDuplicateID}
		}
		g.index[t.ID] = i
	}

	var unknown []Reference
	for i, t := range g.tasks {
		seen := make(map[int]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				unknown = append(unknown, Reference{Task: t.ID, Dependency: dep})
				continue
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.outgoing[j] = append(g.outgoing[j], i)
		}
	}
	if len(unknown) > 0 {
		return nil, &GraphError{Kind: ErrUnknownDependency, Unknown: unknown}
	}
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
	}

	g.order = g.topoOrder()
	if len(g.order) != len(g.tasks) {
		return nil, &GraphError{Kind: ErrCycleDetected, Cycles: g.cycles()}
	}
	return g, nil
}

var errDuplicateID = errors.New("duplicate task id")

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with the ready set ordered by input index,
// so tasks that become eligible together run in the order they were given.
func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.tasks))
	for i := range g.deps {
		indeg[i] = len(g.deps[i])
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// cycles returns the members of every strongly connected component that
// forms a cycle (Tarjan), each sorted by input index, ordered by their
// first member.
func (g *Graph) cycles() [][]string {
	n := len(g.tasks)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var (
		stack   []int
		counter int
		comps   [][]int
	)

	var strongConnect func(v int)
	strongConnect = func(v int) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.outgoing[v] {
			if index[w] < 0 {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}
		var comp []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		if len(comp) > 1 || g.selfLoop(v) {
			sort.Ints(comp)
			comps = append(comps, comp)
		}
	}

	for v := 0; v < n; v++ {
		if index[v] < 0 {
			strongConnect(v)
		}
	}

	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	out := make([][]string, len(comps))
	for i, comp := range comps {
		names := make([]string, len(comp))
		for k, idx := range comp {
			names[k] = g.tasks[idx].ID
		}
		out[i] = names
	}
	return out
}

func (g *Graph) selfLoop(v int) bool {
	for _, d := range g.deps[v] {
		if d == v {
			return true
		}
	}
	return false
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Task returns the task with the given ID.
func (g *Graph) Task(id string) (Task, bool) {
	i, ok := g.index[id]
	if !ok {
		return Task{}, false
	}
	return g.tasks[i], true
}

// Tasks returns the tasks in input order.
func (g *Graph) Tasks() []Task {
	return append([]Task(nil), g.tasks...)
}

// Order returns the tasks in execution order: no task precedes any of its
// dependencies, and ties keep input order.
func (g *Graph) Order() []Task {
	out := make([]Task, len(g.order))
	for i, idx := range g.order {
		out[i] = g.tasks[idx]
	}
	return out
}

// Levels groups tasks into batches whose members do not depend on each
// other. Every dependency of a task sits in an earlier batch.
func (g *Graph) Levels() [][]Task {
	level := make([]int, len(g.tasks))
	depth := 0
	for _, i := range g.order {
		for _, d := range g.deps[i] {
			level[i] = max(level[i], level[d]+1)
		}
		depth = max(depth, level[i]+1)
	}

	out := make([][]Task, depth)
	for i, t := range g.tasks {
		out[level[i]] = append(out[level[i]], t)
	}
	return out
}

// Terminal returns the IDs of tasks nothing depends on, in input order.
func (g *Graph) Terminal() []string {
	var out []string
	for i, t := range g.tasks {
		if len(g.outgoing[i]) == 0 {
			out = append(out, t.ID)
		}
	}
	return out
}
