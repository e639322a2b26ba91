package dag

import (
	"errors"
	"maps"
	"slices"
	"sync/atomic"
)

// Graph is an acyclic set of tasks keyed by id. All edges are declared before
// Validate; a Graph backs exactly one run.
type Graph struct {
	Name string

	tasks      map[string]*Task
	downstream map[string][]string
	order      []string
	validated  bool
	consumed   atomic.Bool
}

func NewGraph(name string) *Graph {
	return &Graph{Name: name, tasks: make(map[string]*Task)}
}

// AddTask stores a copy of t. Its Upstream may name tasks that are added
// later; references are checked by Validate.
func (g *Graph) AddTask(t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task must have an id")
	}
	if _, ok := g.tasks[t.ID]; ok {
		return &DuplicateIDError{ID: t.ID}
	}
	if slices.Contains(t.Upstream, t.ID) {
		return &CycleError{Path: []string{t.ID, t.ID}}
	}
	c := *t
	c.Params = maps.Clone(t.Params)
	c.Upstream = nil
	g.tasks[t.ID] = &c
	g.validated = false
	return g.SetUpstream(t.ID, t.Upstream...)
}

// SetUpstream declares that id depends on every task in upstream.
func (g *Graph) SetUpstream(id string, upstream ...string) error {
	t, ok := g.tasks[id]
	if !ok {
		return &UnknownTaskError{ID: id}
	}
	for _, u := range upstream {
		if u == id {
			return &CycleError{Path: []string{id, id}}
		}
		if !slices.Contains(t.Upstream, u) {
			t.Upstream = append(t.Upstream, u)
		}
	}
	g.validated = false
	return nil
}

func (g *Graph) Len() int { return len(g.tasks) }

// Task returns a copy of the task registered under id.
func (g *Graph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	c := *t
	c.Upstream = slices.Clone(t.Upstream)
	c.Params = maps.Clone(t.Params)
	return c, true
}

// Validate checks upstream references and acyclicity, then fixes the
// topological order used for dispatch and reporting.
func (g *Graph) Validate() error {
	if g.validated {
		return nil
	}
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		for _, u := range g.tasks[id].Upstream {
			if _, ok := g.tasks[u]; !ok {
				return &UnknownTaskError{ID: id, Ref: u}
			}
		}
	}
	if path := g.findCycle(ids); path != nil {
		return &CycleError{Path: path}
	}

	g.downstream = make(map[string][]string, len(ids))
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] = len(g.tasks[id].Upstream)
		for _, u := range g.tasks[id].Upstream {
			g.downstream[u] = append(g.downstream[u], id)
		}
	}

	// Kahn's algorithm over sorted ids keeps the order deterministic.
	var queue []string
	for _, id := range ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	g.order = g.order[:0]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.order = append(g.order, id)
		for _, d := range g.downstream[id] {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	g.validated = true
	return nil
}

func (g *Graph) findCycle(ids []string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		up := slices.Clone(g.tasks[id].Upstream)
		slices.Sort(up)
		for _, u := range up {
			switch color[u] {
			case grey:
				start := slices.Index(stack, u)
				cycle := slices.Clone(stack[start:])
				// stack follows upstream edges; report in run order
				slices.Reverse(cycle)
				return append([]string{u}, cycle...)
			case white:
				if p := visit(u); p != nil {
					return p
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if p := visit(id); p != nil {
				return p
			}
		}
	}
	return nil
}

// Order returns the tasks in a deterministic topological order.
func (g *Graph) Order() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return slices.Clone(g.order), nil
}

// Downstream returns every task that transitively depends on id, in
// topological order.
func (g *Graph) Downstream(id string) []string {
	seen := map[string]bool{}
	queue := slices.Clone(g.downstream[id])
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if seen[d] {
			continue
		}
		seen[d] = true
		queue = append(queue, g.downstream[d]...)
	}
	var out []string
	for _, t := range g.order {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out
}

// ReadySet inspects PENDING tasks whose upstream tasks are all terminal.
// Those whose upstream all succeeded are returned in ready; the rest can
// never run and are returned in blocked. Requires a validated graph.
func (g *Graph) ReadySet(states map[string]State) (ready, blocked []string) {
	for _, id := range g.order {
		if states[id] != Pending {
			continue
		}
		ok, done := true, true
		for _, u := range g.tasks[id].Upstream {
			st := states[u]
			if !st.Terminal() {
				done = false
				break
			}
			if st != Succeeded {
				ok = false
			}
		}
		switch {
		case !done:
		case ok:
			ready = append(ready, id)
		default:
			blocked = append(blocked, id)
		}
	}
	return ready, blocked
}
