// Package graph loads build graphs and computes scheduling priorities.
package graph

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/fentz26/ninjateam/internal/models"
)

// Graph is an immutable, validated set of build units.
type Graph struct {
	units      []*models.BuildUnit
	index      map[string]int
	dependents map[string][]string
	byOutput   map[string]string
	defaults   []string
}

// New builds a graph from units in the given order and validates it.
func New(units []models.BuildUnit) (*Graph, error) {
	g := &Graph{
		index:      make(map[string]int, len(units)),
		dependents: make(map[string][]string),
		byOutput:   make(map[string]string),
	}
	for i := range units {
		u := units[i]
		if u.ID == "" {
			return nil, fmt.Errorf("unit %d has no id", i)
		}
		if _, dup := g.index[u.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUnit, u.ID)
		}
		g.index[u.ID] = len(g.units)
		g.units = append(g.units, &u)
		for _, out := range u.Outputs {
			g.byOutput[out] = u.ID
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	for _, u := range g.units {
		for _, dep := range u.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], u.ID)
		}
	}
	return g, nil
}

// FromSpec builds a graph from its serialisable form.
func FromSpec(spec *models.GraphSpec) (*Graph, error) {
	if spec == nil {
		return New(nil)
	}
	return New(spec.Units)
}

// Spec returns the serialisable form of the graph.
func (g *Graph) Spec() *models.GraphSpec {
	spec := &models.GraphSpec{Units: make([]models.BuildUnit, len(g.units))}
	for i, u := range g.units {
		spec.Units[i] = *u
	}
	return spec
}

// Validate checks that every dependency exists and that the graph is acyclic.
func (g *Graph) Validate() error {
	for _, u := range g.units {
		for _, dep := range u.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, u.ID, dep)
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.units))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.units[g.index[id]].DependsOn {
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), dep)
				return &CycleError{Path: path}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, u := range g.units {
		if color[u.ID] == white {
			if err := visit(u.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of units.
func (g *Graph) Len() int { return len(g.units) }

// Units returns the units in graph order. Callers must not modify them.
func (g *Graph) Units() []*models.BuildUnit { return g.units }

// Unit returns the unit with id, or nil.
func (g *Graph) Unit(id string) *models.BuildUnit {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.units[i]
}

// Order returns the position of id in graph order, or -1.
func (g *Graph) Order(id string) int {
	i, ok := g.index[id]
	if !ok {
		return -1
	}
	return i
}

// Dependents returns the units that depend directly on id.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// Producer returns the unit that produces path, if any.
func (g *Graph) Producer(path string) (string, bool) {
	id, ok := g.byOutput[path]
	return id, ok
}

// Defaults returns the manifest's default targets, if any were declared.
func (g *Graph) Defaults() []string { return g.defaults }

// Outputs returns every declared output in graph order.
func (g *Graph) Outputs() []string {
	var outs []string
	for _, u := range g.units {
		outs = append(outs, u.Outputs...)
	}
	return outs
}

// Priority is the scheduling weight of a unit. Higher sorts first.
type Priority struct {
	// Depth is the length of the longest chain of units from this unit to a
	// unit nothing depends on, counting the unit itself.
	Depth int
	// Dependents counts units that depend on this one, directly or not.
	Dependents int
	Order      int
}

// Less reports whether p should be dispatched before q.
func (p Priority) Less(q Priority) bool {
	if p.Depth != q.Depth {
		return p.Depth > q.Depth
	}
	if p.Dependents != q.Dependents {
		return p.Dependents > q.Dependents
	}
	return p.Order < q.Order
}

// Priorities computes the critical-path priority of every unit in one pass
// from the final units back to the roots. Each unit's transitive dependents
// are kept as a bitset only until every unit it depends on has merged it.
func (g *Graph) Priorities() map[string]Priority {
	n := len(g.units)
	words := (n + 63) / 64
	pending := make([]int, n)
	refs := make([]int, n)
	queue := make([]int, 0, n)
	for i, u := range g.units {
		pending[i] = len(g.dependents[u.ID])
		refs[i] = len(u.DependsOn)
		if pending[i] == 0 {
			queue = append(queue, i)
		}
	}

	depth := make([]int, n)
	reach := make([][]uint64, n)
	out := make(map[string]Priority, n)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		u := g.units[i]

		set := make([]uint64, words)
		best := 0
		for _, child := range g.dependents[u.ID] {
			c := g.index[child]
			set[c/64] |= 1 << (c % 64)
			for w, word := range reach[c] {
				set[w] |= word
			}
			if depth[c] > best {
				best = depth[c]
			}
			if refs[c]--; refs[c] == 0 {
				reach[c] = nil
			}
		}
		depth[i] = best + 1
		count := 0
		for _, w := range set {
			count += bits.OnesCount64(w)
		}
		if refs[i] > 0 {
			reach[i] = set
		}
		out[u.ID] = Priority{Depth: depth[i], Dependents: count, Order: i}

		for _, dep := range u.DependsOn {
			d := g.index[dep]
			if pending[d]--; pending[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return out
}

// downstream returns every unit that transitively depends on id.
func (g *Graph) downstream(id string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}
	return seen
}

// Downstream returns the IDs of every unit that transitively depends on id,
// in graph order.
func (g *Graph) Downstream(id string) []string {
	seen := g.downstream(id)
	out := make([]string, 0, len(seen))
	for _, u := range g.units {
		if seen[u.ID] {
			out = append(out, u.ID)
		}
	}
	return out
}

// CriticalPath returns the longest dependency chain, from a unit with no
// dependencies to the final unit. Ties resolve to the earliest unit in graph
// order.
func (g *Graph) CriticalPath() []string {
	if len(g.units) == 0 {
		return nil
	}
	prio := g.Priorities()

	var start *models.BuildUnit
	for _, u := range g.units {
		if len(u.DependsOn) != 0 {
			continue
		}
		if start == nil || prio[u.ID].Depth > prio[start.ID].Depth {
			start = u
		}
	}

	path := []string{start.ID}
	cur := start.ID
	for {
		next := ""
		for _, child := range g.dependents[cur] {
			if prio[child].Depth != prio[cur].Depth-1 {
				continue
			}
			if next == "" || g.index[child] < g.index[next] {
				next = child
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		cur = next
	}
}

// Subset returns the graph restricted to the transitive dependency closure
// of targets. A target may name a unit ID or any output.
func (g *Graph) Subset(targets []string) (*Graph, error) {
	if len(targets) == 0 {
		return g, nil
	}
	keep := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if keep[id] {
			return
		}
		keep[id] = true
		for _, dep := range g.units[g.index[id]].DependsOn {
			walk(dep)
		}
	}
	for _, t := range targets {
		id := t
		if _, ok := g.index[id]; !ok {
			producer, ok := g.byOutput[t]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, t)
			}
			id = producer
		}
		walk(id)
	}

	units := make([]models.BuildUnit, 0, len(keep))
	for _, u := range g.units {
		if keep[u.ID] {
			units = append(units, *u)
		}
	}
	sub, err := New(units)
	if err != nil {
		return nil, err
	}
	sub.defaults = append([]string(nil), targets...)
	sort.Strings(sub.defaults)
	return sub, nil
}

// SubgraphSeparator joins a sub-build unit's ID to the IDs of the units it
// contains once the sub-build is inlined.
const SubgraphSeparator = "::"

// HasSubgraphs reports whether any unit carries a nested build.
func (g *Graph) HasSubgraphs() bool {
	for _, u := range g.units {
		if u.Subgraph != nil {
			return true
		}
	}
	return false
}

// Flatten inlines every nested build into the parent graph. Inner units are
// renamed parent::child; those without dependencies inherit the parent's
// dependencies, and the parent becomes a grouping unit that depends on all
// of them.
func (g *Graph) Flatten() (*Graph, error) {
	if !g.HasSubgraphs() {
		return g, nil
	}
	units := make([]models.BuildUnit, 0, len(g.units))
	for _, u := range g.units {
		units = append(units, flattenUnit(*u)...)
	}
	return New(units)
}

func flattenUnit(u models.BuildUnit) []models.BuildUnit {
	if u.Subgraph == nil {
		return []models.BuildUnit{u}
	}
	prefix := u.ID + SubgraphSeparator
	var out []models.BuildUnit
	var inner []string
	for _, child := range u.Subgraph.Units {
		child.ID = prefix + child.ID
		if len(child.DependsOn) == 0 {
			child.DependsOn = append([]string(nil), u.DependsOn...)
		} else {
			deps := make([]string, len(child.DependsOn))
			for i, d := range child.DependsOn {
				deps[i] = prefix + d
			}
			child.DependsOn = deps
		}
		for _, f := range flattenUnit(child) {
			out = append(out, f)
			inner = append(inner, f.ID)
		}
	}
	parent := u
	parent.Subgraph = nil
	parent.CommandSpec = ""
	parent.Inputs = nil
	parent.DependsOn = append(append([]string(nil), u.DependsOn...), inner...)
	return append(out, parent)
}
