package pipeline

import (
	"fmt"
	"strings"
)

// Graph is the needs DAG between groups. Iteration is always in
// declaration order so plans and reports are reproducible.
type Graph struct {
	names      []string
	needs      map[string][]string
	dependents map[string][]string
}

// NewGraph builds the graph. Unknown, duplicate and self references are
// reported together as one ConfigError.
func NewGraph(groups []Group) (*Graph, error) {
	g := &Graph{
		needs:      make(map[string][]string, len(groups)),
		dependents: make(map[string][]string, len(groups)),
	}
	for _, grp := range groups {
		g.names = append(g.names, grp.Name)
		g.needs[grp.Name] = nil
	}

	ce := &ConfigError{}
	for _, grp := range groups {
		seen := make(map[string]bool)
		for _, up := range grp.Needs {
			switch {
			case up == grp.Name:
				ce.Add(fmt.Errorf("group %q: needs itself", grp.Name))
				continue
			case seen[up]:
				ce.Add(fmt.Errorf("group %q: duplicate needs entry %q", grp.Name, up))
				continue
			}
			if _, ok := g.needs[up]; !ok {
				ce.Add(fmt.Errorf("group %q: needs unknown group %q", grp.Name, up))
				continue
			}
			seen[up] = true
			g.needs[grp.Name] = append(g.needs[grp.Name], up)
			g.dependents[up] = append(g.dependents[up], grp.Name)
		}
	}
	if err := ce.ErrorOrNil(); err != nil {
		return nil, err
	}
	return g, nil
}

// Needs returns the direct upstream groups of name.
func (g *Graph) Needs(name string) []string {
	return g.needs[name]
}

// Dependents returns the groups that directly need name.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// FindCycle returns one cycle as a path that starts and ends on the same
// group, or nil when the graph is acyclic.
func (g *Graph) FindCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.names))
	var stack []string

	var visit func(n string) []string
	visit = func(n string) []string {
		switch state[n] {
		case done:
			return nil
		case onStack:
			for i, s := range stack {
				if s == n {
					cycle := append([]string{}, stack[i:]...)
					return append(cycle, n)
				}
			}
			return []string{n, n}
		}
		state[n] = onStack
		stack = append(stack, n)
		for _, up := range g.needs[n] {
			if c := visit(up); c != nil {
				return c
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for _, n := range g.names {
		if c := visit(n); c != nil {
			return c
		}
	}
	return nil
}

// TopoOrder returns every group so that each appears after all the groups
// it needs. Among ready groups, declaration order wins.
func (g *Graph) TopoOrder() ([]string, error) {
	if c := g.FindCycle(); c != nil {
		return nil, Errorf("needs cycle: %s", strings.Join(c, " -> "))
	}

	indeg := make(map[string]int, len(g.names))
	for _, n := range g.names {
		indeg[n] = len(g.needs[n])
	}

	order := make([]string, 0, len(g.names))
	placed := make(map[string]bool, len(g.names))
	for len(order) < len(g.names) {
		progressed := false
		for _, n := range g.names {
			if placed[n] || indeg[n] > 0 {
				continue
			}
			placed[n] = true
			order = append(order, n)
			for _, d := range g.dependents[n] {
				indeg[d]--
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, Errorf("needs graph could not be ordered")
		}
	}
	return order, nil
}

// Closure returns the selected groups plus everything they transitively
// need, in declaration order. Unknown names are a ConfigError.
func (g *Graph) Closure(selected []string) ([]string, error) {
	keep := make(map[string]bool)
	ce := &ConfigError{}

	var add func(n string)
	add = func(n string) {
		if keep[n] {
			return
		}
		keep[n] = true
		for _, up := range g.needs[n] {
			add(up)
		}
	}
	for _, s := range selected {
		if _, ok := g.needs[s]; !ok {
			ce.Add(fmt.Errorf("unknown group %q", s))
			continue
		}
		add(s)
	}
	if err := ce.ErrorOrNil(); err != nil {
		return nil, err
	}

	var out []string
	for _, n := range g.names {
		if keep[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

// Names returns every group name in declaration order.
func (g *Graph) Names() []string {
	return g.names
}
