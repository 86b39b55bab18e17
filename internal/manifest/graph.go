package manifest

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/picklr-io/pantry/internal/ir"
)

// Graph is the package dependency DAG of a manifest.
type Graph struct {
	nodes map[string]*graphNode
	order []string // dependencies first
}

type graphNode struct {
	name     string
	edges    []string // packages this node depends on
	revEdges []string // packages that depend on this node
}

// BuildGraph constructs the dependency graph of every package named by the
// hash or dependency table. Dependencies outside the manifest become nodes
// of their own.
func BuildGraph(m *ir.Manifest) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}

	for _, pre := range m.Packages() {
		g.node(pre)
	}
	if m != nil {
		for pre, deps := range m.Dependencies.Dependences {
			n := g.node(pre)
			for _, dep := range deps {
				if dep == pre || slices.Contains(n.edges, dep) {
					continue
				}
				g.node(dep)
				n.edges = append(n.edges, dep)
			}
		}
	}

	for name, n := range g.nodes {
		for _, dep := range n.edges {
			g.nodes[dep].revEdges = append(g.nodes[dep].revEdges, name)
		}
	}
	for _, n := range g.nodes {
		sort.Strings(n.edges)
		sort.Strings(n.revEdges)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func (g *Graph) node(name string) *graphNode {
	n, ok := g.nodes[name]
	if !ok {
		n = &graphNode{name: name}
		g.nodes[name] = n
	}
	return n
}

// Order returns every package, dependencies before dependents.
func (g *Graph) Order() []string {
	return g.order
}

// Dependencies returns the direct dependencies of a package.
func (g *Graph) Dependencies(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return n.edges
	}
	return nil
}

// Closure returns names plus their transitive dependencies, dependencies first.
func (g *Graph) Closure(names ...string) []string {
	want := make(map[string]bool)
	var visit func(string)
	visit = func(name string) {
		if want[name] {
			return
		}
		want[name] = true
		for _, dep := range g.Dependencies(name) {
			visit(dep)
		}
	}
	for _, name := range names {
		visit(name)
	}

	out := make([]string, 0, len(want))
	for _, name := range g.order {
		if want[name] {
			out = append(out, name)
			delete(want, name)
		}
	}
	// Names unknown to the graph go last.
	var rest []string
	for name := range want {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// DOT renders the graph in Graphviz format.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph packages {\n")
	b.WriteString("  rankdir=LR;\n")
	for _, name := range g.order {
		fmt.Fprintf(&b, "  %q;\n", name)
	}
	for _, name := range g.order {
		for _, dep := range g.nodes[name].edges {
			fmt.Fprintf(&b, "  %q -> %q;\n", name, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// topoSort performs Kahn's algorithm. Ties are broken by name.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	var queue []string
	for name, n := range g.nodes {
		inDegree[name] = len(n.edges)
		if len(n.edges) == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, name)

		var ready []string
		for _, dependent := range g.nodes[name].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(sorted) != len(g.nodes) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle detected among packages: %s", strings.Join(cyclic, ", "))
	}
	return sorted, nil
}
