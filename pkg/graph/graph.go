// Package graph orders named nodes by their dependencies.
//
// It is used by the task scheduler to compute execution levels (nodes at the
// same level can run in parallel) and by the service registry to compute a
// teardown order in which dependents are closed before their dependencies.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCycle is returned when the dependency relation is not acyclic.
	ErrCycle = errors.New("circular dependency")

	// ErrUnknownNode is returned when a node depends on an id that was never added.
	ErrUnknownNode = errors.New("unknown node")

	// ErrDuplicateNode is returned when two nodes share an id.
	ErrDuplicateNode = errors.New("duplicate node")
)

// Node is a vertex of the dependency graph.
type Node struct {
	// ID uniquely identifies the node.
	ID string

	// Dependencies lists the ids that must come before this node.
	Dependencies []string
}

// Graph is the result of ordering a set of nodes.
type Graph struct {
	// Levels holds node ids grouped by topological level, sorted within a level.
	Levels [][]string

	// Level maps each node id to its level.
	Level map[string]int

	// Dependencies maps each node id to the ids it depends on.
	Dependencies map[string][]string

	// Dependents maps each node id to the ids depending on it.
	Dependents map[string][]string
}

// Depth returns the number of levels.
func (g *Graph) Depth() int {
	return len(g.Levels)
}

// Order returns every node id in a dependency-respecting order.
func (g *Graph) Order() []string {
	order := make([]string, 0, len(g.Level))
	for _, level := range g.Levels {
		order = append(order, level...)
	}
	return order
}

// Build validates the nodes, detects cycles and computes levels.
func Build(nodes []Node) (*Graph, error) {
	b := newBuilder()
	if err := b.initialize(nodes); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	return b.computeLevels()
}

type builder struct {
	ids          []string
	dependencies map[string][]string
	dependents   map[string][]string
	inDegree     map[string]int
}

func newBuilder() *builder {
	return &builder{
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
		inDegree:     make(map[string]int),
	}
}

func (b *builder) initialize(nodes []Node) error {
	for _, node := range nodes {
		if node.ID == "" {
			return fmt.Errorf("node has empty id: %w", ErrUnknownNode)
		}
		if _, exists := b.inDegree[node.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
		}
		b.ids = append(b.ids, node.ID)
		b.inDegree[node.ID] = 0
		b.dependents[node.ID] = make([]string, 0)
		b.dependencies[node.ID] = make([]string, 0)
	}
	sort.Strings(b.ids)

	for _, node := range nodes {
		seen := make(map[string]bool, len(node.Dependencies))
		for _, dep := range node.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, exists := b.inDegree[dep]; !exists {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, node.ID, dep)
			}
			b.dependents[dep] = append(b.dependents[dep], node.ID)
			b.dependencies[node.ID] = append(b.dependencies[node.ID], dep)
			b.inDegree[node.ID]++
		}
	}
	return nil
}

// detectCycles walks dependents depth-first and reports the first cycle found.
func (b *builder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range b.dependents[id] {
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				for i, p := range path {
					if p == next {
						return append(append([]string{}, path[i:]...), next)
					}
				}
			}
		}

		onStack[id] = false
		return nil
	}

	for _, id := range b.ids {
		if visited[id] {
			continue
		}
		if cycle := visit(id, nil); cycle != nil {
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm, keeping track of levels.
func (b *builder) computeLevels() (*Graph, error) {
	g := &Graph{
		Levels:       make([][]string, 0),
		Level:        make(map[string]int, len(b.ids)),
		Dependencies: b.dependencies,
		Dependents:   b.dependents,
	}

	remaining := make(map[string]int, len(b.inDegree))
	current := make([]string, 0)
	for _, id := range b.ids {
		remaining[id] = b.inDegree[id]
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		level := len(g.Levels)
		for _, id := range current {
			g.Level[id] = level
		}
		g.Levels = append(g.Levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(b.ids) {
		return nil, fmt.Errorf("%w: %d of %d nodes could not be ordered", ErrCycle, len(b.ids)-processed, len(b.ids))
	}
	return g, nil
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per level.
func (g *Graph) ToDOT(name string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", name)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			fmt.Fprintf(&sb, "    %q;\n", id)
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.Order() {
		for _, dep := range g.Dependencies[id] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, id)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
