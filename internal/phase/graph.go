// Package phase holds the phase-transition graph and the next-action
// selection algorithm.
package phase

import (
	"fmt"
	"sort"
	"strings"
)

// Phase names form a closed set; the graph only accepts transitions between
// declared phases.
const (
	Planning      = "planning"
	Coding        = "coding"
	QA            = "qa"
	Debugging     = "debugging"
	Refactoring   = "refactoring"
	Documentation = "documentation"
)

// Graph is a directed graph of legal phase transitions.
type Graph struct {
	entry string
	edges map[string][]string
}

// NewGraph builds a graph from an entry phase and an edge list. Every phase
// must be reachable from the entry; an unreachable phase is a definition
// defect reported as an error.
func NewGraph(entry string, edges map[string][]string) (*Graph, error) {
	if entry == "" {
		return nil, fmt.Errorf("phase graph needs an entry phase")
	}
	g := &Graph{entry: entry, edges: make(map[string][]string, len(edges))}
	nodes := map[string]bool{entry: true}
	for from, tos := range edges {
		nodes[from] = true
		g.edges[from] = append([]string(nil), tos...)
		for _, to := range tos {
			nodes[to] = true
		}
	}

	reachable := g.reachableFrom(entry)
	var unreachable []string
	for node := range nodes {
		if !reachable[node] {
			unreachable = append(unreachable, node)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return nil, fmt.Errorf("phases not reachable from %s: %s", entry, strings.Join(unreachable, ", "))
	}
	return g, nil
}

// DefaultGraph returns the production phase graph.
func DefaultGraph() *Graph {
	g, err := NewGraph(Planning, DefaultEdges())
	if err != nil {
		panic(err)
	}
	return g
}

// DefaultEdges returns the production transition table. It is data so a
// deployment can override it through configuration.
func DefaultEdges() map[string][]string {
	return map[string][]string{
		Planning:      {Coding, QA, Documentation},
		Coding:        {QA, Coding, Planning},
		QA:            {Coding, Debugging, Refactoring, Documentation, Planning},
		Debugging:     {QA, Coding, Planning},
		Refactoring:   {QA, Coding},
		Documentation: {Planning},
	}
}

// Entry returns the graph's designated entry phase.
func (g *Graph) Entry() string { return g.entry }

// Phases returns all declared phase names in sorted order.
func (g *Graph) Phases() []string {
	nodes := map[string]bool{g.entry: true}
	for from, tos := range g.edges {
		nodes[from] = true
		for _, to := range tos {
			nodes[to] = true
		}
	}
	out := make([]string, 0, len(nodes))
	for n := range nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Known reports whether the phase is declared in the graph.
func (g *Graph) Known(name string) bool {
	if name == g.entry {
		return true
	}
	if _, ok := g.edges[name]; ok {
		return true
	}
	for _, tos := range g.edges {
		for _, to := range tos {
			if to == name {
				return true
			}
		}
	}
	return false
}

// CanFollow reports whether a direct edge from one phase to the next exists.
func (g *Graph) CanFollow(from, to string) bool {
	for _, next := range g.edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether a directed path from one phase to another exists.
func (g *Graph) Reachable(from, to string) bool {
	if from == to {
		return true
	}
	return g.reachableFrom(from)[to]
}

func (g *Graph) reachableFrom(start string) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range g.edges[node] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}
