// Package graph implements the compiled-pipeline execution engine: named
// nodes, static and conditional edges, interrupt barriers and checkpointed
// stepping with resume.
package graph

import (
	"context"
	"fmt"

	"github.com/helmsmanai/helmsman/internal/domain"
)

// End is the terminal pseudo-node; reaching it completes the run.
const End = domain.StageEnd

// NodeFunc runs one node against the current state and returns a partial
// state to merge. Nodes own their timeouts against external services.
type NodeFunc func(ctx context.Context, state *domain.TradingState) (*domain.StateDelta, error)

// Node is one pipeline step. When Parallel is set, Tasks are fanned out via
// the parallel executor and their deltas merged in task-name order; Run is
// ignored.
type Node struct {
	Name     domain.Stage
	Run      NodeFunc
	Parallel bool
	Tasks    map[string]NodeFunc
}

// Branch picks the next stage after a conditional node.
type Branch func(state *domain.TradingState) domain.Stage

// Graph is a pipeline under construction. Compile freezes and validates it.
type Graph struct {
	entry        domain.Stage
	nodes        map[domain.Stage]*Node
	edges        map[domain.Stage]domain.Stage
	conditionals map[domain.Stage]Branch
}

// New starts a graph with the given entry node.
func New(entry domain.Stage) *Graph {
	return &Graph{
		entry:        entry,
		nodes:        make(map[domain.Stage]*Node),
		edges:        make(map[domain.Stage]domain.Stage),
		conditionals: make(map[domain.Stage]Branch),
	}
}

// AddNode registers a node. Duplicate names are a build error at Compile.
func (g *Graph) AddNode(n *Node) *Graph {
	if _, dup := g.nodes[n.Name]; dup {
		g.nodes[n.Name] = nil // poisoned; Compile reports it
		return g
	}
	g.nodes[n.Name] = n
	return g
}

// AddEdge wires a static transition.
func (g *Graph) AddEdge(from, to domain.Stage) *Graph {
	g.edges[from] = to
	return g
}

// AddConditional wires a branch predicate evaluated after the node runs.
func (g *Graph) AddConditional(from domain.Stage, b Branch) *Graph {
	g.conditionals[from] = b
	return g
}

// Compiled is an immutable, validated pipeline.
type Compiled struct {
	entry           domain.Stage
	nodes           map[domain.Stage]*Node
	edges           map[domain.Stage]domain.Stage
	conditionals    map[domain.Stage]Branch
	interruptBefore map[domain.Stage]bool
}

// Compile validates the graph and freezes it with the given interrupt
// barriers. Every node must have an outgoing edge or branch, every edge
// target must exist (or be End), and the entry must be a node.
func (g *Graph) Compile(interruptBefore []string) (*Compiled, error) {
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("entry node %q not registered", g.entry)
	}
	for name, n := range g.nodes {
		if n == nil {
			return nil, fmt.Errorf("node %q registered twice", name)
		}
		if n.Parallel && len(n.Tasks) == 0 {
			return nil, fmt.Errorf("parallel node %q has no tasks", name)
		}
		if !n.Parallel && n.Run == nil {
			return nil, fmt.Errorf("node %q has no run function", name)
		}
		_, hasEdge := g.edges[name]
		_, hasBranch := g.conditionals[name]
		if !hasEdge && !hasBranch {
			return nil, fmt.Errorf("node %q has no outgoing edge", name)
		}
		if hasEdge && hasBranch {
			return nil, fmt.Errorf("node %q has both a static edge and a branch", name)
		}
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("edge from unknown node %q", from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return nil, fmt.Errorf("edge from %q to unknown node %q", from, to)
			}
		}
	}

	barriers := make(map[domain.Stage]bool, len(interruptBefore))
	for _, name := range interruptBefore {
		stage := domain.Stage(name)
		if _, ok := g.nodes[stage]; !ok {
			return nil, fmt.Errorf("interrupt barrier %q is not a node", name)
		}
		barriers[stage] = true
	}

	return &Compiled{
		entry:           g.entry,
		nodes:           g.nodes,
		edges:           g.edges,
		conditionals:    g.conditionals,
		interruptBefore: barriers,
	}, nil
}

// next resolves the stage after a node, evaluating its branch if any.
func (c *Compiled) next(from domain.Stage, state *domain.TradingState) (domain.Stage, error) {
	if b, ok := c.conditionals[from]; ok {
		to := b(state)
		if to != End {
			if _, ok := c.nodes[to]; !ok {
				return End, fmt.Errorf("branch from %q routed to unknown node %q", from, to)
			}
		}
		return to, nil
	}
	if to, ok := c.edges[from]; ok {
		return to, nil
	}
	return End, fmt.Errorf("node %q has no outgoing edge", from)
}
