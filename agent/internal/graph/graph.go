package graph

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obsidianstack/depwatch/pkg/types"
)

// Graph is an immutable dependency graph.
type Graph struct {
	nodes     []types.ServiceNode
	byID      map[string]types.ServiceNode
	relations []types.ServiceRelation

	out map[string]sets.Set[string] // source -> targets
	in  map[string]sets.Set[string] // target -> sources
}

// New builds a Graph from nodes and relations. Duplicate relations collapse
// into one edge. Self-loops are ignored for reachability.
func New(nodes []types.ServiceNode, relations []types.ServiceRelation) *Graph {
	g := &Graph{
		nodes:     append([]types.ServiceNode(nil), nodes...),
		byID:      make(map[string]types.ServiceNode, len(nodes)),
		relations: append([]types.ServiceRelation(nil), relations...),
		out:       make(map[string]sets.Set[string]),
		in:        make(map[string]sets.Set[string]),
	}
	for _, n := range nodes {
		g.byID[n.ServiceID] = n
	}
	for _, r := range relations {
		if r.Source == r.Target {
			continue
		}
		addEdge(g.out, r.Source, r.Target)
		addEdge(g.in, r.Target, r.Source)
	}
	return g
}

// FromTopology is shorthand for New(t.Nodes, t.Relations).
func FromTopology(t types.Topology) *Graph {
	return New(t.Nodes, t.Relations)
}

// Empty returns a graph with no nodes or edges.
func Empty() *Graph {
	return New(nil, nil)
}

func addEdge(adj map[string]sets.Set[string], from, to string) {
	s, ok := adj[from]
	if !ok {
		s = sets.New[string]()
		adj[from] = s
	}
	s.Insert(to)
}

// Downstream returns every service transitively reachable from id along
// source -> target edges, excluding id itself. Unknown ids yield an empty set.
func (g *Graph) Downstream(id string) sets.Set[string] {
	return reach(g.out, id)
}

// Upstream returns every service id transitively depends on, following edges
// target -> source, excluding id itself.
func (g *Graph) Upstream(id string) sets.Set[string] {
	return reach(g.in, id)
}

// reach walks adj from start with an explicit stack.
func reach(adj map[string]sets.Set[string], start string) sets.Set[string] {
	seen := sets.New[string]()
	stack := adj[start].UnsortedList()
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		if seen.Has(cur) {
			continue
		}
		seen.Insert(cur)
		for next := range adj[cur] {
			if !seen.Has(next) {
				stack = append(stack, next)
			}
		}
	}
	seen.Delete(start)
	return seen
}

// Nodes returns a copy of the node list in declaration order.
func (g *Graph) Nodes() []types.ServiceNode {
	return append([]types.ServiceNode(nil), g.nodes...)
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (types.ServiceNode, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Relations returns a copy of the relation list as given to New.
func (g *Graph) Relations() []types.ServiceRelation {
	return append([]types.ServiceRelation(nil), g.relations...)
}

// IDs returns the set of declared node ids.
func (g *Graph) IDs() sets.Set[string] {
	return sets.KeySet(g.byID)
}

// Len returns the number of declared nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Topology returns the node and relation lists the graph was built from.
func (g *Graph) Topology() types.Topology {
	return types.Topology{Nodes: g.Nodes(), Relations: g.Relations()}
}
