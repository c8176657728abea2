package impact

import (
	"fmt"
	"maps"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obsidianstack/depwatch/agent/internal/graph"
	"github.com/obsidianstack/depwatch/agent/internal/store"
)

// Grouping modes accepted by Aggregator.Tally.
const (
	GroupByType = "type"
	GroupByNone = "none"
)

// Impact is the outage picture for the current roots and graph.
type Impact struct {
	Roots      []string `json:"roots"`
	Affected   []string `json:"affected"`
	Dependents []string `json:"dependents"`
}

type tallyKey struct {
	groupBy string
	version uint64
	graph   *graph.Graph
}

// Aggregator keeps the inputs of the impact computations current and memoises
// the tally for the latest (snapshot version, graph) pair.
type Aggregator struct {
	mu    sync.Mutex
	graph *graph.Graph
	roots sets.Set[string]
	snap  store.Snapshot

	cache map[tallyKey]map[string]Counts
}

// NewAggregator creates an Aggregator over g with the given outage roots. A
// nil graph is treated as empty.
func NewAggregator(g *graph.Graph, roots sets.Set[string]) *Aggregator {
	if g == nil {
		g = graph.Empty()
	}
	return &Aggregator{
		graph: g,
		roots: roots.Clone(),
		cache: make(map[tallyKey]map[string]Counts),
	}
}

// Observe records snap as the latest snapshot. Snapshots older than the one
// already held are ignored, so Observe can be used directly as a store
// subscriber.
func (a *Aggregator) Observe(snap store.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if snap.Version() < a.snap.Version() {
		return
	}
	a.snap = snap
}

// SetGraph swaps in a rebuilt graph.
func (a *Aggregator) SetGraph(g *graph.Graph) {
	if g == nil {
		g = graph.Empty()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.graph = g
	clear(a.cache)
}

// SetOutageRoots replaces the outage roots with a copy of roots.
func (a *Aggregator) SetOutageRoots(roots sets.Set[string]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roots = roots.Clone()
}

// OutageRoots returns a copy of the current roots.
func (a *Aggregator) OutageRoots() sets.Set[string] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roots.Clone()
}

// Graph returns the graph currently in use.
func (a *Aggregator) Graph() *graph.Graph {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.graph
}

// Impact computes the outage-affected set for the current roots.
func (a *Aggregator) Impact() Impact {
	a.mu.Lock()
	g, roots := a.graph, a.roots
	a.mu.Unlock()

	affected := OutageAffected(roots, g)
	return Impact{
		Roots:      sets.List(roots),
		Affected:   sets.List(affected),
		Dependents: sets.List(affected.Difference(roots)),
	}
}

// Tally returns per-group counts for the latest snapshot. groupBy is
// GroupByType or GroupByNone (empty means GroupByType).
func (a *Aggregator) Tally(groupBy string) (map[string]Counts, error) {
	var keyOf GroupKeyFunc
	switch groupBy {
	case "", GroupByType:
		groupBy, keyOf = GroupByType, ByType
	case GroupByNone:
		keyOf = All
	default:
		return nil, fmt.Errorf("impact: unknown grouping %q", groupBy)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := tallyKey{groupBy: groupBy, version: a.snap.Version(), graph: a.graph}
	if cached, ok := a.cache[key]; ok {
		return maps.Clone(cached), nil
	}
	counts := GroupStatusTally(a.graph.Nodes(), a.snap, keyOf)
	for k := range a.cache {
		if k.version != key.version || k.graph != key.graph {
			delete(a.cache, k)
		}
	}
	a.cache[key] = counts
	return maps.Clone(counts), nil
}
