package topology

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/obsidianstack/depwatch/agent/internal/graph"
	"github.com/obsidianstack/depwatch/agent/internal/notify"
	"github.com/obsidianstack/depwatch/agent/internal/source"
	"github.com/obsidianstack/depwatch/agent/internal/store"
	"github.com/obsidianstack/depwatch/pkg/types"
)

// DefaultInterval is the refresh cadence when Options.Interval is zero.
const DefaultInterval = 5 * time.Minute

// Tracker receives the node set after every topology change.
type Tracker interface {
	Track(ids []string)
}

// Options configures a Watcher.
type Options struct {
	Interval time.Duration
	// Tracker is optional.
	Tracker Tracker
	Clock   clock.WithTicker
}

// Watcher owns the current dependency graph.
type Watcher struct {
	fetcher source.TopologyFetcher
	store   *store.Store
	opts    Options

	current atomic.Pointer[graph.Graph]
	subs    notify.Emitter[*graph.Graph]

	mu   sync.Mutex // serialises Refresh
	last types.Topology
	seen bool
}

// New creates a Watcher. Current returns an empty graph until the first
// successful fetch.
func New(f source.TopologyFetcher, st *store.Store, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	w := &Watcher{fetcher: f, store: st, opts: opts}
	w.current.Store(graph.Empty())
	return w
}

// Current returns the latest graph. It is never nil.
func (w *Watcher) Current() *graph.Graph { return w.current.Load() }

// Subscribe registers fn for every new graph.
func (w *Watcher) Subscribe(fn func(*graph.Graph)) (unsubscribe func()) {
	return w.subs.Subscribe(fn)
}

// Refresh fetches the topology once. It reports whether the graph changed.
// On error the previous graph stays in place.
func (w *Watcher) Refresh(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, err := w.fetcher.FetchTopology(ctx)
	if err != nil {
		return false, fmt.Errorf("topology: refresh: %w", err)
	}
	t = canonical(t)
	if w.seen && sameTopology(w.last, t) {
		return false, nil
	}
	w.last, w.seen = t, true

	g := graph.FromTopology(t)
	w.current.Store(g)

	if n := w.store.Retain(g.IDs()); n > 0 {
		slog.Info("topology: dropped records for removed services", "count", n)
	}
	if w.opts.Tracker != nil {
		w.opts.Tracker.Track(t.NodeIDs())
	}
	slog.Info("topology: graph updated", "services", g.Len(), "relations", len(g.Relations()))
	w.subs.Emit(g)
	return true, nil
}

// Run refreshes immediately, unless a Refresh has already succeeded, and
// then every interval until ctx is cancelled. Fetch failures are logged; the
// previous graph stays current.
func (w *Watcher) Run(ctx context.Context) {
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if !seen {
		if _, err := w.Refresh(ctx); err != nil {
			slog.Warn("topology: initial fetch failed", "err", err)
		}
	}

	ticker := w.opts.Clock.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := w.Refresh(ctx); err != nil {
				slog.Warn("topology: fetch failed, keeping previous graph", "err", err)
			}
		}
	}
}

// canonical sorts nodes and relations so that reordering alone is not seen as
// a change.
func canonical(t types.Topology) types.Topology {
	nodes := slices.Clone(t.Nodes)
	slices.SortFunc(nodes, func(a, b types.ServiceNode) int {
		return cmp.Compare(a.ServiceID, b.ServiceID)
	})
	rels := slices.Clone(t.Relations)
	slices.SortFunc(rels, func(a, b types.ServiceRelation) int {
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Target, b.Target); c != 0 {
			return c
		}
		return cmp.Compare(a.RelationID, b.RelationID)
	})
	return types.Topology{Nodes: nodes, Relations: rels}
}

func sameTopology(a, b types.Topology) bool {
	return slices.Equal(a.Nodes, b.Nodes) && slices.Equal(a.Relations, b.Relations)
}
