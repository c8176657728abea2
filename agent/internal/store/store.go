package store

import (
	"log/slog"
	"maps"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obsidianstack/depwatch/agent/internal/notify"
	"github.com/obsidianstack/depwatch/pkg/types"
)

// Store is a thread-safe status store keyed by service id.
//
// The current state is kept as a copy-on-write Snapshot: every change builds
// a new record map, so snapshots handed to subscribers never alias the live
// data.
//
// Subscribers are called with emitMu held, so they see snapshots in version
// order. They must not call Apply or Retain.
type Store struct {
	emitMu sync.Mutex

	mu   sync.RWMutex
	snap Snapshot

	subs notify.Emitter[Snapshot]
}

// New creates an empty Store.
func New() *Store {
	return &Store{snap: Snapshot{records: map[string]types.ServiceStatusRecord{}}}
}

// Apply merges records into the store. Within the batch the last record for
// an id wins. Subscribers receive exactly one notification per call,
// regardless of batch size; an empty call re-announces the current snapshot
// without bumping its version. The resulting snapshot is returned.
func (s *Store) Apply(records ...types.ServiceStatusRecord) Snapshot {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if len(records) == 0 {
		snap := s.Snapshot()
		s.subs.Emit(snap)
		return snap
	}

	s.mu.Lock()
	next := maps.Clone(s.snap.records)
	for _, r := range records {
		next[r.ServiceID] = r.Clone()
	}
	s.snap = Snapshot{version: s.snap.version + 1, records: next}
	snap := s.snap
	s.mu.Unlock()

	slog.Debug("store: applied status batch", "records", len(records), "version", snap.version)
	s.subs.Emit(snap)
	return snap
}

// Get returns the current record for id and whether one exists.
func (s *Store) Get(id string) (types.ServiceStatusRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Get(id)
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Count returns the number of services with a record.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snap.records)
}

// Subscribe registers fn to receive every new snapshot. The returned function
// removes the subscription and may be called more than once.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return s.subs.Subscribe(fn)
}

// Retain drops every record whose id is not in ids. It is used on full
// topology replacement, the only time records are deleted. Subscribers are
// notified once if anything was removed. It returns the number removed.
func (s *Store) Retain(ids sets.Set[string]) int {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	next := make(map[string]types.ServiceStatusRecord, len(s.snap.records))
	for id, r := range s.snap.records {
		if ids.Has(id) {
			next[id] = r
		}
	}
	removed := len(s.snap.records) - len(next)
	if removed == 0 {
		s.mu.Unlock()
		return 0
	}
	s.snap = Snapshot{version: s.snap.version + 1, records: next}
	snap := s.snap
	s.mu.Unlock()

	slog.Debug("store: dropped records outside topology", "count", removed)
	s.subs.Emit(snap)
	return removed
}
