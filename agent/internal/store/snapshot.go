package store

import (
	"sort"

	"github.com/obsidianstack/depwatch/pkg/types"
)

// Snapshot is an immutable point-in-time copy of the status mapping.
// Records returned from its accessors are deep copies; mutating them never
// affects the snapshot or the store.
type Snapshot struct {
	version uint64
	records map[string]types.ServiceStatusRecord
}

// Version increases by one every time the store changes.
func (s Snapshot) Version() uint64 { return s.version }

// Get returns the record for id. ok is false when the service has never been
// observed, which is distinct from a record with StatusUnknown.
func (s Snapshot) Get(id string) (types.ServiceStatusRecord, bool) {
	r, ok := s.records[id]
	if !ok {
		return types.ServiceStatusRecord{}, false
	}
	return r.Clone(), true
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int { return len(s.records) }

// IDs returns the service ids in the snapshot, sorted.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records returns a fresh deep copy of every record keyed by service id.
func (s Snapshot) Records() map[string]types.ServiceStatusRecord {
	out := make(map[string]types.ServiceStatusRecord, len(s.records))
	for id, r := range s.records {
		out[id] = r.Clone()
	}
	return out
}
