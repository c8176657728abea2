// Package store holds the canonical service status mapping. Apply merges a
// batch of observations (last write wins per service id) and notifies every
// subscriber exactly once with an immutable Snapshot.
package store
