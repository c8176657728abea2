// Package graph builds a read-only directed dependency graph from a service
// topology and answers reachability questions over it.
//
// An edge source -> target means "source feeds (and can affect) target".
// Downstream(id) follows edges forward and yields every service transitively
// affected by id; Upstream(id) follows them backwards and yields everything id
// depends on. Both traversals are iterative, keep their visited set local to
// the call, exclude the origin, and terminate on cycles. Relations that name
// unknown services are kept as opaque ids.
//
// A Graph is never mutated after New returns. When the topology changes a new
// Graph is built and the old one is discarded.
package graph
