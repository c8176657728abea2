// Package impact derives outage impact and aggregate health from the
// dependency graph and status snapshots.
//
// OutageAffected, IsOutageDependent and GroupStatusTally are pure functions.
// Aggregator wraps them with the current graph, the operator-supplied outage
// roots and the latest store snapshot, and caches tallies per snapshot
// version so repeated reads between updates are free.
package impact
