// Package topology keeps the dependency graph in step with the status
// server's flowchart. A Watcher fetches the topology at start and on a fixed
// interval, swaps in a new graph when the node or relation list changed,
// drops store records for services that left the topology and re-tracks the
// transport with the new node set.
package topology
