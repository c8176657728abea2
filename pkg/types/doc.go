// Package types defines the Go types shared by every depwatch package: service
// status records, the status code enum, and the service topology (nodes and
// relations). These are the canonical in-memory representations and also
// define the JSON wire format spoken by the status server.
package types
