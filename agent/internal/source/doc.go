// Package source fetches service status and topology from the status server.
//
// Three status backends are supported, selected by agent.source:
//
//   - http: GET {endpoint}/status/batch?ids=... and GET {endpoint}/status/{id}
//   - prometheus: a text exposition carrying depwatch_service_* gauges, parsed
//     with expfmt
//   - grpc_health: the standard grpc.health.v1 Check RPC, one call per service
//
// Topology always comes from GET {endpoint}/flowchart. Every HTTP request goes
// through a shared client whose round tripper injects apikey, bearer or basic
// credentials; mtls is configured on the TLS transport.
//
// FetchOne returns ErrNotFound when the backend has never heard of a service,
// which callers must keep distinct from a present record with StatusUnknown.
// Batch fetches return whatever records decoded cleanly together with an
// ErrMalformed-wrapped error describing the entries that did not.
package source
