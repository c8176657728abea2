// Package api implements the read-only HTTP API the rendering layer uses.
//
// New(deps) returns an http.Handler that serves:
//
//	GET /api/v1/health                       overall bucket counts and transport state
//	GET /api/v1/status                       every observed record
//	GET /api/v1/status/{id}                  one record; 404 if never observed
//	GET /api/v1/topology                     nodes and relations
//	GET /api/v1/services/{id}/downstream     transitive dependents of id
//	GET /api/v1/services/{id}/upstream       transitive dependencies of id
//	GET /api/v1/impact                       outage roots, affected and dependents
//	GET /api/v1/tally?group=type|none        per-group bucket counts
//	GET /api/v1/alerts                       firing and recently resolved alerts
//	GET /api/v1/snapshot                     records, topology and impact in one body
//
// GET /api/v1/status/{id}?refresh=1 asks the status server for the service
// before answering.
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. JSON types are defined in types.go.
package api
