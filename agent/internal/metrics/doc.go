// Package metrics exposes the agent's own Prometheus metrics: transport
// counters and state, alert deliveries, and the per-group service tally.
package metrics
