// Package transport keeps a status store in sync with the status server.
//
// A Coordinator runs one event loop. On Start it batch-fetches every tracked
// service, applies the result, dials a single live channel (SSE stream or
// WebSocket) and starts a fallback poller:
//
//	Init -> BatchFetching -> Live | Degraded
//	Live -> Degraded        on channel error or close
//	Degraded -> Live        on a successful reconnect
//	PollingOnly             when no live channel is configured
//	Disposed                after Dispose
//
// While Live the poller runs at the base interval and is pushed back to a full
// base interval after every live update. While Degraded it runs at the
// accelerated interval. A closed channel schedules exactly one reconnect after
// the reconnect delay.
//
// All state transitions, timer changes and store writes made on behalf of the
// transports happen on the loop goroutine. Network work runs on helper
// goroutines that post results back; each live channel carries a generation
// number so events from a channel that has since been replaced are dropped.
// After Dispose returns, nothing the coordinator started will touch the store.
//
// Store subscribers and error subscribers are called on the loop goroutine
// and must not call Refresh or Dispose.
package transport
