// Package live implements the two push channels the status server offers:
// a Server-Sent Events stream and a WebSocket subscription socket.
//
// Both satisfy Dialer. Dial blocks until the channel is established (or
// fails), then delivers events to a Sink from a reader goroutine until the
// channel ends. Every successful Dial ends with exactly one Sink.Closed call,
// preceded by Sink.Failed when the channel broke rather than closed cleanly
// or was closed by the caller.
//
// Payload problems never end the channel: an undecodable message is reported
// through Sink.Malformed and reading continues.
package live
