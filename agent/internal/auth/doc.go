// Package auth implements API key checks for the agent's two edges.
//
// Middleware guards the read-only view API. UnaryClientInterceptor attaches
// the configured key to outgoing gRPC health checks, and
// UnaryServerInterceptor is its counterpart for health services that want to
// verify it (used by tests and by anyone embedding a health endpoint).
//
// All three are pass-through when mode is not "apikey" or the key is empty.
package auth
