// Package ws implements the push feed for the rendering layer.
//
// Hub manages a set of connected WebSocket clients and sends each of them the
// full view (same schema as GET /api/v1/snapshot) on connect, whenever Notify
// is called, and on a slow resync interval. A client that cannot keep up
// receives the newest frame next; intermediate frames are skipped.
//
// When the hub stops, clients receive a going-away close frame.
//
// Message format sent to clients:
//
//	{
//	  "event": "snapshot",
//	  "data":  { /* same schema as GET /api/v1/snapshot */ }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The hub is mounted at /ws/stream by the agent.
package ws
