package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/depwatch/agent/internal/api"
	"github.com/obsidianstack/depwatch/agent/internal/live"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 4096,
	// Origin checks are left to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string               `json:"event"`
	Data  api.SnapshotResponse `json:"data"`
}

// Snapshotter builds the view pushed to clients.
type Snapshotter interface {
	BuildSnapshot() api.SnapshotResponse
}

// Hub pushes the current view to every connected client.
//
// Each snapshot supersedes the previous one, so a client that falls behind
// skips straight to the newest frame instead of being queued or dropped.
type Hub struct {
	src      Snapshotter
	interval time.Duration
	dirty    chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// frame is the newest encoded Message.
	frame atomic.Pointer[[]byte]

	mu    sync.RWMutex
	peers map[*peer]struct{}
}

// peer is one connected client. wake holds at most one pending signal.
type peer struct {
	conn *websocket.Conn
	wake chan struct{}
	gone chan struct{}
}

// New creates a Hub reading from src. interval is the resync period used when
// no change has been notified.
func New(src Snapshotter, interval time.Duration) *Hub {
	return &Hub{
		src:      src,
		interval: interval,
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		peers:    make(map[*peer]struct{}),
	}
}

// Notify schedules a broadcast. It never blocks; notifications that arrive
// while one is pending are coalesced.
func (h *Hub) Notify() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

// Run broadcasts on every notification and every interval. When ctx is
// cancelled it sends a close frame to every client and returns.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	defer h.stopOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.dirty:
			h.publish()
		case <-t.C:
			h.publish()
		}
	}
}

// ServeHTTP upgrades the connection, sends the current view and keeps the
// client up to date until it disconnects or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered.
		return
	}
	defer conn.Close()

	first, err := h.encode()
	if err != nil {
		slog.Error("ws: encode snapshot", "err", err)
		return
	}

	p := &peer{conn: conn, wake: make(chan struct{}, 1), gone: make(chan struct{})}
	h.add(p)
	defer h.remove(p)

	go p.drain()
	h.serve(p, first)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	slog.Debug("ws: client connected", "remote", p.conn.RemoteAddr())
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	slog.Debug("ws: client disconnected", "remote", p.conn.RemoteAddr())
}

// publish encodes a fresh snapshot and wakes every client. Nothing is built
// while nobody is listening; a new client always gets its own fresh frame.
func (h *Hub) publish() {
	if h.Count() == 0 {
		return
	}
	data, err := h.encode()
	if err != nil {
		slog.Error("ws: encode snapshot", "err", err)
		return
	}
	h.frame.Store(&data)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) encode() ([]byte, error) {
	return json.Marshal(Message{Event: "snapshot", Data: h.src.BuildSnapshot()})
}

// serve is the only writer on p.conn: snapshots, pings and the final close
// frame all go through it.
func (h *Hub) serve(p *peer, first []byte) {
	ping := time.NewTicker(live.PingPeriod)
	defer ping.Stop()

	if p.write(websocket.TextMessage, first) != nil {
		return
	}
	for {
		select {
		case <-p.gone:
			return
		case <-h.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
			p.write(websocket.CloseMessage, msg) //nolint:errcheck
			return
		case <-p.wake:
			if f := h.frame.Load(); f != nil {
				if p.write(websocket.TextMessage, *f) != nil {
					return
				}
			}
		case <-ping.C:
			if p.write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (p *peer) write(kind int, data []byte) error {
	p.conn.SetWriteDeadline(time.Now().Add(live.WriteTimeout)) //nolint:errcheck
	return p.conn.WriteMessage(kind, data)
}

// drain reads until the connection fails. Clients send nothing but control
// frames; every frame, pongs included, pushes the read deadline out.
func (p *peer) drain() {
	defer close(p.gone)
	p.conn.SetReadLimit(512)
	extend := func(string) error { return p.conn.SetReadDeadline(time.Now().Add(live.PongWait)) }
	extend("") //nolint:errcheck
	p.conn.SetPongHandler(extend)
	for {
		if _, _, err := p.conn.NextReader(); err != nil {
			return
		}
		extend("") //nolint:errcheck
	}
}
