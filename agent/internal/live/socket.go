package live

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket keepalive timing, shared with the push feed in package ws.
const (
	WriteTimeout = 10 * time.Second
	// PongWait is how long a peer may stay silent before it is considered gone.
	PongWait   = 60 * time.Second
	PingPeriod = (PongWait * 9) / 10
)

// maxMessageSize caps a single inbound frame.
const maxMessageSize = 1 << 20

// Socket message types.
const (
	msgSubscribe             = "subscribe"
	msgStatusUpdate          = "status_update"
	msgSubscriptionConfirmed = "subscription_confirmed"
)

// outbound is a client -> server message.
type outbound struct {
	Type     string   `json:"type"`
	Services []string `json:"services"`
}

// inbound is a server -> client message.
type inbound struct {
	Type      string          `json:"type"`
	ServiceID string          `json:"service_id"`
	Status    json.RawMessage `json:"status"`
	Services  []string        `json:"services"`
}

// Socket is a WebSocket subscription channel.
type Socket struct {
	dialer *websocket.Dialer
	url    string
	header http.Header
}

// NewSocket returns a Socket dialing url. header carries authentication.
func NewSocket(url string, tlsCfg *tls.Config, header http.Header) *Socket {
	return &Socket{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  tlsCfg,
		},
		url:    url,
		header: header,
	}
}

// Dial connects, sends the initial subscribe message and starts the read and
// ping pumps.
func (s *Socket) Dial(ctx context.Context, ids []string, sink Sink) (Conn, error) {
	ws, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("live: socket: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("live: socket: dial: %w", err)
	}

	c := &socketConn{ws: ws, done: make(chan struct{})}
	if err := c.Track(ids); err != nil {
		ws.Close()
		return nil, err
	}

	go c.pingPump()
	go c.readPump(sink)
	return c, nil
}

type socketConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closing atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// Track sends a subscribe message replacing the subscribed set.
func (c *socketConn) Track(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(outbound{Type: msgSubscribe, Services: ids})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout)) //nolint:errcheck
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("live: socket: subscribe: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down.
func (c *socketConn) Close() error {
	c.once.Do(func() {
		c.closing.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
	return nil
}

// pingPump keeps the connection alive. WriteControl may run concurrently with
// other writers.
func (c *socketConn) pingPump() {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// readPump decodes frames until the connection ends.
func (c *socketConn) readPump(sink Sink) {
	defer sink.Closed()
	defer c.once.Do(func() { close(c.done); _ = c.ws.Close() })

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(PongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			sink.Failed(fmt.Errorf("live: socket: %w", err))
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(PongWait)) //nolint:errcheck
		c.handle(data, sink)
	}
}

func (c *socketConn) handle(data []byte, sink Sink) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		sink.Malformed(malformed(err))
		return
	}
	switch msg.Type {
	case msgStatusUpdate:
		if len(msg.Status) == 0 || string(msg.Status) == "null" {
			if msg.ServiceID == "" {
				sink.Malformed(malformed(errors.New("status_update without service_id")))
				return
			}
			sink.Changed(msg.ServiceID)
			return
		}
		r, changed, err := decodePayload(msg.Status, msg.ServiceID)
		switch {
		case err != nil:
			sink.Malformed(err)
		case changed != "":
			sink.Changed(changed)
		default:
			sink.Update(r)
		}
	case msgSubscriptionConfirmed:
		slog.Debug("live: socket: subscription confirmed", "services", len(msg.Services))
	default:
		slog.Debug("live: socket: ignoring message", "type", msg.Type)
	}
}
