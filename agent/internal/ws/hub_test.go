package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/depwatch/agent/internal/api"
	"github.com/obsidianstack/depwatch/agent/internal/ws"
)

// versioned serves a snapshot whose version the test controls.
type versioned struct{ v atomic.Uint64 }

func (s *versioned) BuildSnapshot() api.SnapshotResponse {
	return api.SnapshotResponse{
		Version:     s.v.Load(),
		Services:    []api.StatusResponse{},
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

type feed struct {
	hub  *ws.Hub
	url  string
	stop context.CancelFunc
}

// newFeed runs a hub behind httptest. The resync interval is an hour, so
// every frame after the first one comes from Notify.
func newFeed(t *testing.T, src ws.Snapshotter) *feed {
	t.Helper()
	hub := ws.New(src, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(hub)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &feed{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http"), stop: cancel}
}

func (f *feed) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", f.url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *feed) waitClients(t *testing.T, want int) {
	t.Helper()
	for deadline := time.Now().Add(2 * time.Second); f.hub.Count() != want; {
		if time.Now().After(deadline) {
			t.Fatalf("Count: got %d, want %d", f.hub.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func next(t *testing.T, conn *websocket.Conn) ws.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m ws.Message
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return m
}

func TestConnect_SendsCurrentSnapshot(t *testing.T) {
	src := &versioned{}
	src.v.Store(7)
	f := newFeed(t, src)

	m := next(t, f.connect(t))
	if m.Event != "snapshot" {
		t.Errorf("event: got %q, want snapshot", m.Event)
	}
	if m.Data.Version != 7 || m.Data.GeneratedAt == "" {
		t.Errorf("data: got %+v", m.Data)
	}
}

func TestNotify_ReachesEveryClient(t *testing.T) {
	src := &versioned{}
	f := newFeed(t, src)

	a, b := f.connect(t), f.connect(t)
	next(t, a)
	next(t, b)
	f.waitClients(t, 2)

	src.v.Store(1)
	f.hub.Notify()
	for name, c := range map[string]*websocket.Conn{"a": a, "b": b} {
		if m := next(t, c); m.Data.Version != 1 {
			t.Errorf("client %s: version got %d, want 1", name, m.Data.Version)
		}
	}
}

func TestSlowClient_SkipsToNewestFrame(t *testing.T) {
	src := &versioned{}
	f := newFeed(t, src)

	conn := f.connect(t)
	next(t, conn)
	f.waitClients(t, 1)

	for v := uint64(1); v <= 50; v++ {
		src.v.Store(v)
		f.hub.Notify()
	}
	// Frames may be skipped but never reordered, and the last one is current.
	var last uint64
	for last != 50 {
		m := next(t, conn)
		if m.Data.Version < last {
			t.Fatalf("version went backwards: %d after %d", m.Data.Version, last)
		}
		last = m.Data.Version
	}
	if f.hub.Count() != 1 {
		t.Errorf("slow client was dropped: Count=%d", f.hub.Count())
	}
}

func TestNotify_NeverBlocks(t *testing.T) {
	hub := ws.New(&versioned{}, time.Hour)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Notify()
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked without a running hub")
	}
}

func TestDisconnect_RemovesClient(t *testing.T) {
	f := newFeed(t, &versioned{})

	conn := f.connect(t)
	next(t, conn)
	f.waitClients(t, 1)

	conn.Close()
	f.waitClients(t, 0)
}

func TestStop_SendsGoingAway(t *testing.T) {
	f := newFeed(t, &versioned{})

	conn := f.connect(t)
	next(t, conn)
	f.waitClients(t, 1)

	f.stop()
	f.waitClients(t, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("after stop: got %v, want going-away close frame", err)
	}
}

func TestPlainHTTPRequest_Rejected(t *testing.T) {
	srv := httptest.NewServer(ws.New(&versioned{}, time.Hour))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
