package live

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/obsidianstack/depwatch/pkg/types"
)

func TestReadEvents(t *testing.T) {
	body := ": keepalive\n" +
		"data: {\"a\":1}\n\n" +
		"event: status\n" +
		"data: line1\n" +
		"data: line2\n\n" +
		"id: 7\n\n" +
		"data:nospace\r\n\r\n"

	var got []event
	if err := readEvents(strings.NewReader(body), func(ev event) { got = append(got, ev) }); err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events: got %d, want 3 (%+v)", len(got), got)
	}
	if string(got[0].data) != `{"a":1}` {
		t.Errorf("event 0 data: got %q", got[0].data)
	}
	if got[1].name != "status" || string(got[1].data) != "line1\nline2" {
		t.Errorf("event 1: got %q %q", got[1].name, got[1].data)
	}
	if string(got[2].data) != "nospace" {
		t.Errorf("event 2 data: got %q", got[2].data)
	}
}

// sseServer serves one stream that writes events then blocks until the
// request ends or release is closed.
func sseServer(t *testing.T, events []string, release chan struct{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "want event stream", http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			fl.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_DeliversUpdatesAndSurvivesBadPayload(t *testing.T) {
	release := make(chan struct{})
	srv := sseServer(t, []string{
		`{"service_id":"api","status_code":0,"message":"ok"}`,
		`not json`,
		`{"service_id":"db"}`,
		`{"service_id":"db","status_code":2,"message":"down"}`,
	}, release)

	sink := newRecSink()
	conn, err := NewStream(&http.Client{}, srv.URL).Dial(context.Background(), []string{"api", "db"}, sink)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	sink.waitFor(t, "two updates", func(s *recSink) bool { return len(s.updates) == 2 })

	sink.mu.Lock()
	if sink.updates[1].StatusCode != types.StatusFailed {
		t.Errorf("second update: got %+v", sink.updates[1])
	}
	if len(sink.malformed) != 1 {
		t.Errorf("malformed: got %d, want 1", len(sink.malformed))
	}
	if len(sink.changed) != 1 || sink.changed[0] != "db" {
		t.Errorf("changed: got %v, want [db]", sink.changed)
	}
	if sink.closed != 0 {
		t.Error("stream closed after malformed payload")
	}
	sink.mu.Unlock()

	close(release)
	sink.waitFor(t, "closed", func(s *recSink) bool { return s.closed == 1 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.failed) != 1 {
		t.Errorf("server-side end: got %d failures, want 1", len(sink.failed))
	}
}

func TestStream_CloseByCaller(t *testing.T) {
	srv := sseServer(t, nil, make(chan struct{}))

	sink := newRecSink()
	conn, err := NewStream(&http.Client{}, srv.URL).Dial(context.Background(), nil, sink)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	conn.Close()

	sink.waitFor(t, "closed", func(s *recSink) bool { return s.closed == 1 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.failed) != 0 {
		t.Errorf("caller close reported failures: %v", sink.failed)
	}
}

func TestStream_DialErrors(t *testing.T) {
	wrongType := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer wrongType.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	defer gone.Close()

	for name, url := range map[string]string{"content type": wrongType.URL, "404": gone.URL} {
		if _, err := NewStream(&http.Client{}, url).Dial(context.Background(), nil, newRecSink()); err == nil {
			t.Errorf("%s: expected dial error", name)
		}
	}
}
