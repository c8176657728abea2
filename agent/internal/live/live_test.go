package live

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/depwatch/pkg/types"
)

// recSink records every Sink call and signals on each one.
type recSink struct {
	mu        sync.Mutex
	updates   []types.ServiceStatusRecord
	changed   []string
	malformed []error
	failed    []error
	closed    int

	notify chan struct{}
}

func newRecSink() *recSink { return &recSink{notify: make(chan struct{}, 64)} }

func (s *recSink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recSink) Update(r types.ServiceStatusRecord) {
	s.mu.Lock()
	s.updates = append(s.updates, r)
	s.mu.Unlock()
	s.signal()
}

func (s *recSink) Changed(id string) {
	s.mu.Lock()
	s.changed = append(s.changed, id)
	s.mu.Unlock()
	s.signal()
}

func (s *recSink) Malformed(err error) {
	s.mu.Lock()
	s.malformed = append(s.malformed, err)
	s.mu.Unlock()
	s.signal()
}

func (s *recSink) Failed(err error) {
	s.mu.Lock()
	s.failed = append(s.failed, err)
	s.mu.Unlock()
	s.signal()
}

func (s *recSink) Closed() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	s.signal()
}

// waitFor polls cond until it holds or the deadline passes.
func (s *recSink) waitFor(t *testing.T, what string, cond func(*recSink) bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		s.mu.Lock()
		ok := cond(s)
		s.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		fallback    string
		wantID      string
		wantChanged string
		wantErr     bool
	}{
		{"record", `{"service_id":"a","status_code":1,"message":"slow"}`, "", "a", "", false},
		{"record uses fallback id", `{"status_code":0}`, "b", "b", "", false},
		{"change notification", `{"service_id":"c"}`, "", "", "c", false},
		{"out of range", `{"service_id":"a","status_code":9}`, "", "", "", true},
		{"not json", `{{`, "", "", "", true},
		{"empty object", `{}`, "", "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, changed, err := decodePayload([]byte(tc.data), tc.fallback)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("err: got %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.ServiceID != tc.wantID {
				t.Errorf("ServiceID: got %q, want %q", r.ServiceID, tc.wantID)
			}
			if changed != tc.wantChanged {
				t.Errorf("changed: got %q, want %q", changed, tc.wantChanged)
			}
		})
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct{ endpoint, path, want string }{
		{"http://h:8000/", "/ws/status", "ws://h:8000/ws/status"},
		{"https://h", "/ws/status", "wss://h/ws/status"},
		{"ws://h", "/x", "ws://h/x"},
	}
	for _, tc := range tests {
		if got := WebSocketURL(tc.endpoint, tc.path); got != tc.want {
			t.Errorf("WebSocketURL(%q, %q): got %q, want %q", tc.endpoint, tc.path, got, tc.want)
		}
	}
}
