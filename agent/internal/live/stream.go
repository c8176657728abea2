package live

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// streamHandshakeTimeout bounds the wait for response headers.
	streamHandshakeTimeout = 10 * time.Second

	// maxEventSize caps a single SSE line.
	maxEventSize = 1 << 20
)

// Stream is a Server-Sent Events channel. Each event's data is a JSON status
// record or a bare {"service_id": ...} change notification.
type Stream struct {
	client *http.Client
	url    string
}

// NewStream returns a Stream reading from url. client must not carry a
// request timeout (the response body stays open for the life of the
// channel); pass a client sharing the authenticated transport instead.
func NewStream(client *http.Client, url string) *Stream {
	return &Stream{client: client, url: url}
}

// Dial opens the stream and starts the reader goroutine.
func (s *Stream) Dial(ctx context.Context, ids []string, sink Sink) (Conn, error) {
	cctx, cancel := context.WithCancel(ctx)

	u := s.url
	if len(ids) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "ids=" + url.QueryEscape(strings.Join(ids, ","))
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("live: stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	handshake := time.AfterFunc(streamHandshakeTimeout, cancel)
	resp, err := s.client.Do(req)
	stopped := handshake.Stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("live: stream: %w", err)
	}
	if !stopped {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("live: stream: handshake timed out after %s", streamHandshakeTimeout)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("live: stream: unexpected status %d", resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("live: stream: unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	c := &streamConn{cancel: cancel, body: resp.Body}
	go c.read(cctx, sink)
	return c, nil
}

type streamConn struct {
	cancel context.CancelFunc
	body   io.ReadCloser
	once   sync.Once
}

// Track is a no-op: the stream carries every service.
func (c *streamConn) Track([]string) error { return nil }

func (c *streamConn) Close() error {
	c.once.Do(c.cancel)
	return nil
}

func (c *streamConn) read(ctx context.Context, sink Sink) {
	defer sink.Closed()
	defer c.body.Close()

	err := readEvents(c.body, func(ev event) {
		switch ev.name {
		case "", "message", "status", "status_update":
		default:
			slog.Debug("live: stream: ignoring event", "event", ev.name)
			return
		}
		r, changed, err := decodePayload(ev.data, "")
		switch {
		case err != nil:
			sink.Malformed(err)
		case changed != "":
			sink.Changed(changed)
		default:
			sink.Update(r)
		}
	})

	if ctx.Err() != nil {
		// Closed by us.
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	sink.Failed(fmt.Errorf("live: stream: %w", err))
}

type event struct {
	name string
	data []byte
}

// readEvents parses a text/event-stream body, calling fn for every
// dispatched event. It returns nil on a clean EOF.
func readEvents(r io.Reader, fn func(event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)

	var (
		name string
		data bytes.Buffer
		has  bool
	)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			if has {
				fn(event{name: name, data: bytes.Clone(data.Bytes())})
			}
			name, has = "", false
			data.Reset()
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte{':'})
		value = bytes.TrimPrefix(value, []byte{' '})
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			if has {
				data.WriteByte('\n')
			}
			data.Write(value)
			has = true
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
