package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/obsidianstack/depwatch/pkg/types"
)

// Sink receives channel events. Calls are made from the channel's reader
// goroutine, in order.
type Sink interface {
	// Update delivers a decoded status record.
	Update(types.ServiceStatusRecord)
	// Changed reports that id changed without carrying its new record; the
	// receiver is expected to fetch it.
	Changed(id string)
	// Malformed reports a payload that could not be decoded.
	Malformed(error)
	// Failed reports a channel-level error. Closed follows.
	Failed(error)
	// Closed is the last call made for a channel.
	Closed()
}

// Conn is an established channel.
type Conn interface {
	// Track replaces the set of services the channel should deliver. Channels
	// that cannot filter ignore it.
	Track(ids []string) error
	// Close ends the channel. Closed is still delivered to the Sink.
	Close() error
}

// Dialer opens a channel.
type Dialer interface {
	Dial(ctx context.Context, ids []string, sink Sink) (Conn, error)
}

// ErrMalformed wraps undecodable payloads passed to Sink.Malformed.
var ErrMalformed = errors.New("live: malformed payload")

// decodePayload interprets a pushed JSON document. A full record yields
// (record, "", nil). A bare {"service_id": ...} change notification yields
// (zero, id, nil). fallbackID fills a record that omits its own id.
func decodePayload(data []byte, fallbackID string) (types.ServiceStatusRecord, string, error) {
	var probe struct {
		ServiceID  string          `json:"service_id"`
		StatusCode json.RawMessage `json:"status_code"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return types.ServiceStatusRecord{}, "", malformed(err)
	}
	if probe.StatusCode == nil {
		if probe.ServiceID != "" {
			return types.ServiceStatusRecord{}, probe.ServiceID, nil
		}
		if fallbackID == "" {
			return types.ServiceStatusRecord{}, "", malformed(errors.New("payload has neither service_id nor status_code"))
		}
	}

	var r types.ServiceStatusRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return r, "", malformed(err)
	}
	if r.ServiceID == "" {
		r.ServiceID = fallbackID
	}
	if err := r.Validate(); err != nil {
		return types.ServiceStatusRecord{}, "", malformed(err)
	}
	return r, "", nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}

// WebSocketURL converts an http(s) endpoint plus path into a ws(s) URL.
func WebSocketURL(endpoint, path string) string {
	u := strings.TrimRight(endpoint, "/") + path
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
