package transport

import (
	"errors"
	"fmt"
)

// State is the coordinator's connection state.
type State int32

const (
	StateInit State = iota
	StateBatchFetching
	StateLive
	StateDegraded
	StatePollingOnly
	StateDisposed
)

var stateNames = [...]string{
	StateInit:          "init",
	StateBatchFetching: "batch_fetching",
	StateLive:          "live",
	StateDegraded:      "degraded",
	StatePollingOnly:   "polling_only",
	StateDisposed:      "disposed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// States lists every state in order.
func States() []State {
	return []State{StateInit, StateBatchFetching, StateLive, StateDegraded, StatePollingOnly, StateDisposed}
}

// Kind classifies transport errors.
type Kind int

const (
	// KindEstablish covers dial failures and live channel breakage.
	KindEstablish Kind = iota + 1
	// KindParse covers payloads that arrived but could not be decoded.
	KindParse
	// KindFetch covers failed batch, poll and single-service requests.
	KindFetch
)

func (k Kind) String() string {
	switch k {
	case KindEstablish:
		return "establish"
	case KindParse:
		return "parse"
	case KindFetch:
		return "fetch"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is what error subscribers receive.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// ErrDisposed is returned by Refresh after Dispose.
var ErrDisposed = errors.New("transport: coordinator disposed")
