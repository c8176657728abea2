package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/obsidianstack/depwatch/agent/internal/config"
	"github.com/obsidianstack/depwatch/pkg/types"
)

var (
	// ErrNotFound is returned by FetchOne when the backend has no record of
	// the service.
	ErrNotFound = errors.New("source: service not found")

	// ErrMalformed wraps payloads that were received but could not be decoded
	// into valid status records.
	ErrMalformed = errors.New("source: malformed payload")
)

// StatusFetcher retrieves status records.
type StatusFetcher interface {
	// FetchBatch returns records for ids. An empty ids slice means "every
	// service the backend knows about" where the backend can enumerate them.
	FetchBatch(ctx context.Context, ids []string) ([]types.ServiceStatusRecord, error)

	// FetchOne returns the record for a single service, or ErrNotFound.
	FetchOne(ctx context.Context, id string) (types.ServiceStatusRecord, error)
}

// TopologyFetcher retrieves the service node and relation lists.
type TopologyFetcher interface {
	FetchTopology(ctx context.Context) (types.Topology, error)
}

// New returns the StatusFetcher selected by cfg.Source and the HTTP fetcher
// used for topology. The returned close function releases backend resources
// (the gRPC connection) and is safe to call once.
func New(cfg config.AgentConfig) (StatusFetcher, *HTTP, func() error, error) {
	client, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("source: build http client: %w", err)
	}
	h := NewHTTP(client, cfg)
	noop := func() error { return nil }

	switch cfg.Source {
	case config.SourceHTTP, "":
		return h, h, noop, nil
	case config.SourcePrometheus:
		return NewPrometheus(client, cfg.Endpoint+cfg.PrometheusPath), h, noop, nil
	case config.SourceGRPCHealth:
		g, err := DialGRPCHealth(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return g, h, g.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("source: unsupported source %q", cfg.Source)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
