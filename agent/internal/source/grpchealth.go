package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/depwatch/agent/internal/auth"
	"github.com/obsidianstack/depwatch/agent/internal/config"
	"github.com/obsidianstack/depwatch/pkg/types"
)

const checkTimeout = 5 * time.Second

// GRPCHealth reads status through the grpc.health.v1 Check RPC. Each service
// id is passed as the Check request's service name.
type GRPCHealth struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	now    func() time.Time
}

// DialGRPCHealth opens a client connection to cfg.GRPCTarget. The connection
// is established lazily on the first call.
func DialGRPCHealth(cfg config.AgentConfig) (*GRPCHealth, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(cfg.GRPCTarget, opts...)
	if err != nil {
		return nil, fmt.Errorf("source: dial grpc health %q: %w", cfg.GRPCTarget, err)
	}
	return NewGRPCHealth(conn), nil
}

// NewGRPCHealth wraps an existing connection.
func NewGRPCHealth(conn *grpc.ClientConn) *GRPCHealth {
	return &GRPCHealth{conn: conn, client: healthpb.NewHealthClient(conn), now: time.Now}
}

// Close closes the underlying connection.
func (g *GRPCHealth) Close() error { return g.conn.Close() }

// FetchOne checks a single service.
func (g *GRPCHealth) FetchOne(ctx context.Context, id string) (types.ServiceStatusRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	resp, err := g.client.Check(ctx, &healthpb.HealthCheckRequest{Service: id})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ServiceStatusRecord{}, ErrNotFound
		}
		return types.ServiceStatusRecord{}, fmt.Errorf("grpc health check %q: %w", id, err)
	}

	r := types.ServiceStatusRecord{
		ServiceID: id,
		LastCheck: g.now().UTC(),
		Message:   resp.GetStatus().String(),
	}
	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		r.StatusCode = types.StatusOK
	case healthpb.HealthCheckResponse_NOT_SERVING:
		r.StatusCode = types.StatusFailed
	case healthpb.HealthCheckResponse_SERVICE_UNKNOWN:
		return types.ServiceStatusRecord{}, ErrNotFound
	default:
		r.StatusCode = types.StatusUnknown
	}
	return r, nil
}

// FetchBatch checks each id in turn. Unknown services are skipped; the first
// transport failure aborts the batch and is returned with the records gathered
// so far. The health protocol cannot enumerate services, so empty ids yields
// nothing.
func (g *GRPCHealth) FetchBatch(ctx context.Context, ids []string) ([]types.ServiceStatusRecord, error) {
	out := make([]types.ServiceStatusRecord, 0, len(ids))
	for _, id := range ids {
		r, err := g.FetchOne(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// dialOptions builds the grpc.DialOption slice for the agent auth config.
func dialOptions(cfg config.AgentConfig) ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithUnaryInterceptor(auth.UnaryClientInterceptor(cfg.Auth.Mode, cfg.Auth.Header, cfg.Auth.Key())),
	}
	switch cfg.Auth.Mode {
	case "mtls":
		tlsCfg, err := TLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("source: build mtls creds: %w", err)
		}
		return append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg))), nil
	default:
		return append(opts, grpc.WithTransportCredentials(insecure.NewCredentials())), nil
	}
}
