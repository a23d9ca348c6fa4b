package netmon

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// Prober answers one reachability question. A nil error means the
// backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber checks reachability with a GET. Any response below 500
// counts, since it proves the backend answered.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe performs one GET
func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: %s", p.URL, resp.Status)
	}
	return nil
}

// authTokenMetadataKey is the metadata key for the controller token
const authTokenMetadataKey = "x-controller-token"

// GRPCConfig holds gRPC health probe configuration
type GRPCConfig struct {
	Addr    string // gRPC server address (e.g., "api.agsys.io:50051")
	Service string // health service name, empty for the whole server
	Token   string
	UseTLS  bool

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// GRPCProber asks a gRPC health service whether it is SERVING
type GRPCProber struct {
	cfg    GRPCConfig
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewGRPCProber creates the client connection. Nothing is dialed until
// the first probe.
func NewGRPCProber(cfg GRPCConfig) (*GRPCProber, error) {
	if cfg.KeepaliveTime == 0 {
		cfg.KeepaliveTime = 30 * time.Second
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 10 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", cfg.Addr, err)
	}
	return &GRPCProber{cfg: cfg, conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Probe runs one health check
func (p *GRPCProber) Probe(ctx context.Context) error {
	if p.cfg.Token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authTokenMetadataKey, p.cfg.Token)
	}
	resp, err := p.health.Check(ctx, &healthpb.HealthCheckRequest{Service: p.cfg.Service})
	if err != nil {
		return err
	}
	if s := resp.GetStatus(); s != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health %s: %s", p.cfg.Addr, s)
	}
	return nil
}

// Close releases the connection
func (p *GRPCProber) Close() error {
	return p.conn.Close()
}
