package grpc

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-replset/pkg/replset"
	"github.com/amirimatin/go-replset/pkg/transport"
)

// DefaultReconcileTimeout bounds a remote reconcile. It covers the engine's
// default reconfigure and health budgets.
const DefaultReconcileTimeout = 7 * time.Minute

type Client struct {
	timeout          time.Duration
	reconcileTimeout time.Duration
	tlsCfg           *tls.Config

	mu sync.Mutex
	cm *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout, reconcileTimeout: DefaultReconcileTimeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// WithReconcileTimeout overrides DefaultReconcileTimeout.
func (c *Client) WithReconcileTimeout(d time.Duration) *Client {
	if d > 0 {
		c.reconcileTimeout = d
	}
	return c
}

func (c *Client) dial(_ context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(target, opts...)
}

// getConn returns a managed connection, creating the manager on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	c.mu.Lock()
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dial)
	}
	cm := c.cm
	c.mu.Unlock()
	return cm.Get(ctx, addr)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	out := new(statusBlob)
	if err := cc.Invoke(cctx, "/"+serviceName+"/GetStatus", &empty{}, out, grpc.WaitForReady(true)); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) PostReconcile(ctx context.Context, addr string, req transport.ReconcileRequest) (*replset.Outcome, error) {
	cctx, cancel := context.WithTimeout(ctx, c.reconcileTimeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	var resp transport.ReconcileResponse
	if err := cc.Invoke(cctx, "/"+serviceName+"/Reconcile", &req, &resp, grpc.WaitForReady(true)); err != nil {
		return nil, err
	}
	return resp.Result()
}

// Healthy queries the standard gRPC health service of the agent.
func (c *Client) Healthy(ctx context.Context, addr string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return false, err
	}
	defer rel()
	resp, err := healthpb.NewHealthClient(cc).Check(cctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close drops all cached connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cm != nil {
		c.cm.Close()
		c.cm = nil
	}
}

var _ transport.RPCClient = (*Client)(nil)
