package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-replset/pkg/observability/tracing"
	"github.com/amirimatin/go-replset/pkg/transport"
)

const serviceName = "replset.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	health *health.Server
	tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}

type statusBlob struct {
	Data []byte `json:"data"`
}

// managementServer defines the methods we expose.
type managementServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
	Reconcile(ctx context.Context, in *transport.ReconcileRequest) (*transport.ReconcileResponse, error)
}

type mgmtImpl struct {
	status    transport.StatusFunc
	reconcile transport.ReconcileFunc
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	b, err := m.status(ctx)
	end(err)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

// Reconcile reports engine failures inside the response so the client can
// rebuild the error kind; only transport problems surface as gRPC errors.
func (m *mgmtImpl) Reconcile(ctx context.Context, in *transport.ReconcileRequest) (*transport.ReconcileResponse, error) {
	if m.reconcile == nil {
		return &transport.ReconcileResponse{Error: "reconcile not supported"}, nil
	}
	if in == nil {
		in = &transport.ReconcileRequest{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.reconcile")
	out, err := m.reconcile(ctx, *in)
	end(err)
	resp := transport.Respond(out, err)
	return &resp, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
		{MethodName: "Reconcile", Handler: _Management_Reconcile_Handler},
	},
}

func _Management_GetStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(managementServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Reconcile_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.ReconcileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Reconcile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Reconcile"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(managementServer).Reconcile(ctx, req.(*transport.ReconcileRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Start listens on the bind address and serves until ctx is canceled or Stop
// is called.
func (s *Server) Start(ctx context.Context, status transport.StatusFunc, reconcile transport.ReconcileFunc) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv
	s.health = health.NewServer()
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, s.health)
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{status: status, reconcile: reconcile})

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop drains in-flight calls, falling back to a hard stop when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	srv := s.srv
	if srv == nil {
		return nil
	}
	s.health.Shutdown()
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
		<-ch
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
