package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/internal/logutil"
	"github.com/amirimatin/go-replset/pkg/observability/tracing"
	"github.com/amirimatin/go-replset/pkg/replset"
	"github.com/amirimatin/go-replset/pkg/transport"
)

const maxBody = 1 << 20

// Server is a minimal HTTP server exposing the agent's management endpoints:
// GET /status, POST /reconcile, GET /healthz and GET /metrics.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *http.Server
	logger *zap.SugaredLogger
	tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":8017"). A nil logger uses
// the package default.
func NewServer(bind string, logger *zap.SugaredLogger) *Server {
	return &Server{bind: bind, logger: logutil.Or(logger)}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the management mux. Exposed for tests and for embedding
// into an existing server.
func Handler(status transport.StatusFunc, reconcile transport.ReconcileFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		data, err := status(ctx)
		end(err)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if reconcile == nil {
			http.Error(w, "reconcile not supported", http.StatusNotImplemented)
			return
		}
		var req transport.ReconcileRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.reconcile")
		out, err := reconcile(ctx, req)
		end(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode(err))
		_ = json.NewEncoder(w).Encode(transport.Respond(out, err))
	})
	return mux
}

// statusCode maps engine error kinds onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, replset.ErrInvalidMember),
		errors.Is(err, replset.ErrAmbiguousCredentials),
		errors.Is(err, replset.ErrLastMemberRemoval):
		return http.StatusUnprocessableEntity
	case errors.Is(err, replset.ErrReconfigureTimeout),
		errors.Is(err, replset.ErrHealthCheckTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, replset.ErrConnectionFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Start launches the HTTP server. The server is shut down when the context is
// canceled.
func (s *Server) Start(ctx context.Context, status transport.StatusFunc, reconcile transport.ReconcileFunc) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = ln
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: Handler(status, reconcile), ReadHeaderTimeout: 10 * time.Second}
	s.srv = srv

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("httpjson: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	srv := s.srv
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
