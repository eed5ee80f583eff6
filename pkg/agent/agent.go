// Package agent assembles the reconciliation engine with seed discovery,
// credentials, TLS, the optional Consul registry and the management API.
// Applications embed it by providing a Config and calling Build or Run.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/client/mongodriver"
	"github.com/amirimatin/go-replset/pkg/credentials"
	"github.com/amirimatin/go-replset/pkg/discovery"
	"github.com/amirimatin/go-replset/pkg/discovery/consul"
	dDNS "github.com/amirimatin/go-replset/pkg/discovery/dns"
	dFile "github.com/amirimatin/go-replset/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-replset/pkg/discovery/static"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
	"github.com/amirimatin/go-replset/pkg/observability/metrics"
	"github.com/amirimatin/go-replset/pkg/observability/tracing"
	"github.com/amirimatin/go-replset/pkg/replset"
	"github.com/amirimatin/go-replset/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-replset/pkg/transport/grpc"
	"github.com/amirimatin/go-replset/pkg/transport/httpjson"
)

// AppName is reported to mongod in the connection handshake.
const AppName = "replsetctl"

// Agent serves reconcile and status requests for one replica set. Reconcile
// calls are serialized.
type Agent struct {
	cfg      Config
	log      *zap.SugaredLogger
	engine   *replset.Engine
	disc     discovery.Discovery
	registry *consul.Registry
	conn     replset.ConnectionParams
	server   transport.RPCServer

	mu            sync.Mutex
	traceShutdown func(context.Context) error
}

// Build assembles an Agent from cfg without starting the management server
// or touching the network.
func Build(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logutil.Or(cfg.Logger).With("replset", cfg.ReplicaSet)
	metrics.Register()

	a := &Agent{cfg: cfg, log: log}

	disc, err := buildDiscovery(cfg.Discovery, log)
	if err != nil {
		return nil, err
	}
	a.disc = disc

	creds, err := credentials.Resolve(cfg.User, cfg.Password, cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	mongoTLS, err := cfg.MongoTLS.Options().Client()
	if err != nil {
		return nil, fmt.Errorf("agent: mongo tls: %w", err)
	}
	a.conn = replset.ConnectionParams{
		ReplicaSet:     cfg.ReplicaSet,
		Credentials:    creds,
		TLS:            mongoTLS,
		ConnectTimeout: cfg.ConnectTimeout,
	}

	eopts := replset.Options{Dialer: cfg.Dialer, Logger: log, Compat: cfg.Compat}
	if eopts.Dialer == nil {
		eopts.Dialer = mongodriver.Dialer{AppName: AppName}
		eopts.Compat = mongodriver.CompatibilityRules
	}
	if cfg.Registry.Enable {
		reg, err := newRegistry(cfg.Registry, log)
		if err != nil {
			return nil, err
		}
		a.registry = reg
		eopts.OnChange = reg.OnChange
	}
	a.engine, err = replset.New(eopts)
	if err != nil {
		return nil, err
	}

	if cfg.MgmtAddr != "" {
		srv, err := buildServer(cfg, log)
		if err != nil {
			return nil, err
		}
		a.server = srv
	}
	return a, nil
}

func buildDiscovery(dc DiscoveryConfig, log *zap.SugaredLogger) (discovery.Discovery, error) {
	switch dc.Kind {
	case DiscoveryDNS:
		return dDNS.New(dDNS.Options{Names: dc.DNSNames, Port: dc.DNSPort, Refresh: dc.Refresh, Logger: log}), nil
	case DiscoveryFile:
		return dFile.New(dFile.Options{Path: dc.FilePath, Env: dc.FileEnv, Refresh: dc.Refresh}), nil
	case DiscoveryConsul:
		return newRegistry(dc.Consul, log)
	}
	return dStatic.New(dc.Seeds...), nil
}

func newRegistry(cc ConsulConfig, log *zap.SugaredLogger) (*consul.Registry, error) {
	return consul.New(consul.Options{
		Address:       cc.Address,
		Datacenter:    cc.Datacenter,
		Token:         cc.Token,
		Service:       cc.Service,
		Tags:          cc.Tags,
		PassingOnly:   cc.PassingOnly,
		CheckInterval: cc.CheckInterval,
		Logger:        log,
	})
}

func buildServer(cfg Config, log *zap.SugaredLogger) (transport.RPCServer, error) {
	proto, err := transport.ParseProtocol(cfg.MgmtProto)
	if err != nil {
		return nil, err
	}
	// Hot reload allows manual certificate rotation by replacing files.
	srvTLS, err := cfg.MgmtTLS.Options().ServerHotReload()
	if err != nil {
		return nil, fmt.Errorf("agent: management tls: %w", err)
	}
	switch proto {
	case transport.ProtocolGRPC:
		s := mgmtgrpc.NewServer(cfg.MgmtAddr)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		return s, nil
	default:
		s := httpjson.NewServer(cfg.MgmtAddr, log)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		return s, nil
	}
}

// Start launches the management server, if configured, and tracing.
func (a *Agent) Start(ctx context.Context) error {
	if a.cfg.Trace {
		shutdown, err := tracing.Setup(true)
		if err != nil {
			a.log.Warnf("tracing setup error: %v", err)
		} else {
			a.traceShutdown = shutdown
		}
	}
	if a.server == nil {
		return nil
	}
	if err := a.server.Start(ctx, a.Status, a.Reconcile); err != nil {
		return fmt.Errorf("agent: management server: %w", err)
	}
	a.log.Infof("management API listening on %s (%s)", a.server.Addr(), a.cfg.MgmtProto)
	return nil
}

// Run builds and starts an Agent. The caller must Close it.
func Run(ctx context.Context, cfg Config) (*Agent, error) {
	a, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Addr returns the management address, or "" when no server is configured.
func (a *Agent) Addr() string {
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

// Engine exposes the underlying engine.
func (a *Agent) Engine() *replset.Engine { return a.engine }

// Connection resolves seeds and returns the parameters for one invocation.
func (a *Agent) Connection(ctx context.Context) (replset.ConnectionParams, error) {
	seeds, err := discovery.Resolve(ctx, a.disc)
	if err != nil {
		return replset.ConnectionParams{}, &replset.Error{Kind: replset.ErrConnectionFailure, Msg: "discover seeds", Err: err}
	}
	cp := a.conn
	cp.Endpoints = seeds
	return cp, nil
}

// Reconcile converges one member. Concurrent calls are serialized so that
// reconfigurations issued by this agent never race each other.
func (a *Agent) Reconcile(ctx context.Context, req transport.ReconcileRequest) (*replset.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp, err := a.Connection(ctx)
	if err != nil {
		return nil, err
	}
	return a.engine.Reconcile(ctx, replset.Request{
		Member:     req.Member,
		State:      req.State,
		Connection: cp,
		Timeouts:   a.cfg.Timeouts(),
	})
}

// ClusterStatus reads the current status of the set.
func (a *Agent) ClusterStatus(ctx context.Context) (*replset.ClusterStatus, error) {
	cp, err := a.Connection(ctx)
	if err != nil {
		return nil, err
	}
	return a.engine.Status(ctx, cp)
}

// Status is ClusterStatus encoded as JSON, for the management API.
func (a *Agent) Status(ctx context.Context) ([]byte, error) {
	st, err := a.ClusterStatus(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// Close stops the management server and flushes traces.
func (a *Agent) Close(ctx context.Context) error {
	var err error
	if a.server != nil {
		err = a.server.Stop(ctx)
	}
	if a.traceShutdown != nil {
		c, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = a.traceShutdown(c)
		a.traceShutdown = nil
	}
	return err
}
