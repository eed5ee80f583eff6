package replset

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/client"
	"github.com/amirimatin/go-replset/pkg/compat"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-replset/pkg/observability/metrics"
	"github.com/amirimatin/go-replset/pkg/observability/tracing"
)

// Reconciler is the engine's public surface.
type Reconciler interface {
	Reconcile(ctx context.Context, req Request) (*Outcome, error)
	Status(ctx context.Context, cp ConnectionParams) (*ClusterStatus, error)
}

var _ Reconciler = (*Engine)(nil)

// Engine reconciles the membership of one replica set per call. It keeps no
// state between calls and is safe for concurrent use, although concurrent
// calls against the same set will race on the configuration version.
type Engine struct {
	opts  Options
	rules compat.Rules
}

// New constructs an Engine from validated options. It performs no network
// activity.
func New(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	rules := opts.Compat
	if rules == nil {
		rules = compat.Default
	}
	return &Engine{opts: opts, rules: rules}, nil
}

// Reconcile makes req.Member present in or absent from the set, changing at
// most one member. It blocks until the cluster acknowledged the change, the
// change turned out unnecessary, or a fatal error or timeout occurred.
func (e *Engine) Reconcile(ctx context.Context, req Request) (out *Outcome, err error) {
	start := time.Now()
	req.Member = req.Member.WithDefaults()
	log := logutil.Or(e.opts.Logger).With("op", uuid.NewString(), "member", req.Member.HostPort(), "state", string(req.State))
	ctx, end := tracing.StartSpan(ctx, "replset.Reconcile",
		attribute.String("replset.name", req.Connection.ReplicaSet),
		attribute.String("replset.member", req.Member.HostPort()),
		attribute.String("replset.state", string(req.State)),
	)
	defer func() {
		end(err)
		e.record(out, err, time.Since(start))
		if err != nil {
			log.Errorf("reconcile failed: %v", err)
		}
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}
	t := req.Timeouts.withDefaults()
	out = &Outcome{Member: req.Member, State: req.State, Action: ActionNone}

	log.Debugf("connecting to %v (set %q)", req.Connection.Endpoints, req.Connection.ReplicaSet)
	conn, err := e.opts.Dialer.Connect(ctx, req.Connection.setAware())
	if err != nil {
		if !errors.Is(err, client.ErrReplicaSetNotFound) {
			return nil, newError(ErrConnectionFailure, err, "connect to %v", req.Connection.Endpoints)
		}
		if req.State == StateAbsent {
			log.Warnf("replica set %q does not exist, nothing to remove", req.Connection.ReplicaSet)
			return out, nil
		}
		out, err = e.bootstrap(ctx, req, t, log, out)
		if err != nil {
			return nil, err
		}
		e.notifyChange(ctx, out)
		return out, nil
	}
	defer e.closeConn(ctx, conn, log)

	serverVersion, err := conn.ServerVersion(ctx)
	if err != nil {
		return nil, newError(ErrConnectionFailure, err, "read server version")
	}
	driverVersion := e.opts.Dialer.DriverVersion()
	if err := e.rules.Check(serverVersion, driverVersion); err != nil {
		return nil, newError(ErrVersionIncompatible, err, "")
	}
	log.Debugf("server %s, driver %s", serverVersion, driverVersion)

	cfg, err := readSnapshot(ctx, conn)
	if err != nil {
		return nil, e.wrapRead(err)
	}
	obsmetrics.Members.Set(float64(len(cfg.Members)))
	obsmetrics.ConfigVersion.Set(float64(cfg.Version))
	out.Version = cfg.Version

	if Satisfied(req.Member, cfg, req.State) {
		log.Infof("already %s at version %d", req.State, cfg.Version)
		return out, nil
	}
	if req.State == StatePresent {
		if i := hostIndex(req.Member, cfg); i >= 0 {
			log.Warnf("%s is already a member with a different role, a second entry will be added", cfg.Members[i].Host)
		}
	}

	out, err = e.reconfigure(ctx, conn, req, t, serverVersion, log, out)
	if err != nil {
		return nil, err
	}
	if out.Changed {
		e.notifyChange(ctx, out)
	}
	return out, nil
}

// wrapRead turns adapter errors from the first snapshot read into engine
// errors. Snapshot shape errors are already engine errors.
func (e *Engine) wrapRead(err error) error {
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return newError(ErrConnectionFailure, err, "read %s", client.ReplSetConfigNamespace)
}

func (e *Engine) notifyChange(ctx context.Context, out *Outcome) {
	if e.opts.OnChange != nil {
		e.opts.OnChange(ctx, *out)
	}
}

func (e *Engine) closeConn(ctx context.Context, conn client.Conn, log *zap.SugaredLogger) {
	if err := conn.Close(ctx); err != nil {
		log.Warnf("closing connection: %v", err)
	}
}

func (e *Engine) record(out *Outcome, err error, took time.Duration) {
	obsmetrics.ReconcileDuration.Observe(took.Seconds())
	action, result := string(ActionNone), "ok"
	if out != nil {
		action = string(out.Action)
	}
	if err != nil {
		result = "error"
	}
	obsmetrics.ReconcileTotal.WithLabelValues(action, result).Inc()
}

func (p ConnectionParams) base() client.ConnectParams {
	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return client.ConnectParams{
		Endpoints:   append([]string(nil), p.Endpoints...),
		Credentials: p.Credentials,
		TLS:         p.TLS,
		Timeout:     timeout,
	}
}

func (p ConnectionParams) setAware() client.ConnectParams {
	cp := p.base()
	cp.ReplicaSet = p.ReplicaSet
	return cp
}

func (p ConnectionParams) direct(seed string) client.ConnectParams {
	cp := p.base()
	cp.Endpoints = []string{seed}
	cp.Direct = true
	return cp
}
