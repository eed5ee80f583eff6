package replset

import (
	"context"

	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/observability/tracing"
)

// initiateConfig is the replSetInitiate document. The server assigns the
// first version itself.
type initiateConfig struct {
	ID      string   `bson:"_id"`
	Members []Member `bson:"members"`
}

func initiateDocument(set string, d DesiredMember) initiateConfig {
	m := Member{ID: 0, Host: d.HostPort()}
	if p := d.EffectivePriority(); p != DefaultPriority {
		m.Priority = &p
	}
	return initiateConfig{ID: set, Members: []Member{m}}
}

// bootstrap creates a single-member set on the first seed and waits for it
// to elect itself. A failed initiate is not retried.
func (e *Engine) bootstrap(ctx context.Context, req Request, t Timeouts, log *zap.SugaredLogger, out *Outcome) (_ *Outcome, err error) {
	ctx, end := tracing.StartSpan(ctx, "replset.bootstrap")
	defer func() { end(err) }()

	seed := req.Connection.Endpoints[0]
	if req.Member.IsArbiter() {
		return nil, newError(ErrBootstrapFailed, nil, "set %q does not exist and cannot be initiated with arbiter %s", req.Connection.ReplicaSet, req.Member.HostPort())
	}
	log.Infof("replica set %q not found, initiating on %s", req.Connection.ReplicaSet, seed)

	conn, err := e.opts.Dialer.Connect(ctx, req.Connection.direct(seed))
	if err != nil {
		return nil, newError(ErrBootstrapFailed, err, "connect to %s", seed)
	}
	doc := initiateDocument(req.Connection.ReplicaSet, req.Member)
	err = conn.RunAdminCommand(ctx, "replSetInitiate", doc, nil)
	e.closeConn(ctx, conn, log)
	if err != nil {
		return nil, newError(ErrBootstrapFailed, err, "replSetInitiate on %s", seed)
	}

	if err := e.waitHealthy(ctx, req.Connection, seed, t, log); err != nil {
		return nil, err
	}
	out.Changed = true
	out.Action = ActionInitiated
	if v, err := e.initiatedVersion(ctx, req.Connection, seed, log); err != nil {
		log.Warnf("initiated, but reading the configuration back failed: %v", err)
	} else {
		out.Version = v
	}
	log.Infof("replica set %q initiated with %s", req.Connection.ReplicaSet, req.Member.HostPort())
	return out, nil
}

// initiatedVersion reads the configuration the server stored on initiate.
// The Outcome reports that version only when it could be read back.
func (e *Engine) initiatedVersion(ctx context.Context, cp ConnectionParams, seed string, log *zap.SugaredLogger) (int64, error) {
	conn, err := e.opts.Dialer.Connect(ctx, cp.direct(seed))
	if err != nil {
		return 0, err
	}
	defer e.closeConn(ctx, conn, log)
	cfg, err := readSnapshot(ctx, conn)
	if err != nil {
		return 0, err
	}
	return cfg.Version, nil
}
