package replset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/client"
	obsmetrics "github.com/amirimatin/go-replset/pkg/observability/metrics"
	"github.com/amirimatin/go-replset/pkg/observability/tracing"
	"github.com/amirimatin/go-replset/pkg/retry"
)

// StatePrimary is the replSetGetStatus myState value of a primary.
const StatePrimary = 1

var errNotReady = errors.New("replset: not ready")

// waitHealthy polls seed over fresh direct connections until it reports
// itself primary.
func (e *Engine) waitHealthy(ctx context.Context, cp ConnectionParams, seed string, t Timeouts, log *zap.SugaredLogger) (err error) {
	ctx, end := tracing.StartSpan(ctx, "replset.health")
	defer func() { end(err) }()

	poll := func(ctx context.Context, attempt int) error {
		st, err := e.pollStatus(ctx, cp.direct(seed), log)
		if err != nil {
			obsmetrics.HealthPolls.WithLabelValues("waiting").Inc()
			return err
		}
		if st.OK != 1 || st.MyState != StatePrimary {
			obsmetrics.HealthPolls.WithLabelValues("waiting").Inc()
			return fmt.Errorf("%w: ok=%v myState=%d", errNotReady, st.OK, st.MyState)
		}
		obsmetrics.HealthPolls.WithLabelValues("ready").Inc()
		log.Infof("%s is primary after %d poll(s)", seed, attempt)
		return nil
	}
	notify := func(err error, attempt int, wait time.Duration) {
		log.Debugf("health poll %d: %v", attempt, err)
	}

	_, err = retry.Do(ctx, retry.Policy{Interval: t.HealthInterval, MaxElapsed: t.HealthTimeout}, poll, notReadyYet, notify)
	if err != nil {
		return newError(ErrHealthCheckTimeout, err, "%s did not become primary", seed)
	}
	return nil
}

func notReadyYet(err error) bool {
	return errors.Is(err, errNotReady) ||
		errors.Is(err, client.ErrConnection) ||
		client.IsTransient(err)
}

// pollStatus runs replSetGetStatus over its own connection.
func (e *Engine) pollStatus(ctx context.Context, p client.ConnectParams, log *zap.SugaredLogger) (*ReplSetStatus, error) {
	conn, err := e.opts.Dialer.Connect(ctx, p)
	if err != nil {
		return nil, err
	}
	defer e.closeConn(ctx, conn, log)
	var st ReplSetStatus
	if err := conn.RunAdminCommand(ctx, "replSetGetStatus", 1, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
