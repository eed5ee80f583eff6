package replset

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/client"
	"github.com/amirimatin/go-replset/pkg/compat"
	obsmetrics "github.com/amirimatin/go-replset/pkg/observability/metrics"
	"github.com/amirimatin/go-replset/pkg/observability/tracing"
	"github.com/amirimatin/go-replset/pkg/retry"
)

// serverManagedFields are maintained by the server and rejected or ignored
// in a reconfig document.
var serverManagedFields = []string{"term"}

// secondaryDelayFloor is the first server release that names the delay
// field secondaryDelaySecs.
const secondaryDelayFloor = "5.0"

// newMember builds the member document for d. Only attributes that differ
// from the server defaults are set, and only for data members.
func newMember(d DesiredMember, id int, secondaryDelay bool) Member {
	m := Member{ID: id, Host: d.HostPort()}
	if d.IsArbiter() {
		m.ArbiterOnly = true
		return m
	}
	if v := d.EffectiveBuildIndexes(); v != DefaultBuildIndexes {
		m.BuildIndexes = &v
	}
	if d.Hidden {
		v := true
		m.Hidden = &v
	}
	if v := d.EffectivePriority(); v != DefaultPriority {
		m.Priority = &v
	}
	if d.SlaveDelay != 0 {
		v := int64(d.SlaveDelay)
		if secondaryDelay {
			m.SecondaryDelaySecs = &v
		} else {
			m.SlaveDelay = &v
		}
	}
	if v := d.EffectiveVotes(); v != DefaultVotes {
		m.Votes = &v
	}
	return m
}

// propose computes the replacement for cur that moves d towards state. cur
// is never modified. The returned config has version cur.Version+1.
func propose(cur *MembershipConfig, d DesiredMember, state State, secondaryDelay bool) (*MembershipConfig, Action, error) {
	next := cur.Clone()
	for _, f := range serverManagedFields {
		delete(next.Extra, f)
	}
	switch state {
	case StatePresent:
		next.Members = append(next.Members, newMember(d, cur.MaxID()+1, secondaryDelay))
		next.Version = cur.Version + 1
		return next, ActionAdded, nil
	case StateAbsent:
		if len(cur.Members) == 1 {
			return nil, ActionNone, newError(ErrLastMemberRemoval, nil, "%s is the only member of %q", cur.Members[0].Host, cur.ID)
		}
		idx := -1
		for i, m := range cur.Members {
			if d.Matches(m) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, ActionNone, nil
		}
		next.Members = append(next.Members[:idx], next.Members[idx+1:]...)
		next.Version = cur.Version + 1
		return next, ActionRemoved, nil
	}
	return nil, ActionNone, newError(ErrInvalidMember, nil, "unknown state %q", state)
}

func actionFor(state State) Action {
	if state == StateAbsent {
		return ActionRemoved
	}
	return ActionAdded
}

// reconfigure runs the read-modify-write cycle under the retry budget. Every
// attempt starts from a fresh snapshot and rechecks satisfaction, so a write
// whose acknowledgement was lost is never applied twice.
func (e *Engine) reconfigure(ctx context.Context, conn client.Conn, req Request, t Timeouts, serverVersion string, log *zap.SugaredLogger, out *Outcome) (_ *Outcome, err error) {
	ctx, end := tracing.StartSpan(ctx, "replset.propose")
	defer func() { end(err) }()

	secondaryDelay := compat.AtLeast(serverVersion, secondaryDelayFloor)
	wrote := false
	op := func(ctx context.Context, attempt int) error {
		cfg, err := readSnapshot(ctx, conn)
		if err != nil {
			obsmetrics.ReconfigAttempts.WithLabelValues(attemptResult(err)).Inc()
			return err
		}
		if Satisfied(req.Member, cfg, req.State) {
			obsmetrics.ReconfigAttempts.WithLabelValues("satisfied").Inc()
			out.Version = cfg.Version
			if wrote {
				log.Infof("attempt %d: change already applied at version %d", attempt, cfg.Version)
				out.Changed = true
				out.Action = actionFor(req.State)
			} else {
				log.Infof("attempt %d: satisfied by a concurrent change at version %d", attempt, cfg.Version)
			}
			return nil
		}
		next, action, err := propose(cfg, req.Member, req.State, secondaryDelay)
		if err != nil {
			obsmetrics.ReconfigAttempts.WithLabelValues("fatal").Inc()
			return err
		}
		if next == nil {
			return nil
		}
		log.Infof("attempt %d: %s %s, version %d -> %d", attempt, action, req.Member.HostPort(), cfg.Version, next.Version)
		wrote = true
		if err := conn.RunAdminCommand(ctx, "replSetReconfig", next, nil); err != nil {
			obsmetrics.ReconfigAttempts.WithLabelValues(attemptResult(err)).Inc()
			return err
		}
		obsmetrics.ReconfigAttempts.WithLabelValues("ok").Inc()
		obsmetrics.Members.Set(float64(len(next.Members)))
		obsmetrics.ConfigVersion.Set(float64(next.Version))
		out.Changed = true
		out.Action = action
		out.Version = next.Version
		return nil
	}
	notify := func(err error, attempt int, wait time.Duration) {
		log.Warnf("attempt %d failed, retrying from a fresh read in %s: %v", attempt, wait, err)
	}

	attempts, err := retry.Do(ctx, retry.Policy{Interval: t.ReconfigureInterval, MaxElapsed: t.ReconfigureTimeout}, op, client.IsTransient, notify)
	out.Attempts = attempts
	if err == nil {
		return out, nil
	}
	var ee *Error
	switch {
	case errors.Is(err, retry.ErrBudgetExhausted):
		return nil, newError(ErrReconfigureTimeout, err, "%s %s", actionFor(req.State), req.Member.HostPort())
	case errors.As(err, &ee):
		return nil, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, newError(ErrReconfigureTimeout, err, "interrupted after %d attempt(s)", attempts)
	}
	return nil, newError(ErrConnectionFailure, err, "reconfigure")
}

func attemptResult(err error) string {
	if client.IsTransient(err) {
		return "transient"
	}
	return "fatal"
}
