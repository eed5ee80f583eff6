package replset

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"

	"github.com/amirimatin/go-replset/pkg/client"
	"github.com/amirimatin/go-replset/pkg/client/memory"
	"github.com/amirimatin/go-replset/pkg/compat"
)

// goDriverRules accepts the memory cluster's default driver version.
var goDriverRules = compat.Rules{
	{ServerFloor: "4.0", MinDriver: "1.0", Inclusive: true},
	{MinDriver: "0.1"},
}

var fastTimeouts = Timeouts{
	ReconfigureTimeout:  2 * time.Second,
	ReconfigureInterval: 5 * time.Millisecond,
	HealthTimeout:       2 * time.Second,
	HealthInterval:      5 * time.Millisecond,
}

func newEngine(t *testing.T, cl *memory.Cluster) *Engine {
	t.Helper()
	e, err := New(Options{Dialer: cl.Dialer(), Logger: zaptest.NewLogger(t).Sugar(), Compat: goDriverRules})
	require.NoError(t, err)
	return e
}

func seeded(t *testing.T, cfg *MembershipConfig) *memory.Cluster {
	t.Helper()
	cl := memory.New(cfg.ID)
	require.NoError(t, cl.Seed(cfg))
	return cl
}

func request(d DesiredMember, state State) Request {
	return Request{
		Member:     d,
		State:      state,
		Connection: ConnectionParams{Endpoints: []string{"mongo0.dev:27017"}, ReplicaSet: "rs0"},
		Timeouts:   fastTimeouts,
	}
}

func current(t *testing.T, cl *memory.Cluster) *MembershipConfig {
	t.Helper()
	var cfg MembershipConfig
	require.NoError(t, cl.Config(&cfg))
	return &cfg
}

func TestReconcileAddsMissingMember(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	e := newEngine(t, cl)

	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, ActionAdded, out.Action)
	assert.EqualValues(t, 4, out.Version)
	assert.Equal(t, 1, out.Attempts)

	cfg := current(t, cl)
	assert.EqualValues(t, 4, cfg.Version)
	require.Len(t, cfg.Members, 2)
	assert.Equal(t, Member{ID: 1, Host: "mongo1.dev:27017"}, cfg.Members[1])
	assert.Equal(t, 1, cl.Mutations())
	assert.Zero(t, cl.OpenConns())
}

func TestReconcileLiteralMemberUsesServerDefaults(t *testing.T) {
	for name, d := range map[string]DesiredMember{
		"data member":  {Hostname: "mongo1.dev", Port: 27017, Role: RoleDataMember},
		"role omitted": {Hostname: "mongo1.dev", Port: 27017},
	} {
		t.Run(name, func(t *testing.T) {
			cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
			e := newEngine(t, cl)

			out, err := e.Reconcile(context.Background(), request(d, StatePresent))
			require.NoError(t, err)
			assert.Equal(t, ActionAdded, out.Action)
			assert.Equal(t, RoleDataMember, out.Member.Role)

			cfg := current(t, cl)
			assert.EqualValues(t, 4, cfg.Version)
			require.Len(t, cfg.Members, 2)
			assert.Equal(t, Member{ID: 1, Host: "mongo1.dev:27017"}, cfg.Members[1])
		})
	}
}

func TestReconcileAlreadyPresentIssuesNoCommand(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}, Member{ID: 1, Host: "mongo1.dev:27017"}))
	e := newEngine(t, cl)

	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, ActionNone, out.Action)
	assert.EqualValues(t, 3, out.Version)
	assert.Zero(t, cl.Mutations())
	assert.Zero(t, cl.OpenConns())
}

func TestReconcileAlreadyAbsentIssuesNoCommand(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	e := newEngine(t, cl)

	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo9.dev", 27017), StateAbsent))
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Zero(t, cl.Mutations())
}

func TestReconcileAddsNonDefaultAttributesOnly(t *testing.T) {
	for _, tc := range []struct {
		server       string
		wantModern   bool
		wantDelayVal int64
	}{
		{server: "7.0.14", wantModern: true, wantDelayVal: 600},
		{server: "4.4.29", wantModern: false, wantDelayVal: 600},
	} {
		t.Run(tc.server, func(t *testing.T) {
			cl := seeded(t, cfgOf(1, Member{ID: 0, Host: "mongo0.dev:27017"}))
			cl.SetServerVersion(tc.server)
			e := newEngine(t, cl)

			d := NewDesiredMember("mongo1.dev", 27017)
			d.Hidden = true
			d.Priority = Ptr(0.0)
			d.SlaveDelay = 600
			_, err := e.Reconcile(context.Background(), request(d, StatePresent))
			require.NoError(t, err)

			raw := cl.History()
			last := raw[len(raw)-1]
			m := last.Lookup("members", "1").Document()
			assert.Equal(t, "mongo1.dev:27017", m.Lookup("host").StringValue())
			assert.True(t, m.Lookup("hidden").Boolean())
			assert.Zero(t, m.Lookup("priority").Double())
			_, err = m.LookupErr("votes")
			assert.Error(t, err, "votes is default and must be omitted")
			_, err = m.LookupErr("buildIndexes")
			assert.Error(t, err, "buildIndexes is default and must be omitted")
			_, err = m.LookupErr("arbiterOnly")
			assert.Error(t, err)
			field, other := "slaveDelay", "secondaryDelaySecs"
			if tc.wantModern {
				field, other = other, field
			}
			assert.Equal(t, tc.wantDelayVal, m.Lookup(field).Int64())
			_, err = m.LookupErr(other)
			assert.Error(t, err)
		})
	}
}

func TestReconcileArbiterAgainstDataMemberAddsSecondEntry(t *testing.T) {
	cl := seeded(t, cfgOf(5, Member{ID: 0, Host: "mongo0.dev:27017"}, Member{ID: 1, Host: "mongo2.dev:30000"}))
	e := newEngine(t, cl)

	d := NewDesiredMember("mongo2.dev", 30000)
	d.Role = RoleArbiter
	out, err := e.Reconcile(context.Background(), request(d, StatePresent))
	require.NoError(t, err)
	assert.True(t, out.Changed)

	cfg := current(t, cl)
	assert.EqualValues(t, 6, cfg.Version)
	assert.Equal(t, []string{"mongo0.dev:27017", "mongo2.dev:30000", "mongo2.dev:30000"}, cfg.Hosts())
	assert.Equal(t, Member{ID: 2, Host: "mongo2.dev:30000", ArbiterOnly: true}, cfg.Members[2])
}

func TestReconcileRefusesToRemoveLastMember(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	e := newEngine(t, cl)

	_, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo0.dev", 27017), StateAbsent))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLastMemberRemoval)
	assert.Zero(t, cl.Mutations())
	assert.EqualValues(t, 3, current(t, cl).Version)
}

func TestReconcileRemovesMemberNotListedFirst(t *testing.T) {
	cl := seeded(t, cfgOf(7,
		Member{ID: 0, Host: "mongo0.dev:27017"},
		Member{ID: 1, Host: "mongo1.dev:27017"},
		Member{ID: 4, Host: "mongo2.dev:27017"},
	))
	e := newEngine(t, cl)

	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo2.dev", 27017), StateAbsent))
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, ActionRemoved, out.Action)
	cfg := current(t, cl)
	assert.EqualValues(t, 8, cfg.Version)
	assert.Equal(t, []string{"mongo0.dev:27017", "mongo1.dev:27017"}, cfg.Hosts())
}

func TestReconcileAddThenRemoveRestoresMembers(t *testing.T) {
	orig := cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}, Member{ID: 1, Host: "mongo1.dev:27017"})
	cl := seeded(t, orig)
	e := newEngine(t, cl)

	d := NewDesiredMember("mongo5.dev", 27017)
	d.Votes = Ptr(0)
	d.Priority = Ptr(0.0)
	_, err := e.Reconcile(context.Background(), request(d, StatePresent))
	require.NoError(t, err)
	_, err = e.Reconcile(context.Background(), request(d, StateAbsent))
	require.NoError(t, err)

	cfg := current(t, cl)
	assert.EqualValues(t, orig.Version+2, cfg.Version)
	assert.Equal(t, orig.Members, cfg.Members)
	assert.Len(t, cl.History(), 3)
}

func TestReconcileRetriesFromFreshRead(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	// Another client wins the race for version 4 while our first write is
	// rejected; the retry must build on version 4, not reuse version 3.
	cl.FailNext("replSetReconfig", memory.Fault{
		Err: client.Wrap(client.ErrCommand, "replSetReconfig", errors.New("version conflict")),
		Concurrent: cfgOf(4,
			Member{ID: 0, Host: "mongo0.dev:27017"},
			Member{ID: 1, Host: "mongo7.dev:27017"},
		),
	})
	e := newEngine(t, cl)

	start := time.Now()
	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), fastTimeouts.ReconfigureTimeout)
	assert.True(t, out.Changed)
	assert.Equal(t, 2, out.Attempts)
	assert.EqualValues(t, 5, out.Version)

	cfg := current(t, cl)
	assert.EqualValues(t, 5, cfg.Version)
	assert.Equal(t, []string{"mongo0.dev:27017", "mongo7.dev:27017", "mongo1.dev:27017"}, cfg.Hosts())
	assert.Equal(t, 2, cfg.Members[2].ID)
	assert.Equal(t, 2, cl.Calls("replSetReconfig"))
	// One read before deciding, then one per attempt.
	assert.Equal(t, 3, cl.Calls("find"))
}

func TestReconcileLostAcknowledgementIsNotReapplied(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	cl.FailNext("replSetReconfig", memory.Fault{
		Err:   client.Wrap(client.ErrNetwork, "replSetReconfig", errors.New("connection reset")),
		Apply: true,
	})
	e := newEngine(t, cl)

	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, ActionAdded, out.Action)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, cl.Calls("replSetReconfig"))
	cfg := current(t, cl)
	assert.EqualValues(t, 4, cfg.Version)
	assert.Len(t, cfg.Members, 2)
}

func TestReconcileTransientReadIsRetried(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	// The deciding read passes, the first read inside the loop fails.
	cl.FailNext("find", memory.Fault{}, memory.Fault{Err: client.Wrap(client.ErrNetwork, "find", errors.New("connection reset"))})
	e := newEngine(t, cl)

	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 3, cl.Calls("find"))
	assert.Equal(t, 1, cl.Calls("replSetReconfig"))
}

func TestReconcileTimesOutOnPersistentTransientFailures(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	cause := errors.New("not primary")
	faults := make([]memory.Fault, 1000)
	for i := range faults {
		faults[i] = memory.Fault{Err: client.Wrap(client.ErrCommand, "replSetReconfig", cause)}
	}
	cl.FailNext("replSetReconfig", faults...)
	e := newEngine(t, cl)

	req := request(NewDesiredMember("mongo1.dev", 27017), StatePresent)
	req.Timeouts.ReconfigureTimeout = 60 * time.Millisecond
	start := time.Now()
	_, err := e.Reconcile(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconfigureTimeout)
	assert.ErrorIs(t, err, client.ErrCommand)
	assert.ErrorIs(t, err, cause)
	assert.Less(t, time.Since(start), time.Second)
	assert.Greater(t, cl.Calls("replSetReconfig"), 1)
	assert.EqualValues(t, 3, current(t, cl).Version)
}

func TestReconcileNonTransientFailureIsNotRetried(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	cl.FailNext("replSetReconfig", memory.Fault{Err: client.Wrap(client.ErrConnection, "replSetReconfig", errors.New("auth revoked"))})
	e := newEngine(t, cl)

	_, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailure)
	assert.ErrorIs(t, err, client.ErrConnection)
	assert.Equal(t, 1, cl.Calls("replSetReconfig"))
}

func TestReconcileBootstrapsMissingSet(t *testing.T) {
	cl := memory.New("")
	cl.SetStatusReadyAfter(2)
	e := newEngine(t, cl)

	d := NewDesiredMember("mongo0.dev", 27017)
	d.Priority = Ptr(2.0)
	out, err := e.Reconcile(context.Background(), request(d, StatePresent))
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, ActionInitiated, out.Action)
	assert.EqualValues(t, 1, out.Version)

	cfg := current(t, cl)
	assert.Equal(t, "rs0", cfg.ID)
	assert.EqualValues(t, 1, cfg.Version)
	require.Len(t, cfg.Members, 1)
	assert.Equal(t, 0, cfg.Members[0].ID)
	assert.Equal(t, "mongo0.dev:27017", cfg.Members[0].Host)
	require.NotNil(t, cfg.Members[0].Priority)
	assert.EqualValues(t, 2, *cfg.Members[0].Priority)

	assert.Equal(t, 1, cl.Calls("replSetInitiate"))
	assert.Equal(t, 3, cl.Calls("replSetGetStatus"))
	assert.Zero(t, cl.OpenConns())
}

func TestReconcileBootstrapVersionComesFromServer(t *testing.T) {
	cl := memory.New("")
	cl.FailNext("find", memory.Fault{Err: client.Wrap(client.ErrNetwork, "find", errors.New("connection reset"))})
	e := newEngine(t, cl)

	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo0.dev", 27017), StatePresent))
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, ActionInitiated, out.Action)
	assert.Zero(t, out.Version, "version is only reported once read back")
	assert.Equal(t, 1, cl.Calls("find"))
	assert.Zero(t, cl.OpenConns())
}

func TestReconcileBootstrapLiteralMemberIsElectable(t *testing.T) {
	cl := memory.New("")
	e := newEngine(t, cl)

	_, err := e.Reconcile(context.Background(), request(DesiredMember{Hostname: "mongo0.dev", Port: 27017}, StatePresent))
	require.NoError(t, err)
	cfg := current(t, cl)
	require.Len(t, cfg.Members, 1)
	assert.Nil(t, cfg.Members[0].Priority)
}

func TestReconcileBootstrapOmitsDefaultPriority(t *testing.T) {
	cl := memory.New("")
	e := newEngine(t, cl)

	_, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo0.dev", 27017), StatePresent))
	require.NoError(t, err)
	first := cl.History()[0]
	_, err = first.Lookup("members", "0").Document().LookupErr("priority")
	assert.Error(t, err)
}

func TestReconcileBootstrapFailureIsNotRetried(t *testing.T) {
	cl := memory.New("")
	cl.FailNext("replSetInitiate", memory.Fault{Err: client.Wrap(client.ErrCommand, "replSetInitiate", errors.New("already initialized"))})
	e := newEngine(t, cl)

	_, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo0.dev", 27017), StatePresent))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBootstrapFailed)
	assert.Equal(t, 1, cl.Calls("replSetInitiate"))
	assert.Zero(t, cl.Calls("replSetGetStatus"))
	assert.Zero(t, cl.OpenConns())
}

func TestReconcileBootstrapRejectsArbiter(t *testing.T) {
	cl := memory.New("")
	e := newEngine(t, cl)

	d := NewDesiredMember("mongo0.dev", 27017)
	d.Role = RoleArbiter
	_, err := e.Reconcile(context.Background(), request(d, StatePresent))
	assert.ErrorIs(t, err, ErrBootstrapFailed)
	assert.Zero(t, cl.Mutations())
}

func TestReconcileHealthCheckTimeout(t *testing.T) {
	cl := memory.New("")
	cl.SetStatusReadyAfter(1 << 30)
	e := newEngine(t, cl)

	req := request(NewDesiredMember("mongo0.dev", 27017), StatePresent)
	req.Timeouts.HealthTimeout = 40 * time.Millisecond
	_, err := e.Reconcile(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthCheckTimeout)
	assert.Zero(t, cl.OpenConns())
}

func TestReconcileAbsentAgainstMissingSetIsNoop(t *testing.T) {
	cl := memory.New("")
	e := newEngine(t, cl)

	out, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo0.dev", 27017), StateAbsent))
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Zero(t, cl.Mutations())
}

func TestReconcilePreflightFailures(t *testing.T) {
	t.Run("ambiguous credentials", func(t *testing.T) {
		cl := seeded(t, cfgOf(1, Member{ID: 0, Host: "mongo0.dev:27017"}))
		req := request(NewDesiredMember("mongo1.dev", 27017), StatePresent)
		req.Connection.Credentials = client.Credentials{User: "admin"}
		_, err := newEngine(t, cl).Reconcile(context.Background(), req)
		assert.ErrorIs(t, err, ErrAmbiguousCredentials)
		assert.Zero(t, cl.Calls("find"))
	})
	t.Run("invalid member", func(t *testing.T) {
		cl := seeded(t, cfgOf(1, Member{ID: 0, Host: "mongo0.dev:27017"}))
		_, err := newEngine(t, cl).Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 0), StatePresent))
		assert.ErrorIs(t, err, ErrInvalidMember)
	})
	t.Run("incompatible driver", func(t *testing.T) {
		cl := seeded(t, cfgOf(1, Member{ID: 0, Host: "mongo0.dev:27017"}))
		cl.SetDriverVersion("0.9.0")
		_, err := newEngine(t, cl).Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
		assert.ErrorIs(t, err, ErrVersionIncompatible)
		assert.ErrorIs(t, err, compat.ErrIncompatible)
		assert.Zero(t, cl.Mutations())
		assert.Zero(t, cl.OpenConns())
	})
	t.Run("connection failure", func(t *testing.T) {
		cl := seeded(t, cfgOf(1, Member{ID: 0, Host: "mongo0.dev:27017"}))
		cl.SetConnectError(client.Wrap(client.ErrConnection, "connect", errors.New("refused")))
		_, err := newEngine(t, cl).Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
		assert.ErrorIs(t, err, ErrConnectionFailure)
	})
}

func TestReconcileSnapshotShapeErrors(t *testing.T) {
	t.Run("two documents", func(t *testing.T) {
		cl := seeded(t, cfgOf(1, Member{ID: 0, Host: "mongo0.dev:27017"}))
		require.NoError(t, cl.AddRawDocument(cfgOf(1, Member{ID: 0, Host: "other:27017"})))
		_, err := newEngine(t, cl).Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
		assert.ErrorIs(t, err, ErrUnexpectedTopology)
		assert.ErrorIs(t, err, client.ErrTooManyResults)
	})
	t.Run("no document", func(t *testing.T) {
		cl := seeded(t, cfgOf(1, Member{ID: 0, Host: "mongo0.dev:27017"}))
		cl.ClearDocuments()
		_, err := newEngine(t, cl).Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
		assert.ErrorIs(t, err, ErrNoConfiguration)
	})
	t.Run("no members", func(t *testing.T) {
		cl := seeded(t, cfgOf(1))
		_, err := newEngine(t, cl).Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
		assert.ErrorIs(t, err, ErrNoConfiguration)
		assert.Zero(t, cl.Mutations())
	})
}

func TestReconcilePreservesUnmodelledFields(t *testing.T) {
	cl := memory.New("rs0")
	require.NoError(t, cl.Seed(bson.D{
		{Key: "_id", Value: "rs0"},
		{Key: "version", Value: int32(12)},
		{Key: "term", Value: int64(3)},
		{Key: "protocolVersion", Value: int64(1)},
		{Key: "settings", Value: bson.D{{Key: "chainingAllowed", Value: false}}},
		{Key: "members", Value: bson.A{
			bson.D{
				{Key: "_id", Value: int32(0)},
				{Key: "host", Value: "mongo0.dev:27017"},
				{Key: "tags", Value: bson.D{{Key: "dc", Value: "east"}}},
				{Key: "priority", Value: int32(3)},
			},
		}},
	}))
	e := newEngine(t, cl)

	_, err := e.Reconcile(context.Background(), request(NewDesiredMember("mongo1.dev", 27017), StatePresent))
	require.NoError(t, err)

	raw := cl.History()
	last := raw[len(raw)-1]
	_, err = last.LookupErr("term")
	assert.Error(t, err, "term is server managed")
	assert.False(t, last.Lookup("settings", "chainingAllowed").Boolean())
	assert.EqualValues(t, 1, last.Lookup("protocolVersion").Int64())
	assert.EqualValues(t, 13, last.Lookup("version").Int64())
	assert.Equal(t, "east", last.Lookup("members", "0", "tags", "dc").StringValue())
	assert.EqualValues(t, 3, last.Lookup("members", "0", "priority").Double())
}

func TestReconcileCallsOnChange(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}))
	var got []Outcome
	e, err := New(Options{
		Dialer:   cl.Dialer(),
		Logger:   zaptest.NewLogger(t).Sugar(),
		Compat:   goDriverRules,
		OnChange: func(_ context.Context, out Outcome) { got = append(got, out) },
	})
	require.NoError(t, err)

	req := request(NewDesiredMember("mongo1.dev", 27017), StatePresent)
	_, err = e.Reconcile(context.Background(), req)
	require.NoError(t, err)
	_, err = e.Reconcile(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, ActionAdded, got[0].Action)
}

func TestStatusReportsMembers(t *testing.T) {
	cl := seeded(t, cfgOf(3, Member{ID: 0, Host: "mongo0.dev:27017"}, Member{ID: 1, Host: "mongo1.dev:27017"}))
	e := newEngine(t, cl)

	st, err := e.Status(context.Background(), ConnectionParams{Endpoints: []string{"mongo0.dev:27017"}, ReplicaSet: "rs0"})
	require.NoError(t, err)
	assert.True(t, st.Initiated)
	assert.Equal(t, "mongo0.dev:27017", st.Primary)
	assert.Equal(t, memory.DefaultServerVersion, st.ServerVersion)
	require.Len(t, st.Members, 2)
	assert.EqualValues(t, 3, st.Config.Version)
	assert.Zero(t, cl.Mutations())
	assert.Zero(t, cl.OpenConns())

	empty := memory.New("")
	st, err = newEngine(t, empty).Status(context.Background(), ConnectionParams{Endpoints: []string{"mongo0.dev:27017"}, ReplicaSet: "rs0"})
	require.NoError(t, err)
	assert.False(t, st.Initiated)
}

func TestNewRequiresDialer(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
