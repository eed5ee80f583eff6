package consul

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/replset"
)

// fakeAgent serves the handful of Consul HTTP endpoints the registry uses.
type fakeAgent struct {
	mu       sync.Mutex
	services map[string]*api.AgentServiceRegistration
	failures int
	calls    int
}

func newFakeAgent(t *testing.T) (*fakeAgent, *httptest.Server) {
	f := &fakeAgent{services: map[string]*api.AgentServiceRegistration{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAgent) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		http.Error(w, "agent unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Consul-Index", "1")
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")

	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/v1/agent/service/register":
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.services[reg.ID] = &reg
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		delete(f.services, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		tag := r.URL.Query().Get("tag")
		entries := []*api.ServiceEntry{}
		for _, s := range f.services {
			if s.Name != name || (tag != "" && !contains(s.Tags, tag)) {
				continue
			}
			entries = append(entries, &api.ServiceEntry{
				Node:    &api.Node{Node: "node-" + s.ID, Address: "10.0.0.9"},
				Service: &api.AgentService{ID: s.ID, Service: s.Name, Address: s.Address, Port: s.Port, Tags: s.Tags},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAgent) registered() map[string]*api.AgentServiceRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*api.AgentServiceRegistration, len(f.services))
	for k, v := range f.services {
		out[k] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func newRegistry(t *testing.T, srv *httptest.Server, mut func(*Options)) *Registry {
	t.Helper()
	o := Options{
		Address:       srv.URL,
		Tags:          []string{"rs0"},
		CheckInterval: 10 * time.Second,
		Attempts:      3,
		RetryDelay:    time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		Logger:        zap.NewNop().Sugar(),
	}
	if mut != nil {
		mut(&o)
	}
	r, err := New(o)
	require.NoError(t, err)
	return r
}

func TestRegisterThenDiscover(t *testing.T) {
	fake, srv := newFakeAgent(t)
	r := newRegistry(t, srv, nil)
	ctx := context.Background()

	arb := replset.NewDesiredMember("mongo2.dev", 30000)
	arb.Role = replset.RoleArbiter
	require.NoError(t, r.Register(ctx, replset.NewDesiredMember("mongo1.dev", 27017)))
	require.NoError(t, r.Register(ctx, arb))

	reg := fake.registered()
	require.Contains(t, reg, "mongodb-mongo2.dev:30000")
	got := reg["mongodb-mongo2.dev:30000"]
	assert.Equal(t, "mongodb", got.Name)
	assert.Equal(t, []string{"rs0", "arbiter"}, got.Tags)
	require.NotNil(t, got.Check)
	assert.Equal(t, "mongo2.dev:30000", got.Check.TCP)
	assert.Equal(t, "10s", got.Check.Interval)
	assert.Equal(t, "5s", got.Check.Timeout)

	seeds, err := r.Seeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mongo1.dev:27017", "mongo2.dev:30000"}, seeds)
}

func TestDiscoverFiltersByTag(t *testing.T) {
	_, srv := newFakeAgent(t)
	ctx := context.Background()
	require.NoError(t, newRegistry(t, srv, nil).Register(ctx, replset.NewDesiredMember("mongo1.dev", 27017)))

	other := newRegistry(t, srv, func(o *Options) { o.Tags = []string{"rs1"} })
	seeds, err := other.Seeds(ctx)
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestRegisterRetriesTransientFailures(t *testing.T) {
	fake, srv := newFakeAgent(t)
	fake.failures = 2
	r := newRegistry(t, srv, nil)

	require.NoError(t, r.Register(context.Background(), replset.NewDesiredMember("mongo1.dev", 27017)))
	assert.Len(t, fake.registered(), 1)
	assert.Equal(t, 3, fake.calls)
}

func TestRegisterGivesUpAfterAttempts(t *testing.T) {
	fake, srv := newFakeAgent(t)
	fake.failures = 10
	r := newRegistry(t, srv, nil)

	err := r.Register(context.Background(), replset.NewDesiredMember("mongo1.dev", 27017))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consul: register mongo1.dev:27017")
	assert.Empty(t, fake.registered())
	assert.GreaterOrEqual(t, fake.calls, 3)
}

func TestOnChangeFollowsOutcome(t *testing.T) {
	fake, srv := newFakeAgent(t)
	r := newRegistry(t, srv, nil)
	ctx := context.Background()
	m := replset.NewDesiredMember("mongo3.dev", 27017)

	r.OnChange(ctx, replset.Outcome{Changed: false, Member: m, Action: replset.ActionNone})
	assert.Empty(t, fake.registered())

	r.OnChange(ctx, replset.Outcome{Changed: true, Member: m, State: replset.StatePresent, Action: replset.ActionAdded})
	assert.Contains(t, fake.registered(), "mongodb-mongo3.dev:27017")

	r.OnChange(ctx, replset.Outcome{Changed: true, Member: m, State: replset.StateAbsent, Action: replset.ActionRemoved})
	assert.Empty(t, fake.registered())
}

func TestOnChangeSwallowsRegistryErrors(t *testing.T) {
	fake, srv := newFakeAgent(t)
	fake.failures = 100
	r := newRegistry(t, srv, nil)
	assert.NotPanics(t, func() {
		r.OnChange(context.Background(), replset.Outcome{
			Changed: true, Member: replset.NewDesiredMember("mongo3.dev", 27017), Action: replset.ActionAdded,
		})
	})
}
