// Package consul integrates replica set members with a Consul service
// catalog. Registry discovers seeds from the catalog and keeps it in step
// with membership changes made by the engine.
package consul

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/discovery"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
	"github.com/amirimatin/go-replset/pkg/observability/metrics"
	"github.com/amirimatin/go-replset/pkg/replset"
)

// DefaultService is the catalog name members are registered under.
const DefaultService = "mongodb"

// Options configures the Consul registry.
type Options struct {
	// Address of the Consul agent, e.g. "127.0.0.1:8500" or
	// "https://consul.service:8501". Empty uses the api defaults
	// (CONSUL_HTTP_ADDR and friends).
	Address    string
	Datacenter string
	Token      string

	// Service is the catalog service name. Defaults to DefaultService.
	Service string
	// Tags are attached on registration; the first one also filters
	// discovery when set.
	Tags []string
	// PassingOnly restricts discovery to instances with passing checks.
	PassingOnly bool

	// CheckInterval and CheckTimeout configure the TCP check attached to
	// registered members. A zero interval registers no check.
	CheckInterval time.Duration
	CheckTimeout  time.Duration

	// Attempts bounds registry calls; RetryDelay is the first backoff step.
	Attempts   int
	RetryDelay time.Duration
	MaxDelay   time.Duration

	Logger *zap.SugaredLogger
}

func (o *Options) defaults() {
	if o.Service == "" {
		o.Service = DefaultService
	}
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.MaxDelay < o.RetryDelay {
		o.MaxDelay = time.Second
		if o.MaxDelay < o.RetryDelay {
			o.MaxDelay = o.RetryDelay
		}
	}
	if o.CheckInterval > 0 && o.CheckTimeout <= 0 {
		o.CheckTimeout = o.CheckInterval / 2
	}
	o.Logger = logutil.Or(o.Logger)
}

// Registry discovers seeds from, and registers members with, Consul.
type Registry struct {
	opts   Options
	client *api.Client
}

var _ discovery.Discovery = (*Registry)(nil)

// New builds a Registry. No request is made until first use.
func New(opts Options) (*Registry, error) {
	opts.defaults()
	cfg := api.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	if opts.Datacenter != "" {
		cfg.Datacenter = opts.Datacenter
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}
	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul: client: %w", err)
	}
	return &Registry{opts: opts, client: c}, nil
}

// ServiceID is the registration id used for hostPort.
func (r *Registry) ServiceID(hostPort string) string {
	return r.opts.Service + "-" + hostPort
}

// Seeds lists the registered instances as sorted, unique host:port pairs.
func (r *Registry) Seeds(ctx context.Context) ([]string, error) {
	tag := ""
	if len(r.opts.Tags) > 0 {
		tag = r.opts.Tags[0]
	}
	var entries []*api.ServiceEntry
	err := r.retrier().RunContext(ctx, func(ctx context.Context) error {
		q := (&api.QueryOptions{Datacenter: r.opts.Datacenter}).WithContext(ctx)
		var err error
		entries, _, err = r.client.Health().Service(r.opts.Service, tag, r.opts.PassingOnly, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("consul: discover %s: %w", r.opts.Service, err)
	}
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Service == nil {
			continue
		}
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		if addr == "" {
			continue
		}
		hp := discovery.WithPort(addr, discovery.DefaultPort)
		if e.Service.Port > 0 {
			hp = net.JoinHostPort(addr, strconv.Itoa(e.Service.Port))
		}
		if _, ok := seen[hp]; !ok {
			seen[hp] = struct{}{}
			out = append(out, hp)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Register adds m to the catalog, replacing any previous registration with
// the same id.
func (r *Registry) Register(ctx context.Context, m replset.DesiredMember) error {
	m = m.WithDefaults()
	hp := m.HostPort()
	reg := &api.AgentServiceRegistration{
		ID:      r.ServiceID(hp),
		Name:    r.opts.Service,
		Address: m.Hostname,
		Port:    m.Port,
		Tags:    append(append([]string(nil), r.opts.Tags...), string(m.Role)),
		Meta:    map[string]string{"role": string(m.Role)},
	}
	if r.opts.CheckInterval > 0 {
		reg.Check = &api.AgentServiceCheck{
			TCP:      hp,
			Interval: r.opts.CheckInterval.String(),
			Timeout:  r.opts.CheckTimeout.String(),
		}
	}
	err := r.retrier().RunContext(ctx, func(context.Context) error {
		return r.client.Agent().ServiceRegister(reg)
	})
	observe("register", err)
	if err != nil {
		return fmt.Errorf("consul: register %s: %w", hp, err)
	}
	return nil
}

// Deregister removes m's registration.
func (r *Registry) Deregister(ctx context.Context, m replset.DesiredMember) error {
	hp := m.HostPort()
	err := r.retrier().RunContext(ctx, func(context.Context) error {
		return r.client.Agent().ServiceDeregister(r.ServiceID(hp))
	})
	observe("deregister", err)
	if err != nil {
		return fmt.Errorf("consul: deregister %s: %w", hp, err)
	}
	return nil
}

// OnChange follows an engine outcome: added or initiated members are
// registered, removed ones deregistered. Failures are logged only, so it can
// be used directly as replset.Options.OnChange.
func (r *Registry) OnChange(ctx context.Context, out replset.Outcome) {
	if !out.Changed {
		return
	}
	var err error
	switch out.Action {
	case replset.ActionAdded, replset.ActionInitiated:
		err = r.Register(ctx, out.Member)
	case replset.ActionRemoved:
		err = r.Deregister(ctx, out.Member)
	default:
		return
	}
	if err != nil {
		r.opts.Logger.Warnw("service registry update failed", "member", out.Member.HostPort(), "action", out.Action, "err", err)
		return
	}
	r.opts.Logger.Infow("service registry updated", "member", out.Member.HostPort(), "action", out.Action)
}

func (r *Registry) retrier() *retry.Retrier {
	return retry.NewRetrier(r.opts.Attempts, r.opts.RetryDelay, r.opts.MaxDelay)
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RegistryOps.WithLabelValues(op, result).Inc()
}
