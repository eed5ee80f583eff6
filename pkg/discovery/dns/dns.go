// Package dns discovers seeds from SRV records (the "_mongodb._tcp.<domain>"
// layout used by mongodb+srv URIs) or from plain A/AAAA names.
package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/discovery"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
)

// Options configures DNS-based discovery.
type Options struct {
	// Names are SRV records or hostnames to resolve.
	// Examples: "_mongodb._tcp.example.com" (SRV) or "mongo0.example.com" (A/AAAA).
	Names []string

	// Port used when resolving A/AAAA records (no port info in DNS answer).
	Port int

	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration

	// Resolver optionally overrides the DNS resolver used.
	Resolver *net.Resolver

	Logger *zap.SugaredLogger
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	cache []string
}

// New returns a DNS-backed discovery that resolves SRV and A/AAAA names
// and caches results for the Refresh duration.
func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = discovery.DefaultPort
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Logger == nil {
		opts.Logger = logutil.Default()
	}
	return &impl{opts: opts}
}

// Seeds returns the cached answer while fresh. Lookup failures are reported
// only when no name resolved at all.
func (d *impl) Seeds(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
		return append([]string(nil), d.cache...), nil
	}
	res, err := d.resolveAll(ctx)
	if len(res) == 0 && err != nil {
		return nil, err
	}
	if err != nil {
		d.opts.Logger.Warnw("partial dns discovery", "err", err)
	}
	d.cache = res
	d.last = time.Now()
	return append([]string(nil), d.cache...), nil
}

func (d *impl) resolveAll(ctx context.Context) ([]string, error) {
	var (
		errs error
		out  []string
	)
	seen := make(map[string]struct{})
	add := func(hps ...string) {
		for _, hp := range hps {
			if _, ok := seen[hp]; !ok {
				out = append(out, hp)
				seen[hp] = struct{}{}
			}
		}
	}
	for _, name := range d.opts.Names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(name); err == nil {
			add(name)
			continue
		}
		if isSRVName(name) {
			recs, err := d.lookupSRV(ctx, name)
			if err == nil && len(recs) > 0 {
				add(recs...)
				continue
			}
			errs = multierr.Append(errs, err)
		}
		hps, err := d.lookupHost(ctx, name, d.opts.Port)
		errs = multierr.Append(errs, err)
		add(hps...)
	}
	sort.Strings(out)
	return out, errs
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" || proto == "" || domain == "" {
		return nil, fmt.Errorf("dns: malformed srv name %q", fqdn)
	}
	_, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
	if err != nil {
		return nil, fmt.Errorf("dns: srv %s: %w", fqdn, err)
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		host := strings.TrimSuffix(a.Target, ".")
		out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
	}
	return out, nil
}

func (d *impl) lookupHost(ctx context.Context, host string, port int) ([]string, error) {
	ips, err := d.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns: host %s: %w", host, err)
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
	}
	return out, nil
}

func isSRVName(name string) bool {
	return strings.HasPrefix(name, "_") && strings.Contains(name, "._")
}

// parseSRVName splits "_service._proto.name".
func parseSRVName(fqdn string) (service, proto, name string) {
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	s := strings.TrimPrefix(parts[0], "_")
	p := strings.TrimPrefix(parts[1], "_")
	return s, p, parts[2]
}
