package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"

	obsmetrics "github.com/amirimatin/go-replset/pkg/observability/metrics"
)

// ConnManager caches gRPC client connections per agent address with idle
// eviction.
type ConnManager struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	ttl     time.Duration
	dialer  func(ctx context.Context, target string) (*grpc.ClientConn, error)
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

// NewConnManager creates a manager with the given idle TTL and dialer.
func NewConnManager(ttl time.Duration, dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)) *ConnManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &ConnManager{
		ttl:     ttl,
		dialer:  dialer,
		conns:   make(map[string]*managedConn),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Get returns a connection for target and a release func to be called when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		mc.ref++
		mc.lastUsed = time.Now()
		m.mu.Unlock()
		obsmetrics.GRPCConnReuse.Inc()
		return mc.cc, func() { m.release(target) }, nil
	}
	m.mu.Unlock()

	cc, err := m.dialer(ctx, target)
	if err != nil {
		return nil, func() {}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[target]; ok {
		// Another caller dialed first.
		_ = cc.Close()
		existing.ref++
		existing.lastUsed = time.Now()
		obsmetrics.GRPCConnReuse.Inc()
		return existing.cc, func() { m.release(target) }, nil
	}
	m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
	obsmetrics.GRPCConnDials.Inc()
	obsmetrics.GRPCConnActive.Inc()
	return cc, func() { m.release(target) }, nil
}

func (m *ConnManager) release(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[target]; ok {
		if mc.ref > 0 {
			mc.ref--
		}
		mc.lastUsed = time.Now()
	}
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes all cached connections and stops the janitor. Safe to call
// more than once.
func (m *ConnManager) Close() {
	m.once.Do(func() {
		close(m.closing)
		<-m.done
		m.mu.Lock()
		defer m.mu.Unlock()
		for k, mc := range m.conns {
			_ = mc.cc.Close()
			obsmetrics.GRPCConnActive.Dec()
			delete(m.conns, k)
		}
	})
}

func (m *ConnManager) janitor() {
	defer close(m.done)
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			m.evictIdle(time.Now().Add(-m.ttl))
		}
	}
}

func (m *ConnManager) evictIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, mc := range m.conns {
		if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
			_ = mc.cc.Close()
			obsmetrics.GRPCConnEvictions.Inc()
			obsmetrics.GRPCConnActive.Dec()
			delete(m.conns, addr)
		}
	}
}
