// Package memory is an in-process stand-in for a replica set. It speaks the
// client.Dialer/Conn contract, stores the configuration as a BSON document,
// enforces version ordering on reconfig, and can inject faults. It is meant
// for tests and demos.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/amirimatin/go-replset/pkg/client"
)

// DefaultServerVersion is reported unless overridden.
const DefaultServerVersion = "7.0.14"

var (
	errNotPrimary   = errors.New("not primary")
	errStaleVersion = errors.New("new config version must be greater than the current one")
	errAlreadyInit  = errors.New("already initialized")
	errUnknownCmd   = errors.New("no such command")
)

// Fault is a scripted failure for one command. A Fault with a nil Err lets
// the call through, which is useful to fail a later call in a sequence.
type Fault struct {
	// Err is returned instead of executing the command.
	Err error
	// Apply executes the command before returning Err, modelling a write
	// whose acknowledgement was lost.
	Apply bool
	// Concurrent, when set, is installed as the configuration before Err is
	// returned, as if another client's reconfig had won the race.
	Concurrent any
}

// Cluster is the simulated server state. Zero value is not usable; call New.
type Cluster struct {
	mu sync.Mutex

	name          string
	initiated     bool
	docs          []bson.Raw
	serverVersion string
	driverVersion string

	// statusReadyAfter is the number of replSetGetStatus calls after
	// initiation that report a non-primary state.
	statusReadyAfter int
	statusCalls      int

	connectErr error
	faults     map[string][]Fault
	counts     map[string]int
	history    []bson.Raw
	opened     int
	closed     int
}

// New returns a cluster whose node is not yet part of any replica set. Seed
// installs a configuration directly; replSetInitiate creates one.
func New(name string) *Cluster {
	return &Cluster{
		name:          name,
		serverVersion: DefaultServerVersion,
		driverVersion: "1.17.1",
		faults:        make(map[string][]Fault),
		counts:        make(map[string]int),
	}
}

// Seed installs cfg as the current configuration. cfg is any value that
// encodes to a BSON document.
func (c *Cluster) Seed(cfg any) error {
	raw, err := bson.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("memory: seed: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initiated = true
	c.docs = []bson.Raw{raw}
	c.history = append(c.history, raw)
	return nil
}

// AddRawDocument appends another configuration document, producing a
// corrupt local.system.replset.
func (c *Cluster) AddRawDocument(doc any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, raw)
	return nil
}

// ClearDocuments empties local.system.replset while keeping the set
// reachable.
func (c *Cluster) ClearDocuments() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = nil
}

func (c *Cluster) SetServerVersion(v string) { c.mu.Lock(); c.serverVersion = v; c.mu.Unlock() }
func (c *Cluster) SetDriverVersion(v string) { c.mu.Lock(); c.driverVersion = v; c.mu.Unlock() }

// SetConnectError makes every Connect fail with err.
func (c *Cluster) SetConnectError(err error) { c.mu.Lock(); c.connectErr = err; c.mu.Unlock() }

// SetStatusReadyAfter makes the first n status polls after initiation
// report a secondary.
func (c *Cluster) SetStatusReadyAfter(n int) { c.mu.Lock(); c.statusReadyAfter = n; c.mu.Unlock() }

// FailNext queues faults for the next invocations of cmd, consumed in order.
func (c *Cluster) FailNext(cmd string, faults ...Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[cmd] = append(c.faults[cmd], faults...)
}

// Calls returns how many times cmd was received, faults included.
func (c *Cluster) Calls(cmd string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[cmd]
}

// Mutations counts replSetInitiate and replSetReconfig calls.
func (c *Cluster) Mutations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts["replSetInitiate"] + c.counts["replSetReconfig"]
}

// OpenConns reports connections opened and not yet closed.
func (c *Cluster) OpenConns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened - c.closed
}

// Config decodes the current configuration into out.
func (c *Cluster) Config(out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.docs) == 0 {
		return client.ErrNotFound
	}
	return bson.Unmarshal(c.docs[0], out)
}

// History returns every configuration installed, oldest first.
func (c *Cluster) History() []bson.Raw {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bson.Raw(nil), c.history...)
}

// Dialer returns a client.Dialer bound to c.
func (c *Cluster) Dialer() client.Dialer { return dialer{c} }

type dialer struct{ c *Cluster }

func (d dialer) DriverVersion() string {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	return d.c.driverVersion
}

func (d dialer) Connect(ctx context.Context, p client.ConnectParams) (client.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, client.Wrap(client.ErrConnection, "connect", err)
	}
	if len(p.Endpoints) == 0 {
		return nil, client.Wrap(client.ErrConnection, "connect", errors.New("no endpoints"))
	}
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	if !p.Direct {
		if !c.initiated {
			return nil, client.Wrap(client.ErrReplicaSetNotFound, "connect", fmt.Errorf("set %q", p.ReplicaSet))
		}
		if p.ReplicaSet != c.name {
			return nil, client.Wrap(client.ErrReplicaSetNotFound, "connect", fmt.Errorf("set %q, server is in %q", p.ReplicaSet, c.name))
		}
	}
	c.opened++
	return &conn{c: c}, nil
}

type conn struct {
	c      *Cluster
	closed bool
}

func (cn *conn) Close(context.Context) error {
	cn.c.mu.Lock()
	defer cn.c.mu.Unlock()
	if cn.closed {
		return nil
	}
	cn.closed = true
	cn.c.closed++
	return nil
}

func (cn *conn) ServerVersion(context.Context) (string, error) {
	cn.c.mu.Lock()
	defer cn.c.mu.Unlock()
	return cn.c.serverVersion, nil
}

func (cn *conn) ReadSingleDocument(ctx context.Context, ns client.Namespace, out any) error {
	if ns != client.ReplSetConfigNamespace {
		return client.Wrap(client.ErrNotFound, "find "+ns.String(), errors.New("unknown namespace"))
	}
	c := cn.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts["find"]++
	if f, ok := c.popFault("find"); ok && f.Err != nil {
		return f.Err
	}
	switch len(c.docs) {
	case 0:
		return client.Wrap(client.ErrNotFound, "find "+ns.String(), errors.New("no documents"))
	case 1:
		return bson.Unmarshal(c.docs[0], out)
	}
	return client.Wrap(client.ErrTooManyResults, "find "+ns.String(), fmt.Errorf("%d documents", len(c.docs)))
}

func (cn *conn) RunAdminCommand(ctx context.Context, name string, arg, result any) error {
	if err := ctx.Err(); err != nil {
		return client.Wrap(client.ErrNetwork, name, err)
	}
	c := cn.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
	f, faulted := c.popFault(name)
	faulted = faulted && f.Err != nil
	if faulted && !f.Apply {
		if f.Concurrent != nil {
			raw, err := bson.Marshal(f.Concurrent)
			if err != nil {
				return err
			}
			c.docs = []bson.Raw{raw}
			c.history = append(c.history, raw)
		}
		return f.Err
	}

	var (
		reply bson.M
		err   error
	)
	switch name {
	case "replSetInitiate":
		err = c.initiate(arg)
		reply = bson.M{"ok": 1}
	case "replSetReconfig":
		err = c.reconfig(arg)
		reply = bson.M{"ok": 1}
	case "replSetGetStatus":
		reply, err = c.status()
	case "buildInfo":
		reply = bson.M{"ok": 1, "version": c.serverVersion}
	case "ping":
		reply = bson.M{"ok": 1}
	default:
		err = errUnknownCmd
	}
	if err != nil {
		return client.Wrap(client.ErrCommand, name, err)
	}
	if faulted {
		return f.Err
	}
	if result == nil {
		return nil
	}
	raw, err := bson.Marshal(reply)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, result)
}

func (c *Cluster) popFault(cmd string) (Fault, bool) {
	q := c.faults[cmd]
	if len(q) == 0 {
		return Fault{}, false
	}
	c.faults[cmd] = q[1:]
	return q[0], true
}

type configHeader struct {
	ID      string   `bson:"_id"`
	Version int64    `bson:"version"`
	Members []bson.M `bson:"members"`
}

func (c *Cluster) initiate(arg any) error {
	if c.initiated {
		return errAlreadyInit
	}
	doc, err := toDocument(arg)
	if err != nil {
		return err
	}
	var h configHeader
	if err := bson.Unmarshal(doc, &h); err != nil {
		return err
	}
	if len(h.Members) == 0 {
		return errors.New("members must not be empty")
	}
	// The server stamps version 1 onto a new configuration.
	var m bson.D
	if err := bson.Unmarshal(doc, &m); err != nil {
		return err
	}
	m = setField(m, "version", int64(1))
	raw, err := bson.Marshal(m)
	if err != nil {
		return err
	}
	c.name = h.ID
	c.initiated = true
	c.statusCalls = 0
	c.docs = []bson.Raw{raw}
	c.history = append(c.history, raw)
	return nil
}

func (c *Cluster) reconfig(arg any) error {
	if !c.initiated || len(c.docs) == 0 {
		return errNotPrimary
	}
	doc, err := toDocument(arg)
	if err != nil {
		return err
	}
	var next, cur configHeader
	if err := bson.Unmarshal(doc, &next); err != nil {
		return err
	}
	if err := bson.Unmarshal(c.docs[0], &cur); err != nil {
		return err
	}
	if next.ID != cur.ID {
		return fmt.Errorf("set name %q does not match %q", next.ID, cur.ID)
	}
	if next.Version <= cur.Version {
		return errStaleVersion
	}
	if len(next.Members) == 0 {
		return errors.New("members must not be empty")
	}
	if _, err := doc.LookupErr("term"); err == nil {
		return errors.New("term must not be set")
	}
	c.docs = []bson.Raw{doc}
	c.history = append(c.history, doc)
	return nil
}

func (c *Cluster) status() (bson.M, error) {
	if !c.initiated || len(c.docs) == 0 {
		return nil, errors.New("no replset config has been received")
	}
	var cur configHeader
	if err := bson.Unmarshal(c.docs[0], &cur); err != nil {
		return nil, err
	}
	c.statusCalls++
	myState, myStateStr := 1, "PRIMARY"
	if c.statusCalls <= c.statusReadyAfter {
		myState, myStateStr = 2, "SECONDARY"
	}
	members := make(bson.A, 0, len(cur.Members))
	for i, m := range cur.Members {
		state, stateStr := 2, "SECONDARY"
		if arb, _ := m["arbiterOnly"].(bool); arb {
			state, stateStr = 7, "ARBITER"
		}
		if i == 0 {
			state, stateStr = myState, myStateStr
		}
		members = append(members, bson.M{
			"_id":      m["_id"],
			"name":     m["host"],
			"health":   1.0,
			"state":    state,
			"stateStr": stateStr,
			"self":     i == 0,
		})
	}
	return bson.M{"set": cur.ID, "myState": myState, "ok": 1.0, "members": members}, nil
}

func toDocument(v any) (bson.Raw, error) {
	if raw, ok := v.(bson.Raw); ok {
		return raw, nil
	}
	return bson.Marshal(v)
}

func setField(d bson.D, key string, val any) bson.D {
	for i := range d {
		if d[i].Key == key {
			d[i].Value = val
			return d
		}
	}
	return append(d, bson.E{Key: key, Value: val})
}
