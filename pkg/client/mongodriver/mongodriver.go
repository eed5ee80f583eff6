// Package mongodriver implements client.Dialer on the official MongoDB Go
// driver.
package mongodriver

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/description"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/version"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"

	"github.com/amirimatin/go-replset/pkg/client"
	"github.com/amirimatin/go-replset/pkg/compat"
)

const defaultAuthSource = "admin"

// CompatibilityRules is the server/driver matrix of the Go driver, newest
// server first.
var CompatibilityRules = compat.Rules{
	{ServerFloor: "8.0", MinDriver: "1.17", Inclusive: true},
	{ServerFloor: "7.0", MinDriver: "1.12", Inclusive: true},
	{ServerFloor: "6.0", MinDriver: "1.10", Inclusive: true},
	{ServerFloor: "5.0", MinDriver: "1.7", Inclusive: true},
	{ServerFloor: "4.4", MinDriver: "1.4", Inclusive: true},
	{ServerFloor: "4.2", MinDriver: "1.1", Inclusive: true},
	{MinDriver: "1.0", Inclusive: true},
}

// Dialer connects through mongo.Connect. The zero value is usable.
type Dialer struct {
	// AppName is reported to the server in the handshake.
	AppName string
}

var _ client.Dialer = Dialer{}

// DriverVersion reports the linked Go driver release.
func (Dialer) DriverVersion() string { return version.Driver }

// Connect opens a client and pings it so that unreachable or uninitiated
// sets fail here rather than on first use.
func (d Dialer) Connect(ctx context.Context, p client.ConnectParams) (client.Conn, error) {
	if len(p.Endpoints) == 0 {
		return nil, client.Wrap(client.ErrConnection, "connect", errors.New("no endpoints"))
	}
	opts := options.Client().SetHosts(p.Endpoints)
	if d.AppName != "" {
		opts.SetAppName(d.AppName)
	}
	if p.Direct {
		opts.SetDirect(true)
	} else {
		opts.SetReplicaSet(p.ReplicaSet)
	}
	if !p.Credentials.Empty() {
		src := p.Credentials.AuthSource
		if src == "" {
			src = defaultAuthSource
		}
		opts.SetAuth(options.Credential{
			Username:   p.Credentials.User,
			Password:   p.Credentials.Password,
			AuthSource: src,
		})
	}
	if p.TLS != nil {
		opts.SetTLSConfig(p.TLS)
	}
	if p.Timeout > 0 {
		opts.SetServerSelectionTimeout(p.Timeout).SetConnectTimeout(p.Timeout)
	}
	if err := opts.Validate(); err != nil {
		return nil, client.Wrap(client.ErrConnection, "connect", err)
	}

	mc, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, client.Wrap(client.ErrConnection, "connect", err)
	}
	if err := mc.Ping(ctx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, classifyConnect(p, err)
	}
	return &conn{c: mc}, nil
}

// classifyConnect maps a failed ping. A set-aware connection whose topology
// holds only uninitiated replica set nodes (or nothing at all) means the set
// does not exist yet.
func classifyConnect(p client.ConnectParams, err error) error {
	var sse topology.ServerSelectionError
	if errors.As(err, &sse) {
		if !p.Direct && setMissing(sse.Desc) {
			return client.Wrap(client.ErrReplicaSetNotFound, "connect", fmt.Errorf("set %q: %w", p.ReplicaSet, err))
		}
		return client.Wrap(client.ErrServerSelection, "connect", err)
	}
	return client.Wrap(client.ErrConnection, "connect", err)
}

// setMissing reports whether every server is a ghost. A single secondary or
// unreachable seed means the set may exist and is only without a primary.
func setMissing(desc description.Topology) bool {
	for _, s := range desc.Servers {
		if s.Kind != description.RSGhost {
			return false
		}
	}
	return true
}

// classify maps driver errors onto the client error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		sse topology.ServerSelectionError
		ce  mongo.CommandError
	)
	switch {
	case errors.As(err, &sse):
		return client.Wrap(client.ErrServerSelection, op, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return client.Wrap(client.ErrNetwork, op, err)
	case errors.Is(err, mongo.ErrClientDisconnected):
		return client.Wrap(client.ErrConnection, op, err)
	case errors.As(err, &ce):
		return client.Wrap(client.ErrCommand, op, err)
	}
	return client.Wrap(client.ErrCommand, op, err)
}

type conn struct {
	c *mongo.Client
}

func (cn *conn) RunAdminCommand(ctx context.Context, name string, arg, result any) error {
	res := cn.c.Database("admin").RunCommand(ctx, bson.D{{Key: name, Value: arg}})
	if result == nil {
		return classify(name, res.Err())
	}
	return classify(name, res.Decode(result))
}

// ReadSingleDocument fetches at most two documents to tell "one" from "many"
// in a single round trip.
func (cn *conn) ReadSingleDocument(ctx context.Context, ns client.Namespace, out any) error {
	op := "find " + ns.String()
	cur, err := cn.c.Database(ns.DB).Collection(ns.Collection).Find(ctx, bson.D{}, options.Find().SetLimit(2))
	if err != nil {
		return classify(op, err)
	}
	defer cur.Close(ctx)

	var docs []bson.Raw
	for cur.Next(ctx) {
		docs = append(docs, append(bson.Raw(nil), cur.Current...))
	}
	if err := cur.Err(); err != nil {
		return classify(op, err)
	}
	switch len(docs) {
	case 0:
		return client.Wrap(client.ErrNotFound, op, mongo.ErrNoDocuments)
	case 1:
		if err := bson.Unmarshal(docs[0], out); err != nil {
			return client.Wrap(client.ErrCommand, op, err)
		}
		return nil
	}
	return client.Wrap(client.ErrTooManyResults, op, fmt.Errorf("at least %d documents", len(docs)))
}

func (cn *conn) ServerVersion(ctx context.Context) (string, error) {
	var info struct {
		Version string `bson:"version"`
	}
	if err := cn.RunAdminCommand(ctx, "buildInfo", 1, &info); err != nil {
		return "", err
	}
	return info.Version, nil
}

func (cn *conn) Close(ctx context.Context) error {
	if err := cn.c.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return client.Wrap(client.ErrConnection, "disconnect", err)
	}
	return nil
}
