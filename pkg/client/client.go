package client

import (
	"context"
	"crypto/tls"
	"time"
)

// Namespace names a collection as database + collection.
type Namespace struct {
	DB         string
	Collection string
}

func (n Namespace) String() string { return n.DB + "." + n.Collection }

// ReplSetConfigNamespace holds the replica set configuration document.
var ReplSetConfigNamespace = Namespace{DB: "local", Collection: "system.replset"}

// Credentials is an already-resolved user/password pair. The zero value
// means "no authentication".
type Credentials struct {
	User     string
	Password string
	// AuthSource defaults to "admin".
	AuthSource string
}

// Empty reports whether neither user nor password is set.
func (c Credentials) Empty() bool { return c.User == "" && c.Password == "" }

// ConnectParams describes one connection attempt.
type ConnectParams struct {
	// Endpoints are seed addresses in host:port form.
	Endpoints []string
	// ReplicaSet is the set name used for set-aware discovery. Ignored when
	// Direct is true.
	ReplicaSet string
	// Direct talks to the first endpoint only, without replica set
	// discovery. Used before a set exists and right after initiation.
	Direct bool
	// Credentials may be empty.
	Credentials Credentials
	// TLS enables TLS when non-nil.
	TLS *tls.Config
	// Timeout bounds connection establishment and server selection.
	Timeout time.Duration
}

// Dialer opens connections to a cluster.
type Dialer interface {
	// Connect establishes a connection and verifies that a suitable server
	// is reachable. A set-aware connection to a node that is not part of an
	// initiated set fails with ErrReplicaSetNotFound.
	Connect(ctx context.Context, p ConnectParams) (Conn, error)
	// DriverVersion reports the version of the underlying driver.
	DriverVersion() string
}

// Conn is an open connection. Implementations own BSON encoding: arg and
// result values are Go structs with bson tags or bson documents.
type Conn interface {
	// RunAdminCommand runs {name: arg} against the admin database and
	// decodes the reply into result (which may be nil).
	RunAdminCommand(ctx context.Context, name string, arg, result any) error
	// ReadSingleDocument decodes the only document of ns into out. It fails
	// with ErrNotFound when the collection is empty and ErrTooManyResults
	// when it holds more than one document.
	ReadSingleDocument(ctx context.Context, ns Namespace, out any) error
	// ServerVersion returns the server's reported version string.
	ServerVersion(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}
