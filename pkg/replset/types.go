package replset

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/amirimatin/go-replset/pkg/client"
)

// Role is the replication role of a desired member.
type Role string

const (
	RoleDataMember Role = "replica"
	RoleArbiter    Role = "arbiter"
)

// ParseRole accepts "replica" (or "data") and "arbiter".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replica", "data", "datamember":
		return RoleDataMember, nil
	case "arbiter":
		return RoleArbiter, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidMember, s)
}

// State is whether the member should be part of the set.
type State string

const (
	StatePresent State = "present"
	StateAbsent  State = "absent"
)

// ParseState accepts "present" and "absent".
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "present":
		return StatePresent, nil
	case "absent":
		return StateAbsent, nil
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidMember, s)
}

// Defaults the server applies to an attribute that is absent from a member
// document.
const (
	DefaultPriority     = 1.0
	DefaultVotes        = 1
	DefaultBuildIndexes = true
)

// DesiredMember is the target state for one host. Attributes other than
// Hostname, Port and Role only apply to data members. An empty Role means
// RoleDataMember; nil BuildIndexes, Priority and Votes mean the server
// defaults, so a member decoded from a request that omits them is a plain
// electable, voting data member.
type DesiredMember struct {
	Hostname     string   `json:"hostname" yaml:"hostname"`
	Port         int      `json:"port" yaml:"port"`
	Role         Role     `json:"role,omitempty" yaml:"role,omitempty"`
	BuildIndexes *bool    `json:"buildIndexes,omitempty" yaml:"buildIndexes,omitempty"`
	Hidden       bool     `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Priority     *float64 `json:"priority,omitempty" yaml:"priority,omitempty"`
	// SlaveDelay is in seconds.
	SlaveDelay int  `json:"slaveDelay,omitempty" yaml:"slaveDelay,omitempty"`
	Votes      *int `json:"votes,omitempty" yaml:"votes,omitempty"`
}

// NewDesiredMember returns a data member with server defaults.
func NewDesiredMember(hostname string, port int) DesiredMember {
	return DesiredMember{Hostname: hostname, Port: port, Role: RoleDataMember}
}

// Ptr returns a pointer to v, for the optional DesiredMember attributes.
func Ptr[T any](v T) *T { return &v }

// WithDefaults fills an empty Role.
func (d DesiredMember) WithDefaults() DesiredMember {
	if d.Role == "" {
		d.Role = RoleDataMember
	}
	return d
}

// EffectiveBuildIndexes is BuildIndexes or its server default.
func (d DesiredMember) EffectiveBuildIndexes() bool {
	if d.BuildIndexes == nil {
		return DefaultBuildIndexes
	}
	return *d.BuildIndexes
}

// EffectivePriority is Priority or its server default.
func (d DesiredMember) EffectivePriority() float64 {
	if d.Priority == nil {
		return DefaultPriority
	}
	return *d.Priority
}

// EffectiveVotes is Votes or its server default.
func (d DesiredMember) EffectiveVotes() int {
	if d.Votes == nil {
		return DefaultVotes
	}
	return *d.Votes
}

// HostPort returns "hostname:port" as it appears in the member list.
func (d DesiredMember) HostPort() string {
	return fmt.Sprintf("%s:%d", d.Hostname, d.Port)
}

// IsArbiter reports whether the desired role is arbiter.
func (d DesiredMember) IsArbiter() bool { return d.Role == RoleArbiter }

func (d DesiredMember) String() string {
	return fmt.Sprintf("%s (%s)", d.HostPort(), d.WithDefaults().Role)
}

// ConnectionParams is everything needed to reach the cluster. It is passed
// explicitly on every call.
type ConnectionParams struct {
	// Endpoints are seed addresses in host:port form. The first one is used
	// for direct connections during bootstrap.
	Endpoints   []string
	ReplicaSet  string
	Credentials client.Credentials
	// TLS enables TLS when non-nil.
	TLS *tls.Config
	// ConnectTimeout bounds each connection attempt. Zero uses the default.
	ConnectTimeout time.Duration
}

// Timeouts bounds the retry loops of one invocation. Zero fields use the
// defaults.
type Timeouts struct {
	ReconfigureTimeout  time.Duration
	ReconfigureInterval time.Duration
	HealthTimeout       time.Duration
	HealthInterval      time.Duration
}

const (
	DefaultReconfigureTimeout  = 180 * time.Second
	DefaultReconfigureInterval = 5 * time.Second
	DefaultHealthTimeout       = 180 * time.Second
	DefaultHealthInterval      = time.Second
	DefaultConnectTimeout      = 10 * time.Second
)

func (t Timeouts) withDefaults() Timeouts {
	if t.ReconfigureTimeout <= 0 {
		t.ReconfigureTimeout = DefaultReconfigureTimeout
	}
	if t.ReconfigureInterval <= 0 {
		t.ReconfigureInterval = DefaultReconfigureInterval
	}
	if t.HealthTimeout <= 0 {
		t.HealthTimeout = DefaultHealthTimeout
	}
	if t.HealthInterval <= 0 {
		t.HealthInterval = DefaultHealthInterval
	}
	return t
}

// Request is the input of one reconcile invocation.
type Request struct {
	Member     DesiredMember
	State      State
	Connection ConnectionParams
	Timeouts   Timeouts
}

// Action names what an invocation did to the cluster.
type Action string

const (
	ActionNone      Action = "none"
	ActionInitiated Action = "initiated"
	ActionAdded     Action = "added"
	ActionRemoved   Action = "removed"
)

// Outcome is the result of one reconcile invocation.
type Outcome struct {
	Changed bool          `json:"changed"`
	Member  DesiredMember `json:"member"`
	State   State         `json:"state"`
	Action  Action        `json:"action"`
	// Version is the configuration version after the invocation, when known.
	Version int64 `json:"version,omitempty"`
	// Attempts counts reconfiguration attempts, including the one that
	// found the change already applied.
	Attempts int `json:"attempts,omitempty"`
}

// MembershipConfig is the replica set configuration document. Fields the
// engine does not model are kept in Extra and written back unchanged.
type MembershipConfig struct {
	ID      string         `bson:"_id" json:"_id"`
	Version int64          `bson:"version" json:"version"`
	Members []Member       `bson:"members" json:"members"`
	Extra   map[string]any `bson:",inline" json:"-"`
}

// Member is one entry of MembershipConfig.Members. Nil pointers are absent
// from the document and take the server default.
type Member struct {
	ID                 int            `bson:"_id" json:"_id"`
	Host               string         `bson:"host" json:"host"`
	ArbiterOnly        bool           `bson:"arbiterOnly,omitempty" json:"arbiterOnly,omitempty"`
	BuildIndexes       *bool          `bson:"buildIndexes,omitempty" json:"buildIndexes,omitempty"`
	Hidden             *bool          `bson:"hidden,omitempty" json:"hidden,omitempty"`
	Priority           *float64       `bson:"priority,omitempty" json:"priority,omitempty"`
	SlaveDelay         *int64         `bson:"slaveDelay,omitempty" json:"slaveDelay,omitempty"`
	SecondaryDelaySecs *int64         `bson:"secondaryDelaySecs,omitempty" json:"secondaryDelaySecs,omitempty"`
	Votes              *int           `bson:"votes,omitempty" json:"votes,omitempty"`
	Extra              map[string]any `bson:",inline" json:"-"`
}

// MaxID returns the highest member id, or -1 for an empty list.
func (c *MembershipConfig) MaxID() int {
	hi := -1
	for _, m := range c.Members {
		if m.ID > hi {
			hi = m.ID
		}
	}
	return hi
}

// Hosts lists member hosts in configuration order.
func (c *MembershipConfig) Hosts() []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m.Host)
	}
	return out
}

// Clone returns a deep copy so that a proposal never aliases a snapshot.
func (c *MembershipConfig) Clone() *MembershipConfig {
	if c == nil {
		return nil
	}
	out := &MembershipConfig{ID: c.ID, Version: c.Version, Extra: cloneMap(c.Extra)}
	out.Members = make([]Member, len(c.Members))
	for i, m := range c.Members {
		out.Members[i] = m.clone()
	}
	return out
}

func (m Member) clone() Member {
	out := m
	out.BuildIndexes = clonePtr(m.BuildIndexes)
	out.Hidden = clonePtr(m.Hidden)
	out.Priority = clonePtr(m.Priority)
	out.SlaveDelay = clonePtr(m.SlaveDelay)
	out.SecondaryDelaySecs = clonePtr(m.SecondaryDelaySecs)
	out.Votes = clonePtr(m.Votes)
	out.Extra = cloneMap(m.Extra)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneMap copies the top level only; nested values are never mutated by
// the engine.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
