package replset

import (
	"context"
	"errors"
	"time"

	"github.com/amirimatin/go-replset/pkg/client"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
)

// ReplSetStatus is the subset of replSetGetStatus the engine reads.
type ReplSetStatus struct {
	Set     string         `bson:"set" json:"set"`
	MyState int            `bson:"myState" json:"myState"`
	OK      float64        `bson:"ok" json:"ok"`
	Members []MemberStatus `bson:"members" json:"members"`
}

// MemberStatus is one entry of replSetGetStatus.members.
type MemberStatus struct {
	ID       int       `bson:"_id" json:"id"`
	Name     string    `bson:"name" json:"name"`
	Health   float64   `bson:"health" json:"health"`
	State    int       `bson:"state" json:"state"`
	StateStr string    `bson:"stateStr" json:"stateStr"`
	Self     bool      `bson:"self,omitempty" json:"self,omitempty"`
	Uptime   int64     `bson:"uptime" json:"uptime"`
	Optime   time.Time `bson:"optimeDate,omitempty" json:"optimeDate,omitempty"`
}

// ClusterStatus is a JSON-serializable snapshot for status endpoints and
// tooling.
type ClusterStatus struct {
	// Initiated is false when the seeds answer but no set exists yet.
	Initiated     bool              `json:"initiated"`
	ReplicaSet    string            `json:"replicaSet"`
	ServerVersion string            `json:"serverVersion,omitempty"`
	Primary       string            `json:"primary,omitempty"`
	Config        *MembershipConfig `json:"config,omitempty"`
	Members       []MemberStatus    `json:"members,omitempty"`
	// Warnings contains non-fatal observations (e.g. unhealthy members).
	Warnings []string `json:"warnings,omitempty"`
}

// Status reads the configuration and replSetGetStatus through a set-aware
// connection. It never mutates the cluster.
func (e *Engine) Status(ctx context.Context, cp ConnectionParams) (*ClusterStatus, error) {
	if len(cp.Endpoints) == 0 || cp.ReplicaSet == "" {
		return nil, newError(ErrConnectionFailure, nil, "endpoints and replica set name are required")
	}
	if (cp.Credentials.User == "") != (cp.Credentials.Password == "") {
		return nil, newError(ErrAmbiguousCredentials, nil, "user and password must be given together")
	}
	log := logutil.Or(e.opts.Logger)
	cs := &ClusterStatus{ReplicaSet: cp.ReplicaSet}
	conn, err := e.opts.Dialer.Connect(ctx, cp.setAware())
	if err != nil {
		if errors.Is(err, client.ErrReplicaSetNotFound) {
			cs.Warnings = append(cs.Warnings, "replica set has not been initiated")
			return cs, nil
		}
		return nil, newError(ErrConnectionFailure, err, "connect to %v", cp.Endpoints)
	}
	defer e.closeConn(ctx, conn, log)
	cs.Initiated = true

	if v, err := conn.ServerVersion(ctx); err == nil {
		cs.ServerVersion = v
	}
	cfg, err := readSnapshot(ctx, conn)
	if err != nil {
		return nil, err
	}
	cs.Config = cfg
	var st ReplSetStatus
	if err := conn.RunAdminCommand(ctx, "replSetGetStatus", 1, &st); err != nil {
		return nil, newError(ErrConnectionFailure, err, "replSetGetStatus")
	}
	cs.Members = st.Members
	for _, m := range st.Members {
		if m.State == StatePrimary {
			cs.Primary = m.Name
		}
		if m.Health != 1 {
			cs.Warnings = append(cs.Warnings, m.Name+" is unhealthy ("+m.StateStr+")")
		}
	}
	if cs.Primary == "" {
		cs.Warnings = append(cs.Warnings, "no primary")
	}
	return cs, nil
}
