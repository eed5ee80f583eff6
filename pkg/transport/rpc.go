package transport

import (
	"context"
	"errors"

	"github.com/amirimatin/go-replset/pkg/replset"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// ReconcileRequest asks an agent to make Member present in or absent from
// the replica set it manages. Connection details stay on the agent.
type ReconcileRequest struct {
	Member replset.DesiredMember `json:"member"`
	State  replset.State         `json:"state"`
}

// ReconcileResponse reports the outcome, or the failure as Kind (the engine
// error kind text, when known) and Error.
type ReconcileResponse struct {
	Outcome *replset.Outcome `json:"outcome,omitempty"`
	Kind    string           `json:"kind,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// ReconcileFunc handles reconcile requests on the agent side.
type ReconcileFunc func(ctx context.Context, req ReconcileRequest) (*replset.Outcome, error)

// RPCServer exposes the management endpoints (status, reconcile, health,
// metrics).
type RPCServer interface {
	Start(ctx context.Context, status StatusFunc, reconcile ReconcileFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient calls an agent using the chosen management protocol.
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	PostReconcile(ctx context.Context, addr string, req ReconcileRequest) (*replset.Outcome, error)
}

// RemoteError is a reconcile failure reported by an agent. It unwraps to the
// matching replset error kind so callers can keep using errors.Is.
type RemoteError struct {
	Kind string
	Msg  string
}

func (e *RemoteError) Error() string { return e.Msg }

func (e *RemoteError) Unwrap() error { return replset.KindByName(e.Kind) }

// Respond turns a handler result into a response.
func Respond(out *replset.Outcome, err error) ReconcileResponse {
	if err == nil {
		return ReconcileResponse{Outcome: out}
	}
	resp := ReconcileResponse{Error: err.Error()}
	if k := replset.KindOf(err); k != nil {
		resp.Kind = k.Error()
	}
	return resp
}

// Result is the client-side inverse of Respond.
func (r ReconcileResponse) Result() (*replset.Outcome, error) {
	if r.Error != "" {
		return nil, &RemoteError{Kind: r.Kind, Msg: r.Error}
	}
	if r.Outcome == nil {
		return nil, errors.New("transport: empty reconcile response")
	}
	return r.Outcome, nil
}
