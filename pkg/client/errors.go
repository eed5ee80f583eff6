package client

import (
	"errors"
	"fmt"
)

var (
	// ErrReplicaSetNotFound means the seed answered but no initiated replica
	// set with the requested name is reachable through it.
	ErrReplicaSetNotFound = errors.New("client: no reachable members for replica set")
	ErrConnection         = errors.New("client: connection failed")
	ErrServerSelection    = errors.New("client: server selection timeout")
	ErrNetwork            = errors.New("client: network error")
	ErrCommand            = errors.New("client: command failed")
	ErrNotFound           = errors.New("client: no document found")
	ErrTooManyResults     = errors.New("client: more than one document found")
)

// Error attaches one of the kinds above to an operation and its cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// Wrap returns an *Error of the given kind, or nil when err is nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is worth retrying from a fresh read:
// command failures (elections, version races), network errors and server
// selection timeouts.
func IsTransient(err error) bool {
	return errors.Is(err, ErrCommand) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrServerSelection)
}
