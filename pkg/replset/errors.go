package replset

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailure    = errors.New("replset: connection failure")
	ErrVersionIncompatible  = errors.New("replset: version incompatible")
	ErrUnexpectedTopology   = errors.New("replset: unexpected topology")
	ErrNoConfiguration      = errors.New("replset: no configuration")
	ErrAmbiguousCredentials = errors.New("replset: ambiguous credentials")
	ErrLastMemberRemoval    = errors.New("replset: refusing to remove the last member")
	ErrBootstrapFailed      = errors.New("replset: bootstrap failed")
	ErrHealthCheckTimeout   = errors.New("replset: health check timeout")
	ErrReconfigureTimeout   = errors.New("replset: reconfigure timeout")
	ErrInvalidMember        = errors.New("replset: invalid member")
)

// Error is the single structured error returned by the engine. Kind is one
// of the sentinels above and Err, when set, is the underlying cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func newError(kind error, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the engine error kind of err, or nil when err did not come
// from the engine.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

var kinds = []error{
	ErrConnectionFailure, ErrVersionIncompatible, ErrUnexpectedTopology,
	ErrNoConfiguration, ErrAmbiguousCredentials, ErrLastMemberRemoval,
	ErrBootstrapFailed, ErrHealthCheckTimeout, ErrReconfigureTimeout,
	ErrInvalidMember,
}

// KindByName maps the text of an error kind back to its sentinel. It is used
// to rebuild typed errors received over a management transport.
func KindByName(name string) error {
	for _, k := range kinds {
		if k.Error() == name {
			return k
		}
	}
	return nil
}
