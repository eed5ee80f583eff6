package replset

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Validate reports every problem with d at once. The returned error matches
// ErrInvalidMember.
func (d DesiredMember) Validate() error {
	var errs error
	if strings.TrimSpace(d.Hostname) == "" {
		errs = multierr.Append(errs, errors.New("hostname is required"))
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("port %d out of range 1-65535", d.Port))
	}
	d = d.WithDefaults()
	switch d.Role {
	case RoleDataMember, RoleArbiter:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown role %q", d.Role))
	}
	if d.Role == RoleDataMember {
		priority := d.EffectivePriority()
		if priority < 0 {
			errs = multierr.Append(errs, fmt.Errorf("priority %g must be >= 0", priority))
		}
		if d.SlaveDelay < 0 {
			errs = multierr.Append(errs, fmt.Errorf("slave delay %d must be >= 0", d.SlaveDelay))
		}
		if votes := d.EffectiveVotes(); votes < 0 {
			errs = multierr.Append(errs, fmt.Errorf("votes %d must be >= 0", votes))
		}
		if d.Hidden && priority != 0 {
			errs = multierr.Append(errs, errors.New("hidden members must have priority 0"))
		}
		if d.SlaveDelay > 0 && priority != 0 {
			errs = multierr.Append(errs, errors.New("delayed members must have priority 0"))
		}
	}
	if errs == nil {
		return nil
	}
	return newError(ErrInvalidMember, errs, "%s", d.HostPort())
}

// validate checks the request as a whole before any I/O.
func (r Request) validate() error {
	if err := r.Member.Validate(); err != nil {
		return err
	}
	switch r.State {
	case StatePresent, StateAbsent:
	default:
		return newError(ErrInvalidMember, nil, "unknown state %q", r.State)
	}
	if len(r.Connection.Endpoints) == 0 {
		return newError(ErrConnectionFailure, nil, "no endpoints given")
	}
	if r.Connection.ReplicaSet == "" {
		return newError(ErrConnectionFailure, nil, "replica set name is required")
	}
	c := r.Connection.Credentials
	if (c.User == "") != (c.Password == "") {
		return newError(ErrAmbiguousCredentials, nil, "user and password must be given together")
	}
	return nil
}
