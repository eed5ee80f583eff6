// Package compat decides whether a client driver is recent enough to manage a
// server of a given version.
package compat

import (
	"errors"
	"fmt"

	version "github.com/hashicorp/go-version"
)

var (
	ErrIncompatible   = errors.New("compat: driver too old for server")
	ErrInvalidVersion = errors.New("compat: invalid version")
	ErrInvalidRules   = errors.New("compat: invalid rule table")
)

// Rule requires MinDriver for every server at or above ServerFloor. An empty
// ServerFloor matches any server and must come last.
type Rule struct {
	ServerFloor string
	MinDriver   string
	// Inclusive accepts a driver equal to MinDriver. When false the driver
	// must be strictly greater.
	Inclusive bool
}

func (r Rule) String() string {
	op := ">"
	if r.Inclusive {
		op = ">="
	}
	floor := r.ServerFloor
	if floor == "" {
		floor = "any"
	}
	return fmt.Sprintf("server %s requires driver %s %s", floor, op, r.MinDriver)
}

// Rules is evaluated in order; the first rule whose floor the server reaches
// is the only one checked. Floors must be listed newest first.
type Rules []Rule

// Default mirrors the MongoDB driver compatibility matrix published for the
// reference client.
var Default = Rules{
	{ServerFloor: "4.0", MinDriver: "3.7", Inclusive: true},
	{ServerFloor: "3.6", MinDriver: "3.6", Inclusive: true},
	{ServerFloor: "3.2", MinDriver: "3.2", Inclusive: true},
	{ServerFloor: "3.0", MinDriver: "2.8"},
	{ServerFloor: "2.6", MinDriver: "2.7"},
	{MinDriver: "2.5"},
}

// IncompatibleError describes a failed check.
type IncompatibleError struct {
	Server string
	Driver string
	Rule   Rule
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("compat: server %s with driver %s: %s", e.Server, e.Driver, e.Rule)
}

func (e *IncompatibleError) Unwrap() error { return ErrIncompatible }

// Validate checks that every version parses and floors are strictly
// descending with at most one trailing catch-all.
func (rs Rules) Validate() error {
	var prev *version.Version
	for i, r := range rs {
		if _, err := parse(r.MinDriver); err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidRules, i, err)
		}
		if r.ServerFloor == "" {
			if i != len(rs)-1 {
				return fmt.Errorf("%w: catch-all rule %d is not last", ErrInvalidRules, i)
			}
			continue
		}
		floor, err := parse(r.ServerFloor)
		if err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidRules, i, err)
		}
		if prev != nil && !floor.LessThan(prev) {
			return fmt.Errorf("%w: floor %s does not descend", ErrInvalidRules, r.ServerFloor)
		}
		prev = floor
	}
	return nil
}

// Check returns nil when driver may manage server. A server below every
// floor with no catch-all rule is accepted.
func (rs Rules) Check(server, driver string) error {
	sv, err := parse(server)
	if err != nil {
		return err
	}
	dv, err := parse(driver)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if r.ServerFloor != "" {
			floor, err := parse(r.ServerFloor)
			if err != nil {
				return err
			}
			if sv.LessThan(floor) {
				continue
			}
		}
		need, err := parse(r.MinDriver)
		if err != nil {
			return err
		}
		ok := dv.GreaterThan(need)
		if r.Inclusive {
			ok = dv.GreaterThanOrEqual(need)
		}
		if !ok {
			return &IncompatibleError{Server: server, Driver: driver, Rule: r}
		}
		return nil
	}
	return nil
}

// Check validates against Default.
func Check(server, driver string) error { return Default.Check(server, driver) }

func parse(s string) (*version.Version, error) {
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidVersion, s, err)
	}
	return v, nil
}

// AtLeast reports whether v >= floor. Unparseable input yields false.
func AtLeast(v, floor string) bool {
	a, err := parse(v)
	if err != nil {
		return false
	}
	b, err := parse(floor)
	if err != nil {
		return false
	}
	return a.GreaterThanOrEqual(b)
}
