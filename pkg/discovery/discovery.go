// Package discovery supplies the seed endpoints ("host:port") used to reach a
// replica set. Backends live in sub-packages: static, dns, file and consul.
package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the mongod port assumed for seeds given without one.
const DefaultPort = 27017

// ErrNoSeeds is returned by Resolve when a backend yields nothing.
var ErrNoSeeds = errors.New("discovery: no seeds")

// Discovery abstracts how seed nodes are provided.
type Discovery interface {
	Seeds(ctx context.Context) ([]string, error)
}

// Func adapts a plain function to Discovery.
type Func func(ctx context.Context) ([]string, error)

func (f Func) Seeds(ctx context.Context) ([]string, error) { return f(ctx) }

// WithPort returns seed with port appended when it carries none.
// Bracketed IPv6 literals are handled.
func WithPort(seed string, port int) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(seed); err == nil {
		return seed
	}
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(strings.Trim(seed, "[]"), strconv.Itoa(port))
}

// Resolve asks d for seeds and fails when the result is empty.
func Resolve(ctx context.Context, d Discovery) ([]string, error) {
	seeds, err := d.Seeds(ctx)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, ErrNoSeeds
	}
	return seeds, nil
}
