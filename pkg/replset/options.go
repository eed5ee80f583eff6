package replset

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/amirimatin/go-replset/pkg/client"
	"github.com/amirimatin/go-replset/pkg/compat"
)

// Options carries the engine's dependencies. Instances are typically built
// by the CLI or the agent from flags and configuration files.
type Options struct {
	// Dialer opens connections to the cluster (required).
	Dialer client.Dialer
	// Logger reports progress. Nil uses the package default.
	Logger *zap.SugaredLogger
	// Compat is the driver/server compatibility table. Nil uses
	// compat.Default.
	Compat compat.Rules

	// OnChange, when set, is called after an invocation changed the
	// cluster. Its errors are the callee's concern; it cannot fail the
	// invocation.
	OnChange func(ctx context.Context, out Outcome)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.Dialer == nil {
		return errors.New("replset: nil Dialer")
	}
	if o.Compat != nil {
		if err := o.Compat.Validate(); err != nil {
			return err
		}
	}
	return nil
}
