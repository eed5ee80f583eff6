package replset

import (
	"context"
	"errors"

	"github.com/amirimatin/go-replset/pkg/client"
)

// readSnapshot fetches the single configuration document. It is called
// afresh before every write attempt.
func readSnapshot(ctx context.Context, conn client.Conn) (*MembershipConfig, error) {
	var cfg MembershipConfig
	err := conn.ReadSingleDocument(ctx, client.ReplSetConfigNamespace, &cfg)
	switch {
	case err == nil:
	case errors.Is(err, client.ErrTooManyResults):
		return nil, newError(ErrUnexpectedTopology, err, "%s holds more than one document", client.ReplSetConfigNamespace)
	case errors.Is(err, client.ErrNotFound):
		return nil, newError(ErrNoConfiguration, err, "%s is empty", client.ReplSetConfigNamespace)
	default:
		return nil, err
	}
	if len(cfg.Members) == 0 {
		return nil, newError(ErrNoConfiguration, nil, "configuration %q has no members", cfg.ID)
	}
	return &cfg, nil
}
