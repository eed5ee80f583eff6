// Package transport defines the management API an agent exposes and the
// client side used by replsetctl. Implementations live in httpjson and grpc.
package transport

import (
	"fmt"
	"strings"
)

// Protocol selects a management transport implementation.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// ParseProtocol accepts "http" (the default for an empty string) or "grpc".
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case "", ProtocolHTTP:
		return ProtocolHTTP, nil
	case ProtocolGRPC:
		return ProtocolGRPC, nil
	}
	return "", fmt.Errorf("transport: unknown protocol %q (want http or grpc)", s)
}
