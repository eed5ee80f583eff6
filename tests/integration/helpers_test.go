//go:build integration

package integration

import (
	"testing"
	"time"
)

var errNotYet = &temporaryError{}

type temporaryError struct{}

func (e *temporaryError) Error() string { return "not yet" }

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		err := fn()
		if err == nil {
			return
		}
		last = err
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %v", last)
}
