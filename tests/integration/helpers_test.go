//go:build integration

package integration

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

var errNotYet = errors.New("not yet")

// waitUntil polls fn until it returns nil or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		if last = fn(); last == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %v", timeout, last)
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }
