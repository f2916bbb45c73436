package testutil

import (
	"context"
	"testing"
	"time"
)

// Wait durations for test assertions. WaitShort is for in-process
// signaling, WaitMedium for loopback networking, WaitLong for anything
// touching disk.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Context returns a context canceled at the end of the test, with the
// given timeout.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
