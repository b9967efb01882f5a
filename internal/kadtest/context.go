package kadtest

import (
	"context"
	"runtime"
	"testing"
	"time"
)

// CtxShort returns a Context for tests that are expected to complete quickly.
// The context will be cancelled after 10 seconds or just before the test
// binary deadline (as specified by the -timeout flag when running the test),
// whichever is sooner.
func CtxShort(t *testing.T) context.Context {
	t.Helper()
	return ctxWithin(t, 10*time.Second)
}

// CtxLong is like [CtxShort] for tests that start real libp2p hosts and
// exchange messages over loopback.
func CtxLong(t *testing.T) context.Context {
	t.Helper()
	return ctxWithin(t, time.Minute)
}

func ctxWithin(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()

	// 32-bit Windows runners are slow
	if runtime.GOOS == "windows" && runtime.GOARCH == "386" {
		timeout *= 6
	}
	goal := time.Now().Add(timeout)

	deadline, ok := t.Deadline()
	if !ok {
		deadline = goal
	} else {
		deadline = deadline.Add(-time.Second)
		if deadline.After(goal) {
			deadline = goal
		}
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	t.Cleanup(cancel)
	return ctx
}
