// Package logtest prepares the default logger for tests that check for leaked goroutines.
//
// The logger queues events on goroutines it starts when it is initialised. Until they have first been scheduled they
// are invisible to leaktest, so a check taken early in a test binary sees them appear mid-test and reports them as
// leaked. Calling Settle from TestMain, before m.Run, gets them running first.
package logtest

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/monzo/slog"
)

const queueFrame = "seelog.(*asyncLoopLogger).processQueue"

// Settle logs an event, flushes it, and waits (at most timeout) until every logger queue goroutine is parked waiting
// for the next one. It reports whether they settled in time.
func Settle(timeout time.Duration) bool {
	slog.Debug(context.Background(), "Settling logger")
	if l := slog.DefaultLogger(); l != nil {
		l.Flush()
	}

	deadline := time.Now().Add(timeout)
	for {
		if parked(goroutineStacks()) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func goroutineStacks() []string {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return strings.Split(string(buf[:n]), "\n\n")
		}
		buf = make([]byte, 2*len(buf))
	}
}

// parked reports whether every queue goroutine in stacks is blocked waiting for events.
func parked(stacks []string) bool {
	for _, g := range stacks {
		if strings.Contains(g, queueFrame) && !strings.Contains(g, "sync.(*Cond).Wait") {
			return false
		}
	}
	return true
}
