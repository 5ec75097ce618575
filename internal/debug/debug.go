// Package debug provides conditional, level-gated logging for the
// connection/session/link mux loops. Logging is a no-op until a
// handler is installed with RegisterLogger, so the hot path costs a
// single atomic load when the library is used without debugging
// enabled.
package debug

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

// RegisterLogger configures the package's logger with h. Passing a
// nil handler disables logging again.
func RegisterLogger(h slog.Handler) {
	if h == nil {
		logger.Store(nil)
		return
	}
	logger.Store(slog.New(h))
}

// level maps the mux loops' ad hoc verbosity numbers (1 = coarse
// lifecycle events, 3 = frame-by-frame tracing) onto slog levels.
func level(n int) slog.Level {
	if n <= 1 {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// Log records a debug event at verbosity n if a logger is installed.
// Arguments are formatted lazily: when no logger is registered, format
// and args are never touched.
func Log(n int, format string, args ...any) {
	l := logger.Load()
	if l == nil {
		return
	}
	l.Log(context.Background(), level(n), fmt.Sprintf(format, args...))
}

// Assert panics with msg if cond is false. Used for internal
// invariants that indicate a bug in this module rather than a
// protocol violation by the peer.
func Assert(cond bool, msg string) {
	if !cond {
		panic("amqp: assertion failed: " + msg)
	}
}
