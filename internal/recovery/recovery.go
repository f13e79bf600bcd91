// Package recovery provides panic recovery for the agent's independently
// scheduled goroutines (splicer copiers, probe tickers, the control read
// loop) so a panic in one never takes down the others.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the goroutine's
// name and stack. Defer it at the top of every spawned goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "forward.copyDirection")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}
