// Package cmdlog wraps CLI command bodies with metrics and an outcome log line.
package cmdlog

import (
	"time"

	"replybot/internal/logging"
	"replybot/internal/metrics"
)

// Run executes f as command cmd, counting the run and logging
// "<cmd>_ok" or "<cmd>_error" with the elapsed time.
func Run(cmd string, f func() error) error {
	metrics.IncCommandRun(cmd)
	start := time.Now()
	err := f()
	fields := map[string]any{"elapsed_ms": time.Since(start).Milliseconds()}
	if err != nil {
		metrics.IncCommandError(cmd)
		fields["error"] = err.Error()
		logging.Error(cmd+"_error", fields)
	} else {
		logging.Info(cmd+"_ok", fields)
	}
	return err
}
