// Package detector answers "is the supervised program running, and which
// process is it". It holds the OS-facing probes: a process-table scan by
// command line, pidfiles carrying start-time metadata and user-supplied
// commands.
package detector

import "context"

// Detector reports whether something is running. Implementations must be
// safe for concurrent use and must return once ctx ends.
type Detector interface {
	Alive(ctx context.Context) (bool, error)
	// Describe names the detection method for logs.
	Describe() string
}

var (
	_ Detector = PIDFileDetector{}
	_ Detector = CommandDetector{}
)

// StartUnix returns the start time of pid in Unix seconds, or 0 when it
// cannot be determined. Two observations of the same PID with different
// start times are different processes.
func StartUnix(pid int) int64 { return getProcStartUnix(pid) }
