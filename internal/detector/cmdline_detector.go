package detector

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Signature identifies the supervised program by its command line: the
// interpreter (or executable) in argv[0] and the script somewhere after it.
type Signature struct {
	Interpreter string
	Script      string
}

// Match reports whether cmdline looks like an invocation of s. argv[0] must
// contain the interpreter base name and the joined command line must contain
// the script base name. Command lines with fewer than two arguments never
// match.
func (s Signature) Match(cmdline []string) bool {
	if len(cmdline) < 2 || s.Interpreter == "" || s.Script == "" {
		return false
	}
	interp := strings.TrimSuffix(filepath.Base(s.Interpreter), ".exe")
	if !strings.Contains(cmdline[0], interp) {
		return false
	}
	return strings.Contains(strings.Join(cmdline[1:], " "), filepath.Base(s.Script))
}

func (s Signature) String() string { return s.Interpreter + " " + s.Script }

// Match is one process found by a CmdlineDetector.
type Match struct {
	PID       int
	Cmdline   []string
	StartUnix int64
	FoundAt   time.Time
}

// CmdlineDetector scans the live process table for a command line matching
// Signature. ExcludePID skips one PID, normally the supervisor itself.
type CmdlineDetector struct {
	Signature  Signature
	ExcludePID int
}

// Find returns the first matching process. Processes that vanish during the
// scan or whose command line cannot be read are skipped. An error is returned
// only when the process table itself cannot be enumerated.
func (d CmdlineDetector) Find(ctx context.Context) (Match, bool, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return Match{}, false, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return Match{}, false, err
		}
		pid := int(p.Pid)
		if pid == d.ExcludePID {
			continue
		}
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !d.Signature.Match(cmdline) {
			continue
		}
		// Same clock as StartUnix, which later liveness checks compare against.
		return Match{PID: pid, Cmdline: cmdline, StartUnix: getProcStartUnix(pid), FoundAt: time.Now()}, true, nil
	}
	return Match{}, false, nil
}

func (d CmdlineDetector) Describe() string { return "cmdline:" + d.Signature.String() }
