package process

import (
	"context"
	"log/slog"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/warden/internal/detector"
)

// Locator finds the running instance of the program. The pidfile, when
// configured, is consulted first; otherwise the process table is scanned for
// a matching command line.
type Locator struct {
	scan    detector.CmdlineDetector
	pidFile string
	log     *slog.Logger
}

// NewLocator returns a Locator for spec. The supervisor's own PID is never
// reported.
func NewLocator(spec Spec, self int, log *slog.Logger) *Locator {
	if log == nil {
		log = slog.Default()
	}
	return &Locator{
		scan:    detector.CmdlineDetector{Signature: spec.Signature(), ExcludePID: self},
		pidFile: spec.PIDFile,
		log:     log,
	}
}

// Find returns a handle for the running program. Enumeration errors are
// logged and reported as not found so the caller falls through to its
// restart check.
func (l *Locator) Find(ctx context.Context) (*Handle, bool) {
	if h, ok := l.fromPIDFile(ctx); ok {
		return h, true
	}
	m, ok, err := l.scan.Find(ctx)
	if err != nil {
		l.log.Warn("process scan failed", "detector", l.scan.Describe(), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return Attach(m), true
}

func (l *Locator) fromPIDFile(ctx context.Context) (*Handle, bool) {
	if l.pidFile == "" {
		return nil, false
	}
	d := detector.PIDFileDetector{PIDFile: l.pidFile}
	alive, err := d.Alive(ctx)
	if err != nil || !alive {
		return nil, false
	}
	pid, start, err := d.ReadPID()
	if err != nil || pid == l.scan.ExcludePID {
		return nil, false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, false
	}
	cmdline, err := p.CmdlineSliceWithContext(ctx)
	if err == nil && !l.scan.Signature.Match(cmdline) {
		// Stale pidfile pointing at an unrelated process.
		return nil, false
	}
	if start == 0 {
		start = detector.StartUnix(pid)
	}
	return Attach(detector.Match{PID: pid, Cmdline: cmdline, StartUnix: start, FoundAt: time.Now()}), true
}

// Describe names the detection methods in use.
func (l *Locator) Describe() string {
	if l.pidFile != "" {
		return "pidfile:" + l.pidFile + "," + l.scan.Describe()
	}
	return l.scan.Describe()
}
