// Package monitor drives supervision: one loop that locates the target,
// probes it, restarts it through the restart controller and halts itself
// after sustained failure.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/publish"
	"github.com/loykin/warden/internal/restart"
)

// ErrHalted is returned by Run once the consecutive-failure ceiling is
// reached. Resuming requires a new supervisor.
var ErrHalted = errors.New("monitor halted after consecutive failures")

type State int32

const (
	StateIdle State = iota
	StateChecking
	StateRestarting
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateRestarting:
		return "restarting"
	case StateHalted:
		return "halted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Locator interface {
	Find(ctx context.Context) (*process.Handle, bool)
}

type Prober interface {
	Check(ctx context.Context) bool
}

// Restarter is the restart controller as the loop sees it.
type Restarter interface {
	ShouldRestart() bool
	Start(ctx context.Context) (*process.Handle, error)
	Stop(ctx context.Context, h *process.Handle) error
	MarkHealthy()
	MarkUnhealthy()
	Attempts() int
	LastRestart() time.Time
	Policy() restart.Policy
}

// BudgetResetter is implemented by restarters whose budget can be cleared
// on request.
type BudgetResetter interface {
	ResetBudget()
}

type Reporter interface {
	Run(ctx context.Context) *health.Report
}

// Sleeper waits d or until ctx ends, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config sets the loop cadence.
type Config struct {
	Interval               time.Duration `mapstructure:"interval"`
	HealthEvery            int           `mapstructure:"health_every"`             // run the reporter every Nth iteration
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"` // halt ceiling
	StopPause              time.Duration `mapstructure:"stop_pause"`               // pause between stop and restart
}

func DefaultConfig() Config {
	return Config{Interval: 60 * time.Second, HealthEvery: 5, MaxConsecutiveFailures: 5, StopPause: 5 * time.Second}
}

// Snapshot is a read-only copy of the loop state.
type Snapshot struct {
	State               State          `json:"state"`
	AttemptsUsed        int            `json:"attempts_used"`
	MaxAttempts         int            `json:"max_attempts"`
	LastRestart         time.Time      `json:"last_restart"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Iterations          int            `json:"iterations"`
	PID                 int            `json:"pid,omitempty"`
	RunID               string         `json:"run_id,omitempty"`
	HealthStatus        string         `json:"health_status,omitempty"`
	LastReport          *health.Report `json:"-"`
}

// Loop is the supervision state machine. Its counters are mutated only by
// the goroutine calling RunOnce or Run; State and Snapshot may be read from
// anywhere.
type Loop struct {
	cfg        Config
	locator    Locator
	prober     Prober
	restarter  Restarter
	reporter   Reporter
	publishers []publish.Publisher
	log        *slog.Logger
	runID      string
	sleep      Sleeper

	state      atomic.Int32
	snap       atomic.Pointer[Snapshot]
	resetReq   atomic.Bool
	failures   int
	iterations int
	pid        int
	lastReport *health.Report
}

type Option func(*Loop)

// WithReporter enables the periodic health report.
func WithReporter(r Reporter) Option { return func(l *Loop) { l.reporter = r } }

// WithPublishers receives every health report.
func WithPublishers(ps ...publish.Publisher) Option {
	return func(l *Loop) { l.publishers = append(l.publishers, ps...) }
}

func WithLogger(log *slog.Logger) Option { return func(l *Loop) { l.log = log } }

func WithRunID(id string) Option { return func(l *Loop) { l.runID = id } }

func WithSleeper(s Sleeper) Option { return func(l *Loop) { l.sleep = s } }

// New returns an idle loop. Zero config fields take their defaults.
func New(cfg Config, loc Locator, prober Prober, r Restarter, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = def.HealthEvery
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.StopPause < 0 {
		cfg.StopPause = 0
	}
	l := &Loop{cfg: cfg, locator: loc, prober: prober, restarter: r, log: slog.Default(), sleep: sleepCtx}
	for _, o := range opts {
		o(l)
	}
	if l.runID != "" {
		l.log = l.log.With("run_id", l.runID)
	}
	l.setState(StateIdle)
	l.publishSnapshot()
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	metrics.SetState(s.String())
}

// Snapshot returns the state as of the last iteration boundary, with the
// current State.
func (l *Loop) Snapshot() Snapshot {
	s := *l.snap.Load()
	s.State = l.State()
	return s
}

func (l *Loop) publishSnapshot() {
	s := &Snapshot{
		State:               l.State(),
		AttemptsUsed:        l.restarter.Attempts(),
		MaxAttempts:         l.restarter.Policy().MaxAttempts,
		LastRestart:         l.restarter.LastRestart(),
		ConsecutiveFailures: l.failures,
		Iterations:          l.iterations,
		PID:                 l.pid,
		RunID:               l.runID,
		LastReport:          l.lastReport,
	}
	if l.lastReport != nil {
		s.HealthStatus = l.lastReport.Status.String()
	}
	l.snap.Store(s)
}

// RequestBudgetReset asks the loop to clear the restart budget at the start
// of its next iteration. Safe to call from any goroutine.
func (l *Loop) RequestBudgetReset() { l.resetReq.Store(true) }

// RunOnce executes one iteration and reports whether it succeeded. Calls
// made during the iteration ignore ctx cancellation so that spawn, stop and
// probe run to their own bounded completion. A halted loop does nothing and
// returns false.
func (l *Loop) RunOnce(ctx context.Context) bool {
	if l.State() == StateHalted {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	if l.resetReq.Swap(false) {
		if br, ok := l.restarter.(BudgetResetter); ok {
			br.ResetBudget()
		}
	}
	l.iterations++
	l.setState(StateChecking)

	ok := l.supervise(ctx)
	if ok {
		l.failures = 0
	} else {
		l.failures++
		l.log.Warn("iteration failed", "consecutive_failures", l.failures, "max", l.cfg.MaxConsecutiveFailures)
	}
	metrics.ObserveIteration(ok, l.failures)

	if l.iterations%l.cfg.HealthEvery == 0 {
		l.runReport(ctx)
	}

	if l.failures >= l.cfg.MaxConsecutiveFailures {
		l.setState(StateHalted)
		l.log.Error("halting: too many consecutive failures",
			"consecutive_failures", l.failures, "attempt", l.restarter.Attempts(), "max", l.restarter.Policy().MaxAttempts)
	} else {
		l.setState(StateIdle)
	}
	l.publishSnapshot()
	return ok
}

func (l *Loop) supervise(ctx context.Context) bool {
	h, found := l.locator.Find(ctx)
	if !found {
		l.pid = 0
		l.restarter.MarkUnhealthy()
		l.log.Warn("target not running")
		return l.restart(ctx)
	}
	l.pid = h.PID
	if l.prober.Check(ctx) {
		l.restarter.MarkHealthy()
		l.log.Debug("target healthy", "pid", h.PID)
		return true
	}

	l.restarter.MarkUnhealthy()
	l.log.Warn("target unresponsive", "pid", h.PID)
	l.setState(StateRestarting)
	if err := l.restarter.Stop(ctx, h); err != nil {
		l.log.Error("stop failed", "pid", h.PID, "error", err)
		return false
	}
	l.pid = 0
	_ = l.sleep(ctx, l.cfg.StopPause)
	return l.restart(ctx)
}

func (l *Loop) restart(ctx context.Context) bool {
	if !l.restarter.ShouldRestart() {
		return false
	}
	l.setState(StateRestarting)
	h, err := l.restarter.Start(ctx)
	if err != nil {
		var se *restart.StartError
		if errors.As(err, &se) && se.PID != 0 {
			l.log.Error("restart failed", "pid", se.PID, "exit_code", se.ExitCode, "stderr", se.Stderr, "truncated", se.Truncated)
		} else {
			l.log.Error("restart failed", "error", err)
		}
		return false
	}
	l.pid = h.PID
	l.log.Info("target restarted", "pid", h.PID, "attempt", l.restarter.Attempts(), "max", l.restarter.Policy().MaxAttempts)
	return true
}

func (l *Loop) runReport(ctx context.Context) {
	if l.reporter == nil {
		return
	}
	r := l.reporter.Run(ctx)
	if r == nil {
		return
	}
	for _, res := range r.Results() {
		metrics.SetCheckStatus(res.Name, int(res.Status))
		if res.Status.Failing() {
			l.log.Warn("health check failing", "check", res.Name, "status", res.Status.String(), "message", res.Message)
		}
	}
	metrics.SetOverallStatus(int(r.Status))
	l.log.Info("health report",
		"status", r.Status.String(),
		"total", r.Summary.TotalChecks,
		"warning", r.Summary.WarningChecks,
		"error", r.Summary.ErrorChecks)
	l.lastReport = r
	for _, p := range l.publishers {
		if err := p.Publish(ctx, r); err != nil {
			l.log.Warn("report publish failed", "publisher", fmt.Sprintf("%T", p), "error", err)
		}
	}
}

// Run iterates until ctx is canceled (returning nil) or the loop halts
// (returning ErrHalted). Cancellation is observed between iterations.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("monitor started",
		"interval", l.cfg.Interval, "max", l.restarter.Policy().MaxAttempts, "health_every", l.cfg.HealthEvery)
	for {
		if ctx.Err() != nil {
			l.log.Info("monitor stopped")
			return nil
		}
		l.RunOnce(ctx)
		if l.State() == StateHalted {
			return ErrHalted
		}
		if err := l.sleep(ctx, l.cfg.Interval); err != nil {
			l.log.Info("monitor stopped")
			return nil
		}
	}
}
