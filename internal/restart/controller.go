// Package restart owns the restart budget of the supervised program and its
// spawn/terminate lifecycle.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/warden/internal/detector"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
)

var (
	// ErrBudgetExhausted is the refusal reason once every restart attempt
	// has been used.
	ErrBudgetExhausted = errors.New("restart budget exhausted")
	// ErrCooldown is the refusal reason while the previous restart is too
	// recent.
	ErrCooldown = errors.New("restart cooldown active")
)

// Policy bounds restarts and the stop protocol.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Cooldown    time.Duration `mapstructure:"cooldown"`     // minimum time between two restarts
	GracePeriod time.Duration `mapstructure:"grace_period"` // a new child must survive this long
	StopTimeout time.Duration `mapstructure:"stop_timeout"` // wait after SIGTERM
	KillTimeout time.Duration `mapstructure:"kill_timeout"` // wait after SIGKILL
	ResetAfter  time.Duration `mapstructure:"reset_after"`  // healthy streak that refills the budget; 0 never
}

// DefaultPolicy returns the stock restart policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Cooldown:    30 * time.Second,
		GracePeriod: 10 * time.Second,
		StopTimeout: 10 * time.Second,
		KillTimeout: 5 * time.Second,
	}
}

// StartError reports a start that did not produce a running child. When the
// child exited during the grace period ExitCode and the captured output are
// set; when it could not be spawned at all ExitCode is -1 and Err holds the
// cause.
type StartError struct {
	PID       int
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool // older output was dropped from Stdout or Stderr
	Err       error
}

func (e *StartError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("start failed: %v", e.Err)
	}
	return fmt.Sprintf("process %d exited during grace period with code %d", e.PID, e.ExitCode)
}

func (e *StartError) Unwrap() error { return e.Err }

// StopError reports a process that could not be terminated.
type StopError struct {
	PID   int
	Stage string
	Err   error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop pid %d failed at %s stage: %v", e.PID, e.Stage, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// Controller decides whether a restart is allowed and performs it. Its state
// is owned by a single caller (the monitor loop) and is not locked.
type Controller struct {
	spec   process.Spec
	policy Policy
	log    *slog.Logger
	sink   history.Sink
	now    func() time.Time
	runID  string

	attempts     int
	lastRestart  time.Time
	healthySince time.Time
	current      *process.Handle
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithHistory sets the sink receiving one record per successful start.
func WithHistory(s history.Sink) Option { return func(c *Controller) { c.sink = s } }

// WithClock replaces time.Now for restart bookkeeping.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithEnv sets the complete environment of spawned children.
func WithEnv(env []string) Option { return func(c *Controller) { c.spec.Env = env } }

// WithRunID tags history records with the supervisor run.
func WithRunID(id string) Option { return func(c *Controller) { c.runID = id } }

// New returns a Controller for spec under policy.
func New(spec process.Spec, policy Policy, opts ...Option) *Controller {
	c := &Controller{spec: spec, policy: policy, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("target", spec.Name)
	return c
}

// Policy returns the active policy.
func (c *Controller) Policy() Policy { return c.policy }

// Attempts returns the number of restart attempts used.
func (c *Controller) Attempts() int { return c.attempts }

// LastRestart returns the time of the last successful start, zero if none.
func (c *Controller) LastRestart() time.Time { return c.lastRestart }

// admit returns nil when a restart may proceed, otherwise the reason.
func (c *Controller) admit() error {
	if c.attempts >= c.policy.MaxAttempts {
		return ErrBudgetExhausted
	}
	if !c.lastRestart.IsZero() && c.now().Sub(c.lastRestart) < c.policy.Cooldown {
		return ErrCooldown
	}
	return nil
}

// ShouldRestart reports whether a restart is admitted now: attempts remain
// and the cooldown since the previous restart has elapsed.
func (c *Controller) ShouldRestart() bool {
	err := c.admit()
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrBudgetExhausted):
		c.log.Warn("restart refused", "reason", err, "attempt", c.attempts, "max", c.policy.MaxAttempts)
	default:
		c.log.Info("restart refused", "reason", err,
			"remaining", (c.policy.Cooldown - c.now().Sub(c.lastRestart)).Round(time.Second))
	}
	return false
}

// Start spawns the program and waits out the grace period. A child that
// exits meanwhile yields a *StartError and costs no attempt. A surviving
// child consumes one attempt, is appended to the restart history and is
// returned. Start refuses with the admission error when ShouldRestart would
// be false.
func (c *Controller) Start(ctx context.Context) (*process.Handle, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}
	h, err := process.Spawn(c.spec)
	if err != nil {
		metrics.IncFailure("start")
		c.log.Error("spawn failed", "error", err)
		return nil, &StartError{ExitCode: -1, Err: err}
	}
	c.log.Info("process spawned", "pid", h.PID, "cmd", h.Cmdline)

	if c.awaitGrace(ctx, h) {
		metrics.IncFailure("start")
		se := &StartError{
			PID:       h.PID,
			ExitCode:  h.ExitCode(),
			Stdout:    h.Stdout(),
			Stderr:    h.Stderr(),
			Truncated: h.OutputTruncated(),
			Err:       h.Err(),
		}
		c.log.Error("process exited during grace period",
			"pid", h.PID, "exit_code", se.ExitCode, "stderr", se.Stderr, "stdout", se.Stdout, "truncated", se.Truncated)
		return nil, se
	}

	c.attempts++
	c.lastRestart = c.now()
	c.healthySince = time.Time{}
	c.current = h
	metrics.IncStart()
	metrics.SetAttemptsUsed(c.attempts)

	rec := history.Record{
		Timestamp:          c.lastRestart,
		RestartCount:       c.attempts,
		MaxRestartAttempts: c.policy.MaxAttempts,
		RunID:              c.runID,
		Target:             c.spec.Name,
		PID:                h.PID,
	}
	if c.sink != nil {
		if err := c.sink.Send(ctx, rec); err != nil {
			c.log.Warn("restart history write failed", "error", err)
		}
	}
	if err := detector.WritePIDFile(c.spec.PIDFile, h.PID, c.spec); err != nil {
		c.log.Warn("pidfile write failed", "path", c.spec.PIDFile, "error", err)
	}
	c.log.Info("process started", "pid", h.PID, "attempt", c.attempts, "max", c.policy.MaxAttempts)
	return h, nil
}

// awaitGrace waits up to the grace period and reports whether the child
// exited within it.
func (c *Controller) awaitGrace(ctx context.Context, h *process.Handle) bool {
	if c.policy.GracePeriod <= 0 {
		return h.Exited()
	}
	t := time.NewTimer(c.policy.GracePeriod)
	defer t.Stop()
	select {
	case <-h.Done():
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	return h.Exited()
}

// Stop terminates the process named by h: SIGTERM, up to StopTimeout, then
// SIGKILL, up to KillTimeout. A handle whose process is already gone (or
// whose PID has been reused) is a success, so Stop is idempotent. A process
// that survives both stages yields a *StopError.
func (c *Controller) Stop(ctx context.Context, h *process.Handle) error {
	if h == nil {
		return nil
	}
	// Prefer our own child's handle so its exit channel is used.
	if !h.Child() && c.current != nil && c.current.PID == h.PID {
		h = c.current
	}
	if !h.Alive() {
		c.forget(h)
		return nil
	}

	c.log.Info("stopping process", "pid", h.PID)
	stage, err := h.Terminate(ctx, c.policy.StopTimeout, c.policy.KillTimeout)
	if err != nil {
		metrics.IncFailure("stop")
		c.log.Error("stop failed", "pid", h.PID, "stage", stage, "error", err)
		return &StopError{PID: h.PID, Stage: string(stage), Err: err}
	}
	if stage != "" {
		metrics.IncStop(string(stage))
		c.log.Info("process stopped", "pid", h.PID, "stage", stage)
	}
	c.forget(h)
	return nil
}

func (c *Controller) forget(h *process.Handle) {
	if c.current != nil && c.current.PID == h.PID {
		c.current = nil
	}
	if err := detector.RemovePIDFile(c.spec.PIDFile, h.PID); err != nil {
		c.log.Debug("pidfile remove failed", "path", c.spec.PIDFile, "error", err)
	}
}

// MarkHealthy records a healthy observation. With ResetAfter > 0 a healthy
// streak of at least that long refills the restart budget.
func (c *Controller) MarkHealthy() {
	now := c.now()
	if c.healthySince.IsZero() {
		c.healthySince = now
		return
	}
	if c.policy.ResetAfter > 0 && c.attempts > 0 && now.Sub(c.healthySince) >= c.policy.ResetAfter {
		c.log.Info("restart budget reset after healthy period",
			"healthy_for", now.Sub(c.healthySince).Round(time.Second), "attempt", c.attempts)
		c.attempts = 0
		c.healthySince = now
		metrics.SetAttemptsUsed(0)
	}
}

// MarkUnhealthy ends the current healthy streak.
func (c *Controller) MarkUnhealthy() { c.healthySince = time.Time{} }

// ResetBudget restores every restart attempt. The cooldown since the last
// restart still applies.
func (c *Controller) ResetBudget() {
	if c.attempts > 0 {
		c.log.Info("restart budget reset", "attempt", c.attempts)
	}
	c.attempts = 0
	c.healthySince = time.Time{}
	metrics.SetAttemptsUsed(0)
}
