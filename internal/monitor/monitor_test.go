package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/detector"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/restart"
)

// step scripts one iteration: whether the target is found and, if so,
// whether it answers.
type step struct {
	running    bool
	responsive bool
}

type script struct {
	steps []step
	i     int
}

func (s *script) current() step {
	if s.i < len(s.steps) {
		return s.steps[s.i]
	}
	return step{}
}

func (s *script) Find(context.Context) (*process.Handle, bool) {
	st := s.current()
	if !st.running {
		s.i++
		return nil, false
	}
	return process.Attach(detector.Match{PID: 4242, FoundAt: time.Now()}), true
}

func (s *script) Check(context.Context) bool {
	st := s.current()
	s.i++
	return st.responsive
}

type fakeRestarter struct {
	policy   restart.Policy
	allow    bool
	startErr error
	stopErr  error

	attempts int
	starts   int
	stops    int
	healthy  int
	unheal   int
}

func (f *fakeRestarter) ShouldRestart() bool { return f.allow && f.attempts < f.policy.MaxAttempts }

func (f *fakeRestarter) Start(context.Context) (*process.Handle, error) {
	f.starts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.attempts++
	return process.Attach(detector.Match{PID: 5000 + f.starts}), nil
}

func (f *fakeRestarter) Stop(context.Context, *process.Handle) error {
	f.stops++
	return f.stopErr
}

func (f *fakeRestarter) MarkHealthy()           { f.healthy++ }
func (f *fakeRestarter) MarkUnhealthy()         { f.unheal++ }
func (f *fakeRestarter) Attempts() int          { return f.attempts }
func (f *fakeRestarter) LastRestart() time.Time { return time.Time{} }
func (f *fakeRestarter) Policy() restart.Policy { return f.policy }

type countingReporter struct{ runs int }

func (r *countingReporter) Run(context.Context) *health.Report {
	r.runs++
	return health.NewReport(time.Now(), []health.Result{
		{Name: "web_server", Status: health.StatusHealthy},
		{Name: "database", Status: health.StatusError, Message: "missing tables: [notes]"},
	})
}

type recordingPublisher struct {
	mu      sync.Mutex
	reports []*health.Report
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, r *health.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, r)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func noSleep(context.Context, time.Duration) error { return nil }

func TestLoop_HaltsAfterFifthConsecutiveFailure(t *testing.T) {
	sc := &script{steps: []step{
		{running: false},
		{running: true, responsive: false},
		{running: true, responsive: true},
		{running: false},
		{running: false},
		{running: false},
		{running: false},
		{running: false},
	}}
	r := &fakeRestarter{policy: restart.Policy{MaxAttempts: 3}, allow: true, startErr: errors.New("spawn failed")}
	l := New(Config{Interval: time.Millisecond}, sc, sc, r, WithSleeper(noSleep), WithLogger(logger.Discard()))
	require.Equal(t, StateIdle, l.State())

	want := []int{1, 2, 0, 1, 2, 3, 4, 5}
	for i, w := range want {
		require.NotEqual(t, StateHalted, l.State(), "halted before iteration %d", i+1)
		l.RunOnce(context.Background())
		assert.Equal(t, w, l.Snapshot().ConsecutiveFailures, "iteration %d", i+1)
	}
	assert.Equal(t, StateHalted, l.State())
	assert.Equal(t, 1, r.stops, "unresponsive target is stopped once")
	assert.Equal(t, 7, r.starts)

	assert.False(t, l.RunOnce(context.Background()), "halted loop does nothing")
	assert.Equal(t, 8, l.Snapshot().Iterations)
}

func TestLoop_RefusedRestartCountsAsFailure(t *testing.T) {
	sc := &script{}
	r := &fakeRestarter{policy: restart.Policy{MaxAttempts: 3}, allow: false}
	l := New(Config{MaxConsecutiveFailures: 2}, sc, sc, r, WithSleeper(noSleep), WithLogger(logger.Discard()))

	assert.False(t, l.RunOnce(context.Background()))
	assert.False(t, l.RunOnce(context.Background()))
	assert.Equal(t, StateHalted, l.State())
	assert.Equal(t, 0, r.starts, "no spawn without admission")
}

func TestLoop_SuccessfulRestartResetsFailures(t *testing.T) {
	sc := &script{steps: []step{{running: true, responsive: false}, {running: false}, {running: true, responsive: true}}}
	r := &fakeRestarter{policy: restart.Policy{MaxAttempts: 3}, allow: true}
	var pauses []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}
	l := New(Config{StopPause: 3 * time.Second}, sc, sc, r, WithSleeper(sleeper), WithLogger(logger.Discard()), WithRunID("run-7"))

	assert.True(t, l.RunOnce(context.Background()))
	assert.Equal(t, []time.Duration{3 * time.Second}, pauses)
	assert.Equal(t, 1, r.stops)
	assert.Equal(t, 5001, l.Snapshot().PID)

	assert.True(t, l.RunOnce(context.Background()))
	assert.True(t, l.RunOnce(context.Background()))
	snap := l.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 2, snap.AttemptsUsed)
	assert.Equal(t, 3, snap.MaxAttempts)
	assert.Equal(t, "run-7", snap.RunID)
	assert.Equal(t, 4242, snap.PID)
	assert.Equal(t, 1, r.healthy)
}

func TestLoop_StopFailureSkipsRestart(t *testing.T) {
	sc := &script{steps: []step{{running: true, responsive: false}}}
	r := &fakeRestarter{policy: restart.Policy{MaxAttempts: 3}, allow: true, stopErr: &restart.StopError{PID: 4242, Stage: "force", Err: process.ErrSurvived}}
	l := New(Config{}, sc, sc, r, WithSleeper(noSleep), WithLogger(logger.Discard()))

	assert.False(t, l.RunOnce(context.Background()))
	assert.Equal(t, 0, r.starts)
	assert.Equal(t, 1, l.Snapshot().ConsecutiveFailures)
}

func TestLoop_HealthCadence(t *testing.T) {
	steps := make([]step, 10)
	for i := range steps {
		steps[i] = step{running: true, responsive: true}
	}
	sc := &script{steps: steps}
	r := &fakeRestarter{policy: restart.Policy{MaxAttempts: 3}}
	rep := &countingReporter{}
	pub := &recordingPublisher{err: errors.New("broker down")}
	l := New(Config{HealthEvery: 3}, sc, sc, r,
		WithReporter(rep), WithPublishers(pub), WithSleeper(noSleep), WithLogger(logger.Discard()))

	assert.Nil(t, l.Snapshot().LastReport)
	for range 7 {
		assert.True(t, l.RunOnce(context.Background()), "failing checks never drive restarts")
	}
	assert.Equal(t, 2, rep.runs)
	assert.Len(t, pub.reports, 2)
	assert.Equal(t, 0, r.starts)
	snap := l.Snapshot()
	require.NotNil(t, snap.LastReport)
	assert.Equal(t, "error", snap.HealthStatus)
}

func TestRun_ReturnsErrHalted(t *testing.T) {
	sc := &script{}
	r := &fakeRestarter{policy: restart.Policy{MaxAttempts: 0}}
	l := New(Config{MaxConsecutiveFailures: 3}, sc, sc, r, WithSleeper(noSleep), WithLogger(logger.Discard()))

	err := l.Run(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 3, l.Snapshot().Iterations)
}

func TestRun_StopsOnCancel(t *testing.T) {
	steps := make([]step, 100)
	for i := range steps {
		steps[i] = step{running: true, responsive: true}
	}
	sc := &script{steps: steps}
	r := &fakeRestarter{policy: restart.Policy{MaxAttempts: 3}}
	ctx, cancel := context.WithCancel(context.Background())
	iterations := 0
	sleeper := func(ctx context.Context, d time.Duration) error {
		iterations++
		if iterations == 3 {
			cancel()
		}
		return ctx.Err()
	}
	l := New(Config{Interval: time.Hour}, sc, sc, r, WithSleeper(sleeper), WithLogger(logger.Discard()))

	require.NoError(t, l.Run(ctx))
	assert.Equal(t, 3, l.Snapshot().Iterations)
	assert.Equal(t, StateIdle, l.State())

	require.NoError(t, l.Run(ctx), "already canceled")
	assert.Equal(t, 3, l.Snapshot().Iterations)
}

func TestRun_RealSleeperHonorsCancel(t *testing.T) {
	sc := &script{steps: []step{{running: true, responsive: true}}}
	r := &fakeRestarter{policy: restart.Policy{MaxAttempts: 3}}
	l := New(Config{Interval: time.Hour}, sc, sc, r, WithLogger(logger.Discard()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, l.Run(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStateStrings(t *testing.T) {
	for s, want := range map[State]string{StateIdle: "idle", StateChecking: "checking", StateRestarting: "restarting", StateHalted: "halted"} {
		assert.Equal(t, want, s.String())
	}
	b, err := StateHalted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "halted", string(b))
}

type resettableRestarter struct {
	fakeRestarter
	resets int
}

func (r *resettableRestarter) ResetBudget() {
	r.resets++
	r.attempts = 0
}

func TestLoop_RequestBudgetResetAppliesNextIteration(t *testing.T) {
	sc := &script{steps: []step{{running: true, responsive: true}, {running: true, responsive: true}}}
	r := &resettableRestarter{fakeRestarter: fakeRestarter{policy: restart.Policy{MaxAttempts: 3}, attempts: 3}}
	l := New(Config{}, sc, sc, r, WithSleeper(noSleep), WithLogger(logger.Discard()))

	l.RequestBudgetReset()
	assert.Equal(t, 0, r.resets, "reset waits for the loop")
	assert.Equal(t, 3, l.Snapshot().AttemptsUsed)

	require.True(t, l.RunOnce(context.Background()))
	assert.Equal(t, 1, r.resets)
	assert.Equal(t, 0, l.Snapshot().AttemptsUsed)

	require.True(t, l.RunOnce(context.Background()))
	assert.Equal(t, 1, r.resets, "request is consumed once")
}
