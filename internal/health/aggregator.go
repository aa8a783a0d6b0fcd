package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Check is one independent health signal. Evaluate must not mutate the
// system it inspects.
type Check interface {
	Name() string
	Evaluate(ctx context.Context) (Result, error)
}

// CheckFunc adapts a function to Check.
func CheckFunc(name string, fn func(ctx context.Context) (Result, error)) Check {
	return funcCheck{name: name, fn: fn}
}

type funcCheck struct {
	name string
	fn   func(ctx context.Context) (Result, error)
}

func (f funcCheck) Name() string { return f.name }

func (f funcCheck) Evaluate(ctx context.Context) (Result, error) { return f.fn(ctx) }

type entry struct {
	name  string
	check Check
}

// Aggregator runs registered checks and builds a Report. A failing check
// never prevents the others from running.
type Aggregator struct {
	mu       sync.Mutex
	entries  []entry
	parallel bool
	now      func() time.Time
	log      *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithParallel runs checks concurrently. Report order and overall status are
// unaffected.
func WithParallel(on bool) AggregatorOption { return func(a *Aggregator) { a.parallel = on } }

func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

func WithLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.log = l }
}

func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register adds checks in order. A name already taken gets a numeric suffix
// (_2, _3, ...).
func (a *Aggregator) Register(checks ...Check) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range checks {
		if c == nil {
			continue
		}
		a.entries = append(a.entries, entry{name: a.uniqueName(c.Name()), check: c})
	}
}

func (a *Aggregator) uniqueName(base string) string {
	taken := func(n string) bool {
		for _, e := range a.entries {
			if e.name == n {
				return true
			}
		}
		return false
	}
	if !taken(base) {
		return base
	}
	for i := 2; ; i++ {
		n := base + "_" + strconv.Itoa(i)
		if !taken(n) {
			return n
		}
	}
}

// Checks returns the registered check names in order.
func (a *Aggregator) Checks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, len(a.entries))
	for i, e := range a.entries {
		names[i] = e.name
	}
	return names
}

// Run evaluates every registered check and returns the report.
func (a *Aggregator) Run(ctx context.Context) *Report {
	a.mu.Lock()
	entries := append([]entry(nil), a.entries...)
	a.mu.Unlock()

	results := make([]Result, len(entries))
	if a.parallel {
		var g errgroup.Group
		for i, e := range entries {
			g.Go(func() error {
				results[i] = a.evaluate(ctx, e)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, e := range entries {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Name: e.name, Status: StatusError, Message: "not run: " + err.Error()}
				continue
			}
			results[i] = a.evaluate(ctx, e)
		}
	}
	return NewReport(a.now(), results)
}

func (a *Aggregator) evaluate(ctx context.Context, e entry) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("health check panicked", "check", e.name, "panic", r)
			res = Result{Name: e.name, Status: StatusError, Message: fmt.Sprintf("check panicked: %v", r)}
		}
	}()
	res, err := e.check.Evaluate(ctx)
	if err != nil {
		a.log.Debug("health check failed", "check", e.name, "error", err)
		return Result{Name: e.name, Status: StatusError, Message: err.Error()}
	}
	res.Name = e.name
	if !res.Status.Valid() {
		a.log.Warn("health check returned unknown status", "check", e.name, "status", int(res.Status))
		res.Message = fmt.Sprintf("unknown status %d: %s", int(res.Status), res.Message)
		res.Status = StatusError
	}
	return res
}

// Run evaluates checks sequentially with a default aggregator.
func Run(ctx context.Context, checks []Check) *Report {
	a := NewAggregator()
	a.Register(checks...)
	return a.Run(ctx)
}
