// Package publish ships health reports to files and external systems.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/loykin/warden/internal/health"
)

// Publisher receives every health report the monitor produces.
type Publisher interface {
	Publish(ctx context.Context, r *health.Report) error
	Close() error
}

// LatestFileName is the snapshot overwritten on every report.
const LatestFileName = "health_latest.json"

// SnapshotPublisher saves each report under Dir as a timestamped file and as
// LatestFileName.
type SnapshotPublisher struct {
	Dir string
}

func (p SnapshotPublisher) Publish(_ context.Context, r *health.Report) error {
	if r == nil {
		return nil
	}
	if err := health.SaveReport(filepath.Join(p.Dir, health.ReportFileName(r.Timestamp)), r); err != nil {
		return err
	}
	return health.SaveReport(filepath.Join(p.Dir, LatestFileName), r)
}

func (SnapshotPublisher) Close() error { return nil }

// Close closes every publisher and joins the errors.
func Close(ps ...Publisher) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type breakerConfig struct {
	name      string
	tripAfter uint32
	timeout   time.Duration
	log       *slog.Logger
}

type BreakerOption func(*breakerConfig)

// WithBreakerName names the circuit in logs.
func WithBreakerName(n string) BreakerOption { return func(c *breakerConfig) { c.name = n } }

// WithTripAfter opens the circuit after n consecutive failures (default 3).
func WithTripAfter(n uint32) BreakerOption { return func(c *breakerConfig) { c.tripAfter = n } }

// WithOpenTimeout is how long the circuit stays open before a trial
// publish (default 60s).
func WithOpenTimeout(d time.Duration) BreakerOption { return func(c *breakerConfig) { c.timeout = d } }

func WithBreakerLogger(l *slog.Logger) BreakerOption { return func(c *breakerConfig) { c.log = l } }

type breakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// Breaker wraps p in a circuit breaker. While the circuit is open Publish
// fails fast with gobreaker.ErrOpenState instead of calling p.
func Breaker(p Publisher, opts ...BreakerOption) Publisher {
	cfg := breakerConfig{name: fmt.Sprintf("%T", p), tripAfter: 3, timeout: 60 * time.Second, log: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	settings := gobreaker.Settings{
		Name:        cfg.name,
		MaxRequests: 1,
		Timeout:     cfg.timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= cfg.tripAfter },
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.log.Warn("publisher circuit state changed", "publisher", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerPublisher{next: p, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

func (b *breakerPublisher) Publish(ctx context.Context, r *health.Report) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Publish(ctx, r)
	})
	return err
}

func (b *breakerPublisher) Close() error { return b.next.Close() }
