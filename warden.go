// Package warden keeps one target program alive: it locates the process,
// probes its HTTP endpoint, restarts it within a bounded budget and
// periodically grades its health.
package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/auth"
	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/monitor"
	"github.com/loykin/warden/internal/probe"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/publish"
	"github.com/loykin/warden/internal/restart"
	iapi "github.com/loykin/warden/internal/server"
	itls "github.com/loykin/warden/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Snapshot = monitor.Snapshot

type Report = health.Report

type Status = health.Status

var (
	ErrHalted  = monitor.ErrHalted
	ErrInvalid = config.ErrInvalid
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Supervisor wires the locator, probe, restart controller, health
// aggregator and publishers into one monitor loop.
type Supervisor struct {
	cfg   *Config
	log   *slog.Logger
	runID string
	spec  process.Spec
	ctrl  *restart.Controller
	agg   *health.Aggregator
	loop  *monitor.Loop
	sink  history.Multi
	pubs  []publish.Publisher
}

type options struct {
	log   *slog.Logger
	runID string
	pubs  []publish.Publisher
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithRunID overrides the generated supervisor run id.
func WithRunID(id string) Option { return func(o *options) { o.runID = id } }

// WithPublishers adds report publishers beyond the configured ones.
func WithPublishers(ps ...publish.Publisher) Option {
	return func(o *options) { o.pubs = append(o.pubs, ps...) }
}

// New builds a Supervisor from cfg. Sinks and publishers opened here are
// released by Close.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	o := options{log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	log := o.log

	spec, err := cfg.TargetSpec()
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	sink, err := OpenHistory(cfg)
	if err != nil {
		return nil, err
	}
	pubs, err := OpenPublishers(cfg, log)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	pubs = append(pubs, o.pubs...)

	locator := process.NewLocator(spec, os.Getpid(), log)
	ctrl := restart.New(spec, cfg.Policy(),
		restart.WithLogger(log),
		restart.WithHistory(sink),
		restart.WithRunID(o.runID),
	)
	agg := NewAggregator(cfg, locator, log)
	loop := monitor.New(cfg.Loop(), locator, probe.New(cfg.Probe.URL, cfg.Probe.Timeout), ctrl,
		monitor.WithReporter(agg),
		monitor.WithPublishers(pubs...),
		monitor.WithLogger(log),
		monitor.WithRunID(o.runID),
	)
	return &Supervisor{
		cfg:   cfg,
		log:   log,
		runID: o.runID,
		spec:  spec,
		ctrl:  ctrl,
		agg:   agg,
		loop:  loop,
		sink:  sink,
		pubs:  pubs,
	}, nil
}

func (s *Supervisor) RunID() string { return s.runID }

func (s *Supervisor) Snapshot() Snapshot { return s.loop.Snapshot() }

// Checks lists the registered health check names.
func (s *Supervisor) Checks() []string { return s.agg.Checks() }

// ResetBudget clears the used restart attempts before the next iteration.
// A halted supervisor stays halted.
func (s *Supervisor) ResetBudget() { s.loop.RequestBudgetReset() }

// Restarts reads the restart log at history.restart_log. Without a log
// configured the result is empty.
func (s *Supervisor) Restarts() ([]history.Record, error) {
	if s.cfg.History.RestartLog == "" {
		return nil, nil
	}
	return history.ReadLog(s.cfg.History.RestartLog)
}

// Run drives the monitor loop until ctx is cancelled (nil) or the loop
// halts (ErrHalted). The target is left running on return.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor starting",
		"run_id", s.runID,
		"target", s.spec.Name,
		"command", s.spec.Command(),
		"interval", s.cfg.Monitor.Interval,
		"max", s.cfg.Monitor.MaxRestarts,
	)
	err := s.loop.Run(ctx)
	if err != nil {
		s.log.Error("supervisor halted", "error", err)
		return err
	}
	s.log.Info("supervisor stopped")
	return nil
}

// Close releases history sinks and publishers.
func (s *Supervisor) Close() error {
	return errors.Join(s.sink.Close(), publish.Close(s.pubs...))
}

// OpenHistory returns the restart log (JSONL at history.restart_log) plus
// the optional history.dsn sink.
func OpenHistory(cfg *Config) (history.Multi, error) {
	var sinks history.Multi
	if cfg.History.RestartLog != "" {
		fs, err := history.NewFileSink(cfg.History.RestartLog)
		if err != nil {
			return nil, fmt.Errorf("restart log: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if cfg.History.DSN != "" {
		extra, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, extra)
	}
	return sinks, nil
}

// OpenPublishers builds the configured report publishers, each behind a
// circuit breaker.
func OpenPublishers(cfg *Config, log *slog.Logger) ([]publish.Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	var out []publish.Publisher
	wrap := func(name string, p publish.Publisher) {
		out = append(out, publish.Breaker(p, publish.WithBreakerName(name), publish.WithBreakerLogger(log)))
	}
	if cfg.Publish.Snapshot {
		wrap("snapshot", publish.SnapshotPublisher{Dir: cfg.Health.ReportDir})
	}
	if cfg.Publish.MQTT.Broker != "" {
		p, err := publish.NewMQTTPublisher(cfg.Publish.MQTT)
		if err != nil {
			_ = publish.Close(out...)
			return nil, fmt.Errorf("mqtt publisher: %w", err)
		}
		wrap("mqtt", p)
	}
	if cfg.Publish.Influx.URL != "" {
		p, err := publish.NewInfluxPublisher(cfg.Publish.Influx)
		if err != nil {
			_ = publish.Close(out...)
			return nil, fmt.Errorf("influx publisher: %w", err)
		}
		wrap("influx", p)
	}
	return out, nil
}

// Checks builds the health checks selected by cfg in their fixed order.
// finder may be nil, in which case the target_process check is omitted.
func Checks(cfg *Config, finder health.ProcessFinder) []health.Check {
	h := cfg.Health
	var probeDep health.DependencyProbe = health.ModuleProbe{Interpreter: cfg.Target.Interpreter, Timeout: h.ImportTimeout}
	if h.DependencyProbe == "binary" {
		probeDep = health.BinaryProbe{}
	}
	checks := []health.Check{
		health.DatabaseCheck{DSN: h.Database, RequiredTables: h.RequiredTables, Timeout: cfg.Probe.Timeout},
		health.WebCheck{Probe: probe.New(cfg.Probe.URL, cfg.Probe.Timeout)},
		health.FilesystemCheck{BaseDir: h.BaseDir, Required: h.RequiredFiles},
		health.DependencyCheck{Names: h.Dependencies, RequirementsFile: h.Requirements, Probe: probeDep},
		health.ResourceCheck{Path: h.BaseDir, Thresholds: h.Thresholds},
		health.ActivityCheck{Path: h.ActivityLog, Staleness: h.Staleness},
	}
	if finder != nil {
		checks = append(checks, health.ProcessCheck{Locator: finder})
	}
	return checks
}

// NewAggregator registers Checks(cfg, finder) on a fresh aggregator.
func NewAggregator(cfg *Config, finder health.ProcessFinder, log *slog.Logger) *health.Aggregator {
	opts := []health.AggregatorOption{health.WithParallel(cfg.Health.Parallel)}
	if log != nil {
		opts = append(opts, health.WithLogger(log))
	}
	agg := health.NewAggregator(opts...)
	agg.Register(Checks(cfg, finder)...)
	return agg
}

// NewLocator returns a locator for the configured target, excluding the
// calling process.
func NewLocator(cfg *Config, log *slog.Logger) (*process.Locator, error) {
	spec, err := cfg.TargetSpec()
	if err != nil {
		return nil, err
	}
	return process.NewLocator(spec, os.Getpid(), log), nil
}

// RegisterMetrics registers the warden collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error { return metrics.Register(reg) }

// RegisterMetricsDefault registers with the default Prometheus registerer.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// StatusHandler returns the status API for s mounted under basePath, with
// server.auth applied. Use it to embed the API in another router.
func StatusHandler(cfg *Config, s *Supervisor, basePath string) (http.Handler, error) {
	mw, err := statusAuth(cfg)
	if err != nil {
		return nil, err
	}
	return iapi.NewRouter(s, basePath).WithAuth(mw).Handler(), nil
}

// NewStatusServer starts the status API for s on server.listen, over HTTPS
// when server.tls is enabled and behind credentials when server.auth is.
func NewStatusServer(cfg *Config, s *Supervisor) (*http.Server, error) {
	tlsCfg, err := itls.Setup(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("status server tls: %w", err)
	}
	mw, err := statusAuth(cfg)
	if err != nil {
		return nil, err
	}
	return iapi.NewServer(cfg.Server.Listen, cfg.Server.BasePath, s, tlsCfg, mw)
}

func statusAuth(cfg *Config) (*auth.Middleware, error) {
	if !cfg.Server.Auth.Enabled {
		return nil, nil
	}
	svc, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return nil, fmt.Errorf("status server auth: %w", err)
	}
	return auth.NewMiddleware(svc, true), nil
}
