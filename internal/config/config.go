// Package config loads the warden TOML configuration with viper. Every key
// has a default and may be overridden from the environment as
// WARDEN_<SECTION>_<KEY>, e.g. WARDEN_MONITOR_INTERVAL=30s.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/auth"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/monitor"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/publish"
	"github.com/loykin/warden/internal/restart"
	itls "github.com/loykin/warden/internal/tls"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const EnvPrefix = "WARDEN"

type Config struct {
	Monitor MonitorConfig `mapstructure:"monitor"`
	Target  TargetConfig  `mapstructure:"target"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Health  HealthConfig  `mapstructure:"health"`
	History HistoryConfig `mapstructure:"history"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
	Publish PublishConfig `mapstructure:"publish"`

	// file is the config file the values were read from, if any.
	file string
}

// MonitorConfig holds both the loop cadence and the restart policy.
type MonitorConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	HealthEvery            int           `mapstructure:"health_every"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	StopPause              time.Duration `mapstructure:"stop_pause"`
	MaxRestarts            int           `mapstructure:"max_restarts"`
	RestartDelay           time.Duration `mapstructure:"restart_delay"`
	GracePeriod            time.Duration `mapstructure:"grace_period"`
	StopTimeout            time.Duration `mapstructure:"stop_timeout"`
	KillTimeout            time.Duration `mapstructure:"kill_timeout"`
	ResetAfter             time.Duration `mapstructure:"reset_after"`
	PIDFile                string        `mapstructure:"pid_file"` // the supervisor's own pidfile
}

type TargetConfig struct {
	Name        string   `mapstructure:"name"`
	Interpreter string   `mapstructure:"interpreter"`
	Script      string   `mapstructure:"script"`
	Args        []string `mapstructure:"args"`
	WorkDir     string   `mapstructure:"work_dir"`
	PIDFile     string   `mapstructure:"pid_file"`
	Env         []string `mapstructure:"env"`
	EnvFiles    []string `mapstructure:"env_files"`
	UseOSEnv    bool     `mapstructure:"use_os_env"`
	OutputLimit int      `mapstructure:"output_limit"`
}

type ProbeConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HealthConfig struct {
	BaseDir         string            `mapstructure:"base_dir"`
	Database        string            `mapstructure:"database"` // sqlite path or postgres:// DSN
	RequiredTables  []string          `mapstructure:"required_tables"`
	RequiredFiles   []string          `mapstructure:"required_files"`
	Dependencies    []string          `mapstructure:"dependencies"`
	Requirements    string            `mapstructure:"requirements"`
	DependencyProbe string            `mapstructure:"dependency_probe"` // module or binary
	ImportTimeout   time.Duration     `mapstructure:"import_timeout"`   // per module import
	ActivityLog     string            `mapstructure:"activity_log"`
	Staleness       time.Duration     `mapstructure:"staleness"`
	ReportDir       string            `mapstructure:"report_dir"`
	Parallel        bool              `mapstructure:"parallel"`
	Thresholds      health.Thresholds `mapstructure:"thresholds"`
}

type HistoryConfig struct {
	RestartLog string `mapstructure:"restart_log"`
	DSN        string `mapstructure:"dsn"` // optional extra sink
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      itls.Config `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

type PublishConfig struct {
	Snapshot bool                 `mapstructure:"snapshot"`
	MQTT     publish.MQTTConfig   `mapstructure:"mqtt"`
	Influx   publish.InfluxConfig `mapstructure:"influx"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.interval", 60*time.Second)
	v.SetDefault("monitor.health_every", 5)
	v.SetDefault("monitor.max_consecutive_failures", 5)
	v.SetDefault("monitor.stop_pause", 5*time.Second)
	v.SetDefault("monitor.max_restarts", 3)
	v.SetDefault("monitor.restart_delay", 30*time.Second)
	v.SetDefault("monitor.grace_period", 10*time.Second)
	v.SetDefault("monitor.stop_timeout", 10*time.Second)
	v.SetDefault("monitor.kill_timeout", 5*time.Second)
	v.SetDefault("monitor.reset_after", time.Duration(0))
	v.SetDefault("monitor.pid_file", "")

	v.SetDefault("target.name", "app")
	v.SetDefault("target.interpreter", "python3")
	v.SetDefault("target.script", "main.py")
	v.SetDefault("target.args", []string{})
	v.SetDefault("target.work_dir", "")
	v.SetDefault("target.pid_file", "")
	v.SetDefault("target.env", []string{})
	v.SetDefault("target.env_files", []string{})
	v.SetDefault("target.use_os_env", true)
	v.SetDefault("target.output_limit", 0)

	v.SetDefault("probe.url", "http://localhost:8000/")
	v.SetDefault("probe.timeout", 10*time.Second)

	th := health.DefaultThresholds()
	v.SetDefault("health.base_dir", ".")
	v.SetDefault("health.database", "jarvis.db")
	v.SetDefault("health.required_tables", health.DefaultRequiredTables)
	v.SetDefault("health.required_files", health.DefaultRequiredFiles)
	v.SetDefault("health.dependencies", []string{})
	v.SetDefault("health.requirements", "requirements.txt")
	v.SetDefault("health.dependency_probe", "module")
	v.SetDefault("health.import_timeout", 10*time.Second)
	v.SetDefault("health.activity_log", "logs/jarvis.log")
	v.SetDefault("health.staleness", time.Hour)
	v.SetDefault("health.report_dir", "logs")
	v.SetDefault("health.parallel", false)
	v.SetDefault("health.thresholds.warning.cpu", th.Warning.CPU)
	v.SetDefault("health.thresholds.warning.memory", th.Warning.Memory)
	v.SetDefault("health.thresholds.warning.disk", th.Warning.Disk)
	v.SetDefault("health.thresholds.critical.cpu", th.Critical.CPU)
	v.SetDefault("health.thresholds.critical.memory", th.Critical.Memory)
	v.SetDefault("health.thresholds.critical.disk", th.Critical.Disk)

	v.SetDefault("history.restart_log", "logs/restarts.log")
	v.SetDefault("history.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", "24h")

	v.SetDefault("publish.snapshot", false)
	v.SetDefault("publish.mqtt.broker", "")
	v.SetDefault("publish.mqtt.client_id", "")
	v.SetDefault("publish.mqtt.username", "")
	v.SetDefault("publish.mqtt.password", "")
	v.SetDefault("publish.mqtt.topic", "")
	v.SetDefault("publish.mqtt.qos", 0)
	v.SetDefault("publish.influx.url", "")
	v.SetDefault("publish.influx.token", "")
	v.SetDefault("publish.influx.org", "")
	v.SetDefault("publish.influx.bucket", "")
}

// Load reads path (TOML) when non-empty, layers WARDEN_* environment
// overrides on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.file = path
	if err := c.resolvePaths(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration Load would produce without a file.
func Default() (*Config, error) { return Load("") }

// File returns the path the configuration was read from.
func (c *Config) File() string { return c.file }

// resolvePaths makes base_dir absolute (a relative base_dir is taken
// relative to the config file) and anchors the other relative paths to it.
func (c *Config) resolvePaths() error {
	base := c.Health.BaseDir
	if base == "" {
		base = "."
	}
	if !filepath.IsAbs(base) && c.file != "" {
		base = filepath.Join(filepath.Dir(c.file), base)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("resolve base_dir: %w", err)
	}
	c.Health.BaseDir = abs

	c.Target.WorkDir = c.Path(c.Target.WorkDir)
	if c.Target.WorkDir == "" {
		c.Target.WorkDir = abs
	}
	c.Target.PIDFile = c.Path(c.Target.PIDFile)
	c.Monitor.PIDFile = c.Path(c.Monitor.PIDFile)
	for i, f := range c.Target.EnvFiles {
		c.Target.EnvFiles[i] = c.Path(f)
	}
	if !strings.Contains(c.Health.Database, "://") {
		c.Health.Database = c.Path(c.Health.Database)
	}
	c.Health.Requirements = c.Path(c.Health.Requirements)
	c.Health.ActivityLog = c.Path(c.Health.ActivityLog)
	c.Health.ReportDir = c.Path(c.Health.ReportDir)
	c.History.RestartLog = c.Path(c.History.RestartLog)
	c.Log.File.Path = c.Path(c.Log.File.Path)
	c.Log.File.Dir = c.Path(c.Log.File.Dir)
	c.Server.TLS.CertFile = c.Path(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = c.Path(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = c.Path(c.Server.TLS.Dir)
	return nil
}

// Path anchors a relative path to the base directory. Empty stays empty.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Health.BaseDir, p)
}

// Validate reports the first invalid setting wrapped in ErrInvalid.
func (c *Config) Validate() error {
	m := c.Monitor
	switch {
	case m.Interval <= 0:
		return fmt.Errorf("%w: monitor.interval must be positive", ErrInvalid)
	case m.MaxRestarts < 0:
		return fmt.Errorf("%w: monitor.max_restarts must be >= 0", ErrInvalid)
	case m.RestartDelay < 0:
		return fmt.Errorf("%w: monitor.restart_delay must be >= 0", ErrInvalid)
	case m.HealthEvery < 1:
		return fmt.Errorf("%w: monitor.health_every must be >= 1", ErrInvalid)
	case m.MaxConsecutiveFailures < 1:
		return fmt.Errorf("%w: monitor.max_consecutive_failures must be >= 1", ErrInvalid)
	case m.GracePeriod < 0 || m.StopTimeout < 0 || m.KillTimeout < 0 || m.StopPause < 0 || m.ResetAfter < 0:
		return fmt.Errorf("%w: monitor durations must not be negative", ErrInvalid)
	}
	if strings.TrimSpace(c.Target.Interpreter) == "" {
		return fmt.Errorf("%w: target.interpreter is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Target.Script) == "" {
		return fmt.Errorf("%w: target.script is required", ErrInvalid)
	}
	if c.Target.OutputLimit < 0 {
		return fmt.Errorf("%w: target.output_limit must be >= 0", ErrInvalid)
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("%w: probe.timeout must be positive", ErrInvalid)
	}
	switch c.Health.DependencyProbe {
	case "", "module", "binary":
	default:
		return fmt.Errorf("%w: health.dependency_probe %q (want module or binary)", ErrInvalid, c.Health.DependencyProbe)
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("%w: server.tls needs both cert_file and key_file", ErrInvalid)
	}
	if a := c.Server.Auth; a.Enabled && len(a.Users) == 0 {
		return fmt.Errorf("%w: server.auth enabled without users", ErrInvalid)
	}
	if q := c.Publish.MQTT.QoS; q > 2 {
		return fmt.Errorf("%w: publish.mqtt.qos %d (want 0-2)", ErrInvalid, q)
	}
	return nil
}

// Loop returns the monitor loop settings.
func (c *Config) Loop() monitor.Config {
	return monitor.Config{
		Interval:               c.Monitor.Interval,
		HealthEvery:            c.Monitor.HealthEvery,
		MaxConsecutiveFailures: c.Monitor.MaxConsecutiveFailures,
		StopPause:              c.Monitor.StopPause,
	}
}

// Policy returns the restart policy.
func (c *Config) Policy() restart.Policy {
	return restart.Policy{
		MaxAttempts: c.Monitor.MaxRestarts,
		Cooldown:    c.Monitor.RestartDelay,
		GracePeriod: c.Monitor.GracePeriod,
		StopTimeout: c.Monitor.StopTimeout,
		KillTimeout: c.Monitor.KillTimeout,
		ResetAfter:  c.Monitor.ResetAfter,
	}
}

// ChildEnv composes the child environment: the OS environment when
// use_os_env is set, then env_files in order, then target.env.
func (c *Config) ChildEnv() ([]string, error) {
	e := env.New()
	if c.Target.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.Target.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return e.Merge(c.Target.Env), nil
}

// TargetSpec builds the process spec for the supervised program. The script
// stays relative so it resolves against WorkDir in the child.
func (c *Config) TargetSpec() (process.Spec, error) {
	childEnv, err := c.ChildEnv()
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Name:        c.Target.Name,
		Interpreter: c.Target.Interpreter,
		Script:      c.Target.Script, // relative to WorkDir
		Args:        append([]string(nil), c.Target.Args...),
		WorkDir:     c.Target.WorkDir,
		Env:         childEnv,
		PIDFile:     c.Target.PIDFile,
		OutputLimit: c.Target.OutputLimit,
		Log:         c.Log,
	}, nil
}
