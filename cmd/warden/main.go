package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/detector"
	"github.com/loykin/warden/internal/logger"
)

// Exit codes.
const (
	exitOK      = 0
	exitStartup = 1
	exitHalted  = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := createRootCommand(ctx, &MonitorFlags{}, stdout, stderr, args)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, warden.ErrHalted):
		return exitHalted
	default:
		_, _ = fmt.Fprintln(stderr, err)
		return exitStartup
	}
}

// createRootCommand creates the single monitor command.
func createRootCommand(ctx context.Context, flags *MonitorFlags, stdout, stderr io.Writer, args []string) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Keep one application process alive and healthy",
		Long: `Warden watches a single target program. Every interval it checks that the
process exists and answers its HTTP endpoint, restarting it within a bounded
budget when it does not.

Examples:
  warden --config warden.toml
  warden -i 30 -m 5 --restart-delay 60
  warden -d --pidfile /run/warden.pid --logfile /var/log/warden.log`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(ctx, cmd, flags, stdout, stderr, args)
		},
	}

	f := root.Flags()
	f.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	f.BoolVarP(&flags.Daemon, "daemon", "d", false, "run detached in the background")
	f.IntVarP(&flags.Interval, "interval", "i", 60, "check interval in seconds")
	f.IntVarP(&flags.MaxRestarts, "max-restarts", "m", 3, "maximum restart attempts")
	f.IntVar(&flags.RestartDelay, "restart-delay", 30, "minimum seconds between restarts")
	f.StringVar(&flags.PIDFile, "pidfile", "", "write the supervisor PID to this file")
	f.StringVar(&flags.LogFile, "logfile", "", "write the supervisor log to this file (rotated)")

	root.AddCommand(createHashCommand(stdout))
	return root
}

// applyFlags overrides config values with the flags the user actually set.
func applyFlags(cmd *cobra.Command, flags *MonitorFlags, cfg *warden.Config) error {
	changed := cmd.Flags().Changed
	if changed("interval") {
		cfg.Monitor.Interval = seconds(flags.Interval)
	}
	if changed("max-restarts") {
		cfg.Monitor.MaxRestarts = flags.MaxRestarts
	}
	if changed("restart-delay") {
		cfg.Monitor.RestartDelay = seconds(flags.RestartDelay)
	}
	if changed("pidfile") {
		cfg.Monitor.PIDFile = cfg.Path(flags.PIDFile)
	}
	if changed("logfile") {
		cfg.Log.File.Path = cfg.Path(flags.LogFile)
	}
	return cfg.Validate()
}

func runMonitor(ctx context.Context, cmd *cobra.Command, flags *MonitorFlags, stdout, stderr io.Writer, args []string) error {
	cfg, err := warden.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, flags, cfg); err != nil {
		return err
	}
	if pf := cfg.Monitor.PIDFile; pf != "" {
		if alive, _ := (detector.PIDFileDetector{PIDFile: pf}).Alive(ctx); alive {
			return fmt.Errorf("another warden is running (pidfile %s)", pf)
		}
	}

	if flags.Daemon && !isDaemonChild() {
		pid, err := daemonize(args, cfg.Health.BaseDir)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "Daemon started with PID %d\n", pid)
		return nil
	}

	console := stderr
	if isDaemonChild() {
		console = io.Discard
	}
	log, closer := logger.New(cfg.Log, console)
	defer func() { _ = closer.Close() }()

	if cfg.Metrics.Enabled {
		if err := warden.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	sup, err := warden.New(cfg, warden.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := sup.Close(); err != nil {
			log.Warn("close", "error", err)
		}
	}()

	self := os.Getpid()
	if err := detector.WritePIDFile(cfg.Monitor.PIDFile, self, map[string]string{"run_id": sup.RunID()}); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	defer func() { _ = detector.RemovePIDFile(cfg.Monitor.PIDFile, self) }()

	var srv *http.Server
	if cfg.Server.Listen != "" {
		srv, err = warden.NewStatusServer(cfg, sup)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		log.Info("status server listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", cfg.Server.TLS.Enabled)
		defer shutdownServer(srv, log)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}

func shutdownServer(srv *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("status server shutdown", "error", err)
	}
}
