package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/pkg/client"
)

// HealthFlags decouples cobra from the run logic for testing.
type HealthFlags struct {
	ConfigPath string
	Output     string
	JSON       bool
	Watch      bool
	Interval   int // seconds

	// Remote reads reports from a running warden instead of checking locally.
	Remote   string
	User     string
	Password string
	CACert   string
	Insecure bool
}

// passwordEnv supplies --password when the flag is not given.
const passwordEnv = "WARDEN_API_PASSWORD"

// reportFunc produces one health report.
type reportFunc func(ctx context.Context) (*health.Report, error)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := &HealthFlags{}
	root := createRootCommand(ctx, flags, stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func createRootCommand(ctx context.Context, flags *HealthFlags, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden-health",
		Short: "Grade the health of the supervised application",
		Long: `Run every health check once and print a per-check table with the overall
status.

Examples:
  warden-health --config warden.toml
  warden-health --json
  warden-health -o report.json      # saved under health.report_dir
  warden-health --watch -i 30
  warden-health --remote https://host:8443/api --user ops --ca-cert tls_ca.crt`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runHealth(ctx, flags, stdout, stderr)
		},
	}
	f := root.Flags()
	f.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	f.StringVarP(&flags.Output, "output", "o", "", "save the report to this file")
	f.BoolVar(&flags.JSON, "json", false, "print the report as JSON")
	f.BoolVarP(&flags.Watch, "watch", "w", false, "repeat until interrupted")
	f.IntVarP(&flags.Interval, "interval", "i", 60, "watch interval in seconds")
	f.StringVar(&flags.Remote, "remote", "", "status API base URL of a running warden")
	f.StringVar(&flags.User, "user", "", "status API username")
	f.StringVar(&flags.Password, "password", "", "status API password (default $"+passwordEnv+")")
	f.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for the status API")
	f.BoolVar(&flags.Insecure, "insecure", false, "skip status API certificate verification")
	return root
}

func runHealth(ctx context.Context, flags *HealthFlags, stdout, stderr io.Writer) error {
	cfg, err := warden.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	log, closer := logger.New(logger.Config{Level: "warn", Format: "text"}, stderr)
	defer func() { _ = closer.Close() }()

	var source reportFunc
	if flags.Remote != "" {
		source, err = remoteSource(flags, log)
	} else {
		source, err = localSource(cfg, log)
	}
	if err != nil {
		return err
	}

	switch {
	case flags.JSON:
		rep, err := source(ctx)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, string(b))
		return saveIfRequested(cfg, flags.Output, rep, stdout)
	case flags.Watch:
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx, source, time.Duration(flags.Interval)*time.Second, stdout, stderr)
	default:
		rep, err := source(ctx)
		if err != nil {
			return err
		}
		printReport(stdout, rep)
		return saveIfRequested(cfg, flags.Output, rep, stdout)
	}
}

func localSource(cfg *warden.Config, log *slog.Logger) (reportFunc, error) {
	locator, err := warden.NewLocator(cfg, log)
	if err != nil {
		return nil, err
	}
	agg := warden.NewAggregator(cfg, locator, log)
	return func(ctx context.Context) (*health.Report, error) { return agg.Run(ctx), nil }, nil
}

func remoteSource(flags *HealthFlags, log *slog.Logger) (reportFunc, error) {
	password := flags.Password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	cc := client.Config{
		BaseURL:  flags.Remote,
		Logger:   log,
		Insecure: flags.Insecure,
		Username: flags.User,
		Password: password,
	}
	if flags.CACert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: flags.CACert}
	}
	c, err := client.New(cc)
	if err != nil {
		return nil, err
	}
	return c.Health, nil
}

func watch(ctx context.Context, source reportFunc, every time.Duration, w, errw io.Writer) error {
	for {
		rep, err := source(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(errw, "health check failed: %v\n", err)
		} else {
			printReport(w, rep)
		}
		_, _ = fmt.Fprintf(w, "\nWaiting %s... (Ctrl+C to stop)\n", every)
		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			_, _ = fmt.Fprintln(w, "\nMonitoring stopped.")
			return nil
		case <-t.C:
		}
		_, _ = fmt.Fprintln(w, "\n"+strings.Repeat("=", 50))
	}
}

// reportPath resolves a relative output path under the report directory.
func reportPath(cfg *warden.Config, out string) string {
	if filepath.IsAbs(out) {
		return out
	}
	return filepath.Join(cfg.Health.ReportDir, out)
}

func saveIfRequested(cfg *warden.Config, out string, rep *health.Report, w io.Writer) error {
	if out == "" {
		return nil
	}
	path := reportPath(cfg, out)
	if err := health.SaveReport(path, rep); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	_, _ = fmt.Fprintf(w, "Health report saved to: %s\n", path)
	return nil
}

func statusColor(s health.Status) *color.Color {
	switch s {
	case health.StatusHealthy:
		return color.New(color.FgGreen)
	case health.StatusWarning:
		return color.New(color.FgYellow)
	case health.StatusError:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func printReport(w io.Writer, rep *health.Report) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	_, _ = fmt.Fprintf(w, "%s %s\n", cyan("Health check"), gray(rep.Timestamp.Format(time.RFC3339)))
	_, _ = fmt.Fprintln(w, strings.Repeat("=", 50))
	for _, res := range rep.Results() {
		status := statusColor(res.Status).Sprintf("%-8s", strings.ToUpper(res.Status.String()))
		_, _ = fmt.Fprintf(w, "%-18s %s %s\n", res.Name, status, res.Message)
	}
	_, _ = fmt.Fprintln(w, strings.Repeat("=", 50))
	s := rep.Summary
	_, _ = fmt.Fprintf(w, "Overall Status: %s  (%d checks: %d healthy, %d warning, %d error)\n",
		statusColor(rep.Status).Sprint(strings.ToUpper(rep.Status.String())),
		s.TotalChecks, s.HealthyChecks, s.WarningChecks, s.ErrorChecks)
}
