package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/monitor"
	"github.com/loykin/warden/internal/server"
)

func init() { color.NoColor = true }

func sampleReport() *health.Report {
	return health.NewReport(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), []health.Result{
		{Name: health.NameWeb, Status: health.StatusHealthy, Message: "web server responding"},
		{Name: health.NameDatabase, Status: health.StatusError, Message: "missing tables: [notes]"},
		{Name: health.NameActivity, Status: health.StatusWarning, Message: "log file not found"},
	})
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, sampleReport())
	s := out.String()

	lines := strings.Split(s, "\n")
	var rows []string
	for _, ln := range lines {
		if strings.HasPrefix(ln, "web_server") || strings.HasPrefix(ln, "database") || strings.HasPrefix(ln, "recent_activity") {
			rows = append(rows, ln)
		}
	}
	require.Len(t, rows, 3)
	assert.True(t, strings.HasPrefix(rows[0], "web_server"), "registration order kept")
	assert.Contains(t, rows[1], "ERROR")
	assert.Contains(t, rows[2], "WARNING")
	assert.Contains(t, s, "Overall Status: ERROR")
	assert.Contains(t, s, "3 checks: 1 healthy, 1 warning, 1 error")
}

func TestReportPath(t *testing.T) {
	cfg := &warden.Config{}
	cfg.Health.ReportDir = "/srv/app/logs"
	assert.Equal(t, filepath.Join("/srv/app/logs", "r.json"), reportPath(cfg, "r.json"))
	assert.Equal(t, "/tmp/r.json", reportPath(cfg, "/tmp/r.json"))
}

func TestSaveIfRequested(t *testing.T) {
	cfg := &warden.Config{}
	cfg.Health.ReportDir = filepath.Join(t.TempDir(), "logs")
	var out bytes.Buffer

	require.NoError(t, saveIfRequested(cfg, "", sampleReport(), &out))
	assert.Empty(t, out.String())

	require.NoError(t, saveIfRequested(cfg, "r.json", sampleReport(), &out))
	b, err := os.ReadFile(filepath.Join(cfg.Health.ReportDir, "r.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"health_check"`)
	assert.Contains(t, out.String(), "Health report saved to:")
}

func TestWatch_StopsOnCancel(t *testing.T) {
	agg := health.NewAggregator()
	runs := 0
	agg.Register(health.CheckFunc("probe", func(context.Context) (health.Result, error) {
		runs++
		return health.Result{Status: health.StatusHealthy, Message: "ok"}, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, errb bytes.Buffer
	source := func(ctx context.Context) (*health.Report, error) { return agg.Run(ctx), nil }
	require.NoError(t, watch(ctx, source, time.Hour, &out, &errb))
	assert.Equal(t, 1, runs)
	assert.Contains(t, out.String(), "Monitoring stopped.")
	assert.Empty(t, errb.String())

	out.Reset()
	failing := func(context.Context) (*health.Report, error) { return nil, errors.New("connection refused") }
	require.NoError(t, watch(ctx, failing, time.Hour, &out, &errb))
	assert.Contains(t, errb.String(), "connection refused")
}

func TestRun_Remote(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := &remoteSupervisor{}
	ts := httptest.NewServer(server.NewRouter(src, "/api").Handler())
	defer ts.Close()

	var out, errb bytes.Buffer
	code := run(context.Background(), []string{"--remote", ts.URL + "/api"}, &out, &errb)
	assert.Equal(t, 1, code)
	assert.Contains(t, errb.String(), "no health report yet")

	src.snap.LastReport = sampleReport()
	out.Reset()
	errb.Reset()
	code = run(context.Background(), []string{"--remote", ts.URL + "/api"}, &out, &errb)
	require.Equal(t, 0, code, errb.String())
	assert.Contains(t, out.String(), "Overall Status: ERROR")
	assert.Contains(t, out.String(), "missing tables: [notes]")
}

type remoteSupervisor struct{ snap monitor.Snapshot }

func (r *remoteSupervisor) Snapshot() monitor.Snapshot { return r.snap }

func TestRun_BadInterval(t *testing.T) {
	var out, errb bytes.Buffer
	code := run(context.Background(), []string{"-i", "0"}, &out, &errb)
	assert.Equal(t, 1, code)
	assert.Contains(t, errb.String(), "interval must be positive")
}

func TestRun_JSONAndSave(t *testing.T) {
	if testing.Short() {
		t.Skip("samples host CPU for a second")
	}
	dir := t.TempDir()
	file := filepath.Join(dir, "warden.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
[probe]
url = "http://127.0.0.1:1/"
timeout = "200ms"

[health]
dependency_probe = "binary"
requirements = ""
`), 0o644))

	var out, errb bytes.Buffer
	code := run(context.Background(), []string{"--config", file, "--json", "-o", "r.json"}, &out, &errb)
	require.Equal(t, 0, code, "stderr: %s", errb.String())
	assert.Contains(t, out.String(), `"health_check"`)
	assert.Contains(t, out.String(), `"web_server"`)

	_, err := os.Stat(filepath.Join(dir, "logs", "r.json"))
	assert.NoError(t, err)
}
