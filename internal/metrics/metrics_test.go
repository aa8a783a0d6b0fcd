package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if pb.Gauge != nil {
		return pb.GetGauge().GetValue()
	}
	return pb.GetCounter().GetValue()
}

// freshRegistry registers the collectors with a new registry regardless of
// earlier tests.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart()
	IncFailure("start")
	IncStop("graceful")
	SetAttemptsUsed(2)
	ObserveIteration(false, 1)
	SetState("checking")
	SetCheckStatus("database", 2)
	SetOverallStatus(2)
	ObserveTarget(ProcessSample{CPUPercent: 12.5, MemoryMB: 64, NumThreads: 4})

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"warden_restart_starts_total":         false,
		"warden_restart_failures_total":       false,
		"warden_restart_stops_total":          false,
		"warden_restart_attempts_used":        false,
		"warden_monitor_iterations_total":     false,
		"warden_monitor_consecutive_failures": false,
		"warden_monitor_state":                false,
		"warden_health_check_status":          false,
		"warden_health_overall_status":        false,
		"warden_target_cpu_percent":           false,
		"warden_target_memory_mb":             false,
		"warden_target_num_threads":           false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	if v := value(t, restartAttemptsUsed); v != 2 {
		t.Errorf("attempts_used = %v, want 2", v)
	}
	if v := value(t, monitorConsecutiveFailures); v != 1 {
		t.Errorf("consecutive_failures = %v, want 1", v)
	}
}

func TestSetStateIsExclusive(t *testing.T) {
	freshRegistry(t)
	SetState("restarting")
	SetState("halted")
	for _, s := range States {
		want := 0.0
		if s == "halted" {
			want = 1
		}
		if v := value(t, monitorState.WithLabelValues(s)); v != want {
			t.Errorf("state %s = %v, want %v", s, v, want)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := freshRegistry(t)
	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	IncStart()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "warden_restart_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart()
			IncFailure("stop")
			IncStop("force")
			ObserveIteration(true, 0)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
	if v := value(t, restartStops.WithLabelValues("force")); v < 50 {
		t.Errorf("stops{force} = %v, want >= 50", v)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncStart()
	IncFailure("start")
	IncStop("graceful")
	SetAttemptsUsed(1)
	ObserveIteration(true, 0)
	SetState("idle")
	SetCheckStatus("x", 1)
	SetOverallStatus(1)
	ObserveTarget(ProcessSample{})
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("failed registration must leave helpers disabled")
	}
}

func TestSampleProcess_Self(t *testing.T) {
	s, err := SampleProcess(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("sample self: %v", err)
	}
	if s.PID != int32(os.Getpid()) {
		t.Errorf("pid = %d", s.PID)
	}
	if s.MemoryRSS == 0 || s.MemoryMB <= 0 {
		t.Errorf("expected non-zero memory, got %+v", s)
	}
	if s.NumThreads <= 0 {
		t.Errorf("expected threads > 0, got %d", s.NumThreads)
	}
}

func TestSampleProcess_Missing(t *testing.T) {
	if _, err := SampleProcess(context.Background(), 1<<30); err == nil {
		t.Fatal("expected error for nonexistent pid")
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
