package health

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/logger"
)

func fixed(name string, s Status) Check {
	return CheckFunc(name, func(context.Context) (Result, error) {
		return Result{Status: s, Message: s.String()}, nil
	})
}

func TestStatus_OrderAndText(t *testing.T) {
	assert.True(t, StatusHealthy < StatusWarning && StatusWarning < StatusError && StatusError < StatusCritical)
	for _, s := range []Status{StatusHealthy, StatusWarning, StatusError, StatusCritical} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		got, err := ParseStatus(string(b))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseStatus(" WARNING ")
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, got)

	_, err = ParseStatus("unknown")
	assert.Error(t, err)
	_, err = Status(9).MarshalText()
	assert.Error(t, err)

	assert.Equal(t, StatusCritical, Worst(StatusCritical, StatusWarning))
	assert.Equal(t, StatusError, Worst(StatusHealthy, StatusError))
	assert.True(t, StatusCritical.Failing())
	assert.False(t, StatusWarning.Failing())
}

func TestAggregator_OverallIsWorst(t *testing.T) {
	cases := []struct {
		name string
		in   []Status
		want Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one warning", []Status{StatusHealthy, StatusWarning, StatusHealthy}, StatusWarning},
		{"critical wins", []Status{StatusHealthy, StatusCritical, StatusWarning}, StatusCritical},
		{"error over warning", []Status{StatusWarning, StatusError}, StatusError},
	}
	for _, tc := range cases {
		for _, parallel := range []bool{false, true} {
			a := NewAggregator(WithParallel(parallel), WithLogger(logger.Discard()))
			for i, s := range tc.in {
				a.Register(fixed("c"+string(rune('a'+i)), s))
			}
			r := a.Run(context.Background())
			assert.Equal(t, tc.want, r.Status, "%s parallel=%v", tc.name, parallel)
			assert.Equal(t, len(tc.in), r.Summary.TotalChecks)
		}
	}
}

func TestAggregator_IsolatesFailures(t *testing.T) {
	var ran atomic.Int32
	counting := func(name string) Check {
		return CheckFunc(name, func(context.Context) (Result, error) {
			ran.Add(1)
			return Result{Status: StatusHealthy, Message: "ok"}, nil
		})
	}
	failing := CheckFunc("broken", func(context.Context) (Result, error) {
		return Result{Status: StatusHealthy}, errors.New("disk unreadable")
	})
	panicking := CheckFunc("panicky", func(context.Context) (Result, error) {
		panic("nil map")
	})

	for _, parallel := range []bool{false, true} {
		ran.Store(0)
		a := NewAggregator(WithParallel(parallel), WithLogger(logger.Discard()))
		a.Register(counting("first"), failing, panicking, counting("last"))
		r := a.Run(context.Background())

		assert.EqualValues(t, 2, ran.Load())
		require.Len(t, r.Checks, 4)
		assert.Equal(t, StatusError, r.Checks["broken"].Status)
		assert.Equal(t, "disk unreadable", r.Checks["broken"].Message)
		assert.Equal(t, StatusError, r.Checks["panicky"].Status)
		assert.Contains(t, r.Checks["panicky"].Message, "nil map")
		assert.Equal(t, StatusError, r.Status)
		assert.Equal(t, []string{"first", "broken", "panicky", "last"}, r.Order)
	}
}

func TestAggregator_UnknownStatusBecomesError(t *testing.T) {
	a := NewAggregator(WithLogger(logger.Discard()))
	a.Register(fixed("odd", Status(7)), fixed("fine", StatusHealthy))
	r := a.Run(context.Background())

	assert.Equal(t, StatusError, r.Checks["odd"].Status)
	assert.Contains(t, r.Checks["odd"].Message, "unknown status 7")
	assert.Equal(t, StatusError, r.Status)
	_, err := json.Marshal(r)
	require.NoError(t, err)
}

func TestAggregator_StopsAfterDeadline(t *testing.T) {
	var ran atomic.Int32
	slow := CheckFunc("slow", func(ctx context.Context) (Result, error) {
		ran.Add(1)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	after := CheckFunc("after", func(context.Context) (Result, error) {
		ran.Add(1)
		return Result{Status: StatusHealthy}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	a := NewAggregator(WithLogger(logger.Discard()))
	a.Register(slow, after)
	r := a.Run(ctx)

	assert.EqualValues(t, 1, ran.Load())
	assert.Equal(t, StatusError, r.Checks["after"].Status)
	assert.Contains(t, r.Checks["after"].Message, "not run")
}

func TestAggregator_ParallelKeepsOrder(t *testing.T) {
	a := NewAggregator(WithParallel(true), WithLogger(logger.Discard()))
	for i, d := range []time.Duration{60, 10, 40, 0} {
		delay := d * time.Millisecond
		name := string(rune('a' + i))
		a.Register(CheckFunc(name, func(context.Context) (Result, error) {
			time.Sleep(delay)
			return Result{Status: StatusHealthy}, nil
		}))
	}
	r := a.Run(context.Background())
	assert.Equal(t, []string{"a", "b", "c", "d"}, r.Order)
}

func TestAggregator_DuplicateNames(t *testing.T) {
	a := NewAggregator()
	a.Register(fixed("disk", StatusHealthy), fixed("disk", StatusWarning), fixed("disk", StatusError), nil)
	assert.Equal(t, []string{"disk", "disk_2", "disk_3"}, a.Checks())

	r := a.Run(context.Background())
	assert.Equal(t, StatusWarning, r.Checks["disk_2"].Status)
	assert.Equal(t, "disk_3", r.Checks["disk_3"].Name)
}

func TestReport_SummaryAndDocument(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	a := NewAggregator(WithClock(func() time.Time { return at }))
	a.Register(
		fixed("web_server", StatusHealthy),
		fixed("dependencies", StatusWarning),
		fixed("database", StatusError),
		fixed("system_resources", StatusCritical),
		CheckFunc("with_data", func(context.Context) (Result, error) {
			return Result{Status: StatusHealthy, Message: "ok", Data: map[string]any{"n": 1}}, nil
		}),
	)
	r := a.Run(context.Background())
	assert.Equal(t, Summary{TotalChecks: 5, HealthyChecks: 2, WarningChecks: 1, ErrorChecks: 2, CriticalChecks: 1}, r.Summary)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	s := string(b)
	assert.Less(t, strings.Index(s, `"web_server"`), strings.Index(s, `"dependencies"`))
	assert.Less(t, strings.Index(s, `"database"`), strings.Index(s, `"system_resources"`))

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	hc := doc["health_check"]
	assert.Equal(t, "critical", hc["status"])
	assert.Equal(t, "2024-05-01T12:30:45Z", hc["timestamp"])
	checks := hc["checks"].(map[string]any)
	assert.NotContains(t, checks["web_server"], "data")
	assert.Contains(t, checks["with_data"], "data")
	assert.EqualValues(t, 2, doc["summary"]["error_checks"])

	var back Report
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, r.Order, back.Order)
	assert.Equal(t, r.Status, back.Status)
	assert.Equal(t, r.Summary, back.Summary)
	assert.True(t, at.Equal(back.Timestamp))
}

func TestSaveReport(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 8, 7, 0, time.UTC)
	assert.Equal(t, "health_report_20240501_090807.json", ReportFileName(at))

	r := Run(context.Background(), []Check{fixed("a", StatusWarning)})
	path := filepath.Join(t.TempDir(), "reports", ReportFileName(at))
	require.NoError(t, SaveReport(path, r))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "\n  \"health_check\"")
	var back Report
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, StatusWarning, back.Status)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
