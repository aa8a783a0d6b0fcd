package health

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Result is the outcome of one check.
type Result struct {
	Name    string         `json:"-"`
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Summary counts results by status. ErrorChecks includes critical results.
type Summary struct {
	TotalChecks    int `json:"total_checks"`
	HealthyChecks  int `json:"healthy_checks"`
	WarningChecks  int `json:"warning_checks"`
	ErrorChecks    int `json:"error_checks"`
	CriticalChecks int `json:"critical_checks"`
}

// Report is the aggregate of one run. Status is the worst check status; an
// empty report is healthy.
type Report struct {
	Timestamp time.Time
	Status    Status
	Checks    map[string]Result
	Order     []string
	Summary   Summary
}

// NewReport folds results, in order, into a report stamped at.
func NewReport(at time.Time, results []Result) *Report {
	r := &Report{Timestamp: at, Checks: make(map[string]Result, len(results))}
	for _, res := range results {
		if _, dup := r.Checks[res.Name]; !dup {
			r.Order = append(r.Order, res.Name)
		}
		r.Checks[res.Name] = res
	}
	r.recount()
	return r
}

func (r *Report) recount() {
	r.Status = StatusHealthy
	r.Summary = Summary{TotalChecks: len(r.Checks)}
	for _, res := range r.Checks {
		r.Status = Worst(r.Status, res.Status)
		switch res.Status {
		case StatusHealthy:
			r.Summary.HealthyChecks++
		case StatusWarning:
			r.Summary.WarningChecks++
		case StatusError:
			r.Summary.ErrorChecks++
		case StatusCritical:
			r.Summary.ErrorChecks++
			r.Summary.CriticalChecks++
		}
	}
}

// Results returns the check results in report order.
func (r *Report) Results() []Result {
	out := make([]Result, 0, len(r.Checks))
	for _, name := range r.names() {
		out = append(out, r.Checks[name])
	}
	return out
}

// names returns Order followed by any check missing from it, sorted.
func (r *Report) names() []string {
	seen := make(map[string]bool, len(r.Order))
	names := make([]string, 0, len(r.Checks))
	for _, n := range r.Order {
		if _, ok := r.Checks[n]; ok && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	var rest []string
	for n := range r.Checks {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// MarshalJSON encodes the report document:
//
//	{"health_check": {"timestamp", "status", "checks": {...}}, "summary": {...}}
//
// with checks in report order.
func (r *Report) MarshalJSON() ([]byte, error) {
	var checks bytes.Buffer
	checks.WriteByte('{')
	for i, name := range r.names() {
		if i > 0 {
			checks.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.Checks[name])
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", name, err)
		}
		checks.Write(k)
		checks.WriteByte(':')
		checks.Write(v)
	}
	checks.WriteByte('}')

	doc := struct {
		HealthCheck struct {
			Timestamp time.Time       `json:"timestamp"`
			Status    Status          `json:"status"`
			Checks    json.RawMessage `json:"checks"`
		} `json:"health_check"`
		Summary Summary `json:"summary"`
	}{Summary: r.Summary}
	doc.HealthCheck.Timestamp = r.Timestamp
	doc.HealthCheck.Status = r.Status
	doc.HealthCheck.Checks = checks.Bytes()
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a report document. Check order follows the
// document.
func (r *Report) UnmarshalJSON(b []byte) error {
	var doc struct {
		HealthCheck struct {
			Timestamp time.Time       `json:"timestamp"`
			Status    Status          `json:"status"`
			Checks    json.RawMessage `json:"checks"`
		} `json:"health_check"`
		Summary Summary `json:"summary"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	out := Report{Timestamp: doc.HealthCheck.Timestamp, Checks: map[string]Result{}}
	if len(doc.HealthCheck.Checks) > 0 {
		dec := json.NewDecoder(bytes.NewReader(doc.HealthCheck.Checks))
		if _, err := dec.Token(); err != nil {
			return err
		}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			name, _ := tok.(string)
			var res Result
			if err := dec.Decode(&res); err != nil {
				return fmt.Errorf("check %s: %w", name, err)
			}
			res.Name = name
			out.Checks[name] = res
			out.Order = append(out.Order, name)
		}
	}
	out.recount()
	*r = out
	return nil
}

// ReportFileName returns the default snapshot name for a report taken at t.
func ReportFileName(t time.Time) string {
	return "health_report_" + t.Format("20060102_150405") + ".json"
}

// SaveReport writes the indented report document to path atomically.
func SaveReport(path string, r *Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode health report: %w", err)
	}
	b = append(b, '\n')
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".health-*.tmp")
	if err != nil {
		return fmt.Errorf("create report temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write health report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write health report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save health report: %w", err)
	}
	return nil
}
