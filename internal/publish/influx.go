package publish

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/warden/internal/health"
)

// InfluxConfig selects the InfluxDB v2 bucket receiving report points.
type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// InfluxPublisher writes one health_check point per check and one
// system_resources point when the resource check carries data.
type InfluxPublisher struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	target string
}

func NewInfluxPublisher(cfg InfluxConfig) (*InfluxPublisher, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, errors.New("influx: url and bucket are required")
	}
	c := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxPublisher{
		client: c,
		write:  c.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		target: cfg.URL + "/" + cfg.Bucket,
	}, nil
}

// Points converts a report to line-protocol points.
func Points(r *health.Report) []*write.Point {
	var pts []*write.Point
	for _, res := range r.Results() {
		pts = append(pts, influxdb2.NewPoint(
			"health_check",
			map[string]string{"check": res.Name, "status": res.Status.String()},
			map[string]interface{}{"severity": int64(res.Status)},
			r.Timestamp,
		))
	}
	pts = append(pts, influxdb2.NewPoint(
		"health_overall",
		nil,
		map[string]interface{}{
			"severity":        int64(r.Status),
			"healthy_checks":  int64(r.Summary.HealthyChecks),
			"warning_checks":  int64(r.Summary.WarningChecks),
			"error_checks":    int64(r.Summary.ErrorChecks),
			"critical_checks": int64(r.Summary.CriticalChecks),
		},
		r.Timestamp,
	))
	if res, ok := r.Checks[health.NameResources]; ok && len(res.Data) > 0 {
		fields := map[string]interface{}{}
		for _, k := range []string{"cpu_percent", "memory_percent", "disk_percent", "disk_free_gb"} {
			if v, ok := res.Data[k].(float64); ok {
				fields[k] = v
			}
		}
		if len(fields) > 0 {
			pts = append(pts, influxdb2.NewPoint("system_resources", nil, fields, r.Timestamp))
		}
	}
	return pts
}

func (p *InfluxPublisher) Publish(ctx context.Context, r *health.Report) error {
	if r == nil {
		return nil
	}
	if err := p.write.WritePoint(ctx, Points(r)...); err != nil {
		return fmt.Errorf("influx: write to %s: %w", p.target, err)
	}
	return nil
}

func (p *InfluxPublisher) Close() error {
	p.client.Close()
	return nil
}
