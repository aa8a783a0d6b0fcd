package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/warden/internal/history"
)

// Sink indexes restart records in OpenSearch via its REST API.
// Documents are POSTed to baseURL + "/" + index + "/_doc".
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

type document struct {
	Timestamp          time.Time `json:"@timestamp"`
	RunID              string    `json:"run_id"`
	Target             string    `json:"target"`
	PID                int       `json:"pid"`
	RestartCount       int       `json:"restart_count"`
	MaxRestartAttempts int       `json:"max_restart_attempts"`
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, err := json.Marshal(document{
		Timestamp:          r.Timestamp.UTC(),
		RunID:              r.RunID,
		Target:             r.Target,
		PID:                r.PID,
		RestartCount:       r.RestartCount,
		MaxRestartAttempts: r.MaxRestartAttempts,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
