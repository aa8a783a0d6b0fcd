// Package probe checks that the supervised service answers HTTP requests.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultURL     = "http://localhost:8000/"
	DefaultTimeout = 10 * time.Second
)

// ErrUnresponsive is returned by Do for a non-2xx response.
var ErrUnresponsive = errors.New("service unresponsive")

// Probe issues bounded GET requests against one endpoint.
type Probe struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// New returns a probe for url with a per-request timeout. Empty values fall
// back to DefaultURL and DefaultTimeout.
func New(url string, timeout time.Duration) *Probe {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Probe{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
			// Redirects are answered by the service itself; the probe judges
			// the first response.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// URL returns the probed endpoint.
func (p *Probe) URL() string { return p.url }

// Timeout returns the per-request bound.
func (p *Probe) Timeout() time.Duration { return p.timeout }

// Do performs one GET and returns the status code. A non-2xx response
// yields the code together with an error wrapping ErrUnresponsive.
func (p *Probe) Do(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: HTTP %d", ErrUnresponsive, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Check reports whether the endpoint answered 2xx within the timeout. Every
// failure, including a panic inside the transport, maps to false.
func (p *Probe) Check(ctx context.Context) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := p.Do(ctx)
	return err == nil
}
