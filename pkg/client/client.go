// Package client talks to the warden status API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/history"
)

// ErrNoReport is returned by Health before the supervisor produced its
// first report.
var ErrNoReport = errors.New("no health report yet")

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client provides HTTP access to a running warden
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	username string
	password string

	mu    sync.Mutex
	token string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification

	// Username and Password are sent as basic auth until Login succeeds.
	Username string
	Password string
	Token    string // bearer token from an earlier Login
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. A TLS setup failure is returned rather than
// silently falling back to plain verification.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		logger:   config.Logger,
		username: config.Username,
		password: config.Password,
		token:    config.Token,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the API answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Warden unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	reachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Warden reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Login exchanges the configured credentials for a bearer token used by
// later calls.
func (c *Client) Login(ctx context.Context) (*Token, error) {
	body, err := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/login", body, &tok); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = tok.Value
	c.mu.Unlock()
	return &tok, nil
}

// Status returns the monitor snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health returns the last health report produced by the supervisor.
func (c *Client) Health(ctx context.Context) (*health.Report, error) {
	var r health.Report
	err := c.do(ctx, http.MethodGet, "/health", nil, &r)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, ErrNoReport
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Check returns one check of the last report.
func (c *Client) Check(ctx context.Context, name string) (*CheckResult, error) {
	var res CheckResult
	if err := c.do(ctx, http.MethodGet, "/health?check="+url.QueryEscape(name), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResetBudget asks the supervisor to clear its restart budget.
func (c *Client) ResetBudget(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodPost, "/reset", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Restarts returns the supervisor's restart log, oldest first.
func (c *Client) Restarts(ctx context.Context) ([]history.Record, error) {
	var recs []history.Record
	if err := c.do(ctx, http.MethodGet, "/restarts", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}

	if t := config.TLS; t != nil {
		tlsConfig.InsecureSkipVerify = t.SkipVerify // #nosec G402 -- explicit opt-in
		tlsConfig.ServerName = t.ServerName
		if t.CACert != "" {
			if err := loadCACert(tlsConfig, t.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if t.ClientCert != "" && t.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath) // #nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// do performs one request and decodes a 200 body into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, path)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request, path string) {
	if path == "/login" {
		return
	}
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	switch {
	case tok != "":
		req.Header.Set("Authorization", "Bearer "+tok)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

func (c *Client) errorFrom(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	msg := er.Error
	if er.Message != "" {
		msg += ": " + er.Message
	}
	c.logger.Debug("API request failed", "error", msg, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
