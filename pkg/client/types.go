package client

import "time"

// Status mirrors GET /status.
type Status struct {
	State               string    `json:"state"`
	AttemptsUsed        int       `json:"attempts_used"`
	MaxAttempts         int       `json:"max_attempts"`
	LastRestart         time.Time `json:"last_restart"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Iterations          int       `json:"iterations"`
	PID                 int       `json:"pid,omitempty"`
	RunID               string    `json:"run_id,omitempty"`
	HealthStatus        string    `json:"health_status,omitempty"`
}

// Halted reports whether the supervisor stopped on consecutive failures.
func (s Status) Halted() bool { return s.State == "halted" }

// CheckResult mirrors GET /health?check=name.
type CheckResult struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Token is the bearer token returned by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
