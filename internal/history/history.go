// Package history persists the append-only restart log. Every successful
// start of the supervised program produces one Record.
package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// Record is one successful restart. Only the first three fields are part of
// the restart log line; the rest are kept by database-backed sinks.
type Record struct {
	Timestamp          time.Time `json:"timestamp"`
	RestartCount       int       `json:"restart_count"`
	MaxRestartAttempts int       `json:"max_restart_attempts"`

	RunID  string `json:"-"`
	Target string `json:"-"`
	PID    int    `json:"-"`
}

// Sink is a destination for restart records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// Multi fans a record out to several sinks. Every sink is attempted; the
// failures are joined.
type Multi []Sink

func (m Multi) Send(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
