// Package health runs independent checks against the supervised application
// and its host and folds them into one report.
package health

import (
	"fmt"
	"strings"
)

// Status is the severity of a check result, ordered
// healthy < warning < error < critical.
type Status int

const (
	StatusHealthy Status = iota
	StatusWarning
	StatusError
	StatusCritical
)

var statusNames = [...]string{"healthy", "warning", "error", "critical"}

// Valid reports whether s is one of the four defined statuses.
func (s Status) Valid() bool { return s >= StatusHealthy && s <= StatusCritical }

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of String. Matching ignores case.
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	return StatusHealthy, fmt.Errorf("unknown health status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid health status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Failing reports whether s is error or critical.
func (s Status) Failing() bool { return s >= StatusError }

// Worst returns the more severe of a and b.
func Worst(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}
