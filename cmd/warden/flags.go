package main

import "time"

// MonitorFlags decouples cobra from the run logic for testing. Numeric
// durations are whole seconds, as on the command line.
type MonitorFlags struct {
	ConfigPath   string
	Daemon       bool
	Interval     int
	MaxRestarts  int
	RestartDelay int
	PIDFile      string
	LogFile      string
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
