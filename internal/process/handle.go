package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/warden/internal/detector"
)

// pipeDrain bounds how long Wait keeps reading output after the child exits
// when a grandchild still holds the pipes open.
const pipeDrain = 2 * time.Second

var errStillAlive = errors.New("process still alive")

// Handle identifies one running instance of the program: a PID plus the
// command line and start time observed when it was captured. Handles for
// children spawned by this supervisor also own the exec.Cmd, captured output
// and an exit channel closed once the child has been reaped.
type Handle struct {
	PID        int
	Cmdline    []string
	CapturedAt time.Time
	StartUnix  int64

	cmd     *exec.Cmd
	done    chan struct{}
	group   bool
	stdout  *tailBuffer
	stderr  *tailBuffer
	closers []io.Closer

	mu      sync.Mutex
	exitErr error
}

// Spawn starts the program described by spec with output captured, never
// inherited. The child leads its own process group. A reaper goroutine waits
// for it and closes Done when it exits.
func Spawn(spec Spec) (*Handle, error) {
	if spec.Interpreter == "" {
		return nil, fmt.Errorf("spawn %s: empty command", spec.Name)
	}
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)

	h := &Handle{
		stdout: newTailBuffer(spec.outputLimit()),
		stderr: newTailBuffer(spec.outputLimit()),
		group:  true,
		done:   make(chan struct{}),
	}
	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: output files: %w", spec.Name, err)
	}
	var outFile, errFile io.Writer
	if outW != nil {
		outFile = outW
		h.closers = append(h.closers, outW)
	}
	if errW != nil {
		errFile = errW
		h.closers = append(h.closers, errW)
	}
	cmd.Stdout = teeWriter{tail: h.stdout, file: outFile}
	cmd.Stderr = teeWriter{tail: h.stderr, file: errFile}
	cmd.WaitDelay = pipeDrain

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	h.cmd = cmd
	h.PID = cmd.Process.Pid
	h.Cmdline = append([]string(nil), cmd.Args...)
	h.CapturedAt = time.Now()
	h.StartUnix = detector.StartUnix(h.PID)

	go h.reap()
	return h, nil
}

// Attach returns a handle for a process this supervisor did not spawn.
func Attach(m detector.Match) *Handle {
	return &Handle{
		PID:        m.PID,
		Cmdline:    m.Cmdline,
		CapturedAt: m.FoundAt,
		StartUnix:  m.StartUnix,
	}
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	h.closeWriters()
	close(h.done)
}

func (h *Handle) closeWriters() {
	for _, c := range h.closers {
		_ = c.Close()
	}
}

// Child reports whether the handle owns a process spawned by this supervisor.
func (h *Handle) Child() bool { return h != nil && h.cmd != nil }

// Done is closed when a spawned child has exited. It is nil for attached
// processes.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.done
}

// Exited reports whether a spawned child has exited.
func (h *Handle) Exited() bool {
	if !h.Child() {
		return false
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the child's exit code, or -1 while it runs, when it was
// killed by a signal, or for attached processes.
func (h *Handle) ExitCode() int {
	if !h.Exited() || h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Err returns the error from waiting on an exited child.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Stdout returns the captured tail of the child's standard output.
func (h *Handle) Stdout() string {
	if h.stdout == nil {
		return ""
	}
	return h.stdout.String()
}

// Stderr returns the captured tail of the child's standard error.
func (h *Handle) Stderr() string {
	if h.stderr == nil {
		return ""
	}
	return h.stderr.String()
}

// OutputTruncated reports whether either captured stream dropped older
// output to stay within the output limit.
func (h *Handle) OutputTruncated() bool {
	return (h.stdout != nil && h.stdout.Truncated()) || (h.stderr != nil && h.stderr.Truncated())
}

// Alive reports whether the process the handle names is still running. An
// attached process whose PID now carries a different start time is treated
// as gone.
func (h *Handle) Alive() bool {
	if h == nil || h.PID <= 0 {
		return false
	}
	if h.Child() {
		return !h.Exited()
	}
	if !processExists(h.PID) {
		return false
	}
	if h.StartUnix > 0 {
		if cur := detector.StartUnix(h.PID); cur > 0 && cur != h.StartUnix {
			return false
		}
	}
	return true
}

// WaitExit blocks until the process is gone, d elapses or ctx ends. It
// returns true when the process is gone. Children are awaited on their exit
// channel; attached processes are polled with exponential backoff.
func (h *Handle) WaitExit(ctx context.Context, d time.Duration) bool {
	if !h.Alive() {
		return true
	}
	if d <= 0 {
		return false
	}
	if h.Child() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-h.done:
			return true
		case <-t.C:
			return false
		case <-ctx.Done():
			return !h.Alive()
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = d
	err := backoff.Retry(func() error {
		if h.Alive() {
			return errStillAlive
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	return err == nil
}

// Stage names a step of the two-stage termination protocol.
type Stage string

const (
	StageGraceful Stage = "graceful"
	StageForce    Stage = "force"
)

// ErrSurvived is returned when the process outlives forceful termination.
var ErrSurvived = errors.New("process survived termination")

// Terminate stops the process: a graceful request (SIGTERM) bounded by grace,
// then a forceful kill bounded by kill. It returns the stage that ended the
// process, or "" when it was already gone, so repeated calls are harmless.
// On failure the failing stage is returned with the cause.
func (h *Handle) Terminate(ctx context.Context, grace, kill time.Duration) (Stage, error) {
	if !h.Alive() {
		return "", nil
	}
	if err := sendStop(h.PID, h.group, false); err != nil && h.Alive() {
		return StageGraceful, fmt.Errorf("signal pid %d: %w", h.PID, err)
	}
	if h.WaitExit(ctx, grace) {
		return StageGraceful, nil
	}
	if err := sendStop(h.PID, h.group, true); err != nil && h.Alive() {
		return StageForce, fmt.Errorf("kill pid %d: %w", h.PID, err)
	}
	if h.WaitExit(ctx, kill) {
		return StageForce, nil
	}
	return StageForce, ErrSurvived
}

// String describes the handle for logs.
func (h *Handle) String() string {
	if h == nil {
		return "<none>"
	}
	return fmt.Sprintf("pid=%d cmd=%v", h.PID, h.Cmdline)
}
