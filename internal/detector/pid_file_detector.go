package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFileDetector detects a process via a PID file.
//
// Format: first line is the PID, the second line an optional JSON description
// of the target, the third line optional JSON metadata with the start time.
type PIDFileDetector struct {
	PIDFile string
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// ReadPID parses the pidfile and returns the PID and the recorded start time
// (0 when absent). A missing file yields os.ErrNotExist.
func (d PIDFileDetector) ReadPID() (int, int64, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", d.PIDFile, err)
	}

	var metaStart int64
	if len(lines) >= 3 {
		var m pidMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[2])), &m); err == nil {
			metaStart = m.StartUnix
		}
	} else if len(lines) == 2 {
		var m pidMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m); err == nil && m.StartUnix > 0 {
			metaStart = m.StartUnix
		}
	}
	return pid, metaStart, nil
}

// Alive reports whether the recorded PID is running and, when the pidfile
// carries a start time, is still the same process.
func (d PIDFileDetector) Alive(_ context.Context) (bool, error) {
	pid, metaStart, err := d.ReadPID()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if metaStart > 0 {
		cur := getProcStartUnix(pid)
		if cur > 0 && cur != metaStart {
			return false, nil // PID reused; not our process
		}
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// WritePIDFile records pid in path together with info (encoded on line 2)
// and the process start time (line 3). The file is replaced atomically.
func WritePIDFile(path string, pid int, info any) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if info == nil {
		info = struct{}{}
	}
	ib, err := json.Marshal(info)
	if err != nil {
		return err
	}
	mb, _ := json.Marshal(pidMeta{StartUnix: getProcStartUnix(pid)})
	content := strconv.Itoa(pid) + "\n" + string(ib) + "\n" + string(mb) + "\n"

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RemovePIDFile deletes path if it still names pid. A pidfile rewritten by a
// newer instance is left alone.
func RemovePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	cur, _, err := PIDFileDetector{PIDFile: path}.ReadPID()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if cur != pid {
		return nil
	}
	return os.Remove(path)
}
