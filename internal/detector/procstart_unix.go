//go:build !windows

package detector

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// getProcStartUnix returns when pid started, in Unix seconds, or 0. On Linux
// it is /proc/<pid>/stat starttime plus the kernel btime; elsewhere gopsutil.
// Every start time in this package comes from here so values compare equal.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return linuxStartUnix(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// bootTime and clockTicks are fixed for the life of the host.
var (
	bootTime = sync.OnceValue(readBootTime)

	clockTicks = sync.OnceValue(func() int64 {
		clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
		if err != nil || clk <= 0 {
			return 100
		}
		return clk
	})
)

func readBootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		v, ok := strings.CutPrefix(sc.Text(), "btime ")
		if !ok {
			continue
		}
		bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return bt
	}
	return 0
}

func linuxStartUnix(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// comm may contain spaces and parens; fields resume after the last ") ".
	i := bytes.LastIndex(b, []byte(") "))
	if i < 0 {
		return 0
	}
	fields := strings.Fields(string(b[i+2:]))
	// starttime is field 22 of the full line, 20th after comm.
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	bt := bootTime()
	if bt == 0 {
		return 0
	}
	return bt + ticks/clockTicks()
}
