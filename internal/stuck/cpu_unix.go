//go:build !windows

package stuck

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// clockTicksPerSecond is USER_HZ, the divisor for /proc/<pid>/stat's
// utime/stime fields. Almost universally 100 on Linux; sysconf(3)
// would confirm this but pulling in cgo for one constant isn't worth
// it here.
const clockTicksPerSecondValue = 100

func clockTicksPerSecond() uint64 { return clockTicksPerSecondValue }

// processTreeCPUNs returns cumulative user+system CPU time in
// nanoseconds for pid and every descendant, recursing through child
// PIDs the same way a build driver's worker processes would be
// accounted for.
func processTreeCPUNs(pid int) uint64 {
	total := processCPUNs(pid)
	for _, child := range childPIDs(pid) {
		total += processTreeCPUNs(child)
	}
	return total
}

// childPIDs returns the direct child PIDs of pid, preferring the
// kernel's own children list and falling back to a /proc scan when
// that file is unavailable (CONFIG_PROC_CHILDREN disabled).
func childPIDs(pid int) []int {
	path := "/proc/" + strconv.Itoa(pid) + "/task/" + strconv.Itoa(pid) + "/children"
	if data, err := os.ReadFile(path); err == nil {
		var out []int
		for _, f := range strings.Fields(string(data)) {
			if n, err := strconv.Atoi(f); err == nil {
				out = append(out, n)
			}
		}
		return out
	}
	return scanProcForChildren(pid)
}

func scanProcForChildren(pid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var out []int
	for _, entry := range entries {
		childPid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile("/proc/" + entry.Name() + "/stat")
		if err != nil {
			continue
		}
		if ppid, ok := parsePPID(string(stat)); ok && ppid == pid {
			out = append(out, childPid)
		}
	}
	return out
}

// parsePPID extracts field 4 (ppid) from a /proc/<pid>/stat line,
// skipping past the comm field which may itself contain spaces or
// parentheses.
func parsePPID(stat string) (int, bool) {
	close := strings.LastIndexByte(stat, ')')
	if close < 0 || close+1 >= len(stat) {
		return 0, false
	}
	fields := strings.Fields(stat[close+1:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	return ppid, err == nil
}

// processCPUNs returns cumulative user+system CPU time in nanoseconds
// for a single process, read from /proc/<pid>/stat fields utime/stime
// (ticks) scaled by the system clock tick rate.
func processCPUNs(pid int) uint64 {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	close := strings.LastIndexByte(string(data), ')')
	if close < 0 {
		return 0
	}
	fields := strings.Fields(string(data)[close+1:])
	// fields[0] is state; utime is field 14 overall, i.e. fields[11]
	// counted from state; stime is field 15, fields[12].
	if len(fields) < 13 {
		return 0
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0
	}
	ticksPerSec := clockTicksPerSecond()
	if ticksPerSec == 0 {
		return 0
	}
	return (utime + stime) * 1_000_000_000 / ticksPerSec
}

// isProcessAlive probes liveness via signal 0, same idiom as
// engine.LocalDevice.Attach.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
