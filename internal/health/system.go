package health

import (
	"runtime"
	"time"

	"github.com/prometheus/procfs"
)

// userHZ is the kernel clock tick rate procfs assumes for /proc/self/stat.
const userHZ = 100

// Memory is a point-in-time view of process memory, in bytes.
type Memory struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapUsed  uint64 `json:"heapUsed"`
	Sys       uint64 `json:"sys"`
	Stack     uint64 `json:"stack"`
}

// CPU reports process CPU time in microseconds plus scheduler facts.
type CPU struct {
	User       int64   `json:"user"`
	System     int64   `json:"system"`
	Seconds    float64 `json:"seconds"`
	Goroutines int     `json:"goroutines"`
	Cores      int     `json:"cores"`
}

// System describes the monitor process itself.
type System struct {
	Platform       string  `json:"platform"`
	RuntimeVersion string  `json:"runtimeVersion"`
	Memory         Memory  `json:"memory"`
	Uptime         float64 `json:"uptime"`
	CPU            CPU     `json:"cpu"`
}

// ReadMemory combines Go heap statistics with the resident set size from
// /proc. Off Linux RSS falls back to the memory obtained from the OS.
func ReadMemory() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	mem := Memory{
		RSS:       ms.Sys,
		HeapTotal: ms.HeapSys,
		HeapUsed:  ms.HeapAlloc,
		Sys:       ms.Sys,
		Stack:     ms.StackInuse,
	}
	if st, err := selfStat(); err == nil {
		mem.RSS = uint64(st.ResidentMemory())
	}
	return mem
}

// ReadCPU reads process CPU time from /proc. Off Linux only the scheduler
// fields are populated.
func ReadCPU() CPU {
	c := CPU{Goroutines: runtime.NumGoroutine(), Cores: runtime.NumCPU()}
	if st, err := selfStat(); err == nil {
		c.User = int64(st.UTime) * 1e6 / userHZ
		c.System = int64(st.STime) * 1e6 / userHZ
		c.Seconds = st.CPUTime()
	}
	return c
}

func selfStat() (procfs.ProcStat, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return procfs.ProcStat{}, err
	}
	p, err := fs.Self()
	if err != nil {
		return procfs.ProcStat{}, err
	}
	return p.Stat()
}

// Snapshot describes the running process. started is the process start.
func Snapshot(started time.Time) System {
	return System{
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		RuntimeVersion: runtime.Version(),
		Memory:         ReadMemory(),
		Uptime:         time.Since(started).Seconds(),
		CPU:            ReadCPU(),
	}
}
