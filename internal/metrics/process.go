package metrics

import (
	"log/slog"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessGauges reports resident memory, CPU usage and thread count for the
// current process. Values that cannot be read on this platform are skipped.
func ProcessGauges(logger *slog.Logger) GaugeSource {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		once   sync.Once
		proc   *process.Process
		logged bool
		mu     sync.Mutex
	)
	return func() []Gauge {
		once.Do(func() {
			p, err := process.NewProcess(int32(os.Getpid()))
			if err != nil {
				logger.Warn("process metrics unavailable", "err", err)
				return
			}
			proc = p
		})
		if proc == nil {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()

		var out []Gauge
		var firstErr error
		if mem, err := proc.MemoryInfo(); err == nil {
			out = append(out, Gauge{Name: "aero_gaze_gateway_process_resident_bytes", Help: "Resident set size.", Value: float64(mem.RSS)})
		} else {
			firstErr = err
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			out = append(out, Gauge{Name: "aero_gaze_gateway_process_cpu_percent", Help: "CPU usage since process start.", Value: cpu})
		} else if firstErr == nil {
			firstErr = err
		}
		if n, err := proc.NumThreads(); err == nil {
			out = append(out, Gauge{Name: "aero_gaze_gateway_process_threads", Help: "OS threads.", Value: float64(n)})
		} else if firstErr == nil {
			firstErr = err
		}
		if firstErr != nil && !logged {
			logged = true
			logger.Debug("some process metrics unavailable", "err", firstErr)
		}
		return out
	}
}
