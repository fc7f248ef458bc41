// Package platform periodically samples this process's own CPU and
// memory usage and feeds the result to Prometheus gauges, grounded on
// the teacher's gopsutil-based system metrics tracker.
package platform

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Gauges is the narrow metrics surface the sampler reports through.
type Gauges interface {
	SetProcessCPUPercent(pct float64)
	SetProcessRSSBytes(bytes uint64)
}

// Sampler periodically reads process CPU%/RSS via gopsutil and reports
// it to the configured gauges.
type Sampler struct {
	proc     *process.Process
	gauges   Gauges
	logger   zerolog.Logger
	interval time.Duration
	stop     chan struct{}
}

// NewSampler creates a Sampler bound to the current process.
func NewSampler(gauges Gauges, interval time.Duration, logger zerolog.Logger) (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{
		proc:     proc,
		gauges:   gauges,
		logger:   logger.With().Str("component", "resource_sampler").Logger(),
		interval: interval,
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the periodic sampling loop in a background goroutine.
func (s *Sampler) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sampleOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (s *Sampler) Stop() { close(s.stop) }

func (s *Sampler) sampleOnce() {
	if pct, err := s.proc.CPUPercent(); err == nil {
		s.gauges.SetProcessCPUPercent(pct)
	} else {
		s.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		s.gauges.SetProcessRSSBytes(mem.RSS)
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("memory sample failed")
	}
}
