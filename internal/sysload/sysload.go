// Package sysload samples host memory and CPU pressure, adapted from
// go-server/internal/metrics.SystemMetrics, so the dispatcher can refuse
// messages with a NoMemory error while available memory is low.
package sysload

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler tracks smoothed CPU usage and the last-observed memory
// availability, refreshed on demand by Update.
type Sampler struct {
	mu             sync.RWMutex
	cpuPercent     float64
	memAvailablePct float64
	lastUpdate     time.Time
}

func NewSampler() *Sampler {
	s := &Sampler{lastUpdate: time.Now()}
	s.Update()
	return s
}

// Update refreshes both readings. CPU sampling blocks for about
// 200ms; call it from a background ticker goroutine, never from the
// event loop thread itself.
func (s *Sampler) Update() {
	s.updateCPU()
	s.updateMemory()
}

func (s *Sampler) updateCPU() {
	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cpuPercent == 0 {
		s.cpuPercent = current
	} else {
		const alpha = 0.3
		s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
	}
}

func (s *Sampler) updateMemory() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memAvailablePct = 100 * float64(vm.Available) / float64(vm.Total)
	s.lastUpdate = time.Now()
}

func (s *Sampler) CPUPercent() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cpuPercent
}

func (s *Sampler) MemoryAvailablePercent() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memAvailablePct
}

// MemoryPressureHigh reports whether available memory has dropped below
// threshold. The daemon's dispatcher check calls it once per message and
// answers NoMemory while it is true; no connection is parked or re-armed.
func (s *Sampler) MemoryPressureHigh(thresholdPct float64) bool {
	return s.MemoryAvailablePercent() < thresholdPct
}

// Run samples every interval until stop is closed. Intended to run in
// its own goroutine; the event loop only ever reads through the
// Sampler's getters.
func (s *Sampler) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Update()
		case <-stop:
			return
		}
	}
}
