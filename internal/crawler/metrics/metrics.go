// Package metrics collects host resource utilization for heartbeat reporting.
package metrics

import (
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// Collector samples CPU and memory utilization on demand.
type Collector struct {
	activeJobs     func() int
	totalProcessed func() int
	status         func() protocol.SystemStatus
}

// New creates a Collector. activeJobs, totalProcessed, and status are read at
// every Collect call so the heartbeat always reflects current state.
func New(activeJobs, totalProcessed func() int, status func() protocol.SystemStatus) *Collector {
	return &Collector{activeJobs: activeJobs, totalProcessed: totalProcessed, status: status}
}

// Collect returns one heartbeat payload. CPU sampling blocks for a short
// interval; callers run this off the hot path (the heartbeat ticker), not
// inline with socket I/O.
func (c *Collector) Collect() protocol.HeartbeatData {
	data := protocol.HeartbeatData{
		ActiveJobs:     c.activeJobs(),
		TotalProcessed: c.totalProcessed(),
		SystemStatus:   c.status(),
	}

	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		data.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		data.MemPercent = vm.UsedPercent
	}

	return data
}
