package engine

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryMonitor reports available system memory. The hybrid combinator reads
// it opportunistically before each add and search; implementations must not
// require any lock to read.
type MemoryMonitor interface {
	AvailableBytes() (uint64, error)
}

// SystemMonitor reads live virtual-memory statistics from the host.
type SystemMonitor struct{}

// AvailableBytes returns the memory available for new work without swapping.
func (SystemMonitor) AvailableBytes() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("reading virtual memory: %w", err)
	}
	return vm.Available, nil
}
