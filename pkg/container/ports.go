package container

import (
	"sync"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/metrics"
)

const (
	// PortRangeStart is the first host port handed to container plugins
	PortRangeStart = 8080

	// PortRangeEnd is the last host port handed to container plugins
	PortRangeEnd = 8999
)

// PortAllocator hands out host ports from a fixed range. Allocate returns
// the lowest free port; Release returns a port to the pool.
type PortAllocator struct {
	mu   sync.Mutex
	used map[int]bool
}

// NewPortAllocator creates an allocator over [PortRangeStart, PortRangeEnd]
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{used: make(map[int]bool)}
}

// Allocate reserves and returns the lowest free port. All ports in use
// fails with NO_AVAILABLE_PORTS.
func (pa *PortAllocator) Allocate() (int, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		if !pa.used[port] {
			pa.used[port] = true
			metrics.PortsAllocated.Set(float64(len(pa.used)))
			return port, nil
		}
	}
	return 0, errs.New(errs.CodeNoAvailablePorts, "container", "no available ports")
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (pa *PortAllocator) Release(port int) {
	pa.mu.Lock()
	delete(pa.used, port)
	metrics.PortsAllocated.Set(float64(len(pa.used)))
	pa.mu.Unlock()
}

// InUse reports whether a port is currently allocated
func (pa *PortAllocator) InUse(port int) bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.used[port]
}
