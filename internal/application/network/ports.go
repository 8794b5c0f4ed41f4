package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/wronai/pactown/internal/domain"
)

// Allocator range defaults. Ports below minSafePort are never handed
// out even when preferred.
const (
	DefaultRangeStart = 10000
	DefaultRangeEnd   = 65000
	minSafePort       = 1024
)

// PortAllocator hands out free TCP ports on the loopback interface. It
// keeps a per-process issued set so that concurrent allocations cannot
// return the same port before the callee has bound it. The OS remains
// the real authority on availability; Release is pure bookkeeping.
type PortAllocator struct {
	start int
	end   int

	mu     sync.Mutex
	issued map[int]struct{}
}

// NewPortAllocator creates an allocator scanning [start, end). Zero
// bounds select the default range; starts below the safe minimum are
// clamped up.
func NewPortAllocator(start, end int) *PortAllocator {
	if start == 0 {
		start = DefaultRangeStart
	}
	if end == 0 {
		end = DefaultRangeEnd
	}
	if start < minSafePort {
		start = minSafePort
	}
	return &PortAllocator{
		start:  start,
		end:    end,
		issued: make(map[int]struct{}),
	}
}

// Allocate returns a free port. When preferred is non-zero, in the safe
// range and currently free it is chosen; otherwise the range is scanned
// upward and the first free port wins. Fails with
// *domain.NoFreePortError when the range is exhausted.
func (a *PortAllocator) Allocate(preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if preferred >= minSafePort && a.isFree(preferred) {
		a.issued[preferred] = struct{}{}
		return preferred, nil
	}

	for port := a.start; port < a.end; port++ {
		if a.isFree(port) {
			a.issued[port] = struct{}{}
			return port, nil
		}
	}

	return 0, &domain.NoFreePortError{Start: a.start, End: a.end}
}

// Release returns a port to the pool. Releasing a port that was never
// issued is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.issued, port)
}

// ReleaseAll drops the whole issued set.
func (a *PortAllocator) ReleaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.issued = make(map[int]struct{})
}

// Issued returns how many ports are currently issued.
func (a *PortAllocator) Issued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.issued)
}

// IsFree reports whether the port is neither issued nor bound.
func (a *PortAllocator) IsFree(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isFree(port)
}

// isFree bind-tests the loopback address. Any bind failure counts as
// in use; callers then skip the port and continue scanning.
func (a *PortAllocator) isFree(port int) bool {
	if _, taken := a.issued[port]; taken {
		return false
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
