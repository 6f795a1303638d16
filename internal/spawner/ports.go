package spawner

import "sync"

// DefaultPortsStart is the first port handed out when none is configured.
const DefaultPortsStart = 10000

// PortPool hands out game-server ports, reusing released ports before
// growing the counter.
type PortPool struct {
	mu    sync.Mutex
	next  int
	free  []int
	inUse map[int]struct{}
}

func NewPortPool(start int) *PortPool {
	if start <= 0 {
		start = DefaultPortsStart
	}
	return &PortPool{next: start, inUse: make(map[int]struct{})}
}

// Acquire reserves a port.
func (p *PortPool) Acquire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var port int
	if len(p.free) > 0 {
		port = p.free[0]
		p.free = p.free[1:]
	} else {
		port = p.next
		p.next++
	}
	p.inUse[port] = struct{}{}
	return port
}

// Release returns port to the pool. Releasing a port that is not
// reserved is ignored.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[port]; !ok {
		return
	}
	delete(p.inUse, port)
	p.free = append(p.free, port)
}

// InUse returns the number of reserved ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
