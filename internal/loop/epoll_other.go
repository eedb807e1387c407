//go:build !linux

package loop

import (
	"sync"
	"time"
)

// pollFallback is the non-Linux readiness primitive. busd's primary
// deployment target is Linux (matching the reference daemon, and the
// epoll-based backend in epoll_linux.go adapted from
// go-server/pkg/websocket/netpoll.go); this fallback trades precise
// readiness detection for portability by waking on a short fixed interval
// and reporting every registered handle as a dispatch candidate. Watch
// callbacks already tolerate spurious wake-ups (PopMessage-style calls
// return nothing when there's nothing to read), so this is correct, just
// not scalable to large fd counts.
type pollFallback struct {
	mu      sync.Mutex
	handles map[int]bool
}

const fallbackTick = 20 * time.Millisecond

func newPoller() (poller, error) {
	return &pollFallback{handles: make(map[int]bool)}, nil
}

func (p *pollFallback) add(handle int, _ Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[handle] = true
	return nil
}

func (p *pollFallback) remove(handle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, handle)
	return nil
}

func (p *pollFallback) wait(timeoutMillis int) ([]int, error) {
	wait := fallbackTick
	if timeoutMillis >= 0 && time.Duration(timeoutMillis)*time.Millisecond < wait {
		wait = time.Duration(timeoutMillis) * time.Millisecond
	}
	time.Sleep(wait)

	p.mu.Lock()
	defer p.mu.Unlock()
	ready := make([]int, 0, len(p.handles))
	for h := range p.handles {
		ready = append(ready, h)
	}
	return ready, nil
}

func (p *pollFallback) close() error { return nil }
