// Package loop implements the event loop described in spec.md §4.1: a
// single-threaded cooperative loop over watched file descriptors plus
// timeouts, with a generation counter guarding against iterating a watch
// set a callback just mutated. The polling primitive is epoll on Linux
// (epoll_linux.go), adapted from go-server/pkg/websocket/netpoll.go's
// EpollServer; other platforms get a portable but coarser fallback
// (epoll_other.go) so the package still builds and the core logic in this
// file stays platform-independent.
package loop

import (
	"container/heap"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Interest mirrors transport.Interest without importing it, keeping loop
// dependency-free of the transport package (dependency order in spec.md
// §2 places Event Loop below everything else).
type Interest uint8

const (
	InterestReadable Interest = 1 << iota
	InterestWritable
)

// Callback is invoked with the watch's registered interest bits. The
// pollers report which handles are ready, not which of those bits are.
type Callback func(ready Interest)

// TimeoutID identifies a scheduled timeout for cancellation.
type TimeoutID uint64

type watch struct {
	handle   int
	interest Interest
	cb       Callback
}

type timeoutEntry struct {
	id       TimeoutID
	deadline time.Time
	cb       func()
	index    int // heap.Interface bookkeeping
}

type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timeoutHeap) Push(x any)         { e := x.(*timeoutEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// poller is the platform-specific readiness primitive.
type poller interface {
	add(handle int, interest Interest) error
	remove(handle int) error
	// wait blocks until a watched handle is ready or timeoutMillis elapses
	// (-1 blocks indefinitely). It returns the handles that became ready.
	wait(timeoutMillis int) ([]int, error)
	close() error
}

// Loop is the single-threaded cooperative core of spec.md §4.1.
type Loop struct {
	poller poller

	mu         sync.Mutex // guards watches/order/timeouts/generation; held only briefly, never across poller.wait
	watches    map[int]*watch
	order      []int // registration order, for in-order dispatch within one iteration
	timeouts   timeoutHeap
	timeoutSeq TimeoutID
	generation uint64

	quit int32

	wakeR, wakeW *os.File
	pending      []func()
	pendingMu    sync.Mutex
}

// New constructs a Loop and registers its internal wake watch, used by
// Enqueue to safely hand work from other goroutines (e.g. an accept loop)
// onto the loop thread.
func New() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		_ = p.close()
		return nil, err
	}
	l := &Loop{
		poller:  p,
		watches: make(map[int]*watch),
		wakeR:   r,
		wakeW:   w,
	}
	l.addWatchLocked(int(r.Fd()), InterestReadable, func(Interest) { l.drainWake() })
	return l, nil
}

func (l *Loop) drainWake() {
	buf := make([]byte, 64)
	for {
		n, err := l.wakeR.Read(buf)
		if n == 0 || err != nil {
			break
		}
		if n < len(buf) {
			break
		}
	}
	l.pendingMu.Lock()
	fns := l.pending
	l.pending = nil
	l.pendingMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Enqueue schedules fn to run on the loop goroutine at the next iteration.
// Safe to call from any goroutine.
func (l *Loop) Enqueue(fn func()) {
	l.pendingMu.Lock()
	l.pending = append(l.pending, fn)
	l.pendingMu.Unlock()
	_, _ = l.wakeW.Write([]byte{0})
}

// AddWatch registers handle with the loop. Must be called from the loop
// goroutine (directly, or via Enqueue from elsewhere).
func (l *Loop) AddWatch(handle int, interest Interest, cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addWatchLocked(handle, interest, cb)
}

func (l *Loop) addWatchLocked(handle int, interest Interest, cb Callback) {
	if _, exists := l.watches[handle]; exists {
		return
	}
	l.watches[handle] = &watch{handle: handle, interest: interest, cb: cb}
	l.order = append(l.order, handle)
	_ = l.poller.add(handle, interest)
	l.generation++
}

// RemoveWatch unregisters handle. Safe to call from within a callback
// firing during the current iteration; the generation bump makes Run
// restart its dispatch loop rather than touch a stale watch.
func (l *Loop) RemoveWatch(handle int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.watches[handle]; !exists {
		return
	}
	delete(l.watches, handle)
	for i, h := range l.order {
		if h == handle {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	_ = l.poller.remove(handle)
	l.generation++
}

// AddTimeout schedules cb to fire once after d elapses.
func (l *Loop) AddTimeout(d time.Duration, cb func()) TimeoutID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeoutSeq++
	id := l.timeoutSeq
	heap.Push(&l.timeouts, &timeoutEntry{id: id, deadline: time.Now().Add(d), cb: cb})
	return id
}

// CancelTimeout removes a pending timeout; a no-op if it already fired.
func (l *Loop) CancelTimeout(id TimeoutID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.timeouts {
		if e.id == id {
			heap.Remove(&l.timeouts, i)
			return
		}
	}
}

// Quit sets the sentinel flag Run checks before every block.
func (l *Loop) Quit() { atomic.StoreInt32(&l.quit, 1) }

func (l *Loop) watchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watches)
}

// Run drives the loop until Quit is called or the watch set empties.
// One iteration: snapshot the generation, compute the next timeout
// deadline, block in the poller, fire expired timeouts, then dispatch
// ready watches in registration order - restarting the iteration the
// moment a callback mutates the watch set, per spec.md §4.1.
func (l *Loop) Run() {
	for {
		if atomic.LoadInt32(&l.quit) != 0 {
			return
		}
		if l.watchCount() == 0 {
			return
		}

		timeoutMillis := l.nextTimeoutMillis()
		ready, err := l.poller.wait(timeoutMillis)
		if atomic.LoadInt32(&l.quit) != 0 {
			return
		}
		if err != nil {
			continue
		}

		l.fireExpiredTimeouts()
		l.dispatchReady(ready)
	}
}

func (l *Loop) nextTimeoutMillis() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timeouts) == 0 {
		return -1
	}
	d := time.Until(l.timeouts[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(int(^uint(0)>>1)) {
		ms = 1000
	}
	return int(ms)
}

func (l *Loop) fireExpiredTimeouts() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timeouts) == 0 || l.timeouts[0].deadline.After(now) {
			l.mu.Unlock()
			return
		}
		e := heap.Pop(&l.timeouts).(*timeoutEntry)
		l.mu.Unlock()
		e.cb()
	}
}

// dispatchReady walks the registration order, invoking the callback for
// every handle present in ready. If a callback's side effects bump the
// generation counter, dispatch stops and lets Run's outer loop re-poll
// rather than keep iterating a snapshot that may reference removed
// watches - see spec.md §4.1's restart-on-mutation rule.
func (l *Loop) dispatchReady(ready []int) {
	readySet := make(map[int]Interest, len(ready))
	for _, h := range ready {
		readySet[h] |= InterestReadable | InterestWritable // poller already filtered by registered interest
	}

	l.mu.Lock()
	gen := l.generation
	order := append([]int(nil), l.order...)
	l.mu.Unlock()

	for _, h := range order {
		if _, ok := readySet[h]; !ok {
			continue
		}
		l.mu.Lock()
		w, exists := l.watches[h]
		curGen := l.generation
		l.mu.Unlock()
		if !exists || curGen != gen {
			return
		}
		w.cb(w.interest)
		l.mu.Lock()
		changed := l.generation != gen
		l.mu.Unlock()
		if changed {
			return
		}
	}
}

// Close releases the poller and wake pipe. Run must have returned first.
func (l *Loop) Close() error {
	_ = l.wakeR.Close()
	_ = l.wakeW.Close()
	return l.poller.close()
}
