//go:build linux

package loop

import "syscall"

// epollPoller is the Linux readiness primitive, adapted from
// go-server/pkg/websocket/netpoll.go's EpollServer. Unlike that
// listener-only, edge-triggered helper, this one tracks arbitrary
// connection fds and deliberately omits EPOLLET: spec.md §4.1 requires
// level-triggered readiness so a watch that isn't fully drained in one
// callback invocation simply reports ready again next iteration, rather
// than requiring every callback to drain its fd to EAGAIN.
type epollPoller struct {
	epfd   int
	events []syscall.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, events: make([]syscall.EpollEvent, 256)}, nil
}

func epollMask(interest Interest) uint32 {
	var mask uint32
	if interest&InterestReadable != 0 {
		mask |= syscall.EPOLLIN
	}
	if interest&InterestWritable != 0 {
		mask |= syscall.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) add(handle int, interest Interest) error {
	ev := syscall.EpollEvent{Events: epollMask(interest), Fd: int32(handle)}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, handle, &ev)
}

func (p *epollPoller) remove(handle int) error {
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, handle, nil)
}

func (p *epollPoller) wait(timeoutMillis int) ([]int, error) {
	n, err := syscall.EpollWait(p.epfd, p.events, timeoutMillis)
	if err != nil {
		if err == syscall.EINTR {
			return nil, nil
		}
		return nil, err
	}
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ready = append(ready, int(p.events[i].Fd))
	}
	return ready, nil
}

func (p *epollPoller) close() error {
	return syscall.Close(p.epfd)
}
