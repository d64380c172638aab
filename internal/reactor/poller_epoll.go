//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

type epoller struct {
	fd     int
	events []unix.EpollEvent
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epoller{fd: fd, events: make([]unix.EpollEvent, 128)}, nil
}

func epollMask(events ioEvents) uint32 {
	var mask uint32
	if events&evRead != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&evWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epoller) add(fd int, events ioEvents) error {
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epoller) modify(fd int, events ioEvents) error {
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epoller) remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epoller) wait(timeout time.Duration, out []readyEvent) ([]readyEvent, error) {
	n, err := unix.EpollWait(p.fd, p.events, pollMillis(timeout))
	if err == unix.EINTR {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	for _, ev := range p.events[:n] {
		var ready ioEvents
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			ready |= evRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			ready |= evWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ready |= evError
		}
		out = append(out, readyEvent{fd: int(ev.Fd), events: ready})
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*n)
	}
	return out, nil
}

func (p *epoller) close() error {
	return unix.Close(p.fd)
}
